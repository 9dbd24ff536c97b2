package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stockroom/api/internal/platform/config"
	"github.com/stockroom/api/internal/repositories"
	"github.com/stockroom/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Catalog        services.CatalogService
	Vendors        services.VendorService
	PurchaseOrders services.PurchaseOrderService
	Inventory      services.InventoryService
	Sales          services.SaleService
	Invoices       services.InvoiceService
	Quotes         services.QuoteService
	Returns        services.ReturnService
	OrderForms     services.OrderFormService
	Counters       services.CounterService
	Audit          services.AuditLogService
	System         services.SystemService
}

// Deps carries the externally constructed collaborators the container cannot
// build itself: the repository registry plus payment and event infrastructure.
type Deps struct {
	Registry repositories.Registry
	Payments services.PaymentGateway
	Events   services.EventDispatcher
	Build    services.BuildInfo
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Production wiring provides the
// Firestore registry and Stripe-backed payment gateway, while tests can supply
// in-memory registries and stub gateways.
func NewContainer(ctx context.Context, cfg config.Config, deps Deps) (*Container, error) {
	if deps.Registry == nil {
		return nil, errors.New("repositories registry is required")
	}

	svc, err := buildServices(ctx, cfg, deps)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: deps.Registry,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients, background workers, or caches.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(_ context.Context, cfg config.Config, deps Deps) (Services, error) {
	var svc Services
	reg := deps.Registry
	if reg == nil {
		return svc, nil
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	if auditRepo := reg.AuditLogs(); auditRepo != nil {
		auditSvc, err := services.NewAuditLogService(services.AuditLogServiceDeps{
			Repository: auditRepo,
			Clock:      clock,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build audit log service: %w", err)
		}
		svc.Audit = auditSvc
	}

	counterRepo := reg.Counters()
	if counterRepo != nil {
		counterSvc, err := services.NewCounterService(services.CounterServiceDeps{
			Repository: counterRepo,
			Clock:      clock,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build counter service: %w", err)
		}
		svc.Counters = counterSvc
	}

	if stockRepo := reg.Stock(); stockRepo != nil {
		inventorySvc, err := services.NewInventoryService(services.InventoryServiceDeps{
			Stock:  stockRepo,
			Events: deps.Events,
			Clock:  clock,
			Logger: deps.Logger,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build inventory service: %w", err)
		}
		svc.Inventory = inventorySvc
	}

	itemRepo := reg.Items()
	if itemRepo != nil {
		catalogSvc, err := services.NewCatalogService(services.CatalogServiceDeps{
			Items:  itemRepo,
			Audit:  svc.Audit,
			Clock:  clock,
			Logger: deps.Logger,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build catalog service: %w", err)
		}
		svc.Catalog = catalogSvc
	}

	if vendorRepo := reg.Vendors(); vendorRepo != nil && svc.Counters != nil {
		vendorSvc, err := services.NewVendorService(services.VendorServiceDeps{
			Vendors:  vendorRepo,
			Counters: svc.Counters,
			Audit:    svc.Audit,
			Clock:    clock,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build vendor service: %w", err)
		}
		svc.Vendors = vendorSvc
	}

	if svc.Catalog != nil && svc.Vendors != nil {
		orderFormSvc, err := services.NewOrderFormService(services.OrderFormServiceDeps{
			Items:           svc.Catalog,
			Vendors:         svc.Vendors,
			Clock:           clock,
			Logger:          deps.Logger,
			TaxRateBasisPts: cfg.Retail.TaxRateBasisPoints,
			LookupDebounce:  cfg.Retail.LookupDebounce,
			LookupTimeout:   cfg.Retail.LookupTimeout,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build order form service: %w", err)
		}
		svc.OrderForms = orderFormSvc
	}

	if ordersRepo := reg.PurchaseOrders(); ordersRepo != nil && reg.ReceivingLog() != nil && svc.Inventory != nil && svc.Counters != nil {
		purchaseOrderSvc, err := services.NewPurchaseOrderService(services.PurchaseOrderServiceDeps{
			Orders:          ordersRepo,
			ReceivingLog:    reg.ReceivingLog(),
			Inventory:       svc.Inventory,
			Counters:        svc.Counters,
			Audit:           svc.Audit,
			Clock:           clock,
			Logger:          deps.Logger,
			TaxRateBasisPts: cfg.Retail.TaxRateBasisPoints,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build purchase order service: %w", err)
		}
		svc.PurchaseOrders = purchaseOrderSvc
	}

	salesRepo := reg.Sales()
	if salesRepo != nil && itemRepo != nil && svc.Inventory != nil && svc.Counters != nil {
		saleSvc, err := services.NewSaleService(services.SaleServiceDeps{
			Sales:           salesRepo,
			Items:           itemRepo,
			Inventory:       svc.Inventory,
			Counters:        svc.Counters,
			Payments:        deps.Payments,
			Events:          deps.Events,
			Audit:           svc.Audit,
			Clock:           clock,
			Logger:          deps.Logger,
			Currency:        cfg.Retail.Currency,
			TaxRateBasisPts: cfg.Retail.TaxRateBasisPoints,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build sale service: %w", err)
		}
		svc.Sales = saleSvc
	}

	if invoiceRepo := reg.Invoices(); invoiceRepo != nil && salesRepo != nil && svc.Counters != nil {
		invoiceSvc, err := services.NewInvoiceService(services.InvoiceServiceDeps{
			Invoices:        invoiceRepo,
			Sales:           salesRepo,
			Counters:        svc.Counters,
			Events:          deps.Events,
			Audit:           svc.Audit,
			Clock:           clock,
			Logger:          deps.Logger,
			TaxRateBasisPts: cfg.Retail.TaxRateBasisPoints,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build invoice service: %w", err)
		}
		svc.Invoices = invoiceSvc
	}

	if quoteRepo := reg.Quotes(); quoteRepo != nil && svc.OrderForms != nil && svc.Counters != nil {
		quoteSvc, err := services.NewQuoteService(services.QuoteServiceDeps{
			Quotes:          quoteRepo,
			OrderForms:      svc.OrderForms,
			Counters:        svc.Counters,
			Events:          deps.Events,
			Audit:           svc.Audit,
			Clock:           clock,
			Logger:          deps.Logger,
			TaxRateBasisPts: cfg.Retail.TaxRateBasisPoints,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build quote service: %w", err)
		}
		svc.Quotes = quoteSvc
	}

	if returnRepo := reg.Returns(); returnRepo != nil && salesRepo != nil && svc.Inventory != nil && svc.Counters != nil {
		returnSvc, err := services.NewReturnService(services.ReturnServiceDeps{
			Returns:   returnRepo,
			Sales:     salesRepo,
			Inventory: svc.Inventory,
			Counters:  svc.Counters,
			Payments:  deps.Payments,
			Events:    deps.Events,
			Audit:     svc.Audit,
			Clock:     clock,
			Logger:    deps.Logger,
			Currency:  cfg.Retail.Currency,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build return service: %w", err)
		}
		svc.Returns = returnSvc
	}

	if healthRepo := reg.Health(); healthRepo != nil {
		build := deps.Build
		if build.Environment == "" {
			build.Environment = cfg.Security.Environment
		}
		if build.StartedAt.IsZero() {
			build.StartedAt = clock().UTC()
		}
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            clock,
			Build:            build,
			Audit:            svc.Audit,
			Counters:         svc.Counters,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}
