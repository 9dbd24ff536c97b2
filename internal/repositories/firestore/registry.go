package firestore

import (
	"context"
	"errors"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/stockroom/api/internal/platform/firestore"
	"github.com/stockroom/api/internal/repositories"
)

// Registry bundles the Firestore-backed repositories behind the
// repositories.Registry interface for dependency injection.
type Registry struct {
	provider *pfirestore.Provider

	items          *ItemRepository
	vendors        *VendorRepository
	purchaseOrders *PurchaseOrderRepository
	receivingLog   *ReceivingLogRepository
	stock          *StockRepository
	sales          *SaleRepository
	invoices       *InvoiceRepository
	quotes         *QuoteRepository
	returns        *ReturnRepository
	auditLogs      *AuditLogRepository
	counters       *CounterRepository
	health         repositories.HealthRepository
}

// NewRegistry constructs every Firestore repository on top of a shared provider.
func NewRegistry(provider *pfirestore.Provider, health repositories.HealthRepository) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry: firestore provider is required")
	}
	if health == nil {
		return nil, errors.New("registry: health repository is required")
	}

	items, err := NewItemRepository(provider)
	if err != nil {
		return nil, err
	}
	vendors, err := NewVendorRepository(provider)
	if err != nil {
		return nil, err
	}
	purchaseOrders, err := NewPurchaseOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	receivingLog, err := NewReceivingLogRepository(provider)
	if err != nil {
		return nil, err
	}
	stock, err := NewStockRepository(provider)
	if err != nil {
		return nil, err
	}
	sales, err := NewSaleRepository(provider)
	if err != nil {
		return nil, err
	}
	invoices, err := NewInvoiceRepository(provider)
	if err != nil {
		return nil, err
	}
	quotes, err := NewQuoteRepository(provider)
	if err != nil {
		return nil, err
	}
	returns, err := NewReturnRepository(provider)
	if err != nil {
		return nil, err
	}
	auditLogs, err := NewAuditLogRepository(provider)
	if err != nil {
		return nil, err
	}
	counters, err := NewCounterRepository(provider)
	if err != nil {
		return nil, err
	}

	return &Registry{
		provider:       provider,
		items:          items,
		vendors:        vendors,
		purchaseOrders: purchaseOrders,
		receivingLog:   receivingLog,
		stock:          stock,
		sales:          sales,
		invoices:       invoices,
		quotes:         quotes,
		returns:        returns,
		auditLogs:      auditLogs,
		counters:       counters,
		health:         health,
	}, nil
}

// Close releases the shared Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

// RunInTx groups repository calls behind a single Firestore transaction
// boundary. Individual multi-document mutations already run in their own
// transactions, so this exists for callers composing several writes.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if r == nil || r.provider == nil {
		return errors.New("registry not initialised")
	}
	if fn == nil {
		return errors.New("registry: transaction function is required")
	}
	return r.provider.RunTransaction(ctx, func(txCtx context.Context, _ *firestore.Transaction) error {
		return fn(txCtx)
	})
}

func (r *Registry) Items() repositories.ItemRepository                   { return r.items }
func (r *Registry) Vendors() repositories.VendorRepository               { return r.vendors }
func (r *Registry) PurchaseOrders() repositories.PurchaseOrderRepository { return r.purchaseOrders }
func (r *Registry) ReceivingLog() repositories.ReceivingLogRepository    { return r.receivingLog }
func (r *Registry) Stock() repositories.StockRepository                  { return r.stock }
func (r *Registry) Sales() repositories.SaleRepository                   { return r.sales }
func (r *Registry) Invoices() repositories.InvoiceRepository             { return r.invoices }
func (r *Registry) Quotes() repositories.QuoteRepository                 { return r.quotes }
func (r *Registry) Returns() repositories.ReturnRepository               { return r.returns }
func (r *Registry) AuditLogs() repositories.AuditLogRepository           { return r.auditLogs }
func (r *Registry) Counters() repositories.CounterRepository             { return r.counters }
func (r *Registry) Health() repositories.HealthRepository                { return r.health }
