package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	domain "github.com/stockroom/api/internal/domain"
	"github.com/stockroom/api/internal/repositories"
)

var (
	// ErrInvoiceInvalidInput indicates the caller supplied invalid invoice fields.
	ErrInvoiceInvalidInput = errors.New("invoice service: invalid input")
	// ErrInvoiceNotFound indicates the requested invoice does not exist.
	ErrInvoiceNotFound = errors.New("invoice service: invoice not found")
	// ErrInvoiceInvalidState indicates the invoice status forbids the transition.
	ErrInvoiceInvalidState = errors.New("invoice service: invalid state")
)

// InvoiceServiceDeps bundles constructor inputs for the invoice service.
type InvoiceServiceDeps struct {
	Invoices        repositories.InvoiceRepository
	Sales           repositories.SaleRepository
	Counters        CounterService
	Events          EventDispatcher
	Audit           AuditLogService
	Clock           func() time.Time
	IDGenerator     func() string
	Logger          func(ctx context.Context, event string, fields map[string]any)
	TaxRateBasisPts int64
}

type invoiceService struct {
	invoices repositories.InvoiceRepository
	sales    repositories.SaleRepository
	counters CounterService
	events   EventDispatcher
	audit    AuditLogService
	clock    func() time.Time
	newID    func() string
	logger   func(context.Context, string, map[string]any)
	sanitize func(string) string
	taxRate  int64
}

// NewInvoiceService constructs the invoice service with the supplied dependencies.
func NewInvoiceService(deps InvoiceServiceDeps) (InvoiceService, error) {
	if deps.Invoices == nil {
		return nil, errors.New("invoice service: invoice repository is required")
	}
	if deps.Sales == nil {
		return nil, errors.New("invoice service: sale repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("invoice service: counter service is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return "inv_" + ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	taxRate := deps.TaxRateBasisPts
	if taxRate < 0 {
		taxRate = 0
	}

	policy := bluemonday.StrictPolicy()
	return &invoiceService{
		invoices: deps.Invoices,
		sales:    deps.Sales,
		counters: deps.Counters,
		events:   deps.Events,
		audit:    deps.Audit,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
		sanitize: func(value string) string {
			return strings.TrimSpace(policy.Sanitize(value))
		},
		taxRate: taxRate,
	}, nil
}

func (s *invoiceService) CreateInvoice(ctx context.Context, cmd CreateInvoiceCommand) (Invoice, error) {
	customerName, customerEmail, err := s.validateCustomer(cmd.CustomerName, cmd.CustomerEmail)
	if err != nil {
		return Invoice{}, err
	}
	if len(cmd.Lines) == 0 {
		return Invoice{}, fmt.Errorf("%w: at least one line is required", ErrInvoiceInvalidInput)
	}

	lines := make([]domain.SaleLine, 0, len(cmd.Lines))
	rows := make([]domain.FormRow, 0, len(cmd.Lines))
	for i, line := range cmd.Lines {
		if line.Quantity <= 0 {
			return Invoice{}, fmt.Errorf("%w: line %d: quantity must be positive", ErrInvoiceInvalidInput, i)
		}
		if line.UnitPrice <= 0 {
			return Invoice{}, fmt.Errorf("%w: line %d: unit price must be positive", ErrInvoiceInvalidInput, i)
		}
		line.LineTotal = LineTotal(line.Quantity, line.UnitPrice)
		lines = append(lines, line)
		rows = append(rows, domain.FormRow{Quantity: line.Quantity, UnitPrice: line.UnitPrice})
	}

	now := s.clock()
	dueAt := cmd.DueAt
	if dueAt.IsZero() {
		dueAt = now.AddDate(0, 0, 30)
	}
	if dueAt.Before(now) {
		return Invoice{}, fmt.Errorf("%w: due date is in the past", ErrInvoiceInvalidInput)
	}

	number, err := s.counters.NextDocumentNumber(ctx, "INV")
	if err != nil {
		return Invoice{}, fmt.Errorf("invoice service: allocate number: %w", err)
	}

	invoice := domain.Invoice{
		ID:            s.newID(),
		Number:        number,
		CustomerName:  customerName,
		CustomerEmail: customerEmail,
		Lines:         lines,
		Totals:        ComputeTotals(rows, BasisUnitPrice, cmd.DiscountPercent, s.taxRate),
		IssuedAt:      now,
		DueAt:         dueAt,
		Status:        domain.InvoiceStatusDraft,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.invoices.Insert(ctx, invoice); err != nil {
		return Invoice{}, err
	}

	s.publishDocumentEvent(ctx, invoice, cmd.ActorRef)
	s.recordAudit(ctx, cmd.ActorRef, "invoice.create", invoice.ID, map[string]any{"number": invoice.Number})
	return invoice, nil
}

// GenerateFromSale copies the sale's frozen lines and totals onto a new
// invoice, so the billing document always matches what actually sold.
func (s *invoiceService) GenerateFromSale(ctx context.Context, cmd GenerateInvoiceCommand) (Invoice, error) {
	customerName, customerEmail, err := s.validateCustomer(cmd.CustomerName, cmd.CustomerEmail)
	if err != nil {
		return Invoice{}, err
	}

	saleID := strings.TrimSpace(cmd.SaleID)
	if saleID == "" {
		return Invoice{}, fmt.Errorf("%w: sale id is required", ErrInvoiceInvalidInput)
	}
	sale, err := s.sales.FindByID(ctx, saleID)
	if err != nil {
		if isRepoNotFound(err) {
			return Invoice{}, fmt.Errorf("%w: sale %s not found", ErrInvoiceInvalidInput, saleID)
		}
		return Invoice{}, err
	}

	now := s.clock()
	dueAt := cmd.DueAt
	if dueAt.IsZero() {
		dueAt = now.AddDate(0, 0, 30)
	}

	number, err := s.counters.NextDocumentNumber(ctx, "INV")
	if err != nil {
		return Invoice{}, fmt.Errorf("invoice service: allocate number: %w", err)
	}

	lines := make([]domain.SaleLine, len(sale.Lines))
	copy(lines, sale.Lines)

	invoice := domain.Invoice{
		ID:            s.newID(),
		Number:        number,
		SaleRef:       sale.ID,
		CustomerName:  customerName,
		CustomerEmail: customerEmail,
		Lines:         lines,
		Totals:        sale.Totals,
		IssuedAt:      now,
		DueAt:         dueAt,
		Status:        domain.InvoiceStatusSent,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.invoices.Insert(ctx, invoice); err != nil {
		return Invoice{}, err
	}

	s.publishDocumentEvent(ctx, invoice, cmd.ActorRef)
	s.recordAudit(ctx, cmd.ActorRef, "invoice.generate_from_sale", invoice.ID, map[string]any{
		"number": invoice.Number,
		"saleId": sale.ID,
	})
	return invoice, nil
}

func (s *invoiceService) MarkPaid(ctx context.Context, cmd MarkInvoicePaidCommand) (Invoice, error) {
	invoice, err := s.findInvoice(ctx, cmd.InvoiceID)
	if err != nil {
		return Invoice{}, err
	}

	switch invoice.Status {
	case domain.InvoiceStatusDraft, domain.InvoiceStatusSent, domain.InvoiceStatusOverdue:
	default:
		return Invoice{}, fmt.Errorf("%w: cannot pay invoice in status %s", ErrInvoiceInvalidState, invoice.Status)
	}
	if _, ok := validPaymentMethods[cmd.PaymentMethod]; !ok {
		return Invoice{}, fmt.Errorf("%w: unknown payment method %q", ErrInvoiceInvalidInput, cmd.PaymentMethod)
	}

	now := s.clock()
	paidAt := now
	if cmd.PaidAt != nil {
		paidAt = cmd.PaidAt.UTC()
	}

	invoice.Status = domain.InvoiceStatusPaid
	invoice.PaidAt = &paidAt
	invoice.PaymentMethod = cmd.PaymentMethod
	invoice.PaymentRef = strings.TrimSpace(cmd.PaymentRef)
	invoice.UpdatedAt = now

	if err := s.invoices.Update(ctx, invoice); err != nil {
		return Invoice{}, err
	}

	s.publishDocumentEvent(ctx, invoice, cmd.ActorRef)
	s.recordAudit(ctx, cmd.ActorRef, "invoice.mark_paid", invoice.ID, map[string]any{
		"number":     invoice.Number,
		"paymentRef": invoice.PaymentRef,
	})
	return invoice, nil
}

func (s *invoiceService) VoidInvoice(ctx context.Context, invoiceID string, actorRef string) (Invoice, error) {
	invoice, err := s.findInvoice(ctx, invoiceID)
	if err != nil {
		return Invoice{}, err
	}

	switch invoice.Status {
	case domain.InvoiceStatusPaid, domain.InvoiceStatusVoid:
		return Invoice{}, fmt.Errorf("%w: cannot void invoice in status %s", ErrInvoiceInvalidState, invoice.Status)
	}

	invoice.Status = domain.InvoiceStatusVoid
	invoice.UpdatedAt = s.clock()

	if err := s.invoices.Update(ctx, invoice); err != nil {
		return Invoice{}, err
	}

	s.publishDocumentEvent(ctx, invoice, actorRef)
	s.recordAudit(ctx, actorRef, "invoice.void", invoice.ID, map[string]any{"number": invoice.Number})
	return invoice, nil
}

func (s *invoiceService) GetInvoice(ctx context.Context, invoiceID string) (Invoice, error) {
	invoice, err := s.findInvoice(ctx, invoiceID)
	if err != nil {
		return Invoice{}, err
	}
	return s.withDerivedStatus(invoice), nil
}

func (s *invoiceService) ListInvoices(ctx context.Context, filter InvoiceListFilter) (CursorPage[Invoice], error) {
	page, err := s.invoices.List(ctx, repositories.InvoiceFilter{
		Status:     filter.Status,
		DateRange:  filter.DateRange,
		Pagination: filter.Pagination,
	})
	if err != nil {
		return CursorPage[Invoice]{}, err
	}
	for i := range page.Items {
		page.Items[i] = s.withDerivedStatus(page.Items[i])
	}
	return page, nil
}

// withDerivedStatus surfaces OVERDUE for sent invoices past their due date.
// The stored status stays SENT; overdue is a read-time projection so no
// background sweep is needed.
func (s *invoiceService) withDerivedStatus(invoice Invoice) Invoice {
	if invoice.Status == domain.InvoiceStatusSent && s.clock().After(invoice.DueAt) {
		invoice.Status = domain.InvoiceStatusOverdue
	}
	return invoice
}

func (s *invoiceService) validateCustomer(name, email string) (string, string, error) {
	customerName := s.sanitize(name)
	if customerName == "" {
		return "", "", fmt.Errorf("%w: customer name is required", ErrInvoiceInvalidInput)
	}
	customerEmail := strings.TrimSpace(email)
	if customerEmail != "" {
		if _, err := mail.ParseAddress(customerEmail); err != nil {
			return "", "", fmt.Errorf("%w: invalid email %q", ErrInvoiceInvalidInput, customerEmail)
		}
	}
	return customerName, customerEmail, nil
}

func (s *invoiceService) findInvoice(ctx context.Context, invoiceID string) (Invoice, error) {
	invoiceID = strings.TrimSpace(invoiceID)
	if invoiceID == "" {
		return Invoice{}, fmt.Errorf("%w: invoice id is required", ErrInvoiceInvalidInput)
	}
	invoice, err := s.invoices.FindByID(ctx, invoiceID)
	if err != nil {
		if isRepoNotFound(err) {
			return Invoice{}, ErrInvoiceNotFound
		}
		return Invoice{}, err
	}
	return invoice, nil
}

func (s *invoiceService) publishDocumentEvent(ctx context.Context, invoice Invoice, actorRef string) {
	if s.events == nil {
		return
	}
	err := s.events.PublishDocumentEvent(ctx, DocumentEventMessage{
		Type:       "document.invoice." + strings.ToLower(string(invoice.Status)),
		DocumentID: invoice.ID,
		Number:     invoice.Number,
		Kind:       "invoice",
		Status:     string(invoice.Status),
		ActorRef:   actorRef,
		OccurredAt: s.clock(),
	})
	if err != nil {
		s.logger(ctx, "invoice.event_publish_failed", map[string]any{
			"invoiceId": invoice.ID,
			"error":     err.Error(),
		})
	}
}

func (s *invoiceService) recordAudit(ctx context.Context, actor, action, targetRef string, metadata map[string]any) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, AuditLogRecord{
		Actor:     actor,
		Action:    action,
		TargetRef: targetRef,
		Metadata:  metadata,
	})
}
