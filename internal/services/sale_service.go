package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/stockroom/api/internal/domain"
	"github.com/stockroom/api/internal/payments"
	"github.com/stockroom/api/internal/repositories"
)

const (
	eventSaleCompleted = "sale.completed"
	eventSaleRefunded  = "sale.refunded"
)

var (
	// ErrSaleInvalidInput indicates the caller supplied invalid checkout fields.
	ErrSaleInvalidInput = errors.New("sale service: invalid input")
	// ErrSaleNotFound indicates the requested sale does not exist.
	ErrSaleNotFound = errors.New("sale service: sale not found")
	// ErrSaleItemInactive indicates a checkout line references a deactivated item.
	ErrSaleItemInactive = errors.New("sale service: item inactive")
	// ErrSalePaymentFailed indicates the PSP declined or errored on capture.
	ErrSalePaymentFailed = errors.New("sale service: payment failed")
	// ErrSaleInsufficientStock indicates a line cannot be covered by on-hand stock.
	ErrSaleInsufficientStock = errors.New("sale service: insufficient stock")
)

// PaymentGateway abstracts payments.Manager for easier testing.
type PaymentGateway interface {
	Capture(ctx context.Context, paymentCtx payments.PaymentContext, req payments.CaptureRequest) (payments.PaymentDetails, error)
	Refund(ctx context.Context, paymentCtx payments.PaymentContext, req payments.RefundRequest) (payments.PaymentDetails, error)
}

// SaleServiceDeps bundles constructor inputs for the sale service.
type SaleServiceDeps struct {
	Sales           repositories.SaleRepository
	Items           repositories.ItemRepository
	Inventory       InventoryService
	Counters        CounterService
	Payments        PaymentGateway
	Events          EventDispatcher
	Audit           AuditLogService
	Clock           func() time.Time
	IDGenerator     func() string
	Logger          func(ctx context.Context, event string, fields map[string]any)
	Currency        string
	TaxRateBasisPts int64
}

type saleService struct {
	sales     repositories.SaleRepository
	items     repositories.ItemRepository
	inventory InventoryService
	counters  CounterService
	payments  PaymentGateway
	events    EventDispatcher
	audit     AuditLogService
	clock     func() time.Time
	newID     func() string
	logger    func(context.Context, string, map[string]any)
	currency  string
	taxRate   int64
}

// NewSaleService constructs the sale service with the supplied dependencies.
func NewSaleService(deps SaleServiceDeps) (SaleService, error) {
	if deps.Sales == nil {
		return nil, errors.New("sale service: sale repository is required")
	}
	if deps.Items == nil {
		return nil, errors.New("sale service: item repository is required")
	}
	if deps.Inventory == nil {
		return nil, errors.New("sale service: inventory service is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("sale service: counter service is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return "sale_" + ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = "USD"
	}
	taxRate := deps.TaxRateBasisPts
	if taxRate < 0 {
		taxRate = 0
	}

	return &saleService{
		sales:     deps.Sales,
		items:     deps.Items,
		inventory: deps.Inventory,
		counters:  deps.Counters,
		payments:  deps.Payments,
		events:    deps.Events,
		audit:     deps.Audit,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:    idGen,
		logger:   logger,
		currency: currency,
		taxRate:  taxRate,
	}, nil
}

// Checkout finalises a register transaction: stock is reserved first, card
// payments are captured against the hold, and only a successful capture
// commits the reservation and persists the sale. A failed capture releases
// the hold so the goods stay sellable.
func (s *saleService) Checkout(ctx context.Context, cmd CheckoutCommand) (Sale, error) {
	cashierRef := strings.TrimSpace(cmd.CashierRef)
	if cashierRef == "" {
		return Sale{}, fmt.Errorf("%w: cashier ref is required", ErrSaleInvalidInput)
	}
	if len(cmd.Lines) == 0 {
		return Sale{}, fmt.Errorf("%w: at least one line is required", ErrSaleInvalidInput)
	}
	if _, ok := validPaymentMethods[cmd.PaymentMethod]; !ok {
		return Sale{}, fmt.Errorf("%w: unknown payment method %q", ErrSaleInvalidInput, cmd.PaymentMethod)
	}
	if cmd.PaymentMethod == domain.PaymentMethodCredit && strings.TrimSpace(cmd.PaymentToken) == "" {
		return Sale{}, fmt.Errorf("%w: payment token is required for card payments", ErrSaleInvalidInput)
	}

	key := strings.TrimSpace(cmd.IdempotencyKey)
	if key != "" {
		existing, err := s.sales.FindByIdempotencyKey(ctx, key)
		if err == nil {
			return existing, nil
		}
		if !isRepoNotFound(err) {
			return Sale{}, err
		}
	}

	lines, err := s.resolveLines(ctx, cmd.Lines)
	if err != nil {
		return Sale{}, err
	}

	saleID := s.newID()
	reserveLines := make([]ReserveStockLine, 0, len(lines))
	for _, line := range lines {
		reserveLines = append(reserveLines, ReserveStockLine{
			ItemRef:  line.ItemRef,
			SKU:      line.SKU,
			Quantity: line.Quantity,
		})
	}
	reservation, err := s.inventory.Reserve(ctx, ReserveStockCommand{
		OrderRef:       saleID,
		ActorRef:       cashierRef,
		Lines:          reserveLines,
		IdempotencyKey: key,
	})
	if err != nil {
		if errors.Is(err, ErrInventoryInsufficientStock) {
			return Sale{}, fmt.Errorf("%w: %v", ErrSaleInsufficientStock, err)
		}
		return Sale{}, err
	}

	rows := make([]domain.FormRow, 0, len(lines))
	for _, line := range lines {
		rows = append(rows, domain.FormRow{Quantity: line.Quantity, UnitPrice: line.UnitPrice})
	}
	totals := ComputeTotals(rows, BasisUnitPrice, cmd.DiscountPercent, s.taxRate)

	paymentRef, err := s.capturePayment(ctx, cmd, totals.GrandTotal, saleID, key)
	if err != nil {
		if _, relErr := s.inventory.Release(ctx, ReleaseStockCommand{
			ReservationID: reservation.ID,
			Reason:        "payment_failed",
		}); relErr != nil {
			s.logger(ctx, "sale.release_failed", map[string]any{
				"reservationId": reservation.ID,
				"error":         relErr.Error(),
			})
		}
		return Sale{}, err
	}

	if _, err := s.inventory.Commit(ctx, CommitStockCommand{
		ReservationID: reservation.ID,
		OrderRef:      saleID,
	}); err != nil {
		s.logger(ctx, "sale.commit_failed", map[string]any{
			"reservationId": reservation.ID,
			"error":         err.Error(),
		})
		s.refundCapturedPayment(ctx, paymentRef, totals.GrandTotal, saleID)
		return Sale{}, err
	}

	number, err := s.counters.NextDocumentNumber(ctx, "SALE")
	if err != nil {
		s.refundCapturedPayment(ctx, paymentRef, totals.GrandTotal, saleID)
		return Sale{}, fmt.Errorf("sale service: allocate number: %w", err)
	}

	now := s.clock()
	sale := domain.Sale{
		ID:             saleID,
		Number:         number,
		CashierRef:     cashierRef,
		Lines:          lines,
		Totals:         totals,
		PaymentMethod:  cmd.PaymentMethod,
		PaymentRef:     paymentRef,
		Status:         domain.SaleStatusCompleted,
		IdempotencyKey: key,
		SoldAt:         now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.sales.Insert(ctx, sale); err != nil {
		s.refundCapturedPayment(ctx, paymentRef, totals.GrandTotal, saleID)
		return Sale{}, err
	}

	s.publishSaleEvent(ctx, eventSaleCompleted, sale)
	s.logger(ctx, "sale.completed", map[string]any{
		"saleId":     sale.ID,
		"number":     sale.Number,
		"grandTotal": sale.Totals.GrandTotal,
	})
	s.recordAudit(ctx, cashierRef, "sale.checkout", sale.ID, map[string]any{
		"number":     sale.Number,
		"grandTotal": sale.Totals.GrandTotal,
	})
	return sale, nil
}

func (s *saleService) GetSale(ctx context.Context, saleID string) (Sale, error) {
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return Sale{}, fmt.Errorf("%w: sale id is required", ErrSaleInvalidInput)
	}
	sale, err := s.sales.FindByID(ctx, saleID)
	if err != nil {
		if isRepoNotFound(err) {
			return Sale{}, ErrSaleNotFound
		}
		return Sale{}, err
	}
	return sale, nil
}

func (s *saleService) ListSales(ctx context.Context, filter SaleListFilter) (CursorPage[Sale], error) {
	return s.sales.List(ctx, repositories.SaleFilter{
		CashierRef: strings.TrimSpace(filter.CashierRef),
		Status:     filter.Status,
		DateRange:  filter.DateRange,
		Pagination: filter.Pagination,
	})
}

// resolveLines loads each referenced item and freezes its name, cost, and
// price onto the sale line so later catalog edits never rewrite history.
func (s *saleService) resolveLines(ctx context.Context, lines []CheckoutLine) ([]domain.SaleLine, error) {
	resolved := make([]domain.SaleLine, 0, len(lines))
	for i, line := range lines {
		itemRef := strings.TrimSpace(line.ItemRef)
		if itemRef == "" {
			return nil, fmt.Errorf("%w: line %d: item ref is required", ErrSaleInvalidInput, i)
		}
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("%w: line %d: quantity must be positive", ErrSaleInvalidInput, i)
		}

		item, err := s.items.FindByID(ctx, itemRef)
		if err != nil {
			if isRepoNotFound(err) {
				return nil, fmt.Errorf("%w: line %d: item %s not found", ErrSaleInvalidInput, i, itemRef)
			}
			return nil, err
		}
		if !item.Active {
			return nil, fmt.Errorf("%w: %s", ErrSaleItemInactive, item.SKU)
		}

		unitPrice := item.UnitPrice
		if line.UnitPrice != nil {
			if *line.UnitPrice <= 0 {
				return nil, fmt.Errorf("%w: line %d: price override must be positive", ErrSaleInvalidInput, i)
			}
			unitPrice = *line.UnitPrice
		}

		resolved = append(resolved, domain.SaleLine{
			ItemRef:   item.ID,
			SKU:       item.SKU,
			Name:      item.Name,
			Quantity:  line.Quantity,
			UnitCost:  item.UnitCost,
			UnitPrice: unitPrice,
			LineTotal: LineTotal(line.Quantity, unitPrice),
		})
	}
	return resolved, nil
}

// capturePayment runs the PSP capture for card sales. Cash and other offline
// methods settle at the drawer and skip the gateway entirely.
func (s *saleService) capturePayment(ctx context.Context, cmd CheckoutCommand, amount int64, saleID, idempotencyKey string) (string, error) {
	if cmd.PaymentMethod != domain.PaymentMethodCredit {
		return "", nil
	}
	if s.payments == nil {
		return "", fmt.Errorf("%w: no payment gateway configured", ErrSalePaymentFailed)
	}

	details, err := s.payments.Capture(ctx, payments.PaymentContext{Currency: s.currency}, payments.CaptureRequest{
		IntentID:       strings.TrimSpace(cmd.PaymentToken),
		Amount:         &amount,
		IdempotencyKey: idempotencyKey,
		Metadata:       map[string]string{"saleId": saleID},
	})
	if err != nil {
		s.logger(ctx, "sale.payment_failed", map[string]any{
			"saleId": saleID,
			"error":  err.Error(),
		})
		return "", fmt.Errorf("%w: %v", ErrSalePaymentFailed, err)
	}
	if details.Status != payments.StatusSucceeded {
		return "", fmt.Errorf("%w: capture status %s", ErrSalePaymentFailed, details.Status)
	}
	return details.IntentID, nil
}

// refundCapturedPayment undoes a capture when the sale cannot be finalised
// afterwards. The refund is best effort: a failure leaves the capture in place
// and is logged for manual reconciliation.
func (s *saleService) refundCapturedPayment(ctx context.Context, paymentRef string, amount int64, saleID string) {
	if paymentRef == "" || s.payments == nil {
		return
	}
	_, err := s.payments.Refund(ctx, payments.PaymentContext{Currency: s.currency}, payments.RefundRequest{
		IntentID: paymentRef,
		Amount:   &amount,
		Reason:   "sale_not_finalised",
		Metadata: map[string]string{"saleId": saleID},
	})
	if err != nil {
		s.logger(ctx, "sale.compensating_refund_failed", map[string]any{
			"saleId":     saleID,
			"paymentRef": paymentRef,
			"error":      err.Error(),
		})
		return
	}
	s.logger(ctx, "sale.payment_refunded", map[string]any{
		"saleId":     saleID,
		"paymentRef": paymentRef,
	})
}

func (s *saleService) publishSaleEvent(ctx context.Context, eventType string, sale domain.Sale) {
	if s.events == nil {
		return
	}
	err := s.events.PublishSaleEvent(ctx, SaleEventMessage{
		Type:       eventType,
		SaleID:     sale.ID,
		Number:     sale.Number,
		GrandTotal: sale.Totals.GrandTotal,
		Currency:   s.currency,
		OccurredAt: s.clock(),
	})
	if err != nil {
		s.logger(ctx, "sale.event_publish_failed", map[string]any{
			"saleId": sale.ID,
			"type":   eventType,
			"error":  err.Error(),
		})
	}
}

func (s *saleService) recordAudit(ctx context.Context, actor, action, targetRef string, metadata map[string]any) {
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
