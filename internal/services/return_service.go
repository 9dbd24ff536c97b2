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

var (
	// ErrReturnInvalidInput indicates the caller supplied invalid return fields.
	ErrReturnInvalidInput = errors.New("return service: invalid input")
	// ErrReturnNotFound indicates the requested return does not exist.
	ErrReturnNotFound = errors.New("return service: return not found")
	// ErrReturnInvalidState indicates the return status forbids the transition.
	ErrReturnInvalidState = errors.New("return service: invalid state")
	// ErrReturnRefundFailed indicates the PSP rejected the refund.
	ErrReturnRefundFailed = errors.New("return service: refund failed")
)

var validReturnConditions = map[domain.ReturnCondition]struct{}{
	domain.ReturnConditionResalable: {},
	domain.ReturnConditionDamaged:   {},
	domain.ReturnConditionDefective: {},
}

// ReturnServiceDeps bundles constructor inputs for the return service.
type ReturnServiceDeps struct {
	Returns     repositories.ReturnRepository
	Sales       repositories.SaleRepository
	Inventory   InventoryService
	Counters    CounterService
	Payments    PaymentGateway
	Events      EventDispatcher
	Audit       AuditLogService
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
	Currency    string
}

type returnService struct {
	returns   repositories.ReturnRepository
	sales     repositories.SaleRepository
	inventory InventoryService
	counters  CounterService
	payments  PaymentGateway
	events    EventDispatcher
	audit     AuditLogService
	clock     func() time.Time
	newID     func() string
	logger    func(context.Context, string, map[string]any)
	currency  string
}

// NewReturnService constructs the return service with the supplied dependencies.
func NewReturnService(deps ReturnServiceDeps) (ReturnService, error) {
	if deps.Returns == nil {
		return nil, errors.New("return service: return repository is required")
	}
	if deps.Sales == nil {
		return nil, errors.New("return service: sale repository is required")
	}
	if deps.Inventory == nil {
		return nil, errors.New("return service: inventory service is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("return service: counter service is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return "ret_" + ulid.Make().String()
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

	return &returnService{
		returns:   deps.Returns,
		sales:     deps.Sales,
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
	}, nil
}

// CreateReturn opens a pending return against a sale. Quantities are checked
// against what the sale actually shipped, minus anything already returned on
// earlier completed returns.
func (s *returnService) CreateReturn(ctx context.Context, cmd CreateReturnCommand) (Return, error) {
	saleID := strings.TrimSpace(cmd.SaleID)
	if saleID == "" {
		return Return{}, fmt.Errorf("%w: sale id is required", ErrReturnInvalidInput)
	}
	if len(cmd.Lines) == 0 {
		return Return{}, fmt.Errorf("%w: at least one line is required", ErrReturnInvalidInput)
	}
	if cmd.RestockingFeePercent < 0 || cmd.RestockingFeePercent > 100 {
		return Return{}, fmt.Errorf("%w: restocking fee must be between 0 and 100", ErrReturnInvalidInput)
	}

	sale, err := s.sales.FindByID(ctx, saleID)
	if err != nil {
		if isRepoNotFound(err) {
			return Return{}, fmt.Errorf("%w: sale %s not found", ErrReturnInvalidInput, saleID)
		}
		return Return{}, err
	}

	returnable, err := s.returnableQuantities(ctx, sale)
	if err != nil {
		return Return{}, err
	}

	soldLines := make(map[string]domain.SaleLine, len(sale.Lines))
	for _, line := range sale.Lines {
		soldLines[line.ItemRef] = line
	}

	lines := make([]domain.ReturnLine, 0, len(cmd.Lines))
	for i, line := range cmd.Lines {
		itemRef := strings.TrimSpace(line.ItemRef)
		sold, ok := soldLines[itemRef]
		if !ok {
			return Return{}, fmt.Errorf("%w: line %d: item %s is not on the sale", ErrReturnInvalidInput, i, itemRef)
		}
		if line.Quantity <= 0 {
			return Return{}, fmt.Errorf("%w: line %d: quantity must be positive", ErrReturnInvalidInput, i)
		}
		if line.Quantity > returnable[itemRef] {
			return Return{}, fmt.Errorf("%w: line %d: %d exceeds returnable quantity %d",
				ErrReturnInvalidInput, i, line.Quantity, returnable[itemRef])
		}
		if _, ok := validReturnConditions[line.Condition]; !ok {
			return Return{}, fmt.Errorf("%w: line %d: unknown condition %q", ErrReturnInvalidInput, i, line.Condition)
		}
		lines = append(lines, domain.ReturnLine{
			ItemRef:   sold.ItemRef,
			SKU:       sold.SKU,
			Quantity:  line.Quantity,
			UnitPrice: sold.UnitPrice,
			Condition: line.Condition,
		})
	}

	number, err := s.counters.NextDocumentNumber(ctx, "RET")
	if err != nil {
		return Return{}, fmt.Errorf("return service: allocate number: %w", err)
	}

	now := s.clock()
	ret := domain.Return{
		ID:                   s.newID(),
		Number:               number,
		SaleRef:              sale.ID,
		Lines:                lines,
		Reason:               strings.TrimSpace(cmd.Reason),
		RestockingFeePercent: cmd.RestockingFeePercent,
		Status:               domain.ReturnStatusPending,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	if err := s.returns.Insert(ctx, ret); err != nil {
		return Return{}, err
	}

	s.recordAudit(ctx, cmd.ActorRef, "return.create", ret.ID, map[string]any{
		"number": ret.Number,
		"saleId": sale.ID,
	})
	return ret, nil
}

// ProcessReturn approves a pending return: resalable goods go back into
// available stock, and the refund amount is fixed as the returned value less
// the restocking fee. Damaged and defective goods never restock.
func (s *returnService) ProcessReturn(ctx context.Context, cmd ProcessReturnCommand) (Return, error) {
	ret, err := s.findReturn(ctx, cmd.ReturnID)
	if err != nil {
		return Return{}, err
	}
	if ret.Status != domain.ReturnStatusPending {
		return Return{}, fmt.Errorf("%w: cannot process return in status %s", ErrReturnInvalidState, ret.Status)
	}

	var returnedValue int64
	for _, line := range ret.Lines {
		returnedValue = saturatingAdd(returnedValue, LineTotal(line.Quantity, line.UnitPrice))
		if line.Condition != domain.ReturnConditionResalable {
			continue
		}
		if _, err := s.inventory.AdjustStock(ctx, AdjustStockCommand{
			ItemRef:  line.ItemRef,
			SKU:      line.SKU,
			Delta:    line.Quantity,
			Reason:   "return.restock",
			ActorRef: cmd.ActorRef,
		}); err != nil {
			return Return{}, fmt.Errorf("return service: restock %s: %w", line.SKU, err)
		}
	}

	ret.RestockingFee = divRoundHalfUp(returnedValue*ret.RestockingFeePercent, 100)
	ret.RefundAmount = returnedValue - ret.RestockingFee
	ret.Status = domain.ReturnStatusApproved
	ret.ProcessedBy = cmd.ActorRef
	ret.UpdatedAt = s.clock()

	if err := s.returns.Update(ctx, ret); err != nil {
		return Return{}, err
	}

	s.recordAudit(ctx, cmd.ActorRef, "return.process", ret.ID, map[string]any{
		"number":       ret.Number,
		"refundAmount": ret.RefundAmount,
	})
	return ret, nil
}

// ProcessRefund settles an approved return. Card sales refund through the
// PSP against the original capture; cash refunds settle at the drawer. The
// originating sale's refunded total and status move in the same step.
func (s *returnService) ProcessRefund(ctx context.Context, cmd ProcessRefundCommand) (Return, error) {
	ret, err := s.findReturn(ctx, cmd.ReturnID)
	if err != nil {
		return Return{}, err
	}
	if ret.Status != domain.ReturnStatusApproved {
		return Return{}, fmt.Errorf("%w: cannot refund return in status %s", ErrReturnInvalidState, ret.Status)
	}

	sale, err := s.sales.FindByID(ctx, ret.SaleRef)
	if err != nil {
		return Return{}, fmt.Errorf("return service: load sale %s: %w", ret.SaleRef, err)
	}

	refundRef := ""
	if sale.PaymentMethod == domain.PaymentMethodCredit && sale.PaymentRef != "" {
		if s.payments == nil {
			return Return{}, fmt.Errorf("%w: no payment gateway configured", ErrReturnRefundFailed)
		}
		amount := ret.RefundAmount
		details, err := s.payments.Refund(ctx, payments.PaymentContext{Currency: s.currency}, payments.RefundRequest{
			IntentID:       sale.PaymentRef,
			Amount:         &amount,
			Reason:         ret.Reason,
			IdempotencyKey: ret.ID,
			Metadata:       map[string]string{"returnId": ret.ID, "saleId": sale.ID},
		})
		if err != nil {
			s.logger(ctx, "return.refund_failed", map[string]any{
				"returnId": ret.ID,
				"error":    err.Error(),
			})
			return Return{}, fmt.Errorf("%w: %v", ErrReturnRefundFailed, err)
		}
		refundRef = details.IntentID
	}

	now := s.clock()
	ret.Status = domain.ReturnStatusCompleted
	ret.RefundRef = refundRef
	ret.RefundedAt = &now
	ret.UpdatedAt = now

	if err := s.returns.Update(ctx, ret); err != nil {
		return Return{}, err
	}

	sale.RefundedTotal = saturatingAdd(sale.RefundedTotal, ret.RefundAmount)
	if sale.RefundedTotal >= sale.Totals.GrandTotal {
		sale.Status = domain.SaleStatusRefunded
	} else {
		sale.Status = domain.SaleStatusPartiallyRefunded
	}
	sale.UpdatedAt = now
	if err := s.sales.Update(ctx, sale); err != nil {
		s.logger(ctx, "return.sale_update_failed", map[string]any{
			"returnId": ret.ID,
			"saleId":   sale.ID,
			"error":    err.Error(),
		})
	}

	s.publishSaleRefunded(ctx, sale)
	s.recordAudit(ctx, cmd.ActorRef, "return.refund", ret.ID, map[string]any{
		"number":       ret.Number,
		"refundAmount": ret.RefundAmount,
		"refundRef":    refundRef,
	})
	return ret, nil
}

func (s *returnService) GetReturn(ctx context.Context, returnID string) (Return, error) {
	return s.findReturn(ctx, returnID)
}

func (s *returnService) ListReturns(ctx context.Context, filter ReturnListFilter) (CursorPage[Return], error) {
	return s.returns.List(ctx, repositories.ReturnFilter{
		SaleRef:    strings.TrimSpace(filter.SaleRef),
		Status:     filter.Status,
		Pagination: filter.Pagination,
	})
}

// returnableQuantities computes, per item, how much of the sale can still
// come back: the sold quantity minus quantities on returns that are not
// rejected.
func (s *returnService) returnableQuantities(ctx context.Context, sale domain.Sale) (map[string]int, error) {
	returnable := make(map[string]int, len(sale.Lines))
	for _, line := range sale.Lines {
		returnable[line.ItemRef] = line.Quantity
	}

	page, err := s.returns.List(ctx, repositories.ReturnFilter{
		SaleRef:    sale.ID,
		Pagination: domain.Pagination{PageSize: 100},
	})
	if err != nil {
		return nil, err
	}
	for _, prior := range page.Items {
		if prior.Status == domain.ReturnStatusRejected {
			continue
		}
		for _, line := range prior.Lines {
			returnable[line.ItemRef] -= line.Quantity
		}
	}
	return returnable, nil
}

func (s *returnService) findReturn(ctx context.Context, returnID string) (Return, error) {
	returnID = strings.TrimSpace(returnID)
	if returnID == "" {
		return Return{}, fmt.Errorf("%w: return id is required", ErrReturnInvalidInput)
	}
	ret, err := s.returns.FindByID(ctx, returnID)
	if err != nil {
		if isRepoNotFound(err) {
			return Return{}, ErrReturnNotFound
		}
		return Return{}, err
	}
	return ret, nil
}

func (s *returnService) publishSaleRefunded(ctx context.Context, sale domain.Sale) {
	if s.events == nil {
		return
	}
	err := s.events.PublishSaleEvent(ctx, SaleEventMessage{
		Type:       eventSaleRefunded,
		SaleID:     sale.ID,
		Number:     sale.Number,
		GrandTotal: sale.Totals.GrandTotal,
		Currency:   s.currency,
		OccurredAt: s.clock(),
	})
	if err != nil {
		s.logger(ctx, "return.event_publish_failed", map[string]any{
			"saleId": sale.ID,
			"error":  err.Error(),
		})
	}
}

func (s *returnService) recordAudit(ctx context.Context, actor, action, targetRef string, metadata map[string]any) {
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
