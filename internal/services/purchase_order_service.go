package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/stockroom/api/internal/domain"
	"github.com/stockroom/api/internal/repositories"
)

var (
	// ErrPurchaseOrderInvalidInput indicates the caller supplied invalid order fields.
	ErrPurchaseOrderInvalidInput = errors.New("purchase order service: invalid input")
	// ErrPurchaseOrderNotFound indicates the requested order does not exist.
	ErrPurchaseOrderNotFound = errors.New("purchase order service: order not found")
	// ErrPurchaseOrderInvalidState indicates the order status forbids the transition.
	ErrPurchaseOrderInvalidState = errors.New("purchase order service: invalid state")
)

// PurchaseOrderServiceDeps bundles constructor inputs for the purchase order service.
type PurchaseOrderServiceDeps struct {
	Orders          repositories.PurchaseOrderRepository
	ReceivingLog    repositories.ReceivingLogRepository
	Inventory       InventoryService
	Counters        CounterService
	Audit           AuditLogService
	Clock           func() time.Time
	IDGenerator     func() string
	Logger          func(ctx context.Context, event string, fields map[string]any)
	TaxRateBasisPts int64
}

type purchaseOrderService struct {
	orders       repositories.PurchaseOrderRepository
	receivingLog repositories.ReceivingLogRepository
	inventory    InventoryService
	counters     CounterService
	audit        AuditLogService
	clock        func() time.Time
	newID        func() string
	logger       func(context.Context, string, map[string]any)
	taxRate      int64
}

// NewPurchaseOrderService constructs the purchase order service with the
// supplied dependencies.
func NewPurchaseOrderService(deps PurchaseOrderServiceDeps) (PurchaseOrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("purchase order service: order repository is required")
	}
	if deps.ReceivingLog == nil {
		return nil, errors.New("purchase order service: receiving log repository is required")
	}
	if deps.Inventory == nil {
		return nil, errors.New("purchase order service: inventory service is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("purchase order service: counter service is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return "po_" + ulid.Make().String()
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

	return &purchaseOrderService{
		orders:       deps.Orders,
		receivingLog: deps.ReceivingLog,
		inventory:    deps.Inventory,
		counters:     deps.Counters,
		audit:        deps.Audit,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:   idGen,
		logger:  logger,
		taxRate: taxRate,
	}, nil
}

// CreatePurchaseOrder persists the header and every line in one document
// write, so a failure never leaves a partial order behind.
func (s *purchaseOrderService) CreatePurchaseOrder(ctx context.Context, cmd CreatePurchaseOrderCommand) (PurchaseOrder, error) {
	vendorRef := strings.TrimSpace(cmd.VendorRef)
	if vendorRef == "" {
		return PurchaseOrder{}, fmt.Errorf("%w: vendor ref is required", ErrPurchaseOrderInvalidInput)
	}
	if len(cmd.Lines) == 0 {
		return PurchaseOrder{}, fmt.Errorf("%w: at least one line is required", ErrPurchaseOrderInvalidInput)
	}

	lines := make([]domain.PurchaseOrderLine, 0, len(cmd.Lines))
	rows := make([]domain.FormRow, 0, len(cmd.Lines))
	for i, line := range cmd.Lines {
		itemRef := strings.TrimSpace(line.ItemRef)
		if itemRef == "" {
			return PurchaseOrder{}, fmt.Errorf("%w: line %d: item ref is required", ErrPurchaseOrderInvalidInput, i)
		}
		if line.Quantity <= 0 {
			return PurchaseOrder{}, fmt.Errorf("%w: line %d: quantity must be positive", ErrPurchaseOrderInvalidInput, i)
		}
		if line.UnitCost <= 0 {
			return PurchaseOrder{}, fmt.Errorf("%w: line %d: unit cost must be positive", ErrPurchaseOrderInvalidInput, i)
		}
		lines = append(lines, domain.PurchaseOrderLine{
			ItemRef:     itemRef,
			SKU:         strings.ToUpper(strings.TrimSpace(line.SKU)),
			Description: strings.TrimSpace(line.Description),
			Quantity:    line.Quantity,
			UnitCost:    line.UnitCost,
			LineTotal:   LineTotal(line.Quantity, line.UnitCost),
		})
		rows = append(rows, domain.FormRow{Quantity: line.Quantity, UnitCost: line.UnitCost})
	}

	number, err := s.counters.NextDocumentNumber(ctx, "PO")
	if err != nil {
		return PurchaseOrder{}, fmt.Errorf("purchase order service: allocate number: %w", err)
	}

	now := s.clock()
	order := domain.PurchaseOrder{
		ID:         s.newID(),
		Number:     number,
		VendorRef:  vendorRef,
		Status:     domain.PurchaseOrderStatusDraft,
		OrderedAt:  now,
		ExpectedAt: cmd.ExpectedAt,
		Lines:      lines,
		Totals:     ComputeTotals(rows, BasisUnitCost, cmd.DiscountPercent, s.taxRate),
		Notes:      strings.TrimSpace(cmd.Notes),
		CreatedBy:  cmd.ActorRef,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.orders.Insert(ctx, order); err != nil {
		return PurchaseOrder{}, err
	}

	s.logger(ctx, "purchase_order.created", map[string]any{
		"orderId": order.ID,
		"number":  order.Number,
		"lines":   len(order.Lines),
	})
	s.recordAudit(ctx, cmd.ActorRef, "purchase_order.create", order.ID, map[string]any{"number": order.Number})
	return order, nil
}

func (s *purchaseOrderService) GetPurchaseOrder(ctx context.Context, orderID string) (PurchaseOrder, error) {
	return s.findOrder(ctx, orderID)
}

func (s *purchaseOrderService) ListPurchaseOrders(ctx context.Context, filter PurchaseOrderListFilter) (CursorPage[PurchaseOrder], error) {
	return s.orders.List(ctx, repositories.PurchaseOrderFilter{
		VendorRef:  strings.TrimSpace(filter.VendorRef),
		Status:     filter.Status,
		DateRange:  filter.DateRange,
		Pagination: filter.Pagination,
	})
}

func (s *purchaseOrderService) ApprovePurchaseOrder(ctx context.Context, orderID string, actorRef string) (PurchaseOrder, error) {
	return s.transition(ctx, orderID, actorRef, "purchase_order.approve",
		domain.PurchaseOrderStatusApproved, domain.PurchaseOrderStatusDraft)
}

func (s *purchaseOrderService) SubmitPurchaseOrder(ctx context.Context, orderID string, actorRef string) (PurchaseOrder, error) {
	return s.transition(ctx, orderID, actorRef, "purchase_order.submit",
		domain.PurchaseOrderStatusSubmitted, domain.PurchaseOrderStatusApproved)
}

func (s *purchaseOrderService) CancelPurchaseOrder(ctx context.Context, orderID string, actorRef string, reason string) (PurchaseOrder, error) {
	order, err := s.findOrder(ctx, orderID)
	if err != nil {
		return PurchaseOrder{}, err
	}

	switch order.Status {
	case domain.PurchaseOrderStatusDraft, domain.PurchaseOrderStatusApproved, domain.PurchaseOrderStatusSubmitted:
	default:
		return PurchaseOrder{}, fmt.Errorf("%w: cannot cancel order in status %s", ErrPurchaseOrderInvalidState, order.Status)
	}

	now := s.clock()
	order.Status = domain.PurchaseOrderStatusCancelled
	order.CancelledAt = &now
	order.CancelReason = strings.TrimSpace(reason)
	order.UpdatedAt = now

	if err := s.orders.Update(ctx, order); err != nil {
		return PurchaseOrder{}, err
	}

	s.recordAudit(ctx, actorRef, "purchase_order.cancel", order.ID, map[string]any{
		"number": order.Number,
		"reason": order.CancelReason,
	})
	return order, nil
}

// ReceivePurchaseOrder applies one receiving event: accepted quantities flow
// into stock, rejected quantities are recorded but never adjust inventory,
// and the order flips to RECEIVED once every line is fully settled.
func (s *purchaseOrderService) ReceivePurchaseOrder(ctx context.Context, cmd ReceivePurchaseOrderCommand) (PurchaseOrder, error) {
	if len(cmd.Lines) == 0 {
		return PurchaseOrder{}, fmt.Errorf("%w: at least one receiving line is required", ErrPurchaseOrderInvalidInput)
	}

	order, err := s.findOrder(ctx, cmd.OrderID)
	if err != nil {
		return PurchaseOrder{}, err
	}
	if order.Status != domain.PurchaseOrderStatusSubmitted {
		return PurchaseOrder{}, fmt.Errorf("%w: order %s is not submitted", ErrPurchaseOrderInvalidState, order.Number)
	}

	byItem := make(map[string]int, len(order.Lines))
	for i, line := range order.Lines {
		byItem[line.ItemRef] = i
	}

	for i, recv := range cmd.Lines {
		idx, ok := byItem[strings.TrimSpace(recv.ItemRef)]
		if !ok {
			return PurchaseOrder{}, fmt.Errorf("%w: line %d: item %s is not on the order", ErrPurchaseOrderInvalidInput, i, recv.ItemRef)
		}
		if recv.QuantityAccepted < 0 || recv.QuantityRejected < 0 {
			return PurchaseOrder{}, fmt.Errorf("%w: line %d: quantities must not be negative", ErrPurchaseOrderInvalidInput, i)
		}
		if recv.QuantityAccepted == 0 && recv.QuantityRejected == 0 {
			return PurchaseOrder{}, fmt.Errorf("%w: line %d: nothing received", ErrPurchaseOrderInvalidInput, i)
		}
		line := order.Lines[idx]
		outstanding := line.Quantity - line.QuantityReceived - line.QuantityRejected
		if recv.QuantityAccepted+recv.QuantityRejected > outstanding {
			return PurchaseOrder{}, fmt.Errorf("%w: line %d: received %d exceeds outstanding %d",
				ErrPurchaseOrderInvalidInput, i, recv.QuantityAccepted+recv.QuantityRejected, outstanding)
		}
	}

	now := s.clock()
	entry := domain.ReceivingLogEntry{
		ID:         "rcv_" + ulid.Make().String(),
		OrderRef:   order.ID,
		ReceivedBy: cmd.ActorRef,
		ReceivedAt: now,
	}

	for _, recv := range cmd.Lines {
		idx := byItem[strings.TrimSpace(recv.ItemRef)]
		line := &order.Lines[idx]
		line.QuantityReceived += recv.QuantityAccepted
		line.QuantityRejected += recv.QuantityRejected

		entry.Lines = append(entry.Lines, domain.ReceivingLine{
			ItemRef:          line.ItemRef,
			SKU:              line.SKU,
			QuantityAccepted: recv.QuantityAccepted,
			QuantityRejected: recv.QuantityRejected,
			RejectionReason:  strings.TrimSpace(recv.RejectionReason),
		})

		if recv.QuantityAccepted > 0 {
			if _, err := s.inventory.AdjustStock(ctx, AdjustStockCommand{
				ItemRef:  line.ItemRef,
				SKU:      line.SKU,
				Delta:    recv.QuantityAccepted,
				Reason:   "purchase_order.receive",
				ActorRef: cmd.ActorRef,
			}); err != nil {
				return PurchaseOrder{}, fmt.Errorf("purchase order service: adjust stock for %s: %w", line.SKU, err)
			}
		}
	}

	fullyReceived := true
	for _, line := range order.Lines {
		if line.QuantityReceived+line.QuantityRejected < line.Quantity {
			fullyReceived = false
			break
		}
	}
	if fullyReceived {
		order.Status = domain.PurchaseOrderStatusReceived
		order.ReceivedAt = &now
	}
	order.UpdatedAt = now

	if err := s.orders.Update(ctx, order); err != nil {
		return PurchaseOrder{}, err
	}
	if err := s.receivingLog.Append(ctx, entry); err != nil {
		s.logger(ctx, "purchase_order.receiving_log_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
	}

	s.recordAudit(ctx, cmd.ActorRef, "purchase_order.receive", order.ID, map[string]any{
		"number":        order.Number,
		"fullyReceived": fullyReceived,
	})
	return order, nil
}

func (s *purchaseOrderService) ListReceivingLog(ctx context.Context, orderID string) ([]ReceivingLogEntry, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrPurchaseOrderInvalidInput)
	}
	return s.receivingLog.ListByOrder(ctx, orderID)
}

func (s *purchaseOrderService) transition(ctx context.Context, orderID, actorRef, action string, target domain.PurchaseOrderStatus, allowed ...domain.PurchaseOrderStatus) (PurchaseOrder, error) {
	order, err := s.findOrder(ctx, orderID)
	if err != nil {
		return PurchaseOrder{}, err
	}

	permitted := false
	for _, status := range allowed {
		if order.Status == status {
			permitted = true
			break
		}
	}
	if !permitted {
		return PurchaseOrder{}, fmt.Errorf("%w: cannot move order from %s to %s", ErrPurchaseOrderInvalidState, order.Status, target)
	}

	order.Status = target
	order.UpdatedAt = s.clock()

	if err := s.orders.Update(ctx, order); err != nil {
		return PurchaseOrder{}, err
	}

	s.recordAudit(ctx, actorRef, action, order.ID, map[string]any{"number": order.Number})
	return order, nil
}

func (s *purchaseOrderService) findOrder(ctx context.Context, orderID string) (PurchaseOrder, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return PurchaseOrder{}, fmt.Errorf("%w: order id is required", ErrPurchaseOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		if isRepoNotFound(err) {
			return PurchaseOrder{}, ErrPurchaseOrderNotFound
		}
		return PurchaseOrder{}, err
	}
	return order, nil
}

func (s *purchaseOrderService) recordAudit(ctx context.Context, actor, action, targetRef string, metadata map[string]any) {
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
