package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/stockroom/api/internal/domain"
	"github.com/stockroom/api/internal/payments"
	"github.com/stockroom/api/internal/repositories"
)

type stubReturnRepository struct {
	insertFn   func(ctx context.Context, ret domain.Return) error
	updateFn   func(ctx context.Context, ret domain.Return) error
	findByIDFn func(ctx context.Context, returnID string) (domain.Return, error)
	listFn     func(ctx context.Context, filter repositories.ReturnFilter) (domain.CursorPage[domain.Return], error)
}

func (s *stubReturnRepository) Insert(ctx context.Context, ret domain.Return) error {
	if s.insertFn != nil {
		return s.insertFn(ctx, ret)
	}
	return nil
}

func (s *stubReturnRepository) Update(ctx context.Context, ret domain.Return) error {
	if s.updateFn != nil {
		return s.updateFn(ctx, ret)
	}
	return nil
}

func (s *stubReturnRepository) FindByID(ctx context.Context, returnID string) (domain.Return, error) {
	if s.findByIDFn != nil {
		return s.findByIDFn(ctx, returnID)
	}
	return domain.Return{}, stubRepositoryError{notFound: true}
}

func (s *stubReturnRepository) List(ctx context.Context, filter repositories.ReturnFilter) (domain.CursorPage[domain.Return], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[domain.Return]{}, nil
}

var returnTestNow = time.Date(2024, time.June, 10, 9, 30, 0, 0, time.UTC)

func cardSale() domain.Sale {
	return domain.Sale{
		ID:            "sale_1",
		Number:        "SALE-0001",
		PaymentMethod: domain.PaymentMethodCredit,
		PaymentRef:    "pi_abc123",
		Status:        domain.SaleStatusCompleted,
		Lines: []domain.SaleLine{
			{ItemRef: "item_1", SKU: "WDG-001", Name: "Widget", Quantity: 4, UnitCost: 250, UnitPrice: 500, LineTotal: 2000},
			{ItemRef: "item_2", SKU: "BLT-002", Name: "Bolt", Quantity: 10, UnitCost: 10, UnitPrice: 25, LineTotal: 250},
		},
		Totals: domain.OrderTotals{Subtotal: 2250, GrandTotal: 2250},
	}
}

type returnTestFixture struct {
	svc       ReturnService
	returns   *stubReturnRepository
	sales     *stubSaleRepository
	inventory *trackingInventoryService
	gateway   *stubPaymentGateway
	events    *captureEventDispatcher
}

func newReturnFixture(t *testing.T, returns *stubReturnRepository, sales *stubSaleRepository) *returnTestFixture {
	t.Helper()
	if sales == nil {
		sales = &stubSaleRepository{
			findByIDFn: func(_ context.Context, saleID string) (domain.Sale, error) {
				if saleID == "sale_1" {
					return cardSale(), nil
				}
				return domain.Sale{}, stubRepositoryError{notFound: true}
			},
		}
	}
	fx := &returnTestFixture{
		returns:   returns,
		sales:     sales,
		inventory: &trackingInventoryService{},
		gateway:   &stubPaymentGateway{},
		events:    &captureEventDispatcher{},
	}
	svc, err := NewReturnService(ReturnServiceDeps{
		Returns:   returns,
		Sales:     sales,
		Inventory: fx.inventory,
		Counters:  &stubCounterService{},
		Payments:  fx.gateway,
		Events:    fx.events,
		Clock: func() time.Time {
			return returnTestNow
		},
		IDGenerator: func() string { return "ret_TEST" },
		Currency:    "USD",
	})
	if err != nil {
		t.Fatalf("NewReturnService: %v", err)
	}
	fx.svc = svc
	return fx
}

func TestReturnServiceCreateReturn(t *testing.T) {
	var inserted domain.Return
	returns := &stubReturnRepository{
		insertFn: func(_ context.Context, ret domain.Return) error {
			inserted = ret
			return nil
		},
	}
	fx := newReturnFixture(t, returns, nil)

	ret, err := fx.svc.CreateReturn(context.Background(), CreateReturnCommand{
		SaleID: "sale_1",
		Lines: []CreateReturnLine{
			{ItemRef: "item_1", Quantity: 2, Condition: domain.ReturnConditionResalable},
		},
		Reason:               "wrong size",
		RestockingFeePercent: 10,
		ActorRef:             "users/u1",
	})
	if err != nil {
		t.Fatalf("CreateReturn: %v", err)
	}
	if ret.Number != "RET-0001" {
		t.Fatalf("unexpected number %q", ret.Number)
	}
	if ret.Status != domain.ReturnStatusPending {
		t.Fatalf("new return should be pending, got %s", ret.Status)
	}
	if ret.Lines[0].UnitPrice != 500 || ret.Lines[0].SKU != "WDG-001" {
		t.Fatalf("sale line snapshot not copied: %+v", ret.Lines[0])
	}
	if inserted.ID != ret.ID {
		t.Fatalf("insert not invoked")
	}
}

func TestReturnServiceCreateReturnValidation(t *testing.T) {
	fx := newReturnFixture(t, &stubReturnRepository{}, nil)

	cases := []struct {
		name string
		cmd  CreateReturnCommand
	}{
		{"missing sale", CreateReturnCommand{Lines: []CreateReturnLine{{ItemRef: "item_1", Quantity: 1, Condition: domain.ReturnConditionResalable}}}},
		{"unknown sale", CreateReturnCommand{SaleID: "sale_missing", Lines: []CreateReturnLine{{ItemRef: "item_1", Quantity: 1, Condition: domain.ReturnConditionResalable}}}},
		{"no lines", CreateReturnCommand{SaleID: "sale_1"}},
		{"item not on sale", CreateReturnCommand{SaleID: "sale_1", Lines: []CreateReturnLine{{ItemRef: "item_x", Quantity: 1, Condition: domain.ReturnConditionResalable}}}},
		{"over quantity", CreateReturnCommand{SaleID: "sale_1", Lines: []CreateReturnLine{{ItemRef: "item_1", Quantity: 5, Condition: domain.ReturnConditionResalable}}}},
		{"bad condition", CreateReturnCommand{SaleID: "sale_1", Lines: []CreateReturnLine{{ItemRef: "item_1", Quantity: 1, Condition: "MINT"}}}},
		{"fee out of range", CreateReturnCommand{SaleID: "sale_1", Lines: []CreateReturnLine{{ItemRef: "item_1", Quantity: 1, Condition: domain.ReturnConditionResalable}}, RestockingFeePercent: 101}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := fx.svc.CreateReturn(context.Background(), tc.cmd); !errors.Is(err, ErrReturnInvalidInput) {
				t.Fatalf("expected ErrReturnInvalidInput, got %v", err)
			}
		})
	}
}

func TestReturnServiceCreateReturnCountsPriorReturns(t *testing.T) {
	returns := &stubReturnRepository{
		listFn: func(context.Context, repositories.ReturnFilter) (domain.CursorPage[domain.Return], error) {
			return domain.CursorPage[domain.Return]{
				Items: []domain.Return{
					{
						Status: domain.ReturnStatusCompleted,
						Lines:  []domain.ReturnLine{{ItemRef: "item_1", Quantity: 3}},
					},
				},
			}, nil
		},
	}
	fx := newReturnFixture(t, returns, nil)

	_, err := fx.svc.CreateReturn(context.Background(), CreateReturnCommand{
		SaleID: "sale_1",
		Lines: []CreateReturnLine{
			{ItemRef: "item_1", Quantity: 2, Condition: domain.ReturnConditionResalable},
		},
	})
	if !errors.Is(err, ErrReturnInvalidInput) {
		t.Fatalf("expected returnable quantity to account for prior returns, got %v", err)
	}
}

func pendingReturn() domain.Return {
	return domain.Return{
		ID:      "ret_1",
		Number:  "RET-0001",
		SaleRef: "sale_1",
		Lines: []domain.ReturnLine{
			{ItemRef: "item_1", SKU: "WDG-001", Quantity: 2, UnitPrice: 500, Condition: domain.ReturnConditionResalable},
			{ItemRef: "item_2", SKU: "BLT-002", Quantity: 4, UnitPrice: 25, Condition: domain.ReturnConditionDamaged},
		},
		Reason:               "wrong size",
		RestockingFeePercent: 10,
		Status:               domain.ReturnStatusPending,
	}
}

func TestReturnServiceProcessReturn(t *testing.T) {
	var updated domain.Return
	returns := &stubReturnRepository{
		findByIDFn: func(context.Context, string) (domain.Return, error) {
			return pendingReturn(), nil
		},
		updateFn: func(_ context.Context, ret domain.Return) error {
			updated = ret
			return nil
		},
	}
	fx := newReturnFixture(t, returns, nil)

	ret, err := fx.svc.ProcessReturn(context.Background(), ProcessReturnCommand{
		ReturnID: "ret_1",
		ActorRef: "users/manager",
	})
	if err != nil {
		t.Fatalf("ProcessReturn: %v", err)
	}
	if ret.Status != domain.ReturnStatusApproved {
		t.Fatalf("expected APPROVED, got %s", ret.Status)
	}
	// 2*500 + 4*25 = 1100 returned value, 10% restocking fee
	if ret.RestockingFee != 110 || ret.RefundAmount != 990 {
		t.Fatalf("unexpected refund math: fee=%d refund=%d", ret.RestockingFee, ret.RefundAmount)
	}
	if ret.ProcessedBy != "users/manager" {
		t.Fatalf("processor not recorded: %q", ret.ProcessedBy)
	}
	// Only the resalable line restocks.
	if len(fx.inventory.adjustCalls) != 1 {
		t.Fatalf("expected one restock adjustment, got %d", len(fx.inventory.adjustCalls))
	}
	if adj := fx.inventory.adjustCalls[0]; adj.ItemRef != "item_1" || adj.Delta != 2 {
		t.Fatalf("unexpected restock: %+v", adj)
	}
	if updated.Status != domain.ReturnStatusApproved {
		t.Fatalf("approval not persisted")
	}
}

func TestReturnServiceProcessReturnRequiresPending(t *testing.T) {
	stored := pendingReturn()
	stored.Status = domain.ReturnStatusApproved
	returns := &stubReturnRepository{
		findByIDFn: func(context.Context, string) (domain.Return, error) {
			return stored, nil
		},
	}
	fx := newReturnFixture(t, returns, nil)

	_, err := fx.svc.ProcessReturn(context.Background(), ProcessReturnCommand{ReturnID: "ret_1"})
	if !errors.Is(err, ErrReturnInvalidState) {
		t.Fatalf("expected ErrReturnInvalidState, got %v", err)
	}
}

func TestReturnServiceProcessRefundCardSale(t *testing.T) {
	approved := pendingReturn()
	approved.Status = domain.ReturnStatusApproved
	approved.RefundAmount = 990
	returns := &stubReturnRepository{
		findByIDFn: func(context.Context, string) (domain.Return, error) {
			return approved, nil
		},
	}
	var updatedSale domain.Sale
	sales := &stubSaleRepository{
		findByIDFn: func(context.Context, string) (domain.Sale, error) {
			return cardSale(), nil
		},
		updateFn: func(_ context.Context, sale domain.Sale) error {
			updatedSale = sale
			return nil
		},
	}
	fx := newReturnFixture(t, returns, sales)

	ret, err := fx.svc.ProcessRefund(context.Background(), ProcessRefundCommand{
		ReturnID: "ret_1",
		ActorRef: "users/manager",
	})
	if err != nil {
		t.Fatalf("ProcessRefund: %v", err)
	}
	if ret.Status != domain.ReturnStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", ret.Status)
	}
	if ret.RefundRef != "pi_abc123" {
		t.Fatalf("refund ref not recorded: %q", ret.RefundRef)
	}
	if ret.RefundedAt == nil {
		t.Fatalf("RefundedAt should be set")
	}
	if len(fx.gateway.refundCalls) != 1 {
		t.Fatalf("expected one PSP refund, got %d", len(fx.gateway.refundCalls))
	}
	req := fx.gateway.refundCalls[0]
	if req.IntentID != "pi_abc123" || req.Amount == nil || *req.Amount != 990 {
		t.Fatalf("unexpected refund request: %+v", req)
	}
	if updatedSale.Status != domain.SaleStatusPartiallyRefunded || updatedSale.RefundedTotal != 990 {
		t.Fatalf("sale refund state not updated: %+v", updatedSale)
	}
	if len(fx.events.saleEvents) != 1 || fx.events.saleEvents[0].Type != "sale.refunded" {
		t.Fatalf("expected sale.refunded event, got %+v", fx.events.saleEvents)
	}
}

func TestReturnServiceProcessRefundFullAmountMarksSaleRefunded(t *testing.T) {
	approved := pendingReturn()
	approved.Status = domain.ReturnStatusApproved
	approved.RefundAmount = 2250
	returns := &stubReturnRepository{
		findByIDFn: func(context.Context, string) (domain.Return, error) {
			return approved, nil
		},
	}
	var updatedSale domain.Sale
	sales := &stubSaleRepository{
		findByIDFn: func(context.Context, string) (domain.Sale, error) {
			sale := cardSale()
			sale.PaymentMethod = domain.PaymentMethodCash
			sale.PaymentRef = ""
			return sale, nil
		},
		updateFn: func(_ context.Context, sale domain.Sale) error {
			updatedSale = sale
			return nil
		},
	}
	fx := newReturnFixture(t, returns, sales)

	ret, err := fx.svc.ProcessRefund(context.Background(), ProcessRefundCommand{ReturnID: "ret_1"})
	if err != nil {
		t.Fatalf("ProcessRefund: %v", err)
	}
	if len(fx.gateway.refundCalls) != 0 {
		t.Fatalf("cash refund must not touch the gateway")
	}
	if ret.RefundRef != "" {
		t.Fatalf("cash refund has no PSP reference, got %q", ret.RefundRef)
	}
	if updatedSale.Status != domain.SaleStatusRefunded {
		t.Fatalf("fully refunded sale should be REFUNDED, got %s", updatedSale.Status)
	}
}

func TestReturnServiceProcessRefundGatewayFailure(t *testing.T) {
	approved := pendingReturn()
	approved.Status = domain.ReturnStatusApproved
	approved.RefundAmount = 990
	returns := &stubReturnRepository{
		findByIDFn: func(context.Context, string) (domain.Return, error) {
			return approved, nil
		},
		updateFn: func(context.Context, domain.Return) error {
			t.Fatalf("failed refund must not persist completion")
			return nil
		},
	}
	fx := newReturnFixture(t, returns, nil)
	fx.gateway.refundFn = func(context.Context, payments.PaymentContext, payments.RefundRequest) (payments.PaymentDetails, error) {
		return payments.PaymentDetails{}, errors.New("psp unavailable")
	}

	_, err := fx.svc.ProcessRefund(context.Background(), ProcessRefundCommand{ReturnID: "ret_1"})
	if !errors.Is(err, ErrReturnRefundFailed) {
		t.Fatalf("expected ErrReturnRefundFailed, got %v", err)
	}
}
