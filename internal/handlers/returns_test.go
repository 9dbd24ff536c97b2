package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/stockroom/api/internal/domain"
	"github.com/stockroom/api/internal/services"
)

type stubReturnService struct {
	createFn  func(ctx context.Context, cmd services.CreateReturnCommand) (services.Return, error)
	processFn func(ctx context.Context, cmd services.ProcessReturnCommand) (services.Return, error)
	refundFn  func(ctx context.Context, cmd services.ProcessRefundCommand) (services.Return, error)
	getFn     func(ctx context.Context, returnID string) (services.Return, error)
	listFn    func(ctx context.Context, filter services.ReturnListFilter) (services.CursorPage[services.Return], error)
}

func (s *stubReturnService) CreateReturn(ctx context.Context, cmd services.CreateReturnCommand) (services.Return, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.Return{}, nil
}

func (s *stubReturnService) ProcessReturn(ctx context.Context, cmd services.ProcessReturnCommand) (services.Return, error) {
	if s.processFn != nil {
		return s.processFn(ctx, cmd)
	}
	return services.Return{}, nil
}

func (s *stubReturnService) ProcessRefund(ctx context.Context, cmd services.ProcessRefundCommand) (services.Return, error) {
	if s.refundFn != nil {
		return s.refundFn(ctx, cmd)
	}
	return services.Return{}, nil
}

func (s *stubReturnService) GetReturn(ctx context.Context, returnID string) (services.Return, error) {
	if s.getFn != nil {
		return s.getFn(ctx, returnID)
	}
	return services.Return{}, nil
}

func (s *stubReturnService) ListReturns(ctx context.Context, filter services.ReturnListFilter) (services.CursorPage[services.Return], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return services.CursorPage[services.Return]{}, nil
}

var _ services.ReturnService = (*stubReturnService)(nil)

func newReturnRouter(svc services.ReturnService) http.Handler {
	router := chi.NewRouter()
	router.Route("/returns", NewReturnHandlers(nil, svc).Routes)
	return router
}

func TestReturnHandlersCreate_Success(t *testing.T) {
	now := time.Date(2024, 6, 8, 13, 0, 0, 0, time.UTC)
	var received services.CreateReturnCommand
	svc := &stubReturnService{
		createFn: func(ctx context.Context, cmd services.CreateReturnCommand) (services.Return, error) {
			received = cmd
			return services.Return{
				ID:      "ret_01",
				Number:  "R-000004",
				SaleRef: cmd.SaleID,
				Lines: []services.ReturnLine{
					{ItemRef: "itm_01", SKU: "WID-001", Quantity: 1, UnitPrice: 499, Condition: domain.ReturnConditionResalable},
				},
				Reason:    cmd.Reason,
				Status:    domain.ReturnStatusPending,
				CreatedAt: now,
			}, nil
		},
	}

	body := bytes.NewBufferString(`{"sale_id":"sale_01","lines":[{"item_ref":"itm_01","quantity":1,"condition":"resalable"}],"reason":"wrong size","restocking_fee_percent":10}`)
	req := withTestIdentity(httptest.NewRequest(http.MethodPost, "/returns/", body), "clerk-1")
	rr := httptest.NewRecorder()

	newReturnRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if received.SaleID != "sale_01" {
		t.Fatalf("expected sale sale_01, got %s", received.SaleID)
	}
	if len(received.Lines) != 1 || received.Lines[0].Condition != domain.ReturnConditionResalable {
		t.Fatalf("unexpected lines: %+v", received.Lines)
	}
	if received.RestockingFeePercent != 10 {
		t.Fatalf("expected restocking fee 10, got %d", received.RestockingFeePercent)
	}

	var payload returnResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("expected JSON response: %v", err)
	}
	if payload.Return.Number != "R-000004" {
		t.Fatalf("expected number R-000004, got %s", payload.Return.Number)
	}
}

func TestReturnHandlersCreate_UnknownCondition(t *testing.T) {
	body := bytes.NewBufferString(`{"sale_id":"sale_01","lines":[{"item_ref":"itm_01","quantity":1,"condition":"pristine"}]}`)
	req := withTestIdentity(httptest.NewRequest(http.MethodPost, "/returns/", body), "clerk-1")
	rr := httptest.NewRecorder()

	newReturnRouter(&stubReturnService{}).ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestReturnHandlersApprove(t *testing.T) {
	svc := &stubReturnService{
		processFn: func(ctx context.Context, cmd services.ProcessReturnCommand) (services.Return, error) {
			if cmd.ReturnID != "ret_01" {
				t.Fatalf("unexpected return id %s", cmd.ReturnID)
			}
			return services.Return{ID: cmd.ReturnID, Status: domain.ReturnStatusApproved, RefundAmount: 449}, nil
		},
	}

	req := withTestIdentity(httptest.NewRequest(http.MethodPost, "/returns/ret_01:approve", nil), "manager-1")
	rr := httptest.NewRecorder()

	newReturnRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var payload returnResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("expected JSON response: %v", err)
	}
	if payload.Return.RefundAmount != 449 {
		t.Fatalf("expected refund 449, got %d", payload.Return.RefundAmount)
	}
}

func TestReturnHandlersRefund_Failed(t *testing.T) {
	svc := &stubReturnService{
		refundFn: func(ctx context.Context, cmd services.ProcessRefundCommand) (services.Return, error) {
			return services.Return{}, services.ErrReturnRefundFailed
		},
	}

	req := withTestIdentity(httptest.NewRequest(http.MethodPost, "/returns/ret_01:refund", nil), "manager-1")
	rr := httptest.NewRecorder()

	newReturnRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusPaymentRequired {
		t.Fatalf("expected status 402, got %d", rr.Code)
	}
}

func TestReturnHandlersList_SaleFilter(t *testing.T) {
	var captured services.ReturnListFilter
	svc := &stubReturnService{
		listFn: func(ctx context.Context, filter services.ReturnListFilter) (services.CursorPage[services.Return], error) {
			captured = filter
			return services.CursorPage[services.Return]{}, nil
		},
	}

	req := withTestIdentity(httptest.NewRequest(http.MethodGet, "/returns/?sale_ref=sale_01&status=pending", nil), "clerk-1")
	rr := httptest.NewRecorder()

	newReturnRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if captured.SaleRef != "sale_01" {
		t.Fatalf("expected sale_ref filter, got %s", captured.SaleRef)
	}
	if len(captured.Status) != 1 || captured.Status[0] != domain.ReturnStatusPending {
		t.Fatalf("expected PENDING filter, got %v", captured.Status)
	}
}
