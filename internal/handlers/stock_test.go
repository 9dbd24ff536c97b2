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

	"github.com/stockroom/api/internal/services"
)

type stubInventoryService struct {
	reserveFn    func(ctx context.Context, cmd services.ReserveStockCommand) (services.StockReservation, error)
	commitFn     func(ctx context.Context, cmd services.CommitStockCommand) (services.StockReservation, error)
	releaseFn    func(ctx context.Context, cmd services.ReleaseStockCommand) (services.StockReservation, error)
	getResFn     func(ctx context.Context, reservationID string) (services.StockReservation, error)
	adjustFn     func(ctx context.Context, cmd services.AdjustStockCommand) (services.StockLevel, error)
	getLevelFn   func(ctx context.Context, itemRef string) (services.StockLevel, error)
	listFn       func(ctx context.Context, filter services.StockListFilter) (services.CursorPage[services.StockLevel], error)
	listLowFn    func(ctx context.Context, filter services.StockListFilter) (services.CursorPage[services.StockLevel], error)
}

func (s *stubInventoryService) Reserve(ctx context.Context, cmd services.ReserveStockCommand) (services.StockReservation, error) {
	if s.reserveFn != nil {
		return s.reserveFn(ctx, cmd)
	}
	return services.StockReservation{}, nil
}

func (s *stubInventoryService) Commit(ctx context.Context, cmd services.CommitStockCommand) (services.StockReservation, error) {
	if s.commitFn != nil {
		return s.commitFn(ctx, cmd)
	}
	return services.StockReservation{}, nil
}

func (s *stubInventoryService) Release(ctx context.Context, cmd services.ReleaseStockCommand) (services.StockReservation, error) {
	if s.releaseFn != nil {
		return s.releaseFn(ctx, cmd)
	}
	return services.StockReservation{}, nil
}

func (s *stubInventoryService) GetReservation(ctx context.Context, reservationID string) (services.StockReservation, error) {
	if s.getResFn != nil {
		return s.getResFn(ctx, reservationID)
	}
	return services.StockReservation{}, nil
}

func (s *stubInventoryService) AdjustStock(ctx context.Context, cmd services.AdjustStockCommand) (services.StockLevel, error) {
	if s.adjustFn != nil {
		return s.adjustFn(ctx, cmd)
	}
	return services.StockLevel{}, nil
}

func (s *stubInventoryService) GetStockLevel(ctx context.Context, itemRef string) (services.StockLevel, error) {
	if s.getLevelFn != nil {
		return s.getLevelFn(ctx, itemRef)
	}
	return services.StockLevel{}, nil
}

func (s *stubInventoryService) ListStockLevels(ctx context.Context, filter services.StockListFilter) (services.CursorPage[services.StockLevel], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return services.CursorPage[services.StockLevel]{}, nil
}

func (s *stubInventoryService) ListLowStock(ctx context.Context, filter services.StockListFilter) (services.CursorPage[services.StockLevel], error) {
	if s.listLowFn != nil {
		return s.listLowFn(ctx, filter)
	}
	return services.CursorPage[services.StockLevel]{}, nil
}

var _ services.InventoryService = (*stubInventoryService)(nil)

func newStockRouter(svc services.InventoryService) http.Handler {
	router := chi.NewRouter()
	router.Route("/stock", NewStockHandlers(nil, svc).Routes)
	return router
}

func TestStockHandlersAdjust_Success(t *testing.T) {
	var received services.AdjustStockCommand
	svc := &stubInventoryService{
		adjustFn: func(ctx context.Context, cmd services.AdjustStockCommand) (services.StockLevel, error) {
			received = cmd
			return services.StockLevel{ItemRef: cmd.ItemRef, SKU: cmd.SKU, OnHand: 12, Available: 12}, nil
		},
	}

	body := bytes.NewBufferString(`{"item_ref":"itm_01","sku":"WID-001","delta":12,"reason":"initial count"}`)
	req := withTestIdentity(httptest.NewRequest(http.MethodPost, "/stock/adjustments", body), "clerk-1")
	rr := httptest.NewRecorder()

	newStockRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if received.Delta != 12 {
		t.Fatalf("expected delta 12, got %d", received.Delta)
	}
	if received.ActorRef != "clerk-1" {
		t.Fatalf("expected actor clerk-1, got %s", received.ActorRef)
	}

	var payload stockLevelResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("expected JSON response: %v", err)
	}
	if payload.Level.OnHand != 12 {
		t.Fatalf("expected on_hand 12, got %d", payload.Level.OnHand)
	}
}

func TestStockHandlersReserve_Success(t *testing.T) {
	now := time.Date(2024, 6, 2, 15, 0, 0, 0, time.UTC)
	var received services.ReserveStockCommand
	svc := &stubInventoryService{
		reserveFn: func(ctx context.Context, cmd services.ReserveStockCommand) (services.StockReservation, error) {
			received = cmd
			return services.StockReservation{
				ID:        "rsv_01",
				Status:    "HELD",
				ExpiresAt: now.Add(5 * time.Minute),
				CreatedAt: now,
			}, nil
		},
	}

	body := bytes.NewBufferString(`{"order_ref":"sale_pending","ttl_seconds":300,"lines":[{"item_ref":"itm_01","quantity":2}]}`)
	req := withTestIdentity(httptest.NewRequest(http.MethodPost, "/stock/reservations", body), "cashier-1")
	rr := httptest.NewRecorder()

	newStockRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if received.TTL != 5*time.Minute {
		t.Fatalf("expected ttl 5m, got %s", received.TTL)
	}
	if len(received.Lines) != 1 || received.Lines[0].Quantity != 2 {
		t.Fatalf("unexpected lines: %+v", received.Lines)
	}
}

func TestStockHandlersReserve_Insufficient(t *testing.T) {
	svc := &stubInventoryService{
		reserveFn: func(ctx context.Context, cmd services.ReserveStockCommand) (services.StockReservation, error) {
			return services.StockReservation{}, services.ErrInventoryInsufficientStock
		},
	}

	body := bytes.NewBufferString(`{"lines":[{"item_ref":"itm_01","quantity":99}]}`)
	req := withTestIdentity(httptest.NewRequest(http.MethodPost, "/stock/reservations", body), "cashier-1")
	rr := httptest.NewRecorder()

	newStockRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
}

func TestStockHandlersCommitReservation(t *testing.T) {
	svc := &stubInventoryService{
		commitFn: func(ctx context.Context, cmd services.CommitStockCommand) (services.StockReservation, error) {
			if cmd.ReservationID != "rsv_01" {
				t.Fatalf("unexpected reservation id %s", cmd.ReservationID)
			}
			return services.StockReservation{ID: "rsv_01", Status: "COMMITTED"}, nil
		},
	}

	req := withTestIdentity(httptest.NewRequest(http.MethodPost, "/stock/reservations/rsv_01:commit", nil), "cashier-1")
	rr := httptest.NewRecorder()

	newStockRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestStockHandlersReleaseReservation_EmptyBody(t *testing.T) {
	svc := &stubInventoryService{
		releaseFn: func(ctx context.Context, cmd services.ReleaseStockCommand) (services.StockReservation, error) {
			return services.StockReservation{ID: cmd.ReservationID, Status: "RELEASED"}, nil
		},
	}

	req := withTestIdentity(httptest.NewRequest(http.MethodPost, "/stock/reservations/rsv_01:release", nil), "cashier-1")
	rr := httptest.NewRecorder()

	newStockRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestStockHandlersGetLevel_NotFound(t *testing.T) {
	svc := &stubInventoryService{
		getLevelFn: func(ctx context.Context, itemRef string) (services.StockLevel, error) {
			return services.StockLevel{}, services.ErrInventoryStockNotFound
		},
	}

	req := withTestIdentity(httptest.NewRequest(http.MethodGet, "/stock/itm_missing", nil), "clerk-1")
	rr := httptest.NewRecorder()

	newStockRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestStockHandlersLowStockRoute(t *testing.T) {
	lowCalled := false
	svc := &stubInventoryService{
		listLowFn: func(ctx context.Context, filter services.StockListFilter) (services.CursorPage[services.StockLevel], error) {
			lowCalled = true
			return services.CursorPage[services.StockLevel]{
				Items: []services.StockLevel{{ItemRef: "itm_01", OnHand: 1, ReorderLevel: 5}},
			}, nil
		},
	}

	req := withTestIdentity(httptest.NewRequest(http.MethodGet, "/stock/low", nil), "clerk-1")
	rr := httptest.NewRecorder()

	newStockRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !lowCalled {
		t.Fatal("expected the low-stock listing to be used")
	}
}
