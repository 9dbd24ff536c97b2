package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/stockroom/api/internal/domain"
	"github.com/stockroom/api/internal/repositories"
)

type stubStockRepo struct {
	reserveFn    func(ctx context.Context, req repositories.StockReserveRequest) (repositories.StockReserveResult, error)
	commitFn     func(ctx context.Context, req repositories.StockCommitRequest) (repositories.StockCommitResult, error)
	releaseFn    func(ctx context.Context, req repositories.StockReleaseRequest) (repositories.StockReleaseResult, error)
	getResFn     func(ctx context.Context, reservationID string) (domain.StockReservation, error)
	findByKeyFn  func(ctx context.Context, key string) (domain.StockReservation, error)
	adjustFn     func(ctx context.Context, req repositories.StockAdjustRequest) (domain.StockLevel, error)
	getLevelFn   func(ctx context.Context, itemRef string) (domain.StockLevel, error)
	listFn       func(ctx context.Context, query repositories.StockLevelQuery) (domain.CursorPage[domain.StockLevel], error)
	listLowFn    func(ctx context.Context, query repositories.StockLevelQuery) (domain.CursorPage[domain.StockLevel], error)
}

func (s *stubStockRepo) Reserve(ctx context.Context, req repositories.StockReserveRequest) (repositories.StockReserveResult, error) {
	if s.reserveFn != nil {
		return s.reserveFn(ctx, req)
	}
	return repositories.StockReserveResult{}, nil
}

func (s *stubStockRepo) Commit(ctx context.Context, req repositories.StockCommitRequest) (repositories.StockCommitResult, error) {
	if s.commitFn != nil {
		return s.commitFn(ctx, req)
	}
	return repositories.StockCommitResult{}, nil
}

func (s *stubStockRepo) Release(ctx context.Context, req repositories.StockReleaseRequest) (repositories.StockReleaseResult, error) {
	if s.releaseFn != nil {
		return s.releaseFn(ctx, req)
	}
	return repositories.StockReleaseResult{}, nil
}

func (s *stubStockRepo) GetReservation(ctx context.Context, reservationID string) (domain.StockReservation, error) {
	if s.getResFn != nil {
		return s.getResFn(ctx, reservationID)
	}
	return domain.StockReservation{}, errors.New("not implemented")
}

func (s *stubStockRepo) FindReservationByIdempotencyKey(ctx context.Context, key string) (domain.StockReservation, error) {
	if s.findByKeyFn != nil {
		return s.findByKeyFn(ctx, key)
	}
	return domain.StockReservation{}, repositories.NewStockError(repositories.StockErrorReservationNotFound, "no reservation", nil)
}

func (s *stubStockRepo) Adjust(ctx context.Context, req repositories.StockAdjustRequest) (domain.StockLevel, error) {
	if s.adjustFn != nil {
		return s.adjustFn(ctx, req)
	}
	return domain.StockLevel{}, errors.New("not implemented")
}

func (s *stubStockRepo) GetLevel(ctx context.Context, itemRef string) (domain.StockLevel, error) {
	if s.getLevelFn != nil {
		return s.getLevelFn(ctx, itemRef)
	}
	return domain.StockLevel{}, errors.New("not implemented")
}

func (s *stubStockRepo) ListLevels(ctx context.Context, query repositories.StockLevelQuery) (domain.CursorPage[domain.StockLevel], error) {
	if s.listFn != nil {
		return s.listFn(ctx, query)
	}
	return domain.CursorPage[domain.StockLevel]{}, nil
}

func (s *stubStockRepo) ListLowStock(ctx context.Context, query repositories.StockLevelQuery) (domain.CursorPage[domain.StockLevel], error) {
	if s.listLowFn != nil {
		return s.listLowFn(ctx, query)
	}
	return domain.CursorPage[domain.StockLevel]{}, nil
}

type captureEventDispatcher struct {
	stockEvents    []StockEvent
	saleEvents     []SaleEventMessage
	documentEvents []DocumentEventMessage
}

func (c *captureEventDispatcher) PublishStockEvent(_ context.Context, event StockEvent) error {
	c.stockEvents = append(c.stockEvents, event)
	return nil
}

func (c *captureEventDispatcher) PublishSaleEvent(_ context.Context, event SaleEventMessage) error {
	c.saleEvents = append(c.saleEvents, event)
	return nil
}

func (c *captureEventDispatcher) PublishDocumentEvent(_ context.Context, event DocumentEventMessage) error {
	c.documentEvents = append(c.documentEvents, event)
	return nil
}

func TestInventoryServiceReserveAggregatesLinesAndEmitsEvents(t *testing.T) {
	now := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	repo := &stubStockRepo{}
	events := &captureEventDispatcher{}
	repo.reserveFn = func(_ context.Context, req repositories.StockReserveRequest) (repositories.StockReserveResult, error) {
		if len(req.Reservation.Lines) != 1 {
			t.Fatalf("expected aggregated single line, got %d", len(req.Reservation.Lines))
		}
		line := req.Reservation.Lines[0]
		if line.Quantity != 3 {
			t.Fatalf("expected quantity 3, got %d", line.Quantity)
		}
		if line.ItemRef != "item_001" {
			t.Fatalf("unexpected item ref %s", line.ItemRef)
		}
		return repositories.StockReserveResult{
			Reservation: req.Reservation,
			Levels: map[string]domain.StockLevel{
				"item_001": {
					ItemRef:      "item_001",
					SKU:          "SKU-1",
					OnHand:       10,
					Reserved:     3,
					Available:    7,
					ReorderLevel: 2,
					UpdatedAt:    req.Now,
				},
			},
		}, nil
	}

	svc, err := NewInventoryService(InventoryServiceDeps{
		Stock:  repo,
		Events: events,
		Clock: func() time.Time {
			return now
		},
		IDGenerator: func() string { return "testid" },
	})
	if err != nil {
		t.Fatalf("new inventory service: %v", err)
	}

	ctx := context.Background()
	reservation, err := svc.Reserve(ctx, ReserveStockCommand{
		OrderRef: "sale_001",
		ActorRef: "staff_001",
		TTL:      time.Minute,
		Lines: []ReserveStockLine{
			{ItemRef: "item_001", SKU: "SKU-1", Quantity: 1},
			{ItemRef: "item_001", SKU: "SKU-1", Quantity: 2},
		},
	})
	if err != nil {
		t.Fatalf("reserve stock: %v", err)
	}
	if reservation.ID != "sr_testid" {
		t.Fatalf("expected reservation id sr_testid, got %s", reservation.ID)
	}
	if reservation.ExpiresAt != now.Add(time.Minute) {
		t.Fatalf("unexpected expiry %v", reservation.ExpiresAt)
	}
	if len(events.stockEvents) != 1 {
		t.Fatalf("expected single event, got %d", len(events.stockEvents))
	}
	event := events.stockEvents[0]
	if event.Type != eventStockReserve {
		t.Fatalf("unexpected event type %s", event.Type)
	}
	if event.DeltaReserved != 3 || event.DeltaOnHand != 0 {
		t.Fatalf("unexpected deltas %+v", event)
	}
	if event.OnHand != 10 || event.Reserved != 3 {
		t.Fatalf("unexpected level snapshot %+v", event)
	}
}

func TestInventoryServiceReserveValidatesInput(t *testing.T) {
	repo := &stubStockRepo{}
	svc, err := NewInventoryService(InventoryServiceDeps{
		Stock: repo,
		Clock: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("new inventory service: %v", err)
	}

	_, err = svc.Reserve(context.Background(), ReserveStockCommand{})
	if err == nil || !errors.Is(err, ErrInventoryInvalidInput) {
		t.Fatalf("expected invalid input error, got %v", err)
	}
}

func TestInventoryServiceReserveReturnsExistingForIdempotencyKey(t *testing.T) {
	repo := &stubStockRepo{}
	reserveCalled := false
	repo.reserveFn = func(_ context.Context, req repositories.StockReserveRequest) (repositories.StockReserveResult, error) {
		reserveCalled = true
		return repositories.StockReserveResult{Reservation: req.Reservation}, nil
	}
	repo.findByKeyFn = func(_ context.Context, key string) (domain.StockReservation, error) {
		if key != "chk_123" {
			t.Fatalf("unexpected key %s", key)
		}
		return domain.StockReservation{ID: "sr_existing", Status: "reserved", IdempotencyKey: key}, nil
	}

	svc, err := NewInventoryService(InventoryServiceDeps{Stock: repo})
	if err != nil {
		t.Fatalf("new inventory service: %v", err)
	}

	reservation, err := svc.Reserve(context.Background(), ReserveStockCommand{
		OrderRef:       "sale_001",
		IdempotencyKey: "chk_123",
		Lines:          []ReserveStockLine{{ItemRef: "item_001", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("reserve stock: %v", err)
	}
	if reservation.ID != "sr_existing" {
		t.Fatalf("expected replayed reservation, got %s", reservation.ID)
	}
	if reserveCalled {
		t.Fatalf("expected repository reserve to be skipped on replay")
	}
}

func TestInventoryServiceReserveMapsInsufficientStock(t *testing.T) {
	now := time.Now().UTC()
	repo := &stubStockRepo{}
	repo.reserveFn = func(ctx context.Context, req repositories.StockReserveRequest) (repositories.StockReserveResult, error) {
		return repositories.StockReserveResult{}, repositories.NewStockError(repositories.StockErrorInsufficientStock, "only 1 remaining", nil)
	}

	svc, err := NewInventoryService(InventoryServiceDeps{
		Stock: repo,
		Clock: func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("new inventory service: %v", err)
	}

	_, err = svc.Reserve(context.Background(), ReserveStockCommand{
		OrderRef: "sale_001",
		TTL:      time.Minute,
		Lines:    []ReserveStockLine{{ItemRef: "item_001", SKU: "SKU-1", Quantity: 2}},
	})
	if err == nil || !errors.Is(err, ErrInventoryInsufficientStock) {
		t.Fatalf("expected insufficient stock error, got %v", err)
	}
}

func TestInventoryServiceCommitEmitsEvents(t *testing.T) {
	now := time.Now().UTC()
	repo := &stubStockRepo{}
	events := &captureEventDispatcher{}
	repo.commitFn = func(ctx context.Context, req repositories.StockCommitRequest) (repositories.StockCommitResult, error) {
		if req.OrderRef != "sale_001" {
			t.Fatalf("expected order ref sale_001, got %s", req.OrderRef)
		}
		return repositories.StockCommitResult{
			Reservation: domain.StockReservation{
				ID:        req.ReservationID,
				OrderRef:  "sale_001",
				ActorRef:  "staff_001",
				Status:    "committed",
				Lines:     []domain.StockReservationLine{{ItemRef: "item_001", SKU: "SKU-1", Quantity: 2}},
				UpdatedAt: req.Now,
			},
			Levels: map[string]domain.StockLevel{
				"item_001": {ItemRef: "item_001", SKU: "SKU-1", OnHand: 5, Reserved: 0, UpdatedAt: req.Now},
			},
		}, nil
	}

	svc, err := NewInventoryService(InventoryServiceDeps{
		Stock:  repo,
		Events: events,
		Clock: func() time.Time {
			return now
		},
	})
	if err != nil {
		t.Fatalf("new inventory service: %v", err)
	}

	reservation, err := svc.Commit(context.Background(), CommitStockCommand{
		ReservationID: "sr_test",
		OrderRef:      "sale_001",
	})
	if err != nil {
		t.Fatalf("commit reservation: %v", err)
	}
	if reservation.Status != "committed" {
		t.Fatalf("expected committed status, got %s", reservation.Status)
	}
	if len(events.stockEvents) != 1 {
		t.Fatalf("expected one event, got %d", len(events.stockEvents))
	}
	event := events.stockEvents[0]
	if event.DeltaOnHand != -2 || event.DeltaReserved != -2 {
		t.Fatalf("unexpected deltas %+v", event)
	}
}

func TestInventoryServiceAdjustStock(t *testing.T) {
	now := time.Date(2025, 5, 2, 10, 0, 0, 0, time.UTC)
	repo := &stubStockRepo{}
	events := &captureEventDispatcher{}
	repo.adjustFn = func(ctx context.Context, req repositories.StockAdjustRequest) (domain.StockLevel, error) {
		if req.ItemRef != "item_001" {
			t.Fatalf("expected item_001, got %s", req.ItemRef)
		}
		if req.Delta != 10 {
			t.Fatalf("expected delta 10, got %d", req.Delta)
		}
		return domain.StockLevel{ItemRef: "item_001", SKU: "SKU-1", OnHand: 14, Available: 14, UpdatedAt: req.Now}, nil
	}

	svc, err := NewInventoryService(InventoryServiceDeps{
		Stock:  repo,
		Events: events,
		Clock:  func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("new inventory service: %v", err)
	}

	level, err := svc.AdjustStock(context.Background(), AdjustStockCommand{
		ItemRef:  " item_001 ",
		SKU:      "SKU-1",
		Delta:    10,
		Reason:   "receiving",
		ActorRef: "staff_001",
	})
	if err != nil {
		t.Fatalf("adjust stock: %v", err)
	}
	if level.OnHand != 14 {
		t.Fatalf("expected on hand 14, got %d", level.OnHand)
	}
	if len(events.stockEvents) != 1 {
		t.Fatalf("expected one event, got %d", len(events.stockEvents))
	}
	event := events.stockEvents[0]
	if event.Type != eventStockAdjust || event.DeltaOnHand != 10 {
		t.Fatalf("unexpected event %+v", event)
	}
	if reason, ok := event.Metadata["reason"].(string); !ok || reason != "receiving" {
		t.Fatalf("expected metadata reason receiving, got %#v", event.Metadata["reason"])
	}
}

func TestInventoryServiceAdjustStockValidatesInput(t *testing.T) {
	repo := &stubStockRepo{}
	svc, err := NewInventoryService(InventoryServiceDeps{Stock: repo})
	if err != nil {
		t.Fatalf("new inventory service: %v", err)
	}
	if _, err := svc.AdjustStock(context.Background(), AdjustStockCommand{}); err == nil {
		t.Fatalf("expected error when inputs missing")
	}
	if _, err := svc.AdjustStock(context.Background(), AdjustStockCommand{ItemRef: "item_001", Delta: 0}); err == nil {
		t.Fatalf("expected error for zero delta")
	}
}

func TestInventoryServiceListLowStock(t *testing.T) {
	repo := &stubStockRepo{}
	repo.listLowFn = func(ctx context.Context, query repositories.StockLevelQuery) (domain.CursorPage[domain.StockLevel], error) {
		return domain.CursorPage[domain.StockLevel]{
			Items: []domain.StockLevel{{
				ItemRef:      "item_001",
				SKU:          "SKU-1",
				OnHand:       4,
				Reserved:     2,
				Available:    2,
				ReorderLevel: 3,
			}},
			NextPageToken: "token",
		}, nil
	}

	svc, err := NewInventoryService(InventoryServiceDeps{
		Stock: repo,
	})
	if err != nil {
		t.Fatalf("new inventory service: %v", err)
	}

	page, err := svc.ListLowStock(context.Background(), StockListFilter{})
	if err != nil {
		t.Fatalf("list low stock: %v", err)
	}
	if page.NextPageToken != "token" {
		t.Fatalf("expected token next page, got %s", page.NextPageToken)
	}
	if len(page.Items) != 1 || page.Items[0].ReorderLevel != 3 {
		t.Fatalf("unexpected page contents: %+v", page.Items)
	}
}
