package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/stockroom/api/internal/domain"
	"github.com/stockroom/api/internal/repositories"
)

const (
	eventStockReserve = "stock.reserve"
	eventStockCommit  = "stock.commit"
	eventStockRelease = "stock.release"
	eventStockAdjust  = "stock.adjust"

	reservationStatusReserved = "reserved"

	defaultReservationTTL = 15 * time.Minute
)

var (
	// ErrInventoryInvalidInput signals the caller provided invalid arguments.
	ErrInventoryInvalidInput = errors.New("inventory: invalid input")
	// ErrInventoryInsufficientStock indicates the requested quantity exceeds availability.
	ErrInventoryInsufficientStock = errors.New("inventory: insufficient stock")
	// ErrInventoryReservationNotFound indicates the reservation could not be located.
	ErrInventoryReservationNotFound = errors.New("inventory: reservation not found")
	// ErrInventoryInvalidState indicates the reservation cannot transition due to its state.
	ErrInventoryInvalidState = errors.New("inventory: reservation state invalid")
	// ErrInventoryStockNotFound indicates no stock level exists for the item.
	ErrInventoryStockNotFound = errors.New("inventory: stock level not found")
)

// InventoryServiceDeps bundles the collaborators required to construct an inventory service.
type InventoryServiceDeps struct {
	Stock       repositories.StockRepository
	Events      EventDispatcher
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type inventoryService struct {
	repo   repositories.StockRepository
	events EventDispatcher
	clock  func() time.Time
	newID  func() string
	logger func(context.Context, string, map[string]any)
}

// NewInventoryService wires dependencies into a concrete InventoryService implementation.
func NewInventoryService(deps InventoryServiceDeps) (InventoryService, error) {
	if deps.Stock == nil {
		return nil, errors.New("inventory service: stock repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &inventoryService{
		repo:   deps.Stock,
		events: deps.Events,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *inventoryService) Reserve(ctx context.Context, cmd ReserveStockCommand) (StockReservation, error) {
	if err := validateReserveInput(cmd); err != nil {
		return StockReservation{}, err
	}

	if key := strings.TrimSpace(cmd.IdempotencyKey); key != "" {
		existing, err := s.repo.FindReservationByIdempotencyKey(ctx, key)
		if err == nil {
			return existing, nil
		}
		if mapped := s.mapRepositoryError(err); !errors.Is(mapped, ErrInventoryReservationNotFound) {
			return StockReservation{}, mapped
		}
	}

	now := s.now()
	lines, err := normaliseReserveLines(cmd.Lines)
	if err != nil {
		return StockReservation{}, err
	}

	ttl := cmd.TTL
	if ttl <= 0 {
		ttl = defaultReservationTTL
	}

	reservation := StockReservation{
		ID:             ensureReservationID(firstNonEmpty(cmd.ReservationID, s.newID())),
		OrderRef:       strings.TrimSpace(cmd.OrderRef),
		ActorRef:       strings.TrimSpace(cmd.ActorRef),
		Status:         reservationStatusReserved,
		Lines:          lines,
		IdempotencyKey: strings.TrimSpace(cmd.IdempotencyKey),
		ExpiresAt:      now.Add(ttl),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	result, err := s.repo.Reserve(ctx, repositories.StockReserveRequest{
		Reservation: reservation,
		Now:         now,
	})
	if err != nil {
		return StockReservation{}, s.mapRepositoryError(err)
	}

	saved := result.Reservation
	if saved.ID == "" {
		saved = reservation
	}

	deltas := make(map[string]stockDelta)
	for _, line := range saved.Lines {
		delta := deltas[line.ItemRef]
		delta.Reserved += line.Quantity
		deltas[line.ItemRef] = delta
	}
	s.logEventFailure(ctx, s.emitStockEvents(ctx, eventStockReserve, saved, result.Levels, deltas))

	return saved, nil
}

func (s *inventoryService) Commit(ctx context.Context, cmd CommitStockCommand) (StockReservation, error) {
	reservationID := strings.TrimSpace(cmd.ReservationID)
	if reservationID == "" {
		return StockReservation{}, fmt.Errorf("%w: reservation id is required", ErrInventoryInvalidInput)
	}

	result, err := s.repo.Commit(ctx, repositories.StockCommitRequest{
		ReservationID: reservationID,
		OrderRef:      strings.TrimSpace(cmd.OrderRef),
		Now:           s.now(),
	})
	if err != nil {
		return StockReservation{}, s.mapRepositoryError(err)
	}

	deltas := make(map[string]stockDelta)
	for _, line := range result.Reservation.Lines {
		delta := deltas[line.ItemRef]
		delta.OnHand -= line.Quantity
		delta.Reserved -= line.Quantity
		deltas[line.ItemRef] = delta
	}
	s.logEventFailure(ctx, s.emitStockEvents(ctx, eventStockCommit, result.Reservation, result.Levels, deltas))

	return result.Reservation, nil
}

func (s *inventoryService) Release(ctx context.Context, cmd ReleaseStockCommand) (StockReservation, error) {
	reservationID := strings.TrimSpace(cmd.ReservationID)
	if reservationID == "" {
		return StockReservation{}, fmt.Errorf("%w: reservation id is required", ErrInventoryInvalidInput)
	}

	result, err := s.repo.Release(ctx, repositories.StockReleaseRequest{
		ReservationID: reservationID,
		Reason:        strings.TrimSpace(cmd.Reason),
		Now:           s.now(),
	})
	if err != nil {
		return StockReservation{}, s.mapRepositoryError(err)
	}

	deltas := make(map[string]stockDelta)
	for _, line := range result.Reservation.Lines {
		delta := deltas[line.ItemRef]
		delta.Reserved -= line.Quantity
		deltas[line.ItemRef] = delta
	}
	s.logEventFailure(ctx, s.emitStockEvents(ctx, eventStockRelease, result.Reservation, result.Levels, deltas))

	return result.Reservation, nil
}

func (s *inventoryService) GetReservation(ctx context.Context, reservationID string) (StockReservation, error) {
	reservationID = strings.TrimSpace(reservationID)
	if reservationID == "" {
		return StockReservation{}, fmt.Errorf("%w: reservation id is required", ErrInventoryInvalidInput)
	}
	reservation, err := s.repo.GetReservation(ctx, reservationID)
	if err != nil {
		return StockReservation{}, s.mapRepositoryError(err)
	}
	return reservation, nil
}

func (s *inventoryService) AdjustStock(ctx context.Context, cmd AdjustStockCommand) (StockLevel, error) {
	itemRef := strings.TrimSpace(cmd.ItemRef)
	if itemRef == "" {
		return StockLevel{}, fmt.Errorf("%w: item ref is required", ErrInventoryInvalidInput)
	}
	if cmd.Delta == 0 {
		return StockLevel{}, fmt.Errorf("%w: delta must be non-zero", ErrInventoryInvalidInput)
	}

	now := s.now()
	level, err := s.repo.Adjust(ctx, repositories.StockAdjustRequest{
		ItemRef: itemRef,
		SKU:     strings.TrimSpace(cmd.SKU),
		Delta:   cmd.Delta,
		Reason:  strings.TrimSpace(cmd.Reason),
		Now:     now,
	})
	if err != nil {
		return StockLevel{}, s.mapRepositoryError(err)
	}

	if s.events != nil {
		event := StockEvent{
			Type:        eventStockAdjust,
			ActorRef:    strings.TrimSpace(cmd.ActorRef),
			SKU:         level.SKU,
			ItemRef:     itemRef,
			DeltaOnHand: cmd.Delta,
			OnHand:      level.OnHand,
			Reserved:    level.Reserved,
			OccurredAt:  now,
		}
		if reason := strings.TrimSpace(cmd.Reason); reason != "" {
			event.Metadata = map[string]any{"reason": reason}
		}
		s.logEventFailure(ctx, s.events.PublishStockEvent(ctx, event))
	}

	return level, nil
}

func (s *inventoryService) GetStockLevel(ctx context.Context, itemRef string) (StockLevel, error) {
	itemRef = strings.TrimSpace(itemRef)
	if itemRef == "" {
		return StockLevel{}, fmt.Errorf("%w: item ref is required", ErrInventoryInvalidInput)
	}
	level, err := s.repo.GetLevel(ctx, itemRef)
	if err != nil {
		return StockLevel{}, s.mapRepositoryError(err)
	}
	return level, nil
}

func (s *inventoryService) ListStockLevels(ctx context.Context, filter StockListFilter) (CursorPage[StockLevel], error) {
	page, err := s.repo.ListLevels(ctx, repositories.StockLevelQuery{
		Pagination: filter.Pagination,
	})
	if err != nil {
		return CursorPage[StockLevel]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *inventoryService) ListLowStock(ctx context.Context, filter StockListFilter) (CursorPage[StockLevel], error) {
	page, err := s.repo.ListLowStock(ctx, repositories.StockLevelQuery{
		Pagination: filter.Pagination,
	})
	if err != nil {
		return CursorPage[StockLevel]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *inventoryService) now() time.Time {
	return s.clock()
}

func validateReserveInput(cmd ReserveStockCommand) error {
	if strings.TrimSpace(cmd.OrderRef) == "" {
		return fmt.Errorf("%w: order ref is required", ErrInventoryInvalidInput)
	}
	if len(cmd.Lines) == 0 {
		return fmt.Errorf("%w: at least one line is required", ErrInventoryInvalidInput)
	}
	return nil
}

func (s *inventoryService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var stockErr *repositories.StockError
	if errors.As(err, &stockErr) {
		switch stockErr.Code {
		case repositories.StockErrorInsufficientStock:
			return fmt.Errorf("%w: %s", ErrInventoryInsufficientStock, stockErr.Message)
		case repositories.StockErrorReservationNotFound:
			return fmt.Errorf("%w: %s", ErrInventoryReservationNotFound, stockErr.Message)
		case repositories.StockErrorInvalidReservationState:
			return fmt.Errorf("%w: %s", ErrInventoryInvalidState, stockErr.Message)
		case repositories.StockErrorLevelNotFound:
			return fmt.Errorf("%w: %s", ErrInventoryStockNotFound, stockErr.Message)
		}
	}

	return err
}

func (s *inventoryService) emitStockEvents(ctx context.Context, eventType string, reservation StockReservation, levels map[string]StockLevel, deltas map[string]stockDelta) error {
	if s.events == nil {
		return nil
	}

	occurredAt := reservation.UpdatedAt
	if occurredAt.IsZero() {
		occurredAt = s.now()
	}

	for _, line := range reservation.Lines {
		level := levels[line.ItemRef]
		delta := deltas[line.ItemRef]

		event := StockEvent{
			Type:          eventType,
			ReservationID: reservation.ID,
			OrderRef:      reservation.OrderRef,
			ActorRef:      reservation.ActorRef,
			SKU:           line.SKU,
			ItemRef:       line.ItemRef,
			DeltaOnHand:   delta.OnHand,
			DeltaReserved: delta.Reserved,
			OnHand:        level.OnHand,
			Reserved:      level.Reserved,
			OccurredAt:    occurredAt,
		}
		if reason := strings.TrimSpace(reservation.Reason); reason != "" {
			event.Metadata = map[string]any{"reason": reason}
		}

		if err := s.events.PublishStockEvent(ctx, event); err != nil {
			return err
		}
	}

	return nil
}

func (s *inventoryService) logEventFailure(ctx context.Context, err error) {
	if err == nil {
		return
	}
	if s.logger != nil {
		s.logger(ctx, "stock_event_publish_failed", map[string]any{"error": err.Error()})
	}
}

func normaliseReserveLines(lines []ReserveStockLine) ([]domain.StockReservationLine, error) {
	aggregated := make(map[string]*domain.StockReservationLine)
	for _, line := range lines {
		itemRef := strings.TrimSpace(line.ItemRef)
		if itemRef == "" {
			return nil, fmt.Errorf("%w: line item ref is required", ErrInventoryInvalidInput)
		}
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity for %s must be positive", ErrInventoryInvalidInput, itemRef)
		}

		sku := strings.TrimSpace(line.SKU)
		agg, ok := aggregated[itemRef]
		if !ok {
			agg = &domain.StockReservationLine{ItemRef: itemRef, SKU: sku}
			aggregated[itemRef] = agg
		} else if sku != "" && agg.SKU == "" {
			agg.SKU = sku
		}
		agg.Quantity += line.Quantity
	}

	result := make([]domain.StockReservationLine, 0, len(aggregated))
	for _, line := range aggregated {
		result = append(result, *line)
	}
	if len(result) > 1 {
		sort.Slice(result, func(i, j int) bool { return result[i].ItemRef < result[j].ItemRef })
	}
	return result, nil
}

func ensureReservationID(candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		trimmed = ulid.Make().String()
	}
	if strings.HasPrefix(trimmed, "sr_") {
		return trimmed
	}
	return "sr_" + trimmed
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

type stockDelta struct {
	OnHand   int
	Reserved int
}
