package firestore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/stockroom/api/internal/domain"
	pfirestore "github.com/stockroom/api/internal/platform/firestore"
	"github.com/stockroom/api/internal/repositories"
)

const (
	stockLevelsCollection       = "stockLevels"
	stockReservationsCollection = "stockReservations"

	reservationStatusReserved  = "reserved"
	reservationStatusCommitted = "committed"
	reservationStatusReleased  = "released"
)

// StockRepository persists per-item stock levels and reservation documents.
// All multi-document mutations run inside Firestore transactions.
type StockRepository struct {
	provider     *pfirestore.Provider
	levels       *pfirestore.BaseRepository[stockLevelDocument]
	reservations *pfirestore.BaseRepository[reservationDocument]
}

func NewStockRepository(provider *pfirestore.Provider) (*StockRepository, error) {
	if provider == nil {
		return nil, errors.New("stock repository requires firestore provider")
	}
	levels := pfirestore.NewBaseRepository[stockLevelDocument](provider, stockLevelsCollection, nil, nil)
	reservations := pfirestore.NewBaseRepository[reservationDocument](provider, stockReservationsCollection, nil, nil)
	return &StockRepository{provider: provider, levels: levels, reservations: reservations}, nil
}

func (r *StockRepository) Reserve(ctx context.Context, req repositories.StockReserveRequest) (repositories.StockReserveResult, error) {
	if r == nil || r.provider == nil {
		return repositories.StockReserveResult{}, errors.New("stock repository not initialised")
	}
	if req.Reservation.ID == "" {
		return repositories.StockReserveResult{}, errors.New("stock reserve: reservation id is required")
	}
	if len(req.Reservation.Lines) == 0 {
		return repositories.StockReserveResult{}, errors.New("stock reserve: at least one line is required")
	}

	now := req.Now.UTC()
	reservation := req.Reservation
	reservation.Status = reservationStatusReserved
	reservation.CreatedAt = reservation.CreatedAt.UTC()
	if reservation.CreatedAt.IsZero() {
		reservation.CreatedAt = now
	}
	reservation.UpdatedAt = now
	reservation.ExpiresAt = reservation.ExpiresAt.UTC()

	var result repositories.StockReserveResult
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		resRef, err := r.reservations.DocumentRef(ctx, reservation.ID)
		if err != nil {
			return err
		}

		if _, err := tx.Get(resRef); err == nil {
			return repositories.NewStockError(repositories.StockErrorInvalidReservationState, fmt.Sprintf("reservation %s already exists", reservation.ID), nil)
		} else if status.Code(err) != codes.NotFound {
			return err
		}

		levels := make(map[string]domain.StockLevel)
		for _, line := range reservation.Lines {
			itemRef := strings.TrimSpace(line.ItemRef)
			if itemRef == "" {
				return repositories.NewStockError(repositories.StockErrorLevelNotFound, "stock reserve: item ref is required", nil)
			}
			if line.Quantity <= 0 {
				return repositories.NewStockError(repositories.StockErrorUnknown, fmt.Sprintf("stock reserve: quantity for %s must be > 0", itemRef), nil)
			}

			levelRef, err := r.levels.DocumentRef(ctx, itemRef)
			if err != nil {
				return err
			}
			snap, err := tx.Get(levelRef)
			if err != nil {
				if status.Code(err) == codes.NotFound {
					return repositories.NewStockError(repositories.StockErrorLevelNotFound, fmt.Sprintf("stock level %s not found", itemRef), err)
				}
				return err
			}
			var levelDoc stockLevelDocument
			if err := snap.DataTo(&levelDoc); err != nil {
				return fmt.Errorf("decode stock level %s: %w", itemRef, err)
			}
			available := levelDoc.OnHand - levelDoc.Reserved
			if available < line.Quantity {
				return repositories.NewStockError(repositories.StockErrorInsufficientStock, fmt.Sprintf("insufficient stock for %s", itemRef), nil)
			}
			levelDoc.Reserved += line.Quantity
			levelDoc.UpdatedAt = now
			levelDoc.recalculate()
			if err := tx.Set(levelRef, levelDoc); err != nil {
				return err
			}
			levels[itemRef] = levelDoc.toDomain(itemRef)
		}

		resDoc := newReservationDocument(reservation)
		resDoc.UpdatedAt = now
		if resDoc.CreatedAt.IsZero() {
			resDoc.CreatedAt = now
		}
		resDoc.Status = reservationStatusReserved

		if err := tx.Create(resRef, resDoc); err != nil {
			if status.Code(err) == codes.AlreadyExists {
				return repositories.NewStockError(repositories.StockErrorInvalidReservationState, fmt.Sprintf("reservation %s already exists", reservation.ID), err)
			}
			return err
		}

		result = repositories.StockReserveResult{
			Reservation: resDoc.toDomain(reservation.ID),
			Levels:      levels,
		}
		return nil
	})
	if err != nil {
		return repositories.StockReserveResult{}, wrapStockError("stock.reserve", err)
	}
	return result, nil
}

func (r *StockRepository) Commit(ctx context.Context, req repositories.StockCommitRequest) (repositories.StockCommitResult, error) {
	if r == nil || r.provider == nil {
		return repositories.StockCommitResult{}, errors.New("stock repository not initialised")
	}
	if strings.TrimSpace(req.ReservationID) == "" {
		return repositories.StockCommitResult{}, errors.New("stock commit: reservation id is required")
	}

	now := req.Now.UTC()
	var result repositories.StockCommitResult

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		resRef, err := r.reservations.DocumentRef(ctx, req.ReservationID)
		if err != nil {
			return err
		}
		resSnap, err := tx.Get(resRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return repositories.NewStockError(repositories.StockErrorReservationNotFound, fmt.Sprintf("reservation %s not found", req.ReservationID), err)
			}
			return err
		}
		resDoc, err := decodeReservation(resSnap)
		if err != nil {
			return err
		}
		if resDoc.Status != reservationStatusReserved {
			return repositories.NewStockError(repositories.StockErrorInvalidReservationState, fmt.Sprintf("reservation %s is not in reserved status", req.ReservationID), nil)
		}
		if req.OrderRef != "" && !strings.EqualFold(resDoc.OrderRef, req.OrderRef) {
			return repositories.NewStockError(repositories.StockErrorInvalidReservationState, fmt.Sprintf("reservation %s order mismatch", req.ReservationID), nil)
		}

		levels := make(map[string]domain.StockLevel)
		for _, line := range resDoc.Lines {
			itemRef := strings.TrimSpace(line.ItemRef)
			levelRef, err := r.levels.DocumentRef(ctx, itemRef)
			if err != nil {
				return err
			}
			snap, err := tx.Get(levelRef)
			if err != nil {
				if status.Code(err) == codes.NotFound {
					return repositories.NewStockError(repositories.StockErrorLevelNotFound, fmt.Sprintf("stock level %s not found", itemRef), err)
				}
				return err
			}
			var levelDoc stockLevelDocument
			if err := snap.DataTo(&levelDoc); err != nil {
				return fmt.Errorf("decode stock level %s: %w", itemRef, err)
			}
			if levelDoc.Reserved < line.Quantity {
				return repositories.NewStockError(repositories.StockErrorInvalidReservationState, fmt.Sprintf("reserved quantity for %s is insufficient", itemRef), nil)
			}
			if levelDoc.OnHand < line.Quantity {
				return repositories.NewStockError(repositories.StockErrorInvalidReservationState, fmt.Sprintf("onHand for %s cannot drop below zero", itemRef), nil)
			}
			levelDoc.Reserved -= line.Quantity
			levelDoc.OnHand -= line.Quantity
			levelDoc.UpdatedAt = now
			levelDoc.recalculate()
			if err := tx.Set(levelRef, levelDoc); err != nil {
				return err
			}
			levels[itemRef] = levelDoc.toDomain(itemRef)
		}

		resDoc.Status = reservationStatusCommitted
		resDoc.UpdatedAt = now
		resDoc.CommittedAt = &now
		if err := tx.Set(resRef, resDoc); err != nil {
			return err
		}

		result = repositories.StockCommitResult{
			Reservation: resDoc.toDomain(req.ReservationID),
			Levels:      levels,
		}
		return nil
	})
	if err != nil {
		return repositories.StockCommitResult{}, wrapStockError("stock.commit", err)
	}
	return result, nil
}

func (r *StockRepository) Release(ctx context.Context, req repositories.StockReleaseRequest) (repositories.StockReleaseResult, error) {
	if r == nil || r.provider == nil {
		return repositories.StockReleaseResult{}, errors.New("stock repository not initialised")
	}
	if strings.TrimSpace(req.ReservationID) == "" {
		return repositories.StockReleaseResult{}, errors.New("stock release: reservation id is required")
	}

	now := req.Now.UTC()
	var result repositories.StockReleaseResult

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		resRef, err := r.reservations.DocumentRef(ctx, req.ReservationID)
		if err != nil {
			return err
		}
		resSnap, err := tx.Get(resRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return repositories.NewStockError(repositories.StockErrorReservationNotFound, fmt.Sprintf("reservation %s not found", req.ReservationID), err)
			}
			return err
		}
		resDoc, err := decodeReservation(resSnap)
		if err != nil {
			return err
		}
		if resDoc.Status != reservationStatusReserved {
			return repositories.NewStockError(repositories.StockErrorInvalidReservationState, fmt.Sprintf("reservation %s not in reserved status", req.ReservationID), nil)
		}

		levels := make(map[string]domain.StockLevel)
		for _, line := range resDoc.Lines {
			itemRef := strings.TrimSpace(line.ItemRef)
			levelRef, err := r.levels.DocumentRef(ctx, itemRef)
			if err != nil {
				return err
			}
			snap, err := tx.Get(levelRef)
			if err != nil {
				if status.Code(err) == codes.NotFound {
					return repositories.NewStockError(repositories.StockErrorLevelNotFound, fmt.Sprintf("stock level %s not found", itemRef), err)
				}
				return err
			}
			var levelDoc stockLevelDocument
			if err := snap.DataTo(&levelDoc); err != nil {
				return fmt.Errorf("decode stock level %s: %w", itemRef, err)
			}
			if levelDoc.Reserved < line.Quantity {
				return repositories.NewStockError(repositories.StockErrorInvalidReservationState, fmt.Sprintf("reserved quantity for %s is insufficient", itemRef), nil)
			}
			levelDoc.Reserved -= line.Quantity
			levelDoc.UpdatedAt = now
			levelDoc.recalculate()
			if err := tx.Set(levelRef, levelDoc); err != nil {
				return err
			}
			levels[itemRef] = levelDoc.toDomain(itemRef)
		}

		resDoc.Status = reservationStatusReleased
		resDoc.UpdatedAt = now
		resDoc.ReleasedAt = &now
		if req.Reason != "" {
			resDoc.Reason = strings.TrimSpace(req.Reason)
		}
		if err := tx.Set(resRef, resDoc); err != nil {
			return err
		}

		result = repositories.StockReleaseResult{
			Reservation: resDoc.toDomain(req.ReservationID),
			Levels:      levels,
		}
		return nil
	})
	if err != nil {
		return repositories.StockReleaseResult{}, wrapStockError("stock.release", err)
	}
	return result, nil
}

func (r *StockRepository) GetReservation(ctx context.Context, reservationID string) (domain.StockReservation, error) {
	if r == nil || r.reservations == nil {
		return domain.StockReservation{}, errors.New("stock repository not initialised")
	}
	reservationID = strings.TrimSpace(reservationID)
	if reservationID == "" {
		return domain.StockReservation{}, errors.New("stock get reservation: id is required")
	}

	doc, err := r.reservations.Get(ctx, reservationID)
	if err != nil {
		if repoErr, ok := err.(*pfirestore.Error); ok && repoErr.IsNotFound() {
			return domain.StockReservation{}, repositories.NewStockError(repositories.StockErrorReservationNotFound, fmt.Sprintf("reservation %s not found", reservationID), err)
		}
		return domain.StockReservation{}, wrapStockError("stock.getReservation", err)
	}

	return doc.Data.toDomain(doc.ID), nil
}

func (r *StockRepository) FindReservationByIdempotencyKey(ctx context.Context, key string) (domain.StockReservation, error) {
	if r == nil || r.reservations == nil {
		return domain.StockReservation{}, errors.New("stock repository not initialised")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.StockReservation{}, errors.New("stock find reservation: idempotency key is required")
	}

	docs, err := r.reservations.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("idempotencyKey", "==", key).Limit(1)
	})
	if err != nil {
		return domain.StockReservation{}, wrapStockError("stock.findReservation", err)
	}
	if len(docs) == 0 {
		return domain.StockReservation{}, repositories.NewStockError(repositories.StockErrorReservationNotFound, fmt.Sprintf("no reservation for key %s", key), nil)
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

func (r *StockRepository) Adjust(ctx context.Context, req repositories.StockAdjustRequest) (domain.StockLevel, error) {
	if r == nil || r.levels == nil {
		return domain.StockLevel{}, errors.New("stock repository not initialised")
	}
	itemRef := strings.TrimSpace(req.ItemRef)
	if itemRef == "" {
		return domain.StockLevel{}, repositories.NewStockError(repositories.StockErrorUnknown, "stock adjust: item ref is required", nil)
	}
	if req.ReorderLevel != nil && *req.ReorderLevel < 0 {
		return domain.StockLevel{}, repositories.NewStockError(repositories.StockErrorUnknown, "stock adjust: reorder level must be >= 0", nil)
	}

	now := req.Now.UTC()
	var updated domain.StockLevel
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		levelRef, err := r.levels.DocumentRef(ctx, itemRef)
		if err != nil {
			return err
		}
		var doc stockLevelDocument
		snap, err := tx.Get(levelRef)
		if err != nil {
			if status.Code(err) != codes.NotFound {
				return err
			}
			doc = stockLevelDocument{}
		} else if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode stock level %s: %w", itemRef, err)
		}
		if doc.OnHand+req.Delta < 0 {
			return repositories.NewStockError(repositories.StockErrorInsufficientStock, fmt.Sprintf("onHand for %s cannot drop below zero", itemRef), nil)
		}
		if sku := strings.TrimSpace(req.SKU); sku != "" {
			doc.SKU = sku
		}
		doc.OnHand += req.Delta
		if req.ReorderLevel != nil {
			doc.ReorderLevel = *req.ReorderLevel
		}
		doc.UpdatedAt = now
		doc.recalculate()
		if err := tx.Set(levelRef, doc); err != nil {
			return err
		}
		updated = doc.toDomain(itemRef)
		return nil
	})
	if err != nil {
		return domain.StockLevel{}, wrapStockError("stock.adjust", err)
	}
	return updated, nil
}

func (r *StockRepository) GetLevel(ctx context.Context, itemRef string) (domain.StockLevel, error) {
	if r == nil || r.levels == nil {
		return domain.StockLevel{}, errors.New("stock repository not initialised")
	}
	itemRef = strings.TrimSpace(itemRef)
	if itemRef == "" {
		return domain.StockLevel{}, errors.New("stock get level: item ref is required")
	}

	doc, err := r.levels.Get(ctx, itemRef)
	if err != nil {
		if repoErr, ok := err.(*pfirestore.Error); ok && repoErr.IsNotFound() {
			return domain.StockLevel{}, repositories.NewStockError(repositories.StockErrorLevelNotFound, fmt.Sprintf("stock level %s not found", itemRef), err)
		}
		return domain.StockLevel{}, wrapStockError("stock.getLevel", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

func (r *StockRepository) ListLevels(ctx context.Context, query repositories.StockLevelQuery) (domain.CursorPage[domain.StockLevel], error) {
	return r.listLevels(ctx, query, false)
}

func (r *StockRepository) ListLowStock(ctx context.Context, query repositories.StockLevelQuery) (domain.CursorPage[domain.StockLevel], error) {
	return r.listLevels(ctx, query, true)
}

func (r *StockRepository) listLevels(ctx context.Context, query repositories.StockLevelQuery, lowOnly bool) (domain.CursorPage[domain.StockLevel], error) {
	if r == nil || r.levels == nil {
		return domain.CursorPage[domain.StockLevel]{}, errors.New("stock repository not initialised")
	}

	pageSize := query.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 200 {
		pageSize = 200
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.StockLevel]{}, wrapStockError("stock.listLevels", err)
	}

	firestoreQuery := client.Collection(stockLevelsCollection).Query
	if lowOnly {
		if query.Threshold != nil && *query.Threshold > 0 {
			firestoreQuery = firestoreQuery.Where("available", "<=", *query.Threshold).OrderBy("available", firestore.Asc)
		} else {
			firestoreQuery = firestoreQuery.Where("reorderDelta", "<", 0).OrderBy("reorderDelta", firestore.Asc)
		}
	} else {
		firestoreQuery = firestoreQuery.OrderBy("available", firestore.Asc)
	}
	firestoreQuery = firestoreQuery.OrderBy("sku", firestore.Asc).Limit(pageSize + 1)

	var decodedToken *stockPageToken
	if token := strings.TrimSpace(query.Pagination.PageToken); token != "" {
		tok, err := decodeStockPageToken(token)
		if err != nil {
			return domain.CursorPage[domain.StockLevel]{}, wrapStockError("stock.listLevels", err)
		}
		decodedToken = tok
	}
	if decodedToken != nil {
		if lowOnly && (query.Threshold == nil || *query.Threshold <= 0) {
			firestoreQuery = firestoreQuery.StartAfter(decodedToken.ReorderDelta, decodedToken.SKU)
		} else {
			firestoreQuery = firestoreQuery.StartAfter(decodedToken.Available, decodedToken.SKU)
		}
	}

	iter := firestoreQuery.Documents(ctx)
	defer iter.Stop()

	var levels []domain.StockLevel
	var lastDoc stockLevelDocument
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.StockLevel]{}, wrapStockError("stock.listLevels", err)
		}
		var doc stockLevelDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.StockLevel]{}, fmt.Errorf("decode stock level %s: %w", snap.Ref.ID, err)
		}
		levels = append(levels, doc.toDomain(snap.Ref.ID))
		lastDoc = doc
	}

	hasMore := len(levels) > pageSize
	if hasMore {
		levels = levels[:pageSize]
	}
	var nextToken string
	if hasMore && len(levels) > 0 {
		last := levels[len(levels)-1]
		encoded, err := encodeStockPageToken(stockPageToken{
			SKU:          last.SKU,
			Available:    last.Available,
			ReorderDelta: lastDoc.ReorderDelta,
		})
		if err != nil {
			return domain.CursorPage[domain.StockLevel]{}, wrapStockError("stock.listLevels", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.StockLevel]{
		Items:         levels,
		NextPageToken: nextToken,
	}, nil
}

// Helper structures ---------------------------------------------------------

type stockLevelDocument struct {
	SKU          string    `firestore:"sku"`
	OnHand       int       `firestore:"onHand"`
	Reserved     int       `firestore:"reserved"`
	Available    int       `firestore:"available"`
	ReorderLevel int       `firestore:"reorderLevel"`
	ReorderDelta int       `firestore:"reorderDelta"`
	UpdatedAt    time.Time `firestore:"updatedAt"`
}

func (s *stockLevelDocument) recalculate() {
	s.Available = s.OnHand - s.Reserved
	s.ReorderDelta = s.Available - s.ReorderLevel
}

func (s stockLevelDocument) toDomain(id string) domain.StockLevel {
	return domain.StockLevel{
		ItemRef:      id,
		SKU:          strings.TrimSpace(s.SKU),
		OnHand:       s.OnHand,
		Reserved:     s.Reserved,
		Available:    s.Available,
		ReorderLevel: s.ReorderLevel,
		UpdatedAt:    s.UpdatedAt,
	}
}

type reservationDocument struct {
	OrderRef       string                    `firestore:"orderRef"`
	ActorRef       string                    `firestore:"actorRef"`
	Status         string                    `firestore:"status"`
	Lines          []reservationLineDocument `firestore:"lines"`
	IdempotencyKey string                    `firestore:"idempotencyKey,omitempty"`
	Reason         string                    `firestore:"reason,omitempty"`
	ExpiresAt      time.Time                 `firestore:"expiresAt"`
	ReleasedAt     *time.Time                `firestore:"releasedAt,omitempty"`
	CommittedAt    *time.Time                `firestore:"committedAt,omitempty"`
	CreatedAt      time.Time                 `firestore:"createdAt"`
	UpdatedAt      time.Time                 `firestore:"updatedAt"`
}

type reservationLineDocument struct {
	ItemRef  string `firestore:"itemRef"`
	SKU      string `firestore:"sku"`
	Quantity int    `firestore:"qty"`
}

func newReservationDocument(res domain.StockReservation) reservationDocument {
	lines := make([]reservationLineDocument, len(res.Lines))
	for i, line := range res.Lines {
		lines[i] = reservationLineDocument{
			ItemRef:  strings.TrimSpace(line.ItemRef),
			SKU:      strings.TrimSpace(line.SKU),
			Quantity: line.Quantity,
		}
	}
	return reservationDocument{
		OrderRef:       strings.TrimSpace(res.OrderRef),
		ActorRef:       strings.TrimSpace(res.ActorRef),
		Status:         strings.TrimSpace(res.Status),
		Lines:          lines,
		IdempotencyKey: strings.TrimSpace(res.IdempotencyKey),
		Reason:         strings.TrimSpace(res.Reason),
		ExpiresAt:      res.ExpiresAt.UTC(),
		ReleasedAt:     res.ReleasedAt,
		CommittedAt:    res.CommittedAt,
		CreatedAt:      res.CreatedAt.UTC(),
		UpdatedAt:      res.UpdatedAt.UTC(),
	}
}

func (d reservationDocument) toDomain(id string) domain.StockReservation {
	lines := make([]domain.StockReservationLine, len(d.Lines))
	for i, line := range d.Lines {
		lines[i] = domain.StockReservationLine{
			ItemRef:  strings.TrimSpace(line.ItemRef),
			SKU:      strings.TrimSpace(line.SKU),
			Quantity: line.Quantity,
		}
	}
	return domain.StockReservation{
		ID:             id,
		OrderRef:       strings.TrimSpace(d.OrderRef),
		ActorRef:       strings.TrimSpace(d.ActorRef),
		Status:         strings.TrimSpace(d.Status),
		Lines:          lines,
		IdempotencyKey: strings.TrimSpace(d.IdempotencyKey),
		Reason:         strings.TrimSpace(d.Reason),
		ExpiresAt:      d.ExpiresAt,
		ReleasedAt:     d.ReleasedAt,
		CommittedAt:    d.CommittedAt,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

func decodeReservation(snap *firestore.DocumentSnapshot) (reservationDocument, error) {
	var doc reservationDocument
	if err := snap.DataTo(&doc); err != nil {
		return reservationDocument{}, fmt.Errorf("decode reservation %s: %w", snap.Ref.ID, err)
	}
	return doc, nil
}

type stockPageToken struct {
	SKU          string
	Available    int
	ReorderDelta int
}

func encodeStockPageToken(token stockPageToken) (string, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	if err := enc.Encode(token); err != nil {
		return "", fmt.Errorf("encode stock page token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes.TrimSpace(buf.Bytes())), nil
}

func decodeStockPageToken(encoded string) (*stockPageToken, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode stock page token: %w", err)
	}
	var token stockPageToken
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("decode stock page token json: %w", err)
	}
	return &token, nil
}

func wrapStockError(op string, err error) error {
	if err == nil {
		return nil
	}
	var stockErr *repositories.StockError
	if errors.As(err, &stockErr) {
		if stockErr.Op == "" {
			stockErr.Op = op
		}
		return stockErr
	}
	return pfirestore.WrapError(op, err)
}
