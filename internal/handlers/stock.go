package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/stockroom/api/internal/domain"
	"github.com/stockroom/api/internal/platform/auth"
	"github.com/stockroom/api/internal/platform/httpx"
	"github.com/stockroom/api/internal/services"
)

// StockHandlers exposes stock level and reservation endpoints.
type StockHandlers struct {
	authn     *auth.Authenticator
	inventory services.InventoryService
}

// NewStockHandlers constructs a stock handler set.
func NewStockHandlers(authn *auth.Authenticator, inventory services.InventoryService) *StockHandlers {
	return &StockHandlers{
		authn:     authn,
		inventory: inventory,
	}
}

// Routes registers the stock endpoints beneath /stock.
func (h *StockHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Get("/", h.listStockLevels)
	r.Get("/low", h.listLowStock)
	r.Post("/adjustments", h.adjustStock)
	r.Post("/reservations", h.reserveStock)
	r.Get("/reservations/{reservationID}", h.getReservation)
	r.Post("/reservations/{reservationID}:commit", h.commitReservation)
	r.Post("/reservations/{reservationID}:release", h.releaseReservation)
	r.Get("/{itemRef}", h.getStockLevel)
}

type adjustStockRequest struct {
	ItemRef string `json:"item_ref"`
	SKU     string `json:"sku"`
	Delta   int    `json:"delta"`
	Reason  string `json:"reason"`
}

type reserveStockRequest struct {
	OrderRef       string                    `json:"order_ref"`
	IdempotencyKey string                    `json:"idempotency_key"`
	TTLSeconds     int64                     `json:"ttl_seconds"`
	Lines          []reserveStockLineRequest `json:"lines"`
}

type reserveStockLineRequest struct {
	ItemRef  string `json:"item_ref"`
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

type releaseStockRequest struct {
	Reason string `json:"reason"`
}

func (h *StockHandlers) listStockLevels(w http.ResponseWriter, r *http.Request) {
	h.listLevels(w, r, false)
}

func (h *StockHandlers) listLowStock(w http.ResponseWriter, r *http.Request) {
	h.listLevels(w, r, true)
}

func (h *StockHandlers) listLevels(w http.ResponseWriter, r *http.Request, lowOnly bool) {
	ctx := r.Context()
	if h.inventory == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "inventory service not available", http.StatusServiceUnavailable))
		return
	}

	pagination, err := parseListPagination(r.URL.Query())
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	filter := services.StockListFilter{Pagination: pagination}

	var page services.CursorPage[services.StockLevel]
	if lowOnly {
		page, err = h.inventory.ListLowStock(ctx, filter)
	} else {
		page, err = h.inventory.ListStockLevels(ctx, filter)
	}
	if err != nil {
		writeStockError(ctx, w, err)
		return
	}

	levels := make([]stockLevelPayload, 0, len(page.Items))
	for _, level := range page.Items {
		levels = append(levels, buildStockLevelPayload(level))
	}
	writeJSONResponse(w, http.StatusOK, stockLevelListResponse{
		Levels:        levels,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *StockHandlers) getStockLevel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.inventory == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "inventory service not available", http.StatusServiceUnavailable))
		return
	}

	itemRef := strings.TrimSpace(chi.URLParam(r, "itemRef"))
	if itemRef == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "item ref is required", http.StatusBadRequest))
		return
	}

	level, err := h.inventory.GetStockLevel(ctx, itemRef)
	if err != nil {
		writeStockError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, stockLevelResponse{Level: buildStockLevelPayload(level)})
}

func (h *StockHandlers) adjustStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxDocumentBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req adjustStockRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}

	level, err := h.inventory.AdjustStock(ctx, services.AdjustStockCommand{
		ItemRef:  strings.TrimSpace(req.ItemRef),
		SKU:      strings.TrimSpace(req.SKU),
		Delta:    req.Delta,
		Reason:   req.Reason,
		ActorRef: identity.UID,
	})
	if err != nil {
		writeStockError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, stockLevelResponse{Level: buildStockLevelPayload(level)})
}

func (h *StockHandlers) reserveStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxDocumentBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req reserveStockRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}

	cmd := services.ReserveStockCommand{
		OrderRef:       strings.TrimSpace(req.OrderRef),
		ActorRef:       identity.UID,
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
	}
	if req.TTLSeconds > 0 {
		cmd.TTL = time.Duration(req.TTLSeconds) * time.Second
	}
	for _, line := range req.Lines {
		cmd.Lines = append(cmd.Lines, services.ReserveStockLine{
			ItemRef:  strings.TrimSpace(line.ItemRef),
			SKU:      strings.TrimSpace(line.SKU),
			Quantity: line.Quantity,
		})
	}

	reservation, err := h.inventory.Reserve(ctx, cmd)
	if err != nil {
		writeStockError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, reservationResponse{Reservation: buildReservationPayload(reservation)})
}

func (h *StockHandlers) getReservation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.inventory == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "inventory service not available", http.StatusServiceUnavailable))
		return
	}

	reservationID := strings.TrimSpace(chi.URLParam(r, "reservationID"))
	if reservationID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "reservation id is required", http.StatusBadRequest))
		return
	}

	reservation, err := h.inventory.GetReservation(ctx, reservationID)
	if err != nil {
		writeStockError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, reservationResponse{Reservation: buildReservationPayload(reservation)})
}

func (h *StockHandlers) commitReservation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := h.requireIdentity(ctx, w); !ok {
		return
	}

	reservationID := strings.TrimSpace(chi.URLParam(r, "reservationID"))
	if reservationID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "reservation id is required", http.StatusBadRequest))
		return
	}

	reservation, err := h.inventory.Commit(ctx, services.CommitStockCommand{ReservationID: reservationID})
	if err != nil {
		writeStockError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, reservationResponse{Reservation: buildReservationPayload(reservation)})
}

func (h *StockHandlers) releaseReservation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := h.requireIdentity(ctx, w); !ok {
		return
	}

	reservationID := strings.TrimSpace(chi.URLParam(r, "reservationID"))
	if reservationID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "reservation id is required", http.StatusBadRequest))
		return
	}

	var req releaseStockRequest
	body, err := readLimitedBody(r, maxDocumentBodySize)
	if err != nil && !errors.Is(err, errEmptyBody) {
		writeBodyError(ctx, w, err)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
			return
		}
	}

	reservation, err := h.inventory.Release(ctx, services.ReleaseStockCommand{
		ReservationID: reservationID,
		Reason:        req.Reason,
	})
	if err != nil {
		writeStockError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, reservationResponse{Reservation: buildReservationPayload(reservation)})
}

func (h *StockHandlers) requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	if h.inventory == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "inventory service not available", http.StatusServiceUnavailable))
		return nil, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

type stockLevelResponse struct {
	Level stockLevelPayload `json:"stock_level"`
}

type stockLevelListResponse struct {
	Levels        []stockLevelPayload `json:"stock_levels"`
	NextPageToken string              `json:"next_page_token,omitempty"`
}

type stockLevelPayload struct {
	ItemRef      string `json:"item_ref"`
	SKU          string `json:"sku"`
	OnHand       int    `json:"on_hand"`
	Reserved     int    `json:"reserved"`
	Available    int    `json:"available"`
	ReorderLevel int    `json:"reorder_level"`
	UpdatedAt    string `json:"updated_at,omitempty"`
}

type reservationResponse struct {
	Reservation reservationPayload `json:"reservation"`
}

type reservationPayload struct {
	ID          string                   `json:"id"`
	OrderRef    string                   `json:"order_ref,omitempty"`
	Status      string                   `json:"status"`
	Lines       []reservationLinePayload `json:"lines"`
	Reason      string                   `json:"reason,omitempty"`
	ExpiresAt   string                   `json:"expires_at,omitempty"`
	ReleasedAt  string                   `json:"released_at,omitempty"`
	CommittedAt string                   `json:"committed_at,omitempty"`
	CreatedAt   string                   `json:"created_at"`
}

type reservationLinePayload struct {
	ItemRef  string `json:"item_ref"`
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

func buildStockLevelPayload(level domain.StockLevel) stockLevelPayload {
	return stockLevelPayload{
		ItemRef:      level.ItemRef,
		SKU:          level.SKU,
		OnHand:       level.OnHand,
		Reserved:     level.Reserved,
		Available:    level.Available,
		ReorderLevel: level.ReorderLevel,
		UpdatedAt:    formatTime(level.UpdatedAt),
	}
}

func buildReservationPayload(reservation domain.StockReservation) reservationPayload {
	lines := make([]reservationLinePayload, 0, len(reservation.Lines))
	for _, line := range reservation.Lines {
		lines = append(lines, reservationLinePayload{
			ItemRef:  line.ItemRef,
			SKU:      line.SKU,
			Quantity: line.Quantity,
		})
	}
	return reservationPayload{
		ID:          reservation.ID,
		OrderRef:    reservation.OrderRef,
		Status:      reservation.Status,
		Lines:       lines,
		Reason:      reservation.Reason,
		ExpiresAt:   formatTime(reservation.ExpiresAt),
		ReleasedAt:  formatTime(pointerTime(reservation.ReleasedAt)),
		CommittedAt: formatTime(pointerTime(reservation.CommittedAt)),
		CreatedAt:   formatTime(reservation.CreatedAt),
	}
}

func writeStockError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrInventoryInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrInventoryInsufficientStock):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrInventoryReservationNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("reservation_not_found", "reservation not found", http.StatusNotFound))
	case errors.Is(err, services.ErrInventoryStockNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("stock_not_found", "stock level not found", http.StatusNotFound))
	case errors.Is(err, services.ErrInventoryInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("reservation_invalid_state", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("inventory_error", "failed to process inventory request", http.StatusInternalServerError))
	}
}
