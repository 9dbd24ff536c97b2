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

var validPurchaseOrderStatuses = map[domain.PurchaseOrderStatus]struct{}{
	domain.PurchaseOrderStatusDraft:     {},
	domain.PurchaseOrderStatusApproved:  {},
	domain.PurchaseOrderStatusSubmitted: {},
	domain.PurchaseOrderStatusReceived:  {},
	domain.PurchaseOrderStatusClosed:    {},
	domain.PurchaseOrderStatusCancelled: {},
}

// PurchaseOrderHandlers exposes the purchase order lifecycle endpoints.
type PurchaseOrderHandlers struct {
	authn  *auth.Authenticator
	orders services.PurchaseOrderService
}

// NewPurchaseOrderHandlers constructs a purchase order handler set.
func NewPurchaseOrderHandlers(authn *auth.Authenticator, orders services.PurchaseOrderService) *PurchaseOrderHandlers {
	return &PurchaseOrderHandlers{
		authn:  authn,
		orders: orders,
	}
}

// Routes registers the purchase order endpoints beneath /purchase-orders.
func (h *PurchaseOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Post("/", h.createOrder)
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}:approve", h.approveOrder)
	r.Post("/{orderID}:submit", h.submitOrder)
	r.Post("/{orderID}:cancel", h.cancelOrder)
	r.Post("/{orderID}:receive", h.receiveOrder)
	r.Get("/{orderID}/receiving-log", h.listReceivingLog)
}

type createPurchaseOrderRequest struct {
	VendorRef       string                     `json:"vendor_ref"`
	ExpectedAt      string                     `json:"expected_at"`
	Lines           []purchaseOrderLineRequest `json:"lines"`
	DiscountPercent int64                      `json:"discount_percent"`
	Notes           string                     `json:"notes"`
}

type purchaseOrderLineRequest struct {
	ItemRef     string `json:"item_ref"`
	SKU         string `json:"sku"`
	Description string `json:"description"`
	Quantity    int    `json:"quantity"`
	UnitCost    int64  `json:"unit_cost"`
}

type cancelPurchaseOrderRequest struct {
	Reason string `json:"reason"`
}

type receivePurchaseOrderRequest struct {
	Lines []receivingLineRequest `json:"lines"`
}

type receivingLineRequest struct {
	ItemRef          string `json:"item_ref"`
	SKU              string `json:"sku"`
	QuantityAccepted int    `json:"quantity_accepted"`
	QuantityRejected int    `json:"quantity_rejected"`
	RejectionReason  string `json:"rejection_reason"`
}

func (h *PurchaseOrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireService(ctx, w)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxDocumentBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req createPurchaseOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}

	cmd := services.CreatePurchaseOrderCommand{
		VendorRef:       strings.TrimSpace(req.VendorRef),
		DiscountPercent: req.DiscountPercent,
		Notes:           req.Notes,
		ActorRef:        identity.UID,
	}
	if raw := strings.TrimSpace(req.ExpectedAt); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "expected_at must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		cmd.ExpectedAt = &ts
	}
	for _, line := range req.Lines {
		cmd.Lines = append(cmd.Lines, services.CreatePurchaseOrderLine{
			ItemRef:     strings.TrimSpace(line.ItemRef),
			SKU:         strings.TrimSpace(line.SKU),
			Description: line.Description,
			Quantity:    line.Quantity,
			UnitCost:    line.UnitCost,
		})
	}

	order, err := h.orders.CreatePurchaseOrder(ctx, cmd)
	if err != nil {
		writePurchaseOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, purchaseOrderResponse{Order: buildPurchaseOrderPayload(order)})
}

func (h *PurchaseOrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "purchase order service not available", http.StatusServiceUnavailable))
		return
	}

	query := r.URL.Query()
	pagination, err := parseListPagination(query)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	filter := services.PurchaseOrderListFilter{
		VendorRef:  strings.TrimSpace(query.Get("vendor")),
		Pagination: pagination,
	}
	for _, raw := range parseFilterValues(query["status"]) {
		status := domain.PurchaseOrderStatus(raw)
		if _, ok := validPurchaseOrderStatuses[status]; !ok {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status filter contains an unknown value", http.StatusBadRequest))
			return
		}
		filter.Status = append(filter.Status, status)
	}
	if rng, ok := parseDateRange(ctx, w, query); ok {
		filter.DateRange = rng
	} else {
		return
	}

	page, err := h.orders.ListPurchaseOrders(ctx, filter)
	if err != nil {
		writePurchaseOrderError(ctx, w, err)
		return
	}

	orders := make([]purchaseOrderPayload, 0, len(page.Items))
	for _, order := range page.Items {
		orders = append(orders, buildPurchaseOrderPayload(order))
	}
	writeJSONResponse(w, http.StatusOK, purchaseOrderListResponse{
		Orders:        orders,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *PurchaseOrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "purchase order service not available", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.GetPurchaseOrder(ctx, orderID)
	if err != nil {
		writePurchaseOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, purchaseOrderResponse{Order: buildPurchaseOrderPayload(order)})
}

func (h *PurchaseOrderHandlers) approveOrder(w http.ResponseWriter, r *http.Request) {
	if h.orders == nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("service_unavailable", "purchase order service not available", http.StatusServiceUnavailable))
		return
	}
	h.transition(w, r, h.orders.ApprovePurchaseOrder)
}

func (h *PurchaseOrderHandlers) submitOrder(w http.ResponseWriter, r *http.Request) {
	if h.orders == nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("service_unavailable", "purchase order service not available", http.StatusServiceUnavailable))
		return
	}
	h.transition(w, r, h.orders.SubmitPurchaseOrder)
}

func (h *PurchaseOrderHandlers) transition(w http.ResponseWriter, r *http.Request, fn func(context.Context, string, string) (services.PurchaseOrder, error)) {
	ctx := r.Context()
	identity, ok := h.requireService(ctx, w)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := fn(ctx, orderID, identity.UID)
	if err != nil {
		writePurchaseOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, purchaseOrderResponse{Order: buildPurchaseOrderPayload(order)})
}

func (h *PurchaseOrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireService(ctx, w)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req cancelPurchaseOrderRequest
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

	order, err := h.orders.CancelPurchaseOrder(ctx, orderID, identity.UID, req.Reason)
	if err != nil {
		writePurchaseOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, purchaseOrderResponse{Order: buildPurchaseOrderPayload(order)})
}

func (h *PurchaseOrderHandlers) receiveOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireService(ctx, w)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	body, err := readLimitedBody(r, maxDocumentBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req receivePurchaseOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}

	cmd := services.ReceivePurchaseOrderCommand{
		OrderID:  orderID,
		ActorRef: identity.UID,
	}
	for _, line := range req.Lines {
		cmd.Lines = append(cmd.Lines, services.ReceivingLine{
			ItemRef:          strings.TrimSpace(line.ItemRef),
			SKU:              strings.TrimSpace(line.SKU),
			QuantityAccepted: line.QuantityAccepted,
			QuantityRejected: line.QuantityRejected,
			RejectionReason:  line.RejectionReason,
		})
	}

	order, err := h.orders.ReceivePurchaseOrder(ctx, cmd)
	if err != nil {
		writePurchaseOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, purchaseOrderResponse{Order: buildPurchaseOrderPayload(order)})
}

func (h *PurchaseOrderHandlers) listReceivingLog(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "purchase order service not available", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	entries, err := h.orders.ListReceivingLog(ctx, orderID)
	if err != nil {
		writePurchaseOrderError(ctx, w, err)
		return
	}

	payload := receivingLogResponse{Entries: make([]receivingLogEntryPayload, 0, len(entries))}
	for _, entry := range entries {
		payload.Entries = append(payload.Entries, buildReceivingLogEntryPayload(entry))
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

func (h *PurchaseOrderHandlers) requireService(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "purchase order service not available", http.StatusServiceUnavailable))
		return nil, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
	case errors.Is(err, errEmptyBody):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	}
}

func parseDateRange(ctx context.Context, w http.ResponseWriter, query map[string][]string) (domain.RangeQuery[time.Time], bool) {
	var rng domain.RangeQuery[time.Time]
	get := func(key string) string {
		if values := query[key]; len(values) > 0 {
			return strings.TrimSpace(values[0])
		}
		return ""
	}
	if raw := get("created_after"); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_after must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return rng, false
		}
		rng.From = &ts
	}
	if raw := get("created_before"); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "created_before must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return rng, false
		}
		rng.To = &ts
	}
	return rng, true
}

type purchaseOrderResponse struct {
	Order purchaseOrderPayload `json:"purchase_order"`
}

type purchaseOrderListResponse struct {
	Orders        []purchaseOrderPayload `json:"purchase_orders"`
	NextPageToken string                 `json:"next_page_token,omitempty"`
}

type purchaseOrderPayload struct {
	ID           string                     `json:"id"`
	Number       string                     `json:"number"`
	VendorRef    string                     `json:"vendor_ref"`
	Status       string                     `json:"status"`
	OrderedAt    string                     `json:"ordered_at"`
	ExpectedAt   string                     `json:"expected_at,omitempty"`
	Lines        []purchaseOrderLinePayload `json:"lines"`
	Totals       totalsPayload              `json:"totals"`
	Notes        string                     `json:"notes,omitempty"`
	CreatedBy    string                     `json:"created_by,omitempty"`
	CreatedAt    string                     `json:"created_at"`
	UpdatedAt    string                     `json:"updated_at,omitempty"`
	ReceivedAt   string                     `json:"received_at,omitempty"`
	CancelledAt  string                     `json:"cancelled_at,omitempty"`
	CancelReason string                     `json:"cancel_reason,omitempty"`
}

type purchaseOrderLinePayload struct {
	ItemRef          string `json:"item_ref"`
	SKU              string `json:"sku"`
	Description      string `json:"description,omitempty"`
	Quantity         int    `json:"quantity"`
	UnitCost         int64  `json:"unit_cost"`
	LineTotal        int64  `json:"line_total"`
	QuantityReceived int    `json:"quantity_received"`
	QuantityRejected int    `json:"quantity_rejected"`
}

type receivingLogResponse struct {
	Entries []receivingLogEntryPayload `json:"entries"`
}

type receivingLogEntryPayload struct {
	ID         string                 `json:"id"`
	OrderRef   string                 `json:"order_ref"`
	ReceivedBy string                 `json:"received_by"`
	Lines      []receivingLinePayload `json:"lines"`
	ReceivedAt string                 `json:"received_at"`
}

type receivingLinePayload struct {
	ItemRef          string `json:"item_ref"`
	SKU              string `json:"sku"`
	QuantityAccepted int    `json:"quantity_accepted"`
	QuantityRejected int    `json:"quantity_rejected"`
	RejectionReason  string `json:"rejection_reason,omitempty"`
}

func buildPurchaseOrderPayload(order domain.PurchaseOrder) purchaseOrderPayload {
	lines := make([]purchaseOrderLinePayload, 0, len(order.Lines))
	for _, line := range order.Lines {
		lines = append(lines, purchaseOrderLinePayload{
			ItemRef:          line.ItemRef,
			SKU:              line.SKU,
			Description:      line.Description,
			Quantity:         line.Quantity,
			UnitCost:         line.UnitCost,
			LineTotal:        line.LineTotal,
			QuantityReceived: line.QuantityReceived,
			QuantityRejected: line.QuantityRejected,
		})
	}
	return purchaseOrderPayload{
		ID:           order.ID,
		Number:       order.Number,
		VendorRef:    order.VendorRef,
		Status:       string(order.Status),
		OrderedAt:    formatTime(order.OrderedAt),
		ExpectedAt:   formatTime(pointerTime(order.ExpectedAt)),
		Lines:        lines,
		Totals:       buildTotalsPayload(order.Totals),
		Notes:        order.Notes,
		CreatedBy:    order.CreatedBy,
		CreatedAt:    formatTime(order.CreatedAt),
		UpdatedAt:    formatTime(order.UpdatedAt),
		ReceivedAt:   formatTime(pointerTime(order.ReceivedAt)),
		CancelledAt:  formatTime(pointerTime(order.CancelledAt)),
		CancelReason: order.CancelReason,
	}
}

func buildReceivingLogEntryPayload(entry domain.ReceivingLogEntry) receivingLogEntryPayload {
	lines := make([]receivingLinePayload, 0, len(entry.Lines))
	for _, line := range entry.Lines {
		lines = append(lines, receivingLinePayload{
			ItemRef:          line.ItemRef,
			SKU:              line.SKU,
			QuantityAccepted: line.QuantityAccepted,
			QuantityRejected: line.QuantityRejected,
			RejectionReason:  line.RejectionReason,
		})
	}
	return receivingLogEntryPayload{
		ID:         entry.ID,
		OrderRef:   entry.OrderRef,
		ReceivedBy: entry.ReceivedBy,
		Lines:      lines,
		ReceivedAt: formatTime(entry.ReceivedAt),
	}
}

func writePurchaseOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrPurchaseOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrPurchaseOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("purchase_order_not_found", "purchase order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrPurchaseOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("purchase_order_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrInventoryInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("purchase_order_error", "failed to process purchase order request", http.StatusInternalServerError))
	}
}
