package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/stockroom/api/internal/domain"
	"github.com/stockroom/api/internal/platform/auth"
	"github.com/stockroom/api/internal/platform/httpx"
	"github.com/stockroom/api/internal/services"
)

var validReturnStatuses = map[domain.ReturnStatus]struct{}{
	domain.ReturnStatusPending:   {},
	domain.ReturnStatusApproved:  {},
	domain.ReturnStatusCompleted: {},
	domain.ReturnStatusRejected:  {},
}

var validReturnConditions = map[domain.ReturnCondition]struct{}{
	domain.ReturnConditionResalable: {},
	domain.ReturnConditionDamaged:   {},
	domain.ReturnConditionDefective: {},
}

// ReturnHandlers exposes the goods-return and refund endpoints.
type ReturnHandlers struct {
	authn   *auth.Authenticator
	returns services.ReturnService
}

// NewReturnHandlers constructs a return handler set.
func NewReturnHandlers(authn *auth.Authenticator, returns services.ReturnService) *ReturnHandlers {
	return &ReturnHandlers{
		authn:   authn,
		returns: returns,
	}
}

// Routes registers the return endpoints beneath /returns.
func (h *ReturnHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Post("/", h.createReturn)
	r.Get("/", h.listReturns)
	r.Get("/{returnID}", h.getReturn)
	r.Post("/{returnID}:approve", h.approveReturn)
	r.Post("/{returnID}:refund", h.refundReturn)
}

type createReturnLineRequest struct {
	ItemRef   string `json:"item_ref"`
	Quantity  int    `json:"quantity"`
	Condition string `json:"condition"`
}

type createReturnRequest struct {
	SaleID               string                    `json:"sale_id"`
	Lines                []createReturnLineRequest `json:"lines"`
	Reason               string                    `json:"reason"`
	RestockingFeePercent int64                     `json:"restocking_fee_percent"`
}

func (h *ReturnHandlers) createReturn(w http.ResponseWriter, r *http.Request) {
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
	var req createReturnRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}

	lines := make([]services.CreateReturnLine, 0, len(req.Lines))
	for _, line := range req.Lines {
		condition := domain.ReturnCondition(strings.ToUpper(strings.TrimSpace(line.Condition)))
		if _, ok := validReturnConditions[condition]; !ok {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "lines contain an unknown condition", http.StatusBadRequest))
			return
		}
		lines = append(lines, services.CreateReturnLine{
			ItemRef:   strings.TrimSpace(line.ItemRef),
			Quantity:  line.Quantity,
			Condition: condition,
		})
	}

	record, err := h.returns.CreateReturn(ctx, services.CreateReturnCommand{
		SaleID:               strings.TrimSpace(req.SaleID),
		Lines:                lines,
		Reason:               req.Reason,
		RestockingFeePercent: req.RestockingFeePercent,
		ActorRef:             identity.UID,
	})
	if err != nil {
		writeReturnError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, returnResponse{Return: buildReturnPayload(record)})
}

func (h *ReturnHandlers) approveReturn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	returnID := strings.TrimSpace(chi.URLParam(r, "returnID"))
	if returnID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "return id is required", http.StatusBadRequest))
		return
	}

	record, err := h.returns.ProcessReturn(ctx, services.ProcessReturnCommand{
		ReturnID: returnID,
		ActorRef: identity.UID,
	})
	if err != nil {
		writeReturnError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, returnResponse{Return: buildReturnPayload(record)})
}

func (h *ReturnHandlers) refundReturn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	returnID := strings.TrimSpace(chi.URLParam(r, "returnID"))
	if returnID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "return id is required", http.StatusBadRequest))
		return
	}

	record, err := h.returns.ProcessRefund(ctx, services.ProcessRefundCommand{
		ReturnID: returnID,
		ActorRef: identity.UID,
	})
	if err != nil {
		writeReturnError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, returnResponse{Return: buildReturnPayload(record)})
}

func (h *ReturnHandlers) getReturn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.returns == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "return service not available", http.StatusServiceUnavailable))
		return
	}

	returnID := strings.TrimSpace(chi.URLParam(r, "returnID"))
	if returnID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "return id is required", http.StatusBadRequest))
		return
	}

	record, err := h.returns.GetReturn(ctx, returnID)
	if err != nil {
		writeReturnError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, returnResponse{Return: buildReturnPayload(record)})
}

func (h *ReturnHandlers) listReturns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.returns == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "return service not available", http.StatusServiceUnavailable))
		return
	}

	query := r.URL.Query()
	pagination, err := parseListPagination(query)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	filter := services.ReturnListFilter{
		SaleRef:    strings.TrimSpace(query.Get("sale_ref")),
		Pagination: pagination,
	}
	for _, raw := range parseFilterValues(query["status"]) {
		status := domain.ReturnStatus(raw)
		if _, ok := validReturnStatuses[status]; !ok {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status filter contains an unknown value", http.StatusBadRequest))
			return
		}
		filter.Status = append(filter.Status, status)
	}

	page, err := h.returns.ListReturns(ctx, filter)
	if err != nil {
		writeReturnError(ctx, w, err)
		return
	}

	records := make([]returnPayload, 0, len(page.Items))
	for _, record := range page.Items {
		records = append(records, buildReturnPayload(record))
	}
	writeJSONResponse(w, http.StatusOK, returnListResponse{
		Returns:       records,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *ReturnHandlers) requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	if h.returns == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "return service not available", http.StatusServiceUnavailable))
		return nil, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

type returnResponse struct {
	Return returnPayload `json:"return"`
}

type returnListResponse struct {
	Returns       []returnPayload `json:"returns"`
	NextPageToken string          `json:"next_page_token,omitempty"`
}

type returnLinePayload struct {
	ItemRef   string `json:"item_ref"`
	SKU       string `json:"sku,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	Condition string `json:"condition"`
}

type returnPayload struct {
	ID                   string              `json:"id"`
	Number               string              `json:"number"`
	SaleRef              string              `json:"sale_ref"`
	Lines                []returnLinePayload `json:"lines"`
	Reason               string              `json:"reason,omitempty"`
	RestockingFeePercent int64               `json:"restocking_fee_percent"`
	RestockingFee        int64               `json:"restocking_fee"`
	RefundAmount         int64               `json:"refund_amount"`
	RefundRef            string              `json:"refund_ref,omitempty"`
	Status               string              `json:"status"`
	ProcessedBy          string              `json:"processed_by,omitempty"`
	CreatedAt            string              `json:"created_at"`
	UpdatedAt            string              `json:"updated_at,omitempty"`
	RefundedAt           string              `json:"refunded_at,omitempty"`
}

func buildReturnPayload(record domain.Return) returnPayload {
	lines := make([]returnLinePayload, 0, len(record.Lines))
	for _, line := range record.Lines {
		lines = append(lines, returnLinePayload{
			ItemRef:   line.ItemRef,
			SKU:       line.SKU,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
			Condition: string(line.Condition),
		})
	}
	return returnPayload{
		ID:                   record.ID,
		Number:               record.Number,
		SaleRef:              record.SaleRef,
		Lines:                lines,
		Reason:               record.Reason,
		RestockingFeePercent: record.RestockingFeePercent,
		RestockingFee:        record.RestockingFee,
		RefundAmount:         record.RefundAmount,
		RefundRef:            record.RefundRef,
		Status:               string(record.Status),
		ProcessedBy:          record.ProcessedBy,
		CreatedAt:            formatTime(record.CreatedAt),
		UpdatedAt:            formatTime(record.UpdatedAt),
		RefundedAt:           formatTime(pointerTime(record.RefundedAt)),
	}
}

func writeReturnError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrReturnInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrReturnNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("return_not_found", "return not found", http.StatusNotFound))
	case errors.Is(err, services.ErrSaleNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("sale_not_found", "sale not found", http.StatusNotFound))
	case errors.Is(err, services.ErrReturnInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("return_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrReturnRefundFailed):
		httpx.WriteError(ctx, w, httpx.NewError("refund_failed", "refund could not be processed", http.StatusPaymentRequired))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("return_error", "failed to process return request", http.StatusInternalServerError))
	}
}
