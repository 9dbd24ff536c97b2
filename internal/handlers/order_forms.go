package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/stockroom/api/internal/domain"
	"github.com/stockroom/api/internal/platform/auth"
	"github.com/stockroom/api/internal/platform/httpx"
	"github.com/stockroom/api/internal/services"
)

var validOrderFormKinds = map[domain.OrderFormKind]struct{}{
	domain.OrderFormKindPurchaseOrder: {},
	domain.OrderFormKindSale:          {},
	domain.OrderFormKindQuote:         {},
	domain.OrderFormKindReturn:        {},
}

var validLookupTargets = map[services.LookupTarget]struct{}{
	services.LookupTargetItems:   {},
	services.LookupTargetVendors: {},
}

const (
	lookupRateLimit  = 30
	lookupRateWindow = 10 * time.Second
)

// OrderFormHandlers exposes the server-held document editing sessions: row
// mutations, lookup widgets, validation, and submission. Lookups are rate
// limited per actor since typeahead clients fire them in bursts.
type OrderFormHandlers struct {
	authn   *auth.Authenticator
	forms   services.OrderFormService
	limiter rateLimiter
}

// NewOrderFormHandlers constructs an order-form handler set.
func NewOrderFormHandlers(authn *auth.Authenticator, forms services.OrderFormService) *OrderFormHandlers {
	return &OrderFormHandlers{
		authn:   authn,
		forms:   forms,
		limiter: newSimpleRateLimiter(lookupRateLimit, lookupRateWindow, nil),
	}
}

// Routes registers the order-form endpoints beneath /order-forms.
func (h *OrderFormHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Post("/", h.createSession)
	r.Get("/{sessionID}", h.getSession)
	r.Post("/{sessionID}/rows", h.addRow)
	r.Patch("/{sessionID}/rows/{rowIndex}", h.updateRow)
	r.Delete("/{sessionID}/rows/{rowIndex}", h.removeRow)
	r.Post("/{sessionID}/rows/{rowIndex}:lookup", h.beginLookup)
	r.Post("/{sessionID}/rows/{rowIndex}:select", h.applySelection)
	r.Put("/{sessionID}/adjustments", h.setAdjustments)
	r.Post("/{sessionID}:validate", h.validateSession)
	r.Post("/{sessionID}:submit", h.submitSession)
	r.Post("/{sessionID}:discard", h.discardSession)
}

type createSessionRequest struct {
	Kind            string        `json:"kind"`
	Prefix          string        `json:"prefix"`
	DiscountPercent int64         `json:"discount_percent"`
	TaxRateBasisPts *int64        `json:"tax_rate_basis_pts"`
	SeedRows        []seedRowBody `json:"seed_rows"`
}

type seedRowBody struct {
	ReferenceID string `json:"reference_id"`
	SKU         string `json:"sku"`
	Description string `json:"description"`
	UnitCost    int64  `json:"unit_cost"`
	UnitPrice   int64  `json:"unit_price"`
	Quantity    int    `json:"quantity"`
}

func (h *OrderFormHandlers) createSession(w http.ResponseWriter, r *http.Request) {
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
	var req createSessionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}

	kind := domain.OrderFormKind(strings.ToLower(strings.TrimSpace(req.Kind)))
	if _, ok := validOrderFormKinds[kind]; !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "kind must be one of purchase_order, sale, quote, return", http.StatusBadRequest))
		return
	}

	cmd := services.CreateOrderFormCommand{
		Kind:            kind,
		Prefix:          strings.TrimSpace(req.Prefix),
		ActorRef:        identity.UID,
		DiscountPercent: req.DiscountPercent,
		TaxRateBasisPts: req.TaxRateBasisPts,
	}
	for _, seed := range req.SeedRows {
		cmd.SeedRows = append(cmd.SeedRows, services.FormRow{
			ReferenceID: seed.ReferenceID,
			SKU:         seed.SKU,
			Description: seed.Description,
			UnitCost:    seed.UnitCost,
			UnitPrice:   seed.UnitPrice,
			Quantity:    seed.Quantity,
		})
	}

	session, err := h.forms.CreateSession(ctx, cmd)
	if err != nil {
		writeOrderFormError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, sessionResponse{Session: buildSessionPayload(session)})
}

func (h *OrderFormHandlers) getSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.forms == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "order form service not available", http.StatusServiceUnavailable))
		return
	}

	sessionID := strings.TrimSpace(chi.URLParam(r, "sessionID"))
	if sessionID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "session id is required", http.StatusBadRequest))
		return
	}

	session, err := h.forms.GetSession(ctx, sessionID)
	if err != nil {
		writeOrderFormError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, sessionResponse{Session: buildSessionPayload(session)})
}

type mutateRowsRequest struct {
	ExpectedVersion int64 `json:"expected_version"`
}

func (h *OrderFormHandlers) addRow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID, ok := h.requireSession(ctx, w, r)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxDocumentBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req mutateRowsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}

	session, err := h.forms.AddRow(ctx, services.MutateRowsCommand{
		SessionID:       sessionID,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		writeOrderFormError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, sessionResponse{Session: buildSessionPayload(session)})
}

type updateRowRequest struct {
	ExpectedVersion int64   `json:"expected_version"`
	ReferenceID     *string `json:"reference_id"`
	SKU             *string `json:"sku"`
	Description     *string `json:"description"`
	UnitCost        *string `json:"unit_cost"`
	UnitPrice       *string `json:"unit_price"`
	Quantity        *string `json:"quantity"`
}

func (h *OrderFormHandlers) updateRow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID, ok := h.requireSession(ctx, w, r)
	if !ok {
		return
	}
	rowIndex, ok := parseRowIndex(ctx, w, r)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxDocumentBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req updateRowRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}

	session, err := h.forms.UpdateRow(ctx, services.UpdateFormRowCommand{
		SessionID:       sessionID,
		RowIndex:        rowIndex,
		ExpectedVersion: req.ExpectedVersion,
		Patch: services.FormRowPatch{
			ReferenceID: req.ReferenceID,
			SKU:         req.SKU,
			Description: req.Description,
			UnitCost:    req.UnitCost,
			UnitPrice:   req.UnitPrice,
			Quantity:    req.Quantity,
		},
	})
	if err != nil {
		writeOrderFormError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, sessionResponse{Session: buildSessionPayload(session)})
}

func (h *OrderFormHandlers) removeRow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID, ok := h.requireSession(ctx, w, r)
	if !ok {
		return
	}
	rowIndex, ok := parseRowIndex(ctx, w, r)
	if !ok {
		return
	}

	expectedVersion, ok := parseExpectedVersion(ctx, w, r)
	if !ok {
		return
	}

	session, err := h.forms.RemoveRow(ctx, services.RemoveFormRowCommand{
		SessionID:       sessionID,
		RowIndex:        rowIndex,
		ExpectedVersion: expectedVersion,
	})
	if err != nil {
		writeOrderFormError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, sessionResponse{Session: buildSessionPayload(session)})
}

type setAdjustmentsRequest struct {
	ExpectedVersion int64  `json:"expected_version"`
	DiscountPercent *int64 `json:"discount_percent"`
	TaxRateBasisPts *int64 `json:"tax_rate_basis_pts"`
}

func (h *OrderFormHandlers) setAdjustments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID, ok := h.requireSession(ctx, w, r)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxDocumentBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req setAdjustmentsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}

	session, err := h.forms.SetAdjustments(ctx, services.SetAdjustmentsCommand{
		SessionID:       sessionID,
		ExpectedVersion: req.ExpectedVersion,
		DiscountPercent: req.DiscountPercent,
		TaxRateBasisPts: req.TaxRateBasisPts,
	})
	if err != nil {
		writeOrderFormError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, sessionResponse{Session: buildSessionPayload(session)})
}

type beginLookupRequest struct {
	Target string `json:"target"`
	Query  string `json:"query"`
}

func (h *OrderFormHandlers) beginLookup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID, ok := h.requireSession(ctx, w, r)
	if !ok {
		return
	}
	if identity, ok := auth.IdentityFromContext(ctx); ok && h.limiter != nil && !h.limiter.Allow(identity.UID) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many lookup requests", http.StatusTooManyRequests))
		return
	}
	rowIndex, ok := parseRowIndex(ctx, w, r)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxDocumentBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req beginLookupRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}

	target := services.LookupTarget(strings.ToLower(strings.TrimSpace(req.Target)))
	if _, ok := validLookupTargets[target]; !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "target must be items or vendors", http.StatusBadRequest))
		return
	}

	result, err := h.forms.BeginLookup(ctx, services.BeginLookupCommand{
		SessionID: sessionID,
		RowIndex:  rowIndex,
		Target:    target,
		Query:     req.Query,
	})
	if err != nil {
		writeOrderFormError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, lookupResponse{
		Seq:        result.Seq,
		Candidates: buildLookupCandidatePayloads(result.Candidates),
		DebounceMS: result.Debounce.Milliseconds(),
	})
}

type applySelectionRequest struct {
	ExpectedVersion int64 `json:"expected_version"`
	Seq             int64 `json:"seq"`
	Candidate       struct {
		ID          string `json:"id"`
		DisplayName string `json:"display_name"`
		Code        string `json:"code"`
		UnitCost    int64  `json:"unit_cost"`
	} `json:"candidate"`
}

func (h *OrderFormHandlers) applySelection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID, ok := h.requireSession(ctx, w, r)
	if !ok {
		return
	}
	rowIndex, ok := parseRowIndex(ctx, w, r)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxDocumentBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req applySelectionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}

	session, err := h.forms.ApplySelection(ctx, services.ApplySelectionCommand{
		SessionID:       sessionID,
		RowIndex:        rowIndex,
		ExpectedVersion: req.ExpectedVersion,
		Seq:             req.Seq,
		Candidate: services.LookupCandidate{
			ID:          req.Candidate.ID,
			DisplayName: req.Candidate.DisplayName,
			Code:        req.Candidate.Code,
			UnitCost:    req.Candidate.UnitCost,
		},
	})
	if err != nil {
		writeOrderFormError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, sessionResponse{Session: buildSessionPayload(session)})
}

func (h *OrderFormHandlers) validateSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID, ok := h.requireSession(ctx, w, r)
	if !ok {
		return
	}

	validation, err := h.forms.Validate(ctx, sessionID)
	if err != nil {
		writeOrderFormError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildValidationPayload(validation))
}

func (h *OrderFormHandlers) submitSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID, ok := h.requireSession(ctx, w, r)
	if !ok {
		return
	}

	submission, err := h.forms.Submit(ctx, sessionID)
	if err != nil {
		writeOrderFormError(ctx, w, err)
		return
	}

	rows := make([]formRowPayload, 0, len(submission.Rows))
	for _, row := range submission.Rows {
		rows = append(rows, buildFormRowPayload(row))
	}
	writeJSONResponse(w, http.StatusOK, submissionResponse{
		Kind:        string(submission.Kind),
		ActorRef:    submission.ActorRef,
		Rows:        rows,
		Totals:      buildTotalsPayload(submission.Totals),
		FormPayload: submission.FormPayload,
		SubmittedAt: formatTime(submission.SubmittedAt),
	})
}

type discardSessionRequest struct {
	Force bool `json:"force"`
}

func (h *OrderFormHandlers) discardSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID, ok := h.requireSession(ctx, w, r)
	if !ok {
		return
	}

	var req discardSessionRequest
	body, err := readLimitedBody(r, maxDocumentBodySize)
	switch {
	case err == nil:
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
			return
		}
	case errors.Is(err, errEmptyBody):
		// A discard without a body is a plain, non-forced discard.
	default:
		writeBodyError(ctx, w, err)
		return
	}

	if err := h.forms.Discard(ctx, sessionID, req.Force); err != nil {
		writeOrderFormError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "discarded"})
}

func (h *OrderFormHandlers) requireSession(ctx context.Context, w http.ResponseWriter, r *http.Request) (string, bool) {
	if _, ok := h.requireIdentity(ctx, w); !ok {
		return "", false
	}
	sessionID := strings.TrimSpace(chi.URLParam(r, "sessionID"))
	if sessionID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "session id is required", http.StatusBadRequest))
		return "", false
	}
	return sessionID, true
}

func (h *OrderFormHandlers) requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	if h.forms == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "order form service not available", http.StatusServiceUnavailable))
		return nil, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func parseRowIndex(ctx context.Context, w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := strings.TrimSpace(chi.URLParam(r, "rowIndex"))
	index, err := strconv.Atoi(raw)
	if err != nil || index < 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "row index must be a non-negative integer", http.StatusBadRequest))
		return 0, false
	}
	return index, true
}

func parseExpectedVersion(ctx context.Context, w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("expected_version"))
	if raw == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "expected_version is required", http.StatusBadRequest))
		return 0, false
	}
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "expected_version must be an integer", http.StatusBadRequest))
		return 0, false
	}
	return version, true
}

type sessionResponse struct {
	Session sessionPayload `json:"session"`
}

type sessionPayload struct {
	ID              string           `json:"id"`
	Kind            string           `json:"kind"`
	Prefix          string           `json:"prefix"`
	ActorRef        string           `json:"actor_ref"`
	Rows            []formRowPayload `json:"rows"`
	DiscountPercent int64            `json:"discount_percent"`
	TaxRateBasisPts int64            `json:"tax_rate_basis_pts"`
	Totals          totalsPayload    `json:"totals"`
	Dirty           bool             `json:"dirty"`
	Version         int64            `json:"version"`
	CreatedAt       string           `json:"created_at"`
	UpdatedAt       string           `json:"updated_at,omitempty"`
}

type formRowPayload struct {
	RowIndex    int    `json:"row_index"`
	ReferenceID string `json:"reference_id,omitempty"`
	SKU         string `json:"sku,omitempty"`
	Description string `json:"description,omitempty"`
	UnitCost    int64  `json:"unit_cost"`
	UnitPrice   int64  `json:"unit_price"`
	Quantity    int    `json:"quantity"`
	LineTotal   int64  `json:"line_total"`
}

type lookupResponse struct {
	Seq        int64                    `json:"seq"`
	Candidates []lookupCandidatePayload `json:"candidates"`
	DebounceMS int64                    `json:"debounce_ms"`
}

type validationPayload struct {
	Valid       bool                  `json:"valid"`
	Violations  []rowViolationPayload `json:"violations"`
	RowsDropped int                   `json:"rows_dropped"`
}

type rowViolationPayload struct {
	RowIndex int    `json:"row_index"`
	Field    string `json:"field"`
	Rule     string `json:"rule"`
	Message  string `json:"message"`
}

type submissionResponse struct {
	Kind        string            `json:"kind"`
	ActorRef    string            `json:"actor_ref"`
	Rows        []formRowPayload  `json:"rows"`
	Totals      totalsPayload     `json:"totals"`
	FormPayload map[string]string `json:"form_payload"`
	SubmittedAt string            `json:"submitted_at"`
}

func buildSessionPayload(session domain.OrderFormSession) sessionPayload {
	rows := make([]formRowPayload, 0, len(session.Rows))
	for _, row := range session.Rows {
		rows = append(rows, buildFormRowPayload(row))
	}
	return sessionPayload{
		ID:              session.ID,
		Kind:            string(session.Kind),
		Prefix:          session.Prefix,
		ActorRef:        session.ActorRef,
		Rows:            rows,
		DiscountPercent: session.DiscountPercent,
		TaxRateBasisPts: session.TaxRateBasisPts,
		Totals:          buildTotalsPayload(session.Totals),
		Dirty:           session.Dirty,
		Version:         session.Version,
		CreatedAt:       formatTime(session.CreatedAt),
		UpdatedAt:       formatTime(session.UpdatedAt),
	}
}

func buildFormRowPayload(row domain.FormRow) formRowPayload {
	return formRowPayload{
		RowIndex:    row.RowIndex,
		ReferenceID: row.ReferenceID,
		SKU:         row.SKU,
		Description: row.Description,
		UnitCost:    row.UnitCost,
		UnitPrice:   row.UnitPrice,
		Quantity:    row.Quantity,
		LineTotal:   row.LineTotal,
	}
}

func buildValidationPayload(validation services.OrderFormValidation) validationPayload {
	violations := make([]rowViolationPayload, 0, len(validation.Violations))
	for _, violation := range validation.Violations {
		violations = append(violations, rowViolationPayload{
			RowIndex: violation.RowIndex,
			Field:    violation.Field,
			Rule:     violation.Rule,
			Message:  violation.Message,
		})
	}
	return validationPayload{
		Valid:       validation.Valid,
		Violations:  violations,
		RowsDropped: validation.RowsDropped,
	}
}

func writeOrderFormError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrOrderFormInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderFormNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("session_not_found", "order form session not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderFormConflict):
		httpx.WriteError(ctx, w, httpx.NewError("version_conflict", "session was modified concurrently", http.StatusConflict))
	case errors.Is(err, services.ErrOrderFormLastRow):
		httpx.WriteError(ctx, w, httpx.NewError("last_row", "a session must keep at least one row", http.StatusConflict))
	case errors.Is(err, services.ErrOrderFormDirty):
		httpx.WriteError(ctx, w, httpx.NewError("session_dirty", "session has unsaved changes", http.StatusConflict))
	case errors.Is(err, services.ErrOrderFormValidation):
		httpx.WriteError(ctx, w, httpx.NewError("validation_failed", err.Error(), http.StatusBadRequest))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_form_error", "failed to process order form request", http.StatusInternalServerError))
	}
}
