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

var validQuoteStatuses = map[domain.QuoteStatus]struct{}{
	domain.QuoteStatusDraft:    {},
	domain.QuoteStatusSent:     {},
	domain.QuoteStatusAccepted: {},
	domain.QuoteStatusRejected: {},
	domain.QuoteStatusExpired:  {},
}

// QuoteHandlers exposes the customer quotation endpoints.
type QuoteHandlers struct {
	authn  *auth.Authenticator
	quotes services.QuoteService
}

// NewQuoteHandlers constructs a quote handler set.
func NewQuoteHandlers(authn *auth.Authenticator, quotes services.QuoteService) *QuoteHandlers {
	return &QuoteHandlers{
		authn:  authn,
		quotes: quotes,
	}
}

// Routes registers the quote endpoints beneath /quotes.
func (h *QuoteHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Post("/", h.createQuote)
	r.Get("/", h.listQuotes)
	r.Get("/{quoteID}", h.getQuote)
	r.Post("/{quoteID}:send", h.sendQuote)
	r.Post("/{quoteID}:accept", h.acceptQuote)
	r.Post("/{quoteID}:reject", h.rejectQuote)
}

type createQuoteRequest struct {
	CustomerName    string            `json:"customer_name"`
	CustomerEmail   string            `json:"customer_email"`
	Lines           []saleLineRequest `json:"lines"`
	DiscountPercent int64             `json:"discount_percent"`
	ExpiresAt       string            `json:"expires_at"`
}

func (h *QuoteHandlers) createQuote(w http.ResponseWriter, r *http.Request) {
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
	var req createQuoteRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}

	cmd := services.CreateQuoteCommand{
		CustomerName:    req.CustomerName,
		CustomerEmail:   req.CustomerEmail,
		Lines:           buildSaleLinesFromRequest(req.Lines),
		DiscountPercent: req.DiscountPercent,
		ActorRef:        identity.UID,
	}
	if raw := strings.TrimSpace(req.ExpiresAt); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "expires_at must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		cmd.ExpiresAt = ts
	}

	quote, err := h.quotes.CreateQuote(ctx, cmd)
	if err != nil {
		writeQuoteError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, quoteResponse{Quote: buildQuotePayload(quote)})
}

func (h *QuoteHandlers) sendQuote(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.quotesSend)
}

func (h *QuoteHandlers) rejectQuote(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.quotesReject)
}

func (h *QuoteHandlers) quotesSend(ctx context.Context, quoteID, actorRef string) (services.Quote, error) {
	return h.quotes.SendQuote(ctx, quoteID, actorRef)
}

func (h *QuoteHandlers) quotesReject(ctx context.Context, quoteID, actorRef string) (services.Quote, error) {
	return h.quotes.RejectQuote(ctx, quoteID, actorRef)
}

func (h *QuoteHandlers) transition(w http.ResponseWriter, r *http.Request, fn func(context.Context, string, string) (services.Quote, error)) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	quoteID := strings.TrimSpace(chi.URLParam(r, "quoteID"))
	if quoteID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "quote id is required", http.StatusBadRequest))
		return
	}

	quote, err := fn(ctx, quoteID, identity.UID)
	if err != nil {
		writeQuoteError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, quoteResponse{Quote: buildQuotePayload(quote)})
}

func (h *QuoteHandlers) acceptQuote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	quoteID := strings.TrimSpace(chi.URLParam(r, "quoteID"))
	if quoteID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "quote id is required", http.StatusBadRequest))
		return
	}

	acceptance, err := h.quotes.AcceptQuote(ctx, quoteID, identity.UID)
	if err != nil {
		writeQuoteError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, quoteAcceptanceResponse{
		Quote:     buildQuotePayload(acceptance.Quote),
		SessionID: acceptance.SessionID,
	})
}

func (h *QuoteHandlers) getQuote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.quotes == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "quote service not available", http.StatusServiceUnavailable))
		return
	}

	quoteID := strings.TrimSpace(chi.URLParam(r, "quoteID"))
	if quoteID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "quote id is required", http.StatusBadRequest))
		return
	}

	quote, err := h.quotes.GetQuote(ctx, quoteID)
	if err != nil {
		writeQuoteError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, quoteResponse{Quote: buildQuotePayload(quote)})
}

func (h *QuoteHandlers) listQuotes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.quotes == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "quote service not available", http.StatusServiceUnavailable))
		return
	}

	query := r.URL.Query()
	pagination, err := parseListPagination(query)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	filter := services.QuoteListFilter{Pagination: pagination}
	for _, raw := range parseFilterValues(query["status"]) {
		status := domain.QuoteStatus(raw)
		if _, ok := validQuoteStatuses[status]; !ok {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status filter contains an unknown value", http.StatusBadRequest))
			return
		}
		filter.Status = append(filter.Status, status)
	}

	page, err := h.quotes.ListQuotes(ctx, filter)
	if err != nil {
		writeQuoteError(ctx, w, err)
		return
	}

	quotes := make([]quotePayload, 0, len(page.Items))
	for _, quote := range page.Items {
		quotes = append(quotes, buildQuotePayload(quote))
	}
	writeJSONResponse(w, http.StatusOK, quoteListResponse{
		Quotes:        quotes,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *QuoteHandlers) requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	if h.quotes == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "quote service not available", http.StatusServiceUnavailable))
		return nil, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

type quoteResponse struct {
	Quote quotePayload `json:"quote"`
}

type quoteAcceptanceResponse struct {
	Quote     quotePayload `json:"quote"`
	SessionID string       `json:"session_id"`
}

type quoteListResponse struct {
	Quotes        []quotePayload `json:"quotes"`
	NextPageToken string         `json:"next_page_token,omitempty"`
}

type quotePayload struct {
	ID            string            `json:"id"`
	Number        string            `json:"number"`
	CustomerName  string            `json:"customer_name"`
	CustomerEmail string            `json:"customer_email,omitempty"`
	Lines         []saleLinePayload `json:"lines"`
	Totals        totalsPayload     `json:"totals"`
	ExpiresAt     string            `json:"expires_at"`
	Status        string            `json:"status"`
	CreatedAt     string            `json:"created_at"`
	UpdatedAt     string            `json:"updated_at,omitempty"`
}

func buildQuotePayload(quote domain.Quote) quotePayload {
	return quotePayload{
		ID:            quote.ID,
		Number:        quote.Number,
		CustomerName:  quote.CustomerName,
		CustomerEmail: quote.CustomerEmail,
		Lines:         buildSaleLinePayloads(quote.Lines),
		Totals:        buildTotalsPayload(quote.Totals),
		ExpiresAt:     formatTime(quote.ExpiresAt),
		Status:        string(quote.Status),
		CreatedAt:     formatTime(quote.CreatedAt),
		UpdatedAt:     formatTime(quote.UpdatedAt),
	}
}

func writeQuoteError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrQuoteInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrQuoteNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("quote_not_found", "quote not found", http.StatusNotFound))
	case errors.Is(err, services.ErrQuoteExpired):
		httpx.WriteError(ctx, w, httpx.NewError("quote_expired", "quote has expired", http.StatusConflict))
	case errors.Is(err, services.ErrQuoteInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("quote_invalid_state", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("quote_error", "failed to process quote request", http.StatusInternalServerError))
	}
}
