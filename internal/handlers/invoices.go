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

var validInvoiceStatuses = map[domain.InvoiceStatus]struct{}{
	domain.InvoiceStatusDraft:   {},
	domain.InvoiceStatusSent:    {},
	domain.InvoiceStatusPaid:    {},
	domain.InvoiceStatusOverdue: {},
	domain.InvoiceStatusVoid:    {},
}

// InvoiceHandlers exposes the customer billing endpoints.
type InvoiceHandlers struct {
	authn    *auth.Authenticator
	invoices services.InvoiceService
}

// NewInvoiceHandlers constructs an invoice handler set.
func NewInvoiceHandlers(authn *auth.Authenticator, invoices services.InvoiceService) *InvoiceHandlers {
	return &InvoiceHandlers{
		authn:    authn,
		invoices: invoices,
	}
}

// Routes registers the invoice endpoints beneath /invoices.
func (h *InvoiceHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Post("/", h.createInvoice)
	r.Post("/from-sale", h.generateFromSale)
	r.Get("/", h.listInvoices)
	r.Get("/{invoiceID}", h.getInvoice)
	r.Post("/{invoiceID}:pay", h.markPaid)
	r.Post("/{invoiceID}:void", h.voidInvoice)
}

type createInvoiceRequest struct {
	CustomerName    string            `json:"customer_name"`
	CustomerEmail   string            `json:"customer_email"`
	Lines           []saleLineRequest `json:"lines"`
	DiscountPercent int64             `json:"discount_percent"`
	DueAt           string            `json:"due_at"`
}

type generateInvoiceRequest struct {
	SaleID        string `json:"sale_id"`
	CustomerName  string `json:"customer_name"`
	CustomerEmail string `json:"customer_email"`
	DueAt         string `json:"due_at"`
}

type markInvoicePaidRequest struct {
	PaymentMethod string `json:"payment_method"`
	PaymentRef    string `json:"payment_ref"`
	PaidAt        string `json:"paid_at"`
}

func (h *InvoiceHandlers) createInvoice(w http.ResponseWriter, r *http.Request) {
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
	var req createInvoiceRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}

	cmd := services.CreateInvoiceCommand{
		CustomerName:    req.CustomerName,
		CustomerEmail:   req.CustomerEmail,
		Lines:           buildSaleLinesFromRequest(req.Lines),
		DiscountPercent: req.DiscountPercent,
		ActorRef:        identity.UID,
	}
	if raw := strings.TrimSpace(req.DueAt); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "due_at must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		cmd.DueAt = ts
	}

	invoice, err := h.invoices.CreateInvoice(ctx, cmd)
	if err != nil {
		writeInvoiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, invoiceResponse{Invoice: buildInvoicePayload(invoice)})
}

func (h *InvoiceHandlers) generateFromSale(w http.ResponseWriter, r *http.Request) {
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
	var req generateInvoiceRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}

	cmd := services.GenerateInvoiceCommand{
		SaleID:        strings.TrimSpace(req.SaleID),
		CustomerName:  req.CustomerName,
		CustomerEmail: req.CustomerEmail,
		ActorRef:      identity.UID,
	}
	if raw := strings.TrimSpace(req.DueAt); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "due_at must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		cmd.DueAt = ts
	}

	invoice, err := h.invoices.GenerateFromSale(ctx, cmd)
	if err != nil {
		writeInvoiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, invoiceResponse{Invoice: buildInvoicePayload(invoice)})
}

func (h *InvoiceHandlers) markPaid(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	invoiceID := strings.TrimSpace(chi.URLParam(r, "invoiceID"))
	if invoiceID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invoice id is required", http.StatusBadRequest))
		return
	}

	body, err := readLimitedBody(r, maxDocumentBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req markInvoicePaidRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}

	cmd := services.MarkInvoicePaidCommand{
		InvoiceID:     invoiceID,
		PaymentMethod: domain.PaymentMethod(strings.ToUpper(strings.TrimSpace(req.PaymentMethod))),
		PaymentRef:    strings.TrimSpace(req.PaymentRef),
		ActorRef:      identity.UID,
	}
	if raw := strings.TrimSpace(req.PaidAt); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "paid_at must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		cmd.PaidAt = &ts
	}

	invoice, err := h.invoices.MarkPaid(ctx, cmd)
	if err != nil {
		writeInvoiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, invoiceResponse{Invoice: buildInvoicePayload(invoice)})
}

func (h *InvoiceHandlers) voidInvoice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	invoiceID := strings.TrimSpace(chi.URLParam(r, "invoiceID"))
	if invoiceID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invoice id is required", http.StatusBadRequest))
		return
	}

	invoice, err := h.invoices.VoidInvoice(ctx, invoiceID, identity.UID)
	if err != nil {
		writeInvoiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, invoiceResponse{Invoice: buildInvoicePayload(invoice)})
}

func (h *InvoiceHandlers) getInvoice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.invoices == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "invoice service not available", http.StatusServiceUnavailable))
		return
	}

	invoiceID := strings.TrimSpace(chi.URLParam(r, "invoiceID"))
	if invoiceID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invoice id is required", http.StatusBadRequest))
		return
	}

	invoice, err := h.invoices.GetInvoice(ctx, invoiceID)
	if err != nil {
		writeInvoiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, invoiceResponse{Invoice: buildInvoicePayload(invoice)})
}

func (h *InvoiceHandlers) listInvoices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.invoices == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "invoice service not available", http.StatusServiceUnavailable))
		return
	}

	query := r.URL.Query()
	pagination, err := parseListPagination(query)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	filter := services.InvoiceListFilter{Pagination: pagination}
	for _, raw := range parseFilterValues(query["status"]) {
		status := domain.InvoiceStatus(raw)
		if _, ok := validInvoiceStatuses[status]; !ok {
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

	page, err := h.invoices.ListInvoices(ctx, filter)
	if err != nil {
		writeInvoiceError(ctx, w, err)
		return
	}

	invoices := make([]invoicePayload, 0, len(page.Items))
	for _, invoice := range page.Items {
		invoices = append(invoices, buildInvoicePayload(invoice))
	}
	writeJSONResponse(w, http.StatusOK, invoiceListResponse{
		Invoices:      invoices,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *InvoiceHandlers) requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	if h.invoices == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "invoice service not available", http.StatusServiceUnavailable))
		return nil, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

type invoiceResponse struct {
	Invoice invoicePayload `json:"invoice"`
}

type invoiceListResponse struct {
	Invoices      []invoicePayload `json:"invoices"`
	NextPageToken string           `json:"next_page_token,omitempty"`
}

type invoicePayload struct {
	ID            string            `json:"id"`
	Number        string            `json:"number"`
	SaleRef       string            `json:"sale_ref,omitempty"`
	CustomerName  string            `json:"customer_name"`
	CustomerEmail string            `json:"customer_email,omitempty"`
	Lines         []saleLinePayload `json:"lines"`
	Totals        totalsPayload     `json:"totals"`
	IssuedAt      string            `json:"issued_at"`
	DueAt         string            `json:"due_at"`
	PaidAt        string            `json:"paid_at,omitempty"`
	PaymentMethod string            `json:"payment_method,omitempty"`
	PaymentRef    string            `json:"payment_ref,omitempty"`
	Status        string            `json:"status"`
	CreatedAt     string            `json:"created_at"`
	UpdatedAt     string            `json:"updated_at,omitempty"`
}

func buildInvoicePayload(invoice domain.Invoice) invoicePayload {
	return invoicePayload{
		ID:            invoice.ID,
		Number:        invoice.Number,
		SaleRef:       invoice.SaleRef,
		CustomerName:  invoice.CustomerName,
		CustomerEmail: invoice.CustomerEmail,
		Lines:         buildSaleLinePayloads(invoice.Lines),
		Totals:        buildTotalsPayload(invoice.Totals),
		IssuedAt:      formatTime(invoice.IssuedAt),
		DueAt:         formatTime(invoice.DueAt),
		PaidAt:        formatTime(pointerTime(invoice.PaidAt)),
		PaymentMethod: string(invoice.PaymentMethod),
		PaymentRef:    invoice.PaymentRef,
		Status:        string(invoice.Status),
		CreatedAt:     formatTime(invoice.CreatedAt),
		UpdatedAt:     formatTime(invoice.UpdatedAt),
	}
}

func writeInvoiceError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrInvoiceInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrInvoiceNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("invoice_not_found", "invoice not found", http.StatusNotFound))
	case errors.Is(err, services.ErrSaleNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("sale_not_found", "sale not found", http.StatusNotFound))
	case errors.Is(err, services.ErrInvoiceInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("invoice_invalid_state", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invoice_error", "failed to process invoice request", http.StatusInternalServerError))
	}
}
