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

const idempotencyKeyHeader = "Idempotency-Key"

var validSaleStatuses = map[domain.SaleStatus]struct{}{
	domain.SaleStatusCompleted:         {},
	domain.SaleStatusRefunded:          {},
	domain.SaleStatusPartiallyRefunded: {},
}

// SaleHandlers exposes the point-of-sale checkout and sales history endpoints.
type SaleHandlers struct {
	authn *auth.Authenticator
	sales services.SaleService
}

// NewSaleHandlers constructs a sale handler set.
func NewSaleHandlers(authn *auth.Authenticator, sales services.SaleService) *SaleHandlers {
	return &SaleHandlers{
		authn: authn,
		sales: sales,
	}
}

// Routes registers the sale endpoints beneath /sales.
func (h *SaleHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Post("/checkout", h.checkout)
	r.Get("/", h.listSales)
	r.Get("/{saleID}", h.getSale)
}

type checkoutRequest struct {
	Lines           []checkoutLineRequest `json:"lines"`
	DiscountPercent int64                 `json:"discount_percent"`
	PaymentMethod   string                `json:"payment_method"`
	PaymentToken    string                `json:"payment_token"`
	IdempotencyKey  string                `json:"idempotency_key"`
}

type checkoutLineRequest struct {
	ItemRef   string `json:"item_ref"`
	Quantity  int    `json:"quantity"`
	UnitPrice *int64 `json:"unit_price"`
}

func (h *SaleHandlers) checkout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.sales == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "sale service not available", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	body, err := readLimitedBody(r, maxDocumentBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req checkoutRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}

	idempotencyKey := strings.TrimSpace(req.IdempotencyKey)
	if idempotencyKey == "" {
		idempotencyKey = strings.TrimSpace(r.Header.Get(idempotencyKeyHeader))
	}

	cmd := services.CheckoutCommand{
		CashierRef:      identity.UID,
		DiscountPercent: req.DiscountPercent,
		PaymentMethod:   domain.PaymentMethod(strings.ToUpper(strings.TrimSpace(req.PaymentMethod))),
		PaymentToken:    strings.TrimSpace(req.PaymentToken),
		IdempotencyKey:  idempotencyKey,
	}
	for _, line := range req.Lines {
		cmd.Lines = append(cmd.Lines, services.CheckoutLine{
			ItemRef:   strings.TrimSpace(line.ItemRef),
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
		})
	}

	sale, err := h.sales.Checkout(ctx, cmd)
	if err != nil {
		writeSaleError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, saleResponse{Sale: buildSalePayload(sale)})
}

func (h *SaleHandlers) getSale(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.sales == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "sale service not available", http.StatusServiceUnavailable))
		return
	}

	saleID := strings.TrimSpace(chi.URLParam(r, "saleID"))
	if saleID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "sale id is required", http.StatusBadRequest))
		return
	}

	sale, err := h.sales.GetSale(ctx, saleID)
	if err != nil {
		writeSaleError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, saleResponse{Sale: buildSalePayload(sale)})
}

func (h *SaleHandlers) listSales(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.sales == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "sale service not available", http.StatusServiceUnavailable))
		return
	}

	query := r.URL.Query()
	pagination, err := parseListPagination(query)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	filter := services.SaleListFilter{
		CashierRef: strings.TrimSpace(query.Get("cashier")),
		Pagination: pagination,
	}
	for _, raw := range parseFilterValues(query["status"]) {
		status := domain.SaleStatus(raw)
		if _, ok := validSaleStatuses[status]; !ok {
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

	page, err := h.sales.ListSales(ctx, filter)
	if err != nil {
		writeSaleError(ctx, w, err)
		return
	}

	sales := make([]salePayload, 0, len(page.Items))
	for _, sale := range page.Items {
		sales = append(sales, buildSalePayload(sale))
	}
	writeJSONResponse(w, http.StatusOK, saleListResponse{
		Sales:         sales,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

type saleResponse struct {
	Sale salePayload `json:"sale"`
}

type saleListResponse struct {
	Sales         []salePayload `json:"sales"`
	NextPageToken string        `json:"next_page_token,omitempty"`
}

type salePayload struct {
	ID            string            `json:"id"`
	Number        string            `json:"number"`
	CashierRef    string            `json:"cashier_ref"`
	Lines         []saleLinePayload `json:"lines"`
	Totals        totalsPayload     `json:"totals"`
	PaymentMethod string            `json:"payment_method"`
	PaymentRef    string            `json:"payment_ref,omitempty"`
	Status        string            `json:"status"`
	RefundedTotal int64             `json:"refunded_total,omitempty"`
	SoldAt        string            `json:"sold_at"`
	CreatedAt     string            `json:"created_at"`
	UpdatedAt     string            `json:"updated_at,omitempty"`
}

func buildSalePayload(sale domain.Sale) salePayload {
	return salePayload{
		ID:            sale.ID,
		Number:        sale.Number,
		CashierRef:    sale.CashierRef,
		Lines:         buildSaleLinePayloads(sale.Lines),
		Totals:        buildTotalsPayload(sale.Totals),
		PaymentMethod: string(sale.PaymentMethod),
		PaymentRef:    sale.PaymentRef,
		Status:        string(sale.Status),
		RefundedTotal: sale.RefundedTotal,
		SoldAt:        formatTime(sale.SoldAt),
		CreatedAt:     formatTime(sale.CreatedAt),
		UpdatedAt:     formatTime(sale.UpdatedAt),
	}
}

func writeSaleError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrSaleInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrSaleNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("sale_not_found", "sale not found", http.StatusNotFound))
	case errors.Is(err, services.ErrSaleItemInactive):
		httpx.WriteError(ctx, w, httpx.NewError("item_inactive", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrSaleInsufficientStock):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrSalePaymentFailed):
		httpx.WriteError(ctx, w, httpx.NewError("payment_failed", err.Error(), http.StatusPaymentRequired))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("sale_error", "failed to process sale request", http.StatusInternalServerError))
	}
}
