package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/stockroom/api/internal/domain"
	"github.com/stockroom/api/internal/platform/auth"
	"github.com/stockroom/api/internal/platform/httpx"
	"github.com/stockroom/api/internal/services"
)

const defaultSearchLimit = 10

// ItemHandlers exposes the catalog item endpoints.
type ItemHandlers struct {
	authn   *auth.Authenticator
	catalog services.CatalogService
}

// NewItemHandlers constructs an item handler set.
func NewItemHandlers(authn *auth.Authenticator, catalog services.CatalogService) *ItemHandlers {
	return &ItemHandlers{
		authn:   authn,
		catalog: catalog,
	}
}

// Routes registers the item endpoints beneath /items.
func (h *ItemHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Post("/", h.createItem)
	r.Get("/", h.listItems)
	r.Get("/search", h.searchItems)
	r.Post("/import", h.importItems)
	r.Get("/{itemID}", h.getItem)
	r.Put("/{itemID}", h.updateItem)
	r.Delete("/{itemID}", h.deleteItem)
}

type upsertItemRequest struct {
	SKU          string `json:"sku"`
	Barcode      string `json:"barcode"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	Category     string `json:"category"`
	UnitCost     int64  `json:"unit_cost"`
	UnitPrice    int64  `json:"unit_price"`
	ReorderLevel int    `json:"reorder_level"`
	VendorRef    string `json:"vendor_ref"`
	Active       *bool  `json:"active"`
}

func (h *ItemHandlers) createItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "catalog service not available", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	req, ok := decodeItemRequest(ctx, w, r)
	if !ok {
		return
	}

	item, err := h.catalog.CreateItem(ctx, buildItemCommand(req, identity.UID))
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, itemResponse{Item: buildItemPayload(item)})
}

func (h *ItemHandlers) updateItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "catalog service not available", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	itemID := strings.TrimSpace(chi.URLParam(r, "itemID"))
	if itemID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "item id is required", http.StatusBadRequest))
		return
	}

	req, ok := decodeItemRequest(ctx, w, r)
	if !ok {
		return
	}

	item, err := h.catalog.UpdateItem(ctx, itemID, buildItemCommand(req, identity.UID))
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, itemResponse{Item: buildItemPayload(item)})
}

func (h *ItemHandlers) deleteItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "catalog service not available", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	itemID := strings.TrimSpace(chi.URLParam(r, "itemID"))
	if itemID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "item id is required", http.StatusBadRequest))
		return
	}

	if err := h.catalog.DeleteItem(ctx, itemID, identity.UID); err != nil {
		writeCatalogError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ItemHandlers) getItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "catalog service not available", http.StatusServiceUnavailable))
		return
	}

	itemID := strings.TrimSpace(chi.URLParam(r, "itemID"))
	if itemID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "item id is required", http.StatusBadRequest))
		return
	}

	item, err := h.catalog.GetItem(ctx, itemID)
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, itemResponse{Item: buildItemPayload(item)})
}

func (h *ItemHandlers) listItems(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "catalog service not available", http.StatusServiceUnavailable))
		return
	}

	query := r.URL.Query()
	pagination, err := parseListPagination(query)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	filter := services.ItemListFilter{
		Category:   strings.TrimSpace(query.Get("category")),
		VendorRef:  strings.TrimSpace(query.Get("vendor")),
		ActiveOnly: parseBoolParam(query.Get("active_only")),
		Pagination: pagination,
	}
	if raw := strings.TrimSpace(query.Get("price_min")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "price_min must be an integer amount in cents", http.StatusBadRequest))
			return
		}
		filter.PriceRange.From = &value
	}
	if raw := strings.TrimSpace(query.Get("price_max")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "price_max must be an integer amount in cents", http.StatusBadRequest))
			return
		}
		filter.PriceRange.To = &value
	}

	page, err := h.catalog.ListItems(ctx, filter)
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}

	items := make([]itemPayload, 0, len(page.Items))
	for _, item := range page.Items {
		items = append(items, buildItemPayload(item))
	}
	writeJSONResponse(w, http.StatusOK, itemListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *ItemHandlers) searchItems(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "catalog service not available", http.StatusServiceUnavailable))
		return
	}

	query := r.URL.Query()
	limit := defaultSearchLimit
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "limit must be a positive integer", http.StatusBadRequest))
			return
		}
		limit = parsed
	}

	candidates, err := h.catalog.SearchItems(ctx, query.Get("q"), limit)
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, searchResponse{
		Candidates: buildLookupCandidatePayloads(candidates),
	})
}

func (h *ItemHandlers) importItems(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "catalog service not available", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	body, err := readLimitedBody(r, maxImportBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "import file exceeds allowed size", http.StatusRequestEntityTooLarge))
		case errors.Is(err, errEmptyBody):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "a CSV body is required", http.StatusBadRequest))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return
	}

	report, err := h.catalog.ImportItemsCSV(ctx, services.ImportItemsCommand{
		Reader:   bytes.NewReader(body),
		ActorRef: identity.UID,
	})
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}

	payload := importReportPayload{Imported: report.Imported}
	for _, rowErr := range report.Errors {
		payload.Errors = append(payload.Errors, importRowErrorPayload{
			Line:    rowErr.Line,
			Message: rowErr.Message,
		})
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

func decodeItemRequest(ctx context.Context, w http.ResponseWriter, r *http.Request) (upsertItemRequest, bool) {
	var req upsertItemRequest
	body, err := readLimitedBody(r, maxDocumentBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		case errors.Is(err, errEmptyBody):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return req, false
	}
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return req, false
	}
	return req, true
}

func buildItemCommand(req upsertItemRequest, actor string) services.UpsertItemCommand {
	return services.UpsertItemCommand{
		SKU:          req.SKU,
		Barcode:      req.Barcode,
		Name:         req.Name,
		Description:  req.Description,
		Category:     req.Category,
		UnitCost:     req.UnitCost,
		UnitPrice:    req.UnitPrice,
		ReorderLevel: req.ReorderLevel,
		VendorRef:    req.VendorRef,
		Active:       req.Active,
		ActorRef:     actor,
	}
}

type itemResponse struct {
	Item itemPayload `json:"item"`
}

type itemListResponse struct {
	Items         []itemPayload `json:"items"`
	NextPageToken string        `json:"next_page_token,omitempty"`
}

type searchResponse struct {
	Candidates []lookupCandidatePayload `json:"candidates"`
}

type importReportPayload struct {
	Imported int                     `json:"imported"`
	Errors   []importRowErrorPayload `json:"errors,omitempty"`
}

type importRowErrorPayload struct {
	Line    int    `json:"line"`
	Message string `json:"message"`
}

type itemPayload struct {
	ID           string `json:"id"`
	SKU          string `json:"sku"`
	Barcode      string `json:"barcode,omitempty"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	Category     string `json:"category,omitempty"`
	UnitCost     int64  `json:"unit_cost"`
	UnitPrice    int64  `json:"unit_price"`
	Margin       string `json:"margin"`
	ReorderLevel int    `json:"reorder_level"`
	VendorRef    string `json:"vendor_ref,omitempty"`
	Active       bool   `json:"active"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at,omitempty"`
}

func buildItemPayload(item domain.Item) itemPayload {
	return itemPayload{
		ID:           item.ID,
		SKU:          item.SKU,
		Barcode:      item.Barcode,
		Name:         item.Name,
		Description:  item.Description,
		Category:     item.Category,
		UnitCost:     item.UnitCost,
		UnitPrice:    item.UnitPrice,
		Margin:       services.Margin(item.UnitPrice, item.UnitCost),
		ReorderLevel: item.ReorderLevel,
		VendorRef:    item.VendorRef,
		Active:       item.Active,
		CreatedAt:    formatTime(item.CreatedAt),
		UpdatedAt:    formatTime(item.UpdatedAt),
	}
}

func parseBoolParam(raw string) bool {
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	return err == nil && value
}

func writeCatalogError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrCatalogInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCatalogItemNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("item_not_found", "item not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCatalogDuplicateSKU):
		httpx.WriteError(ctx, w, httpx.NewError("duplicate_sku", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("catalog_error", "failed to process catalog request", http.StatusInternalServerError))
	}
}
