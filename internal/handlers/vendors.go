package handlers

import (
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

// VendorHandlers exposes the supplier directory endpoints.
type VendorHandlers struct {
	authn   *auth.Authenticator
	vendors services.VendorService
}

// NewVendorHandlers constructs a vendor handler set.
func NewVendorHandlers(authn *auth.Authenticator, vendors services.VendorService) *VendorHandlers {
	return &VendorHandlers{
		authn:   authn,
		vendors: vendors,
	}
}

// Routes registers the vendor endpoints beneath /vendors.
func (h *VendorHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Post("/", h.createVendor)
	r.Get("/", h.listVendors)
	r.Get("/search", h.searchVendors)
	r.Get("/{vendorID}", h.getVendor)
	r.Put("/{vendorID}", h.updateVendor)
	r.Delete("/{vendorID}", h.deactivateVendor)
}

type upsertVendorRequest struct {
	CompanyName   string `json:"company_name"`
	ContactName   string `json:"contact_name"`
	Email         string `json:"email"`
	Phone         string `json:"phone"`
	Address       string `json:"address"`
	PaymentTerms  string `json:"payment_terms"`
	PaymentMethod string `json:"payment_method"`
}

func (h *VendorHandlers) createVendor(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.vendors == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "vendor service not available", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	req, ok := decodeVendorRequest(ctx, w, r)
	if !ok {
		return
	}

	vendor, err := h.vendors.CreateVendor(ctx, buildVendorCommand(req, identity.UID))
	if err != nil {
		writeVendorError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, vendorResponse{Vendor: buildVendorPayload(vendor)})
}

func (h *VendorHandlers) updateVendor(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.vendors == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "vendor service not available", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	vendorID := strings.TrimSpace(chi.URLParam(r, "vendorID"))
	if vendorID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "vendor id is required", http.StatusBadRequest))
		return
	}

	req, ok := decodeVendorRequest(ctx, w, r)
	if !ok {
		return
	}

	vendor, err := h.vendors.UpdateVendor(ctx, vendorID, buildVendorCommand(req, identity.UID))
	if err != nil {
		writeVendorError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, vendorResponse{Vendor: buildVendorPayload(vendor)})
}

func (h *VendorHandlers) deactivateVendor(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.vendors == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "vendor service not available", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	vendorID := strings.TrimSpace(chi.URLParam(r, "vendorID"))
	if vendorID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "vendor id is required", http.StatusBadRequest))
		return
	}

	if err := h.vendors.DeactivateVendor(ctx, vendorID, identity.UID); err != nil {
		writeVendorError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *VendorHandlers) getVendor(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.vendors == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "vendor service not available", http.StatusServiceUnavailable))
		return
	}

	vendorID := strings.TrimSpace(chi.URLParam(r, "vendorID"))
	if vendorID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "vendor id is required", http.StatusBadRequest))
		return
	}

	vendor, err := h.vendors.GetVendor(ctx, vendorID)
	if err != nil {
		writeVendorError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, vendorResponse{Vendor: buildVendorPayload(vendor)})
}

func (h *VendorHandlers) listVendors(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.vendors == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "vendor service not available", http.StatusServiceUnavailable))
		return
	}

	query := r.URL.Query()
	pagination, err := parseListPagination(query)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.vendors.ListVendors(ctx, services.VendorListFilter{
		ActiveOnly: parseBoolParam(query.Get("active_only")),
		Pagination: pagination,
	})
	if err != nil {
		writeVendorError(ctx, w, err)
		return
	}

	vendors := make([]vendorPayload, 0, len(page.Items))
	for _, vendor := range page.Items {
		vendors = append(vendors, buildVendorPayload(vendor))
	}
	writeJSONResponse(w, http.StatusOK, vendorListResponse{
		Vendors:       vendors,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *VendorHandlers) searchVendors(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.vendors == nil {
		httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "vendor service not available", http.StatusServiceUnavailable))
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

	candidates, err := h.vendors.SearchVendors(ctx, query.Get("q"), limit)
	if err != nil {
		writeVendorError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, searchResponse{
		Candidates: buildLookupCandidatePayloads(candidates),
	})
}

func decodeVendorRequest(ctx context.Context, w http.ResponseWriter, r *http.Request) (upsertVendorRequest, bool) {
	var req upsertVendorRequest
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

func buildVendorCommand(req upsertVendorRequest, actor string) services.UpsertVendorCommand {
	return services.UpsertVendorCommand{
		CompanyName:   req.CompanyName,
		ContactName:   req.ContactName,
		Email:         req.Email,
		Phone:         req.Phone,
		Address:       req.Address,
		PaymentTerms:  domain.PaymentTerms(strings.ToUpper(strings.TrimSpace(req.PaymentTerms))),
		PaymentMethod: domain.PaymentMethod(strings.ToUpper(strings.TrimSpace(req.PaymentMethod))),
		ActorRef:      actor,
	}
}

type vendorResponse struct {
	Vendor vendorPayload `json:"vendor"`
}

type vendorListResponse struct {
	Vendors       []vendorPayload `json:"vendors"`
	NextPageToken string          `json:"next_page_token,omitempty"`
}

type vendorPayload struct {
	ID            string `json:"id"`
	Number        string `json:"number"`
	CompanyName   string `json:"company_name"`
	ContactName   string `json:"contact_name,omitempty"`
	Email         string `json:"email,omitempty"`
	Phone         string `json:"phone,omitempty"`
	Address       string `json:"address,omitempty"`
	PaymentTerms  string `json:"payment_terms"`
	PaymentMethod string `json:"payment_method"`
	Active        bool   `json:"active"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at,omitempty"`
}

func buildVendorPayload(vendor domain.Vendor) vendorPayload {
	return vendorPayload{
		ID:            vendor.ID,
		Number:        vendor.Number,
		CompanyName:   vendor.CompanyName,
		ContactName:   vendor.ContactName,
		Email:         vendor.Email,
		Phone:         vendor.Phone,
		Address:       vendor.Address,
		PaymentTerms:  string(vendor.PaymentTerms),
		PaymentMethod: string(vendor.PaymentMethod),
		Active:        vendor.Active,
		CreatedAt:     formatTime(vendor.CreatedAt),
		UpdatedAt:     formatTime(vendor.UpdatedAt),
	}
}

func writeVendorError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrVendorInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrVendorNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("vendor_not_found", "vendor not found", http.StatusNotFound))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("vendor_error", "failed to process vendor request", http.StatusInternalServerError))
	}
}
