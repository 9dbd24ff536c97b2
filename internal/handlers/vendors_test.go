package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/stockroom/api/internal/domain"
	"github.com/stockroom/api/internal/services"
)

type stubVendorService struct {
	createFn     func(ctx context.Context, cmd services.UpsertVendorCommand) (services.Vendor, error)
	updateFn     func(ctx context.Context, vendorID string, cmd services.UpsertVendorCommand) (services.Vendor, error)
	deactivateFn func(ctx context.Context, vendorID string, actorRef string) error
	getFn        func(ctx context.Context, vendorID string) (services.Vendor, error)
	listFn       func(ctx context.Context, filter services.VendorListFilter) (services.CursorPage[services.Vendor], error)
	searchFn     func(ctx context.Context, query string, limit int) ([]services.LookupCandidate, error)
}

func (s *stubVendorService) CreateVendor(ctx context.Context, cmd services.UpsertVendorCommand) (services.Vendor, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.Vendor{}, nil
}

func (s *stubVendorService) UpdateVendor(ctx context.Context, vendorID string, cmd services.UpsertVendorCommand) (services.Vendor, error) {
	if s.updateFn != nil {
		return s.updateFn(ctx, vendorID, cmd)
	}
	return services.Vendor{}, nil
}

func (s *stubVendorService) DeactivateVendor(ctx context.Context, vendorID string, actorRef string) error {
	if s.deactivateFn != nil {
		return s.deactivateFn(ctx, vendorID, actorRef)
	}
	return nil
}

func (s *stubVendorService) GetVendor(ctx context.Context, vendorID string) (services.Vendor, error) {
	if s.getFn != nil {
		return s.getFn(ctx, vendorID)
	}
	return services.Vendor{}, nil
}

func (s *stubVendorService) ListVendors(ctx context.Context, filter services.VendorListFilter) (services.CursorPage[services.Vendor], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return services.CursorPage[services.Vendor]{}, nil
}

func (s *stubVendorService) SearchVendors(ctx context.Context, query string, limit int) ([]services.LookupCandidate, error) {
	if s.searchFn != nil {
		return s.searchFn(ctx, query, limit)
	}
	return nil, nil
}

var _ services.VendorService = (*stubVendorService)(nil)

func newVendorRouter(svc services.VendorService) http.Handler {
	router := chi.NewRouter()
	router.Route("/vendors", NewVendorHandlers(nil, svc).Routes)
	return router
}

func TestVendorHandlersCreate_Success(t *testing.T) {
	now := time.Date(2024, 6, 5, 8, 0, 0, 0, time.UTC)
	var received services.UpsertVendorCommand
	svc := &stubVendorService{
		createFn: func(ctx context.Context, cmd services.UpsertVendorCommand) (services.Vendor, error) {
			received = cmd
			return services.Vendor{
				ID:            "ven_01",
				Number:        "V-0003",
				CompanyName:   cmd.CompanyName,
				PaymentTerms:  cmd.PaymentTerms,
				PaymentMethod: cmd.PaymentMethod,
				Active:        true,
				CreatedAt:     now,
			}, nil
		},
	}

	body := bytes.NewBufferString(`{"company_name":"Acme Supply","payment_terms":"net30","payment_method":"check","email":"orders@acme.example"}`)
	req := withTestIdentity(httptest.NewRequest(http.MethodPost, "/vendors/", body), "buyer-1")
	rr := httptest.NewRecorder()

	newVendorRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if received.CompanyName != "Acme Supply" {
		t.Fatalf("expected company Acme Supply, got %s", received.CompanyName)
	}
	if received.PaymentTerms != domain.PaymentTermsNet30 {
		t.Fatalf("expected NET30 terms, got %s", received.PaymentTerms)
	}
	if received.PaymentMethod != domain.PaymentMethodCheck {
		t.Fatalf("expected CHECK method, got %s", received.PaymentMethod)
	}

	var payload vendorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("expected JSON response: %v", err)
	}
	if payload.Vendor.Number != "V-0003" {
		t.Fatalf("expected vendor number V-0003, got %s", payload.Vendor.Number)
	}
}

func TestVendorHandlersGet_NotFound(t *testing.T) {
	svc := &stubVendorService{
		getFn: func(ctx context.Context, vendorID string) (services.Vendor, error) {
			return services.Vendor{}, services.ErrVendorNotFound
		},
	}

	req := withTestIdentity(httptest.NewRequest(http.MethodGet, "/vendors/ven_missing", nil), "buyer-1")
	rr := httptest.NewRecorder()

	newVendorRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestVendorHandlersDeactivate(t *testing.T) {
	var deactivated string
	svc := &stubVendorService{
		deactivateFn: func(ctx context.Context, vendorID string, actorRef string) error {
			deactivated = vendorID
			return nil
		},
	}

	req := withTestIdentity(httptest.NewRequest(http.MethodDelete, "/vendors/ven_01", nil), "buyer-1")
	rr := httptest.NewRecorder()

	newVendorRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d: %s", rr.Code, rr.Body.String())
	}
	if deactivated != "ven_01" {
		t.Fatalf("expected ven_01 deactivated, got %s", deactivated)
	}
}

func TestVendorHandlersSearch(t *testing.T) {
	svc := &stubVendorService{
		searchFn: func(ctx context.Context, query string, limit int) ([]services.LookupCandidate, error) {
			if query != "acme" {
				t.Fatalf("expected query acme, got %s", query)
			}
			return []services.LookupCandidate{{ID: "ven_01", DisplayName: "Acme Supply", Code: "V-0003"}}, nil
		},
	}

	req := withTestIdentity(httptest.NewRequest(http.MethodGet, "/vendors/search?q=acme", nil), "buyer-1")
	rr := httptest.NewRecorder()

	newVendorRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var payload struct {
		Candidates []lookupCandidatePayload `json:"candidates"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("expected JSON response: %v", err)
	}
	if len(payload.Candidates) != 1 || payload.Candidates[0].DisplayName != "Acme Supply" {
		t.Fatalf("unexpected candidates: %+v", payload.Candidates)
	}
}

func TestVendorHandlersList_ActiveOnly(t *testing.T) {
	var captured services.VendorListFilter
	svc := &stubVendorService{
		listFn: func(ctx context.Context, filter services.VendorListFilter) (services.CursorPage[services.Vendor], error) {
			captured = filter
			return services.CursorPage[services.Vendor]{}, nil
		},
	}

	req := withTestIdentity(httptest.NewRequest(http.MethodGet, "/vendors/?active_only=true", nil), "buyer-1")
	rr := httptest.NewRecorder()

	newVendorRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !captured.ActiveOnly {
		t.Fatal("expected active_only filter")
	}
}
