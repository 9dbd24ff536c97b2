package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/stockroom/api/internal/domain"
	"github.com/stockroom/api/internal/repositories"
)

type stubVendorRepository struct {
	insertFn   func(ctx context.Context, vendor domain.Vendor) error
	updateFn   func(ctx context.Context, vendor domain.Vendor) error
	findByIDFn func(ctx context.Context, vendorID string) (domain.Vendor, error)
	listFn     func(ctx context.Context, filter repositories.VendorFilter) (domain.CursorPage[domain.Vendor], error)
	searchFn   func(ctx context.Context, folded string, limit int) ([]domain.Vendor, error)
}

func (s *stubVendorRepository) Insert(ctx context.Context, vendor domain.Vendor) error {
	if s.insertFn != nil {
		return s.insertFn(ctx, vendor)
	}
	return nil
}

func (s *stubVendorRepository) Update(ctx context.Context, vendor domain.Vendor) error {
	if s.updateFn != nil {
		return s.updateFn(ctx, vendor)
	}
	return nil
}

func (s *stubVendorRepository) FindByID(ctx context.Context, vendorID string) (domain.Vendor, error) {
	if s.findByIDFn != nil {
		return s.findByIDFn(ctx, vendorID)
	}
	return domain.Vendor{}, stubRepositoryError{notFound: true}
}

func (s *stubVendorRepository) List(ctx context.Context, filter repositories.VendorFilter) (domain.CursorPage[domain.Vendor], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[domain.Vendor]{}, nil
}

func (s *stubVendorRepository) Search(ctx context.Context, folded string, limit int) ([]domain.Vendor, error) {
	if s.searchFn != nil {
		return s.searchFn(ctx, folded, limit)
	}
	return nil, nil
}

type stubCounterService struct {
	nextFn       func(ctx context.Context, scope, name string, opts CounterGenerationOptions) (CounterValue, error)
	nextNumberFn func(ctx context.Context, prefix string) (string, error)
}

func (s *stubCounterService) Next(ctx context.Context, scope, name string, opts CounterGenerationOptions) (CounterValue, error) {
	if s.nextFn != nil {
		return s.nextFn(ctx, scope, name, opts)
	}
	return CounterValue{}, nil
}

func (s *stubCounterService) NextDocumentNumber(ctx context.Context, prefix string) (string, error) {
	if s.nextNumberFn != nil {
		return s.nextNumberFn(ctx, prefix)
	}
	return prefix + "-0001", nil
}

func newVendorForTest(t *testing.T, repo *stubVendorRepository, audit AuditLogService) VendorService {
	t.Helper()
	svc, err := NewVendorService(VendorServiceDeps{
		Vendors:  repo,
		Counters: &stubCounterService{},
		Audit:    audit,
		Clock: func() time.Time {
			return time.Date(2024, time.June, 10, 9, 30, 0, 0, time.UTC)
		},
		IDGenerator: func() string { return "ven_TEST" },
	})
	if err != nil {
		t.Fatalf("NewVendorService: %v", err)
	}
	return svc
}

func TestVendorServiceCreateVendor(t *testing.T) {
	var inserted domain.Vendor
	repo := &stubVendorRepository{
		insertFn: func(_ context.Context, vendor domain.Vendor) error {
			inserted = vendor
			return nil
		},
	}
	audit := &captureAuditService{}
	svc := newVendorForTest(t, repo, audit)

	vendor, err := svc.CreateVendor(context.Background(), UpsertVendorCommand{
		CompanyName: "  Acme Supply <b>Co</b>  ",
		ContactName: "Pat Jones",
		Email:       "pat@acme.example",
		ActorRef:    "users/u1",
	})
	if err != nil {
		t.Fatalf("CreateVendor: %v", err)
	}
	if vendor.ID != "ven_TEST" {
		t.Fatalf("unexpected id %q", vendor.ID)
	}
	if vendor.Number != "VEN-0001" {
		t.Fatalf("unexpected number %q", vendor.Number)
	}
	if vendor.CompanyName != "Acme Supply Co" {
		t.Fatalf("company name not sanitized: %q", vendor.CompanyName)
	}
	if vendor.PaymentTerms != domain.PaymentTermsNet30 {
		t.Fatalf("expected NET30 default, got %q", vendor.PaymentTerms)
	}
	if vendor.PaymentMethod != domain.PaymentMethodCheck {
		t.Fatalf("expected CHECK default, got %q", vendor.PaymentMethod)
	}
	if !vendor.Active {
		t.Fatalf("new vendor should be active")
	}
	if inserted.ID != vendor.ID {
		t.Fatalf("insert not invoked with built vendor")
	}
	if len(audit.records) != 1 || audit.records[0].Action != "vendor.create" {
		t.Fatalf("expected vendor.create audit record, got %+v", audit.records)
	}
}

func TestVendorServiceCreateVendorValidation(t *testing.T) {
	svc := newVendorForTest(t, &stubVendorRepository{}, nil)

	cases := []struct {
		name string
		cmd  UpsertVendorCommand
	}{
		{"missing company name", UpsertVendorCommand{Email: "a@b.example"}},
		{"bad email", UpsertVendorCommand{CompanyName: "Acme", Email: "not-an-email"}},
		{"bad terms", UpsertVendorCommand{CompanyName: "Acme", PaymentTerms: "NET31"}},
		{"bad method", UpsertVendorCommand{CompanyName: "Acme", PaymentMethod: "BARTER"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.CreateVendor(context.Background(), tc.cmd); !errors.Is(err, ErrVendorInvalidInput) {
				t.Fatalf("expected ErrVendorInvalidInput, got %v", err)
			}
		})
	}
}

func TestVendorServiceUpdateVendorPreservesNumberAndActive(t *testing.T) {
	created := time.Date(2023, time.March, 1, 0, 0, 0, 0, time.UTC)
	var updated domain.Vendor
	repo := &stubVendorRepository{
		findByIDFn: func(_ context.Context, vendorID string) (domain.Vendor, error) {
			return domain.Vendor{
				ID:            vendorID,
				Number:        "VEN-0042",
				CompanyName:   "Acme",
				PaymentTerms:  domain.PaymentTermsNet30,
				PaymentMethod: domain.PaymentMethodCheck,
				Active:        false,
				CreatedAt:     created,
			}, nil
		},
		updateFn: func(_ context.Context, vendor domain.Vendor) error {
			updated = vendor
			return nil
		},
	}
	svc := newVendorForTest(t, repo, nil)

	vendor, err := svc.UpdateVendor(context.Background(), "ven_1", UpsertVendorCommand{
		CompanyName:  "Acme Supply",
		PaymentTerms: domain.PaymentTermsNet60,
	})
	if err != nil {
		t.Fatalf("UpdateVendor: %v", err)
	}
	if vendor.Number != "VEN-0042" {
		t.Fatalf("number must not change on update, got %q", vendor.Number)
	}
	if vendor.Active {
		t.Fatalf("active flag must carry over")
	}
	if !vendor.CreatedAt.Equal(created) {
		t.Fatalf("CreatedAt overwritten: %v", vendor.CreatedAt)
	}
	if updated.CompanyName != "Acme Supply" || updated.PaymentTerms != domain.PaymentTermsNet60 {
		t.Fatalf("update not persisted: %+v", updated)
	}
}

func TestVendorServiceDeactivateVendor(t *testing.T) {
	var updated domain.Vendor
	repo := &stubVendorRepository{
		findByIDFn: func(_ context.Context, vendorID string) (domain.Vendor, error) {
			return domain.Vendor{ID: vendorID, Number: "VEN-0001", Active: true}, nil
		},
		updateFn: func(_ context.Context, vendor domain.Vendor) error {
			updated = vendor
			return nil
		},
	}
	svc := newVendorForTest(t, repo, nil)

	if err := svc.DeactivateVendor(context.Background(), "ven_1", "users/u1"); err != nil {
		t.Fatalf("DeactivateVendor: %v", err)
	}
	if updated.Active {
		t.Fatalf("vendor should be deactivated")
	}
}

func TestVendorServiceDeactivateVendorNotFound(t *testing.T) {
	svc := newVendorForTest(t, &stubVendorRepository{}, nil)

	if err := svc.DeactivateVendor(context.Background(), "ven_missing", "users/u1"); !errors.Is(err, ErrVendorNotFound) {
		t.Fatalf("expected ErrVendorNotFound, got %v", err)
	}
}

func TestVendorServiceSearchVendors(t *testing.T) {
	repo := &stubVendorRepository{
		searchFn: func(_ context.Context, folded string, limit int) ([]domain.Vendor, error) {
			if folded != "acme" {
				t.Fatalf("query not folded: %q", folded)
			}
			return []domain.Vendor{
				{ID: "ven_1", Number: "VEN-0001", CompanyName: "Acme Supply"},
			}, nil
		},
	}
	svc := newVendorForTest(t, repo, nil)

	candidates, err := svc.SearchVendors(context.Background(), " Acme ", 5)
	if err != nil {
		t.Fatalf("SearchVendors: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected one candidate, got %d", len(candidates))
	}
	got := candidates[0]
	if got.ID != "ven_1" || got.DisplayName != "Acme Supply" || got.Code != "VEN-0001" {
		t.Fatalf("unexpected candidate: %+v", got)
	}
}
