package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	domain "github.com/stockroom/api/internal/domain"
	"github.com/stockroom/api/internal/platform/textutil"
	"github.com/stockroom/api/internal/repositories"
)

var (
	// ErrVendorInvalidInput indicates the caller supplied invalid vendor fields.
	ErrVendorInvalidInput = errors.New("vendor service: invalid input")
	// ErrVendorNotFound indicates the requested vendor does not exist.
	ErrVendorNotFound = errors.New("vendor service: vendor not found")
)

var validPaymentTerms = map[domain.PaymentTerms]struct{}{
	domain.PaymentTermsNet7:    {},
	domain.PaymentTermsNet15:   {},
	domain.PaymentTermsNet30:   {},
	domain.PaymentTermsNet45:   {},
	domain.PaymentTermsNet60:   {},
	domain.PaymentTermsNet90:   {},
	domain.PaymentTermsCOD:     {},
	domain.PaymentTermsPrepaid: {},
}

var validPaymentMethods = map[domain.PaymentMethod]struct{}{
	domain.PaymentMethodCash:   {},
	domain.PaymentMethodCredit: {},
	domain.PaymentMethodCheck:  {},
	domain.PaymentMethodBank:   {},
	domain.PaymentMethodOther:  {},
}

// VendorServiceDeps bundles constructor inputs for the vendor service.
type VendorServiceDeps struct {
	Vendors     repositories.VendorRepository
	Counters    CounterService
	Audit       AuditLogService
	Clock       func() time.Time
	IDGenerator func() string
	SearchLimit int
}

type vendorService struct {
	vendors     repositories.VendorRepository
	counters    CounterService
	audit       AuditLogService
	clock       func() time.Time
	newID       func() string
	sanitize    func(string) string
	searchLimit int
}

// NewVendorService constructs the vendor service with the supplied dependencies.
func NewVendorService(deps VendorServiceDeps) (VendorService, error) {
	if deps.Vendors == nil {
		return nil, errors.New("vendor service: vendor repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("vendor service: counter service is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return "ven_" + ulid.Make().String()
		}
	}
	searchLimit := deps.SearchLimit
	if searchLimit <= 0 {
		searchLimit = defaultCatalogSearchLimit
	}
	if searchLimit > maxCatalogSearchLimit {
		searchLimit = maxCatalogSearchLimit
	}

	policy := bluemonday.StrictPolicy()
	return &vendorService{
		vendors:  deps.Vendors,
		counters: deps.Counters,
		audit:    deps.Audit,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID: idGen,
		sanitize: func(value string) string {
			return strings.TrimSpace(policy.Sanitize(value))
		},
		searchLimit: searchLimit,
	}, nil
}

func (s *vendorService) CreateVendor(ctx context.Context, cmd UpsertVendorCommand) (Vendor, error) {
	vendor, err := s.buildVendor(cmd)
	if err != nil {
		return Vendor{}, err
	}

	number, err := s.counters.NextDocumentNumber(ctx, "VEN")
	if err != nil {
		return Vendor{}, fmt.Errorf("vendor service: allocate number: %w", err)
	}

	now := s.clock()
	vendor.ID = s.newID()
	vendor.Number = number
	vendor.Active = true
	vendor.CreatedAt = now
	vendor.UpdatedAt = now

	if err := s.vendors.Insert(ctx, vendor); err != nil {
		return Vendor{}, err
	}

	s.recordAudit(ctx, cmd.ActorRef, "vendor.create", vendor.ID, map[string]any{"number": vendor.Number})
	return vendor, nil
}

func (s *vendorService) UpdateVendor(ctx context.Context, vendorID string, cmd UpsertVendorCommand) (Vendor, error) {
	vendorID = strings.TrimSpace(vendorID)
	if vendorID == "" {
		return Vendor{}, fmt.Errorf("%w: vendor id is required", ErrVendorInvalidInput)
	}

	existing, err := s.vendors.FindByID(ctx, vendorID)
	if err != nil {
		if isRepoNotFound(err) {
			return Vendor{}, ErrVendorNotFound
		}
		return Vendor{}, err
	}

	updated, err := s.buildVendor(cmd)
	if err != nil {
		return Vendor{}, err
	}

	updated.ID = existing.ID
	updated.Number = existing.Number
	updated.Active = existing.Active
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = s.clock()

	if err := s.vendors.Update(ctx, updated); err != nil {
		return Vendor{}, err
	}

	s.recordAudit(ctx, cmd.ActorRef, "vendor.update", updated.ID, map[string]any{"number": updated.Number})
	return updated, nil
}

// DeactivateVendor hides the vendor from new purchase orders without touching
// historical documents.
func (s *vendorService) DeactivateVendor(ctx context.Context, vendorID string, actorRef string) error {
	vendorID = strings.TrimSpace(vendorID)
	if vendorID == "" {
		return fmt.Errorf("%w: vendor id is required", ErrVendorInvalidInput)
	}

	vendor, err := s.vendors.FindByID(ctx, vendorID)
	if err != nil {
		if isRepoNotFound(err) {
			return ErrVendorNotFound
		}
		return err
	}
	if !vendor.Active {
		return nil
	}

	vendor.Active = false
	vendor.UpdatedAt = s.clock()
	if err := s.vendors.Update(ctx, vendor); err != nil {
		return err
	}

	s.recordAudit(ctx, actorRef, "vendor.deactivate", vendor.ID, map[string]any{"number": vendor.Number})
	return nil
}

func (s *vendorService) GetVendor(ctx context.Context, vendorID string) (Vendor, error) {
	vendorID = strings.TrimSpace(vendorID)
	if vendorID == "" {
		return Vendor{}, fmt.Errorf("%w: vendor id is required", ErrVendorInvalidInput)
	}
	vendor, err := s.vendors.FindByID(ctx, vendorID)
	if err != nil {
		if isRepoNotFound(err) {
			return Vendor{}, ErrVendorNotFound
		}
		return Vendor{}, err
	}
	return vendor, nil
}

func (s *vendorService) ListVendors(ctx context.Context, filter VendorListFilter) (CursorPage[Vendor], error) {
	return s.vendors.List(ctx, repositories.VendorFilter{
		ActiveOnly: filter.ActiveOnly,
		Pagination: filter.Pagination,
	})
}

// SearchVendors serves the vendor lookup on purchase order forms. The
// candidate code carries the vendor number since vendors have no SKU.
func (s *vendorService) SearchVendors(ctx context.Context, query string, limit int) ([]LookupCandidate, error) {
	folded := textutil.FoldForSearch(query)
	if folded == "" {
		return nil, nil
	}
	if limit <= 0 || limit > s.searchLimit {
		limit = s.searchLimit
	}

	vendors, err := s.vendors.Search(ctx, folded, limit)
	if err != nil {
		return nil, err
	}

	candidates := make([]LookupCandidate, 0, len(vendors))
	for _, vendor := range vendors {
		candidates = append(candidates, LookupCandidate{
			ID:          vendor.ID,
			DisplayName: vendor.CompanyName,
			Code:        vendor.Number,
		})
	}
	return candidates, nil
}

func (s *vendorService) buildVendor(cmd UpsertVendorCommand) (Vendor, error) {
	companyName := s.sanitize(cmd.CompanyName)
	if companyName == "" {
		return Vendor{}, fmt.Errorf("%w: company name is required", ErrVendorInvalidInput)
	}

	email := strings.TrimSpace(cmd.Email)
	if email != "" {
		if _, err := mail.ParseAddress(email); err != nil {
			return Vendor{}, fmt.Errorf("%w: invalid email %q", ErrVendorInvalidInput, email)
		}
	}

	terms := cmd.PaymentTerms
	if terms == "" {
		terms = domain.PaymentTermsNet30
	}
	if _, ok := validPaymentTerms[terms]; !ok {
		return Vendor{}, fmt.Errorf("%w: unknown payment terms %q", ErrVendorInvalidInput, terms)
	}

	method := cmd.PaymentMethod
	if method == "" {
		method = domain.PaymentMethodCheck
	}
	if _, ok := validPaymentMethods[method]; !ok {
		return Vendor{}, fmt.Errorf("%w: unknown payment method %q", ErrVendorInvalidInput, method)
	}

	return Vendor{
		CompanyName:   companyName,
		ContactName:   s.sanitize(cmd.ContactName),
		Email:         email,
		Phone:         strings.TrimSpace(cmd.Phone),
		Address:       s.sanitize(cmd.Address),
		PaymentTerms:  terms,
		PaymentMethod: method,
	}, nil
}

func (s *vendorService) recordAudit(ctx context.Context, actor, action, targetRef string, metadata map[string]any) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, AuditLogRecord{
		Actor:     actor,
		Action:    action,
		TargetRef: targetRef,
		Metadata:  metadata,
	})
}
