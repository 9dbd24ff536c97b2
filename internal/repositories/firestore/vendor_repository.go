package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/stockroom/api/internal/domain"
	pfirestore "github.com/stockroom/api/internal/platform/firestore"
	"github.com/stockroom/api/internal/platform/textutil"
	"github.com/stockroom/api/internal/repositories"
)

const vendorsCollection = "vendors"

// VendorRepository persists supplier records with a folded keyword index for
// the lookup widget.
type VendorRepository struct {
	base *pfirestore.BaseRepository[vendorDocument]
}

// NewVendorRepository constructs a Firestore-backed vendor repository.
func NewVendorRepository(provider *pfirestore.Provider) (*VendorRepository, error) {
	if provider == nil {
		return nil, errors.New("vendor repository: firestore provider is required")
	}
	base := pfirestore.NewBaseRepository[vendorDocument](provider, vendorsCollection, nil, nil)
	return &VendorRepository{base: base}, nil
}

// Insert stores a new vendor document. The ID must be unique.
func (r *VendorRepository) Insert(ctx context.Context, vendor domain.Vendor) error {
	if r == nil || r.base == nil {
		return errors.New("vendor repository not initialised")
	}
	vendorID := strings.TrimSpace(vendor.ID)
	if vendorID == "" {
		return errors.New("vendor repository: vendor id is required")
	}
	docRef, err := r.base.DocumentRef(ctx, vendorID)
	if err != nil {
		return err
	}
	doc := encodeVendorDocument(vendor)
	if _, err := docRef.Create(ctx, doc); err != nil {
		return pfirestore.WrapError("vendors.insert", err)
	}
	return nil
}

// Update replaces the persisted vendor state with the provided snapshot.
func (r *VendorRepository) Update(ctx context.Context, vendor domain.Vendor) error {
	if r == nil || r.base == nil {
		return errors.New("vendor repository not initialised")
	}
	vendorID := strings.TrimSpace(vendor.ID)
	if vendorID == "" {
		return errors.New("vendor repository: vendor id is required")
	}
	docRef, err := r.base.DocumentRef(ctx, vendorID)
	if err != nil {
		return err
	}
	doc := encodeVendorDocument(vendor)
	if _, err := docRef.Set(ctx, doc); err != nil {
		return pfirestore.WrapError("vendors.update", err)
	}
	return nil
}

// FindByID fetches a single vendor.
func (r *VendorRepository) FindByID(ctx context.Context, vendorID string) (domain.Vendor, error) {
	if r == nil || r.base == nil {
		return domain.Vendor{}, errors.New("vendor repository not initialised")
	}
	vendorID = strings.TrimSpace(vendorID)
	if vendorID == "" {
		return domain.Vendor{}, errors.New("vendor repository: vendor id is required")
	}
	doc, err := r.base.Get(ctx, vendorID)
	if err != nil {
		return domain.Vendor{}, err
	}
	return doc.Data.toDomain(vendorID), nil
}

// List returns vendors ordered by company name.
func (r *VendorRepository) List(ctx context.Context, filter repositories.VendorFilter) (domain.CursorPage[domain.Vendor], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.Vendor]{}, errors.New("vendor repository not initialised")
	}

	limit := filter.Pagination.PageSize
	if limit < 0 {
		limit = 0
	}
	fetchLimit := limit
	if limit > 0 {
		fetchLimit = limit + 1
	}

	var startAfter []any
	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		tokenTime, tokenID, err := decodeTimeToken(token)
		if err != nil {
			return domain.CursorPage[domain.Vendor]{}, fmt.Errorf("vendor repository: invalid page token: %w", err)
		}
		startAfter = []any{tokenTime, tokenID}
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if filter.ActiveOnly {
			q = q.Where("active", "==", true)
		}
		q = q.OrderBy("updatedAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if len(startAfter) == 2 {
			q = q.StartAfter(startAfter...)
		}
		if fetchLimit > 0 {
			q = q.Limit(fetchLimit)
		}
		return q
	})
	if err != nil {
		return domain.CursorPage[domain.Vendor]{}, err
	}

	valueDocs := docs
	nextToken := ""
	if limit > 0 && len(valueDocs) == fetchLimit {
		last := valueDocs[len(valueDocs)-1]
		tokenTime := last.Data.UpdatedAt
		if tokenTime.IsZero() {
			tokenTime = last.UpdateTime
		}
		nextToken = encodeTimeToken(tokenTime, last.ID)
		valueDocs = valueDocs[:len(valueDocs)-1]
	}

	vendors := make([]domain.Vendor, 0, len(valueDocs))
	for _, doc := range valueDocs {
		vendors = append(vendors, doc.Data.toDomain(doc.ID))
	}

	return domain.CursorPage[domain.Vendor]{
		Items:         vendors,
		NextPageToken: nextToken,
	}, nil
}

// Search matches the folded query against the keyword index and returns at
// most limit active vendors.
func (r *VendorRepository) Search(ctx context.Context, folded string, limit int) ([]domain.Vendor, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("vendor repository not initialised")
	}
	folded = strings.TrimSpace(folded)
	if folded == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	token := folded
	if idx := strings.IndexByte(folded, ' '); idx > 0 {
		token = folded[:idx]
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("active", "==", true).
			Where("keywords", "array-contains", token).
			OrderBy("companyName", firestore.Asc).
			Limit(limit * 2)
	})
	if err != nil {
		return nil, err
	}

	vendors := make([]domain.Vendor, 0, limit)
	for _, doc := range docs {
		vendor := doc.Data.toDomain(doc.ID)
		haystack := vendor.CompanyName + " " + vendor.ContactName + " " + vendor.Number
		if !textutil.ContainsFolded(haystack, folded) {
			continue
		}
		vendors = append(vendors, vendor)
		if len(vendors) == limit {
			break
		}
	}
	return vendors, nil
}

type vendorDocument struct {
	Number        string    `firestore:"number"`
	CompanyName   string    `firestore:"companyName"`
	ContactName   string    `firestore:"contactName,omitempty"`
	Email         string    `firestore:"email,omitempty"`
	Phone         string    `firestore:"phone,omitempty"`
	Address       string    `firestore:"address,omitempty"`
	PaymentTerms  string    `firestore:"paymentTerms"`
	PaymentMethod string    `firestore:"paymentMethod"`
	Active        bool      `firestore:"active"`
	Keywords      []string  `firestore:"keywords"`
	CreatedAt     time.Time `firestore:"createdAt"`
	UpdatedAt     time.Time `firestore:"updatedAt"`
}

func encodeVendorDocument(vendor domain.Vendor) vendorDocument {
	return vendorDocument{
		Number:        strings.TrimSpace(vendor.Number),
		CompanyName:   strings.TrimSpace(vendor.CompanyName),
		ContactName:   strings.TrimSpace(vendor.ContactName),
		Email:         strings.TrimSpace(vendor.Email),
		Phone:         strings.TrimSpace(vendor.Phone),
		Address:       strings.TrimSpace(vendor.Address),
		PaymentTerms:  string(vendor.PaymentTerms),
		PaymentMethod: string(vendor.PaymentMethod),
		Active:        vendor.Active,
		Keywords:      searchKeywords(vendor.CompanyName, vendor.ContactName, vendor.Number),
		CreatedAt:     vendor.CreatedAt.UTC(),
		UpdatedAt:     vendor.UpdatedAt.UTC(),
	}
}

func (d vendorDocument) toDomain(id string) domain.Vendor {
	return domain.Vendor{
		ID:            id,
		Number:        strings.TrimSpace(d.Number),
		CompanyName:   strings.TrimSpace(d.CompanyName),
		ContactName:   strings.TrimSpace(d.ContactName),
		Email:         strings.TrimSpace(d.Email),
		Phone:         strings.TrimSpace(d.Phone),
		Address:       strings.TrimSpace(d.Address),
		PaymentTerms:  domain.PaymentTerms(d.PaymentTerms),
		PaymentMethod: domain.PaymentMethod(d.PaymentMethod),
		Active:        d.Active,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}
