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
	"github.com/stockroom/api/internal/repositories"
)

const invoicesCollection = "invoices"

// InvoiceRepository persists customer invoices.
type InvoiceRepository struct {
	base *pfirestore.BaseRepository[invoiceDocument]
}

// NewInvoiceRepository constructs a Firestore-backed invoice repository.
func NewInvoiceRepository(provider *pfirestore.Provider) (*InvoiceRepository, error) {
	if provider == nil {
		return nil, errors.New("invoice repository: firestore provider is required")
	}
	base := pfirestore.NewBaseRepository[invoiceDocument](provider, invoicesCollection, nil, nil)
	return &InvoiceRepository{base: base}, nil
}

// Insert stores a new invoice.
func (r *InvoiceRepository) Insert(ctx context.Context, invoice domain.Invoice) error {
	if r == nil || r.base == nil {
		return errors.New("invoice repository not initialised")
	}
	invoiceID := strings.TrimSpace(invoice.ID)
	if invoiceID == "" {
		return errors.New("invoice repository: invoice id is required")
	}
	docRef, err := r.base.DocumentRef(ctx, invoiceID)
	if err != nil {
		return err
	}
	if _, err := docRef.Create(ctx, encodeInvoiceDocument(invoice)); err != nil {
		return pfirestore.WrapError("invoices.insert", err)
	}
	return nil
}

// Update replaces the persisted invoice state.
func (r *InvoiceRepository) Update(ctx context.Context, invoice domain.Invoice) error {
	if r == nil || r.base == nil {
		return errors.New("invoice repository not initialised")
	}
	invoiceID := strings.TrimSpace(invoice.ID)
	if invoiceID == "" {
		return errors.New("invoice repository: invoice id is required")
	}
	docRef, err := r.base.DocumentRef(ctx, invoiceID)
	if err != nil {
		return err
	}
	if _, err := docRef.Set(ctx, encodeInvoiceDocument(invoice)); err != nil {
		return pfirestore.WrapError("invoices.update", err)
	}
	return nil
}

// FindByID fetches a single invoice.
func (r *InvoiceRepository) FindByID(ctx context.Context, invoiceID string) (domain.Invoice, error) {
	if r == nil || r.base == nil {
		return domain.Invoice{}, errors.New("invoice repository not initialised")
	}
	invoiceID = strings.TrimSpace(invoiceID)
	if invoiceID == "" {
		return domain.Invoice{}, errors.New("invoice repository: invoice id is required")
	}
	doc, err := r.base.Get(ctx, invoiceID)
	if err != nil {
		return domain.Invoice{}, err
	}
	return doc.Data.toDomain(invoiceID), nil
}

// List returns invoices matching the filter, newest first by issue date.
func (r *InvoiceRepository) List(ctx context.Context, filter repositories.InvoiceFilter) (domain.CursorPage[domain.Invoice], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.Invoice]{}, errors.New("invoice repository not initialised")
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
			return domain.CursorPage[domain.Invoice]{}, fmt.Errorf("invoice repository: invalid page token: %w", err)
		}
		startAfter = []any{tokenTime, tokenID}
	}

	statuses := normaliseInvoiceStatuses(filter.Status)

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if len(statuses) == 1 {
			q = q.Where("status", "==", statuses[0])
		} else if len(statuses) > 1 {
			if len(statuses) > 10 {
				statuses = statuses[:10]
			}
			q = q.Where("status", "in", statuses)
		}
		if filter.DateRange.From != nil {
			q = q.Where("issuedAt", ">=", filter.DateRange.From.UTC())
		}
		if filter.DateRange.To != nil {
			q = q.Where("issuedAt", "<=", filter.DateRange.To.UTC())
		}

		q = q.OrderBy("issuedAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if len(startAfter) == 2 {
			q = q.StartAfter(startAfter...)
		}
		if fetchLimit > 0 {
			q = q.Limit(fetchLimit)
		}
		return q
	})
	if err != nil {
		return domain.CursorPage[domain.Invoice]{}, err
	}

	valueDocs := docs
	nextToken := ""
	if limit > 0 && len(valueDocs) == fetchLimit {
		last := valueDocs[len(valueDocs)-1]
		nextToken = encodeTimeToken(last.Data.IssuedAt, last.ID)
		valueDocs = valueDocs[:len(valueDocs)-1]
	}

	invoices := make([]domain.Invoice, 0, len(valueDocs))
	for _, doc := range valueDocs {
		invoices = append(invoices, doc.Data.toDomain(doc.ID))
	}

	return domain.CursorPage[domain.Invoice]{
		Items:         invoices,
		NextPageToken: nextToken,
	}, nil
}

func normaliseInvoiceStatuses(statuses []domain.InvoiceStatus) []string {
	if len(statuses) == 0 {
		return nil
	}
	normalized := make([]string, 0, len(statuses))
	seen := make(map[string]struct{})
	for _, status := range statuses {
		trimmed := strings.ToUpper(strings.TrimSpace(string(status)))
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		normalized = append(normalized, trimmed)
	}
	return normalized
}

type invoiceDocument struct {
	Number        string              `firestore:"number"`
	SaleRef       string              `firestore:"saleRef,omitempty"`
	CustomerName  string              `firestore:"customerName"`
	CustomerEmail string              `firestore:"customerEmail,omitempty"`
	Lines         []saleLineDocument  `firestore:"lines"`
	Totals        orderTotalsDocument `firestore:"totals"`
	IssuedAt      time.Time           `firestore:"issuedAt"`
	DueAt         time.Time           `firestore:"dueAt"`
	PaidAt        *time.Time          `firestore:"paidAt,omitempty"`
	PaymentMethod string              `firestore:"paymentMethod,omitempty"`
	PaymentRef    string              `firestore:"paymentRef,omitempty"`
	Status        string              `firestore:"status"`
	CreatedAt     time.Time           `firestore:"createdAt"`
	UpdatedAt     time.Time           `firestore:"updatedAt"`
}

func encodeInvoiceDocument(invoice domain.Invoice) invoiceDocument {
	doc := invoiceDocument{
		Number:        strings.TrimSpace(invoice.Number),
		SaleRef:       strings.TrimSpace(invoice.SaleRef),
		CustomerName:  strings.TrimSpace(invoice.CustomerName),
		CustomerEmail: strings.TrimSpace(invoice.CustomerEmail),
		Lines:         encodeSaleLines(invoice.Lines),
		Totals:        encodeOrderTotals(invoice.Totals),
		IssuedAt:      invoice.IssuedAt.UTC(),
		DueAt:         invoice.DueAt.UTC(),
		PaymentMethod: string(invoice.PaymentMethod),
		PaymentRef:    strings.TrimSpace(invoice.PaymentRef),
		Status:        string(invoice.Status),
		CreatedAt:     invoice.CreatedAt.UTC(),
		UpdatedAt:     invoice.UpdatedAt.UTC(),
	}
	if invoice.PaidAt != nil {
		paidAt := invoice.PaidAt.UTC()
		doc.PaidAt = &paidAt
	}
	return doc
}

func (d invoiceDocument) toDomain(id string) domain.Invoice {
	invoice := domain.Invoice{
		ID:            id,
		Number:        strings.TrimSpace(d.Number),
		SaleRef:       strings.TrimSpace(d.SaleRef),
		CustomerName:  strings.TrimSpace(d.CustomerName),
		CustomerEmail: strings.TrimSpace(d.CustomerEmail),
		Lines:         decodeSaleLines(d.Lines),
		Totals:        d.Totals.toDomain(),
		IssuedAt:      d.IssuedAt,
		DueAt:         d.DueAt,
		PaymentMethod: domain.PaymentMethod(d.PaymentMethod),
		PaymentRef:    strings.TrimSpace(d.PaymentRef),
		Status:        domain.InvoiceStatus(d.Status),
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
	if d.PaidAt != nil {
		paidAt := *d.PaidAt
		invoice.PaidAt = &paidAt
	}
	return invoice
}
