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

const quotesCollection = "quotes"

// QuoteRepository persists customer quotes.
type QuoteRepository struct {
	base *pfirestore.BaseRepository[quoteDocument]
}

// NewQuoteRepository constructs a Firestore-backed quote repository.
func NewQuoteRepository(provider *pfirestore.Provider) (*QuoteRepository, error) {
	if provider == nil {
		return nil, errors.New("quote repository: firestore provider is required")
	}
	base := pfirestore.NewBaseRepository[quoteDocument](provider, quotesCollection, nil, nil)
	return &QuoteRepository{base: base}, nil
}

// Insert stores a new quote.
func (r *QuoteRepository) Insert(ctx context.Context, quote domain.Quote) error {
	if r == nil || r.base == nil {
		return errors.New("quote repository not initialised")
	}
	quoteID := strings.TrimSpace(quote.ID)
	if quoteID == "" {
		return errors.New("quote repository: quote id is required")
	}
	docRef, err := r.base.DocumentRef(ctx, quoteID)
	if err != nil {
		return err
	}
	if _, err := docRef.Create(ctx, encodeQuoteDocument(quote)); err != nil {
		return pfirestore.WrapError("quotes.insert", err)
	}
	return nil
}

// Update replaces the persisted quote state.
func (r *QuoteRepository) Update(ctx context.Context, quote domain.Quote) error {
	if r == nil || r.base == nil {
		return errors.New("quote repository not initialised")
	}
	quoteID := strings.TrimSpace(quote.ID)
	if quoteID == "" {
		return errors.New("quote repository: quote id is required")
	}
	docRef, err := r.base.DocumentRef(ctx, quoteID)
	if err != nil {
		return err
	}
	if _, err := docRef.Set(ctx, encodeQuoteDocument(quote)); err != nil {
		return pfirestore.WrapError("quotes.update", err)
	}
	return nil
}

// FindByID fetches a single quote.
func (r *QuoteRepository) FindByID(ctx context.Context, quoteID string) (domain.Quote, error) {
	if r == nil || r.base == nil {
		return domain.Quote{}, errors.New("quote repository not initialised")
	}
	quoteID = strings.TrimSpace(quoteID)
	if quoteID == "" {
		return domain.Quote{}, errors.New("quote repository: quote id is required")
	}
	doc, err := r.base.Get(ctx, quoteID)
	if err != nil {
		return domain.Quote{}, err
	}
	return doc.Data.toDomain(quoteID), nil
}

// List returns quotes matching the filter, most recently created first.
func (r *QuoteRepository) List(ctx context.Context, filter repositories.QuoteFilter) (domain.CursorPage[domain.Quote], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.Quote]{}, errors.New("quote repository not initialised")
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
			return domain.CursorPage[domain.Quote]{}, fmt.Errorf("quote repository: invalid page token: %w", err)
		}
		startAfter = []any{tokenTime, tokenID}
	}

	statuses := normaliseQuoteStatuses(filter.Status)

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if len(statuses) == 1 {
			q = q.Where("status", "==", statuses[0])
		} else if len(statuses) > 1 {
			if len(statuses) > 10 {
				statuses = statuses[:10]
			}
			q = q.Where("status", "in", statuses)
		}

		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if len(startAfter) == 2 {
			q = q.StartAfter(startAfter...)
		}
		if fetchLimit > 0 {
			q = q.Limit(fetchLimit)
		}
		return q
	})
	if err != nil {
		return domain.CursorPage[domain.Quote]{}, err
	}

	valueDocs := docs
	nextToken := ""
	if limit > 0 && len(valueDocs) == fetchLimit {
		last := valueDocs[len(valueDocs)-1]
		nextToken = encodeTimeToken(last.Data.CreatedAt, last.ID)
		valueDocs = valueDocs[:len(valueDocs)-1]
	}

	quotes := make([]domain.Quote, 0, len(valueDocs))
	for _, doc := range valueDocs {
		quotes = append(quotes, doc.Data.toDomain(doc.ID))
	}

	return domain.CursorPage[domain.Quote]{
		Items:         quotes,
		NextPageToken: nextToken,
	}, nil
}

func normaliseQuoteStatuses(statuses []domain.QuoteStatus) []string {
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

type quoteDocument struct {
	Number        string              `firestore:"number"`
	CustomerName  string              `firestore:"customerName"`
	CustomerEmail string              `firestore:"customerEmail,omitempty"`
	Lines         []saleLineDocument  `firestore:"lines"`
	Totals        orderTotalsDocument `firestore:"totals"`
	ExpiresAt     time.Time           `firestore:"expiresAt"`
	Status        string              `firestore:"status"`
	CreatedAt     time.Time           `firestore:"createdAt"`
	UpdatedAt     time.Time           `firestore:"updatedAt"`
}

func encodeQuoteDocument(quote domain.Quote) quoteDocument {
	return quoteDocument{
		Number:        strings.TrimSpace(quote.Number),
		CustomerName:  strings.TrimSpace(quote.CustomerName),
		CustomerEmail: strings.TrimSpace(quote.CustomerEmail),
		Lines:         encodeSaleLines(quote.Lines),
		Totals:        encodeOrderTotals(quote.Totals),
		ExpiresAt:     quote.ExpiresAt.UTC(),
		Status:        string(quote.Status),
		CreatedAt:     quote.CreatedAt.UTC(),
		UpdatedAt:     quote.UpdatedAt.UTC(),
	}
}

func (d quoteDocument) toDomain(id string) domain.Quote {
	return domain.Quote{
		ID:            id,
		Number:        strings.TrimSpace(d.Number),
		CustomerName:  strings.TrimSpace(d.CustomerName),
		CustomerEmail: strings.TrimSpace(d.CustomerEmail),
		Lines:         decodeSaleLines(d.Lines),
		Totals:        d.Totals.toDomain(),
		ExpiresAt:     d.ExpiresAt,
		Status:        domain.QuoteStatus(d.Status),
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}
