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

const returnsCollection = "returns"

// ReturnRepository persists returns and their refund state.
type ReturnRepository struct {
	base *pfirestore.BaseRepository[returnDocument]
}

// NewReturnRepository constructs a Firestore-backed return repository.
func NewReturnRepository(provider *pfirestore.Provider) (*ReturnRepository, error) {
	if provider == nil {
		return nil, errors.New("return repository: firestore provider is required")
	}
	base := pfirestore.NewBaseRepository[returnDocument](provider, returnsCollection, nil, nil)
	return &ReturnRepository{base: base}, nil
}

// Insert stores a new return.
func (r *ReturnRepository) Insert(ctx context.Context, ret domain.Return) error {
	if r == nil || r.base == nil {
		return errors.New("return repository not initialised")
	}
	returnID := strings.TrimSpace(ret.ID)
	if returnID == "" {
		return errors.New("return repository: return id is required")
	}
	docRef, err := r.base.DocumentRef(ctx, returnID)
	if err != nil {
		return err
	}
	if _, err := docRef.Create(ctx, encodeReturnDocument(ret)); err != nil {
		return pfirestore.WrapError("returns.insert", err)
	}
	return nil
}

// Update replaces the persisted return state.
func (r *ReturnRepository) Update(ctx context.Context, ret domain.Return) error {
	if r == nil || r.base == nil {
		return errors.New("return repository not initialised")
	}
	returnID := strings.TrimSpace(ret.ID)
	if returnID == "" {
		return errors.New("return repository: return id is required")
	}
	docRef, err := r.base.DocumentRef(ctx, returnID)
	if err != nil {
		return err
	}
	if _, err := docRef.Set(ctx, encodeReturnDocument(ret)); err != nil {
		return pfirestore.WrapError("returns.update", err)
	}
	return nil
}

// FindByID fetches a single return.
func (r *ReturnRepository) FindByID(ctx context.Context, returnID string) (domain.Return, error) {
	if r == nil || r.base == nil {
		return domain.Return{}, errors.New("return repository not initialised")
	}
	returnID = strings.TrimSpace(returnID)
	if returnID == "" {
		return domain.Return{}, errors.New("return repository: return id is required")
	}
	doc, err := r.base.Get(ctx, returnID)
	if err != nil {
		return domain.Return{}, err
	}
	return doc.Data.toDomain(returnID), nil
}

// List returns return records matching the filter, most recent first.
func (r *ReturnRepository) List(ctx context.Context, filter repositories.ReturnFilter) (domain.CursorPage[domain.Return], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.Return]{}, errors.New("return repository not initialised")
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
			return domain.CursorPage[domain.Return]{}, fmt.Errorf("return repository: invalid page token: %w", err)
		}
		startAfter = []any{tokenTime, tokenID}
	}

	saleRef := strings.TrimSpace(filter.SaleRef)
	statuses := normaliseReturnStatuses(filter.Status)

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if saleRef != "" {
			q = q.Where("saleRef", "==", saleRef)
		}
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
		return domain.CursorPage[domain.Return]{}, err
	}

	valueDocs := docs
	nextToken := ""
	if limit > 0 && len(valueDocs) == fetchLimit {
		last := valueDocs[len(valueDocs)-1]
		nextToken = encodeTimeToken(last.Data.CreatedAt, last.ID)
		valueDocs = valueDocs[:len(valueDocs)-1]
	}

	returns := make([]domain.Return, 0, len(valueDocs))
	for _, doc := range valueDocs {
		returns = append(returns, doc.Data.toDomain(doc.ID))
	}

	return domain.CursorPage[domain.Return]{
		Items:         returns,
		NextPageToken: nextToken,
	}, nil
}

func normaliseReturnStatuses(statuses []domain.ReturnStatus) []string {
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

type returnDocument struct {
	Number               string               `firestore:"number"`
	SaleRef              string               `firestore:"saleRef"`
	Lines                []returnLineDocument `firestore:"lines"`
	Reason               string               `firestore:"reason,omitempty"`
	RestockingFeePercent int64                `firestore:"restockingFeePercent"`
	RestockingFee        int64                `firestore:"restockingFee"`
	RefundAmount         int64                `firestore:"refundAmount"`
	RefundRef            string               `firestore:"refundRef,omitempty"`
	Status               string               `firestore:"status"`
	ProcessedBy          string               `firestore:"processedBy,omitempty"`
	RefundedAt           *time.Time           `firestore:"refundedAt,omitempty"`
	CreatedAt            time.Time            `firestore:"createdAt"`
	UpdatedAt            time.Time            `firestore:"updatedAt"`
}

type returnLineDocument struct {
	ItemRef   string `firestore:"itemRef"`
	SKU       string `firestore:"sku"`
	Quantity  int    `firestore:"qty"`
	UnitPrice int64  `firestore:"unitPrice"`
	Condition string `firestore:"condition"`
}

func encodeReturnDocument(ret domain.Return) returnDocument {
	lines := make([]returnLineDocument, len(ret.Lines))
	for i, line := range ret.Lines {
		lines[i] = returnLineDocument{
			ItemRef:   strings.TrimSpace(line.ItemRef),
			SKU:       strings.TrimSpace(line.SKU),
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
			Condition: string(line.Condition),
		}
	}
	doc := returnDocument{
		Number:               strings.TrimSpace(ret.Number),
		SaleRef:              strings.TrimSpace(ret.SaleRef),
		Lines:                lines,
		Reason:               strings.TrimSpace(ret.Reason),
		RestockingFeePercent: ret.RestockingFeePercent,
		RestockingFee:        ret.RestockingFee,
		RefundAmount:         ret.RefundAmount,
		RefundRef:            strings.TrimSpace(ret.RefundRef),
		Status:               string(ret.Status),
		ProcessedBy:          strings.TrimSpace(ret.ProcessedBy),
		CreatedAt:            ret.CreatedAt.UTC(),
		UpdatedAt:            ret.UpdatedAt.UTC(),
	}
	if ret.RefundedAt != nil {
		refundedAt := ret.RefundedAt.UTC()
		doc.RefundedAt = &refundedAt
	}
	return doc
}

func (d returnDocument) toDomain(id string) domain.Return {
	lines := make([]domain.ReturnLine, len(d.Lines))
	for i, line := range d.Lines {
		lines[i] = domain.ReturnLine{
			ItemRef:   strings.TrimSpace(line.ItemRef),
			SKU:       strings.TrimSpace(line.SKU),
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
			Condition: domain.ReturnCondition(line.Condition),
		}
	}
	ret := domain.Return{
		ID:                   id,
		Number:               strings.TrimSpace(d.Number),
		SaleRef:              strings.TrimSpace(d.SaleRef),
		Lines:                lines,
		Reason:               strings.TrimSpace(d.Reason),
		RestockingFeePercent: d.RestockingFeePercent,
		RestockingFee:        d.RestockingFee,
		RefundAmount:         d.RefundAmount,
		RefundRef:            strings.TrimSpace(d.RefundRef),
		Status:               domain.ReturnStatus(d.Status),
		ProcessedBy:          strings.TrimSpace(d.ProcessedBy),
		CreatedAt:            d.CreatedAt,
		UpdatedAt:            d.UpdatedAt,
	}
	if d.RefundedAt != nil {
		refundedAt := *d.RefundedAt
		ret.RefundedAt = &refundedAt
	}
	return ret
}
