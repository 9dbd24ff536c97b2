package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/stockroom/api/internal/domain"
	pfirestore "github.com/stockroom/api/internal/platform/firestore"
	"github.com/stockroom/api/internal/repositories"
)

const salesCollection = "sales"

// SaleRepository persists finalized point-of-sale transactions.
type SaleRepository struct {
	base *pfirestore.BaseRepository[saleDocument]
}

// NewSaleRepository constructs a Firestore-backed sale repository.
func NewSaleRepository(provider *pfirestore.Provider) (*SaleRepository, error) {
	if provider == nil {
		return nil, errors.New("sale repository: firestore provider is required")
	}
	base := pfirestore.NewBaseRepository[saleDocument](provider, salesCollection, nil, nil)
	return &SaleRepository{base: base}, nil
}

// Insert stores a new sale. The ID must be unique.
func (r *SaleRepository) Insert(ctx context.Context, sale domain.Sale) error {
	if r == nil || r.base == nil {
		return errors.New("sale repository not initialised")
	}
	saleID := strings.TrimSpace(sale.ID)
	if saleID == "" {
		return errors.New("sale repository: sale id is required")
	}
	docRef, err := r.base.DocumentRef(ctx, saleID)
	if err != nil {
		return err
	}
	doc := encodeSaleDocument(sale)
	if _, err := docRef.Create(ctx, doc); err != nil {
		return pfirestore.WrapError("sales.insert", err)
	}
	return nil
}

// Update replaces the persisted sale state, used for refund transitions.
func (r *SaleRepository) Update(ctx context.Context, sale domain.Sale) error {
	if r == nil || r.base == nil {
		return errors.New("sale repository not initialised")
	}
	saleID := strings.TrimSpace(sale.ID)
	if saleID == "" {
		return errors.New("sale repository: sale id is required")
	}
	docRef, err := r.base.DocumentRef(ctx, saleID)
	if err != nil {
		return err
	}
	doc := encodeSaleDocument(sale)
	if _, err := docRef.Set(ctx, doc); err != nil {
		return pfirestore.WrapError("sales.update", err)
	}
	return nil
}

// FindByID fetches a single sale.
func (r *SaleRepository) FindByID(ctx context.Context, saleID string) (domain.Sale, error) {
	if r == nil || r.base == nil {
		return domain.Sale{}, errors.New("sale repository not initialised")
	}
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return domain.Sale{}, errors.New("sale repository: sale id is required")
	}
	doc, err := r.base.Get(ctx, saleID)
	if err != nil {
		return domain.Sale{}, err
	}
	return doc.Data.toDomain(saleID), nil
}

// FindByIdempotencyKey resolves an already completed checkout for replayed
// requests.
func (r *SaleRepository) FindByIdempotencyKey(ctx context.Context, key string) (domain.Sale, error) {
	if r == nil || r.base == nil {
		return domain.Sale{}, errors.New("sale repository not initialised")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.Sale{}, errors.New("sale repository: idempotency key is required")
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("idempotencyKey", "==", key).Limit(1)
	})
	if err != nil {
		return domain.Sale{}, err
	}
	if len(docs) == 0 {
		return domain.Sale{}, pfirestore.WrapError("sales.find_by_key", status.Error(codes.NotFound, fmt.Sprintf("no sale for key %s", key)))
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

// List returns sales matching the filter, newest first.
func (r *SaleRepository) List(ctx context.Context, filter repositories.SaleFilter) (domain.CursorPage[domain.Sale], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.Sale]{}, errors.New("sale repository not initialised")
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
			return domain.CursorPage[domain.Sale]{}, fmt.Errorf("sale repository: invalid page token: %w", err)
		}
		startAfter = []any{tokenTime, tokenID}
	}

	cashierRef := strings.TrimSpace(filter.CashierRef)
	statuses := normaliseSaleStatuses(filter.Status)

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if cashierRef != "" {
			q = q.Where("cashierRef", "==", cashierRef)
		}
		if len(statuses) == 1 {
			q = q.Where("status", "==", statuses[0])
		} else if len(statuses) > 1 {
			if len(statuses) > 10 {
				statuses = statuses[:10]
			}
			q = q.Where("status", "in", statuses)
		}
		if filter.DateRange.From != nil {
			q = q.Where("soldAt", ">=", filter.DateRange.From.UTC())
		}
		if filter.DateRange.To != nil {
			q = q.Where("soldAt", "<=", filter.DateRange.To.UTC())
		}

		q = q.OrderBy("soldAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if len(startAfter) == 2 {
			q = q.StartAfter(startAfter...)
		}
		if fetchLimit > 0 {
			q = q.Limit(fetchLimit)
		}
		return q
	})
	if err != nil {
		return domain.CursorPage[domain.Sale]{}, err
	}

	valueDocs := docs
	nextToken := ""
	if limit > 0 && len(valueDocs) == fetchLimit {
		last := valueDocs[len(valueDocs)-1]
		nextToken = encodeTimeToken(last.Data.SoldAt, last.ID)
		valueDocs = valueDocs[:len(valueDocs)-1]
	}

	sales := make([]domain.Sale, 0, len(valueDocs))
	for _, doc := range valueDocs {
		sales = append(sales, doc.Data.toDomain(doc.ID))
	}

	return domain.CursorPage[domain.Sale]{
		Items:         sales,
		NextPageToken: nextToken,
	}, nil
}

func normaliseSaleStatuses(statuses []domain.SaleStatus) []string {
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

type saleDocument struct {
	Number         string             `firestore:"number"`
	CashierRef     string             `firestore:"cashierRef"`
	Lines          []saleLineDocument `firestore:"lines"`
	Totals         orderTotalsDocument `firestore:"totals"`
	PaymentMethod  string             `firestore:"paymentMethod"`
	PaymentRef     string             `firestore:"paymentRef,omitempty"`
	Status         string             `firestore:"status"`
	RefundedTotal  int64              `firestore:"refundedTotal"`
	IdempotencyKey string             `firestore:"idempotencyKey,omitempty"`
	SoldAt         time.Time          `firestore:"soldAt"`
	CreatedAt      time.Time          `firestore:"createdAt"`
	UpdatedAt      time.Time          `firestore:"updatedAt"`
}

type saleLineDocument struct {
	ItemRef   string `firestore:"itemRef"`
	SKU       string `firestore:"sku"`
	Name      string `firestore:"name"`
	Quantity  int    `firestore:"qty"`
	UnitCost  int64  `firestore:"unitCost"`
	UnitPrice int64  `firestore:"unitPrice"`
	LineTotal int64  `firestore:"lineTotal"`
}

func encodeSaleLines(lines []domain.SaleLine) []saleLineDocument {
	docs := make([]saleLineDocument, len(lines))
	for i, line := range lines {
		docs[i] = saleLineDocument{
			ItemRef:   strings.TrimSpace(line.ItemRef),
			SKU:       strings.TrimSpace(line.SKU),
			Name:      strings.TrimSpace(line.Name),
			Quantity:  line.Quantity,
			UnitCost:  line.UnitCost,
			UnitPrice: line.UnitPrice,
			LineTotal: line.LineTotal,
		}
	}
	return docs
}

func decodeSaleLines(docs []saleLineDocument) []domain.SaleLine {
	lines := make([]domain.SaleLine, len(docs))
	for i, doc := range docs {
		lines[i] = domain.SaleLine{
			ItemRef:   strings.TrimSpace(doc.ItemRef),
			SKU:       strings.TrimSpace(doc.SKU),
			Name:      strings.TrimSpace(doc.Name),
			Quantity:  doc.Quantity,
			UnitCost:  doc.UnitCost,
			UnitPrice: doc.UnitPrice,
			LineTotal: doc.LineTotal,
		}
	}
	return lines
}

func encodeSaleDocument(sale domain.Sale) saleDocument {
	return saleDocument{
		Number:         strings.TrimSpace(sale.Number),
		CashierRef:     strings.TrimSpace(sale.CashierRef),
		Lines:          encodeSaleLines(sale.Lines),
		Totals:         encodeOrderTotals(sale.Totals),
		PaymentMethod:  string(sale.PaymentMethod),
		PaymentRef:     strings.TrimSpace(sale.PaymentRef),
		Status:         string(sale.Status),
		RefundedTotal:  sale.RefundedTotal,
		IdempotencyKey: strings.TrimSpace(sale.IdempotencyKey),
		SoldAt:         sale.SoldAt.UTC(),
		CreatedAt:      sale.CreatedAt.UTC(),
		UpdatedAt:      sale.UpdatedAt.UTC(),
	}
}

func (d saleDocument) toDomain(id string) domain.Sale {
	return domain.Sale{
		ID:             id,
		Number:         strings.TrimSpace(d.Number),
		CashierRef:     strings.TrimSpace(d.CashierRef),
		Lines:          decodeSaleLines(d.Lines),
		Totals:         d.Totals.toDomain(),
		PaymentMethod:  domain.PaymentMethod(d.PaymentMethod),
		PaymentRef:     strings.TrimSpace(d.PaymentRef),
		Status:         domain.SaleStatus(d.Status),
		RefundedTotal:  d.RefundedTotal,
		IdempotencyKey: strings.TrimSpace(d.IdempotencyKey),
		SoldAt:         d.SoldAt,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}
