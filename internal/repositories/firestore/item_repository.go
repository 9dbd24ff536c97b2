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
	"github.com/stockroom/api/internal/platform/textutil"
	"github.com/stockroom/api/internal/repositories"
)

const itemsCollection = "items"

// ItemRepository persists catalog items. Search keywords are folded at write
// time so lookups stay a single indexed query.
type ItemRepository struct {
	base *pfirestore.BaseRepository[itemDocument]
}

// NewItemRepository constructs a Firestore-backed item repository.
func NewItemRepository(provider *pfirestore.Provider) (*ItemRepository, error) {
	if provider == nil {
		return nil, errors.New("item repository: firestore provider is required")
	}
	base := pfirestore.NewBaseRepository[itemDocument](provider, itemsCollection, nil, nil)
	return &ItemRepository{base: base}, nil
}

// Insert stores a new item document. The ID must be unique.
func (r *ItemRepository) Insert(ctx context.Context, item domain.Item) error {
	if r == nil || r.base == nil {
		return errors.New("item repository not initialised")
	}
	itemID := strings.TrimSpace(item.ID)
	if itemID == "" {
		return errors.New("item repository: item id is required")
	}
	docRef, err := r.base.DocumentRef(ctx, itemID)
	if err != nil {
		return err
	}
	doc := encodeItemDocument(item)
	if _, err := docRef.Create(ctx, doc); err != nil {
		return pfirestore.WrapError("items.insert", err)
	}
	return nil
}

// Update replaces the persisted item state with the provided snapshot.
func (r *ItemRepository) Update(ctx context.Context, item domain.Item) error {
	if r == nil || r.base == nil {
		return errors.New("item repository not initialised")
	}
	itemID := strings.TrimSpace(item.ID)
	if itemID == "" {
		return errors.New("item repository: item id is required")
	}
	docRef, err := r.base.DocumentRef(ctx, itemID)
	if err != nil {
		return err
	}
	doc := encodeItemDocument(item)
	if _, err := docRef.Set(ctx, doc); err != nil {
		return pfirestore.WrapError("items.update", err)
	}
	return nil
}

// FindByID fetches a single item.
func (r *ItemRepository) FindByID(ctx context.Context, itemID string) (domain.Item, error) {
	if r == nil || r.base == nil {
		return domain.Item{}, errors.New("item repository not initialised")
	}
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return domain.Item{}, errors.New("item repository: item id is required")
	}
	doc, err := r.base.Get(ctx, itemID)
	if err != nil {
		return domain.Item{}, err
	}
	return doc.Data.toDomain(itemID), nil
}

// FindBySKU resolves an item by its unique SKU.
func (r *ItemRepository) FindBySKU(ctx context.Context, sku string) (domain.Item, error) {
	if r == nil || r.base == nil {
		return domain.Item{}, errors.New("item repository not initialised")
	}
	sku = strings.ToUpper(strings.TrimSpace(sku))
	if sku == "" {
		return domain.Item{}, errors.New("item repository: sku is required")
	}
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("sku", "==", sku).Limit(1)
	})
	if err != nil {
		return domain.Item{}, err
	}
	if len(docs) == 0 {
		return domain.Item{}, pfirestore.WrapError("items.find_by_sku", status.Error(codes.NotFound, fmt.Sprintf("item with sku %s not found", sku)))
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

// List returns items matching the filter, ordered by most recent update.
func (r *ItemRepository) List(ctx context.Context, filter repositories.ItemFilter) (domain.CursorPage[domain.Item], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.Item]{}, errors.New("item repository not initialised")
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
			return domain.CursorPage[domain.Item]{}, fmt.Errorf("item repository: invalid page token: %w", err)
		}
		startAfter = []any{tokenTime, tokenID}
	}

	category := strings.TrimSpace(filter.Category)
	vendorRef := strings.TrimSpace(filter.VendorRef)

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if category != "" {
			q = q.Where("category", "==", category)
		}
		if vendorRef != "" {
			q = q.Where("vendorRef", "==", vendorRef)
		}
		if filter.ActiveOnly {
			q = q.Where("active", "==", true)
		}
		ranged := filter.PriceRange.From != nil || filter.PriceRange.To != nil
		if filter.PriceRange.From != nil {
			q = q.Where("unitPrice", ">=", *filter.PriceRange.From)
		}
		if filter.PriceRange.To != nil {
			q = q.Where("unitPrice", "<=", *filter.PriceRange.To)
		}
		// Firestore requires the inequality field to be the first sort key.
		// Price-ranged listings are not paginated for that reason.
		if ranged {
			q = q.OrderBy("unitPrice", firestore.Asc)
		}

		q = q.OrderBy("updatedAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if len(startAfter) == 2 && !ranged {
			q = q.StartAfter(startAfter...)
		}
		if fetchLimit > 0 {
			q = q.Limit(fetchLimit)
		}
		return q
	})
	if err != nil {
		return domain.CursorPage[domain.Item]{}, err
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

	items := make([]domain.Item, 0, len(valueDocs))
	for _, doc := range valueDocs {
		items = append(items, doc.Data.toDomain(doc.ID))
	}

	return domain.CursorPage[domain.Item]{
		Items:         items,
		NextPageToken: nextToken,
	}, nil
}

// Search matches the folded query against the precomputed keyword index and
// returns at most limit active items.
func (r *ItemRepository) Search(ctx context.Context, folded string, limit int) ([]domain.Item, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("item repository not initialised")
	}
	folded = strings.TrimSpace(folded)
	if folded == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	// The first folded word drives the index match; the full query is
	// re-checked client side to keep multi-word searches precise.
	token := folded
	if idx := strings.IndexByte(folded, ' '); idx > 0 {
		token = folded[:idx]
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("active", "==", true).
			Where("keywords", "array-contains", token).
			OrderBy("name", firestore.Asc).
			Limit(limit * 2)
	})
	if err != nil {
		return nil, err
	}

	items := make([]domain.Item, 0, limit)
	for _, doc := range docs {
		item := doc.Data.toDomain(doc.ID)
		haystack := item.Name + " " + item.SKU + " " + item.Barcode
		if !textutil.ContainsFolded(haystack, folded) {
			continue
		}
		items = append(items, item)
		if len(items) == limit {
			break
		}
	}
	return items, nil
}

type itemDocument struct {
	SKU          string    `firestore:"sku"`
	Barcode      string    `firestore:"barcode,omitempty"`
	Name         string    `firestore:"name"`
	Description  string    `firestore:"description,omitempty"`
	Category     string    `firestore:"category,omitempty"`
	UnitCost     int64     `firestore:"unitCost"`
	UnitPrice    int64     `firestore:"unitPrice"`
	ReorderLevel int       `firestore:"reorderLevel"`
	VendorRef    string    `firestore:"vendorRef,omitempty"`
	Active       bool      `firestore:"active"`
	Keywords     []string  `firestore:"keywords"`
	CreatedAt    time.Time `firestore:"createdAt"`
	UpdatedAt    time.Time `firestore:"updatedAt"`
}

func encodeItemDocument(item domain.Item) itemDocument {
	return itemDocument{
		SKU:          strings.ToUpper(strings.TrimSpace(item.SKU)),
		Barcode:      strings.TrimSpace(item.Barcode),
		Name:         strings.TrimSpace(item.Name),
		Description:  strings.TrimSpace(item.Description),
		Category:     strings.TrimSpace(item.Category),
		UnitCost:     item.UnitCost,
		UnitPrice:    item.UnitPrice,
		ReorderLevel: item.ReorderLevel,
		VendorRef:    strings.TrimSpace(item.VendorRef),
		Active:       item.Active,
		Keywords:     searchKeywords(item.Name, item.SKU, item.Barcode),
		CreatedAt:    item.CreatedAt.UTC(),
		UpdatedAt:    item.UpdatedAt.UTC(),
	}
}

func (d itemDocument) toDomain(id string) domain.Item {
	return domain.Item{
		ID:           id,
		SKU:          strings.TrimSpace(d.SKU),
		Barcode:      strings.TrimSpace(d.Barcode),
		Name:         strings.TrimSpace(d.Name),
		Description:  strings.TrimSpace(d.Description),
		Category:     strings.TrimSpace(d.Category),
		UnitCost:     d.UnitCost,
		UnitPrice:    d.UnitPrice,
		ReorderLevel: d.ReorderLevel,
		VendorRef:    strings.TrimSpace(d.VendorRef),
		Active:       d.Active,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

// searchKeywords folds and tokenises the given fields for the keyword index.
func searchKeywords(fields ...string) []string {
	seen := make(map[string]struct{})
	var keywords []string
	for _, field := range fields {
		folded := textutil.FoldForSearch(field)
		if folded == "" {
			continue
		}
		for _, word := range strings.Fields(folded) {
			if _, ok := seen[word]; ok {
				continue
			}
			seen[word] = struct{}{}
			keywords = append(keywords, word)
		}
	}
	return keywords
}
