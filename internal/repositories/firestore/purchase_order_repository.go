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

const (
	purchaseOrdersCollection = "purchaseOrders"
	receivingLogCollection   = "receivingLog"
)

// PurchaseOrderRepository stores purchase orders as single documents with
// nested lines, so header and lines are always written atomically.
type PurchaseOrderRepository struct {
	base *pfirestore.BaseRepository[purchaseOrderDocument]
}

// NewPurchaseOrderRepository constructs a Firestore-backed purchase order repository.
func NewPurchaseOrderRepository(provider *pfirestore.Provider) (*PurchaseOrderRepository, error) {
	if provider == nil {
		return nil, errors.New("purchase order repository: firestore provider is required")
	}
	base := pfirestore.NewBaseRepository[purchaseOrderDocument](provider, purchaseOrdersCollection, nil, nil)
	return &PurchaseOrderRepository{base: base}, nil
}

// Insert stores a new purchase order with all of its lines.
func (r *PurchaseOrderRepository) Insert(ctx context.Context, order domain.PurchaseOrder) error {
	if r == nil || r.base == nil {
		return errors.New("purchase order repository not initialised")
	}
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return errors.New("purchase order repository: order id is required")
	}
	docRef, err := r.base.DocumentRef(ctx, orderID)
	if err != nil {
		return err
	}
	doc := encodePurchaseOrderDocument(order)
	if _, err := docRef.Create(ctx, doc); err != nil {
		return pfirestore.WrapError("purchase_orders.insert", err)
	}
	return nil
}

// Update replaces the persisted order state with the provided snapshot.
func (r *PurchaseOrderRepository) Update(ctx context.Context, order domain.PurchaseOrder) error {
	if r == nil || r.base == nil {
		return errors.New("purchase order repository not initialised")
	}
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return errors.New("purchase order repository: order id is required")
	}
	docRef, err := r.base.DocumentRef(ctx, orderID)
	if err != nil {
		return err
	}
	doc := encodePurchaseOrderDocument(order)
	if _, err := docRef.Set(ctx, doc); err != nil {
		return pfirestore.WrapError("purchase_orders.update", err)
	}
	return nil
}

// FindByID fetches a single purchase order.
func (r *PurchaseOrderRepository) FindByID(ctx context.Context, orderID string) (domain.PurchaseOrder, error) {
	if r == nil || r.base == nil {
		return domain.PurchaseOrder{}, errors.New("purchase order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.PurchaseOrder{}, errors.New("purchase order repository: order id is required")
	}
	doc, err := r.base.Get(ctx, orderID)
	if err != nil {
		return domain.PurchaseOrder{}, err
	}
	return doc.Data.toDomain(orderID), nil
}

// List returns purchase orders matching the filter, newest first.
func (r *PurchaseOrderRepository) List(ctx context.Context, filter repositories.PurchaseOrderFilter) (domain.CursorPage[domain.PurchaseOrder], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.PurchaseOrder]{}, errors.New("purchase order repository not initialised")
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
			return domain.CursorPage[domain.PurchaseOrder]{}, fmt.Errorf("purchase order repository: invalid page token: %w", err)
		}
		startAfter = []any{tokenTime, tokenID}
	}

	vendorRef := strings.TrimSpace(filter.VendorRef)
	statuses := normalisePOStatuses(filter.Status)

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if vendorRef != "" {
			q = q.Where("vendorRef", "==", vendorRef)
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
			q = q.Where("orderedAt", ">=", filter.DateRange.From.UTC())
		}
		if filter.DateRange.To != nil {
			q = q.Where("orderedAt", "<=", filter.DateRange.To.UTC())
		}

		q = q.OrderBy("orderedAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if len(startAfter) == 2 {
			q = q.StartAfter(startAfter...)
		}
		if fetchLimit > 0 {
			q = q.Limit(fetchLimit)
		}
		return q
	})
	if err != nil {
		return domain.CursorPage[domain.PurchaseOrder]{}, err
	}

	valueDocs := docs
	nextToken := ""
	if limit > 0 && len(valueDocs) == fetchLimit {
		last := valueDocs[len(valueDocs)-1]
		nextToken = encodeTimeToken(last.Data.OrderedAt, last.ID)
		valueDocs = valueDocs[:len(valueDocs)-1]
	}

	orders := make([]domain.PurchaseOrder, 0, len(valueDocs))
	for _, doc := range valueDocs {
		orders = append(orders, doc.Data.toDomain(doc.ID))
	}

	return domain.CursorPage[domain.PurchaseOrder]{
		Items:         orders,
		NextPageToken: nextToken,
	}, nil
}

func normalisePOStatuses(statuses []domain.PurchaseOrderStatus) []string {
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

type purchaseOrderDocument struct {
	Number       string                      `firestore:"number"`
	VendorRef    string                      `firestore:"vendorRef"`
	Status       string                      `firestore:"status"`
	OrderedAt    time.Time                   `firestore:"orderedAt"`
	ExpectedAt   *time.Time                  `firestore:"expectedAt,omitempty"`
	Lines        []purchaseOrderLineDocument `firestore:"lines"`
	Totals       orderTotalsDocument         `firestore:"totals"`
	Notes        string                      `firestore:"notes,omitempty"`
	CreatedBy    string                      `firestore:"createdBy"`
	CreatedAt    time.Time                   `firestore:"createdAt"`
	UpdatedAt    time.Time                   `firestore:"updatedAt"`
	ReceivedAt   *time.Time                  `firestore:"receivedAt,omitempty"`
	CancelledAt  *time.Time                  `firestore:"cancelledAt,omitempty"`
	CancelReason string                      `firestore:"cancelReason,omitempty"`
}

type purchaseOrderLineDocument struct {
	ItemRef          string `firestore:"itemRef"`
	SKU              string `firestore:"sku"`
	Description      string `firestore:"description,omitempty"`
	Quantity         int    `firestore:"qty"`
	UnitCost         int64  `firestore:"unitCost"`
	LineTotal        int64  `firestore:"lineTotal"`
	QuantityReceived int    `firestore:"qtyReceived"`
	QuantityRejected int    `firestore:"qtyRejected"`
}

type orderTotalsDocument struct {
	Subtotal        int64 `firestore:"subtotal"`
	DiscountPercent int64 `firestore:"discountPercent"`
	DiscountAmount  int64 `firestore:"discountAmount"`
	TaxAmount       int64 `firestore:"taxAmount"`
	GrandTotal      int64 `firestore:"grandTotal"`
}

func encodeOrderTotals(totals domain.OrderTotals) orderTotalsDocument {
	return orderTotalsDocument{
		Subtotal:        totals.Subtotal,
		DiscountPercent: totals.DiscountPercent,
		DiscountAmount:  totals.DiscountAmount,
		TaxAmount:       totals.TaxAmount,
		GrandTotal:      totals.GrandTotal,
	}
}

func (d orderTotalsDocument) toDomain() domain.OrderTotals {
	return domain.OrderTotals{
		Subtotal:        d.Subtotal,
		DiscountPercent: d.DiscountPercent,
		DiscountAmount:  d.DiscountAmount,
		TaxAmount:       d.TaxAmount,
		GrandTotal:      d.GrandTotal,
	}
}

func encodePurchaseOrderDocument(order domain.PurchaseOrder) purchaseOrderDocument {
	lines := make([]purchaseOrderLineDocument, len(order.Lines))
	for i, line := range order.Lines {
		lines[i] = purchaseOrderLineDocument{
			ItemRef:          strings.TrimSpace(line.ItemRef),
			SKU:              strings.TrimSpace(line.SKU),
			Description:      strings.TrimSpace(line.Description),
			Quantity:         line.Quantity,
			UnitCost:         line.UnitCost,
			LineTotal:        line.LineTotal,
			QuantityReceived: line.QuantityReceived,
			QuantityRejected: line.QuantityRejected,
		}
	}
	return purchaseOrderDocument{
		Number:       strings.TrimSpace(order.Number),
		VendorRef:    strings.TrimSpace(order.VendorRef),
		Status:       string(order.Status),
		OrderedAt:    order.OrderedAt.UTC(),
		ExpectedAt:   order.ExpectedAt,
		Lines:        lines,
		Totals:       encodeOrderTotals(order.Totals),
		Notes:        strings.TrimSpace(order.Notes),
		CreatedBy:    strings.TrimSpace(order.CreatedBy),
		CreatedAt:    order.CreatedAt.UTC(),
		UpdatedAt:    order.UpdatedAt.UTC(),
		ReceivedAt:   order.ReceivedAt,
		CancelledAt:  order.CancelledAt,
		CancelReason: strings.TrimSpace(order.CancelReason),
	}
}

func (d purchaseOrderDocument) toDomain(id string) domain.PurchaseOrder {
	lines := make([]domain.PurchaseOrderLine, len(d.Lines))
	for i, line := range d.Lines {
		lines[i] = domain.PurchaseOrderLine{
			ItemRef:          strings.TrimSpace(line.ItemRef),
			SKU:              strings.TrimSpace(line.SKU),
			Description:      strings.TrimSpace(line.Description),
			Quantity:         line.Quantity,
			UnitCost:         line.UnitCost,
			LineTotal:        line.LineTotal,
			QuantityReceived: line.QuantityReceived,
			QuantityRejected: line.QuantityRejected,
		}
	}
	return domain.PurchaseOrder{
		ID:           id,
		Number:       strings.TrimSpace(d.Number),
		VendorRef:    strings.TrimSpace(d.VendorRef),
		Status:       domain.PurchaseOrderStatus(d.Status),
		OrderedAt:    d.OrderedAt,
		ExpectedAt:   d.ExpectedAt,
		Lines:        lines,
		Totals:       d.Totals.toDomain(),
		Notes:        strings.TrimSpace(d.Notes),
		CreatedBy:    strings.TrimSpace(d.CreatedBy),
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
		ReceivedAt:   d.ReceivedAt,
		CancelledAt:  d.CancelledAt,
		CancelReason: strings.TrimSpace(d.CancelReason),
	}
}

// ReceivingLogRepository appends immutable receiving events.
type ReceivingLogRepository struct {
	base *pfirestore.BaseRepository[receivingLogDocument]
}

// NewReceivingLogRepository constructs a Firestore-backed receiving log.
func NewReceivingLogRepository(provider *pfirestore.Provider) (*ReceivingLogRepository, error) {
	if provider == nil {
		return nil, errors.New("receiving log repository: firestore provider is required")
	}
	base := pfirestore.NewBaseRepository[receivingLogDocument](provider, receivingLogCollection, nil, nil)
	return &ReceivingLogRepository{base: base}, nil
}

// Append stores one receiving event. Entries are never mutated.
func (r *ReceivingLogRepository) Append(ctx context.Context, entry domain.ReceivingLogEntry) error {
	if r == nil || r.base == nil {
		return errors.New("receiving log repository not initialised")
	}
	entryID := strings.TrimSpace(entry.ID)
	if entryID == "" {
		return errors.New("receiving log repository: entry id is required")
	}
	docRef, err := r.base.DocumentRef(ctx, entryID)
	if err != nil {
		return err
	}
	doc := encodeReceivingLogDocument(entry)
	if _, err := docRef.Create(ctx, doc); err != nil {
		return pfirestore.WrapError("receiving_log.append", err)
	}
	return nil
}

// ListByOrder returns all receiving events for one purchase order, oldest first.
func (r *ReceivingLogRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.ReceivingLogEntry, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("receiving log repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, errors.New("receiving log repository: order id is required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("orderRef", "==", orderID).OrderBy("receivedAt", firestore.Asc)
	})
	if err != nil {
		return nil, err
	}

	entries := make([]domain.ReceivingLogEntry, 0, len(docs))
	for _, doc := range docs {
		entries = append(entries, doc.Data.toDomain(doc.ID))
	}
	return entries, nil
}

type receivingLogDocument struct {
	OrderRef   string                  `firestore:"orderRef"`
	ReceivedBy string                  `firestore:"receivedBy"`
	Lines      []receivingLineDocument `firestore:"lines"`
	ReceivedAt time.Time               `firestore:"receivedAt"`
}

type receivingLineDocument struct {
	ItemRef          string `firestore:"itemRef"`
	SKU              string `firestore:"sku"`
	QuantityAccepted int    `firestore:"qtyAccepted"`
	QuantityRejected int    `firestore:"qtyRejected"`
	RejectionReason  string `firestore:"rejectionReason,omitempty"`
}

func encodeReceivingLogDocument(entry domain.ReceivingLogEntry) receivingLogDocument {
	lines := make([]receivingLineDocument, len(entry.Lines))
	for i, line := range entry.Lines {
		lines[i] = receivingLineDocument{
			ItemRef:          strings.TrimSpace(line.ItemRef),
			SKU:              strings.TrimSpace(line.SKU),
			QuantityAccepted: line.QuantityAccepted,
			QuantityRejected: line.QuantityRejected,
			RejectionReason:  strings.TrimSpace(line.RejectionReason),
		}
	}
	return receivingLogDocument{
		OrderRef:   strings.TrimSpace(entry.OrderRef),
		ReceivedBy: strings.TrimSpace(entry.ReceivedBy),
		Lines:      lines,
		ReceivedAt: entry.ReceivedAt.UTC(),
	}
}

func (d receivingLogDocument) toDomain(id string) domain.ReceivingLogEntry {
	lines := make([]domain.ReceivingLine, len(d.Lines))
	for i, line := range d.Lines {
		lines[i] = domain.ReceivingLine{
			ItemRef:          strings.TrimSpace(line.ItemRef),
			SKU:              strings.TrimSpace(line.SKU),
			QuantityAccepted: line.QuantityAccepted,
			QuantityRejected: line.QuantityRejected,
			RejectionReason:  strings.TrimSpace(line.RejectionReason),
		}
	}
	return domain.ReceivingLogEntry{
		ID:         id,
		OrderRef:   strings.TrimSpace(d.OrderRef),
		ReceivedBy: strings.TrimSpace(d.ReceivedBy),
		Lines:      lines,
		ReceivedAt: d.ReceivedAt,
	}
}
