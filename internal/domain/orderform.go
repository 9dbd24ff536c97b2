package domain

import (
	"fmt"
	"time"
)

// TotalFormsField is the counter field consumed by formset-style backends to
// know how many indexed field groups were submitted.
const TotalFormsField = "TOTAL_FORMS"

// OrderTotals is the derived aggregate over a line collection. GrandTotal is
// always Subtotal - DiscountAmount + TaxAmount.
type OrderTotals struct {
	Subtotal        int64
	DiscountPercent int64
	DiscountAmount  int64
	TaxAmount       int64
	GrandTotal      int64
}

// OrderFormKind identifies which document an editing session produces.
type OrderFormKind string

const (
	OrderFormKindPurchaseOrder OrderFormKind = "purchase_order"
	OrderFormKindSale          OrderFormKind = "sale"
	OrderFormKindQuote         OrderFormKind = "quote"
	OrderFormKindReturn        OrderFormKind = "return"
)

// FormRow is one editable line in an order-form session. LineTotal is a
// derived view, recomputed on every edit and never stored authoritatively.
type FormRow struct {
	RowIndex    int
	ReferenceID string
	SKU         string
	Description string
	UnitCost    int64
	UnitPrice   int64
	Quantity    int
	LineTotal   int64
}

// FieldName renders the formset identifier for one of the row's fields,
// namespaced by the session prefix and the row's position.
func (r FormRow) FieldName(prefix, field string) string {
	return fmt.Sprintf("%s-%d-%s", prefix, r.RowIndex, field)
}

// OrderFormSession is a server-held editing session for one in-progress
// document: the mutable row collection, the scalar adjustments, and the
// dirty flag gating navigation away from unsaved changes.
type OrderFormSession struct {
	ID              string
	Kind            OrderFormKind
	Prefix          string
	ActorRef        string
	Rows            []FormRow
	DiscountPercent int64
	TaxRateBasisPts int64
	Totals          OrderTotals
	Dirty           bool
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RowCount reports the formset counter value, which always equals the number
// of rows currently in the session.
func (s OrderFormSession) RowCount() int {
	return len(s.Rows)
}

// FormPayload encodes the session as formset fields: one entry per row field
// plus the <prefix>-TOTAL_FORMS counter.
func (s OrderFormSession) FormPayload() map[string]string {
	payload := make(map[string]string, len(s.Rows)*6+1)
	payload[fmt.Sprintf("%s-%s", s.Prefix, TotalFormsField)] = fmt.Sprintf("%d", len(s.Rows))
	for _, row := range s.Rows {
		payload[row.FieldName(s.Prefix, "item")] = row.ReferenceID
		payload[row.FieldName(s.Prefix, "sku")] = row.SKU
		payload[row.FieldName(s.Prefix, "description")] = row.Description
		payload[row.FieldName(s.Prefix, "quantity")] = fmt.Sprintf("%d", row.Quantity)
		payload[row.FieldName(s.Prefix, "unit_cost")] = FormatAmount(row.UnitCost)
		payload[row.FieldName(s.Prefix, "unit_price")] = FormatAmount(row.UnitPrice)
	}
	return payload
}

// FormatAmount renders cents as the decimal string form fields post and
// accept, so payload amounts round-trip through the same parsing as user
// input.
func FormatAmount(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

// LookupCandidate is a transient search hit offered for row population. It is
// owned by a single lookup and discarded once superseded or applied.
type LookupCandidate struct {
	ID          string
	DisplayName string
	Code        string
	UnitCost    int64
}

// RowViolation describes one validation failure found by the submission
// guard, addressed by row and field so callers can focus the input.
type RowViolation struct {
	RowIndex int
	Field    string
	Rule     string
	Message  string
}
