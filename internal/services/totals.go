package services

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	domain "github.com/stockroom/api/internal/domain"
)

// MarginNotApplicable is returned when a line has no meaningful margin,
// that is when unit price is zero or does not strictly exceed unit cost.
const MarginNotApplicable = "N/A"

// CostBasis selects which unit amount a line total multiplies.
type CostBasis int

const (
	// BasisUnitCost totals against unit cost (purchasing contexts).
	BasisUnitCost CostBasis = iota
	// BasisUnitPrice totals against unit price (sales contexts).
	BasisUnitPrice
)

// basisFor maps a document kind to its totalling basis. Purchase orders buy
// at cost; sales, quotes, and returns price at retail.
func basisFor(kind domain.OrderFormKind) CostBasis {
	if kind == domain.OrderFormKindPurchaseOrder {
		return BasisUnitCost
	}
	return BasisUnitPrice
}

// LineTotal multiplies quantity by the basis amount in cents. Negative inputs
// contribute nothing and the product saturates instead of wrapping.
func LineTotal(quantity int, unit int64) int64 {
	if quantity <= 0 || unit <= 0 {
		return 0
	}
	if unit > math.MaxInt64/int64(quantity) {
		return math.MaxInt64
	}
	return int64(quantity) * unit
}

// ComputeTotals derives the full aggregate over the rows: subtotal, discount
// amount, tax, and grand total. Division rounds half-up on the cent.
// Everything is recomputed from scratch on each call; at form scale the
// O(rows) pass per edit is the intended immediate-feedback design.
func ComputeTotals(rows []domain.FormRow, basis CostBasis, discountPercent int64, taxRateBasisPts int64) domain.OrderTotals {
	var subtotal int64
	for _, row := range rows {
		unit := row.UnitCost
		if basis == BasisUnitPrice {
			unit = row.UnitPrice
		}
		subtotal = saturatingAdd(subtotal, LineTotal(row.Quantity, unit))
	}

	if discountPercent < 0 {
		discountPercent = 0
	}
	if taxRateBasisPts < 0 {
		taxRateBasisPts = 0
	}

	discountAmount := divRoundHalfUp(subtotal*discountPercent, 100)
	taxable := subtotal - discountAmount
	taxAmount := divRoundHalfUp(taxable*taxRateBasisPts, 10000)

	return domain.OrderTotals{
		Subtotal:        subtotal,
		DiscountPercent: discountPercent,
		DiscountAmount:  discountAmount,
		TaxAmount:       taxAmount,
		GrandTotal:      subtotal - discountAmount + taxAmount,
	}
}

// RecomputeRows refreshes every row's derived LineTotal against the basis.
func RecomputeRows(rows []domain.FormRow, basis CostBasis) {
	for i := range rows {
		unit := rows[i].UnitCost
		if basis == BasisUnitPrice {
			unit = rows[i].UnitPrice
		}
		rows[i].LineTotal = LineTotal(rows[i].Quantity, unit)
	}
}

// Margin renders the profit percentage of price over cost, formatted to two
// decimals with a percent suffix. Lines that are not strictly profitable
// report the not-applicable sentinel.
func Margin(unitPrice, unitCost int64) string {
	if unitPrice <= 0 || unitPrice <= unitCost {
		return MarginNotApplicable
	}
	// Margin in hundredths of a percent, rounded half-up.
	bp := divRoundHalfUp((unitPrice-unitCost)*10000, unitPrice)
	return fmt.Sprintf("%d.%02d%%", bp/100, bp%100)
}

// ParseAmount converts a user-supplied decimal string into cents. Blank or
// non-numeric input coerces to zero rather than erroring; negative amounts
// clamp to zero. At most two fraction digits are honoured.
func ParseAmount(raw string) int64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	whole, frac, _ := strings.Cut(raw, ".")
	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || units < 0 {
		return 0
	}
	cents := units * 100
	if frac != "" {
		if len(frac) > 2 {
			frac = frac[:2]
		}
		for len(frac) < 2 {
			frac += "0"
		}
		fracVal, err := strconv.ParseInt(frac, 10, 64)
		if err != nil || fracVal < 0 {
			return cents
		}
		cents += fracVal
	}
	return cents
}

// ParseQuantity converts a user-supplied count. Blank, non-numeric, or
// negative input coerces to zero.
func ParseQuantity(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	qty, err := strconv.Atoi(raw)
	if err != nil || qty < 0 {
		return 0
	}
	return qty
}

// FormatAmount renders cents as a decimal string for form payloads.
func FormatAmount(cents int64) string {
	return domain.FormatAmount(cents)
}

func divRoundHalfUp(numerator, denominator int64) int64 {
	if denominator <= 0 {
		return 0
	}
	if numerator < 0 {
		return -((-numerator + denominator/2) / denominator)
	}
	return (numerator + denominator/2) / denominator
}

func saturatingAdd(a, b int64) int64 {
	if a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}
