package services

import (
	"testing"

	domain "github.com/stockroom/api/internal/domain"
)

func TestLineTotalExactProducts(t *testing.T) {
	cases := []struct {
		quantity int
		unit     int64
		want     int64
	}{
		{0, 1000, 0},
		{1, 0, 0},
		{2, 1000, 2000},
		{3, 333, 999},
		{7, 199, 1393},
		{-1, 500, 0},
	}
	for _, tc := range cases {
		if got := LineTotal(tc.quantity, tc.unit); got != tc.want {
			t.Fatalf("LineTotal(%d, %d) = %d, want %d", tc.quantity, tc.unit, got, tc.want)
		}
	}
}

func TestComputeTotalsCheckoutScenario(t *testing.T) {
	rows := []domain.FormRow{
		{RowIndex: 0, Quantity: 2, UnitCost: 1000},
		{RowIndex: 1, Quantity: 1, UnitCost: 500},
	}

	totals := ComputeTotals(rows, BasisUnitCost, 10, 1000)

	if totals.Subtotal != 2500 {
		t.Fatalf("subtotal = %d, want 2500", totals.Subtotal)
	}
	if totals.DiscountAmount != 250 {
		t.Fatalf("discount = %d, want 250", totals.DiscountAmount)
	}
	if totals.TaxAmount != 225 {
		t.Fatalf("tax = %d, want 225", totals.TaxAmount)
	}
	if totals.GrandTotal != 2475 {
		t.Fatalf("grand total = %d, want 2475", totals.GrandTotal)
	}
}

func TestComputeTotalsSubtotalTracksSingleRowDelta(t *testing.T) {
	rows := []domain.FormRow{
		{Quantity: 4, UnitPrice: 1250},
		{Quantity: 2, UnitPrice: 300},
		{Quantity: 1, UnitPrice: 9999},
	}
	before := ComputeTotals(rows, BasisUnitPrice, 0, 0)

	rows[1].Quantity = 5
	after := ComputeTotals(rows, BasisUnitPrice, 0, 0)

	delta := LineTotal(5, 300) - LineTotal(2, 300)
	if after.Subtotal-before.Subtotal != delta {
		t.Fatalf("subtotal delta = %d, want %d", after.Subtotal-before.Subtotal, delta)
	}
}

func TestComputeTotalsNegativeAdjustmentsClamp(t *testing.T) {
	rows := []domain.FormRow{{Quantity: 1, UnitPrice: 1000}}
	totals := ComputeTotals(rows, BasisUnitPrice, -5, -200)
	if totals.DiscountAmount != 0 || totals.TaxAmount != 0 {
		t.Fatalf("negative adjustments must clamp to zero, got %+v", totals)
	}
	if totals.GrandTotal != 1000 {
		t.Fatalf("grand total = %d, want 1000", totals.GrandTotal)
	}
}

func TestMargin(t *testing.T) {
	cases := []struct {
		price int64
		cost  int64
		want  string
	}{
		{0, 100, MarginNotApplicable},
		{-100, 0, MarginNotApplicable},
		{500, 500, MarginNotApplicable},
		{500, 600, MarginNotApplicable},
		{1000, 500, "50.00%"},
		{1000, 750, "25.00%"},
		{300, 100, "66.67%"},
		{999, 0, "100.00%"},
	}
	for _, tc := range cases {
		if got := Margin(tc.price, tc.cost); got != tc.want {
			t.Fatalf("Margin(%d, %d) = %q, want %q", tc.price, tc.cost, got, tc.want)
		}
	}
}

func TestParseAmountCoercesBadInputToZero(t *testing.T) {
	cases := map[string]int64{
		"":       0,
		"  ":     0,
		"abc":    0,
		"-5":     0,
		"10":     1000,
		"10.5":   1050,
		"10.50":  1050,
		"10.509": 1050,
		"0.99":   99,
	}
	for raw, want := range cases {
		if got := ParseAmount(raw); got != want {
			t.Fatalf("ParseAmount(%q) = %d, want %d", raw, got, want)
		}
	}
}

func TestParseQuantityCoercesBadInputToZero(t *testing.T) {
	cases := map[string]int{
		"":    0,
		"x":   0,
		"-3":  0,
		"0":   0,
		"12":  12,
		" 7 ": 7,
	}
	for raw, want := range cases {
		if got := ParseQuantity(raw); got != want {
			t.Fatalf("ParseQuantity(%q) = %d, want %d", raw, got, want)
		}
	}
}

func TestFormatAmount(t *testing.T) {
	if got := FormatAmount(2475); got != "24.75" {
		t.Fatalf("FormatAmount(2475) = %q, want 24.75", got)
	}
	if got := FormatAmount(-50); got != "-0.50" {
		t.Fatalf("FormatAmount(-50) = %q, want -0.50", got)
	}
}
