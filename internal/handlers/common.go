package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/stockroom/api/internal/services"
)

const (
	defaultListPageSize = 20
	maxListPageSize     = 100

	maxDocumentBodySize = 64 * 1024
	maxImportBodySize   = 1 << 20
)

var (
	errBodyTooLarge = errors.New("request body too large")
	errEmptyBody    = errors.New("request body is required")
)

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	if limit <= 0 {
		limit = maxDocumentBodySize
	}
	reader := io.LimitReader(r.Body, limit+1)
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func pointerTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// parseListPagination extracts page_size/page_token from the query string,
// clamping page_size to the handler-wide maximum.
func parseListPagination(query url.Values) (services.Pagination, error) {
	pageSize := defaultListPageSize
	if raw := strings.TrimSpace(query.Get("page_size")); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil {
			return services.Pagination{}, errors.New("page_size must be an integer")
		}
		switch {
		case size <= 0:
			pageSize = defaultListPageSize
		case size > maxListPageSize:
			pageSize = maxListPageSize
		default:
			pageSize = size
		}
	}
	return services.Pagination{
		PageSize:  pageSize,
		PageToken: strings.TrimSpace(query.Get("page_token")),
	}, nil
}

func parseFilterValues(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{})
	filters := make([]string, 0, len(values))
	for _, raw := range values {
		for _, part := range strings.Split(raw, ",") {
			trimmed := strings.ToUpper(strings.TrimSpace(part))
			if trimmed == "" {
				continue
			}
			if _, exists := seen[trimmed]; exists {
				continue
			}
			seen[trimmed] = struct{}{}
			filters = append(filters, trimmed)
		}
	}
	return filters
}

func parseTimeParam(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("timestamp is empty")
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("must be RFC3339 timestamp")
}

// totalsPayload serialises derived document totals.
type totalsPayload struct {
	Subtotal        int64 `json:"subtotal"`
	DiscountPercent int64 `json:"discount_percent"`
	DiscountAmount  int64 `json:"discount_amount"`
	TaxAmount       int64 `json:"tax_amount"`
	GrandTotal      int64 `json:"grand_total"`
}

func buildTotalsPayload(totals services.OrderTotals) totalsPayload {
	return totalsPayload{
		Subtotal:        totals.Subtotal,
		DiscountPercent: totals.DiscountPercent,
		DiscountAmount:  totals.DiscountAmount,
		TaxAmount:       totals.TaxAmount,
		GrandTotal:      totals.GrandTotal,
	}
}

// saleLinePayload serialises the frozen line snapshot shared by sales,
// invoices, and quotes.
type saleLinePayload struct {
	ItemRef   string `json:"item_ref"`
	SKU       string `json:"sku"`
	Name      string `json:"name,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitCost  int64  `json:"unit_cost,omitempty"`
	UnitPrice int64  `json:"unit_price"`
	LineTotal int64  `json:"line_total"`
}

func buildSaleLinePayloads(lines []services.SaleLine) []saleLinePayload {
	result := make([]saleLinePayload, 0, len(lines))
	for _, line := range lines {
		result = append(result, saleLinePayload{
			ItemRef:   line.ItemRef,
			SKU:       line.SKU,
			Name:      line.Name,
			Quantity:  line.Quantity,
			UnitCost:  line.UnitCost,
			UnitPrice: line.UnitPrice,
			LineTotal: line.LineTotal,
		})
	}
	return result
}

// saleLineRequest decodes explicit document lines for invoices and quotes.
type saleLineRequest struct {
	ItemRef   string `json:"item_ref"`
	SKU       string `json:"sku"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitCost  int64  `json:"unit_cost"`
	UnitPrice int64  `json:"unit_price"`
}

func buildSaleLinesFromRequest(lines []saleLineRequest) []services.SaleLine {
	result := make([]services.SaleLine, 0, len(lines))
	for _, line := range lines {
		result = append(result, services.SaleLine{
			ItemRef:   strings.TrimSpace(line.ItemRef),
			SKU:       strings.TrimSpace(line.SKU),
			Name:      strings.TrimSpace(line.Name),
			Quantity:  line.Quantity,
			UnitCost:  line.UnitCost,
			UnitPrice: line.UnitPrice,
		})
	}
	return result
}

// lookupCandidatePayload serialises one search hit for lookup widgets.
type lookupCandidatePayload struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Code        string `json:"code,omitempty"`
	UnitCost    int64  `json:"unit_cost,omitempty"`
}

func buildLookupCandidatePayloads(candidates []services.LookupCandidate) []lookupCandidatePayload {
	result := make([]lookupCandidatePayload, 0, len(candidates))
	for _, candidate := range candidates {
		result = append(result, lookupCandidatePayload{
			ID:          candidate.ID,
			DisplayName: candidate.DisplayName,
			Code:        candidate.Code,
			UnitCost:    candidate.UnitCost,
		})
	}
	return result
}
