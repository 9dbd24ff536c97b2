package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/stockroom/api/internal/domain"
	"github.com/stockroom/api/internal/repositories"
)

type stubRepositoryError struct {
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e stubRepositoryError) Error() string       { return "stub repository error" }
func (e stubRepositoryError) IsNotFound() bool    { return e.notFound }
func (e stubRepositoryError) IsConflict() bool    { return e.conflict }
func (e stubRepositoryError) IsUnavailable() bool { return e.unavailable }

type stubItemRepository struct {
	insertFn    func(ctx context.Context, item domain.Item) error
	updateFn    func(ctx context.Context, item domain.Item) error
	findByIDFn  func(ctx context.Context, itemID string) (domain.Item, error)
	findBySKUFn func(ctx context.Context, sku string) (domain.Item, error)
	listFn      func(ctx context.Context, filter repositories.ItemFilter) (domain.CursorPage[domain.Item], error)
	searchFn    func(ctx context.Context, folded string, limit int) ([]domain.Item, error)
}

func (s *stubItemRepository) Insert(ctx context.Context, item domain.Item) error {
	if s.insertFn != nil {
		return s.insertFn(ctx, item)
	}
	return nil
}

func (s *stubItemRepository) Update(ctx context.Context, item domain.Item) error {
	if s.updateFn != nil {
		return s.updateFn(ctx, item)
	}
	return nil
}

func (s *stubItemRepository) FindByID(ctx context.Context, itemID string) (domain.Item, error) {
	if s.findByIDFn != nil {
		return s.findByIDFn(ctx, itemID)
	}
	return domain.Item{}, stubRepositoryError{notFound: true}
}

func (s *stubItemRepository) FindBySKU(ctx context.Context, sku string) (domain.Item, error) {
	if s.findBySKUFn != nil {
		return s.findBySKUFn(ctx, sku)
	}
	return domain.Item{}, stubRepositoryError{notFound: true}
}

func (s *stubItemRepository) List(ctx context.Context, filter repositories.ItemFilter) (domain.CursorPage[domain.Item], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[domain.Item]{}, nil
}

func (s *stubItemRepository) Search(ctx context.Context, folded string, limit int) ([]domain.Item, error) {
	if s.searchFn != nil {
		return s.searchFn(ctx, folded, limit)
	}
	return nil, nil
}

type captureAuditService struct {
	records []AuditLogRecord
}

func (c *captureAuditService) Record(_ context.Context, record AuditLogRecord) {
	c.records = append(c.records, record)
}

func (c *captureAuditService) List(context.Context, AuditLogFilter) (CursorPage[domain.AuditLogEntry], error) {
	return CursorPage[domain.AuditLogEntry]{}, nil
}

func newCatalogForTest(t *testing.T, repo *stubItemRepository, audit AuditLogService) CatalogService {
	t.Helper()
	svc, err := NewCatalogService(CatalogServiceDeps{
		Items: repo,
		Audit: audit,
		Clock: func() time.Time {
			return time.Date(2024, time.June, 10, 9, 30, 0, 0, time.UTC)
		},
		IDGenerator: func() string { return "item_TEST" },
	})
	if err != nil {
		t.Fatalf("NewCatalogService: %v", err)
	}
	return svc
}

func TestCatalogServiceCreateItem(t *testing.T) {
	var inserted domain.Item
	repo := &stubItemRepository{
		insertFn: func(_ context.Context, item domain.Item) error {
			inserted = item
			return nil
		},
	}
	audit := &captureAuditService{}
	svc := newCatalogForTest(t, repo, audit)

	item, err := svc.CreateItem(context.Background(), UpsertItemCommand{
		SKU:          " wdg-001 ",
		Name:         "  Widget <script>alert(1)</script>  ",
		Description:  "Steel widget",
		Category:     "Hardware",
		UnitCost:     250,
		UnitPrice:    499,
		ReorderLevel: 5,
		ActorRef:     "users/u1",
	})
	if err != nil {
		t.Fatalf("CreateItem: %v", err)
	}
	if item.ID != "item_TEST" {
		t.Fatalf("unexpected id %q", item.ID)
	}
	if item.SKU != "WDG-001" {
		t.Fatalf("sku not uppercased: %q", item.SKU)
	}
	if strings.Contains(item.Name, "<script>") {
		t.Fatalf("name not sanitized: %q", item.Name)
	}
	if !item.Active {
		t.Fatalf("new item should default to active")
	}
	if inserted.ID != item.ID {
		t.Fatalf("insert not invoked with built item")
	}
	if len(audit.records) != 1 || audit.records[0].Action != "item.create" {
		t.Fatalf("expected item.create audit record, got %+v", audit.records)
	}
}

func TestCatalogServiceCreateItemValidation(t *testing.T) {
	svc := newCatalogForTest(t, &stubItemRepository{}, nil)

	cases := []struct {
		name string
		cmd  UpsertItemCommand
	}{
		{"missing sku", UpsertItemCommand{Name: "Widget", UnitCost: 100, UnitPrice: 200}},
		{"missing name", UpsertItemCommand{SKU: "WDG-001", UnitCost: 100, UnitPrice: 200}},
		{"zero cost", UpsertItemCommand{SKU: "WDG-001", Name: "Widget", UnitPrice: 200}},
		{"zero price", UpsertItemCommand{SKU: "WDG-001", Name: "Widget", UnitCost: 100}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.CreateItem(context.Background(), tc.cmd); !errors.Is(err, ErrCatalogInvalidInput) {
				t.Fatalf("expected ErrCatalogInvalidInput, got %v", err)
			}
		})
	}
}

func TestCatalogServiceCreateItemDuplicateSKU(t *testing.T) {
	repo := &stubItemRepository{
		findBySKUFn: func(_ context.Context, sku string) (domain.Item, error) {
			return domain.Item{ID: "item_other", SKU: sku}, nil
		},
	}
	svc := newCatalogForTest(t, repo, nil)

	_, err := svc.CreateItem(context.Background(), UpsertItemCommand{
		SKU: "WDG-001", Name: "Widget", UnitCost: 100, UnitPrice: 200,
	})
	if !errors.Is(err, ErrCatalogDuplicateSKU) {
		t.Fatalf("expected ErrCatalogDuplicateSKU, got %v", err)
	}
}

func TestCatalogServiceUpdateItemKeepsCreatedAtAndActive(t *testing.T) {
	created := time.Date(2023, time.January, 2, 0, 0, 0, 0, time.UTC)
	var updated domain.Item
	repo := &stubItemRepository{
		findByIDFn: func(_ context.Context, itemID string) (domain.Item, error) {
			return domain.Item{
				ID:        itemID,
				SKU:       "WDG-001",
				Name:      "Widget",
				UnitCost:  250,
				UnitPrice: 499,
				Active:    false,
				CreatedAt: created,
			}, nil
		},
		updateFn: func(_ context.Context, item domain.Item) error {
			updated = item
			return nil
		},
	}
	svc := newCatalogForTest(t, repo, nil)

	item, err := svc.UpdateItem(context.Background(), "item_1", UpsertItemCommand{
		SKU:       "WDG-001",
		Name:      "Widget v2",
		UnitCost:  260,
		UnitPrice: 549,
	})
	if err != nil {
		t.Fatalf("UpdateItem: %v", err)
	}
	if !item.CreatedAt.Equal(created) {
		t.Fatalf("CreatedAt overwritten: %v", item.CreatedAt)
	}
	if item.Active {
		t.Fatalf("Active should carry over when command omits it")
	}
	if updated.Name != "Widget v2" {
		t.Fatalf("update not persisted: %+v", updated)
	}
}

func TestCatalogServiceUpdateItemNotFound(t *testing.T) {
	svc := newCatalogForTest(t, &stubItemRepository{}, nil)

	_, err := svc.UpdateItem(context.Background(), "item_missing", UpsertItemCommand{
		SKU: "WDG-001", Name: "Widget", UnitCost: 100, UnitPrice: 200,
	})
	if !errors.Is(err, ErrCatalogItemNotFound) {
		t.Fatalf("expected ErrCatalogItemNotFound, got %v", err)
	}
}

func TestCatalogServiceDeleteItemDeactivates(t *testing.T) {
	var updated domain.Item
	repo := &stubItemRepository{
		findByIDFn: func(_ context.Context, itemID string) (domain.Item, error) {
			return domain.Item{ID: itemID, SKU: "WDG-001", Active: true}, nil
		},
		updateFn: func(_ context.Context, item domain.Item) error {
			updated = item
			return nil
		},
	}
	audit := &captureAuditService{}
	svc := newCatalogForTest(t, repo, audit)

	if err := svc.DeleteItem(context.Background(), "item_1", "users/u1"); err != nil {
		t.Fatalf("DeleteItem: %v", err)
	}
	if updated.Active {
		t.Fatalf("item should be deactivated")
	}
	if len(audit.records) != 1 || audit.records[0].Action != "item.deactivate" {
		t.Fatalf("expected item.deactivate audit record, got %+v", audit.records)
	}
}

func TestCatalogServiceSearchItems(t *testing.T) {
	var gotFolded string
	var gotLimit int
	repo := &stubItemRepository{
		searchFn: func(_ context.Context, folded string, limit int) ([]domain.Item, error) {
			gotFolded = folded
			gotLimit = limit
			return []domain.Item{
				{ID: "item_1", SKU: "WDG-001", Name: "Widget", UnitCost: 250},
			}, nil
		},
	}
	svc := newCatalogForTest(t, repo, nil)

	candidates, err := svc.SearchItems(context.Background(), "  Widget ", 5)
	if err != nil {
		t.Fatalf("SearchItems: %v", err)
	}
	if gotFolded != "widget" {
		t.Fatalf("query not folded: %q", gotFolded)
	}
	if gotLimit != 5 {
		t.Fatalf("limit not forwarded: %d", gotLimit)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected one candidate, got %d", len(candidates))
	}
	got := candidates[0]
	if got.ID != "item_1" || got.DisplayName != "Widget" || got.Code != "WDG-001" || got.UnitCost != 250 {
		t.Fatalf("unexpected candidate: %+v", got)
	}
}

func TestCatalogServiceSearchItemsBlankQuery(t *testing.T) {
	repo := &stubItemRepository{
		searchFn: func(context.Context, string, int) ([]domain.Item, error) {
			t.Fatalf("search should not be invoked for blank queries")
			return nil, nil
		},
	}
	svc := newCatalogForTest(t, repo, nil)

	candidates, err := svc.SearchItems(context.Background(), "   ", 5)
	if err != nil {
		t.Fatalf("SearchItems: %v", err)
	}
	if candidates != nil {
		t.Fatalf("expected nil candidates, got %+v", candidates)
	}
}

func TestCatalogServiceImportItemsCSV(t *testing.T) {
	byID := map[string]domain.Item{}
	bySKU := map[string]domain.Item{}
	bySKU["WDG-001"] = domain.Item{ID: "item_existing", SKU: "WDG-001", Name: "Widget", UnitCost: 200, UnitPrice: 400, Active: true}
	byID["item_existing"] = bySKU["WDG-001"]

	repo := &stubItemRepository{
		insertFn: func(_ context.Context, item domain.Item) error {
			byID[item.ID] = item
			bySKU[item.SKU] = item
			return nil
		},
		updateFn: func(_ context.Context, item domain.Item) error {
			byID[item.ID] = item
			bySKU[item.SKU] = item
			return nil
		},
		findByIDFn: func(_ context.Context, itemID string) (domain.Item, error) {
			if item, ok := byID[itemID]; ok {
				return item, nil
			}
			return domain.Item{}, stubRepositoryError{notFound: true}
		},
		findBySKUFn: func(_ context.Context, sku string) (domain.Item, error) {
			if item, ok := bySKU[sku]; ok {
				return item, nil
			}
			return domain.Item{}, stubRepositoryError{notFound: true}
		},
	}
	svc := newCatalogForTest(t, repo, nil)

	csvBody := strings.Join([]string{
		"sku,name,description,category,unit_cost,unit_price,reorder_level",
		"WDG-001,Widget Revised,,Hardware,2.50,4.99,10",
		"BLT-002,Bolt,,Hardware,0.10,0.25,100",
		"BAD-003,,,Hardware,1.00,2.00,0",
	}, "\n")

	report, err := svc.ImportItemsCSV(context.Background(), ImportItemsCommand{
		Reader:   strings.NewReader(csvBody),
		ActorRef: "users/u1",
	})
	if err != nil {
		t.Fatalf("ImportItemsCSV: %v", err)
	}
	if report.Imported != 2 {
		t.Fatalf("expected 2 imported rows, got %d", report.Imported)
	}
	if len(report.Errors) != 1 || report.Errors[0].Line != 4 {
		t.Fatalf("expected one error on line 4, got %+v", report.Errors)
	}

	revised := bySKU["WDG-001"]
	if revised.ID != "item_existing" {
		t.Fatalf("existing item should be updated in place, got %+v", revised)
	}
	if revised.Name != "Widget Revised" || revised.UnitCost != 250 || revised.UnitPrice != 499 || revised.ReorderLevel != 10 {
		t.Fatalf("existing item fields not updated: %+v", revised)
	}
	bolt := bySKU["BLT-002"]
	if bolt.ID == "" || bolt.UnitCost != 10 || bolt.UnitPrice != 25 {
		t.Fatalf("new item not created from csv: %+v", bolt)
	}
}

func TestCatalogServiceImportItemsCSVMissingHeader(t *testing.T) {
	svc := newCatalogForTest(t, &stubItemRepository{}, nil)

	_, err := svc.ImportItemsCSV(context.Background(), ImportItemsCommand{
		Reader: strings.NewReader("sku,name\nWDG-001,Widget"),
	})
	if !errors.Is(err, ErrCatalogInvalidInput) {
		t.Fatalf("expected ErrCatalogInvalidInput for missing columns, got %v", err)
	}
}
