package services

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	"github.com/stockroom/api/internal/platform/textutil"
	"github.com/stockroom/api/internal/repositories"
)

const (
	defaultCatalogSearchLimit = 10
	maxCatalogSearchLimit     = 25
	maxImportRows             = 5000
)

var (
	// ErrCatalogInvalidInput indicates the caller supplied invalid item fields.
	ErrCatalogInvalidInput = errors.New("catalog service: invalid input")
	// ErrCatalogItemNotFound indicates the requested item does not exist.
	ErrCatalogItemNotFound = errors.New("catalog service: item not found")
	// ErrCatalogDuplicateSKU indicates another item already carries the SKU.
	ErrCatalogDuplicateSKU = errors.New("catalog service: duplicate sku")
)

// CatalogServiceDeps bundles constructor inputs for the catalog service.
type CatalogServiceDeps struct {
	Items       repositories.ItemRepository
	Audit       AuditLogService
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
	SearchLimit int
}

type catalogService struct {
	items       repositories.ItemRepository
	audit       AuditLogService
	clock       func() time.Time
	newID       func() string
	logger      func(context.Context, string, map[string]any)
	sanitize    func(string) string
	searchLimit int
}

// NewCatalogService constructs the catalog service with the supplied dependencies.
func NewCatalogService(deps CatalogServiceDeps) (CatalogService, error) {
	if deps.Items == nil {
		return nil, errors.New("catalog service: item repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return "item_" + ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	searchLimit := deps.SearchLimit
	if searchLimit <= 0 {
		searchLimit = defaultCatalogSearchLimit
	}
	if searchLimit > maxCatalogSearchLimit {
		searchLimit = maxCatalogSearchLimit
	}

	policy := bluemonday.StrictPolicy()
	return &catalogService{
		items: deps.Items,
		audit: deps.Audit,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
		sanitize: func(value string) string {
			return strings.TrimSpace(policy.Sanitize(value))
		},
		searchLimit: searchLimit,
	}, nil
}

func (s *catalogService) CreateItem(ctx context.Context, cmd UpsertItemCommand) (Item, error) {
	item, err := s.buildItem(cmd)
	if err != nil {
		return Item{}, err
	}

	if _, err := s.items.FindBySKU(ctx, item.SKU); err == nil {
		return Item{}, fmt.Errorf("%w: %s", ErrCatalogDuplicateSKU, item.SKU)
	} else if !isRepoNotFound(err) {
		return Item{}, err
	}

	now := s.clock()
	item.ID = s.newID()
	item.CreatedAt = now
	item.UpdatedAt = now

	if err := s.items.Insert(ctx, item); err != nil {
		return Item{}, err
	}

	s.recordAudit(ctx, cmd.ActorRef, "item.create", item.ID, map[string]any{"sku": item.SKU})
	return item, nil
}

func (s *catalogService) UpdateItem(ctx context.Context, itemID string, cmd UpsertItemCommand) (Item, error) {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return Item{}, fmt.Errorf("%w: item id is required", ErrCatalogInvalidInput)
	}

	existing, err := s.items.FindByID(ctx, itemID)
	if err != nil {
		if isRepoNotFound(err) {
			return Item{}, ErrCatalogItemNotFound
		}
		return Item{}, err
	}

	updated, err := s.buildItem(cmd)
	if err != nil {
		return Item{}, err
	}

	if updated.SKU != existing.SKU {
		if _, err := s.items.FindBySKU(ctx, updated.SKU); err == nil {
			return Item{}, fmt.Errorf("%w: %s", ErrCatalogDuplicateSKU, updated.SKU)
		} else if !isRepoNotFound(err) {
			return Item{}, err
		}
	}

	updated.ID = existing.ID
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = s.clock()
	if cmd.Active == nil {
		updated.Active = existing.Active
	}

	if err := s.items.Update(ctx, updated); err != nil {
		return Item{}, err
	}

	s.recordAudit(ctx, cmd.ActorRef, "item.update", updated.ID, map[string]any{"sku": updated.SKU})
	return updated, nil
}

// DeleteItem deactivates instead of removing so historical documents keep
// valid item references.
func (s *catalogService) DeleteItem(ctx context.Context, itemID string, actorRef string) error {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return fmt.Errorf("%w: item id is required", ErrCatalogInvalidInput)
	}

	item, err := s.items.FindByID(ctx, itemID)
	if err != nil {
		if isRepoNotFound(err) {
			return ErrCatalogItemNotFound
		}
		return err
	}
	if !item.Active {
		return nil
	}

	item.Active = false
	item.UpdatedAt = s.clock()
	if err := s.items.Update(ctx, item); err != nil {
		return err
	}

	s.recordAudit(ctx, actorRef, "item.deactivate", item.ID, map[string]any{"sku": item.SKU})
	return nil
}

func (s *catalogService) GetItem(ctx context.Context, itemID string) (Item, error) {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return Item{}, fmt.Errorf("%w: item id is required", ErrCatalogInvalidInput)
	}
	item, err := s.items.FindByID(ctx, itemID)
	if err != nil {
		if isRepoNotFound(err) {
			return Item{}, ErrCatalogItemNotFound
		}
		return Item{}, err
	}
	return item, nil
}

func (s *catalogService) ListItems(ctx context.Context, filter ItemListFilter) (CursorPage[Item], error) {
	return s.items.List(ctx, repositories.ItemFilter{
		Category:   strings.TrimSpace(filter.Category),
		VendorRef:  strings.TrimSpace(filter.VendorRef),
		ActiveOnly: filter.ActiveOnly,
		PriceRange: filter.PriceRange,
		Pagination: filter.Pagination,
	})
}

// SearchItems serves the lookup widget: folded substring match over name,
// SKU, and barcode, active items only.
func (s *catalogService) SearchItems(ctx context.Context, query string, limit int) ([]LookupCandidate, error) {
	folded := textutil.FoldForSearch(query)
	if folded == "" {
		return nil, nil
	}
	if limit <= 0 || limit > s.searchLimit {
		limit = s.searchLimit
	}

	items, err := s.items.Search(ctx, folded, limit)
	if err != nil {
		return nil, err
	}

	candidates := make([]LookupCandidate, 0, len(items))
	for _, item := range items {
		candidates = append(candidates, LookupCandidate{
			ID:          item.ID,
			DisplayName: item.Name,
			Code:        item.SKU,
			UnitCost:    item.UnitCost,
		})
	}
	return candidates, nil
}

// ImportItemsCSV upserts items from a CSV stream keyed by SKU. Rows are
// validated independently: a bad row is reported and skipped, never aborting
// the run.
func (s *catalogService) ImportItemsCSV(ctx context.Context, cmd ImportItemsCommand) (ImportItemsReport, error) {
	if cmd.Reader == nil {
		return ImportItemsReport{}, fmt.Errorf("%w: csv reader is required", ErrCatalogInvalidInput)
	}

	reader := csv.NewReader(cmd.Reader)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return ImportItemsReport{}, fmt.Errorf("%w: cannot read csv header: %v", ErrCatalogInvalidInput, err)
	}
	columns, err := mapImportColumns(header)
	if err != nil {
		return ImportItemsReport{}, err
	}

	report := ImportItemsReport{}
	line := 1
	for {
		line++
		if line > maxImportRows+1 {
			report.Errors = append(report.Errors, ImportRowError{Line: line, Message: fmt.Sprintf("import limited to %d rows", maxImportRows)})
			break
		}

		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			report.Errors = append(report.Errors, ImportRowError{Line: line, Message: err.Error()})
			continue
		}

		rowCmd, err := parseImportRow(columns, record)
		if err != nil {
			report.Errors = append(report.Errors, ImportRowError{Line: line, Message: err.Error()})
			continue
		}
		rowCmd.ActorRef = cmd.ActorRef

		if err := s.upsertImportRow(ctx, rowCmd); err != nil {
			report.Errors = append(report.Errors, ImportRowError{Line: line, Message: err.Error()})
			continue
		}
		report.Imported++
	}

	s.logger(ctx, "catalog.import_completed", map[string]any{
		"imported": report.Imported,
		"rejected": len(report.Errors),
	})
	return report, nil
}

func (s *catalogService) upsertImportRow(ctx context.Context, cmd UpsertItemCommand) error {
	existing, err := s.items.FindBySKU(ctx, strings.ToUpper(strings.TrimSpace(cmd.SKU)))
	if err != nil {
		if !isRepoNotFound(err) {
			return err
		}
		_, err = s.CreateItem(ctx, cmd)
		return err
	}
	_, err = s.UpdateItem(ctx, existing.ID, cmd)
	return err
}

func mapImportColumns(header []string) (map[string]int, error) {
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"sku", "name", "unit_cost", "unit_price"} {
		if _, ok := columns[required]; !ok {
			return nil, fmt.Errorf("%w: csv header missing column %q", ErrCatalogInvalidInput, required)
		}
	}
	return columns, nil
}

func parseImportRow(columns map[string]int, record []string) (UpsertItemCommand, error) {
	field := func(name string) string {
		idx, ok := columns[name]
		if !ok || idx >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[idx])
	}

	cmd := UpsertItemCommand{
		SKU:         field("sku"),
		Barcode:     field("barcode"),
		Name:        field("name"),
		Description: field("description"),
		Category:    field("category"),
		VendorRef:   field("vendor_ref"),
		UnitCost:    ParseAmount(field("unit_cost")),
		UnitPrice:   ParseAmount(field("unit_price")),
	}
	if raw := field("reorder_level"); raw != "" {
		level, err := strconv.Atoi(raw)
		if err != nil || level < 0 {
			return UpsertItemCommand{}, fmt.Errorf("invalid reorder_level %q", raw)
		}
		cmd.ReorderLevel = level
	}
	if raw := field("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			return UpsertItemCommand{}, fmt.Errorf("invalid active flag %q", raw)
		}
		cmd.Active = &active
	}
	return cmd, nil
}

func (s *catalogService) buildItem(cmd UpsertItemCommand) (Item, error) {
	sku := strings.ToUpper(strings.TrimSpace(cmd.SKU))
	if sku == "" {
		return Item{}, fmt.Errorf("%w: sku is required", ErrCatalogInvalidInput)
	}
	name := s.sanitize(cmd.Name)
	if name == "" {
		return Item{}, fmt.Errorf("%w: name is required", ErrCatalogInvalidInput)
	}
	if cmd.UnitCost <= 0 {
		return Item{}, fmt.Errorf("%w: unit cost must be positive", ErrCatalogInvalidInput)
	}
	if cmd.UnitPrice <= 0 {
		return Item{}, fmt.Errorf("%w: unit price must be positive", ErrCatalogInvalidInput)
	}
	if cmd.ReorderLevel < 0 {
		return Item{}, fmt.Errorf("%w: reorder level must not be negative", ErrCatalogInvalidInput)
	}

	active := true
	if cmd.Active != nil {
		active = *cmd.Active
	}

	return Item{
		SKU:          sku,
		Barcode:      strings.TrimSpace(cmd.Barcode),
		Name:         name,
		Description:  s.sanitize(cmd.Description),
		Category:     s.sanitize(cmd.Category),
		UnitCost:     cmd.UnitCost,
		UnitPrice:    cmd.UnitPrice,
		ReorderLevel: cmd.ReorderLevel,
		VendorRef:    strings.TrimSpace(cmd.VendorRef),
		Active:       active,
	}, nil
}

func (s *catalogService) recordAudit(ctx context.Context, actor, action, targetRef string, metadata map[string]any) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, AuditLogRecord{
		Actor:     actor,
		Action:    action,
		TargetRef: targetRef,
		Metadata:  metadata,
	})
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
