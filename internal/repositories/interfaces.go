package repositories

import (
	"context"
	"time"

	domain "github.com/stockroom/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Items() ItemRepository
	Vendors() VendorRepository
	PurchaseOrders() PurchaseOrderRepository
	ReceivingLog() ReceivingLogRepository
	Stock() StockRepository
	Sales() SaleRepository
	Invoices() InvoiceRepository
	Quotes() QuoteRepository
	Returns() ReturnRepository
	AuditLogs() AuditLogRepository
	Counters() CounterRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// ItemRepository persists catalog items and serves the lookup search surface.
type ItemRepository interface {
	Insert(ctx context.Context, item domain.Item) error
	Update(ctx context.Context, item domain.Item) error
	FindByID(ctx context.Context, itemID string) (domain.Item, error)
	FindBySKU(ctx context.Context, sku string) (domain.Item, error)
	List(ctx context.Context, filter ItemFilter) (domain.CursorPage[domain.Item], error)
	// Search matches against pre-folded name, SKU, and barcode keywords and
	// returns at most limit active items.
	Search(ctx context.Context, folded string, limit int) ([]domain.Item, error)
}

// VendorRepository persists supplier records.
type VendorRepository interface {
	Insert(ctx context.Context, vendor domain.Vendor) error
	Update(ctx context.Context, vendor domain.Vendor) error
	FindByID(ctx context.Context, vendorID string) (domain.Vendor, error)
	List(ctx context.Context, filter VendorFilter) (domain.CursorPage[domain.Vendor], error)
	Search(ctx context.Context, folded string, limit int) ([]domain.Vendor, error)
}

// PurchaseOrderRepository stores purchase order headers with their nested
// lines as a single document so creation is atomic.
type PurchaseOrderRepository interface {
	Insert(ctx context.Context, order domain.PurchaseOrder) error
	Update(ctx context.Context, order domain.PurchaseOrder) error
	FindByID(ctx context.Context, orderID string) (domain.PurchaseOrder, error)
	List(ctx context.Context, filter PurchaseOrderFilter) (domain.CursorPage[domain.PurchaseOrder], error)
}

// ReceivingLogRepository appends immutable receiving events per purchase order.
type ReceivingLogRepository interface {
	Append(ctx context.Context, entry domain.ReceivingLogEntry) error
	ListByOrder(ctx context.Context, orderID string) ([]domain.ReceivingLogEntry, error)
}

// StockRepository manages stock levels and the reservation lifecycle with transactional guarantees.
type StockRepository interface {
	Reserve(ctx context.Context, req StockReserveRequest) (StockReserveResult, error)
	Commit(ctx context.Context, req StockCommitRequest) (StockCommitResult, error)
	Release(ctx context.Context, req StockReleaseRequest) (StockReleaseResult, error)
	GetReservation(ctx context.Context, reservationID string) (domain.StockReservation, error)
	FindReservationByIdempotencyKey(ctx context.Context, key string) (domain.StockReservation, error)
	Adjust(ctx context.Context, req StockAdjustRequest) (domain.StockLevel, error)
	GetLevel(ctx context.Context, itemRef string) (domain.StockLevel, error)
	ListLevels(ctx context.Context, query StockLevelQuery) (domain.CursorPage[domain.StockLevel], error)
	ListLowStock(ctx context.Context, query StockLevelQuery) (domain.CursorPage[domain.StockLevel], error)
}

// StockReserveRequest encapsulates reservation creation metadata for the repository.
type StockReserveRequest struct {
	Reservation domain.StockReservation
	Now         time.Time
}

// StockReserveResult returns the saved reservation and updated stock projections.
type StockReserveResult struct {
	Reservation domain.StockReservation
	Levels      map[string]domain.StockLevel
}

// StockCommitRequest finalises a reservation and decrements on-hand counts.
type StockCommitRequest struct {
	ReservationID string
	OrderRef      string
	Now           time.Time
}

// StockCommitResult reports the updated reservation and stock metrics after commit.
type StockCommitResult struct {
	Reservation domain.StockReservation
	Levels      map[string]domain.StockLevel
}

// StockReleaseRequest restores reserved stock back to availability.
type StockReleaseRequest struct {
	ReservationID string
	Reason        string
	Now           time.Time
}

// StockReleaseResult reports the reservation and stock metrics after release.
type StockReleaseResult struct {
	Reservation domain.StockReservation
	Levels      map[string]domain.StockLevel
}

// StockAdjustRequest applies a direct on-hand delta for one item.
type StockAdjustRequest struct {
	ItemRef      string
	SKU          string
	Delta        int
	ReorderLevel *int
	Reason       string
	Now          time.Time
}

// StockLevelQuery controls pagination and threshold filtering for stock listings.
type StockLevelQuery struct {
	Threshold  *int
	Pagination domain.Pagination
}

// SaleRepository persists finalized point-of-sale transactions.
type SaleRepository interface {
	Insert(ctx context.Context, sale domain.Sale) error
	Update(ctx context.Context, sale domain.Sale) error
	FindByID(ctx context.Context, saleID string) (domain.Sale, error)
	FindByIdempotencyKey(ctx context.Context, key string) (domain.Sale, error)
	List(ctx context.Context, filter SaleFilter) (domain.CursorPage[domain.Sale], error)
}

// InvoiceRepository persists billing documents.
type InvoiceRepository interface {
	Insert(ctx context.Context, invoice domain.Invoice) error
	Update(ctx context.Context, invoice domain.Invoice) error
	FindByID(ctx context.Context, invoiceID string) (domain.Invoice, error)
	List(ctx context.Context, filter InvoiceFilter) (domain.CursorPage[domain.Invoice], error)
}

// QuoteRepository persists priced offers.
type QuoteRepository interface {
	Insert(ctx context.Context, quote domain.Quote) error
	Update(ctx context.Context, quote domain.Quote) error
	FindByID(ctx context.Context, quoteID string) (domain.Quote, error)
	List(ctx context.Context, filter QuoteFilter) (domain.CursorPage[domain.Quote], error)
}

// ReturnRepository persists returns and their refund state.
type ReturnRepository interface {
	Insert(ctx context.Context, ret domain.Return) error
	Update(ctx context.Context, ret domain.Return) error
	FindByID(ctx context.Context, returnID string) (domain.Return, error)
	List(ctx context.Context, filter ReturnFilter) (domain.CursorPage[domain.Return], error)
}

// AuditLogRepository persists immutable audit trail entries.
type AuditLogRepository interface {
	Append(ctx context.Context, entry domain.AuditLogEntry) error
	List(ctx context.Context, filter AuditLogFilter) (domain.CursorPage[domain.AuditLogEntry], error)
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// Filter DTOs shared across repositories ------------------------------------

type ItemFilter struct {
	Category   string
	VendorRef  string
	ActiveOnly bool
	PriceRange domain.RangeQuery[int64]
	Pagination domain.Pagination
}

type VendorFilter struct {
	ActiveOnly bool
	Pagination domain.Pagination
}

type PurchaseOrderFilter struct {
	VendorRef  string
	Status     []domain.PurchaseOrderStatus
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

type SaleFilter struct {
	CashierRef string
	Status     []domain.SaleStatus
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

type InvoiceFilter struct {
	Status     []domain.InvoiceStatus
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

type QuoteFilter struct {
	Status     []domain.QuoteStatus
	Pagination domain.Pagination
}

type ReturnFilter struct {
	SaleRef    string
	Status     []domain.ReturnStatus
	Pagination domain.Pagination
}

type AuditLogFilter struct {
	TargetRef  string
	Actor      string
	ActorType  string
	Action     string
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

// CounterConfig customises increment behaviour and bounds for a counter.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}
