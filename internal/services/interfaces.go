package services

import (
	"context"
	"io"
	"time"

	domain "github.com/stockroom/api/internal/domain"
)

// Type aliases keep handler and service signatures terse while the canonical
// definitions stay in the domain package.
type (
	Item              = domain.Item
	Vendor            = domain.Vendor
	PurchaseOrder     = domain.PurchaseOrder
	PurchaseOrderLine = domain.PurchaseOrderLine
	ReceivingLine     = domain.ReceivingLine
	ReceivingLogEntry = domain.ReceivingLogEntry
	Sale              = domain.Sale
	SaleLine          = domain.SaleLine
	Invoice           = domain.Invoice
	Quote             = domain.Quote
	Return            = domain.Return
	ReturnLine        = domain.ReturnLine
	StockLevel        = domain.StockLevel
	StockReservation  = domain.StockReservation
	StockEvent        = domain.StockEvent
	OrderFormSession  = domain.OrderFormSession
	FormRow           = domain.FormRow
	OrderTotals       = domain.OrderTotals
	LookupCandidate   = domain.LookupCandidate
	RowViolation      = domain.RowViolation
	AuditLogEntry     = domain.AuditLogEntry
	Pagination        = domain.Pagination
)

// CursorPage is re-exported for handler pagination plumbing.
type CursorPage[T any] = domain.CursorPage[T]

// ---------------------------------------------------------------------------
// Order-form sessions (the line-item editing core)

// OrderFormService owns server-held editing sessions for in-progress
// documents: row collection mutations, derived totals, lookup application,
// and the submission guard.
type OrderFormService interface {
	CreateSession(ctx context.Context, cmd CreateOrderFormCommand) (OrderFormSession, error)
	GetSession(ctx context.Context, sessionID string) (OrderFormSession, error)
	AddRow(ctx context.Context, cmd MutateRowsCommand) (OrderFormSession, error)
	UpdateRow(ctx context.Context, cmd UpdateFormRowCommand) (OrderFormSession, error)
	RemoveRow(ctx context.Context, cmd RemoveFormRowCommand) (OrderFormSession, error)
	SetAdjustments(ctx context.Context, cmd SetAdjustmentsCommand) (OrderFormSession, error)
	BeginLookup(ctx context.Context, cmd BeginLookupCommand) (LookupResult, error)
	ApplySelection(ctx context.Context, cmd ApplySelectionCommand) (OrderFormSession, error)
	Validate(ctx context.Context, sessionID string) (OrderFormValidation, error)
	Submit(ctx context.Context, sessionID string) (OrderFormSubmission, error)
	Discard(ctx context.Context, sessionID string, force bool) error
}

// CreateOrderFormCommand seeds a new editing session.
type CreateOrderFormCommand struct {
	Kind            domain.OrderFormKind
	Prefix          string
	ActorRef        string
	DiscountPercent int64
	TaxRateBasisPts *int64
	SeedRows        []FormRow
}

// MutateRowsCommand addresses a session for row-count mutations.
type MutateRowsCommand struct {
	SessionID       string
	ExpectedVersion int64
}

// FormRowPatch carries partial row updates. Nil fields are left untouched;
// blank or non-numeric numeric inputs coerce to zero.
type FormRowPatch struct {
	ReferenceID *string
	SKU         *string
	Description *string
	UnitCost    *string
	UnitPrice   *string
	Quantity    *string
}

// UpdateFormRowCommand applies a patch to one row.
type UpdateFormRowCommand struct {
	SessionID       string
	RowIndex        int
	ExpectedVersion int64
	Patch           FormRowPatch
}

// RemoveFormRowCommand removes one row, subject to the last-row guard.
type RemoveFormRowCommand struct {
	SessionID       string
	RowIndex        int
	ExpectedVersion int64
}

// SetAdjustmentsCommand updates the scalar discount/tax inputs.
type SetAdjustmentsCommand struct {
	SessionID       string
	ExpectedVersion int64
	DiscountPercent *int64
	TaxRateBasisPts *int64
}

// BeginLookupCommand starts a superseding lookup for one row's widget.
type BeginLookupCommand struct {
	SessionID string
	RowIndex  int
	Target    LookupTarget
	Query     string
}

// LookupTarget selects which collection a lookup searches.
type LookupTarget string

const (
	// LookupTargetItems searches the item catalog.
	LookupTargetItems LookupTarget = "items"
	// LookupTargetVendors searches the vendor directory.
	LookupTargetVendors LookupTarget = "vendors"
)

// LookupResult carries the candidates plus the sequence a later selection
// must present to prove it has not been superseded.
type LookupResult struct {
	Seq        int64
	Candidates []LookupCandidate
	Debounce   time.Duration
}

// ApplySelectionCommand writes one candidate into a row, guarded by Seq.
type ApplySelectionCommand struct {
	SessionID       string
	RowIndex        int
	ExpectedVersion int64
	Seq             int64
	Candidate       LookupCandidate
}

// OrderFormValidation reports the submission guard's findings. Violations are
// collected across all rows rather than stopping at the first.
type OrderFormValidation struct {
	Valid       bool
	Violations  []RowViolation
	RowsDropped int
}

// OrderFormSubmission is the cleaned, validated output handed to document
// creation once a session submits.
type OrderFormSubmission struct {
	Kind        domain.OrderFormKind
	ActorRef    string
	Rows        []FormRow
	Totals      OrderTotals
	FormPayload map[string]string
	SubmittedAt time.Time
}

// ---------------------------------------------------------------------------
// Catalog

// CatalogService manages the item catalog and its search surface.
type CatalogService interface {
	CreateItem(ctx context.Context, cmd UpsertItemCommand) (Item, error)
	UpdateItem(ctx context.Context, itemID string, cmd UpsertItemCommand) (Item, error)
	DeleteItem(ctx context.Context, itemID string, actorRef string) error
	GetItem(ctx context.Context, itemID string) (Item, error)
	ListItems(ctx context.Context, filter ItemListFilter) (CursorPage[Item], error)
	SearchItems(ctx context.Context, query string, limit int) ([]LookupCandidate, error)
	ImportItemsCSV(ctx context.Context, cmd ImportItemsCommand) (ImportItemsReport, error)
}

// UpsertItemCommand carries item fields for create and update operations.
type UpsertItemCommand struct {
	SKU          string
	Barcode      string
	Name         string
	Description  string
	Category     string
	UnitCost     int64
	UnitPrice    int64
	ReorderLevel int
	VendorRef    string
	Active       *bool
	ActorRef     string
}

// ItemListFilter narrows item listings.
type ItemListFilter struct {
	Category   string
	VendorRef  string
	ActiveOnly bool
	PriceRange domain.RangeQuery[int64]
	Pagination Pagination
}

// ImportItemsCommand wraps a CSV payload for bulk item upserts.
type ImportItemsCommand struct {
	Reader   io.Reader
	ActorRef string
}

// ImportRowError describes one rejected CSV row.
type ImportRowError struct {
	Line    int
	Message string
}

// ImportItemsReport summarises a CSV import run.
type ImportItemsReport struct {
	Imported int
	Errors   []ImportRowError
}

// ---------------------------------------------------------------------------
// Vendors

// VendorService manages supplier records and the vendor search surface.
type VendorService interface {
	CreateVendor(ctx context.Context, cmd UpsertVendorCommand) (Vendor, error)
	UpdateVendor(ctx context.Context, vendorID string, cmd UpsertVendorCommand) (Vendor, error)
	DeactivateVendor(ctx context.Context, vendorID string, actorRef string) error
	GetVendor(ctx context.Context, vendorID string) (Vendor, error)
	ListVendors(ctx context.Context, filter VendorListFilter) (CursorPage[Vendor], error)
	SearchVendors(ctx context.Context, query string, limit int) ([]LookupCandidate, error)
}

// UpsertVendorCommand carries vendor fields for create and update operations.
type UpsertVendorCommand struct {
	CompanyName   string
	ContactName   string
	Email         string
	Phone         string
	Address       string
	PaymentTerms  domain.PaymentTerms
	PaymentMethod domain.PaymentMethod
	ActorRef      string
}

// VendorListFilter narrows vendor listings.
type VendorListFilter struct {
	ActiveOnly bool
	Pagination Pagination
}

// ---------------------------------------------------------------------------
// Purchase orders

// PurchaseOrderService owns the purchase order lifecycle, with creation
// persisting the header and all lines in a single transaction.
type PurchaseOrderService interface {
	CreatePurchaseOrder(ctx context.Context, cmd CreatePurchaseOrderCommand) (PurchaseOrder, error)
	GetPurchaseOrder(ctx context.Context, orderID string) (PurchaseOrder, error)
	ListPurchaseOrders(ctx context.Context, filter PurchaseOrderListFilter) (CursorPage[PurchaseOrder], error)
	ApprovePurchaseOrder(ctx context.Context, orderID string, actorRef string) (PurchaseOrder, error)
	SubmitPurchaseOrder(ctx context.Context, orderID string, actorRef string) (PurchaseOrder, error)
	CancelPurchaseOrder(ctx context.Context, orderID string, actorRef string, reason string) (PurchaseOrder, error)
	ReceivePurchaseOrder(ctx context.Context, cmd ReceivePurchaseOrderCommand) (PurchaseOrder, error)
	ListReceivingLog(ctx context.Context, orderID string) ([]ReceivingLogEntry, error)
}

// CreatePurchaseOrderLine is one requested line on a new purchase order.
type CreatePurchaseOrderLine struct {
	ItemRef     string
	SKU         string
	Description string
	Quantity    int
	UnitCost    int64
}

// CreatePurchaseOrderCommand creates a purchase order atomically with all of
// its lines.
type CreatePurchaseOrderCommand struct {
	VendorRef       string
	ExpectedAt      *time.Time
	Lines           []CreatePurchaseOrderLine
	DiscountPercent int64
	Notes           string
	ActorRef        string
}

// PurchaseOrderListFilter narrows purchase order listings.
type PurchaseOrderListFilter struct {
	VendorRef  string
	Status     []domain.PurchaseOrderStatus
	DateRange  domain.RangeQuery[time.Time]
	Pagination Pagination
}

// ReceivePurchaseOrderCommand records accepted/rejected quantities for an
// order's lines and adjusts stock accordingly.
type ReceivePurchaseOrderCommand struct {
	OrderID  string
	Lines    []ReceivingLine
	ActorRef string
}

// ---------------------------------------------------------------------------
// Inventory

// InventoryService manages stock levels and the reservation lifecycle.
type InventoryService interface {
	Reserve(ctx context.Context, cmd ReserveStockCommand) (StockReservation, error)
	Commit(ctx context.Context, cmd CommitStockCommand) (StockReservation, error)
	Release(ctx context.Context, cmd ReleaseStockCommand) (StockReservation, error)
	GetReservation(ctx context.Context, reservationID string) (StockReservation, error)
	AdjustStock(ctx context.Context, cmd AdjustStockCommand) (StockLevel, error)
	GetStockLevel(ctx context.Context, itemRef string) (StockLevel, error)
	ListStockLevels(ctx context.Context, filter StockListFilter) (CursorPage[StockLevel], error)
	ListLowStock(ctx context.Context, filter StockListFilter) (CursorPage[StockLevel], error)
}

// ReserveStockLine requests a quantity hold for one item.
type ReserveStockLine struct {
	ItemRef  string
	SKU      string
	Quantity int
}

// ReserveStockCommand places holds for a pending sale.
type ReserveStockCommand struct {
	ReservationID  string
	OrderRef       string
	ActorRef       string
	Lines          []ReserveStockLine
	IdempotencyKey string
	TTL            time.Duration
}

// CommitStockCommand converts a hold into an on-hand decrement.
type CommitStockCommand struct {
	ReservationID string
	OrderRef      string
}

// ReleaseStockCommand returns held stock to availability.
type ReleaseStockCommand struct {
	ReservationID string
	Reason        string
}

// AdjustStockCommand applies a direct on-hand delta (receiving, restock,
// shrinkage correction).
type AdjustStockCommand struct {
	ItemRef  string
	SKU      string
	Delta    int
	Reason   string
	ActorRef string
}

// StockListFilter narrows stock level listings.
type StockListFilter struct {
	Pagination Pagination
}

// ---------------------------------------------------------------------------
// Sales

// SaleService finalises point-of-sale checkouts and serves sales history.
type SaleService interface {
	Checkout(ctx context.Context, cmd CheckoutCommand) (Sale, error)
	GetSale(ctx context.Context, saleID string) (Sale, error)
	ListSales(ctx context.Context, filter SaleListFilter) (CursorPage[Sale], error)
}

// CheckoutLine is one item sold at the register. UnitPrice overrides the
// catalog price when set.
type CheckoutLine struct {
	ItemRef   string
	Quantity  int
	UnitPrice *int64
}

// CheckoutCommand captures payment and commits stock for a sale.
type CheckoutCommand struct {
	CashierRef      string
	Lines           []CheckoutLine
	DiscountPercent int64
	PaymentMethod   domain.PaymentMethod
	PaymentToken    string
	IdempotencyKey  string
}

// SaleListFilter narrows sales history listings.
type SaleListFilter struct {
	CashierRef string
	Status     []domain.SaleStatus
	DateRange  domain.RangeQuery[time.Time]
	Pagination Pagination
}

// ---------------------------------------------------------------------------
// Invoices

// InvoiceService manages customer billing documents.
type InvoiceService interface {
	CreateInvoice(ctx context.Context, cmd CreateInvoiceCommand) (Invoice, error)
	GenerateFromSale(ctx context.Context, cmd GenerateInvoiceCommand) (Invoice, error)
	MarkPaid(ctx context.Context, cmd MarkInvoicePaidCommand) (Invoice, error)
	VoidInvoice(ctx context.Context, invoiceID string, actorRef string) (Invoice, error)
	GetInvoice(ctx context.Context, invoiceID string) (Invoice, error)
	ListInvoices(ctx context.Context, filter InvoiceListFilter) (CursorPage[Invoice], error)
}

// CreateInvoiceCommand creates a draft invoice from explicit lines.
type CreateInvoiceCommand struct {
	CustomerName    string
	CustomerEmail   string
	Lines           []SaleLine
	DiscountPercent int64
	DueAt           time.Time
	ActorRef        string
}

// GenerateInvoiceCommand copies a sale's lines and totals into an invoice.
type GenerateInvoiceCommand struct {
	SaleID        string
	CustomerName  string
	CustomerEmail string
	DueAt         time.Time
	ActorRef      string
}

// MarkInvoicePaidCommand transitions an invoice to PAID.
type MarkInvoicePaidCommand struct {
	InvoiceID     string
	PaymentMethod domain.PaymentMethod
	PaymentRef    string
	PaidAt        *time.Time
	ActorRef      string
}

// InvoiceListFilter narrows invoice listings.
type InvoiceListFilter struct {
	Status     []domain.InvoiceStatus
	DateRange  domain.RangeQuery[time.Time]
	Pagination Pagination
}

// ---------------------------------------------------------------------------
// Quotes

// QuoteService manages priced offers and their conversion into sales.
type QuoteService interface {
	CreateQuote(ctx context.Context, cmd CreateQuoteCommand) (Quote, error)
	SendQuote(ctx context.Context, quoteID string, actorRef string) (Quote, error)
	AcceptQuote(ctx context.Context, quoteID string, actorRef string) (QuoteAcceptance, error)
	RejectQuote(ctx context.Context, quoteID string, actorRef string) (Quote, error)
	GetQuote(ctx context.Context, quoteID string) (Quote, error)
	ListQuotes(ctx context.Context, filter QuoteListFilter) (CursorPage[Quote], error)
}

// CreateQuoteCommand creates a draft quote.
type CreateQuoteCommand struct {
	CustomerName    string
	CustomerEmail   string
	Lines           []SaleLine
	DiscountPercent int64
	ExpiresAt       time.Time
	ActorRef        string
}

// QuoteAcceptance reports the accepted quote plus the order-form session
// seeded from it for checkout.
type QuoteAcceptance struct {
	Quote     Quote
	SessionID string
}

// QuoteListFilter narrows quote listings.
type QuoteListFilter struct {
	Status     []domain.QuoteStatus
	Pagination Pagination
}

// ---------------------------------------------------------------------------
// Returns

// ReturnService manages goods returned against sales and the resulting
// refunds.
type ReturnService interface {
	CreateReturn(ctx context.Context, cmd CreateReturnCommand) (Return, error)
	ProcessReturn(ctx context.Context, cmd ProcessReturnCommand) (Return, error)
	ProcessRefund(ctx context.Context, cmd ProcessRefundCommand) (Return, error)
	GetReturn(ctx context.Context, returnID string) (Return, error)
	ListReturns(ctx context.Context, filter ReturnListFilter) (CursorPage[Return], error)
}

// CreateReturnLine describes one returned quantity and its condition.
type CreateReturnLine struct {
	ItemRef   string
	Quantity  int
	Condition domain.ReturnCondition
}

// CreateReturnCommand opens a pending return against a sale.
type CreateReturnCommand struct {
	SaleID               string
	Lines                []CreateReturnLine
	Reason               string
	RestockingFeePercent int64
	ActorRef             string
}

// ProcessReturnCommand approves a pending return, restocking resalable lines
// and computing the refund amount.
type ProcessReturnCommand struct {
	ReturnID string
	ActorRef string
}

// ProcessRefundCommand issues the refund for an approved return.
type ProcessRefundCommand struct {
	ReturnID string
	ActorRef string
}

// ReturnListFilter narrows return listings.
type ReturnListFilter struct {
	SaleRef    string
	Status     []domain.ReturnStatus
	Pagination Pagination
}

// ---------------------------------------------------------------------------
// Counters

// CounterService manages transaction-safe sequences for document numbering.
type CounterService interface {
	Next(ctx context.Context, scope, name string, opts CounterGenerationOptions) (CounterValue, error)
	NextDocumentNumber(ctx context.Context, prefix string) (string, error)
}

// CounterGenerationOptions controls increment behaviour and formatting.
type CounterGenerationOptions struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
	Prefix       string
	Suffix       string
	PadLength    int
	Formatter    func(now time.Time, value int64) string
}

// CounterValue couples the raw sequence value with its formatted rendering.
type CounterValue struct {
	Value     int64
	Formatted string
}

// ---------------------------------------------------------------------------
// Audit

// AuditLogService records immutable audit entries for state-changing
// operations and serves the admin listing. Record is fire-and-forget:
// persistence failures are logged, never surfaced to the mutation path.
type AuditLogService interface {
	Record(ctx context.Context, record AuditLogRecord)
	List(ctx context.Context, filter AuditLogFilter) (CursorPage[AuditLogEntry], error)
}

// AuditLogDiff captures a before/after pair for one changed field.
type AuditLogDiff struct {
	Before any
	After  any
}

// AuditLogRecord captures one audit trail entry before sanitisation.
// Keys listed in the sensitive slices are hashed rather than stored.
type AuditLogRecord struct {
	Actor                 string
	ActorType             string
	Action                string
	TargetRef             string
	Metadata              map[string]any
	SensitiveMetadataKeys []string
	Diff                  map[string]AuditLogDiff
	SensitiveDiffKeys     []string
	IPAddress             string
	UserAgent             string
	Severity              string
	RequestID             string
	OccurredAt            time.Time
}

// AuditLogFilter narrows audit listings.
type AuditLogFilter struct {
	TargetRef  string
	Actor      string
	ActorType  string
	Action     string
	DateRange  domain.RangeQuery[time.Time]
	Pagination Pagination
}

// ---------------------------------------------------------------------------
// System

// SystemHealthReport is re-exported for handler plumbing.
type SystemHealthReport = domain.SystemHealthReport

// SystemService serves health reports and admin utilities.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
	ListAuditLogs(ctx context.Context, filter AuditLogFilter) (CursorPage[AuditLogEntry], error)
	NextCounterValue(ctx context.Context, cmd CounterCommand) (int64, error)
}

// CounterCommand addresses one counter in scope:name form.
type CounterCommand struct {
	CounterID string
	Step      int64
}

// ---------------------------------------------------------------------------
// Events

// EventDispatcher publishes domain events to the background message bus.
// Publishing is best effort; callers treat failures as non-fatal.
type EventDispatcher interface {
	PublishStockEvent(ctx context.Context, event StockEvent) error
	PublishSaleEvent(ctx context.Context, event SaleEventMessage) error
	PublishDocumentEvent(ctx context.Context, event DocumentEventMessage) error
}

// SaleEventMessage is published when a checkout completes or refunds.
type SaleEventMessage struct {
	Type       string    `json:"type"`
	SaleID     string    `json:"saleId"`
	Number     string    `json:"number"`
	GrandTotal int64     `json:"grandTotal"`
	Currency   string    `json:"currency"`
	OccurredAt time.Time `json:"occurredAt"`
}

// DocumentEventMessage is published on document status transitions.
type DocumentEventMessage struct {
	Type       string    `json:"type"`
	DocumentID string    `json:"documentId"`
	Number     string    `json:"number"`
	Kind       string    `json:"kind"`
	Status     string    `json:"status"`
	ActorRef   string    `json:"actorRef,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}
