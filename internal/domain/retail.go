package domain

import (
	"time"
)

// Item describes a catalog product carried in inventory. Monetary amounts are
// stored in the smallest currency unit (cents).
type Item struct {
	ID           string
	SKU          string
	Barcode      string
	Name         string
	Description  string
	Category     string
	UnitCost     int64
	UnitPrice    int64
	ReorderLevel int
	VendorRef    string
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PaymentTerms enumerates vendor payment terms.
type PaymentTerms string

const (
	PaymentTermsNet7    PaymentTerms = "NET7"
	PaymentTermsNet15   PaymentTerms = "NET15"
	PaymentTermsNet30   PaymentTerms = "NET30"
	PaymentTermsNet45   PaymentTerms = "NET45"
	PaymentTermsNet60   PaymentTerms = "NET60"
	PaymentTermsNet90   PaymentTerms = "NET90"
	PaymentTermsCOD     PaymentTerms = "COD"
	PaymentTermsPrepaid PaymentTerms = "PREPAID"
)

// PaymentMethod enumerates tender and settlement methods shared by vendors,
// sales, and invoices.
type PaymentMethod string

const (
	PaymentMethodCash   PaymentMethod = "CASH"
	PaymentMethodCredit PaymentMethod = "CREDIT"
	PaymentMethodCheck  PaymentMethod = "CHECK"
	PaymentMethodBank   PaymentMethod = "BANK"
	PaymentMethodOther  PaymentMethod = "OTHER"
)

// Vendor describes a supplier purchase orders are issued against.
type Vendor struct {
	ID            string
	Number        string
	CompanyName   string
	ContactName   string
	Email         string
	Phone         string
	Address       string
	PaymentTerms  PaymentTerms
	PaymentMethod PaymentMethod
	Active        bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PurchaseOrderStatus tracks the purchase order lifecycle.
type PurchaseOrderStatus string

const (
	// PurchaseOrderStatusDraft marks an order still being edited.
	PurchaseOrderStatusDraft PurchaseOrderStatus = "DRAFT"
	// PurchaseOrderStatusApproved marks an order approved for sending.
	PurchaseOrderStatusApproved PurchaseOrderStatus = "APPROVED"
	// PurchaseOrderStatusSubmitted marks an order sent to the vendor.
	PurchaseOrderStatusSubmitted PurchaseOrderStatus = "SUBMITTED"
	// PurchaseOrderStatusReceived marks an order fully received into stock.
	PurchaseOrderStatusReceived PurchaseOrderStatus = "RECEIVED"
	// PurchaseOrderStatusClosed marks a reconciled, finished order.
	PurchaseOrderStatusClosed PurchaseOrderStatus = "CLOSED"
	// PurchaseOrderStatusCancelled marks an order cancelled before receipt.
	PurchaseOrderStatusCancelled PurchaseOrderStatus = "CANCELLED"
)

// PurchaseOrderLine is one ordered item on a purchase order.
type PurchaseOrderLine struct {
	ItemRef          string
	SKU              string
	Description      string
	Quantity         int
	UnitCost         int64
	LineTotal        int64
	QuantityReceived int
	QuantityRejected int
}

// PurchaseOrder is the header plus nested lines, persisted atomically.
type PurchaseOrder struct {
	ID           string
	Number       string
	VendorRef    string
	Status       PurchaseOrderStatus
	OrderedAt    time.Time
	ExpectedAt   *time.Time
	Lines        []PurchaseOrderLine
	Totals       OrderTotals
	Notes        string
	CreatedBy    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ReceivedAt   *time.Time
	CancelledAt  *time.Time
	CancelReason string
}

// ReceivingLine records quantities accepted and rejected for one PO line.
type ReceivingLine struct {
	ItemRef          string
	SKU              string
	QuantityAccepted int
	QuantityRejected int
	RejectionReason  string
}

// ReceivingLogEntry is an immutable record of one receiving event against a
// purchase order.
type ReceivingLogEntry struct {
	ID         string
	OrderRef   string
	ReceivedBy string
	Lines      []ReceivingLine
	ReceivedAt time.Time
}

// SaleStatus tracks a completed sale through any refunds.
type SaleStatus string

const (
	SaleStatusCompleted         SaleStatus = "COMPLETED"
	SaleStatusRefunded          SaleStatus = "REFUNDED"
	SaleStatusPartiallyRefunded SaleStatus = "PARTIALLY_REFUNDED"
)

// SaleLine is one sold item captured at checkout time.
type SaleLine struct {
	ItemRef   string
	SKU       string
	Name      string
	Quantity  int
	UnitCost  int64
	UnitPrice int64
	LineTotal int64
}

// Sale is a finalized point-of-sale transaction.
type Sale struct {
	ID             string
	Number         string
	CashierRef     string
	Lines          []SaleLine
	Totals         OrderTotals
	PaymentMethod  PaymentMethod
	PaymentRef     string
	Status         SaleStatus
	RefundedTotal  int64
	IdempotencyKey string
	SoldAt         time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// InvoiceStatus tracks the billing lifecycle of an invoice.
type InvoiceStatus string

const (
	InvoiceStatusDraft   InvoiceStatus = "DRAFT"
	InvoiceStatusSent    InvoiceStatus = "SENT"
	InvoiceStatusPaid    InvoiceStatus = "PAID"
	InvoiceStatusOverdue InvoiceStatus = "OVERDUE"
	InvoiceStatusVoid    InvoiceStatus = "VOID"
)

// Invoice bills a customer for sold goods, optionally generated from a sale.
type Invoice struct {
	ID            string
	Number        string
	SaleRef       string
	CustomerName  string
	CustomerEmail string
	Lines         []SaleLine
	Totals        OrderTotals
	IssuedAt      time.Time
	DueAt         time.Time
	PaidAt        *time.Time
	PaymentMethod PaymentMethod
	PaymentRef    string
	Status        InvoiceStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// QuoteStatus tracks the offer lifecycle of a quote.
type QuoteStatus string

const (
	QuoteStatusDraft    QuoteStatus = "DRAFT"
	QuoteStatusSent     QuoteStatus = "SENT"
	QuoteStatusAccepted QuoteStatus = "ACCEPTED"
	QuoteStatusRejected QuoteStatus = "REJECTED"
	QuoteStatusExpired  QuoteStatus = "EXPIRED"
)

// Quote is a priced offer that may later convert into a sale.
type Quote struct {
	ID            string
	Number        string
	CustomerName  string
	CustomerEmail string
	Lines         []SaleLine
	Totals        OrderTotals
	ExpiresAt     time.Time
	Status        QuoteStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ReturnCondition classifies the physical state of returned goods.
type ReturnCondition string

const (
	// ReturnConditionResalable goods go back into available stock.
	ReturnConditionResalable ReturnCondition = "RESALABLE"
	ReturnConditionDamaged   ReturnCondition = "DAMAGED"
	ReturnConditionDefective ReturnCondition = "DEFECTIVE"
)

// ReturnStatus tracks a return through approval and refund.
type ReturnStatus string

const (
	ReturnStatusPending   ReturnStatus = "PENDING"
	ReturnStatusApproved  ReturnStatus = "APPROVED"
	ReturnStatusCompleted ReturnStatus = "COMPLETED"
	ReturnStatusRejected  ReturnStatus = "REJECTED"
)

// ReturnLine ties a returned quantity and condition back to a sale line.
type ReturnLine struct {
	ItemRef   string
	SKU       string
	Quantity  int
	UnitPrice int64
	Condition ReturnCondition
}

// Return records goods brought back against a sale, with the computed refund.
type Return struct {
	ID                   string
	Number               string
	SaleRef              string
	Lines                []ReturnLine
	Reason               string
	RestockingFeePercent int64
	RestockingFee        int64
	RefundAmount         int64
	RefundRef            string
	Status               ReturnStatus
	ProcessedBy          string
	CreatedAt            time.Time
	UpdatedAt            time.Time
	RefundedAt           *time.Time
}

// StockLevel represents current stock metrics tracked per item.
type StockLevel struct {
	ItemRef      string
	SKU          string
	OnHand       int
	Reserved     int
	Available    int
	ReorderLevel int
	UpdatedAt    time.Time
}

// StockReservationLine is one reserved item quantity.
type StockReservationLine struct {
	ItemRef  string
	SKU      string
	Quantity int
}

// StockReservation holds temporary or committed stock reservations.
type StockReservation struct {
	ID             string
	OrderRef       string
	ActorRef       string
	Status         string
	Lines          []StockReservationLine
	IdempotencyKey string
	Reason         string
	ExpiresAt      time.Time
	ReleasedAt     *time.Time
	CommittedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// StockEvent captures stock movements for downstream analytics and audit.
type StockEvent struct {
	Type          string
	ReservationID string
	OrderRef      string
	ActorRef      string
	SKU           string
	ItemRef       string
	DeltaOnHand   int
	DeltaReserved int
	OnHand        int
	Reserved      int
	OccurredAt    time.Time
	Metadata      map[string]any
}
