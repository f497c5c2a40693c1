package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Shop struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	OwnerUsername    string    `json:"owner_username"`
	InvoicingEnabled bool      `json:"invoicing_enabled"`
	CreatedAt        time.Time `json:"created_at"`
}

type Product struct {
	ID         string           `json:"id"`
	ShopID     string           `json:"shop_id"`
	Name       string           `json:"name"`
	SellPrice  decimal.Decimal  `json:"sell_price"`
	BuyPrice   *decimal.Decimal `json:"buy_price,omitempty"`
	StockQty   decimal.Decimal  `json:"stock_qty"`
	TrackStock bool             `json:"track_stock"`
	IsActive   bool             `json:"is_active"`
}

type Customer struct {
	ID       string          `json:"id"`
	ShopID   string          `json:"shop_id"`
	Name     string          `json:"name"`
	Phone    string          `json:"phone,omitempty"`
	TotalDue decimal.Decimal `json:"total_due"`
}

type UserAccount struct {
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Role      string    `json:"role"`
	ShopID    string    `json:"shop_id"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type Actor struct {
	Username string
	Role     string
	ShopID   string
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ShopID      string `json:"shop_id"`
	ExpiresAt   string `json:"expires_at"`
}

type Sale struct {
	ID             string          `json:"id"`
	ShopID         string          `json:"shop_id"`
	CustomerID     string          `json:"customer_id,omitempty"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	PaidAmount     decimal.Decimal `json:"paid_amount"`
	PaymentMethod  string          `json:"payment_method"`
	Status         string          `json:"status"`
	VoidReason     string          `json:"void_reason,omitempty"`
	VoidedAt       *time.Time      `json:"voided_at,omitempty"`
	InvoiceNo      string          `json:"invoice_no,omitempty"`
	Note           string          `json:"note,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	ReissuedFromID string          `json:"reissued_from_id,omitempty"`
	CreatedBy      string          `json:"created_by"`
	SaleDate       time.Time       `json:"sale_date"`
	BusinessDate   string          `json:"business_date"`
	Items          []SaleItem      `json:"items"`
}

// DueAmount is the part of the total left on the customer's account at sale time.
func (s Sale) DueAmount() decimal.Decimal {
	if s.PaymentMethod != PaymentMethodDue {
		return decimal.Zero
	}
	return s.TotalAmount.Sub(s.PaidAmount)
}

type SaleItem struct {
	ID          string           `json:"id"`
	SaleID      string           `json:"sale_id"`
	ProductID   string           `json:"product_id"`
	ProductName string           `json:"product_name"`
	Quantity    decimal.Decimal  `json:"quantity"`
	UnitPrice   decimal.Decimal  `json:"unit_price"`
	CostAtSale  *decimal.Decimal `json:"cost_at_sale,omitempty"`
	LineTotal   decimal.Decimal  `json:"line_total"`
}

type CustomerLedgerEntry struct {
	ID           string          `json:"id"`
	ShopID       string          `json:"shop_id"`
	CustomerID   string          `json:"customer_id"`
	EntryType    string          `json:"entry_type"`
	Amount       decimal.Decimal `json:"amount"`
	Description  string          `json:"description"`
	SaleID       string          `json:"sale_id,omitempty"`
	EntryDate    time.Time       `json:"entry_date"`
	BusinessDate string          `json:"business_date"`
}

type CashEntry struct {
	ID           string          `json:"id"`
	ShopID       string          `json:"shop_id"`
	EntryType    string          `json:"entry_type"`
	Amount       decimal.Decimal `json:"amount"`
	Reason       string          `json:"reason"`
	RefType      string          `json:"ref_type,omitempty"`
	RefID        string          `json:"ref_id,omitempty"`
	BusinessDate string          `json:"business_date"`
	CreatedAt    time.Time       `json:"created_at"`
}

type SaleReturn struct {
	ID                     string                   `json:"id"`
	ShopID                 string                   `json:"shop_id"`
	SaleID                 string                   `json:"sale_id"`
	ReturnNo               string                   `json:"return_no"`
	Type                   string                   `json:"type"`
	Status                 string                   `json:"status"`
	SettlementMode         string                   `json:"settlement_mode"`
	Subtotal               decimal.Decimal          `json:"subtotal"`
	ExchangeSubtotal       decimal.Decimal          `json:"exchange_subtotal"`
	NetAmount              decimal.Decimal          `json:"net_amount"`
	RefundAmount           decimal.Decimal          `json:"refund_amount"`
	AdditionalCashInAmount decimal.Decimal          `json:"additional_cash_in_amount"`
	DueAdjustmentAmount    decimal.Decimal          `json:"due_adjustment_amount"`
	AdditionalDueAmount    decimal.Decimal          `json:"additional_due_amount"`
	Reason                 string                   `json:"reason,omitempty"`
	Note                   string                   `json:"note,omitempty"`
	BusinessDate           string                   `json:"business_date"`
	CreatedBy              string                   `json:"created_by"`
	CreatedAt              time.Time                `json:"created_at"`
	Items                  []SaleReturnItem         `json:"items"`
	ExchangeItems          []SaleReturnExchangeItem `json:"exchange_items,omitempty"`
}

type SaleReturnItem struct {
	ID          string          `json:"id"`
	ReturnID    string          `json:"return_id"`
	SaleItemID  string          `json:"sale_item_id"`
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	LineTotal   decimal.Decimal `json:"line_total"`
}

type SaleReturnExchangeItem struct {
	ID          string          `json:"id"`
	ReturnID    string          `json:"return_id"`
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	LineTotal   decimal.Decimal `json:"line_total"`
}

type Expense struct {
	ID           string          `json:"id"`
	ShopID       string          `json:"shop_id"`
	Category     string          `json:"category"`
	Amount       decimal.Decimal `json:"amount"`
	Note         string          `json:"note,omitempty"`
	BusinessDate string          `json:"business_date"`
	CreatedBy    string          `json:"created_by"`
	CreatedAt    time.Time       `json:"created_at"`
}

type Purchase struct {
	ID           string          `json:"id"`
	ShopID       string          `json:"shop_id"`
	Supplier     string          `json:"supplier"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	PaidAmount   decimal.Decimal `json:"paid_amount"`
	BusinessDate string          `json:"business_date"`
	CreatedBy    string          `json:"created_by"`
	CreatedAt    time.Time       `json:"created_at"`
	Items        []PurchaseItem  `json:"items"`
}

type PurchaseItem struct {
	ProductID string          `json:"product_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
	LineTotal decimal.Decimal `json:"line_total"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	ShopID        string    `json:"shop_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type CartItem struct {
	ProductID string          `json:"product_id" validate:"required"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type CreateSaleRequest struct {
	ShopID         string          `json:"shop_id"`
	CustomerID     string          `json:"customer_id,omitempty"`
	PaymentMethod  string          `json:"payment_method" validate:"omitempty,max=32"`
	PaidNow        decimal.Decimal `json:"paid_now"`
	Note           string          `json:"note,omitempty" validate:"max=500"`
	IdempotencyKey string          `json:"idempotency_key,omitempty" validate:"max=128"`
	Items          []CartItem      `json:"items" validate:"required,min=1,dive"`
}

type CreateSaleResponse struct {
	SaleID     string          `json:"sale_id"`
	InvoiceNo  string          `json:"invoice_no,omitempty"`
	Total      decimal.Decimal `json:"total"`
	PaidAmount decimal.Decimal `json:"paid_amount"`
	DueAmount  decimal.Decimal `json:"due_amount"`
	Duplicate  bool            `json:"duplicate"`
}

type ReturnLine struct {
	SaleItemID string          `json:"sale_item_id" validate:"required"`
	Quantity   decimal.Decimal `json:"quantity"`
}

type ExchangeLine struct {
	ProductID string           `json:"product_id" validate:"required"`
	Quantity  decimal.Decimal  `json:"quantity"`
	UnitPrice *decimal.Decimal `json:"unit_price,omitempty"`
}

type SaleReturnRequest struct {
	SaleID         string         `json:"sale_id"`
	Type           string         `json:"type" validate:"required,oneof=refund exchange"`
	Items          []ReturnLine   `json:"items" validate:"required,min=1,dive"`
	ExchangeItems  []ExchangeLine `json:"exchange_items,omitempty" validate:"dive"`
	SettlementMode string         `json:"settlement_mode,omitempty" validate:"omitempty,oneof=cash due"`
	Reason         string         `json:"reason,omitempty" validate:"max=500"`
	Note           string         `json:"note,omitempty" validate:"max=500"`
}

type SaleReturnResponse struct {
	ReturnID               string          `json:"return_id"`
	ReturnNo               string          `json:"return_no"`
	Subtotal               decimal.Decimal `json:"subtotal"`
	ExchangeSubtotal       decimal.Decimal `json:"exchange_subtotal"`
	NetAmount              decimal.Decimal `json:"net_amount"`
	RefundAmount           decimal.Decimal `json:"refund_amount"`
	AdditionalCashInAmount decimal.Decimal `json:"additional_cash_in_amount"`
	DueAdjustmentAmount    decimal.Decimal `json:"due_adjustment_amount"`
	AdditionalDueAmount    decimal.Decimal `json:"additional_due_amount"`
}

type VoidSaleRequest struct {
	SaleID string `json:"sale_id"`
	Reason string `json:"reason,omitempty" validate:"max=500"`
}

type VoidSaleResponse struct {
	SaleID        string `json:"sale_id"`
	AlreadyVoided bool   `json:"already_voided"`
}

type ReissueRequest struct {
	OriginalSaleID string          `json:"original_sale_id"`
	CustomerID     string          `json:"customer_id,omitempty"`
	Items          []CartItem      `json:"items" validate:"required,min=1,dive"`
	PaidNow        decimal.Decimal `json:"paid_now"`
	Note           string          `json:"note,omitempty" validate:"max=500"`
	Reason         string          `json:"reason,omitempty" validate:"max=500"`
}

type ReissueResponse struct {
	OldSaleID string `json:"old_sale_id"`
	SaleID    string `json:"sale_id"`
	InvoiceNo string `json:"invoice_no,omitempty"`
}

type DuePaymentRequest struct {
	CustomerID string          `json:"customer_id"`
	Amount     decimal.Decimal `json:"amount"`
	Note       string          `json:"note,omitempty" validate:"max=500"`
}

type DuePaymentResponse struct {
	CustomerID string          `json:"customer_id"`
	Applied    decimal.Decimal `json:"applied"`
	TotalDue   decimal.Decimal `json:"total_due"`
}

type ExpenseRequest struct {
	ShopID   string          `json:"shop_id"`
	Category string          `json:"category" validate:"required,max=80"`
	Amount   decimal.Decimal `json:"amount"`
	Note     string          `json:"note,omitempty" validate:"max=500"`
}

type PurchaseLine struct {
	ProductID string          `json:"product_id" validate:"required"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
}

type PurchaseRequest struct {
	ShopID   string          `json:"shop_id"`
	Supplier string          `json:"supplier" validate:"max=120"`
	PaidNow  decimal.Decimal `json:"paid_now"`
	Items    []PurchaseLine  `json:"items" validate:"required,min=1,dive"`
}

type SaleDetail struct {
	Sale    Sale         `json:"sale"`
	Returns []SaleReturn `json:"returns"`
}

type CustomerStatement struct {
	Customer    Customer              `json:"customer"`
	Entries     []CustomerLedgerEntry `json:"entries"`
	LedgerTotal decimal.Decimal       `json:"ledger_total"`
	Reconciled  bool                  `json:"reconciled"`
}

type CashBook struct {
	ShopID       string          `json:"shop_id"`
	BusinessDate string          `json:"business_date"`
	Entries      []CashEntry     `json:"entries"`
	TotalIn      decimal.Decimal `json:"total_in"`
	TotalOut     decimal.Decimal `json:"total_out"`
	Net          decimal.Decimal `json:"net"`
}

const (
	PaymentMethodCash = "cash"
	PaymentMethodDue  = "due"
)

const (
	SaleStatusActive = "ACTIVE"
	SaleStatusVoided = "VOIDED"
)

const (
	LedgerEntrySale    = "SALE"
	LedgerEntryPayment = "PAYMENT"
)

const (
	CashIn  = "IN"
	CashOut = "OUT"
)

const (
	ReturnTypeRefund   = "refund"
	ReturnTypeExchange = "exchange"
)

const (
	ReturnStatusCompleted = "completed"
	ReturnStatusCanceled  = "canceled"
)

const (
	SettlementCash = "cash"
	SettlementDue  = "due"
)

const (
	SequenceInvoice = "invoice"
	SequenceReturn  = "return"
)
