package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"hisabpos/backend/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique constraint rejects a write (idempotency key,
	// invoice number).
	ErrConflict = errors.New("conflict")
)

// Tx is one atomic unit of work. Every write made through a Tx becomes visible only if
// the function passed to Store.WithinTx returns nil.
type Tx interface {
	GetShop(ctx context.Context, shopID string) (*domain.Shop, error)
	GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error)
	// GetCustomerForUpdate locks the customer row until the unit of work ends.
	GetCustomerForUpdate(ctx context.Context, customerID string) (*domain.Customer, error)
	// GetSaleForUpdate locks the sale row and returns it with its items.
	GetSaleForUpdate(ctx context.Context, saleID string) (*domain.Sale, error)
	FindSaleByIdempotencyKey(ctx context.Context, shopID string, key string) (*domain.Sale, error)
	CountCompletedReturns(ctx context.Context, saleID string) (int, error)
	ReturnedQtyBySaleItem(ctx context.Context, saleID string) (map[string]decimal.Decimal, error)

	// NextSequence increments and returns the counter for (shop, kind, businessDate).
	NextSequence(ctx context.Context, shopID string, kind string, businessDate string) (int64, error)
	InsertSale(ctx context.Context, sale domain.Sale) error
	// DecrementStock applies stock_qty -= qty only when stock_qty >= qty. It reports
	// false when the guard rejected the write.
	DecrementStock(ctx context.Context, productID string, qty decimal.Decimal) (bool, error)
	IncrementStock(ctx context.Context, productID string, qty decimal.Decimal) error
	SetBuyPrice(ctx context.Context, productID string, price decimal.Decimal) error
	InsertCashEntry(ctx context.Context, entry domain.CashEntry) error
	InsertLedgerEntry(ctx context.Context, entry domain.CustomerLedgerEntry) error
	// SetCustomerDue overwrites the materialized balance of a locked customer row.
	SetCustomerDue(ctx context.Context, customerID string, totalDue decimal.Decimal) error
	// ClaimVoid moves a sale from any status other than VOIDED to VOIDED. It reports
	// false when another caller already voided the sale.
	ClaimVoid(ctx context.Context, saleID string, reason string, at time.Time) (bool, error)
	InsertSaleReturn(ctx context.Context, ret domain.SaleReturn) error
	InsertExpense(ctx context.Context, expense domain.Expense) error
	InsertPurchase(ctx context.Context, purchase domain.Purchase) error
}

type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetShop(ctx context.Context, shopID string) (*domain.Shop, error)
	GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error)
	GetCustomer(ctx context.Context, customerID string) (*domain.Customer, error)
	GetSale(ctx context.Context, saleID string) (*domain.Sale, error)
	ListSales(ctx context.Context, shopID string, businessDate string, limit int) ([]domain.Sale, error)
	ListSaleReturns(ctx context.Context, saleID string) ([]domain.SaleReturn, error)
	ListLedgerEntries(ctx context.Context, customerID string) ([]domain.CustomerLedgerEntry, error)
	ListCashEntries(ctx context.Context, shopID string, businessDate string) ([]domain.CashEntry, error)
	CountCompletedReturns(ctx context.Context, saleID string) (int, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	GetUser(ctx context.Context, username string) (*domain.UserAccount, error)
}
