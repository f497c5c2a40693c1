package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hisabpos/backend/internal/domain"
	"hisabpos/backend/internal/store"
	"hisabpos/backend/internal/store/memory"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newStore() *memory.Store {
	st := memory.New()
	st.PutShop(domain.Shop{ID: "shop-1", Name: "Shop"})
	st.PutProduct(domain.Product{ID: "p-a", ShopID: "shop-1", Name: "Apple", SellPrice: dec("10"), StockQty: dec("5"), TrackStock: true, IsActive: true})
	st.PutProduct(domain.Product{ID: "p-b", ShopID: "shop-1", Name: "Banana", SellPrice: dec("4"), StockQty: dec("1"), TrackStock: true, IsActive: true})
	st.PutCustomer(domain.Customer{ID: "c-1", ShopID: "shop-1", Name: "Rahim", TotalDue: dec("100")})
	return st
}

func stockOf(t *testing.T, st *memory.Store, id string) decimal.Decimal {
	t.Helper()
	products, err := st.GetProducts(context.Background(), []string{id})
	require.NoError(t, err)
	return products[id].StockQty
}

func TestFormatNumber(t *testing.T) {
	assert.Equal(t, "INV-20250101-0001", FormatNumber("INV", "2025-01-01", 1))
	assert.Equal(t, "RET-20250101-0042", FormatNumber("RET", "2025-01-01", 42))
	assert.Equal(t, "INV-20250101-12345", FormatNumber("INV", "2025-01-01", 12345))
}

func TestNextNumberIsPerKindAndDate(t *testing.T) {
	st := newStore()
	ctx := context.Background()
	var got []string
	err := st.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for _, args := range [][2]string{
			{domain.SequenceInvoice, "2025-01-01"},
			{domain.SequenceInvoice, "2025-01-01"},
			{domain.SequenceReturn, "2025-01-01"},
			{domain.SequenceInvoice, "2025-01-02"},
		} {
			n, err := NextNumber(ctx, tx, "shop-1", args[0], args[1])
			if err != nil {
				return err
			}
			got = append(got, n)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"INV-20250101-0001", "INV-20250101-0002", "RET-20250101-0001", "INV-20250102-0001"}, got)

	err = st.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := NextNumber(ctx, tx, "shop-1", "receipt", "2025-01-01")
		return err
	})
	assert.Error(t, err)
}

func TestNextNumberRollbackLeavesNoGap(t *testing.T) {
	st := newStore()
	ctx := context.Background()
	boom := errors.New("boom")

	err := st.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := NextNumber(ctx, tx, "shop-1", domain.SequenceInvoice, "2025-01-01"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var n string
	err = st.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		n, err = NextNumber(ctx, tx, "shop-1", domain.SequenceInvoice, "2025-01-01")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "INV-20250101-0001", n)
}

func TestConsumeAggregatesAndNamesProduct(t *testing.T) {
	st := newStore()
	ctx := context.Background()

	err := st.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := Consume(ctx, tx, []StockLine{
			{ProductID: "p-a", ProductName: "Apple", Tracked: true, Qty: dec("2")},
			{ProductID: "p-b", ProductName: "Banana", Tracked: true, Qty: dec("1")},
			{ProductID: "p-b", ProductName: "Banana", Tracked: true, Qty: dec("0.5")},
		})
		return err
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)
	var typed *domain.Error
	require.True(t, errors.As(err, &typed))
	assert.Equal(t, "Banana", typed.Product)

	// nothing from the failed unit of work is visible
	assert.True(t, stockOf(t, st, "p-a").Equal(dec("5")))
	assert.True(t, stockOf(t, st, "p-b").Equal(dec("1")))
}

func TestConsumeAndRestoreSkipUntracked(t *testing.T) {
	st := newStore()
	ctx := context.Background()

	var touched []string
	err := st.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		touched, err = Consume(ctx, tx, []StockLine{
			{ProductID: "p-b", ProductName: "Banana", Tracked: true, Qty: dec("1")},
			{ProductID: "p-a", ProductName: "Apple", Tracked: true, Qty: dec("5")},
			{ProductID: "p-x", ProductName: "Service", Tracked: false, Qty: dec("100")},
		})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"p-a", "p-b"}, touched)
	assert.True(t, stockOf(t, st, "p-a").IsZero())
	assert.True(t, stockOf(t, st, "p-b").IsZero())

	err = st.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := Restore(ctx, tx, []StockLine{{ProductID: "p-a", ProductName: "Apple", Tracked: true, Qty: dec("1.25")}})
		return err
	})
	require.NoError(t, err)
	assert.True(t, stockOf(t, st, "p-a").Equal(dec("1.25")))
}

func TestPostCreditMovesBalance(t *testing.T) {
	st := newStore()
	ctx := context.Background()
	at := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	err := st.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		customer, err := tx.GetCustomerForUpdate(ctx, "c-1")
		if err != nil {
			return err
		}
		balance, err := PostCredit(ctx, tx, CreditPosting{
			Customer:     customer,
			BusinessDate: "2025-01-01",
			At:           at,
			Entries: []CreditEntry{
				Sale(dec("300"), "s-1", "sale"),
				Payment(dec("120"), "s-1", "paid at counter"),
				Payment(decimal.Zero, "s-1", "skipped"),
			},
		})
		if err != nil {
			return err
		}
		assert.True(t, balance.Equal(dec("280")))
		assert.True(t, customer.TotalDue.Equal(dec("280")))
		return nil
	})
	require.NoError(t, err)

	entries, err := st.ListLedgerEntries(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, LedgerBalance(entries).Equal(dec("180")))

	customer, err := st.GetCustomer(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, customer.TotalDue.Equal(dec("280")))
}

func TestPostCreditClampsAtZero(t *testing.T) {
	st := newStore()
	ctx := context.Background()

	err := st.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		customer, err := tx.GetCustomerForUpdate(ctx, "c-1")
		if err != nil {
			return err
		}
		balance, err := PostCredit(ctx, tx, CreditPosting{
			Customer:    customer,
			ClampAtZero: true,
			Entries:     []CreditEntry{Payment(dec("150"), "s-1", "return")},
		})
		if err != nil {
			return err
		}
		assert.True(t, balance.IsZero())
		return nil
	})
	require.NoError(t, err)
}

func TestRecordCashAndTotals(t *testing.T) {
	st := newStore()
	ctx := context.Background()

	err := st.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for _, m := range []CashMovement{
			{ShopID: "shop-1", Type: domain.CashIn, Amount: dec("100.005"), BusinessDate: "2025-01-01"},
			{ShopID: "shop-1", Type: domain.CashOut, Amount: dec("30"), BusinessDate: "2025-01-01"},
			{ShopID: "shop-1", Type: domain.CashIn, Amount: decimal.Zero, BusinessDate: "2025-01-01"},
		} {
			if _, err := RecordCash(ctx, tx, m); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	entries, err := st.ListCashEntries(ctx, "shop-1", "2025-01-01")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	in, out := CashTotals(entries)
	assert.True(t, in.Equal(dec("100.01")))
	assert.True(t, out.Equal(dec("30")))

	err = st.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := RecordCash(ctx, tx, CashMovement{ShopID: "shop-1", Type: "SIDEWAYS", Amount: dec("1")})
		return err
	})
	assert.Error(t, err)
}
