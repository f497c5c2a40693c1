package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"

	"hisabpos/backend/internal/access"
	"hisabpos/backend/internal/bizdate"
	"hisabpos/backend/internal/domain"
	"hisabpos/backend/internal/service"
)

// integrationDSN returns POS_TEST_DATABASE_URL, or starts a throwaway postgres container
// when POS_TEST_CONTAINERS=1.
func integrationDSN(t *testing.T) string {
	t.Helper()
	if dsn := os.Getenv("POS_TEST_DATABASE_URL"); dsn != "" {
		return dsn
	}
	if os.Getenv("POS_TEST_CONTAINERS") != "1" {
		t.Skip("set POS_TEST_DATABASE_URL or POS_TEST_CONTAINERS=1 to run postgres integration tests")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("pos_test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

type integrationFixture struct {
	store    *Store
	svc      *service.Service
	ctx      context.Context
	shopID   string
	rice     string
	tea      string
	customer string
}

func newIntegrationFixture(t *testing.T) *integrationFixture {
	t.Helper()
	ctx := context.Background()

	s, err := New(ctx, integrationDSN(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))

	stamp := time.Now().UnixNano()
	f := &integrationFixture{
		store:    s,
		shopID:   fmt.Sprintf("shop-it-%d", stamp),
		rice:     fmt.Sprintf("p-rice-it-%d", stamp),
		tea:      fmt.Sprintf("p-tea-it-%d", stamp),
		customer: fmt.Sprintf("c-it-%d", stamp),
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO shops (id, name, owner_username, invoicing_enabled) VALUES ($1, 'IT Shop', 'owner', true)`, f.shopID)
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO products (id, shop_id, name, sell_price, buy_price, stock_qty, track_stock, is_active)
		VALUES ($1, $3, 'Rice', 50, 40, 10, true, true), ($2, $3, 'Tea', 50, NULL, 3, true, true)
	`, f.rice, f.tea, f.shopID)
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, `INSERT INTO customers (id, shop_id, name, total_due) VALUES ($1, $2, 'Rahim', 0)`, f.customer, f.shopID)
	require.NoError(t, err)

	f.svc = service.New(s, nil, access.NewRoleAuthorizer(s), &bizdate.ZoneResolver{Location: time.UTC}, service.Options{
		InvoicingEnabled: true,
		Logger:           zaptest.NewLogger(t),
	})
	f.ctx = service.WithActor(ctx, domain.Actor{Username: "owner", Role: access.RoleOwner, ShopID: f.shopID})
	return f
}

func (f *integrationFixture) stock(t *testing.T, id string) decimal.Decimal {
	t.Helper()
	products, err := f.store.GetProducts(context.Background(), []string{id})
	require.NoError(t, err)
	return products[id].StockQty
}

func TestIntegrationDueSaleVoidKeepsLedgerInBalance(t *testing.T) {
	f := newIntegrationFixture(t)

	sale, err := f.svc.CreateSale(f.ctx, domain.CreateSaleRequest{
		ShopID:        f.shopID,
		CustomerID:    f.customer,
		PaymentMethod: domain.PaymentMethodDue,
		PaidNow:       decimal.NewFromInt(50),
		Items:         []domain.CartItem{{ProductID: f.rice, Quantity: decimal.NewFromInt(4), UnitPrice: decimal.NewFromInt(50)}},
	})
	require.NoError(t, err)
	assert.Regexp(t, `^INV-\d{8}-0001$`, sale.InvoiceNo)
	assert.True(t, f.stock(t, f.rice).Equal(decimal.NewFromInt(6)))

	statement, err := f.svc.CustomerStatement(f.ctx, f.customer)
	require.NoError(t, err)
	assert.True(t, statement.Customer.TotalDue.Equal(decimal.NewFromInt(150)))
	assert.True(t, statement.Reconciled)

	_, err = f.svc.VoidSale(f.ctx, domain.VoidSaleRequest{SaleID: sale.SaleID, Reason: "integration"})
	require.NoError(t, err)

	statement, err = f.svc.CustomerStatement(f.ctx, f.customer)
	require.NoError(t, err)
	assert.True(t, statement.Customer.TotalDue.IsZero())
	assert.True(t, statement.Reconciled)
	assert.True(t, f.stock(t, f.rice).Equal(decimal.NewFromInt(10)))

	stored, err := f.store.GetSale(context.Background(), sale.SaleID)
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusVoided, stored.Status)
	require.NotNil(t, stored.VoidedAt)
}

func TestIntegrationConcurrentVoidHasOneWinner(t *testing.T) {
	f := newIntegrationFixture(t)

	sale, err := f.svc.CreateSale(f.ctx, domain.CreateSaleRequest{
		ShopID: f.shopID,
		Items:  []domain.CartItem{{ProductID: f.rice, Quantity: decimal.NewFromInt(2), UnitPrice: decimal.NewFromInt(50)}},
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := f.svc.VoidSale(f.ctx, domain.VoidSaleRequest{SaleID: sale.SaleID})
			if err != nil {
				// a loser that exhausted its serialization retries is acceptable
				if domain.KindOf(err) != domain.KindInternal {
					t.Errorf("void failed: %v", err)
				}
				return
			}
			if !resp.AlreadyVoided {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.True(t, f.stock(t, f.rice).Equal(decimal.NewFromInt(10)))

	book, err := f.svc.CashBook(f.ctx, f.shopID, "")
	require.NoError(t, err)
	assert.Len(t, book.Entries, 2)
	assert.True(t, book.Net.IsZero())
}

func TestIntegrationStockNeverGoesNegative(t *testing.T) {
	f := newIntegrationFixture(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	sold := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.CreateSale(f.ctx, domain.CreateSaleRequest{
				ShopID: f.shopID,
				Items:  []domain.CartItem{{ProductID: f.tea, Quantity: decimal.NewFromInt(1), UnitPrice: decimal.NewFromInt(50)}},
			})
			if err == nil {
				mu.Lock()
				sold++
				mu.Unlock()
				return
			}
			if !errors.Is(err, domain.ErrInsufficientStock) && domain.KindOf(err) != domain.KindInternal {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	remaining := f.stock(t, f.tea)
	assert.False(t, remaining.IsNegative())
	assert.True(t, remaining.Equal(decimal.NewFromInt(int64(3-sold))))
}
