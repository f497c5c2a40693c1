package memory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"hisabpos/backend/internal/domain"
	"hisabpos/backend/internal/store"
)

func seededForTest() *Store {
	s := New()
	s.PutShop(domain.Shop{ID: "shop-1", Name: "Shop"})
	s.PutProduct(domain.Product{ID: "p-1", ShopID: "shop-1", Name: "Tea", StockQty: decimal.NewFromInt(10), TrackStock: true, IsActive: true})
	s.PutCustomer(domain.Customer{ID: "c-1", ShopID: "shop-1", Name: "Nadia"})
	return s
}

func TestWithinTxDiscardsOnError(t *testing.T) {
	s := seededForTest()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.DecrementStock(ctx, "p-1", decimal.NewFromInt(4)); err != nil {
			return err
		}
		if err := tx.InsertSale(ctx, domain.Sale{ID: "s-1", ShopID: "shop-1"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	products, _ := s.GetProducts(ctx, []string{"p-1"})
	if !products["p-1"].StockQty.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected stock 10 after rollback, got %s", products["p-1"].StockQty)
	}
	if _, err := s.GetSale(ctx, "s-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected sale to be discarded, got %v", err)
	}
}

func TestInsertSaleRejectsDuplicateIdempotencyKey(t *testing.T) {
	s := seededForTest()
	ctx := context.Background()

	insert := func(id string) error {
		return s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.InsertSale(ctx, domain.Sale{ID: id, ShopID: "shop-1", IdempotencyKey: "k-1"})
		})
	}
	if err := insert("s-1"); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if err := insert("s-2"); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	err := s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		sale, err := tx.FindSaleByIdempotencyKey(ctx, "shop-1", "k-1")
		if err != nil {
			return err
		}
		if sale.ID != "s-1" {
			t.Fatalf("expected s-1, got %s", sale.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
}

func TestClaimVoidOnlyOnce(t *testing.T) {
	s := seededForTest()
	ctx := context.Background()
	_ = s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertSale(ctx, domain.Sale{ID: "s-1", ShopID: "shop-1", Status: domain.SaleStatusActive})
	})

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
				ok, err := tx.ClaimVoid(ctx, "s-1", "mistake", time.Now().UTC())
				if err != nil {
					return err
				}
				if ok {
					wins.Add(1)
				}
				return nil
			})
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected exactly one claim, got %d", wins.Load())
	}
	sale, _ := s.GetSale(ctx, "s-1")
	if sale.Status != domain.SaleStatusVoided || sale.VoidedAt == nil {
		t.Fatalf("expected voided sale, got %+v", sale)
	}
}

func TestConcurrentDecrementNeverGoesNegative(t *testing.T) {
	s := seededForTest()
	ctx := context.Background()

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
				applied, err := tx.DecrementStock(ctx, "p-1", decimal.NewFromInt(1))
				if applied {
					ok.Add(1)
				}
				return err
			})
		}()
	}
	wg.Wait()

	if ok.Load() != 10 {
		t.Fatalf("expected 10 successful decrements, got %d", ok.Load())
	}
	products, _ := s.GetProducts(ctx, []string{"p-1"})
	if !products["p-1"].StockQty.IsZero() {
		t.Fatalf("expected zero stock, got %s", products["p-1"].StockQty)
	}
}

func TestSeededStoreHasUsersAndCatalog(t *testing.T) {
	t.Setenv("SEED_OWNER_PASSWORD", "owner-pass")
	t.Setenv("SEED_CASHIER_PASSWORD", "cashier-pass")
	s, err := NewSeeded(zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	user, err := s.GetUser(context.Background(), "owner")
	if err != nil {
		t.Fatalf("expected owner user: %v", err)
	}
	if user.ShopID != "shop-main" || user.Password == "owner-pass" {
		t.Fatalf("unexpected seed user %+v", user)
	}
	if len(s.Products("shop-main")) == 0 {
		t.Fatalf("expected seeded products")
	}
}

func TestSeededStoreWarnsOnDefaultCredentials(t *testing.T) {
	t.Setenv("SEED_OWNER_PASSWORD", "")
	t.Setenv("SEED_CASHIER_PASSWORD", "")
	core, logs := observer.New(zap.WarnLevel)

	s, err := NewSeeded(zap.New(core))
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if logs.FilterMessageSnippet("default dev credentials").Len() != 1 {
		t.Fatalf("expected one default credential warning, got %d entries", logs.Len())
	}
	if _, err := s.GetUser(context.Background(), "cashier"); err != nil {
		t.Fatalf("expected cashier user: %v", err)
	}
}

func TestSeedUsersReturnsHashError(t *testing.T) {
	t.Setenv("SEED_OWNER_PASSWORD", strings.Repeat("x", 80))
	t.Setenv("SEED_CASHIER_PASSWORD", "cashier-pass")

	if _, err := NewSeeded(zap.NewNop()); err == nil {
		t.Fatalf("expected seeding to fail for a password bcrypt cannot hash")
	}
}
