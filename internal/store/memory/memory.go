package memory

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"hisabpos/backend/internal/domain"
	"hisabpos/backend/internal/store"
)

type state struct {
	shops         map[string]domain.Shop
	products      map[string]domain.Product
	customers     map[string]domain.Customer
	sales         map[string]domain.Sale
	saleOrder     []string
	salesByIdem   map[string]string
	returns       map[string]domain.SaleReturn
	returnsBySale map[string][]string
	ledger        []domain.CustomerLedgerEntry
	cash          []domain.CashEntry
	sequences     map[string]int64
	expenses      []domain.Expense
	purchases     []domain.Purchase
}

func newState() *state {
	return &state{
		shops:         make(map[string]domain.Shop),
		products:      make(map[string]domain.Product),
		customers:     make(map[string]domain.Customer),
		sales:         make(map[string]domain.Sale),
		salesByIdem:   make(map[string]string),
		returns:       make(map[string]domain.SaleReturn),
		returnsBySale: make(map[string][]string),
		sequences:     make(map[string]int64),
	}
}

// clone copies every container so a unit of work can be discarded without touching the
// committed state. Entity values are copied by value; nested slices are never mutated
// in place.
func (s *state) clone() *state {
	returnsBySale := make(map[string][]string, len(s.returnsBySale))
	for k, v := range s.returnsBySale {
		returnsBySale[k] = slices.Clone(v)
	}
	return &state{
		shops:         maps.Clone(s.shops),
		products:      maps.Clone(s.products),
		customers:     maps.Clone(s.customers),
		sales:         maps.Clone(s.sales),
		saleOrder:     slices.Clone(s.saleOrder),
		salesByIdem:   maps.Clone(s.salesByIdem),
		returns:       maps.Clone(s.returns),
		returnsBySale: returnsBySale,
		ledger:        slices.Clone(s.ledger),
		cash:          slices.Clone(s.cash),
		sequences:     maps.Clone(s.sequences),
		expenses:      slices.Clone(s.expenses),
		purchases:     slices.Clone(s.purchases),
	}
}

// Store keeps everything in process memory. Units of work are serialized by a single
// writer lock, which gives the same guarantees the postgres store gets from
// serializable transactions and row locks.
type Store struct {
	mu        sync.RWMutex
	txMu      sync.Mutex
	st        *state
	auditLogs []domain.AuditLog
	users     map[string]domain.UserAccount
}

func New() *Store {
	return &Store{st: newState(), users: make(map[string]domain.UserAccount)}
}

// NewSeeded returns a store with one demo shop, a few products, a customer and the
// seed users, for running the server without a database.
func NewSeeded(log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	users, err := seedUsers("shop-main", log)
	if err != nil {
		return nil, err
	}
	s := New()
	now := time.Now().UTC()
	s.PutShop(domain.Shop{ID: "shop-main", Name: "Main Street Store", OwnerUsername: "owner", InvoicingEnabled: true, CreatedAt: now})

	buy := func(v string) *decimal.Decimal {
		d := decimal.RequireFromString(v)
		return &d
	}
	for _, p := range []domain.Product{
		{ID: "prd-rice-5kg", Name: "Rice 5kg", SellPrice: decimal.RequireFromString("450"), BuyPrice: buy("410"), StockQty: decimal.NewFromInt(40), TrackStock: true, IsActive: true},
		{ID: "prd-oil-1l", Name: "Soybean Oil 1L", SellPrice: decimal.RequireFromString("185"), BuyPrice: buy("170"), StockQty: decimal.NewFromInt(60), TrackStock: true, IsActive: true},
		{ID: "prd-lentil-1kg", Name: "Red Lentil 1kg", SellPrice: decimal.RequireFromString("130"), BuyPrice: buy("118"), StockQty: decimal.NewFromInt(35), TrackStock: true, IsActive: true},
		{ID: "prd-sugar-loose", Name: "Sugar (loose, kg)", SellPrice: decimal.RequireFromString("140"), BuyPrice: buy("128.5"), StockQty: decimal.RequireFromString("25.5"), TrackStock: true, IsActive: true},
		{ID: "prd-flexiload", Name: "Mobile Recharge", SellPrice: decimal.RequireFromString("1"), TrackStock: false, IsActive: true},
	} {
		p.ShopID = "shop-main"
		s.PutProduct(p)
	}
	s.PutCustomer(domain.Customer{ID: "cus-walkin-karim", ShopID: "shop-main", Name: "Karim Traders", Phone: "01700000000", TotalDue: decimal.Zero})

	for _, u := range users {
		s.PutUser(u)
	}
	return s, nil
}

// seedUsers builds the initial user accounts for dev/demo mode. Passwords come from
// SEED_OWNER_PASSWORD and SEED_CASHIER_PASSWORD; dev defaults are used with a warning.
func seedUsers(shopID string, log *zap.Logger) ([]domain.UserAccount, error) {
	ownerPwd := envOr("SEED_OWNER_PASSWORD", "owner123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_OWNER_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Warn("memory store is using default dev credentials; set SEED_OWNER_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := make([]domain.UserAccount, 0, 2)
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"owner", ownerPwd, "owner"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash seed password for %s: %w", u.username, err)
		}
		users = append(users, domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			ShopID:    shopID,
			Active:    true,
			CreatedAt: now,
		})
	}
	return users, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) PutShop(shop domain.Shop) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.shops[shop.ID] = shop
}

func (s *Store) PutProduct(product domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.products[product.ID] = product
}

func (s *Store) PutCustomer(customer domain.Customer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.customers[customer.ID] = customer
}

func (s *Store) PutUser(user domain.UserAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.Username] = user
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	work := s.st.clone()
	s.mu.RUnlock()

	if err := fn(ctx, &memTx{st: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.st = work
	s.mu.Unlock()
	return nil
}

func (s *Store) GetShop(_ context.Context, shopID string) (*domain.Shop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getShop(s.st, shopID)
}

func (s *Store) GetProducts(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getProducts(s.st, ids), nil
}

func (s *Store) GetCustomer(_ context.Context, customerID string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getCustomer(s.st, customerID)
}

func (s *Store) GetSale(_ context.Context, saleID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getSale(s.st, saleID)
}

func (s *Store) ListSales(_ context.Context, shopID string, businessDate string, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	sales := make([]domain.Sale, 0, limit)
	for i := len(s.st.saleOrder) - 1; i >= 0 && len(sales) < limit; i-- {
		sale := s.st.sales[s.st.saleOrder[i]]
		if sale.ShopID != shopID {
			continue
		}
		if businessDate != "" && sale.BusinessDate != businessDate {
			continue
		}
		sale.Items = slices.Clone(sale.Items)
		sales = append(sales, sale)
	}
	return sales, nil
}

func (s *Store) ListSaleReturns(_ context.Context, saleID string) ([]domain.SaleReturn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.st.returnsBySale[saleID]
	returns := make([]domain.SaleReturn, 0, len(ids))
	for _, id := range ids {
		returns = append(returns, s.st.returns[id])
	}
	return returns, nil
}

func (s *Store) ListLedgerEntries(_ context.Context, customerID string) ([]domain.CustomerLedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]domain.CustomerLedgerEntry, 0, 16)
	for _, entry := range s.st.ledger {
		if entry.CustomerID == customerID {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (s *Store) ListCashEntries(_ context.Context, shopID string, businessDate string) ([]domain.CashEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]domain.CashEntry, 0, 16)
	for _, entry := range s.st.cash {
		if entry.ShopID != shopID {
			continue
		}
		if businessDate != "" && entry.BusinessDate != businessDate {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *Store) CountCompletedReturns(_ context.Context, saleID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return countCompletedReturns(s.st, saleID), nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

// AuditLogs returns a copy of the audit trail.
func (s *Store) AuditLogs() []domain.AuditLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.auditLogs)
}

func (s *Store) GetUser(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &user, nil
}

type memTx struct {
	st *state
}

func (t *memTx) GetShop(_ context.Context, shopID string) (*domain.Shop, error) {
	return getShop(t.st, shopID)
}

func (t *memTx) GetProducts(_ context.Context, ids []string) (map[string]domain.Product, error) {
	return getProducts(t.st, ids), nil
}

func (t *memTx) GetCustomerForUpdate(_ context.Context, customerID string) (*domain.Customer, error) {
	return getCustomer(t.st, customerID)
}

func (t *memTx) GetSaleForUpdate(_ context.Context, saleID string) (*domain.Sale, error) {
	return getSale(t.st, saleID)
}

func (t *memTx) FindSaleByIdempotencyKey(_ context.Context, shopID string, key string) (*domain.Sale, error) {
	id, ok := t.st.salesByIdem[idemKey(shopID, key)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return getSale(t.st, id)
}

func (t *memTx) CountCompletedReturns(_ context.Context, saleID string) (int, error) {
	return countCompletedReturns(t.st, saleID), nil
}

func (t *memTx) ReturnedQtyBySaleItem(_ context.Context, saleID string) (map[string]decimal.Decimal, error) {
	result := make(map[string]decimal.Decimal)
	for _, id := range t.st.returnsBySale[saleID] {
		ret := t.st.returns[id]
		if ret.Status != domain.ReturnStatusCompleted {
			continue
		}
		for _, item := range ret.Items {
			result[item.SaleItemID] = result[item.SaleItemID].Add(item.Quantity)
		}
	}
	return result, nil
}

func (t *memTx) NextSequence(_ context.Context, shopID string, kind string, businessDate string) (int64, error) {
	key := shopID + "|" + kind + "|" + businessDate
	t.st.sequences[key]++
	return t.st.sequences[key], nil
}

func (t *memTx) InsertSale(_ context.Context, sale domain.Sale) error {
	if _, exists := t.st.sales[sale.ID]; exists {
		return store.ErrConflict
	}
	if sale.IdempotencyKey != "" {
		key := idemKey(sale.ShopID, sale.IdempotencyKey)
		if _, exists := t.st.salesByIdem[key]; exists {
			return store.ErrConflict
		}
		t.st.salesByIdem[key] = sale.ID
	}
	if sale.InvoiceNo != "" {
		for _, existing := range t.st.sales {
			if existing.ShopID == sale.ShopID && existing.InvoiceNo == sale.InvoiceNo {
				return store.ErrConflict
			}
		}
	}
	sale.Items = slices.Clone(sale.Items)
	t.st.sales[sale.ID] = sale
	t.st.saleOrder = append(t.st.saleOrder, sale.ID)
	return nil
}

func (t *memTx) DecrementStock(_ context.Context, productID string, qty decimal.Decimal) (bool, error) {
	product, ok := t.st.products[productID]
	if !ok {
		return false, store.ErrNotFound
	}
	if product.StockQty.LessThan(qty) {
		return false, nil
	}
	product.StockQty = product.StockQty.Sub(qty)
	t.st.products[productID] = product
	return true, nil
}

func (t *memTx) IncrementStock(_ context.Context, productID string, qty decimal.Decimal) error {
	product, ok := t.st.products[productID]
	if !ok {
		return store.ErrNotFound
	}
	product.StockQty = product.StockQty.Add(qty)
	t.st.products[productID] = product
	return nil
}

func (t *memTx) SetBuyPrice(_ context.Context, productID string, price decimal.Decimal) error {
	product, ok := t.st.products[productID]
	if !ok {
		return store.ErrNotFound
	}
	product.BuyPrice = &price
	t.st.products[productID] = product
	return nil
}

func (t *memTx) InsertCashEntry(_ context.Context, entry domain.CashEntry) error {
	t.st.cash = append(t.st.cash, entry)
	return nil
}

func (t *memTx) InsertLedgerEntry(_ context.Context, entry domain.CustomerLedgerEntry) error {
	t.st.ledger = append(t.st.ledger, entry)
	return nil
}

func (t *memTx) SetCustomerDue(_ context.Context, customerID string, totalDue decimal.Decimal) error {
	customer, ok := t.st.customers[customerID]
	if !ok {
		return store.ErrNotFound
	}
	customer.TotalDue = totalDue
	t.st.customers[customerID] = customer
	return nil
}

func (t *memTx) ClaimVoid(_ context.Context, saleID string, reason string, at time.Time) (bool, error) {
	sale, ok := t.st.sales[saleID]
	if !ok {
		return false, store.ErrNotFound
	}
	if sale.Status == domain.SaleStatusVoided {
		return false, nil
	}
	sale.Status = domain.SaleStatusVoided
	sale.VoidReason = reason
	voidedAt := at
	sale.VoidedAt = &voidedAt
	t.st.sales[saleID] = sale
	return true, nil
}

func (t *memTx) InsertSaleReturn(_ context.Context, ret domain.SaleReturn) error {
	if _, exists := t.st.returns[ret.ID]; exists {
		return store.ErrConflict
	}
	ret.Items = slices.Clone(ret.Items)
	ret.ExchangeItems = slices.Clone(ret.ExchangeItems)
	t.st.returns[ret.ID] = ret
	t.st.returnsBySale[ret.SaleID] = append(t.st.returnsBySale[ret.SaleID], ret.ID)
	return nil
}

func (t *memTx) InsertExpense(_ context.Context, expense domain.Expense) error {
	t.st.expenses = append(t.st.expenses, expense)
	return nil
}

func (t *memTx) InsertPurchase(_ context.Context, purchase domain.Purchase) error {
	purchase.Items = slices.Clone(purchase.Items)
	t.st.purchases = append(t.st.purchases, purchase)
	return nil
}

func getShop(st *state, shopID string) (*domain.Shop, error) {
	shop, ok := st.shops[shopID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &shop, nil
}

func getProducts(st *state, ids []string) map[string]domain.Product {
	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if product, ok := st.products[id]; ok {
			result[id] = product
		}
	}
	return result
}

func getCustomer(st *state, customerID string) (*domain.Customer, error) {
	customer, ok := st.customers[customerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &customer, nil
}

func getSale(st *state, saleID string) (*domain.Sale, error) {
	sale, ok := st.sales[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	sale.Items = slices.Clone(sale.Items)
	return &sale, nil
}

func countCompletedReturns(st *state, saleID string) int {
	count := 0
	for _, id := range st.returnsBySale[saleID] {
		if st.returns[id].Status == domain.ReturnStatusCompleted {
			count++
		}
	}
	return count
}

func idemKey(shopID string, key string) string {
	return shopID + "|" + key
}

// Products returns a sorted snapshot of the catalog, used by tests and the seeded
// dev server.
func (s *Store) Products(shopID string) []domain.Product {
	s.mu.RLock()
	defer s.mu.RUnlock()
	products := make([]domain.Product, 0, len(s.st.products))
	for _, p := range s.st.products {
		if p.ShopID == shopID {
			products = append(products, p)
		}
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return products
}
