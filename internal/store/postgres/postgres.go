package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"hisabpos/backend/internal/domain"
	"hisabpos/backend/internal/store"
)

const defaultTxAttempts = 3

type Store struct {
	db           *sql.DB
	log          *zap.Logger
	txAttempts   int
	retryBackoff time.Duration
}

func New(ctx context.Context, databaseURL string, log *zap.Logger) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return NewWithDB(db, log), nil
}

// NewWithDB wraps an open pool. The caller keeps ownership of db until Close.
func NewWithDB(db *sql.DB, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		db:           db,
		log:          log.Named("postgres"),
		txAttempts:   defaultTxAttempts,
		retryBackoff: 20 * time.Millisecond,
	}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithinTx runs fn in a SERIALIZABLE transaction. Serialization failures and deadlocks
// re-run fn from the start, up to three attempts in total.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	var err error
	for attempt := 1; attempt <= s.txAttempts; attempt++ {
		err = s.runTx(ctx, fn)
		if err == nil || !isRetryable(err) {
			return err
		}
		s.log.Debug("retrying unit of work",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * s.retryBackoff):
		}
	}
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(ctx, &pgTx{q: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) GetShop(ctx context.Context, shopID string) (*domain.Shop, error) {
	return getShop(ctx, s.db, shopID)
}

func (s *Store) GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	return getProducts(ctx, s.db, ids)
}

func (s *Store) GetCustomer(ctx context.Context, customerID string) (*domain.Customer, error) {
	return getCustomer(ctx, s.db, customerID, false)
}

func (s *Store) GetSale(ctx context.Context, saleID string) (*domain.Sale, error) {
	return getSale(ctx, s.db, `WHERE id = $1`, false, saleID)
}

func (s *Store) ListSales(ctx context.Context, shopID string, businessDate string, limit int) ([]domain.Sale, error) {
	if limit < 1 {
		limit = 100
	}

	query := saleSelect + ` WHERE shop_id = $1`
	args := []any{shopID}
	if businessDate != "" {
		query += ` AND business_date = $2`
		args = append(args, businessDate)
	}
	query += fmt.Sprintf(` ORDER BY sale_date DESC, id DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, limit)
	ids := make([]string, 0, limit)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, *sale)
		ids = append(ids, sale.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return sales, nil
	}

	items, err := saleItems(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range sales {
		sales[i].Items = items[sales[i].ID]
	}
	return sales, nil
}

func (s *Store) ListSaleReturns(ctx context.Context, saleID string) ([]domain.SaleReturn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, shop_id, sale_id, return_no, type, status, settlement_mode,
		       subtotal, exchange_subtotal, net_amount, refund_amount, additional_cash_in_amount,
		       due_adjustment_amount, additional_due_amount, COALESCE(reason, ''), COALESCE(note, ''),
		       to_char(business_date, 'YYYY-MM-DD'), created_by, created_at
		FROM sale_returns
		WHERE sale_id = $1
		ORDER BY created_at, id
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	returns := make([]domain.SaleReturn, 0, 4)
	ids := make([]string, 0, 4)
	for rows.Next() {
		var r domain.SaleReturn
		if err := rows.Scan(
			&r.ID, &r.ShopID, &r.SaleID, &r.ReturnNo, &r.Type, &r.Status, &r.SettlementMode,
			&r.Subtotal, &r.ExchangeSubtotal, &r.NetAmount, &r.RefundAmount, &r.AdditionalCashInAmount,
			&r.DueAdjustmentAmount, &r.AdditionalDueAmount, &r.Reason, &r.Note,
			&r.BusinessDate, &r.CreatedBy, &r.CreatedAt,
		); err != nil {
			return nil, err
		}
		r.CreatedAt = r.CreatedAt.UTC()
		returns = append(returns, r)
		ids = append(ids, r.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return returns, nil
	}

	items, err := returnItems(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	exchange, err := exchangeItems(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range returns {
		returns[i].Items = items[returns[i].ID]
		returns[i].ExchangeItems = exchange[returns[i].ID]
	}
	return returns, nil
}

func (s *Store) ListLedgerEntries(ctx context.Context, customerID string) ([]domain.CustomerLedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, shop_id, customer_id, entry_type, amount, description, COALESCE(sale_id, ''),
		       entry_date, to_char(business_date, 'YYYY-MM-DD')
		FROM customer_ledger
		WHERE customer_id = $1
		ORDER BY seq
	`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.CustomerLedgerEntry, 0, 16)
	for rows.Next() {
		var e domain.CustomerLedgerEntry
		if err := rows.Scan(&e.ID, &e.ShopID, &e.CustomerID, &e.EntryType, &e.Amount, &e.Description, &e.SaleID, &e.EntryDate, &e.BusinessDate); err != nil {
			return nil, err
		}
		e.EntryDate = e.EntryDate.UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) ListCashEntries(ctx context.Context, shopID string, businessDate string) ([]domain.CashEntry, error) {
	query := `
		SELECT id, shop_id, entry_type, amount, reason, COALESCE(ref_type, ''), COALESCE(ref_id, ''),
		       to_char(business_date, 'YYYY-MM-DD'), created_at
		FROM cash_entries
		WHERE shop_id = $1`
	args := []any{shopID}
	if businessDate != "" {
		query += ` AND business_date = $2`
		args = append(args, businessDate)
	}
	query += ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.CashEntry, 0, 32)
	for rows.Next() {
		var e domain.CashEntry
		if err := rows.Scan(&e.ID, &e.ShopID, &e.EntryType, &e.Amount, &e.Reason, &e.RefType, &e.RefID, &e.BusinessDate, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) CountCompletedReturns(ctx context.Context, saleID string) (int, error) {
	return countCompletedReturns(ctx, s.db, saleID)
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, shop_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, nullIfEmpty(entry.ShopID), entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, nullIfEmpty(entry.Detail), entry.CreatedAt)
	return err
}

func (s *Store) GetUser(ctx context.Context, username string) (*domain.UserAccount, error) {
	var user domain.UserAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT username, password_hash, role, shop_id, active, created_at
		FROM users
		WHERE username = $1
	`, username).Scan(&user.Username, &user.Password, &user.Role, &user.ShopID, &user.Active, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

// pgTx implements store.Tx over one *sql.Tx.
type pgTx struct {
	q queryer
}

func (t *pgTx) GetShop(ctx context.Context, shopID string) (*domain.Shop, error) {
	return getShop(ctx, t.q, shopID)
}

func (t *pgTx) GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	return getProducts(ctx, t.q, ids)
}

func (t *pgTx) GetCustomerForUpdate(ctx context.Context, customerID string) (*domain.Customer, error) {
	return getCustomer(ctx, t.q, customerID, true)
}

func (t *pgTx) GetSaleForUpdate(ctx context.Context, saleID string) (*domain.Sale, error) {
	return getSale(ctx, t.q, `WHERE id = $1`, true, saleID)
}

func (t *pgTx) FindSaleByIdempotencyKey(ctx context.Context, shopID string, key string) (*domain.Sale, error) {
	return getSale(ctx, t.q, `WHERE shop_id = $1 AND idempotency_key = $2`, false, shopID, key)
}

func (t *pgTx) CountCompletedReturns(ctx context.Context, saleID string) (int, error) {
	return countCompletedReturns(ctx, t.q, saleID)
}

func (t *pgTx) ReturnedQtyBySaleItem(ctx context.Context, saleID string) (map[string]decimal.Decimal, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT ri.sale_item_id, SUM(ri.quantity)
		FROM sale_return_items ri
		JOIN sale_returns r ON r.id = ri.return_id
		WHERE r.sale_id = $1 AND r.status = 'completed'
		GROUP BY ri.sale_item_id
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	returned := make(map[string]decimal.Decimal)
	for rows.Next() {
		var itemID string
		var qty decimal.Decimal
		if err := rows.Scan(&itemID, &qty); err != nil {
			return nil, err
		}
		returned[itemID] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return returned, nil
}

func (t *pgTx) NextSequence(ctx context.Context, shopID string, kind string, businessDate string) (int64, error) {
	var value int64
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO document_sequences (shop_id, kind, business_date, last_value)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (shop_id, kind, business_date)
		DO UPDATE SET last_value = document_sequences.last_value + 1
		RETURNING last_value
	`, shopID, kind, businessDate).Scan(&value)
	if err != nil {
		return 0, err
	}
	return value, nil
}

func (t *pgTx) InsertSale(ctx context.Context, sale domain.Sale) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO sales (
			id, shop_id, customer_id, total_amount, paid_amount, payment_method, status,
			invoice_no, note, idempotency_key, reissued_from_id, created_by, sale_date, business_date
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`,
		sale.ID, sale.ShopID, nullIfEmpty(sale.CustomerID), sale.TotalAmount, sale.PaidAmount, sale.PaymentMethod, sale.Status,
		nullIfEmpty(sale.InvoiceNo), nullIfEmpty(sale.Note), nullIfEmpty(sale.IdempotencyKey), nullIfEmpty(sale.ReissuedFromID),
		sale.CreatedBy, sale.SaleDate, sale.BusinessDate,
	)
	if err != nil {
		return conflictOr(err)
	}

	for i, item := range sale.Items {
		if _, err := t.q.ExecContext(ctx, `
			INSERT INTO sale_items (id, sale_id, position, product_id, product_name, quantity, unit_price, cost_at_sale, line_total)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, item.ID, sale.ID, i, item.ProductID, item.ProductName, item.Quantity, item.UnitPrice, nullDecimal(item.CostAtSale), item.LineTotal); err != nil {
			return conflictOr(err)
		}
	}
	return nil
}

func (t *pgTx) DecrementStock(ctx context.Context, productID string, qty decimal.Decimal) (bool, error) {
	res, err := t.q.ExecContext(ctx, `
		UPDATE products
		SET stock_qty = stock_qty - $2, updated_at = now()
		WHERE id = $1 AND stock_qty >= $2
	`, productID, qty)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (t *pgTx) IncrementStock(ctx context.Context, productID string, qty decimal.Decimal) error {
	return t.execOne(ctx, `
		UPDATE products
		SET stock_qty = stock_qty + $2, updated_at = now()
		WHERE id = $1
	`, productID, qty)
}

func (t *pgTx) SetBuyPrice(ctx context.Context, productID string, price decimal.Decimal) error {
	return t.execOne(ctx, `
		UPDATE products
		SET buy_price = $2, updated_at = now()
		WHERE id = $1
	`, productID, price)
}

func (t *pgTx) InsertCashEntry(ctx context.Context, entry domain.CashEntry) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO cash_entries (id, shop_id, entry_type, amount, reason, ref_type, ref_id, business_date, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.ShopID, entry.EntryType, entry.Amount, entry.Reason, nullIfEmpty(entry.RefType), nullIfEmpty(entry.RefID), entry.BusinessDate, entry.CreatedAt)
	return conflictOr(err)
}

func (t *pgTx) InsertLedgerEntry(ctx context.Context, entry domain.CustomerLedgerEntry) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO customer_ledger (id, shop_id, customer_id, entry_type, amount, description, sale_id, entry_date, business_date)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.ShopID, entry.CustomerID, entry.EntryType, entry.Amount, entry.Description, nullIfEmpty(entry.SaleID), entry.EntryDate, entry.BusinessDate)
	return conflictOr(err)
}

func (t *pgTx) SetCustomerDue(ctx context.Context, customerID string, totalDue decimal.Decimal) error {
	return t.execOne(ctx, `
		UPDATE customers
		SET total_due = $2, updated_at = now()
		WHERE id = $1
	`, customerID, totalDue)
}

func (t *pgTx) ClaimVoid(ctx context.Context, saleID string, reason string, at time.Time) (bool, error) {
	res, err := t.q.ExecContext(ctx, `
		UPDATE sales
		SET status = 'VOIDED', void_reason = $2, voided_at = $3
		WHERE id = $1 AND status <> 'VOIDED'
	`, saleID, reason, at)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 1 {
		return true, nil
	}

	var exists bool
	if err := t.q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM sales WHERE id = $1)`, saleID).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, store.ErrNotFound
	}
	return false, nil
}

func (t *pgTx) InsertSaleReturn(ctx context.Context, ret domain.SaleReturn) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO sale_returns (
			id, shop_id, sale_id, return_no, type, status, settlement_mode,
			subtotal, exchange_subtotal, net_amount, refund_amount, additional_cash_in_amount,
			due_adjustment_amount, additional_due_amount, reason, note, business_date, created_by, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	`,
		ret.ID, ret.ShopID, ret.SaleID, ret.ReturnNo, ret.Type, ret.Status, ret.SettlementMode,
		ret.Subtotal, ret.ExchangeSubtotal, ret.NetAmount, ret.RefundAmount, ret.AdditionalCashInAmount,
		ret.DueAdjustmentAmount, ret.AdditionalDueAmount, nullIfEmpty(ret.Reason), nullIfEmpty(ret.Note),
		ret.BusinessDate, ret.CreatedBy, ret.CreatedAt,
	)
	if err != nil {
		return conflictOr(err)
	}

	for i, item := range ret.Items {
		if _, err := t.q.ExecContext(ctx, `
			INSERT INTO sale_return_items (id, return_id, position, sale_item_id, product_id, product_name, quantity, unit_price, line_total)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, item.ID, ret.ID, i, item.SaleItemID, item.ProductID, item.ProductName, item.Quantity, item.UnitPrice, item.LineTotal); err != nil {
			return conflictOr(err)
		}
	}
	for i, item := range ret.ExchangeItems {
		if _, err := t.q.ExecContext(ctx, `
			INSERT INTO sale_return_exchange_items (id, return_id, position, product_id, product_name, quantity, unit_price, line_total)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, item.ID, ret.ID, i, item.ProductID, item.ProductName, item.Quantity, item.UnitPrice, item.LineTotal); err != nil {
			return conflictOr(err)
		}
	}
	return nil
}

func (t *pgTx) InsertExpense(ctx context.Context, expense domain.Expense) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO expenses (id, shop_id, category, amount, note, business_date, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, expense.ID, expense.ShopID, expense.Category, expense.Amount, nullIfEmpty(expense.Note), expense.BusinessDate, expense.CreatedBy, expense.CreatedAt)
	return conflictOr(err)
}

func (t *pgTx) InsertPurchase(ctx context.Context, purchase domain.Purchase) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO purchases (id, shop_id, supplier, total_amount, paid_amount, business_date, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, purchase.ID, purchase.ShopID, nullIfEmpty(purchase.Supplier), purchase.TotalAmount, purchase.PaidAmount, purchase.BusinessDate, purchase.CreatedBy, purchase.CreatedAt)
	if err != nil {
		return conflictOr(err)
	}
	for i, item := range purchase.Items {
		if _, err := t.q.ExecContext(ctx, `
			INSERT INTO purchase_items (purchase_id, position, product_id, quantity, unit_cost, line_total)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, purchase.ID, i, item.ProductID, item.Quantity, item.UnitCost, item.LineTotal); err != nil {
			return conflictOr(err)
		}
	}
	return nil
}

// execOne runs an UPDATE that must touch exactly one row.
func (t *pgTx) execOne(ctx context.Context, query string, args ...any) error {
	res, err := t.q.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

const saleSelect = `
	SELECT id, shop_id, COALESCE(customer_id, ''), total_amount, paid_amount, payment_method, status,
	       COALESCE(void_reason, ''), voided_at, COALESCE(invoice_no, ''), COALESCE(note, ''),
	       COALESCE(idempotency_key, ''), COALESCE(reissued_from_id, ''), created_by, sale_date,
	       to_char(business_date, 'YYYY-MM-DD')
	FROM sales`

func scanSale(row rowScanner) (*domain.Sale, error) {
	var sale domain.Sale
	var voidedAt sql.NullTime
	if err := row.Scan(
		&sale.ID, &sale.ShopID, &sale.CustomerID, &sale.TotalAmount, &sale.PaidAmount, &sale.PaymentMethod, &sale.Status,
		&sale.VoidReason, &voidedAt, &sale.InvoiceNo, &sale.Note,
		&sale.IdempotencyKey, &sale.ReissuedFromID, &sale.CreatedBy, &sale.SaleDate,
		&sale.BusinessDate,
	); err != nil {
		return nil, err
	}
	sale.SaleDate = sale.SaleDate.UTC()
	if voidedAt.Valid {
		at := voidedAt.Time.UTC()
		sale.VoidedAt = &at
	}
	return &sale, nil
}

func getSale(ctx context.Context, q queryer, where string, forUpdate bool, args ...any) (*domain.Sale, error) {
	query := saleSelect + " " + where
	if forUpdate {
		query += " FOR UPDATE"
	}
	sale, err := scanSale(q.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	items, err := saleItems(ctx, q, []string{sale.ID})
	if err != nil {
		return nil, err
	}
	sale.Items = items[sale.ID]
	return sale, nil
}

func saleItems(ctx context.Context, q queryer, saleIDs []string) (map[string][]domain.SaleItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, sale_id, product_id, product_name, quantity, unit_price, cost_at_sale, line_total
		FROM sale_items
		WHERE sale_id = ANY($1)
		ORDER BY sale_id, position
	`, saleIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make(map[string][]domain.SaleItem, len(saleIDs))
	for rows.Next() {
		var item domain.SaleItem
		var cost decimal.NullDecimal
		if err := rows.Scan(&item.ID, &item.SaleID, &item.ProductID, &item.ProductName, &item.Quantity, &item.UnitPrice, &cost, &item.LineTotal); err != nil {
			return nil, err
		}
		if cost.Valid {
			value := cost.Decimal
			item.CostAtSale = &value
		}
		items[item.SaleID] = append(items[item.SaleID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func returnItems(ctx context.Context, q queryer, returnIDs []string) (map[string][]domain.SaleReturnItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, return_id, sale_item_id, product_id, product_name, quantity, unit_price, line_total
		FROM sale_return_items
		WHERE return_id = ANY($1)
		ORDER BY return_id, position
	`, returnIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make(map[string][]domain.SaleReturnItem, len(returnIDs))
	for rows.Next() {
		var item domain.SaleReturnItem
		if err := rows.Scan(&item.ID, &item.ReturnID, &item.SaleItemID, &item.ProductID, &item.ProductName, &item.Quantity, &item.UnitPrice, &item.LineTotal); err != nil {
			return nil, err
		}
		items[item.ReturnID] = append(items[item.ReturnID], item)
	}
	return items, rows.Err()
}

func exchangeItems(ctx context.Context, q queryer, returnIDs []string) (map[string][]domain.SaleReturnExchangeItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, return_id, product_id, product_name, quantity, unit_price, line_total
		FROM sale_return_exchange_items
		WHERE return_id = ANY($1)
		ORDER BY return_id, position
	`, returnIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make(map[string][]domain.SaleReturnExchangeItem, len(returnIDs))
	for rows.Next() {
		var item domain.SaleReturnExchangeItem
		if err := rows.Scan(&item.ID, &item.ReturnID, &item.ProductID, &item.ProductName, &item.Quantity, &item.UnitPrice, &item.LineTotal); err != nil {
			return nil, err
		}
		items[item.ReturnID] = append(items[item.ReturnID], item)
	}
	return items, rows.Err()
}

func getShop(ctx context.Context, q queryer, shopID string) (*domain.Shop, error) {
	var shop domain.Shop
	err := q.QueryRowContext(ctx, `
		SELECT id, name, owner_username, invoicing_enabled, created_at
		FROM shops
		WHERE id = $1
	`, shopID).Scan(&shop.ID, &shop.Name, &shop.OwnerUsername, &shop.InvoicingEnabled, &shop.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &shop, nil
}

func getProducts(ctx context.Context, q queryer, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, shop_id, name, sell_price, buy_price, stock_qty, track_stock, is_active
		FROM products
		WHERE id = ANY($1)
	`, uniqueStrings(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Product
		var buyPrice decimal.NullDecimal
		if err := rows.Scan(&p.ID, &p.ShopID, &p.Name, &p.SellPrice, &buyPrice, &p.StockQty, &p.TrackStock, &p.IsActive); err != nil {
			return nil, err
		}
		if buyPrice.Valid {
			value := buyPrice.Decimal
			p.BuyPrice = &value
		}
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func getCustomer(ctx context.Context, q queryer, customerID string, forUpdate bool) (*domain.Customer, error) {
	query := `
		SELECT id, shop_id, name, COALESCE(phone, ''), total_due
		FROM customers
		WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var c domain.Customer
	if err := q.QueryRowContext(ctx, query, customerID).Scan(&c.ID, &c.ShopID, &c.Name, &c.Phone, &c.TotalDue); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func countCompletedReturns(ctx context.Context, q queryer, saleID string) (int, error) {
	var count int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM sale_returns
		WHERE sale_id = $1 AND status = 'completed'
	`, saleID).Scan(&count)
	return count, err
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// isRetryable reports serialization failures and deadlocks.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func conflictOr(err error) error {
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %v", store.ErrConflict, err)
	}
	return err
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullDecimal(val *decimal.Decimal) any {
	if val == nil {
		return nil
	}
	return *val
}
