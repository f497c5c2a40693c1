package service

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"hisabpos/backend/internal/access"
	"hisabpos/backend/internal/bizdate"
	"hisabpos/backend/internal/domain"
	"hisabpos/backend/internal/ledger"
	"hisabpos/backend/internal/money"
)

func (s *Service) GetSale(ctx context.Context, saleID string) (domain.SaleDetail, error) {
	actor, err := s.authorize(ctx, access.ActionSaleRead)
	if err != nil {
		return domain.SaleDetail{}, err
	}
	saleID = strings.TrimSpace(saleID)
	sale, err := s.store.GetSale(ctx, saleID)
	if err != nil {
		return domain.SaleDetail{}, s.fail(ctx, "get sale", notFound(err, "sale", saleID))
	}
	if _, err := s.auth.RequireShop(ctx, sale.ShopID, actor); err != nil {
		return domain.SaleDetail{}, err
	}
	returns, err := s.store.ListSaleReturns(ctx, sale.ID)
	if err != nil {
		return domain.SaleDetail{}, s.fail(ctx, "get sale", err)
	}
	return domain.SaleDetail{Sale: *sale, Returns: returns}, nil
}

func (s *Service) ListSales(ctx context.Context, shopID string, businessDate string, limit int) ([]domain.Sale, error) {
	if _, _, err := s.authorizeShop(ctx, access.ActionSaleRead, shopID); err != nil {
		return nil, err
	}
	if businessDate != "" && !bizdate.Valid(businessDate) {
		return nil, domain.Validation("date must be YYYY-MM-DD")
	}
	if limit < 1 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	sales, err := s.store.ListSales(ctx, shopID, businessDate, limit)
	if err != nil {
		return nil, s.fail(ctx, "list sales", err)
	}
	return sales, nil
}

// CustomerStatement returns the ledger with the stored balance and the balance
// recomputed from the entries, so drift is visible.
func (s *Service) CustomerStatement(ctx context.Context, customerID string) (domain.CustomerStatement, error) {
	actor, err := s.authorize(ctx, access.ActionCustomerRead)
	if err != nil {
		return domain.CustomerStatement{}, err
	}
	customerID = strings.TrimSpace(customerID)
	customer, err := s.store.GetCustomer(ctx, customerID)
	if err != nil {
		return domain.CustomerStatement{}, s.fail(ctx, "customer statement", notFound(err, "customer", customerID))
	}
	if _, err := s.auth.RequireShop(ctx, customer.ShopID, actor); err != nil {
		return domain.CustomerStatement{}, err
	}
	entries, err := s.store.ListLedgerEntries(ctx, customer.ID)
	if err != nil {
		return domain.CustomerStatement{}, s.fail(ctx, "customer statement", err)
	}

	total := ledger.LedgerBalance(entries)
	reconciled := money.Equal(total, customer.TotalDue)
	if !reconciled {
		s.logger(ctx).Warn("customer ledger out of balance",
			zap.String("customer_id", customer.ID),
			zap.String("total_due", money.Format(customer.TotalDue)),
			zap.String("ledger_total", money.Format(total)),
		)
	}
	return domain.CustomerStatement{Customer: *customer, Entries: entries, LedgerTotal: total, Reconciled: reconciled}, nil
}

// CashBook returns one business day of drawer movements. Today is used when
// businessDate is empty.
func (s *Service) CashBook(ctx context.Context, shopID string, businessDate string) (domain.CashBook, error) {
	if _, _, err := s.authorizeShop(ctx, access.ActionCashRead, shopID); err != nil {
		return domain.CashBook{}, err
	}
	if businessDate == "" {
		businessDate = s.dates.Date(s.now())
	}
	if !bizdate.Valid(businessDate) {
		return domain.CashBook{}, domain.Validation("date must be YYYY-MM-DD")
	}

	if cached, ok, err := s.cashBooks.Get(ctx, shopID, businessDate); err == nil && ok {
		return *cached, nil
	} else if err != nil {
		s.logger(ctx).Warn("cash book cache read failed", zap.Error(err))
	}

	// The generation is taken before loading entries so a write that commits while
	// the book is being built keeps this copy out of the cache.
	cacheable := s.cashBookTTL > 0
	generation, err := s.cashBooks.Generation(ctx, shopID, businessDate)
	if err != nil {
		s.logger(ctx).Warn("cash book cache generation read failed", zap.Error(err))
		cacheable = false
	}

	entries, err := s.store.ListCashEntries(ctx, shopID, businessDate)
	if err != nil {
		return domain.CashBook{}, s.fail(ctx, "cash book", err)
	}
	in, out := ledger.CashTotals(entries)
	book := domain.CashBook{
		ShopID:       shopID,
		BusinessDate: businessDate,
		Entries:      entries,
		TotalIn:      in,
		TotalOut:     out,
		Net:          money.Round(in.Sub(out)),
	}
	if cacheable {
		if err := s.cashBooks.Set(ctx, &book, s.cashBookTTL, generation); err != nil {
			s.logger(ctx).Warn("cash book cache write failed", zap.Error(err))
		}
	}
	return book, nil
}
