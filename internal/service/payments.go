package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"hisabpos/backend/internal/access"
	"hisabpos/backend/internal/domain"
	"hisabpos/backend/internal/ledger"
	"hisabpos/backend/internal/money"
	"hisabpos/backend/internal/notify"
	"hisabpos/backend/internal/store"
	"hisabpos/backend/internal/xid"
)

// CollectDuePayment takes cash against a customer's outstanding due. Amounts above the
// balance are capped at the balance.
func (s *Service) CollectDuePayment(ctx context.Context, req domain.DuePaymentRequest) (domain.DuePaymentResponse, error) {
	actor, err := s.authorize(ctx, access.ActionDueCollect)
	if err != nil {
		return domain.DuePaymentResponse{}, s.fail(ctx, "collect due", err)
	}
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	req.Note = strings.TrimSpace(req.Note)
	if req.CustomerID == "" {
		return domain.DuePaymentResponse{}, domain.Validation("customer id is required")
	}
	if err := checkLength("note", req.Note, 500); err != nil {
		return domain.DuePaymentResponse{}, err
	}
	amount := money.Round(req.Amount)
	if !amount.IsPositive() {
		return domain.DuePaymentResponse{}, domain.Validation("payment amount must be greater than zero")
	}

	customer, err := s.store.GetCustomer(ctx, req.CustomerID)
	if err != nil {
		return domain.DuePaymentResponse{}, s.fail(ctx, "collect due", notFound(err, "customer", req.CustomerID))
	}
	if _, err := s.auth.RequireShop(ctx, customer.ShopID, actor); err != nil {
		return domain.DuePaymentResponse{}, err
	}

	now := s.now()
	businessDate := s.dates.Date(now)
	var applied, balance decimal.Decimal
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		locked, err := tx.GetCustomerForUpdate(ctx, req.CustomerID)
		if err != nil {
			return notFound(err, "customer", req.CustomerID)
		}
		applied = money.Min(amount, money.NonNegative(locked.TotalDue))
		if !applied.IsPositive() {
			return domain.Validation("customer %s has no outstanding due", locked.Name)
		}
		description := defaultString(req.Note, "due payment")
		balance, err = ledger.PostCredit(ctx, tx, ledger.CreditPosting{
			Customer:     locked,
			BusinessDate: businessDate,
			At:           now,
			Entries:      []ledger.CreditEntry{ledger.Payment(applied, "", description)},
		})
		if err != nil {
			return err
		}
		_, err = ledger.RecordCash(ctx, tx, ledger.CashMovement{
			ShopID:       locked.ShopID,
			Type:         domain.CashIn,
			Amount:       applied,
			Reason:       "due payment from " + locked.Name,
			RefType:      "due_payment",
			RefID:        locked.ID,
			BusinessDate: businessDate,
			At:           now,
		})
		return err
	})
	if err != nil {
		return domain.DuePaymentResponse{}, s.fail(ctx, "collect due", err)
	}

	s.publish(ctx,
		newEvent(notify.KindLedgerUpdated, customer.ShopID, map[string]any{notify.PayloadCustomerID: customer.ID}),
		newEvent(notify.KindCashUpdated, customer.ShopID, map[string]any{notify.PayloadBusinessDate: businessDate}),
	)
	s.logAudit(ctx, customer.ShopID, "due.collect", "customer", customer.ID, fmt.Sprintf("applied=%s,balance=%s", money.Format(applied), money.Format(balance)))

	return domain.DuePaymentResponse{CustomerID: customer.ID, Applied: applied, TotalDue: balance}, nil
}

func (s *Service) RecordExpense(ctx context.Context, req domain.ExpenseRequest) (domain.Expense, error) {
	actor, shop, err := s.authorizeShop(ctx, access.ActionExpenseCreate, strings.TrimSpace(req.ShopID))
	if err != nil {
		return domain.Expense{}, s.fail(ctx, "record expense", err)
	}
	req.Category = strings.TrimSpace(req.Category)
	req.Note = strings.TrimSpace(req.Note)
	if req.Category == "" {
		return domain.Expense{}, domain.Validation("expense category is required")
	}
	if err := checkLength("category", req.Category, 80); err != nil {
		return domain.Expense{}, err
	}
	if err := checkLength("note", req.Note, 500); err != nil {
		return domain.Expense{}, err
	}
	amount := money.Round(req.Amount)
	if !amount.IsPositive() {
		return domain.Expense{}, domain.Validation("expense amount must be greater than zero")
	}

	now := s.now()
	expense := domain.Expense{
		ID:           xid.New("exp"),
		ShopID:       shop.ID,
		Category:     req.Category,
		Amount:       amount,
		Note:         req.Note,
		BusinessDate: s.dates.Date(now),
		CreatedBy:    actor.Username,
		CreatedAt:    now,
	}
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.InsertExpense(ctx, expense); err != nil {
			return fmt.Errorf("insert expense: %w", err)
		}
		_, err := ledger.RecordCash(ctx, tx, ledger.CashMovement{
			ShopID:       shop.ID,
			Type:         domain.CashOut,
			Amount:       amount,
			Reason:       "expense " + expense.Category,
			RefType:      "expense",
			RefID:        expense.ID,
			BusinessDate: expense.BusinessDate,
			At:           now,
		})
		return err
	})
	if err != nil {
		return domain.Expense{}, s.fail(ctx, "record expense", err)
	}

	s.publish(ctx, newEvent(notify.KindCashUpdated, shop.ID, map[string]any{notify.PayloadBusinessDate: expense.BusinessDate}))
	s.logAudit(ctx, shop.ID, "expense.create", "expense", expense.ID, fmt.Sprintf("category=%s,amount=%s", expense.Category, money.Format(amount)))
	return expense, nil
}

// RecordPurchase receives stock from a supplier. Tracked products gain stock, every
// product's buy price moves to the latest unit cost, and the paid part leaves the drawer.
func (s *Service) RecordPurchase(ctx context.Context, req domain.PurchaseRequest) (domain.Purchase, error) {
	actor, shop, err := s.authorizeShop(ctx, access.ActionPurchaseCreate, strings.TrimSpace(req.ShopID))
	if err != nil {
		return domain.Purchase{}, s.fail(ctx, "record purchase", err)
	}
	req.Supplier = strings.TrimSpace(req.Supplier)
	if err := checkLength("supplier", req.Supplier, 120); err != nil {
		return domain.Purchase{}, err
	}
	if len(req.Items) == 0 {
		return domain.Purchase{}, domain.Validation("purchase needs at least one item")
	}

	ids := make([]string, 0, len(req.Items))
	for i, item := range req.Items {
		id := strings.TrimSpace(item.ProductID)
		if id == "" {
			return domain.Purchase{}, domain.Validation("item %d: product id is required", i+1)
		}
		if !money.Qty(item.Quantity).IsPositive() {
			return domain.Purchase{}, domain.Validation("item %d: quantity must be greater than zero", i+1)
		}
		if item.UnitCost.IsNegative() {
			return domain.Purchase{}, domain.Validation("item %d: unit cost must not be negative", i+1)
		}
		ids = append(ids, id)
	}
	products, err := s.store.GetProducts(ctx, ids)
	if err != nil {
		return domain.Purchase{}, s.fail(ctx, "record purchase", err)
	}

	now := s.now()
	purchase := domain.Purchase{
		ID:           xid.New("pur"),
		ShopID:       shop.ID,
		Supplier:     req.Supplier,
		TotalAmount:  decimal.Zero,
		BusinessDate: s.dates.Date(now),
		CreatedBy:    actor.Username,
		CreatedAt:    now,
		Items:        make([]domain.PurchaseItem, 0, len(req.Items)),
	}
	stock := make([]ledger.StockLine, 0, len(req.Items))
	latestCost := make(map[string]decimal.Decimal, len(req.Items))
	for _, item := range req.Items {
		id := strings.TrimSpace(item.ProductID)
		product, ok := products[id]
		if !ok {
			return domain.Purchase{}, domain.NotFound("product", id)
		}
		if product.ShopID != shop.ID {
			return domain.Purchase{}, domain.InvalidCart("product %s is not available in this shop", product.Name)
		}
		qty := money.Qty(item.Quantity)
		unitCost := money.Round(item.UnitCost)
		lineTotal := money.LineTotal(qty, unitCost)
		purchase.Items = append(purchase.Items, domain.PurchaseItem{ProductID: id, Quantity: qty, UnitCost: unitCost, LineTotal: lineTotal})
		purchase.TotalAmount = purchase.TotalAmount.Add(lineTotal)
		stock = append(stock, ledger.StockLine{ProductID: id, ProductName: product.Name, Tracked: product.TrackStock, Qty: qty})
		latestCost[id] = unitCost
	}
	purchase.TotalAmount = money.Round(purchase.TotalAmount)
	purchase.PaidAmount = money.ClampPaid(req.PaidNow, purchase.TotalAmount)

	costIDs := make([]string, 0, len(latestCost))
	for id := range latestCost {
		costIDs = append(costIDs, id)
	}
	sort.Strings(costIDs)

	var touched []string
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.InsertPurchase(ctx, purchase); err != nil {
			return fmt.Errorf("insert purchase: %w", err)
		}
		var err error
		touched, err = ledger.Restore(ctx, tx, stock)
		if err != nil {
			return err
		}
		for _, id := range costIDs {
			if err := tx.SetBuyPrice(ctx, id, latestCost[id]); err != nil {
				return fmt.Errorf("set buy price %s: %w", id, err)
			}
		}
		_, err = ledger.RecordCash(ctx, tx, ledger.CashMovement{
			ShopID:       shop.ID,
			Type:         domain.CashOut,
			Amount:       purchase.PaidAmount,
			Reason:       "purchase " + defaultString(purchase.Supplier, "supplier"),
			RefType:      "purchase",
			RefID:        purchase.ID,
			BusinessDate: purchase.BusinessDate,
			At:           now,
		})
		return err
	})
	if err != nil {
		return domain.Purchase{}, s.fail(ctx, "record purchase", err)
	}

	events := make([]notify.Event, 0, 2)
	if len(touched) > 0 {
		events = append(events, newEvent(notify.KindStockUpdated, shop.ID, map[string]any{notify.PayloadProductIDs: touched}))
	}
	if purchase.PaidAmount.IsPositive() {
		events = append(events, newEvent(notify.KindCashUpdated, shop.ID, map[string]any{notify.PayloadBusinessDate: purchase.BusinessDate}))
	}
	s.publish(ctx, events...)
	s.logAudit(ctx, shop.ID, "purchase.create", "purchase", purchase.ID, fmt.Sprintf("supplier=%s,total=%s,paid=%s", purchase.Supplier, money.Format(purchase.TotalAmount), money.Format(purchase.PaidAmount)))
	return purchase, nil
}
