package service

import (
	"context"
	"errors"
	"fmt"
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

type cartLine struct {
	product   domain.Product
	qty       decimal.Decimal
	unitPrice decimal.Decimal
	lineTotal decimal.Decimal
}

type preparedCart struct {
	lines []cartLine
	total decimal.Decimal
}

func (c preparedCart) stockLines() []ledger.StockLine {
	lines := make([]ledger.StockLine, 0, len(c.lines))
	for _, line := range c.lines {
		lines = append(lines, ledger.StockLine{
			ProductID:   line.product.ID,
			ProductName: line.product.Name,
			Tracked:     line.product.TrackStock,
			Qty:         line.qty,
		})
	}
	return lines
}

// prepareCart validates the cart lines and loads their products in one batch. The total
// is always computed here; client totals are never read.
func (s *Service) prepareCart(ctx context.Context, shopID string, items []domain.CartItem) (preparedCart, error) {
	if len(items) == 0 {
		return preparedCart{}, domain.Validation("cart is empty")
	}

	ids := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for i, item := range items {
		productID := strings.TrimSpace(item.ProductID)
		if productID == "" {
			return preparedCart{}, domain.Validation("item %d: product id is required", i+1)
		}
		if !money.Qty(item.Quantity).IsPositive() {
			return preparedCart{}, domain.Validation("item %d: quantity must be greater than zero", i+1)
		}
		if item.UnitPrice.IsNegative() {
			return preparedCart{}, domain.Validation("item %d: unit price must not be negative", i+1)
		}
		if _, ok := seen[productID]; !ok {
			seen[productID] = struct{}{}
			ids = append(ids, productID)
		}
	}

	products, err := s.store.GetProducts(ctx, ids)
	if err != nil {
		return preparedCart{}, err
	}

	cart := preparedCart{lines: make([]cartLine, 0, len(items)), total: decimal.Zero}
	for _, item := range items {
		productID := strings.TrimSpace(item.ProductID)
		product, ok := products[productID]
		if !ok {
			return preparedCart{}, domain.NotFound("product", productID)
		}
		if product.ShopID != shopID || !product.IsActive {
			return preparedCart{}, domain.InvalidCart("product %s is not available in this shop", product.Name)
		}
		qty := money.Qty(item.Quantity)
		unitPrice := money.Round(item.UnitPrice)
		lineTotal := money.LineTotal(qty, unitPrice)
		cart.lines = append(cart.lines, cartLine{product: product, qty: qty, unitPrice: unitPrice, lineTotal: lineTotal})
		cart.total = cart.total.Add(lineTotal)
	}
	cart.total = money.Round(cart.total)
	return cart, nil
}

// resolveCustomer loads the optional customer reference. Due sales must name a customer
// of the same shop.
func (s *Service) resolveCustomer(ctx context.Context, shopID string, customerID string, required bool) (*domain.Customer, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		if required {
			return nil, domain.InvalidCustomer("a due sale needs a customer")
		}
		return nil, nil
	}
	customer, err := s.store.GetCustomer(ctx, customerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, domain.InvalidCustomer("customer %s does not exist", customerID)
		}
		return nil, err
	}
	if customer.ShopID != shopID {
		return nil, domain.InvalidCustomer("customer %s does not belong to this shop", customerID)
	}
	return customer, nil
}

func normalizePaymentMethod(method string) (string, error) {
	method = strings.ToLower(strings.TrimSpace(method))
	if method == "" {
		return domain.PaymentMethodCash, nil
	}
	if len(method) > 32 {
		return "", domain.Validation("payment method is too long")
	}
	return method, nil
}

// paidAtSale is the cash taken at the counter: the full total for cash, the clamped
// paidNow for due, nothing for other methods.
func paidAtSale(method string, paidNow decimal.Decimal, total decimal.Decimal) decimal.Decimal {
	switch method {
	case domain.PaymentMethodCash:
		return total
	case domain.PaymentMethodDue:
		return money.ClampPaid(paidNow, total)
	default:
		return decimal.Zero
	}
}

func (s *Service) CreateSale(ctx context.Context, req domain.CreateSaleRequest) (domain.CreateSaleResponse, error) {
	resp, err := s.createSale(ctx, req, "")
	if err != nil {
		return domain.CreateSaleResponse{}, s.fail(ctx, "create sale", err)
	}
	return resp, nil
}

func (s *Service) createSale(ctx context.Context, req domain.CreateSaleRequest, reissuedFromID string) (domain.CreateSaleResponse, error) {
	actor, shop, err := s.authorizeShop(ctx, access.ActionSaleCreate, req.ShopID)
	if err != nil {
		return domain.CreateSaleResponse{}, err
	}

	req.Note = strings.TrimSpace(req.Note)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if err := checkLength("note", req.Note, 500); err != nil {
		return domain.CreateSaleResponse{}, err
	}
	if err := checkLength("idempotency key", req.IdempotencyKey, 128); err != nil {
		return domain.CreateSaleResponse{}, err
	}
	// A replay returns the recorded sale even if the catalog or customer has changed
	// since. The check inside the transaction still covers concurrent first attempts.
	if req.IdempotencyKey != "" {
		existing, err := s.findByIdempotencyKey(ctx, shop.ID, req.IdempotencyKey)
		if err == nil {
			return toCreateSaleResponse(*existing, true), nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return domain.CreateSaleResponse{}, s.fail(ctx, "idempotency lookup", err)
		}
	}
	method, err := normalizePaymentMethod(req.PaymentMethod)
	if err != nil {
		return domain.CreateSaleResponse{}, err
	}

	cart, err := s.prepareCart(ctx, shop.ID, req.Items)
	if err != nil {
		return domain.CreateSaleResponse{}, err
	}
	customer, err := s.resolveCustomer(ctx, shop.ID, req.CustomerID, method == domain.PaymentMethodDue)
	if err != nil {
		return domain.CreateSaleResponse{}, err
	}

	paid := paidAtSale(method, req.PaidNow, cart.total)
	now := s.now()
	businessDate := s.dates.Date(now)

	sale := domain.Sale{
		ID:             xid.New("sale"),
		ShopID:         shop.ID,
		TotalAmount:    cart.total,
		PaidAmount:     paid,
		PaymentMethod:  method,
		Status:         domain.SaleStatusActive,
		Note:           req.Note,
		IdempotencyKey: req.IdempotencyKey,
		ReissuedFromID: reissuedFromID,
		CreatedBy:      actor.Username,
		SaleDate:       now,
		BusinessDate:   businessDate,
		Items:          make([]domain.SaleItem, 0, len(cart.lines)),
	}
	if customer != nil {
		sale.CustomerID = customer.ID
	}
	for _, line := range cart.lines {
		var cost *decimal.Decimal
		if line.product.BuyPrice != nil {
			snapshot := money.Round(*line.product.BuyPrice)
			cost = &snapshot
		}
		sale.Items = append(sale.Items, domain.SaleItem{
			ID:          xid.New("sli"),
			SaleID:      sale.ID,
			ProductID:   line.product.ID,
			ProductName: line.product.Name,
			Quantity:    line.qty,
			UnitPrice:   line.unitPrice,
			CostAtSale:  cost,
			LineTotal:   line.lineTotal,
		})
	}

	var (
		committed domain.Sale
		duplicate *domain.Sale
		touched   []string
	)
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		duplicate, touched = nil, nil
		if sale.IdempotencyKey != "" {
			existing, err := tx.FindSaleByIdempotencyKey(ctx, sale.ShopID, sale.IdempotencyKey)
			if err == nil {
				duplicate = existing
				return nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}

		record := sale
		if s.invoicingFor(shop) {
			invoiceNo, err := ledger.NextNumber(ctx, tx, shop.ID, domain.SequenceInvoice, businessDate)
			if err != nil {
				return err
			}
			record.InvoiceNo = invoiceNo
		}
		if err := tx.InsertSale(ctx, record); err != nil {
			return fmt.Errorf("insert sale: %w", err)
		}

		if _, err := ledger.RecordCash(ctx, tx, ledger.CashMovement{
			ShopID:       shop.ID,
			Type:         domain.CashIn,
			Amount:       paid,
			Reason:       "sale " + saleLabel(record),
			RefType:      "sale",
			RefID:        record.ID,
			BusinessDate: businessDate,
			At:           now,
		}); err != nil {
			return err
		}

		var err error
		touched, err = ledger.Consume(ctx, tx, cart.stockLines())
		if err != nil {
			return err
		}

		if method == domain.PaymentMethodDue {
			locked, err := tx.GetCustomerForUpdate(ctx, customer.ID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return domain.InvalidCustomer("customer %s does not exist", customer.ID)
				}
				return err
			}
			if _, err := ledger.PostCredit(ctx, tx, ledger.CreditPosting{
				Customer:     locked,
				BusinessDate: businessDate,
				At:           now,
				Entries: []ledger.CreditEntry{
					ledger.Sale(record.TotalAmount, record.ID, "sale "+saleLabel(record)),
					ledger.Payment(paid, record.ID, "paid at sale "+saleLabel(record)),
				},
			}); err != nil {
				return err
			}
		}

		committed = record
		return nil
	})
	if errors.Is(err, store.ErrConflict) && sale.IdempotencyKey != "" {
		existing, lookupErr := s.findByIdempotencyKey(ctx, sale.ShopID, sale.IdempotencyKey)
		if lookupErr != nil {
			return domain.CreateSaleResponse{}, lookupErr
		}
		duplicate, err = existing, nil
	}
	if err != nil {
		return domain.CreateSaleResponse{}, err
	}
	if duplicate != nil {
		return toCreateSaleResponse(*duplicate, true), nil
	}

	s.publishSaleCommitted(ctx, committed, touched)
	s.logAudit(ctx, shop.ID, "sale.create", "sale", committed.ID, fmt.Sprintf(
		"invoice=%s,total=%s,paid=%s,method=%s,reissued_from=%s",
		committed.InvoiceNo,
		money.Format(committed.TotalAmount),
		money.Format(committed.PaidAmount),
		committed.PaymentMethod,
		committed.ReissuedFromID,
	))

	return toCreateSaleResponse(committed, false), nil
}

func (s *Service) findByIdempotencyKey(ctx context.Context, shopID string, key string) (*domain.Sale, error) {
	var found *domain.Sale
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		sale, err := tx.FindSaleByIdempotencyKey(ctx, shopID, key)
		if err != nil {
			return err
		}
		found = sale
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

func (s *Service) publishSaleCommitted(ctx context.Context, sale domain.Sale, touched []string) {
	events := []notify.Event{newEvent(notify.KindSaleCommitted, sale.ShopID, map[string]any{
		notify.PayloadSaleID:       sale.ID,
		notify.PayloadInvoiceNo:    sale.InvoiceNo,
		notify.PayloadBusinessDate: sale.BusinessDate,
	})}
	if sale.PaidAmount.IsPositive() {
		events = append(events, newEvent(notify.KindCashUpdated, sale.ShopID, map[string]any{
			notify.PayloadSaleID:       sale.ID,
			notify.PayloadBusinessDate: sale.BusinessDate,
		}))
	}
	if len(touched) > 0 {
		events = append(events, newEvent(notify.KindStockUpdated, sale.ShopID, map[string]any{
			notify.PayloadProductIDs: touched,
		}))
	}
	if sale.PaymentMethod == domain.PaymentMethodDue {
		events = append(events, newEvent(notify.KindLedgerUpdated, sale.ShopID, map[string]any{
			notify.PayloadCustomerID: sale.CustomerID,
			notify.PayloadSaleID:     sale.ID,
		}))
	}
	s.publish(ctx, events...)
}

func toCreateSaleResponse(sale domain.Sale, duplicate bool) domain.CreateSaleResponse {
	return domain.CreateSaleResponse{
		SaleID:     sale.ID,
		InvoiceNo:  sale.InvoiceNo,
		Total:      sale.TotalAmount,
		PaidAmount: sale.PaidAmount,
		DueAmount:  money.NonNegative(sale.DueAmount()),
		Duplicate:  duplicate,
	}
}

func saleLabel(sale domain.Sale) string {
	if sale.InvoiceNo != "" {
		return sale.InvoiceNo
	}
	return sale.ID
}
