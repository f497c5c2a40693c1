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

// settlement splits a return's net amount into its cash and credit parts.
type settlement struct {
	refund        decimal.Decimal
	cashIn        decimal.Decimal
	dueAdjustment decimal.Decimal
	additionalDue decimal.Decimal
}

// settle decides how net is paid out or collected. A negative net first reduces the
// linked customer's outstanding due and refunds the rest in cash. A positive net goes on
// the customer's account when settling by due or when the sale itself was a due sale,
// and is collected in cash otherwise.
func settle(net decimal.Decimal, customer *domain.Customer, mode string, salePaymentMethod string) settlement {
	result := settlement{
		refund:        decimal.Zero,
		cashIn:        decimal.Zero,
		dueAdjustment: decimal.Zero,
		additionalDue: decimal.Zero,
	}
	net = money.Round(net)

	switch {
	case net.IsNegative():
		owed := net.Neg()
		if customer != nil {
			result.dueAdjustment = money.Min(owed, money.NonNegative(customer.TotalDue))
		}
		result.refund = money.Round(owed.Sub(result.dueAdjustment))
	case net.IsPositive():
		onAccount := mode == domain.SettlementDue || salePaymentMethod == domain.PaymentMethodDue
		if customer != nil && onAccount {
			result.additionalDue = net
		} else {
			result.cashIn = net
		}
	}
	return result
}

type returnRequest struct {
	saleItemIDs []string
	qty         map[string]decimal.Decimal
}

func normalizeReturnLines(lines []domain.ReturnLine) (returnRequest, error) {
	if len(lines) == 0 {
		return returnRequest{}, domain.Validation("at least one returned item is required")
	}
	out := returnRequest{qty: make(map[string]decimal.Decimal, len(lines))}
	for i, line := range lines {
		id := strings.TrimSpace(line.SaleItemID)
		if id == "" {
			return returnRequest{}, domain.Validation("returned item %d: sale item id is required", i+1)
		}
		qty := money.Qty(line.Quantity)
		if !qty.IsPositive() {
			return returnRequest{}, domain.Validation("returned item %d: quantity must be greater than zero", i+1)
		}
		if _, ok := out.qty[id]; !ok {
			out.saleItemIDs = append(out.saleItemIDs, id)
		}
		out.qty[id] = out.qty[id].Add(qty)
	}
	return out, nil
}

func (s *Service) ProcessSaleReturn(ctx context.Context, req domain.SaleReturnRequest) (domain.SaleReturnResponse, error) {
	resp, err := s.processSaleReturn(ctx, req)
	if err != nil {
		return domain.SaleReturnResponse{}, s.fail(ctx, "process sale return", err)
	}
	return resp, nil
}

func (s *Service) processSaleReturn(ctx context.Context, req domain.SaleReturnRequest) (domain.SaleReturnResponse, error) {
	actor, err := s.authorize(ctx, access.ActionSaleReturn)
	if err != nil {
		return domain.SaleReturnResponse{}, err
	}

	req.SaleID = strings.TrimSpace(req.SaleID)
	req.Type = strings.ToLower(strings.TrimSpace(req.Type))
	req.SettlementMode = strings.ToLower(defaultString(req.SettlementMode, domain.SettlementCash))
	req.Reason = strings.TrimSpace(req.Reason)
	req.Note = strings.TrimSpace(req.Note)

	if req.SaleID == "" {
		return domain.SaleReturnResponse{}, domain.Validation("sale id is required")
	}
	switch req.Type {
	case domain.ReturnTypeRefund:
		if len(req.ExchangeItems) > 0 {
			return domain.SaleReturnResponse{}, domain.Validation("a refund cannot include exchange items")
		}
	case domain.ReturnTypeExchange:
		if len(req.ExchangeItems) == 0 {
			return domain.SaleReturnResponse{}, domain.Validation("an exchange needs at least one replacement item")
		}
	default:
		return domain.SaleReturnResponse{}, domain.Validation("return type must be refund or exchange")
	}
	if req.SettlementMode != domain.SettlementCash && req.SettlementMode != domain.SettlementDue {
		return domain.SaleReturnResponse{}, domain.Validation("settlement mode must be cash or due")
	}
	if err := checkLength("reason", req.Reason, 500); err != nil {
		return domain.SaleReturnResponse{}, err
	}
	if err := checkLength("note", req.Note, 500); err != nil {
		return domain.SaleReturnResponse{}, err
	}
	returned, err := normalizeReturnLines(req.Items)
	if err != nil {
		return domain.SaleReturnResponse{}, err
	}

	sale, err := s.store.GetSale(ctx, req.SaleID)
	if err != nil {
		return domain.SaleReturnResponse{}, notFound(err, "sale", req.SaleID)
	}
	shop, err := s.auth.RequireShop(ctx, sale.ShopID, actor)
	if err != nil {
		return domain.SaleReturnResponse{}, err
	}
	if sale.Status == domain.SaleStatusVoided {
		return domain.SaleReturnResponse{}, domain.ErrVoidedSaleReturn
	}

	exchange, err := s.prepareExchange(ctx, shop.ID, req.ExchangeItems)
	if err != nil {
		return domain.SaleReturnResponse{}, err
	}

	productIDs := make([]string, 0, len(sale.Items))
	for _, item := range sale.Items {
		productIDs = append(productIDs, item.ProductID)
	}
	saleProducts, err := s.store.GetProducts(ctx, productIDs)
	if err != nil {
		return domain.SaleReturnResponse{}, err
	}

	now := s.now()
	businessDate := s.dates.Date(now)

	var (
		record  domain.SaleReturn
		touched []string
	)
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		touched = nil
		locked, err := tx.GetSaleForUpdate(ctx, req.SaleID)
		if err != nil {
			return notFound(err, "sale", req.SaleID)
		}
		if locked.Status == domain.SaleStatusVoided {
			return domain.ErrVoidedSaleReturn
		}

		already, err := tx.ReturnedQtyBySaleItem(ctx, locked.ID)
		if err != nil {
			return fmt.Errorf("load returned quantities: %w", err)
		}
		itemsByID := make(map[string]domain.SaleItem, len(locked.Items))
		for _, item := range locked.Items {
			itemsByID[item.ID] = item
		}

		record = domain.SaleReturn{
			ID:             xid.New("ret"),
			ShopID:         locked.ShopID,
			SaleID:         locked.ID,
			Type:           req.Type,
			Status:         domain.ReturnStatusCompleted,
			SettlementMode: req.SettlementMode,
			Reason:         req.Reason,
			Note:           req.Note,
			BusinessDate:   businessDate,
			CreatedBy:      actor.Username,
			CreatedAt:      now,
		}

		subtotal := decimal.Zero
		restock := make([]ledger.StockLine, 0, len(returned.saleItemIDs))
		for _, id := range returned.saleItemIDs {
			item, ok := itemsByID[id]
			if !ok {
				return domain.NotFound("sale item", id)
			}
			qty := returned.qty[id]
			remaining := money.Qty(item.Quantity.Sub(already[id]))
			if qty.GreaterThan(remaining) {
				return domain.ExceedsRemainingQuantity(item.ProductName, remaining.String())
			}
			lineTotal := money.LineTotal(qty, item.UnitPrice)
			subtotal = subtotal.Add(lineTotal)
			record.Items = append(record.Items, domain.SaleReturnItem{
				ID:          xid.New("rti"),
				ReturnID:    record.ID,
				SaleItemID:  item.ID,
				ProductID:   item.ProductID,
				ProductName: item.ProductName,
				Quantity:    qty,
				UnitPrice:   item.UnitPrice,
				LineTotal:   lineTotal,
			})
			product, known := saleProducts[item.ProductID]
			restock = append(restock, ledger.StockLine{
				ProductID:   item.ProductID,
				ProductName: item.ProductName,
				Tracked:     known && product.TrackStock,
				Qty:         qty,
			})
		}
		for _, line := range exchange.lines {
			record.ExchangeItems = append(record.ExchangeItems, domain.SaleReturnExchangeItem{
				ID:          xid.New("rxi"),
				ReturnID:    record.ID,
				ProductID:   line.product.ID,
				ProductName: line.product.Name,
				Quantity:    line.qty,
				UnitPrice:   line.unitPrice,
				LineTotal:   line.lineTotal,
			})
		}

		record.Subtotal = money.Round(subtotal)
		record.ExchangeSubtotal = exchange.total
		record.NetAmount = money.Round(record.ExchangeSubtotal.Sub(record.Subtotal))

		var customer *domain.Customer
		if locked.CustomerID != "" {
			customer, err = tx.GetCustomerForUpdate(ctx, locked.CustomerID)
			if err != nil {
				return notFound(err, "customer", locked.CustomerID)
			}
		}
		split := settle(record.NetAmount, customer, req.SettlementMode, locked.PaymentMethod)
		record.RefundAmount = split.refund
		record.AdditionalCashInAmount = split.cashIn
		record.DueAdjustmentAmount = split.dueAdjustment
		record.AdditionalDueAmount = split.additionalDue

		returnNo, err := ledger.NextNumber(ctx, tx, locked.ShopID, domain.SequenceReturn, businessDate)
		if err != nil {
			return err
		}
		record.ReturnNo = returnNo
		if err := tx.InsertSaleReturn(ctx, record); err != nil {
			return fmt.Errorf("insert sale return: %w", err)
		}

		restored, err := ledger.Restore(ctx, tx, restock)
		if err != nil {
			return err
		}
		consumed, err := ledger.Consume(ctx, tx, exchange.stockLines())
		if err != nil {
			return err
		}
		touched = mergeIDs(restored, consumed)

		label := record.ReturnNo + " for " + saleLabel(*locked)
		for _, movement := range []ledger.CashMovement{
			{Type: domain.CashOut, Amount: split.refund, Reason: "refund " + label},
			{Type: domain.CashIn, Amount: split.cashIn, Reason: "exchange top-up " + label},
		} {
			movement.ShopID = locked.ShopID
			movement.RefType = "sale_return"
			movement.RefID = record.ID
			movement.BusinessDate = businessDate
			movement.At = now
			if _, err := ledger.RecordCash(ctx, tx, movement); err != nil {
				return err
			}
		}

		if customer != nil {
			if _, err := ledger.PostCredit(ctx, tx, ledger.CreditPosting{
				Customer:     customer,
				BusinessDate: businessDate,
				At:           now,
				ClampAtZero:  true,
				Entries: []ledger.CreditEntry{
					ledger.Payment(split.dueAdjustment, locked.ID, "return adjustment "+label),
					ledger.Sale(split.additionalDue, locked.ID, "exchange difference "+label),
				},
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.SaleReturnResponse{}, err
	}

	s.publishReturn(ctx, *sale, record, touched)
	s.logAudit(ctx, record.ShopID, "sale.return", "sale_return", record.ID, fmt.Sprintf(
		"sale=%s,return_no=%s,type=%s,net=%s,refund=%s,cash_in=%s,due_adjustment=%s,additional_due=%s",
		record.SaleID,
		record.ReturnNo,
		record.Type,
		money.Format(record.NetAmount),
		money.Format(record.RefundAmount),
		money.Format(record.AdditionalCashInAmount),
		money.Format(record.DueAdjustmentAmount),
		money.Format(record.AdditionalDueAmount),
	))

	return domain.SaleReturnResponse{
		ReturnID:               record.ID,
		ReturnNo:               record.ReturnNo,
		Subtotal:               record.Subtotal,
		ExchangeSubtotal:       record.ExchangeSubtotal,
		NetAmount:              record.NetAmount,
		RefundAmount:           record.RefundAmount,
		AdditionalCashInAmount: record.AdditionalCashInAmount,
		DueAdjustmentAmount:    record.DueAdjustmentAmount,
		AdditionalDueAmount:    record.AdditionalDueAmount,
	}, nil
}

// prepareExchange validates replacement lines. A line without a unit price is charged at
// the product's current sell price.
func (s *Service) prepareExchange(ctx context.Context, shopID string, lines []domain.ExchangeLine) (preparedCart, error) {
	if len(lines) == 0 {
		return preparedCart{total: decimal.Zero}, nil
	}
	ids := make([]string, 0, len(lines))
	for i, line := range lines {
		id := strings.TrimSpace(line.ProductID)
		if id == "" {
			return preparedCart{}, domain.Validation("exchange item %d: product id is required", i+1)
		}
		if !money.Qty(line.Quantity).IsPositive() {
			return preparedCart{}, domain.Validation("exchange item %d: quantity must be greater than zero", i+1)
		}
		if line.UnitPrice != nil && line.UnitPrice.IsNegative() {
			return preparedCart{}, domain.Validation("exchange item %d: unit price must not be negative", i+1)
		}
		ids = append(ids, id)
	}
	products, err := s.store.GetProducts(ctx, ids)
	if err != nil {
		return preparedCart{}, err
	}

	cart := preparedCart{lines: make([]cartLine, 0, len(lines)), total: decimal.Zero}
	for _, line := range lines {
		id := strings.TrimSpace(line.ProductID)
		product, ok := products[id]
		if !ok {
			return preparedCart{}, domain.NotFound("product", id)
		}
		if product.ShopID != shopID || !product.IsActive {
			return preparedCart{}, domain.InvalidCart("product %s is not available in this shop", product.Name)
		}
		unitPrice := product.SellPrice
		if line.UnitPrice != nil {
			unitPrice = *line.UnitPrice
		}
		unitPrice = money.Round(unitPrice)
		qty := money.Qty(line.Quantity)
		lineTotal := money.LineTotal(qty, unitPrice)
		cart.lines = append(cart.lines, cartLine{product: product, qty: qty, unitPrice: unitPrice, lineTotal: lineTotal})
		cart.total = cart.total.Add(lineTotal)
	}
	cart.total = money.Round(cart.total)
	return cart, nil
}

func (s *Service) publishReturn(ctx context.Context, sale domain.Sale, ret domain.SaleReturn, touched []string) {
	events := []notify.Event{newEvent(notify.KindSaleReturned, ret.ShopID, map[string]any{
		notify.PayloadSaleID:       ret.SaleID,
		notify.PayloadReturnID:     ret.ID,
		notify.PayloadBusinessDate: ret.BusinessDate,
	})}
	if ret.RefundAmount.IsPositive() || ret.AdditionalCashInAmount.IsPositive() {
		events = append(events, newEvent(notify.KindCashUpdated, ret.ShopID, map[string]any{
			notify.PayloadReturnID:     ret.ID,
			notify.PayloadBusinessDate: ret.BusinessDate,
		}))
	}
	if len(touched) > 0 {
		events = append(events, newEvent(notify.KindStockUpdated, ret.ShopID, map[string]any{
			notify.PayloadProductIDs: touched,
		}))
	}
	if ret.DueAdjustmentAmount.IsPositive() || ret.AdditionalDueAmount.IsPositive() {
		events = append(events, newEvent(notify.KindLedgerUpdated, ret.ShopID, map[string]any{
			notify.PayloadCustomerID: sale.CustomerID,
			notify.PayloadReturnID:   ret.ID,
		}))
	}
	s.publish(ctx, events...)
}

func mergeIDs(groups ...[]string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, group := range groups {
		for _, id := range group {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
