package service

import (
	"context"
	"fmt"
	"strings"

	"hisabpos/backend/internal/access"
	"hisabpos/backend/internal/domain"
	"hisabpos/backend/internal/ledger"
	"hisabpos/backend/internal/money"
	"hisabpos/backend/internal/notify"
	"hisabpos/backend/internal/store"
)

func (s *Service) VoidSale(ctx context.Context, req domain.VoidSaleRequest) (domain.VoidSaleResponse, error) {
	resp, err := s.voidSale(ctx, req)
	if err != nil {
		return domain.VoidSaleResponse{}, s.fail(ctx, "void sale", err)
	}
	return resp, nil
}

// voidSale claims the sale first. Only the caller that wins the claim reverses stock,
// cash and credit; everyone else gets AlreadyVoided with no writes.
func (s *Service) voidSale(ctx context.Context, req domain.VoidSaleRequest) (domain.VoidSaleResponse, error) {
	actor, err := s.authorize(ctx, access.ActionSaleVoid)
	if err != nil {
		return domain.VoidSaleResponse{}, err
	}

	req.SaleID = strings.TrimSpace(req.SaleID)
	req.Reason = defaultString(req.Reason, "unspecified")
	if req.SaleID == "" {
		return domain.VoidSaleResponse{}, domain.Validation("sale id is required")
	}
	if err := checkLength("reason", req.Reason, 500); err != nil {
		return domain.VoidSaleResponse{}, err
	}

	sale, err := s.store.GetSale(ctx, req.SaleID)
	if err != nil {
		return domain.VoidSaleResponse{}, notFound(err, "sale", req.SaleID)
	}
	if _, err := s.auth.RequireShop(ctx, sale.ShopID, actor); err != nil {
		return domain.VoidSaleResponse{}, err
	}

	productIDs := make([]string, 0, len(sale.Items))
	for _, item := range sale.Items {
		productIDs = append(productIDs, item.ProductID)
	}
	products, err := s.store.GetProducts(ctx, productIDs)
	if err != nil {
		return domain.VoidSaleResponse{}, err
	}

	now := s.now()
	businessDate := s.dates.Date(now)

	var (
		alreadyVoided bool
		voided        domain.Sale
		touched       []string
		cashMoved     bool
	)
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		alreadyVoided, touched, cashMoved = false, nil, false

		won, err := tx.ClaimVoid(ctx, req.SaleID, req.Reason, now)
		if err != nil {
			return notFound(err, "sale", req.SaleID)
		}
		if !won {
			alreadyVoided = true
			return nil
		}

		locked, err := tx.GetSaleForUpdate(ctx, req.SaleID)
		if err != nil {
			return notFound(err, "sale", req.SaleID)
		}
		completed, err := tx.CountCompletedReturns(ctx, locked.ID)
		if err != nil {
			return fmt.Errorf("count returns: %w", err)
		}
		if completed > 0 {
			return domain.ErrReturnHistoryBlocksVoid
		}

		restock := make([]ledger.StockLine, 0, len(locked.Items))
		for _, item := range locked.Items {
			product, known := products[item.ProductID]
			restock = append(restock, ledger.StockLine{
				ProductID:   item.ProductID,
				ProductName: item.ProductName,
				Tracked:     known && product.TrackStock,
				Qty:         item.Quantity,
			})
		}
		touched, err = ledger.Restore(ctx, tx, restock)
		if err != nil {
			return err
		}

		cashOut := ledger.CashMovement{
			ShopID:       locked.ShopID,
			Type:         domain.CashOut,
			Reason:       "void " + saleLabel(*locked),
			RefType:      "sale_void",
			RefID:        locked.ID,
			BusinessDate: businessDate,
			At:           now,
		}

		switch locked.PaymentMethod {
		case domain.PaymentMethodCash:
			cashOut.Amount = locked.TotalAmount
		case domain.PaymentMethodDue:
			outstanding := money.NonNegative(locked.TotalAmount.Sub(locked.PaidAmount))
			if outstanding.IsPositive() {
				if locked.CustomerID == "" {
					return domain.InvalidCustomer("due sale %s has no customer", locked.ID)
				}
				customer, err := tx.GetCustomerForUpdate(ctx, locked.CustomerID)
				if err != nil {
					return notFound(err, "customer", locked.CustomerID)
				}
				if money.Round(customer.TotalDue).LessThan(outstanding) {
					return domain.ErrDueAlreadySettled
				}
				if _, err := ledger.PostCredit(ctx, tx, ledger.CreditPosting{
					Customer:     customer,
					BusinessDate: businessDate,
					At:           now,
					Entries:      []ledger.CreditEntry{ledger.Payment(outstanding, locked.ID, "void "+saleLabel(*locked))},
				}); err != nil {
					return err
				}
			}
			cashOut.Amount = locked.PaidAmount
		}

		cashMoved, err = ledger.RecordCash(ctx, tx, cashOut)
		if err != nil {
			return err
		}

		voided = *locked
		voided.Status = domain.SaleStatusVoided
		voided.VoidReason = req.Reason
		return nil
	})
	if err != nil {
		return domain.VoidSaleResponse{}, err
	}
	if alreadyVoided {
		return domain.VoidSaleResponse{SaleID: req.SaleID, AlreadyVoided: true}, nil
	}

	s.publishVoid(ctx, voided, businessDate, touched, cashMoved)
	s.logAudit(ctx, voided.ShopID, "sale.void", "sale", voided.ID, fmt.Sprintf(
		"invoice=%s,method=%s,total=%s,reason=%s",
		voided.InvoiceNo,
		voided.PaymentMethod,
		money.Format(voided.TotalAmount),
		req.Reason,
	))

	return domain.VoidSaleResponse{SaleID: voided.ID}, nil
}

func (s *Service) publishVoid(ctx context.Context, sale domain.Sale, businessDate string, touched []string, cashMoved bool) {
	events := []notify.Event{newEvent(notify.KindSaleVoided, sale.ShopID, map[string]any{
		notify.PayloadSaleID:    sale.ID,
		notify.PayloadInvoiceNo: sale.InvoiceNo,
	})}
	if len(touched) > 0 {
		events = append(events, newEvent(notify.KindStockUpdated, sale.ShopID, map[string]any{
			notify.PayloadProductIDs: touched,
		}))
	}
	if cashMoved {
		events = append(events, newEvent(notify.KindCashUpdated, sale.ShopID, map[string]any{
			notify.PayloadSaleID:       sale.ID,
			notify.PayloadBusinessDate: businessDate,
		}))
	}
	if sale.PaymentMethod == domain.PaymentMethodDue && sale.CustomerID != "" {
		events = append(events, newEvent(notify.KindLedgerUpdated, sale.ShopID, map[string]any{
			notify.PayloadCustomerID: sale.CustomerID,
			notify.PayloadSaleID:     sale.ID,
		}))
	}
	s.publish(ctx, events...)
}
