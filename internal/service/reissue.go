package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"hisabpos/backend/internal/access"
	"hisabpos/backend/internal/domain"
)

// ReissueDueSale replaces a due sale in two steps: void the original, then create the
// replacement. The steps commit separately. When the void commits and the new sale
// fails, the caller gets a *domain.PartialFailureError naming the voided sale; nothing
// is retried.
func (s *Service) ReissueDueSale(ctx context.Context, req domain.ReissueRequest) (domain.ReissueResponse, error) {
	resp, err := s.reissueDueSale(ctx, req)
	if err != nil {
		return domain.ReissueResponse{}, s.fail(ctx, "reissue sale", err)
	}
	return resp, nil
}

func (s *Service) reissueDueSale(ctx context.Context, req domain.ReissueRequest) (domain.ReissueResponse, error) {
	actor, err := s.authorize(ctx, access.ActionSaleReissue)
	if err != nil {
		return domain.ReissueResponse{}, err
	}

	req.OriginalSaleID = strings.TrimSpace(req.OriginalSaleID)
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	req.Reason = defaultString(req.Reason, "reissued")
	if req.OriginalSaleID == "" {
		return domain.ReissueResponse{}, domain.Validation("original sale id is required")
	}

	original, err := s.store.GetSale(ctx, req.OriginalSaleID)
	if err != nil {
		return domain.ReissueResponse{}, notFound(err, "sale", req.OriginalSaleID)
	}
	shop, err := s.auth.RequireShop(ctx, original.ShopID, actor)
	if err != nil {
		return domain.ReissueResponse{}, err
	}
	if original.PaymentMethod != domain.PaymentMethodDue {
		return domain.ReissueResponse{}, domain.Validation("only due sales can be reissued")
	}
	if original.Status == domain.SaleStatusVoided {
		return domain.ReissueResponse{}, domain.Validation("sale %s is already voided", original.ID)
	}
	completed, err := s.store.CountCompletedReturns(ctx, original.ID)
	if err != nil {
		return domain.ReissueResponse{}, err
	}
	if completed > 0 {
		return domain.ReissueResponse{}, domain.ErrReturnHistoryBlocksVoid
	}
	if req.CustomerID == "" {
		req.CustomerID = original.CustomerID
	}
	if req.CustomerID != original.CustomerID {
		return domain.ReissueResponse{}, domain.InvalidCustomer("a reissued sale must keep customer %s", original.CustomerID)
	}

	// The replacement cart is checked before anything is voided.
	if _, err := s.prepareCart(ctx, shop.ID, req.Items); err != nil {
		return domain.ReissueResponse{}, err
	}
	if _, err := s.resolveCustomer(ctx, shop.ID, req.CustomerID, true); err != nil {
		return domain.ReissueResponse{}, err
	}

	voided, err := s.voidSale(ctx, domain.VoidSaleRequest{SaleID: original.ID, Reason: req.Reason})
	if err != nil {
		return domain.ReissueResponse{}, err
	}
	if voided.AlreadyVoided {
		return domain.ReissueResponse{}, domain.Validation("sale %s is already voided", original.ID)
	}

	created, err := s.createSale(ctx, domain.CreateSaleRequest{
		ShopID:        shop.ID,
		CustomerID:    req.CustomerID,
		PaymentMethod: domain.PaymentMethodDue,
		PaidNow:       req.PaidNow,
		Note:          req.Note,
		Items:         req.Items,
	}, original.ID)
	if err != nil {
		s.logger(ctx).Error("reissue left sale voided without replacement",
			zap.String("old_sale_id", original.ID),
			zap.String("shop_id", shop.ID),
			zap.Error(err),
		)
		s.logAudit(ctx, shop.ID, "sale.reissue_failed", "sale", original.ID, err.Error())
		return domain.ReissueResponse{}, &domain.PartialFailureError{
			Operation:     "reissue",
			OldSaleID:     original.ID,
			VoidSucceeded: true,
			Cause:         s.fail(ctx, "reissue create", err),
		}
	}

	s.logAudit(ctx, shop.ID, "sale.reissue", "sale", created.SaleID, fmt.Sprintf("old_sale=%s,invoice=%s", original.ID, created.InvoiceNo))
	return domain.ReissueResponse{
		OldSaleID: original.ID,
		SaleID:    created.SaleID,
		InvoiceNo: created.InvoiceNo,
	}, nil
}
