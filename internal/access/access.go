// Package access decides whether an actor may perform an action and whether a shop
// belongs to them.
package access

import (
	"context"
	"errors"

	"hisabpos/backend/internal/domain"
	"hisabpos/backend/internal/store"
)

const (
	ActionSaleCreate     = "sale.create"
	ActionSaleRead       = "sale.read"
	ActionSaleReturn     = "sale.return"
	ActionSaleVoid       = "sale.void"
	ActionSaleReissue    = "sale.reissue"
	ActionDueCollect     = "due.collect"
	ActionCustomerRead   = "customer.read"
	ActionExpenseCreate  = "expense.create"
	ActionPurchaseCreate = "purchase.create"
	ActionCashRead       = "cash.read"
)

const (
	RoleOwner   = "owner"
	RoleCashier = "cashier"
)

type ShopLookup interface {
	GetShop(ctx context.Context, shopID string) (*domain.Shop, error)
}

// RoleAuthorizer grants owners every action and cashiers the counter actions. An
// actor may only touch the shop recorded on their account.
type RoleAuthorizer struct {
	shops   ShopLookup
	cashier map[string]struct{}
}

func NewRoleAuthorizer(shops ShopLookup) *RoleAuthorizer {
	cashier := make(map[string]struct{})
	for _, action := range []string{
		ActionSaleCreate,
		ActionSaleRead,
		ActionSaleReturn,
		ActionDueCollect,
		ActionCustomerRead,
		ActionExpenseCreate,
	} {
		cashier[action] = struct{}{}
	}
	return &RoleAuthorizer{shops: shops, cashier: cashier}
}

func (a *RoleAuthorizer) Authorize(actor domain.Actor, action string) error {
	switch actor.Role {
	case RoleOwner:
		return nil
	case RoleCashier:
		if _, ok := a.cashier[action]; ok {
			return nil
		}
	}
	return domain.AccessDenied("%s is not allowed to %s", defaultName(actor.Username), action)
}

func (a *RoleAuthorizer) RequireShop(ctx context.Context, shopID string, actor domain.Actor) (*domain.Shop, error) {
	if shopID == "" {
		return nil, domain.Validation("shop id is required")
	}
	if actor.ShopID != shopID {
		return nil, domain.AccessDenied("shop %s is not accessible", shopID)
	}
	shop, err := a.shops.GetShop(ctx, shopID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, domain.AccessDenied("shop %s is not accessible", shopID)
		}
		return nil, domain.Internal(err)
	}
	return shop, nil
}

func defaultName(username string) string {
	if username == "" {
		return "anonymous"
	}
	return username
}
