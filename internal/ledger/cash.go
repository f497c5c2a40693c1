package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"hisabpos/backend/internal/domain"
	"hisabpos/backend/internal/money"
	"hisabpos/backend/internal/store"
	"hisabpos/backend/internal/xid"
)

type CashMovement struct {
	ShopID       string
	Type         string
	Amount       decimal.Decimal
	Reason       string
	RefType      string
	RefID        string
	BusinessDate string
	At           time.Time
}

// RecordCash writes one cash-book entry. Non-positive amounts are skipped and report
// false.
func RecordCash(ctx context.Context, tx store.Tx, m CashMovement) (bool, error) {
	amount := money.Round(m.Amount)
	if !amount.IsPositive() {
		return false, nil
	}
	if m.Type != domain.CashIn && m.Type != domain.CashOut {
		return false, fmt.Errorf("unknown cash entry type %q", m.Type)
	}
	if err := tx.InsertCashEntry(ctx, domain.CashEntry{
		ID:           xid.New("cash"),
		ShopID:       m.ShopID,
		EntryType:    m.Type,
		Amount:       amount,
		Reason:       m.Reason,
		RefType:      m.RefType,
		RefID:        m.RefID,
		BusinessDate: m.BusinessDate,
		CreatedAt:    m.At,
	}); err != nil {
		return false, fmt.Errorf("insert cash entry: %w", err)
	}
	return true, nil
}

// CashTotals sums IN and OUT entries.
func CashTotals(entries []domain.CashEntry) (in decimal.Decimal, out decimal.Decimal) {
	for _, entry := range entries {
		switch entry.EntryType {
		case domain.CashIn:
			in = in.Add(entry.Amount)
		case domain.CashOut:
			out = out.Add(entry.Amount)
		}
	}
	return money.Round(in), money.Round(out)
}
