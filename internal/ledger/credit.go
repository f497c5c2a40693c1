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

// CreditEntry is one SALE or PAYMENT movement on a customer account.
type CreditEntry struct {
	Type        string
	Amount      decimal.Decimal
	Description string
	SaleID      string
}

// Sale increases what the customer owes.
func Sale(amount decimal.Decimal, saleID string, description string) CreditEntry {
	return CreditEntry{Type: domain.LedgerEntrySale, Amount: amount, SaleID: saleID, Description: description}
}

// Payment decreases what the customer owes.
func Payment(amount decimal.Decimal, saleID string, description string) CreditEntry {
	return CreditEntry{Type: domain.LedgerEntryPayment, Amount: amount, SaleID: saleID, Description: description}
}

func (e CreditEntry) signed() decimal.Decimal {
	if e.Type == domain.LedgerEntryPayment {
		return e.Amount.Neg()
	}
	return e.Amount
}

// CreditPosting groups the entries written against one row-locked customer.
type CreditPosting struct {
	Customer     *domain.Customer
	BusinessDate string
	At           time.Time
	// ClampAtZero floors the resulting balance at zero instead of letting it go negative.
	ClampAtZero bool
	Entries     []CreditEntry
}

// PostCredit inserts the non-zero entries and moves the customer's total due by their
// signed sum. It returns the new balance and updates p.Customer in place.
func PostCredit(ctx context.Context, tx store.Tx, p CreditPosting) (decimal.Decimal, error) {
	if p.Customer == nil {
		return decimal.Zero, fmt.Errorf("post credit: customer required")
	}

	balance := p.Customer.TotalDue
	written := 0
	for _, entry := range p.Entries {
		amount := money.Round(entry.Amount)
		if !amount.IsPositive() {
			continue
		}
		entry.Amount = amount
		if err := tx.InsertLedgerEntry(ctx, domain.CustomerLedgerEntry{
			ID:           xid.New("led"),
			ShopID:       p.Customer.ShopID,
			CustomerID:   p.Customer.ID,
			EntryType:    entry.Type,
			Amount:       amount,
			Description:  entry.Description,
			SaleID:       entry.SaleID,
			EntryDate:    p.At,
			BusinessDate: p.BusinessDate,
		}); err != nil {
			return decimal.Zero, fmt.Errorf("insert ledger entry: %w", err)
		}
		balance = balance.Add(entry.signed())
		written++
	}
	if written == 0 {
		return p.Customer.TotalDue, nil
	}

	balance = money.Round(balance)
	if p.ClampAtZero {
		balance = money.NonNegative(balance)
	}
	if err := tx.SetCustomerDue(ctx, p.Customer.ID, balance); err != nil {
		return decimal.Zero, fmt.Errorf("update customer due: %w", err)
	}
	p.Customer.TotalDue = balance
	return balance, nil
}

// LedgerBalance is the signed sum of a customer's entries: SALE minus PAYMENT.
func LedgerBalance(entries []domain.CustomerLedgerEntry) decimal.Decimal {
	sum := decimal.Zero
	for _, entry := range entries {
		switch entry.EntryType {
		case domain.LedgerEntrySale:
			sum = sum.Add(entry.Amount)
		case domain.LedgerEntryPayment:
			sum = sum.Sub(entry.Amount)
		}
	}
	return money.Round(sum)
}
