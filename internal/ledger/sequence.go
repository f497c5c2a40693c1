// Package ledger holds the write primitives every sale-side operation composes inside a
// single unit of work: document numbers, stock movements, customer credit and cash.
package ledger

import (
	"context"
	"fmt"
	"strings"

	"hisabpos/backend/internal/domain"
	"hisabpos/backend/internal/store"
)

var sequencePrefixes = map[string]string{
	domain.SequenceInvoice: "INV",
	domain.SequenceReturn:  "RET",
}

// NextNumber allocates the next document number for (shop, kind, businessDate). The
// counter row is written through tx, so a rolled back unit of work leaves no gap.
func NextNumber(ctx context.Context, tx store.Tx, shopID string, kind string, businessDate string) (string, error) {
	prefix, ok := sequencePrefixes[kind]
	if !ok {
		return "", fmt.Errorf("unknown sequence kind %q", kind)
	}
	n, err := tx.NextSequence(ctx, shopID, kind, businessDate)
	if err != nil {
		return "", fmt.Errorf("allocate %s number: %w", kind, err)
	}
	return FormatNumber(prefix, businessDate, n), nil
}

// FormatNumber renders PREFIX-YYYYMMDD-NNNN. Counters past 9999 keep growing in width.
func FormatNumber(prefix string, businessDate string, n int64) string {
	return fmt.Sprintf("%s-%s-%04d", prefix, strings.ReplaceAll(businessDate, "-", ""), n)
}
