package ledger

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"hisabpos/backend/internal/domain"
	"hisabpos/backend/internal/money"
	"hisabpos/backend/internal/store"
)

// StockLine is one requested stock movement. Lines for products that do not track stock
// are ignored.
type StockLine struct {
	ProductID   string
	ProductName string
	Tracked     bool
	Qty         decimal.Decimal
}

type stockDelta struct {
	name string
	qty  decimal.Decimal
}

// aggregate merges lines per tracked product and returns the product ids in ascending
// order so concurrent units of work touch rows in the same sequence.
func aggregate(lines []StockLine) ([]string, map[string]stockDelta) {
	deltas := make(map[string]stockDelta, len(lines))
	for _, line := range lines {
		if !line.Tracked {
			continue
		}
		current := deltas[line.ProductID]
		current.name = line.ProductName
		current.qty = current.qty.Add(line.Qty)
		deltas[line.ProductID] = current
	}
	ids := make([]string, 0, len(deltas))
	for id := range deltas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, deltas
}

// Consume decrements stock for every tracked product. A product whose stock would go
// negative fails the whole call with an InsufficientStock error naming it.
func Consume(ctx context.Context, tx store.Tx, lines []StockLine) ([]string, error) {
	ids, deltas := aggregate(lines)
	for _, id := range ids {
		delta := deltas[id]
		qty := money.Qty(delta.qty)
		if !qty.IsPositive() {
			continue
		}
		ok, err := tx.DecrementStock(ctx, id, qty)
		if err != nil {
			return nil, fmt.Errorf("decrement stock %s: %w", id, err)
		}
		if !ok {
			return nil, domain.InsufficientStock(delta.name)
		}
	}
	return ids, nil
}

// Restore increments stock for every tracked product.
func Restore(ctx context.Context, tx store.Tx, lines []StockLine) ([]string, error) {
	ids, deltas := aggregate(lines)
	for _, id := range ids {
		qty := money.Qty(deltas[id].qty)
		if !qty.IsPositive() {
			continue
		}
		if err := tx.IncrementStock(ctx, id, qty); err != nil {
			return nil, fmt.Errorf("increment stock %s: %w", id, err)
		}
	}
	return ids, nil
}
