// Package notify tells the outside world about committed state changes. Notifiers run
// after a unit of work commits and never affect its outcome.
package notify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

type Kind string

const (
	KindSaleCommitted Kind = "sale.committed"
	KindSaleVoided    Kind = "sale.voided"
	KindSaleReturned  Kind = "sale.returned"
	KindCashUpdated   Kind = "cash.updated"
	KindStockUpdated  Kind = "stock.updated"
	KindLedgerUpdated Kind = "ledger.updated"
)

// Payload keys.
const (
	PayloadSaleID       = "sale_id"
	PayloadReturnID     = "return_id"
	PayloadCustomerID   = "customer_id"
	PayloadProductIDs   = "product_ids"
	PayloadBusinessDate = "business_date"
	PayloadInvoiceNo    = "invoice_no"
)

type Event struct {
	Kind    Kind           `json:"kind"`
	ShopID  string         `json:"shop_id"`
	Payload map[string]any `json:"payload,omitempty"`
	At      time.Time      `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

type Noop struct{}

func (Noop) Notify(context.Context, Event) error { return nil }

// Log writes every event to a zap logger at debug level.
type Log struct {
	Logger *zap.Logger
}

func (l Log) Notify(_ context.Context, event Event) error {
	if l.Logger == nil {
		return nil
	}
	l.Logger.Debug("event",
		zap.String("kind", string(event.Kind)),
		zap.String("shop_id", event.ShopID),
		zap.Any("payload", event.Payload),
	)
	return nil
}

// Multi delivers to every notifier and joins their errors. One failing target does not
// stop the others.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, event Event) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Func adapts a plain function.
type Func func(ctx context.Context, event Event) error

func (f Func) Notify(ctx context.Context, event Event) error { return f(ctx, event) }
