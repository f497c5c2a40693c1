package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrQueueFull = errors.New("notify: queue full")
	ErrClosed    = errors.New("notify: dispatcher closed")
)

// Async hands events to a single background worker through a bounded queue so slow
// targets never hold up the caller. Notify fails fast with ErrQueueFull when the
// queue is saturated.
type Async struct {
	target  Notifier
	timeout time.Duration
	log     *zap.Logger

	queue chan Event
	mu    sync.RWMutex
	done  bool
	wg    sync.WaitGroup
}

// NewAsync starts the worker. Each delivery gets its own timeout.
func NewAsync(target Notifier, queueSize int, timeout time.Duration, log *zap.Logger) *Async {
	if queueSize < 1 {
		queueSize = 256
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	a := &Async{
		target:  target,
		timeout: timeout,
		log:     log,
		queue:   make(chan Event, queueSize),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *Async) Notify(_ context.Context, event Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.done {
		return ErrClosed
	}
	select {
	case a.queue <- event:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting events and waits for the queue to drain or ctx to end.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.done {
		a.done = true
		close(a.queue)
	}
	a.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Async) run() {
	defer a.wg.Done()
	for event := range a.queue {
		a.deliver(event)
	}
}

func (a *Async) deliver(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.target.Notify(ctx, event); err != nil {
		a.log.Warn("async event delivery failed",
			zap.String("kind", string(event.Kind)),
			zap.String("shop_id", event.ShopID),
			zap.Error(err),
		)
	}
}
