package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"hisabpos/backend/internal/bizdate"
	"hisabpos/backend/internal/cache"
	"hisabpos/backend/internal/domain"
	"hisabpos/backend/internal/logger"
	"hisabpos/backend/internal/notify"
	"hisabpos/backend/internal/store"
	"hisabpos/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Authorizer answers the permission and shop-ownership questions for an actor.
type Authorizer interface {
	Authorize(actor domain.Actor, action string) error
	RequireShop(ctx context.Context, shopID string, actor domain.Actor) (*domain.Shop, error)
}

type Options struct {
	// InvoicingEnabled gates invoice numbers for every shop. A shop also needs its own
	// flag set.
	InvoicingEnabled bool
	NotifyTimeout    time.Duration
	CashBookTTL      time.Duration
	CashBooks        cache.CashBookCache
	Logger           *zap.Logger
	Now              func() time.Time
}

type Service struct {
	store         store.Store
	notifier      notify.Notifier
	auth          Authorizer
	dates         bizdate.Resolver
	cashBooks     cache.CashBookCache
	log           *zap.Logger
	invoicing     bool
	notifyTimeout time.Duration
	cashBookTTL   time.Duration
	now           func() time.Time
}

func New(st store.Store, notifier notify.Notifier, auth Authorizer, dates bizdate.Resolver, opts Options) *Service {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	if dates == nil {
		dates = &bizdate.ZoneResolver{Location: time.UTC}
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = 3 * time.Second
	}
	if opts.CashBooks == nil {
		opts.CashBooks = cache.NoopCashBookCache{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Service{
		store:         st,
		notifier:      notifier,
		auth:          auth,
		dates:         dates,
		cashBooks:     opts.CashBooks,
		log:           opts.Logger.Named("service"),
		invoicing:     opts.InvoicingEnabled,
		notifyTimeout: opts.NotifyTimeout,
		cashBookTTL:   opts.CashBookTTL,
		now:           func() time.Time { return opts.Now().UTC() },
	}
}

func (s *Service) logger(ctx context.Context) *zap.Logger {
	return logger.FromContext(ctx, s.log)
}

// authorize resolves the actor on ctx and checks the action.
func (s *Service) authorize(ctx context.Context, action string) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return domain.Actor{}, domain.AccessDenied("authentication required")
	}
	if err := s.auth.Authorize(actor, action); err != nil {
		return domain.Actor{}, err
	}
	return actor, nil
}

// authorizeShop checks the action and that the shop belongs to the actor.
func (s *Service) authorizeShop(ctx context.Context, action string, shopID string) (domain.Actor, *domain.Shop, error) {
	actor, err := s.authorize(ctx, action)
	if err != nil {
		return domain.Actor{}, nil, err
	}
	shop, err := s.auth.RequireShop(ctx, shopID, actor)
	if err != nil {
		return domain.Actor{}, nil, err
	}
	return actor, shop, nil
}

func (s *Service) invoicingFor(shop *domain.Shop) bool {
	return s.invoicing && shop != nil && shop.InvoicingEnabled
}

// fail passes typed errors through and hides everything else behind an internal error.
func (s *Service) fail(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	var typed *domain.Error
	var partial *domain.PartialFailureError
	if errors.As(err, &typed) || errors.As(err, &partial) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		s.logger(ctx).Warn(op+" aborted", zap.Error(err))
	} else {
		s.logger(ctx).Error(op+" failed", zap.Error(err))
	}
	return domain.Internal(err)
}

// notFound maps store.ErrNotFound to a typed NotFound error for entity/id.
func notFound(err error, entity string, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return domain.NotFound(entity, id)
	}
	return err
}

// publish delivers events after a commit. Failures are logged and never returned: the
// financial state is already durable. The call runs on the request path, bounded by
// NotifyTimeout; slow targets belong behind notify.Async.
func (s *Service) publish(ctx context.Context, events ...notify.Event) {
	if len(events) == 0 {
		return
	}
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.notifyTimeout)
	defer cancel()

	for _, event := range events {
		if event.At.IsZero() {
			event.At = s.now()
		}
		if err := s.notifier.Notify(notifyCtx, event); err != nil {
			s.logger(ctx).Warn("event notification failed",
				zap.String("kind", string(event.Kind)),
				zap.String("shop_id", event.ShopID),
				zap.Error(err),
			)
		}
	}
}

func newEvent(kind notify.Kind, shopID string, payload map[string]any) notify.Event {
	return notify.Event{Kind: kind, ShopID: shopID, Payload: payload}
}

func (s *Service) logAudit(ctx context.Context, shopID string, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.store.CreateAuditLog(context.WithoutCancel(ctx), domain.AuditLog{
		ID:            xid.New("audit"),
		ShopID:        shopID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		s.logger(ctx).Warn("audit log write failed",
			zap.String("action", action),
			zap.String("entity", entityType+"/"+entityID),
			zap.Error(err),
		)
	}
}

func defaultString(value string, fallback string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	return value
}

func checkLength(field string, value string, limit int) error {
	if len(value) > limit {
		return domain.Validation("%s must be at most %d characters", field, limit)
	}
	return nil
}
