package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"hisabpos/backend/internal/access"
	"hisabpos/backend/internal/bizdate"
	"hisabpos/backend/internal/cache"
	"hisabpos/backend/internal/config"
	"hisabpos/backend/internal/httpapi"
	"hisabpos/backend/internal/logger"
	"hisabpos/backend/internal/notify"
	"hisabpos/backend/internal/service"
	"hisabpos/backend/internal/store"
	"hisabpos/backend/internal/store/memory"
	pgstore "hisabpos/backend/internal/store/postgres"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("load .env: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}

	zl, err := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output})
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	if err := run(cfg, zl); err != nil {
		zl.Fatal("server failed", zap.Error(err))
	}
}

const notifyQueueSize = 1024

func run(cfg config.Config, zl *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dates, err := bizdate.NewZoneResolver(cfg.Ledger.Timezone, cfg.Ledger.DayCutoffHour)
	if err != nil {
		return err
	}

	var repo store.Store
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL, zl)
		if err != nil {
			return fmt.Errorf("postgres unavailable and POS_DATABASE_URL is set, refusing to start with in-memory fallback: %w", err)
		}
		closers = append(closers, pg.Close)
		if cfg.MigrateOnBoot {
			if err := pg.Migrate(ctx); err != nil {
				return err
			}
		}
		repo = pg
		zl.Info("store: postgres")
	} else {
		seeded, err := memory.NewSeeded(zl)
		if err != nil {
			return fmt.Errorf("seed in-memory store: %w", err)
		}
		repo = seeded
		zl.Info("store: in-memory")
	}

	external := notify.Multi{notify.Log{Logger: zl.Named("events")}}
	cashBooks := cache.CashBookCache(cache.NewMemoryCashBookCache())
	if cfg.Redis.Addr != "" {
		client := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err := client.Ping(ctx).Err(); err != nil {
			zl.Warn("redis unavailable, using in-process cash book cache and no event fan-out", zap.Error(err))
			_ = client.Close()
		} else {
			cashBooks = cache.NewRedisCashBookCache(client)
			notifiers = append(notifiers, notify.NewRedisPublisher(client, cfg.Redis.ChannelPrefix))
			closers = append(closers, client.Close)
			zl.Info("cache: redis", zap.String("addr", cfg.Redis.Addr))
		}
	}
	// Cache eviction stays on the request path so a client reads its own writes;
	// fan-out to outside targets goes through the async queue.
	fanOut := notify.NewAsync(external, notifyQueueSize, cfg.Ledger.NotifyTimeout, zl.Named("notify"))
	notifiers := notify.Multi{cache.Invalidator{Cache: cashBooks}, fanOut}

	svc := service.New(repo, notifiers, access.NewRoleAuthorizer(repo), dates, service.Options{
		InvoicingEnabled: cfg.Ledger.InvoicingEnabled,
		NotifyTimeout:    cfg.Ledger.NotifyTimeout,
		CashBookTTL:      cfg.Ledger.CashBookTTL,
		CashBooks:        cashBooks,
		Logger:           zl,
	})
	auth := httpapi.NewAuthManager(cfg.Auth.Secret, cfg.Auth.TokenTTL, repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, zl)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		zl.Info("POS backend listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zl.Warn("shutdown error", zap.Error(err))
	}
	if err := fanOut.Close(shutdownCtx); err != nil {
		zl.Warn("event queue not drained", zap.Error(err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			zl.Warn("close error", zap.Error(err))
		}
	}

	zl.Info("server stopped")
	return nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.Auth.Secret) < 32 {
		return fmt.Errorf("POS_AUTH_SECRET must be set and at least 32 characters")
	}
	if err := validateSecretStrength(cfg.Auth.Secret); err != nil {
		return fmt.Errorf("POS_AUTH_SECRET is too weak: %w", err)
	}
	return nil
}

// validateSecretStrength rejects secrets made of a single repeated character or a
// known placeholder.
func validateSecretStrength(secret string) error {
	known := map[string]bool{
		"dev-change-me-dev-change-me-dev-": true,
		"changemechangemechangemechangeme": true,
		"00000000000000000000000000000000": true,
		"0123456789abcdef0123456789abcdef": true,
	}
	if known[secret] {
		return fmt.Errorf("placeholder secret not allowed")
	}

	allSame := true
	for i := 1; i < len(secret); i++ {
		if secret[i] != secret[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("single-character secret not allowed")
	}
	return nil
}
