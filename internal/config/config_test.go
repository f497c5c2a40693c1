package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("POS_AUTH_SECRET", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.Auth.Secret)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, ":8080", cfg.Address())
	assert.Equal(t, 8*time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, "pos", cfg.Redis.ChannelPrefix)
	assert.True(t, cfg.Ledger.InvoicingEnabled)
	assert.Equal(t, 2*time.Second, cfg.Ledger.NotifyTimeout)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadReadsPrefixedEnvironment(t *testing.T) {
	t.Setenv("POS_PORT", "9090")
	t.Setenv("POS_DATABASE_URL", " postgres://pos@localhost/pos ")
	t.Setenv("POS_REDIS_ADDR", "localhost:6379")
	t.Setenv("POS_REDIS_DB", "2")
	t.Setenv("POS_AUTH_SECRET", "  0123456789abcdef0123456789abcdef  ")
	t.Setenv("POS_AUTH_TOKEN_TTL", "90m")
	t.Setenv("POS_LEDGER_TIMEZONE", "UTC")
	t.Setenv("POS_LEDGER_DAY_CUTOFF_HOUR", "4")
	t.Setenv("POS_LEDGER_INVOICING_ENABLED", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Address())
	assert.Equal(t, "postgres://pos@localhost/pos", cfg.DatabaseURL)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, "0123456789abcdef0123456789abcdef", cfg.Auth.Secret)
	assert.Equal(t, 90*time.Minute, cfg.Auth.TokenTTL)
	assert.Equal(t, "UTC", cfg.Ledger.Timezone)
	assert.Equal(t, 4, cfg.Ledger.DayCutoffHour)
	assert.False(t, cfg.Ledger.InvoicingEnabled)
}

func TestLoadRejectsInvalidCutoffHour(t *testing.T) {
	t.Setenv("POS_LEDGER_DAY_CUTOFF_HOUR", "24")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "day_cutoff_hour")
}

func TestLoadRejectsNonPositiveTokenTTL(t *testing.T) {
	t.Setenv("POS_AUTH_TOKEN_TTL", "0s")

	_, err := Load()
	require.Error(t, err)
}
