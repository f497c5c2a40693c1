package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port          string
	AllowedOrigin string
	DatabaseURL   string
	MigrateOnBoot bool

	Redis  RedisConfig
	Auth   AuthConfig
	Log    LogConfig
	Ledger LedgerConfig
}

type RedisConfig struct {
	Addr          string
	Password      string
	DB            int
	ChannelPrefix string
}

type AuthConfig struct {
	Secret   string
	TokenTTL time.Duration
}

type LogConfig struct {
	Level  string
	Format string
	Output string
}

// LedgerConfig drives business-date resolution and the post-commit side of the service.
type LedgerConfig struct {
	Timezone         string
	DayCutoffHour    int
	InvoicingEnabled bool
	NotifyTimeout    time.Duration
	CashBookTTL      time.Duration
}

// Load reads config.toml (optional) and POS_-prefixed environment variables.
// Environment wins over the file, the file wins over defaults.
func Load() (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("./backend")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix("POS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Config{
		Port:          v.GetString("port"),
		AllowedOrigin: v.GetString("allowed_origin"),
		DatabaseURL:   strings.TrimSpace(v.GetString("database_url")),
		MigrateOnBoot: v.GetBool("migrate_on_boot"),
		Redis: RedisConfig{
			Addr:          strings.TrimSpace(v.GetString("redis.addr")),
			Password:      v.GetString("redis.password"),
			DB:            v.GetInt("redis.db"),
			ChannelPrefix: v.GetString("redis.channel_prefix"),
		},
		Auth: AuthConfig{
			Secret:   strings.TrimSpace(v.GetString("auth.secret")),
			TokenTTL: v.GetDuration("auth.token_ttl"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Ledger: LedgerConfig{
			Timezone:         v.GetString("ledger.timezone"),
			DayCutoffHour:    v.GetInt("ledger.day_cutoff_hour"),
			InvoicingEnabled: v.GetBool("ledger.invoicing_enabled"),
			NotifyTimeout:    v.GetDuration("ledger.notify_timeout"),
			CashBookTTL:      v.GetDuration("ledger.cashbook_ttl"),
		},
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("allowed_origin", "http://127.0.0.1:3000")
	v.SetDefault("database_url", "")
	v.SetDefault("migrate_on_boot", true)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel_prefix", "pos")
	// no auth secret default: an empty secret is rejected at startup
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.token_ttl", 8*time.Hour)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("ledger.timezone", "Asia/Dhaka")
	v.SetDefault("ledger.day_cutoff_hour", 0)
	v.SetDefault("ledger.invoicing_enabled", true)
	v.SetDefault("ledger.notify_timeout", 2*time.Second)
	v.SetDefault("ledger.cashbook_ttl", 30*time.Second)
}

func (c Config) validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}
	if c.Ledger.DayCutoffHour < 0 || c.Ledger.DayCutoffHour > 23 {
		return fmt.Errorf("ledger.day_cutoff_hour must be between 0 and 23, got %d", c.Ledger.DayCutoffHour)
	}
	if c.Auth.TokenTTL <= 0 {
		return errors.New("auth.token_ttl must be positive")
	}
	if c.Ledger.NotifyTimeout <= 0 {
		return errors.New("ledger.notify_timeout must be positive")
	}
	return nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}
