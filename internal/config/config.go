package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends.
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

const (
	defaultAppName  = "CoinLedger"
	defaultAppEnv   = "development"
	defaultPort     = "8080"
	defaultLogLevel = "info"
	configFileName  = "coinledger"
)

// Config captures application runtime configuration.
type Config struct {
	AppName           string
	AppEnv            string
	Port              string
	LogLevel          string
	StoreBackend      string
	DatabaseURL       string
	DatabaseMaxConns  int32
	RedisURL          string
	ShutdownPeriod    time.Duration
	IdempotencyTTL    time.Duration
	CallerTokenSecret string
	EventsChannel     string

	// RateLimitPerMinute caps credits and debits per caller. Zero disables the limit.
	RateLimitPerMinute int

	CreditCap        int64
	MaxAttempts      int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	OperationTimeout time.Duration

	HistoryDefaultLimit int
	HistoryMaxLimit     int
}

// Load reads configuration from the environment, falling back to an optional
// coinledger.yaml in the working directory and then to defaults.
func Load() (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	v.SetConfigName(configFileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read %s.yaml: %w", configFileName, err)
		}
	}

	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_name", defaultAppName)
	v.SetDefault("app_env", defaultAppEnv)
	v.SetDefault("port", defaultPort)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("store_backend", BackendPostgres)
	v.SetDefault("database_url", "")
	v.SetDefault("database_max_conns", 10)
	v.SetDefault("redis_url", "")
	v.SetDefault("shutdown_timeout", "10s")
	v.SetDefault("idempotency_ttl", "24h")
	v.SetDefault("caller_token_secret", "")
	v.SetDefault("events_channel", "coins:events")
	v.SetDefault("rate_limit_per_minute", 600)
	v.SetDefault("coin_credit_cap", 10)
	v.SetDefault("coin_max_attempts", 5)
	v.SetDefault("coin_retry_base_delay", "10ms")
	v.SetDefault("coin_retry_max_delay", "200ms")
	v.SetDefault("coin_operation_timeout", "3s")
	v.SetDefault("history_default_limit", 20)
	v.SetDefault("history_max_limit", 100)
}

func fromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		AppName:             v.GetString("app_name"),
		AppEnv:              v.GetString("app_env"),
		Port:                v.GetString("port"),
		LogLevel:            strings.ToLower(v.GetString("log_level")),
		StoreBackend:        strings.ToLower(v.GetString("store_backend")),
		DatabaseURL:         v.GetString("database_url"),
		DatabaseMaxConns:    v.GetInt32("database_max_conns"),
		RedisURL:            v.GetString("redis_url"),
		CallerTokenSecret:   v.GetString("caller_token_secret"),
		EventsChannel:       v.GetString("events_channel"),
		RateLimitPerMinute:  v.GetInt("rate_limit_per_minute"),
		CreditCap:           v.GetInt64("coin_credit_cap"),
		MaxAttempts:         v.GetInt("coin_max_attempts"),
		HistoryDefaultLimit: v.GetInt("history_default_limit"),
		HistoryMaxLimit:     v.GetInt("history_max_limit"),
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"shutdown_timeout", &cfg.ShutdownPeriod},
		{"idempotency_ttl", &cfg.IdempotencyTTL},
		{"coin_retry_base_delay", &cfg.RetryBaseDelay},
		{"coin_retry_max_delay", &cfg.RetryMaxDelay},
		{"coin_operation_timeout", &cfg.OperationTimeout},
	}
	for _, d := range durations {
		parsed, err := time.ParseDuration(v.GetString(d.key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", strings.ToUpper(d.key), err)
		}
		*d.dst = parsed
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.StoreBackend {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL must be set for the %s backend", BackendPostgres)
		}
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL must be set for the %s backend", BackendRedis)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}

	if c.CreditCap <= 0 {
		return fmt.Errorf("COIN_CREDIT_CAP must be positive, got %d", c.CreditCap)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("COIN_MAX_ATTEMPTS must be positive, got %d", c.MaxAttempts)
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("COIN_RETRY_MAX_DELAY %s is below COIN_RETRY_BASE_DELAY %s", c.RetryMaxDelay, c.RetryBaseDelay)
	}
	if c.HistoryDefaultLimit <= 0 || c.HistoryMaxLimit < c.HistoryDefaultLimit {
		return fmt.Errorf("history limits must satisfy 0 < HISTORY_DEFAULT_LIMIT <= HISTORY_MAX_LIMIT")
	}
	if c.RateLimitPerMinute < 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must not be negative, got %d", c.RateLimitPerMinute)
	}
	if c.DatabaseMaxConns <= 0 {
		return fmt.Errorf("DATABASE_MAX_CONNS must be positive, got %d", c.DatabaseMaxConns)
	}
	return nil
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}
