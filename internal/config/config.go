// Package config loads process configuration from environment variables,
// following the teacher's config.Load/getEnvOrDefault convention
// (config/config.go) generalized from the trading bot's section-per-concern
// layout to this system's feed/oracle/persistence/supervisor sections.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the full set of recognised options (spec.md §6, plus the
// ambient wiring this expansion adds).
type Config struct {
	Feed       FeedConfig
	Oracle     OracleConfig
	Evaluator  EvaluatorConfig
	Supervisor SupervisorConfig
	Redis      RedisConfig
	Postgres   PostgresConfig
	Logging    LoggingConfig
}

// FeedConfig configures the Upstream Feed Client.
type FeedConfig struct {
	WSURL           string        `json:"ws_url"`
	BaseRetryDelay  time.Duration `json:"base_retry_delay"`
	MaxAttempts     int           `json:"max_attempts"`
	PingInterval    time.Duration `json:"ping_interval"`
	EventBufferSize int           `json:"event_buffer_size"`
}

// OracleConfig configures the SOL-price and balance oracles.
type OracleConfig struct {
	SolPriceURL       string        `json:"sol_price_url"`
	RPCURL            string        `json:"rpc_url"`
	PriceCacheTTL     time.Duration `json:"price_cache_ttl"` // capped at 1 minute
	BreakerThreshold  int           `json:"breaker_threshold"`
	BreakerCooldown   time.Duration `json:"breaker_cooldown"`
}

// EvaluatorConfig configures per-stream retry/timeout behavior.
type EvaluatorConfig struct {
	RetryAttempts int           `json:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay"`
	OpTimeout     time.Duration `json:"op_timeout"`
}

// SupervisorConfig configures the registry's retry, stagger and channel
// sizing.
type SupervisorConfig struct {
	ChannelCapacity    int           `json:"channel_capacity"`
	StartRetryAttempts int           `json:"start_retry_attempts"`
	StartRetryBase     time.Duration `json:"start_retry_base"`
	StaggerUnit        time.Duration `json:"stagger_unit"`
	StaggerCap         time.Duration `json:"stagger_cap"`
	RestartGap         time.Duration `json:"restart_gap"`
}

// RedisConfig configures the shared oracle price cache.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// PostgresConfig configures the pgx-backed Persistence Port, mirroring
// database.Config in the teacher's internal/database/db.go.
type PostgresConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	User            string        `json:"user"`
	Password        string        `json:"password"`
	Database        string        `json:"database"`
	SSLMode         string        `json:"ssl_mode"`
	MaxConns        int32         `json:"max_conns"`
	MinConns        int32         `json:"min_conns"`
	MaxConnLifetime time.Duration `json:"max_conn_lifetime"`
}

// LoggingConfig configures zerolog.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, console
}

// Load reads Config entirely from environment variables; there is no
// config-file layer (unlike the teacher, this system has no equivalent
// of a long-lived GUI settings file).
func Load() *Config {
	cfg := &Config{}

	cfg.Feed = FeedConfig{
		WSURL:           getEnvOrDefault("UPSTREAM_WS_URL", ""),
		BaseRetryDelay:  getEnvMillisOrDefault("BASE_RETRY_DELAY_MS", time.Second),
		MaxAttempts:     getEnvIntOrDefault("MAX_RETRIES", 5),
		PingInterval:    getEnvMillisOrDefault("FEED_PING_INTERVAL_MS", 30*time.Second),
		EventBufferSize: getEnvIntOrDefault("FEED_EVENT_BUFFER_SIZE", 256),
	}

	cfg.Oracle = OracleConfig{
		SolPriceURL:      getEnvOrDefault("SOL_PRICE_URL", ""),
		RPCURL:           getEnvOrDefault("RPC_URL", ""),
		PriceCacheTTL:    getEnvMillisOrDefault("PRICE_CACHE_TTL_MS", 10*time.Second),
		BreakerThreshold: getEnvIntOrDefault("ORACLE_BREAKER_THRESHOLD", 5),
		BreakerCooldown:  getEnvMillisOrDefault("ORACLE_BREAKER_COOLDOWN_MS", 30*time.Second),
	}

	cfg.Evaluator = EvaluatorConfig{
		RetryAttempts: getEnvIntOrDefault("EVALUATOR_RETRY_ATTEMPTS", 3),
		RetryDelay:    getEnvMillisOrDefault("EVALUATOR_RETRY_DELAY_MS", 200*time.Millisecond),
		OpTimeout:     getEnvMillisOrDefault("DEFAULT_OP_TIMEOUT_MS", 5*time.Second),
	}

	cfg.Supervisor = SupervisorConfig{
		ChannelCapacity:    getEnvIntOrDefault("CHANNEL_CAPACITY", 64),
		StartRetryAttempts: getEnvIntOrDefault("MAX_RETRIES", 5),
		StartRetryBase:     getEnvMillisOrDefault("BASE_RETRY_DELAY_MS", time.Second),
		StaggerUnit:        getEnvMillisOrDefault("SUPERVISOR_STAGGER_UNIT_MS", 100*time.Millisecond),
		StaggerCap:         getEnvMillisOrDefault("SUPERVISOR_STAGGER_CAP_MS", 10*time.Second),
		RestartGap:         getEnvMillisOrDefault("SUPERVISOR_RESTART_GAP_MS", time.Second),
	}

	cfg.Redis = RedisConfig{
		Enabled:  getEnvOrDefault("REDIS_ENABLED", "false") == "true",
		Addr:     getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
		Password: getEnvOrDefault("REDIS_PASSWORD", ""),
		DB:       getEnvIntOrDefault("REDIS_DB", 0),
	}

	cfg.Postgres = PostgresConfig{
		Host:            getEnvOrDefault("POSTGRES_HOST", "localhost"),
		Port:            getEnvIntOrDefault("POSTGRES_PORT", 5432),
		User:            getEnvOrDefault("POSTGRES_USER", "postgres"),
		Password:        getEnvOrDefault("POSTGRES_PASSWORD", ""),
		Database:        getEnvOrDefault("POSTGRES_DB", "contractstream"),
		SSLMode:         getEnvOrDefault("POSTGRES_SSLMODE", "disable"),
		MaxConns:        int32(getEnvIntOrDefault("POSTGRES_MAX_CONNS", 10)),
		MinConns:        int32(getEnvIntOrDefault("POSTGRES_MIN_CONNS", 2)),
		MaxConnLifetime: getEnvMillisOrDefault("POSTGRES_MAX_CONN_LIFETIME_MS", time.Hour),
	}

	cfg.Logging = LoggingConfig{
		Level:  getEnvOrDefault("LOG_LEVEL", "info"),
		Format: getEnvOrDefault("LOG_FORMAT", "json"),
	}

	return cfg
}

// DSN renders a libpq-style connection string for pgxpool.ParseConfig.
func (p PostgresConfig) DSN() string {
	return "host=" + p.Host +
		" port=" + strconv.Itoa(p.Port) +
		" user=" + p.User +
		" password=" + p.Password +
		" dbname=" + p.Database +
		" sslmode=" + p.SSLMode
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvMillisOrDefault reads key as a millisecond count, per spec.md §6's
// *_MS naming convention.
func getEnvMillisOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}
