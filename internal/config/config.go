package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/wallet-ledger/internal/fx"
	"github.com/congo-pay/wallet-ledger/internal/infra"
)

const (
	defaultAppName         = "WalletLedger"
	defaultAppEnv          = "development"
	defaultPort            = "8080"
	defaultMetricsPort     = "9090"
	defaultLogLevel        = "info"
	defaultShutdownDelay   = 10 * time.Second
	defaultIdempotencyTTL  = 24 * time.Hour
	idemTTLSecondsEnvVar   = "IDEMPOTENCY_TTL_SECONDS"
	idemTTLDurEnvVar       = "IDEMPOTENCY_TTL"
	shutdownSecondsEnvVar  = "SHUTDOWN_TIMEOUT_SECONDS"
	shutdownDurationEnvVar = "SHUTDOWN_TIMEOUT"
)

// Event sinks accepted by EVENTS_SINK.
const (
	SinkLog   = "log"
	SinkKafka = "kafka"
	SinkRedis = "redis"
)

// FX providers accepted by FX_PROVIDER.
const (
	FXStatic   = "static"
	FXPostgres = "postgres"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName     string
	AppEnv      string
	Port        string
	MetricsPort string
	LogLevel    string
	DatabaseURL string
	RedisURL    string

	DBMaxConns        int
	DBMinConns        int
	DBMaxConnLifetime time.Duration
	RedisPoolSize     int
	RedisTimeout      time.Duration

	KafkaBrokers       []string
	KafkaTopic         string
	EventsSink         string
	EventsRedisChannel string
	EventsBuffer       int
	EventsMaxAttempts  int

	ReservationDefaultTTL time.Duration
	ReservationMaxTTL     time.Duration
	SweepInterval         time.Duration
	SweepBatchSize        int
	BalanceCacheTTL       time.Duration
	LockTimeout           time.Duration

	FXProvider       string
	FXStaticRates    map[string]decimal.Decimal
	FXRounding       fx.Rounding
	CurrencyDecimals map[string]int32

	ServiceTokenSecret string
	RateLimitPerMinute int
	ShutdownPeriod     time.Duration
	IdempotencyTTL     time.Duration
}

// Load reads configuration values from the environment and populates a Config instance.
// A .env file in the working directory is applied first when present.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		AppName:            getEnv("APP_NAME", defaultAppName),
		AppEnv:             getEnv("APP_ENV", defaultAppEnv),
		Port:               getEnv("PORT", defaultPort),
		MetricsPort:        getEnv("METRICS_PORT", defaultMetricsPort),
		LogLevel:           strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisURL:           os.Getenv("REDIS_URL"),
		KafkaTopic:         getEnv("KAFKA_TOPIC", "wallet.transactions"),
		EventsSink:         strings.ToLower(getEnv("EVENTS_SINK", SinkLog)),
		EventsRedisChannel: getEnv("EVENTS_REDIS_CHANNEL", "wallet_transaction_events"),
		FXProvider:         strings.ToLower(getEnv("FX_PROVIDER", FXStatic)),
		ServiceTokenSecret: os.Getenv("SERVICE_TOKEN_SECRET"),
		ShutdownPeriod:     defaultShutdownDelay,
		IdempotencyTTL:     defaultIdempotencyTTL,
	}

	for _, b := range strings.Split(os.Getenv("KAFKA_BROKERS"), ",") {
		if b = strings.TrimSpace(b); b != "" {
			cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
		}
	}

	var err error
	durations := []struct {
		key      string
		fallback time.Duration
		dst      *time.Duration
	}{
		{"RESERVATION_DEFAULT_TTL", 15 * time.Minute, &cfg.ReservationDefaultTTL},
		{"RESERVATION_MAX_TTL", 24 * time.Hour, &cfg.ReservationMaxTTL},
		{"SWEEP_INTERVAL", 5 * time.Second, &cfg.SweepInterval},
		{"BALANCE_CACHE_TTL", 30 * time.Second, &cfg.BalanceCacheTTL},
		{"LOCK_TIMEOUT", 5 * time.Second, &cfg.LockTimeout},
		{"DB_MAX_CONN_LIFETIME", time.Hour, &cfg.DBMaxConnLifetime},
		{"REDIS_TIMEOUT", 3 * time.Second, &cfg.RedisTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = getDuration(d.key, d.fallback); err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		key      string
		fallback int
		dst      *int
	}{
		{"SWEEP_BATCH_SIZE", 500, &cfg.SweepBatchSize},
		{"EVENTS_BUFFER", 1024, &cfg.EventsBuffer},
		{"EVENTS_MAX_ATTEMPTS", 5, &cfg.EventsMaxAttempts},
		{"RATE_LIMIT_PER_MINUTE", 0, &cfg.RateLimitPerMinute},
		{"DB_MAX_CONNS", 0, &cfg.DBMaxConns},
		{"DB_MIN_CONNS", 0, &cfg.DBMinConns},
		{"REDIS_POOL_SIZE", 0, &cfg.RedisPoolSize},
	}
	for _, i := range ints {
		if *i.dst, err = getInt(i.key, i.fallback); err != nil {
			return Config{}, err
		}
	}

	if v := os.Getenv(shutdownSecondsEnvVar); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", shutdownSecondsEnvVar, err)
		}
		cfg.ShutdownPeriod = time.Duration(seconds) * time.Second
	} else if v := os.Getenv(shutdownDurationEnvVar); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", shutdownDurationEnvVar, err)
		}
		cfg.ShutdownPeriod = d
	}

	if v := os.Getenv(idemTTLSecondsEnvVar); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", idemTTLSecondsEnvVar, err)
		}
		cfg.IdempotencyTTL = time.Duration(seconds) * time.Second
	} else if v := os.Getenv(idemTTLDurEnvVar); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", idemTTLDurEnvVar, err)
		}
		cfg.IdempotencyTTL = d
	}

	if cfg.FXStaticRates, err = fx.ParseRates(os.Getenv("FX_STATIC_RATES")); err != nil {
		return Config{}, fmt.Errorf("invalid FX_STATIC_RATES: %w", err)
	}
	if cfg.FXRounding, err = fx.ParseRounding(os.Getenv("FX_ROUNDING")); err != nil {
		return Config{}, fmt.Errorf("invalid FX_ROUNDING: %w", err)
	}
	if cfg.CurrencyDecimals, err = parseDecimals(os.Getenv("CURRENCY_DECIMALS")); err != nil {
		return Config{}, fmt.Errorf("invalid CURRENCY_DECIMALS: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.ReservationDefaultTTL > c.ReservationMaxTTL {
		return fmt.Errorf("RESERVATION_DEFAULT_TTL %s exceeds RESERVATION_MAX_TTL %s", c.ReservationDefaultTTL, c.ReservationMaxTTL)
	}
	if c.SweepBatchSize <= 0 {
		return fmt.Errorf("SWEEP_BATCH_SIZE must be positive")
	}
	if c.DBMaxConns < 0 || c.DBMinConns < 0 || c.RedisPoolSize < 0 {
		return fmt.Errorf("DB_MAX_CONNS, DB_MIN_CONNS and REDIS_POOL_SIZE must not be negative")
	}
	if c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS %d exceeds DB_MAX_CONNS %d", c.DBMinConns, c.DBMaxConns)
	}
	switch c.EventsSink {
	case SinkLog, SinkRedis:
	case SinkKafka:
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS must be set when EVENTS_SINK=kafka")
		}
	default:
		return fmt.Errorf("unknown EVENTS_SINK %q", c.EventsSink)
	}
	switch c.FXProvider {
	case FXStatic:
	case FXPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL must be set when FX_PROVIDER=postgres")
		}
	default:
		return fmt.Errorf("unknown FX_PROVIDER %q", c.FXProvider)
	}
	if c.EventsSink == SinkRedis && c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL must be set when EVENTS_SINK=redis")
	}
	if !c.IsDev() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL must be set when APP_ENV=%s", c.AppEnv)
		}
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL must be set when APP_ENV=%s", c.AppEnv)
		}
	}
	return nil
}

// IsDev reports whether in-memory backends are acceptable.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// PostgresOptions returns the pool settings for infra.NewPostgresPool.
func (c Config) PostgresOptions() infra.PostgresOptions {
	return infra.PostgresOptions{
		MaxConns:        int32(c.DBMaxConns),
		MinConns:        int32(c.DBMinConns),
		MaxConnLifetime: c.DBMaxConnLifetime,
		LockTimeout:     c.LockTimeout,
	}
}

// RedisOptions returns the client settings for infra.NewRedisClient.
func (c Config) RedisOptions() infra.RedisOptions {
	return infra.RedisOptions{PoolSize: c.RedisPoolSize, OpTimeout: c.RedisTimeout}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

// parseDecimals reads "IDR=2,JPY=0,BTC=8".
func parseDecimals(raw string) (map[string]int32, error) {
	out := make(map[string]int32)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		currency, digits, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("invalid entry %q, want CUR=DIGITS", part)
		}
		n, err := strconv.Atoi(strings.TrimSpace(digits))
		if err != nil || n < 0 || n > 18 {
			return nil, fmt.Errorf("invalid decimals for %s: %q", currency, digits)
		}
		out[strings.ToUpper(strings.TrimSpace(currency))] = int32(n)
	}
	return out, nil
}
