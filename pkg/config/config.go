// Package config loads service settings from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"transaction-service/pkg/logging"
	"transaction-service/pkg/messaging/amqp"
	"transaction-service/pkg/models"
	"transaction-service/pkg/store/postgres"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
)

// Config is the complete service configuration.
type Config struct {
	Logging   logging.Config
	HTTP      HTTPConfig
	Store     StoreConfig
	Redis     RedisConfig
	AMQP      AMQPConfig
	Balance   BalanceConfig
	Auth      AuthConfig
	Cache     CacheConfig
	Scheduler SchedulerConfig
	Saga      SagaConfig

	// Limits are the caps of accounts without stored configuration
	Limits models.TransactionLimit

	// Charges is the flat fee per transfer mode
	Charges map[models.TransferMode]decimal.Decimal
}

type HTTPConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type StoreConfig struct {
	// Driver is "postgres" or "memory"
	Driver   string
	Postgres postgres.Config
}

// RedisConfig enables the shared cache layer and distributed locks when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool { return c.Addr != "" }

// AMQPConfig selects RabbitMQ for saga commands and events when URL is set;
// otherwise an in-process bus is used.
type AMQPConfig struct {
	amqp.Config
}

func (c AMQPConfig) Enabled() bool { return c.URL != "" }

// BalanceConfig points at the account service. Without a URL an in-memory
// account service is used, which is only suitable for development.
type BalanceConfig struct {
	URL     string
	Timeout time.Duration

	// CallTimeout bounds a whole balance call, retries included. It is
	// applied independently of the caller's request context.
	CallTimeout time.Duration
}

type AuthConfig struct {
	Disabled  bool
	JWTSecret string
	JWTIssuer string
}

type CacheConfig struct {
	TTL        time.Duration
	L1Size     int
	BloomItems uint
	BloomFP    float64
}

type SchedulerConfig struct {
	Enabled  bool
	Workers  int
	Interval time.Duration
}

type SagaConfig struct {
	StaleAfter  time.Duration
	OrphanAfter time.Duration
}

// Load reads the configuration from the environment. Every malformed value is
// reported, not just the first.
func Load() (Config, error) {
	e := &env{}

	log := logging.DefaultConfig()
	log.Level = e.str("LOG_LEVEL", log.Level)
	log.Format = e.str("LOG_FORMAT", log.Format)
	log.Development = e.boolean("LOG_DEV", false)
	if log.Development {
		log.Format = "console"
	}

	pg := postgres.DefaultConfig()
	pg.Host = e.str("POSTGRES_HOST", pg.Host)
	pg.Port = e.integer("POSTGRES_PORT", pg.Port)
	pg.User = e.str("POSTGRES_USER", pg.User)
	pg.Password = e.str("POSTGRES_PASSWORD", pg.Password)
	pg.Database = e.str("POSTGRES_DB", pg.Database)
	pg.SSLMode = e.str("POSTGRES_SSLMODE", pg.SSLMode)

	broker := amqp.DefaultConfig()
	broker.URL = e.str("AMQP_URL", "")
	broker.Exchange = e.str("AMQP_EXCHANGE", broker.Exchange)
	broker.EventQueue = e.str("AMQP_EVENT_QUEUE", broker.EventQueue)

	defaults := models.DefaultTransactionLimit("")

	cfg := Config{
		Logging: log,
		HTTP: HTTPConfig{
			Addr:            e.str("HTTP_ADDR", ":8080"),
			ReadTimeout:     e.duration("HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    e.duration("HTTP_WRITE_TIMEOUT", 15*time.Second),
			ShutdownTimeout: e.duration("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Store: StoreConfig{
			Driver:   e.str("STORE_DRIVER", "postgres"),
			Postgres: pg,
		},
		Redis: RedisConfig{
			Addr:     e.str("REDIS_ADDR", ""),
			Password: e.str("REDIS_PASSWORD", ""),
			DB:       e.integer("REDIS_DB", 0),
		},
		AMQP: AMQPConfig{Config: broker},
		Balance: BalanceConfig{
			URL:         e.str("BALANCE_URL", ""),
			Timeout:     e.duration("BALANCE_TIMEOUT", 3*time.Second),
			CallTimeout: e.duration("BALANCE_CALL_TIMEOUT", 15*time.Second),
		},
		Auth: AuthConfig{
			Disabled:  e.boolean("AUTH_DISABLED", false),
			JWTSecret: e.str("JWT_SECRET", ""),
			JWTIssuer: e.str("JWT_ISSUER", ""),
		},
		Cache: CacheConfig{
			TTL:        e.duration("CACHE_TTL", 10*time.Minute),
			L1Size:     e.integer("CACHE_L1_SIZE", 10000),
			BloomItems: uint(e.integer("CACHE_BLOOM_ITEMS", 1000000)),
			BloomFP:    e.float("CACHE_BLOOM_FP", 0.01),
		},
		Scheduler: SchedulerConfig{
			Enabled:  e.boolean("SCHEDULER_ENABLED", true),
			Workers:  e.integer("SCHEDULER_WORKERS", 4),
			Interval: e.duration("SCHEDULER_INTERVAL", 24*time.Hour),
		},
		Saga: SagaConfig{
			StaleAfter:  e.duration("SAGA_STALE_AFTER", 15*time.Minute),
			OrphanAfter: e.duration("SAGA_ORPHAN_AFTER", time.Minute),
		},
		Limits: models.TransactionLimit{
			DailyLimit:          e.decimal("LIMIT_DEFAULT_DAILY", defaults.DailyLimit),
			PerTransactionLimit: e.decimal("LIMIT_DEFAULT_PER_TRANSACTION", defaults.PerTransactionLimit),
			MonthlyLimit:        e.decimal("LIMIT_DEFAULT_MONTHLY", defaults.MonthlyLimit),
			ATMLimit:            e.decimal("LIMIT_DEFAULT_ATM", defaults.ATMLimit),
			OnlineShoppingLimit: e.decimal("LIMIT_DEFAULT_ONLINE_SHOPPING", defaults.OnlineShoppingLimit),
		},
		Charges: map[models.TransferMode]decimal.Decimal{
			models.ModeInternal: e.decimal("CHARGE_INTERNAL", decimal.Zero),
			models.ModeIMPS:     e.decimal("CHARGE_IMPS", decimal.NewFromInt(5)),
			models.ModeNEFT:     e.decimal("CHARGE_NEFT", decimal.RequireFromString("2.5")),
			models.ModeRTGS:     e.decimal("CHARGE_RTGS", decimal.NewFromInt(25)),
			models.ModeUPI:      e.decimal("CHARGE_UPI", decimal.Zero),
		},
	}

	return cfg, multierr.Append(e.err, cfg.validate())
}

func (c Config) validate() error {
	var err error
	if c.Store.Driver != "postgres" && c.Store.Driver != "memory" {
		err = multierr.Append(err, fmt.Errorf("STORE_DRIVER must be postgres or memory, got %q", c.Store.Driver))
	}
	if !c.Auth.Disabled && c.Auth.JWTSecret == "" {
		err = multierr.Append(err, fmt.Errorf("JWT_SECRET is required unless AUTH_DISABLED=true"))
	}
	if c.Scheduler.Workers < 1 {
		err = multierr.Append(err, fmt.Errorf("SCHEDULER_WORKERS must be at least 1"))
	}
	if c.Balance.Timeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("BALANCE_TIMEOUT must be positive"))
	}
	if c.Balance.CallTimeout < c.Balance.Timeout {
		err = multierr.Append(err, fmt.Errorf("BALANCE_CALL_TIMEOUT must be at least BALANCE_TIMEOUT"))
	}
	if c.Cache.BloomFP <= 0 || c.Cache.BloomFP >= 1 {
		err = multierr.Append(err, fmt.Errorf("CACHE_BLOOM_FP must be between 0 and 1"))
	}

	limits := c.Limits
	limits.AccountNumber = "DEFAULTS"
	if verr := limits.Validate(); verr != nil {
		err = multierr.Append(err, fmt.Errorf("default limits: %w", verr))
	}
	for mode, charge := range c.Charges {
		if charge.IsNegative() {
			err = multierr.Append(err, fmt.Errorf("charge for %s must not be negative", mode))
		}
	}
	return err
}

// env reads variables and accumulates parse errors.
type env struct {
	err error
}

func (e *env) str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (e *env) integer(key string, def int) int {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.err = multierr.Append(e.err, fmt.Errorf("%s: invalid integer %q", key, v))
		return def
	}
	return n
}

func (e *env) float(key string, def float64) float64 {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.err = multierr.Append(e.err, fmt.Errorf("%s: invalid number %q", key, v))
		return def
	}
	return f
}

func (e *env) boolean(key string, def bool) bool {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.err = multierr.Append(e.err, fmt.Errorf("%s: invalid boolean %q", key, v))
		return def
	}
	return b
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.err = multierr.Append(e.err, fmt.Errorf("%s: invalid duration %q", key, v))
		return def
	}
	return d
}

func (e *env) decimal(key string, def decimal.Decimal) decimal.Decimal {
	v := e.str(key, "")
	if v == "" {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		e.err = multierr.Append(e.err, fmt.Errorf("%s: invalid amount %q", key, v))
		return def
	}
	return d
}
