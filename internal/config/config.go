package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	LockMemory = "memory"
	LockRedis  = "redis"

	EscrowPerTransaction = "per_transaction"
	EscrowPooled         = "pooled"
)

// Config holds all runtime configuration for the market server
type Config struct {
	Env   string
	Debug bool
	Port  string

	Database DatabaseConfig
	Redis    RedisConfig
	Clearing ClearingConfig
	Escrow   EscrowConfig
	Feed     PriceFeedConfig

	JWTSecret   string
	InternalKey string
}

// DatabaseConfig selects the gorm dialector and its connection string
type DatabaseConfig struct {
	Driver       string
	DSN          string
	MaxOpenConns int
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// Addr returns host:port for the redis client
func (r RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

type ClearingConfig struct {
	Interval time.Duration
	Lock     string
	LockTTL  time.Duration
}

type EscrowConfig struct {
	Policy      string
	OfficerName string
}

type PriceFeedConfig struct {
	Enabled  bool
	Interval time.Duration
}

// Load reads configuration from the environment on top of the defaults.
// Nested keys map to upper-case environment variables with dots replaced by
// underscores, e.g. clearing.interval -> CLEARING_INTERVAL.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		Env:   v.GetString("env"),
		Debug: v.GetBool("debug"),
		Port:  v.GetString("port"),
		Database: DatabaseConfig{
			Driver:       v.GetString("database.driver"),
			DSN:          v.GetString("database.dsn"),
			MaxOpenConns: v.GetInt("database.max_open_conns"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetString("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Clearing: ClearingConfig{
			Interval: v.GetDuration("clearing.interval"),
			Lock:     v.GetString("clearing.lock"),
			LockTTL:  v.GetDuration("clearing.lock_ttl"),
		},
		Escrow: EscrowConfig{
			Policy:      v.GetString("escrow.policy"),
			OfficerName: v.GetString("escrow.officer"),
		},
		Feed: PriceFeedConfig{
			Enabled:  v.GetBool("pricefeed.enabled"),
			Interval: v.GetDuration("pricefeed.interval"),
		},
		JWTSecret:   v.GetString("jwt.secret"),
		InternalKey: v.GetString("internal.api_key"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("debug", false)
	v.SetDefault("port", "8080")

	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.dsn", "market.db?_txlock=immediate&_foreign_keys=on")
	v.SetDefault("database.max_open_conns", 1)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("clearing.interval", time.Minute)
	v.SetDefault("clearing.lock", LockMemory)
	v.SetDefault("clearing.lock_ttl", 30*time.Second)

	v.SetDefault("escrow.policy", EscrowPerTransaction)
	v.SetDefault("escrow.officer", "escrow-officer")

	v.SetDefault("pricefeed.enabled", false)
	v.SetDefault("pricefeed.interval", 30*time.Second)

	v.SetDefault("jwt.secret", "klear-secret-key")
	v.SetDefault("internal.api_key", "klear-internal-key")
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("invalid DATABASE_DRIVER: %q, must be one of: sqlite, postgres", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("DATABASE_DSN must not be empty")
	}
	switch c.Clearing.Lock {
	case LockMemory, LockRedis:
	default:
		return fmt.Errorf("invalid CLEARING_LOCK: %q, must be one of: memory, redis", c.Clearing.Lock)
	}
	if c.Clearing.Interval <= 0 {
		return fmt.Errorf("invalid CLEARING_INTERVAL: %s, must be positive", c.Clearing.Interval)
	}
	if c.Clearing.Lock == LockRedis && c.Clearing.LockTTL <= 0 {
		return fmt.Errorf("invalid CLEARING_LOCK_TTL: %s, must be positive", c.Clearing.LockTTL)
	}
	switch c.Escrow.Policy {
	case EscrowPerTransaction:
	case EscrowPooled:
		if c.Escrow.OfficerName == "" {
			return fmt.Errorf("ESCROW_OFFICER is required for the pooled escrow policy")
		}
	default:
		return fmt.Errorf("invalid ESCROW_POLICY: %q, must be one of: per_transaction, pooled", c.Escrow.Policy)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET must not be empty")
	}
	if c.Feed.Enabled && c.Feed.Interval <= 0 {
		return fmt.Errorf("invalid PRICEFEED_INTERVAL: %s, must be positive", c.Feed.Interval)
	}
	return nil
}
