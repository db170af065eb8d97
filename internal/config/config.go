// Package config loads the service configuration from file and
// environment via viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration of the trading core daemon.
type Config struct {
	Env      string         `mapstructure:"env"`
	LogLevel string         `mapstructure:"log_level"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Trading  TradingConfig  `mapstructure:"trading"`
}

// ServerConfig holds the HTTP listener settings (metrics and health).
type ServerConfig struct {
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// DatabaseConfig selects and parameterizes the persistence backend.
type DatabaseConfig struct {
	// Driver is "postgres", "sqlite", or "memory".
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"ssl_mode"`
	// Path is the sqlite database file.
	Path string `mapstructure:"path"`
}

// DSN builds the postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// RedisConfig holds the rate-cache connection settings.
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	RateTTL  time.Duration `mapstructure:"rate_ttl"`
}

// KafkaConfig holds the event sink settings.
type KafkaConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Brokers     []string `mapstructure:"brokers"`
	TopicPrefix string   `mapstructure:"topic_prefix"`
}

// TradingConfig tunes the engines.
type TradingConfig struct {
	CommissionRate      float64           `mapstructure:"commission_rate"`
	CounterpartyID      string            `mapstructure:"counterparty_id"`
	ExpirySweepInterval time.Duration     `mapstructure:"expiry_sweep_interval"`
	RetryInterval       time.Duration     `mapstructure:"retry_interval"`
	LargeOrderThreshold float64           `mapstructure:"large_order_threshold"`
	TWAPSlices          int               `mapstructure:"twap_slices"`
	TWAPInterval        time.Duration     `mapstructure:"twap_interval"`
	POVFraction         float64           `mapstructure:"pov_fraction"`
	MaxSettlementAmount float64           `mapstructure:"max_settlement_amount"`
	NettingEnabled      bool              `mapstructure:"netting_enabled"`
	MaxRetries          int               `mapstructure:"max_retries"`
	CycleOverrides      map[string]string `mapstructure:"cycle_overrides"`
	NotionalLimit       float64           `mapstructure:"notional_limit"`
}

// Load reads configuration from the given file (optional), environment
// variables prefixed FXCORE_, and built-in defaults, in that precedence.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FXCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("server.metrics_addr", ":9090")

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "fxcore")
	v.SetDefault("database.name", "fxcore")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.path", "fxcore.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.rate_ttl", 5*time.Second)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic_prefix", "fxcore")

	v.SetDefault("trading.commission_rate", 0.001)
	v.SetDefault("trading.counterparty_id", "LP-POOL")
	v.SetDefault("trading.expiry_sweep_interval", time.Minute)
	v.SetDefault("trading.retry_interval", time.Minute)
	v.SetDefault("trading.large_order_threshold", 1_000_000)
	v.SetDefault("trading.twap_slices", 10)
	v.SetDefault("trading.twap_interval", time.Minute)
	v.SetDefault("trading.pov_fraction", 0.10)
	v.SetDefault("trading.max_settlement_amount", 50_000_000)
	v.SetDefault("trading.netting_enabled", true)
	v.SetDefault("trading.max_retries", 3)
	v.SetDefault("trading.notional_limit", 10_000_000)
}
