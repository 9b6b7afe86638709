// Package config loads the service configuration from defaults, an optional
// config file and LEM_ environment variables, in increasing precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ksred/lem-clearing/internal/lib"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. LEM_SERVER_PORT.
const EnvPrefix = "LEM"

type Config struct {
	Env        string           `mapstructure:"env"`
	Debug      bool             `mapstructure:"debug"`
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Market     MarketConfig     `mapstructure:"market"`
	Clearing   ClearingConfig   `mapstructure:"clearing"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Events     EventsConfig     `mapstructure:"events"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type AuthConfig struct {
	JWTSecret   string `mapstructure:"jwt_secret"`
	OwnerSecret string `mapstructure:"owner_secret"`
}

type MarketConfig struct {
	Owner        string        `mapstructure:"owner"`
	MinPrice     string        `mapstructure:"min_price"`
	MaxPrice     string        `mapstructure:"max_price"`
	QuantityStep int64         `mapstructure:"quantity_step"`
	TriggerGrace time.Duration `mapstructure:"trigger_grace"`
}

type ClearingConfig struct {
	Pricing      string `mapstructure:"pricing"`
	Trigger      string `mapstructure:"trigger"`
	QuorumOrders int    `mapstructure:"quorum_orders"`
}

type SettlementConfig struct {
	Auto     bool          `mapstructure:"auto"`
	Interval time.Duration `mapstructure:"interval"`
}

type EventsConfig struct {
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("debug", false)
	v.SetDefault("server.port", "8080")
	v.SetDefault("database.path", "lem.db")
	v.SetDefault("auth.jwt_secret", "lem-secret-key")
	v.SetDefault("auth.owner_secret", "owner-secret")
	v.SetDefault("market.owner", "market-operator")
	v.SetDefault("market.min_price", "0")
	v.SetDefault("market.max_price", "1")
	v.SetDefault("market.quantity_step", 1)
	v.SetDefault("market.trigger_grace", "15m")
	v.SetDefault("clearing.pricing", "last_ask")
	v.SetDefault("clearing.trigger", "deadline")
	v.SetDefault("clearing.quorum_orders", 0)
	v.SetDefault("settlement.auto", false)
	v.SetDefault("settlement.interval", "1m")
	v.SetDefault("events.kafka_brokers", []string{})
	v.SetDefault("events.kafka_topic", "lem.market.events")
}

// Load reads the configuration. file may be empty; when set it must exist.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", file, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks values that the services would otherwise reject at start.
func (c *Config) Validate() error {
	min, err := lib.ParseFixed(c.Market.MinPrice)
	if err != nil {
		return fmt.Errorf("market.min_price: %w", err)
	}
	max, err := lib.ParseFixed(c.Market.MaxPrice)
	if err != nil {
		return fmt.Errorf("market.max_price: %w", err)
	}
	if min > max {
		return fmt.Errorf("market.min_price %s is above market.max_price %s", min, max)
	}
	if c.Market.QuantityStep <= 0 {
		return fmt.Errorf("market.quantity_step must be positive")
	}
	if c.Market.TriggerGrace < time.Second {
		return fmt.Errorf("market.trigger_grace must be at least 1s, got %s", c.Market.TriggerGrace)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Market.Owner == "" {
		return fmt.Errorf("market.owner is required")
	}
	switch c.Clearing.Pricing {
	case "last_ask", "midpoint":
	default:
		return fmt.Errorf("clearing.pricing %q is not one of last_ask, midpoint", c.Clearing.Pricing)
	}
	switch c.Clearing.Trigger {
	case "deadline":
	case "quorum":
		if c.Clearing.QuorumOrders <= 0 {
			return fmt.Errorf("clearing.quorum_orders must be positive for the quorum trigger")
		}
	default:
		return fmt.Errorf("clearing.trigger %q is not one of deadline, quorum", c.Clearing.Trigger)
	}
	if c.Settlement.Auto && c.Settlement.Interval <= 0 {
		return fmt.Errorf("settlement.interval must be positive when settlement.auto is set")
	}
	if len(c.Events.KafkaBrokers) > 0 && c.Events.KafkaTopic == "" {
		return fmt.Errorf("events.kafka_topic is required with events.kafka_brokers")
	}
	return nil
}

// Prices returns the configured price bounds as fixed-point values.
func (c *Config) Prices() (min, max lib.Fixed) {
	min, _ = lib.ParseFixed(c.Market.MinPrice)
	max, _ = lib.ParseFixed(c.Market.MaxPrice)
	return min, max
}

// Production reports whether the service runs in production mode.
func (c *Config) Production() bool {
	return c.Env == "production"
}
