package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config stores all configuration for the engine.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Owner    string `mapstructure:"owner"`
	LogLevel string `mapstructure:"log_level"`
	Engine   EngineConfig
	Exchange ExchangeConfig
	Trading  TradingConfig
	Storage  StorageConfig
}

// EngineConfig defines feed and scheduling settings.
type EngineConfig struct {
	Symbols              []string      `mapstructure:"symbols"`
	Intervals            []string      `mapstructure:"intervals"`
	MaxSymbols           int           `mapstructure:"max_symbols"`
	DefaultCheckInterval time.Duration `mapstructure:"default_check_interval"`
	Heartbeat            time.Duration `mapstructure:"heartbeat"`
	ShutdownGrace        time.Duration `mapstructure:"shutdown_grace"`
}

// ExchangeConfig defines exchange API credentials.
type ExchangeConfig struct {
	APIKey    string `mapstructure:"api_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// TradingConfig defines order execution and position-sizing settings.
type TradingConfig struct {
	Paper          bool    `mapstructure:"paper"`
	PaperBalance   float64 `mapstructure:"paper_balance"`
	QuoteAsset     string  `mapstructure:"quote_asset"`
	CommissionRate float64 `mapstructure:"commission_rate"`
	SizingPolicy   string  `mapstructure:"sizing_policy"` // fixed | percent | risk
	FixedNotional  float64 `mapstructure:"fixed_notional"`
	BalancePercent float64 `mapstructure:"balance_percent"`
	RiskPercent    float64 `mapstructure:"risk_percent"`
	MinNotional    float64 `mapstructure:"min_notional"`
}

// StorageConfig defines the persistence backend selection and parameters.
type StorageConfig struct {
	Driver string `mapstructure:"driver"` // sqlite | postgres | rest
	Path   string `mapstructure:"path"`   // sqlite file path
	DSN    string `mapstructure:"dsn"`    // postgres connection string
	URL    string `mapstructure:"url"`    // rest base URL
	APIKey string `mapstructure:"api_key"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	err = config.Validate()
	return
}

func setDefaults() {
	viper.SetDefault("log_level", "info")
	viper.SetDefault("engine.max_symbols", 50)
	viper.SetDefault("engine.default_check_interval", "1m")
	viper.SetDefault("engine.heartbeat", "1s")
	viper.SetDefault("engine.shutdown_grace", "30s")
	viper.SetDefault("trading.paper", true)
	viper.SetDefault("trading.paper_balance", 10000)
	viper.SetDefault("trading.quote_asset", "USDT")
	viper.SetDefault("trading.commission_rate", 0.001)
	viper.SetDefault("trading.sizing_policy", "fixed")
	viper.SetDefault("trading.fixed_notional", 100)
	viper.SetDefault("trading.min_notional", 10)
	viper.SetDefault("storage.driver", "sqlite")
	viper.SetDefault("storage.path", "sentinel.db")
}

// Validate checks the configuration for startup-fatal mistakes and returns
// actionable messages rather than letting components fail opaquely later.
func (c *Config) Validate() error {
	if len(c.Engine.Symbols) == 0 {
		return fmt.Errorf("engine.symbols must list at least one instrument (e.g. BTCUSDT)")
	}
	if c.Engine.MaxSymbols > 0 && len(c.Engine.Symbols) > c.Engine.MaxSymbols {
		return fmt.Errorf("engine.symbols lists %d instruments, engine.max_symbols allows %d",
			len(c.Engine.Symbols), c.Engine.MaxSymbols)
	}
	if len(c.Engine.Intervals) == 0 {
		return fmt.Errorf("engine.intervals must list at least one candle interval (e.g. 1m, 5m)")
	}
	if c.Engine.DefaultCheckInterval < time.Second {
		return fmt.Errorf("engine.default_check_interval %s is below the 1s minimum", c.Engine.DefaultCheckInterval)
	}

	if !c.Trading.Paper {
		if c.Exchange.APIKey == "" || c.Exchange.SecretKey == "" {
			return fmt.Errorf("live trading requires exchange.api_key and exchange.secret_key; set trading.paper=true for paper mode")
		}
	}
	switch c.Trading.SizingPolicy {
	case "fixed", "percent", "risk":
	default:
		return fmt.Errorf("trading.sizing_policy %q is not one of fixed, percent, risk", c.Trading.SizingPolicy)
	}

	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.driver=sqlite requires storage.path")
		}
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.driver=postgres requires storage.dsn")
		}
	case "rest":
		if c.Storage.URL == "" || c.Storage.APIKey == "" {
			return fmt.Errorf("storage.driver=rest requires storage.url and storage.api_key")
		}
	default:
		return fmt.Errorf("storage.driver %q is not one of sqlite, postgres, rest", c.Storage.Driver)
	}

	return nil
}
