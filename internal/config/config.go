// Package config loads server configuration from a YAML file or environment
// variables.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config stores all configuration for the server.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Server     ServerConfig
	Postgres   PostgresConfig
	Clickhouse ClickhouseConfig
	Settlement SettlementConfig
	Defaults   ChallengeDefaults
}

// ServerConfig defines the HTTP listener settings.
type ServerConfig struct {
	ListenAddr       string `mapstructure:"listen_addr"`
	MetricsNamespace string `mapstructure:"metrics_namespace"`
}

// PostgresConfig defines the challenge-store connection settings.
// An empty DSN selects the in-memory store.
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// ClickhouseConfig defines the equity-analytics connection settings.
// An empty DSN disables analytics.
type ClickhouseConfig struct {
	DSN      string `mapstructure:"dsn"`
	Database string `mapstructure:"database"`
}

// SettlementConfig defines coordinator tuning.
type SettlementConfig struct {
	LockWait time.Duration `mapstructure:"lock_wait"`
}

// ChallengeDefaults defines the rule set applied to newly created
// challenges. Percent fields are fractions: 0.05 means 5%.
type ChallengeDefaults struct {
	InitialBalance       float64  `mapstructure:"initial_balance"`
	MaxDailyDrawdownPct  float64  `mapstructure:"max_daily_drawdown_pct"`
	MaxTotalDrawdownPct  float64  `mapstructure:"max_total_drawdown_pct"`
	ProfitTargetPct      float64  `mapstructure:"profit_target_pct"`
	MinTradingDays       int      `mapstructure:"min_trading_days"`
	ConsistencyCapPct    float64  `mapstructure:"consistency_cap_pct"`
	ForbiddenInstruments []string `mapstructure:"forbidden_instruments"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetDefault("server.listen_addr", ":8080")
	viper.SetDefault("server.metrics_namespace", "challenge_core")
	viper.SetDefault("settlement.lock_wait", "3s")
	viper.SetDefault("defaults.initial_balance", 100000.0)
	viper.SetDefault("defaults.max_daily_drawdown_pct", 0.05)
	viper.SetDefault("defaults.max_total_drawdown_pct", 0.10)
	viper.SetDefault("defaults.profit_target_pct", 0.08)
	viper.SetDefault("defaults.min_trading_days", 5)
	viper.SetDefault("defaults.consistency_cap_pct", 0.40)

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	err = viper.ReadInConfig()
	if err != nil {
		// Config file is optional; defaults and environment still apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return
		}
		err = nil
	}

	err = viper.Unmarshal(&config)
	return
}
