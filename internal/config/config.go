// Package config loads the process environment via spf13/viper, the
// teacher's go.mod dependency that was never imported. It binds the
// environment variables named in spec §6 with the documented defaults.
package config

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/atlasdesk/strategy-orchestrator/pkg/types"
)

// Config is the fully resolved process configuration.
type Config struct {
	Broker       types.BrokerConfig
	RiskLimits   types.RiskLimits
	Orchestrator types.OrchestratorConfig
	BarCache     types.BarCacheConfig
	Server       types.ServerConfig
}

// Load reads the environment (and any matching process flags viper has
// already bound) into a Config, applying the spec's documented defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("")
	v.AutomaticEnv()

	v.SetDefault("TWS_HOST", "127.0.0.1")
	v.SetDefault("TWS_PORT", 7497)
	v.SetDefault("LIVE", false)
	v.SetDefault("ALLOW_LIVE_ORDERS", false)
	v.SetDefault("ALLOW_CANCEL_ENTRIES", true)
	v.SetDefault("MAX_ORDERS_PER_SYMBOL", 0)
	v.SetDefault("MAX_ORDER_QTY", 0)
	v.SetDefault("MAX_NOTIONAL_PER_SYMBOL", 0)
	v.SetDefault("DAILY_LOSS_LIMIT", 0)
	v.SetDefault("ENABLE_DYNAMIC_SIZING", false)
	v.SetDefault("BUYING_POWER_FACTOR", 0.75)
	v.SetDefault("MAX_CONCURRENT_STRATEGIES", 10)
	v.SetDefault("STRATEGY_WATCH_INTERVAL_MS", 30000)
	v.SetDefault("BAR_RETENTION_DAYS", 365)
	v.SetDefault("BAR_CACHE_LOG_STATS_INTERVAL", 60000)
	v.SetDefault("BAR_CACHE_TTL_MS", 300000)

	for _, key := range []string{
		"TWS_HOST", "TWS_PORT", "TWS_ACCOUNT_ID", "LIVE", "ALLOW_LIVE_ORDERS", "ALLOW_CANCEL_ENTRIES",
		"MAX_ORDERS_PER_SYMBOL", "MAX_ORDER_QTY", "MAX_NOTIONAL_PER_SYMBOL", "DAILY_LOSS_LIMIT",
		"ENABLE_DYNAMIC_SIZING", "BUYING_POWER_FACTOR", "USER_ID", "MAX_CONCURRENT_STRATEGIES",
		"STRATEGY_WATCH_INTERVAL_MS", "BAR_RETENTION_DAYS", "BAR_CACHE_LOG_STATS_INTERVAL", "BAR_CACHE_TTL_MS",
	} {
		_ = v.BindEnv(key)
	}

	cfg := &Config{
		Broker: types.BrokerConfig{
			Host:               v.GetString("TWS_HOST"),
			Port:               v.GetInt("TWS_PORT"),
			AccountID:          v.GetString("TWS_ACCOUNT_ID"),
			Live:               v.GetBool("LIVE"),
			AllowLiveOrders:    v.GetBool("ALLOW_LIVE_ORDERS"),
			AllowCancelEntries: v.GetBool("ALLOW_CANCEL_ENTRIES"),
		},
		RiskLimits: types.RiskLimits{
			MaxOrdersPerSymbol:   v.GetInt("MAX_ORDERS_PER_SYMBOL"),
			MaxOrderQty:          v.GetInt64("MAX_ORDER_QTY"),
			MaxNotionalPerSymbol: decimal.NewFromFloat(v.GetFloat64("MAX_NOTIONAL_PER_SYMBOL")),
			DailyLossLimit:       decimal.NewFromFloat(v.GetFloat64("DAILY_LOSS_LIMIT")),
			EnableDynamicSizing:  v.GetBool("ENABLE_DYNAMIC_SIZING"),
			BuyingPowerFactor:    decimal.NewFromFloat(v.GetFloat64("BUYING_POWER_FACTOR")),
		},
		Orchestrator: types.OrchestratorConfig{
			UserID:                  v.GetString("USER_ID"),
			MaxConcurrentStrategies: v.GetInt("MAX_CONCURRENT_STRATEGIES"),
			WatchInterval:           time.Duration(v.GetInt64("STRATEGY_WATCH_INTERVAL_MS")) * time.Millisecond,
		},
		BarCache: types.BarCacheConfig{
			TTL:              time.Duration(v.GetInt64("BAR_CACHE_TTL_MS")) * time.Millisecond,
			RetentionDays:    v.GetInt("BAR_RETENTION_DAYS"),
			LogStatsInterval: time.Duration(v.GetInt64("BAR_CACHE_LOG_STATS_INTERVAL")) * time.Millisecond,
			HitRateWarnFloor: 0.70,
			MemoryWarnBytes:  256 * 1024 * 1024,
			InactivityEvict:  30 * time.Minute,
		},
		Server: types.ServerConfig{
			Host: "0.0.0.0",
			Port: 8090,
		},
	}
	cfg.Broker.ConnectTimeout = types.DefaultBrokerConfig().ConnectTimeout
	cfg.Broker.NextIDTimeout = types.DefaultBrokerConfig().NextIDTimeout
	cfg.Broker.ValidationDelay = types.DefaultBrokerConfig().ValidationDelay
	cfg.Broker.CancelConfirmTimeout = types.DefaultBrokerConfig().CancelConfirmTimeout
	return cfg, nil
}
