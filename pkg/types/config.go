package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ServerConfig configures the read-only status API.
type ServerConfig struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	WebSocketPath  string        `json:"websocketPath"`
	ReadTimeout    time.Duration `json:"readTimeout"`
	WriteTimeout   time.Duration `json:"writeTimeout"`
	MaxConnections int           `json:"maxConnections"`
	EnableMetrics  bool          `json:"enableMetrics"`
	MetricsPort    int           `json:"metricsPort"`
}

// BrokerConfig configures the broker protocol adapter's TCP session.
type BrokerConfig struct {
	Host               string
	Port               int
	AccountID          string
	ClientID           int
	Live               bool // false => dry run: adapter logs intended actions, opens no socket
	AllowLiveOrders    bool
	AllowCancelEntries bool
	ConnectTimeout     time.Duration
	NextIDTimeout      time.Duration
	ValidationDelay    time.Duration
	CancelConfirmTimeout time.Duration
}

// RiskLimits bounds order sizing independent of the per-plan risk config.
type RiskLimits struct {
	MaxOrdersPerSymbol  int
	MaxOrderQty         int64
	MaxNotionalPerSymbol decimal.Decimal
	DailyLossLimit      decimal.Decimal
	EnableDynamicSizing bool
	BuyingPowerFactor   decimal.Decimal // default 0.75
}

// OrchestratorConfig configures the C9 control loop.
type OrchestratorConfig struct {
	UserID                  string
	MaxConcurrentStrategies int
	WatchInterval           time.Duration
}

// BarCacheConfig configures the C3 cache and its monitor.
type BarCacheConfig struct {
	TTL               time.Duration
	RetentionDays     int
	LogStatsInterval  time.Duration
	HitRateWarnFloor  float64
	MemoryWarnBytes   int64
	InactivityEvict   time.Duration
}

// DefaultBrokerConfig mirrors the spec's timeout table.
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		ConnectTimeout:       10 * time.Second,
		NextIDTimeout:        5 * time.Second,
		ValidationDelay:      2 * time.Second,
		CancelConfirmTimeout: 10 * time.Second,
	}
}

// DefaultOrchestratorConfig mirrors the spec's defaults.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		MaxConcurrentStrategies: 10,
		WatchInterval:           30 * time.Second,
	}
}

// DefaultRiskLimits mirrors the spec's defaults.
func DefaultRiskLimits() RiskLimits {
	return RiskLimits{
		BuyingPowerFactor: decimal.NewFromFloat(0.75),
	}
}

// DefaultBarCacheConfig mirrors the spec's defaults.
func DefaultBarCacheConfig() BarCacheConfig {
	return BarCacheConfig{
		TTL:              5 * time.Minute,
		RetentionDays:    365,
		LogStatsInterval: time.Minute,
		HitRateWarnFloor: 0.70,
		MemoryWarnBytes:  256 * 1024 * 1024,
		InactivityEvict:  30 * time.Minute,
	}
}
