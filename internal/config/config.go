// Package config loads and validates the engine's YAML configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration loaded from YAML.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Sizing      SizingConfig      `yaml:"position_sizing"`
	Arbitrage   ArbitrageConfig   `yaml:"arbitrage_params"`
	Recovery    RecoveryConfig    `yaml:"recovery_params"`
	Storage     StorageConfig     `yaml:"storage"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
}

// Duration wraps time.Duration so YAML values like "30s" decode cleanly.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration in Go syntax.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// EnvironmentConfig selects run mode and log verbosity.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"` // demo or live
	LogLevel string `yaml:"log_level"`
}

// BrokerConfig holds MT5 bridge connection settings.
type BrokerConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Login     string `yaml:"login"`
	Password  string `yaml:"password"`
	Server    string `yaml:"server"`
	MagicBase int64  `yaml:"magic_base"`
}

// ScheduleConfig controls the coordinator cadence.
type ScheduleConfig struct {
	TickInterval       Duration `yaml:"tick_interval"`
	CorrelationRefresh Duration `yaml:"correlation_refresh"`
}

// SizingConfig controls lot calculation.
type SizingConfig struct {
	LotCalculation LotCalculationConfig `yaml:"lot_calculation"`
}

// LotCalculationConfig holds the balance-scaled sizing knobs.
type LotCalculationConfig struct {
	UseRiskBasedSizing  bool    `yaml:"use_risk_based_sizing"`
	RiskPerTradePercent float64 `yaml:"risk_per_trade_percent"`
	BaseBalance         float64 `yaml:"base_balance"`
	TargetPipValue      float64 `yaml:"target_pip_value"`
	LotStep             float64 `yaml:"lot_step"`
	MinLot              float64 `yaml:"min_lot"`
	MaxLot              float64 `yaml:"max_lot"`
}

// ArbitrageConfig groups detection, execution and closing parameters.
type ArbitrageConfig struct {
	Detection DetectionConfig `yaml:"detection"`
	Triangles TriangleConfig  `yaml:"triangles"`
	Execution ExecutionConfig `yaml:"execution"`
	Closing   ClosingConfig   `yaml:"closing"`
}

// DetectionConfig holds opportunity thresholds.
type DetectionConfig struct {
	MinThreshold       float64 `yaml:"min_threshold"` // percent
	MinConfidence      float64 `yaml:"min_confidence"`
	MaxSpreadRatio     float64 `yaml:"max_spread_ratio"`
	MinVolumeThreshold float64 `yaml:"min_volume_threshold"`
}

// TriangleConfig caps concurrent triangle groups.
type TriangleConfig struct {
	MaxActiveTriangles int `yaml:"max_active_triangles"`
}

// ExecutionConfig holds trade frequency limits.
type ExecutionConfig struct {
	MinOrderIntervalSec int `yaml:"min_order_interval_sec"`
	MaxOrdersPerDay     int `yaml:"max_orders_per_day"`
}

// ClosingConfig holds group closing parameters.
type ClosingConfig struct {
	TrailingStopEnabled  bool    `yaml:"trailing_stop_enabled"`
	LockProfitPercentage float64 `yaml:"lock_profit_percentage"`
	MaxGroupAgeHours     float64 `yaml:"max_group_age_hours"`
}

// RecoveryConfig groups the correlation recovery parameters.
type RecoveryConfig struct {
	LossThresholds LossThresholdConfig `yaml:"loss_thresholds"`
	Correlation    CorrelationConfig   `yaml:"correlation"`
	ChainRecovery  ChainRecoveryConfig `yaml:"chain_recovery"`
	Rebalancing    RebalancingConfig   `yaml:"rebalancing"`
}

// LossThresholdConfig decides when a position needs recovery.
type LossThresholdConfig struct {
	MinLossPercent float64 `yaml:"min_loss_percent"`
}

// CorrelationConfig bounds hedge candidate selection.
type CorrelationConfig struct {
	MinCorrelation     float64 `yaml:"min_correlation"`
	MaxCorrelation     float64 `yaml:"max_correlation"`
	LookbackDays       int     `yaml:"lookback_days"`
	MaxRecoveryTimeHrs float64 `yaml:"max_recovery_time_hours"`
}

// ChainRecoveryConfig caps hedge-of-hedge depth.
type ChainRecoveryConfig struct {
	MaxChainDepth int `yaml:"max_chain_depth"`
}

// RebalancingConfig controls portfolio exposure rebalancing.
type RebalancingConfig struct {
	Enabled          bool    `yaml:"enabled"`
	FrequencyHours   float64 `yaml:"frequency_hours"`
	BalanceThreshold float64 `yaml:"balance_threshold"`
}

// StorageConfig holds state file paths.
type StorageConfig struct {
	OrderTrackingPath string `yaml:"order_tracking_path"`
	GroupStatePath    string `yaml:"group_state_path"`
	SymbolMappingPath string `yaml:"symbol_mapping_path"`
}

// DashboardConfig controls the read-only HTTP status API.
type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Load reads, expands and validates a YAML config file. Environment
// variables in the file body ($VAR or ${VAR}) are expanded before decoding
// so credentials stay out of the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := defaultConfig()
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Environment: EnvironmentConfig{Mode: "demo", LogLevel: "info"},
		Schedule: ScheduleConfig{
			TickInterval:       Duration(30 * time.Second),
			CorrelationRefresh: Duration(5 * time.Minute),
		},
		Sizing: SizingConfig{
			LotCalculation: LotCalculationConfig{
				RiskPerTradePercent: 1.0,
				BaseBalance:         10000,
				TargetPipValue:      5.0,
				LotStep:             0.01,
				MinLot:              0.01,
				MaxLot:              10.0,
			},
		},
		Arbitrage: ArbitrageConfig{
			Detection: DetectionConfig{
				MinThreshold:       0.008,
				MinConfidence:      0.75,
				MaxSpreadRatio:     0.3,
				MinVolumeThreshold: 0.5,
			},
			Triangles: TriangleConfig{MaxActiveTriangles: 1},
			Execution: ExecutionConfig{
				MinOrderIntervalSec: 10,
				MaxOrdersPerDay:     50,
			},
			Closing: ClosingConfig{
				LockProfitPercentage: 0.5,
				MaxGroupAgeHours:     24,
			},
		},
		Recovery: RecoveryConfig{
			LossThresholds: LossThresholdConfig{MinLossPercent: 2.0},
			Correlation: CorrelationConfig{
				MinCorrelation:     0.6,
				MaxCorrelation:     0.95,
				LookbackDays:       30,
				MaxRecoveryTimeHrs: 24,
			},
			ChainRecovery: ChainRecoveryConfig{MaxChainDepth: 3},
			Rebalancing: RebalancingConfig{
				FrequencyHours:   6,
				BalanceThreshold: 0.10,
			},
		},
		Storage: StorageConfig{
			OrderTrackingPath: "data/order_tracking.json",
			GroupStatePath:    "data/group_state.json",
			SymbolMappingPath: "data/symbol_mapping.json",
		},
		Dashboard: DashboardConfig{Listen: "127.0.0.1:8400"},
	}
}

// Validate checks cross-field consistency and value ranges.
func (c *Config) Validate() error {
	if c.Environment.Mode != "demo" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be demo or live, got %q", c.Environment.Mode)
	}
	if c.Broker.Endpoint == "" {
		return fmt.Errorf("broker.endpoint is required")
	}
	if c.Schedule.TickInterval.Std() < time.Second {
		return fmt.Errorf("schedule.tick_interval must be at least 1s, got %s", c.Schedule.TickInterval.Std())
	}
	if c.Schedule.CorrelationRefresh.Std() < time.Minute {
		return fmt.Errorf("schedule.correlation_refresh must be at least 1m, got %s", c.Schedule.CorrelationRefresh.Std())
	}

	lc := c.Sizing.LotCalculation
	if lc.MinLot <= 0 || lc.MaxLot < lc.MinLot {
		return fmt.Errorf("position_sizing: min_lot must be > 0 and max_lot >= min_lot")
	}
	if lc.LotStep <= 0 {
		return fmt.Errorf("position_sizing: lot_step must be > 0")
	}
	if lc.BaseBalance <= 0 {
		return fmt.Errorf("position_sizing: base_balance must be > 0")
	}
	if lc.UseRiskBasedSizing && (lc.RiskPerTradePercent <= 0 || lc.RiskPerTradePercent > 10) {
		return fmt.Errorf("position_sizing: risk_per_trade_percent must be in (0, 10], got %.2f", lc.RiskPerTradePercent)
	}

	det := c.Arbitrage.Detection
	if det.MinThreshold <= 0 {
		return fmt.Errorf("arbitrage_params.detection.min_threshold must be > 0")
	}
	if det.MinConfidence < 0 || det.MinConfidence > 1 {
		return fmt.Errorf("arbitrage_params.detection.min_confidence must be in [0, 1]")
	}
	if det.MaxSpreadRatio <= 0 || det.MaxSpreadRatio > 1 {
		return fmt.Errorf("arbitrage_params.detection.max_spread_ratio must be in (0, 1]")
	}
	if c.Arbitrage.Triangles.MaxActiveTriangles < 1 {
		return fmt.Errorf("arbitrage_params.triangles.max_active_triangles must be >= 1")
	}
	if c.Arbitrage.Execution.MinOrderIntervalSec < 0 {
		return fmt.Errorf("arbitrage_params.execution.min_order_interval_sec must be >= 0")
	}
	if c.Arbitrage.Execution.MaxOrdersPerDay < 1 {
		return fmt.Errorf("arbitrage_params.execution.max_orders_per_day must be >= 1")
	}
	if c.Arbitrage.Closing.MaxGroupAgeHours <= 0 {
		return fmt.Errorf("arbitrage_params.closing.max_group_age_hours must be > 0")
	}

	corr := c.Recovery.Correlation
	if corr.MinCorrelation <= 0 || corr.MinCorrelation >= 1 {
		return fmt.Errorf("recovery_params.correlation.min_correlation must be in (0, 1)")
	}
	if corr.MaxCorrelation <= corr.MinCorrelation || corr.MaxCorrelation > 1 {
		return fmt.Errorf("recovery_params.correlation.max_correlation must be in (min_correlation, 1]")
	}
	if corr.LookbackDays < 7 {
		return fmt.Errorf("recovery_params.correlation.lookback_days must be >= 7, got %d", corr.LookbackDays)
	}
	if c.Recovery.ChainRecovery.MaxChainDepth < 1 {
		return fmt.Errorf("recovery_params.chain_recovery.max_chain_depth must be >= 1")
	}
	if c.Recovery.LossThresholds.MinLossPercent <= 0 {
		return fmt.Errorf("recovery_params.loss_thresholds.min_loss_percent must be > 0")
	}
	if c.Recovery.Rebalancing.Enabled {
		if c.Recovery.Rebalancing.FrequencyHours <= 0 {
			return fmt.Errorf("recovery_params.rebalancing.frequency_hours must be > 0")
		}
		if c.Recovery.Rebalancing.BalanceThreshold <= 0 || c.Recovery.Rebalancing.BalanceThreshold > 1 {
			return fmt.Errorf("recovery_params.rebalancing.balance_threshold must be in (0, 1]")
		}
	}

	if c.Storage.OrderTrackingPath == "" || c.Storage.GroupStatePath == "" || c.Storage.SymbolMappingPath == "" {
		return fmt.Errorf("storage paths must not be empty")
	}
	if c.Dashboard.Enabled && c.Dashboard.Listen == "" {
		return fmt.Errorf("dashboard.listen is required when dashboard.enabled")
	}
	return nil
}

// IsLive reports whether the engine trades a live account.
func (c *Config) IsLive() bool { return c.Environment.Mode == "live" }
