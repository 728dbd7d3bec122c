// Package config provides configuration management for the wheel service.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

const (
	// defaultDataTimeout bounds individual market-data calls.
	defaultDataTimeoutSeconds = 15
	// defaultOrderTimeout bounds order submission calls.
	defaultOrderTimeoutSeconds = 30
	// defaultCycleTimeout bounds a whole scan/run/monitor pass.
	defaultCycleTimeoutSeconds = 300
	// defaultRequestsPerMinute matches the broker's published API quota.
	defaultRequestsPerMinute = 200
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Server      ServerConfig      `yaml:"server"`
	Universe    []string          `yaml:"universe"`
	Scan        ScanConfig        `yaml:"scan"`
	Options     OptionsConfig     `yaml:"options"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	Storage     StorageConfig     `yaml:"storage"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker API settings. Credentials are usually injected
// through ${VAR} expansion from the process environment.
type BrokerConfig struct {
	APIBase           string `yaml:"api_base"`
	DataBase          string `yaml:"data_base"`
	APIKey            string `yaml:"api_key"`
	APISecret         string `yaml:"api_secret"`
	DataFeed          string `yaml:"data_feed"` // iex | sip
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	DataTimeoutSec    int    `yaml:"data_timeout_seconds"`
	OrderTimeoutSec   int    `yaml:"order_timeout_seconds"`
}

// ServerConfig defines the HTTP listener the external scheduler calls.
type ServerConfig struct {
	Port            int    `yaml:"port"`
	AuthToken       string `yaml:"auth_token"`
	CycleTimeoutSec int    `yaml:"cycle_timeout_seconds"`
}

// ScanConfig holds the stage 1-3 thresholds applied to each underlying.
type ScanConfig struct {
	MinStockPrice           float64 `yaml:"min_stock_price"`
	MaxStockPrice           float64 `yaml:"max_stock_price"`
	MinAvgVolume            float64 `yaml:"min_avg_volume"`
	MaxGapFrequency         float64 `yaml:"max_gap_freq"`
	MaxHistoricalVolatility float64 `yaml:"max_historical_volatility"`
	MaxOvernightGapPercent  float64 `yaml:"max_overnight_gap_percent"`
	MaxEvaluated            int     `yaml:"max_evaluated"` // 0 = no cap
}

// OptionsConfig holds the stage 7 contract criteria.
type OptionsConfig struct {
	TargetDTE       int     `yaml:"target_dte"`
	MinPremium      float64 `yaml:"min_premium"`
	DeltaMin        float64 `yaml:"delta_min"`
	DeltaMax        float64 `yaml:"delta_max"`
	MinOpenInterest int64   `yaml:"min_open_interest"`
}

// ExecutionConfig holds the execute-phase thresholds and sizing caps.
type ExecutionConfig struct {
	ExecutionGapThreshold    float64 `yaml:"execution_gap_threshold"`
	MaxExposurePerTicker     float64 `yaml:"max_exposure_per_ticker"`
	MaxPortfolioAllocation   float64 `yaml:"max_portfolio_allocation"`
	MaxTotalPositions        int     `yaml:"max_total_positions"`
	MaxNewPositionsPerCycle  int     `yaml:"max_new_positions_per_cycle"` // 0 = no cap
	OpportunityMaxAgeMinutes int     `yaml:"opportunity_max_age_minutes"`
	SlippageFactor           float64 `yaml:"slippage_factor"`
}

// MonitorConfig holds the early-close threshold.
type MonitorConfig struct {
	ProfitTargetPercent float64 `yaml:"profit_target_percent"`
}

// StorageConfig defines where scan artifacts are persisted.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Environment.Mode == "" {
		c.Environment.Mode = "paper"
	}
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Broker.DataFeed == "" {
		c.Broker.DataFeed = "iex"
	}
	if c.Broker.RequestsPerMinute <= 0 {
		c.Broker.RequestsPerMinute = defaultRequestsPerMinute
	}
	if c.Broker.DataTimeoutSec <= 0 {
		c.Broker.DataTimeoutSec = defaultDataTimeoutSeconds
	}
	if c.Broker.OrderTimeoutSec <= 0 {
		c.Broker.OrderTimeoutSec = defaultOrderTimeoutSeconds
	}
	if c.Server.Port <= 0 {
		c.Server.Port = 8080
	}
	if c.Server.CycleTimeoutSec <= 0 {
		c.Server.CycleTimeoutSec = defaultCycleTimeoutSeconds
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "data"
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}

	if c.Broker.APIBase == "" {
		return fmt.Errorf("broker.api_base is required")
	}
	if c.Broker.DataBase == "" {
		return fmt.Errorf("broker.data_base is required")
	}
	if c.Broker.APIKey == "" {
		return fmt.Errorf("broker.api_key is required")
	}
	if c.Broker.APISecret == "" {
		return fmt.Errorf("broker.api_secret is required")
	}
	if c.Broker.DataFeed != "iex" && c.Broker.DataFeed != "sip" {
		return fmt.Errorf("broker.data_feed must be 'iex' or 'sip', got %q", c.Broker.DataFeed)
	}

	if len(c.Universe) == 0 {
		return fmt.Errorf("universe must list at least one symbol")
	}
	seen := make(map[string]bool, len(c.Universe))
	for _, sym := range c.Universe {
		s := strings.ToUpper(strings.TrimSpace(sym))
		if s == "" {
			return fmt.Errorf("universe contains an empty symbol")
		}
		if seen[s] {
			return fmt.Errorf("universe lists %s more than once", s)
		}
		seen[s] = true
	}

	if c.Scan.MinStockPrice < 0 {
		return fmt.Errorf("scan.min_stock_price must be >= 0")
	}
	if c.Scan.MaxStockPrice <= c.Scan.MinStockPrice {
		return fmt.Errorf("scan.max_stock_price (%.2f) must exceed scan.min_stock_price (%.2f)",
			c.Scan.MaxStockPrice, c.Scan.MinStockPrice)
	}
	if c.Scan.MinAvgVolume < 0 {
		return fmt.Errorf("scan.min_avg_volume must be >= 0")
	}
	if c.Scan.MaxGapFrequency < 0 || c.Scan.MaxGapFrequency > 1 {
		return fmt.Errorf("scan.max_gap_freq must be within [0, 1]")
	}
	if c.Scan.MaxEvaluated < 0 {
		return fmt.Errorf("scan.max_evaluated must be >= 0 (0 disables the cap)")
	}

	if c.Options.TargetDTE <= 0 {
		return fmt.Errorf("options.target_dte must be positive")
	}
	if c.Options.MinPremium < 0 {
		return fmt.Errorf("options.min_premium must be >= 0")
	}
	if c.Options.DeltaMin < 0 || c.Options.DeltaMax > 1 {
		return fmt.Errorf("options delta bounds must be within [0, 1]")
	}
	if c.Options.DeltaMin > c.Options.DeltaMax {
		return fmt.Errorf("options.delta_min (%.2f) must not exceed options.delta_max (%.2f)",
			c.Options.DeltaMin, c.Options.DeltaMax)
	}
	if c.Options.MinOpenInterest < 0 {
		return fmt.Errorf("options.min_open_interest must be >= 0")
	}

	if c.Execution.ExecutionGapThreshold <= 0 {
		return fmt.Errorf("execution.execution_gap_threshold must be positive")
	}
	if c.Execution.MaxExposurePerTicker <= 0 {
		return fmt.Errorf("execution.max_exposure_per_ticker must be positive")
	}
	if c.Execution.MaxPortfolioAllocation <= 0 || c.Execution.MaxPortfolioAllocation > 1 {
		return fmt.Errorf("execution.max_portfolio_allocation must be within (0, 1]")
	}
	if c.Execution.MaxTotalPositions <= 0 {
		return fmt.Errorf("execution.max_total_positions must be positive")
	}
	if c.Execution.MaxNewPositionsPerCycle < 0 {
		return fmt.Errorf("execution.max_new_positions_per_cycle must be >= 0 (0 disables the cap)")
	}
	if c.Execution.OpportunityMaxAgeMinutes <= 0 {
		return fmt.Errorf("execution.opportunity_max_age_minutes must be positive")
	}
	if c.Execution.SlippageFactor < 0 || c.Execution.SlippageFactor >= 1 {
		return fmt.Errorf("execution.slippage_factor must be within [0, 1)")
	}

	if c.Monitor.ProfitTargetPercent <= 0 || c.Monitor.ProfitTargetPercent > 1 {
		return fmt.Errorf("monitor.profit_target_percent must be within (0, 1]")
	}

	return nil
}

// IsPaper reports whether the service targets the paper-trading environment.
func (c *Config) IsPaper() bool {
	return c.Environment.Mode == "paper"
}

// NormalizedUniverse returns the configured symbols upper-cased and trimmed,
// in their configured order.
func (c *Config) NormalizedUniverse() []string {
	out := make([]string, 0, len(c.Universe))
	for _, sym := range c.Universe {
		out = append(out, strings.ToUpper(strings.TrimSpace(sym)))
	}
	return out
}

// OpportunityMaxAge returns the store retrieval window as a duration.
func (c *Config) OpportunityMaxAge() time.Duration {
	return time.Duration(c.Execution.OpportunityMaxAgeMinutes) * time.Minute
}

// DataTimeout returns the per-call budget for market data fetches.
func (c *Config) DataTimeout() time.Duration {
	return time.Duration(c.Broker.DataTimeoutSec) * time.Second
}

// OrderTimeout returns the per-call budget for order submissions.
func (c *Config) OrderTimeout() time.Duration {
	return time.Duration(c.Broker.OrderTimeoutSec) * time.Second
}

// CycleTimeout returns the overall budget for one scan/run/monitor cycle.
func (c *Config) CycleTimeout() time.Duration {
	return time.Duration(c.Server.CycleTimeoutSec) * time.Second
}
