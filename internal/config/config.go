package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meridian-quant/rollgrid/internal/portfolio"
	"github.com/meridian-quant/rollgrid/internal/rolling"
	"github.com/meridian-quant/rollgrid/internal/series"
)

// Config is the root configuration structure for rollgrid.
type Config struct {
	General     GeneralConfig     `yaml:"general"`
	Data        DataConfig        `yaml:"data"`
	Engine      EngineConfig      `yaml:"engine"`
	Executor    ExecutorConfig    `yaml:"executor"`
	Cache       CacheConfig       `yaml:"cache"`
	Aggregation AggregationConfig `yaml:"aggregation"`
}

type GeneralConfig struct {
	InstanceID string `yaml:"instance_id"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"` // json|text
	// MetricsPath, when set, receives a Prometheus-format metrics dump
	// at the end of the run.
	MetricsPath string `yaml:"metrics_path"`
}

type DataConfig struct {
	Files []string `yaml:"files"`
}

// MetricSpecConfig is one windowed metric request.
type MetricSpecConfig struct {
	Kind   string `yaml:"kind"` // mean|stddev|sharpe|drawdown
	Window int    `yaml:"window"`
	Step   int    `yaml:"step"`
}

type EngineConfig struct {
	MissingPolicy string             `yaml:"missing_policy"` // strict|shrink
	Metrics       []MetricSpecConfig `yaml:"metrics"`
}

type ExecutorConfig struct {
	Workers          int     `yaml:"workers"` // 0 = hardware concurrency
	QueueFactor      int     `yaml:"queue_factor"`
	UnitTimeoutMs    int     `yaml:"unit_timeout_ms"`
	BatchTimeoutMs   int     `yaml:"batch_timeout_ms"`
	FailureThreshold float64 `yaml:"failure_threshold"`
}

type CacheConfig struct {
	Capacity     int    `yaml:"capacity"`
	SnapshotPath string `yaml:"snapshot_path"` // empty disables persistence
}

type AggregationConfig struct {
	Alignment    string `yaml:"alignment"` // intersection|fill_forward
	MaxStaleness int    `yaml:"max_staleness"`
	// StrictWeights disables renormalization over present assets: partial
	// weight coverage becomes an error or an explicit gap instead of a
	// rescaled exposure.
	StrictWeights bool               `yaml:"strict_weights"`
	Weights       map[string]float64 `yaml:"weights"`
	// PortfolioFile derives market-value weights from a portfolio JSON
	// file instead of an explicit weight map.
	PortfolioFile string `yaml:"portfolio_file"`
}

// Load reads and parses a YAML configuration file. The result is fully
// validated: a Config returned from Load is safe to run with.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.General.InstanceID == "" {
		cfg.General.InstanceID = "rollgrid-1"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.LogFormat == "" {
		cfg.General.LogFormat = "json"
	}
	if cfg.Engine.MissingPolicy == "" {
		cfg.Engine.MissingPolicy = "strict"
	}
	if cfg.Executor.QueueFactor <= 0 {
		cfg.Executor.QueueFactor = 2
	}
	if cfg.Executor.FailureThreshold <= 0 {
		cfg.Executor.FailureThreshold = 1.0
	}
	if cfg.Cache.Capacity <= 0 {
		cfg.Cache.Capacity = 1024
	}
	if cfg.Aggregation.Alignment == "" {
		cfg.Aggregation.Alignment = "intersection"
	}
}

// Validate checks every section eagerly, so a bad configuration is
// rejected before any data is loaded or any worker scheduled.
func (c *Config) Validate() error {
	if _, err := rolling.ParseMissingPolicy(c.Engine.MissingPolicy); err != nil {
		return err
	}
	if len(c.Engine.Metrics) == 0 {
		return series.NewConfigError("no metrics configured")
	}
	if _, err := c.Specs(); err != nil {
		return err
	}
	if _, err := portfolio.ParseAlignment(c.Aggregation.Alignment); err != nil {
		return err
	}
	if c.Aggregation.MaxStaleness < 0 {
		return series.NewConfigError("max_staleness %d < 0", c.Aggregation.MaxStaleness)
	}
	if c.Executor.FailureThreshold > 1 {
		return series.NewConfigError("failure_threshold %v > 1", c.Executor.FailureThreshold)
	}
	if len(c.Aggregation.Weights) > 0 && c.Aggregation.PortfolioFile != "" {
		return series.NewConfigError("weights and portfolio_file are mutually exclusive")
	}
	if len(c.Aggregation.Weights) > 0 {
		if err := portfolio.NewStaticWeights(c.Aggregation.Weights).Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Specs converts the configured metrics to validated WindowSpecs.
func (c *Config) Specs() ([]series.WindowSpec, error) {
	specs := make([]series.WindowSpec, 0, len(c.Engine.Metrics))
	for _, m := range c.Engine.Metrics {
		kind, err := series.ParseMetricKind(m.Kind)
		if err != nil {
			return nil, err
		}
		spec := series.WindowSpec{Kind: kind, Window: m.Window, Step: m.Step}
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// MissingPolicy returns the configured rolling-engine policy.
// Only meaningful on a validated Config.
func (c *Config) MissingPolicy() rolling.MissingPolicy {
	p, _ := rolling.ParseMissingPolicy(c.Engine.MissingPolicy)
	return p
}

// AggregatorConfig returns the configured aggregation policy.
// Only meaningful on a validated Config.
func (c *Config) AggregatorConfig() portfolio.Config {
	align, _ := portfolio.ParseAlignment(c.Aggregation.Alignment)
	return portfolio.Config{
		Alignment:    align,
		MaxStaleness: c.Aggregation.MaxStaleness,
		Renormalize:  !c.Aggregation.StrictWeights,
	}
}

// UnitTimeout returns the per-unit timeout, 0 when disabled.
func (c *Config) UnitTimeout() time.Duration {
	return time.Duration(c.Executor.UnitTimeoutMs) * time.Millisecond
}

// BatchTimeout returns the batch timeout, 0 when disabled.
func (c *Config) BatchTimeout() time.Duration {
	return time.Duration(c.Executor.BatchTimeoutMs) * time.Millisecond
}
