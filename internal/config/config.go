// Package config provides configuration management for the lifecycle engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

const (
	// defaultFillTimeout is used when entry.fill_timeout is unset.
	defaultFillTimeout = 2 * time.Minute
	// defaultMaxEntryAttempts is used when entry.max_attempts is unset.
	defaultMaxEntryAttempts = 3
	// defaultWalkStep is used when exit.walk_step is unset.
	defaultWalkStep = 0.05
	// defaultTick is used when exit.tick is unset.
	defaultTick = 0.05
	// defaultMarketFallbackTicks is used when exit.market_fallback_ticks is unset.
	defaultMarketFallbackTicks = 5
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Engine      EngineConfig      `yaml:"engine"`
	Entry       EntryConfig       `yaml:"entry"`
	Exit        ExitConfig        `yaml:"exit"`
	Storage     StorageConfig     `yaml:"storage"`
	Ops         OpsConfig         `yaml:"ops"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// EngineConfig identifies the strategy instance and its instrument.
type EngineConfig struct {
	StrategyID    string `yaml:"strategy_id"`
	InstrumentKey string `yaml:"instrument_key"`
	Timezone      string `yaml:"timezone"` // exchange timezone for the daily rollover
}

// EntryConfig governs entry order handling.
type EntryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	FillTimeout    time.Duration `yaml:"fill_timeout"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	TargetQuantity float64       `yaml:"target_quantity"`
}

// ExitConfig governs stop-loss/take-profit supervision.
type ExitConfig struct {
	StopLossPct         float64 `yaml:"stop_loss_pct"`      // loss vs entry, percent
	TakeProfitPct       float64 `yaml:"take_profit_pct"`    // gain vs entry, percent
	WalkStep            float64 `yaml:"walk_step"`          // price walk per evaluation
	Tick                float64 `yaml:"tick"`               // instrument tick size
	MarketFallbackTicks int     `yaml:"market_fallback_ticks"`
	RepriceTakeProfit   *bool   `yaml:"reprice_take_profit"` // default true
}

// StorageConfig locates the state snapshot and the trade journal.
type StorageConfig struct {
	StatePath   string `yaml:"state_path"`
	JournalPath string `yaml:"journal_path"`
}

// OpsConfig configures the operator HTTP surface.
type OpsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
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

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent,
// applying defaults for optional fields.
func (c *Config) Validate() error {
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}

	if c.Engine.StrategyID == "" {
		return fmt.Errorf("engine.strategy_id is required")
	}
	if c.Engine.InstrumentKey == "" {
		return fmt.Errorf("engine.instrument_key is required")
	}
	if c.Engine.Timezone == "" {
		c.Engine.Timezone = "America/New_York"
	}
	if _, err := time.LoadLocation(c.Engine.Timezone); err != nil {
		return fmt.Errorf("engine.timezone %q: %w", c.Engine.Timezone, err)
	}

	c.normalizeEntryConfig()
	if c.Entry.TargetQuantity <= 0 {
		return fmt.Errorf("entry.target_quantity must be > 0")
	}
	if c.Entry.MaxAttempts <= 0 {
		return fmt.Errorf("entry.max_attempts must be > 0")
	}
	if c.Entry.InitialBackoff > c.Entry.MaxBackoff {
		return fmt.Errorf("entry.initial_backoff (%s) must be <= entry.max_backoff (%s)",
			c.Entry.InitialBackoff, c.Entry.MaxBackoff)
	}

	c.normalizeExitConfig()
	if c.Exit.StopLossPct <= 0 {
		return fmt.Errorf("exit.stop_loss_pct must be > 0")
	}
	if c.Exit.TakeProfitPct <= 0 || c.Exit.TakeProfitPct >= 100 {
		return fmt.Errorf("exit.take_profit_pct must be in (0,100)")
	}
	if c.Exit.WalkStep <= 0 {
		return fmt.Errorf("exit.walk_step must be > 0")
	}
	if c.Exit.Tick <= 0 {
		return fmt.Errorf("exit.tick must be > 0")
	}

	if c.Storage.StatePath == "" {
		return fmt.Errorf("storage.state_path is required")
	}
	if c.Storage.JournalPath == "" {
		return fmt.Errorf("storage.journal_path is required")
	}

	if c.Ops.ListenAddr == "" {
		c.Ops.ListenAddr = ":9090"
	}

	return nil
}

func (c *Config) normalizeEntryConfig() {
	if c.Entry.MaxAttempts == 0 {
		c.Entry.MaxAttempts = defaultMaxEntryAttempts
	}
	if c.Entry.FillTimeout == 0 {
		c.Entry.FillTimeout = defaultFillTimeout
	}
	if c.Entry.InitialBackoff == 0 {
		c.Entry.InitialBackoff = time.Second
	}
	if c.Entry.MaxBackoff == 0 {
		c.Entry.MaxBackoff = 30 * time.Second
	}
}

func (c *Config) normalizeExitConfig() {
	if c.Exit.WalkStep == 0 {
		c.Exit.WalkStep = defaultWalkStep
	}
	if c.Exit.Tick == 0 {
		c.Exit.Tick = defaultTick
	}
	if c.Exit.MarketFallbackTicks == 0 {
		c.Exit.MarketFallbackTicks = defaultMarketFallbackTicks
	}
	if c.Exit.RepriceTakeProfit == nil {
		v := true
		c.Exit.RepriceTakeProfit = &v
	}
}

// IsPaperTrading reports whether the engine runs against the simulator.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// Location returns the configured exchange timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Engine.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
