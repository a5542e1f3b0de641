// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/tathienbao/maker-exec/internal/alerting"
	"github.com/tathienbao/maker-exec/internal/exchange/ccxtvenue"
	"github.com/tathienbao/maker-exec/internal/exchange/paper"
	"github.com/tathienbao/maker-exec/internal/execution"
	"github.com/tathienbao/maker-exec/internal/metrics"
	"github.com/tathienbao/maker-exec/internal/pricing"
	"github.com/tathienbao/maker-exec/internal/sizing"
	"github.com/tathienbao/maker-exec/internal/status"
	"github.com/tathienbao/maker-exec/internal/types"
)

// Config represents the full application configuration.
type Config struct {
	Venue       VenueConfig       `yaml:"venue"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Sizing      SizingConfig      `yaml:"sizing"`
	Paper       PaperConfig       `yaml:"paper"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Alerting    AlertingConfig    `yaml:"alerting"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
	Shutdown    ShutdownConfig    `yaml:"shutdown"`
}

// VenueConfig selects the exchange.
type VenueConfig struct {
	Type       string  `yaml:"type"`     // paper | ccxt
	Exchange   string  `yaml:"exchange"` // ccxt exchange id
	APIKey     string  `yaml:"api_key"`
	APISecret  string  `yaml:"api_secret"`
	Password   string  `yaml:"password"`
	Wallet     string  `yaml:"wallet"`
	PrivateKey string  `yaml:"private_key"`
	Sandbox    bool    `yaml:"sandbox"`
	RateLimit  float64 `yaml:"rate_limit_per_second"`
	Burst      int     `yaml:"burst"`
	BookDepth  int64   `yaml:"book_depth"`
}

// ExecutionConfig holds repricing loop settings.
type ExecutionConfig struct {
	TickIntervalMs       int     `yaml:"tick_interval_ms"`
	CallTimeoutMs        int     `yaml:"call_timeout_ms"`
	RepriceTolerance     float64 `yaml:"reprice_tolerance"`
	TickSize             float64 `yaml:"tick_size"`
	PostOnly             bool    `yaml:"post_only"`
	MaxPlaceAttempts     int     `yaml:"max_place_attempts"`
	MaxTransientErrors   int     `yaml:"max_transient_errors"`
	BackoffBaseMs        int     `yaml:"backoff_base_ms"`
	BackoffMaxMs         int     `yaml:"backoff_max_ms"`
	CancelTimeoutMs      int     `yaml:"cancel_timeout_ms"`
	CancelConfirmPolls   int     `yaml:"cancel_confirm_polls"`
	CancelPollIntervalMs int     `yaml:"cancel_poll_interval_ms"`
	QuantityDecimals     int32   `yaml:"quantity_decimals"`
	EventBuffer          int     `yaml:"event_buffer"`
}

// SizingConfig holds the shrink ladder settings.
type SizingConfig struct {
	Step             float64 `yaml:"step"`
	MaxSteps         int     `yaml:"max_steps"`
	MinSize          float64 `yaml:"min_size"`
	ConfirmTimeoutMs int     `yaml:"confirm_timeout_ms"`
	PollIntervalMs   int     `yaml:"poll_interval_ms"`
	MaxConcurrent    int     `yaml:"max_concurrent"`
}

// PaperConfig configures the in-memory venue and its market simulator.
type PaperConfig struct {
	Balance   float64 `yaml:"balance"`
	StartAsk  float64 `yaml:"start_ask"`
	MinAsk    float64 `yaml:"min_ask"`
	MaxAsk    float64 `yaml:"max_ask"`
	StepMs    int     `yaml:"step_ms"`
	TradeProb float64 `yaml:"trade_prob"`
	TradeSize float64 `yaml:"trade_size"`
	Seed      int64   `yaml:"seed"`
	Shape     string  `yaml:"shape"` // direct | quote | fills | size_only | sparse
	RateLimit float64 `yaml:"rate_limit_per_second"`
}

// PersistenceConfig holds journal settings.
type PersistenceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Type    string `yaml:"type"` // sqlite
	Path    string `yaml:"path"`
}

// AlertingConfig holds alerting settings.
type AlertingConfig struct {
	Enabled  bool            `yaml:"enabled"`
	Channels []ChannelConfig `yaml:"channels"`
	Events   []string        `yaml:"events"`
}

// ChannelConfig holds a single alert channel configuration.
type ChannelConfig struct {
	Type       string `yaml:"type"` // telegram | console
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | text
}

// ShutdownConfig holds shutdown settings.
type ShutdownConfig struct {
	TimeoutSec     int  `yaml:"timeout_sec"`
	RecoverOnStart bool `yaml:"recover_on_start"`
}

// Default returns a configuration for the paper venue with every optional
// field set.
func Default() *Config {
	exec := execution.DefaultConfig()
	size := sizing.DefaultConfig()
	return &Config{
		Venue: VenueConfig{Type: "paper"},
		Execution: ExecutionConfig{
			TickIntervalMs:       int(exec.TickInterval / time.Millisecond),
			CallTimeoutMs:        int(exec.CallTimeout / time.Millisecond),
			PostOnly:             exec.PostOnly,
			MaxPlaceAttempts:     exec.MaxPlaceAttempts,
			MaxTransientErrors:   exec.MaxTransientErrors,
			BackoffBaseMs:        int(exec.BackoffBase / time.Millisecond),
			BackoffMaxMs:         int(exec.BackoffMax / time.Millisecond),
			CancelTimeoutMs:      int(exec.CancelTimeout / time.Millisecond),
			CancelConfirmPolls:   exec.CancelConfirmPolls,
			CancelPollIntervalMs: int(exec.CancelPollInterval / time.Millisecond),
			QuantityDecimals:     status.DefaultConfig().QuantityDecimals,
			EventBuffer:          64,
		},
		Sizing: SizingConfig{
			Step:             size.Step.InexactFloat64(),
			MaxSteps:         size.MaxSteps,
			MinSize:          size.MinSize.InexactFloat64(),
			ConfirmTimeoutMs: int(size.ConfirmTimeout / time.Millisecond),
			PollIntervalMs:   int(size.PollInterval / time.Millisecond),
			MaxConcurrent:    size.MaxConcurrent,
		},
		Paper: PaperConfig{
			Balance:   100,
			StartAsk:  0.40,
			MinAsk:    0.01,
			MaxAsk:    0.99,
			StepMs:    1000,
			TradeProb: 0.2,
			TradeSize: 10,
			Shape:     string(paper.ShapeDirect),
		},
		Persistence: PersistenceConfig{Type: "sqlite", Path: "maker-exec.db"},
		Metrics:     MetricsConfig{Port: 9090, Path: "/metrics"},
		Logging:     LoggingConfig{Level: "info", Format: "text"},
		Shutdown:    ShutdownConfig{TimeoutSec: 30},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from YAML bytes. Fields the document
// leaves out keep their Default values.
func LoadFromBytes(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	// Venue validation
	switch c.Venue.Type {
	case "paper":
	case "ccxt":
		if c.Venue.Exchange == "" {
			errs = append(errs, "venue.exchange is required for ccxt")
		}
	default:
		errs = append(errs, "venue.type must be 'paper' or 'ccxt'")
	}
	if c.Venue.RateLimit < 0 {
		errs = append(errs, "venue.rate_limit_per_second must not be negative")
	}

	// Execution validation
	if c.Execution.TickIntervalMs <= 0 {
		errs = append(errs, "execution.tick_interval_ms must be positive")
	}
	if c.Execution.CallTimeoutMs <= 0 {
		errs = append(errs, "execution.call_timeout_ms must be positive")
	}
	if c.Execution.RepriceTolerance < 0 {
		errs = append(errs, "execution.reprice_tolerance must not be negative")
	}
	if c.Execution.TickSize < 0 {
		errs = append(errs, "execution.tick_size must not be negative")
	}
	if c.Execution.MaxPlaceAttempts <= 0 {
		errs = append(errs, "execution.max_place_attempts must be positive")
	}
	if c.Execution.BackoffMaxMs < c.Execution.BackoffBaseMs {
		errs = append(errs, "execution.backoff_max_ms must be >= backoff_base_ms")
	}
	if c.Execution.CancelTimeoutMs <= 0 {
		errs = append(errs, "execution.cancel_timeout_ms must be positive")
	}
	if c.Execution.CancelConfirmPolls <= 0 {
		errs = append(errs, "execution.cancel_confirm_polls must be positive")
	}
	if c.Execution.QuantityDecimals < 0 {
		errs = append(errs, "execution.quantity_decimals must not be negative")
	}

	// Sizing validation
	if c.Sizing.Step <= 0 {
		errs = append(errs, "sizing.step must be positive")
	}
	if c.Sizing.MaxSteps <= 0 {
		errs = append(errs, "sizing.max_steps must be positive")
	}
	if c.Sizing.MinSize <= 0 {
		errs = append(errs, "sizing.min_size must be positive")
	}

	// Paper validation
	if c.Venue.Type == "paper" {
		if !paper.PayloadShape(c.Paper.Shape).Valid() {
			errs = append(errs, fmt.Sprintf("paper.shape '%s' is not supported", c.Paper.Shape))
		}
		if c.Paper.StartAsk <= 0 {
			errs = append(errs, "paper.start_ask must be positive")
		}
		if c.Paper.MaxAsk > 0 && c.Paper.MaxAsk < c.Paper.MinAsk {
			errs = append(errs, "paper.max_ask must be >= min_ask")
		}
		if c.Paper.TradeProb < 0 || c.Paper.TradeProb > 1 {
			errs = append(errs, "paper.trade_prob must be between 0 and 1")
		}
	}

	// Persistence validation
	if c.Persistence.Enabled {
		if c.Persistence.Type != "sqlite" {
			errs = append(errs, "persistence.type must be 'sqlite'")
		}
		if c.Persistence.Path == "" {
			errs = append(errs, "persistence.path is required for sqlite")
		}
	}

	// Alerting validation
	if c.Alerting.Enabled {
		for i, ch := range c.Alerting.Channels {
			switch ch.Type {
			case "console":
			case "telegram":
				if ch.BotToken == "" || ch.ChatID == "" {
					errs = append(errs, fmt.Sprintf("alerting.channels[%d]: telegram needs bot_token and chat_id", i))
				}
			default:
				errs = append(errs, fmt.Sprintf("alerting.channels[%d]: unknown type '%s'", i, ch.Type))
			}
		}
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		errs = append(errs, "metrics.port must be between 1 and 65535")
	}

	if _, ok := parseLevel(c.Logging.Level); !ok {
		errs = append(errs, fmt.Sprintf("logging.level '%s' is not supported", c.Logging.Level))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", types.ErrInvalidConfig, strings.Join(errs, "; "))
	}

	return nil
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// TickInterval returns the market poll interval.
func (c *Config) TickInterval() time.Duration {
	return ms(c.Execution.TickIntervalMs)
}

// CallTimeout returns the per exchange call timeout.
func (c *Config) CallTimeout() time.Duration {
	return ms(c.Execution.CallTimeoutMs)
}

// ShutdownTimeout returns the shutdown timeout duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Shutdown.TimeoutSec) * time.Second
}

// LogLevel returns the configured slog level, info when unset.
func (c *Config) LogLevel() slog.Level {
	lvl, _ := parseLevel(c.Logging.Level)
	return lvl
}

func parseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, true
	case "debug":
		return slog.LevelDebug, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// ToPricingConfig converts to pricing.Config.
func (c *Config) ToPricingConfig() pricing.Config {
	return pricing.Config{
		Tolerance: decimal.NewFromFloat(c.Execution.RepriceTolerance),
		TickSize:  decimal.NewFromFloat(c.Execution.TickSize),
	}
}

// ToSizingConfig converts to sizing.Config.
func (c *Config) ToSizingConfig() sizing.Config {
	return sizing.Config{
		Step:           decimal.NewFromFloat(c.Sizing.Step),
		MaxSteps:       c.Sizing.MaxSteps,
		MinSize:        decimal.NewFromFloat(c.Sizing.MinSize),
		ConfirmTimeout: ms(c.Sizing.ConfirmTimeoutMs),
		PollInterval:   ms(c.Sizing.PollIntervalMs),
		CallTimeout:    c.CallTimeout(),
		MaxConcurrent:  c.Sizing.MaxConcurrent,
	}
}

// ToStatusConfig converts to status.Config.
func (c *Config) ToStatusConfig() status.Config {
	return status.Config{QuantityDecimals: c.Execution.QuantityDecimals}
}

// ToControllerConfig converts to execution.Config.
func (c *Config) ToControllerConfig() execution.Config {
	return execution.Config{
		TickInterval:       c.TickInterval(),
		CallTimeout:        c.CallTimeout(),
		MaxPlaceAttempts:   c.Execution.MaxPlaceAttempts,
		MaxTransientErrors: c.Execution.MaxTransientErrors,
		BackoffBase:        ms(c.Execution.BackoffBaseMs),
		BackoffMax:         ms(c.Execution.BackoffMaxMs),
		CancelTimeout:      ms(c.Execution.CancelTimeoutMs),
		CancelConfirmPolls: c.Execution.CancelConfirmPolls,
		CancelPollInterval: ms(c.Execution.CancelPollIntervalMs),
		PostOnly:           c.Execution.PostOnly,
		MinSize:            decimal.NewFromFloat(c.Sizing.MinSize),
	}
}

// ToManagerConfig converts to execution.ManagerConfig.
func (c *Config) ToManagerConfig() execution.ManagerConfig {
	return execution.ManagerConfig{
		Controller:  c.ToControllerConfig(),
		EventBuffer: c.Execution.EventBuffer,
	}
}

// ToCCXTConfig converts to ccxtvenue.Config.
func (c *Config) ToCCXTConfig() ccxtvenue.Config {
	return ccxtvenue.Config{
		Exchange:   c.Venue.Exchange,
		APIKey:     c.Venue.APIKey,
		APISecret:  c.Venue.APISecret,
		Password:   c.Venue.Password,
		Wallet:     c.Venue.Wallet,
		PrivateKey: c.Venue.PrivateKey,
		Sandbox:    c.Venue.Sandbox,
		RateLimit:  c.Venue.RateLimit,
		Burst:      c.Venue.Burst,
		BookDepth:  c.Venue.BookDepth,
	}
}

// ToPaperConfig converts to paper.Config seeded with a balance and best ask
// for instrument.
func (c *Config) ToPaperConfig(instrument string) paper.Config {
	cfg := paper.DefaultConfig()
	cfg.Balances[instrument] = decimal.NewFromFloat(c.Paper.Balance)
	cfg.BestAsks[instrument] = decimal.NewFromFloat(c.Paper.StartAsk)
	cfg.Shape = paper.PayloadShape(c.Paper.Shape)
	cfg.RateLimit = c.Paper.RateLimit
	return cfg
}

// ToSimulatorConfig converts to paper.SimulatorConfig for instrument.
func (c *Config) ToSimulatorConfig(instrument string) paper.SimulatorConfig {
	return paper.SimulatorConfig{
		Instrument: instrument,
		StartAsk:   decimal.NewFromFloat(c.Paper.StartAsk),
		TickSize:   decimal.NewFromFloat(c.Execution.TickSize),
		MinAsk:     decimal.NewFromFloat(c.Paper.MinAsk),
		MaxAsk:     decimal.NewFromFloat(c.Paper.MaxAsk),
		Interval:   ms(c.Paper.StepMs),
		TradeProb:  c.Paper.TradeProb,
		TradeSize:  decimal.NewFromFloat(c.Paper.TradeSize),
		Seed:       c.Paper.Seed,
	}
}

// ToServerConfig converts to metrics.ServerConfig.
func (c *Config) ToServerConfig() metrics.ServerConfig {
	cfg := metrics.DefaultServerConfig()
	cfg.Addr = fmt.Sprintf(":%d", c.Metrics.Port)
	if c.Metrics.Path != "" {
		cfg.MetricsPath = c.Metrics.Path
	}
	return cfg
}

// TelegramConfigs returns the configured telegram channels.
func (c *Config) TelegramConfigs() []alerting.TelegramConfig {
	var out []alerting.TelegramConfig
	for _, ch := range c.Alerting.Channels {
		if ch.Type != "telegram" {
			continue
		}
		out = append(out, alerting.TelegramConfig{
			BotToken: ch.BotToken,
			ChatID:   ch.ChatID,
			Timeout:  time.Duration(ch.TimeoutSec) * time.Second,
		})
	}
	return out
}

// IsAlertEventEnabled checks if an alert event type is enabled.
func (c *Config) IsAlertEventEnabled(event string) bool {
	if !c.Alerting.Enabled {
		return false
	}
	// If no events specified, all are enabled
	if len(c.Alerting.Events) == 0 {
		return true
	}
	for _, e := range c.Alerting.Events {
		if e == event || e == "all" {
			return true
		}
	}
	return false
}
