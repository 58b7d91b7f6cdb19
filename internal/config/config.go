package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"ledger-insight/internal/compliance"
	"ledger-insight/internal/detect"
	"ledger-insight/internal/extract"
	"ledger-insight/internal/logging"
	"ledger-insight/internal/scoring"
)

// ReasoningModeClaude enables the assisted paths.
const ReasoningModeClaude = "claude"

// Config materialises application configuration.
type Config struct {
	App        AppConfig             `mapstructure:"app"`
	Logging    logging.Config        `mapstructure:"logging"`
	Database   DatabaseConfig        `mapstructure:"database"`
	Ledger     LedgerConfig          `mapstructure:"ledger"`
	Extract    ExtractConfig         `mapstructure:"extract"`
	Detect     DetectConfig          `mapstructure:"detect"`
	Scoring    ScoringConfig         `mapstructure:"scoring"`
	Compliance compliance.Thresholds `mapstructure:"compliance"`
	Reasoning  ReasoningConfig       `mapstructure:"reasoning"`
	Pipeline   PipelineConfig        `mapstructure:"pipeline"`
	Server     ServerConfig          `mapstructure:"server"`
	Alerting   AlertingConfig        `mapstructure:"alerting"`
	Watch      WatchConfig           `mapstructure:"watch"`
	Export     ExportConfig          `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. RunsDSN defaults to
// DSN when the run history lives next to the ledger.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	RunsDSN         string        `mapstructure:"runs_dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// LedgerConfig names the transaction table.
type LedgerConfig struct {
	Table string `mapstructure:"table"`
}

// ExtractConfig bounds extracted filters.
type ExtractConfig struct {
	MaxRows    int      `mapstructure:"max_rows"`
	MaxHours   int      `mapstructure:"max_hours"`
	MaxAmount  float64  `mapstructure:"max_amount"`
	Categories []string `mapstructure:"categories"`
}

// DetectConfig holds flag thresholds.
type DetectConfig struct {
	HighAmount         float64  `mapstructure:"high_amount"`
	ElevatedAmount     float64  `mapstructure:"elevated_amount"`
	HighRiskCategories []string `mapstructure:"high_risk_categories"`
}

// ScoringConfig holds risk weights and the amount thresholds they key off.
type ScoringConfig struct {
	HighAmount     float64         `mapstructure:"high_amount"`
	ElevatedAmount float64         `mapstructure:"elevated_amount"`
	Weights        scoring.Weights `mapstructure:"weights"`
}

// ReasoningConfig covers the assisted-reasoning service.
type ReasoningConfig struct {
	Mode               string        `mapstructure:"mode"`
	APIKey             string        `mapstructure:"api_key"`
	Model              string        `mapstructure:"model"`
	BaseURL            string        `mapstructure:"base_url"`
	Version            string        `mapstructure:"version"`
	MaxTokens          int           `mapstructure:"max_tokens"`
	WriterMaxTokens    int           `mapstructure:"writer_max_tokens"`
	ComplianceMaxToken int           `mapstructure:"compliance_max_tokens"`
	Timeout            time.Duration `mapstructure:"timeout"`
	RatePerSec         float64       `mapstructure:"rate_per_sec"`
	Burst              int           `mapstructure:"burst"`
}

// Enabled reports whether assisted paths should be used.
func (r ReasoningConfig) Enabled() bool {
	return strings.EqualFold(r.Mode, ReasoningModeClaude) && r.APIKey != ""
}

// PipelineConfig governs stage budgets and result shape.
type PipelineConfig struct {
	StageTimeout time.Duration `mapstructure:"stage_timeout"`
	TopN         int           `mapstructure:"top_n"`
	SampleSize   int           `mapstructure:"sample_size"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AlertingConfig defines alert thresholds and routing.
type AlertingConfig struct {
	Enabled   bool           `mapstructure:"enabled"`
	MinAction string         `mapstructure:"min_action"`
	Channels  []string       `mapstructure:"channels"`
	Telegram  TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes Telegram delivery.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// WatchConfig governs the standing-query loop.
type WatchConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LEDGERINSIGHT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "ledger-insight")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.runs_dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("ledger.table", "upi_transactions")

	v.SetDefault("extract.max_rows", 100)
	v.SetDefault("extract.max_hours", 24*180)
	v.SetDefault("extract.max_amount", 1e9)
	v.SetDefault("extract.categories", extract.DefaultCategories)

	v.SetDefault("detect.high_amount", 50000.0)
	v.SetDefault("detect.elevated_amount", 10000.0)
	v.SetDefault("detect.high_risk_categories", []string{"crypto", "gift_cards"})

	weights := scoring.DefaultConfig().Weights
	v.SetDefault("scoring.high_amount", 50000.0)
	v.SetDefault("scoring.elevated_amount", 10000.0)
	v.SetDefault("scoring.weights.high_amount", weights.HighAmount)
	v.SetDefault("scoring.weights.elevated_amount", weights.ElevatedAmount)
	v.SetDefault("scoring.weights.p2p", weights.P2P)
	v.SetDefault("scoring.weights.per_flag", weights.PerFlag)
	v.SetDefault("scoring.weights.flag_cap", weights.FlagCap)
	v.SetDefault("scoring.weights.gambling", weights.Gambling)
	v.SetDefault("scoring.weights.crypto", weights.Crypto)
	v.SetDefault("scoring.weights.labeled_fraud", weights.LabeledFraud)

	th := compliance.DefaultThresholds()
	v.SetDefault("compliance.escalate_risk", th.EscalateRisk)
	v.SetDefault("compliance.review_risk", th.ReviewRisk)
	v.SetDefault("compliance.escalate_flags", th.EscalateFlags)
	v.SetDefault("compliance.review_flags", th.ReviewFlags)

	v.SetDefault("reasoning.mode", "off")
	v.SetDefault("reasoning.api_key", "")
	v.SetDefault("reasoning.model", "claude-3-5-sonnet-20240620")
	v.SetDefault("reasoning.base_url", "https://api.anthropic.com")
	v.SetDefault("reasoning.version", "2023-06-01")
	v.SetDefault("reasoning.max_tokens", 400)
	v.SetDefault("reasoning.writer_max_tokens", 350)
	v.SetDefault("reasoning.compliance_max_tokens", 250)
	v.SetDefault("reasoning.timeout", "6s")
	v.SetDefault("reasoning.rate_per_sec", 2.0)
	v.SetDefault("reasoning.burst", 4)

	v.SetDefault("pipeline.stage_timeout", "7s")
	v.SetDefault("pipeline.top_n", 5)
	v.SetDefault("pipeline.sample_size", 5)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.min_action", string(compliance.ActionEscalate))
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("watch.interval", "15m")
	v.SetDefault("watch.align_to_bucket", true)
	v.SetDefault("watch.advisory_lock_key", int64(0x4c494e53))
	v.SetDefault("watch.startup_delay", "0s")

	v.SetDefault("export.max_data_points", 10000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Extract.MaxRows <= 0 {
		return fmt.Errorf("extract.max_rows must be greater than zero")
	}
	if c.Extract.MaxHours <= 0 {
		return fmt.Errorf("extract.max_hours must be greater than zero")
	}
	if c.Extract.MaxAmount <= 0 {
		return fmt.Errorf("extract.max_amount must be greater than zero")
	}
	if c.Detect.ElevatedAmount > c.Detect.HighAmount {
		return fmt.Errorf("detect.elevated_amount cannot exceed detect.high_amount")
	}
	if c.Scoring.ElevatedAmount > c.Scoring.HighAmount {
		return fmt.Errorf("scoring.elevated_amount cannot exceed scoring.high_amount")
	}
	if c.Compliance.ReviewRisk > c.Compliance.EscalateRisk {
		return fmt.Errorf("compliance.review_risk cannot exceed compliance.escalate_risk")
	}
	if c.Compliance.ReviewFlags > c.Compliance.EscalateFlags {
		return fmt.Errorf("compliance.review_flags cannot exceed compliance.escalate_flags")
	}
	if c.Pipeline.StageTimeout <= 0 {
		return fmt.Errorf("pipeline.stage_timeout must be greater than zero")
	}
	if c.Pipeline.TopN <= 0 {
		return fmt.Errorf("pipeline.top_n must be greater than zero")
	}
	if c.Reasoning.Enabled() && c.Reasoning.Timeout >= c.Pipeline.StageTimeout {
		return fmt.Errorf("reasoning.timeout must be shorter than pipeline.stage_timeout")
	}
	if c.Watch.Interval <= 0 {
		return fmt.Errorf("watch.interval must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if _, err := compliance.ParseAction(c.Alerting.MinAction); err != nil {
		return fmt.Errorf("alerting.min_action: %w", err)
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// RunsDSN returns the DSN for run history, falling back to the ledger DSN.
func (c *Config) RunsDSN() string {
	if c.Database.RunsDSN != "" {
		return c.Database.RunsDSN
	}
	return c.Database.DSN
}

// ExtractLimits converts the extract section into clamp limits.
func (c *Config) ExtractLimits() extract.Limits {
	return extract.Limits{
		MaxRows:   c.Extract.MaxRows,
		MaxHours:  c.Extract.MaxHours,
		MaxAmount: decimal.NewFromFloat(c.Extract.MaxAmount),
	}
}

// DetectorConfig converts the detect section.
func (c *Config) DetectorConfig() detect.Config {
	return detect.Config{
		HighAmount:         decimal.NewFromFloat(c.Detect.HighAmount),
		ElevatedAmount:     decimal.NewFromFloat(c.Detect.ElevatedAmount),
		HighRiskCategories: c.Detect.HighRiskCategories,
	}
}

// ScorerConfig converts the scoring section.
func (c *Config) ScorerConfig() scoring.Config {
	return scoring.Config{
		Weights:        c.Scoring.Weights,
		HighAmount:     decimal.NewFromFloat(c.Scoring.HighAmount),
		ElevatedAmount: decimal.NewFromFloat(c.Scoring.ElevatedAmount),
	}
}
