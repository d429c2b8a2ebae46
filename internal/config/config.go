package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log      LoggingConfig  `yaml:"log"`
	Network  string         `yaml:"network"`
	REST     RESTConfig     `yaml:"rest"`
	WS       WSConfig       `yaml:"ws"`
	State    StateConfig    `yaml:"state"`
	Trading  TradingConfig  `yaml:"trading"`
	Builder  BuilderConfig  `yaml:"builder"`
	Telegram TelegramConfig `yaml:"telegram"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	History  HistoryConfig  `yaml:"history"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type RESTConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type WSConfig struct {
	URL            string        `yaml:"url"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type TradingConfig struct {
	Asset          string  `yaml:"asset"`
	AccountAddress string  `yaml:"account_address"`
	MarginUSD      float64 `yaml:"margin_usd"`
	Leverage       int     `yaml:"leverage"`
	Side           string  `yaml:"side"`
	Slippage       float64 `yaml:"slippage"`
}

// BuilderConfig attributes orders to a frontend builder. Fee is in tenths of
// a basis point.
type BuilderConfig struct {
	Address     string `yaml:"address"`
	FeeTenthBps int    `yaml:"fee_tenth_bps"`
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled != nil && *m.Enabled
}

type HistoryConfig struct {
	Enabled   bool   `yaml:"enabled"`
	DSN       string `yaml:"dsn"`
	Schema    string `yaml:"schema"`
	QueueSize int    `yaml:"queue_size"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Network == "" {
		cfg.Network = "mainnet"
	}
	if cfg.REST.BaseURL == "" {
		if cfg.Network == "testnet" {
			cfg.REST.BaseURL = "https://api.hyperliquid-testnet.xyz"
		} else {
			cfg.REST.BaseURL = "https://api.hyperliquid.xyz"
		}
	}
	if cfg.REST.Timeout == 0 {
		cfg.REST.Timeout = 10 * time.Second
	}
	if cfg.WS.URL == "" {
		cfg.WS.URL = deriveWSURL(cfg.REST.BaseURL)
	}
	if cfg.WS.DialTimeout == 0 {
		cfg.WS.DialTimeout = 15 * time.Second
	}
	if cfg.WS.PingInterval == 0 {
		cfg.WS.PingInterval = 30 * time.Second
	}
	if cfg.WS.ReconnectDelay == 0 {
		cfg.WS.ReconnectDelay = 3 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/hl-cycle-bot.db"
	}
	if cfg.Trading.Side == "" {
		cfg.Trading.Side = "buy"
	}
	if cfg.Trading.Slippage == 0 {
		cfg.Trading.Slippage = 0.05
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9001"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func deriveWSURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://") + "/ws"
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://") + "/ws"
	default:
		return baseURL + "/ws"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HL_ACCOUNT_ADDRESS"); v != "" {
		cfg.Trading.AccountAddress = v
	}
	if v := os.Getenv("HL_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("HL_TELEGRAM_CHAT_ID"); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := os.Getenv("HL_HISTORY_DSN"); v != "" {
		cfg.History.DSN = v
	}
}

func validate(cfg *Config) error {
	if cfg.Network != "mainnet" && cfg.Network != "testnet" {
		return fmt.Errorf("network must be mainnet or testnet, got %q", cfg.Network)
	}
	if cfg.Trading.AccountAddress == "" {
		return errors.New("trading.account_address (or HL_ACCOUNT_ADDRESS) is required")
	}
	if cfg.Trading.MarginUSD <= 0 {
		return errors.New("trading.margin_usd must be > 0")
	}
	if cfg.Trading.Leverage < 1 {
		return errors.New("trading.leverage must be >= 1")
	}
	if cfg.Trading.Side != "buy" && cfg.Trading.Side != "sell" {
		return fmt.Errorf("trading.side must be buy or sell, got %q", cfg.Trading.Side)
	}
	if cfg.Trading.Slippage < 0 || cfg.Trading.Slippage > 1 {
		return errors.New("trading.slippage must be within [0, 1]")
	}
	if cfg.Builder.FeeTenthBps < 0 {
		return errors.New("builder.fee_tenth_bps must be >= 0")
	}
	if cfg.Builder.FeeTenthBps > 0 && cfg.Builder.Address == "" {
		return errors.New("builder.address is required when builder.fee_tenth_bps is set")
	}
	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.Token == "" || cfg.Telegram.ChatID == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	if cfg.History.Enabled && cfg.History.DSN == "" {
		return errors.New("history.dsn (or HL_HISTORY_DSN) is required when history is enabled")
	}
	return nil
}
