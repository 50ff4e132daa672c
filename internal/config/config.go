// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/stgeng/internal/alerting"
	"github.com/tathienbao/stgeng/internal/broker/paper"
	"github.com/tathienbao/stgeng/internal/engine"
	"github.com/tathienbao/stgeng/internal/feed"
	"github.com/tathienbao/stgeng/internal/metrics"
	"github.com/tathienbao/stgeng/internal/risk"
	"github.com/tathienbao/stgeng/internal/types"
	"gopkg.in/yaml.v3"
)

// Config represents the full application configuration.
type Config struct {
	App         AppConfig         `yaml:"app"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Engine      EngineConfig      `yaml:"engine"`
	Symbols     []SymbolConfig    `yaml:"symbols"`
	Rates       []RateConfig      `yaml:"rates"`
	Venue       VenueConfig       `yaml:"venue"`
	Risk        RiskConfig        `yaml:"risk"`
	Feeds       FeedsConfig       `yaml:"feeds"`
	Persistence PersistenceConfig `yaml:"persistence"`
	API         APIConfig         `yaml:"api"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Alerting    AlertingConfig    `yaml:"alerting"`
	Profiling   ProfilingConfig   `yaml:"profiling"`
	Shutdown    ShutdownConfig    `yaml:"shutdown"`
}

// AppConfig holds process-wide settings.
type AppConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`  // debug | info | warn | error
	LogFormat string `yaml:"log_format"` // text | json
}

// StrategyConfig describes the strategy and the instances created at startup.
type StrategyConfig struct {
	StgID     uint32           `yaml:"stg_id"`
	Name      string           `yaml:"name"`
	Instances []InstanceConfig `yaml:"instances"`
}

// InstanceConfig is one strategy instance.
type InstanceConfig struct {
	ID     uint32 `yaml:"id"`
	Name   string `yaml:"name"`
	AcctID uint32 `yaml:"acct_id"`
	UserID uint32 `yaml:"user_id"`
	Params string `yaml:"params"` // opaque to the engine, usually JSON
}

// EngineConfig holds runtime settings of the engine.
type EngineConfig struct {
	QueueSize            int    `yaml:"queue_size"`
	TimerTickMs          int    `yaml:"timer_tick_ms"`
	SyncIntervalMs       int    `yaml:"sync_interval_ms"`
	OrderRetentionHours  int    `yaml:"order_retention_hours"`
	PnlUpdateIntervalSec int    `yaml:"pnl_update_interval_sec"`
	PnlQuoteCurrency     string `yaml:"pnl_quote_currency"`
	MaxHisMDRecords      int    `yaml:"max_his_md_records"`
	RecordHisMD          bool   `yaml:"record_his_md"`
}

// SymbolConfig registers a tradable symbol.
type SymbolConfig struct {
	Market        string  `yaml:"market"`
	SymbolType    string  `yaml:"symbol_type"`
	Symbol        string  `yaml:"symbol"`
	BaseCurrency  string  `yaml:"base_currency"`
	QuoteCurrency string  `yaml:"quote_currency"`
	ParValue      float64 `yaml:"par_value"`
	TickSize      float64 `yaml:"tick_size"`
	LotSize       float64 `yaml:"lot_size"`
}

// RateConfig is one currency conversion rate used for PnL.
type RateConfig struct {
	From string  `yaml:"from"`
	To   string  `yaml:"to"`
	Rate float64 `yaml:"rate"`
}

// VenueConfig holds execution venue settings.
type VenueConfig struct {
	Type          string   `yaml:"type"` // paper
	AckDelayMs    int      `yaml:"ack_delay_ms"`
	FillDelayMs   int      `yaml:"fill_delay_ms"`
	FillSteps     int      `yaml:"fill_steps"`
	FeeRate       float64  `yaml:"fee_rate"`
	FeeCurrency   string   `yaml:"fee_currency"`
	RejectSymbols []string `yaml:"reject_symbols"`
	SubmitsPerSec float64  `yaml:"submits_per_sec"`
}

// RiskConfig holds pre-trade flow control settings.
type RiskConfig struct {
	OrdersPerSec          float64 `yaml:"orders_per_sec"`
	OrderBurst            int     `yaml:"order_burst"`
	CancelsPerSec         float64 `yaml:"cancels_per_sec"`
	CancelBurst           int     `yaml:"cancel_burst"`
	MaxOrderNotional      float64 `yaml:"max_order_notional"`
	MaxConsecutiveRejects int     `yaml:"max_consecutive_rejects"`
}

// FeedsConfig lists the ingestion sources.
type FeedsConfig struct {
	Kafka     []KafkaFeedConfig     `yaml:"kafka"`
	Websocket []WebsocketFeedConfig `yaml:"websocket"`
	Replay    []ReplayFeedConfig    `yaml:"replay"`
}

// KafkaFeedConfig is one kafka consumer.
type KafkaFeedConfig struct {
	Name              string   `yaml:"name"`
	Brokers           []string `yaml:"brokers"`
	Topic             string   `yaml:"topic"`
	GroupID           string   `yaml:"group_id"`
	SessionTimeoutSec int      `yaml:"session_timeout_sec"`
	StartAtLatest     bool     `yaml:"start_at_latest"`
}

// WebsocketFeedConfig is one websocket client.
type WebsocketFeedConfig struct {
	Name            string            `yaml:"name"`
	URL             string            `yaml:"url"`
	Headers         map[string]string `yaml:"headers"`
	Subscribe       []string          `yaml:"subscribe"`
	PingIntervalSec int               `yaml:"ping_interval_sec"`
	ReconnectMaxSec int               `yaml:"reconnect_max_sec"`
}

// ReplayFeedConfig replays a recorded file.
type ReplayFeedConfig struct {
	Name  string  `yaml:"name"`
	Path  string  `yaml:"path"`
	Speed float64 `yaml:"speed"`
}

// PersistenceConfig holds persistence settings.
type PersistenceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // sqlite file
}

// APIConfig holds operator API settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Token   string `yaml:"token"` // bearer token; empty disables auth
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// AlertingConfig holds alerting settings.
type AlertingConfig struct {
	Enabled       bool            `yaml:"enabled"`
	Channels      []ChannelConfig `yaml:"channels"`
	Events        []string        `yaml:"events"`
	ThrottleSec   int             `yaml:"throttle_sec"`
	ThrottleBurst int             `yaml:"throttle_burst"`
}

// ChannelConfig holds a single alert channel configuration.
type ChannelConfig struct {
	Type     string `yaml:"type"` // console | telegram
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// ProfilingConfig holds continuous profiling settings.
type ProfilingConfig struct {
	Enabled         bool   `yaml:"enabled"`
	ServerAddress   string `yaml:"server_address"`
	ApplicationName string `yaml:"application_name"`
}

// ShutdownConfig holds shutdown settings.
type ShutdownConfig struct {
	TimeoutSec int `yaml:"timeout_sec"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from YAML bytes. Environment variables are expanded first.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration and fills defaults.
func (c *Config) Validate() error {
	var errs []string

	// App
	if c.App.Name == "" {
		c.App.Name = "stgeng"
	}
	switch c.App.LogLevel {
	case "":
		c.App.LogLevel = "info"
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("app.log_level '%s' is not supported", c.App.LogLevel))
	}
	switch c.App.LogFormat {
	case "":
		c.App.LogFormat = "text"
	case "text", "json":
	default:
		errs = append(errs, "app.log_format must be 'text' or 'json'")
	}

	// Strategy
	if c.Strategy.StgID == 0 {
		errs = append(errs, "strategy.stg_id must be positive")
	}
	seen := make(map[uint32]bool, len(c.Strategy.Instances))
	for i, inst := range c.Strategy.Instances {
		if inst.ID == 0 {
			errs = append(errs, fmt.Sprintf("strategy.instances[%d].id must be positive", i))
			continue
		}
		if seen[inst.ID] {
			errs = append(errs, fmt.Sprintf("strategy.instances[%d].id %d is duplicated", i, inst.ID))
		}
		seen[inst.ID] = true
	}

	// Engine
	if c.Engine.QueueSize < 0 {
		errs = append(errs, "engine.queue_size must not be negative")
	}
	if c.Engine.TimerTickMs < 0 || c.Engine.SyncIntervalMs < 0 || c.Engine.PnlUpdateIntervalSec < 0 {
		errs = append(errs, "engine intervals must not be negative")
	}

	// Symbols
	for i, s := range c.Symbols {
		if _, err := types.ParseMarketCode(s.Market); err != nil {
			errs = append(errs, fmt.Sprintf("symbols[%d].market '%s' is not supported", i, s.Market))
		}
		if _, err := types.ParseSymbolType(s.SymbolType); err != nil {
			errs = append(errs, fmt.Sprintf("symbols[%d].symbol_type '%s' is not supported", i, s.SymbolType))
		}
		if s.Symbol == "" {
			errs = append(errs, fmt.Sprintf("symbols[%d].symbol is required", i))
		}
		if s.ParValue < 0 || s.TickSize < 0 || s.LotSize < 0 {
			errs = append(errs, fmt.Sprintf("symbols[%d] sizes must not be negative", i))
		}
	}

	for i, r := range c.Rates {
		if r.From == "" || r.To == "" {
			errs = append(errs, fmt.Sprintf("rates[%d] needs from and to", i))
		}
		if r.Rate <= 0 {
			errs = append(errs, fmt.Sprintf("rates[%d].rate must be positive", i))
		}
	}

	// Venue
	if c.Venue.Type == "" {
		c.Venue.Type = "paper"
	}
	if c.Venue.Type != "paper" {
		errs = append(errs, "venue.type must be 'paper'")
	}
	if c.Venue.FeeRate < 0 || c.Venue.FeeRate >= 1 {
		errs = append(errs, "venue.fee_rate must be between 0 and 1")
	}

	// Risk
	if c.Risk.OrdersPerSec < 0 || c.Risk.CancelsPerSec < 0 {
		errs = append(errs, "risk rates must not be negative")
	}
	if c.Risk.MaxOrderNotional < 0 {
		errs = append(errs, "risk.max_order_notional must not be negative")
	}

	// Feeds
	for i, k := range c.Feeds.Kafka {
		if len(k.Brokers) == 0 || k.Topic == "" {
			errs = append(errs, fmt.Sprintf("feeds.kafka[%d] needs brokers and a topic", i))
		}
	}
	for i, w := range c.Feeds.Websocket {
		if !strings.HasPrefix(w.URL, "ws://") && !strings.HasPrefix(w.URL, "wss://") {
			errs = append(errs, fmt.Sprintf("feeds.websocket[%d].url must start with ws:// or wss://", i))
		}
	}
	for i, r := range c.Feeds.Replay {
		if r.Path == "" {
			errs = append(errs, fmt.Sprintf("feeds.replay[%d].path is required", i))
		}
		if r.Speed < 0 {
			errs = append(errs, fmt.Sprintf("feeds.replay[%d].speed must not be negative", i))
		}
	}

	// Persistence
	if c.Persistence.Enabled && c.Persistence.Path == "" {
		errs = append(errs, "persistence.path is required when persistence is enabled")
	}

	// API
	if c.API.Enabled && c.API.Addr == "" {
		c.API.Addr = ":8080"
	}

	// Metrics
	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			errs = append(errs, "metrics.port must be between 1 and 65535")
		}
		if c.Metrics.Path == "" {
			c.Metrics.Path = "/metrics"
		}
	}

	// Alerting
	if c.Alerting.Enabled {
		for i, ch := range c.Alerting.Channels {
			switch ch.Type {
			case "console":
			case "telegram":
				if ch.BotToken == "" || ch.ChatID == "" {
					errs = append(errs, fmt.Sprintf("alerting.channels[%d] telegram needs bot_token and chat_id", i))
				}
			default:
				errs = append(errs, fmt.Sprintf("alerting.channels[%d].type '%s' is not supported", i, ch.Type))
			}
		}
	}

	// Profiling
	if c.Profiling.Enabled && c.Profiling.ServerAddress == "" {
		errs = append(errs, "profiling.server_address is required when profiling is enabled")
	}

	if c.Shutdown.TimeoutSec <= 0 {
		c.Shutdown.TimeoutSec = 10 // default
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", types.ErrInvalidConfig, strings.Join(errs, "; "))
	}

	return nil
}

// ToEngineConfig converts to engine.Config. Zero values keep the engine defaults.
func (c *Config) ToEngineConfig() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.StgID = types.StgID(c.Strategy.StgID)
	if c.Engine.QueueSize > 0 {
		cfg.QueueSize = c.Engine.QueueSize
	}
	if c.Engine.TimerTickMs > 0 {
		cfg.TimerTick = time.Duration(c.Engine.TimerTickMs) * time.Millisecond
	}
	if c.Engine.SyncIntervalMs > 0 {
		cfg.SyncInterval = time.Duration(c.Engine.SyncIntervalMs) * time.Millisecond
	}
	if c.Engine.OrderRetentionHours > 0 {
		cfg.OrderRetention = time.Duration(c.Engine.OrderRetentionHours) * time.Hour
	}
	if c.Engine.PnlUpdateIntervalSec > 0 {
		cfg.PnlUpdateInterval = time.Duration(c.Engine.PnlUpdateIntervalSec) * time.Second
	}
	if c.Engine.PnlQuoteCurrency != "" {
		cfg.PnlQuoteCurrency = c.Engine.PnlQuoteCurrency
	}
	if c.Engine.MaxHisMDRecords > 0 {
		cfg.MaxHisMDRecords = c.Engine.MaxHisMDRecords
	}
	cfg.RecordHisMD = c.Engine.RecordHisMD
	return cfg
}

// StgInstInfos returns the configured instances.
func (c *Config) StgInstInfos() []types.StgInstInfo {
	infos := make([]types.StgInstInfo, 0, len(c.Strategy.Instances))
	for _, inst := range c.Strategy.Instances {
		infos = append(infos, types.StgInstInfo{
			StgID:     types.StgID(c.Strategy.StgID),
			StgInstID: types.StgInstID(inst.ID),
			Name:      inst.Name,
			AcctID:    types.AcctID(inst.AcctID),
			UserID:    inst.UserID,
			Params:    inst.Params,
		})
	}
	return infos
}

// SymbolInfos converts the symbol list. Call after Validate.
func (c *Config) SymbolInfos() []types.SymbolInfo {
	infos := make([]types.SymbolInfo, 0, len(c.Symbols))
	for _, s := range c.Symbols {
		market, _ := types.ParseMarketCode(s.Market)
		symType, _ := types.ParseSymbolType(s.SymbolType)
		infos = append(infos, types.SymbolInfo{
			MarketCode:    market,
			SymbolType:    symType,
			SymbolCode:    s.Symbol,
			BaseCurrency:  s.BaseCurrency,
			QuoteCurrency: s.QuoteCurrency,
			ParValue:      decimal.NewFromFloat(s.ParValue),
			TickSize:      decimal.NewFromFloat(s.TickSize),
			LotSize:       decimal.NewFromFloat(s.LotSize),
		})
	}
	return infos
}

// ToRiskConfig converts to risk.Config. Zero values keep the risk defaults.
func (c *Config) ToRiskConfig() risk.Config {
	cfg := risk.DefaultConfig()
	if c.Risk.OrdersPerSec > 0 {
		cfg.OrdersPerSec = c.Risk.OrdersPerSec
	}
	if c.Risk.OrderBurst > 0 {
		cfg.OrderBurst = c.Risk.OrderBurst
	}
	if c.Risk.CancelsPerSec > 0 {
		cfg.CancelsPerSec = c.Risk.CancelsPerSec
	}
	if c.Risk.CancelBurst > 0 {
		cfg.CancelBurst = c.Risk.CancelBurst
	}
	if c.Risk.MaxConsecutiveRejects > 0 {
		cfg.MaxConsecutiveRejects = c.Risk.MaxConsecutiveRejects
	}
	cfg.MaxOrderNotional = decimal.NewFromFloat(c.Risk.MaxOrderNotional)
	return cfg
}

// ToPaperConfig converts to paper.Config. Zero delays keep the defaults.
func (c *Config) ToPaperConfig() paper.Config {
	cfg := paper.DefaultConfig()
	if c.Venue.AckDelayMs > 0 {
		cfg.AckDelay = time.Duration(c.Venue.AckDelayMs) * time.Millisecond
	}
	if c.Venue.FillDelayMs > 0 {
		cfg.FillDelay = time.Duration(c.Venue.FillDelayMs) * time.Millisecond
	}
	if c.Venue.FillSteps > 0 {
		cfg.FillSteps = c.Venue.FillSteps
	}
	if c.Venue.FeeRate > 0 {
		cfg.FeeRate = decimal.NewFromFloat(c.Venue.FeeRate)
	}
	cfg.FeeCurrency = c.Venue.FeeCurrency
	cfg.RejectSymbols = c.Venue.RejectSymbols
	cfg.SubmitsPerSec = c.Venue.SubmitsPerSec
	return cfg
}

// KafkaFeeds converts the kafka feed list.
func (c *Config) KafkaFeeds() []feed.KafkaConfig {
	out := make([]feed.KafkaConfig, 0, len(c.Feeds.Kafka))
	for _, k := range c.Feeds.Kafka {
		out = append(out, feed.KafkaConfig{
			Name:           k.Name,
			Brokers:        k.Brokers,
			Topic:          k.Topic,
			GroupID:        k.GroupID,
			SessionTimeout: time.Duration(k.SessionTimeoutSec) * time.Second,
			StartAtLatest:  k.StartAtLatest,
		})
	}
	return out
}

// WebsocketFeeds converts the websocket feed list.
func (c *Config) WebsocketFeeds() []feed.WebsocketConfig {
	out := make([]feed.WebsocketConfig, 0, len(c.Feeds.Websocket))
	for _, w := range c.Feeds.Websocket {
		out = append(out, feed.WebsocketConfig{
			Name:         w.Name,
			URL:          w.URL,
			Headers:      w.Headers,
			Subscribe:    w.Subscribe,
			PingInterval: time.Duration(w.PingIntervalSec) * time.Second,
			ReconnectMax: time.Duration(w.ReconnectMaxSec) * time.Second,
		})
	}
	return out
}

// ReplayFeeds converts the replay feed list.
func (c *Config) ReplayFeeds() []feed.ReplayConfig {
	out := make([]feed.ReplayConfig, 0, len(c.Feeds.Replay))
	for _, r := range c.Feeds.Replay {
		out = append(out, feed.ReplayConfig{Name: r.Name, Path: r.Path, Speed: r.Speed})
	}
	return out
}

// ToMetricsConfig converts to metrics.ServerConfig.
func (c *Config) ToMetricsConfig() metrics.ServerConfig {
	cfg := metrics.DefaultServerConfig()
	if c.Metrics.Port > 0 {
		cfg.Addr = fmt.Sprintf(":%d", c.Metrics.Port)
	}
	if c.Metrics.Path != "" {
		cfg.MetricsPath = c.Metrics.Path
	}
	return cfg
}

// TelegramConfig returns the settings of a telegram channel.
func (c *Config) TelegramConfig(ch ChannelConfig) alerting.TelegramConfig {
	return alerting.TelegramConfig{
		BotToken:   ch.BotToken,
		ChatID:     ch.ChatID,
		Timeout:    10 * time.Second,
		EngineName: c.App.Name,
	}
}

// ShutdownTimeout returns the shutdown timeout duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Shutdown.TimeoutSec) * time.Second
}

// AlertThrottle returns the per-message alert refill interval, 0 when throttling is off.
func (c *Config) AlertThrottle() time.Duration {
	return time.Duration(c.Alerting.ThrottleSec) * time.Second
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
