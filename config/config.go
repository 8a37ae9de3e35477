package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	TradingConfig        TradingConfig        `json:"trading"`
	StrategyConfig       StrategyConfig       `json:"strategy"`
	RiskConfig           RiskConfig           `json:"risk"`
	CircuitBreakerConfig CircuitBreakerConfig `json:"circuit_breaker"`
	BrokerConfig         BrokerConfig         `json:"broker"`
	NotificationConfig   NotificationConfig   `json:"notification"`
	LoggingConfig        LoggingConfig        `json:"logging"`
	ServerConfig         ServerConfig         `json:"server"`
	DatabaseConfig       DatabaseConfig       `json:"database"`
	RedisConfig          RedisConfig          `json:"redis"`
	VaultConfig          VaultConfig          `json:"vault"`
	Instruments          []InstrumentConfig   `json:"instruments"`
}

// TradingConfig holds session-level trading configuration
type TradingConfig struct {
	Symbols          []string `json:"symbols"`
	TimeframeMinutes int      `json:"timeframe_minutes"` // candle aggregation timeframe
	Equity           float64  `json:"equity"`            // account equity for sizing
	Timezone         string   `json:"timezone"`          // exchange timezone, e.g. America/New_York
	SessionOpen      string   `json:"session_open"`      // HH:MM in exchange time
	SessionClose     string   `json:"session_close"`     // HH:MM in exchange time
	FlattenAtClose   bool     `json:"flatten_at_close"`  // flatten everything at session close
}

// StrategyConfig holds the break/retest tunables shared by all setups
type StrategyConfig struct {
	BreakTolerance   float64           `json:"break_tolerance"`   // absolute price distance for a valid break
	RetestTolerance  float64           `json:"retest_tolerance"`  // absolute price distance for a valid retest
	ConfirmationRule string            `json:"confirmation_rule"` // "close_through" or "reversal_pattern"
	StopType         string            `json:"stop_type"`         // "level" or "candle"
	StopBuffer       float64           `json:"stop_buffer"`       // absolute distance past the stop reference
	DefaultRR        float64           `json:"default_rr"`        // target multiple when no opposing level exists
	ORB              ORBConfig         `json:"orb"`
	PDHPDL           PDHPDLConfig      `json:"pdh_pdl"`
	OrderBlock       OrderBlockConfig  `json:"order_block"`
	TrendFilter      TrendFilterConfig `json:"trend_filter"`
}

type ORBConfig struct {
	Enabled      bool `json:"enabled"`
	RangeMinutes int  `json:"range_minutes"` // opening range duration
}

type PDHPDLConfig struct {
	Enabled bool `json:"enabled"`
}

type OrderBlockConfig struct {
	Enabled       bool    `json:"enabled"`
	MoveThreshold float64 `json:"move_threshold"` // fractional impulse move to qualify a zone
	Lookback      int     `json:"lookback"`       // candles scanned for zones
}

// TrendFilterConfig gates signals against a moving average of recent
// closes; counter-trend setups are retired unfilled.
type TrendFilterConfig struct {
	Enabled  bool `json:"enabled"`
	MAPeriod int  `json:"ma_period"` // candles in the moving average
}

type RiskConfig struct {
	RiskPerTrade    float64 `json:"risk_per_trade"`     // fraction of equity risked per trade
	MaxDailyLoss    float64 `json:"max_daily_loss"`     // fraction of equity; halts entries
	MaxTradesPerDay int     `json:"max_trades_per_day"` // 0 disables the cap
	PartialExits    bool    `json:"partial_exits"`      // scale out half at one risk multiple
	PartialExitRR   float64 `json:"partial_exit_rr"`
}

type CircuitBreakerConfig struct {
	Enabled        bool `json:"enabled"`
	FaultThreshold int  `json:"fault_threshold"`
	FaultWindowSec int  `json:"fault_window_sec"`
}

type BrokerConfig struct {
	Name            string `json:"name"` // "paper", "schwab" or "tastytrade"
	OrderTimeoutSec int    `json:"order_timeout_sec"`
}

type NotificationConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

type LoggingConfig struct {
	Level      string `json:"level"`       // DEBUG, INFO, WARN, ERROR
	Output     string `json:"output"`      // stdout, stderr, or file path
	JSONFormat bool   `json:"json_format"` // Output as JSON
}

type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"`
	ReadTimeout     int    `json:"read_timeout"`
	WriteTimeout    int    `json:"write_timeout"`
	ShutdownTimeout int    `json:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Name     string `json:"name"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds Redis configuration for risk state persistence
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// InstrumentConfig declares contract details for one symbol, layered
// over the built-in registry at startup.
type InstrumentConfig struct {
	Symbol     string  `json:"symbol"`
	Name       string  `json:"name"`
	Type       string  `json:"type"` // EQUITY, FUTURES or ETF
	Multiplier float64 `json:"multiplier"`
	TickSize   float64 `json:"tick_size"`
}

// VaultConfig holds HashiCorp Vault configuration for broker credentials
type VaultConfig struct {
	Enabled   bool   `json:"enabled"`
	Address   string `json:"address"`
	Token     string `json:"token"`
	MountPath string `json:"mount_path"`
}

func Load() (*Config, error) {
	// First try to load base config from file
	cfg, err := loadFromFile("config.json")
	if err != nil {
		// If no config file, start with empty config
		cfg = &Config{}
	}

	// Apply environment variable overrides (these take precedence)
	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Broker credentials are NOT read from environment; they live in Vault.
func applyEnvOverrides(cfg *Config) {
	// Trading config
	cfg.TradingConfig.Timezone = getEnvOrDefault("TRADING_TIMEZONE", cfg.TradingConfig.Timezone)
	cfg.TradingConfig.Equity = getEnvFloatOrDefault("TRADING_EQUITY", cfg.TradingConfig.Equity)
	cfg.TradingConfig.TimeframeMinutes = getEnvIntOrDefault("TRADING_TIMEFRAME_MINUTES", cfg.TradingConfig.TimeframeMinutes)

	// Risk config
	cfg.RiskConfig.RiskPerTrade = getEnvFloatOrDefault("RISK_PER_TRADE", cfg.RiskConfig.RiskPerTrade)
	cfg.RiskConfig.MaxDailyLoss = getEnvFloatOrDefault("RISK_MAX_DAILY_LOSS", cfg.RiskConfig.MaxDailyLoss)
	cfg.RiskConfig.MaxTradesPerDay = getEnvIntOrDefault("RISK_MAX_TRADES_PER_DAY", cfg.RiskConfig.MaxTradesPerDay)

	// Broker config
	cfg.BrokerConfig.Name = getEnvOrDefault("BROKER_NAME", cfg.BrokerConfig.Name)

	// Notification config
	cfg.NotificationConfig.Enabled = getEnvOrDefault("NOTIFICATIONS_ENABLED", boolString(cfg.NotificationConfig.Enabled)) == "true"
	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID)
	cfg.NotificationConfig.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.NotificationConfig.Discord.WebhookURL)

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)

	// Server config
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.ServerConfig.AllowedOrigins)

	// Database config
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Name = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Name)

	// Redis config
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)

	// Vault config
	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", boolString(cfg.VaultConfig.Enabled)) == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
}

func applyDefaults(cfg *Config) {
	if len(cfg.TradingConfig.Symbols) == 0 {
		cfg.TradingConfig.Symbols = []string{"SPY"}
	}
	if cfg.TradingConfig.TimeframeMinutes == 0 {
		cfg.TradingConfig.TimeframeMinutes = 5
	}
	if cfg.TradingConfig.Timezone == "" {
		cfg.TradingConfig.Timezone = "America/New_York"
	}
	if cfg.TradingConfig.SessionOpen == "" {
		cfg.TradingConfig.SessionOpen = "09:30"
	}
	if cfg.TradingConfig.SessionClose == "" {
		cfg.TradingConfig.SessionClose = "16:00"
	}
	if cfg.StrategyConfig.ConfirmationRule == "" {
		cfg.StrategyConfig.ConfirmationRule = "close_through"
	}
	if cfg.StrategyConfig.StopType == "" {
		cfg.StrategyConfig.StopType = "level"
	}
	if cfg.StrategyConfig.DefaultRR == 0 {
		cfg.StrategyConfig.DefaultRR = 2
	}
	if cfg.StrategyConfig.ORB.RangeMinutes == 0 {
		cfg.StrategyConfig.ORB.RangeMinutes = 15
	}
	if cfg.StrategyConfig.OrderBlock.MoveThreshold == 0 {
		cfg.StrategyConfig.OrderBlock.MoveThreshold = 0.005
	}
	if cfg.StrategyConfig.OrderBlock.Lookback == 0 {
		cfg.StrategyConfig.OrderBlock.Lookback = 30
	}
	if cfg.StrategyConfig.TrendFilter.MAPeriod == 0 {
		cfg.StrategyConfig.TrendFilter.MAPeriod = 20
	}
	if cfg.RiskConfig.RiskPerTrade == 0 {
		cfg.RiskConfig.RiskPerTrade = 0.01
	}
	if cfg.RiskConfig.PartialExitRR == 0 {
		cfg.RiskConfig.PartialExitRR = 1
	}
	if cfg.CircuitBreakerConfig.FaultThreshold == 0 {
		cfg.CircuitBreakerConfig.FaultThreshold = 3
	}
	if cfg.CircuitBreakerConfig.FaultWindowSec == 0 {
		cfg.CircuitBreakerConfig.FaultWindowSec = 300
	}
	if cfg.BrokerConfig.Name == "" {
		cfg.BrokerConfig.Name = "paper"
	}
	if cfg.BrokerConfig.OrderTimeoutSec == 0 {
		cfg.BrokerConfig.OrderTimeoutSec = 5
	}
	if cfg.LoggingConfig.Level == "" {
		cfg.LoggingConfig.Level = "INFO"
	}
	if cfg.LoggingConfig.Output == "" {
		cfg.LoggingConfig.Output = "stdout"
	}
	if cfg.ServerConfig.Port == 0 {
		cfg.ServerConfig.Port = 8080
	}
	if cfg.ServerConfig.Host == "" {
		cfg.ServerConfig.Host = "0.0.0.0"
	}
	if cfg.ServerConfig.AllowedOrigins == "" {
		cfg.ServerConfig.AllowedOrigins = "*"
	}
	if cfg.ServerConfig.ShutdownTimeout == 0 {
		cfg.ServerConfig.ShutdownTimeout = 10
	}
	if cfg.DatabaseConfig.Port == 0 {
		cfg.DatabaseConfig.Port = 5432
	}
	if cfg.DatabaseConfig.SSLMode == "" {
		cfg.DatabaseConfig.SSLMode = "disable"
	}
	if cfg.RedisConfig.Address == "" {
		cfg.RedisConfig.Address = "localhost:6379"
	}
	if cfg.RedisConfig.PoolSize == 0 {
		cfg.RedisConfig.PoolSize = 10
	}
	if cfg.VaultConfig.MountPath == "" {
		cfg.VaultConfig.MountPath = "secret"
	}
}

// ConfigFault reports an invalid configuration value.
type ConfigFault struct {
	Field  string
	Reason string
}

func (f *ConfigFault) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", f.Field, f.Reason)
}

// Validate rejects configurations the engine cannot run with. Called
// at startup and again on every runtime config update.
func (c *Config) Validate() error {
	if c.TradingConfig.TimeframeMinutes <= 0 {
		return &ConfigFault{Field: "trading.timeframe_minutes", Reason: "must be positive"}
	}
	if c.RiskConfig.RiskPerTrade <= 0 || c.RiskConfig.RiskPerTrade >= 1 {
		return &ConfigFault{Field: "risk.risk_per_trade", Reason: "must be in (0, 1)"}
	}
	if c.RiskConfig.MaxDailyLoss < 0 || c.RiskConfig.MaxDailyLoss >= 1 {
		return &ConfigFault{Field: "risk.max_daily_loss", Reason: "must be in [0, 1)"}
	}
	if c.RiskConfig.MaxTradesPerDay < 0 {
		return &ConfigFault{Field: "risk.max_trades_per_day", Reason: "must not be negative"}
	}
	if c.StrategyConfig.BreakTolerance < 0 {
		return &ConfigFault{Field: "strategy.break_tolerance", Reason: "must not be negative"}
	}
	if c.StrategyConfig.RetestTolerance < 0 {
		return &ConfigFault{Field: "strategy.retest_tolerance", Reason: "must not be negative"}
	}
	switch c.StrategyConfig.ConfirmationRule {
	case "close_through", "reversal_pattern":
	default:
		return &ConfigFault{Field: "strategy.confirmation_rule", Reason: "must be close_through or reversal_pattern"}
	}
	switch c.StrategyConfig.StopType {
	case "level", "candle":
	default:
		return &ConfigFault{Field: "strategy.stop_type", Reason: "must be level or candle"}
	}
	if c.StrategyConfig.DefaultRR <= 0 {
		return &ConfigFault{Field: "strategy.default_rr", Reason: "must be positive"}
	}
	if c.StrategyConfig.TrendFilter.Enabled && c.StrategyConfig.TrendFilter.MAPeriod <= 0 {
		return &ConfigFault{Field: "strategy.trend_filter.ma_period", Reason: "must be positive when the filter is enabled"}
	}
	if _, err := time.LoadLocation(c.TradingConfig.Timezone); err != nil {
		return &ConfigFault{Field: "trading.timezone", Reason: "unknown timezone"}
	}
	switch c.BrokerConfig.Name {
	case "paper", "schwab", "tastytrade":
	default:
		return &ConfigFault{Field: "broker.name", Reason: "must be paper, schwab or tastytrade"}
	}
	for _, inst := range c.Instruments {
		if inst.Symbol == "" {
			return &ConfigFault{Field: "instruments.symbol", Reason: "must not be empty"}
		}
		if inst.Multiplier <= 0 {
			return &ConfigFault{Field: "instruments.multiplier", Reason: "must be positive for " + inst.Symbol}
		}
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
