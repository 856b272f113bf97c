// Package config loads the static configuration (JSON file plus environment
// overrides) and hosts the typed hot-reload registry for the tunables that
// may change at runtime.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config full static configuration. Loaded once at startup; runtime changes
// go through the Registry, never by mutating this struct from outside.
type Config struct {
	// Service
	APIServerPort int    `json:"api_server_port"`
	JWTSecret     string `json:"-"`
	APIPassword   string `json:"-"`
	DBPath        string `json:"db_path"`

	// Mode and gateway
	SimMode       bool   `json:"sim_mode"`
	Account       string `json:"account"`
	FeedURL       string `json:"feed_url"`
	BinanceAPIKey string `json:"-"`
	BinanceSecret string `json:"-"`

	// Loop cadences
	MonitorInterval    time.Duration `json:"monitor_interval"`
	OffHoursInterval   time.Duration `json:"off_hours_interval"`
	ExecutorInterval   time.Duration `json:"executor_interval"`
	FlushInterval      time.Duration `json:"durable_flush_interval"`
	GatewayTimeout     time.Duration `json:"gateway_timeout"`
	SupervisorInterval time.Duration `json:"supervisor_interval"`
	RestartCooldown    time.Duration `json:"restart_cooldown"`
	ShutdownTimeout    time.Duration `json:"shutdown_timeout"`

	// Signal queue
	SignalStaleAfter time.Duration `json:"signal_stale_after"`
	SignalCooldown   time.Duration `json:"signal_cooldown"`

	// Grid
	GridLevelCooldown time.Duration `json:"grid_level_cooldown"`
	MinLot            float64       `json:"min_lot"`

	// Detection thresholds
	StopLossRatio       float64 `json:"stop_loss_ratio"`
	InitTakeProfitRatio float64 `json:"init_take_profit_ratio"`
	InitSellRatio       float64 `json:"init_sell_ratio"`
	DrawdownRatio       float64 `json:"drawdown_ratio"`
	BreakoutRatio       float64 `json:"breakout_ratio"`
	BreakoutDrawdown    float64 `json:"breakout_drawdown"`

	// Trading hours, local time. Equal values mean the market never
	// closes and the monitor always runs at full cadence.
	MarketOpenHour  int `json:"market_open_hour"`
	MarketCloseHour int `json:"market_close_hour"`

	// Trading switch at startup
	TradingEnabled bool `json:"trading_enabled"`
}

// Default returns the built-in defaults
func Default() *Config {
	return &Config{
		APIServerPort: 8080,
		DBPath:        "gridpilot.db",
		SimMode:       true,

		MonitorInterval:    3 * time.Second,
		OffHoursInterval:   30 * time.Second,
		ExecutorInterval:   time.Second,
		FlushInterval:      5 * time.Second,
		GatewayTimeout:     3 * time.Second,
		SupervisorInterval: 10 * time.Second,
		RestartCooldown:    60 * time.Second,
		ShutdownTimeout:    10 * time.Second,

		SignalStaleAfter: 60 * time.Second,
		SignalCooldown:   300 * time.Second,

		GridLevelCooldown: 60 * time.Second,
		MinLot:            100,

		StopLossRatio:       -0.07,
		InitTakeProfitRatio: 0.05,
		InitSellRatio:       0.5,
		DrawdownRatio:       0.03,
		BreakoutRatio:       0.10,
		BreakoutDrawdown:    0.05,
	}
}

// Load reads the JSON file (missing file means defaults) and applies
// environment overrides on top
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// defaults only
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	cfg.applyEnv()

	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "default-jwt-secret-change-in-production"
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.JWTSecret = strings.TrimSpace(v)
	}
	if v := os.Getenv("API_PASSWORD"); v != "" {
		c.APIPassword = strings.TrimSpace(v)
	}
	if v := os.Getenv("API_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.APIServerPort = port
		}
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("SIM_MODE"); v != "" {
		c.SimMode = strings.ToLower(v) == "true"
	}
	if v := os.Getenv("ACCOUNT"); v != "" {
		c.Account = v
	}
	if v := os.Getenv("FEED_URL"); v != "" {
		c.FeedURL = v
	}
	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		c.BinanceAPIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("BINANCE_SECRET_KEY"); v != "" {
		c.BinanceSecret = strings.TrimSpace(v)
	}
	if v := os.Getenv("TRADING_ENABLED"); v != "" {
		c.TradingEnabled = strings.ToLower(v) == "true"
	}
}
