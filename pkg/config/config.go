package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the engine process.
type Config struct {
	Port string

	// Storage
	WorkingDir    string
	TradingDBPath string
	MarketDBPath  string
	Storage       string // "sqlite" (default) or "memory"
	SettingsPath  string

	// Logging
	LogLevel       string
	LogDevelopment bool

	// Auth
	JWTSecret string

	// Broker
	ConnectorRPS   float64
	ConnectorBurst int

	// Paper broker
	PaperInitialBalance float64
	PaperMarginRate     float64
	PaperInstruments    []string

	// Lifecycle
	ReconcileInterval time.Duration
	CloseOnShutdown   bool
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	workingDir := getEnv("WORKING_DIR", "./data")

	return &Config{
		Port:                getEnv("PORT", "8080"),
		WorkingDir:          workingDir,
		TradingDBPath:       getEnv("TRADING_DB_PATH", filepath.Join(workingDir, "trading.db")),
		MarketDBPath:        getEnv("MARKET_DB_PATH", filepath.Join(workingDir, "instruments_data.db")),
		Storage:             strings.ToLower(getEnv("STORAGE", "sqlite")),
		SettingsPath:        getEnv("SETTINGS_PATH", "./app_settings.yaml"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		LogDevelopment:      getEnv("LOG_DEVELOPMENT", "false") == "true",
		JWTSecret:           os.Getenv("JWT_SECRET"),
		ConnectorRPS:        getEnvFloat("CONNECTOR_RPS", 50),
		ConnectorBurst:      getEnvInt("CONNECTOR_BURST", 10),
		PaperInitialBalance: getEnvFloat("PAPER_INITIAL_BALANCE", 10000),
		PaperMarginRate:     getEnvFloat("PAPER_MARGIN_RATE", 0.02),
		PaperInstruments:    splitAndTrim(getEnv("PAPER_INSTRUMENTS", "EUR_USD,GBP_USD,USD_JPY")),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", time.Minute),
		CloseOnShutdown:     getEnv("CLOSE_ON_SHUTDOWN", "true") == "true",
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
