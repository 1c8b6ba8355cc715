package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"perpRiskBot/internal/adapters/logger" // Import the logger package for LogLevel
	"perpRiskBot/internal/risk"
)

// Config holds all application configuration.
type Config struct {
	// Binance API
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Risk Parameters
	PollInterval time.Duration   // Wake-up interval of the risk loop
	BaseStopPct  decimal.Decimal // Fixed stop-loss distance, percent (e.g. 0.5 for 0.5%)
	Ladder       risk.Ladder     // Profit-lock ladder

	// Monitored bot groups, by permitted direction
	LongBots  []string
	ShortBots []string

	// Database
	DBPath string

	// Logging
	LogLevel  logger.LogLevel // Use the LogLevel type from the logger adapter
	LogFormat string          // "std", "json" or "console" (zap)

	// Metrics
	MetricsAddr string // Listen address for /metrics; empty disables the listener
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Binance API
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety

	// Basic API Key validation (can be enhanced)
	if cfg.APIKey == "" {
		errs = append(errs, "BINANCE_API_KEY must be set")
	}
	if cfg.SecretKey == "" {
		errs = append(errs, "BINANCE_API_SECRET must be set")
	}

	// Risk Parameters
	pollSeconds, err := getEnvAsIntRequired("POLL_INTERVAL_SECONDS", 15)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid POLL_INTERVAL_SECONDS: %v", err))
	} else if pollSeconds <= 0 {
		errs = append(errs, "POLL_INTERVAL_SECONDS must be positive")
	}
	cfg.PollInterval = time.Duration(pollSeconds) * time.Second

	cfg.BaseStopPct, err = getEnvAsDecimal("BASE_STOP_PCT", "0.5")
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid BASE_STOP_PCT: %v", err))
	} else if cfg.BaseStopPct.Sign() <= 0 {
		errs = append(errs, "BASE_STOP_PCT must be positive")
	}

	cfg.Ladder, err = loadLadder()
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid ladder configuration: %v", err))
	}

	// Monitored bot groups
	cfg.LongBots = getEnvAsStringSlice("LONG_BOTS")
	cfg.ShortBots = getEnvAsStringSlice("SHORT_BOTS")
	if len(cfg.LongBots) == 0 && len(cfg.ShortBots) == 0 {
		errs = append(errs, "at least one of LONG_BOTS or SHORT_BOTS must be set")
	}

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/risk_ledger.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Logging
	logLevelStr := getEnv("LOG_LEVEL", "INFO")
	cfg.LogLevel = logger.ParseLevel(logLevelStr) // Use the parser from the logger package
	cfg.LogFormat = strings.ToLower(getEnv("LOG_FORMAT", "std"))
	switch cfg.LogFormat {
	case "std", "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("invalid LOG_FORMAT %q (want std, json or console)", cfg.LogFormat))
	}

	// Metrics
	cfg.MetricsAddr = getEnv("METRICS_ADDR", "")

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// loadLadder builds the profit-lock ladder from LADDER_STEPS,
// LADDER_STEP_SIZE and LADDER_STEP_INCREMENT. LADDER_STEPS is a
// comma-separated list of trigger:lock percent pairs, e.g.
// "0.15:0.10,0.45:0.20,0.55:0.30,0.65:0.40". Unset variables fall back to
// the stock ladder.
func loadLadder() (risk.Ladder, error) {
	ladder := risk.DefaultLadder()

	if stepsStr := os.Getenv("LADDER_STEPS"); stepsStr != "" {
		var steps []risk.LadderStep
		for _, pair := range strings.Split(stepsStr, ",") {
			parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
			if len(parts) != 2 {
				return risk.Ladder{}, fmt.Errorf("malformed ladder step %q (want trigger:lock)", pair)
			}
			trigger, err := decimal.NewFromString(strings.TrimSpace(parts[0]))
			if err != nil {
				return risk.Ladder{}, fmt.Errorf("invalid ladder trigger %q: %w", parts[0], err)
			}
			lock, err := decimal.NewFromString(strings.TrimSpace(parts[1]))
			if err != nil {
				return risk.Ladder{}, fmt.Errorf("invalid ladder lock %q: %w", parts[1], err)
			}
			steps = append(steps, risk.LadderStep{Trigger: trigger, Lock: lock})
		}
		ladder.Steps = steps
	}

	var err error
	if ladder.StepSize, err = getEnvAsDecimal("LADDER_STEP_SIZE", ladder.StepSize.String()); err != nil {
		return risk.Ladder{}, fmt.Errorf("invalid LADDER_STEP_SIZE: %w", err)
	}
	if ladder.StepIncrement, err = getEnvAsDecimal("LADDER_STEP_INCREMENT", ladder.StepIncrement.String()); err != nil {
		return risk.Ladder{}, fmt.Errorf("invalid LADDER_STEP_INCREMENT: %w", err)
	}

	if err := ladder.Validate(); err != nil {
		return risk.Ladder{}, err
	}
	return ladder, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		// Use default if env var is not set at all
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Return error if env var is set but invalid
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsDecimal(key string, defaultValue string) (decimal.Decimal, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	value, err := decimal.NewFromString(valueStr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsStringSlice splits a comma-separated env var, dropping empty entries.
func getEnvAsStringSlice(key string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return nil
	}
	var values []string
	for _, v := range strings.Split(valueStr, ",") {
		if v = strings.TrimSpace(v); v != "" {
			values = append(values, v)
		}
	}
	return values
}
