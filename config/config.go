package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"signalpilot/internal/domain"
)

// Config holds all application configuration.
type Config struct {
	// Binance API
	APIKey    string
	SecretKey string
	IsTestnet bool

	// HTTP
	ListenAddr    string
	WebhookTokens map[string]string // token -> user id

	// Default account applied to users without a stored configuration.
	DefaultAccountMode domain.AccountMode
	DefaultMarket      domain.Market
	DefaultTradeAmount decimal.Decimal
	DefaultLeverage    int
	CorrelationEnabled bool

	// Risk limits applied to users without a stored risk state.
	RiskLimits     domain.RiskLimits
	BaselineEquity float64

	// Database
	DBPath string

	// Logging
	LogLevel string
	LogDev   bool

	// Exchange connection
	ExchangeTimeout   time.Duration
	RequestsPerSecond float64
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string

	// Binance API
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety

	// HTTP
	cfg.ListenAddr = getEnv("LISTEN_ADDR", ":8080")
	cfg.WebhookTokens, err = parseTokenMap(getEnv("WEBHOOK_TOKENS", ""))
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid WEBHOOK_TOKENS: %v", err))
	}
	if len(cfg.WebhookTokens) == 0 {
		errs = append(errs, "WEBHOOK_TOKENS must contain at least one token:user pair")
	}

	// Default account
	mode := strings.ToLower(getEnv("DEFAULT_ACCOUNT_MODE", string(domain.ModeDemo)))
	switch domain.AccountMode(mode) {
	case domain.ModeDemo, domain.ModeReal:
		cfg.DefaultAccountMode = domain.AccountMode(mode)
	default:
		errs = append(errs, fmt.Sprintf("invalid DEFAULT_ACCOUNT_MODE %q (demo or real)", mode))
	}

	market := strings.ToLower(getEnv("DEFAULT_MARKET", string(domain.MarketDerivatives)))
	switch domain.Market(market) {
	case domain.MarketSpot, domain.MarketDerivatives:
		cfg.DefaultMarket = domain.Market(market)
	default:
		errs = append(errs, fmt.Sprintf("invalid DEFAULT_MARKET %q (spot or derivatives)", market))
	}

	tradeAmountStr := getEnv("DEFAULT_TRADE_AMOUNT", "100")
	cfg.DefaultTradeAmount, err = decimal.NewFromString(tradeAmountStr)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid DEFAULT_TRADE_AMOUNT %q: %v", tradeAmountStr, err))
	} else if !cfg.DefaultTradeAmount.IsPositive() {
		errs = append(errs, "DEFAULT_TRADE_AMOUNT must be positive")
	}

	cfg.DefaultLeverage, err = getEnvAsIntRequired("DEFAULT_LEVERAGE", 10)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid DEFAULT_LEVERAGE: %v", err))
	} else if cfg.DefaultLeverage <= 0 {
		errs = append(errs, "DEFAULT_LEVERAGE must be positive")
	}

	cfg.CorrelationEnabled = getEnvAsBool("CORRELATION_ENABLED", true)

	// API keys are only mandatory when real trading is configured; demo mode
	// works on public endpoints alone.
	if cfg.DefaultAccountMode == domain.ModeReal {
		if cfg.APIKey == "" {
			errs = append(errs, "BINANCE_API_KEY must be set for real account mode")
		}
		if cfg.SecretKey == "" {
			errs = append(errs, "BINANCE_API_SECRET must be set for real account mode")
		}
	}

	// Risk limits (0 disables an individual cap)
	cfg.RiskLimits.MaxDailyLoss, err = getEnvAsFloatRequired("MAX_DAILY_LOSS", 500)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_DAILY_LOSS: %v", err))
	}
	cfg.RiskLimits.MaxWeeklyLoss, err = getEnvAsFloatRequired("MAX_WEEKLY_LOSS", 2000)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_WEEKLY_LOSS: %v", err))
	}
	cfg.RiskLimits.MaxTotalLoss, err = getEnvAsFloatRequired("MAX_TOTAL_LOSS", 5000)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_TOTAL_LOSS: %v", err))
	}
	cfg.RiskLimits.MaxLossPercent, err = getEnvAsFloatRequired("MAX_LOSS_PERCENT", 0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_LOSS_PERCENT: %v", err))
	} else if cfg.RiskLimits.MaxLossPercent < 0 || cfg.RiskLimits.MaxLossPercent > 100 {
		errs = append(errs, "MAX_LOSS_PERCENT must be between 0 and 100")
	}
	cfg.BaselineEquity, err = getEnvAsFloatRequired("BASELINE_EQUITY", 0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid BASELINE_EQUITY: %v", err))
	}
	if cfg.RiskLimits.MaxLossPercent > 0 && cfg.BaselineEquity <= 0 {
		errs = append(errs, "BASELINE_EQUITY must be positive when MAX_LOSS_PERCENT is set")
	}
	if cfg.RiskLimits.MaxDailyLoss < 0 || cfg.RiskLimits.MaxWeeklyLoss < 0 || cfg.RiskLimits.MaxTotalLoss < 0 {
		errs = append(errs, "loss limits cannot be negative")
	}

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/signalpilot.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Logging
	cfg.LogLevel = getEnv("LOG_LEVEL", "info")
	cfg.LogDev = getEnvAsBool("LOG_DEV", false)

	// Exchange connection
	timeoutSeconds := getEnvAsInt("EXCHANGE_TIMEOUT_SECONDS", 10)
	if timeoutSeconds <= 0 {
		errs = append(errs, "EXCHANGE_TIMEOUT_SECONDS must be positive")
	}
	cfg.ExchangeTimeout = time.Duration(timeoutSeconds) * time.Second

	cfg.RequestsPerSecond = getEnvAsFloat("API_REQUESTS_PER_SECOND", 10)
	if cfg.RequestsPerSecond <= 0 {
		errs = append(errs, "API_REQUESTS_PER_SECOND must be positive")
	}

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// DefaultAccount builds the account context applied to a user who has no
// stored configuration yet.
func (c *Config) DefaultAccount(userID string) *domain.AccountContext {
	return &domain.AccountContext{
		UserID:             userID,
		AccountMode:        c.DefaultAccountMode,
		Market:             c.DefaultMarket,
		TradeAmount:        c.DefaultTradeAmount,
		Leverage:           c.DefaultLeverage,
		CorrelationEnabled: c.CorrelationEnabled,
		UpdatedAt:          time.Now().UTC(),
	}
}

// parseTokenMap parses "token:user,token2:user2" into a map.
func parseTokenMap(raw string) (map[string]string, error) {
	tokens := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return tokens, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("malformed pair %q, want token:user", pair)
		}
		tokens[parts[0]] = parts[1]
	}
	return tokens, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
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
