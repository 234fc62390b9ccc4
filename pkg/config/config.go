package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the trading pipeline.
type Config struct {
	// Database
	DBPath string

	// KIS brokerage
	KISEnv            string // "paper" or "prod"
	KISAppKey         string
	KISAppSecret      string
	KISAccountNo      string
	KISAccountProduct string
	KISCustType       string
	KISTokenCachePath string
	KISCallInterval   time.Duration
	KISMaxRetries     int

	// Refill
	RefillLockPath string

	// Strategy tunables file
	StrategyPath string

	// Execution
	DryRun bool
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		DBPath:            getEnv("DB_PATH", "./data/autotrader.db"),
		KISEnv:            getEnv("KIS_ENV", "paper"),
		KISAppKey:         os.Getenv("KIS_APP_KEY"),
		KISAppSecret:      os.Getenv("KIS_APP_SECRET"),
		KISAccountNo:      os.Getenv("KIS_ACCOUNT_NO"),
		KISAccountProduct: getEnv("KIS_ACCOUNT_PRODUCT", "01"),
		KISCustType:       getEnv("KIS_CUST_TYPE", "P"),
		KISTokenCachePath: getEnv("KIS_TOKEN_CACHE_PATH", ".cache/kis_token.json"),
		KISCallInterval:   time.Duration(getEnvInt("KIS_CALL_INTERVAL_MS", 500)) * time.Millisecond,
		KISMaxRetries:     getEnvInt("KIS_MAX_RETRIES", 8),
		RefillLockPath:    getEnv("REFILL_LOCK_PATH", ".cache/refill.lock"),
		StrategyPath:      getEnv("STRATEGY_CONFIG", "./strategy.yaml"),
		DryRun:            getEnv("DRY_RUN", "false") == "true",
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
