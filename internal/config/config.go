package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// ConfigurationError is fatal: the process must not start with a broken or
// unsafe configuration.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// RiskLimits holds the firm-wide deterministic rule thresholds.
type RiskLimits struct {
	FirmDailyStopPct           float64 // drawdown fraction that halts new risk
	FirmMaxTotalNotionalMult   float64 // max firm notional = capital * mult
	FirmMaxLeveragePerPosition float64
	AgentMaxRiskPctPerTrade    float64
	VolSpikeSizeReductionMult  float64
}

// Config holds application configuration
type Config struct {
	DatabasePath string
	LogLevel     string
	LogPretty    bool

	WorkerID string

	Symbols         []string
	AgentIDs        []string
	ManagerID       string
	AgentBudgetUSDT float64
	FirmCapitalUSDT float64
	Limits          RiskLimits

	ExchangeBaseURL      string
	ExchangeAPIKey       string
	ExchangeAPISecret    string
	ExchangeTestnet      bool
	ExchangeAllowMainnet bool
	ExchangeRecvWindow   int

	AdvisorServiceURL    string
	MarketDataServiceURL string
	AdvisorTimeout       time.Duration

	CadenceMinutes int
	LockTTL        time.Duration
	ExecuteEnabled bool
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		DatabasePath: getEnv("DATABASE_PATH", "./data/desk.db"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		LogPretty:    getEnvAsBool("LOG_PRETTY", true),

		WorkerID: getEnv("WORKER_ID", "worker_"+uuid.NewString()[:8]),

		Symbols:         splitCSV(getEnv("TRADING_SYMBOLS", "BTCUSDT,ETHUSDT")),
		AgentIDs:        splitCSV(getEnv("AGENT_IDS", "tech_trader_1,tech_trader_2,macro_trader_1,structure_trader_1")),
		ManagerID:       getEnv("MANAGER_ID", "manager"),
		AgentBudgetUSDT: getEnvAsFloat("AGENT_BUDGET_USDT", 1000),
		FirmCapitalUSDT: getEnvAsFloat("FIRM_CAPITAL_USDT", 4000),
		Limits: RiskLimits{
			FirmDailyStopPct:           getEnvAsFloat("FIRM_DAILY_STOP_PCT", 0.05),
			FirmMaxTotalNotionalMult:   getEnvAsFloat("FIRM_MAX_TOTAL_NOTIONAL_MULT", 1.5),
			FirmMaxLeveragePerPosition: getEnvAsFloat("FIRM_MAX_LEVERAGE_PER_POSITION", 3),
			AgentMaxRiskPctPerTrade:    getEnvAsFloat("AGENT_MAX_RISK_PCT_PER_TRADE", 0.01),
			VolSpikeSizeReductionMult:  getEnvAsFloat("VOL_SPIKE_SIZE_REDUCTION_MULT", 0.5),
		},

		ExchangeBaseURL:      getEnv("EXCHANGE_BASE_URL", "https://testnet.binancefuture.com"),
		ExchangeAPIKey:       getEnv("EXCHANGE_API_KEY", ""),
		ExchangeAPISecret:    getEnv("EXCHANGE_API_SECRET", ""),
		ExchangeTestnet:      getEnvAsBool("EXCHANGE_TESTNET", true),
		ExchangeAllowMainnet: getEnvAsBool("EXCHANGE_ALLOW_MAINNET", false),
		ExchangeRecvWindow:   getEnvAsInt("EXCHANGE_RECV_WINDOW", 5000),

		AdvisorServiceURL:    getEnv("ADVISOR_SERVICE_URL", "http://localhost:9100"),
		MarketDataServiceURL: getEnv("MARKET_DATA_SERVICE_URL", "http://localhost:9101"),
		AdvisorTimeout:       time.Duration(getEnvAsInt("ADVISOR_TIMEOUT_SECONDS", 180)) * time.Second,

		CadenceMinutes: getEnvAsInt("CYCLE_CADENCE_MINUTES", 6),
		LockTTL:        time.Duration(getEnvAsInt("CYCLE_LOCK_TTL_SECONDS", 600)) * time.Second,
		ExecuteEnabled: getEnvAsBool("EXECUTE_ENABLED", true),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present and safe
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return &ConfigurationError{Reason: "DATABASE_PATH is required"}
	}
	if len(c.Symbols) == 0 {
		return &ConfigurationError{Reason: "TRADING_SYMBOLS is required"}
	}
	if len(c.AgentIDs) == 0 {
		return &ConfigurationError{Reason: "AGENT_IDS is required"}
	}

	// Safety belt: never point the execution engine at a live venue without
	// an explicit opt-in.
	if !c.ExchangeTestnet && !c.ExchangeAllowMainnet {
		return &ConfigurationError{
			Reason: "refusing to run against a live venue: set EXCHANGE_TESTNET=true, " +
				"or set EXCHANGE_ALLOW_MAINNET=true to explicitly allow mainnet (not recommended)",
		}
	}

	if c.AgentBudgetUSDT <= 0 {
		return &ConfigurationError{Reason: fmt.Sprintf("AGENT_BUDGET_USDT must be > 0, got %v", c.AgentBudgetUSDT)}
	}
	if c.FirmCapitalUSDT <= 0 {
		return &ConfigurationError{Reason: fmt.Sprintf("FIRM_CAPITAL_USDT must be > 0, got %v", c.FirmCapitalUSDT)}
	}

	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
