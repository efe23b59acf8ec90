// Package config loads the process configuration from the environment once,
// at startup, into an explicit record passed by reference. No other package
// reads os.Getenv directly.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// TradingMode selects whether the trade loop simulates fills, sends live
// orders, or runs the startup self-test only.
type TradingMode string

const (
	ModePaper TradingMode = "PAPER"
	ModeLive  TradingMode = "LIVE"
	ModeTest  TradingMode = "TEST"
)

// Config holds every tunable the core reads at startup.
type Config struct {
	// Filesystem layout
	StateDir   string
	RuntimeDir string
	LogDir     string
	RunDir     string

	TradingMode TradingMode

	// Provider credentials, keyed by provider name (e.g. "finnhub", "twelvedata").
	ProviderAPIKeys map[string]string

	// Broker
	BrokerProvider string

	// Risk
	RiskMaxDailyLossFraction float64
	RiskMaxDailyTrades       int
	RiskDrawdownCeiling      float64
	CooldownCrypto           time.Duration
	CooldownEquity           time.Duration

	// Circuit breakers
	TradeBreakerFailureThreshold int
	TradeBreakerRecoveryTimeout  time.Duration
	QuoteBreakerFailureThreshold int
	QuoteBreakerRecoveryTimeout  time.Duration

	// Quote service
	QuoteProviderPriority []string
	QuoteFanOutLimit      int
	QuoteProviderTimeout  time.Duration

	// Trade loop
	TickInterval             time.Duration
	Universe                 []string
	StartingCash             float64
	MinTradeFractionCrypto   float64
	MinTradeFractionEquity   float64
	BuyThresholdCrypto       float64
	BuyThresholdEquity       float64
	DustThreshold            float64
	SelfTestEnabled          bool
	SelfTestQtyFraction      float64
	ForcedBuyOverrideEnabled bool
	RSIOverboughtThreshold   float64

	// Supervisor
	AgentRosterPath           string
	SupervisorInitialBackoff  time.Duration
	SupervisorMaxBackoff      time.Duration
	SupervisorStabilityWindow time.Duration
	SupervisorGracePeriod     time.Duration

	// Cloud failover
	FailoverWarnThresholdHours   float64
	FailoverSwitchThresholdHours float64
	FailoverMonthlyCapHours      float64
	FailoverBucket               string
	FailoverRegion               string

	// Observability
	HTTPPort   int
	RenderMode bool
	LogLevel   string

	// Wire format of the first-priority quote provider; the rest are fixed
	// vendor endpoints.
	PrimaryQuoteURLFormat string
}

// Load reads configuration from environment variables, optionally seeded by
// a .env file in the working directory.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		StateDir:   getEnv("STATE_DIR", "state"),
		RuntimeDir: getEnv("RUNTIME_DIR", "runtime"),
		LogDir:     getEnv("LOG_DIR", "logs"),
		RunDir:     getEnv("RUN_DIR", "run"),

		TradingMode: TradingMode(getEnv("TRADING_MODE", string(ModePaper))),

		ProviderAPIKeys: map[string]string{
			"primary":      getEnv("PRIMARY_API_KEY", ""),
			"finnhub":      getEnv("FINNHUB_API_KEY", ""),
			"twelvedata":   getEnv("TWELVEDATA_API_KEY", ""),
			"alphavantage": getEnv("ALPHAVANTAGE_API_KEY", ""),
		},

		BrokerProvider: getEnv("BROKER_PROVIDER", "paper"),

		RiskMaxDailyLossFraction: getEnvAsFloat("RISK_MAX_DAILY_LOSS_FRACTION", 0.05),
		RiskMaxDailyTrades:       getEnvAsInt("RISK_MAX_DAILY_TRADES", 50),
		RiskDrawdownCeiling:      getEnvAsFloat("RISK_DRAWDOWN_CEILING", 0.20),
		CooldownCrypto:           getEnvAsDuration("RISK_COOLDOWN_CRYPTO_SECONDS", 5*time.Minute),
		CooldownEquity:           getEnvAsDuration("RISK_COOLDOWN_EQUITY_SECONDS", 15*time.Minute),

		TradeBreakerFailureThreshold: getEnvAsInt("BREAKER_TRADE_FAILURE_THRESHOLD", 5),
		TradeBreakerRecoveryTimeout:  getEnvAsDuration("BREAKER_TRADE_RECOVERY_SECONDS", 600*time.Second),
		QuoteBreakerFailureThreshold: getEnvAsInt("BREAKER_QUOTE_FAILURE_THRESHOLD", 10),
		QuoteBreakerRecoveryTimeout:  getEnvAsDuration("BREAKER_QUOTE_RECOVERY_SECONDS", 120*time.Second),

		QuoteProviderPriority: getEnvAsList("QUOTE_PROVIDER_PRIORITY", []string{"primary", "finnhub", "twelvedata", "alphavantage", "yahoo"}),
		QuoteFanOutLimit:      getEnvAsInt("QUOTE_FANOUT_LIMIT", 3),
		QuoteProviderTimeout:  getEnvAsDuration("QUOTE_PROVIDER_TIMEOUT_SECONDS", 8*time.Second),

		TickInterval:             getEnvAsDuration("TICK_INTERVAL_SECONDS", 5*time.Second),
		Universe:                 getEnvAsList("SYMBOL_UNIVERSE", []string{"BTC-USD", "ETH-USD", "SPY"}),
		StartingCash:             getEnvAsFloat("STARTING_CASH", 100000),
		MinTradeFractionCrypto:   getEnvAsFloat("MIN_TRADE_FRACTION_CRYPTO", 0.01),
		MinTradeFractionEquity:   getEnvAsFloat("MIN_TRADE_FRACTION_EQUITY", 0.005),
		BuyThresholdCrypto:       getEnvAsFloat("BUY_THRESHOLD_CRYPTO", 0.98),
		BuyThresholdEquity:       getEnvAsFloat("BUY_THRESHOLD_EQUITY", 0.95),
		DustThreshold:            getEnvAsFloat("DUST_THRESHOLD", 0.0001),
		SelfTestEnabled:          getEnvAsBool("SELF_TEST_ENABLED", true),
		SelfTestQtyFraction:      getEnvAsFloat("SELF_TEST_QTY_FRACTION", 0.001),
		ForcedBuyOverrideEnabled: getEnvAsBool("FORCED_BUY_OVERRIDE_ENABLED", true),
		RSIOverboughtThreshold:   getEnvAsFloat("RSI_OVERBOUGHT_THRESHOLD", 70),

		AgentRosterPath:           getEnv("AGENT_ROSTER_PATH", "config/agents.yaml"),
		SupervisorInitialBackoff:  getEnvAsDuration("SUPERVISOR_INITIAL_BACKOFF_SECONDS", 2*time.Second),
		SupervisorMaxBackoff:      getEnvAsDuration("SUPERVISOR_MAX_BACKOFF_SECONDS", 60*time.Second),
		SupervisorStabilityWindow: getEnvAsDuration("SUPERVISOR_STABILITY_WINDOW_SECONDS", 60*time.Second),
		SupervisorGracePeriod:     getEnvAsDuration("SUPERVISOR_GRACE_PERIOD_SECONDS", 30*time.Second),

		FailoverWarnThresholdHours:   getEnvAsFloat("FAILOVER_WARN_THRESHOLD_HOURS", 500),
		FailoverSwitchThresholdHours: getEnvAsFloat("FAILOVER_SWITCH_THRESHOLD_HOURS", 700),
		FailoverMonthlyCapHours:      getEnvAsFloat("FAILOVER_MONTHLY_CAP_HOURS", 744),
		FailoverBucket:               getEnv("FAILOVER_BUCKET", ""),
		FailoverRegion:               getEnv("FAILOVER_REGION", "auto"),

		HTTPPort:   getEnvAsInt("HTTP_PORT", 8090),
		RenderMode: getEnvAsBool("RENDER_MODE", false),
		LogLevel:   getEnv("LOG_LEVEL", "info"),

		PrimaryQuoteURLFormat: getEnv("PRIMARY_QUOTE_URL_FORMAT", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks structural invariants that must hold before any component
// starts; a failure here is fatal at startup.
func (c *Config) Validate() error {
	switch c.TradingMode {
	case ModePaper, ModeLive, ModeTest:
	default:
		return fmt.Errorf("invalid TRADING_MODE %q", c.TradingMode)
	}
	if len(c.QuoteProviderPriority) == 0 {
		return fmt.Errorf("QUOTE_PROVIDER_PRIORITY must not be empty")
	}
	if c.QuoteFanOutLimit < 1 {
		return fmt.Errorf("QUOTE_FANOUT_LIMIT must be >= 1")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}

func getEnvAsList(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return fallback
}

// The filesystem contract pins these exact filenames relative to
// StateDir/RuntimeDir/RunDir; every reader and writer goes through these
// helpers rather than re-joining paths ad hoc.

func (c *Config) BrokerStatePath() string {
	return filepath.Join(c.StateDir, "broker_state.json")
}

func (c *Config) TradingModePath() string {
	return filepath.Join(c.StateDir, "trading_mode.json")
}

func (c *Config) GuardianPausePath() string {
	return filepath.Join(c.StateDir, "guardian_pause.json")
}

func (c *Config) HaltFilePath() string {
	return filepath.Join(c.StateDir, "halt.json")
}

func (c *Config) AuditDBPath() string {
	return filepath.Join(c.StateDir, "audit.db")
}

func (c *Config) BrainStatePath() string {
	return filepath.Join(c.RuntimeDir, "brain_state.json")
}

func (c *Config) AllocationsOverridePath() string {
	return filepath.Join(c.RuntimeDir, "allocations_override.json")
}

func (c *Config) AllocationsSymbolsPath() string {
	return filepath.Join(c.RuntimeDir, "allocations_symbols.json")
}

func (c *Config) UsageLedgerPath() string {
	return filepath.Join(c.StateDir, "usage_ledger.json")
}
