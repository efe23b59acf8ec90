// Command tradeloop runs the trade loop agent as a single long-running
// process, meant to be launched by the supervisor (or, during development,
// directly) per cmd/supervisor's agent roster entry.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/silverbrook-labs/tradecore/internal/audit"
	"github.com/silverbrook-labs/tradecore/internal/breaker"
	"github.com/silverbrook-labs/tradecore/internal/broker"
	"github.com/silverbrook-labs/tradecore/internal/config"
	"github.com/silverbrook-labs/tradecore/internal/domain"
	"github.com/silverbrook-labs/tradecore/internal/events"
	"github.com/silverbrook-labs/tradecore/internal/logging"
	"github.com/silverbrook-labs/tradecore/internal/metrics"
	"github.com/silverbrook-labs/tradecore/internal/quote"
	"github.com/silverbrook-labs/tradecore/internal/risk"
	"github.com/silverbrook-labs/tradecore/internal/server"
	"github.com/silverbrook-labs/tradecore/internal/store"
	"github.com/silverbrook-labs/tradecore/internal/tradeloop"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	envFile := flag.String("env", "", "optional env file loaded before configuration")
	flag.Parse()
	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			return fmt.Errorf("load env file %s: %w", *envFile, err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(logging.Config{Level: cfg.LogLevel, Pretty: !cfg.RenderMode})
	logging.SetGlobalLogger(log)

	auditLog, err := audit.Open(cfg.AuditDBPath())
	if err != nil {
		return fmt.Errorf("open audit ledger: %w", err)
	}
	defer auditLog.Close()

	if err := applyTradingModeFile(cfg, log); err != nil {
		log.Error().Err(err).Msg("refusing to start against corrupt trading mode file")
		os.Exit(2)
	}

	state := domain.NewBrokerState(cfg.StartingCash)
	if err := store.ReadJSON(cfg.BrokerStatePath(), state); err != nil {
		if !os.IsNotExist(err) {
			log.Error().Err(err).Msg("refusing to start against corrupt broker state")
			os.Exit(2)
		}
		state = domain.NewBrokerState(cfg.StartingCash)
	}

	bus := events.NewBus()
	evtMgr := events.NewManager(bus, "trade_loop", log)
	m := metrics.New()

	providers := buildProviders(cfg, log)
	quotes := quote.NewService(providers, log,
		quote.WithFanOutLimit(cfg.QuoteFanOutLimit),
		quote.WithProviderTimeout(cfg.QuoteProviderTimeout),
		quote.WithRecorder(m),
	)

	brk := broker.NewPaperBroker(state, func(ctx context.Context, symbol domain.Symbol) (domain.Quote, bool) {
		return quotes.GetQuote(ctx, symbol, 60*time.Second, true)
	}, log)

	breakers := breaker.NewRegistry(log,
		breaker.Settings{
			Name:                "TradeExecution",
			FailureThreshold:    uint32(cfg.TradeBreakerFailureThreshold),
			HalfOpenMaxRequests: 2,
			RecoveryTimeout:     cfg.TradeBreakerRecoveryTimeout,
		},
		breaker.Settings{
			Name:                "QuoteFetch",
			FailureThreshold:    uint32(cfg.QuoteBreakerFailureThreshold),
			HalfOpenMaxRequests: 3,
			RecoveryTimeout:     cfg.QuoteBreakerRecoveryTimeout,
		},
	)

	gate := risk.NewGate(risk.Limits{
		MaxDailyLossFraction: cfg.RiskMaxDailyLossFraction,
		MaxDailyTrades:       cfg.RiskMaxDailyTrades,
		DrawdownCeiling:      cfg.RiskDrawdownCeiling,
		CooldownCrypto:       cfg.CooldownCrypto,
		CooldownEquity:       cfg.CooldownEquity,
		HaltFilePath:         cfg.HaltFilePath(),
	})

	loop := tradeloop.New(cfg, log, brk, state, quotes, breakers, gate, evtMgr, m, auditLog, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sig
		log.Info().Msg("received shutdown signal, finishing current tick and exiting")
		cancel()
	}()

	srv := server.New(server.Config{
		Log:          log,
		Port:         cfg.HTTPPort,
		DevMode:      !cfg.RenderMode,
		StartedAt:    time.Now(),
		QuoteService: quotes,
		Breakers:     breakers,
		Metrics:      m,
		AgentsTotal:  1,
	})
	go func() {
		if err := srv.Start(); err != nil {
			log.Error().Err(err).Msg("observability server stopped")
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	return loop.Run(ctx)
}

// tradingModeFile is the shape of state/trading_mode.json. The file is read
// once at startup; changing it requires a restart.
type tradingModeFile struct {
	Mode      config.TradingMode `json:"mode"`
	Timestamp time.Time          `json:"timestamp"`
}

// applyTradingModeFile overrides the environment-supplied trading mode with
// the persisted one when present, or persists the current mode when absent.
// An unparseable or out-of-range file is corrupt persistent state and is
// refused rather than healed.
func applyTradingModeFile(cfg *config.Config, log zerolog.Logger) error {
	var tm tradingModeFile
	err := store.ReadJSON(cfg.TradingModePath(), &tm)
	if os.IsNotExist(err) {
		return store.WriteJSONAtomic(cfg.TradingModePath(), tradingModeFile{Mode: cfg.TradingMode, Timestamp: time.Now().UTC()})
	}
	if err != nil {
		return err
	}
	switch tm.Mode {
	case config.ModePaper, config.ModeLive, config.ModeTest:
	default:
		return fmt.Errorf("trading mode file %s: invalid mode %q", cfg.TradingModePath(), tm.Mode)
	}
	if tm.Mode != cfg.TradingMode {
		log.Info().Str("env_mode", string(cfg.TradingMode)).Str("file_mode", string(tm.Mode)).
			Msg("trading mode file overrides environment")
		cfg.TradingMode = tm.Mode
	}
	return nil
}

// buildProviders constructs the quote providers in configured priority
// order. A provider with no URL format or API key configured is simply
// omitted rather than constructed against an unusable endpoint.
func buildProviders(cfg *config.Config, log zerolog.Logger) []quote.Provider {
	urlFormats := map[string]string{
		"primary":      cfg.PrimaryQuoteURLFormat,
		"finnhub":      "https://finnhub.io/api/v1/quote?symbol=%s",
		"twelvedata":   "https://api.twelvedata.com/price?symbol=%s",
		"alphavantage": "https://www.alphavantage.co/query?function=GLOBAL_QUOTE&symbol=%s",
	}
	priceFields := map[string]string{
		"primary":      "price",
		"finnhub":      "c",
		"twelvedata":   "price",
		"alphavantage": "price",
	}

	var providers []quote.Provider
	for _, name := range cfg.QuoteProviderPriority {
		key := cfg.ProviderAPIKeys[name]
		urlFormat := urlFormats[name]
		if urlFormat == "" || key == "" {
			log.Debug().Str("provider", name).Msg("no URL format or API key configured, skipping provider")
			continue
		}
		providers = append(providers, quote.NewHTTPProvider(name, urlFormat, key, priceFields[name], cfg.QuoteProviderTimeout, log))
	}
	return providers
}
