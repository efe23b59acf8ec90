// Package tradeloop drives one trading iteration per configured interval
// over a symbol universe: fetch allocation, fetch quote, evaluate a signal,
// gate through the risk gate and circuit breaker, size and submit an order,
// and persist state. Order submission for a symbol is serialized through a
// keyed mutex so no two orders for the same symbol are ever in flight at
// once within a process.
package tradeloop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/silverbrook-labs/tradecore/internal/audit"
	"github.com/silverbrook-labs/tradecore/internal/breaker"
	"github.com/silverbrook-labs/tradecore/internal/broker"
	"github.com/silverbrook-labs/tradecore/internal/config"
	"github.com/silverbrook-labs/tradecore/internal/domain"
	"github.com/silverbrook-labs/tradecore/internal/events"
	"github.com/silverbrook-labs/tradecore/internal/metrics"
	"github.com/silverbrook-labs/tradecore/internal/quote"
	"github.com/silverbrook-labs/tradecore/internal/risk"
	"github.com/silverbrook-labs/tradecore/internal/store"
)

// symbolBackoffBase is the fixed cooldown applied to a symbol after a
// quote miss, upstream failure, or fault inside the atomic execution block.
// Distinct from the quote service's own per-provider backoff.
const symbolBackoffBase = 30 * time.Second

// Loop is one Trade-Loop agent: it owns a BrokerState, a breaker registry,
// and a risk gate, and drives ticks over a configured symbol universe.
type Loop struct {
	cfg       *config.Config
	log       zerolog.Logger
	brk       broker.Broker
	state     *domain.BrokerState
	statePath string
	quotes    *quote.Service
	breakers  *breaker.Registry
	gate      *risk.Gate
	evts      *events.Manager
	metrics   *metrics.Metrics
	auditLog  *audit.Ledger
	strategy  Strategy
	execLocks *store.KeyedMutex

	lastTradeAt   map[domain.Symbol]time.Time
	priceHistory  map[domain.Symbol][]float64
	symbolBackoff map[domain.Symbol]time.Time
	allocCache    domain.AllocationMap

	day         risk.DayState
	dayKey      string
	tradesToday int
}

// New builds a Loop. state must be the same *domain.BrokerState the broker
// adapter mutates (for a PaperBroker, the value returned by
// PaperBroker.State()) so that Loop can snapshot it to disk after every
// mutation without a second source of truth.
func New(
	cfg *config.Config,
	log zerolog.Logger,
	brk broker.Broker,
	state *domain.BrokerState,
	quotes *quote.Service,
	breakers *breaker.Registry,
	gate *risk.Gate,
	evts *events.Manager,
	m *metrics.Metrics,
	auditLog *audit.Ledger,
	strategy Strategy,
) *Loop {
	if strategy == nil {
		strategy = RebalanceStrategy{}
	}
	breakers.SetTransitionRecorder(func(name, from, to string) {
		m.RecordBreakerTransition(name, to)
		if auditLog == nil {
			return
		}
		if err := auditLog.RecordBreakerTransition(context.Background(), name, from, to); err != nil {
			log.Warn().Err(err).Msg("failed to persist breaker transition to audit ledger")
		}
	})
	return &Loop{
		cfg:           cfg,
		log:           log.With().Str("component", "trade_loop").Logger(),
		brk:           brk,
		state:         state,
		statePath:     cfg.BrokerStatePath(),
		quotes:        quotes,
		breakers:      breakers,
		gate:          gate,
		evts:          evts,
		metrics:       m,
		auditLog:      auditLog,
		strategy:      strategy,
		execLocks:     store.NewKeyedMutex(),
		lastTradeAt:   make(map[domain.Symbol]time.Time),
		priceHistory:  make(map[domain.Symbol][]float64),
		symbolBackoff: make(map[domain.Symbol]time.Time),
	}
}

// Run drives ticks until ctx is cancelled, pacing by cfg.TickInterval.
// Cancellation is only observed at tick boundaries, so a SIGTERM lets the
// in-flight symbol finish before the agent exits.
func (l *Loop) Run(ctx context.Context) error {
	if l.cfg.SelfTestEnabled && !l.state.TestTradeDone {
		if err := l.runSelfTest(ctx); err != nil {
			l.log.Warn().Err(err).Msg("startup self-test trade did not complete")
		}
	}

	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick runs one iteration over the configured symbol universe.
func (l *Loop) Tick(ctx context.Context) map[domain.Symbol]Outcome {
	results := make(map[domain.Symbol]Outcome, len(l.cfg.Universe))

	if isGuardianPaused(l.cfg.GuardianPausePath()) {
		l.log.Info().Msg("guardian pause active; skipping tick")
		for _, sym := range l.cfg.Universe {
			results[domain.Symbol(sym)] = Outcome{Kind: OutcomeNoAction}
		}
		return results
	}

	l.rollDayIfNeeded()

	allocations, source, err := loadAllocations(l.cfg.AllocationsOverridePath(), l.cfg.AllocationsSymbolsPath(), l.log)
	if err != nil {
		l.log.Error().Err(err).Msg("no usable allocation map this tick; skipping")
		for _, sym := range l.cfg.Universe {
			results[domain.Symbol(sym)] = Outcome{Kind: OutcomeNoAction, Err: err}
		}
		return results
	}
	l.allocCache = allocations
	l.log.Debug().Str("source", source).Int("symbols", len(allocations)).Msg("allocations loaded")

	bs := readBrainState(l.cfg.BrainStatePath())

	for _, raw := range l.cfg.Universe {
		symbol := domain.Symbol(raw)
		results[symbol] = l.runSymbol(ctx, symbol, allocations[symbol], bs.RiskScaler)
	}
	return results
}

func (l *Loop) runSymbol(ctx context.Context, symbol domain.Symbol, fraction, riskScaler float64) Outcome {
	now := time.Now()

	if until, backedOff := l.symbolBackoff[symbol]; backedOff && now.Before(until) {
		return Outcome{Kind: OutcomeNoAction}
	}

	portfolioValue := l.brk.GetEquity()
	targetVal := targetValue(symbol, fraction, riskScaler, portfolioValue, l.cfg.MinTradeFractionCrypto, l.cfg.MinTradeFractionEquity)

	q, ok := l.quotes.GetQuote(ctx, symbol, 60*time.Second, true)
	if !ok {
		l.backOffSymbol(symbol)
		return Outcome{Kind: OutcomeNoAction}
	}
	l.recordPrice(symbol, q.Price)

	pos := l.brk.GetPosition(symbol)
	threshold := buyThreshold(symbol, l.cfg.BuyThresholdCrypto, l.cfg.BuyThresholdEquity)

	vote := l.strategy.Evaluate(ctx, symbol, q, pos, targetVal, threshold, l.cfg.DustThreshold)
	rsi := latestRSI(l.priceHistory[symbol])
	overridden := applyForcedBuyOverride(vote, symbol, pos, rsi, l.cfg.RSIOverboughtThreshold, l.cfg.ForcedBuyOverrideEnabled)
	if overridden != vote {
		l.log.Info().Str("symbol", string(symbol)).Float64("rsi", rsi).Str("strategy_vote", string(vote)).Msg("cold-start forced-BUY override fired")
	}
	vote = overridden

	if vote == VoteHold {
		return Outcome{Kind: OutcomeNoAction}
	}

	tradeBreaker := l.breakers.Get("TradeExecution")
	if tradeBreaker != nil && !tradeBreaker.CanProceed() {
		l.metrics.RecordTradeRejection("breaker_open")
		return Outcome{Kind: OutcomePolicyDenied, Reason: "breaker_open"}
	}

	if reason := l.gate.Check(symbol, l.day, l.lastTradeAt[symbol], now); reason != risk.ReasonNone {
		l.metrics.RecordTradeRejection(string(reason))
		l.evts.Emit(events.TradeRejected, map[string]interface{}{"symbol": string(symbol), "reason": string(reason)})
		return Outcome{Kind: OutcomePolicyDenied, Reason: reason}
	}

	side, qty, ok := sizeOrder(vote, pos, q.Price, targetVal, threshold, l.cfg.DustThreshold)
	if !ok {
		return Outcome{Kind: OutcomeNoAction}
	}

	return l.executeAtomic(ctx, symbol, side, qty, q, tradeBreaker)
}

// sizeOrder turns a vote into a side and quantity: a BUY tops the position
// up to the target only when the held value sits under target × threshold,
// a SELL trims down to the target only when the held quantity clears dust.
func sizeOrder(vote Vote, pos domain.Position, price, targetVal, threshold, dustThreshold float64) (broker.Side, float64, bool) {
	currentValue := pos.Qty * price

	switch vote {
	case VoteBuy:
		if currentValue >= targetVal*threshold {
			return "", 0, false
		}
		qty := (targetVal - currentValue) / price
		if qty <= 0 {
			return "", 0, false
		}
		return broker.Buy, qty, true
	case VoteSell:
		if pos.Qty <= dustThreshold {
			return "", 0, false
		}
		qty := pos.Qty
		if targetVal > 0 && price > 0 {
			reduceTo := targetVal / price
			if reduceTo < pos.Qty {
				qty = pos.Qty - reduceTo
			} else {
				return "", 0, false
			}
		}
		if qty <= dustThreshold {
			return "", 0, false
		}
		return broker.Sell, qty, true
	default:
		return "", 0, false
	}
}

// executeAtomic takes the per-symbol lock, re-checks quote freshness,
// submits, updates state and persists, and records last-trade-at. Any panic
// from inside this block is recovered, logged with full context, and turned
// into an OutcomeFatal rather than crashing the agent; restart is reserved
// for non-recoverable faults.
func (l *Loop) executeAtomic(ctx context.Context, symbol domain.Symbol, side broker.Side, qty float64, q domain.Quote, tradeBreaker *breaker.Breaker) (outcome Outcome) {
	l.execLocks.Lock(string(symbol))
	defer l.execLocks.Unlock(string(symbol))

	defer func() {
		if r := recover(); r != nil {
			l.log.Error().
				Interface("panic", r).
				Str("symbol", string(symbol)).
				Msg("programming error inside atomic execution block")
			if tradeBreaker != nil {
				tradeBreaker.RecordFailure()
			}
			l.backOffSymbol(symbol)
			outcome = Outcome{Kind: OutcomeFatal, Err: fmt.Errorf("recovered panic: %v", r)}
		}
	}()

	if q.Stale(time.Now(), 60*time.Second) {
		if tradeBreaker != nil {
			tradeBreaker.RecordFailure()
		}
		l.backOffSymbol(symbol)
		return Outcome{Kind: OutcomeUpstreamFailed, Err: errors.New("quote went stale before execution")}
	}

	receipt, err := l.brk.SubmitOrder(ctx, symbol, side, qty, nil)
	if err != nil {
		if tradeBreaker != nil {
			tradeBreaker.RecordFailure()
		}
		l.backOffSymbol(symbol)
		return Outcome{Kind: OutcomeUpstreamFailed, Err: err}
	}

	if tradeBreaker != nil {
		tradeBreaker.RecordSuccess()
	}

	now := time.Now()
	l.lastTradeAt[symbol] = now
	l.tradesToday++
	l.day.TradesToday = l.tradesToday
	l.day.RealizedPnLToday += receipt.RealizedPnL

	if err := store.WriteJSONAtomic(l.statePath, l.state); err != nil {
		l.log.Error().Err(err).Msg("failed to persist broker state after trade")
	}

	l.metrics.RecordOrder(string(l.cfg.TradingMode), string(side))
	l.evts.Emit(events.TradeExecuted, map[string]interface{}{
		"symbol":       string(symbol),
		"side":         string(side),
		"qty":          qty,
		"fill_price":   receipt.FillPrice,
		"price_source": receipt.PriceSource,
		"order_id":     receipt.OrderID,
	})

	return Outcome{Kind: OutcomeOk, Receipt: &receipt}
}

// runSelfTest executes the optional startup probe trade: a minimal BUY on
// the first universe symbol to verify the quote, risk, and broker path
// end-to-end before real ticking begins.
func (l *Loop) runSelfTest(ctx context.Context) error {
	if len(l.cfg.Universe) == 0 {
		return errors.New("self-test requires a non-empty symbol universe")
	}
	symbol := domain.Symbol(l.cfg.Universe[0])

	q, ok := l.quotes.GetQuote(ctx, symbol, 60*time.Second, true)
	if !ok {
		return fmt.Errorf("self-test: no quote available for %s", symbol)
	}

	portfolioValue := l.brk.GetEquity()
	qty := portfolioValue * l.cfg.SelfTestQtyFraction / q.Price
	if qty <= 0 {
		return errors.New("self-test: computed qty is non-positive")
	}

	outcome := l.executeAtomic(ctx, symbol, broker.Buy, qty, q, l.breakers.Get("TradeExecution"))
	if outcome.Kind != OutcomeOk {
		return fmt.Errorf("self-test trade did not fill: %s (%v)", outcome.Kind, outcome.Err)
	}

	l.state.TestTradeDone = true
	if err := store.WriteJSONAtomic(l.statePath, l.state); err != nil {
		return fmt.Errorf("persist state after self-test: %w", err)
	}
	l.log.Info().Str("symbol", string(symbol)).Msg("startup self-test trade executed")
	return nil
}

func (l *Loop) backOffSymbol(symbol domain.Symbol) {
	l.symbolBackoff[symbol] = time.Now().Add(symbolBackoffBase)
}

// recordPrice feeds a fresh observation into the broker state's cached
// last-price map (the only path by which equity_cached changes) and into the
// bounded history window behind the RSI.
func (l *Loop) recordPrice(symbol domain.Symbol, price float64) {
	l.state.RecordPrice(symbol, price)
	l.metrics.SetEquity(l.state.EquityCached)

	hist := append(l.priceHistory[symbol], price)
	if len(hist) > rsiWindow+1 {
		hist = hist[len(hist)-(rsiWindow+1):]
	}
	l.priceHistory[symbol] = hist
}

// rollDayIfNeeded resets DayState at a UTC day boundary. Cooldowns live in
// lastTradeAt and survive the roll, so a pause or day change never produces
// a catch-up burst of trades; only loss, trade-count, and drawdown
// accounting starts fresh.
func (l *Loop) rollDayIfNeeded() {
	key := time.Now().UTC().Format("2006-01-02")
	if key == l.dayKey {
		l.day.CurrentEquity = l.brk.GetEquity()
		if l.day.CurrentEquity > l.day.PeakEquity {
			l.day.PeakEquity = l.day.CurrentEquity
		}
		if l.day.PeakEquity > 0 {
			l.metrics.SetDrawdownFraction((l.day.PeakEquity - l.day.CurrentEquity) / l.day.PeakEquity)
		}
		return
	}
	equity := l.brk.GetEquity()
	l.dayKey = key
	l.tradesToday = 0
	l.day = risk.DayState{
		DayOpenEquity: equity,
		CurrentEquity: equity,
		PeakEquity:    equity,
	}
}
