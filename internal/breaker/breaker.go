// Package breaker wraps github.com/sony/gobreaker into a named,
// CanProceed/RecordSuccess/RecordFailure shaped primitive: callers bracket
// each guarded operation instead of passing a closure. Breakers live in a
// Registry owned by the process that created them and are never persisted;
// a fresh process always starts with CLOSED breakers.
package breaker

import (
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/silverbrook-labs/tradecore/internal/domain"
)

// ErrOpen is returned by CanProceed when the breaker is not currently
// admitting calls.
var ErrOpen = gobreaker.ErrOpenState

// Settings configures one named breaker's thresholds.
type Settings struct {
	Name                string
	FailureThreshold    uint32
	HalfOpenMaxRequests uint32
	RecoveryTimeout     time.Duration
}

// TradeExecutionSettings returns the trade-execution breaker configuration:
// 5 consecutive failures to open, 10 minutes to a recovery probe.
func TradeExecutionSettings() Settings {
	return Settings{
		Name:                "TradeExecution",
		FailureThreshold:    5,
		HalfOpenMaxRequests: 2,
		RecoveryTimeout:     600 * time.Second,
	}
}

// QuoteFetchSettings returns the quote-fetch breaker configuration,
// deliberately more permissive than TradeExecution: flaky data providers
// are routine, a flaky order path is not.
func QuoteFetchSettings() Settings {
	return Settings{
		Name:                "QuoteFetch",
		FailureThreshold:    15,
		HalfOpenMaxRequests: 3,
		RecoveryTimeout:     120 * time.Second,
	}
}

// Breaker is a single named circuit breaker.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

// TransitionRecorder is notified of every breaker state transition, in
// addition to the mandatory log line, so a caller (the Trade Loop) can
// persist transition history to the audit ledger without this package
// depending on it.
type TransitionRecorder func(name, from, to string)

func newBreaker(r *Registry, settings Settings) *Breaker {
	st := gobreaker.Settings{
		Name:        settings.Name,
		MaxRequests: settings.HalfOpenMaxRequests,
		Timeout:     settings.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			// Logged exactly once per transition with the previous state.
			r.log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker transition")
			if r.recorder != nil {
				r.recorder(name, from.String(), to.String())
			}
		},
	}
	return &Breaker{name: settings.Name, cb: gobreaker.NewCircuitBreaker(st)}
}

// CanProceed reports whether a call is currently admitted. Callers that
// cannot express their operation as a single closure (e.g. the multi-step
// atomic execution block in the trade loop) use CanProceed/RecordSuccess/
// RecordFailure directly instead of Execute.
func (b *Breaker) CanProceed() bool {
	return b.cb.State() != gobreaker.StateOpen
}

// RecordSuccess reports a successful call against the breaker's counters by
// running a no-op through gobreaker's Execute, which is the only way
// gobreaker exposes counter mutation without also gating the call.
func (b *Breaker) RecordSuccess() {
	_, _ = b.cb.Execute(func() (interface{}, error) { return nil, nil })
}

// RecordFailure reports a failed call against the breaker's counters.
func (b *Breaker) RecordFailure() {
	_, _ = b.cb.Execute(func() (interface{}, error) { return nil, errRecordedFailure })
}

var errRecordedFailure = errors.New("breaker: recorded failure")

// State returns the breaker's current state in the domain vocabulary.
func (b *Breaker) State() domain.BreakerState {
	switch b.cb.State() {
	case gobreaker.StateClosed:
		return domain.BreakerClosed
	case gobreaker.StateHalfOpen:
		return domain.BreakerHalfOpen
	default:
		return domain.BreakerOpen
	}
}

// Snapshot returns an observability-only view of the breaker's condition.
func (b *Breaker) Snapshot() domain.CircuitBreakerState {
	counts := b.cb.Counts()
	return domain.CircuitBreakerState{
		Name:                   b.name,
		State:                  b.State(),
		FailureCount:           int(counts.ConsecutiveFailures),
		SuccessCountInHalfOpen: int(counts.ConsecutiveSuccesses),
	}
}

// Registry holds every named breaker the process instantiates. It is
// created once at startup and never persisted across restarts: a fresh
// process always gets CLOSED breakers.
type Registry struct {
	breakers map[string]*Breaker
	log      zerolog.Logger
	recorder TransitionRecorder
}

// SetTransitionRecorder installs recorder for every breaker transition from
// this point on, including ones already registered (the recorder is looked
// up dynamically from the registry at transition time).
func (r *Registry) SetTransitionRecorder(recorder TransitionRecorder) {
	r.recorder = recorder
}

// NewRegistry builds a Registry seeded with the two breakers the core
// requires (TradeExecution, QuoteFetch) plus any extra settings supplied.
func NewRegistry(log zerolog.Logger, extra ...Settings) *Registry {
	r := &Registry{
		breakers: make(map[string]*Breaker),
		log:      log.With().Str("component", "breaker_registry").Logger(),
	}
	r.register(TradeExecutionSettings())
	r.register(QuoteFetchSettings())
	for _, s := range extra {
		r.register(s)
	}
	return r
}

func (r *Registry) register(settings Settings) {
	r.breakers[settings.Name] = newBreaker(r, settings)
}

// Get returns the named breaker, or nil if it was never registered.
func (r *Registry) Get(name string) *Breaker {
	return r.breakers[name]
}

// Snapshot returns an observability view of every registered breaker.
func (r *Registry) Snapshot() []domain.CircuitBreakerState {
	out := make([]domain.CircuitBreakerState, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
