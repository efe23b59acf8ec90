// Package failover implements the cloud-failover orchestrator: a usage
// ledger state machine that tracks compute-hours used against a monthly cap
// and cuts traffic over to a secondary environment through a shared object
// store handoff, plus a keep-alive pinger that prevents idle-evict on the
// primary without burning budget hours.
package failover

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/silverbrook-labs/tradecore/internal/audit"
	"github.com/silverbrook-labs/tradecore/internal/config"
	"github.com/silverbrook-labs/tradecore/internal/domain"
	"github.com/silverbrook-labs/tradecore/internal/events"
	"github.com/silverbrook-labs/tradecore/internal/store"
)

// State is one of the four states of the usage-ledger state machine.
type State string

const (
	PrimaryActive  State = "PRIMARY_ACTIVE"
	PrimaryWarn    State = "PRIMARY_WARN"
	FailoverActive State = "FAILOVER_ACTIVE"
	Reset          State = "RESET"
)

// StateStore is the shared object store used to hand state off between the
// primary and failover environments. Transitions copy the files listed in
// handoffFiles (broker state with its positions, trading mode, usage ledger)
// through this shared store; allocation files and circuit breaker state are
// not copied. The orchestrator never assumes shared local disk.
type StateStore interface {
	Put(ctx context.Context, key string, body []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Ping(ctx context.Context) error
}

// Quiescer stops every agent issuing orders on the primary before state is
// copied off-host. Satisfied by *supervisor.Supervisor. The cutover calls it
// first so that at most one environment is ever issuing orders: the barrier
// is stop-the-world on the primary before the failover accepts writes.
type Quiescer interface {
	Quiesce(ctx context.Context) error
}

// handoffFiles lists the on-disk artifacts copied through the shared store
// on a cutover, keyed by their local path relative to StateDir.
var handoffFiles = []string{
	"broker_state.json",
	"trading_mode.json",
	"usage_ledger.json",
}

// Orchestrator evaluates the UsageLedger state machine on every tick and
// drives the primary<->failover cutover.
type Orchestrator struct {
	cfg      *config.Config
	log      zerolog.Logger
	remote   StateStore
	auditLog *audit.Ledger
	evts     *events.Manager
	quiescer Quiescer

	mu       sync.Mutex
	ledger   domain.UsageLedger
	lastTick time.Time
}

// New loads any persisted UsageLedger from cfg.UsageLedgerPath, defaulting
// to a fresh PRIMARY_ACTIVE ledger if none exists.
func New(cfg *config.Config, log zerolog.Logger, remote StateStore, auditLog *audit.Ledger, evts *events.Manager) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		log:      log.With().Str("component", "failover_orchestrator").Logger(),
		remote:   remote,
		auditLog: auditLog,
		evts:     evts,
		ledger: domain.UsageLedger{
			PeriodStart:       time.Now().UTC(),
			ActiveEnvironment: domain.EnvironmentPrimary,
		},
		lastTick: time.Now(),
	}

	var persisted domain.UsageLedger
	if err := store.ReadJSON(cfg.UsageLedgerPath(), &persisted); err == nil {
		o.ledger = persisted
	}
	return o
}

// SetQuiescer installs the hook the cutover uses to stop the primary's
// agents. Without one, a cutover still flips the ledger and syncs state, but
// cannot guarantee zero in-flight orders. Callers embedding the
// orchestrator in the supervisor process always install it.
func (o *Orchestrator) SetQuiescer(q Quiescer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.quiescer = q
}

// Evaluate is the pure state-transition function: given hours used this
// period against the configured thresholds, and whether the monthly
// boundary was just crossed, it returns the state the ledger is in.
func Evaluate(hoursUsed, warnThreshold, switchThreshold float64, periodCrossed bool) State {
	if periodCrossed {
		return Reset
	}
	switch {
	case hoursUsed >= switchThreshold:
		return FailoverActive
	case hoursUsed >= warnThreshold:
		return PrimaryWarn
	default:
		return PrimaryActive
	}
}

func periodCrossed(periodStart, now time.Time) bool {
	return now.Year() != periodStart.Year() || now.Month() != periodStart.Month()
}

// Tick advances the ledger by the elapsed time since the previous Tick (or
// since New, for the first call), applies the state machine, and drives a
// cutover or reset if warranted. Only time spent with ActiveEnvironment ==
// Primary burns hours; the keep-alive pinger deliberately does not call
// Tick, so ping traffic never burns hours.
func (o *Orchestrator) Tick(ctx context.Context, now time.Time) (State, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	dt := now.Sub(o.lastTick)
	o.lastTick = now
	if dt < 0 {
		dt = 0
	}

	if o.ledger.ActiveEnvironment == domain.EnvironmentPrimary {
		o.ledger.PrimaryHoursUsedPeriod += dt.Hours()
	}

	crossed := periodCrossed(o.ledger.PeriodStart, now)
	state := Evaluate(o.ledger.PrimaryHoursUsedPeriod, o.cfg.FailoverWarnThresholdHours, o.cfg.FailoverSwitchThresholdHours, crossed)

	switch state {
	case Reset:
		if err := o.resetPeriod(ctx, now); err != nil {
			return state, err
		}
		state = PrimaryActive
	case FailoverActive:
		if o.ledger.ActiveEnvironment == domain.EnvironmentPrimary {
			if err := o.cutover(ctx, now); err != nil {
				return state, err
			}
		}
	case PrimaryWarn:
		o.log.Warn().
			Float64("hours_used", o.ledger.PrimaryHoursUsedPeriod).
			Float64("warn_threshold", o.cfg.FailoverWarnThresholdHours).
			Msg("primary environment approaching monthly compute-hour budget")
	}

	if err := store.WriteJSONAtomic(o.cfg.UsageLedgerPath(), o.ledger); err != nil {
		return state, fmt.Errorf("persist usage ledger: %w", err)
	}
	return state, nil
}

// cutover quiesces the primary, copies the handoff artifacts to the shared
// store, and flips ActiveEnvironment to Failover. The cutover is a
// stop-the-world barrier: no new orders may be admitted on the primary
// after this returns.
func (o *Orchestrator) cutover(ctx context.Context, now time.Time) error {
	from := o.ledger.ActiveEnvironment

	if o.quiescer != nil {
		o.log.Warn().Msg("quiescing primary agents before cutover")
		if err := o.quiescer.Quiesce(ctx); err != nil {
			return fmt.Errorf("quiesce primary before cutover: %w", err)
		}
	}

	for _, name := range handoffFiles {
		localPath := localPathFor(o.cfg, name)
		data, err := readLocal(localPath)
		if err != nil {
			o.log.Warn().Err(err).Str("file", name).Msg("skipping missing handoff file")
			continue
		}
		if err := o.remote.Put(ctx, name, data); err != nil {
			return fmt.Errorf("upload handoff file %s: %w", name, err)
		}
	}

	o.ledger.ActiveEnvironment = domain.EnvironmentFailover
	o.ledger.LastSwitchAt = now

	if o.auditLog != nil {
		if err := o.auditLog.RecordFailoverCutover(ctx, string(from), string(domain.EnvironmentFailover), o.ledger.PrimaryHoursUsedPeriod, "monthly_compute_hour_budget_exceeded"); err != nil {
			o.log.Error().Err(err).Msg("failed to record failover cutover in audit ledger")
		}
	}
	if o.evts != nil {
		o.evts.Emit(events.FailoverTransition, map[string]interface{}{
			"from_environment":   string(from),
			"to_environment":     string(domain.EnvironmentFailover),
			"primary_hours_used": o.ledger.PrimaryHoursUsedPeriod,
		})
	}
	o.log.Warn().
		Float64("hours_used", o.ledger.PrimaryHoursUsedPeriod).
		Msg("cutting over to failover environment")
	return nil
}

// resetPeriod zeroes the hour counter at a monthly boundary and, if the
// environment had failed over, syncs state back and returns to primary.
func (o *Orchestrator) resetPeriod(ctx context.Context, now time.Time) error {
	wasFailover := o.ledger.ActiveEnvironment == domain.EnvironmentFailover

	if wasFailover {
		for _, name := range handoffFiles {
			data, err := o.remote.Get(ctx, name)
			if err != nil {
				o.log.Warn().Err(err).Str("file", name).Msg("no remote handoff file to sync back")
				continue
			}
			if err := writeLocal(localPathFor(o.cfg, name), data); err != nil {
				return fmt.Errorf("restore handoff file %s: %w", name, err)
			}
		}
		if o.auditLog != nil {
			if err := o.auditLog.RecordFailoverCutover(ctx, string(domain.EnvironmentFailover), string(domain.EnvironmentPrimary), o.ledger.PrimaryHoursUsedPeriod, "period_boundary_reset"); err != nil {
				o.log.Error().Err(err).Msg("failed to record period-reset cutover in audit ledger")
			}
		}
	}

	o.ledger.PeriodStart = now
	o.ledger.PrimaryHoursUsedPeriod = 0
	o.ledger.ActiveEnvironment = domain.EnvironmentPrimary
	if o.evts != nil {
		o.evts.Emit(events.FailoverTransition, map[string]interface{}{
			"from_environment": "RESET",
			"to_environment":   string(domain.EnvironmentPrimary),
		})
	}
	o.log.Info().Msg("monthly period boundary crossed, usage counter reset")
	return nil
}

// Snapshot returns a point-in-time copy of the ledger for observability.
func (o *Orchestrator) Snapshot() domain.UsageLedger {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ledger
}

func localPathFor(cfg *config.Config, name string) string {
	return joinStateDir(cfg, name)
}
