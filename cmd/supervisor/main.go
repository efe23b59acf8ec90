// Command supervisor is the outer control-plane process: it owns the
// declarative agent roster (including the trade loop), restarts crashed
// agents with exponential backoff, drives the cloud-failover orchestrator
// on a timer, and hosts the observability HTTP surface.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/silverbrook-labs/tradecore/internal/audit"
	"github.com/silverbrook-labs/tradecore/internal/config"
	"github.com/silverbrook-labs/tradecore/internal/domain"
	"github.com/silverbrook-labs/tradecore/internal/events"
	"github.com/silverbrook-labs/tradecore/internal/failover"
	"github.com/silverbrook-labs/tradecore/internal/logging"
	"github.com/silverbrook-labs/tradecore/internal/metrics"
	"github.com/silverbrook-labs/tradecore/internal/server"
	"github.com/silverbrook-labs/tradecore/internal/store"
	"github.com/silverbrook-labs/tradecore/internal/supervisor"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(logging.Config{Level: cfg.LogLevel, Pretty: !cfg.RenderMode})
	logging.SetGlobalLogger(log)

	roster, err := supervisor.LoadRoster(cfg.AgentRosterPath)
	if err != nil {
		return fmt.Errorf("load agent roster: %w", err)
	}

	// Corrupt persistent state is refused at startup rather than healed
	// silently; a missing file is fine, an unparseable one is not.
	var ledger domain.UsageLedger
	if err := store.ReadJSON(cfg.UsageLedgerPath(), &ledger); err != nil && !os.IsNotExist(err) {
		log.Error().Err(err).Msg("refusing to start against corrupt usage ledger")
		os.Exit(2)
	}

	for _, dir := range []string{cfg.StateDir, cfg.RuntimeDir, cfg.LogDir, cfg.RunDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	auditLog, err := audit.Open(cfg.AuditDBPath())
	if err != nil {
		return fmt.Errorf("open audit ledger: %w", err)
	}
	defer auditLog.Close()

	bus := events.NewBus()
	evtMgr := events.NewManager(bus, "supervisor", log)
	m := metrics.New()

	supervisor.InitialBackoff = cfg.SupervisorInitialBackoff
	supervisor.MaxBackoff = cfg.SupervisorMaxBackoff
	supervisor.StabilityWindow = cfg.SupervisorStabilityWindow
	supervisor.ShutdownGracePeriod = cfg.SupervisorGracePeriod

	sup := supervisor.New(log, cfg.RunDir, roster, m, auditLog, evtMgr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sig
		log.Info().Msg("received shutdown signal, stopping all agents")
		cancel()
	}()

	orch, pinger := buildFailover(ctx, cfg, log, auditLog, evtMgr)
	if orch != nil {
		orch.SetQuiescer(sup)
		go runFailoverTicker(ctx, orch, m, log)
	}
	if pinger != nil {
		if err := pinger.Start(5 * time.Minute); err != nil {
			log.Warn().Err(err).Msg("failed to start keep-alive pinger")
		}
		defer pinger.Stop()
	}

	srv := server.New(server.Config{
		Log:         log,
		Port:        cfg.HTTPPort,
		DevMode:     !cfg.RenderMode,
		StartedAt:   time.Now(),
		Agents:      sup,
		Metrics:     m,
		AgentsTotal: len(roster),
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

	return sup.Run(ctx)
}

// buildFailover constructs the cloud-failover orchestrator and its
// keep-alive pinger when a shared state store is configured. A missing
// FAILOVER_BUCKET is not fatal: the supervisor still runs agents, simply
// without failover, since the orchestrator has nowhere to hand state off
// to.
func buildFailover(ctx context.Context, cfg *config.Config, log zerolog.Logger, auditLog *audit.Ledger, evtMgr *events.Manager) (*failover.Orchestrator, *failover.KeepAlivePinger) {
	if cfg.FailoverBucket == "" {
		log.Info().Msg("FAILOVER_BUCKET not configured, cloud-failover orchestrator disabled")
		return nil, nil
	}

	remote, err := failover.NewS3StateStore(ctx, cfg.FailoverBucket, cfg.FailoverRegion, "tradecore")
	if err != nil {
		log.Warn().Err(err).Msg("failed to build shared state store, cloud-failover orchestrator disabled")
		return nil, nil
	}

	orch := failover.New(cfg, log, remote, auditLog, evtMgr)
	pinger := failover.NewKeepAlivePinger(remote, log)
	return orch, pinger
}

// runFailoverTicker drives Orchestrator.Tick once a minute until ctx is
// canceled.
func runFailoverTicker(ctx context.Context, orch *failover.Orchestrator, m *metrics.Metrics, log zerolog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			state, err := orch.Tick(ctx, now)
			if err != nil {
				log.Error().Err(err).Msg("failover orchestrator tick failed")
				continue
			}
			m.SetPrimaryHoursUsed(orch.Snapshot().PrimaryHoursUsedPeriod)
			log.Debug().Str("state", string(state)).Msg("failover orchestrator tick")
		}
	}
}
