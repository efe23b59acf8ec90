package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/silverbrook-labs/tradecore/internal/audit"
	"github.com/silverbrook-labs/tradecore/internal/domain"
	"github.com/silverbrook-labs/tradecore/internal/events"
	"github.com/silverbrook-labs/tradecore/internal/metrics"
	"github.com/silverbrook-labs/tradecore/internal/store"
)

// Timing defaults for the restart/backoff state machine. These are vars,
// not consts, so tests can shrink them instead of waiting out real
// wall-clock backoff windows.
var (
	InitialBackoff      = 2 * time.Second
	MaxBackoff          = 60 * time.Second
	StabilityWindow     = 60 * time.Second
	ShutdownGracePeriod = 10 * time.Second
)

// RequiredAgentError is returned by Run when a required agent fails to
// launch; non-required agents degrade gracefully instead.
type RequiredAgentError struct {
	Name string
	Err  error
}

func (e *RequiredAgentError) Error() string {
	return fmt.Sprintf("required agent %q failed to launch: %v", e.Name, e.Err)
}

func (e *RequiredAgentError) Unwrap() error { return e.Err }

// processHandle abstracts a spawned child process so tests can substitute a
// fake without touching the real OS process table.
type processHandle interface {
	Pid() int
	Wait() (exitCode int, err error)
	Signal(os.Signal) error
}

// execHandle adapts *exec.Cmd to processHandle.
type execHandle struct {
	cmd *exec.Cmd
}

func (h *execHandle) Pid() int { return h.cmd.Process.Pid }

func (h *execHandle) Wait() (int, error) {
	err := h.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func (h *execHandle) Signal(sig os.Signal) error {
	return h.cmd.Process.Signal(sig)
}

// failedHandle stands in for an agent that could not be relaunched at all.
// Its Wait returns immediately so the manage loop treats the failure as a
// zero-uptime exit and keeps doubling backoff instead of busy-spinning.
type failedHandle struct{ err error }

func (h failedHandle) Pid() int             { return 0 }
func (h failedHandle) Wait() (int, error)   { return -1, h.err }
func (failedHandle) Signal(os.Signal) error { return nil }

// spawnFunc launches one agent and returns a live handle. Overridable in
// tests so the manage loop can be exercised without touching the real OS
// process table.
type spawnFunc func(spec AgentSpec) (processHandle, error)

func defaultSpawn(spec AgentSpec) (processHandle, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	if spec.LogPath != "" {
		f, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log %s: %w", spec.LogPath, err)
		}
		cmd.Stdout = f
		cmd.Stderr = f
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execHandle{cmd: cmd}, nil
}

// Supervisor launches, monitors, and restarts the declarative agent roster.
// Each supervisor<->agent link is isolated: a crash in one agent's manage
// loop never touches another agent's state.
type Supervisor struct {
	log      zerolog.Logger
	runDir   string
	roster   []AgentSpec
	spawn    spawnFunc
	metrics  *metrics.Metrics
	auditLog *audit.Ledger
	events   *events.Manager

	mu       sync.Mutex
	records  map[string]*domain.AgentRecord
	handles  map[string]processHandle
	quiesced bool
}

// New builds a Supervisor for roster, rooted at runDir for lock files.
func New(log zerolog.Logger, runDir string, roster []AgentSpec, m *metrics.Metrics, auditLog *audit.Ledger, evts *events.Manager) *Supervisor {
	return &Supervisor{
		log:      log.With().Str("component", "supervisor").Logger(),
		runDir:   runDir,
		roster:   roster,
		spawn:    defaultSpawn,
		metrics:  m,
		auditLog: auditLog,
		events:   evts,
		records:  make(map[string]*domain.AgentRecord),
		handles:  make(map[string]processHandle),
	}
}

// Run launches every agent in the roster and blocks until ctx is canceled or
// a required agent fails to start. A zero-agent roster returns nil
// immediately.
func (s *Supervisor) Run(ctx context.Context) error {
	if len(s.roster) == 0 {
		s.log.Info().Msg("empty agent roster, nothing to supervise")
		return nil
	}

	var wg sync.WaitGroup
	for _, spec := range s.roster {
		spec := spec
		lock := store.NewFileLock(store.AgentLockPath(s.runDir, spec.Name))
		acquired, err := lock.TryAcquire(spec.Name)
		if err != nil {
			return fmt.Errorf("agent %s: inspect lock: %w", spec.Name, err)
		}
		if !acquired {
			// Idempotent start: a live process already holds this agent's
			// lock, so this run is a no-op for it rather than a second
			// launch.
			s.log.Info().Str("agent", spec.Name).Msg("agent already running under a live lock, skipping")
			continue
		}

		handle, err := s.spawn(spec)
		if err != nil {
			_ = lock.Release()
			if spec.Required {
				return &RequiredAgentError{Name: spec.Name, Err: err}
			}
			s.log.Warn().Err(err).Str("agent", spec.Name).Msg("non-required agent failed to launch, continuing without it")
			continue
		}

		s.writePIDFile(spec.Name, handle.Pid())

		rec := &domain.AgentRecord{
			Name:           spec.Name,
			Command:        spec.Command,
			Args:           spec.Args,
			LogPath:        spec.LogPath,
			LockPath:       store.AgentLockPath(s.runDir, spec.Name),
			PID:            handle.Pid(),
			StartedAt:      time.Now(),
			BackoffSeconds: InitialBackoff.Seconds(),
			Required:       spec.Required,
			Priority:       spec.Priority,
		}
		s.mu.Lock()
		s.records[spec.Name] = rec
		s.handles[spec.Name] = handle
		s.mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error().Interface("panic", r).Str("agent", spec.Name).
						Msg("manage loop panicked, agent abandoned")
				}
			}()
			s.manageAgent(ctx, spec, lock, handle)
		}()
	}

	<-ctx.Done()
	s.shutdown()
	wg.Wait()
	return nil
}

// manageAgent owns one agent's full lifecycle: wait for exit, back off,
// relaunch, repeat, until ctx is canceled.
func (s *Supervisor) manageAgent(ctx context.Context, spec AgentSpec, lock *store.FileLock, handle processHandle) {
	defer lock.Release()
	defer s.clearHandle(spec.Name)
	defer s.removePIDFile(spec.Name)

	backoff := InitialBackoff
	startedAt := time.Now()

	for {
		exitCode, waitErr := handle.Wait()
		if waitErr != nil {
			s.log.Debug().Err(waitErr).Str("agent", spec.Name).Msg("agent wait returned an error")
		}
		if ctx.Err() != nil || s.isQuiesced() {
			// Exited because shutdown() or Quiesce() signaled it; not a crash.
			return
		}

		uptime := time.Since(startedAt)
		s.log.Warn().Str("agent", spec.Name).Int("exit_code", exitCode).Dur("uptime", uptime).Msg("agent exited")

		restartCount := s.recordExit(spec.Name, exitCode)

		if uptime >= StabilityWindow {
			backoff = InitialBackoff
		} else {
			backoff *= 2
			if backoff > MaxBackoff {
				backoff = MaxBackoff
			}
		}
		s.setBackoff(spec.Name, backoff)

		if s.metrics != nil {
			s.metrics.RecordAgentRestart(spec.Name)
		}
		if s.auditLog != nil {
			if err := s.auditLog.RecordAgentRestart(ctx, spec.Name, restartCount, exitCode, backoff.Seconds()); err != nil {
				s.log.Error().Err(err).Str("agent", spec.Name).Msg("failed to record agent restart in audit ledger")
			}
		}
		if s.events != nil {
			s.events.Emit(events.AgentRestarted, map[string]interface{}{
				"agent":         spec.Name,
				"exit_code":     exitCode,
				"restart_count": restartCount,
			})
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if ctx.Err() != nil || s.isQuiesced() {
			return
		}

		newHandle, err := s.spawn(spec)
		if err != nil {
			s.log.Error().Err(err).Str("agent", spec.Name).Msg("relaunch failed, retrying after backoff")
			handle = failedHandle{err: err}
			startedAt = time.Now()
			continue
		}
		s.updateHandle(spec.Name, newHandle)
		s.writePIDFile(spec.Name, newHandle.Pid())
		handle = newHandle
		startedAt = time.Now()
	}
}

// writePIDFile records the child's PID at run/<name>.pid. Failures are
// logged but never fatal; the lock file, not the pid file, is
// authoritative.
func (s *Supervisor) writePIDFile(name string, pid int) {
	path := store.AgentPIDPath(s.runDir, name)
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", pid)), 0o644); err != nil {
		s.log.Warn().Err(err).Str("agent", name).Msg("failed to write pid file")
	}
}

func (s *Supervisor) removePIDFile(name string) {
	_ = os.Remove(store.AgentPIDPath(s.runDir, name))
}

func (s *Supervisor) recordExit(name string, exitCode int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.records[name]
	rec.LastExitCode = exitCode
	rec.RestartCount++
	return rec.RestartCount
}

func (s *Supervisor) setBackoff(name string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[name].BackoffSeconds = d.Seconds()
}

func (s *Supervisor) updateHandle(name string, h processHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[name].PID = h.Pid()
	s.records[name].StartedAt = time.Now()
	s.handles[name] = h
}

func (s *Supervisor) clearHandle(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handles, name)
}

// Quiesce stops every managed agent and suppresses relaunch, without ending
// the supervisor process itself. Used by the cloud-failover orchestrator as
// the stop-the-world barrier on the primary before state is handed off: once
// Quiesce returns, zero orders are in flight from this environment.
func (s *Supervisor) Quiesce(_ context.Context) error {
	s.mu.Lock()
	s.quiesced = true
	s.mu.Unlock()
	s.log.Warn().Msg("quiescing all agents")
	s.shutdown()
	return nil
}

func (s *Supervisor) isQuiesced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quiesced
}

// shutdown sends SIGTERM to every live agent, waits up to
// ShutdownGracePeriod, then SIGKILLs anything still holding a handle. Lock
// release happens in each manage loop's defer.
func (s *Supervisor) shutdown() {
	s.mu.Lock()
	handles := make(map[string]processHandle, len(s.handles))
	for k, v := range s.handles {
		handles[k] = v
	}
	s.mu.Unlock()

	if len(handles) == 0 {
		return
	}

	for name, h := range handles {
		if err := h.Signal(syscall.SIGTERM); err != nil {
			s.log.Warn().Err(err).Str("agent", name).Msg("failed to send SIGTERM")
		}
	}

	time.Sleep(ShutdownGracePeriod)

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, h := range s.handles {
		if err := h.Signal(syscall.SIGKILL); err == nil {
			s.log.Warn().Str("agent", name).Msg("agent did not exit within grace period, sent SIGKILL")
		}
	}
}

// Snapshot returns a point-in-time copy of every managed agent's
// bookkeeping, for the observability server's GET /agents endpoint.
func (s *Supervisor) Snapshot() []domain.AgentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AgentRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, *r)
	}
	return out
}
