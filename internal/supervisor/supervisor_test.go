package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHandle is a processHandle whose exit is driven by the test instead of
// a real OS process, so the manage loop can be exercised deterministically.
type fakeHandle struct {
	pid      int
	exitCode int
	done     chan struct{}
	once     sync.Once
}

func newFakeHandle(pid int) *fakeHandle {
	return &fakeHandle{pid: pid, done: make(chan struct{})}
}

func (h *fakeHandle) Pid() int { return h.pid }

func (h *fakeHandle) Wait() (int, error) {
	<-h.done
	return h.exitCode, nil
}

func (h *fakeHandle) Signal(os.Signal) error {
	h.exitNow(0)
	return nil
}

func (h *fakeHandle) exitNow(code int) {
	h.once.Do(func() {
		h.exitCode = code
		close(h.done)
	})
}

func withFastTimings(t *testing.T) {
	t.Helper()
	origInitial, origMax, origWindow, origGrace := InitialBackoff, MaxBackoff, StabilityWindow, ShutdownGracePeriod
	InitialBackoff = 5 * time.Millisecond
	MaxBackoff = 20 * time.Millisecond
	StabilityWindow = time.Hour // never "stable" within the test's lifetime
	ShutdownGracePeriod = 10 * time.Millisecond
	t.Cleanup(func() {
		InitialBackoff, MaxBackoff, StabilityWindow, ShutdownGracePeriod = origInitial, origMax, origWindow, origGrace
	})
}

func TestRun_ZeroAgentRoster_ReturnsNilImmediately(t *testing.T) {
	sup := New(zerolog.Nop(), t.TempDir(), nil, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, sup.Run(ctx))
}

func TestRun_RequiredAgentLaunchFailure_ReturnsError(t *testing.T) {
	spec := AgentSpec{Name: "broker", Command: "/does/not/matter", Required: true}
	sup := New(zerolog.Nop(), t.TempDir(), []AgentSpec{spec}, nil, nil, nil)
	sup.spawn = func(AgentSpec) (processHandle, error) {
		return nil, errors.New("exec: no such file")
	}

	err := sup.Run(context.Background())
	require.Error(t, err)
	var reqErr *RequiredAgentError
	assert.ErrorAs(t, err, &reqErr)
	assert.Equal(t, "broker", reqErr.Name)
}

func TestRun_NonRequiredAgentLaunchFailure_ContinuesGracefully(t *testing.T) {
	spec := AgentSpec{Name: "optional", Command: "/does/not/matter", Required: false}
	sup := New(zerolog.Nop(), t.TempDir(), []AgentSpec{spec}, nil, nil, nil)
	sup.spawn = func(AgentSpec) (processHandle, error) {
		return nil, errors.New("exec: no such file")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, sup.Run(ctx))
}

func TestManageAgent_RestartsAfterCrashWithDoublingBackoff(t *testing.T) {
	withFastTimings(t)
	dir := t.TempDir()
	spec := AgentSpec{Name: "worker", Command: "/bin/true", Required: true}

	var spawnCount int32
	h1 := newFakeHandle(100)
	h2 := newFakeHandle(200)
	handles := []*fakeHandle{h1, h2}
	h1.exitNow(1)

	sup := New(zerolog.Nop(), dir, []AgentSpec{spec}, nil, nil, nil)
	sup.spawn = func(AgentSpec) (processHandle, error) {
		n := atomic.AddInt32(&spawnCount, 1)
		if int(n) <= len(handles) {
			return handles[n-1], nil
		}
		return handles[len(handles)-1], nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- sup.Run(ctx) }()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&spawnCount) >= 2 }, time.Second, time.Millisecond)

	snap := sup.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 1, snap[0].LastExitCode)
	assert.GreaterOrEqual(t, snap[0].RestartCount, 1)

	cancel()
	h2.exitNow(0)
	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestRun_IdempotentStart_SecondInvocationSkipsLiveLock(t *testing.T) {
	withFastTimings(t)
	dir := t.TempDir()
	spec := AgentSpec{Name: "worker", Command: "/bin/true", Required: true}

	h1 := newFakeHandle(os.Getpid())
	sup1 := New(zerolog.Nop(), dir, []AgentSpec{spec}, nil, nil, nil)
	sup1.spawn = func(AgentSpec) (processHandle, error) { return h1, nil }

	ctx1, cancel1 := context.WithCancel(context.Background())
	run1Done := make(chan error, 1)
	go func() { run1Done <- sup1.Run(ctx1) }()
	require.Eventually(t, func() bool { return len(sup1.Snapshot()) == 1 }, time.Second, time.Millisecond)

	var spawnedAgain int32
	sup2 := New(zerolog.Nop(), dir, []AgentSpec{spec}, nil, nil, nil)
	sup2.spawn = func(AgentSpec) (processHandle, error) {
		atomic.AddInt32(&spawnedAgain, 1)
		return newFakeHandle(999), nil
	}
	ctx2, cancel2 := context.WithCancel(context.Background())
	cancel2()
	require.NoError(t, sup2.Run(ctx2))
	assert.Zero(t, spawnedAgain, "second supervisor must not relaunch an agent whose lock is held by a live PID")

	cancel1()
	h1.exitNow(0)
	<-run1Done
}

func TestQuiesce_StopsAgentsAndSuppressesRelaunch(t *testing.T) {
	withFastTimings(t)
	dir := t.TempDir()
	spec := AgentSpec{Name: "worker", Command: "/bin/true", Required: true}

	var spawnCount int32
	h1 := newFakeHandle(100)
	sup := New(zerolog.Nop(), dir, []AgentSpec{spec}, nil, nil, nil)
	sup.spawn = func(AgentSpec) (processHandle, error) {
		atomic.AddInt32(&spawnCount, 1)
		return h1, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- sup.Run(ctx) }()
	require.Eventually(t, func() bool { return len(sup.Snapshot()) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, sup.Quiesce(context.Background()))

	// The fake handle's Signal exits it with code 0; the manage loop must
	// see the quiesce flag and stop rather than relaunch.
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&spawnCount), "a quiesced supervisor must not relaunch agents")

	cancel()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestLoadRoster_ValidatesRequiredFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
agents:
  - name: tradeloop
    command: /usr/local/bin/tradecore-tradeloop
    args: ["-config", "/etc/tradecore.env"]
    log_path: /var/log/tradecore/tradeloop.log
    required: true
    priority: 1
  - name: failover
    command: /usr/local/bin/tradecore-failover
    required: false
    priority: 2
`), 0o644))

	specs, err := LoadRoster(path)
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, "tradeloop", specs[0].Name)
	assert.True(t, specs[0].Required)
	assert.Equal(t, []string{"-config", "/etc/tradecore.env"}, specs[0].Args)
	assert.False(t, specs[1].Required)
}

func TestLoadRoster_MissingCommandErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
agents:
  - name: incomplete
`), 0o644))

	_, err := LoadRoster(path)
	assert.Error(t, err)
}

func TestLoadRoster_MissingFileErrors(t *testing.T) {
	_, err := LoadRoster(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
