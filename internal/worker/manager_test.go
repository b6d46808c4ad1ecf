package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"intentbridge/internal/config"
	"intentbridge/internal/protocol"
	"intentbridge/internal/worker/workertest"
)

func TestMain(m *testing.M) {
	workertest.Main(m, func(m *testing.M) { goleak.VerifyTestMain(m) })
}

func newRequest(id, snapshot string) protocol.Request {
	return protocol.Request{
		ID:        id,
		Subject:   protocol.Subject{ID: "npc-7", Name: "Mara"},
		Prompt:    "Situation:\n" + snapshot,
		Snapshot:  snapshot,
		MaxTokens: 64,
		Enqueued:  time.Now(),
	}
}

func startManager(t *testing.T, mode string, opts ...Option) (*Manager, config.WorkerConfig) {
	t.Helper()
	m := NewManager(opts...)
	cfg := workertest.Config(t, mode)
	require.NoError(t, m.EnsureRunning(cfg))
	t.Cleanup(m.Terminate)
	return m, cfg
}

// =============================================================================
// HAPPY PATH
// =============================================================================

func TestManager_RoundTripSkipsForeignLines(t *testing.T) {
	m, _ := startManager(t, workertest.ModeEcho)
	assert.Equal(t, StateRunningCold, m.State())
	assert.NotZero(t, m.PID())

	req := newRequest("req-1", `"Stay close" | follow_player`)
	resp, err := m.SendRequest(context.Background(), req, 5*time.Second)
	require.NoError(t, err)

	assert.True(t, resp.OK)
	assert.Equal(t, "req-1", resp.ID)
	assert.Equal(t, `"Stay close" | follow_player`, resp.Text)
	assert.Empty(t, cmp.Diff(req.Subject, resp.Subject))
	assert.Equal(t, "NPU", resp.Metrics["device"])
	assert.Positive(t, resp.Duration)
	assert.Equal(t, StateRunningWarm, m.State())

	resp, err = m.SendRequest(context.Background(), newRequest("req-2", "second"), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "second", resp.Text)
	assert.Equal(t, 1, m.Starts())
}

func TestManager_EnsureRunningSameConfigIsNoop(t *testing.T) {
	m, cfg := startManager(t, workertest.ModeEcho)
	pid := m.PID()

	require.NoError(t, m.EnsureRunning(cfg))
	assert.Equal(t, pid, m.PID())
	assert.Equal(t, 1, m.Starts())

	running, ok := m.Config()
	assert.True(t, ok)
	assert.Equal(t, cfg, running)
}

func TestManager_ConfigChangeRestarts(t *testing.T) {
	m, cfg := startManager(t, workertest.ModeEcho)
	_, err := m.SendRequest(context.Background(), newRequest("a", "x"), 5*time.Second)
	require.NoError(t, err)
	oldPID := m.PID()

	cfg.Device = "GPU"
	require.NoError(t, m.EnsureRunning(cfg))
	assert.NotEqual(t, oldPID, m.PID())
	assert.Equal(t, 2, m.Starts())
	assert.Equal(t, StateRunningCold, m.State())

	resp, err := m.SendRequest(context.Background(), newRequest("b", "y"), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "GPU", resp.Metrics["device"])
}

func TestManager_StateHook(t *testing.T) {
	var (
		mu    sync.Mutex
		trail []State
	)
	hook := func(_, to State) {
		mu.Lock()
		trail = append(trail, to)
		mu.Unlock()
	}
	m, _ := startManager(t, workertest.ModeEcho, WithStateHook(hook))
	_, err := m.SendRequest(context.Background(), newRequest("a", "x"), 5*time.Second)
	require.NoError(t, err)
	m.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateStarting, StateRunningCold, StateRunningWarm, StateTerminating, StateStopped}
	assert.Empty(t, cmp.Diff(want, trail))
}

// =============================================================================
// SHUTDOWN
// =============================================================================

func TestManager_ShutdownAcknowledged(t *testing.T) {
	m, _ := startManager(t, workertest.ModeEcho, WithShutdownWait(2*time.Second))

	start := time.Now()
	m.Shutdown()
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StateStopped, m.State())
	assert.Zero(t, m.PID())

	// A second shutdown is harmless.
	m.Shutdown()
	assert.Equal(t, StateStopped, m.State())
}

func TestManager_ShutdownKillsUnresponsiveWorker(t *testing.T) {
	m, _ := startManager(t, workertest.ModeIgnoreShutdown, WithShutdownWait(100*time.Millisecond))

	start := time.Now()
	m.Shutdown()
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, StateStopped, m.State())
}

// =============================================================================
// FAILURES
// =============================================================================

func TestManager_TimeoutLeavesProcessForTerminate(t *testing.T) {
	m, _ := startManager(t, workertest.ModeSilent, WithStartupGrace(0))

	start := time.Now()
	_, err := m.SendRequest(context.Background(), newRequest("slow", "x"), 150*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.True(t, NeedsTerminate(err))
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	assert.True(t, m.State().Running())

	m.Terminate()
	assert.Equal(t, StateStopped, m.State())
	assert.Zero(t, m.PID())
}

func TestManager_ColdStartGraceExtendsDeadline(t *testing.T) {
	m, _ := startManager(t, workertest.ModeSilent, WithStartupGrace(400*time.Millisecond))

	start := time.Now()
	_, err := m.SendRequest(context.Background(), newRequest("cold", "x"), 50*time.Millisecond)
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
}

func TestManager_ContextCancel(t *testing.T) {
	m, _ := startManager(t, workertest.ModeSilent, WithStartupGrace(0))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := m.SendRequest(ctx, newRequest("c", "x"), 10*time.Second)
	assert.Equal(t, KindCanceled, KindOf(err))
	assert.True(t, NeedsTerminate(err))
}

func TestManager_CrashReportsExit(t *testing.T) {
	m, _ := startManager(t, workertest.ModeCrash)

	_, err := m.SendRequest(context.Background(), newRequest("boom", "x"), 5*time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProcessExited))
	assert.False(t, NeedsTerminate(err))
	assert.Contains(t, err.Error(), "exit status 3")
	assert.Contains(t, err.Error(), "device lost")
	assert.Equal(t, StateStopped, m.State())
}

func TestManager_WriteFailureAttachesLogTail(t *testing.T) {
	m, cfg := startManager(t, workertest.ModeClosedStdin)
	workertest.WaitForLog(t, cfg, 5*time.Second)

	_, err := m.SendRequest(context.Background(), newRequest("w", "x"), time.Second)
	require.Error(t, err)
	assert.Equal(t, KindIO, KindOf(err))
	assert.Contains(t, err.Error(), workertest.LogMarker)
}

func TestManager_SpawnFailure(t *testing.T) {
	m := NewManager()
	cfg := workertest.Config(t, workertest.ModeEcho)
	cfg.Executable = "/nonexistent/intentbridge-runner"

	err := m.EnsureRunning(cfg)
	assert.Equal(t, KindSpawn, KindOf(err))
	assert.Equal(t, StateStopped, m.State())
	assert.Zero(t, m.Starts())
}

func TestManager_InvalidConfig(t *testing.T) {
	m := NewManager()
	cfg := workertest.Config(t, workertest.ModeEcho)
	cfg.Device = "GPU"
	cfg.ForceNPU = true

	err := m.EnsureRunning(cfg)
	assert.True(t, errors.Is(err, ErrConfiguration))
	assert.Contains(t, err.Error(), "force_npu")
	assert.Equal(t, StateStopped, m.State())
}

func TestManager_SendWithoutWorker(t *testing.T) {
	m := NewManager()
	_, err := m.SendRequest(context.Background(), newRequest("x", "y"), time.Second)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestManager_EncodeFailureKeepsWorker(t *testing.T) {
	m, _ := startManager(t, workertest.ModeEcho)

	_, err := m.SendRequest(context.Background(), newRequest("", "y"), time.Second)
	assert.Equal(t, KindProtocol, KindOf(err))
	assert.False(t, NeedsTerminate(err))
	assert.True(t, m.State().Running())
}
