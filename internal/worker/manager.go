// Package worker manages the external inference process: spawning it with a
// resolved configuration, writing one request line at a time, reading until
// the correlated answer arrives, and tearing it down gracefully or by force.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"intentbridge/internal/config"
	"intentbridge/internal/logging"
	"intentbridge/internal/protocol"
)

// Defaults for the manager's timing knobs.
const (
	DefaultStartupGrace = 120 * time.Second
	DefaultShutdownWait = 200 * time.Millisecond
	DefaultExitDrain    = 100 * time.Millisecond
	DefaultPollMin      = 2 * time.Millisecond
	DefaultPollMax      = 25 * time.Millisecond
)

// StateHook observes state transitions.
type StateHook func(from, to State)

// Option configures a Manager.
type Option func(*Manager)

// WithStartupGrace sets the minimum deadline granted to the first request of
// a freshly started (cold) worker.
func WithStartupGrace(d time.Duration) Option {
	return func(m *Manager) { m.startupGrace = d }
}

// WithShutdownWait bounds how long Shutdown waits for an acknowledgement and
// again for the process to exit.
func WithShutdownWait(d time.Duration) Option {
	return func(m *Manager) { m.shutdownWait = d }
}

// WithStateHook registers a transition observer. It runs synchronously.
func WithStateHook(h StateHook) Option {
	return func(m *Manager) { m.hook = h }
}

// Manager owns at most one worker process. The lifecycle methods are
// serialized internally; State, PID and Config are safe from any goroutine.
type Manager struct {
	op sync.Mutex // serializes lifecycle operations

	mu     sync.Mutex // guards the fields below
	state  State
	cfg    config.WorkerConfig
	proc   *process
	starts int

	startupGrace time.Duration
	shutdownWait time.Duration
	exitDrain    time.Duration
	pollMin      time.Duration
	pollMax      time.Duration
	hook         StateHook
}

// NewManager creates a stopped Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		state:        StateStopped,
		startupGrace: DefaultStartupGrace,
		shutdownWait: DefaultShutdownWait,
		exitDrain:    DefaultExitDrain,
		pollMin:      DefaultPollMin,
		pollMax:      DefaultPollMax,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// PID returns the process id of the running worker, or 0.
func (m *Manager) PID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.proc == nil {
		return 0
	}
	return m.proc.pid
}

// Config returns the config the running worker was started with.
func (m *Manager) Config() (config.WorkerConfig, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg, m.proc != nil
}

// SetStartupGrace changes the cold-start grace for subsequent requests.
func (m *Manager) SetStartupGrace(d time.Duration) {
	m.mu.Lock()
	m.startupGrace = d
	m.mu.Unlock()
}

// Starts returns how many processes this manager has spawned.
func (m *Manager) Starts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starts
}

func (m *Manager) setState(to State) {
	m.mu.Lock()
	from := m.state
	m.state = to
	hook := m.hook
	m.mu.Unlock()

	if from != to {
		logging.WorkerDebug("state %s -> %s", from, to)
		if hook != nil {
			hook(from, to)
		}
	}
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// EnsureRunning makes sure a worker started with exactly cfg is running. A
// worker running with any other config is shut down first; there is no
// in-place reconfiguration. A worker that died since the last request is
// reaped and replaced.
func (m *Manager) EnsureRunning(cfg config.WorkerConfig) error {
	m.op.Lock()
	defer m.op.Unlock()

	m.mu.Lock()
	p, current := m.proc, m.cfg
	m.mu.Unlock()

	if p != nil {
		switch {
		case p.hasExited():
			logging.WorkerWarn("pid %d exited while idle (%s), restarting", p.pid, p.exitStatus())
			m.releaseLocked(p)
		case current != cfg:
			logging.Worker("worker config changed, restarting pid %d", p.pid)
			m.shutdownLocked(p)
		default:
			return nil
		}
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	m.setState(StateStarting)
	p, err := startProcess(cfg)
	if err != nil {
		m.setState(StateStopped)
		return fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	m.mu.Lock()
	m.proc = p
	m.cfg = cfg
	m.starts++
	m.mu.Unlock()
	m.setState(StateRunningCold)

	logging.Worker("started worker pid %d: %s %v", p.pid, cfg.Executable, cfg.Args())
	return nil
}

// Shutdown asks the worker to exit: it writes the shutdown command, waits
// briefly for an acknowledgement, closes stdin, waits briefly for exit and
// then releases everything, killing the process if it is still alive.
func (m *Manager) Shutdown() {
	m.op.Lock()
	defer m.op.Unlock()

	m.mu.Lock()
	p := m.proc
	m.mu.Unlock()
	if p == nil {
		return
	}
	m.shutdownLocked(p)
}

func (m *Manager) shutdownLocked(p *process) {
	timer := logging.StartTimer(logging.CategoryWorker, fmt.Sprintf("shutdown of pid %d", p.pid))
	defer timer.StopWithThreshold(2*m.shutdownWait + DefaultExitDrain)
	m.setState(StateTerminating)

	if !p.hasExited() {
		if err := p.write(protocol.EncodeShutdown(), time.Now().Add(m.shutdownWait)); err != nil {
			logging.WorkerDebug("shutdown write to pid %d: %v", p.pid, err)
		} else if m.awaitLine(p, protocol.ShutdownID, m.shutdownWait) {
			logging.WorkerDebug("pid %d acknowledged shutdown", p.pid)
		}
	}

	p.closeStdin()
	select {
	case <-p.exited:
	case <-time.After(m.shutdownWait):
		logging.WorkerDebug("pid %d still alive after shutdown wait, killing", p.pid)
	}
	m.releaseLocked(p)
}

// Terminate kills the worker immediately. Used after a timeout or a broken
// stream, where negotiating with the worker cannot be trusted.
func (m *Manager) Terminate() {
	m.op.Lock()
	defer m.op.Unlock()

	m.mu.Lock()
	p := m.proc
	m.mu.Unlock()
	if p == nil {
		return
	}
	m.setState(StateTerminating)
	logging.WorkerWarn("terminating pid %d", p.pid)
	m.releaseLocked(p)
}

func (m *Manager) releaseLocked(p *process) {
	p.release()
	m.mu.Lock()
	if m.proc == p {
		m.proc = nil
	}
	m.mu.Unlock()
	m.setState(StateStopped)
}

// awaitLine reads output until a line decodes for id, the process exits, or
// wait elapses.
func (m *Manager) awaitLine(p *process, id string, wait time.Duration) bool {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		for {
			line, ok := p.nextLine()
			if !ok {
				break
			}
			if _, ok := protocol.Decode(line, id); ok {
				return true
			}
		}
		select {
		case chunk, ok := <-p.chunks:
			if !ok {
				return false
			}
			p.append(chunk)
		case <-p.exited:
			return false
		case <-timer.C:
			return false
		}
	}
}

// =============================================================================
// REQUEST / RESPONSE
// =============================================================================

// SendRequest writes req and waits for the line echoing its id. Lines that
// are not the answer are skipped. The deadline is timeout, raised to the
// startup grace while the worker is cold. The returned Response carries the
// request's subject and the round-trip duration.
//
// On ErrTimeout, ErrIO or ErrCanceled the process is still alive and the
// caller should Terminate it; on ErrProcessExited it is already gone and the
// handle has been released.
func (m *Manager) SendRequest(ctx context.Context, req protocol.Request, timeout time.Duration) (protocol.Response, error) {
	m.op.Lock()
	defer m.op.Unlock()

	m.mu.Lock()
	p, state, cfg, grace := m.proc, m.state, m.cfg, m.startupGrace
	m.mu.Unlock()
	if p == nil {
		return protocol.Response{}, ErrNotRunning
	}

	line, err := protocol.Encode(req)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	effective := timeout
	if state == StateRunningCold && grace > effective {
		effective = grace
	}
	start := time.Now()
	deadline := start.Add(effective)
	log := logging.WithRequestID(logging.CategoryWorker, req.ID)

	if err := p.write(line, deadline); err != nil {
		return protocol.Response{}, ioError(err, cfg.LogFile)
	}
	log.Debug("sent %d bytes to pid %d (deadline %v, %s)", len(line), p.pid, effective, state)

	resp, err := m.readResponse(ctx, p, req.ID, deadline, cfg)
	if err != nil {
		if KindOf(err) == KindProcessExited {
			m.releaseLocked(p)
		}
		return protocol.Response{}, err
	}

	resp.Subject = req.Subject
	resp.Duration = time.Since(start)
	if state == StateRunningCold {
		m.setState(StateRunningWarm)
		log.Info("worker pid %d warm after %v", p.pid, resp.Duration)
	}
	return resp, nil
}

// readResponse is the poll loop. Each iteration consumes complete lines,
// then waits for more output, process exit, cancellation or a backoff tick,
// and re-checks the deadline.
func (m *Manager) readResponse(ctx context.Context, p *process, id string, deadline time.Time, cfg config.WorkerConfig) (protocol.Response, error) {
	plog := logging.Get(logging.CategoryProtocol)
	backoff := m.pollMin
	timer := time.NewTimer(backoff)
	defer timer.Stop()

	exited := p.exited
	var drainUntil time.Time
	chunks := p.chunks

	for {
		for {
			line, ok := p.nextLine()
			if !ok {
				break
			}
			if resp, ok := protocol.Decode(line, id); ok {
				return resp, nil
			}
			if gotID, err := protocol.PeekID(line); err == nil {
				plog.Debug("skipped line for %q while waiting for %s", gotID, id)
			} else if line != "" {
				plog.Debug("worker chatter: %s", line)
			}
		}

		if chunks == nil {
			// Output is closed: nothing more can arrive.
			if err := p.readFailure(); err != nil && !p.hasExited() {
				return protocol.Response{}, ioError(err, cfg.LogFile)
			}
			return protocol.Response{}, m.exitedError(p, cfg)
		}
		if !drainUntil.IsZero() && time.Now().After(drainUntil) {
			return protocol.Response{}, m.exitedError(p, cfg)
		}
		if err := ctx.Err(); err != nil {
			return protocol.Response{}, fmt.Errorf("%w: %v", ErrCanceled, err)
		}
		if time.Now().After(deadline) {
			return protocol.Response{}, fmt.Errorf("%w: no response for %s by %s", ErrTimeout, id, deadline.Format(time.TimeOnly))
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(backoff)

		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			p.append(chunk)
			backoff = m.pollMin
		case <-exited:
			// Give already-written output a moment to arrive.
			exited = nil
			drainUntil = time.Now().Add(m.exitDrain)
		case <-ctx.Done():
		case <-timer.C:
			backoff *= 2
			if backoff > m.pollMax {
				backoff = m.pollMax
			}
		}
	}
}

func (m *Manager) exitedError(p *process, cfg config.WorkerConfig) error {
	status := "still running"
	select {
	case <-p.exited:
		status = p.exitStatus()
	case <-time.After(m.exitDrain):
	}
	msg := fmt.Sprintf("%v: pid %d (%s)", ErrProcessExited, p.pid, status)
	if out := p.recentOutput(); out != "" {
		msg += "\n--- last output ---\n" + out
	}
	if tail := readTail(cfg.LogFile, logTailBytes); tail != "" {
		msg += "\n--- runner log tail ---\n" + tail
	}
	return &exitError{msg: msg}
}

// exitError carries the diagnostic message for ErrProcessExited.
type exitError struct {
	msg string
}

func (e *exitError) Error() string { return e.msg }

func (e *exitError) Unwrap() error { return ErrProcessExited }
