package sumbridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/verbrio/sumbridge/internal/protocol"
	"github.com/verbrio/sumbridge/supervisor"
	"github.com/verbrio/sumbridge/transport/stdio"
)

// State is the lifecycle phase of a Manager. Tool calls are only accepted in
// StateReady.
type State int32

const (
	StateUnstarted State = iota
	StateStarting
	StateReady
	StateDegraded
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// DefaultStartupGrace is how long Start watches the freshly spawned worker
// for an early exit before beginning the handshake.
const DefaultStartupGrace = 3 * time.Second

var (
	// ErrNotReady is returned by CallTool when the manager is not healthy.
	// No worker I/O happens in that case.
	ErrNotReady = errors.New("worker not available")

	// ErrToolNotFound is returned by CallTool for a name absent from the
	// cached catalog.
	ErrToolNotFound = errors.New("tool not available")

	// ErrPeerDied is returned when the worker process died while a call
	// was waiting. Unlike a timeout, this is not transient: the manager
	// must be torn down and restarted.
	ErrPeerDied = errors.New("worker process died")

	// ErrCallTimeout is returned when a tool call produced no response
	// within its deadline.
	ErrCallTimeout = errors.New("tool call timed out")
)

// ManagerConfig configures a Manager. Zero values select the defaults noted
// on each field.
type ManagerConfig struct {
	// Command and Args launch the worker process.
	Command string
	Args    []string

	// StartupGrace is the early-exit watch window after spawn (3s).
	StartupGrace time.Duration
	// StartupTimeout bounds the handshake (10s).
	StartupTimeout time.Duration
	// CallTimeout bounds a tool call when the caller passes none (60s).
	CallTimeout time.Duration
	// TerminateGrace is the graceful-exit window during Cleanup (5s).
	TerminateGrace time.Duration
	// FramerLimit caps the transport's unparseable-input accumulation
	// (10 KiB).
	FramerLimit int

	// Logger receives lifecycle and failure diagnostics. Defaults to
	// slog.Default.
	Logger *slog.Logger
}

func (c *ManagerConfig) applyDefaults() {
	if c.StartupGrace <= 0 {
		c.StartupGrace = DefaultStartupGrace
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = DefaultStartupTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.TerminateGrace <= 0 {
		c.TerminateGrace = supervisor.DefaultTerminateGrace
	}
	if c.FramerLimit <= 0 {
		c.FramerLimit = stdio.DefaultMaxBufferSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type toolCall struct {
	name    string
	args    map[string]interface{}
	timeout time.Duration
	// reply is buffered so a result arriving after the caller timed out is
	// absorbed and dropped with the call, never delivered to a later one.
	reply chan toolResult
}

type toolResult struct {
	text string
	err  error
}

// Manager is the single entry point callers use: it owns the worker process,
// the RPC session and one background goroutine that performs all worker I/O.
// Synchronous callers block on a reply channel while the background loop
// serializes their calls onto the single worker.
type Manager struct {
	cfg ManagerConfig
	log *slog.Logger

	mu      sync.Mutex
	state   State
	proc    *supervisor.Process
	client  *Client
	catalog map[string]ToolDescriptor

	calls      chan *toolCall
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// NewManager creates an unstarted Manager.
func NewManager(cfg ManagerConfig) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:   cfg,
		log:   cfg.Logger.With("component", "manager"),
		state: StateUnstarted,
		calls: make(chan *toolCall),
	}
}

// Start spawns the background loop and the worker process, performs the
// handshake and discovers the tool catalog. Any failure terminates the
// spawned worker, leaves the manager in StateTerminated and is returned; a
// Manager is never left half-initialized.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.state != StateUnstarted {
		state := m.state
		m.mu.Unlock()
		return errors.Errorf("manager already started (state %s)", state)
	}
	m.state = StateStarting
	m.mu.Unlock()

	loopCtx, cancel := context.WithCancel(context.Background())
	m.loopCancel = cancel
	m.loopDone = make(chan struct{})
	go m.runLoop(loopCtx)

	m.log.Info("starting worker", "command", m.cfg.Command, "args", m.cfg.Args)
	proc, err := supervisor.Spawn(m.cfg.Command, m.cfg.Args...)
	if err != nil {
		m.abortStart(nil, nil)
		return err
	}

	// A worker that dies right after spawn (bad interpreter, missing
	// binary behind a wrapper, import failure) is reported with its
	// stderr instead of surfacing later as a handshake timeout.
	select {
	case <-proc.Exited():
		diag := proc.CaptureDiagnostics()
		m.log.Error("worker exited during startup", "exit", proc.ExitError(), "stderr", diag)
		m.abortStart(proc, nil)
		return errors.Wrapf(supervisor.ErrSpawnFailure, "worker exited during startup: %s", diag)
	case <-time.After(m.cfg.StartupGrace):
	}

	tr := stdio.NewStdioTransportWithLimit(proc.Stdout(), proc.Stdin(), m.cfg.FramerLimit)
	client := NewClient(tr)
	client.SetStartupTimeout(m.cfg.StartupTimeout)
	client.OnError(func(err error) {
		m.log.Warn("session error", "error", err)
	})

	ctx, cancelInit := context.WithTimeout(context.Background(), m.cfg.StartupTimeout)
	defer cancelInit()

	if err := client.Initialize(ctx); err != nil {
		m.log.Error("handshake failed", "error", err, "stderr", proc.CaptureDiagnostics())
		m.abortStart(proc, client)
		return err
	}

	tools, err := client.ListTools(ctx)
	if err != nil {
		m.log.Error("tool discovery failed", "error", err, "stderr", proc.CaptureDiagnostics())
		m.abortStart(proc, client)
		return errors.Wrap(err, "tool discovery failed")
	}

	m.mu.Lock()
	m.proc = proc
	m.client = client
	m.catalog = tools
	m.state = StateReady
	m.mu.Unlock()

	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	m.log.Info("worker ready", "pid", proc.Pid(), "tools", names)
	return nil
}

// abortStart tears down whatever Start managed to build. The worker is
// always terminated so a failed Start cannot leak an orphan process.
func (m *Manager) abortStart(proc *supervisor.Process, client *Client) {
	if client != nil {
		_ = client.Close()
	}
	if proc != nil {
		proc.Terminate(m.cfg.TerminateGrace)
	}
	if m.loopCancel != nil {
		m.loopCancel()
	}
	m.mu.Lock()
	m.state = StateTerminated
	m.mu.Unlock()
}

// State returns the manager's current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsHealthy reports whether tool calls can currently be served: state Ready,
// worker alive and background loop running. Observing a dead worker degrades
// the state.
func (m *Manager) IsHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthyLocked()
}

func (m *Manager) healthyLocked() bool {
	if m.state != StateReady {
		return false
	}
	if m.proc == nil || !m.proc.IsAlive() {
		m.log.Warn("worker process no longer alive", "state", "degraded")
		m.state = StateDegraded
		return false
	}
	select {
	case <-m.loopDone:
		m.state = StateDegraded
		return false
	default:
	}
	return true
}

// ListTools returns a copy of the cached tool catalog.
func (m *Manager) ListTools() map[string]ToolDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	tools := make(map[string]ToolDescriptor, len(m.catalog))
	for name, tool := range m.catalog {
		tools[name] = tool
	}
	return tools
}

// CallTool invokes a tool by name, blocking the caller for at most timeout
// (zero selects the configured default). An unhealthy manager or an unknown
// tool is rejected immediately with no worker I/O. Failures are returned as
// sentinel errors (ErrNotReady, ErrToolNotFound, ErrCallTimeout, ErrPeerDied)
// so callers can distinguish a retryable timeout from a dead worker.
func (m *Manager) CallTool(name string, args map[string]interface{}, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = m.cfg.CallTimeout
	}

	m.mu.Lock()
	if !m.healthyLocked() {
		state := m.state
		m.mu.Unlock()
		return "", errors.Wrapf(ErrNotReady, "state %s", state)
	}
	if _, ok := m.catalog[name]; !ok {
		m.mu.Unlock()
		return "", errors.Wrapf(ErrToolNotFound, "%q", name)
	}
	m.mu.Unlock()

	call := &toolCall{
		name:    name,
		args:    args,
		timeout: timeout,
		reply:   make(chan toolResult, 1),
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case m.calls <- call:
	case <-timer.C:
		return "", errors.Wrapf(ErrCallTimeout, "tool %q: worker busy for %v", name, timeout)
	case <-m.loopDone:
		return "", errors.Wrap(ErrNotReady, "background loop stopped")
	}

	select {
	case result := <-call.reply:
		if result.err != nil {
			return "", m.classifyCallError(name, result.err)
		}
		return result.text, nil
	case <-timer.C:
		m.log.Warn("tool call timed out", "tool", name, "timeout", timeout)
		return "", errors.Wrapf(ErrCallTimeout, "tool %q after %v", name, timeout)
	}
}

// classifyCallError distinguishes worker death from transient failures so
// callers know whether a retry can possibly help.
func (m *Manager) classifyCallError(name string, err error) error {
	m.mu.Lock()
	dead := m.proc == nil || !m.proc.IsAlive()
	if dead && m.state == StateReady {
		m.state = StateDegraded
	}
	var diag string
	if dead && m.proc != nil {
		diag = m.proc.CaptureDiagnostics()
	}
	m.mu.Unlock()

	if dead {
		m.log.Error("worker died during call", "tool", name, "stderr", diag)
		return errors.Wrapf(ErrPeerDied, "during %q: %s", name, diag)
	}
	if errors.Is(err, protocol.ErrRequestTimeout) {
		return errors.Wrapf(ErrCallTimeout, "tool %q", name)
	}
	return errors.Wrapf(err, "tool %q", name)
}

// Cleanup tears everything down: graceful-then-forced worker termination,
// background loop shutdown, catalog cleared. Idempotent and best-effort; it
// is safe to call from a signal handler and calling it again is a no-op.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	if m.state == StateTerminated {
		m.mu.Unlock()
		return
	}
	m.state = StateTerminated
	proc := m.proc
	client := m.client
	m.proc = nil
	m.client = nil
	m.catalog = nil
	m.mu.Unlock()

	m.log.Info("cleaning up")
	if proc != nil {
		proc.Terminate(m.cfg.TerminateGrace)
	}
	if client != nil {
		_ = client.Close()
	}
	if m.loopCancel != nil {
		m.loopCancel()
	}
	m.log.Info("cleanup complete")
}

// runLoop is the manager's background execution context: the only goroutine
// that performs worker I/O. Calls are served strictly one at a time, so
// concurrent callers are serialized onto the single worker process.
func (m *Manager) runLoop(ctx context.Context) {
	defer close(m.loopDone)
	for {
		select {
		case <-ctx.Done():
			return
		case call := <-m.calls:
			m.mu.Lock()
			client := m.client
			m.mu.Unlock()
			if client == nil {
				call.reply <- toolResult{err: ErrNotReady}
				continue
			}
			callCtx, cancel := context.WithTimeout(ctx, call.timeout)
			text, err := client.CallTool(callCtx, call.name, call.args, call.timeout)
			cancel()
			call.reply <- toolResult{text: text, err: err}
		}
	}
}
