// Package supervisor owns the worker child process: spawning with piped
// standard streams, non-blocking liveness checks, best-effort stderr capture
// for failure reports, and graceful-then-forced termination. No other
// component touches the process handle directly.
package supervisor

import (
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// DefaultTerminateGrace is how long Terminate waits for a graceful exit
// before escalating to a kill.
const DefaultTerminateGrace = 5 * time.Second

// stderrCaptureLimit caps the retained stderr tail so a chatty worker cannot
// grow diagnostics without bound.
const stderrCaptureLimit = 64 * 1024

// ErrSpawnFailure wraps any failure to launch the worker process.
var ErrSpawnFailure = errors.New("failed to spawn worker process")

// Process is a handle to a spawned worker. All methods are safe for
// concurrent use.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	exited chan struct{}

	mu        sync.Mutex
	stderrBuf []byte
	waitErr   error
	stdinDone bool
}

// Spawn launches command with its three standard streams redirected to pipes
// owned by the returned Process. The pipes are plain os.Pipe pairs rather
// than exec's managed ones: Wait must not close the read side underneath a
// reader that has not yet consumed the worker's final output.
func Spawn(command string, args ...string) (*Process, error) {
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, errors.Wrap(ErrSpawnFailure, err.Error())
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW)
		return nil, errors.Wrap(ErrSpawnFailure, err.Error())
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return nil, errors.Wrap(ErrSpawnFailure, err.Error())
	}

	cmd := exec.Command(command, args...)
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return nil, errors.Wrapf(ErrSpawnFailure, "%s: %v", command, err)
	}

	// The child holds duplicates of its ends; drop ours so its exit
	// produces EOF on the read sides.
	closeAll(stdinR, stdoutW, stderrW)

	p := &Process{
		cmd:    cmd,
		stdin:  stdinW,
		stdout: stdoutR,
		exited: make(chan struct{}),
	}

	go p.drainStderr(stderrR)
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		close(p.exited)
	}()

	return p, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

// Stdin returns the worker's input stream. It must only be written by the
// transport's single writer.
func (p *Process) Stdin() io.WriteCloser { return p.stdin }

// Stdout returns the worker's output stream.
func (p *Process) Stdout() io.Reader { return p.stdout }

// Pid returns the worker's process id.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// IsAlive reports whether the worker is still running. It never blocks.
func (p *Process) IsAlive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// Exited is closed once the worker has exited.
func (p *Process) Exited() <-chan struct{} { return p.exited }

// ExitError returns the error reported by the worker's exit, if it has
// exited; nil otherwise.
func (p *Process) ExitError() error {
	select {
	case <-p.exited:
	default:
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// CaptureDiagnostics returns the stderr tail captured so far. Best-effort:
// it never blocks and never fails.
func (p *Process) CaptureDiagnostics() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.stderrBuf)
}

// Terminate closes the worker's stdin, sends SIGTERM and waits up to grace
// for a clean exit, then kills. Idempotent: calling it on an already-exited
// process is a no-op.
func (p *Process) Terminate(grace time.Duration) {
	if grace <= 0 {
		grace = DefaultTerminateGrace
	}

	p.closeStdin()

	if !p.IsAlive() {
		return
	}
	_ = p.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-p.exited:
		return
	case <-time.After(grace):
	}

	_ = p.cmd.Process.Kill()
	<-p.exited
}

func (p *Process) closeStdin() {
	p.mu.Lock()
	done := p.stdinDone
	p.stdinDone = true
	p.mu.Unlock()
	if !done {
		_ = p.stdin.Close()
	}
}

// drainStderr continuously reads the worker's stderr so the pipe can never
// fill and stall the worker, keeping only the most recent tail.
func (p *Process) drainStderr(stderr io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := stderr.Read(buf)
		if n > 0 {
			p.mu.Lock()
			p.stderrBuf = append(p.stderrBuf, buf[:n]...)
			if len(p.stderrBuf) > stderrCaptureLimit {
				p.stderrBuf = p.stderrBuf[len(p.stderrBuf)-stderrCaptureLimit:]
			}
			p.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}
