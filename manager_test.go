package sumbridge

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verbrio/sumbridge/supervisor"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeWorkerScript writes a shell script that answers the handshake and the
// tool protocol. Request ids are deterministic (1, 2, 3, ...) so the script
// can hardcode them.
func fakeWorkerScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-script worker requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "worker.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

const echoWorkerBody = `while IFS= read -r line; do
  case "$line" in
    *'"method":"initialize"'*)
      printf '{"id":1,"jsonrpc":"2.0","result":{"protocolVersion":"2024-11-05","serverInfo":{"name":"fake","version":"0"},"capabilities":{}}}\n' ;;
    *'"method":"tools/list"'*)
      printf '{"id":2,"jsonrpc":"2.0","result":{"tools":[{"name":"echo","description":"echoes back","inputSchema":{"type":"object"}}]}}\n' ;;
    *'"method":"tools/call"'*)
      printf '{"id":3,"jsonrpc":"2.0","result":{"content":[{"type":"text","text":"pong"}]}}\n' ;;
  esac
done
`

func startedManager(t *testing.T, body string) *Manager {
	t.Helper()
	script := fakeWorkerScript(t, body)
	mgr := NewManager(ManagerConfig{
		Command:        "/bin/sh",
		Args:           []string{script},
		StartupGrace:   50 * time.Millisecond,
		StartupTimeout: 5 * time.Second,
		TerminateGrace: time.Second,
		Logger:         discardLogger(),
	})
	require.NoError(t, mgr.Start())
	t.Cleanup(mgr.Cleanup)
	return mgr
}

func TestManagerFullLifecycle(t *testing.T) {
	mgr := startedManager(t, echoWorkerBody)

	assert.Equal(t, StateReady, mgr.State())
	assert.True(t, mgr.IsHealthy())

	tools := mgr.ListTools()
	require.Contains(t, tools, "echo")
	assert.Equal(t, "echoes back", tools["echo"].Description)

	text, err := mgr.CallTool("echo", map[string]interface{}{"payload": "ping"}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "pong", text)

	mgr.Cleanup()
	assert.Equal(t, StateTerminated, mgr.State())
	assert.False(t, mgr.IsHealthy())

	// Idempotent.
	mgr.Cleanup()
	assert.Equal(t, StateTerminated, mgr.State())

	_, err = mgr.CallTool("echo", nil, time.Second)
	assert.True(t, errors.Is(err, ErrNotReady))
}

func TestManagerUnknownToolRejectedWithoutWorkerIO(t *testing.T) {
	mgr := startedManager(t, echoWorkerBody)

	_, err := mgr.CallTool("no_such_tool", nil, time.Second)
	assert.True(t, errors.Is(err, ErrToolNotFound))
}

func TestManagerCallBeforeStart(t *testing.T) {
	mgr := NewManager(ManagerConfig{Command: "/bin/sh", Logger: discardLogger()})

	_, err := mgr.CallTool("echo", nil, time.Second)
	assert.True(t, errors.Is(err, ErrNotReady))
	assert.False(t, mgr.IsHealthy())
	assert.Equal(t, StateUnstarted, mgr.State())
}

func TestManagerDoubleStart(t *testing.T) {
	mgr := startedManager(t, echoWorkerBody)
	assert.Error(t, mgr.Start())
}

func TestManagerWorkerExitsImmediately(t *testing.T) {
	script := fakeWorkerScript(t, "echo 'bad interpreter' 1>&2\nexit 3\n")
	mgr := NewManager(ManagerConfig{
		Command:      "/bin/sh",
		Args:         []string{script},
		StartupGrace: 500 * time.Millisecond,
		Logger:       discardLogger(),
	})

	err := mgr.Start()
	require.Error(t, err)
	assert.True(t, errors.Is(err, supervisor.ErrSpawnFailure))
	assert.Contains(t, err.Error(), "bad interpreter")
	assert.Equal(t, StateTerminated, mgr.State())
}

func TestManagerCallTimeout(t *testing.T) {
	// This worker answers the handshake but never answers tools/call.
	silent := `while IFS= read -r line; do
  case "$line" in
    *'"method":"initialize"'*)
      printf '{"id":1,"jsonrpc":"2.0","result":{"protocolVersion":"2024-11-05","serverInfo":{"name":"fake","version":"0"},"capabilities":{}}}\n' ;;
    *'"method":"tools/list"'*)
      printf '{"id":2,"jsonrpc":"2.0","result":{"tools":[{"name":"echo","description":"echoes back","inputSchema":{"type":"object"}}]}}\n' ;;
  esac
done
`
	mgr := startedManager(t, silent)

	start := time.Now()
	_, err := mgr.CallTool("echo", nil, 200*time.Millisecond)
	assert.True(t, errors.Is(err, ErrCallTimeout), "got %v", err)
	assert.Less(t, time.Since(start), 5*time.Second)

	// A timeout is transient; the worker is still alive.
	assert.True(t, mgr.IsHealthy())
}

func TestManagerDetectsDeadWorker(t *testing.T) {
	// Worker exits right after serving the handshake.
	dying := `while IFS= read -r line; do
  case "$line" in
    *'"method":"initialize"'*)
      printf '{"id":1,"jsonrpc":"2.0","result":{"protocolVersion":"2024-11-05","serverInfo":{"name":"fake","version":"0"},"capabilities":{}}}\n' ;;
    *'"method":"tools/list"'*)
      printf '{"id":2,"jsonrpc":"2.0","result":{"tools":[{"name":"echo","description":"echoes back","inputSchema":{"type":"object"}}]}}\n'
      exit 0 ;;
  esac
done
`
	mgr := startedManager(t, dying)
	require.Equal(t, StateReady, mgr.State())

	// Wait for the exit to be observed.
	deadline := time.After(5 * time.Second)
	for mgr.IsHealthy() {
		select {
		case <-deadline:
			t.Fatal("manager never noticed the dead worker")
		case <-time.After(10 * time.Millisecond):
		}
	}
	assert.Equal(t, StateDegraded, mgr.State())

	_, err := mgr.CallTool("echo", nil, time.Second)
	assert.True(t, errors.Is(err, ErrNotReady))
}

func TestManagerConfigDefaults(t *testing.T) {
	cfg := ManagerConfig{Command: "worker"}
	cfg.applyDefaults()

	assert.Equal(t, DefaultStartupGrace, cfg.StartupGrace)
	assert.Equal(t, DefaultStartupTimeout, cfg.StartupTimeout)
	assert.Equal(t, DefaultCallTimeout, cfg.CallTimeout)
	assert.Equal(t, supervisor.DefaultTerminateGrace, cfg.TerminateGrace)
	assert.NotZero(t, cfg.FramerLimit)
	assert.NotNil(t, cfg.Logger)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "unstarted", StateUnstarted.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "degraded", StateDegraded.String())
	assert.Equal(t, "terminated", StateTerminated.String())
}
