package controlplane

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fentz26/skatepark/internal/audit"
	"github.com/fentz26/skatepark/internal/connectors"
	"github.com/fentz26/skatepark/internal/connectors/localexec"
	"github.com/fentz26/skatepark/internal/log"
	"github.com/fentz26/skatepark/internal/models"
	"github.com/fentz26/skatepark/internal/store"
)

// fakeBuilder runs entry files with sh and never installs anything.
type fakeBuilder struct {
	sh string

	mu       sync.Mutex
	installs int
	env      map[string]string
	err      error
	delay    time.Duration
}

func (b *fakeBuilder) ResolveEnv(dir string) (map[string]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := map[string]string{}
	for k, v := range b.env {
		out[k] = v
	}
	return out, nil
}

func (b *fakeBuilder) Install(ctx context.Context, s models.Structure, timeout time.Duration) error {
	b.mu.Lock()
	b.installs++
	delay, err := b.delay, b.err
	b.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (b *fakeBuilder) Interpreter(dir string) string {
	return b.sh
}

func (b *fakeBuilder) installCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.installs
}

// timeoutLauncher always reports a launch timeout.
type timeoutLauncher struct{}

func (timeoutLauncher) Launch(ctx context.Context, spec connectors.LaunchSpec) (connectors.Process, error) {
	return nil, connectors.ErrLaunchTimeout
}

// gatedLauncher holds every launch until release is closed and then
// reports a launch timeout. Each launch spec is sent on launched.
type gatedLauncher struct {
	launched chan connectors.LaunchSpec
	release  chan struct{}
}

func newGatedLauncher() *gatedLauncher {
	return &gatedLauncher{
		launched: make(chan connectors.LaunchSpec, 1),
		release:  make(chan struct{}),
	}
}

func (l *gatedLauncher) Launch(ctx context.Context, spec connectors.LaunchSpec) (connectors.Process, error) {
	l.launched <- spec
	<-l.release
	return nil, connectors.ErrLaunchTimeout
}

// manualClock is a settable clock.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	svc     *Service
	store   *store.Store
	builder *fakeBuilder
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("sh not available: %v", err)
	}

	if opts.BaseURL == "" {
		opts.BaseURL = "http://127.0.0.1:5000/"
	}
	if opts.LaunchTimeout == 0 {
		opts.LaunchTimeout = 5 * time.Second
	}
	if opts.KillGrace == 0 {
		opts.KillGrace = 500 * time.Millisecond
	}
	opts.Logger = log.NewWriter(testWriter{t}, true, "text")

	st := store.New()
	b := &fakeBuilder{sh: sh}
	env := &testEnv{
		svc:     NewService(st, nil, b, localexec.New(), opts),
		store:   st,
		builder: b,
	}
	t.Cleanup(func() {
		for _, run := range st.ListRuns("") {
			if proc, err := st.Process(run.ID); err == nil && proc != nil {
				_ = proc.Terminate(0)
			}
		}
	})
	return env
}

// withAudit backs the service with a journal in a temp dir.
func (e *testEnv) withAudit(t *testing.T) {
	t.Helper()
	j, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	e.svc.pdr = audit.NewPDRWriter(j, e.svc.logger)
}

// testWriter routes slog output through t.Log.
type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// writeStructure creates a structure directory whose entry file is a
// shell script.
func writeStructure(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.py"), []byte(script+"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "requirements.txt"), nil, 0o644))
	return dir
}

func (e *testEnv) register(t *testing.T, script string) models.Structure {
	t.Helper()
	st, err := e.svc.RegisterStructure(context.Background(), RegisterRequest{
		Directory: writeStructure(t, script),
		MainFile:  "main.py",
	})
	require.NoError(t, err)
	return st
}

func (e *testEnv) startRun(t *testing.T, script string, req CreateRunRequest) models.Run {
	t.Helper()
	st := e.register(t, script)
	run, err := e.svc.CreateRun(context.Background(), st.ID, req)
	require.NoError(t, err)
	return run
}

// waitProcess blocks until the run's child has been reaped.
func (e *testEnv) waitProcess(t *testing.T, runID string) {
	t.Helper()
	proc, err := e.store.Process(runID)
	require.NoError(t, err)
	require.NotNil(t, proc)
	select {
	case <-proc.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("process did not exit")
	}
}

// waitTerminal reconciles until the run reaches a terminal state.
func (e *testEnv) waitTerminal(t *testing.T, runID string) models.Run {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		run, err := e.svc.GetRun(context.Background(), runID)
		require.NoError(t, err)
		if run.Status.IsTerminal() {
			return run
		}
		if time.Now().After(deadline) {
			t.Fatalf("run %s still %s", runID, run.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// envValue returns key's value from KEY=VALUE pairs.
func envValue(env []string, key string) string {
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			return v
		}
	}
	return ""
}

var errInstall = errors.New("pip failed")
