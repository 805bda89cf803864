package localexec

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fentz26/skatepark/internal/connectors"
)

func TestIsAllowed(t *testing.T) {
	l := New()

	tests := []struct {
		cmd     string
		args    []string
		allowed bool
	}{
		{"python3", []string{"-m", "venv", ".venv"}, true},
		{"/tmp/s/.venv/bin/pip", []string{"install", "-r", "requirements.txt"}, true},
		{"pip3", []string{"install"}, true},
		{"pip", []string{"uninstall", "x"}, false}, // subcommand not allowed
		{"python3", []string{"-c", "print(1)"}, false},
		{"rm", []string{"-rf", "/"}, false},
		{"pip", []string{}, false}, // no subcommand
	}

	for _, tt := range tests {
		t.Run(tt.cmd+" "+strings.Join(tt.args, " "), func(t *testing.T) {
			got := l.IsAllowed(tt.cmd, tt.args)
			if got != tt.allowed {
				t.Errorf("IsAllowed(%s, %v) = %v, want %v", tt.cmd, tt.args, got, tt.allowed)
			}
		})
	}
}

func TestExecute_NotAllowed(t *testing.T) {
	_, err := New().Execute(context.Background(), t.TempDir(), "rm", []string{"-rf", "/"})
	if err == nil {
		t.Error("Expected error for non-allowed command")
	}
}

func TestExecute_CapturesOutputAndExitCode(t *testing.T) {
	sh := lookSh(t)
	l := NewWithAllowlist(map[string][]string{"sh": {"-c"}})
	dir := t.TempDir()

	res, err := l.Execute(context.Background(), dir, sh, []string{"-c", "pwd; echo oops >&2; exit 3"})
	require.NoError(t, err)
	require.Equal(t, 3, res.ExitCode)
	require.Equal(t, "oops\n", res.Stderr)

	wantDir, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	gotDir, err := filepath.EvalSymlinks(strings.TrimSpace(res.Stdout))
	require.NoError(t, err)
	require.Equal(t, wantDir, gotDir)
}

func TestLaunch_ExitAndOutput(t *testing.T) {
	sh := lookSh(t)
	dir := t.TempDir()
	writeScript(t, dir, "main.sh", `echo "run=$GT_CLOUD_STRUCTURE_RUN_ID arg=$1"; echo warn >&2; exit 2`)

	p, err := New().Launch(context.Background(), connectors.LaunchSpec{
		Dir:         dir,
		Interpreter: sh,
		Entry:       "main.sh",
		Args:        []string{"hello"},
		Env:         []string{"GT_CLOUD_STRUCTURE_RUN_ID=r-1"},
		Timeout:     5 * time.Second,
	})
	require.NoError(t, err)
	require.NotZero(t, p.Pid())

	status := waitExit(t, p)
	require.Equal(t, 2, status.ExitCode)
	require.Equal(t, "run=r-1 arg=hello\n", status.Stdout)
	require.Equal(t, "warn\n", status.Stderr)
	require.NoError(t, status.Err)
}

func TestLaunch_PollDoesNotBlock(t *testing.T) {
	sh := lookSh(t)
	dir := t.TempDir()
	writeScript(t, dir, "main.sh", "sleep 5")

	p, err := New().Launch(context.Background(), connectors.LaunchSpec{
		Dir: dir, Interpreter: sh, Entry: "main.sh", Env: os.Environ(),
	})
	require.NoError(t, err)

	_, exited := p.Poll()
	require.False(t, exited)

	require.NoError(t, p.Terminate(time.Second))
	status := waitExit(t, p)
	require.NotEqual(t, 0, status.ExitCode)
}

func TestLaunch_TerminateEscalatesToKill(t *testing.T) {
	sh := lookSh(t)
	dir := t.TempDir()
	writeScript(t, dir, "main.sh", "trap '' TERM; while true; do sleep 0.1; done")

	p, err := New().Launch(context.Background(), connectors.LaunchSpec{
		Dir: dir, Interpreter: sh, Entry: "main.sh", Env: os.Environ(),
	})
	require.NoError(t, err)

	// Give the shell time to install its trap.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, p.Terminate(200*time.Millisecond))
	waitExit(t, p)
}

func TestLaunch_MissingEntry(t *testing.T) {
	sh := lookSh(t)
	dir := t.TempDir()

	_, err := New().Launch(context.Background(), connectors.LaunchSpec{
		Dir: dir, Interpreter: sh, Entry: "missing.sh",
	})
	require.Error(t, err)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestLaunch_MissingDirectory(t *testing.T) {
	sh := lookSh(t)

	_, err := New().Launch(context.Background(), connectors.LaunchSpec{
		Dir: filepath.Join(t.TempDir(), "gone"), Interpreter: sh, Entry: "main.sh",
	})
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestLaunch_MissingInterpreter(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "main.sh", "exit 0")

	_, err := New().Launch(context.Background(), connectors.LaunchSpec{
		Dir: dir, Interpreter: filepath.Join(dir, ".venv", "bin", "python3"), Entry: "main.sh",
	})
	require.Error(t, err)
}

func lookSh(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("sh not available: %v", err)
	}
	return sh
}

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body+"\n"), 0o644))
}

func waitExit(t *testing.T, p connectors.Process) connectors.ExitStatus {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("process did not exit")
	}
	status, ok := p.Poll()
	require.True(t, ok)
	return status
}
