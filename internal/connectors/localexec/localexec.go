// Package localexec runs commands and structure processes on the local host.
package localexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/skatepark/internal/connectors"
)

// DefaultAllowlist is the set of build commands a structure may trigger.
var DefaultAllowlist = map[string][]string{
	"python3": {"-m"},
	"python":  {"-m"},
	"pip":     {"install"},
	"pip3":    {"install"},
}

// outputDrainDelay bounds how long a reaped child's output pipes may be held
// open by processes it left behind.
const outputDrainDelay = 2 * time.Second

// LocalExec implements connectors.Connector and connectors.Launcher.
type LocalExec struct {
	allowed map[string][]string
}

// New creates a LocalExec with the default build allowlist.
func New() *LocalExec {
	return NewWithAllowlist(DefaultAllowlist)
}

// NewWithAllowlist creates a LocalExec restricted to the given
// command -> permitted first argument table.
func NewWithAllowlist(allowed map[string][]string) *LocalExec {
	return &LocalExec{allowed: allowed}
}

// Name returns the connector identifier.
func (l *LocalExec) Name() string {
	return "localexec"
}

// IsAllowed checks if a command is in the allowlist. Commands are matched
// by base name so a venv-local pip is treated like pip.
func (l *LocalExec) IsAllowed(cmd string, args []string) bool {
	allowedSubcmds, ok := l.allowed[filepath.Base(cmd)]
	if !ok {
		return false
	}
	if len(args) == 0 {
		return false
	}
	for _, allowed := range allowedSubcmds {
		if args[0] == allowed {
			return true
		}
	}
	return false
}

// Execute runs an allowlisted command in dir and waits for it.
func (l *LocalExec) Execute(ctx context.Context, dir, cmd string, args []string) (*connectors.ExecResult, error) {
	if !l.IsAllowed(cmd, args) {
		return nil, fmt.Errorf("command not allowed: %s %s", cmd, strings.Join(args, " "))
	}

	execCmd := exec.CommandContext(ctx, cmd, args...)
	execCmd.Dir = dir

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	err := execCmd.Run()

	exitCode := 0
	if err != nil {
		var exitError *exec.ExitError
		if !errors.As(err, &exitError) {
			return nil, fmt.Errorf("exec error: %w", err)
		}
		exitCode = exitError.ExitCode()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("exec %s: %w", cmd, ctx.Err())
		}
	}

	return &connectors.ExecResult{
		Command:  cmd,
		Args:     args,
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// Launch spawns spec.Interpreter with the entry file and args in its own
// process group. It returns once the child has started, or fails with
// connectors.ErrLaunchTimeout if that takes longer than spec.Timeout.
func (l *LocalExec) Launch(ctx context.Context, spec connectors.LaunchSpec) (connectors.Process, error) {
	info, err := os.Stat(spec.Dir)
	if err != nil {
		return nil, fmt.Errorf("structure directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("structure directory %s is not a directory", spec.Dir)
	}
	entry := spec.Entry
	if !filepath.IsAbs(entry) {
		entry = filepath.Join(spec.Dir, entry)
	}
	info, err = os.Stat(entry)
	if err != nil {
		return nil, fmt.Errorf("entry file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("entry file %s is a directory", entry)
	}

	cmd := exec.Command(spec.Interpreter, append([]string{spec.Entry}, spec.Args...)...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.WaitDelay = outputDrainDelay
	setProcessGroup(cmd)

	p := &process{cmd: cmd, done: make(chan struct{})}
	cmd.Stdout = &p.stdout
	cmd.Stderr = &p.stderr

	started := make(chan error, 1)
	go func() { started <- cmd.Start() }()

	var timeout <-chan time.Time
	if spec.Timeout > 0 {
		timer := time.NewTimer(spec.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case err := <-started:
		if err != nil {
			return nil, fmt.Errorf("start %s: %w", spec.Interpreter, err)
		}
	case <-timeout:
		go abandon(cmd, started)
		return nil, connectors.ErrLaunchTimeout
	case <-ctx.Done():
		go abandon(cmd, started)
		return nil, ctx.Err()
	}

	go p.wait()
	return p, nil
}

// abandon kills a child whose start completed after the caller gave up on it.
func abandon(cmd *exec.Cmd, started <-chan error) {
	if err := <-started; err != nil {
		return
	}
	_ = signalGroup(cmd, sigKill)
	_ = cmd.Wait()
}
