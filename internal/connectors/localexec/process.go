package localexec

import (
	"bytes"
	"errors"
	"os/exec"
	"time"

	"github.com/fentz26/skatepark/internal/connectors"
)

// process is the handle for a launched child. The output buffers are only
// written by exec's copy goroutines and only read after Wait returns.
type process struct {
	cmd    *exec.Cmd
	stdout bytes.Buffer
	stderr bytes.Buffer

	// status is written once, before done is closed.
	status connectors.ExitStatus
	done   chan struct{}
}

func (p *process) Pid() int {
	return p.cmd.Process.Pid
}

func (p *process) Done() <-chan struct{} {
	return p.done
}

func (p *process) Poll() (connectors.ExitStatus, bool) {
	select {
	case <-p.done:
		return p.status, true
	default:
		return connectors.ExitStatus{}, false
	}
}

func (p *process) Terminate(grace time.Duration) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	if err := signalGroup(p.cmd, sigTerm); err != nil {
		return err
	}
	go func() {
		select {
		case <-p.done:
		case <-time.After(grace):
			_ = signalGroup(p.cmd, sigKill)
		}
	}()
	return nil
}

func (p *process) wait() {
	err := p.cmd.Wait()

	status := connectors.ExitStatus{
		ExitCode: p.cmd.ProcessState.ExitCode(),
		Stdout:   p.stdout.String(),
		Stderr:   p.stderr.String(),
		ExitedAt: time.Now().UTC(),
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) && !errors.Is(err, exec.ErrWaitDelay) {
		status.Err = err
	}

	p.status = status
	close(p.done)
}
