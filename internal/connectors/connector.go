// Package connectors defines how skatepark runs external programs.
package connectors

import (
	"context"
	"errors"
	"time"
)

// ErrLaunchTimeout is returned when a child does not start within LaunchSpec.Timeout.
var ErrLaunchTimeout = errors.New("launch timed out")

// ExecResult holds the result of a command execution.
type ExecResult struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	ExitCode int      `json:"exit_code"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
}

// Connector runs short-lived, allowlisted commands to completion.
type Connector interface {
	// Name returns the connector identifier.
	Name() string

	// Execute runs a command in dir and returns the result.
	Execute(ctx context.Context, dir, cmd string, args []string) (*ExecResult, error)

	// IsAllowed checks if a command is allowed to execute.
	IsAllowed(cmd string, args []string) bool
}

// LaunchSpec describes a long-lived child process.
type LaunchSpec struct {
	Dir         string
	Interpreter string
	Entry       string
	Args        []string
	// Env is the complete environment as KEY=VALUE pairs.
	Env     []string
	Timeout time.Duration
}

// ExitStatus is what a reaped child left behind.
type ExitStatus struct {
	ExitCode int
	Stdout   string
	Stderr   string
	// Err is set when the child could not be waited on normally.
	Err      error
	ExitedAt time.Time
}

// Process is a handle to a launched child.
type Process interface {
	Pid() int
	// Poll never blocks. ok is false while the child is still running.
	Poll() (status ExitStatus, ok bool)
	// Terminate signals the child's process group, escalating to a kill
	// after grace. It does not wait for the child to exit.
	Terminate(grace time.Duration) error
	// Done is closed once the child has been reaped.
	Done() <-chan struct{}
}

// Launcher spawns child processes.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}
