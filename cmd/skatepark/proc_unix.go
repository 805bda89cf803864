//go:build !windows

package main

import (
	"os/exec"
	"syscall"
)

// configureDaemonProc puts the supervisor in a new session so it outlives
// the terminal that started it.
func configureDaemonProc(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
