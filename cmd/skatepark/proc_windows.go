//go:build windows

package main

import (
	"os/exec"
	"syscall"
)

// configureDaemonProc starts the supervisor in its own process group with
// no console, so closing the watch view does not take it down.
func configureDaemonProc(cmd *exec.Cmd) {
	const detachedProcess = 0x00000008
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP | detachedProcess,
	}
}
