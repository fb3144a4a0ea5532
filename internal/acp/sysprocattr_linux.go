//go:build linux

package acp

import "syscall"

// buildSysProcAttr puts the agent in its own process group so the whole
// tree can be signalled together, and ties its lifetime to ours.
func buildSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGTERM,
		Setpgid:   true,
	}
}
