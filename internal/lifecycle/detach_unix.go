//go:build linux || darwin || freebsd

package lifecycle

import "syscall"

// detachedAttr puts the daemon in its own session so terminal signals sent
// to the CLI do not reach it.
func detachedAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
