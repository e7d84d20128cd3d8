//go:build !(linux || darwin || freebsd)

package lifecycle

import "syscall"

func detachedAttr() *syscall.SysProcAttr {
	return nil
}
