//go:build !windows

// Package proc probes process liveness without side effects.
package proc

import (
	"errors"
	"syscall"
)

// Alive reports whether the process with the given pid exists. Uses
// signal 0, which performs the permission and existence checks but
// delivers nothing.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to another user.
	return errors.Is(err, syscall.EPERM)
}
