//go:build windows

package proc

import "os"

// Alive reports whether the process with the given pid exists. On
// Windows, FindProcess opens a handle, which only succeeds for live
// processes.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	p.Release()
	return true
}
