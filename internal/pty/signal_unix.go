//go:build !windows

package pty

import (
	"errors"

	"golang.org/x/sys/unix"
)

// hangup sends SIGHUP to the shell's process group, as a terminal would on
// disconnect. The shell leads its own session, so the group ID equals its PID.
func hangup(pid int) error {
	if pid <= 0 {
		return nil
	}
	if err := unix.Kill(-pid, unix.SIGHUP); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}
