//go:build windows

package pty

// hangup is a no-op on Windows; Close falls back to killing the shell.
func hangup(pid int) error {
	return nil
}
