// Package pty provides PTY (pseudo-terminal) backed shell processes.
package pty

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creack/pty"
)

const (
	// DefaultReadBufferSize is the buffer size for reading PTY output.
	DefaultReadBufferSize = 4096

	// DefaultRows and DefaultCols are used when StartOptions leaves the geometry unset.
	DefaultRows = 24
	DefaultCols = 80

	// exitDrainTimeout bounds how long the exit callback waits for buffered
	// output after the process has been reaped. Background jobs that keep the
	// slave side open would otherwise hold it forever.
	exitDrainTimeout = 2 * time.Second
)

var (
	// ErrCommandRequired is returned when StartOptions has no command.
	ErrCommandRequired = errors.New("command is required")

	// ErrClosed is returned when writing to or resizing a closed process.
	ErrClosed = errors.New("process is closed")
)

// StartOptions contains options for starting a PTY process.
type StartOptions struct {
	// Command is the command to execute.
	Command string

	// Args are the arguments to pass to the command.
	Args []string

	// Env is the environment variables for the process.
	// If nil, the current process environment is used.
	Env []string

	// Dir is the working directory for the process.
	// If empty, the current directory is used.
	Dir string

	// InitialRows is the initial number of rows for the PTY.
	InitialRows uint16

	// InitialCols is the initial number of columns for the PTY.
	InitialCols uint16

	// OutputCallback is called from a single goroutine for every chunk read
	// from the PTY, in order. The slice is reused after the callback returns.
	OutputCallback func(data []byte)

	// ExitCallback is called once when the process exits, after the
	// remaining output has been delivered.
	ExitCallback func(exitCode int, err error)
}

// Process is a running shell attached to a pseudo-terminal.
type Process struct {
	cmd    *exec.Cmd
	master *os.File
	pid    int

	outputCallback func(data []byte)
	exitCallback   func(exitCode int, err error)

	closed atomic.Bool

	closeOnce sync.Once
	closeErr  error

	readDone chan struct{}
	exited   chan struct{}
	exitCode int
}

// Start starts a new PTY process with the given options.
func Start(opts StartOptions) (*Process, error) {
	if opts.Command == "" {
		return nil, ErrCommandRequired
	}
	if opts.InitialRows == 0 {
		opts.InitialRows = DefaultRows
	}
	if opts.InitialCols == 0 {
		opts.InitialCols = DefaultCols
	}

	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Env = opts.Env
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Dir = opts.Dir

	master, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: opts.InitialRows,
		Cols: opts.InitialCols,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start PTY: %w", err)
	}

	p := &Process{
		cmd:            cmd,
		master:         master,
		pid:            cmd.Process.Pid,
		outputCallback: opts.OutputCallback,
		exitCallback:   opts.ExitCallback,
		readDone:       make(chan struct{}),
		exited:         make(chan struct{}),
	}

	go p.readLoop()
	go p.waitLoop()

	return p, nil
}

// PID returns the process ID of the shell.
func (p *Process) PID() int {
	return p.pid
}

// Write writes data to the PTY input.
func (p *Process) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}

	n, err := p.master.Write(data)
	if err != nil {
		return n, fmt.Errorf("failed to write to PTY: %w", err)
	}
	return n, nil
}

// Resize changes the PTY window size.
func (p *Process) Resize(cols, rows uint16) error {
	if p.closed.Load() {
		return ErrClosed
	}

	return pty.Setsize(p.master, &pty.Winsize{Rows: rows, Cols: cols})
}

// Size returns the current PTY window size.
func (p *Process) Size() (cols, rows uint16, err error) {
	ws, err := pty.GetsizeFull(p.master)
	if err != nil {
		return 0, 0, err
	}
	return ws.Cols, ws.Rows, nil
}

// Close hangs up the shell's process group, kills the shell and closes the
// PTY master. It is safe to call more than once and from the exit callback.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)

		select {
		case <-p.exited:
			// Already reaped; the PID may have been reused.
		default:
			if err := hangup(p.pid); err != nil {
				p.closeErr = err
			}
		}
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) && p.closeErr == nil {
			p.closeErr = err
		}
		if err := p.master.Close(); err != nil && p.closeErr == nil {
			p.closeErr = err
		}
	})
	return p.closeErr
}

// Done returns a channel that is closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.exited
}

// ExitCode returns the exit code, or -1 if the process was killed by a
// signal. Only meaningful after Done is closed.
func (p *Process) ExitCode() int {
	<-p.exited
	return p.exitCode
}

// readLoop reads output from the PTY and hands it to the output callback.
func (p *Process) readLoop() {
	defer close(p.readDone)

	buf := make([]byte, DefaultReadBufferSize)
	for {
		n, err := p.master.Read(buf)
		if n > 0 && p.outputCallback != nil {
			p.outputCallback(buf[:n])
		}
		if err != nil {
			// EIO once the slave side is gone, os.ErrClosed after Close.
			return
		}
	}
}

// waitLoop reaps the process, drains remaining output and reports the exit.
func (p *Process) waitLoop() {
	code, waitErr := exitStatus(p.cmd.Wait())

	select {
	case <-p.readDone:
	case <-time.After(exitDrainTimeout):
	}

	p.exitCode = code
	close(p.exited)

	if p.exitCallback != nil {
		p.exitCallback(code, waitErr)
	}

	p.Close()
}

// exitStatus converts the result of cmd.Wait into an exit code.
// Returns -1 if the process was killed by a signal.
func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}
