// Package runner executes the fixed helper commands behind the script
// trigger endpoints.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultTimeout applies when a Runner is created without one.
	DefaultTimeout = 5 * time.Minute

	// waitDelay bounds how long Run waits for output pipes after the
	// command was killed.
	waitDelay = 5 * time.Second
)

var (
	// ErrCommandRequired is returned for a Command without a name.
	ErrCommandRequired = errors.New("command is required")

	// ErrTimeout is returned when a command outlives the runner timeout.
	ErrTimeout = errors.New("command timed out")
)

// Command is a fixed program invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
}

// String renders the command line for logs.
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result holds the captured output of a finished command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Runner runs commands to completion and captures their output.
type Runner struct {
	timeout time.Duration
	logger  *zap.Logger
}

// New creates a Runner. A non-positive timeout selects DefaultTimeout.
func New(timeout time.Duration, logger *zap.Logger) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{timeout: timeout, logger: logger}
}

// Run executes cmd and waits for it. A non-zero exit, a failure to start or
// a timeout is returned as an error whose text carries the command's stderr;
// the Result is still returned so callers can inspect partial output.
func (r *Runner) Run(ctx context.Context, cmd Command) (*Result, error) {
	if cmd.Name == "" {
		return nil, ErrCommandRequired
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	c.WaitDelay = waitDelay
	setProcessGroup(c)

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	err := c.Run()
	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	log := r.logger.With(zap.String("command", cmd.String()), zap.Duration("duration", result.Duration))

	if err == nil {
		log.Info("command finished")
		return result, nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.ExitCode = -1
		log.Warn("command timed out", zap.Duration("timeout", r.timeout))
		return result, fmt.Errorf("%w after %s: %s", ErrTimeout, r.timeout, cmd)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		log.Warn("command failed", zap.Int("exit_code", result.ExitCode))
		return result, fmt.Errorf("%s: %s", err, detail(result))
	}

	result.ExitCode = -1
	log.Error("failed to run command", zap.Error(err))
	return result, fmt.Errorf("failed to run %s: %w", cmd.Name, err)
}

// detail picks the most useful text to report for a failed command.
func detail(r *Result) string {
	if s := strings.TrimSpace(r.Stderr); s != "" {
		return s
	}
	return strings.TrimSpace(r.Stdout)
}
