// Package remote runs ordered command sequences on target hosts over a
// single authenticated SSH connection.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// ErrConnection indicates the host could not be reached or authenticated.
var ErrConnection = errors.New("remote connection failed")

// CommandSpec describes one command to run on the target host.
type CommandSpec struct {
	Name    string        // short label used in logs
	Cmd     string        // shell command line
	Stdin   io.Reader     // optional; streamed to the command's stdin
	Timeout time.Duration // 0 means the executor's default
}

// CommandResult captures one command's outcome.
type CommandResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

// CommandError reports a command that exited non-zero. Commands after the
// failed index were not run.
type CommandError struct {
	Index  int
	Name   string
	Result CommandResult
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("remote command %q (index %d) exited %d: %s",
		e.Name, e.Index, e.Result.ExitCode, e.Result.Stderr)
}

// TimeoutError reports a command that exceeded its timeout. The sequence is
// aborted; the command's remote side effects may be partial.
type TimeoutError struct {
	Index   int
	Name    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("remote command %q (index %d) timed out after %s", e.Name, e.Index, e.Timeout)
}

// Session is one authenticated connection to a host. Run may be called
// multiple times; the underlying connection is reused.
type Session interface {
	Run(ctx context.Context, spec CommandSpec) (CommandResult, error)
	Close() error
}

// Dialer establishes sessions to target hosts.
type Dialer interface {
	Dial(ctx context.Context, host string) (Session, error)
}

// Executor runs command sequences strictly in order over one session per
// call, stopping at the first failure.
type Executor struct {
	dialer         Dialer
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// NewExecutor creates an Executor using the given dialer. defaultTimeout
// applies to commands whose spec does not set one.
func NewExecutor(dialer Dialer, defaultTimeout time.Duration, logger *slog.Logger) *Executor {
	if defaultTimeout <= 0 {
		defaultTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{dialer: dialer, defaultTimeout: defaultTimeout, logger: logger}
}

// Execute runs commands on host in order over a single session. It stops at
// the first non-zero exit, timeout, or transport error, returning the results
// of the commands that completed successfully before the failure.
func (e *Executor) Execute(ctx context.Context, host string, commands []CommandSpec) ([]CommandResult, error) {
	session, err := e.dialer.Dial(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnection, host, err)
	}
	defer func() { _ = session.Close() }()

	results := make([]CommandResult, 0, len(commands))
	for i, spec := range commands {
		if spec.Timeout <= 0 {
			spec.Timeout = e.defaultTimeout
		}
		e.logger.Debug("Running remote command", "host", host, "command", spec.Name, "index", i)

		result, err := session.Run(ctx, spec)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return results, &TimeoutError{Index: i, Name: spec.Name, Timeout: spec.Timeout}
			}
			return results, fmt.Errorf("remote command %q (index %d) failed: %w", spec.Name, i, err)
		}
		if result.ExitCode != 0 {
			return results, &CommandError{Index: i, Name: spec.Name, Result: result}
		}
		results = append(results, result)
	}
	return results, nil
}
