// Package provider defines the capability contract every sandbox backend
// implements, plus the optional capabilities callers discover at runtime.
//
// Every command that touches a sandbox goes through a Provider. Optional
// capabilities (reconnect, native file IO, provisioning) are found with As,
// never by comparing backend names.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrTerminated is returned by backends once Terminate has been called.
	ErrTerminated = errors.New("sandbox terminated")

	// ErrTimeout is wrapped by backends when a command exceeds its deadline.
	ErrTimeout = errors.New("command timed out")
)

// Provider is the minimal capability of a sandbox backend.
type Provider interface {
	// RunCommand executes command with args inside the sandbox project root.
	// A non-zero exit is reported in the result, not as an error; errors mean
	// the command could not be run at all (transport, timeout, terminated).
	RunCommand(ctx context.Context, command string, args ...string) (*CommandResult, error)

	// Terminate releases the sandbox. Calling it more than once is safe.
	Terminate(ctx context.Context) error
}

// Reconnector is implemented by backends that can attach to a sandbox that
// already exists remotely. It reports whether the attach succeeded.
type Reconnector interface {
	Reconnect(ctx context.Context, id string) (bool, error)
}

// Provisioner is implemented by backends that can eagerly create their
// remote resources instead of waiting for the first command.
type Provisioner interface {
	Provision(ctx context.Context) error
}

// FileWriter is implemented by backends with a native file write primitive.
type FileWriter interface {
	WriteFile(ctx context.Context, path, content string) error
}

// FileReader is implemented by backends with a native file read primitive.
type FileReader interface {
	ReadFile(ctx context.Context, path string) (string, error)
}

// Unwrapper is implemented by decorators that wrap another Provider.
type Unwrapper interface {
	Unwrap() Provider
}

// Factory constructs a provider bound to the sandbox id.
type Factory func(ctx context.Context, id string) (Provider, error)

// CommandResult captures the outcome of a sandbox command.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// OK reports whether the command exited with status zero.
func (r *CommandResult) OK() bool {
	return r != nil && r.ExitCode == 0
}

// CommandError describes a command that ran but exited non-zero.
type CommandError struct {
	Command  string
	Args     []string
	ExitCode int
	Stderr   string
}

// NewCommandError builds a CommandError from a non-zero result.
func NewCommandError(res *CommandResult, command string, args ...string) *CommandError {
	return &CommandError{
		Command:  command,
		Args:     args,
		ExitCode: res.ExitCode,
		Stderr:   strings.TrimSpace(res.Stderr),
	}
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// As finds the first provider in the Unwrap chain of p that implements T.
func As[T any](p Provider) (T, bool) {
	for p != nil {
		if c, ok := p.(T); ok {
			return c, true
		}
		u, ok := p.(Unwrapper)
		if !ok {
			break
		}
		p = u.Unwrap()
	}
	var zero T
	return zero, false
}

// Provision eagerly provisions p when the backend supports it.
func Provision(ctx context.Context, p Provider) error {
	if pv, ok := As[Provisioner](p); ok {
		return pv.Provision(ctx)
	}
	return nil
}
