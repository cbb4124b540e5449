// Package types holds the shared engine contracts: the handler interface the
// processor routes to, the classified Failure error, and the sentinel errors
// both sides need without importing each other.
package types

import (
	"context"
	"errors"
	"fmt"

	"github.com/uztelco/dispatch/internal/domain/fault"
	"github.com/uztelco/dispatch/internal/engine/command"
)

// Sentinel errors shared across the engine.
var (
	// ErrDuplicateCommand is returned when the dedup middleware rejects a
	// command already seen within its TTL window.
	ErrDuplicateCommand = errors.New("duplicate command within deduplication window")
	// ErrRequestNotFound is returned when a command names an unknown request.
	ErrRequestNotFound = errors.New("request not found")
	// ErrActorNotFound is returned when a command names an unknown actor.
	ErrActorNotFound = errors.New("actor not found")
)

// Failure is a classified engine error carrying the taxonomy category and
// severity so callers and the error log agree on handling.
type Failure struct {
	Kind     fault.Category
	Severity fault.Severity
	Reason   string
	Details  map[string]any
	Err      error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Reason, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Reason)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// NewFailure builds a classified failure wrapping err.
func NewFailure(kind fault.Category, severity fault.Severity, reason string, err error) *Failure {
	return &Failure{Kind: kind, Severity: severity, Reason: reason, Err: err}
}

// AsFailure extracts a Failure from an error chain, or wraps the error as a
// system failure when it carries no classification.
func AsFailure(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return &Failure{
		Kind:     fault.CategorySystem,
		Severity: fault.SeverityHigh,
		Reason:   "unclassified failure",
		Err:      err,
	}
}

// CommandHandler executes one command type.
type CommandHandler interface {
	Handle(ctx context.Context, cmd command.Command) (*command.CommandResult, error)
}

// HandlerFunc adapts a function to CommandHandler.
type HandlerFunc func(ctx context.Context, cmd command.Command) (*command.CommandResult, error)

// Handle calls the function.
func (f HandlerFunc) Handle(ctx context.Context, cmd command.Command) (*command.CommandResult, error) {
	return f(ctx, cmd)
}
