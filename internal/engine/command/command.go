// Package command defines the commands accepted by the workflow engine: the
// Command interface the processor routes on, the BaseCommand embedding, and
// the three concrete workflow commands.
package command

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// Command is an explicit intent entering the engine. The processor executes
// commands in strict FIFO order.
type Command interface {
	// ID returns the unique command identifier for tracing and correlation.
	ID() string
	// Type routes the command to its handler.
	Type() CommandType
	// Validate checks command preconditions before execution.
	Validate() error
	// CreatedAt returns when the command was created.
	CreatedAt() time.Time
}

// CommandType identifies the kind of command for handler routing.
type CommandType string

const (
	// CmdInitiateWorkflow creates a request and routes it to the workflow's
	// initial role.
	CmdInitiateWorkflow CommandType = "initiate_workflow"
	// CmdTransitionWorkflow applies one action to an existing request.
	CmdTransitionWorkflow CommandType = "transition_workflow"
	// CmdCompleteWorkflow records the client rating and closes the request.
	CmdCompleteWorkflow CommandType = "complete_workflow"
)

// String returns the string representation of the CommandType.
func (ct CommandType) String() string {
	return string(ct)
}

// CommandSource identifies where the command originated.
type CommandSource string

const (
	// SourceClient indicates a client filed the command themselves.
	SourceClient CommandSource = "client"
	// SourceStaff indicates a staff member acted, possibly on behalf of a
	// client.
	SourceStaff CommandSource = "staff"
	// SourceInternal indicates the command was system-generated.
	SourceInternal CommandSource = "internal"
	// SourceAdmin indicates an operator issued the command from admin
	// tooling.
	SourceAdmin CommandSource = "admin"
)

// String returns the string representation of the CommandSource.
func (cs CommandSource) String() string {
	return string(cs)
}

// BaseCommand provides the common fields. Concrete commands embed it.
type BaseCommand struct {
	id          string
	cmdType     CommandType
	createdAt   time.Time
	source      CommandSource
	traceID     string
	spanContext trace.SpanContext
}

// NewBaseCommand creates a BaseCommand with a generated UUID and current
// timestamp.
func NewBaseCommand(cmdType CommandType, source CommandSource) BaseCommand {
	return BaseCommand{
		id:        uuid.New().String(),
		cmdType:   cmdType,
		createdAt: time.Now(),
		source:    source,
	}
}

// ID returns the unique command identifier.
func (b *BaseCommand) ID() string {
	return b.id
}

// Type returns the command type for handler routing.
func (b *BaseCommand) Type() CommandType {
	return b.cmdType
}

// CreatedAt returns when the command was created.
func (b *BaseCommand) CreatedAt() time.Time {
	return b.createdAt
}

// Source returns the origin of this command.
func (b *BaseCommand) Source() CommandSource {
	return b.source
}

// TraceID returns the correlation id. A valid span context wins over a
// manually set trace id.
func (b *BaseCommand) TraceID() string {
	if b.spanContext.IsValid() {
		return b.spanContext.TraceID().String()
	}
	return b.traceID
}

// SetTraceID sets the correlation id for command tracing.
func (b *BaseCommand) SetTraceID(traceID string) {
	b.traceID = traceID
}

// SpanContext returns the OpenTelemetry span context for trace propagation.
func (b *BaseCommand) SpanContext() trace.SpanContext {
	return b.spanContext
}

// SetSpanContext sets the OpenTelemetry span context for trace propagation.
func (b *BaseCommand) SetSpanContext(sc trace.SpanContext) {
	b.spanContext = sc
}

// Validate is a no-op for BaseCommand. Concrete commands override it.
func (b *BaseCommand) Validate() error {
	return nil
}

// CommandResult contains the outcome of command execution.
type CommandResult struct {
	// Success indicates whether the command executed successfully.
	Success bool
	// Events contains notification intents and state events to emit.
	Events []any
	// FollowUp contains commands to enqueue after the current one.
	FollowUp []Command
	// Error contains the error if Success is false.
	Error error
	// Data contains optional result data for the caller.
	Data any
}

// ErrQueueFull is returned when the command queue has reached capacity.
var ErrQueueFull = errors.New("command queue is full")
