package processor

import (
	"errors"
	"time"

	"github.com/uztelco/dispatch/internal/engine/command"
)

// ErrUnknownCommandType is returned when no handler is registered for a
// command's type.
var ErrUnknownCommandType = errors.New("no handler registered for command type")

// CommandErrorEvent is published when a command fails before or during
// handling.
type CommandErrorEvent struct {
	CommandID   string
	CommandType command.CommandType
	Error       error
}

// CommandLogEvent is published for every processed command, for admin
// tooling that tails engine activity.
type CommandLogEvent struct {
	CommandID   string
	CommandType command.CommandType
	Source      command.CommandSource
	Success     bool
	Error       error
	Duration    time.Duration
	Timestamp   time.Time
	TraceID     string
}
