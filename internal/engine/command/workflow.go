package command

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/uztelco/dispatch/internal/domain/request"
)

// Validation errors for command preconditions.
var (
	ErrMissingClient      = errors.New("client id is required")
	ErrMissingRequest     = errors.New("request id is required")
	ErrMissingActor       = errors.New("actor id is required")
	ErrMissingAction      = errors.New("action is required")
	ErrInvalidWorkflow    = errors.New("workflow type is not recognised")
	ErrMissingDescription = errors.New("description is required")
	ErrRatingOutOfRange   = errors.New("rating must be between 1 and 5")
)

// InitiateWorkflowCommand creates a new request and routes it to the
// workflow's initial role.
type InitiateWorkflowCommand struct {
	BaseCommand

	WorkflowType request.WorkflowType
	ClientID     int64
	Description  string
	Location     string
	// IssueType classifies the fault for technical service workflows.
	IssueType   string
	Priority    request.Priority
	ContactInfo map[string]string

	// Staff-creation metadata. Zero CreatorID means the client filed the
	// request themselves.
	CreatorID   int64
	CreatorRole request.Role
	// ClientName is denormalised into state data for the audit annotation.
	ClientName string
	// DirectAssigneeID, when non-zero, seats the request with a specific
	// user instead of the initial role's shared list. Only creators whose
	// capability allows direct assignment may set it.
	DirectAssigneeID int64
}

// NewInitiateWorkflowCommand returns an initiation command from the given
// source.
func NewInitiateWorkflowCommand(source CommandSource) *InitiateWorkflowCommand {
	return &InitiateWorkflowCommand{BaseCommand: NewBaseCommand(CmdInitiateWorkflow, source)}
}

// Validate checks the command's preconditions.
func (c *InitiateWorkflowCommand) Validate() error {
	if !c.WorkflowType.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidWorkflow, c.WorkflowType)
	}
	if c.ClientID == 0 {
		return ErrMissingClient
	}
	if c.Description == "" {
		return ErrMissingDescription
	}
	if c.Priority != "" && !c.Priority.IsValid() {
		return fmt.Errorf("priority %q is not recognised", c.Priority)
	}
	return nil
}

// ContentHash identifies semantically equal initiations for deduplication.
func (c *InitiateWorkflowCommand) ContentHash() string {
	return string(c.WorkflowType) + "|" + strconv.FormatInt(c.ClientID, 10) +
		"|" + c.Description + "|" + strconv.FormatInt(c.CreatorID, 10)
}

// TransitionWorkflowCommand applies one named action to a request.
type TransitionWorkflowCommand struct {
	BaseCommand

	RequestID string
	ActorID   int64
	Action    request.Action
	// Payload carries the action's fields; required ones are enforced by the
	// workflow registry.
	Payload  map[string]any
	Comments string
}

// NewTransitionWorkflowCommand returns a transition command from the given
// source.
func NewTransitionWorkflowCommand(source CommandSource) *TransitionWorkflowCommand {
	return &TransitionWorkflowCommand{BaseCommand: NewBaseCommand(CmdTransitionWorkflow, source)}
}

// Validate checks the command's preconditions.
func (c *TransitionWorkflowCommand) Validate() error {
	if c.RequestID == "" {
		return ErrMissingRequest
	}
	if c.ActorID == 0 {
		return ErrMissingActor
	}
	if c.Action == "" {
		return ErrMissingAction
	}
	return nil
}

// ContentHash identifies semantically equal transitions for deduplication.
func (c *TransitionWorkflowCommand) ContentHash() string {
	return c.RequestID + "|" + strconv.FormatInt(c.ActorID, 10) + "|" + string(c.Action)
}

// CompleteWorkflowCommand records the client's rating and closes the
// request.
type CompleteWorkflowCommand struct {
	BaseCommand

	RequestID string
	ActorID   int64
	Rating    int
	Feedback  string
}

// NewCompleteWorkflowCommand returns a completion command from the given
// source.
func NewCompleteWorkflowCommand(source CommandSource) *CompleteWorkflowCommand {
	return &CompleteWorkflowCommand{BaseCommand: NewBaseCommand(CmdCompleteWorkflow, source)}
}

// Validate checks the command's preconditions.
func (c *CompleteWorkflowCommand) Validate() error {
	if c.RequestID == "" {
		return ErrMissingRequest
	}
	if c.ActorID == 0 {
		return ErrMissingActor
	}
	if c.Rating < 1 || c.Rating > 5 {
		return fmt.Errorf("%w: %d", ErrRatingOutOfRange, c.Rating)
	}
	return nil
}

// ContentHash identifies semantically equal completions for deduplication.
func (c *CompleteWorkflowCommand) ContentHash() string {
	return c.RequestID + "|" + strconv.FormatInt(c.ActorID, 10) + "|rate"
}
