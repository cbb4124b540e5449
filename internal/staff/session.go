package staff

import (
	"errors"
	"fmt"
	"time"

	"github.com/uztelco/dispatch/internal/domain/client"
	"github.com/uztelco/dispatch/internal/domain/request"
)

// Phase is one step of the staff application-creation flow.
type Phase string

const (
	// PhaseSelectingClient is the opening step: find or register the client.
	PhaseSelectingClient Phase = "selecting_client"
	// PhaseCollectingDetails gathers description, location and priority.
	PhaseCollectingDetails Phase = "collecting_details"
	// PhaseConfirming shows the summary and waits for submission.
	PhaseConfirming Phase = "confirming"
	// PhaseSubmitted is terminal: the workflow was initiated.
	PhaseSubmitted Phase = "submitted"
	// PhaseAbandoned is terminal: the creator backed out.
	PhaseAbandoned Phase = "abandoned"
)

// ValidTransitions is the session state machine. Backward steps let the
// creator correct earlier input; terminal phases permit nothing.
var ValidTransitions = map[Phase][]Phase{
	PhaseSelectingClient:   {PhaseCollectingDetails, PhaseAbandoned},
	PhaseCollectingDetails: {PhaseConfirming, PhaseSelectingClient, PhaseAbandoned},
	PhaseConfirming:        {PhaseSubmitted, PhaseCollectingDetails, PhaseAbandoned},
	PhaseSubmitted:         {},
	PhaseAbandoned:         {},
}

// ErrInvalidPhaseTransition is returned for moves the state machine does
// not permit.
var ErrInvalidPhaseTransition = errors.New("invalid session phase transition")

// CanTransition reports whether the session machine allows from -> to.
func CanTransition(from, to Phase) bool {
	for _, allowed := range ValidTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Session is one in-flight staff application. Sessions live in memory only;
// nothing persists until submission.
type Session struct {
	ID           string
	CreatorID    int64
	CreatorRole  request.Role
	WorkflowType request.WorkflowType
	Phase        Phase

	Client *client.User

	Description string
	Location    string
	IssueType   string
	Priority    request.Priority
	ContactInfo map[string]string
	// DirectAssigneeID is set only by creators whose capability allows it.
	DirectAssigneeID int64

	StartedAt time.Time
	UpdatedAt time.Time
}

// advance moves the session to the next phase, enforcing the machine.
func (s *Session) advance(to Phase, now time.Time) error {
	if !CanTransition(s.Phase, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidPhaseTransition, s.Phase, to)
	}
	s.Phase = to
	s.UpdatedAt = now
	return nil
}
