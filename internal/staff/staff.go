// Package staff implements application creation by staff on behalf of
// clients: capability and daily-quota gating, the client selection and form
// session, field validation, and final submission into the workflow engine.
package staff

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/uztelco/dispatch/internal/domain/client"
	"github.com/uztelco/dispatch/internal/domain/request"
	"github.com/uztelco/dispatch/internal/engine"
	"github.com/uztelco/dispatch/internal/engine/command"
	"github.com/uztelco/dispatch/internal/log"
	"github.com/uztelco/dispatch/internal/permissions"
	"github.com/uztelco/dispatch/internal/resolver"
)

// Form and session errors.
var (
	ErrUnknownSession      = errors.New("unknown or expired session")
	ErrNoClientSelected    = errors.New("no client selected")
	ErrDescriptionRequired = errors.New("description is required")
	ErrDescriptionLength   = errors.New("description must be 10-1000 characters")
	ErrLocationRequired    = errors.New("location is required")
	ErrIssueTypeRequired   = errors.New("issue type is required for technical service")
	ErrClientCreateDenied  = errors.New("creator may not register new clients")
	ErrClientSelectDenied  = errors.New("creator may not select existing clients")
)

// Description length bounds, counted in runes.
const (
	minDescriptionLen = 10
	maxDescriptionLen = 1000
)

// Service drives the staff application-creation flow.
type Service struct {
	engine   *engine.Engine
	resolver *resolver.Service
	quota    *permissions.QuotaChecker

	mu       sync.Mutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewService returns the staff creation service.
func NewService(eng *engine.Engine, res *resolver.Service, quota *permissions.QuotaChecker) *Service {
	return &Service{
		engine:   eng,
		resolver: res,
		quota:    quota,
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// StartApplicationCreation opens a session after checking the creator's
// capability and remaining daily quota. Quota is checked again at
// submission; the early check fails fast before any form work.
func (s *Service) StartApplicationCreation(creatorID int64, creatorRole request.Role, wt request.WorkflowType) (*Session, error) {
	if err := s.quota.Check(creatorID, creatorRole, wt); err != nil {
		return nil, err
	}

	now := s.now()
	sess := &Session{
		ID:           uuid.New().String(),
		CreatorID:    creatorID,
		CreatorRole:  creatorRole,
		WorkflowType: wt,
		Phase:        PhaseSelectingClient,
		Priority:     request.PriorityMedium,
		StartedAt:    now,
		UpdatedAt:    now,
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	log.Info(log.CatStaff, "application session started",
		"session_id", sess.ID, "creator_id", creatorID, "role", creatorRole, "workflow", wt)
	return sess, nil
}

// Session returns an open session.
func (s *Service) Session(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrUnknownSession
	}
	return sess, nil
}

// SearchClients proxies a ranked client search for the selection step.
func (s *Service) SearchClients(query string) ([]resolver.Match, error) {
	return s.resolver.Search(query)
}

// SelectClient binds an existing client to the session and advances to
// detail collection.
func (s *Service) SelectClient(sessionID string, clientID int64) error {
	sess, err := s.Session(sessionID)
	if err != nil {
		return err
	}
	capRow, ok := permissions.Lookup(sess.CreatorRole)
	if !ok || !capRow.CanSelectClient {
		return ErrClientSelectDenied
	}
	cl, err := s.resolver.ByID(clientID)
	if err != nil {
		return fmt.Errorf("selecting client %d: %w", clientID, err)
	}
	if err := sess.advance(PhaseCollectingDetails, s.now()); err != nil {
		return err
	}
	sess.Client = cl
	return nil
}

// RegisterClient registers a brand-new client inline and binds it to the
// session. Duplicate phones are refused; the caller should search instead.
func (s *Service) RegisterClient(sessionID string, nc resolver.NewClient) (*client.User, error) {
	sess, err := s.Session(sessionID)
	if err != nil {
		return nil, err
	}
	capRow, ok := permissions.Lookup(sess.CreatorRole)
	if !ok || !capRow.CanCreateClient {
		return nil, ErrClientCreateDenied
	}
	cl, err := s.resolver.Register(nc)
	if err != nil {
		return nil, err
	}
	if err := sess.advance(PhaseCollectingDetails, s.now()); err != nil {
		return nil, err
	}
	sess.Client = cl
	return cl, nil
}

// FormDetails carries the application form fields.
type FormDetails struct {
	Description string
	Location    string
	// IssueType classifies the fault for technical service requests.
	IssueType        string
	Priority         request.Priority
	ContactInfo      map[string]string
	DirectAssigneeID int64
}

// ProcessApplicationForm validates the form and advances the session to
// confirmation. Validation failures are data errors: returned immediately,
// nothing persisted.
func (s *Service) ProcessApplicationForm(sessionID string, form FormDetails) error {
	sess, err := s.Session(sessionID)
	if err != nil {
		return err
	}
	if sess.Client == nil {
		return ErrNoClientSelected
	}
	if form.Description == "" {
		return ErrDescriptionRequired
	}
	if n := utf8.RuneCountInString(form.Description); n < minDescriptionLen || n > maxDescriptionLen {
		return ErrDescriptionLength
	}
	if form.Location == "" {
		return ErrLocationRequired
	}
	if sess.WorkflowType == request.WorkflowTechnical && form.IssueType == "" {
		return ErrIssueTypeRequired
	}
	if form.Priority != "" && !form.Priority.IsValid() {
		return fmt.Errorf("priority %q is not recognised", form.Priority)
	}
	if form.DirectAssigneeID != 0 {
		capRow, _ := permissions.Lookup(sess.CreatorRole)
		if !capRow.CanAssignDirectly {
			return fmt.Errorf("%s may not assign directly", sess.CreatorRole)
		}
	}

	if err := sess.advance(PhaseConfirming, s.now()); err != nil {
		return err
	}
	sess.Description = form.Description
	sess.Location = form.Location
	sess.IssueType = form.IssueType
	if form.Priority != "" {
		sess.Priority = form.Priority
	}
	sess.ContactInfo = form.ContactInfo
	sess.DirectAssigneeID = form.DirectAssigneeID
	return nil
}

// Back steps the session one phase backwards for corrections.
func (s *Service) Back(sessionID string) error {
	sess, err := s.Session(sessionID)
	if err != nil {
		return err
	}
	switch sess.Phase {
	case PhaseCollectingDetails:
		return sess.advance(PhaseSelectingClient, s.now())
	case PhaseConfirming:
		return sess.advance(PhaseCollectingDetails, s.now())
	default:
		return fmt.Errorf("%w: cannot go back from %s", ErrInvalidPhaseTransition, sess.Phase)
	}
}

// Abandon discards the session.
func (s *Service) Abandon(sessionID string) error {
	sess, err := s.Session(sessionID)
	if err != nil {
		return err
	}
	if err := sess.advance(PhaseAbandoned, s.now()); err != nil {
		return err
	}
	s.drop(sessionID)
	log.Info(log.CatStaff, "application session abandoned", "session_id", sessionID)
	return nil
}

// ValidateAndSubmit re-checks the quota and submits the application to the
// workflow engine. On success the session is closed and the created request
// returned; the engine emits the client and creator notifications.
func (s *Service) ValidateAndSubmit(ctx context.Context, sessionID string) (*request.Request, error) {
	sess, err := s.Session(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Phase != PhaseConfirming {
		return nil, fmt.Errorf("%w: session in %s", ErrInvalidPhaseTransition, sess.Phase)
	}
	if sess.Client == nil {
		return nil, ErrNoClientSelected
	}
	// The quota may have been consumed by the creator's other sessions
	// since the start check.
	if err := s.quota.Check(sess.CreatorID, sess.CreatorRole, sess.WorkflowType); err != nil {
		return nil, err
	}

	cmd := command.NewInitiateWorkflowCommand(command.SourceStaff)
	cmd.WorkflowType = sess.WorkflowType
	cmd.ClientID = sess.Client.ID
	cmd.Description = sess.Description
	cmd.Location = sess.Location
	cmd.IssueType = sess.IssueType
	cmd.Priority = sess.Priority
	cmd.ContactInfo = sess.ContactInfo
	cmd.CreatorID = sess.CreatorID
	cmd.CreatorRole = sess.CreatorRole
	cmd.ClientName = sess.Client.FullName
	cmd.DirectAssigneeID = sess.DirectAssigneeID

	req, err := s.engine.InitiateWorkflow(ctx, cmd)
	if err != nil {
		return nil, err
	}

	if err := sess.advance(PhaseSubmitted, s.now()); err != nil {
		return nil, err
	}
	s.drop(sessionID)
	s.quota.Consumed(sess.CreatorID)

	log.Info(log.CatStaff, "application submitted",
		"session_id", sessionID, "request_id", req.ID,
		"creator_id", sess.CreatorID, "client_id", sess.Client.ID)
	return req, nil
}

func (s *Service) drop(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
}
