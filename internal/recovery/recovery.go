// Package recovery finds workflows that stopped moving and applies the
// admin-invoked actions that unstick them, plus the aggregate health report
// the admin CLI prints.
package recovery

import (
	"errors"
	"fmt"
	"time"

	"github.com/uztelco/dispatch/internal/domain/fault"
	"github.com/uztelco/dispatch/internal/domain/notification"
	"github.com/uztelco/dispatch/internal/domain/request"
	"github.com/uztelco/dispatch/internal/infrastructure/sqlite"
	"github.com/uztelco/dispatch/internal/log"
	"github.com/uztelco/dispatch/internal/state"
)

// DefaultStuckThreshold flags requests untouched this long.
const DefaultStuckThreshold = 24 * time.Hour

// NeutralRating is recorded when an admin completes a workflow on the
// client's behalf.
const NeutralRating = 3

// stuckThresholds overrides the default per workflow type. Call-center
// requests resolve in one sitting; anything idle half a day is stuck.
var stuckThresholds = map[request.WorkflowType]time.Duration{
	request.WorkflowCallCenterDirect: 12 * time.Hour,
}

// Option is one admin-invoked recovery action.
type Option string

const (
	// OptionForceTransition moves the request to an admin-chosen role.
	OptionForceTransition Option = "force_transition"
	// OptionResetToPrevious returns the request to the role it came from.
	OptionResetToPrevious Option = "reset_to_previous_state"
	// OptionCompleteWorkflow closes the request with a neutral rating.
	OptionCompleteWorkflow Option = "complete_workflow"
	// OptionReassignRole hands the request to a different user in the same
	// role.
	OptionReassignRole Option = "reassign_role"
)

// Recovery errors.
var (
	ErrUnknownOption = errors.New("unknown recovery option")
	ErrNoPriorState  = errors.New("request has no prior state to reset to")
)

// Stuck describes one stalled request.
type Stuck struct {
	RequestID          string
	WorkflowType       request.WorkflowType
	CurrentRole        request.Role
	StuckFor           time.Duration
	DescriptionSnippet string
}

// Notifier queues delivery intents for recovery escalations.
type Notifier interface {
	Send(intents ...notification.Intent)
}

// TxnCounter reports in-flight two-phase transactions.
type TxnCounter interface {
	ActiveCount() int
}

// Service implements stuck detection, recovery actions and the health
// report.
type Service struct {
	states      *state.Manager
	requests    *sqlite.RequestRepo
	transitions *sqlite.TransitionRepo
	faults      *sqlite.ErrorLogRepo
	retries     *sqlite.RetryRepo
	notifier    Notifier
	txns        TxnCounter
	now         func() time.Time

	// threshold, when non-zero, overrides every per-workflow default.
	threshold time.Duration
}

// NewService returns the recovery service. txns may be nil when no
// coordinator is running.
func NewService(states *state.Manager, db *sqlite.DB, notifier Notifier, txns TxnCounter) *Service {
	return &Service{
		states:      states,
		requests:    sqlite.NewRequestRepo(db.Conn()),
		transitions: sqlite.NewTransitionRepo(db.Conn()),
		faults:      sqlite.NewErrorLogRepo(db.Conn()),
		retries:     sqlite.NewRetryRepo(db.Conn()),
		notifier:    notifier,
		txns:        txns,
		now:         time.Now,
	}
}

// SetThreshold overrides the stuck threshold for all workflow types. Zero
// restores the compiled-in defaults. Safe to call on config reload.
func (s *Service) SetThreshold(d time.Duration) {
	s.threshold = d
}

// Threshold returns the effective stuck threshold for a workflow type.
func (s *Service) Threshold(wt request.WorkflowType) time.Duration {
	if s.threshold > 0 {
		return s.threshold
	}
	if t, ok := stuckThresholds[wt]; ok {
		return t
	}
	return DefaultStuckThreshold
}

// DetectStuck returns in-progress requests idle past their workflow's
// threshold, stalest first.
func (s *Service) DetectStuck() ([]Stuck, error) {
	now := s.now()
	// One scan at the loosest threshold, then per-type filtering.
	candidates, err := s.states.StaleBefore(now.Add(-s.minThreshold()))
	if err != nil {
		return nil, fmt.Errorf("scanning for stale requests: %w", err)
	}

	var out []Stuck
	for _, req := range candidates {
		if req.CurrentStatus != request.StatusInProgress {
			continue
		}
		idle := now.Sub(req.UpdatedAt)
		if idle < s.Threshold(req.WorkflowType) {
			continue
		}
		out = append(out, Stuck{
			RequestID:          req.ID,
			WorkflowType:       req.WorkflowType,
			CurrentRole:        req.CurrentRole,
			StuckFor:           idle,
			DescriptionSnippet: snippet(req.Description),
		})
	}
	if len(out) > 0 {
		log.Warn(log.CatRecovery, "stuck workflows detected", "count", len(out))
	}
	return out, nil
}

func (s *Service) minThreshold() time.Duration {
	min := s.Threshold("")
	for wt := range stuckThresholds {
		if t := s.Threshold(wt); t < min {
			min = t
		}
	}
	return min
}

// snippet shortens long descriptions to 60 runes, so multi-byte text is
// never cut mid-character.
func snippet(desc string) string {
	const max = 60
	runes := []rune(desc)
	if len(runes) <= max {
		return desc
	}
	return string(runes[:max]) + "…"
}

// Recover applies a recovery action to a request. force_transition requires
// a target role, reassign_role a target user. Every action appends a
// transition row with action admin_force_transition and the admin actor.
func (s *Service) Recover(requestID string, opt Option, adminID int64, target request.Role, assigneeID int64, note string) error {
	req, err := s.states.Get(requestID)
	if err != nil {
		return err
	}
	if req.IsTerminal() {
		return fmt.Errorf("request %s: %w", requestID, state.ErrTerminalRequest)
	}

	switch opt {
	case OptionForceTransition:
		return s.forceTransition(req, target, adminID)
	case OptionResetToPrevious:
		return s.resetToPrevious(req, adminID)
	case OptionCompleteWorkflow:
		return s.completeWorkflow(req, adminID, note)
	case OptionReassignRole:
		return s.reassignRole(req, assigneeID, adminID)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOption, opt)
	}
}

func (s *Service) forceTransition(req *request.Request, target request.Role, adminID int64) error {
	if !target.IsValid() || target == request.RoleClient {
		return fmt.Errorf("cannot force request to role %q", target)
	}
	_, err := s.states.UpdateRequestState(req.ID, state.Update{
		Role:   target,
		Status: request.StatusInProgress,
		Transition: &request.Transition{
			RequestID:      req.ID,
			FromRole:       &req.CurrentRole,
			ToRole:         &target,
			Action:         request.ActionAdminForceTransition,
			ActorID:        adminID,
			TransitionData: map[string]any{"recovery": string(OptionForceTransition), "target_role": string(target)},
			Comments:       "forced by recovery",
			CreatedAt:      s.now(),
		},
	})
	if err != nil {
		return err
	}
	log.Warn(log.CatRecovery, "request forced",
		"request_id", req.ID, "from", req.CurrentRole, "to", target)
	s.notifyRole(req, target)
	return nil
}

// resetToPrevious returns the request to the role the last transition came
// from. The audit trail stays append-only: the undo is itself recorded.
func (s *Service) resetToPrevious(req *request.Request, adminID int64) error {
	last, err := s.transitions.Last(req.ID)
	if err != nil {
		return fmt.Errorf("loading last transition: %w", err)
	}
	if last == nil || last.FromRole == nil {
		return fmt.Errorf("request %s: %w", req.ID, ErrNoPriorState)
	}
	previous := *last.FromRole

	_, err = s.states.UpdateRequestState(req.ID, state.Update{
		Role:   previous,
		Status: request.StatusInProgress,
		Transition: &request.Transition{
			RequestID: req.ID,
			FromRole:  &req.CurrentRole,
			ToRole:    &previous,
			Action:    request.ActionAdminForceTransition,
			ActorID:   adminID,
			TransitionData: map[string]any{
				"recovery":      string(OptionResetToPrevious),
				"undone_action": string(last.Action),
			},
			Comments:  "reset to previous state by recovery",
			CreatedAt: s.now(),
		},
	})
	if err != nil {
		return err
	}
	log.Warn(log.CatRecovery, "request reset",
		"request_id", req.ID, "from", req.CurrentRole, "to", previous,
		"undone_action", last.Action)
	s.notifyRole(req, previous)
	return nil
}

func (s *Service) completeWorkflow(req *request.Request, adminID int64, note string) error {
	rating := NeutralRating
	if note == "" {
		note = "completed by recovery"
	}
	_, err := s.states.UpdateRequestState(req.ID, state.Update{
		Status:           request.StatusCompleted,
		CompletionRating: &rating,
		FeedbackComments: note,
		Transition: &request.Transition{
			RequestID:      req.ID,
			FromRole:       &req.CurrentRole,
			ToRole:         nil,
			Action:         request.ActionAdminForceTransition,
			ActorID:        adminID,
			TransitionData: map[string]any{"recovery": string(OptionCompleteWorkflow), "rating": rating},
			Comments:       note,
			CreatedAt:      s.now(),
		},
	})
	if err != nil {
		return err
	}
	log.Warn(log.CatRecovery, "request completed by admin", "request_id", req.ID)
	if s.notifier != nil {
		s.notifier.Send(notification.Intent{
			Kind:          notification.KindWorkflowCompleted,
			RequestID:     req.ID,
			RecipientRole: request.RoleClient,
			RecipientID:   req.ClientID,
			Payload:       map[string]any{"workflow": string(req.WorkflowType)},
		})
	}
	return nil
}

// reassignRole hands the request to a different user without moving it
// between roles.
func (s *Service) reassignRole(req *request.Request, assigneeID, adminID int64) error {
	if assigneeID == 0 {
		return fmt.Errorf("reassign_role requires a target user")
	}
	_, err := s.states.UpdateRequestState(req.ID, state.Update{
		Transition: &request.Transition{
			RequestID: req.ID,
			FromRole:  &req.CurrentRole,
			ToRole:    &req.CurrentRole,
			Action:    request.ActionAdminForceTransition,
			ActorID:   adminID,
			TransitionData: map[string]any{
				"recovery":    string(OptionReassignRole),
				"assignee_id": assigneeID,
			},
			Comments:  "reassigned by recovery",
			CreatedAt: s.now(),
		},
	})
	if err != nil {
		return err
	}
	log.Warn(log.CatRecovery, "request reassigned",
		"request_id", req.ID, "role", req.CurrentRole, "assignee_id", assigneeID)
	s.notifyRole(req, req.CurrentRole)
	return nil
}

func (s *Service) notifyRole(req *request.Request, role request.Role) {
	if s.notifier == nil {
		return
	}
	s.notifier.Send(notification.Intent{
		Kind:          notification.KindWorkflowAssigned,
		RequestID:     req.ID,
		RecipientRole: role,
		Payload: map[string]any{
			"workflow": string(req.WorkflowType),
			"priority": string(req.Priority),
			"recovery": true,
		},
	})
}

// Verdict summarises system health.
type Verdict string

const (
	VerdictHealthy  Verdict = "healthy"
	VerdictDegraded Verdict = "degraded"
	VerdictCritical Verdict = "critical"
)

// degradedErrorFloor is the 24h error count at which the system counts as
// degraded.
const degradedErrorFloor = 10

// HealthReport aggregates the signals the admin CLI inspects.
type HealthReport struct {
	Verdict        Verdict
	ActiveTxns     int
	ActiveRequests int
	StuckRequests  int
	PendingRetries int
	FlaggedRetries int
	// ErrorCounts holds unresolved errors from the last 24h by severity.
	ErrorCounts map[fault.Severity]int
	// RecentCritical counts critical-severity errors in the last hour.
	RecentCritical int
	GeneratedAt    time.Time
}

// Health builds the report. Any critical-severity error in the last hour
// makes the system critical; ten or more errors in the last day, stuck
// workflows, or retries flagged for review degrade it.
func (s *Service) Health() (*HealthReport, error) {
	now := s.now()
	report := &HealthReport{GeneratedAt: now}

	stuck, err := s.DetectStuck()
	if err != nil {
		return nil, err
	}
	report.StuckRequests = len(stuck)

	if s.txns != nil {
		report.ActiveTxns = s.txns.ActiveCount()
	}

	active, err := s.requests.CountActive()
	if err != nil {
		return nil, err
	}
	report.ActiveRequests = active

	report.PendingRetries, err = s.retries.CountPending()
	if err != nil {
		return nil, err
	}
	flagged, err := s.retries.ListFlagged()
	if err != nil {
		return nil, err
	}
	report.FlaggedRetries = len(flagged)

	report.ErrorCounts, err = s.faults.CountBySeveritySince(now.Add(-24 * time.Hour))
	if err != nil {
		return nil, err
	}
	lastHour, err := s.faults.CountBySeveritySince(now.Add(-time.Hour))
	if err != nil {
		return nil, err
	}
	report.RecentCritical = lastHour[fault.SeverityCritical]

	report.Verdict = verdict(report)
	log.Info(log.CatRecovery, "health report",
		"verdict", report.Verdict, "active", report.ActiveRequests,
		"stuck", report.StuckRequests, "flagged_retries", report.FlaggedRetries)
	return report, nil
}

func verdict(r *HealthReport) Verdict {
	total := 0
	for _, n := range r.ErrorCounts {
		total += n
	}
	switch {
	case r.RecentCritical > 0:
		return VerdictCritical
	case total >= degradedErrorFloor || r.StuckRequests > 0 || r.FlaggedRetries > 0:
		return VerdictDegraded
	default:
		return VerdictHealthy
	}
}
