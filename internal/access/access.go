// Package access enforces who may apply which action to which request. The
// static check binds the actor's role to the request's current role; the
// dynamic checks validate assignment targets named in action payloads.
// Denials are classified business-logic faults and recorded for the health
// report.
package access

import (
	"errors"
	"fmt"
	"time"

	"github.com/uztelco/dispatch/internal/domain/client"
	"github.com/uztelco/dispatch/internal/domain/fault"
	"github.com/uztelco/dispatch/internal/domain/request"
	"github.com/uztelco/dispatch/internal/log"
)

// Denial errors.
var (
	// ErrWrongTurn means the request is not currently with the actor's role.
	ErrWrongTurn = errors.New("request is not with the actor's role")
	// ErrNotRequestOwner means a client tried to rate someone else's request.
	ErrNotRequestOwner = errors.New("only the request's client may rate it")
	// ErrBadAssignee means an assignment payload names a user who does not
	// hold the required role.
	ErrBadAssignee = errors.New("assignment target does not hold the required role")
	// ErrTerminal means the request already completed or was cancelled.
	ErrTerminal = errors.New("request is in a terminal status")
)

// UserGetter resolves users for dynamic target checks.
type UserGetter interface {
	Get(id int64) (*client.User, error)
}

// FaultSink records classified denials.
type FaultSink interface {
	Insert(rec *fault.Record) error
}

// assigneeRoles maps each assignment action to the role its payload target
// must hold, and the payload field naming the target.
var assigneeRoles = map[request.Action]struct {
	Field string
	Role  request.Role
}{
	request.ActionAssignToJuniorManager:       {Field: "junior_manager_id", Role: request.RoleJuniorManager},
	request.ActionAssignToTechnician:          {Field: "technician_id", Role: request.RoleTechnician},
	request.ActionAssignTechnicalToTechnician: {Field: "technician_id", Role: request.RoleTechnician},
	request.ActionAssignToCallCenterOperator:  {Field: "operator_id", Role: request.RoleCallCenter},
}

// Checker applies the static and dynamic access rules.
type Checker struct {
	users  UserGetter
	faults FaultSink
	now    func() time.Time
}

// NewChecker returns a checker recording denials into sink.
func NewChecker(users UserGetter, faults FaultSink) *Checker {
	return &Checker{users: users, faults: faults, now: time.Now}
}

// Authorize verifies that the actor may apply the action to the request.
// Admins bypass the static role binding for forced transitions only.
func (c *Checker) Authorize(req *request.Request, actor *client.User, action request.Action, payload map[string]any) error {
	if req.IsTerminal() {
		return c.deny(req, actor, action, ErrTerminal)
	}

	if action == request.ActionAdminForceTransition {
		if actor.Role != request.RoleAdmin {
			return c.deny(req, actor, action, ErrWrongTurn)
		}
		return nil
	}

	// rate_service binds to the specific client, not the client role group.
	if action == request.ActionRateService {
		if req.CurrentRole != request.RoleClient {
			return c.deny(req, actor, action, ErrWrongTurn)
		}
		if actor.ID != req.ClientID {
			return c.deny(req, actor, action, ErrNotRequestOwner)
		}
		return nil
	}

	if actor.Role != req.CurrentRole {
		return c.deny(req, actor, action, ErrWrongTurn)
	}

	return c.checkAssignee(req, actor, action, payload)
}

// checkAssignee validates that assignment payloads name a user holding the
// role the workflow hands off to.
func (c *Checker) checkAssignee(req *request.Request, actor *client.User, action request.Action, payload map[string]any) error {
	target, ok := assigneeRoles[action]
	if !ok {
		return nil
	}
	id, err := payloadID(payload, target.Field)
	if err != nil {
		// A missing field is the registry's concern; only malformed values
		// are denied here.
		if errors.Is(err, errFieldAbsent) {
			return nil
		}
		return c.deny(req, actor, action, fmt.Errorf("%w: %v", ErrBadAssignee, err))
	}
	assignee, err := c.users.Get(id)
	if err != nil {
		return c.deny(req, actor, action, fmt.Errorf("%w: user %d not found", ErrBadAssignee, id))
	}
	if assignee.Role != target.Role {
		return c.deny(req, actor, action,
			fmt.Errorf("%w: user %d holds %s, needs %s", ErrBadAssignee, id, assignee.Role, target.Role))
	}
	return nil
}

func (c *Checker) deny(req *request.Request, actor *client.User, action request.Action, cause error) error {
	log.Warn(log.CatAccess, "action denied",
		"request_id", req.ID, "actor_id", actor.ID, "actor_role", actor.Role,
		"action", action, "reason", cause)
	rec := &fault.Record{
		Category: fault.CategoryBusinessLogic,
		Severity: fault.SeverityLow,
		Message:  cause.Error(),
		Context: map[string]any{
			"request_id": req.ID,
			"actor_id":   actor.ID,
			"actor_role": string(actor.Role),
			"action":     string(action),
		},
		CreatedAt: c.now(),
	}
	if err := c.faults.Insert(rec); err != nil {
		log.ErrorErr(log.CatAccess, "recording denial", err)
	}
	return cause
}

var errFieldAbsent = errors.New("field absent")

// payloadID extracts a numeric id from a payload field. JSON decoding turns
// numbers into float64; direct callers pass int64 or int.
func payloadID(payload map[string]any, field string) (int64, error) {
	v, ok := payload[field]
	if !ok || v == nil {
		return 0, errFieldAbsent
	}
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("field %q is not a numeric id", field)
	}
}
