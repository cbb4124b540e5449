// Package registry holds the compiled-in workflow definitions: per workflow
// type, per role, which actions are permitted, which payload fields they
// require, and which role acts next. The registry is pure and stateless; it
// performs no I/O.
package registry

import (
	"errors"
	"fmt"
	"sort"

	"github.com/uztelco/dispatch/internal/domain/request"
)

// Lookup errors.
var (
	ErrUnknownWorkflow  = errors.New("unknown workflow type")
	ErrUnknownStep      = errors.New("role has no step in this workflow")
	ErrActionNotAllowed = errors.New("action not declared for this role")
)

// MissingFieldError reports a required payload field absent from an action
// payload.
type MissingFieldError struct {
	Action request.Action
	Field  string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("action %s requires field %q", e.Action, e.Field)
}

// ActionSpec describes one permitted action at a step.
type ActionSpec struct {
	// Required payload fields; validated before the transition applies.
	Required []string
	// Optional payload fields, recorded for documentation and status output.
	Optional []string
	// Next is the successor role. Empty means an intermediate action that
	// records progress without handoff.
	Next request.Role
	// Terminal marks a completion action that ends the workflow.
	Terminal bool
}

// Definition is the compiled graph for one workflow type.
type Definition struct {
	Type request.WorkflowType
	// InitialRole is the first non-client role; requests start here
	// regardless of whether a client or a staff member created them.
	InitialRole request.Role
	// InitiationAction is recorded on the initiation transition row.
	InitiationAction request.Action
	// Steps maps role -> permitted actions.
	Steps map[request.Role]map[request.Action]ActionSpec
}

// Registry resolves workflow definitions.
type Registry struct {
	defs map[request.WorkflowType]*Definition
}

// New returns the registry holding the three compiled-in workflows.
func New() *Registry {
	return &Registry{defs: map[request.WorkflowType]*Definition{
		request.WorkflowConnection:       connectionDefinition(),
		request.WorkflowTechnical:        technicalDefinition(),
		request.WorkflowCallCenterDirect: callCenterDefinition(),
	}}
}

// Definition returns the compiled definition for a workflow type.
func (r *Registry) Definition(wt request.WorkflowType) (*Definition, error) {
	def, ok := r.defs[wt]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, wt)
	}
	return def, nil
}

// InitialRole returns the role a freshly created request is routed to.
func (r *Registry) InitialRole(wt request.WorkflowType) (request.Role, error) {
	def, err := r.Definition(wt)
	if err != nil {
		return "", err
	}
	return def.InitialRole, nil
}

// HasStep reports whether a role owns a step in the workflow.
func (r *Registry) HasStep(wt request.WorkflowType, role request.Role) bool {
	def, err := r.Definition(wt)
	if err != nil {
		return false
	}
	_, ok := def.Steps[role]
	return ok
}

// Declares reports whether the role may apply the action in this workflow.
func (r *Registry) Declares(wt request.WorkflowType, role request.Role, action request.Action) bool {
	def, err := r.Definition(wt)
	if err != nil {
		return false
	}
	step, ok := def.Steps[role]
	if !ok {
		return false
	}
	_, ok = step[action]
	return ok
}

// Successor resolves the role that acts after the action, and whether the
// action terminates the workflow. Intermediate actions return the current
// role unchanged.
func (r *Registry) Successor(wt request.WorkflowType, role request.Role, action request.Action) (request.Role, bool, error) {
	spec, err := r.spec(wt, role, action)
	if err != nil {
		return "", false, err
	}
	if spec.Terminal {
		return role, true, nil
	}
	if spec.Next == "" {
		return role, false, nil
	}
	return spec.Next, false, nil
}

// ValidatePayload checks that every required field of the action is present
// and non-nil in the payload.
func (r *Registry) ValidatePayload(wt request.WorkflowType, role request.Role, action request.Action, payload map[string]any) error {
	spec, err := r.spec(wt, role, action)
	if err != nil {
		return err
	}
	for _, field := range spec.Required {
		if v, ok := payload[field]; !ok || v == nil {
			return &MissingFieldError{Action: action, Field: field}
		}
	}
	return nil
}

// ActionsFor lists the actions a role may apply, sorted for stable output.
func (r *Registry) ActionsFor(wt request.WorkflowType, role request.Role) []request.Action {
	def, err := r.Definition(wt)
	if err != nil {
		return nil
	}
	step, ok := def.Steps[role]
	if !ok {
		return nil
	}
	actions := make([]request.Action, 0, len(step))
	for a := range step {
		actions = append(actions, a)
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i] < actions[j] })
	return actions
}

// NextRoles lists the distinct successor roles reachable from the role's
// current step, excluding the role itself.
func (r *Registry) NextRoles(wt request.WorkflowType, role request.Role) []request.Role {
	def, err := r.Definition(wt)
	if err != nil {
		return nil
	}
	step, ok := def.Steps[role]
	if !ok {
		return nil
	}
	seen := make(map[request.Role]struct{})
	for _, spec := range step {
		if spec.Next != "" && spec.Next != role {
			seen[spec.Next] = struct{}{}
		}
	}
	roles := make([]request.Role, 0, len(seen))
	for ro := range seen {
		roles = append(roles, ro)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}

func (r *Registry) spec(wt request.WorkflowType, role request.Role, action request.Action) (ActionSpec, error) {
	def, err := r.Definition(wt)
	if err != nil {
		return ActionSpec{}, err
	}
	step, ok := def.Steps[role]
	if !ok {
		return ActionSpec{}, fmt.Errorf("%w: %s in %s", ErrUnknownStep, role, wt)
	}
	spec, ok := step[action]
	if !ok {
		return ActionSpec{}, fmt.Errorf("%w: %s by %s in %s", ErrActionNotAllowed, action, role, wt)
	}
	return spec, nil
}
