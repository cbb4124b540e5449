package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/uztelco/dispatch/internal/domain/fault"
	"github.com/uztelco/dispatch/internal/domain/notification"
	"github.com/uztelco/dispatch/internal/domain/request"
	"github.com/uztelco/dispatch/internal/engine/command"
	"github.com/uztelco/dispatch/internal/engine/types"
	"github.com/uztelco/dispatch/internal/log"
	"github.com/uztelco/dispatch/internal/registry"
	"github.com/uztelco/dispatch/internal/state"
)

// ErrUseCompletion is returned when a rating arrives as a plain transition;
// ratings go through the completion command.
var ErrUseCompletion = errors.New("rate_service must be submitted as a completion")

// ErrMissingTargetRole rejects a forced transition without a target.
var ErrMissingTargetRole = errors.New("forced transition requires target_role")

// TransitionHandler applies one workflow action to a request: authorises
// the actor, validates the action against the workflow definition, resolves
// the successor role, and persists the request update together with its
// audit row in one transaction.
type TransitionHandler struct {
	deps *Deps
}

// NewTransitionHandler returns the handler over shared deps.
func NewTransitionHandler(deps *Deps) *TransitionHandler {
	return &TransitionHandler{deps: deps}
}

// Handle executes a TransitionWorkflowCommand.
func (h *TransitionHandler) Handle(_ context.Context, cmd command.Command) (*command.CommandResult, error) {
	c, ok := cmd.(*command.TransitionWorkflowCommand)
	if !ok {
		return nil, fmt.Errorf("transition handler received %T", cmd)
	}
	if c.Action == request.ActionRateService {
		return failResult(types.NewFailure(fault.CategoryBusinessLogic, fault.SeverityLow,
			"rating submitted as transition", ErrUseCompletion)), nil
	}

	req, err := h.deps.States.Get(c.RequestID)
	if err != nil {
		return failResult(types.NewFailure(fault.CategoryData, fault.SeverityLow,
			"request not found", types.ErrRequestNotFound)), nil
	}
	actor, err := h.deps.Users.Get(c.ActorID)
	if err != nil {
		return failResult(types.NewFailure(fault.CategoryData, fault.SeverityLow,
			"actor not found", types.ErrActorNotFound)), nil
	}

	if err := h.deps.Checker.Authorize(req, actor, c.Action, c.Payload); err != nil {
		return failResult(types.NewFailure(fault.CategoryBusinessLogic, fault.SeverityLow,
			"action denied", err)), nil
	}

	if c.Action == request.ActionAdminForceTransition {
		return h.handleForced(req, c)
	}

	if !h.deps.Registry.Declares(req.WorkflowType, req.CurrentRole, c.Action) {
		return failResult(types.NewFailure(fault.CategoryBusinessLogic, fault.SeverityLow,
			"action not declared for role", registry.ErrActionNotAllowed)), nil
	}
	if err := h.deps.Registry.ValidatePayload(req.WorkflowType, req.CurrentRole, c.Action, c.Payload); err != nil {
		return failResult(types.NewFailure(fault.CategoryData, fault.SeverityLow,
			"payload incomplete", err)), nil
	}

	successor, terminal, err := h.deps.Registry.Successor(req.WorkflowType, req.CurrentRole, c.Action)
	if err != nil {
		return failResult(types.NewFailure(fault.CategoryBusinessLogic, fault.SeverityLow,
			"no successor for action", err)), nil
	}
	if terminal {
		// Terminal actions are completions; the registry only marks
		// rate_service terminal and that is rejected above.
		return failResult(types.NewFailure(fault.CategorySystem, fault.SeverityMedium,
			"terminal action outside completion path", ErrUseCompletion)), nil
	}

	up := state.Update{
		Status:    request.StatusInProgress,
		StateData: c.Payload,
		Transition: &request.Transition{
			RequestID:      req.ID,
			FromRole:       rolePtr(req.CurrentRole),
			ToRole:         rolePtr(successor),
			Action:         c.Action,
			ActorID:        c.ActorID,
			TransitionData: c.Payload,
			Comments:       staffComments(req, c.Comments),
			CreatedAt:      h.deps.now(),
		},
	}
	if successor != req.CurrentRole {
		up.Role = successor
	}

	consumeStock := false
	switch c.Action {
	case request.ActionDocumentEquipment:
		equip, err := parseEquipment(c.Payload["equipment_used"])
		if err != nil {
			return failResult(types.NewFailure(fault.CategoryData, fault.SeverityLow,
				"equipment list malformed", err)), nil
		}
		up.AppendedEquip = equip
	case request.ActionUpdateInventory:
		// Re-runs of the action still record an audit row but touch no stock.
		if !req.InventoryUpdated {
			up.MarkInventoryUpdated = true
			consumeStock = true
		}
	}

	snapshot, err := h.deps.States.UpdateRequestState(req.ID, up)
	if err != nil {
		if errors.Is(err, state.ErrTerminalRequest) {
			return failResult(types.NewFailure(fault.CategoryBusinessLogic, fault.SeverityLow,
				"request already closed", err)), nil
		}
		h.deps.recordFault(fault.CategorySystem, fault.SeverityHigh,
			"transition persist failed", map[string]any{"request_id": req.ID, "error": err.Error()})
		return nil, err
	}

	var intents []notification.Intent
	if consumeStock {
		// Stock moves only once the audit row and the inventory flag are
		// committed. A consumption that never runs leaves the discrepancy
		// visible to reconciliation instead of double-decrementing stock.
		if shortage := h.consumeInventory(snapshot); len(shortage) > 0 {
			intents = append(intents, notification.Intent{
				Kind:          notification.KindShortageEscalation,
				RequestID:     req.ID,
				RecipientRole: request.RoleWarehouse,
				Payload:       map[string]any{"items": shortage},
			})
			withShortage, err := h.deps.States.UpdateRequestState(req.ID, state.Update{
				StateData: map[string]any{request.KeyEquipmentShortage: shortage},
			})
			if err != nil {
				h.deps.recordFault(fault.CategorySystem, fault.SeverityMedium,
					"recording shortage failed", map[string]any{"request_id": req.ID, "error": err.Error()})
			} else {
				snapshot = withShortage
			}
		}
	}

	if successor != req.CurrentRole {
		intents = append(intents, h.handoffIntent(snapshot, successor))
	}
	h.deps.notify(intents...)

	log.Info(log.CatEngine, "action applied",
		"request_id", req.ID, "action", c.Action,
		"from", req.CurrentRole, "to", snapshot.CurrentRole)

	return &command.CommandResult{Success: true, Data: snapshot}, nil
}

// handleForced applies an out-of-band admin transition. The action is never
// declared in the workflow registry; the audit row records it explicitly.
func (h *TransitionHandler) handleForced(req *request.Request, c *command.TransitionWorkflowCommand) (*command.CommandResult, error) {
	target, _ := c.Payload["target_role"].(string)
	role := request.Role(target)
	if !role.IsValid() {
		return failResult(types.NewFailure(fault.CategoryData, fault.SeverityLow,
			"forced transition without target", ErrMissingTargetRole)), nil
	}

	snapshot, err := h.deps.States.UpdateRequestState(req.ID, state.Update{
		Role:   role,
		Status: request.StatusInProgress,
		Transition: &request.Transition{
			RequestID:      req.ID,
			FromRole:       rolePtr(req.CurrentRole),
			ToRole:         rolePtr(role),
			Action:         request.ActionAdminForceTransition,
			ActorID:        c.ActorID,
			TransitionData: c.Payload,
			Comments:       staffComments(req, c.Comments),
			CreatedAt:      h.deps.now(),
		},
	})
	if err != nil {
		return nil, err
	}

	log.Warn(log.CatEngine, "transition forced",
		"request_id", req.ID, "to", role, "actor_id", c.ActorID)

	h.deps.notify(h.handoffIntent(snapshot, role))
	return &command.CommandResult{Success: true, Data: snapshot}, nil
}

// consumeInventory applies the request's documented equipment to stock and
// returns the names of lines the warehouse could not cover. Called only
// after the inventory flag is committed.
func (h *TransitionHandler) consumeInventory(req *request.Request) []string {
	if h.deps.Inventory == nil || len(req.EquipmentUsed) == 0 {
		return nil
	}
	shortages, err := h.deps.Inventory.Consume(req.ID, req.EquipmentUsed)
	if err != nil {
		h.deps.recordFault(fault.CategoryInventory, fault.SeverityMedium,
			"inventory consumption failed", map[string]any{"request_id": req.ID, "error": err.Error()})
		return nil
	}
	if len(shortages) > 0 {
		h.deps.recordFault(fault.CategoryInventory, fault.SeverityMedium,
			"equipment shortage", map[string]any{"request_id": req.ID, "items": shortages})
	}
	return shortages
}

func (h *TransitionHandler) handoffIntent(req *request.Request, to request.Role) notification.Intent {
	kind := notification.KindWorkflowAssigned
	recipientID := int64(0)
	if to == request.RoleClient {
		// Routing to the client means the work is done and a rating is due.
		kind = notification.KindWorkflowCompleted
		recipientID = req.ClientID
	}
	return notification.Intent{
		Kind:          kind,
		RequestID:     req.ID,
		RecipientRole: to,
		RecipientID:   recipientID,
		Payload: map[string]any{
			"workflow": string(req.WorkflowType),
			"priority": string(req.Priority),
		},
	}
}

// parseEquipment accepts either a decoded []Equipment or the JSON-ish
// []any form produced by generic payload decoding.
func parseEquipment(v any) ([]request.Equipment, error) {
	switch items := v.(type) {
	case []request.Equipment:
		return items, nil
	case nil:
		return nil, errors.New("equipment_used is empty")
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		var out []request.Equipment
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
		if len(out) == 0 {
			return nil, errors.New("equipment_used is empty")
		}
		return out, nil
	}
}
