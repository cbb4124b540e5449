package handler

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/uztelco/dispatch/internal/domain/fault"
	"github.com/uztelco/dispatch/internal/domain/notification"
	"github.com/uztelco/dispatch/internal/domain/request"
	"github.com/uztelco/dispatch/internal/engine/command"
	"github.com/uztelco/dispatch/internal/engine/types"
	"github.com/uztelco/dispatch/internal/log"
	"github.com/uztelco/dispatch/internal/permissions"
)

// ErrDirectAssignNotAllowed is returned when a creator without the direct
// assignment capability names an assignee.
var ErrDirectAssignNotAllowed = errors.New("creator may not assign directly")

// InitiateHandler creates a request, its initiation audit row and, for
// staff-created requests, the staff application audit, all in one store
// transaction.
type InitiateHandler struct {
	deps *Deps
}

// NewInitiateHandler returns the handler over shared deps.
func NewInitiateHandler(deps *Deps) *InitiateHandler {
	return &InitiateHandler{deps: deps}
}

// Handle executes an InitiateWorkflowCommand.
func (h *InitiateHandler) Handle(_ context.Context, cmd command.Command) (*command.CommandResult, error) {
	c, ok := cmd.(*command.InitiateWorkflowCommand)
	if !ok {
		return nil, fmt.Errorf("initiate handler received %T", cmd)
	}

	cl, err := h.deps.Users.Get(c.ClientID)
	if err != nil {
		return failResult(types.NewFailure(fault.CategoryData, fault.SeverityLow,
			"client not found", types.ErrActorNotFound)), nil
	}

	def, err := h.deps.Registry.Definition(c.WorkflowType)
	if err != nil {
		return failResult(types.NewFailure(fault.CategoryData, fault.SeverityLow,
			"unknown workflow type", err)), nil
	}

	now := h.deps.now()
	staffCreated := c.CreatorID != 0 && c.CreatorRole.IsStaff()

	priority := c.Priority
	if priority == "" {
		priority = request.PriorityMedium
	}

	stateData := map[string]any{
		request.KeyClientName: cl.FullName,
	}
	if c.IssueType != "" {
		stateData[request.KeyIssueType] = c.IssueType
	}
	creationSource := "client"
	var staffCreatorID *int64
	if staffCreated {
		stateData[request.KeyCreatedByStaff] = true
		stateData[request.KeyStaffCreatorID] = c.CreatorID
		stateData[request.KeyStaffCreatorRole] = string(c.CreatorRole)
		creationSource = string(c.CreatorRole)
		id := c.CreatorID
		staffCreatorID = &id
	}

	if c.DirectAssigneeID != 0 {
		if err := h.validateDirectAssignee(c, def.InitialRole); err != nil {
			return failResult(types.NewFailure(fault.CategoryBusinessLogic, fault.SeverityLow,
				"direct assignment rejected", err)), nil
		}
		stateData["direct_assignee_id"] = c.DirectAssigneeID
	}

	req := &request.Request{
		ID:            uuid.New().String(),
		WorkflowType:  c.WorkflowType,
		ClientID:      c.ClientID,
		CurrentRole:   def.InitialRole,
		CurrentStatus: request.StatusCreated,
		Priority:      priority,
		Description:   c.Description,
		Location:      c.Location,
		ContactInfo:   c.ContactInfo,
		StateData:     stateData,

		CreatedByStaff:   staffCreated,
		StaffCreatorID:   staffCreatorID,
		StaffCreatorRole: staffRole(staffCreated, c.CreatorRole),
		CreationSource:   creationSource,

		CreatedAt: now,
		UpdatedAt: now,
	}

	actorID := c.ClientID
	if staffCreated {
		actorID = c.CreatorID
	}
	initiation := &request.Transition{
		RequestID: req.ID,
		FromRole:  nil,
		ToRole:    rolePtr(def.InitialRole),
		Action:    def.InitiationAction,
		ActorID:   actorID,
		TransitionData: map[string]any{
			"description": c.Description,
			"location":    c.Location,
		},
		Comments:  staffComments(req, ""),
		CreatedAt: now,
	}

	var audit *request.StaffAudit
	if staffCreated {
		audit = &request.StaffAudit{
			ApplicationID:     req.ID,
			CreatorID:         c.CreatorID,
			CreatorRole:       c.CreatorRole,
			ClientID:          c.ClientID,
			ApplicationType:   c.WorkflowType,
			CreationTimestamp: now,
			WorkflowInitiated: true,
		}
	}

	if err := h.deps.States.CreateRequest(req, initiation, audit); err != nil {
		h.deps.recordFault(fault.CategorySystem, fault.SeverityHigh,
			"request creation failed", map[string]any{"client_id": c.ClientID, "error": err.Error()})
		return nil, err
	}

	h.deps.notify(h.creationIntents(req, cl.FullName, string(cl.Language))...)

	log.Info(log.CatEngine, "workflow initiated",
		"request_id", req.ID, "workflow", req.WorkflowType,
		"initial_role", req.CurrentRole, "staff_created", staffCreated)

	return &command.CommandResult{Success: true, Data: req}, nil
}

// creationIntents orders delivery so the client hears about the request
// before the assigned role does.
func (h *InitiateHandler) creationIntents(req *request.Request, clientName, language string) []notification.Intent {
	var intents []notification.Intent
	if req.CreatedByStaff {
		intents = append(intents,
			notification.Intent{
				Kind:          notification.KindStaffCreated,
				RequestID:     req.ID,
				RecipientRole: request.RoleClient,
				RecipientID:   req.ClientID,
				Language:      language,
				Payload: map[string]any{
					"client_name": clientName,
					"workflow":    string(req.WorkflowType),
					"created_by":  string(req.StaffCreatorRole),
					"description": req.Description,
				},
			},
			notification.Intent{
				Kind:          notification.KindStaffCreatorConfirm,
				RequestID:     req.ID,
				RecipientRole: req.StaffCreatorRole,
				RecipientID:   derefInt64(req.StaffCreatorID),
				Payload: map[string]any{
					"client_name": clientName,
					"workflow":    string(req.WorkflowType),
				},
			},
		)
	}
	intents = append(intents, notification.Intent{
		Kind:          notification.KindWorkflowAssigned,
		RequestID:     req.ID,
		RecipientRole: req.CurrentRole,
		Payload: map[string]any{
			"workflow": string(req.WorkflowType),
			"priority": string(req.Priority),
		},
	})
	return intents
}

func (h *InitiateHandler) validateDirectAssignee(c *command.InitiateWorkflowCommand, initial request.Role) error {
	capRow, ok := permissions.Lookup(c.CreatorRole)
	if !ok || !capRow.CanAssignDirectly {
		return ErrDirectAssignNotAllowed
	}
	assignee, err := h.deps.Users.Get(c.DirectAssigneeID)
	if err != nil {
		return fmt.Errorf("assignee %d not found", c.DirectAssigneeID)
	}
	if assignee.Role != initial {
		return fmt.Errorf("assignee %d holds %s, needs %s", c.DirectAssigneeID, assignee.Role, initial)
	}
	return nil
}

func staffRole(staffCreated bool, role request.Role) request.Role {
	if staffCreated {
		return role
	}
	return ""
}

func derefInt64(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

func failResult(f *types.Failure) *command.CommandResult {
	return &command.CommandResult{Success: false, Error: f}
}
