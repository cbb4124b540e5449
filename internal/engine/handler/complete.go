package handler

import (
	"context"
	"fmt"

	"github.com/uztelco/dispatch/internal/domain/fault"
	"github.com/uztelco/dispatch/internal/domain/request"
	"github.com/uztelco/dispatch/internal/engine/command"
	"github.com/uztelco/dispatch/internal/engine/types"
	"github.com/uztelco/dispatch/internal/log"
	"github.com/uztelco/dispatch/internal/state"
)

// CompleteHandler records the client rating and closes the request. Repeat
// completions of an already-closed request succeed without writing anything,
// so a double-submitted rating form is harmless.
type CompleteHandler struct {
	deps *Deps
}

// NewCompleteHandler returns the handler over shared deps.
func NewCompleteHandler(deps *Deps) *CompleteHandler {
	return &CompleteHandler{deps: deps}
}

// Handle executes a CompleteWorkflowCommand.
func (h *CompleteHandler) Handle(_ context.Context, cmd command.Command) (*command.CommandResult, error) {
	c, ok := cmd.(*command.CompleteWorkflowCommand)
	if !ok {
		return nil, fmt.Errorf("complete handler received %T", cmd)
	}

	req, err := h.deps.States.Get(c.RequestID)
	if err != nil {
		return failResult(types.NewFailure(fault.CategoryData, fault.SeverityLow,
			"request not found", types.ErrRequestNotFound)), nil
	}

	// Idempotent: a request already completed stays completed.
	if req.CurrentStatus == request.StatusCompleted {
		log.Debug(log.CatEngine, "completion repeated", "request_id", req.ID)
		return &command.CommandResult{Success: true, Data: req}, nil
	}

	actor, err := h.deps.Users.Get(c.ActorID)
	if err != nil {
		return failResult(types.NewFailure(fault.CategoryData, fault.SeverityLow,
			"actor not found", types.ErrActorNotFound)), nil
	}
	payload := map[string]any{"rating": c.Rating}
	if c.Feedback != "" {
		payload["feedback"] = c.Feedback
	}
	if err := h.deps.Checker.Authorize(req, actor, request.ActionRateService, payload); err != nil {
		return failResult(types.NewFailure(fault.CategoryBusinessLogic, fault.SeverityLow,
			"completion denied", err)), nil
	}
	if err := h.deps.Registry.ValidatePayload(req.WorkflowType, request.RoleClient, request.ActionRateService, payload); err != nil {
		return failResult(types.NewFailure(fault.CategoryData, fault.SeverityLow,
			"rating payload incomplete", err)), nil
	}

	rating := c.Rating
	snapshot, err := h.deps.States.UpdateRequestState(req.ID, state.Update{
		Status:           request.StatusCompleted,
		CompletionRating: &rating,
		FeedbackComments: c.Feedback,
		Transition: &request.Transition{
			RequestID:      req.ID,
			FromRole:       rolePtr(req.CurrentRole),
			ToRole:         nil,
			Action:         request.ActionRateService,
			ActorID:        c.ActorID,
			TransitionData: payload,
			Comments:       staffComments(req, ""),
			CreatedAt:      h.deps.now(),
		},
	})
	if err != nil {
		h.deps.recordFault(fault.CategorySystem, fault.SeverityHigh,
			"completion persist failed", map[string]any{"request_id": req.ID, "error": err.Error()})
		return nil, err
	}

	log.Info(log.CatEngine, "workflow completed",
		"request_id", req.ID, "rating", c.Rating)

	return &command.CommandResult{Success: true, Data: snapshot}, nil
}
