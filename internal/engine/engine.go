// Package engine assembles the workflow engine: the FIFO command processor,
// its middleware chain, and the three command handlers. The Engine type is
// the facade the CLI and services call.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/uztelco/dispatch/internal/access"
	"github.com/uztelco/dispatch/internal/domain/request"
	"github.com/uztelco/dispatch/internal/engine/command"
	"github.com/uztelco/dispatch/internal/engine/handler"
	"github.com/uztelco/dispatch/internal/engine/processor"
	"github.com/uztelco/dispatch/internal/pubsub"
	"github.com/uztelco/dispatch/internal/registry"
	"github.com/uztelco/dispatch/internal/state"
)

// Options configures engine construction.
type Options struct {
	States    *state.Manager
	Registry  *registry.Registry
	Checker   *access.Checker
	Users     handler.UserGetter
	Notifier  handler.Notifier
	Inventory handler.InventoryConsumer
	Faults    handler.FaultSink

	// QueueCapacity overrides the default command queue size.
	QueueCapacity int
	// DedupTTL overrides the deduplication window.
	DedupTTL time.Duration
	// EventBus receives command results and error events.
	EventBus *pubsub.Broker[any]
	// Middleware is prepended to the built-in chain, so tracing wraps
	// logging and deduplication.
	Middleware []processor.Middleware
}

// Engine is the workflow engine facade. All operations funnel through the
// FIFO processor, so concurrent callers serialise per submission order.
type Engine struct {
	proc  *processor.CommandProcessor
	dedup *processor.DeduplicationMiddleware
	opts  Options
}

// New assembles an engine. Call Run before submitting operations.
func New(opts Options) *Engine {
	deps := &handler.Deps{
		States:    opts.States,
		Registry:  opts.Registry,
		Checker:   opts.Checker,
		Users:     opts.Users,
		Notifier:  opts.Notifier,
		Inventory: opts.Inventory,
		Faults:    opts.Faults,
	}

	dedup := processor.NewDeduplicationMiddleware(processor.DeduplicationMiddlewareConfig{
		TTL: opts.DedupTTL,
	})

	chain := append([]processor.Middleware{}, opts.Middleware...)
	chain = append(chain,
		processor.NewLoggingMiddleware(),
		dedup.Middleware(),
		processor.NewTimeoutMiddleware(processor.TimeoutMiddlewareConfig{}),
	)
	procOpts := []processor.Option{
		processor.WithMiddleware(chain...),
	}
	if opts.QueueCapacity > 0 {
		procOpts = append(procOpts, processor.WithQueueCapacity(opts.QueueCapacity))
	}
	if opts.EventBus != nil {
		procOpts = append(procOpts, processor.WithEventBus(opts.EventBus))
	}

	proc := processor.NewCommandProcessor(procOpts...)
	proc.RegisterHandler(command.CmdInitiateWorkflow, handler.NewInitiateHandler(deps))
	proc.RegisterHandler(command.CmdTransitionWorkflow, handler.NewTransitionHandler(deps))
	proc.RegisterHandler(command.CmdCompleteWorkflow, handler.NewCompleteHandler(deps))

	return &Engine{proc: proc, dedup: dedup, opts: opts}
}

// Run starts the processing loop and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	e.proc.Run(ctx)
}

// WaitForReady blocks until the engine accepts commands.
func (e *Engine) WaitForReady(ctx context.Context) error {
	return e.proc.WaitForReady(ctx)
}

// Stop shuts the engine down without draining queued commands.
func (e *Engine) Stop() {
	e.proc.Stop()
	e.dedup.Stop()
}

// Drain completes queued commands, then shuts down.
func (e *Engine) Drain() {
	e.proc.Drain()
	e.dedup.Stop()
}

// InitiateWorkflow submits an initiation command and waits for the created
// request snapshot.
func (e *Engine) InitiateWorkflow(ctx context.Context, cmd *command.InitiateWorkflowCommand) (*request.Request, error) {
	return e.submitForRequest(ctx, cmd)
}

// TransitionWorkflow submits a transition command and waits for the updated
// request snapshot.
func (e *Engine) TransitionWorkflow(ctx context.Context, cmd *command.TransitionWorkflowCommand) (*request.Request, error) {
	return e.submitForRequest(ctx, cmd)
}

// CompleteWorkflow submits a completion command and waits for the closed
// request snapshot.
func (e *Engine) CompleteWorkflow(ctx context.Context, cmd *command.CompleteWorkflowCommand) (*request.Request, error) {
	return e.submitForRequest(ctx, cmd)
}

func (e *Engine) submitForRequest(ctx context.Context, cmd command.Command) (*request.Request, error) {
	result, err := e.proc.SubmitAndWait(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, result.Error
	}
	req, ok := result.Data.(*request.Request)
	if !ok {
		return nil, fmt.Errorf("unexpected result payload %T", result.Data)
	}
	return req, nil
}

// Status describes a request's position in its workflow.
type Status struct {
	Request *request.Request
	// Actions the current role may apply next.
	AvailableActions []request.Action
	// Roles the request can move to from here.
	NextRoles []request.Role
	// History is the applied transition count.
	History int
}

// GetWorkflowStatus reads a request's current position without going through
// the command queue.
func (e *Engine) GetWorkflowStatus(id string) (*Status, error) {
	req, err := e.opts.States.Get(id)
	if err != nil {
		return nil, err
	}
	history, err := e.opts.States.History(id)
	if err != nil {
		return nil, err
	}
	st := &Status{Request: req, History: len(history)}
	if !req.IsTerminal() {
		st.AvailableActions = e.opts.Registry.ActionsFor(req.WorkflowType, req.CurrentRole)
		st.NextRoles = e.opts.Registry.NextRoles(req.WorkflowType, req.CurrentRole)
	}
	return st, nil
}

// QueueLength reports pending commands, for the health report.
func (e *Engine) QueueLength() int {
	return e.proc.QueueLength()
}

// ProcessedCount reports total processed commands.
func (e *Engine) ProcessedCount() int64 {
	return e.proc.ProcessedCount()
}

// ErrorCount reports commands that failed.
func (e *Engine) ErrorCount() int64 {
	return e.proc.ErrorCount()
}
