// Package processor provides the FIFO command processor at the heart of the
// engine. A single-threaded loop executes commands in submission order, so
// two staff members racing to act on the same request serialise cleanly
// without row locks.
package processor

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/uztelco/dispatch/internal/engine/command"
	"github.com/uztelco/dispatch/internal/engine/types"
	"github.com/uztelco/dispatch/internal/pubsub"
)

// DefaultQueueCapacity is the default buffer size for the command queue.
const DefaultQueueCapacity = 1000

// CommandHandler is an alias for types.CommandHandler to avoid import cycles.
type CommandHandler = types.CommandHandler

// HandlerFunc is an alias for types.HandlerFunc to avoid import cycles.
type HandlerFunc = types.HandlerFunc

// Option configures the CommandProcessor.
type Option func(*CommandProcessor)

// WithQueueCapacity sets the command queue buffer capacity.
func WithQueueCapacity(capacity int) Option {
	return func(p *CommandProcessor) {
		p.queueCapacity = capacity
	}
}

// WithEventBus sets the event bus for publishing command results.
func WithEventBus(bus *pubsub.Broker[any]) Option {
	return func(p *CommandProcessor) {
		p.eventBus = bus
	}
}

// WithMiddleware adds middleware applied to all handlers. The first
// middleware wraps outermost.
func WithMiddleware(middlewares ...Middleware) Option {
	return func(p *CommandProcessor) {
		p.middlewares = append(p.middlewares, middlewares...)
	}
}

// CommandProcessor processes commands sequentially in FIFO order.
type CommandProcessor struct {
	queue         chan queueItem
	queueCapacity int

	handlers map[command.CommandType]CommandHandler

	middlewares []Middleware

	eventBus *pubsub.Broker[any]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running  atomic.Bool
	started  atomic.Bool
	readyCh  chan struct{}
	readyMu  sync.Mutex
	readySet bool

	processedCount atomic.Int64
	errorCount     atomic.Int64
}

// queueItem wraps a command with an optional result channel for
// SubmitAndWait.
type queueItem struct {
	cmd      command.Command
	resultCh chan *commandResponse
}

type commandResponse struct {
	result *command.CommandResult
	err    error
}

// NewCommandProcessor creates a processor with the given options.
func NewCommandProcessor(opts ...Option) *CommandProcessor {
	p := &CommandProcessor{
		queueCapacity: DefaultQueueCapacity,
		handlers:      make(map[command.CommandType]CommandHandler),
		readyCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RegisterHandler registers a handler for a command type. Must be called
// before Run. The handler is wrapped with all configured middleware.
func (p *CommandProcessor) RegisterHandler(cmdType command.CommandType, handler CommandHandler) {
	p.handlers[cmdType] = ChainMiddleware(handler, p.middlewares...)
}

// Run starts the processing loop and blocks until the context is cancelled
// or Stop is called. Run can only be called once.
func (p *CommandProcessor) Run(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.queue = make(chan queueItem, p.queueCapacity)

	p.wg.Add(1)
	p.running.Store(true)

	p.readyMu.Lock()
	if !p.readySet {
		close(p.readyCh)
		p.readySet = true
	}
	p.readyMu.Unlock()

	defer func() {
		p.running.Store(false)
		p.wg.Done()
	}()

	for {
		select {
		case <-p.ctx.Done():
			return
		case item, ok := <-p.queue:
			if !ok {
				return
			}
			p.processItem(item)
		}
	}
}

// WaitForReady blocks until the processor accepts commands.
func (p *CommandProcessor) WaitForReady(ctx context.Context) error {
	select {
	case <-p.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit adds a command for asynchronous processing. Returns
// command.ErrQueueFull when the queue is at capacity.
func (p *CommandProcessor) Submit(cmd command.Command) error {
	if !p.running.Load() {
		return command.ErrQueueFull
	}
	select {
	case p.queue <- queueItem{cmd: cmd}:
		return nil
	default:
		return command.ErrQueueFull
	}
}

// SubmitAndWait adds a command and waits for its result, respecting context
// cancellation.
func (p *CommandProcessor) SubmitAndWait(ctx context.Context, cmd command.Command) (*command.CommandResult, error) {
	if !p.running.Load() {
		return nil, command.ErrQueueFull
	}

	resultCh := make(chan *commandResponse, 1)
	select {
	case p.queue <- queueItem{cmd: cmd, resultCh: resultCh}:
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return nil, command.ErrQueueFull
	}

	select {
	case resp := <-resultCh:
		return resp.result, resp.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.ctx.Done():
		return nil, context.Canceled
	}
}

// Stop cancels the processing context and waits for shutdown. Pending
// commands are not processed.
func (p *CommandProcessor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Drain processes all remaining queued commands before stopping.
func (p *CommandProcessor) Drain() {
	if !p.running.Load() {
		return
	}
	p.running.Store(false)
	close(p.queue)
	p.wg.Wait()
}

// IsRunning reports whether the processor is accepting commands.
func (p *CommandProcessor) IsRunning() bool {
	return p.running.Load()
}

// ProcessedCount returns the total number of commands processed.
func (p *CommandProcessor) ProcessedCount() int64 {
	return p.processedCount.Load()
}

// ErrorCount returns the number of commands that resulted in errors.
func (p *CommandProcessor) ErrorCount() int64 {
	return p.errorCount.Load()
}

// QueueLength returns the current number of pending commands.
func (p *CommandProcessor) QueueLength() int {
	if p.queue == nil {
		return 0
	}
	return len(p.queue)
}

func (p *CommandProcessor) processItem(item queueItem) {
	result := p.processCommand(item.cmd)

	p.processedCount.Add(1)
	if result != nil && !result.Success {
		p.errorCount.Add(1)
	}

	if item.resultCh != nil {
		item.resultCh <- &commandResponse{result: result}
		close(item.resultCh)
	}
}

// processCommand executes the pipeline: validate, route, execute, emit
// events, enqueue follow-ups. Errors are wrapped in the CommandResult.
func (p *CommandProcessor) processCommand(cmd command.Command) *command.CommandResult {
	if err := cmd.Validate(); err != nil {
		p.emitErrorEvent(cmd, err)
		return &command.CommandResult{Success: false, Error: err}
	}

	handler, ok := p.handlers[cmd.Type()]
	if !ok {
		p.emitErrorEvent(cmd, ErrUnknownCommandType)
		return &command.CommandResult{Success: false, Error: ErrUnknownCommandType}
	}

	result, err := handler.Handle(p.ctx, cmd)
	if err != nil {
		p.emitErrorEvent(cmd, err)
		return &command.CommandResult{Success: false, Error: err}
	}

	if result != nil && len(result.Events) > 0 {
		p.emitEvents(result.Events)
	}

	if result != nil && len(result.FollowUp) > 0 {
		for _, followUp := range result.FollowUp {
			select {
			case p.queue <- queueItem{cmd: followUp}:
			default:
				// queue full; follow-ups are best effort
			}
		}
	}

	return result
}

func (p *CommandProcessor) emitEvents(events []any) {
	if p.eventBus == nil {
		return
	}
	for _, event := range events {
		p.eventBus.Publish(pubsub.UpdatedEvent, event)
	}
}

func (p *CommandProcessor) emitErrorEvent(cmd command.Command, err error) {
	if p.eventBus == nil {
		return
	}
	p.eventBus.Publish(pubsub.UpdatedEvent, CommandErrorEvent{
		CommandID:   cmd.ID(),
		CommandType: cmd.Type(),
		Error:       err,
	})
}
