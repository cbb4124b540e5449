package processor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uztelco/dispatch/internal/domain/request"
	"github.com/uztelco/dispatch/internal/engine/command"
	"github.com/uztelco/dispatch/internal/engine/types"
)

func countingHandler(calls *int) CommandHandler {
	return HandlerFunc(func(_ context.Context, _ command.Command) (*command.CommandResult, error) {
		*calls++
		return &command.CommandResult{Success: true}, nil
	})
}

func transition(requestID string, actorID int64, action request.Action) *command.TransitionWorkflowCommand {
	cmd := command.NewTransitionWorkflowCommand(command.SourceStaff)
	cmd.RequestID = requestID
	cmd.ActorID = actorID
	cmd.Action = action
	return cmd
}

func TestChainMiddlewareOrder(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next CommandHandler) CommandHandler {
			return HandlerFunc(func(ctx context.Context, cmd command.Command) (*command.CommandResult, error) {
				order = append(order, name)
				return next.Handle(ctx, cmd)
			})
		}
	}

	calls := 0
	h := ChainMiddleware(countingHandler(&calls), mw("outer"), mw("inner"))
	_, err := h.Handle(context.Background(), transition("r", 1, "call_client"))
	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "inner"}, order)
	assert.Equal(t, 1, calls)
}

func TestDeduplicationRejectsWithinWindow(t *testing.T) {
	m := NewDeduplicationMiddleware(DeduplicationMiddlewareConfig{TTL: time.Minute})
	defer m.Stop()

	calls := 0
	h := m.Middleware()(countingHandler(&calls))

	first, err := h.Handle(context.Background(), transition("r", 1, "call_client"))
	require.NoError(t, err)
	assert.True(t, first.Success)

	// Different command id, same content.
	second, err := h.Handle(context.Background(), transition("r", 1, "call_client"))
	require.NoError(t, err)
	assert.False(t, second.Success)
	assert.ErrorIs(t, second.Error, types.ErrDuplicateCommand)

	assert.Equal(t, 1, calls, "the duplicate never reaches the handler")
}

func TestDeduplicationExpires(t *testing.T) {
	m := NewDeduplicationMiddleware(DeduplicationMiddlewareConfig{
		TTL:             5 * time.Millisecond,
		CleanupInterval: time.Minute,
	})
	defer m.Stop()

	calls := 0
	h := m.Middleware()(countingHandler(&calls))

	_, err := h.Handle(context.Background(), transition("r", 1, "call_client"))
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	res, err := h.Handle(context.Background(), transition("r", 1, "call_client"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, calls)
}

func TestDeduplicationDistinguishesContent(t *testing.T) {
	m := NewDeduplicationMiddleware(DeduplicationMiddlewareConfig{TTL: time.Minute})
	defer m.Stop()

	calls := 0
	h := m.Middleware()(countingHandler(&calls))

	_, err := h.Handle(context.Background(), transition("r", 1, "call_client"))
	require.NoError(t, err)
	// Same request, different actor: a distinct command.
	res, err := h.Handle(context.Background(), transition("r", 2, "call_client"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	// Different action: also distinct.
	res, err = h.Handle(context.Background(), transition("r", 1, "forward_to_controller"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, calls)
}

func TestDeduplicationCacheCleanup(t *testing.T) {
	m := NewDeduplicationMiddleware(DeduplicationMiddlewareConfig{
		TTL:             time.Millisecond,
		CleanupInterval: 2 * time.Millisecond,
	})
	defer m.Stop()

	h := m.Middleware()(HandlerFunc(func(_ context.Context, _ command.Command) (*command.CommandResult, error) {
		return &command.CommandResult{Success: true}, nil
	}))
	_, err := h.Handle(context.Background(), transition("r", 1, "call_client"))
	require.NoError(t, err)
	require.Equal(t, 1, m.CacheSize())

	assert.Eventually(t, func() bool { return m.CacheSize() == 0 },
		200*time.Millisecond, 5*time.Millisecond)
}

func TestTimeoutMiddlewarePassesResultThrough(t *testing.T) {
	mw := NewTimeoutMiddleware(TimeoutMiddlewareConfig{WarningThreshold: time.Nanosecond})
	want := &command.CommandResult{Success: true, Data: "payload"}
	h := mw(HandlerFunc(func(_ context.Context, _ command.Command) (*command.CommandResult, error) {
		time.Sleep(time.Millisecond)
		return want, nil
	}))

	got, err := h.Handle(context.Background(), transition("r", 1, "call_client"))
	require.NoError(t, err)
	assert.Same(t, want, got)
}

func TestProcessorFIFOOrder(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	p := NewCommandProcessor()
	p.RegisterHandler(command.CmdTransitionWorkflow,
		HandlerFunc(func(_ context.Context, cmd command.Command) (*command.CommandResult, error) {
			mu.Lock()
			seen = append(seen, cmd.(*command.TransitionWorkflowCommand).RequestID)
			mu.Unlock()
			return &command.CommandResult{Success: true}, nil
		}))

	go p.Run(context.Background())
	require.NoError(t, p.WaitForReady(context.Background()))

	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, p.Submit(transition(id, 1, "call_client")))
	}
	p.Drain()

	assert.Equal(t, []string{"a", "b", "c", "d"}, seen)
	assert.Equal(t, int64(4), p.ProcessedCount())
}

func TestSubmitBeforeRunRejected(t *testing.T) {
	p := NewCommandProcessor()
	err := p.Submit(transition("r", 1, "call_client"))
	assert.ErrorIs(t, err, command.ErrQueueFull)
}
