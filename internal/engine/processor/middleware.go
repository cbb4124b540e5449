package processor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/uztelco/dispatch/internal/engine/command"
	"github.com/uztelco/dispatch/internal/engine/types"
	"github.com/uztelco/dispatch/internal/log"
)

// Middleware wraps a CommandHandler to add cross-cutting behavior.
type Middleware func(CommandHandler) CommandHandler

// ChainMiddleware applies middlewares to a handler in reverse order, so the
// first middleware in the list is the outermost wrapper.
func ChainMiddleware(handler CommandHandler, middlewares ...Middleware) CommandHandler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return handler
}

// NewLoggingMiddleware creates a middleware that logs command execution.
func NewLoggingMiddleware() Middleware {
	return func(next CommandHandler) CommandHandler {
		return HandlerFunc(func(ctx context.Context, cmd command.Command) (*command.CommandResult, error) {
			start := time.Now()

			traceID := ""
			if hasTraceID, ok := cmd.(interface{ TraceID() string }); ok {
				traceID = hasTraceID.TraceID()
			}
			source := ""
			if hasSource, ok := cmd.(interface{ Source() command.CommandSource }); ok {
				source = string(hasSource.Source())
			}

			result, err := next.Handle(ctx, cmd)
			duration := time.Since(start)

			switch {
			case err != nil:
				log.Error(log.CatEngine, "command failed",
					"command_id", cmd.ID(),
					"command_type", cmd.Type().String(),
					"trace_id", traceID,
					"duration", duration,
					"source", source,
					"error", err.Error(),
				)
			case result != nil && !result.Success:
				errMsg := ""
				if result.Error != nil {
					errMsg = result.Error.Error()
				}
				log.Warn(log.CatEngine, "command completed with error result",
					"command_id", cmd.ID(),
					"command_type", cmd.Type().String(),
					"trace_id", traceID,
					"duration", duration,
					"source", source,
					"error", errMsg,
				)
			default:
				log.Debug(log.CatEngine, "command completed",
					"command_id", cmd.ID(),
					"command_type", cmd.Type().String(),
					"trace_id", traceID,
					"duration", duration,
					"source", source,
				)
			}

			return result, err
		})
	}
}

// DefaultDeduplicationTTL is the default window for rejecting semantically
// duplicate commands.
const DefaultDeduplicationTTL = 5 * time.Second

// DeduplicationMiddlewareConfig configures the deduplication middleware.
type DeduplicationMiddlewareConfig struct {
	TTL             time.Duration
	CleanupInterval time.Duration
}

// DeduplicationMiddleware rejects commands whose content hash was already
// seen within the TTL window. A double-submitted rating or a double-clicked
// assignment resolves to one applied command.
type DeduplicationMiddleware struct {
	cache      sync.Map // content hash -> expiry time
	ttl        time.Duration
	cleanupCtx context.Context
	cancelFunc context.CancelFunc
	cleanupWg  sync.WaitGroup
	started    bool
	mu         sync.Mutex
}

// NewDeduplicationMiddleware creates the middleware and starts its cache
// cleanup goroutine.
func NewDeduplicationMiddleware(cfg DeduplicationMiddlewareConfig) *DeduplicationMiddleware {
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = DefaultDeduplicationTTL
	}
	cleanupInterval := cfg.CleanupInterval
	if cleanupInterval == 0 {
		cleanupInterval = ttl / 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &DeduplicationMiddleware{
		ttl:        ttl,
		cleanupCtx: ctx,
		cancelFunc: cancel,
	}
	m.startCleanup(cleanupInterval)
	return m
}

func (m *DeduplicationMiddleware) startCleanup(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true

	m.cleanupWg.Add(1)
	go func() {
		defer m.cleanupWg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.cleanupCtx.Done():
				return
			case <-ticker.C:
				m.cleanupExpired()
			}
		}
	}()
}

func (m *DeduplicationMiddleware) cleanupExpired() {
	now := time.Now()
	m.cache.Range(func(key, value any) bool {
		if now.After(value.(time.Time)) {
			m.cache.Delete(key)
		}
		return true
	})
}

// Stop stops the background cleanup goroutine.
func (m *DeduplicationMiddleware) Stop() {
	m.cancelFunc()
	m.cleanupWg.Wait()
}

// CacheSize returns the current number of cached hashes.
func (m *DeduplicationMiddleware) CacheSize() int {
	count := 0
	m.cache.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// Middleware returns the middleware function.
func (m *DeduplicationMiddleware) Middleware() Middleware {
	return func(next CommandHandler) CommandHandler {
		return HandlerFunc(func(ctx context.Context, cmd command.Command) (*command.CommandResult, error) {
			hash := computeContentHash(cmd)

			now := time.Now()
			if existingExpiry, loaded := m.cache.Load(hash); loaded {
				if now.Before(existingExpiry.(time.Time)) {
					log.Warn(log.CatEngine, "duplicate command rejected",
						"command_id", cmd.ID(),
						"command_type", cmd.Type().String(),
						"content_hash", hash[:16],
					)
					return &command.CommandResult{
						Success: false,
						Error:   types.ErrDuplicateCommand,
					}, nil
				}
			}
			m.cache.Store(hash, now.Add(m.ttl))

			return next.Handle(ctx, cmd)
		})
	}
}

// contentHasher is implemented by commands that exclude transient fields
// like ID and timestamp from their identity.
type contentHasher interface {
	ContentHash() string
}

func computeContentHash(cmd command.Command) string {
	h := sha256.New()
	h.Write([]byte(cmd.Type().String()))
	if hasher, ok := cmd.(contentHasher); ok {
		h.Write([]byte(hasher.ContentHash()))
	} else {
		h.Write(fmt.Appendf(nil, "%s", cmd.ID()))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// DefaultTimeoutWarningThreshold flags handlers slower than this.
const DefaultTimeoutWarningThreshold = 100 * time.Millisecond

// TimeoutMiddlewareConfig configures the timeout middleware.
type TimeoutMiddlewareConfig struct {
	WarningThreshold time.Duration
}

// NewTimeoutMiddleware creates a middleware that logs a warning when a
// handler exceeds the threshold. It never aborts a slow handler; aborting
// mid-transaction could leave a request half-moved.
func NewTimeoutMiddleware(cfg TimeoutMiddlewareConfig) Middleware {
	threshold := cfg.WarningThreshold
	if threshold == 0 {
		threshold = DefaultTimeoutWarningThreshold
	}

	return func(next CommandHandler) CommandHandler {
		return HandlerFunc(func(ctx context.Context, cmd command.Command) (*command.CommandResult, error) {
			start := time.Now()
			result, err := next.Handle(ctx, cmd)
			duration := time.Since(start)
			if duration > threshold {
				log.Warn(log.CatEngine, "handler exceeded time threshold",
					"command_id", cmd.ID(),
					"command_type", cmd.Type().String(),
					"duration", duration,
					"threshold", threshold,
				)
			}
			return result, err
		})
	}
}
