package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/uztelco/dispatch/internal/engine/command"
	"github.com/uztelco/dispatch/internal/engine/processor"
)

// MiddlewareConfig configures the tracing middleware.
type MiddlewareConfig struct {
	// Tracer creates spans. A nil tracer makes the middleware a
	// pass-through.
	Tracer trace.Tracer
}

// NewMiddleware creates processor middleware that spans each processed
// command, records failures, and propagates trace context to follow-ups.
func NewMiddleware(cfg MiddlewareConfig) processor.Middleware {
	if cfg.Tracer == nil {
		return func(next processor.CommandHandler) processor.CommandHandler {
			return next
		}
	}

	return func(next processor.CommandHandler) processor.CommandHandler {
		return processor.HandlerFunc(func(ctx context.Context, cmd command.Command) (*command.CommandResult, error) {
			ctx = restoreSpanContext(ctx, cmd)

			spanName := fmt.Sprintf("%s%s", SpanPrefixCommand, cmd.Type())
			ctx, span := cfg.Tracer.Start(ctx, spanName,
				trace.WithSpanKind(trace.SpanKindInternal),
			)
			defer span.End()

			traceID := span.SpanContext().TraceID().String()

			span.SetAttributes(
				attribute.String(AttrCommandID, cmd.ID()),
				attribute.String(AttrCommandType, string(cmd.Type())),
			)
			if hasSource, ok := cmd.(interface{ Source() command.CommandSource }); ok {
				span.SetAttributes(attribute.String(AttrCommandSource, string(hasSource.Source())))
			}

			result, err := next.Handle(ctx, cmd)

			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			} else if result != nil && !result.Success {
				if result.Error != nil {
					span.RecordError(result.Error)
					span.SetStatus(codes.Error, result.Error.Error())
				} else {
					span.SetStatus(codes.Error, "command failed without error details")
				}
			} else {
				span.SetStatus(codes.Ok, "")
			}

			if result != nil && len(result.FollowUp) > 0 {
				currentSpanContext := span.SpanContext()

				for _, followUp := range result.FollowUp {
					span.AddEvent(EventFollowUpCreated,
						trace.WithAttributes(
							attribute.String(AttrCommandType, string(followUp.Type())),
							attribute.String(AttrCommandID, followUp.ID()),
						),
					)
					if setter, ok := followUp.(interface{ SetTraceID(string) }); ok {
						setter.SetTraceID(traceID)
					}
					if setter, ok := followUp.(interface{ SetSpanContext(trace.SpanContext) }); ok {
						setter.SetSpanContext(currentSpanContext)
					}
				}
			}

			return result, err
		})
	}
}

// restoreSpanContext makes spans created for follow-up commands children of
// the span that enqueued them.
func restoreSpanContext(ctx context.Context, cmd command.Command) context.Context {
	if hasSpanContext, ok := cmd.(interface{ SpanContext() trace.SpanContext }); ok {
		sc := hasSpanContext.SpanContext()
		if sc.IsValid() {
			return trace.ContextWithRemoteSpanContext(ctx, sc)
		}
	}
	return ctx
}
