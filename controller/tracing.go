package controller

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/isdmx/shellbox/controller"

func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// startSpan starts a span for one boundary operation
func startSpan(ctx context.Context, operation, user, sessionID string) (context.Context, trace.Span) {
	ctx, span := tracer().Start(ctx, "sandbox."+operation)
	span.SetAttributes(attribute.String("sandbox.user_id", user))
	if sessionID != "" {
		span.SetAttributes(attribute.String("sandbox.session_id", sessionID))
	}
	return ctx, span
}

// endSpan records the outcome and ends span
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.SetAttributes(attribute.String("sandbox.error_kind", string(KindOf(err))))
		span.RecordError(err)
		span.SetStatus(codes.Error, string(KindOf(err)))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
