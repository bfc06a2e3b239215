package correlation

import (
	"context"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"
)

type correlationKey struct{}

// Carrier is the trace metadata that travels with a chat event through the
// buffer and the job queue, so the worker span joins the webhook trace.
type Carrier struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	TraceID       string `json:"trace_id,omitempty"`
	SpanID        string `json:"span_id,omitempty"`
}

// ExtractCorrelationID fetches a correlation ID from the context if present.
func ExtractCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if val, ok := ctx.Value(correlationKey{}).(string); ok {
		return val
	}
	return ""
}

// ContextWithCorrelationID sets the correlation ID onto the context.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

// EnsureCorrelationID guarantees a correlation ID on the context, generating one when missing.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	cid := ExtractCorrelationID(ctx)
	if cid == "" {
		cid = ulid.Make().String()
	}
	return ContextWithCorrelationID(ctx, cid), cid
}

// Inject captures the correlation id and current span of ctx.
func Inject(ctx context.Context) Carrier {
	ctx, cid := EnsureCorrelationID(ctx)
	carrier := Carrier{CorrelationID: cid}
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.IsValid() {
		carrier.TraceID = sc.TraceID().String()
		carrier.SpanID = sc.SpanID().String()
	}
	return carrier
}

// Extract restores a carrier produced by Inject onto ctx.
func Extract(ctx context.Context, carrier Carrier) context.Context {
	ctx = ContextWithCorrelationID(ctx, carrier.CorrelationID)
	return ContextWithRemoteSpan(ctx, carrier.TraceID, carrier.SpanID)
}

// ContextWithRemoteSpan seeds the context with a remote span if valid identifiers are provided.
func ContextWithRemoteSpan(ctx context.Context, traceIDHex, spanIDHex string) context.Context {
	if traceIDHex == "" || spanIDHex == "" {
		return ctx
	}

	traceID, err := trace.TraceIDFromHex(traceIDHex)
	if err != nil {
		return ctx
	}
	spanID, err := trace.SpanIDFromHex(spanIDHex)
	if err != nil {
		return ctx
	}

	parent := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled, Remote: true})
	return trace.ContextWithSpanContext(ctx, parent)
}
