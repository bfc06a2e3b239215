package context

import (
	"context"
	"strings"
)

type requestIDKey struct{}
type broadcasterKey struct{}
type actorKey struct{}

type actor struct {
	kind string
	id   string
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if ctx == nil || requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(requestIDKey{}).(string)
	return value
}

// WithBroadcasterID tags the context with the channel owner an event belongs to.
func WithBroadcasterID(ctx context.Context, broadcasterID string) context.Context {
	broadcasterID = strings.TrimSpace(broadcasterID)
	if ctx == nil || broadcasterID == "" {
		return ctx
	}
	return context.WithValue(ctx, broadcasterKey{}, broadcasterID)
}

func BroadcasterIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(broadcasterKey{}).(string)
	return value
}

func WithActor(ctx context.Context, kind, id string) context.Context {
	if ctx == nil {
		return ctx
	}
	return context.WithValue(ctx, actorKey{}, actor{
		kind: strings.TrimSpace(kind),
		id:   strings.TrimSpace(id),
	})
}

func ActorFromContext(ctx context.Context) (string, string) {
	if ctx == nil {
		return "", ""
	}
	value, ok := ctx.Value(actorKey{}).(actor)
	if !ok {
		return "", ""
	}
	return value.kind, value.id
}
