package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("event_type", "chat.message.sent"),
		attribute.Int64("user_id", 42),
		attribute.String("message_id", "m1"),
		attribute.String("reason", "rate_limited"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	for _, attr := range attrs {
		if attr.Key == "user_id" || attr.Key == "message_id" {
			t.Fatalf("unexpected high-cardinality label %s", attr.Key)
		}
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.RecordWebhookEvent(context.Background(), "chat.message.sent", "accepted")
	m.RecordCoinAward(context.Background(), true, "", 1)
	m.RecordPointAward(context.Background(), "offline")
	m.RecordRateLimitDenied(context.Background(), "webhook", "exceeded")
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{ServiceName: "chatpoints"}, noop.NewMeterProvider())
	require.NoError(t, err)
	m.RecordCoinAward(context.Background(), true, "", 3)
	m.RecordRateLimitAllowed(context.Background(), "webhook")
}
