package tracing

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributesDropsContent(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("message_id", "m1"),
		attribute.String("content", "hello chat"),
		attribute.String("username", "alice"),
		attribute.Int64("user_id", 42),
	)
	keys := make([]attribute.Key, 0, len(attrs))
	for _, attr := range attrs {
		keys = append(keys, attr.Key)
	}
	assert.ElementsMatch(t, []attribute.Key{"message_id", "user_id"}, keys)
}

func TestSafeErrorTruncates(t *testing.T) {
	assert.Nil(t, SafeError(nil))
	assert.Nil(t, SafeError(errors.New("   ")))

	long := errors.New(strings.Repeat("x", 1000))
	assert.Len(t, SafeError(long).Error(), maxErrorLength)
}
