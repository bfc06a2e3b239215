package coins

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubBacklogIsBounded(t *testing.T) {
	hub := NewHub()
	first, _, err := hub.Subscribe(1)
	require.NoError(t, err)
	defer first.Close()

	for i := 0; i < DefaultBacklogSize+5; i++ {
		hub.Publish(1, LiveAward{UserID: int64(i)})
	}

	second, backlog, err := hub.Subscribe(1)
	require.NoError(t, err)
	defer second.Close()
	require.Len(t, backlog, DefaultBacklogSize)
	assert.Equal(t, int64(5), backlog[0].UserID)
}

func TestHubDropsStreamAfterLastUnsubscribe(t *testing.T) {
	hub := NewHub()
	sub, _, err := hub.Subscribe(1)
	require.NoError(t, err)
	sub.Close()
	sub.Close()

	hub.mu.RLock()
	_, ok := hub.streams[1]
	hub.mu.RUnlock()
	assert.False(t, ok)

	hub.Publish(1, LiveAward{UserID: 1})
}

func TestNilHubIsSafe(t *testing.T) {
	var hub *Hub
	hub.Publish(1, LiveAward{})
	_, _, err := hub.Subscribe(1)
	assert.ErrorIs(t, err, ErrHubUnavailable)
}
