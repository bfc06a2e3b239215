package chatevent

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const chatBody = `{
  "message_id": "m1",
  "broadcaster": {"is_anonymous": false, "user_id": 7, "username": "streamer", "is_verified": true, "channel_slug": "streamer"},
  "sender": {
    "is_anonymous": false, "user_id": 42, "username": "alice", "is_verified": false,
    "profile_picture": "https://cdn.example/alice.png",
    "identity": {"username_color": "#FF00FF", "badges": [{"text": "Subscriber", "type": "subscriber", "count": 3}]}
  },
  "content": "hi [emote:37226:KEKW] [emote:37226:KEKW]",
  "emotes": [{"emote_id": "37226", "positions": [{"s": 3, "e": 20}, {"s": 22, "e": 39}]}],
  "created_at": "2026-03-01T12:00:00Z",
  "extra_field_added_later": true
}`

func TestParseChatMessage(t *testing.T) {
	event, err := ParseChatMessage([]byte(chatBody), time.Now())
	require.NoError(t, err)

	assert.Equal(t, "m1", event.MessageID)
	assert.Equal(t, int64(42), event.Sender.ExternalUserID)
	assert.Equal(t, "#FF00FF", event.Sender.ColorTag)
	assert.Equal(t, []string{"subscriber"}, event.Sender.BadgeTypes())
	assert.Equal(t, int64(7), event.Broadcaster.ExternalUserID)
	assert.Equal(t, int64(2), event.EmoteCount())
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli(), event.TimestampMs)
	assert.Nil(t, event.StreamSessionID)
}

func TestParseChatMessageFallsBackToReceiptTime(t *testing.T) {
	received := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	body := `{"message_id":"m2","broadcaster":{"user_id":7},"sender":{"user_id":42,"username":"alice"},"content":"yo"}`

	event, err := ParseChatMessage([]byte(body), received)
	require.NoError(t, err)
	assert.Equal(t, received.UnixMilli(), event.TimestampMs)
}

func TestParseChatMessageRejectsBadShapes(t *testing.T) {
	_, err := ParseChatMessage([]byte(`{"message_id": 12`), time.Now())
	assert.True(t, errors.Is(err, ErrMalformedPayload))

	_, err = ParseChatMessage([]byte(`{"message_id":"m3","broadcaster":{"user_id":7},"sender":{"user_id":0}}`), time.Now())
	assert.True(t, errors.Is(err, ErrInvalidSender))
}

func TestParseStatusUpdate(t *testing.T) {
	received := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)

	live, err := ParseStatusUpdate([]byte(`{"broadcaster":{"user_id":7,"channel_slug":"streamer"},"is_live":true,"title":"Ranked grind","started_at":"2026-03-01T12:00:00Z"}`), received)
	require.NoError(t, err)
	assert.True(t, live.IsLive)
	assert.Nil(t, live.EndedAt)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), live.StartedAt)

	ended, err := ParseStatusUpdate([]byte(`{"broadcaster":{"user_id":7},"is_live":false}`), received)
	require.NoError(t, err)
	require.NotNil(t, ended.EndedAt)
	assert.Equal(t, received, *ended.EndedAt)

	_, err = ParseStatusUpdate([]byte(`{"broadcaster":{"user_id":7}}`), received)
	assert.True(t, errors.Is(err, ErrMalformedPayload))
}

func TestParseMetadataUpdate(t *testing.T) {
	update, err := ParseMetadataUpdate([]byte(`{"broadcaster":{"user_id":7},"metadata":{"title":" New title "}}`))
	require.NoError(t, err)
	assert.Equal(t, int64(7), update.BroadcasterID)
	assert.Equal(t, "New title", update.Title)

	_, err = ParseMetadataUpdate([]byte(`{"metadata":{}}`))
	assert.True(t, errors.Is(err, ErrInvalidBroadcaster))
}
