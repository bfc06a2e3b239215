package message

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/chatpoints/internal/chatevent"
	"github.com/smallbiznis/chatpoints/internal/clock"
	"github.com/smallbiznis/chatpoints/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db := testutil.NewDB(t)
	return NewService(Params{
		DB:    db,
		GenID: testutil.NewNode(t),
		Clock: clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	}), db
}

func event() chatevent.ChatEvent {
	return chatevent.ChatEvent{
		MessageID:   "m1",
		Content:     "hi Kappa",
		TimestampMs: time.Date(2026, 3, 1, 11, 59, 0, 0, time.UTC).UnixMilli(),
		Sender: chatevent.Sender{
			ExternalUserID: 42,
			Username:       "alice",
			Badges:         []chatevent.Badge{{Type: "subscriber", Count: 3}},
		},
		Broadcaster: chatevent.Broadcaster{ExternalUserID: 7, Username: "streamer"},
		Emotes:      []chatevent.Emote{{EmoteID: "1", Positions: []chatevent.Position{{Start: 3, End: 7}}}},
	}
}

func TestSaveIsIdempotentPerMessageID(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	inserted, err := svc.Save(ctx, event(), snowflake.ID(99))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = svc.Save(ctx, event(), snowflake.ID(99))
	require.NoError(t, err)
	assert.False(t, inserted)

	var stored []Message
	require.NoError(t, db.Find(&stored).Error)
	require.Len(t, stored, 1)
	assert.Equal(t, "hi Kappa", stored[0].Content)
	require.Len(t, stored[0].Badges, 1)
	assert.Equal(t, "subscriber", stored[0].Badges[0].Type)
	require.Len(t, stored[0].Emotes, 1)
	assert.True(t, stored[0].SentAt.Equal(event().Timestamp()))
}

func TestSaveOfflineSeparateTable(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	ev := event()
	ev.Emotes = nil
	inserted, err := svc.SaveOffline(ctx, ev)
	require.NoError(t, err)
	assert.True(t, inserted)

	var online int64
	require.NoError(t, db.Model(&Message{}).Count(&online).Error)
	assert.Zero(t, online)

	var stored OfflineMessage
	require.NoError(t, db.Take(&stored).Error)
	assert.Empty(t, stored.Emotes)
}
