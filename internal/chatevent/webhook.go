package chatevent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Platform webhook event types, carried in the Kick-Event-Type header.
const (
	TypeChatMessageSent           = "chat.message.sent"
	TypeLivestreamStatusUpdated   = "livestream.status.updated"
	TypeLivestreamMetadataUpdated = "livestream.metadata.updated"
)

var ErrMalformedPayload = errors.New("malformed_payload")

type webhookUser struct {
	IsAnonymous    bool   `json:"is_anonymous"`
	UserID         int64  `json:"user_id"`
	Username       string `json:"username"`
	IsVerified     bool   `json:"is_verified"`
	ProfilePicture string `json:"profile_picture"`
	ChannelSlug    string `json:"channel_slug"`
	Identity       *struct {
		UsernameColor string  `json:"username_color"`
		Badges        []Badge `json:"badges"`
	} `json:"identity"`
}

type webhookEmote struct {
	EmoteID   string `json:"emote_id"`
	Positions []struct {
		S int `json:"s"`
		E int `json:"e"`
	} `json:"positions"`
}

type chatMessagePayload struct {
	MessageID   string         `json:"message_id"`
	Broadcaster webhookUser    `json:"broadcaster"`
	Sender      webhookUser    `json:"sender"`
	Content     string         `json:"content"`
	Emotes      []webhookEmote `json:"emotes"`
	CreatedAt   *time.Time     `json:"created_at"`
}

// ParseChatMessage decodes a chat.message.sent body. receivedAt stands in for
// created_at when the platform omits it. The result is validated.
func ParseChatMessage(body []byte, receivedAt time.Time) (ChatEvent, error) {
	var payload chatMessagePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return ChatEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	ts := receivedAt
	if payload.CreatedAt != nil && !payload.CreatedAt.IsZero() {
		ts = *payload.CreatedAt
	}

	event := ChatEvent{
		MessageID:   strings.TrimSpace(payload.MessageID),
		Content:     payload.Content,
		TimestampMs: ts.UnixMilli(),
		Sender: Sender{
			ExternalUserID:    payload.Sender.UserID,
			Username:          strings.TrimSpace(payload.Sender.Username),
			ProfilePictureURL: payload.Sender.ProfilePicture,
			IsVerified:        payload.Sender.IsVerified,
			IsAnonymous:       payload.Sender.IsAnonymous,
		},
		Broadcaster: Broadcaster{
			ExternalUserID: payload.Broadcaster.UserID,
			Username:       strings.TrimSpace(payload.Broadcaster.Username),
			ChannelSlug:    strings.TrimSpace(payload.Broadcaster.ChannelSlug),
		},
	}
	if identity := payload.Sender.Identity; identity != nil {
		event.Sender.ColorTag = identity.UsernameColor
		event.Sender.Badges = identity.Badges
	}
	for _, e := range payload.Emotes {
		emote := Emote{EmoteID: e.EmoteID, Positions: make([]Position, 0, len(e.Positions))}
		for _, p := range e.Positions {
			emote.Positions = append(emote.Positions, Position{Start: p.S, End: p.E})
		}
		event.Emotes = append(event.Emotes, emote)
	}

	if err := event.Validate(); err != nil {
		return ChatEvent{}, err
	}
	return event, nil
}

// StatusUpdate is a livestream.status.updated delivery.
type StatusUpdate struct {
	Broadcaster Broadcaster
	IsLive      bool
	Title       string
	StartedAt   time.Time
	EndedAt     *time.Time
}

type statusPayload struct {
	Broadcaster webhookUser `json:"broadcaster"`
	IsLive      *bool       `json:"is_live"`
	Title       string      `json:"title"`
	StartedAt   *time.Time  `json:"started_at"`
	EndedAt     *time.Time  `json:"ended_at"`
}

func ParseStatusUpdate(body []byte, receivedAt time.Time) (StatusUpdate, error) {
	var payload statusPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return StatusUpdate{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if payload.Broadcaster.UserID <= 0 {
		return StatusUpdate{}, ErrInvalidBroadcaster
	}
	if payload.IsLive == nil {
		return StatusUpdate{}, fmt.Errorf("%w: is_live is required", ErrMalformedPayload)
	}

	update := StatusUpdate{
		Broadcaster: Broadcaster{
			ExternalUserID: payload.Broadcaster.UserID,
			Username:       strings.TrimSpace(payload.Broadcaster.Username),
			ChannelSlug:    strings.TrimSpace(payload.Broadcaster.ChannelSlug),
		},
		IsLive:    *payload.IsLive,
		Title:     strings.TrimSpace(payload.Title),
		StartedAt: receivedAt,
	}
	if payload.StartedAt != nil && !payload.StartedAt.IsZero() {
		update.StartedAt = payload.StartedAt.UTC()
	}
	if !update.IsLive {
		ended := receivedAt
		if payload.EndedAt != nil && !payload.EndedAt.IsZero() {
			ended = payload.EndedAt.UTC()
		}
		update.EndedAt = &ended
	}
	return update, nil
}

// MetadataUpdate is a livestream.metadata.updated delivery.
type MetadataUpdate struct {
	BroadcasterID int64
	Title         string
}

type metadataPayload struct {
	Broadcaster webhookUser `json:"broadcaster"`
	Metadata    struct {
		Title string `json:"title"`
	} `json:"metadata"`
}

func ParseMetadataUpdate(body []byte) (MetadataUpdate, error) {
	var payload metadataPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return MetadataUpdate{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if payload.Broadcaster.UserID <= 0 {
		return MetadataUpdate{}, ErrInvalidBroadcaster
	}
	return MetadataUpdate{
		BroadcasterID: payload.Broadcaster.UserID,
		Title:         strings.TrimSpace(payload.Metadata.Title),
	}, nil
}
