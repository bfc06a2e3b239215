package chatevent

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const MaxContentRunes = 500

var (
	ErrMissingMessageID   = errors.New("missing_message_id")
	ErrInvalidSender      = errors.New("invalid_sender")
	ErrInvalidBroadcaster = errors.New("invalid_broadcaster")
	ErrMissingTimestamp   = errors.New("missing_timestamp")
	ErrContentTooLong     = errors.New("content_too_long")
	ErrInvalidEmote       = errors.New("invalid_emote")
)

type Badge struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Count int    `json:"count,omitempty"`
}

type Sender struct {
	ExternalUserID    int64   `json:"external_user_id"`
	Username          string  `json:"username"`
	ProfilePictureURL string  `json:"profile_picture_url,omitempty"`
	ColorTag          string  `json:"color_tag,omitempty"`
	Badges            []Badge `json:"badges,omitempty"`
	IsVerified        bool    `json:"is_verified"`
	IsAnonymous       bool    `json:"is_anonymous"`
}

// BadgeTypes returns the lowercased badge types; the points policy keys off these.
func (s Sender) BadgeTypes() []string {
	out := make([]string, 0, len(s.Badges))
	for _, b := range s.Badges {
		if t := strings.ToLower(strings.TrimSpace(b.Type)); t != "" {
			out = append(out, t)
		}
	}
	return out
}

type Broadcaster struct {
	ExternalUserID int64  `json:"external_user_id"`
	Username       string `json:"username"`
	ChannelSlug    string `json:"channel_slug,omitempty"`
}

type Position struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type Emote struct {
	EmoteID   string     `json:"emote_id"`
	Positions []Position `json:"positions"`
}

// ChatEvent is one chat message as received from the platform, enriched with
// the session it was resolved to at receipt.
type ChatEvent struct {
	MessageID       string      `json:"message_id"`
	Content         string      `json:"content"`
	TimestampMs     int64       `json:"timestamp_ms"`
	Sender          Sender      `json:"sender"`
	Broadcaster     Broadcaster `json:"broadcaster"`
	Emotes          []Emote     `json:"emotes,omitempty"`
	StreamSessionID *int64      `json:"stream_session_id,omitempty"`
	IsStreamActive  bool        `json:"is_stream_active"`
}

func (e ChatEvent) Timestamp() time.Time {
	return time.UnixMilli(e.TimestampMs).UTC()
}

// EmoteCount sums occurrences across all emotes in the message.
func (e ChatEvent) EmoteCount() int64 {
	var total int64
	for _, emote := range e.Emotes {
		total += int64(len(emote.Positions))
	}
	return total
}

// Validate rejects shapes that must never reach the buffer.
func (e ChatEvent) Validate() error {
	var errs []error
	if strings.TrimSpace(e.MessageID) == "" {
		errs = append(errs, ErrMissingMessageID)
	}
	if e.Sender.ExternalUserID <= 0 || strings.TrimSpace(e.Sender.Username) == "" {
		errs = append(errs, ErrInvalidSender)
	}
	if e.Broadcaster.ExternalUserID <= 0 {
		errs = append(errs, ErrInvalidBroadcaster)
	}
	if e.TimestampMs <= 0 {
		errs = append(errs, ErrMissingTimestamp)
	}
	if utf8.RuneCountInString(e.Content) > MaxContentRunes {
		errs = append(errs, ErrContentTooLong)
	}
	for _, emote := range e.Emotes {
		if strings.TrimSpace(emote.EmoteID) == "" {
			errs = append(errs, fmt.Errorf("%w: empty emote id", ErrInvalidEmote))
			continue
		}
		for _, pos := range emote.Positions {
			if pos.Start < 0 || pos.End < pos.Start {
				errs = append(errs, fmt.Errorf("%w: %s [%d,%d]", ErrInvalidEmote, emote.EmoteID, pos.Start, pos.End))
			}
		}
	}
	return errors.Join(errs...)
}
