package coins

import (
	"errors"
	"sync"

	"github.com/bwmarrin/snowflake"
)

const (
	DefaultBacklogSize      = 50
	DefaultSubscriberBuffer = 16
)

var ErrHubUnavailable = errors.New("hub_unavailable")

// LiveAward is one fast award as streamed to leaderboard viewers.
type LiveAward struct {
	SessionID    string `json:"stream_session_id"`
	UserID       int64  `json:"user_id"`
	Amount       int64  `json:"amount"`
	SessionScore int64  `json:"session_score"`
	AwardedAt    string `json:"awarded_at"`
}

// Hub fans fast awards out to live subscribers per session. Slow
// subscribers miss events rather than block publishers.
type Hub struct {
	mu               sync.RWMutex
	streams          map[snowflake.ID]*stream
	backlogSize      int
	subscriberBuffer int
}

type stream struct {
	mu      sync.Mutex
	backlog []LiveAward
	subs    map[uint64]chan LiveAward
	nextID  uint64
}

type Subscription struct {
	hub       *Hub
	sessionID snowflake.ID
	id        uint64
	ch        chan LiveAward
	once      sync.Once
}

func NewHub() *Hub {
	return &Hub{
		streams:          make(map[snowflake.ID]*stream),
		backlogSize:      DefaultBacklogSize,
		subscriberBuffer: DefaultSubscriberBuffer,
	}
}

// Publish is a no-op for sessions nobody is watching.
func (h *Hub) Publish(sessionID snowflake.ID, award LiveAward) {
	if h == nil {
		return
	}
	h.mu.RLock()
	s := h.streams[sessionID]
	h.mu.RUnlock()
	if s == nil {
		return
	}

	s.mu.Lock()
	s.backlog = append(s.backlog, award)
	if len(s.backlog) > h.backlogSize {
		s.backlog = s.backlog[len(s.backlog)-h.backlogSize:]
	}
	subs := make([]chan LiveAward, 0, len(s.subs))
	for _, ch := range s.subs {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- award:
		default:
		}
	}
}

// Subscribe returns a subscription plus the awards published since the
// session's stream was opened, up to the backlog size.
func (h *Hub) Subscribe(sessionID snowflake.ID) (*Subscription, []LiveAward, error) {
	if h == nil {
		return nil, nil, ErrHubUnavailable
	}

	s := h.ensureStream(sessionID)
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	ch := make(chan LiveAward, h.subscriberBuffer)
	s.subs[id] = ch
	backlog := append([]LiveAward(nil), s.backlog...)
	s.mu.Unlock()

	return &Subscription{hub: h, sessionID: sessionID, id: id, ch: ch}, backlog, nil
}

func (h *Hub) ensureStream(sessionID snowflake.ID) *stream {
	h.mu.RLock()
	current := h.streams[sessionID]
	h.mu.RUnlock()
	if current != nil {
		return current
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	current = h.streams[sessionID]
	if current == nil {
		current = &stream{subs: make(map[uint64]chan LiveAward)}
		h.streams[sessionID] = current
	}
	return current
}

func (h *Hub) unsubscribe(sessionID snowflake.ID, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.streams[sessionID]
	if s == nil {
		return
	}
	s.mu.Lock()
	delete(s.subs, id)
	empty := len(s.subs) == 0
	s.mu.Unlock()
	if empty {
		delete(h.streams, sessionID)
	}
}

func (s *Subscription) Events() <-chan LiveAward {
	if s == nil {
		return nil
	}
	return s.ch
}

func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	s.once.Do(func() {
		s.hub.unsubscribe(s.sessionID, s.id)
	})
}
