package streamsession

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/chatpoints/internal/cache"
	"github.com/smallbiznis/chatpoints/internal/clock"
	"github.com/smallbiznis/chatpoints/internal/config"
	obslogger "github.com/smallbiznis/chatpoints/internal/observability/logger"
	"github.com/smallbiznis/chatpoints/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Config struct {
	GraceWindow    time.Duration
	ActiveCacheTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		GraceWindow:    2 * time.Minute,
		ActiveCacheTTL: 2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.GraceWindow <= 0 {
		c.GraceWindow = defaults.GraceWindow
	}
	// A negative TTL disables the active-session cache.
	if c.ActiveCacheTTL == 0 {
		c.ActiveCacheTTL = defaults.ActiveCacheTTL
	}
	return c
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		GraceWindow:    cfg.Session.GraceWindow,
		ActiveCacheTTL: cfg.Session.ActiveCacheTTL,
	}.withDefaults()
}

type StartRequest struct {
	BroadcasterID int64
	ChannelSlug   string
	Title         string
	StartedAt     time.Time
}

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Config Config `optional:"true"`
}

// activeEntry caches the live session of a broadcaster; a nil session caches
// "offline" so idle channels do not hit the database on every message.
type activeEntry struct {
	session *StreamSession
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	cfg    Config
	active *cache.TTLCache[int64, activeEntry]
}

func NewService(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("streamsession.service"),
		genID:  p.GenID,
		clock:  clk,
		cfg:    p.Config.withDefaults(),
		active: cache.NewTTLCache[int64, activeEntry]().WithClock(clk.Now),
	}
}

// ResolveSessionForChat attributes a message to the broadcaster's live
// session, or to a session that ended within the grace window before the
// message. A nil resolution means the message is offline.
func (s *Service) ResolveSessionForChat(ctx context.Context, broadcasterID int64, messageTimestampMs int64) (*Resolution, error) {
	if broadcasterID <= 0 {
		return nil, ErrInvalidBroadcaster
	}

	active, err := s.activeSession(ctx, broadcasterID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return &Resolution{SessionID: active.ID, IsActive: true}, nil
	}

	cutoff := time.UnixMilli(messageTimestampMs).UTC().Add(-s.cfg.GraceWindow)
	recent, err := findEndedSince(ctx, s.db, broadcasterID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("resolve recent session: %w", err)
	}
	if recent != nil {
		return &Resolution{SessionID: recent.ID, IsActive: false}, nil
	}
	return nil, nil
}

func (s *Service) activeSession(ctx context.Context, broadcasterID int64) (*StreamSession, error) {
	if s.cfg.ActiveCacheTTL > 0 {
		if entry, ok := s.active.Get(broadcasterID); ok {
			return entry.session, nil
		}
	}
	session, err := findActive(ctx, s.db, broadcasterID)
	if err != nil {
		return nil, fmt.Errorf("resolve active session: %w", err)
	}
	if s.cfg.ActiveCacheTTL > 0 {
		s.active.Set(broadcasterID, activeEntry{session: session}, s.cfg.ActiveCacheTTL)
	}
	return session, nil
}

// StartSession opens a session for the broadcaster. If one is already live it
// is returned unchanged with created=false.
func (s *Service) StartSession(ctx context.Context, req StartRequest) (*StreamSession, bool, error) {
	if req.BroadcasterID <= 0 {
		return nil, false, ErrInvalidBroadcaster
	}
	defer s.active.Delete(req.BroadcasterID)

	existing, err := findActive(ctx, s.db, req.BroadcasterID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	now := s.clock.Now()
	startedAt := req.StartedAt.UTC()
	if startedAt.IsZero() {
		startedAt = now
	}
	session := StreamSession{
		ID:            s.genID.Generate(),
		BroadcasterID: req.BroadcasterID,
		ChannelSlug:   slug.Make(strings.TrimSpace(req.ChannelSlug)),
		SessionTitle:  strings.TrimSpace(req.Title),
		StartedAt:     startedAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.db.WithContext(ctx).Create(&session).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			// Lost a race against a concurrent start for the same broadcaster.
			existing, findErr := findActive(ctx, s.db, req.BroadcasterID)
			if findErr != nil {
				return nil, false, findErr
			}
			if existing != nil {
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("start session: %w", err)
	}

	obslogger.WithContext(ctx, s.log).Info("session.started",
		zap.String("stream_session_id", session.ID.String()),
		zap.Int64("broadcaster_id", session.BroadcasterID),
	)
	return &session, true, nil
}

// EndSession closes the broadcaster's live session. The end event is
// authoritative; ended sessions are never reopened.
func (s *Service) EndSession(ctx context.Context, broadcasterID int64, endedAt time.Time) (*StreamSession, error) {
	if broadcasterID <= 0 {
		return nil, ErrInvalidBroadcaster
	}
	defer s.active.Delete(broadcasterID)

	now := s.clock.Now()
	endedAt = endedAt.UTC()
	if endedAt.IsZero() {
		endedAt = now
	}

	var ended *StreamSession
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		session, err := findActive(ctx, tx, broadcasterID)
		if err != nil {
			return err
		}
		if session == nil {
			return ErrSessionNotFound
		}
		if err := tx.WithContext(ctx).
			Model(&StreamSession{}).
			Where("id = ? AND ended_at IS NULL", session.ID).
			Updates(map[string]any{"ended_at": endedAt, "updated_at": now}).Error; err != nil {
			return err
		}
		session.EndedAt = &endedAt
		session.UpdatedAt = now
		ended = session
		return nil
	})
	if err != nil {
		return nil, err
	}

	obslogger.WithContext(ctx, s.log).Info("session.ended",
		zap.String("stream_session_id", ended.ID.String()),
		zap.Int64("broadcaster_id", broadcasterID),
		zap.Int64("total_messages", ended.TotalMessages),
	)
	return ended, nil
}

func (s *Service) UpdateMetadata(ctx context.Context, broadcasterID int64, title string) error {
	if broadcasterID <= 0 {
		return ErrInvalidBroadcaster
	}
	defer s.active.Delete(broadcasterID)

	result := s.db.WithContext(ctx).
		Model(&StreamSession{}).
		Where("broadcaster_id = ? AND ended_at IS NULL", broadcasterID).
		Updates(map[string]any{"session_title": strings.TrimSpace(title), "updated_at": s.clock.Now()})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *Service) IncrementMessageCount(ctx context.Context, sessionID snowflake.ID) error {
	result := s.db.WithContext(ctx).
		Model(&StreamSession{}).
		Where("id = ?", sessionID).
		Updates(map[string]any{
			"total_messages": gorm.Expr("total_messages + ?", 1),
			"updated_at":     s.clock.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// GetByID always reads the database; award decisions must not see a cached
// session state.
func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*StreamSession, error) {
	session, err := FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	return session, nil
}
