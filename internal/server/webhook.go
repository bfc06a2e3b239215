package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/chatpoints/internal/chatevent"
	"github.com/smallbiznis/chatpoints/internal/coins"
	obscontext "github.com/smallbiznis/chatpoints/internal/observability/context"
	obslogger "github.com/smallbiznis/chatpoints/internal/observability/logger"
	"github.com/smallbiznis/chatpoints/internal/streamsession"
	"go.uber.org/zap"
)

const maxWebhookBodyBytes = 1 << 20

const (
	webhookOutcomeAccepted = "accepted"
	webhookOutcomeIgnored  = "ignored"
	webhookOutcomeRejected = "rejected"
	webhookOutcomeUnsigned = "bad_signature"
	webhookOutcomeFailed   = "failed"
)

// HandleWebhook is the single platform delivery endpoint. Only a buffer
// failure on a chat message is answered with a 5xx; everything after the
// buffer append is best effort.
func (s *Server) HandleWebhook(c *gin.Context) {
	eventType := strings.TrimSpace(c.GetHeader(headerEventType))
	if eventType == "" {
		eventType = strings.TrimSpace(c.Query("type"))
	}
	c.Set(obslogger.ContextKeyEventType, eventType)

	body, err := readWebhookBody(c)
	if err != nil {
		s.obsMetrics.RecordWebhookEvent(c.Request.Context(), eventType, webhookOutcomeRejected)
		AbortWithError(c, err)
		return
	}

	if err := s.verifier.Verify(
		c.GetHeader(headerEventMessageID),
		c.GetHeader(headerEventTimestamp),
		c.GetHeader(headerEventSignature),
		body,
	); err != nil {
		s.obsMetrics.RecordWebhookEvent(c.Request.Context(), eventType, webhookOutcomeUnsigned)
		AbortWithError(c, ErrUnauthorized)
		return
	}

	switch eventType {
	case chatevent.TypeChatMessageSent:
		s.handleChatMessage(c, body)
	case chatevent.TypeLivestreamStatusUpdated:
		s.handleStatusUpdate(c, body)
	case chatevent.TypeLivestreamMetadataUpdated:
		s.handleMetadataUpdate(c, body)
	default:
		s.obsMetrics.RecordWebhookEvent(c.Request.Context(), eventType, webhookOutcomeIgnored)
		c.JSON(http.StatusOK, gin.H{"status": webhookOutcomeIgnored})
	}
}

func (s *Server) handleChatMessage(c *gin.Context, body []byte) {
	event, err := chatevent.ParseChatMessage(body, s.clock.Now())
	if err != nil {
		s.obsMetrics.RecordWebhookEvent(c.Request.Context(), chatevent.TypeChatMessageSent, webhookOutcomeRejected)
		AbortWithError(c, err)
		return
	}

	broadcasterID := event.Broadcaster.ExternalUserID
	ctx := obscontext.WithBroadcasterID(c.Request.Context(), strconv.FormatInt(broadcasterID, 10))
	c.Request = c.Request.WithContext(ctx)
	log := obslogger.WithContext(ctx, s.log)

	coinsAllowed := s.broadcasterCoinsAllowed(c, broadcasterID)

	resolution, err := s.sessions.ResolveSessionForChat(ctx, broadcasterID, event.TimestampMs)
	if err != nil {
		// Buffered as offline; attribution is decided here, never by the worker.
		log.Warn("webhook.session.resolve_failed",
			zap.String("message_id", event.MessageID),
			zap.Error(err),
		)
		resolution = nil
	}
	if resolution != nil {
		sessionID := resolution.SessionID.Int64()
		event.StreamSessionID = &sessionID
		event.IsStreamActive = resolution.IsActive
	}

	result, err := s.buffer.BufferMessage(ctx, event)
	if err != nil {
		log.Error("webhook.buffer.failed",
			zap.String("message_id", event.MessageID),
			zap.Error(err),
		)
		s.obsMetrics.RecordWebhookEvent(ctx, chatevent.TypeChatMessageSent, webhookOutcomeFailed)
		AbortWithError(c, ErrInternal)
		return
	}

	if resolution != nil && resolution.IsActive && coinsAllowed {
		award, err := s.coins.AwardCoinsFast(ctx, coins.FastAwardRequest{
			UserID:    event.Sender.ExternalUserID,
			Amount:    s.policy.Get().CoinsPerMessage,
			SessionID: resolution.SessionID,
			MessageID: event.MessageID,
		})
		if err != nil {
			log.Warn("webhook.coins.award_failed",
				zap.String("message_id", event.MessageID),
				zap.Int64("user_id", event.Sender.ExternalUserID),
				zap.Error(err),
			)
		} else if award.Awarded {
			log.Debug("webhook.coins.awarded",
				zap.Int64("user_id", event.Sender.ExternalUserID),
				zap.Int64("new_balance", award.NewBalance),
			)
		}
	}

	log.Debug("webhook.chat.buffered",
		zap.String("message_id", event.MessageID),
		zap.Int64("buffer_length", result.Length),
		zap.Bool("session_resolved", resolution != nil),
		zap.Bool("coins_allowed", coinsAllowed),
	)
	s.obsMetrics.RecordWebhookEvent(ctx, chatevent.TypeChatMessageSent, webhookOutcomeAccepted)
	c.JSON(http.StatusOK, gin.H{"status": webhookOutcomeAccepted})
}

func (s *Server) handleStatusUpdate(c *gin.Context, body []byte) {
	update, err := chatevent.ParseStatusUpdate(body, s.clock.Now())
	if err != nil {
		s.obsMetrics.RecordWebhookEvent(c.Request.Context(), chatevent.TypeLivestreamStatusUpdated, webhookOutcomeRejected)
		AbortWithError(c, err)
		return
	}

	broadcasterID := update.Broadcaster.ExternalUserID
	ctx := obscontext.WithBroadcasterID(c.Request.Context(), strconv.FormatInt(broadcasterID, 10))
	c.Request = c.Request.WithContext(ctx)

	if update.IsLive {
		session, created, err := s.sessions.StartSession(ctx, streamsession.StartRequest{
			BroadcasterID: broadcasterID,
			ChannelSlug:   update.Broadcaster.ChannelSlug,
			Title:         update.Title,
			StartedAt:     update.StartedAt,
		})
		if err != nil {
			s.obsMetrics.RecordWebhookEvent(ctx, chatevent.TypeLivestreamStatusUpdated, webhookOutcomeFailed)
			AbortWithError(c, err)
			return
		}
		s.obsMetrics.RecordWebhookEvent(ctx, chatevent.TypeLivestreamStatusUpdated, webhookOutcomeAccepted)
		c.JSON(http.StatusOK, gin.H{
			"status":            webhookOutcomeAccepted,
			"stream_session_id": session.ID.String(),
			"created":           created,
		})
		return
	}

	session, err := s.sessions.EndSession(ctx, broadcasterID, *update.EndedAt)
	if errors.Is(err, streamsession.ErrSessionNotFound) {
		obslogger.WithContext(ctx, s.log).Info("webhook.session.end_without_live_session")
		s.obsMetrics.RecordWebhookEvent(ctx, chatevent.TypeLivestreamStatusUpdated, webhookOutcomeIgnored)
		c.JSON(http.StatusOK, gin.H{"status": webhookOutcomeIgnored})
		return
	}
	if err != nil {
		s.obsMetrics.RecordWebhookEvent(ctx, chatevent.TypeLivestreamStatusUpdated, webhookOutcomeFailed)
		AbortWithError(c, err)
		return
	}
	s.obsMetrics.RecordWebhookEvent(ctx, chatevent.TypeLivestreamStatusUpdated, webhookOutcomeAccepted)
	c.JSON(http.StatusOK, gin.H{
		"status":            webhookOutcomeAccepted,
		"stream_session_id": session.ID.String(),
	})
}

func (s *Server) handleMetadataUpdate(c *gin.Context, body []byte) {
	update, err := chatevent.ParseMetadataUpdate(body)
	if err != nil {
		s.obsMetrics.RecordWebhookEvent(c.Request.Context(), chatevent.TypeLivestreamMetadataUpdated, webhookOutcomeRejected)
		AbortWithError(c, err)
		return
	}

	ctx := obscontext.WithBroadcasterID(c.Request.Context(), strconv.FormatInt(update.BroadcasterID, 10))
	c.Request = c.Request.WithContext(ctx)

	err = s.sessions.UpdateMetadata(ctx, update.BroadcasterID, update.Title)
	switch {
	case errors.Is(err, streamsession.ErrSessionNotFound):
		s.obsMetrics.RecordWebhookEvent(ctx, chatevent.TypeLivestreamMetadataUpdated, webhookOutcomeIgnored)
		c.JSON(http.StatusOK, gin.H{"status": webhookOutcomeIgnored})
	case err != nil:
		s.obsMetrics.RecordWebhookEvent(ctx, chatevent.TypeLivestreamMetadataUpdated, webhookOutcomeFailed)
		AbortWithError(c, err)
	default:
		s.obsMetrics.RecordWebhookEvent(ctx, chatevent.TypeLivestreamMetadataUpdated, webhookOutcomeAccepted)
		c.JSON(http.StatusOK, gin.H{"status": webhookOutcomeAccepted})
	}
}

func readWebhookBody(c *gin.Context) ([]byte, error) {
	if c.Request.Body == nil {
		return nil, invalidRequestError()
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, ErrPayloadTooLarge
		}
		return nil, invalidRequestError()
	}
	if len(body) == 0 {
		return nil, invalidRequestError()
	}
	return body, nil
}
