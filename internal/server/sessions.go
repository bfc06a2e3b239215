package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/chatpoints/internal/coins"
)

const liveHeartbeatInterval = 15 * time.Second

func (s *Server) GetSession(c *gin.Context) {
	sessionID, err := parseSnowflakeParam(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	session, err := s.sessions.GetByID(c.Request.Context(), sessionID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": session})
}

// GetSessionLeaderboard serves the fast counter view. It reflects coins,
// not the durable point ledger.
func (s *Server) GetSessionLeaderboard(c *gin.Context) {
	sessionID, err := parseSnowflakeParam(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	limit, err := parseLimit(c.Query("limit"), defaultLeaderboardLimit, maxLeaderboardLimit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	entries, err := s.coins.GetSessionLeaderboard(c.Request.Context(), sessionID, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stream_session_id": sessionID.String(),
		"data":              entries,
	})
}

func (s *Server) StreamLiveAwards(c *gin.Context) {
	if s.liveAwards == nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	sessionID, err := parseSnowflakeParam(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if _, err := s.sessions.GetByID(c.Request.Context(), sessionID); err != nil {
		AbortWithError(c, err)
		return
	}

	subscription, backlog, err := s.liveAwards.Subscribe(sessionID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	defer subscription.Close()

	writer := c.Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	headers := writer.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	if _, err := io.WriteString(writer, "retry: 2000\n\n"); err != nil {
		return
	}
	for _, award := range backlog {
		if err := writeLiveAward(writer, award); err != nil {
			return
		}
	}
	flusher.Flush()

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(liveHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case award := <-subscription.Events():
			if err := writeLiveAward(writer, award); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := io.WriteString(writer, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeLiveAward(w io.Writer, award coins.LiveAward) error {
	data, err := json.Marshal(award)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: award\ndata: %s\n\n", data)
	return err
}
