package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type balanceResponse struct {
	UserID            int64      `json:"user_id"`
	Coins             int64      `json:"coins"`
	SessionCoins      *int64     `json:"session_coins,omitempty"`
	StreamSessionID   string     `json:"stream_session_id,omitempty"`
	Points            int64      `json:"points"`
	Emotes            int64      `json:"emotes"`
	LastPointEarnedAt *time.Time `json:"last_point_earned_at,omitempty"`
}

// GetUserBalance returns the optimistic coin balance next to the durable
// point aggregate. The two may disagree until the worker catches up.
func (s *Server) GetUserBalance(c *gin.Context) {
	userID, err := parseUserIDParam(c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	sessionID, err := parseOptionalSnowflakeID(c.Query("session_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	balance, err := s.coins.GetBalance(ctx, userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	agg, err := s.points.GetAggregate(ctx, userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp := balanceResponse{
		UserID:            userID,
		Coins:             balance,
		Points:            agg.TotalPoints,
		Emotes:            agg.TotalEmotes,
		LastPointEarnedAt: agg.LastPointEarnedAt,
	}
	if sessionID != nil {
		earned, err := s.coins.GetSessionEarnings(ctx, *sessionID, userID)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		resp.SessionCoins = &earned
		resp.StreamSessionID = sessionID.String()
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
