package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/chatpoints/internal/observability/logger"
	"go.uber.org/zap"
)

type jobStatsResponse struct {
	Pending                 int64   `json:"pending"`
	Processing              int64   `json:"processing"`
	Completed               int64   `json:"completed"`
	Failed                  int64   `json:"failed"`
	Total                   int64   `json:"total"`
	OldestPendingAgeSeconds float64 `json:"oldest_pending_age_seconds"`
	// Buffered is -1 when redis cannot be read.
	Buffered int64 `json:"buffered"`
}

func (s *Server) GetJobStats(c *gin.Context) {
	ctx := c.Request.Context()
	stats, err := s.queue.Stats(ctx)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	buffered, err := s.buffer.Len(ctx)
	if err != nil {
		logger.FromContext(ctx).Warn("jobs.stats.buffer_len_failed", zap.Error(err))
		buffered = -1
	}

	c.JSON(http.StatusOK, gin.H{"data": jobStatsResponse{
		Pending:                 stats.Pending,
		Processing:              stats.Processing,
		Completed:               stats.Completed,
		Failed:                  stats.Failed,
		Total:                   stats.Total(),
		OldestPendingAgeSeconds: stats.OldestPendingAge.Seconds(),
		Buffered:                buffered,
	}})
}
