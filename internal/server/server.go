package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/chatpoints/internal/buffer"
	chatjobdomain "github.com/smallbiznis/chatpoints/internal/chatjob/domain"
	"github.com/smallbiznis/chatpoints/internal/clock"
	"github.com/smallbiznis/chatpoints/internal/coins"
	"github.com/smallbiznis/chatpoints/internal/config"
	"github.com/smallbiznis/chatpoints/internal/observability"
	obslogger "github.com/smallbiznis/chatpoints/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/chatpoints/internal/observability/metrics"
	obstracing "github.com/smallbiznis/chatpoints/internal/observability/tracing"
	pointsdomain "github.com/smallbiznis/chatpoints/internal/points/domain"
	"github.com/smallbiznis/chatpoints/internal/ratelimit"
	"github.com/smallbiznis/chatpoints/internal/streamsession"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	shutdownTimeout := cfg.HTTP.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http.server.failed", zap.String("addr", srv.Addr), zap.Error(err))
				}
			}()
			log.Info("http.server.started", zap.String("addr", srv.Addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine         *gin.Engine
	cfg            config.Config
	db             *gorm.DB
	log            *zap.Logger
	clock          clock.Clock
	policy         *config.PointsPolicyHolder
	buffer         *buffer.Buffer
	sessions       *streamsession.Service
	coins          *coins.Store
	liveAwards     *coins.Hub
	points         pointsdomain.Service
	queue          chatjobdomain.Queue
	verifier       *signatureVerifier
	webhookLimiter *ratelimit.WebhookLimiter
	publicLimiter  *ipRateLimiter
	obsMetrics     *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin            *gin.Engine
	Cfg            config.Config
	DB             *gorm.DB
	Log            *zap.Logger
	Clock          clock.Clock
	Policy         *config.PointsPolicyHolder
	Buffer         *buffer.Buffer
	Sessions       *streamsession.Service
	Coins          *coins.Store
	LiveAwards     *coins.Hub `optional:"true"`
	Points         pointsdomain.Service
	Queue          chatjobdomain.Queue
	WebhookLimiter *ratelimit.WebhookLimiter `optional:"true"`
	ObsMetrics     *obsmetrics.Metrics       `optional:"true"`
}

func NewServer(p ServerParams) (*Server, error) {
	verifier, err := newSignatureVerifier(p.Cfg.Webhook.PublicKeyPEM)
	if err != nil {
		return nil, err
	}

	svc := &Server{
		engine:         p.Gin,
		cfg:            p.Cfg,
		db:             p.DB,
		log:            p.Log.Named("http"),
		clock:          p.Clock,
		policy:         p.Policy,
		buffer:         p.Buffer,
		sessions:       p.Sessions,
		coins:          p.Coins,
		liveAwards:     p.LiveAwards,
		points:         p.Points,
		queue:          p.Queue,
		verifier:       verifier,
		webhookLimiter: p.WebhookLimiter,
		publicLimiter:  newIPRateLimiter(p.Cfg.HTTP.PublicRate, p.Cfg.HTTP.PublicBurst),
		obsMetrics:     p.ObsMetrics,
	}

	svc.registerHealthRoutes()
	svc.registerWebhookRoutes()
	svc.registerAPIRoutes()
	svc.registerFallback()

	return svc, nil
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerHealthRoutes() {
	s.engine.GET("/health", s.Health)
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/events", s.HandleWebhook)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api", s.PublicRateLimit())

	api.GET("/sessions/:id", s.GetSession)
	api.GET("/sessions/:id/leaderboard", s.GetSessionLeaderboard)
	api.GET("/sessions/:id/live", s.StreamLiveAwards)
	api.GET("/users/:id/balance", s.GetUserBalance)
	api.GET("/jobs/stats", s.GetJobStats)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}

// Health pings the database; redis failures show up on the webhook path.
func (s *Server) Health(c *gin.Context) {
	status := gin.H{"status": "ok"}
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": "unreachable"})
			return
		}
	}
	c.JSON(http.StatusOK, status)
}
