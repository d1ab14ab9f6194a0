package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"strategy-runner/internal/database"
	"strategy-runner/internal/events"
	"strategy-runner/internal/marketdata"
	"strategy-runner/internal/scheduler"
)

// RateLimiter provides simple in-memory rate limiting per client IP
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int           // max requests
	window   time.Duration // time window
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks if a request is allowed for the given key
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Host           string
	AllowedOrigins []string
}

// Store is the read surface the ops API serves from. The database
// repository satisfies it.
type Store interface {
	HealthCheck(ctx context.Context) error
	GetRecentRuns(ctx context.Context, projectID int64, limit int) ([]*database.ProjectRun, error)
	GetPositions(ctx context.Context, projectID int64, status string, limit int) ([]*database.ProjectPosition, error)
	GetRecentLogs(ctx context.Context, projectID int64, limit int) ([]*database.ProjectLog, error)
}

// Server is the read-only ops HTTP surface: health, status snapshots,
// per-project run/position/log history, and the websocket event stream.
// Authentication lives at the external edge, not here.
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	store       Store
	cache       *marketdata.SeriesCache
	manager     *marketdata.Manager
	sched       *scheduler.Scheduler
	hub         *WSHub
	config      ServerConfig
	rateLimiter *RateLimiter
	startedAt   time.Time
	logger      zerolog.Logger
}

// NewServer creates the ops API server and wires the websocket hub to the
// event bus. The manager and scheduler may be nil; their status sections
// are omitted then.
func NewServer(
	config ServerConfig,
	store Store,
	eventBus *events.EventBus,
	cache *marketdata.SeriesCache,
	manager *marketdata.Manager,
	sched *scheduler.Scheduler,
	logger zerolog.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(config.AllowedOrigins) == 1 && config.AllowedOrigins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = config.AllowedOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:      router,
		store:       store,
		cache:       cache,
		manager:     manager,
		sched:       sched,
		config:      config,
		rateLimiter: NewRateLimiter(120, time.Minute),
		startedAt:   time.Now(),
		logger:      logger.With().Str("component", "api").Logger(),
	}

	server.hub = NewWSHub(server.logger)
	go server.hub.Run()
	if eventBus != nil {
		eventBus.SubscribeAll(func(event events.Event) {
			server.hub.BroadcastEvent(event)
		})
	}

	server.setupRoutes()

	return server
}

// rateLimitMiddleware rate limits requests by client IP
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.rateLimiter.Allow(c.ClientIP()) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   true,
				"message": "rate limit exceeded, slow down",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ws", s.handleWebSocket)

	v1 := s.router.Group("/api/v1")
	v1.Use(s.rateLimitMiddleware())
	{
		v1.GET("/status", s.handleStatus)
		v1.GET("/projects/:id/runs", s.handleProjectRuns)
		v1.GET("/projects/:id/positions", s.handleProjectPositions)
		v1.GET("/projects/:id/logs", s.handleProjectLogs)
	}
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down HTTP server")

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

// handleHealth returns server health status
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.store.HealthCheck(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"database": "unhealthy",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"database": "healthy",
		"uptime":   time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// handleStatus returns the runner's ops snapshot: ingestion loop, series
// cache, scheduler counters and leadership.
func (s *Server) handleStatus(c *gin.Context) {
	status := gin.H{
		"started_at": s.startedAt.Format(time.RFC3339),
		"uptime":     time.Since(s.startedAt).Round(time.Second).String(),
		"ws_clients": s.hub.ClientCount(),
	}

	if s.cache != nil {
		status["cache"] = s.cache.Stats()
	}
	if s.manager != nil {
		stats := s.manager.Stats()
		status["manager"] = stats
		status["leader"] = stats.Leader
	}
	if s.sched != nil {
		status["scheduler"] = s.sched.Stats()
	}

	c.JSON(http.StatusOK, status)
}

// handleProjectRuns returns the most recent runs for a project
func (s *Server) handleProjectRuns(c *gin.Context) {
	projectID, ok := parseProjectID(c)
	if !ok {
		return
	}

	runs, err := s.store.GetRecentRuns(c.Request.Context(), projectID, queryLimit(c, 50))
	if err != nil {
		s.logger.Error().Err(err).Int64("project_id", projectID).Msg("failed to fetch runs")
		errorResponse(c, http.StatusInternalServerError, "failed to fetch runs")
		return
	}

	c.JSON(http.StatusOK, gin.H{"project_id": projectID, "runs": runs})
}

// handleProjectPositions returns a project's positions, optionally
// filtered by status (open or closed).
func (s *Server) handleProjectPositions(c *gin.Context) {
	projectID, ok := parseProjectID(c)
	if !ok {
		return
	}

	status := c.Query("status")
	switch status {
	case "", database.PositionStatusOpen, database.PositionStatusClosed:
	default:
		errorResponse(c, http.StatusBadRequest, "status must be open or closed")
		return
	}

	positions, err := s.store.GetPositions(c.Request.Context(), projectID, status, queryLimit(c, 100))
	if err != nil {
		s.logger.Error().Err(err).Int64("project_id", projectID).Msg("failed to fetch positions")
		errorResponse(c, http.StatusInternalServerError, "failed to fetch positions")
		return
	}

	c.JSON(http.StatusOK, gin.H{"project_id": projectID, "positions": positions})
}

// handleProjectLogs returns the most recent strategy log lines for a project
func (s *Server) handleProjectLogs(c *gin.Context) {
	projectID, ok := parseProjectID(c)
	if !ok {
		return
	}

	logs, err := s.store.GetRecentLogs(c.Request.Context(), projectID, queryLimit(c, 100))
	if err != nil {
		s.logger.Error().Err(err).Int64("project_id", projectID).Msg("failed to fetch logs")
		errorResponse(c, http.StatusInternalServerError, "failed to fetch logs")
		return
	}

	c.JSON(http.StatusOK, gin.H{"project_id": projectID, "logs": logs})
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

// parseProjectID reads the :id path parameter, writing a 400 when it is
// not a positive integer.
func parseProjectID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		errorResponse(c, http.StatusBadRequest, "invalid project id")
		return 0, false
	}
	return id, true
}

// queryLimit reads the limit query parameter, clamped to 1..500.
func queryLimit(c *gin.Context, fallback int) int {
	raw := c.Query("limit")
	if raw == "" {
		return fallback
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return fallback
	}
	if limit > 500 {
		return 500
	}
	return limit
}
