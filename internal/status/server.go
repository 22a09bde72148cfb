// Package status serves the watch daemon's health and status endpoints.
package status

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/l4z41/ibkr-connector/internal/journal"
	"github.com/l4z41/ibkr-connector/internal/model"
	"github.com/l4z41/ibkr-connector/internal/observe"
	"github.com/l4z41/ibkr-connector/internal/trigger"
	"github.com/l4z41/ibkr-connector/internal/version"
)

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 1000
)

// ConnectionSource reports the shared connection's state.
type ConnectionSource interface {
	State() model.ConnectionState
	Addr() string
}

// TriggerSource reports trigger activity.
type TriggerSource interface {
	Stats() trigger.Stats
}

// CounterSource reports observer counters.
type CounterSource interface {
	Stats() observe.CounterStats
}

// RecentSource lists journaled emissions, newest first.
type RecentSource interface {
	Recent(ctx context.Context, symbol string, limit int) ([]journal.Record, error)
}

// Sources bundles what the server reports on. Conn is required; the rest
// are optional and their sections are omitted when nil.
type Sources struct {
	Conn     ConnectionSource
	Trigger  TriggerSource
	Counters CounterSource
	Recent   RecentSource
}

// Server is the HTTP status API.
type Server struct {
	addr    string
	src     Sources
	engine  *gin.Engine
	logger  *slog.Logger
	started time.Time
}

// NewServer creates a status server listening on addr.
func NewServer(addr string, src Sources, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		addr:    addr,
		src:     src,
		engine:  engine,
		logger:  logger.With("component", "status"),
		started: time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/health", s.health)
	s.engine.GET("/status", s.status)
	s.engine.GET("/version", s.version)
	if s.src.Recent != nil {
		s.engine.GET("/emissions", s.emissions)
	}
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting status server", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("status server stopped")
	return nil
}

func (s *Server) health(c *gin.Context) {
	state := s.src.Conn.State()
	code := http.StatusOK
	status := "healthy"
	if state != model.Connected {
		code = http.StatusServiceUnavailable
		status = "unhealthy"
	}
	c.JSON(code, gin.H{
		"status":     status,
		"connection": state,
	})
}

func (s *Server) status(c *gin.Context) {
	body := gin.H{
		"connection": gin.H{
			"addr":  s.src.Conn.Addr(),
			"state": s.src.Conn.State(),
		},
		"uptime": time.Since(s.started).Round(time.Second).String(),
	}
	if s.src.Trigger != nil {
		body["trigger"] = s.src.Trigger.Stats()
	}
	if s.src.Counters != nil {
		body["counters"] = s.src.Counters.Stats()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) version(c *gin.Context) {
	c.JSON(http.StatusOK, version.Get())
}

func (s *Server) emissions(c *gin.Context) {
	limit := defaultRecentLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxRecentLimit)
	}

	recs, err := s.src.Recent.Recent(c.Request.Context(), c.Query("symbol"), limit)
	if err != nil {
		s.logger.Warn("list recent emissions failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count":     len(recs),
		"emissions": recs,
	})
}
