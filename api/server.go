// Package api exposes the circulation service over HTTP with gin.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"library-circulation/library"
)

// Options tunes the router.
type Options struct {
	AllowedOrigins []string
	// RateLimit is requests per second per client IP; 0 disables limiting.
	RateLimit float64
	RateBurst int
	Release   bool
}

// Server serves the REST API.
type Server struct {
	mgr    *library.LibraryManager
	logger library.Logger
	router *gin.Engine
}

// NewServer builds the router.
func NewServer(mgr *library.LibraryManager, logger library.Logger, opts Options) *Server {
	if opts.Release {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(logger), SecurityHeaders())

	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     opts.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Accept"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	s := &Server{mgr: mgr, logger: logger, router: r}

	// Health check endpoints (no rate limiting)
	r.GET("/health", s.handleHealth)
	r.GET("/ready", s.handleReady)

	api := r.Group("/")
	if opts.RateLimit > 0 {
		api.Use(RateLimit(NewIPRateLimiter(rate.Limit(opts.RateLimit), max(opts.RateBurst, 1))))
	}
	{
		api.GET("/books", s.handleListBooks)
		api.POST("/books", s.handleAddBook)
		api.GET("/books/:id", s.handleGetBook)
		api.PATCH("/books/:id", s.handleUpdateBook)
		api.DELETE("/books/:id", s.handleRemoveBook)
		api.POST("/books/:id/copies", s.handleCopies)

		api.POST("/books/:id/reserve", s.handleReserve)
		api.POST("/books/:id/cancel", s.handleCancel)
		api.POST("/books/:id/issue", s.handleIssue)
		api.POST("/books/:id/return", s.handleReturn)

		api.GET("/books/:id/queue", s.handleQueue)
		api.GET("/books/:id/queue/next", s.handleNextInQueue)
		api.POST("/books/:id/queue/issue-next", s.handleIssueNext)

		api.GET("/members", s.handleListMembers)
		api.POST("/members", s.handleAddMember)
		api.GET("/members/:id", s.handleGetMember)
		api.GET("/members/:id/circulation", s.handleActiveRecords)
		api.GET("/members/:id/history", s.handleHistory)
		api.GET("/members/:id/fines", s.handleFines)
		api.POST("/members/:id/fines/:bookId/pay", s.handlePayFine)

		api.GET("/audit", s.handleAudit)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, errorBody{Error: errorDetail{Code: library.CodeNotFound, Message: "no such route"}})
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled, then drains in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server ready", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.logger.Info("server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReady is stricter than health: the store must answer.
func (s *Server) handleReady(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.mgr.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not_ready",
			"reason": "store_unavailable",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
