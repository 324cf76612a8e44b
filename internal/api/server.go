// Package api exposes the lab session lifecycle over HTTP. It is a thin
// adapter: identity comes from a bearer token and every decision is left to
// the lifecycle manager.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/0019-KDU/online-lab-env/internal/config"
	laberrors "github.com/0019-KDU/online-lab-env/pkg/errors"
	"github.com/0019-KDU/online-lab-env/pkg/logging"
)

// Server serves the lab API. It implements manager.Runnable so it shares the
// controller manager's lifecycle.
type Server struct {
	cfg    config.HTTPConfig
	engine *gin.Engine
	logger *logging.Logger
}

// NewServer builds the router. health, if set, backs GET /api/health.
func NewServer(cfg config.HTTPConfig, lc Lifecycle, health HealthCheck) (*Server, error) {
	if cfg.JWTSecret == "" {
		return nil, laberrors.NewInvalidError("http.jwtSecret is required", "http.jwtSecret")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{cfg: cfg, logger: logging.APILogger}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestID(), requestLogger(s.logger))
	if c, ok := corsConfig(cfg.AllowOrigins); ok {
		r.Use(cors.New(c))
	}

	h := &handler{lifecycle: lc, health: health}
	api := r.Group("/api")
	{
		api.GET("/health", h.healthz)

		labs := api.Group("/labs", authenticate([]byte(cfg.JWTSecret)))
		labs.GET("/templates", h.listTemplates)
		labs.POST("/start", h.start)
		labs.GET("/active", h.active)
		labs.GET("/my-sessions", h.mySessions)
		labs.POST("/stop", h.stop)
		labs.POST("/active/heartbeat", h.heartbeat)
		labs.POST("/:sessionId/stop", h.stopByID)

		admin := api.Group("/admin", authenticate([]byte(cfg.JWTSecret)), requireRole(RoleAdmin))
		admin.GET("/sessions", h.allSessions)
	}

	s.engine = r
	return s, nil
}

func corsConfig(origins []string) (cors.Config, bool) {
	if len(origins) == 0 {
		return cors.Config{}, false
	}
	c := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Authorization", "Content-Type", headerRequestID},
		ExposeHeaders: []string{headerRequestID},
		MaxAge:        12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			c.AllowAllOrigins = true
			return c, true
		}
	}
	c.AllowOrigins = origins
	c.AllowCredentials = true
	return c, true
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server listening", logging.Fields{"addr": s.cfg.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// NeedLeaderElection lets every replica serve requests
func (s *Server) NeedLeaderElection() bool {
	return false
}
