package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/dewei/PriceRadar/pkg/logger"
)

// Server HTTP API server
type Server struct {
	router *gin.Engine
	srv    *http.Server
	log    *logrus.Entry
}

// NewServer creates the server; routes are added by SetupRoutes
func NewServer(port string, readTimeout, writeTimeout time.Duration) *Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	return &Server{
		router: router,
		srv:    srv,
		log:    logger.WithComponent("api"),
	}
}

// SetupRoutes registers every route
func (s *Server) SetupRoutes(handlers *Handlers) {
	s.router.GET("/health", handlers.HealthCheck)
	s.router.GET("/ready", handlers.ReadinessCheck)
	s.router.GET("/status", handlers.Status)
	s.router.GET("/metrics", handlers.Metrics)

	v1 := s.router.Group("/myapi")
	{
		alerts := v1.Group("/alerts")
		alerts.GET("", handlers.ListAlerts)
		alerts.POST("", handlers.CreateAlert)
		alerts.PUT("/:id", handlers.UpdateAlert)
		alerts.DELETE("/:id", handlers.DeleteAlert)

		settings := v1.Group("/settings")
		settings.GET("/discord-webhook", handlers.GetWebhook)
		settings.PUT("/discord-webhook", handlers.PutWebhook)

		proxy := v1.Group("/proxy")
		proxy.GET("/tickers", handlers.ProxyTickers)
		proxy.GET("/latest", handlers.ProxyLatest)
	}
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("API server listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down API server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.log.Info("API server stopped")
	return nil
}

func requestLogger() gin.HandlerFunc {
	log := logger.WithComponent("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
			"client":  c.ClientIP(),
		})
		switch {
		case c.Writer.Status() >= 500:
			entry.Error("request failed")
		case c.Writer.Status() >= 400:
			entry.Warn("request rejected")
		default:
			entry.Debug("request served")
		}
	}
}
