// Package api serves the read-only status surface: health, the current
// engine or portfolio status, and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"regimebot/internal/logger"
	"regimebot/internal/metrics"
)

// StatusFunc returns the latest published status. It must be safe to call
// from the HTTP goroutines.
type StatusFunc func() interface{}

// HaltedFunc reports whether trading has been halted.
type HaltedFunc func() bool

type Server struct {
	router  *gin.Engine
	http    *http.Server
	status  StatusFunc
	halted  HaltedFunc
	started time.Time
	log     *logger.Logger
}

func NewServer(addr string, status StatusFunc, halted HaltedFunc, m *metrics.Metrics, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:  router,
		status:  status,
		halted:  halted,
		started: time.Now(),
		log:     log,
	}
	router.Use(s.requestLog())
	router.GET("/health", s.handleHealth)
	router.GET("/status", s.handleStatus)
	router.GET("/metrics", gin.WrapH(m.Handler()))

	s.http = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks until the server stops. A clean Shutdown returns nil.
func (s *Server) Start() error {
	s.logEntry().WithField("addr", s.http.Addr).Info("HTTP сервер запущен.")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	halted := s.halted != nil && s.halted()
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"halted": halted,
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	if s.status == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "статус недоступен"})
		return
	}
	c.JSON(http.StatusOK, s.status())
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logEntry().WithFields(map[string]interface{}{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"code":    c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Debug("HTTP запрос.")
	}
}

func (s *Server) logEntry() *logrus.Entry {
	return s.log.WithComponent("api")
}
