// Package api exposes the loopback ingress endpoint and the outbox inspection API.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/zoff-tech/sms-relay/pkg/config"
	"github.com/zoff-tech/sms-relay/pkg/normalizer"
	"github.com/zoff-tech/sms-relay/pkg/store"
	"github.com/zoff-tech/sms-relay/schema"
)

// EventNormalizer accepts raw events from the platform listener.
type EventNormalizer interface {
	Normalize(ctx context.Context, raw schema.RawEvent) (*store.TransportRecord, error)
}

type Server struct {
	settings   config.APISettings
	normalizer EventNormalizer
	repo       store.OutboxRepository
	logger     *zap.Logger
	router     *gin.Engine
}

func NewServer(settings config.APISettings, n EventNormalizer, repo store.OutboxRepository, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		settings:   settings,
		normalizer: n,
		repo:       repo,
		logger:     logger.Named("api"),
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")
	v1.POST("/events", s.postEvent)
	v1.GET("/records", s.listRecords)
	v1.GET("/records/:id", s.getRecord)

	s.router = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.settings.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) postEvent(c *gin.Context) {
	var raw schema.RawEvent
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := s.normalizer.Normalize(c.Request.Context(), raw)
	if err != nil {
		var malformed *normalizer.MalformedEventError
		var missing *normalizer.ConfigurationMissingError
		switch {
		case errors.As(err, &malformed):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		case errors.As(err, &missing):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "missing": missing.Missing})
		default:
			s.logger.Error("enqueue failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "event could not be stored"})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"id": rec.ID, "state": rec.State})
}

func (s *Server) listRecords(c *gin.Context) {
	var filter store.ListFilter
	if raw := c.Query("state"); raw != "" {
		state, err := store.ParseState(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		filter.State = state
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		filter.Limit = limit
	}

	records, err := s.repo.List(c.Request.Context(), filter)
	if err != nil {
		s.logger.Error("list records failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if records == nil {
		records = []store.TransportRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

func (s *Server) getRecord(c *gin.Context) {
	rec, err := s.repo.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrUnknownRecord) {
		c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
		return
	}
	if err != nil {
		s.logger.Error("get record failed", zap.String("record_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(started)),
		)
	}
}
