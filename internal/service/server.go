package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/CZERTAINLY/msfharvest/internal/harvest"
	"github.com/CZERTAINLY/msfharvest/internal/model"
)

// Harvests starts harvests in the background and reports the last one.
type Harvests interface {
	Start() error
	Last() (Outcome, error)
}

// Server exposes the consoles of a Registry over HTTP.
type Server struct {
	registry *Registry
	harvests Harvests
	retries  int
	engine   *gin.Engine
}

type sourceRequest struct {
	Source string `json:"source" binding:"required"`
}

type commandRequest struct {
	Source  string `json:"source" binding:"required"`
	Command string `json:"command" binding:"required"`
}

type modulesRequest struct {
	Source   string `json:"source" binding:"required"`
	Category string `json:"category"`
}

type optionsRequest struct {
	Source   string `json:"source" binding:"required"`
	Module   string `json:"module" binding:"required"`
	Category string `json:"category"`
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}

func NewServer(registry *Registry, harvests Harvests, retries int) *Server {
	s := &Server{
		registry: registry,
		harvests: harvests,
		retries:  max(1, retries),
		engine:   gin.New(),
	}
	s.engine.Use(gin.Recovery(), requestLog)

	s.engine.GET("/health", s.health)
	s.engine.GET("/processes", s.processes)
	s.engine.POST("/start", s.start)
	s.engine.POST("/command", s.command)
	s.engine.POST("/stop", s.stop)
	s.engine.POST("/modules", s.modules)
	s.engine.POST("/options", s.options)
	if harvests != nil {
		s.engine.POST("/harvest", s.startHarvest)
		s.engine.GET("/harvest", s.lastHarvest)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func requestLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	slog.DebugContext(c.Request.Context(), "request",
		"method", c.Request.Method,
		"path", c.FullPath(),
		"status", c.Writer.Status(),
		"duration", time.Since(start).String(),
	)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) processes(c *gin.Context) {
	sources := s.registry.Sources()
	c.JSON(http.StatusOK, gin.H{
		"count":   len(sources),
		"sources": sources,
	})
}

func (s *Server) start(c *gin.Context) {
	var req sourceRequest
	if !bind(c, &req) {
		return
	}
	if err := s.registry.Start(c.Request.Context(), req.Source); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"source": req.Source, "status": "started"})
}

func (s *Server) command(c *gin.Context) {
	var req commandRequest
	if !bind(c, &req) {
		return
	}
	out, err := s.registry.Command(c.Request.Context(), req.Source, req.Command)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"output": out})
}

func (s *Server) stop(c *gin.Context) {
	var req sourceRequest
	if !bind(c, &req) {
		return
	}
	if err := s.registry.Stop(c.Request.Context(), req.Source); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"source": req.Source, "status": "stopped"})
}

func (s *Server) modules(c *gin.Context) {
	var req modulesRequest
	if !bind(c, &req) {
		return
	}
	if req.Category == "" {
		req.Category = model.CategoryExploit
	}
	l, err := s.registry.Modules(c.Request.Context(), req.Source, req.Category)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"category": l.Category,
		"count":    len(l.Names),
		"names":    l.Names,
		"entries":  l.Entries,
	})
}

func (s *Server) options(c *gin.Context) {
	var req optionsRequest
	if !bind(c, &req) {
		return
	}
	if req.Category == "" {
		req.Category = model.CategoryExploit
	}
	rec, err := s.registry.Options(c.Request.Context(), req.Source, req.Category, req.Module, s.retries)
	if err != nil && !harvest.IsParseError(err) {
		fail(c, err)
		return
	}
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "record": rec})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) startHarvest(c *gin.Context) {
	if err := s.harvests.Start(); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}

func (s *Server) lastHarvest(c *gin.Context) {
	outcome, err := s.harvests.Last()
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}

func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrNotRunning), errors.Is(err, ErrNotFound), errors.Is(err, model.ErrNoMatch):
		status = http.StatusNotFound
	case errors.Is(err, ErrAlreadyRunning):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		slog.ErrorContext(c.Request.Context(), "request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
