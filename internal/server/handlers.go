// Package server provides HTTP handlers and server setup for the document
// pipeline.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"docpipe/internal/cache"
	"docpipe/internal/core"
	"docpipe/internal/orchestrator"
)

// Documents is the load entry point used by the handlers.
type Documents interface {
	Load(ctx context.Context, id string, cb orchestrator.Callbacks, opts ...orchestrator.LoadOption) *orchestrator.Session
	Invalidate(ctx context.Context, id string) error
}

// Scheduler warms documents ahead of use.
type Scheduler interface {
	Schedule(ids []string, current, count int) int
}

// CacheAdmin exposes cache observability and maintenance.
type CacheAdmin interface {
	Stats(ctx context.Context) cache.Stats
	Clear(ctx context.Context) error
}

// Handler holds the HTTP handlers
type Handler struct {
	docs     Documents
	prefetch Scheduler
	cache    CacheAdmin
	health   func(ctx context.Context) error
	logger   *slog.Logger
	streams  *streamRegistry
}

// HandlerConfig wires a Handler. Health and Logger are optional.
type HandlerConfig struct {
	Documents Documents
	Prefetch  Scheduler
	Cache     CacheAdmin
	Health    func(ctx context.Context) error
	Logger    *slog.Logger
}

// NewHandler creates a new handler
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		docs:     cfg.Documents,
		prefetch: cfg.Prefetch,
		cache:    cfg.Cache,
		health:   cfg.Health,
		logger:   cfg.Logger.With("component", "server"),
		streams:  newStreamRegistry(),
	}
}

// Health handles GET /health
func (h *Handler) Health(c echo.Context) error {
	if h.health != nil {
		if err := h.health(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "degraded",
				"error":  err.Error(),
			})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Invalidate handles POST /v1/documents/:id/invalidate
func (h *Handler) Invalidate(c echo.Context) error {
	id := c.Param("id")
	if err := h.docs.Invalidate(c.Request().Context(), id); err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "invalidated", "id": id})
}

// PageRequest is the body of POST /v1/documents/:id/page.
type PageRequest struct {
	Subscriber string `json:"subscriber"`
	Page       int    `json:"page"`
}

// ChangePage handles POST /v1/documents/:id/page. It moves the viewed page
// of an open event stream, identified by the X-Subscriber-ID header that
// stream was answered with.
func (h *Handler) ChangePage(c echo.Context) error {
	var req PageRequest
	if err := c.Bind(&req); err != nil {
		return invalidRequest(c, "invalid request body: "+err.Error())
	}
	if req.Subscriber == "" {
		return invalidRequest(c, "subscriber is required")
	}
	if req.Page < 0 {
		return invalidRequest(c, "page must be a non-negative integer")
	}

	id := c.Param("id")
	session, ok := h.streams.get(req.Subscriber)
	if !ok || session.ID() != id {
		return handleError(c, core.NewNotFoundError(id, "no open event stream for subscriber "+req.Subscriber))
	}
	session.ChangePage(req.Page)
	return c.JSON(http.StatusOK, map[string]interface{}{"status": "ok", "page": req.Page})
}

// PrefetchRequest is the body of POST /v1/prefetch.
type PrefetchRequest struct {
	IDs     []string `json:"ids"`
	Current int      `json:"current"`
	Count   int      `json:"count"`
}

// Prefetch handles POST /v1/prefetch
func (h *Handler) Prefetch(c echo.Context) error {
	var req PrefetchRequest
	if err := c.Bind(&req); err != nil {
		return invalidRequest(c, "invalid request body: "+err.Error())
	}
	if len(req.IDs) == 0 {
		return invalidRequest(c, "ids must not be empty")
	}
	if req.Current < -1 || req.Current >= len(req.IDs) {
		return invalidRequest(c, "current must index into ids, or be -1")
	}
	if req.Count < 0 {
		return invalidRequest(c, "count must not be negative")
	}

	n := h.prefetch.Schedule(req.IDs, req.Current, req.Count)
	return c.JSON(http.StatusAccepted, map[string]int{"scheduled": n})
}

// CacheStats handles GET /v1/cache/stats
func (h *Handler) CacheStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.cache.Stats(c.Request().Context()))
}

// ClearCache handles DELETE /v1/cache
func (h *Handler) ClearCache(c echo.Context) error {
	if err := h.cache.Clear(c.Request().Context()); err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "cleared"})
}

func queryInt(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func queryBool(c echo.Context, name string) (bool, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}

func invalidRequest(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, map[string]interface{}{
		"error": map[string]interface{}{
			"type":    "invalid_request_error",
			"message": message,
		},
	})
}

// handleError converts document errors to appropriate HTTP responses
func handleError(c echo.Context, err error) error {
	var docErr *core.DocError
	if errors.As(err, &docErr) {
		return c.JSON(docErr.HTTPStatusCode(), docErr.ToJSON())
	}

	// Fallback for unexpected errors
	return c.JSON(http.StatusInternalServerError, map[string]interface{}{
		"error": map[string]interface{}{
			"type":    "internal_error",
			"message": "an unexpected error occurred",
		},
	})
}
