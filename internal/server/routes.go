// Package server exposes the admin HTTP API and the gRPC health endpoint.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/joseph-ayodele/contract-tables/constants"
	"github.com/joseph-ayodele/contract-tables/internal/common"
	"github.com/joseph-ayodele/contract-tables/internal/repository"
)

// maxFailedListed caps the failed items returned by /api/stats.
const maxFailedListed = 100

// Deps are what the admin handlers read from.
type Deps struct {
	Repo repository.WorkItemRepository
	// Ping checks the database; nil skips the check.
	Ping func(ctx context.Context) error
	// Running reports whether a worker pool is active in this process.
	Running   func() bool
	JWTSecret string
	Logger    *slog.Logger
}

type handlers struct {
	Deps
}

// NewRouter builds the gin engine. POST /api/reset requires a bearer token
// when JWTSecret is set.
func NewRouter(d Deps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	h := &handlers{Deps: d}

	r := gin.New()
	r.Use(requestID(), recovery(d.Logger), requestLogger(d.Logger))
	r.GET("/healthz", h.healthz)

	api := r.Group("/api")
	api.GET("/stats", h.stats)
	api.GET("/items/:id", h.item)
	api.GET("/items/:id/events", h.events)

	admin := api.Group("")
	if d.JWTSecret != "" {
		admin.Use(AuthMiddleware(d.JWTSecret))
	}
	admin.POST("/reset", h.reset)
	return r
}

func (h *handlers) healthz(c *gin.Context) {
	body := gin.H{"status": "ok", "running": h.Running != nil && h.Running()}
	if h.Ping != nil {
		if err := h.Ping(c.Request.Context()); err != nil {
			body["status"] = "degraded"
			body["database"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
	}
	c.JSON(http.StatusOK, body)
}

type failedItem struct {
	ID        string    `json:"id"`
	Error     string    `json:"error"`
	Attempts  int       `json:"attempt_count"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (h *handlers) stats(c *gin.Context) {
	ctx := c.Request.Context()
	counts, err := h.Repo.CountByStatus(ctx)
	if err != nil {
		h.fail(c, err)
		return
	}
	failed, err := h.Repo.List(ctx, repository.Filter{Statuses: []constants.ItemStatus{constants.StatusFailed}}, maxFailedListed)
	if err != nil {
		h.fail(c, err)
		return
	}
	list := make([]failedItem, 0, len(failed))
	for _, it := range failed {
		list = append(list, failedItem{ID: it.ID, Error: it.Error, Attempts: it.AttemptCount, UpdatedAt: it.UpdatedAt})
	}
	c.JSON(http.StatusOK, gin.H{"count_by_status": counts, "failed": list})
}

func (h *handlers) item(c *gin.Context) {
	item, err := h.Repo.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *handlers) events(c *gin.Context) {
	ctx := c.Request.Context()
	if _, err := h.Repo.Get(ctx, c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	events, err := h.Repo.Events(ctx, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// ResetRequest selects items to move back to pending. An empty request
// resets in_progress items only.
type ResetRequest struct {
	IDs      []string `json:"ids"`
	Statuses []string `json:"statuses"`
}

func (h *handlers) reset(c *gin.Context) {
	var req ResetRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	statuses := constants.ParseStatuses(req.Statuses)
	if len(statuses) != len(req.Statuses) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status in statuses"})
		return
	}
	n, err := h.Repo.ResetStatus(c.Request.Context(), repository.Filter{IDs: req.IDs, Statuses: statuses})
	if err != nil {
		h.fail(c, err)
		return
	}
	h.Logger.Info("http.reset", "reset", n, "ids", len(req.IDs), "statuses", req.Statuses, "subject", c.GetString("subject"))
	c.JSON(http.StatusOK, gin.H{"reset": n})
}

func (h *handlers) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, common.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, common.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.Logger.Error("http.handler.failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
