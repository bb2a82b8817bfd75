// Package admin provides operator endpoints: manual credit adjustments,
// reconciliation checks, and processed-event pruning.
package admin

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/reelads/creditledger/internal/idgen"
	"github.com/reelads/creditledger/internal/ledger"
	"github.com/reelads/creditledger/internal/reconcile"
)

// Handler serves the admin API. All routes are expected to sit behind
// admin-secret middleware installed by the server.
type Handler struct {
	engine        *ledger.Engine
	store         ledger.Store
	reconciler    *reconcile.Reconciler
	logger        *slog.Logger
	retentionDays int
}

// NewHandler creates an admin handler. retentionDays is the default
// processed-event retention used when a prune request does not supply one.
func NewHandler(engine *ledger.Engine, store ledger.Store, reconciler *reconcile.Reconciler, retentionDays int, logger *slog.Logger) *Handler {
	return &Handler{
		engine:        engine,
		store:         store,
		reconciler:    reconciler,
		logger:        logger,
		retentionDays: retentionDays,
	}
}

// RegisterRoutes sets up the admin routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/accounts/:id/adjustments", h.Adjust)
	r.GET("/accounts/:id/reconcile", h.ReconcileAccount)
	r.POST("/reconcile", h.ReconcileAll)
	r.POST("/processed-events/prune", h.Prune)
}

// AdjustRequest is a manual signed credit correction. IdempotencyKey is
// optional: supplying one makes retries of the same correction safe.
type AdjustRequest struct {
	Amount         int64  `json:"amount" binding:"required"`
	Reason         string `json:"reason" binding:"required"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// Adjust handles POST /accounts/:id/adjustments.
func (h *Handler) Adjust(c *gin.Context) {
	var req AdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	key := req.IdempotencyKey
	if key == "" {
		key = idgen.WithPrefix("adj_")
	}

	entry, applied, err := h.engine.Apply(c.Request.Context(), &ledger.Event{
		Key:         "admin:" + key,
		AccountID:   c.Param("id"),
		Kind:        ledger.KindAdminAdjustment,
		Amount:      req.Amount,
		Description: req.Reason,
		OccurredAt:  time.Now().UTC(),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.logger.Info("admin adjustment",
		"account_id", c.Param("id"), "amount", req.Amount, "applied", applied)
	c.JSON(http.StatusOK, gin.H{"entry": entry, "duplicate": !applied})
}

// ReconcileAccount handles GET /accounts/:id/reconcile, comparing the
// stored balance against the entry sum for a single account.
func (h *Handler) ReconcileAccount(c *gin.Context) {
	report, err := h.reconciler.CheckAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "account_not_found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconcile_error"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// ReconcileAll handles POST /reconcile, sweeping every account. Intended
// for operators and periodic jobs; the sweep reads, it never repairs.
func (h *Handler) ReconcileAll(c *gin.Context) {
	summary, err := h.reconciler.Sweep(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconcile_error"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// PruneRequest optionally overrides the retention window in days.
type PruneRequest struct {
	RetentionDays int `json:"retentionDays"`
}

// Prune handles POST /processed-events/prune, deleting idempotency markers
// older than the retention window.
func (h *Handler) Prune(c *gin.Context) {
	var req PruneRequest
	// An empty body is fine and means "use the configured retention".
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}

	days := req.RetentionDays
	if days <= 0 {
		days = h.retentionDays
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	removed, err := h.store.PruneProcessedEvents(c.Request.Context(), cutoff)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "prune_error"})
		return
	}

	h.logger.Info("processed events pruned", "removed", removed, "cutoff", cutoff)
	c.JSON(http.StatusOK, gin.H{"removed": removed, "cutoff": cutoff})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredits):
		c.JSON(http.StatusConflict, gin.H{"error": "insufficient_credits"})
	case errors.Is(err, ledger.ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "account_not_found"})
	case errors.Is(err, ledger.ErrInvalidEvent):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ledger.ErrTransientStorage):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage_unavailable"})
	default:
		h.logger.Error("admin operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
