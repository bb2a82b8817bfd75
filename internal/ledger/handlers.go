package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/reelads/creditledger/internal/pagination"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// Handler provides HTTP endpoints for ledger queries and internal
// debit/refund operations.
type Handler struct {
	engine *Engine
	store  Store
	logger *slog.Logger
}

// NewHandler creates a ledger handler.
func NewHandler(engine *Engine, store Store, logger *slog.Logger) *Handler {
	return &Handler{engine: engine, store: store, logger: logger}
}

// RegisterRoutes sets up the read-only query routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/:id/balance", h.GetBalance)
	r.GET("/accounts/:id/history", h.GetHistory)
	r.GET("/accounts/:id/affordable", h.CanAfford)
}

// RegisterInternalRoutes sets up routes for authenticated internal callers
// (the generation pipeline).
func (h *Handler) RegisterInternalRoutes(r *gin.RouterGroup) {
	r.POST("/debits", h.Debit)
	r.POST("/refunds", h.Refund)
}

// GetBalance handles GET /accounts/:id/balance.
func (h *Handler) GetBalance(c *gin.Context) {
	acct, err := h.store.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "account_not_found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "balance_error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"creditsRemaining":   acct.CreditsRemaining,
		"creditsTotal":       acct.CreditsTotal,
		"planTier":           acct.PlanTier,
		"subscriptionStatus": acct.Status,
		"renewalAt":          acct.RenewalAt,
	})
}

// GetHistory handles GET /accounts/:id/history with cursor pagination,
// newest entries first.
func (h *Handler) GetHistory(c *gin.Context) {
	accountID := c.Param("id")

	limit := defaultHistoryLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		if n > maxHistoryLimit {
			n = maxHistoryLimit
		}
		limit = n
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor"})
		return
	}
	var before *EntryCursor
	if cursor != nil {
		before = &EntryCursor{CreatedAt: cursor.CreatedAt, ID: cursor.ID}
	}

	entries, err := h.store.ListEntries(c.Request.Context(), accountID, limit+1, before)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history_error"})
		return
	}

	page, next, hasMore := pagination.ComputePage(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"entries":    page,
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

// CanAfford handles GET /accounts/:id/affordable?amount=N. The answer is
// advisory; the authoritative check is the atomic debit itself.
func (h *Handler) CanAfford(c *gin.Context) {
	amount, err := strconv.ParseInt(c.Query("amount"), 10, 64)
	if err != nil || amount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount"})
		return
	}

	acct, err := h.store.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			c.JSON(http.StatusOK, gin.H{"canAfford": false})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "balance_error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"canAfford": acct.CreditsRemaining >= amount})
}

// DebitRequest reserves credits before a generation starts. RequestID is
// the caller's idempotency key: network retries of the same request debit
// at most once.
type DebitRequest struct {
	AccountID   string `json:"accountId" binding:"required"`
	Amount      int64  `json:"amount" binding:"required,gt=0"`
	Description string `json:"description"`
	RequestID   string `json:"requestId" binding:"required"`
}

// Debit handles POST /debits.
func (h *Handler) Debit(c *gin.Context) {
	var req DebitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	entry, applied, err := h.engine.Reserve(c.Request.Context(), req.AccountID, req.Amount, req.Description, req.RequestID)
	if err != nil {
		h.writeEngineError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"entry": entry, "duplicate": !applied})
}

// RefundRequest compensates a reservation whose generation failed after the
// debit succeeded. DebitKey is the event key returned by the debit.
type RefundRequest struct {
	AccountID string `json:"accountId" binding:"required"`
	Amount    int64  `json:"amount" binding:"required,gt=0"`
	Reason    string `json:"reason" binding:"required"`
	DebitKey  string `json:"debitKey" binding:"required"`
}

// Refund handles POST /refunds.
func (h *Handler) Refund(c *gin.Context) {
	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	entry, applied, err := h.engine.Refund(c.Request.Context(), req.AccountID, req.Amount, req.Reason, req.DebitKey)
	if err != nil {
		h.writeEngineError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"entry": entry, "duplicate": !applied})
}

// writeEngineError maps engine errors onto HTTP responses. Transient
// storage failures are safe to retry because of event-key idempotency.
func (h *Handler) writeEngineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInsufficientCredits):
		c.JSON(http.StatusConflict, gin.H{"error": "insufficient_credits"})
	case errors.Is(err, ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "account_not_found"})
	case errors.Is(err, ErrInvalidEvent):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ErrTransientStorage):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage_unavailable", "retryable": true})
	default:
		h.logger.Error("ledger operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
