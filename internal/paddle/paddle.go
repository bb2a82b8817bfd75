// Package paddle receives and verifies Paddle Billing webhooks and
// translates them into ledger events.
package paddle

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/reelads/creditledger/internal/ledger"
	"github.com/reelads/creditledger/internal/metrics"
	"github.com/reelads/creditledger/internal/plans"
)

const (
	maxBodyBytes = 1 << 20 // 1 MiB

	// signatureTolerance bounds how old a signed timestamp may be, limiting
	// replay of captured deliveries.
	signatureTolerance = 5 * time.Minute
)

// priceTiers maps Paddle price IDs to plan tiers.
var priceTiers = map[string]plans.Tier{
	"pri_starter_monthly":  plans.TierStarter,
	"pri_pro_monthly":      plans.TierPro,
	"pri_business_monthly": plans.TierBusiness,
}

// packPrices maps Paddle one-time price IDs to credit amounts.
var packPrices = map[string]int64{
	"pri_pack_50":  50,
	"pri_pack_100": 100,
	"pri_pack_250": 250,
}

// notification is the portion of the Paddle webhook payload we consume.
type notification struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Data      struct {
		ID         string `json:"id"`
		Status     string `json:"status"`
		CustomData struct {
			UserID string `json:"user_id"`
		} `json:"custom_data"`
		Items []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"items"`
		ScheduledChange *struct {
			Action string `json:"action"`
		} `json:"scheduled_change"`
		NextBilledAt *time.Time `json:"next_billed_at"`
	} `json:"data"`
}

// Handler processes Paddle webhook deliveries.
type Handler struct {
	engine *ledger.Engine
	secret string
	logger *slog.Logger
	now    func() time.Time
}

// NewHandler creates a Paddle webhook handler.
func NewHandler(engine *ledger.Engine, secret string, logger *slog.Logger) *Handler {
	return &Handler{engine: engine, secret: secret, logger: logger, now: time.Now}
}

// RegisterRoutes sets up the webhook route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/paddle", h.Webhook)
}

// VerifySignature checks a Paddle-Signature header of the form
// "ts=<unix>;h1=<hex hmac>". The MAC covers "<ts>:<raw body>" and the
// timestamp must be within tolerance of now.
func VerifySignature(body []byte, header, secret string, now time.Time) bool {
	if header == "" || secret == "" {
		return false
	}

	var ts, h1 string
	for _, part := range strings.Split(header, ";") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		switch k {
		case "ts":
			ts = v
		case "h1":
			h1 = v
		}
	}
	if ts == "" || h1 == "" {
		return false
	}

	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	signedAt := time.Unix(sec, 0)
	if now.Sub(signedAt) > signatureTolerance || signedAt.Sub(now) > signatureTolerance {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte(":"))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(h1))
}

// Webhook handles POST /webhooks/paddle.
func (h *Handler) Webhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read_error"})
		return
	}

	if !VerifySignature(body, c.GetHeader("Paddle-Signature"), h.secret, h.now()) {
		metrics.WebhookDeliveriesTotal.WithLabelValues("paddle", "rejected").Inc()
		h.logger.Warn("paddle webhook signature rejected")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature"})
		return
	}

	var n notification
	if err := json.Unmarshal(body, &n); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}
	if n.EventID == "" || n.EventType == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}

	accountID := n.Data.CustomData.UserID
	if accountID == "" {
		h.logger.Warn("paddle webhook missing user_id",
			"event_type", n.EventType, "event_id", n.EventID)
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	ev, err := h.translate(&n, accountID)
	if err != nil {
		h.logger.Warn("paddle webhook not translatable",
			"event_type", n.EventType, "event_id", n.EventID, "error", err)
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	if ev == nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("paddle", "ignored").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	if _, _, err := h.engine.Apply(c.Request.Context(), ev); err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("paddle", "failed").Inc()
		if errors.Is(err, ledger.ErrTransientStorage) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage_unavailable"})
			return
		}
		h.logger.Error("paddle webhook apply failed",
			"event_type", n.EventType, "event_id", n.EventID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	metrics.WebhookDeliveriesTotal.WithLabelValues("paddle", "ok").Inc()
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// translate maps a verified notification onto a ledger event, or nil for
// event types we deliberately ignore. Every Paddle event carries a unique
// event_id, which becomes the idempotency key directly.
func (h *Handler) translate(n *notification, accountID string) (*ledger.Event, error) {
	key := "paddle:" + n.EventID

	switch n.EventType {
	case "subscription.activated":
		return h.grantEvent(n, accountID, key, "subscription activated")

	case "subscription.updated":
		if sc := n.Data.ScheduledChange; sc != nil && sc.Action == "cancel" {
			return &ledger.Event{
				Key:         key,
				AccountID:   accountID,
				Kind:        ledger.KindSubscriptionCancelled,
				Description: "subscription cancellation scheduled",
				OccurredAt:  time.Now().UTC(),
			}, nil
		}
		if n.Data.Status != "active" {
			return nil, nil
		}
		return h.grantEvent(n, accountID, key, "subscription updated")

	case "subscription.canceled":
		// Paddle emits canceled when the subscription actually ends, after
		// any remaining paid period. That is our expiry.
		return &ledger.Event{
			Key:         key,
			AccountID:   accountID,
			Kind:        ledger.KindSubscriptionExpired,
			Description: "subscription ended",
			OccurredAt:  time.Now().UTC(),
		}, nil

	case "transaction.completed":
		if len(n.Data.Items) == 0 {
			return nil, fmt.Errorf("transaction without items")
		}
		priceID := n.Data.Items[0].Price.ID
		if credits, ok := packPrices[priceID]; ok {
			return &ledger.Event{
				Key:         key,
				AccountID:   accountID,
				Kind:        ledger.KindPackPurchase,
				Amount:      credits,
				Description: "credit pack purchase (" + strconv.FormatInt(credits, 10) + " credits)",
				OccurredAt:  time.Now().UTC(),
			}, nil
		}
		if _, ok := priceTiers[priceID]; ok {
			// Subscription invoices surface here too; the grant is driven by
			// the subscription.activated/updated events instead.
			return nil, nil
		}
		return nil, fmt.Errorf("unmapped price %q", priceID)

	default:
		return nil, nil
	}
}

func (h *Handler) grantEvent(n *notification, accountID, key, desc string) (*ledger.Event, error) {
	if len(n.Data.Items) == 0 {
		return nil, fmt.Errorf("subscription without items")
	}
	priceID := n.Data.Items[0].Price.ID
	tier, ok := priceTiers[priceID]
	if !ok {
		return nil, fmt.Errorf("unmapped price %q", priceID)
	}
	return &ledger.Event{
		Key:         key,
		AccountID:   accountID,
		Kind:        ledger.KindSubscriptionGrant,
		Tier:        tier,
		RenewalAt:   n.Data.NextBilledAt,
		Description: desc + " (" + string(tier) + ")",
		OccurredAt:  time.Now().UTC(),
	}, nil
}
