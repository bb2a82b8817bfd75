// Package lemonsqueezy receives and verifies Lemon Squeezy webhooks and
// translates them into ledger events.
package lemonsqueezy

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
	"time"

	"github.com/gin-gonic/gin"
	"github.com/reelads/creditledger/internal/ledger"
	"github.com/reelads/creditledger/internal/metrics"
	"github.com/reelads/creditledger/internal/plans"
)

const maxBodyBytes = 1 << 20 // 1 MiB

// variantTiers maps Lemon Squeezy subscription variant IDs to plan tiers.
var variantTiers = map[int64]plans.Tier{
	10001: plans.TierStarter,
	10002: plans.TierPro,
	10003: plans.TierBusiness,
}

// packCredits maps one-time purchase pack identifiers (set as custom data
// on the checkout) to credit amounts.
var packCredits = map[string]int64{
	"pack_50":  50,
	"pack_100": 100,
	"pack_250": 250,
}

// envelope is the portion of the Lemon Squeezy webhook payload we consume.
type envelope struct {
	Meta struct {
		EventName  string `json:"event_name"`
		CustomData struct {
			UserID string `json:"user_id"`
			PackID string `json:"pack_id"`
		} `json:"custom_data"`
	} `json:"meta"`
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			VariantID      int64      `json:"variant_id"`
			Status         string     `json:"status"`
			RenewsAt       *time.Time `json:"renews_at"`
			FirstOrderItem *struct {
				VariantID int64 `json:"variant_id"`
			} `json:"first_order_item"`
		} `json:"attributes"`
	} `json:"data"`
}

// Handler processes Lemon Squeezy webhook deliveries.
type Handler struct {
	engine        *ledger.Engine
	signingSecret string
	logger        *slog.Logger
}

// NewHandler creates a Lemon Squeezy webhook handler.
func NewHandler(engine *ledger.Engine, signingSecret string, logger *slog.Logger) *Handler {
	return &Handler{engine: engine, signingSecret: signingSecret, logger: logger}
}

// RegisterRoutes sets up the webhook route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/lemonsqueezy", h.Webhook)
}

// VerifySignature checks the X-Signature header: a hex-encoded HMAC-SHA256
// of the raw request body under the store's signing secret.
func VerifySignature(body []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Webhook handles POST /webhooks/lemonsqueezy. Verification happens on the
// raw body before any parsing. Unrecognized events and unmapped variants
// are acknowledged with 200 so the processor stops retrying them.
func (h *Handler) Webhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "read_error"})
		return
	}

	if !VerifySignature(body, c.GetHeader("X-Signature"), h.signingSecret) {
		metrics.WebhookDeliveriesTotal.WithLabelValues("lemonsqueezy", "rejected").Inc()
		h.logger.Warn("lemonsqueezy webhook signature rejected")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature"})
		return
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}
	if env.Meta.EventName == "" || env.Data.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}

	accountID := env.Meta.CustomData.UserID
	if accountID == "" {
		// Checkout was created without our custom data; nothing to credit.
		h.logger.Warn("lemonsqueezy webhook missing user_id",
			"event", env.Meta.EventName, "data_id", env.Data.ID)
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	ev, err := h.translate(&env, accountID)
	if err != nil {
		h.logger.Warn("lemonsqueezy webhook not translatable",
			"event", env.Meta.EventName, "data_id", env.Data.ID, "error", err)
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	if ev == nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("lemonsqueezy", "ignored").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	if _, _, err := h.engine.Apply(c.Request.Context(), ev); err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("lemonsqueezy", "failed").Inc()
		if errors.Is(err, ledger.ErrTransientStorage) {
			// Non-2xx makes the processor redeliver; idempotency absorbs it.
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage_unavailable"})
			return
		}
		h.logger.Error("lemonsqueezy webhook apply failed",
			"event", env.Meta.EventName, "data_id", env.Data.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	metrics.WebhookDeliveriesTotal.WithLabelValues("lemonsqueezy", "ok").Inc()
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// translate maps a verified envelope onto a ledger event, or nil for events
// we deliberately ignore.
func (h *Handler) translate(env *envelope, accountID string) (*ledger.Event, error) {
	key := "lemonsqueezy:" + env.Meta.EventName + ":" + env.Data.ID

	switch env.Meta.EventName {
	case "subscription_created", "subscription_updated", "subscription_resumed":
		tier, ok := variantTiers[env.Data.Attributes.VariantID]
		if !ok {
			return nil, fmt.Errorf("unmapped variant %d", env.Data.Attributes.VariantID)
		}
		return &ledger.Event{
			Key:         key,
			AccountID:   accountID,
			Kind:        ledger.KindSubscriptionGrant,
			Tier:        tier,
			RenewalAt:   env.Data.Attributes.RenewsAt,
			Description: "subscription " + env.Meta.EventName + " (" + string(tier) + ")",
			OccurredAt:  time.Now().UTC(),
		}, nil

	case "subscription_payment_success":
		// Renewal invoice: same grant semantics, keyed by the invoice ID so
		// each billing period grants exactly once.
		tier, ok := variantTiers[env.Data.Attributes.VariantID]
		if !ok {
			return nil, fmt.Errorf("unmapped variant %d", env.Data.Attributes.VariantID)
		}
		return &ledger.Event{
			Key:         key,
			AccountID:   accountID,
			Kind:        ledger.KindSubscriptionGrant,
			Tier:        tier,
			RenewalAt:   env.Data.Attributes.RenewsAt,
			Description: "subscription renewal (" + string(tier) + ")",
			OccurredAt:  time.Now().UTC(),
		}, nil

	case "subscription_cancelled":
		return &ledger.Event{
			Key:         key,
			AccountID:   accountID,
			Kind:        ledger.KindSubscriptionCancelled,
			Description: "subscription cancelled",
			OccurredAt:  time.Now().UTC(),
		}, nil

	case "subscription_expired":
		return &ledger.Event{
			Key:         key,
			AccountID:   accountID,
			Kind:        ledger.KindSubscriptionExpired,
			Description: "subscription expired",
			OccurredAt:  time.Now().UTC(),
		}, nil

	case "order_created":
		packID := env.Meta.CustomData.PackID
		if packID == "" {
			// Subscription orders also emit order_created; those are handled
			// by the subscription events above.
			return nil, nil
		}
		credits, ok := packCredits[packID]
		if !ok {
			return nil, fmt.Errorf("unmapped pack %q", packID)
		}
		return &ledger.Event{
			Key:         key,
			AccountID:   accountID,
			Kind:        ledger.KindPackPurchase,
			Amount:      credits,
			Description: "credit pack " + packID + " (" + strconv.FormatInt(credits, 10) + " credits)",
			OccurredAt:  time.Now().UTC(),
		}, nil

	default:
		return nil, nil
	}
}
