package paddle

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/reelads/creditledger/internal/ledger"
	"github.com/reelads/creditledger/internal/plans"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "pdl_ntfset_test"

func init() {
	gin.SetMode(gin.TestMode)
}

func signAt(body []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(ts + ":"))
	mac.Write(body)
	return "ts=" + ts + ";h1=" + hex.EncodeToString(mac.Sum(nil))
}

func setup(t *testing.T) (*gin.Engine, *ledger.MemoryStore) {
	t.Helper()
	store := ledger.NewMemoryStore()
	engine := ledger.NewEngine(store, slog.New(slog.DiscardHandler))
	handler := NewHandler(engine, testSecret, slog.New(slog.DiscardHandler))

	router := gin.New()
	handler.RegisterRoutes(router.Group("/webhooks"))
	return router, store
}

func deliver(router *gin.Engine, body []byte, signature string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/webhooks/paddle", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("Paddle-Signature", signature)
	}
	router.ServeHTTP(w, req)
	return w
}

func activatedPayload(eventID, userID, priceID string) []byte {
	return fmt.Appendf(nil, `{
		"event_id": %q,
		"event_type": "subscription.activated",
		"data": {
			"id": "sub_abc",
			"status": "active",
			"custom_data": {"user_id": %q},
			"items": [{"price": {"id": %q}}]
		}
	}`, eventID, userID, priceID)
}

func TestWebhookSignature(t *testing.T) {
	router, _ := setup(t)
	body := activatedPayload("evt_1", "user_1", "pri_starter_monthly")

	// Valid
	w := deliver(router, body, signAt(body, time.Now()))
	assert.Equal(t, http.StatusOK, w.Code)

	// Missing header
	w = deliver(router, body, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Wrong MAC
	w = deliver(router, body, "ts="+strconv.FormatInt(time.Now().Unix(), 10)+";h1=deadbeef")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Stale timestamp outside the tolerance window
	w = deliver(router, body, signAt(body, time.Now().Add(-10*time.Minute)))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhookActivatedGrants(t *testing.T) {
	router, store := setup(t)
	body := activatedPayload("evt_1", "user_1", "pri_business_monthly")

	w := deliver(router, body, signAt(body, time.Now()))
	require.Equal(t, http.StatusOK, w.Code)

	acct, err := store.GetAccount(context.Background(), "user_1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), acct.CreditsRemaining)
	assert.Equal(t, plans.TierBusiness, acct.PlanTier)
}

func TestWebhookRedeliveryIsIdempotent(t *testing.T) {
	router, store := setup(t)
	body := activatedPayload("evt_1", "user_1", "pri_starter_monthly")

	for i := 0; i < 3; i++ {
		w := deliver(router, body, signAt(body, time.Now()))
		require.Equal(t, http.StatusOK, w.Code)
	}

	acct, _ := store.GetAccount(context.Background(), "user_1")
	assert.Equal(t, int64(50), acct.CreditsRemaining)
}

func TestWebhookScheduledCancel(t *testing.T) {
	router, store := setup(t)

	grant := activatedPayload("evt_1", "user_1", "pri_starter_monthly")
	deliver(router, grant, signAt(grant, time.Now()))

	body := []byte(`{
		"event_id": "evt_2",
		"event_type": "subscription.updated",
		"data": {
			"id": "sub_abc",
			"status": "active",
			"custom_data": {"user_id": "user_1"},
			"items": [{"price": {"id": "pri_starter_monthly"}}],
			"scheduled_change": {"action": "cancel"}
		}
	}`)
	w := deliver(router, body, signAt(body, time.Now()))
	require.Equal(t, http.StatusOK, w.Code)

	acct, _ := store.GetAccount(context.Background(), "user_1")
	assert.Equal(t, ledger.StatusCancelled, acct.Status)
	assert.Equal(t, int64(50), acct.CreditsRemaining)
}

func TestWebhookCanceledExpires(t *testing.T) {
	router, store := setup(t)

	grant := activatedPayload("evt_1", "user_1", "pri_pro_monthly")
	deliver(router, grant, signAt(grant, time.Now()))

	body := []byte(`{
		"event_id": "evt_2",
		"event_type": "subscription.canceled",
		"data": {
			"id": "sub_abc",
			"custom_data": {"user_id": "user_1"}
		}
	}`)
	w := deliver(router, body, signAt(body, time.Now()))
	require.Equal(t, http.StatusOK, w.Code)

	acct, _ := store.GetAccount(context.Background(), "user_1")
	assert.Equal(t, ledger.StatusExpired, acct.Status)
	assert.Equal(t, int64(0), acct.CreditsRemaining)
	assert.Equal(t, plans.TierFree, acct.PlanTier)
}

func TestWebhookPackTransaction(t *testing.T) {
	router, store := setup(t)

	grant := activatedPayload("evt_1", "user_1", "pri_starter_monthly")
	deliver(router, grant, signAt(grant, time.Now()))

	body := []byte(`{
		"event_id": "evt_2",
		"event_type": "transaction.completed",
		"data": {
			"id": "txn_1",
			"custom_data": {"user_id": "user_1"},
			"items": [{"price": {"id": "pri_pack_250"}}]
		}
	}`)
	w := deliver(router, body, signAt(body, time.Now()))
	require.Equal(t, http.StatusOK, w.Code)

	acct, _ := store.GetAccount(context.Background(), "user_1")
	assert.Equal(t, int64(300), acct.CreditsRemaining)
}

func TestWebhookSubscriptionInvoiceNotDoubleCounted(t *testing.T) {
	router, store := setup(t)

	grant := activatedPayload("evt_1", "user_1", "pri_starter_monthly")
	deliver(router, grant, signAt(grant, time.Now()))

	// The transaction backing the subscription invoice must not grant again
	body := []byte(`{
		"event_id": "evt_2",
		"event_type": "transaction.completed",
		"data": {
			"id": "txn_1",
			"custom_data": {"user_id": "user_1"},
			"items": [{"price": {"id": "pri_starter_monthly"}}]
		}
	}`)
	w := deliver(router, body, signAt(body, time.Now()))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ignored")

	acct, _ := store.GetAccount(context.Background(), "user_1")
	assert.Equal(t, int64(50), acct.CreditsRemaining)
}

func TestWebhookIgnoredEvents(t *testing.T) {
	router, _ := setup(t)

	body := []byte(`{
		"event_id": "evt_1",
		"event_type": "subscription.past_due",
		"data": {"id": "sub_abc", "custom_data": {"user_id": "user_1"}}
	}`)
	w := deliver(router, body, signAt(body, time.Now()))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ignored")
}

func TestVerifySignatureParsing(t *testing.T) {
	body := []byte(`{"a":1}`)
	now := time.Now()

	assert.True(t, VerifySignature(body, signAt(body, now), testSecret, now))
	assert.False(t, VerifySignature(body, "garbage", testSecret, now))
	assert.False(t, VerifySignature(body, "ts=abc;h1=00", testSecret, now))
	assert.False(t, VerifySignature(body, signAt(body, now), "other", now))
	assert.False(t, VerifySignature(body, signAt(body, now.Add(6*time.Minute)), testSecret, now))
}
