package server

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/reelads/creditledger/internal/config"
	"github.com/reelads/creditledger/internal/ledger"
	"github.com/reelads/creditledger/internal/plans"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig() *config.Config {
	return &config.Config{
		Port:                        "8080",
		Env:                         "development",
		LogLevel:                    "error",
		LemonSqueezySigningSecret:   "ls-secret",
		PaddleWebhookSecret:         "pdl-secret",
		InternalAPIKey:              "internal-key",
		AdminSecret:                 "admin-secret",
		RateLimitRPM:                600,
		AllowedOrigins:              []string{"*"},
		ProcessedEventRetentionDays: 90,
	}
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *ledger.MemoryStore) {
	t.Helper()
	store := ledger.NewMemoryStore()
	srv, err := New(cfg,
		WithStore(store),
		WithLogger(slog.New(slog.DiscardHandler)),
	)
	require.NoError(t, err)
	return srv, store
}

func TestHealthEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "in-memory")

	w = httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest("GET", "/health/live", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	// Readiness flips only once Run has started
	w = httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest("GET", "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "creditledger_")
}

func TestPublicBalanceRoute(t *testing.T) {
	srv, store := newTestServer(t, testConfig())

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/accounts/user_1/balance", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	_, _, err := store.Apply(context.Background(), &ledger.Change{
		AccountID:   "user_1",
		Kind:        ledger.KindSubscriptionGrant,
		Target:      int64Ptr(plans.Catalogue[plans.TierStarter]),
		ResetTotal:  true,
		Tier:        plans.TierStarter,
		Status:      ledger.StatusActive,
		AllowCreate: true,
		Description: "starter subscription",
		EventKey:    "seed:user_1",
		OccurredAt:  time.Now().UTC(),
	})
	require.NoError(t, err)

	w = httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/accounts/user_1/balance", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"creditsRemaining":50`)
}

func TestInternalRoutesRequireKey(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())

	body := []byte(`{"accountId":"user_1","amount":10,"description":"gen","requestId":"req_1"}`)

	// No key
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/internal/v1/debits", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	srv.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Correct key reaches the handler (404, account does not exist)
	w = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/internal/v1/debits", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-Key", "internal-key")
	srv.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminRoutesRequireSecret(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/admin/v1/reconcile", nil)
	srv.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/admin/v1/reconcile", nil)
	req.Header.Set("X-Admin-Secret", "admin-secret")
	srv.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestUnconfiguredInternalKeyFailsClosed(t *testing.T) {
	cfg := testConfig()
	cfg.InternalAPIKey = ""
	srv, _ := newTestServer(t, cfg)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/internal/v1/debits", bytes.NewReader([]byte(`{}`)))
	srv.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestWebhookRouteRejectsUnsignedPayload(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/webhooks/lemonsqueezy", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Content-Type", "application/json")
	srv.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequestIDHeader(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())

	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	// Caller-provided IDs are echoed back
	w = httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Request-ID", "req-abc")
	srv.Router().ServeHTTP(w, req)
	assert.Equal(t, "req-abc", w.Header().Get("X-Request-ID"))
}

func int64Ptr(v int64) *int64 { return &v }
