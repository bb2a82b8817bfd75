package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/reelads/creditledger/internal/plans"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(t *testing.T) (*gin.Engine, *Engine, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	engine := NewEngine(store, slog.New(slog.DiscardHandler))
	handler := NewHandler(engine, store, slog.New(slog.DiscardHandler))

	router := gin.New()
	handler.RegisterRoutes(router.Group("/api/v1"))
	handler.RegisterInternalRoutes(router.Group("/internal/v1"))
	return router, engine, store
}

func seedAccount(t *testing.T, engine *Engine, accountID string, tier plans.Tier) {
	t.Helper()
	_, _, err := engine.Apply(context.Background(), &Event{
		Key:        "seed:" + accountID,
		AccountID:  accountID,
		Kind:       KindSubscriptionGrant,
		Tier:       tier,
		OccurredAt: time.Now().UTC(),
	})
	require.NoError(t, err)
}

func TestGetBalance(t *testing.T) {
	router, engine, _ := setupRouter(t)
	seedAccount(t, engine, "user_1", plans.TierPro)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/v1/accounts/user_1/balance", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, float64(150), resp["creditsRemaining"])
	assert.Equal(t, "pro", resp["planTier"])
	assert.Equal(t, "active", resp["subscriptionStatus"])
}

func TestGetBalanceNotFound(t *testing.T) {
	router, _, _ := setupRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/v1/accounts/nobody/balance", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "account_not_found")
}

func TestGetHistoryPagination(t *testing.T) {
	router, engine, _ := setupRouter(t)
	seedAccount(t, engine, "user_1", plans.TierPro)

	for i := 0; i < 5; i++ {
		_, _, err := engine.Reserve(context.Background(), "user_1", 1, "gen", fmt.Sprintf("req_%d", i))
		require.NoError(t, err)
	}

	// 6 entries total (grant + 5 debits); page size 4
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/v1/accounts/user_1/history?limit=4", nil)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var page1 struct {
		Entries    []Entry `json:"entries"`
		NextCursor string  `json:"nextCursor"`
		HasMore    bool    `json:"hasMore"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page1))
	assert.Len(t, page1.Entries, 4)
	assert.True(t, page1.HasMore)
	require.NotEmpty(t, page1.NextCursor)

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/api/v1/accounts/user_1/history?limit=4&cursor="+page1.NextCursor, nil)
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var page2 struct {
		Entries []Entry `json:"entries"`
		HasMore bool    `json:"hasMore"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page2))
	assert.Len(t, page2.Entries, 2)
	assert.False(t, page2.HasMore)

	// No overlap between pages
	seen := map[string]bool{}
	for _, e := range page1.Entries {
		seen[e.ID] = true
	}
	for _, e := range page2.Entries {
		assert.False(t, seen[e.ID], "entry %s appeared on both pages", e.ID)
	}
}

func TestGetHistoryRejectsBadParams(t *testing.T) {
	router, _, _ := setupRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/v1/accounts/user_1/history?limit=nope", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/api/v1/accounts/user_1/history?cursor=!!!", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCanAfford(t *testing.T) {
	router, engine, _ := setupRouter(t)
	seedAccount(t, engine, "user_1", plans.TierStarter)

	cases := []struct {
		url  string
		want bool
	}{
		{"/api/v1/accounts/user_1/affordable?amount=50", true},
		{"/api/v1/accounts/user_1/affordable?amount=51", false},
		{"/api/v1/accounts/nobody/affordable?amount=1", false},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", tc.url, nil)
		router.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code, tc.url)

		var resp map[string]bool
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, tc.want, resp["canAfford"], tc.url)
	}
}

func TestDebitEndpoint(t *testing.T) {
	router, engine, store := setupRouter(t)
	seedAccount(t, engine, "user_1", plans.TierStarter)

	body, _ := json.Marshal(DebitRequest{
		AccountID: "user_1", Amount: 10, Description: "video gen", RequestID: "req_1",
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/internal/v1/debits", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Entry     Entry `json:"entry"`
		Duplicate bool  `json:"duplicate"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(-10), resp.Entry.Amount)
	assert.False(t, resp.Duplicate)

	// Retry with the same requestId reports duplicate and debits once
	w = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/internal/v1/debits", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Duplicate)

	acct, _ := store.GetAccount(context.Background(), "user_1")
	assert.Equal(t, int64(40), acct.CreditsRemaining)
}

func TestDebitEndpointErrors(t *testing.T) {
	router, engine, _ := setupRouter(t)
	seedAccount(t, engine, "user_1", plans.TierStarter)

	post := func(body any) *httptest.ResponseRecorder {
		raw, _ := json.Marshal(body)
		w := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/internal/v1/debits", bytes.NewReader(raw))
		req.Header.Set("Content-Type", "application/json")
		router.ServeHTTP(w, req)
		return w
	}

	// Insufficient credits
	w := post(DebitRequest{AccountID: "user_1", Amount: 500, RequestID: "req_big"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "insufficient_credits")

	// Unknown account
	w = post(DebitRequest{AccountID: "nobody", Amount: 5, RequestID: "req_x"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Missing required fields
	w = post(map[string]any{"accountId": "user_1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRefundEndpoint(t *testing.T) {
	router, engine, store := setupRouter(t)
	seedAccount(t, engine, "user_1", plans.TierStarter)

	debit, _, err := engine.Reserve(context.Background(), "user_1", 10, "gen", "req_1")
	require.NoError(t, err)

	body, _ := json.Marshal(RefundRequest{
		AccountID: "user_1", Amount: 10, Reason: "generation failed", DebitKey: debit.EventKey,
	})
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/internal/v1/refunds", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	acct, _ := store.GetAccount(context.Background(), "user_1")
	assert.Equal(t, int64(50), acct.CreditsRemaining)
}
