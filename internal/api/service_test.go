package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurapoints/aura-engine/internal/api"
	"github.com/aurapoints/aura-engine/internal/engine"
	"github.com/aurapoints/aura-engine/internal/fixed"
	"github.com/aurapoints/aura-engine/internal/model"
	"github.com/aurapoints/aura-engine/internal/store"
)

var accounts = engine.Accounts{
	Authority: "aura:authority",
	Oracle:    "aura:oracle",
	Treasury:  "aura:treasury",
	Market:    "contract:market",
	Parlay:    "contract:parlay",
}

// newTestEnv creates an engine over an in-memory store and mounts the API.
func newTestEnv(t *testing.T, auth api.Authenticator) (*engine.Engine, chi.Router) {
	t.Helper()
	eng, err := engine.New(store.NewMemoryStore(), engine.Options{Accounts: accounts})
	require.NoError(t, err)
	ctx := context.Background()
	_, err = eng.Bootstrap(ctx, engine.Genesis{
		Supply:   fixed.MustParseAmount("10000"),
		Treasury: fixed.MustParseAmount("1000"),
	})
	require.NoError(t, err)
	require.NoError(t, eng.Transfer(ctx, accounts.Authority, "alice", fixed.MustParseAmount("100")))

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		api.NewService(eng, nil).Routes(r, auth)
	})
	return eng, r
}

func do(t *testing.T, router http.Handler, method, path, caller string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set(api.AccountHeader, caller)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v), w.Body.String())
	return v
}

func TestTradeFlow(t *testing.T) {
	_, router := newTestEnv(t, api.Authenticator{})

	w := do(t, router, "POST", "/api/v1/oracle/scores", accounts.Oracle,
		map[string]string{"entity_id": "ent-1", "score": "100"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, router, "POST", "/api/v1/tokens/approve", "alice",
		map[string]string{"spender": accounts.Market, "amount": "100"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, router, "POST", "/api/v1/trades/buy", "alice",
		map[string]string{"entity_id": "ent-1", "shares": "10"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	tr := decodeBody[model.TradeRecord](t, w)
	assert.Equal(t, "15", tr.Tokens.String())
	assert.Equal(t, "1.5", tr.Price.String())

	w = do(t, router, "GET", "/api/v1/accounts/alice/balance", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	bal := decodeBody[map[string]string](t, w)
	assert.Equal(t, "85", bal["balance"])

	w = do(t, router, "GET", "/api/v1/accounts/alice/portfolio", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	pf := decodeBody[model.Portfolio](t, w)
	assert.Equal(t, "100", pf.TotalValue.String())

	w = do(t, router, "POST", "/api/v1/trades/sell", "alice",
		map[string]string{"entity_id": "ent-1", "shares": "11"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "insufficient_shares", decodeBody[map[string]string](t, w)["kind"])

	w = do(t, router, "GET", "/api/v1/entities/ent-1/trades?limit=5", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]model.TradeRecord](t, w), 1)
}

func TestWritesRequireCaller(t *testing.T) {
	_, router := newTestEnv(t, api.Authenticator{})
	w := do(t, router, "POST", "/api/v1/trades/buy", "",
		map[string]string{"entity_id": "ent-1", "shares": "1"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestErrorStatus(t *testing.T) {
	_, router := newTestEnv(t, api.Authenticator{})

	tests := []struct {
		name   string
		method string
		path   string
		caller string
		body   any
		want   int
	}{
		{"non-oracle score", "POST", "/api/v1/oracle/scores", "alice",
			map[string]string{"entity_id": "ent-1", "score": "1"}, http.StatusForbidden},
		{"zero shares", "POST", "/api/v1/trades/buy", "alice",
			map[string]string{"entity_id": "ent-1", "shares": "0"}, http.StatusBadRequest},
		{"malformed amount", "POST", "/api/v1/tokens/transfer", "alice",
			map[string]string{"to": "bob", "amount": "1.2.3"}, http.StatusBadRequest},
		{"unknown field", "POST", "/api/v1/tokens/transfer", "alice",
			map[string]string{"to": "bob", "amount": "1", "from": "x", "memo": "hi"}, http.StatusBadRequest},
		{"overdraft", "POST", "/api/v1/tokens/transfer", "alice",
			map[string]string{"to": "bob", "amount": "101"}, http.StatusUnprocessableEntity},
		{"unknown parlay", "GET", "/api/v1/parlays/nope", "", nil, http.StatusNotFound},
		{"resolve unknown parlay", "POST", "/api/v1/parlays/nope/resolve", "bob", nil, http.StatusNotFound},
		{"bad limit", "GET", "/api/v1/accounts/alice/trades?limit=-1", "", nil, http.StatusBadRequest},
		{"bad status filter", "GET", "/api/v1/parlays?status=pending", "", nil, http.StatusBadRequest},
		{"missing spender", "GET", "/api/v1/accounts/alice/allowance", "", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, tt.method, tt.path, tt.caller, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestParlayEndpoints(t *testing.T) {
	eng, router := newTestEnv(t, api.Authenticator{})
	ctx := context.Background()
	_, err := eng.UpdateScore(ctx, accounts.Oracle, "ent-1", fixed.MustParseScore("100"))
	require.NoError(t, err)
	require.NoError(t, eng.Approve(ctx, "alice", accounts.Parlay, fixed.MustParseAmount("10")))

	w := do(t, router, "POST", "/api/v1/parlays", "alice", map[string]any{
		"name":  "up only",
		"legs":  []map[string]string{{"entity_id": "ent-1", "direction": "up", "threshold": "50"}},
		"stake": "10",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	p := decodeBody[model.Parlay](t, w)
	assert.Equal(t, "alice", p.Owner)
	assert.Equal(t, "20", p.PotentialPayout.String())

	w = do(t, router, "POST", "/api/v1/parlays/"+p.ID+"/resolve", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, model.StatusWon, decodeBody[model.Parlay](t, w).Status)

	w = do(t, router, "POST", "/api/v1/parlays/"+p.ID+"/resolve", "bob", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, router, "GET", "/api/v1/parlays?owner=alice&status=won", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]model.Parlay](t, w), 1)

	w = do(t, router, "GET", "/api/v1/audit", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decodeBody[engine.AuditReport](t, w).OK)
}

func TestListParlays_NewestFirstWithOffset(t *testing.T) {
	clock := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	eng, err := engine.New(store.NewMemoryStore(), engine.Options{
		Accounts: accounts,
		Now: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
	})
	require.NoError(t, err)
	ctx := context.Background()
	_, err = eng.Bootstrap(ctx, engine.Genesis{
		Supply:   fixed.MustParseAmount("10000"),
		Treasury: fixed.MustParseAmount("1000"),
	})
	require.NoError(t, err)
	require.NoError(t, eng.Transfer(ctx, accounts.Authority, "alice", fixed.MustParseAmount("100")))
	require.NoError(t, eng.Approve(ctx, "alice", accounts.Parlay, fixed.MustParseAmount("100")))
	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		api.NewService(eng, nil).Routes(r, api.Authenticator{})
	})

	var created []string
	for i := 0; i < 5; i++ {
		w := do(t, r, "POST", "/api/v1/parlays", "alice", map[string]any{
			"legs":  []map[string]string{{"entity_id": "ent-1", "direction": "down", "threshold": "0"}},
			"stake": "1",
		})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		created = append(created, decodeBody[model.Parlay](t, w).ID)
	}

	page := func(query string) []string {
		w := do(t, r, "GET", "/api/v1/parlays?owner=alice&"+query, "", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var ids []string
		for _, p := range decodeBody[[]model.Parlay](t, w) {
			ids = append(ids, p.ID)
		}
		return ids
	}
	assert.Equal(t, []string{created[4], created[3]}, page("limit=2"))
	assert.Equal(t, []string{created[2], created[1]}, page("limit=2&offset=2"))
	assert.Equal(t, []string{created[0]}, page("limit=2&offset=4"))
	assert.Empty(t, page("limit=2&offset=6"))

	w := do(t, r, "GET", "/api/v1/parlays?offset=-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestJWTAuthentication(t *testing.T) {
	auth := api.Authenticator{Secret: []byte("test-secret"), Issuer: "aura-points"}
	_, router := newTestEnv(t, auth)

	// The header is ignored once a secret is configured.
	w := do(t, router, "POST", "/api/v1/tokens/transfer", "alice",
		map[string]string{"to": "bob", "amount": "1"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	tok, err := auth.Sign("alice", time.Minute)
	require.NoError(t, err)
	body, _ := json.Marshal(map[string]string{"to": "bob", "amount": "1"})
	req := httptest.NewRequest("POST", "/api/v1/tokens/transfer", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	other := api.Authenticator{Secret: []byte("other-secret"), Issuer: "aura-points"}
	forged, err := other.Sign("aura:authority", time.Minute)
	require.NoError(t, err)
	req = httptest.NewRequest("GET", "/api/v1/supply", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	a := api.Authenticator{Secret: []byte("s"), Issuer: "aura-points"}
	b := api.Authenticator{Secret: []byte("s"), Issuer: "someone-else"}
	tok, err := b.Sign("alice", time.Minute)
	require.NoError(t, err)
	_, err = a.Verify(tok)
	assert.Error(t, err)

	sub, err := b.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", sub)
}
