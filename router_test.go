package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func newTestRouter(t *testing.T, upstreamURL string, names []string, overrideAuth bool) (*Router, *Pool) {
	t.Helper()
	base, err := url.Parse(upstreamURL)
	if err != nil {
		t.Fatalf("parse upstream url: %v", err)
	}
	cfg := config{
		maxRetryPasses:        1,
		cooldownSeconds:       900,
		requestTimeout:        2000 * 1e6,
		upstreamMaxRetries:    0,
		upstreamRetryBaseMs:   1,
		upstreamRetryMaxMs:    5,
		upstreamRetryJitterMs: 1,
		overrideAuth:          overrideAuth,
	}
	pool := NewPool(noopStore{}, nil)
	for _, n := range names {
		pool.accounts = append(pool.accounts, &account{
			name:   n,
			tokens: TokenPair{AccessToken: "access-" + n, RefreshToken: "refresh-" + n},
		})
	}
	upstream := NewUpstreamClient(http.DefaultClient, base, cfg)
	rt := NewRouter(pool, upstream, cfg, newMetrics(), newRecentErrors(10))
	return rt, pool
}

func TestRouteHappyPathAssignsSticky(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	rt, pool := newTestRouter(t, srv.URL, []string{"a", "b"}, false)

	req := httptest.NewRequest(http.MethodPost, "/v1/x", strings.NewReader(`{"k":1}`))
	req.Header.Set("X-Session-Id", "s1")
	w := httptest.NewRecorder()
	rt.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if sel, ok := pool.Sticky("s1", nil, timeNow()); !ok || sel.Name != "a" {
		t.Fatalf("expected sticky assignment to a, got %+v ok=%v", sel, ok)
	}
}

func TestRouteQuotaRotatesToNextAccount(t *testing.T) {
	mux := http.NewServeMux()
	var hits int
	mux.HandleFunc("/v1/x", func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"type":"usage_limit_reached","resets_at":1700000000}}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	rt, pool := newTestRouter(t, srv.URL, []string{"a", "b"}, false)

	req := httptest.NewRequest(http.MethodPost, "/v1/x", strings.NewReader(`{}`))
	req.Header.Set("X-Session-Id", "s1")
	w := httptest.NewRecorder()
	rt.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected eventual 200, got %d", w.Code)
	}
	a := pool.find("a")
	if !a.onCooldown(timeNow()) {
		t.Fatalf("expected account a on cooldown after quota hit")
	}
	if sel, ok := pool.Sticky("s1", nil, timeNow()); !ok || sel.Name != "b" {
		t.Fatalf("expected sticky now pointing to b, got %+v ok=%v", sel, ok)
	}
}

func TestRouteAllAccountsExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"type":"usage_limit_reached"}}`))
	}))
	defer srv.Close()

	rt, _ := newTestRouter(t, srv.URL, []string{"a"}, false)

	req := httptest.NewRequest(http.MethodPost, "/v1/x", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	rt.ServeHTTP(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body["error"] != "all_accounts_exhausted" {
		t.Fatalf("expected all_accounts_exhausted, got %v", body)
	}
}

func TestRouteAuthFailureFallsBackToIDToken(t *testing.T) {
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		calls = append(calls, auth)
		if auth == "Bearer id-a" {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{}`))
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("bad token"))
	}))
	defer srv.Close()

	rt, pool := newTestRouter(t, srv.URL, []string{"a"}, true)
	pool.find("a").tokens.IDToken = "id-a"

	req := httptest.NewRequest(http.MethodPost, "/v1/x", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	rt.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 after id-token fallback, got %d: %s", w.Code, w.Body.String())
	}
	if len(calls) != 2 {
		t.Fatalf("expected exactly 2 upstream calls, got %d: %v", len(calls), calls)
	}
	if pool.find("a").onCooldown(timeNow()) {
		t.Fatalf("expected account not marked auth-failed when id-token fallback succeeds")
	}
}
