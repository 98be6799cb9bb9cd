package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"strings"
)

// Router is the Request Router of spec.md §4.5: the engine tying the pool,
// refresher, and upstream client together. Grounded on the teacher's
// proxyRequest/ServeHTTP (main.go, router.go), stripped of the
// multi-provider dispatch layer that has no home in this gateway's single
// fixed upstream (see DESIGN.md).
type Router struct {
	pool     *Pool
	upstream *UpstreamClient
	cfg      config
	metrics  *metrics
	recent   *recentErrors
}

func NewRouter(pool *Pool, upstream *UpstreamClient, cfg config, m *metrics, re *recentErrors) *Router {
	return &Router{pool: pool, upstream: upstream, cfg: cfg, metrics: m, recent: re}
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if v := recover(); v != nil {
			log.Printf("router: panic recovered: %v", v)
			http.Error(w, "internal_error", http.StatusInternalServerError)
		}
	}()

	if r.Method == http.MethodGet && r.URL.Path == "/health" {
		rt.serveHealth(w, r)
		return
	}
	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		rt.metrics.serve(w, r)
		return
	}

	rt.route(w, r)
}

func (rt *Router) serveHealth(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("verbose") == "1" {
		respondJSON(w, http.StatusOK, map[string]any{
			"status":        "ok",
			"accounts":      rt.pool.Size(),
			"recent_errors": rt.recent.snapshot(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = writeJSON(w, body)
}

// sessionHeaderPriority is the ordered list of inbound headers the router
// consults to resolve a session key, per spec.md §4.5 step 3.
var sessionHeaderPriority = []string{"X-Session-Id", "Openai-Session", "X-Openai-Session", "X-Request-Id"}

func sessionKey(r *http.Request) string {
	for _, h := range sessionHeaderPriority {
		if v := r.Header.Get(h); v != "" {
			return v
		}
	}
	if ip := getClientIP(r); ip != "" {
		return "ip:" + ip
	}
	return "default"
}

// route implements spec.md §4.5 steps 2-6. §4.5 step 1 (the /health
// short-circuit) is handled by ServeHTTP before route is ever reached.
func (rt *Router) route(w http.ResponseWriter, r *http.Request) {
	body, err := readBodyForReplay(r.Body)
	if err != nil {
		http.Error(w, "bad_request", http.StatusBadRequest)
		return
	}

	key := sessionKey(r)
	excluded := map[string]bool{}
	budget := rt.cfg.maxRetryPasses + rt.pool.Size()

	ctx := r.Context()

	for attempt := 0; attempt < budget; attempt++ {
		if ctx.Err() != nil {
			return
		}

		sel, ok := rt.pool.Sticky(key, excluded, timeNow())
		if !ok {
			sel, ok = rt.pool.Pick(excluded, timeNow())
		}
		if !ok {
			respondJSON(w, http.StatusTooManyRequests, map[string]string{"error": "all_accounts_exhausted"})
			return
		}

		if rt.cfg.debug {
			log.Printf("debug: attempt %d session=%s account=%s %s %s", attempt, key, sel.Name, r.Method, r.URL.Path)
		}
		if rt.cfg.logBodies {
			rt.logRequestBody(sel.Name, r.Header, body)
		}

		rt.pool.MarkAttempt(sel.Name)
		result, usedIDToken, refreshErr := rt.attemptOnce(ctx, r, sel, body)

		if refreshErr != nil {
			rt.pool.MarkRefreshFailure(sel.Name, refreshErr)
			http.Error(w, "missing_access_token", http.StatusUnauthorized)
			return
		}

		switch result.Kind {
		case ResultOK:
			rt.pool.MarkSuccess(sel.Name)
			rt.pool.Assign(key, sel.Name)
			rt.metrics.inc(sel.Name, "ok")
			log.Printf("%s %s -> %s", r.Method, r.URL.Path, sel.Name)
			streamResponse(w, result.Response)
			return

		case ResultQuota:
			excluded[sel.Name] = true
			rt.pool.MarkQuota(sel.Name, result.ResetsAt, rt.cfg.cooldownSeconds)
			rt.pool.ClearAssignment(key)
			rt.metrics.inc(sel.Name, "quota")
			log.Printf("quota hit, switching from %s", sel.Name)
			continue

		case ResultAuthFailure:
			excluded[sel.Name] = true
			rt.pool.MarkAuthFailure(sel.Name, result.BodyText)
			rt.pool.ClearAssignment(key)
			rt.metrics.inc(sel.Name, "auth_failure")
			detail := result.BodyText
			if usedIDToken {
				detail = "id token also rejected: " + detail
			}
			log.Printf("auth failure on %s (%s)", sel.Name, detail)
			rt.recent.add("auth failure on " + sel.Name + ": " + detail)
			continue

		case ResultFatal:
			rt.metrics.inc(sel.Name, "fatal")
			log.Printf("upstream error %d on %s", result.Status, sel.Name)
			rt.recent.add("upstream error on " + sel.Name + ": " + result.BodyText)
			writeFatal(w, result)
			return

		case ResultAborted:
			return

		default:
			rt.metrics.inc(sel.Name, "transient")
			continue
		}
	}

	respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "gateway_exhausted"})
}

// attemptOnce issues one upstream fetch for the selected account, applying
// override_auth header rewriting, and — on an initial auth_failure with an
// available id token — a single in-attempt retry substituting the id token
// as the bearer, per spec.md §4.5 step 5.d.
func (rt *Router) attemptOnce(ctx context.Context, r *http.Request, sel Selection, body []byte) (result ForwardResult, usedIDToken bool, refreshErr error) {
	accessToken := sel.Tokens.AccessToken
	if rt.cfg.overrideAuth {
		fresh, err := rt.pool.EnsureAccessToken(ctx, sel.Name)
		if err != nil {
			return ForwardResult{}, false, err
		}
		accessToken = fresh.AccessToken
		sel.Tokens = fresh
	}

	result = rt.fetchWithBearer(ctx, r, sel, body, accessToken)
	if result.Kind != ResultAuthFailure {
		return result, false, nil
	}
	if !rt.cfg.overrideAuth || sel.Tokens.IDToken == "" || sel.Tokens.IDToken == accessToken {
		return result, false, nil
	}

	retryResult := rt.fetchWithBearer(ctx, r, sel, body, sel.Tokens.IDToken)
	return retryResult, true, nil
}

// logRequestBody emits a bounded, redacted sample of the outbound request
// when log_bodies is enabled, per SPEC_FULL.md's debug-mode contract: bearer
// tokens and cookies are redacted before anything reaches the log.
func (rt *Router) logRequestBody(account string, headers http.Header, body []byte) {
	limit := rt.cfg.bodyLogLimit
	if limit <= 0 || limit > int64(len(body)) {
		limit = int64(len(body))
	}
	hdrs := make([]string, 0, len(headers))
	for k := range headers {
		hdrs = append(hdrs, k+"="+redactSensitive(k, headers.Get(k)))
	}
	log.Printf("debug: account=%s headers=%v body=%q", account, hdrs, safeText(body[:limit]))
}

func (rt *Router) fetchWithBearer(ctx context.Context, r *http.Request, sel Selection, body []byte, bearer string) ForwardResult {
	headers := rt.buildHeaders(r, sel, bearer)
	target := rt.upstream.TargetURL(r.URL.Path, r.URL.RawQuery)
	return rt.upstream.Fetch(ctx, r.Method, target, headers, body)
}

// buildHeaders implements spec.md §4.5.1.
func (rt *Router) buildHeaders(r *http.Request, sel Selection, bearer string) http.Header {
	h := cloneHeader(r.Header)
	h.Del("Host")
	h.Del("Content-Length")
	removeHopByHopHeaders(h)

	if !rt.cfg.overrideAuth {
		return h
	}

	h.Del("Authorization")
	h.Del("Cookie")
	h.Set("Authorization", "Bearer "+bearer)

	d := sel.Tokens.Details
	if d.SessionID != "" {
		h.Set("openai-session", d.SessionID)
		h.Set("x-openai-session", d.SessionID)
	}
	if accID := firstNonEmpty(d.ChatGPTAccountID, sel.Tokens.AccountID); accID != "" {
		h.Set("openai-account-id", accID)
		h.Set("x-openai-account-id", accID)
	}
	if userID := firstNonEmpty(d.UserID, d.ChatGPTUserID); userID != "" {
		h.Set("openai-user-id", userID)
		h.Set("x-openai-user-id", userID)
	}
	if d.OrganizationID != "" {
		h.Set("openai-organization", d.OrganizationID)
		h.Set("openai-organization-id", d.OrganizationID)
	}

	return h
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// streamResponse implements spec.md §4.5.2: write status and headers once,
// then copy the body chunk-by-chunk with incremental flushing.
func streamResponse(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()

	dst := w.Header()
	for k, vv := range resp.Header {
		if isHopByHop(k) {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Printf("router: stream read error: %v", err)
			}
			return
		}
	}
}

func isHopByHop(key string) bool {
	switch strings.ToLower(key) {
	case "connection", "proxy-connection", "keep-alive", "proxy-authenticate",
		"proxy-authorization", "te", "trailer", "transfer-encoding", "upgrade":
		return true
	}
	return false
}

func writeFatal(w http.ResponseWriter, result ForwardResult) {
	status := result.Status
	if status == 0 {
		status = http.StatusBadGateway
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(result.BodyText))
}
