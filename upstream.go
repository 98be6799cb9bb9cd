package main

import (
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ForwardResultKind is the ForwardResult tag of spec.md §4.4.
type ForwardResultKind int

const (
	ResultOK ForwardResultKind = iota
	ResultAuthFailure
	ResultQuota
	ResultTransient
	ResultFatal
	ResultAborted
)

// ForwardResult is the tagged outcome of one upstream fetch attempt. For
// ResultOK, Response carries the live *http.Response whose Body the caller
// must read (and close) as the streamed reply; every other variant has
// already drained and closed the upstream body into BodyText.
type ForwardResult struct {
	Kind     ForwardResultKind
	Status   int
	BodyText string
	ResetsAt time.Time
	Response *http.Response
}

// UpstreamClient implements spec.md §4.4: target URL construction (with the
// codex responses/compact rewrite), per-attempt timeout, and bounded
// exponential-backoff-with-jitter retry over transient failures. Grounded
// on the teacher's tryOnce (main.go) for request/response handling and its
// penalty/backoff arithmetic style (pool.go's scoreAccountLocked /
// decayPenaltyLocked) for the retry delay formula.
type UpstreamClient struct {
	httpClient  *http.Client
	baseURL     *url.URL
	maxRetries  int
	baseDelay   time.Duration
	maxDelay    time.Duration
	jitter      time.Duration
	attemptTimeout time.Duration
}

func NewUpstreamClient(httpClient *http.Client, baseURL *url.URL, cfg config) *UpstreamClient {
	return &UpstreamClient{
		httpClient:     httpClient,
		baseURL:        baseURL,
		maxRetries:     cfg.upstreamMaxRetries,
		baseDelay:      time.Duration(cfg.upstreamRetryBaseMs) * time.Millisecond,
		maxDelay:       time.Duration(cfg.upstreamRetryMaxMs) * time.Millisecond,
		jitter:         time.Duration(cfg.upstreamRetryJitterMs) * time.Millisecond,
		attemptTimeout: cfg.requestTimeout,
	}
}

// TargetURL builds the upstream URL for an inbound request path+query,
// applying the codex responses/compact rewrite special case of spec.md
// §4.4.
func (c *UpstreamClient) TargetURL(inboundPath, rawQuery string) string {
	base := strings.TrimRight(c.baseURL.Path, "/")
	if strings.HasSuffix(base, "/backend-api/codex") && strings.HasPrefix(inboundPath, "/backend-api/codex/v1/responses") {
		u := *c.baseURL
		u.Path = base + "/responses/compact"
		u.RawQuery = ""
		return u.String()
	}
	u := *c.baseURL
	u.Path = base + inboundPath
	u.RawQuery = rawQuery
	return u.String()
}

const fatalBodySampleLimit = 8 * 1024

// Fetch performs one logical upstream call, including the internal
// transient-retry loop. ctx cancellation (client abort) is honored both
// mid-request and during a retry delay.
func (c *UpstreamClient) Fetch(ctx context.Context, method, targetURL string, headers http.Header, body []byte) ForwardResult {
	var last ForwardResult
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return ForwardResult{Kind: ResultAborted, Status: 499, BodyText: "client_aborted"}
		}

		last = c.doOnce(ctx, method, targetURL, headers, body)
		if last.Kind != ResultTransient {
			return last
		}
		if attempt >= c.maxRetries {
			return ForwardResult{Kind: ResultFatal, Status: last.Status, BodyText: last.BodyText}
		}

		delay := c.retryDelay(attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ForwardResult{Kind: ResultAborted, Status: 499, BodyText: "client_aborted"}
		case <-timer.C:
		}
	}
}

// retryDelay implements P9: min(max, base*2^i) + uniform_random[0, jitter).
func (c *UpstreamClient) retryDelay(attempt int) time.Duration {
	d := c.baseDelay * time.Duration(1<<uint(attempt))
	if d > c.maxDelay {
		d = c.maxDelay
	}
	if c.jitter > 0 {
		d += time.Duration(rand.Int63n(int64(c.jitter)))
	}
	return d
}

func (c *UpstreamClient) doOnce(ctx context.Context, method, targetURL string, headers http.Header, body []byte) ForwardResult {
	attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)

	var bodyReader io.Reader
	if body != nil {
		bodyReader = strings.NewReader(string(body))
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, targetURL, bodyReader)
	if err != nil {
		cancel()
		return ForwardResult{Kind: ResultFatal, Status: 0, BodyText: err.Error()}
	}
	req.Header = headers

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return ForwardResult{Kind: ResultAborted, Status: 499, BodyText: "client_aborted"}
		}
		if attemptCtx.Err() != nil {
			return ForwardResult{Kind: ResultTransient, Status: 504, BodyText: "upstream timeout"}
		}
		return ForwardResult{Kind: ResultTransient, Status: 502, BodyText: err.Error()}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// request_timeout_ms is a hard deadline for the whole attempt, so the
		// body stays bound to attemptCtx for the duration of the stream; the
		// router releases it by closing resp.Body once the stream ends.
		resp.Body = &cancelOnCloseBody{ReadCloser: resp.Body, cancel: cancel}
		return ForwardResult{Kind: ResultOK, Status: resp.StatusCode, Response: resp}

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		defer cancel()
		text := drain(resp.Body, fatalBodySampleLimit)
		resp.Body.Close()
		return ForwardResult{Kind: ResultAuthFailure, Status: resp.StatusCode, BodyText: text}

	case resp.StatusCode == http.StatusTooManyRequests:
		defer cancel()
		raw := drainBytes(resp.Body, fatalBodySampleLimit)
		resp.Body.Close()
		resetsAt := parseResetsAt(raw)
		return ForwardResult{Kind: ResultQuota, Status: resp.StatusCode, BodyText: safeText(raw), ResetsAt: resetsAt}

	case resp.StatusCode >= 500 && resp.StatusCode <= 599:
		defer cancel()
		text := drain(resp.Body, fatalBodySampleLimit)
		resp.Body.Close()
		return ForwardResult{Kind: ResultTransient, Status: resp.StatusCode, BodyText: text}

	default:
		defer cancel()
		raw := drainBytes(resp.Body, fatalBodySampleLimit)
		resp.Body.Close()
		if quotaErr, ok := errorTypeIsQuota(raw); ok {
			return ForwardResult{Kind: ResultQuota, Status: resp.StatusCode, BodyText: safeText(raw), ResetsAt: quotaErr}
		}
		return ForwardResult{Kind: ResultFatal, Status: resp.StatusCode, BodyText: safeText(raw)}
	}
}

// cancelOnCloseBody releases an attempt's context.WithTimeout cancel func
// when the streamed body is closed, so the timer doesn't leak for the
// lifetime of a long-running stream.
type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnCloseBody) Close() error {
	defer b.cancel()
	return b.ReadCloser.Close()
}

func drain(r io.Reader, limit int64) string {
	return safeText(drainBytes(r, limit))
}

func drainBytes(r io.Reader, limit int64) []byte {
	b, _ := io.ReadAll(io.LimitReader(r, limit))
	return b
}

type upstreamErrorBody struct {
	Error struct {
		Type     string   `json:"type"`
		ResetsAt *float64 `json:"resets_at"`
	} `json:"error"`
}

// parseResetsAt reads error.resets_at (epoch seconds) from a 429 body, if
// present, converting to a millisecond-precision time.
func parseResetsAt(raw []byte) time.Time {
	var body upstreamErrorBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return time.Time{}
	}
	if body.Error.ResetsAt == nil {
		return time.Time{}
	}
	return time.UnixMilli(int64(*body.Error.ResetsAt * 1000))
}

// errorTypeIsQuota checks a non-429 body for error.type == usage_limit_reached,
// per spec.md §4.4's quota body parsing contract.
func errorTypeIsQuota(raw []byte) (time.Time, bool) {
	var body upstreamErrorBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return time.Time{}, false
	}
	if body.Error.Type != "usage_limit_reached" {
		return time.Time{}, false
	}
	if body.Error.ResetsAt == nil {
		return time.Time{}, true
	}
	return time.UnixMilli(int64(*body.Error.ResetsAt * 1000)), true
}
