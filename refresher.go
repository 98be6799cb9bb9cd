package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Refresher is the OAuth Refresher of spec.md §4.3: exchanges a refresh
// token for a new access/refresh/id token triple. Grounded on the teacher's
// RefreshToken (provider_codex.go), switched from the teacher's JSON body
// to the form-encoded body spec.md mandates.
type Refresher struct {
	httpClient *http.Client
	refreshURL *url.URL
	clientID   string
}

func NewRefresher(httpClient *http.Client, refreshURL *url.URL, clientID string) *Refresher {
	return &Refresher{httpClient: httpClient, refreshURL: refreshURL, clientID: clientID}
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	AccountID    string `json:"account_id"`
}

// Refresh exchanges refreshToken for a new token set. Non-2xx responses
// return an error carrying a truncated response body so callers can
// classify auth failures without leaking full upstream payloads into logs.
func (r *Refresher) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	if refreshToken == "" {
		return TokenPair{}, fmt.Errorf("refresh: no refresh token available")
	}

	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", r.clientID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.refreshURL.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return TokenPair{}, fmt.Errorf("refresh: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return TokenPair{}, fmt.Errorf("refresh: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return TokenPair{}, &refreshError{status: resp.StatusCode, body: safeText(body)}
	}

	var parsed refreshResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return TokenPair{}, fmt.Errorf("refresh: parse response: %w", err)
	}
	if parsed.AccessToken == "" {
		return TokenPair{}, fmt.Errorf("refresh: response missing access_token")
	}

	return TokenPair{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		IDToken:      parsed.IDToken,
		AccountID:    parsed.AccountID,
	}, nil
}

// refreshError distinguishes a 401/403 from the upstream (the refresh
// token itself is dead) from other failures, which the router treats as
// transient rather than a permanent auth failure.
type refreshError struct {
	status int
	body   string
}

func (e *refreshError) Error() string {
	return fmt.Sprintf("refresh: upstream returned %d: %s", e.status, e.body)
}

func (e *refreshError) isPermanent() bool {
	return e.status == http.StatusUnauthorized || e.status == http.StatusForbidden
}

// refreshTimeout bounds a single refresh round-trip so a stalled
// authorization server can't hold a request open indefinitely.
const refreshTimeout = 15 * time.Second
