package main

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"
)

func makeJWT(t *testing.T, claims map[string]any) string {
	t.Helper()
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	seg := base64.RawURLEncoding.EncodeToString(payload)
	return "header." + seg + ".sig"
}

func TestDecodeClaimsExpiryAndSession(t *testing.T) {
	exp := float64(time.Now().Add(time.Hour).Unix())
	tok := makeJWT(t, map[string]any{
		"exp":        exp,
		"session_id": "sess-123",
	})
	d := decodeClaims(tok)
	if d.SessionID != "sess-123" {
		t.Fatalf("expected session_id sess-123, got %q", d.SessionID)
	}
	wantMs := int64(exp) * 1000
	if d.ExpiresAt.UnixMilli() != wantMs {
		t.Fatalf("expected expiry %d ms, got %d", wantMs, d.ExpiresAt.UnixMilli())
	}
}

func TestDecodeClaimsSidFallback(t *testing.T) {
	tok := makeJWT(t, map[string]any{"sid": "fallback-sid"})
	d := decodeClaims(tok)
	if d.SessionID != "fallback-sid" {
		t.Fatalf("expected sid fallback, got %q", d.SessionID)
	}
}

func TestDecodeClaimsOrganizationPrefersDefault(t *testing.T) {
	tok := makeJWT(t, map[string]any{
		"https://api.openai.com/auth": map[string]any{
			"chatgpt_account_id": "acc-1",
			"organizations": []any{
				map[string]any{"id": "org-a", "is_default": false},
				map[string]any{"id": "org-b", "is_default": true},
			},
		},
	})
	d := decodeClaims(tok)
	if d.ChatGPTAccountID != "acc-1" {
		t.Fatalf("expected chatgpt_account_id acc-1, got %q", d.ChatGPTAccountID)
	}
	if d.OrganizationID != "org-b" {
		t.Fatalf("expected default org org-b, got %q", d.OrganizationID)
	}
}

func TestDecodeClaimsMalformedTokenIsSilent(t *testing.T) {
	d := decodeClaims("not-a-jwt")
	if d.ExpiresAt != (time.Time{}) || d.SessionID != "" {
		t.Fatalf("expected zero-value TokenDetails for malformed token, got %+v", d)
	}

	d2 := decodeClaims("a.not-base64!!.c")
	if d2.SessionID != "" {
		t.Fatalf("expected zero-value TokenDetails for bad base64, got %+v", d2)
	}
}

func TestDeriveTokenDetailsFallsBackToIDToken(t *testing.T) {
	access := makeJWT(t, map[string]any{})
	id := makeJWT(t, map[string]any{"session_id": "from-id"})
	d := deriveTokenDetails(access, id)
	if d.SessionID != "from-id" {
		t.Fatalf("expected session_id from id token, got %q", d.SessionID)
	}
}

func TestIsFresh(t *testing.T) {
	if !isFresh(time.Time{}, 90*time.Second) {
		t.Fatalf("unset expiry must be considered fresh")
	}
	if isFresh(time.Now().Add(30*time.Second), 90*time.Second) {
		t.Fatalf("expiry inside buffer must not be fresh")
	}
	if !isFresh(time.Now().Add(5*time.Minute), 90*time.Second) {
		t.Fatalf("expiry well beyond buffer must be fresh")
	}
}
