package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestRefreshSendsFormEncodedBody(t *testing.T) {
	var gotContentType, gotGrantType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotGrantType = r.FormValue("grant_type")
		if r.FormValue("refresh_token") != "old-refresh" {
			t.Errorf("expected refresh_token old-refresh, got %q", r.FormValue("refresh_token"))
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"access_token":"new-access","refresh_token":"new-refresh","id_token":"new-id"}`))
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	r := NewRefresher(srv.Client(), u, "client-id")
	tok, err := r.Refresh(context.Background(), "old-refresh")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if gotContentType != "application/x-www-form-urlencoded" {
		t.Fatalf("expected form-encoded content type, got %q", gotContentType)
	}
	if gotGrantType != "refresh_token" {
		t.Fatalf("expected grant_type=refresh_token, got %q", gotGrantType)
	}
	if tok.AccessToken != "new-access" || tok.RefreshToken != "new-refresh" || tok.IDToken != "new-id" {
		t.Fatalf("unexpected token pair: %+v", tok)
	}
}

func TestRefreshNon2xxReturnsTruncatedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("invalid_grant: refresh token expired"))
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	r := NewRefresher(srv.Client(), u, "client-id")
	_, err := r.Refresh(context.Background(), "dead-refresh")
	if err == nil {
		t.Fatalf("expected error on non-2xx response")
	}
	rerr, ok := err.(*refreshError)
	if !ok {
		t.Fatalf("expected *refreshError, got %T", err)
	}
	if !rerr.isPermanent() {
		t.Fatalf("expected 401 to be classified as a permanent refresh failure")
	}
}

func TestRefreshRejectsEmptyToken(t *testing.T) {
	u, _ := url.Parse("https://example.invalid")
	r := NewRefresher(http.DefaultClient, u, "client-id")
	if _, err := r.Refresh(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty refresh token")
	}
}
