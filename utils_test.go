package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetClientIPPrefersForwardedFor(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	r.RemoteAddr = "127.0.0.1:5555"
	if got := getClientIP(r); got != "203.0.113.5" {
		t.Fatalf("expected first XFF entry, got %q", got)
	}
}

func TestGetClientIPFallsBackToRemoteAddr(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.1:4444"
	if got := getClientIP(r); got != "192.0.2.1" {
		t.Fatalf("expected remote addr host, got %q", got)
	}
}

func TestRemoveHopByHopHeadersStripsConnectionTokens(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "X-Custom-Hop")
	h.Set("X-Custom-Hop", "drop-me")
	h.Set("X-Keep", "keep-me")
	removeHopByHopHeaders(h)

	if h.Get("X-Custom-Hop") != "" {
		t.Fatalf("expected header named by Connection token to be stripped")
	}
	if h.Get("Connection") != "" {
		t.Fatalf("expected Connection header itself stripped")
	}
	if h.Get("X-Keep") != "keep-me" {
		t.Fatalf("expected unrelated header preserved")
	}
}

func TestSplitHostPort(t *testing.T) {
	host, port, err := splitHostPort("127.0.0.1:4319")
	if err != nil {
		t.Fatalf("splitHostPort: %v", err)
	}
	if host != "127.0.0.1" || port != 4319 {
		t.Fatalf("expected 127.0.0.1:4319, got %s:%d", host, port)
	}
}
