package ircam

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(url string) *Client {
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	return &Client{
		httpClient:   &http.Client{Timeout: 5 * time.Second},
		apiURL:       url,
		storageURL:   url,
		clientID:     "client",
		clientSecret: "secret",
		validity:     30 * time.Minute,
		pollInterval: time.Millisecond,
		maxAttempts:  10,
		now:          func() time.Time { return base },
		logger:       slog.Default(),
	}
}

func TestEnsureValidCachesWithinWindow(t *testing.T) {
	var refreshes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth/token" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		n := refreshes.Add(1)
		fmt.Fprintf(w, `{"id_token":"tok%d"}`, n)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)

	tok, err := c.EnsureValid(context.Background())
	if err != nil {
		t.Fatalf("ensure valid: %v", err)
	}
	if tok != "tok1" {
		t.Fatalf("expected tok1, got %s", tok)
	}

	tok, err = c.EnsureValid(context.Background())
	if err != nil {
		t.Fatalf("second ensure valid: %v", err)
	}
	if tok != "tok1" || refreshes.Load() != 1 {
		t.Fatalf("expected cached token, got %s after %d refreshes", tok, refreshes.Load())
	}
}

func TestEnsureValidRefreshesAfterWindow(t *testing.T) {
	var refreshes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := refreshes.Add(1)
		fmt.Fprintf(w, `{"id_token":"tok%d"}`, n)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	base := c.now()

	if _, err := c.EnsureValid(context.Background()); err != nil {
		t.Fatalf("ensure valid: %v", err)
	}

	// 29 minutes in: still inside the 30-minute window.
	c.now = func() time.Time { return base.Add(29 * time.Minute) }
	tok, err := c.EnsureValid(context.Background())
	if err != nil {
		t.Fatalf("ensure valid at 29m: %v", err)
	}
	if tok != "tok1" {
		t.Fatalf("expected cached token at 29m, got %s", tok)
	}

	// 31 minutes in: the cached token must never be returned.
	c.now = func() time.Time { return base.Add(31 * time.Minute) }
	tok, err = c.EnsureValid(context.Background())
	if err != nil {
		t.Fatalf("ensure valid at 31m: %v", err)
	}
	if tok != "tok2" || refreshes.Load() != 2 {
		t.Fatalf("expected refreshed token at 31m, got %s after %d refreshes", tok, refreshes.Load())
	}
}

func TestRefreshRejectedCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad client", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.EnsureValid(context.Background())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if authErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", authErr.Status)
	}
}

func TestRefreshMissingIDToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.EnsureValid(context.Background())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError for missing id_token, got %v", err)
	}
}
