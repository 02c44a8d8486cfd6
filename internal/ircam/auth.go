package ircam

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Ircam-Amplify/Stereo-to-Spatial/internal/telemetry"
)

// Token is a bearer credential and the moment it was issued. It is trusted
// for a fixed validity window from issuance, independent of whatever expiry
// the provider declares.
type Token struct {
	Value    string
	IssuedAt time.Time
}

func (t Token) valid(now time.Time, validity time.Duration) bool {
	return t.Value != "" && now.Before(t.IssuedAt.Add(validity))
}

type tokenResponse struct {
	IDToken string `json:"id_token"`
}

// EnsureValid returns the cached token while it is inside its validity
// window, refreshing it otherwise. The mutex also serializes concurrent
// refreshes so the provider sees at most one in flight.
func (c *Client) EnsureValid(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token.valid(c.now(), c.validity) {
		return c.token.Value, nil
	}
	tok, err := c.refresh(ctx)
	if err != nil {
		return "", err
	}
	c.token = tok
	return tok.Value, nil
}

// refresh exchanges the configured client identity for a fresh bearer token.
// Callers must hold c.mu.
func (c *Client) refresh(ctx context.Context) (Token, error) {
	payload, err := json.Marshal(map[string]string{
		"client_id":     c.clientID,
		"client_secret": c.clientSecret,
		"grant_type":    "client_credentials",
	})
	if err != nil {
		return Token{}, &AuthError{Err: fmt.Errorf("marshal credentials: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/oauth/token", bytes.NewReader(payload))
	if err != nil {
		return Token{}, &AuthError{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Token{}, &AuthError{Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Token{}, &AuthError{Status: resp.StatusCode, Body: string(body)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return Token{}, &AuthError{Err: fmt.Errorf("decode token response: %w", err)}
	}
	if tr.IDToken == "" {
		return Token{}, &AuthError{Status: resp.StatusCode, Body: "token response carried no id_token"}
	}

	telemetry.TokenRefreshes.Inc()
	issued := c.now()
	c.logger.Info("refreshed provider token", "valid_until", issued.Add(c.validity))
	return Token{Value: tr.IDToken, IssuedAt: issued}, nil
}
