package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/plumenote/plume-cloud/internal/observability"
	"github.com/plumenote/plume-cloud/stream"
)

// TokenState is the raw token signal produced by the client.
type TokenState int

const (
	// TokenStateRefresh fires after a token has been installed or renewed.
	// The new token is already in place when subscribers observe it.
	TokenStateRefresh TokenState = iota

	// TokenStateInvalid fires when the server rejects the refresh token.
	// The session stays torn down until a new login supplies a token.
	TokenStateInvalid
)

// String returns the string representation of a TokenState.
func (s TokenState) String() string {
	switch s {
	case TokenStateRefresh:
		return "refresh"
	case TokenStateInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// tokenSession is the serialized token pair handed over by the login flow.
type tokenSession struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
}

// RestoreToken installs a serialized token session produced by a previous
// login. The access token must be a structurally valid JWT; signature
// verification stays server-side. A malformed blob fails with
// ErrUnauthorized and installs nothing.
func (c *Client) RestoreToken(raw string) error {
	var sess tokenSession
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &sess); err != nil {
		return fmt.Errorf("%w: malformed token session: %v", ErrUnauthorized, err)
	}
	if strings.TrimSpace(sess.AccessToken) == "" {
		return fmt.Errorf("%w: missing access token", ErrUnauthorized)
	}

	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(sess.AccessToken, &claims); err != nil {
		return fmt.Errorf("%w: parse access token: %v", ErrUnauthorized, err)
	}
	if sess.ExpiresAt == 0 && claims.ExpiresAt != nil {
		sess.ExpiresAt = claims.ExpiresAt.Unix()
	}

	c.mu.Lock()
	c.session = &sess
	c.mu.Unlock()

	c.tokenStates.Send(TokenStateRefresh)
	return nil
}

// GetToken returns the current access token.
func (c *Client) GetToken() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return "", ErrNoToken
	}
	return c.session.AccessToken, nil
}

// SubscribeTokenState returns a broadcast subscription of raw token states.
func (c *Client) SubscribeTokenState() *stream.Subscription[TokenState] {
	return c.tokenStates.Subscribe()
}

// RefreshToken exchanges the stored refresh token for a fresh pair.
// Concurrent calls collapse into a single request. A server-side rejection
// emits TokenStateInvalid and returns ErrUnauthorized; success emits
// TokenStateRefresh after the new pair is installed.
func (c *Client) RefreshToken(ctx context.Context, reason string) error {
	_, err, _ := c.refreshGroup.Do("refresh", func() (any, error) {
		return nil, c.refreshOnce(ctx, reason)
	})
	return err
}

func (c *Client) refreshOnce(ctx context.Context, reason string) error {
	c.mu.RLock()
	var refresh string
	if c.session != nil {
		refresh = c.session.RefreshToken
	}
	c.mu.RUnlock()

	if refresh == "" {
		observability.RecordTokenRefresh("error")
		return ErrNoToken
	}

	c.log.Info("token.refresh", "reason", reason)

	body, err := json.Marshal(map[string]string{"refresh_token": refresh})
	if err != nil {
		return err
	}

	url := c.authURL + "/token?grant_type=refresh_token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setIdentityHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		observability.RecordTokenRefresh("error")
		return fmt.Errorf("token refresh: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		observability.RecordTokenRefresh("unauthorized")
		c.tokenStates.Send(TokenStateInvalid)
		return fmt.Errorf("%w: refresh rejected: status=%d", ErrUnauthorized, resp.StatusCode)

	case resp.StatusCode < 200 || resp.StatusCode > 299:
		observability.RecordTokenRefresh("error")
		return fmt.Errorf("token refresh: unexpected status=%d", resp.StatusCode)
	}

	var sess tokenSession
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		observability.RecordTokenRefresh("error")
		return fmt.Errorf("token refresh: decode: %w", err)
	}
	if strings.TrimSpace(sess.AccessToken) == "" {
		observability.RecordTokenRefresh("error")
		return fmt.Errorf("token refresh: empty access token")
	}

	c.mu.Lock()
	c.session = &sess
	c.mu.Unlock()

	observability.RecordTokenRefresh("ok")
	c.tokenStates.Send(TokenStateRefresh)
	return nil
}

// TokenExpiresAt returns the stored access-token expiry, when known.
func (c *Client) TokenExpiresAt() (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil || c.session.ExpiresAt == 0 {
		return time.Time{}, false
	}
	return time.Unix(c.session.ExpiresAt, 0).UTC(), true
}
