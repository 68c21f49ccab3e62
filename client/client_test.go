package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func signedJWT(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return tok
}

func sessionBlob(t *testing.T, access, refresh string) string {
	t.Helper()
	b, err := json.Marshal(map[string]string{
		"access_token":  access,
		"refresh_token": refresh,
	})
	if err != nil {
		t.Fatalf("marshal blob: %v", err)
	}
	return string(b)
}

func recvState(t *testing.T, c <-chan TokenState) TokenState {
	t.Helper()
	select {
	case st, ok := <-c:
		if !ok {
			t.Fatalf("token state stream closed")
		}
		return st
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for token state")
	}
	return 0
}

func TestRestoreToken_ValidBlob(t *testing.T) {
	c := New(testLogger(), Config{})
	defer c.Close()

	sub := c.SubscribeTokenState()
	defer sub.Cancel()

	access := signedJWT(t, time.Now().Add(time.Hour))
	if err := c.RestoreToken(sessionBlob(t, access, "refresh-1")); err != nil {
		t.Fatalf("RestoreToken: %v", err)
	}

	if got := recvState(t, sub.C()); got != TokenStateRefresh {
		t.Fatalf("state: got %v, want refresh", got)
	}

	tok, err := c.GetToken()
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if tok != access {
		t.Fatalf("GetToken: got %q, want the restored access token", tok)
	}

	if exp, ok := c.TokenExpiresAt(); !ok || !exp.After(time.Now()) {
		t.Fatalf("TokenExpiresAt: got (%v, %v), want future expiry from claims", exp, ok)
	}
}

func TestRestoreToken_Malformed(t *testing.T) {
	c := New(testLogger(), Config{})
	defer c.Close()

	cases := []struct {
		name string
		raw  string
	}{
		{"not json", "garbage"},
		{"empty blob", "{}"},
		{"not a jwt", sessionBlob(t, "nope", "refresh-1")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := c.RestoreToken(tc.raw); !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("RestoreToken: got %v, want ErrUnauthorized", err)
			}
		})
	}

	if _, err := c.GetToken(); !errors.Is(err, ErrNoToken) {
		t.Fatalf("GetToken: got %v, want ErrNoToken (nothing installed)", err)
	}
}

func TestRefreshToken_Success(t *testing.T) {
	newAccess := signedJWT(t, time.Now().Add(time.Hour))

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method != http.MethodPost || r.URL.Path != "/token" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.URL.Query().Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type: got %q", got)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["refresh_token"] != "refresh-1" {
			t.Errorf("refresh_token: got %q", body["refresh_token"])
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"access_token":  newAccess,
			"refresh_token": "refresh-2",
		})
	}))
	defer srv.Close()

	c := New(testLogger(), Config{AuthURL: srv.URL})
	defer c.Close()

	if err := c.RestoreToken(sessionBlob(t, signedJWT(t, time.Now().Add(time.Minute)), "refresh-1")); err != nil {
		t.Fatalf("RestoreToken: %v", err)
	}

	sub := c.SubscribeTokenState()
	defer sub.Cancel()

	if err := c.RefreshToken(context.Background(), "test"); err != nil {
		t.Fatalf("RefreshToken: %v", err)
	}
	if got := recvState(t, sub.C()); got != TokenStateRefresh {
		t.Fatalf("state: got %v, want refresh", got)
	}

	tok, err := c.GetToken()
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if tok != newAccess {
		t.Fatalf("GetToken: got old token after refresh")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("refresh requests: got %d, want 1", got)
	}
}

func TestRefreshToken_RejectedEmitsInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(testLogger(), Config{AuthURL: srv.URL})
	defer c.Close()

	if err := c.RestoreToken(sessionBlob(t, signedJWT(t, time.Now().Add(time.Minute)), "refresh-1")); err != nil {
		t.Fatalf("RestoreToken: %v", err)
	}

	sub := c.SubscribeTokenState()
	defer sub.Cancel()

	err := c.RefreshToken(context.Background(), "test")
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("RefreshToken: got %v, want ErrUnauthorized", err)
	}
	if got := recvState(t, sub.C()); got != TokenStateInvalid {
		t.Fatalf("state: got %v, want invalid", got)
	}
}

func TestRefreshToken_WithoutSession(t *testing.T) {
	c := New(testLogger(), Config{AuthURL: "http://127.0.0.1:0"})
	defer c.Close()

	if err := c.RefreshToken(context.Background(), "test"); !errors.Is(err, ErrNoToken) {
		t.Fatalf("RefreshToken: got %v, want ErrNoToken", err)
	}
}

func TestDo_SetsAuthAndIdentityHeaders(t *testing.T) {
	access := signedJWT(t, time.Now().Add(time.Hour))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer "+access {
			t.Errorf("Authorization: got %q", got)
		}
		if got := r.Header.Get("X-Plume-Device-Id"); got != "dev-1" {
			t.Errorf("device header: got %q", got)
		}
		if got := r.Header.Get("X-Plume-Client-Version"); got != "1.2.3" {
			t.Errorf("version header: got %q", got)
		}
		_ = json.NewEncoder(w).Encode(UserProfile{UID: 1, Name: "Ada"})
	}))
	defer srv.Close()

	c := New(testLogger(), Config{BaseURL: srv.URL, DeviceID: "dev-1", ClientVersion: "1.2.3"})
	defer c.Close()

	if err := c.RestoreToken(sessionBlob(t, access, "refresh-1")); err != nil {
		t.Fatalf("RestoreToken: %v", err)
	}

	p, err := c.GetUserProfile(context.Background())
	if err != nil {
		t.Fatalf("GetUserProfile: %v", err)
	}
	if p.UID != 1 || p.Name != "Ada" {
		t.Fatalf("profile: %+v", p)
	}
}

func TestDo_UnauthorizedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "expired", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(testLogger(), Config{BaseURL: srv.URL})
	defer c.Close()

	if err := c.RestoreToken(sessionBlob(t, signedJWT(t, time.Now().Add(time.Minute)), "r")); err != nil {
		t.Fatalf("RestoreToken: %v", err)
	}

	if _, err := c.GetUserProfile(context.Background()); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("GetUserProfile: got %v, want ErrUnauthorized", err)
	}
}

func TestDo_RequiresToken(t *testing.T) {
	c := New(testLogger(), Config{BaseURL: "http://127.0.0.1:0"})
	defer c.Close()

	if _, err := c.GetUserProfile(context.Background()); !errors.Is(err, ErrNoToken) {
		t.Fatalf("GetUserProfile: got %v, want ErrNoToken", err)
	}
}
