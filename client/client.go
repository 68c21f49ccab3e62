// Package client implements the HTTP collaborator of the session supervisor:
// it owns the token pair (restore, refresh, raw token-state stream) and the
// REST calls the typed service handles are built on.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/plumenote/plume-cloud/stream"
)

const (
	headerDeviceID      = "X-Plume-Device-Id"
	headerClientVersion = "X-Plume-Client-Version"

	defaultHTTPTimeout = 30 * time.Second
	tokenStateBuf      = 16
)

// Config carries the immutable identity of one API client.
type Config struct {
	// BaseURL is the REST endpoint root.
	BaseURL string
	// AuthURL is the auth service root used for token refresh.
	AuthURL string
	// DeviceID identifies this installation to the server.
	DeviceID string
	// ClientVersion is reported on every request.
	ClientVersion string
	// HTTPClient overrides the default client (mainly for tests).
	HTTPClient *http.Client
}

// Client is the Plume cloud API client.
type Client struct {
	baseURL       string
	authURL       string
	deviceID      string
	clientVersion string

	http *http.Client
	log  *slog.Logger

	mu      sync.RWMutex
	session *tokenSession

	tokenStates  *stream.Broadcast[TokenState]
	refreshGroup singleflight.Group
}

// New constructs a Client. No network traffic happens until a call is made.
func New(log *slog.Logger, cfg Config) *Client {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &Client{
		baseURL:       cfg.BaseURL,
		authURL:       cfg.AuthURL,
		deviceID:      cfg.DeviceID,
		clientVersion: cfg.ClientVersion,
		http:          hc,
		log:           log,
		tokenStates:   stream.NewBroadcast[TokenState](tokenStateBuf),
	}
}

// Close shuts down the token-state stream. Subscribed loops terminate
// silently when their channel closes.
func (c *Client) Close() {
	c.tokenStates.Close()
}

func (c *Client) setIdentityHeaders(req *http.Request) {
	req.Header.Set(headerDeviceID, c.deviceID)
	req.Header.Set(headerClientVersion, c.clientVersion)
}

// apiError is the error body the Plume API returns for non-2xx responses.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// do performs one authenticated JSON request. 401/403 map to ErrUnauthorized;
// recovery (refresh, disconnect) is the supervisor's business, not do's.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	token, err := c.GetToken()
	if err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s %s: encode: %w", method, path, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	c.setIdentityHeaders(req)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s %s: status=%d", ErrUnauthorized, method, path, resp.StatusCode)

	case resp.StatusCode < 200 || resp.StatusCode > 299:
		var ae apiError
		_ = json.NewDecoder(resp.Body).Decode(&ae)
		if ae.Code != "" {
			return fmt.Errorf("%s %s: %s: %s", method, path, ae.Code, ae.Message)
		}
		return fmt.Errorf("%s %s: unexpected status=%d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil
}

// ---- REST surface consumed by the service handles ----

// UserProfile is the logged-in user's profile.
type UserProfile struct {
	UID   int64  `json:"uid"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// UserProfileUpdate is a partial profile update.
type UserProfileUpdate struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Folder is one workspace folder.
type Folder struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// DocumentSnapshot is the current materialized state of a document.
type DocumentSnapshot struct {
	ObjectID string `json:"object_id"`
	Seq      int64  `json:"seq"`
	State    []byte `json:"state"`
}

// DatabaseRow is one row of a workspace database.
type DatabaseRow struct {
	ID     string          `json:"id"`
	Fields json.RawMessage `json:"fields"`
}

// ChatMessage is one chat message.
type ChatMessage struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// SearchResult is one workspace search hit.
type SearchResult struct {
	ObjectID string  `json:"object_id"`
	Preview  string  `json:"preview"`
	Score    float64 `json:"score"`
}

// Upload describes a server-issued upload slot.
type Upload struct {
	URL      string `json:"url"`
	FileID   string `json:"file_id"`
	MaxBytes int64  `json:"max_bytes"`
}

// GetUserProfile fetches the logged-in user's profile.
func (c *Client) GetUserProfile(ctx context.Context) (UserProfile, error) {
	var p UserProfile
	err := c.do(ctx, http.MethodGet, "/api/user/profile", nil, &p)
	return p, err
}

// UpdateUserProfile applies a partial profile update.
func (c *Client) UpdateUserProfile(ctx context.Context, update UserProfileUpdate) error {
	return c.do(ctx, http.MethodPatch, "/api/user/profile", update, nil)
}

// ListFolders lists the folders of a workspace.
func (c *Client) ListFolders(ctx context.Context, workspaceID string) ([]Folder, error) {
	var out []Folder
	err := c.do(ctx, http.MethodGet, "/api/workspace/"+workspaceID+"/folder", nil, &out)
	return out, err
}

// CreateFolder creates a folder in a workspace.
func (c *Client) CreateFolder(ctx context.Context, workspaceID, name string) (Folder, error) {
	var out Folder
	in := map[string]string{"name": name}
	err := c.do(ctx, http.MethodPost, "/api/workspace/"+workspaceID+"/folder", in, &out)
	return out, err
}

// GetDocument fetches the current snapshot of a document object.
func (c *Client) GetDocument(ctx context.Context, objectID string) (DocumentSnapshot, error) {
	var out DocumentSnapshot
	err := c.do(ctx, http.MethodGet, "/api/object/"+objectID, nil, &out)
	return out, err
}

// ApplyDocumentUpdate submits one opaque update blob for a document object.
func (c *Client) ApplyDocumentUpdate(ctx context.Context, objectID string, update []byte) error {
	in := map[string]any{"update": update}
	return c.do(ctx, http.MethodPost, "/api/object/"+objectID+"/update", in, nil)
}

// ListDatabaseRows lists the rows of a workspace database.
func (c *Client) ListDatabaseRows(ctx context.Context, databaseID string) ([]DatabaseRow, error) {
	var out []DatabaseRow
	err := c.do(ctx, http.MethodGet, "/api/database/"+databaseID+"/row", nil, &out)
	return out, err
}

// SendChatMessage posts one message into a chat.
func (c *Client) SendChatMessage(ctx context.Context, chatID, content string) (ChatMessage, error) {
	var out ChatMessage
	in := map[string]string{"content": content}
	err := c.do(ctx, http.MethodPost, "/api/chat/"+chatID+"/message", in, &out)
	return out, err
}

// Search runs a workspace-wide search.
func (c *Client) Search(ctx context.Context, workspaceID, query string) ([]SearchResult, error) {
	var out []SearchResult
	in := map[string]string{"query": query}
	err := c.do(ctx, http.MethodPost, "/api/workspace/"+workspaceID+"/search", in, &out)
	return out, err
}

// CreateUpload asks the server for an upload slot for a file blob.
func (c *Client) CreateUpload(ctx context.Context, workspaceID, fileName string, size int64) (Upload, error) {
	var out Upload
	in := map[string]any{"file_name": fileName, "size": size}
	err := c.do(ctx, http.MethodPost, "/api/workspace/"+workspaceID+"/blob", in, &out)
	return out, err
}
