// Package service exposes the typed service handles built on top of an
// active cloud session. Each handle captures whichever API client was active
// when it was constructed; when sync was disabled at that moment, every
// operation on the handle fails with ErrSyncDisabled.
package service

import (
	"context"
	"errors"

	"github.com/plumenote/plume-cloud/client"
)

var (
	// ErrSyncDisabled is returned by every operation of a handle constructed
	// while sync was disabled.
	ErrSyncDisabled = errors.New("data sync is disabled, enable it first")

	// ErrLoggedUserGone is returned when the logged-user context has been
	// torn down.
	ErrLoggedUserGone = errors.New("logged user context is gone")
)

// LoggedUser is the non-owning view of the logged-in user context.
type LoggedUser interface {
	UserID() (int64, error)
	WorkspaceID() (string, error)
}

// LoggedUserRef is a non-owning lookup handle for the logged-user context.
// It returns nil once the context has been torn down; handles must treat
// that as a normal condition, not a fault.
type LoggedUserRef func() LoggedUser

// UserUpdate is a profile change relayed from the server's user stream.
type UserUpdate struct {
	UID   int64
	Name  string
	Email string
}

// API is the REST capability the handles consume. *client.Client satisfies it.
type API interface {
	GetUserProfile(ctx context.Context) (client.UserProfile, error)
	UpdateUserProfile(ctx context.Context, update client.UserProfileUpdate) error
	ListFolders(ctx context.Context, workspaceID string) ([]client.Folder, error)
	CreateFolder(ctx context.Context, workspaceID, name string) (client.Folder, error)
	GetDocument(ctx context.Context, objectID string) (client.DocumentSnapshot, error)
	ApplyDocumentUpdate(ctx context.Context, objectID string, update []byte) error
	ListDatabaseRows(ctx context.Context, databaseID string) ([]client.DatabaseRow, error)
	SendChatMessage(ctx context.Context, chatID, content string) (client.ChatMessage, error)
	Search(ctx context.Context, workspaceID, query string) ([]client.SearchResult, error)
	CreateUpload(ctx context.Context, workspaceID, fileName string, size int64) (client.Upload, error)
}

var _ API = (*client.Client)(nil)

// Provider hands the captured API client to a handle, or a typed failure
// when the handle was built with sync off. The capture is
// snapshot-at-construction: flipping sync later does not change existing
// handles.
type Provider struct {
	api API
}

// NewProvider builds a Provider around an active API client.
func NewProvider(api API) Provider {
	return Provider{api: api}
}

// DisabledProvider builds the placeholder used when sync is off.
func DisabledProvider() Provider {
	return Provider{}
}

// TryAPI returns the captured client, or ErrSyncDisabled.
func (p Provider) TryAPI() (API, error) {
	if p.api == nil {
		return nil, ErrSyncDisabled
	}
	return p.api, nil
}

func resolveWorkspace(user LoggedUserRef) (string, error) {
	if user == nil {
		return "", ErrLoggedUserGone
	}
	u := user()
	if u == nil {
		return "", ErrLoggedUserGone
	}
	return u.WorkspaceID()
}
