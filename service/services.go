package service

import (
	"context"
	"fmt"

	"github.com/plumenote/plume-cloud/client"
)

// UserService exposes profile operations plus a relay of server-side profile
// changes observed on other devices.
type UserService struct {
	p       Provider
	user    LoggedUserRef
	updates <-chan UserUpdate
}

// NewUserService constructs a UserService. updates may be nil when the
// session has no live transport.
func NewUserService(p Provider, user LoggedUserRef, updates <-chan UserUpdate) *UserService {
	return &UserService{p: p, user: user, updates: updates}
}

// Profile fetches the logged-in user's profile.
func (s *UserService) Profile(ctx context.Context) (client.UserProfile, error) {
	api, err := s.p.TryAPI()
	if err != nil {
		return client.UserProfile{}, err
	}
	return api.GetUserProfile(ctx)
}

// UpdateProfile applies a partial profile update.
func (s *UserService) UpdateProfile(ctx context.Context, update client.UserProfileUpdate) error {
	api, err := s.p.TryAPI()
	if err != nil {
		return err
	}
	return api.UpdateUserProfile(ctx, update)
}

// Updates returns the profile-change relay. It is nil when the session had
// no live transport at construction time.
func (s *UserService) Updates() <-chan UserUpdate { return s.updates }

// FolderService exposes folder operations scoped to the logged-in workspace.
type FolderService struct {
	p    Provider
	user LoggedUserRef
}

// NewFolderService constructs a FolderService.
func NewFolderService(p Provider, user LoggedUserRef) *FolderService {
	return &FolderService{p: p, user: user}
}

// Folders lists the workspace folders.
func (s *FolderService) Folders(ctx context.Context) ([]client.Folder, error) {
	api, err := s.p.TryAPI()
	if err != nil {
		return nil, err
	}
	ws, err := resolveWorkspace(s.user)
	if err != nil {
		return nil, err
	}
	return api.ListFolders(ctx, ws)
}

// CreateFolder creates a folder in the workspace.
func (s *FolderService) CreateFolder(ctx context.Context, name string) (client.Folder, error) {
	api, err := s.p.TryAPI()
	if err != nil {
		return client.Folder{}, err
	}
	ws, err := resolveWorkspace(s.user)
	if err != nil {
		return client.Folder{}, err
	}
	return api.CreateFolder(ctx, ws, name)
}

// DocumentService exposes document snapshot and update operations.
type DocumentService struct {
	p Provider
}

// NewDocumentService constructs a DocumentService.
func NewDocumentService(p Provider) *DocumentService {
	return &DocumentService{p: p}
}

// Snapshot fetches the current state of a document object.
func (s *DocumentService) Snapshot(ctx context.Context, objectID string) (client.DocumentSnapshot, error) {
	api, err := s.p.TryAPI()
	if err != nil {
		return client.DocumentSnapshot{}, err
	}
	return api.GetDocument(ctx, objectID)
}

// ApplyUpdate submits one opaque update for a document object.
func (s *DocumentService) ApplyUpdate(ctx context.Context, objectID string, update []byte) error {
	api, err := s.p.TryAPI()
	if err != nil {
		return err
	}
	return api.ApplyDocumentUpdate(ctx, objectID, update)
}

// DatabaseService exposes database row reads.
type DatabaseService struct {
	p Provider
}

// NewDatabaseService constructs a DatabaseService.
func NewDatabaseService(p Provider) *DatabaseService {
	return &DatabaseService{p: p}
}

// Rows lists the rows of a database object.
func (s *DatabaseService) Rows(ctx context.Context, databaseID string) ([]client.DatabaseRow, error) {
	api, err := s.p.TryAPI()
	if err != nil {
		return nil, err
	}
	return api.ListDatabaseRows(ctx, databaseID)
}

// ChatService exposes chat message sending.
type ChatService struct {
	p Provider
}

// NewChatService constructs a ChatService.
func NewChatService(p Provider) *ChatService {
	return &ChatService{p: p}
}

// Send posts one message into a chat.
func (s *ChatService) Send(ctx context.Context, chatID, content string) (client.ChatMessage, error) {
	api, err := s.p.TryAPI()
	if err != nil {
		return client.ChatMessage{}, err
	}
	return api.SendChatMessage(ctx, chatID, content)
}

// SearchService exposes workspace search.
type SearchService struct {
	p    Provider
	user LoggedUserRef
}

// NewSearchService constructs a SearchService.
func NewSearchService(p Provider, user LoggedUserRef) *SearchService {
	return &SearchService{p: p, user: user}
}

// Search runs a workspace-wide search.
func (s *SearchService) Search(ctx context.Context, query string) ([]client.SearchResult, error) {
	api, err := s.p.TryAPI()
	if err != nil {
		return nil, err
	}
	ws, err := resolveWorkspace(s.user)
	if err != nil {
		return nil, err
	}
	return api.Search(ctx, ws, query)
}

// StorageService exposes file blob uploads, bounded by the configured
// maximum upload size.
type StorageService struct {
	p         Provider
	user      LoggedUserRef
	maxUpload int64
}

// NewStorageService constructs a StorageService.
func NewStorageService(p Provider, user LoggedUserRef, maxUpload int64) *StorageService {
	return &StorageService{p: p, user: user, maxUpload: maxUpload}
}

// MaxUploadSize returns the configured upload ceiling in bytes.
func (s *StorageService) MaxUploadSize() int64 { return s.maxUpload }

// CreateUpload requests an upload slot for a file blob.
func (s *StorageService) CreateUpload(ctx context.Context, fileName string, size int64) (client.Upload, error) {
	api, err := s.p.TryAPI()
	if err != nil {
		return client.Upload{}, err
	}
	if s.maxUpload > 0 && size > s.maxUpload {
		return client.Upload{}, fmt.Errorf("file too large: %d bytes, max=%d", size, s.maxUpload)
	}
	ws, err := resolveWorkspace(s.user)
	if err != nil {
		return client.Upload{}, err
	}
	return api.CreateUpload(ctx, ws, fileName, size)
}
