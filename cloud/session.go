// Package cloud implements the connection session supervisor: one long-lived,
// authenticated websocket session per logged-in user, kept alive by reacting
// to connectivity and token events.
//
// Three independent sources race to act on the shared channel: the
// transport's connectivity stream, the auth client's token stream, and
// explicit enable/disable calls. All reconnect decisions funnel through a
// single-flight jittered scheduler so that at most one attempt is ever in
// flight.
package cloud

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/plumenote/plume-cloud/client"
	"github.com/plumenote/plume-cloud/internal/ids"
	"github.com/plumenote/plume-cloud/internal/observability"
	"github.com/plumenote/plume-cloud/service"
	"github.com/plumenote/plume-cloud/stream"
	"github.com/plumenote/plume-cloud/transport"
)

const (
	// Transient network loss reconnects soon; token refreshes wait longer so
	// the fresh token is installed before dialing.
	reconnectMinDelayConnectivity = 2 * time.Second
	reconnectMinDelayTokenRefresh = 5 * time.Second

	refreshRequestTimeout = 30 * time.Second
	userUpdateBuf         = 16
)

// APIClient is the auth collaborator consumed by the supervisor.
// *client.Client satisfies it.
type APIClient interface {
	SubscribeTokenState() *stream.Subscription[client.TokenState]
	GetToken() (string, error)
	RestoreToken(raw string) error
	RefreshToken(ctx context.Context, reason string) error
}

// Session coordinates one authenticated streaming connection to the Plume
// cloud. It lives for the duration of the logged-in user context.
type Session struct {
	cfg Config
	log *slog.Logger

	api  APIClient
	rest service.API
	ws   transport.Client

	enableSync       atomic.Bool
	networkReachable atomic.Bool
	deviceID         string
	loggedUser       service.LoggedUserRef

	sched      *reconnectScheduler
	userTokens *stream.Watch[UserTokenState]

	closed    atomic.Bool
	closeOnce sync.Once

	// Collaborators the session constructed itself and must tear down.
	ownedClient *client.Client
	ownedWS     *transport.WSClient
}

// Option customizes session construction; mainly used to inject fake
// collaborators in tests.
type Option func(*Session)

// WithLogger overrides the logger derived from Config.LogLevel.
func WithLogger(log *slog.Logger) Option {
	return func(s *Session) { s.log = log }
}

// WithTransport injects a transport client. The session will not close an
// injected transport.
func WithTransport(ws transport.Client) Option {
	return func(s *Session) { s.ws = ws }
}

// WithAPIClient injects an auth/API client. The session will not close an
// injected client. When the injected value also implements service.API it is
// used for service handles as well.
func WithAPIClient(api APIClient) Option {
	return func(s *Session) { s.api = api }
}

// NewSession constructs a Session and starts its supervision loops. The
// loops run until Close; they end silently when their collaborator streams
// close during teardown.
func NewSession(cfg Config, loggedUser service.LoggedUserRef, opts ...Option) (*Session, error) {
	s := &Session{
		cfg:        cfg,
		loggedUser: loggedUser,
		userTokens: stream.NewWatch(UserTokenState{Kind: UserTokenInit}),
	}
	s.enableSync.Store(cfg.EnableSync)
	s.networkReachable.Store(true)

	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = NewLogger(cfg.LogLevel)
	}

	deviceID := cfg.DeviceID
	if deviceID == "" {
		generated, err := ids.NewULID(time.Time{})
		if err != nil {
			return nil, fmt.Errorf("generate device id: %w", err)
		}
		s.log.Warn("session.device_id.generated", "device_id", generated)
		deviceID = generated
	}
	s.deviceID = deviceID

	if s.api == nil {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		c := client.New(s.log, client.Config{
			BaseURL:       cfg.BaseURL,
			AuthURL:       cfg.AuthURL,
			DeviceID:      deviceID,
			ClientVersion: cfg.ClientVersion,
		})
		s.api = c
		s.rest = c
		s.ownedClient = c
	} else if rest, ok := s.api.(service.API); ok {
		s.rest = rest
	}

	if s.ws == nil {
		w := transport.NewWSClient(s.log, transport.Config{
			URL:           cfg.WSURL,
			DeviceID:      deviceID,
			ClientVersion: cfg.ClientVersion,
			Tokens:        s.api,
		})
		s.ws = w
		s.ownedWS = w
	}

	s.sched = newReconnectScheduler(s.log, s.ws)
	observability.RegisterMetrics()

	go s.connectStateLoop()
	go s.tokenReactionLoop()
	go s.tokenTranslationLoop()

	return s, nil
}

// DeviceID returns the device identifier in use (configured or generated).
func (s *Session) DeviceID() string { return s.deviceID }

// ---- supervision loops ----

// connectStateLoop reacts to the transport's connectivity stream: transient
// losses schedule a reconnect (gated on the sync flag), an unauthorized
// handshake triggers a token refresh instead, everything else is
// informational.
func (s *Session) connectStateLoop() {
	sub := s.ws.SubscribeConnectState()
	defer sub.Cancel()

	for st := range sub.C() {
		s.log.Info("ws.state", "state", st.String())

		switch st {
		case transport.StatePingTimeout, transport.StateLost:
			if s.closed.Load() || !s.enableSync.Load() {
				continue
			}
			s.sched.Schedule(reconnectMinDelayConnectivity, "connectivity")

		case transport.StateUnauthorized:
			if s.closed.Load() {
				continue
			}
			// Reconnecting before the refresh lands would only reproduce the
			// same rejection, so only the refresh is requested here; the
			// token-state loop drives the reconnect if it succeeds.
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), refreshRequestTimeout)
				defer cancel()
				if err := s.api.RefreshToken(ctx, "websocket connect unauthorized"); err != nil {
					s.log.Error("token.refresh.failed", "err", err)
				}
			}()
		}
	}
}

// tokenReactionLoop reacts to raw token states: a refresh re-establishes the
// channel under the new token, an invalidation tears it down for good.
func (s *Session) tokenReactionLoop() {
	sub := s.api.SubscribeTokenState()
	defer sub.Cancel()

	for st := range sub.C() {
		s.log.Info("token.state", "state", st.String())

		switch st {
		case client.TokenStateRefresh:
			s.sched.Schedule(reconnectMinDelayTokenRefresh, "token_refresh")

		case client.TokenStateInvalid:
			s.log.Info("token.invalid", "action", "disconnect")
			s.ws.Disconnect(context.Background())
		}
	}
}

// tokenTranslationLoop converts raw token states into the externally
// observable UserTokenState stream. It never affects reconnect behavior.
func (s *Session) tokenTranslationLoop() {
	sub := s.api.SubscribeTokenState()
	defer sub.Cancel()

	for st := range sub.C() {
		switch st {
		case client.TokenStateRefresh:
			token, err := s.api.GetToken()
			if err != nil {
				// Subscribers simply do not observe this tick.
				s.log.Error("token.get.failed", "err", err)
				continue
			}
			s.userTokens.Set(UserTokenState{Kind: UserTokenRefreshed, Token: token})

		case client.TokenStateInvalid:
			s.userTokens.Set(UserTokenState{Kind: UserTokenInvalid})
		}
	}
}

// ---- facade ----

// SetToken installs a serialized token session into the underlying client.
// A malformed token fails with client.ErrUnauthorized.
func (s *Session) SetToken(token string) error {
	return s.api.RestoreToken(token)
}

// SetSyncEnabled flips the flag gating future reconnect decisions. It does
// not itself connect or disconnect: an open connection is left alone, and
// disabled sync only suppresses reconnects from then on.
func (s *Session) SetSyncEnabled(enabled bool) {
	s.log.Info("sync.enabled", "enabled", enabled)
	s.enableSync.Store(enabled)
}

// SyncEnabled returns the current value of the sync-enabled flag.
func (s *Session) SyncEnabled() bool { return s.enableSync.Load() }

// SetNetworkReachable records an externally observed reachability signal.
// Advisory only: no decision path reads it yet; it is reserved as a policy
// hook for suppressing reconnects while offline.
func (s *Session) SetNetworkReachable(reachable bool) {
	s.networkReachable.Store(reachable)
}

// NetworkReachable returns the last reported reachability signal.
func (s *Session) NetworkReachable() bool { return s.networkReachable.Load() }

// SubscribeConnectionState returns a broadcast subscription of connectivity
// states from subscription time onward. Slow readers drop the oldest states.
func (s *Session) SubscribeConnectionState() *stream.Subscription[transport.ConnectState] {
	return s.ws.SubscribeConnectState()
}

// ConnectState returns the transport's current connectivity state.
func (s *Session) ConnectState() transport.ConnectState {
	return s.ws.State()
}

// SubscribeTokenState returns the observable token-state stream, seeded with
// UserTokenInit until the first real token event.
func (s *Session) SubscribeTokenState() *stream.Subscription[UserTokenState] {
	return s.userTokens.Subscribe()
}

// Connect dials the channel immediately, bypassing the scheduler's delay.
// Intended for callers that just restored a token and want the channel now;
// the supervisor keeps it alive afterwards either way.
func (s *Session) Connect(ctx context.Context) error {
	return s.ws.Connect(ctx)
}

// SubChannelBinding bundles a sub-channel with a fresh connectivity
// subscription and a connected snapshot so callers can detect gaps.
type SubChannelBinding struct {
	Channel   *transport.SubChannel
	States    *stream.Subscription[transport.ConnectState]
	Connected bool
}

// OpenSubChannel opens the multiplexed stream scoped to objectID. A rejected
// identifier returns (nil, false); this is a normal empty result, not an
// error.
func (s *Session) OpenSubChannel(objectID string) (*SubChannelBinding, bool) {
	ch, err := s.ws.SubscribeSubChannel(objectID)
	if err != nil {
		s.log.Debug("subchannel.rejected", "object_id", objectID, "err", err)
		return nil, false
	}
	return &SubChannelBinding{
		Channel:   ch,
		States:    s.ws.SubscribeConnectState(),
		Connected: s.ws.IsConnected(),
	}, true
}

// provider snapshots the sync flag: handles built while sync is off fail all
// operations with service.ErrSyncDisabled and never heal.
func (s *Session) provider() service.Provider {
	if s.enableSync.Load() && s.rest != nil {
		return service.NewProvider(s.rest)
	}
	return service.DisabledProvider()
}

// UserService returns the user handle, including a relay of server-observed
// profile changes.
func (s *Session) UserService() *service.UserService {
	sub := s.ws.SubscribeUserChanged()
	updates := make(chan service.UserUpdate, userUpdateBuf)

	go func() {
		defer close(updates)
		for msg := range sub.C() {
			u := service.UserUpdate{UID: msg.UID, Name: msg.Name, Email: msg.Email}
			select {
			case updates <- u:
			default:
				// Relay is lossy under lag; profile changes are idempotent.
			}
		}
	}()

	return service.NewUserService(s.provider(), s.loggedUser, updates)
}

// FolderService returns the folder handle.
func (s *Session) FolderService() *service.FolderService {
	return service.NewFolderService(s.provider(), s.loggedUser)
}

// DocumentService returns the document handle.
func (s *Session) DocumentService() *service.DocumentService {
	return service.NewDocumentService(s.provider())
}

// DatabaseService returns the database handle.
func (s *Session) DatabaseService() *service.DatabaseService {
	return service.NewDatabaseService(s.provider())
}

// ChatService returns the chat handle.
func (s *Session) ChatService() *service.ChatService {
	return service.NewChatService(s.provider())
}

// SearchService returns the search handle.
func (s *Session) SearchService() *service.SearchService {
	return service.NewSearchService(s.provider(), s.loggedUser)
}

// StorageService returns the file storage handle.
func (s *Session) StorageService() *service.StorageService {
	return service.NewStorageService(s.provider(), s.loggedUser, s.cfg.MaxUploadBytes)
}

// Close tears the session down: pending reconnects are cancelled, the
// channel is closed, and owned collaborators shut their streams so the
// supervision loops terminate silently.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.sched.Close()
		s.ws.Disconnect(context.Background())
		if s.ownedWS != nil {
			s.ownedWS.Close()
		}
		if s.ownedClient != nil {
			s.ownedClient.Close()
		}
		s.userTokens.Close()
	})
}
