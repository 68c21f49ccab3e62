// Package transport implements the websocket channel to the Plume sync
// service: dialing, heartbeats, connectivity-state reporting, and the
// multiplexed per-object sub-channels.
//
// The client is deliberately passive about recovery: a failed or dropped
// connection only transitions the connectivity state; deciding when to dial
// again belongs to the session supervisor.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	v1 "github.com/plumenote/plume-cloud/contracts/sync/v1"
	"github.com/plumenote/plume-cloud/internal/observability"
	"github.com/plumenote/plume-cloud/stream"
)

const (
	// Subprotocol is the websocket subprotocol for the sync channel.
	Subprotocol = "plume.sync.v1"

	headerDeviceID      = "X-Plume-Device-Id"
	headerClientVersion = "X-Plume-Client-Version"

	wsDefaultDialTimeout  = 15 * time.Second
	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultPingInterval = 10 * time.Second
	wsDefaultPingTimeout  = 5 * time.Second
	wsDefaultReadLimit    = 1 << 20 // 1MiB
	wsDefaultChannelBuf   = 64
	wsDefaultStateBuf     = 16

	wsMaxPingFailures = 3
)

// TokenSource supplies the bearer token used for the websocket handshake.
type TokenSource interface {
	GetToken() (string, error)
}

// Config carries the immutable identity of one websocket client.
type Config struct {
	// URL is the websocket endpoint (ws:// or wss://).
	URL string
	// DeviceID identifies this installation to the server.
	DeviceID string
	// ClientVersion is reported in the handshake headers.
	ClientVersion string
	// Tokens supplies the current bearer token at dial time.
	Tokens TokenSource
}

// Client is the transport capability consumed by the session supervisor.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context)
	IsConnected() bool
	State() ConnectState
	SubscribeConnectState() *stream.Subscription[ConnectState]
	SubscribeSubChannel(objectID string) (*SubChannel, error)
	SubscribeUserChanged() *stream.Subscription[UserMessage]
}

// WSClient is the real websocket implementation of Client.
type WSClient struct {
	log *slog.Logger
	cfg Config

	dialTimeout     time.Duration
	writeTimeout    time.Duration
	pingInterval    time.Duration
	pingTimeout     time.Duration
	maxPingFailures int
	readLimit       int64
	channelBuf      int

	states      *stream.Broadcast[ConnectState]
	userChanged *stream.Broadcast[UserMessage]

	// mu guards the connection handle and its generation counter. Every
	// terminal transition (disconnect, read failure, ping timeout) bumps gen
	// so goroutines belonging to a superseded connection go quiet.
	mu    sync.Mutex
	conn  *websocket.Conn
	state ConnectState
	gen   uint64

	chMu     sync.RWMutex
	channels map[string]*SubChannel

	closed bool
}

var _ Client = (*WSClient)(nil)

// NewWSClient constructs a websocket client. Tunables come from the
// environment with safe defaults.
func NewWSClient(log *slog.Logger, cfg Config) *WSClient {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	c := &WSClient{
		log:         log,
		cfg:         cfg,
		states:      stream.NewBroadcast[ConnectState](wsDefaultStateBuf),
		userChanged: stream.NewBroadcast[UserMessage](wsDefaultStateBuf),
		channels:    make(map[string]*SubChannel),
		state:       StateDisconnected,
	}

	c.dialTimeout = envDurationWS("PLUME_WS_DIAL_TIMEOUT", wsDefaultDialTimeout)
	c.writeTimeout = envDurationWS("PLUME_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	c.pingInterval = envDurationWS("PLUME_WS_PING_INTERVAL", wsDefaultPingInterval)
	c.pingTimeout = envDurationWS("PLUME_WS_PING_TIMEOUT", wsDefaultPingTimeout)
	c.maxPingFailures = envIntWS("PLUME_WS_MAX_PING_FAILURES", wsMaxPingFailures)
	c.readLimit = int64(envIntWS("PLUME_WS_READ_LIMIT", wsDefaultReadLimit))
	c.channelBuf = envIntWS("PLUME_WS_CHANNEL_BUF", wsDefaultChannelBuf)

	return c
}

// State returns the current connectivity state.
func (c *WSClient) State() ConnectState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the channel is currently established.
func (c *WSClient) IsConnected() bool {
	return c.State() == StateConnected
}

// SubscribeConnectState returns a broadcast subscription of connectivity
// states from subscription time onward.
func (c *WSClient) SubscribeConnectState() *stream.Subscription[ConnectState] {
	return c.states.Subscribe()
}

// SubscribeUserChanged returns a broadcast subscription of user-changed
// messages.
func (c *WSClient) SubscribeUserChanged() *stream.Subscription[UserMessage] {
	return c.userChanged.Subscribe()
}

// Connect establishes the websocket channel. It is safe to call while
// already connecting or connected; those calls are no-ops.
//
// A handshake rejected with 401/403 transitions to StateUnauthorized; any
// other failure transitions to StateLost. Connect does not retry.
func (c *WSClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	switch c.state {
	case StateConnecting, StateConnected:
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	token, err := c.cfg.Tokens.GetToken()
	if err != nil {
		c.dialFailed(StateUnauthorized)
		observability.RecordConnect("error")
		return fmt.Errorf("ws connect: token: %w", err)
	}

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+token)
	hdr.Set(headerDeviceID, c.cfg.DeviceID)
	hdr.Set(headerClientVersion, c.cfg.ClientVersion)

	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, c.cfg.URL, &websocket.DialOptions{
		HTTPHeader:   hdr,
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		st := StateLost
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			st = StateUnauthorized
		}
		c.dialFailed(st)
		observability.RecordConnect("error")
		return fmt.Errorf("ws dial: %w", err)
	}

	conn.SetReadLimit(c.readLimit)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "client closed")
		return ErrClosed
	}
	c.conn = conn
	c.gen++
	gen := c.gen
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	observability.RecordConnect("ok")
	c.log.Info("ws.connected", "url", c.cfg.URL, "device_id", c.cfg.DeviceID)

	go c.readLoop(conn, gen)
	go c.pingLoop(conn, gen)
	return nil
}

// dialFailed records a failed dial, unless a concurrent Disconnect already
// moved the state off Connecting.
func (c *WSClient) dialFailed(st ConnectState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateConnecting {
		c.setStateLocked(st)
	}
}

// Disconnect deliberately closes the channel. The resulting state is
// StateDisconnected, which the supervisor treats as informational.
func (c *WSClient) Disconnect(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.gen++
	if !c.closed && c.state != StateDisconnected {
		c.setStateLocked(StateDisconnected)
	}
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}
}

// Close shuts the client down for good: the connection, both broadcasts, and
// every sub-channel.
func (c *WSClient) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.gen++
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusGoingAway, "client closed")
	}

	c.chMu.Lock()
	chans := c.channels
	c.channels = make(map[string]*SubChannel)
	c.chMu.Unlock()
	for _, ch := range chans {
		ch.Close()
	}

	c.states.Close()
	c.userChanged.Close()
}

// SubscribeSubChannel returns the sub-channel for objectID, creating it on
// first use. The handle survives reconnects. A malformed identifier is
// rejected with an error.
func (c *WSClient) SubscribeSubChannel(objectID string) (*SubChannel, error) {
	if err := v1.ValidateObjectID(objectID); err != nil {
		return nil, err
	}

	c.chMu.Lock()
	defer c.chMu.Unlock()

	if ch, ok := c.channels[objectID]; ok {
		return ch, nil
	}
	ch := newSubChannel(c, objectID, c.channelBuf)
	c.channels[objectID] = ch
	return ch, nil
}

func (c *WSClient) dropSubChannel(objectID string, ch *SubChannel) {
	c.chMu.Lock()
	defer c.chMu.Unlock()
	if cur, ok := c.channels[objectID]; ok && cur == ch {
		delete(c.channels, objectID)
	}
}

// ---- wire IO ----

func (c *WSClient) send(ctx context.Context, env v1.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	if env.V == "" {
		env.V = v1.Version
	}
	if env.TS.IsZero() {
		env.TS = time.Now().UTC()
	}
	if err := env.Validate(); err != nil {
		return err
	}

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, b)
}

func (c *WSClient) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			c.readEnded(gen, err)
			return
		}

		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Debug("ws.read.bad_json", "err", err)
			continue
		}
		if err := env.Validate(); err != nil {
			c.log.Debug("ws.read.bad_envelope", "err", err)
			continue
		}
		c.dispatch(env)
	}
}

// readEnded classifies the end of a read loop into a connectivity state,
// unless this connection was already superseded.
func (c *WSClient) readEnded(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.conn == nil {
		// Superseded by Disconnect, Close, or a ping timeout.
		return
	}
	c.conn = nil
	c.gen++

	st := StateLost
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		st = StateDisconnected
	}
	c.log.Info("ws.read.end", "state", st.String(), "err", err)
	c.setStateLocked(st)
}

func (c *WSClient) pingLoop(conn *websocket.Conn, gen uint64) {
	t := time.NewTicker(c.pingInterval)
	defer t.Stop()

	failures := 0
	for range t.C {
		if c.staleGen(gen) {
			return
		}

		pingCtx, cancel := context.WithTimeout(context.Background(), c.pingTimeout)
		err := conn.Ping(pingCtx)
		cancel()

		if err == nil {
			failures = 0
			continue
		}

		failures++
		c.log.Info("ws.ping.fail", "failures", failures, "err", err)
		if failures >= c.maxPingFailures {
			c.heartbeatFailed(gen, conn)
			return
		}
	}
}

func (c *WSClient) staleGen(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen != c.gen
}

func (c *WSClient) heartbeatFailed(gen uint64, conn *websocket.Conn) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.gen++
	c.setStateLocked(StatePingTimeout)
	c.mu.Unlock()

	_ = conn.Close(websocket.StatusGoingAway, "heartbeat failed")
}

func (c *WSClient) dispatch(env v1.Envelope) {
	switch env.Type {
	case v1.TypeObjectUpdate, v1.TypeObjectAck:
		c.chMu.RLock()
		ch := c.channels[env.ObjectID]
		c.chMu.RUnlock()
		if ch != nil {
			ch.deliver(env)
		}

	case v1.TypeUserProfileChange:
		var p v1.UserProfileChangePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.log.Debug("ws.user_changed.bad_payload", "err", err)
			return
		}
		c.userChanged.Send(UserMessage{UID: p.UID, Name: p.Name, Email: p.Email})

	case v1.TypeError:
		var p v1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		c.log.Info("ws.server_error", "code", p.Code, "message", p.Message)
	}
}

// setStateLocked must be called with mu held.
func (c *WSClient) setStateLocked(st ConnectState) {
	c.state = st
	c.states.Send(st)
	observability.SetConnected(st == StateConnected)
}

// ---- env helpers ----

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// NewDetachedSubChannel builds a sub-channel that is not bound to a live
// transport. Sends fail with ErrNotConnected and Close only signals Done.
// Intended for tests and fake transports.
func NewDetachedSubChannel(objectID string, buf int) *SubChannel {
	return newSubChannel(nil, objectID, buf)
}
