package transport

// ConnectState represents the connectivity state of the websocket channel.
// The transport is the source of truth for this value; the session only
// relays it.
type ConnectState int

const (
	// StateDisconnected means the channel was closed deliberately.
	StateDisconnected ConnectState = iota

	// StateConnecting means a dial is in progress.
	StateConnecting

	// StateConnected means the channel is established and ready.
	StateConnected

	// StatePingTimeout means the peer stopped answering heartbeats.
	StatePingTimeout

	// StateLost means the channel dropped or a dial failed.
	StateLost

	// StateUnauthorized means the server rejected the handshake credentials.
	StateUnauthorized
)

// String returns the string representation of a ConnectState.
func (s ConnectState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StatePingTimeout:
		return "ping_timeout"
	case StateLost:
		return "lost"
	case StateUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// UserMessage is delivered on the user-changed stream when the server reports
// an out-of-band change to the logged-in user.
type UserMessage struct {
	UID   int64
	Name  string
	Email string
}
