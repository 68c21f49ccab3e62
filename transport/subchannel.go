package transport

import (
	"context"
	"sync"

	v1 "github.com/plumenote/plume-cloud/contracts/sync/v1"
)

// SubChannel is a logically-scoped view into the shared multiplexed stream,
// identified by an object identifier.
//
// Design notes:
//   - Recv is intentionally NOT closed by the dispatcher to avoid panics from
//     concurrent delivery; it closes only via Close.
//   - A SubChannel outlives individual connections: after a reconnect it keeps
//     delivering once the transport resumes.
//   - Close is idempotent.
type SubChannel struct {
	ObjectID string
	Recv     chan v1.Envelope

	ws        *WSClient
	done      chan struct{}
	closeOnce sync.Once
}

func newSubChannel(ws *WSClient, objectID string, buf int) *SubChannel {
	if buf <= 0 {
		buf = 64
	}
	return &SubChannel{
		ObjectID: objectID,
		Recv:     make(chan v1.Envelope, buf),
		ws:       ws,
		done:     make(chan struct{}),
	}
}

// Done returns a channel that is closed when the sub-channel is shut down.
func (c *SubChannel) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Send writes an object update for this channel's object onto the wire.
// It fails when the transport is not currently connected.
func (c *SubChannel) Send(ctx context.Context, env v1.Envelope) error {
	if c.ws == nil {
		return ErrNotConnected
	}
	env.ObjectID = c.ObjectID
	return c.ws.send(ctx, env)
}

// Close detaches the sub-channel from the transport (idempotent).
// It does NOT drain Recv; pending envelopes stay readable until Recv empties.
func (c *SubChannel) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ws != nil {
			c.ws.dropSubChannel(c.ObjectID, c)
		}
	})
}

// deliver enqueues an envelope without blocking; a full buffer drops the
// oldest envelope. Sync updates carry full state downstream, so losing an
// intermediate under lag is recoverable.
func (c *SubChannel) deliver(env v1.Envelope) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.Recv <- env:
		return
	default:
	}
	select {
	case <-c.Recv:
	default:
	}
	select {
	case c.Recv <- env:
	default:
	}
}
