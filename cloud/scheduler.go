package cloud

import (
	"context"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/plumenote/plume-cloud/internal/observability"
)

// connector is the slice of the transport the scheduler needs.
type connector interface {
	Connect(ctx context.Context) error
}

// ReconnectAttempt is one scheduled, cancellable reconnect. Callers may
// ignore it; it exists for composability, not for synchronous waiting.
type ReconnectAttempt struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Done returns a channel that closes when the attempt has finished, whether
// it connected, failed, or was cancelled.
func (a *ReconnectAttempt) Done() <-chan struct{} { return a.done }

// Cancel abandons the attempt if its delay has not yet elapsed. An attempt
// that already started its connect call runs to completion.
func (a *ReconnectAttempt) Cancel() { a.cancel() }

// reconnectScheduler serializes reconnect attempts: scheduling a new attempt
// atomically supersedes and cancels the previous one, so at most one attempt
// is ever in its delay-or-connect phase.
type reconnectScheduler struct {
	log *slog.Logger
	ws  connector

	current atomic.Pointer[ReconnectAttempt]
	closed  atomic.Bool

	// jitter computes the randomized delay; replaced in tests.
	jitter func(min time.Duration) time.Duration
}

func newReconnectScheduler(log *slog.Logger, ws connector) *reconnectScheduler {
	return &reconnectScheduler{
		log:    log,
		ws:     ws,
		jitter: reconnectJitter,
	}
}

// reconnectJitter returns a whole-second delay uniform in [min, min+10s).
// A sub-second minimum rounds up so the result never undercuts it. The
// spread de-synchronizes clients reconnecting after a shared outage.
func reconnectJitter(min time.Duration) time.Duration {
	secs := int64((min + time.Second - 1) / time.Second)
	return time.Duration(secs+rand.Int63n(10)) * time.Second
}

// Schedule cancels any pending attempt and starts a new one. The swap is
// atomic: under concurrent calls exactly one attempt survives, and it is the
// most recently installed one.
func (s *reconnectScheduler) Schedule(minDelay time.Duration, trigger string) *ReconnectAttempt {
	ctx, cancel := context.WithCancel(context.Background())
	att := &ReconnectAttempt{ctx: ctx, cancel: cancel, done: make(chan struct{})}

	if prev := s.current.Swap(att); prev != nil {
		prev.cancel()
	}

	// Re-check after the swap: a Close that missed this attempt in its
	// CancelPending sweep is guaranteed to be visible here, and vice versa.
	if s.closed.Load() {
		cancel()
	} else {
		observability.RecordReconnectScheduled(trigger)
	}

	go s.run(att, minDelay)
	return att
}

// CancelPending abandons the currently pending attempt, if any.
func (s *reconnectScheduler) CancelPending() {
	if att := s.current.Load(); att != nil {
		att.cancel()
	}
}

// Close cancels the pending attempt and makes every later Schedule call
// inert.
func (s *reconnectScheduler) Close() {
	s.closed.Store(true)
	s.CancelPending()
}

func (s *reconnectScheduler) run(att *ReconnectAttempt, minDelay time.Duration) {
	defer close(att.done)

	delay := s.jitter(minDelay)
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-att.ctx.Done():
		// Normal and frequent under event bursts, not an error.
		observability.RecordReconnectCancelled()
		s.log.Debug("reconnect.cancelled")
		return
	case <-timer.C:
	}

	// Past the delay the attempt is committed: connect runs detached from the
	// attempt context and either completes or fails on its own. A failed
	// connect leaves the transport re-emitting a lost state, which re-enters
	// scheduling through the normal event path; no second retry loop here.
	if err := s.ws.Connect(context.Background()); err != nil {
		s.log.Error("reconnect.failed", "delay", delay.String(), "err", err)
		return
	}
	s.log.Info("reconnect.ok", "delay", delay.String())
}
