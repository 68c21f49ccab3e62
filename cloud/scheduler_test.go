package cloud

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type countingConnector struct {
	calls atomic.Int32
	err   error
}

func (c *countingConnector) Connect(ctx context.Context) error {
	c.calls.Add(1)
	return c.err
}

func fixedJitter(d time.Duration) func(time.Duration) time.Duration {
	return func(time.Duration) time.Duration { return d }
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestScheduler_ConnectAfterDelay(t *testing.T) {
	conn := &countingConnector{}
	s := newReconnectScheduler(testLogger(), conn)
	s.jitter = fixedJitter(10 * time.Millisecond)

	att := s.Schedule(0, "test")

	select {
	case <-att.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("attempt did not finish")
	}
	if got := conn.calls.Load(); got != 1 {
		t.Fatalf("connect calls: got %d, want 1", got)
	}
}

func TestScheduler_RapidReschedulesCoalesce(t *testing.T) {
	conn := &countingConnector{}
	s := newReconnectScheduler(testLogger(), conn)
	s.jitter = fixedJitter(60 * time.Millisecond)

	var last *ReconnectAttempt
	for i := 0; i < 10; i++ {
		last = s.Schedule(0, "test")
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case <-last.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("final attempt did not finish")
	}
	// Give any stray superseded attempt time to misfire.
	time.Sleep(100 * time.Millisecond)

	if got := conn.calls.Load(); got != 1 {
		t.Fatalf("connect calls: got %d, want 1 (earlier attempts must be cancelled)", got)
	}
}

func TestScheduler_ConcurrentSchedulersSingleFlight(t *testing.T) {
	conn := &countingConnector{}
	s := newReconnectScheduler(testLogger(), conn)
	s.jitter = fixedJitter(50 * time.Millisecond)

	var wg sync.WaitGroup
	attempts := make([]*ReconnectAttempt, 32)
	for i := range attempts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			attempts[i] = s.Schedule(0, "test")
		}(i)
	}
	wg.Wait()

	for _, att := range attempts {
		select {
		case <-att.Done():
		case <-time.After(2 * time.Second):
			t.Fatalf("attempt did not finish")
		}
	}

	if got := conn.calls.Load(); got != 1 {
		t.Fatalf("connect calls: got %d, want exactly 1", got)
	}
}

func TestScheduler_CancelPending(t *testing.T) {
	conn := &countingConnector{}
	s := newReconnectScheduler(testLogger(), conn)
	s.jitter = fixedJitter(50 * time.Millisecond)

	att := s.Schedule(0, "test")
	s.CancelPending()

	select {
	case <-att.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("cancelled attempt did not finish")
	}
	time.Sleep(80 * time.Millisecond)

	if got := conn.calls.Load(); got != 0 {
		t.Fatalf("connect calls: got %d, want 0 after cancel", got)
	}
}

func TestScheduler_ScheduleAfterCloseIsInert(t *testing.T) {
	conn := &countingConnector{}
	s := newReconnectScheduler(testLogger(), conn)
	s.jitter = fixedJitter(5 * time.Millisecond)

	s.Close()
	att := s.Schedule(0, "test")

	select {
	case <-att.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("attempt did not finish")
	}
	time.Sleep(50 * time.Millisecond)

	if got := conn.calls.Load(); got != 0 {
		t.Fatalf("connect calls: got %d, want 0 after Close", got)
	}
}

func TestScheduler_CloseRacingSchedule(t *testing.T) {
	// However Close interleaves with a concurrent Schedule, no attempt may
	// survive to connect.
	for i := 0; i < 100; i++ {
		conn := &countingConnector{}
		s := newReconnectScheduler(testLogger(), conn)
		s.jitter = fixedJitter(200 * time.Millisecond)

		var att *ReconnectAttempt
		started := make(chan struct{})
		go func() {
			att = s.Schedule(0, "test")
			close(started)
		}()
		s.Close()
		<-started

		select {
		case <-att.Done():
		case <-time.After(2 * time.Second):
			t.Fatalf("attempt did not finish")
		}
		if got := conn.calls.Load(); got != 0 {
			t.Fatalf("connect calls: got %d, want 0 when Close races Schedule", got)
		}
	}
}

func TestScheduler_ConnectFailureIsNotRetried(t *testing.T) {
	conn := &countingConnector{err: context.DeadlineExceeded}
	s := newReconnectScheduler(testLogger(), conn)
	s.jitter = fixedJitter(5 * time.Millisecond)

	att := s.Schedule(0, "test")
	<-att.Done()
	time.Sleep(50 * time.Millisecond)

	if got := conn.calls.Load(); got != 1 {
		t.Fatalf("connect calls: got %d, want 1 (no retry loop inside an attempt)", got)
	}
}

func TestReconnectJitter_Bounds(t *testing.T) {
	const min = 2 * time.Second

	seen := make(map[time.Duration]struct{})
	for i := 0; i < 2000; i++ {
		d := reconnectJitter(min)
		if d < min || d >= min+10*time.Second {
			t.Fatalf("jitter out of bounds: %s not in [%s, %s)", d, min, min+10*time.Second)
		}
		if d%time.Second != 0 {
			t.Fatalf("jitter not whole seconds: %s", d)
		}
		seen[d] = struct{}{}
	}
	if len(seen) < 2 {
		t.Fatalf("jitter looks constant: only %d distinct values", len(seen))
	}
}

func TestReconnectJitter_SubSecondMinRoundsUp(t *testing.T) {
	const min = 2500 * time.Millisecond

	for i := 0; i < 2000; i++ {
		d := reconnectJitter(min)
		if d < min {
			t.Fatalf("jitter undercuts minimum: %s < %s", d, min)
		}
		if d < 3*time.Second || d >= 13*time.Second {
			t.Fatalf("jitter out of bounds: %s not in [3s, 13s)", d)
		}
	}
}
