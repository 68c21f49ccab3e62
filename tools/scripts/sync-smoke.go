// Package main provides a CI-friendly smoke test for the Plume sync transport.
//
// It validates:
//   - handshake + subprotocol selection against a live endpoint
//   - connectivity state transitions (Connecting -> Connected -> Disconnected)
//   - sub-channel open + object_update send
//   - optional ack round-trip when the server echoes acks
//   - clean disconnect
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "github.com/plumenote/plume-cloud/contracts/sync/v1"
	"github.com/plumenote/plume-cloud/internal/ids"
	"github.com/plumenote/plume-cloud/stream"
	"github.com/plumenote/plume-cloud/transport"
)

type staticToken string

func (t staticToken) GetToken() (string, error) {
	if strings.TrimSpace(string(t)) == "" {
		return "", errors.New("no token configured")
	}
	return string(t), nil
}

func main() {
	var (
		wsURL     = flag.String("url", "ws://127.0.0.1:8080/ws/v1/sync", "WebSocket URL")
		token     = flag.String("token", os.Getenv("PLUME_SMOKE_TOKEN"), "Bearer token for the handshake")
		objectID  = flag.String("object", "smoke-doc-1", "Object ID to open a sub-channel for")
		deviceID  = flag.String("device", "", "Device ID header (generated when empty)")
		expectAck = flag.Bool("ack", false, "Wait for an object_ack after sending an update")
		timeout   = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose   = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := v1.ValidateObjectID(*objectID); err != nil {
		fatalf("invalid -object: %v", err)
	}
	if *deviceID == "" {
		generated, err := ids.NewULID(time.Now())
		if err != nil {
			fatalf("generate device id: %v", err)
		}
		*deviceID = generated
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ws := transport.NewWSClient(log, transport.Config{
		URL:           *wsURL,
		DeviceID:      *deviceID,
		ClientVersion: "smoke",
		Tokens:        staticToken(*token),
	})
	defer ws.Close()

	states := ws.SubscribeConnectState()
	defer states.Cancel()

	root := context.Background()

	ctx, cancel := context.WithTimeout(root, *timeout)
	err := ws.Connect(ctx)
	cancel()
	if err != nil {
		fatalf("connect: state=%s err=%v", ws.State(), err)
	}

	mustState(states, transport.StateConnecting, *timeout)
	mustState(states, transport.StateConnected, *timeout)

	if *verbose {
		fmt.Printf("connected: url=%s device=%s\n", *wsURL, *deviceID)
	}

	ch, err := ws.SubscribeSubChannel(*objectID)
	if err != nil {
		fatalf("subscribe sub-channel: %v", err)
	}
	defer ch.Close()

	msgID, err := ids.NewULID(time.Now())
	if err != nil {
		fatalf("generate envelope id: %v", err)
	}
	update := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeObjectUpdate,
		ID:   msgID,
		TS:   time.Now().UTC(),
	}
	ctx, cancel = context.WithTimeout(root, *timeout)
	err = ch.Send(ctx, update)
	cancel()
	if err != nil {
		fatalf("send update: %v", err)
	}

	if *expectAck {
		mustAck(ch, *objectID, *timeout)
	}

	ctx, cancel = context.WithTimeout(root, *timeout)
	ws.Disconnect(ctx)
	cancel()

	mustState(states, transport.StateDisconnected, *timeout)

	fmt.Printf("OK: url=%s device=%s object=%s\n", *wsURL, *deviceID, *objectID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

// mustState drains the state stream until the wanted state arrives. Repeated
// intermediate states are tolerated; a terminal failure state is not.
func mustState(sub *stream.Subscription[transport.ConnectState], want transport.ConnectState, wait time.Duration) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for {
		select {
		case <-deadline.C:
			fatalf("timeout waiting for state %s", want)
		case st, ok := <-sub.C():
			if !ok {
				fatalf("state stream closed while waiting for %s", want)
			}
			if st == want {
				return
			}
			switch st {
			case transport.StateLost, transport.StateUnauthorized, transport.StatePingTimeout:
				fatalf("unexpected state %s while waiting for %s", st, want)
			}
		}
	}
}

func mustAck(ch *transport.SubChannel, objectID string, wait time.Duration) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for {
		select {
		case <-deadline.C:
			fatalf("timeout waiting for object_ack object=%s", objectID)
		case env, ok := <-ch.Recv:
			if !ok {
				fatalf("sub-channel closed while waiting for ack object=%s", objectID)
			}
			if env.Type == v1.TypeObjectAck {
				return
			}
		}
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
