// Package v1 defines the Plume sync protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the transport client and tooling to keep the wire
// protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeObjectUpdate carries a sync update for one logical object
	// (server -> client, and client -> server for local edits).
	TypeObjectUpdate = "object_update"

	// TypeObjectAck acknowledges a client-sent update (server -> client).
	TypeObjectAck = "object_ack"

	// TypeUserProfileChange notifies the client that the logged-in user's
	// profile changed on another device (server -> client).
	TypeUserProfileChange = "user_profile_change"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// MaxObjectIDLen bounds object identifiers on the wire.
const MaxObjectIDLen = 64

// Envelope is the canonical wire wrapper for the multiplexed stream.
type Envelope struct {
	V        string          `json:"v"`
	Type     string          `json:"type"`
	ID       string          `json:"id,omitempty"`
	ObjectID string          `json:"object_id,omitempty"`
	TS       time.Time       `json:"ts,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeObjectUpdate, TypeObjectAck:
		if err := ValidateObjectID(e.ObjectID); err != nil {
			return err
		}
		return nil
	case TypeUserProfileChange, TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ValidateObjectID checks that an object identifier is usable on the wire.
func ValidateObjectID(objectID string) error {
	id := strings.TrimSpace(objectID)
	if id == "" {
		return errors.New("missing object_id")
	}
	if id != objectID {
		return errors.New("object_id has surrounding whitespace")
	}
	if len(objectID) > MaxObjectIDLen {
		return fmt.Errorf("object_id too long: max=%d", MaxObjectIDLen)
	}
	for _, r := range objectID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.', r == ':':
		default:
			return fmt.Errorf("object_id has invalid character: %q", r)
		}
	}
	return nil
}

// ---- Payloads ----

// ObjectUpdatePayload carries one opaque update blob for an object.
type ObjectUpdatePayload struct {
	ObjectID string `json:"object_id"`
	// Origin identifies the device that produced the update.
	Origin string `json:"origin,omitempty"`
	// Update is an opaque, collaborator-defined change payload.
	Update []byte `json:"update"`
	Seq    int64  `json:"seq,omitempty"`
}

// ObjectAckPayload acknowledges a client-sent update.
type ObjectAckPayload struct {
	ObjectID string `json:"object_id"`
	Seq      int64  `json:"seq"`
}

// UserProfileChangePayload describes a profile change observed server-side.
type UserProfileChangePayload struct {
	UID   int64  `json:"uid"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// ErrorPayload is a generic protocol-level error.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
