// Package envelope defines the universal wire unit exchanged over the fabric
// and the codec and type registry used to move between raw bytes and typed
// payloads.
//
// Every message published on a fabric channel is an Envelope: a small JSON
// document carrying a type string, addressing metadata, a correlation id and
// a self-describing payload. The envelope layer is domain-agnostic; the
// payload shapes for the fabric's own protocol live in the fabric package.
package envelope

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Current wire version. Receivers may reject or downgrade envelopes whose
// Version differs.
const Version = 1

var (
	// ErrMalformedEnvelope reports bytes that do not decode to a valid envelope.
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrTypeConflict reports a second registration of a message type with a
	// different decoder.
	ErrTypeConflict = errors.New("message type registered with a different decoder")
)

type (
	// Envelope is the unit of transfer on every fabric channel.
	//
	// CorrelationID is unique per publish; a response envelope echoes the
	// correlation id of the request it answers. Timestamp is milliseconds
	// since the Unix epoch.
	Envelope struct {
		Type          string          `json:"type"`
		SenderID      string          `json:"senderId,omitempty"`
		TargetID      string          `json:"targetId,omitempty"`
		CorrelationID string          `json:"correlationId"`
		Timestamp     int64           `json:"timestamp"`
		Version       int             `json:"version"`
		Payload       json.RawMessage `json:"payload,omitempty"`
	}
)

// New builds an envelope of the given type with a fresh correlation id, the
// current timestamp and the current wire version. The payload is marshaled
// immediately so the caller retains no references into the envelope.
func New(msgType, senderID string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type:          msgType,
		SenderID:      senderID,
		CorrelationID: uuid.NewString(),
		Timestamp:     time.Now().UnixMilli(),
		Version:       Version,
		Payload:       raw,
	}, nil
}

// Reply builds a response envelope to req: same correlation id, fresh
// timestamp, sender and target swapped.
func Reply(req *Envelope, msgType, senderID string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type:          msgType,
		SenderID:      senderID,
		TargetID:      req.SenderID,
		CorrelationID: req.CorrelationID,
		Timestamp:     time.Now().UnixMilli(),
		Version:       Version,
		Payload:       raw,
	}, nil
}

// Time returns the envelope timestamp as a time.Time.
func (e *Envelope) Time() time.Time { return time.UnixMilli(e.Timestamp) }
