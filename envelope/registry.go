package envelope

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

type (
	// Decoder turns a raw payload into a typed value. Decoders are registered
	// per message type; payloads of unregistered types decode to an opaque
	// tree (map[string]any).
	Decoder func(json.RawMessage) (any, error)

	// TypeRegistry maps message type strings to payload decoders. It is safe
	// for concurrent use.
	TypeRegistry struct {
		mu       sync.RWMutex
		decoders map[string]Decoder
	}
)

// NewTypeRegistry returns an empty type registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{decoders: make(map[string]Decoder)}
}

// Register associates a decoder with a message type. Registering the same
// decoder twice is a no-op; registering a different decoder for an already
// registered type fails with ErrTypeConflict.
func (r *TypeRegistry) Register(msgType string, dec Decoder) error {
	if msgType == "" {
		return fmt.Errorf("register: empty message type")
	}
	if dec == nil {
		return fmt.Errorf("register %q: nil decoder", msgType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.decoders[msgType]; ok {
		if reflect.ValueOf(prev).Pointer() == reflect.ValueOf(dec).Pointer() {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrTypeConflict, msgType)
	}
	r.decoders[msgType] = dec
	return nil
}

// DecodeAs is a convenience for building decoders that unmarshal into a
// concrete struct type.
func DecodeAs[T any]() Decoder {
	return func(raw json.RawMessage) (any, error) {
		var v T
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, err
			}
		}
		return &v, nil
	}
}

// DecodePayload decodes the payload of e using the decoder registered for
// its type. Unknown types decode to an opaque map so they can still be
// routed and inspected by type string.
func (r *TypeRegistry) DecodePayload(e *Envelope) (any, error) {
	r.mu.RLock()
	dec, ok := r.decoders[e.Type]
	r.mu.RUnlock()
	if !ok {
		var tree map[string]any
		if len(e.Payload) > 0 {
			if err := json.Unmarshal(e.Payload, &tree); err != nil {
				return nil, fmt.Errorf("%w: payload of %s: %v", ErrMalformedEnvelope, e.Type, err)
			}
		}
		return tree, nil
	}
	v, err := dec(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload of %s: %w", e.Type, err)
	}
	return v, nil
}
