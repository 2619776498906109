package envelope

import (
	"encoding/json"
	"fmt"
)

// Encode serializes the envelope to its JSON wire form. Encoding a
// well-formed envelope cannot fail: the payload is already raw JSON and the
// remaining fields are plain scalars.
func Encode(e *Envelope) []byte {
	b, err := json.Marshal(e)
	if err != nil {
		// Only reachable with a hand-built envelope holding invalid raw JSON.
		panic(fmt.Sprintf("envelope: encode: %v", err))
	}
	return b
}

// Decode parses bytes into an envelope. It returns an error wrapping
// ErrMalformedEnvelope when the bytes are not valid JSON or lack the
// required type and correlation id fields.
func Decode(b []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if e.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}
	if e.CorrelationID == "" {
		return nil, fmt.Errorf("%w: missing correlation id", ErrMalformedEnvelope)
	}
	return &e, nil
}
