// Package channelid implements the opaque 128-bit channel identifier used
// to key rendezvous channels. The external form is URL-safe base64 without
// padding, matching the wire format clients see in /v1/ws/{channelid}.
package channelid

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// Len is the fixed size of a ChannelID in bytes.
const Len = 16

// ID is an opaque 128-bit channel identifier. Equality is byte-wise.
type ID [Len]byte

// DecodeError is returned when an external identifier fails to parse into
// a valid ID. It is a routing failure, never silently coerced.
type DecodeError struct {
	Input string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("channelid: invalid identifier %q: %v", e.Input, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Generate produces a fresh random ID from the server's entropy source.
func Generate() (ID, error) {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		return ID{}, fmt.Errorf("channelid: generate: %w", err)
	}
	return id, nil
}

// Encode renders an ID as URL-safe base64 without padding.
func (id ID) Encode() string {
	return base64.RawURLEncoding.EncodeToString(id[:])
}

// String satisfies fmt.Stringer, matching the original's Display impl.
func (id ID) String() string {
	return id.Encode()
}

// Decode parses the external base64 form of a channel identifier. It
// rejects any input that does not decode to exactly Len bytes.
func Decode(s string) (ID, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return ID{}, &DecodeError{Input: s, Err: err}
	}
	if len(raw) != Len {
		return ID{}, &DecodeError{Input: s, Err: fmt.Errorf("decoded length %d, want %d", len(raw), Len)}
	}
	var id ID
	copy(id[:], raw)
	return id, nil
}
