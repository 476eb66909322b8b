package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidEnvelope is returned when an inbox payload cannot be decoded
// into a SignalEnvelope.
var ErrInvalidEnvelope = errors.New("invalid signal envelope")

// SignalKind represents the type of a handshake or chat message
type SignalKind string

const (
	SignalKindOffer        SignalKind = "offer"
	SignalKindAnswer       SignalKind = "answer"
	SignalKindIceCandidate SignalKind = "ice_candidate"
	SignalKindChat         SignalKind = "chat"
)

// Valid reports whether k is one of the known signal kinds.
func (k SignalKind) Valid() bool {
	switch k {
	case SignalKindOffer, SignalKindAnswer, SignalKindIceCandidate, SignalKindChat:
		return true
	}
	return false
}

// SignalEnvelope is the value stored in a user's inbox. The inbox holds a
// single envelope: every write replaces whatever was there, read or not.
//
// From is optional. Envelopes without it are attributed to the receiver's
// current partner.
type SignalEnvelope struct {
	Kind    SignalKind `json:"kind"`
	Payload string     `json:"payload"`
	From    string     `json:"from,omitempty"`
}

// EncodeEnvelope serializes an envelope for storage.
func EncodeEnvelope(env SignalEnvelope) ([]byte, error) {
	if !env.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidEnvelope, env.Kind)
	}
	return json.Marshal(env)
}

// DecodeEnvelope parses a stored inbox value. Unknown kinds are rejected.
func DecodeEnvelope(data []byte) (SignalEnvelope, error) {
	var env SignalEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return SignalEnvelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if !env.Kind.Valid() {
		return SignalEnvelope{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidEnvelope, env.Kind)
	}
	return env, nil
}

// ChatItem is one line of the local chat transcript
type ChatItem struct {
	Text   string `json:"text"`
	IsMine bool   `json:"isMine"`
}
