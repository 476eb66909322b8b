package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidStatus is returned for status payloads that cannot be decoded or
// that break the participant invariant.
var ErrInvalidStatus = errors.New("invalid status record")

// StatusKind is the published matchmaking status of a user
type StatusKind string

const (
	StatusIdle      StatusKind = "idle"
	StatusSeeking   StatusKind = "seeking"
	StatusOffered   StatusKind = "offered"
	StatusReceived  StatusKind = "received"
	StatusConnected StatusKind = "connected"
)

// HasParticipant reports whether records of this kind must name a participant.
func (k StatusKind) HasParticipant() bool {
	return k == StatusOffered || k == StatusReceived
}

// Valid reports whether k is a known status kind.
func (k StatusKind) Valid() bool {
	switch k {
	case StatusIdle, StatusSeeking, StatusOffered, StatusReceived, StatusConnected:
		return true
	}
	return false
}

// StatusRecord is stored at users/{id}/status.
type StatusRecord struct {
	Participant string     `json:"participant,omitempty"`
	Kind        StatusKind `json:"kind"`
}

// Validate checks the kind and that Participant is set iff the kind is
// offered or received.
func (r StatusRecord) Validate() error {
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidStatus, r.Kind)
	}
	if r.Kind.HasParticipant() && r.Participant == "" {
		return fmt.Errorf("%w: %s without participant", ErrInvalidStatus, r.Kind)
	}
	if !r.Kind.HasParticipant() && r.Participant != "" {
		return fmt.Errorf("%w: %s with participant %q", ErrInvalidStatus, r.Kind, r.Participant)
	}
	return nil
}

func Idle() StatusRecord      { return StatusRecord{Kind: StatusIdle} }
func Seeking() StatusRecord   { return StatusRecord{Kind: StatusSeeking} }
func Connected() StatusRecord { return StatusRecord{Kind: StatusConnected} }

func Offered(participant string) StatusRecord {
	return StatusRecord{Kind: StatusOffered, Participant: participant}
}

func Received(participant string) StatusRecord {
	return StatusRecord{Kind: StatusReceived, Participant: participant}
}

// EncodeStatus serializes a record for storage. Invalid records are refused
// so a bad write never reaches the store.
func EncodeStatus(r StatusRecord) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(r)
}

// DecodeStatus parses and validates a stored record.
func DecodeStatus(data []byte) (StatusRecord, error) {
	var r StatusRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return StatusRecord{}, fmt.Errorf("%w: %v", ErrInvalidStatus, err)
	}
	if err := r.Validate(); err != nil {
		return StatusRecord{}, err
	}
	return r, nil
}
