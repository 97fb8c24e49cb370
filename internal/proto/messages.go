// Package proto defines the versioned wire messages exchanged with clients.
// Every frame carries the protocol version; mismatches are rejected with an
// explicit error payload rather than silence.
package proto

import (
	"encoding/json"
	"fmt"

	"relic-rush/server/internal/snapshot"
	"relic-rush/server/internal/transport"
)

// Version tracks the wire-protocol revision expected by clients.
const Version = 1

// Client message type identifiers.
const (
	TypeHello     = "hello"
	TypeInput     = "input"
	TypeHeartbeat = "heartbeat"
	TypeLeave     = "leave"
)

// Server message type identifiers.
const (
	TypeWelcome     = "welcome"
	TypeError       = "error"
	TypeSnapshot    = "snapshot"
	TypeInputAck    = "inputAck"
	TypeInputReject = "inputReject"
)

// Error codes surfaced in Error payloads.
const (
	ErrCodeVersionMismatch   = "version_mismatch"
	ErrCodeMalformed         = "malformed"
	ErrCodeUnknownRoom       = "unknown_room"
	ErrCodeRoomFull          = "room_full"
	ErrCodeTokenExpired      = "token_expired"
	ErrCodeNegotiationFailed = "negotiation_failed"
	ErrCodeValidation        = "validation"
	ErrCodeRoomClosed        = "room_closed"
)

// ErrVersionMismatch is returned by DecodeClientMessage when the frame
// advertises an unsupported protocol revision.
type ErrVersionMismatch struct {
	Got int
}

func (e ErrVersionMismatch) Error() string {
	return fmt.Sprintf("unsupported client protocol version %d", e.Got)
}

// ClientMessage captures an inbound frame from the client. One struct covers
// every client type; the Type field selects which fields are meaningful.
type ClientMessage struct {
	Ver  int    `json:"ver,omitempty"`
	Type string `json:"type"`

	// hello fields.
	Room       string                  `json:"room,omitempty"`
	Name       string                  `json:"name,omitempty"`
	Token      string                  `json:"token,omitempty"`
	Transports transport.CapabilitySet `json:"transports,omitempty"`

	// input fields.
	Seq      uint64  `json:"seq,omitempty"`
	DX       float64 `json:"dx,omitempty"`
	DY       float64 `json:"dy,omitempty"`
	ClientDT float64 `json:"dt,omitempty"`

	// input + heartbeat fields.
	SentAt int64 `json:"sentAt,omitempty"`
	// Ack is the tick of the last snapshot the client applied.
	Ack *uint64 `json:"ack,omitempty"`
}

// DecodeClientMessage converts a raw frame into a structured message.
func DecodeClientMessage(payload []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, err
	}
	if msg.Ver == 0 {
		msg.Ver = Version
	}
	if msg.Ver != Version {
		return msg, ErrVersionMismatch{Got: msg.Ver}
	}
	return msg, nil
}

// Welcome completes the handshake: it confirms the client identity, hands
// out the sticky reconnection token, and reports the negotiated transport.
type Welcome struct {
	ClientID         string                  `json:"clientId"`
	Room             string                  `json:"room"`
	Token            string                  `json:"token"`
	Transport        transport.Kind          `json:"transport"`
	ServerTransports transport.CapabilitySet `json:"serverTransports"`
	ServerTime       int64                   `json:"serverTime"`
	TickRate         int                     `json:"tickRate"`
	KeyframeInterval int                     `json:"keyframeInterval"`
	WorldExtent      float64                 `json:"worldExtent"`
	Resumed          bool                    `json:"resumed,omitempty"`
}

// EncodeWelcome renders the handshake response.
func EncodeWelcome(msg Welcome) ([]byte, error) {
	frame := struct {
		Ver  int    `json:"ver"`
		Type string `json:"type"`
		Welcome
	}{Ver: Version, Type: TypeWelcome, Welcome: msg}
	return json.Marshal(frame)
}

// Error notifies the client of a protocol, validation, or terminal failure.
type Error struct {
	Code     string `json:"code"`
	Message  string `json:"message,omitempty"`
	Terminal bool   `json:"terminal,omitempty"`
}

// EncodeError renders an error payload.
func EncodeError(msg Error) ([]byte, error) {
	frame := struct {
		Ver  int    `json:"ver"`
		Type string `json:"type"`
		Error
	}{Ver: Version, Type: TypeError, Error: msg}
	return json.Marshal(frame)
}

// SnapshotMessage wraps one per-client snapshot payload.
type SnapshotMessage struct {
	Snapshot   snapshot.Snapshot
	ServerTime int64
}

// EncodeSnapshot renders a snapshot frame.
func EncodeSnapshot(msg SnapshotMessage) ([]byte, error) {
	frame := struct {
		Ver        int                    `json:"ver"`
		Type       string                 `json:"type"`
		Tick       uint64                 `json:"t"`
		Kind       snapshot.Kind          `json:"kind"`
		Entities   []snapshot.EntityState `json:"entities,omitempty"`
		Removed    []string               `json:"removed,omitempty"`
		LastInput  uint64                 `json:"lastInputSeq"`
		ServerTime int64                  `json:"serverTime"`
	}{
		Ver:        Version,
		Type:       TypeSnapshot,
		Tick:       msg.Snapshot.Tick,
		Kind:       msg.Snapshot.Kind,
		Entities:   msg.Snapshot.Entities,
		Removed:    msg.Snapshot.Removed,
		LastInput:  msg.Snapshot.LastInputSeq,
		ServerTime: msg.ServerTime,
	}
	return json.Marshal(frame)
}

// DecodeSnapshot parses a snapshot frame, for the client-side reconciler.
func DecodeSnapshot(payload []byte) (SnapshotMessage, error) {
	var frame struct {
		Ver        int                    `json:"ver"`
		Type       string                 `json:"type"`
		Tick       uint64                 `json:"t"`
		Kind       snapshot.Kind          `json:"kind"`
		Entities   []snapshot.EntityState `json:"entities"`
		Removed    []string               `json:"removed"`
		LastInput  uint64                 `json:"lastInputSeq"`
		ServerTime int64                  `json:"serverTime"`
	}
	if err := json.Unmarshal(payload, &frame); err != nil {
		return SnapshotMessage{}, err
	}
	if frame.Ver != 0 && frame.Ver != Version {
		return SnapshotMessage{}, ErrVersionMismatch{Got: frame.Ver}
	}
	if frame.Type != TypeSnapshot {
		return SnapshotMessage{}, fmt.Errorf("not a snapshot frame: %q", frame.Type)
	}
	return SnapshotMessage{
		Snapshot: snapshot.Snapshot{
			Tick:         frame.Tick,
			Kind:         frame.Kind,
			Entities:     frame.Entities,
			Removed:      frame.Removed,
			LastInputSeq: frame.LastInput,
		},
		ServerTime: frame.ServerTime,
	}, nil
}

// Heartbeat echoes timing metadata back to the client.
type Heartbeat struct {
	ServerTime int64 `json:"serverTime"`
	ClientTime int64 `json:"clientTime"`
	RTTMillis  int64 `json:"rtt"`
}

// EncodeHeartbeat renders a heartbeat acknowledgement payload.
func EncodeHeartbeat(msg Heartbeat) ([]byte, error) {
	frame := struct {
		Ver  int    `json:"ver"`
		Type string `json:"type"`
		Heartbeat
	}{Ver: Version, Type: TypeHeartbeat, Heartbeat: msg}
	return json.Marshal(frame)
}

// InputAck acknowledges a processed or duplicate input sequence.
type InputAck struct {
	Seq  uint64 `json:"seq"`
	Tick uint64 `json:"tick,omitempty"`
}

// EncodeInputAck renders an input acknowledgement.
func EncodeInputAck(msg InputAck) ([]byte, error) {
	frame := struct {
		Ver  int    `json:"ver"`
		Type string `json:"type"`
		InputAck
	}{Ver: Version, Type: TypeInputAck, InputAck: msg}
	return json.Marshal(frame)
}

// InputReject notifies the client that an input was refused.
type InputReject struct {
	Seq    uint64 `json:"seq"`
	Reason string `json:"reason"`
	Retry  bool   `json:"retry,omitempty"`
}

// EncodeInputReject renders an input rejection.
func EncodeInputReject(msg InputReject) ([]byte, error) {
	frame := struct {
		Ver  int    `json:"ver"`
		Type string `json:"type"`
		InputReject
	}{Ver: Version, Type: TypeInputReject, InputReject: msg}
	return json.Marshal(frame)
}
