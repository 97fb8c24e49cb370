package proto

import (
	"encoding/json"
	"errors"
	"testing"

	"relic-rush/server/internal/snapshot"
	"relic-rush/server/internal/transport"
)

func TestDecodeClientMessageDefaultsVersion(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"input","seq":3,"dx":1,"dy":0}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Ver != Version {
		t.Fatalf("expected version default %d, got %d", Version, msg.Ver)
	}
	if msg.Type != TypeInput || msg.Seq != 3 || msg.DX != 1 {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestDecodeClientMessageRejectsUnsupportedVersion(t *testing.T) {
	_, err := DecodeClientMessage([]byte(`{"ver":99,"type":"input"}`))
	var mismatch ErrVersionMismatch
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
	if mismatch.Got != 99 {
		t.Fatalf("expected reported version 99, got %d", mismatch.Got)
	}
}

func TestDecodeClientMessageMalformed(t *testing.T) {
	if _, err := DecodeClientMessage([]byte(`{not json`)); err == nil {
		t.Fatalf("expected malformed payload to error")
	}
}

func TestHelloCarriesCapabilities(t *testing.T) {
	payload := []byte(`{"type":"hello","room":"r1","transports":{"datagram":true,"websocket":true}}`)
	msg, err := DecodeClientMessage(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !msg.Transports.Datagram || msg.Transports.Stream || !msg.Transports.WebSocket {
		t.Fatalf("unexpected capability set: %+v", msg.Transports)
	}
}

func TestEncodeSnapshotDecodeRoundTrip(t *testing.T) {
	original := SnapshotMessage{
		Snapshot: snapshot.Snapshot{
			Tick: 42,
			Kind: snapshot.KindDelta,
			Entities: []snapshot.EntityState{
				{ID: "p1", Kind: "player", QX: 1200, QY: -75, QRot: 64},
			},
			Removed:      []string{"pickup-3"},
			LastInputSeq: 17,
		},
		ServerTime: 1700000000000,
	}
	data, err := EncodeSnapshot(original)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeSnapshot(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Snapshot.Tick != 42 || decoded.Snapshot.Kind != snapshot.KindDelta {
		t.Fatalf("unexpected snapshot header: %+v", decoded.Snapshot)
	}
	if len(decoded.Snapshot.Entities) != 1 || decoded.Snapshot.Entities[0] != original.Snapshot.Entities[0] {
		t.Fatalf("entities did not survive the round trip: %+v", decoded.Snapshot.Entities)
	}
	if decoded.Snapshot.LastInputSeq != 17 || decoded.ServerTime != original.ServerTime {
		t.Fatalf("metadata did not survive: %+v", decoded)
	}
}

func TestEncodeWelcomeIncludesVersionAndType(t *testing.T) {
	data, err := EncodeWelcome(Welcome{
		ClientID:  "c1",
		Room:      "r1",
		Token:     "tok",
		Transport: transport.KindWebSocket,
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame["ver"] != float64(Version) || frame["type"] != TypeWelcome {
		t.Fatalf("unexpected frame header: %v", frame)
	}
	if frame["transport"] != string(transport.KindWebSocket) {
		t.Fatalf("unexpected transport: %v", frame["transport"])
	}
}

func TestEncodeErrorTerminalFlag(t *testing.T) {
	data, err := EncodeError(Error{Code: ErrCodeNegotiationFailed, Message: "no common transport", Terminal: true})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame["code"] != ErrCodeNegotiationFailed || frame["terminal"] != true {
		t.Fatalf("unexpected error frame: %v", frame)
	}
}
