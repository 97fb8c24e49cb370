// Package transport abstracts the negotiated byte pipes between server and
// client: QUIC datagrams for low-latency lossy delivery, QUIC streams for
// mixed reliable delivery, and WebSocket as the reliable-only fallback.
package transport

import (
	"context"
	"errors"
)

// Kind identifies one supported transport binding.
type Kind string

const (
	// KindQUICDatagram is the low-latency unreliable-capable primary.
	KindQUICDatagram Kind = "quic-datagram"
	// KindQUICStream mixes reliable control with per-payload streams.
	KindQUICStream Kind = "quic-stream"
	// KindWebSocket is the reliable-only fallback.
	KindWebSocket Kind = "websocket"
)

// PriorityOrder lists transports from most to least preferred.
var PriorityOrder = []Kind{KindQUICDatagram, KindQUICStream, KindWebSocket}

// ErrNoCommonTransport is returned when negotiation finds no mutually
// supported transport kind.
var ErrNoCommonTransport = errors.New("transport: no mutually supported kind")

// CapabilitySet advertises which transport kinds an endpoint supports. It is
// exchanged during the handshake and immutable for the session once
// negotiated.
type CapabilitySet struct {
	Datagram  bool `json:"datagram"`
	Stream    bool `json:"stream"`
	WebSocket bool `json:"websocket"`
}

// Supports reports whether the set includes the given kind.
func (c CapabilitySet) Supports(kind Kind) bool {
	switch kind {
	case KindQUICDatagram:
		return c.Datagram
	case KindQUICStream:
		return c.Stream
	case KindWebSocket:
		return c.WebSocket
	default:
		return false
	}
}

// Empty reports whether no kind is supported.
func (c CapabilitySet) Empty() bool {
	return !c.Datagram && !c.Stream && !c.WebSocket
}

// Negotiate selects the highest-priority kind supported by both endpoints,
// skipping any kinds listed in exclude (transports that already failed for
// this session).
func Negotiate(client, server CapabilitySet, exclude map[Kind]bool) (Kind, error) {
	for _, kind := range PriorityOrder {
		if exclude[kind] {
			continue
		}
		if client.Supports(kind) && server.Supports(kind) {
			return kind, nil
		}
	}
	return "", ErrNoCommonTransport
}

// Conn is a bound connection to one client. Implementations are safe for one
// concurrent writer plus one concurrent reader.
type Conn interface {
	// Kind reports the binding this connection uses.
	Kind() Kind
	// Send writes one payload. reliable selects the delivery class where the
	// binding distinguishes one; reliable-only bindings ignore it.
	Send(payload []byte, reliable bool) error
	// Receive blocks for the next inbound payload.
	Receive(ctx context.Context) ([]byte, error)
	// Close tears the connection down.
	Close() error
}
