// Package session binds client identities to negotiated transports and keeps
// them alive across disconnects via sticky reconnection tokens.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"relic-rush/server/internal/snapshot"
	"relic-rush/server/internal/transport"
)

// State enumerates the session lifecycle.
type State string

const (
	StateConnecting  State = "connecting"
	StateNegotiating State = "negotiating"
	StateActive      State = "active"
	StateSuspended   State = "suspended"
	StateClosed      State = "closed"
)

var (
	// ErrInvalidTransition guards the state machine against out-of-order
	// lifecycle events.
	ErrInvalidTransition = errors.New("session: invalid state transition")
	// ErrTokenExpired is returned when a sticky token no longer resolves.
	ErrTokenExpired = errors.New("session: sticky token expired")
)

// Session is one client's connection state. The transport binding may change
// over its lifetime (fallback, reconnection); identity and world-side entity
// do not.
type Session struct {
	mu sync.Mutex

	clientID string
	roomID   string
	token    string

	state State
	kind  transport.Kind
	conn  transport.Conn
	caps  transport.CapabilitySet
	// failed records transports that already failed for this session so the
	// fallback chain does not retry them.
	failed map[transport.Kind]bool

	lastSeen         time.Time
	rtt              time.Duration
	missedHeartbeats int
	suspendedAt      time.Time

	queue  *snapshot.OutboundQueue
	stream *snapshot.Stream
}

// ClientID reports the owning client identity.
func (s *Session) ClientID() string { return s.clientID }

// RoomID reports the room this session belongs to.
func (s *Session) RoomID() string { return s.roomID }

// Token reports the opaque sticky reconnection token.
func (s *Session) Token() string { return s.token }

// Queue returns the per-session outbound snapshot queue.
func (s *Session) Queue() *snapshot.OutboundQueue { return s.queue }

// Stream returns the per-session snapshot encoder state.
func (s *Session) Stream() *snapshot.Stream { return s.stream }

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TransportKind reports the negotiated transport, empty before activation.
func (s *Session) TransportKind() transport.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kind
}

// Conn returns the bound transport connection, nil while suspended.
func (s *Session) Conn() transport.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Capabilities reports the client's advertised transport support.
func (s *Session) Capabilities() transport.CapabilitySet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

// RTT reports the last measured round-trip time.
func (s *Session) RTT() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rtt
}

// LastSeen reports the last time the client showed liveness.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// BeginNegotiation records the client's capability advertisement.
func (s *Session) BeginNegotiation(caps transport.CapabilitySet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return fmt.Errorf("%w: %s -> negotiating", ErrInvalidTransition, s.state)
	}
	s.caps = caps
	s.state = StateNegotiating
	return nil
}

// Activate binds the negotiated transport and marks the session live.
func (s *Session) Activate(kind transport.Kind, conn transport.Conn, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateNegotiating, StateSuspended:
	default:
		return fmt.Errorf("%w: %s -> active", ErrInvalidTransition, s.state)
	}
	s.kind = kind
	s.conn = conn
	s.state = StateActive
	s.lastSeen = now
	s.missedHeartbeats = 0
	return nil
}

// Suspend releases the transport binding but keeps the session resumable
// until the sticky token expires.
func (s *Session) Suspend(now time.Time) (transport.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return nil, fmt.Errorf("%w: %s -> suspended", ErrInvalidTransition, s.state)
	}
	conn := s.conn
	s.conn = nil
	s.state = StateSuspended
	s.suspendedAt = now
	return conn, nil
}

// MarkTransportFailed records a failed transport so fallback skips it, and
// reports the set of kinds still eligible.
func (s *Session) MarkTransportFailed(kind transport.Kind) map[transport.Kind]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed == nil {
		s.failed = make(map[transport.Kind]bool)
	}
	if kind != "" {
		s.failed[kind] = true
	}
	excluded := make(map[transport.Kind]bool, len(s.failed))
	for k := range s.failed {
		excluded[k] = true
	}
	return excluded
}

// Heartbeat records client liveness and computes the round-trip time.
func (s *Session) Heartbeat(receivedAt time.Time, clientSentMillis int64) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = receivedAt
	s.missedHeartbeats = 0
	if clientSentMillis > 0 {
		clientTime := time.UnixMilli(clientSentMillis)
		if rtt := receivedAt.Sub(clientTime); rtt >= 0 && rtt < 30*time.Second {
			s.rtt = rtt
		}
	}
	return s.rtt
}

// MissHeartbeat counts one missed heartbeat interval and reports the running
// total.
func (s *Session) MissHeartbeat() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missedHeartbeats++
	return s.missedHeartbeats
}

func (s *Session) close() transport.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn := s.conn
	s.conn = nil
	s.state = StateClosed
	return conn
}

func (s *Session) suspendedSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateSuspended {
		return time.Time{}, false
	}
	return s.suspendedAt, true
}
