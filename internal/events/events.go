// Package events publishes server lifecycle facts (rooms opening and
// closing, players coming and going, match results) to pluggable sinks so
// collaborators can observe the server without reaching into room state.
package events

import (
	"context"
	"time"
)

// Type names one kind of lifecycle event.
type Type string

const (
	TypeRoomOpened         Type = "lifecycle.room_opened"
	TypeRoomClosed         Type = "lifecycle.room_closed"
	TypePlayerJoined       Type = "lifecycle.player_joined"
	TypePlayerLeft         Type = "lifecycle.player_left"
	TypeSessionExpired     Type = "lifecycle.session_expired"
	TypeMatchSummary       Type = "lifecycle.match_summary"
	TypeValidationEscalate Type = "lifecycle.validation_escalation"
)

// Severity orders events for filtering.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarn
	SeverityError
)

// Event is one published fact. Payload carries a typed, JSON-friendly body
// specific to the event type.
type Event struct {
	Type     Type           `json:"type"`
	Tick     uint64         `json:"tick"`
	Time     time.Time      `json:"time"`
	Room     string         `json:"room,omitempty"`
	ClientID string         `json:"clientId,omitempty"`
	Severity Severity       `json:"severity"`
	Payload  any            `json:"payload,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
}

// Publisher receives events. Implementations must not block the caller for
// long; the tick loop publishes inline.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, event Event)

func (f PublisherFunc) Publish(ctx context.Context, event Event) {
	if f == nil {
		return
	}
	f(ctx, event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) {}

// NopPublisher returns a publisher that discards everything.
func NopPublisher() Publisher {
	return nopPublisher{}
}

// RoomClosedPayload explains why a room shut down.
type RoomClosedPayload struct {
	Reason string `json:"reason"`
	Fault  string `json:"fault,omitempty"`
}

// PlayerLeftPayload carries the leave reason.
type PlayerLeftPayload struct {
	Reason string `json:"reason"`
}

// MatchSummaryPayload reports final scores when a room closes.
type MatchSummaryPayload struct {
	DurationTicks uint64           `json:"durationTicks"`
	Scores        map[string]int64 `json:"scores"`
}

// ValidationEscalationPayload reports a client terminated for repeated
// validation failures.
type ValidationEscalationPayload struct {
	Reason  string `json:"reason"`
	Strikes int    `json:"strikes"`
}

// RoomOpened publishes a room creation event.
func RoomOpened(ctx context.Context, pub Publisher, room string) {
	publish(ctx, pub, Event{Type: TypeRoomOpened, Room: room, Severity: SeverityInfo})
}

// RoomClosed publishes a room shutdown event with its match summary.
func RoomClosed(ctx context.Context, pub Publisher, room string, tick uint64, payload RoomClosedPayload) {
	sev := SeverityInfo
	if payload.Fault != "" {
		sev = SeverityError
	}
	publish(ctx, pub, Event{Type: TypeRoomClosed, Room: room, Tick: tick, Severity: sev, Payload: payload})
}

// PlayerJoined publishes a join event.
func PlayerJoined(ctx context.Context, pub Publisher, room, clientID string, tick uint64) {
	publish(ctx, pub, Event{Type: TypePlayerJoined, Room: room, ClientID: clientID, Tick: tick, Severity: SeverityInfo})
}

// PlayerLeft publishes a leave event.
func PlayerLeft(ctx context.Context, pub Publisher, room, clientID string, tick uint64, payload PlayerLeftPayload) {
	publish(ctx, pub, Event{Type: TypePlayerLeft, Room: room, ClientID: clientID, Tick: tick, Severity: SeverityInfo, Payload: payload})
}

// SessionExpired publishes a sticky-token expiry event.
func SessionExpired(ctx context.Context, pub Publisher, room, clientID string, tick uint64) {
	publish(ctx, pub, Event{Type: TypeSessionExpired, Room: room, ClientID: clientID, Tick: tick, Severity: SeverityInfo})
}

// MatchSummary publishes the final scores of a room.
func MatchSummary(ctx context.Context, pub Publisher, room string, tick uint64, payload MatchSummaryPayload) {
	publish(ctx, pub, Event{Type: TypeMatchSummary, Room: room, Tick: tick, Severity: SeverityInfo, Payload: payload})
}

// ValidationEscalation publishes a termination for repeated invalid input.
func ValidationEscalation(ctx context.Context, pub Publisher, room, clientID string, tick uint64, payload ValidationEscalationPayload) {
	publish(ctx, pub, Event{Type: TypeValidationEscalate, Room: room, ClientID: clientID, Tick: tick, Severity: SeverityWarn, Payload: payload})
}

func publish(ctx context.Context, pub Publisher, event Event) {
	if pub == nil {
		return
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	pub.Publish(ctx, event)
}
