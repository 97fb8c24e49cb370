package server

import (
	"context"
	"log"
	"sync"
	"time"

	"relic-rush/server/internal/events"
	"relic-rush/server/internal/proto"
	"relic-rush/server/internal/session"
	"relic-rush/server/internal/telemetry"
	"relic-rush/server/internal/transport"
)

// Hub owns the room registry and the server-wide transport capabilities.
// Rooms run independently; the hub only creates, looks up, and reaps them.
type Hub struct {
	cfg       Config
	metrics   *telemetry.Metrics
	publisher events.Publisher
	logger    *log.Logger

	serverCaps transport.CapabilitySet

	mu     sync.Mutex
	rooms  map[string]*Room
	closed bool
}

// NewHub constructs a hub. The QUIC capability flags are set by the caller
// once it knows whether the QUIC listener came up.
func NewHub(cfg Config, metrics *telemetry.Metrics, publisher events.Publisher, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	if publisher == nil {
		publisher = events.NopPublisher()
	}
	return &Hub{
		cfg:        cfg.normalized(),
		metrics:    metrics,
		publisher:  publisher,
		logger:     logger,
		serverCaps: transport.CapabilitySet{WebSocket: true},
		rooms:      make(map[string]*Room),
	}
}

// EnableQUIC advertises the QUIC transports once the listener is serving.
func (h *Hub) EnableQUIC() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.serverCaps.Datagram = true
	h.serverCaps.Stream = true
}

// Capabilities reports the transports this server can bind.
func (h *Hub) Capabilities() transport.CapabilitySet {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.serverCaps
}

// Config reports the normalized server configuration.
func (h *Hub) Config() Config {
	return h.cfg
}

// Room resolves an existing room by id.
func (h *Hub) Room(id string) (*Room, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[id]
	return room, ok
}

// GetOrCreateRoom resolves a room, allocating and starting it on first use.
func (h *Hub) GetOrCreateRoom(id string) (*Room, error) {
	if id == "" {
		id = DefaultRoomID
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrRoomClosed
	}
	if room, ok := h.rooms[id]; ok {
		return room, nil
	}
	room := newRoom(id, h.cfg.Room, h.metrics, h.publisher, h.logger, h.reapRoom)
	h.rooms[id] = room
	h.metrics.RecordRoomCount(1)
	go room.Run()
	return room, nil
}

// reapRoom drops a finished room from the registry. Called by the room
// itself on shutdown, so it must not block on the room's goroutine.
func (h *Hub) reapRoom(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[id]; ok {
		delete(h.rooms, id)
		h.metrics.RecordRoomCount(-1)
	}
}

// ResumeByToken searches rooms for a suspended session holding the token.
// The client supplies its room id on reconnect; the scan is the fallback
// when it does not.
func (h *Hub) ResumeByToken(roomID, token string, kind transport.Kind, conn transport.Conn, now time.Time) (*Room, *session.Session, error) {
	if roomID != "" {
		room, ok := h.Room(roomID)
		if !ok {
			return nil, nil, ErrRoomClosed
		}
		sess, err := room.Resume(token, kind, conn, now)
		if err != nil {
			return nil, nil, err
		}
		return room, sess, nil
	}
	h.mu.Lock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, room := range h.rooms {
		rooms = append(rooms, room)
	}
	h.mu.Unlock()
	for _, room := range rooms {
		if sess, err := room.Resume(token, kind, conn, now); err == nil {
			return room, sess, nil
		}
	}
	return nil, nil, ErrRoomClosed
}

// Shutdown closes every room and refuses further joins.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	h.closed = true
	rooms := make([]*Room, 0, len(h.rooms))
	for _, room := range h.rooms {
		rooms = append(rooms, room)
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, room := range rooms {
			room.Close()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		h.logger.Printf("hub shutdown interrupted: %v", ctx.Err())
	}
}

// DiagnosticsReport is the body of the diagnostics endpoint.
type DiagnosticsReport struct {
	ServerTime int64                 `json:"serverTime"`
	Protocol   int                   `json:"protocol"`
	Transports []transport.Kind      `json:"transports"`
	Counters   telemetry.Diagnostics `json:"counters"`
	Rooms      []RoomDiagnostics     `json:"rooms"`
	Events     []events.Event        `json:"recentEvents,omitempty"`
}

// Diagnostics assembles the live server view. The memory publisher is
// optional; without one the recent-events section is omitted.
func (h *Hub) Diagnostics(recent *events.MemoryPublisher) DiagnosticsReport {
	h.mu.Lock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, room := range h.rooms {
		rooms = append(rooms, room)
	}
	caps := h.serverCaps
	h.mu.Unlock()

	report := DiagnosticsReport{
		ServerTime: time.Now().UnixMilli(),
		Protocol:   proto.Version,
		Counters:   h.metrics.Snapshot(),
	}
	for _, kind := range transport.PriorityOrder {
		if caps.Supports(kind) {
			report.Transports = append(report.Transports, kind)
		}
	}
	for _, room := range rooms {
		report.Rooms = append(report.Rooms, room.Diagnostics())
	}
	if recent != nil {
		report.Events = recent.Events()
	}
	return report
}
