package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"relic-rush/server/internal/events"
	"relic-rush/server/internal/proto"
	"relic-rush/server/internal/telemetry"
	"relic-rush/server/internal/transport"
)

func newTestHub(t *testing.T) (*Hub, *events.MemoryPublisher) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Room = testRoomConfig()
	recent := events.NewMemoryPublisher(0)
	hub := NewHub(cfg, telemetry.New(), recent, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		hub.Shutdown(ctx)
	})
	return hub, recent
}

func TestGetOrCreateRoomReusesInstance(t *testing.T) {
	hub, _ := newTestHub(t)
	a, err := hub.GetOrCreateRoom("alpha")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	b, err := hub.GetOrCreateRoom("alpha")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if a != b {
		t.Fatal("same id should resolve to the same room")
	}
	if _, err := hub.GetOrCreateRoom(""); err != nil {
		t.Fatalf("default room: %v", err)
	}
	if _, ok := hub.Room(DefaultRoomID); !ok {
		t.Fatal("empty id should map to the default room")
	}
}

func TestCapabilitiesStartWebSocketOnly(t *testing.T) {
	hub, _ := newTestHub(t)
	caps := hub.Capabilities()
	if !caps.WebSocket || caps.Datagram || caps.Stream {
		t.Fatalf("initial capabilities = %+v, want websocket only", caps)
	}
	hub.EnableQUIC()
	caps = hub.Capabilities()
	if !caps.Datagram || !caps.Stream {
		t.Fatalf("capabilities after EnableQUIC = %+v", caps)
	}
}

func TestHandshakeJoinAndLeave(t *testing.T) {
	hub, _ := newTestHub(t)
	conn := newCaptureConn(transport.KindWebSocket)

	hello, _ := json.Marshal(map[string]any{
		"ver": proto.Version, "type": proto.TypeHello, "room": "alpha", "name": "tester",
		"transports": map[string]bool{"websocket": true},
	})
	conn.inbox <- hello
	leave, _ := json.Marshal(map[string]any{"ver": proto.Version, "type": proto.TypeLeave})
	conn.inbox <- leave

	hub.HandleConn(context.Background(), conn)

	frames := conn.sentFrames()
	if len(frames) == 0 {
		t.Fatal("handshake produced no frames")
	}
	var welcome struct {
		Type     string `json:"type"`
		ClientID string `json:"clientId"`
		Token    string `json:"token"`
		Room     string `json:"room"`
		TickRate int    `json:"tickRate"`
	}
	found := false
	for _, frame := range frames {
		if err := json.Unmarshal(frame, &welcome); err == nil && welcome.Type == proto.TypeWelcome {
			found = true
			break
		}
	}
	if !found {
		t.Fatal("no welcome frame in handshake traffic")
	}
	if welcome.Token == "" || welcome.ClientID == "" {
		t.Fatal("welcome missing identity or sticky token")
	}
	if welcome.Room != "alpha" || welcome.TickRate != hub.Config().Room.Loop.TickRate {
		t.Fatalf("welcome parameters = %+v", welcome)
	}

	room, _ := hub.Room("alpha")
	if got := room.Diagnostics().Sessions; got != 0 {
		t.Fatalf("sessions after leave = %d, want 0", got)
	}
}

func TestHandshakeRejectsVersionMismatch(t *testing.T) {
	hub, _ := newTestHub(t)
	conn := newCaptureConn(transport.KindWebSocket)
	bad, _ := json.Marshal(map[string]any{"ver": 99, "type": proto.TypeHello})
	conn.inbox <- bad

	hub.HandleConn(context.Background(), conn)

	frames := conn.sentFrames()
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want single error", len(frames))
	}
	var reply struct {
		Type     string `json:"type"`
		Code     string `json:"code"`
		Terminal bool   `json:"terminal"`
	}
	json.Unmarshal(frames[0], &reply)
	if reply.Type != proto.TypeError || reply.Code != proto.ErrCodeVersionMismatch || !reply.Terminal {
		t.Fatalf("reply = %+v, want terminal version_mismatch error", reply)
	}
	if !conn.closed {
		t.Fatal("rejected connection should be closed")
	}
}

func TestHandshakeNegotiationFailure(t *testing.T) {
	hub, _ := newTestHub(t)
	// Client claims QUIC only; this hub is websocket only.
	conn := newCaptureConn(transport.KindWebSocket)
	hello, _ := json.Marshal(map[string]any{
		"ver": proto.Version, "type": proto.TypeHello,
		"transports": map[string]bool{"datagram": true},
	})
	conn.inbox <- hello

	hub.HandleConn(context.Background(), conn)

	frames := conn.sentFrames()
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want single error", len(frames))
	}
	var reply struct {
		Code string `json:"code"`
	}
	json.Unmarshal(frames[0], &reply)
	if reply.Code != proto.ErrCodeNegotiationFailed {
		t.Fatalf("code = %s, want %s", reply.Code, proto.ErrCodeNegotiationFailed)
	}
}

func TestHandshakeResumeWithToken(t *testing.T) {
	hub, _ := newTestHub(t)
	room, err := hub.GetOrCreateRoom("alpha")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	first := newCaptureConn(transport.KindWebSocket)
	sess := joinActive(t, room, first)
	room.SuspendSession(sess, time.Now())

	second := newCaptureConn(transport.KindWebSocket)
	hello, _ := json.Marshal(map[string]any{
		"ver": proto.Version, "type": proto.TypeHello, "room": "alpha",
		"token":      sess.Token(),
		"transports": map[string]bool{"websocket": true},
	})
	second.inbox <- hello
	leave, _ := json.Marshal(map[string]any{"ver": proto.Version, "type": proto.TypeLeave})
	second.inbox <- leave

	hub.HandleConn(context.Background(), second)

	var welcome struct {
		Type     string `json:"type"`
		ClientID string `json:"clientId"`
		Resumed  bool   `json:"resumed"`
	}
	found := false
	for _, frame := range second.sentFrames() {
		if err := json.Unmarshal(frame, &welcome); err == nil && welcome.Type == proto.TypeWelcome {
			found = true
			break
		}
	}
	if !found {
		t.Fatal("no welcome frame after resume")
	}
	if !welcome.Resumed {
		t.Fatal("welcome should mark the session as resumed")
	}
	if welcome.ClientID != sess.ClientID() {
		t.Fatal("resume changed the client identity")
	}
}

func TestHandshakeStaleTokenRejected(t *testing.T) {
	hub, _ := newTestHub(t)
	conn := newCaptureConn(transport.KindWebSocket)
	hello, _ := json.Marshal(map[string]any{
		"ver": proto.Version, "type": proto.TypeHello, "token": "stale",
		"transports": map[string]bool{"websocket": true},
	})
	conn.inbox <- hello

	hub.HandleConn(context.Background(), conn)

	var reply struct {
		Code string `json:"code"`
	}
	frames := conn.sentFrames()
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	json.Unmarshal(frames[0], &reply)
	if reply.Code != proto.ErrCodeTokenExpired {
		t.Fatalf("code = %s, want %s", reply.Code, proto.ErrCodeTokenExpired)
	}
}

func TestMalformedFrameLimitTerminatesSession(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Room = testRoomConfig()
	cfg.MaxMalformedFrames = 3
	hub := NewHub(cfg, telemetry.New(), events.NewMemoryPublisher(0), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		hub.Shutdown(ctx)
	})

	conn := newCaptureConn(transport.KindWebSocket)
	hello, _ := json.Marshal(map[string]any{
		"ver": proto.Version, "type": proto.TypeHello, "name": "tester",
		"transports": map[string]bool{"websocket": true},
	})
	conn.inbox <- hello
	for i := 0; i < 3; i++ {
		conn.inbox <- []byte("not json")
	}

	hub.HandleConn(context.Background(), conn)

	var terminal bool
	for _, frame := range conn.sentFrames() {
		var reply struct {
			Type     string `json:"type"`
			Terminal bool   `json:"terminal"`
		}
		if json.Unmarshal(frame, &reply) == nil && reply.Type == proto.TypeError && reply.Terminal {
			terminal = true
		}
	}
	if !terminal {
		t.Fatal("expected a terminal error after the malformed frame limit")
	}
	if !conn.closed {
		t.Fatal("connection should be closed after termination")
	}
	room, ok := hub.Room(DefaultRoomID)
	if !ok {
		t.Fatal("default room missing")
	}
	if got := room.Diagnostics().Sessions; got != 0 {
		t.Fatalf("sessions after termination = %d, want 0", got)
	}
}

func TestDiagnosticsEndpoint(t *testing.T) {
	hub, recent := newTestHub(t)
	if _, err := hub.GetOrCreateRoom("alpha"); err != nil {
		t.Fatalf("create room: %v", err)
	}
	handler := NewHTTPHandler(hub, recent)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/diagnostics", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var report DiagnosticsReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode diagnostics: %v", err)
	}
	if report.Protocol != proto.Version {
		t.Fatalf("protocol = %d, want %d", report.Protocol, proto.Version)
	}
	if len(report.Rooms) != 1 || report.Rooms[0].ID != "alpha" {
		t.Fatalf("rooms = %+v", report.Rooms)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != 200 {
		t.Fatalf("health status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("metrics status = %d", rec.Code)
	}
}

func TestShutdownClosesRooms(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Room = testRoomConfig()
	recent := events.NewMemoryPublisher(0)
	hub := NewHub(cfg, telemetry.New(), recent, nil)
	if _, err := hub.GetOrCreateRoom("alpha"); err != nil {
		t.Fatalf("create room: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	hub.Shutdown(ctx)

	if _, ok := hub.Room("alpha"); ok {
		t.Fatal("room should be reaped after shutdown")
	}
	if _, err := hub.GetOrCreateRoom("beta"); err == nil {
		t.Fatal("joins after shutdown should fail")
	}
	var sawClosed bool
	for _, event := range recent.Events() {
		if event.Type == events.TypeRoomClosed {
			sawClosed = true
		}
	}
	if !sawClosed {
		t.Fatal("expected room closed event during shutdown")
	}
}
