package server

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"relic-rush/server/internal/events"
	"relic-rush/server/internal/proto"
	"relic-rush/server/internal/session"
	"relic-rush/server/internal/sim"
	"relic-rush/server/internal/snapshot"
	"relic-rush/server/internal/telemetry"
	"relic-rush/server/internal/transport"
)

// captureConn records sent payloads so tests can inspect the wire traffic.
type captureConn struct {
	kind transport.Kind

	mu     sync.Mutex
	sent   [][]byte
	inbox  chan []byte
	closed bool
	failOn int // fail the nth Send (1-based), 0 disables
}

func newCaptureConn(kind transport.Kind) *captureConn {
	return &captureConn{kind: kind, inbox: make(chan []byte, 16)}
}

func (c *captureConn) Kind() transport.Kind { return c.kind }

func (c *captureConn) Send(payload []byte, reliable bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failOn > 0 && len(c.sent)+1 >= c.failOn {
		return transport.ErrConnClosed
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	c.sent = append(c.sent, buf)
	return nil
}

func (c *captureConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case payload, ok := <-c.inbox:
		if !ok {
			return nil, transport.ErrConnClosed
		}
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *captureConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *captureConn) sentFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *captureConn) snapshots(t *testing.T) []snapshot.Snapshot {
	t.Helper()
	var snaps []snapshot.Snapshot
	for _, frame := range c.sentFrames() {
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(frame, &head); err != nil {
			t.Fatalf("frame not JSON: %v", err)
		}
		if head.Type != proto.TypeSnapshot {
			continue
		}
		msg, err := proto.DecodeSnapshot(frame)
		if err != nil {
			t.Fatalf("decode snapshot: %v", err)
		}
		snaps = append(snaps, msg.Snapshot)
	}
	return snaps
}

func testRoomConfig() RoomConfig {
	cfg := DefaultConfig().Room
	cfg.Pickups = 0
	cfg.Obstacles = 0
	cfg.Enemies = 0
	return cfg
}

func newTestRoom(t *testing.T, cfg RoomConfig) (*Room, *events.MemoryPublisher) {
	t.Helper()
	recent := events.NewMemoryPublisher(0)
	room := newRoom("room-test", cfg, telemetry.New(), recent, nil, nil)
	return room, recent
}

func joinActive(t *testing.T, room *Room, conn *captureConn) *session.Session {
	t.Helper()
	sess, err := room.Join("tester", transport.CapabilitySet{WebSocket: true})
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := room.Activate(sess, conn.Kind(), conn, time.Now()); err != nil {
		t.Fatalf("activate: %v", err)
	}
	return sess
}

func advance(room *Room, ticks int) {
	now := time.Now()
	slice := 1.0 / float64(room.cfg.Loop.TickRate)
	for i := 0; i < ticks; i++ {
		now = now.Add(room.loop.SliceDuration())
		room.frame(now, slice)
	}
}

func TestJoinDeliversKeyframeFirst(t *testing.T) {
	room, _ := newTestRoom(t, testRoomConfig())
	conn := newCaptureConn(transport.KindWebSocket)
	joinActive(t, room, conn)

	advance(room, 1)

	snaps := conn.snapshots(t)
	if len(snaps) != 1 {
		t.Fatalf("snapshots after first tick = %d, want 1", len(snaps))
	}
	if !snaps[0].IsKeyframe() {
		t.Fatal("first snapshot must be a keyframe")
	}
	found := false
	for _, entity := range snaps[0].Entities {
		if entity.Kind == sim.KindPlayer {
			found = true
		}
	}
	if !found {
		t.Fatal("keyframe missing the joining player")
	}
}

func TestInputMovesPlayerAndIsAcked(t *testing.T) {
	room, _ := newTestRoom(t, testRoomConfig())
	conn := newCaptureConn(transport.KindWebSocket)
	sess := joinActive(t, room, conn)

	outcome := room.HandleInput(sess, proto.ClientMessage{
		Type: proto.TypeInput, Seq: 1, DX: 1, ClientDT: 1.0 / 60.0,
	}, time.Now())
	if !outcome.Ack {
		t.Fatalf("valid input outcome = %+v, want ack", outcome)
	}

	advance(room, 1)
	entity, ok := room.loop.World().Entity(sess.ClientID())
	if !ok {
		t.Fatal("player entity missing")
	}
	if entity.X <= 0 {
		t.Fatalf("player x = %v, want positive after moving right", entity.X)
	}
}

func TestDuplicateSequenceIsAckedNotApplied(t *testing.T) {
	room, _ := newTestRoom(t, testRoomConfig())
	conn := newCaptureConn(transport.KindWebSocket)
	sess := joinActive(t, room, conn)

	msg := proto.ClientMessage{Type: proto.TypeInput, Seq: 5, DX: 1, ClientDT: 1.0 / 60.0}
	if outcome := room.HandleInput(sess, msg, time.Now()); !outcome.Ack {
		t.Fatal("first send of seq 5 should be accepted")
	}
	advance(room, 1)
	entity, _ := room.loop.World().Entity(sess.ClientID())
	before := entity.X

	if outcome := room.HandleInput(sess, msg, time.Now()); !outcome.Ack {
		t.Fatalf("duplicate seq 5 outcome = %+v, want ack", outcome)
	}
	advance(room, 1)
	entity, _ = room.loop.World().Entity(sess.ClientID())
	if entity.X != before {
		t.Fatalf("duplicate input moved the player: %v -> %v", before, entity.X)
	}
}

func TestSnapshotAckAdvancesBaseline(t *testing.T) {
	room, _ := newTestRoom(t, testRoomConfig())
	conn := newCaptureConn(transport.KindWebSocket)
	sess := joinActive(t, room, conn)

	advance(room, 1)
	snaps := conn.snapshots(t)
	tick := snaps[0].Tick

	room.HandleInput(sess, proto.ClientMessage{Type: proto.TypeInput, Seq: 1, Ack: &tick}, time.Now())
	if got := sess.Stream().BaselineTick(); got != tick {
		t.Fatalf("baseline tick = %d, want %d", got, tick)
	}
}

func TestKeyframeCadence(t *testing.T) {
	room, _ := newTestRoom(t, testRoomConfig())
	conn := newCaptureConn(transport.KindWebSocket)
	joinActive(t, room, conn)

	interval := room.sessions.Config().KeyframeInterval
	advance(room, interval+1)

	snaps := conn.snapshots(t)
	if len(snaps) < interval+1 {
		t.Fatalf("snapshots = %d, want at least %d", len(snaps), interval+1)
	}
	if !snaps[0].IsKeyframe() {
		t.Fatal("stream must open with a keyframe")
	}
	for i := 1; i < interval; i++ {
		if snaps[i].IsKeyframe() {
			t.Fatalf("snapshot %d is a keyframe before the cadence point", i)
		}
	}
	if !snaps[interval].IsKeyframe() {
		t.Fatalf("snapshot %d should be the cadence keyframe", interval)
	}
}

func TestSendFailureSuspendsSession(t *testing.T) {
	room, _ := newTestRoom(t, testRoomConfig())
	conn := newCaptureConn(transport.KindWebSocket)
	conn.failOn = 1
	sess := joinActive(t, room, conn)

	advance(room, 1)
	if got := sess.State(); got != session.StateSuspended {
		t.Fatalf("state after send failure = %s, want %s", got, session.StateSuspended)
	}
	excluded := sess.MarkTransportFailed("")
	if !excluded[transport.KindWebSocket] {
		t.Fatal("failed transport should be excluded from renegotiation")
	}
}

func TestResumeKeepsWorldEntityAndScore(t *testing.T) {
	room, _ := newTestRoom(t, testRoomConfig())
	conn := newCaptureConn(transport.KindWebSocket)
	sess := joinActive(t, room, conn)

	room.HandleInput(sess, proto.ClientMessage{Type: proto.TypeInput, Seq: 1, DX: 1, ClientDT: 1.0 / 60.0}, time.Now())
	advance(room, 1)
	entity, _ := room.loop.World().Entity(sess.ClientID())
	movedX := entity.X

	room.SuspendSession(sess, time.Now())

	fresh := newCaptureConn(transport.KindQUICStream)
	resumed, err := room.Resume(sess.Token(), transport.KindQUICStream, fresh, time.Now())
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.ClientID() != sess.ClientID() {
		t.Fatal("resume returned a different identity")
	}
	entity, ok := room.loop.World().Entity(sess.ClientID())
	if !ok {
		t.Fatal("world entity lost across suspension")
	}
	if entity.X != movedX {
		t.Fatalf("position lost across resume: %v != %v", entity.X, movedX)
	}

	advance(room, 1)
	snaps := fresh.snapshots(t)
	if len(snaps) == 0 || !snaps[0].IsKeyframe() {
		t.Fatal("first snapshot after resume must be a keyframe")
	}
}

func TestSessionExpiryDespawnsPlayer(t *testing.T) {
	cfg := testRoomConfig()
	cfg.Session.TokenTTL = 50 * time.Millisecond
	room, recent := newTestRoom(t, cfg)
	conn := newCaptureConn(transport.KindWebSocket)
	sess := joinActive(t, room, conn)

	room.SuspendSession(sess, time.Now())
	room.housekeep(time.Now().Add(time.Second))

	if _, ok := room.loop.World().Entity(sess.ClientID()); ok {
		t.Fatal("expired session's entity should be removed")
	}
	var sawExpiry bool
	for _, event := range recent.Events() {
		if event.Type == events.TypeSessionExpired && event.ClientID == sess.ClientID() {
			sawExpiry = true
		}
	}
	if !sawExpiry {
		t.Fatal("expected a session expired event")
	}
}

func TestLeaveRemovesEverything(t *testing.T) {
	room, recent := newTestRoom(t, testRoomConfig())
	conn := newCaptureConn(transport.KindWebSocket)
	sess := joinActive(t, room, conn)

	room.Leave(sess, "client requested")
	if _, ok := room.loop.World().Entity(sess.ClientID()); ok {
		t.Fatal("entity should be gone after leave")
	}
	if !conn.closed {
		t.Fatal("leave should close the transport")
	}
	var sawLeft bool
	for _, event := range recent.Events() {
		if event.Type == events.TypePlayerLeft {
			sawLeft = true
		}
	}
	if !sawLeft {
		t.Fatal("expected a player left event")
	}
}

func TestRoomFullRejectsJoin(t *testing.T) {
	cfg := testRoomConfig()
	cfg.MaxPlayers = 1
	room, _ := newTestRoom(t, cfg)
	joinActive(t, room, newCaptureConn(transport.KindWebSocket))

	if _, err := room.Join("late", transport.CapabilitySet{WebSocket: true}); err != ErrRoomFull {
		t.Fatalf("second join error = %v, want ErrRoomFull", err)
	}
}

func TestFinishPublishesMatchSummary(t *testing.T) {
	room, recent := newTestRoom(t, testRoomConfig())
	conn := newCaptureConn(transport.KindWebSocket)
	joinActive(t, room, conn)

	room.finish("")

	var sawSummary, sawClosed bool
	for _, event := range recent.Events() {
		switch event.Type {
		case events.TypeMatchSummary:
			sawSummary = true
		case events.TypeRoomClosed:
			sawClosed = true
			payload, ok := event.Payload.(events.RoomClosedPayload)
			if !ok || payload.Reason != "closed" {
				t.Fatalf("room closed payload = %+v", event.Payload)
			}
		}
	}
	if !sawSummary || !sawClosed {
		t.Fatalf("summary=%v closed=%v, want both", sawSummary, sawClosed)
	}
	if !conn.closed {
		t.Fatal("finish should close session transports")
	}

	// The terminal error frame reaches the client before the close.
	var sawRoomClosed bool
	for _, frame := range conn.sentFrames() {
		var head struct {
			Type string `json:"type"`
			Code string `json:"code"`
		}
		json.Unmarshal(frame, &head)
		if head.Type == proto.TypeError && head.Code == proto.ErrCodeRoomClosed {
			sawRoomClosed = true
		}
	}
	if !sawRoomClosed {
		t.Fatal("clients should be told the room closed")
	}
}

func TestPickupReplenishKeepsCount(t *testing.T) {
	cfg := testRoomConfig()
	cfg.Pickups = 4
	room, _ := newTestRoom(t, cfg)

	count := func() int {
		n := 0
		for _, entity := range room.loop.World().Entities() {
			if entity.Kind == sim.KindPickup {
				n++
			}
		}
		return n
	}
	if got := count(); got != 4 {
		t.Fatalf("initial pickups = %d, want 4", got)
	}
	// Remove two, then run past a replenish boundary.
	removed := 0
	for _, entity := range room.loop.World().Entities() {
		if entity.Kind == sim.KindPickup && removed < 2 {
			room.loop.World().Remove(entity.ID)
			removed++
		}
	}
	advance(room, pickupReplenishEvery+1)
	if got := count(); got != 4 {
		t.Fatalf("pickups after replenish = %d, want 4", got)
	}
}

func TestSnapshotAcksOnlyAppliedInputs(t *testing.T) {
	room, _ := newTestRoom(t, testRoomConfig())
	conn := newCaptureConn(transport.KindWebSocket)
	sess := joinActive(t, room, conn)

	// Push an input through intake only, emulating a command that arrives
	// after the frame has already drained its queue: validated, watermark
	// advanced, but not yet applied to the world.
	result := room.validator.Validate(sim.Command{
		ActorID:  sess.ClientID(),
		Sequence: 5,
		Type:     sim.CommandMove,
		Move:     &sim.MoveCommand{DX: 1},
	}, time.Now())
	if !result.OK {
		t.Fatalf("validate: %+v", result)
	}

	advance(room, 1)
	snaps := conn.snapshots(t)
	if len(snaps) == 0 {
		t.Fatal("expected a snapshot")
	}
	if got := snaps[len(snaps)-1].LastInputSeq; got != 0 {
		t.Fatalf("snapshot acks seq %d before it was applied, want 0", got)
	}

	// Once the command actually reaches the world, the snapshot reports it.
	if ok, reason := room.loop.Enqueue(sim.Command{
		ActorID:  sess.ClientID(),
		Sequence: 5,
		Type:     sim.CommandMove,
		Move:     &sim.MoveCommand{DX: 1, ClientDT: 1.0 / 60.0},
	}); !ok {
		t.Fatalf("enqueue: %s", reason)
	}
	advance(room, 1)
	snaps = conn.snapshots(t)
	if got := snaps[len(snaps)-1].LastInputSeq; got != 5 {
		t.Fatalf("snapshot LastInputSeq = %d after apply, want 5", got)
	}
}
