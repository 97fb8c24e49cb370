// Package server ties the simulation, visibility, encoding, and session
// layers into rooms and exposes the hub that owns them.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"relic-rush/server/internal/aoi"
	"relic-rush/server/internal/events"
	"relic-rush/server/internal/proto"
	"relic-rush/server/internal/session"
	"relic-rush/server/internal/sim"
	"relic-rush/server/internal/snapshot"
	"relic-rush/server/internal/telemetry"
	"relic-rush/server/internal/transport"
)

var (
	// ErrRoomFull rejects joins beyond the configured player cap.
	ErrRoomFull = errors.New("server: room is full")
	// ErrRoomClosed rejects operations against a terminated room.
	ErrRoomClosed = errors.New("server: room is closed")
)

// Room runs one arena: an authoritative world on a fixed-tick loop, a
// visibility grid, per-session snapshot streams, and the sessions themselves.
// The mutex serializes world access between the tick loop and the
// connection goroutines.
type Room struct {
	id  string
	cfg RoomConfig

	mu        sync.Mutex
	loop      *sim.Loop
	grid      *aoi.Grid
	closed    bool
	faultInfo string

	validator *sim.Validator
	sessions  *session.Manager
	metrics   *telemetry.Metrics
	publisher events.Publisher
	logger    *log.Logger

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	onClosed func(roomID string)
}

func newRoom(id string, cfg RoomConfig, metrics *telemetry.Metrics, publisher events.Publisher, logger *log.Logger, onClosed func(string)) *Room {
	cfg = cfg.normalized()
	if logger == nil {
		logger = log.Default()
	}
	if publisher == nil {
		publisher = events.NopPublisher()
	}
	r := &Room{
		id:        id,
		cfg:       cfg,
		grid:      aoi.NewGrid(cfg.AOICellSize),
		validator: sim.NewValidator(cfg.Validation),
		sessions:  session.NewManager(cfg.Session, metrics, logger),
		metrics:   metrics,
		publisher: publisher,
		logger:    logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		onClosed:  onClosed,
	}

	world := sim.NewWorld(cfg.World)
	r.loop = sim.NewLoop(world, cfg.Loop, sim.LoopHooks{
		OnCommandDrop: func(reason string, cmd sim.Command) {
			metrics.RecordInputReject(reason)
		},
	}, metrics)
	r.populate(world)
	return r
}

// populate seeds the arena's static and roaming content. Placement uses the
// world seed so a room id plus config reproduces the same arena.
func (r *Room) populate(world *sim.World) {
	extent := world.Config().Extent
	rng := rand.New(rand.NewSource(world.Config().Seed))
	place := func() (float64, float64) {
		return (rng.Float64()*2 - 1) * extent * 0.9, (rng.Float64()*2 - 1) * extent * 0.9
	}
	for i := 0; i < r.cfg.Obstacles; i++ {
		x, y := place()
		world.SpawnObstacle(x, y)
	}
	for i := 0; i < r.cfg.Pickups; i++ {
		x, y := place()
		world.SpawnPickup(x, y, pickupLifetimeTicks)
	}
	for i := 0; i < r.cfg.Enemies; i++ {
		x, y := place()
		world.SpawnEnemy(x, y)
	}
}

// ID reports the room identifier.
func (r *Room) ID() string { return r.id }

// Run drives the room until Close is called or a simulation fault occurs.
// It blocks; the hub runs it on a dedicated goroutine per room.
func (r *Room) Run() {
	defer close(r.done)

	interval := r.loop.SliceDuration()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	housekeeping := time.NewTicker(r.sessions.Config().HeartbeatInterval)
	defer housekeeping.Stop()

	events.RoomOpened(context.Background(), r.publisher, r.id)
	last := time.Now()
	for {
		select {
		case <-r.stop:
			r.finish("")
			return
		case now := <-ticker.C:
			elapsed := now.Sub(last).Seconds()
			last = now
			if fault := r.frame(now, elapsed); fault != "" {
				r.metrics.RecordRoomFault()
				r.finish(fault)
				return
			}
		case now := <-housekeeping.C:
			r.housekeep(now)
		}
	}
}

// Close stops the room cleanly. Safe to call more than once.
func (r *Room) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

// frame advances the simulation and publishes snapshots for each consumed
// slice. A panic in the world step is contained to this room; the returned
// fault description is empty on success.
func (r *Room) frame(now time.Time, elapsed float64) (fault string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer func() {
		if recovered := recover(); recovered != nil {
			fault = describeFault(r.loop.World().Tick(), recovered)
			r.logger.Printf("room %s fault: %s", r.id, fault)
		}
	}()
	if r.closed {
		return ""
	}

	results := r.loop.Advance(now, elapsed)
	if len(results) == 0 {
		return ""
	}
	r.replenishPickups()
	for _, result := range results {
		r.metrics.RecordTickDuration(result.Duration)
		if result.DiscardedTime > 0 {
			r.logger.Printf("room %s discarded %.3fs of simulation backlog", r.id, result.DiscardedTime)
		}
	}
	// Encode once per frame against the newest slice; intermediate catch-up
	// slices carry no observable state for clients.
	r.syncClientsLocked(results[len(results)-1], now)
	return ""
}

// replenishPickups keeps the configured relic count in play as relics are
// collected or expire.
func (r *Room) replenishPickups() {
	world := r.loop.World()
	if world.Tick()%pickupReplenishEvery != 0 {
		return
	}
	count := 0
	for _, entity := range world.Entities() {
		if entity.Kind == sim.KindPickup {
			count++
		}
	}
	extent := world.Config().Extent
	rng := rand.New(rand.NewSource(world.Config().Seed + int64(world.Tick())))
	for ; count < r.cfg.Pickups; count++ {
		x := (rng.Float64()*2 - 1) * extent * 0.9
		y := (rng.Float64()*2 - 1) * extent * 0.9
		world.SpawnPickup(x, y, pickupLifetimeTicks)
	}
}

// syncClientsLocked refreshes the visibility grid and pushes one snapshot
// per active session through its backpressure queue.
func (r *Room) syncClientsLocked(result sim.StepResult, now time.Time) {
	start := time.Now()
	world := r.loop.World()

	entities := world.Entities()
	byID := make(map[string]sim.Entity, len(entities))
	for _, entity := range entities {
		byID[entity.ID] = entity
		r.grid.Update(entity.ID, entity.X, entity.Y)
	}
	for _, id := range world.DrainRemoved() {
		r.grid.Remove(id)
	}

	for _, sess := range r.sessions.Active() {
		player, ok := byID[sess.ClientID()]
		if !ok {
			continue
		}
		visible := r.grid.VisibleSet(player.X, player.Y)
		visibleEntities := make([]sim.Entity, 0, len(visible))
		for id := range visible {
			if entity, ok := byID[id]; ok {
				visibleEntities = append(visibleEntities, entity)
			}
		}

		snap := sess.Stream().Encode(result.Tick, visibleEntities, world.AppliedSequence(sess.ClientID()))
		pushed := sess.Queue().Push(snap)
		r.metrics.RecordSnapshotDrop(string(snapshot.KindDelta), len(pushed.DroppedDeltas))
		if pushed.Rejected {
			r.metrics.RecordSnapshotDrop(string(snap.Kind), 1)
			// The queue is saturated with keyframes the client has not
			// drained; force a fresh keyframe so the next push recovers the
			// chain once the backlog moves.
			sess.Stream().ForceKeyframe()
		}
		r.flushLocked(sess, now)
	}
	r.metrics.RecordEncodeDuration(time.Since(start))
}

// flushLocked drains the session's outbound queue onto its transport.
// Keyframes travel reliably; deltas ride the unreliable path when the
// transport has one.
func (r *Room) flushLocked(sess *session.Session, now time.Time) {
	conn := sess.Conn()
	if conn == nil {
		return
	}
	for {
		snap, ok := sess.Queue().Pop()
		if !ok {
			return
		}
		payload, err := proto.EncodeSnapshot(proto.SnapshotMessage{Snapshot: snap, ServerTime: now.UnixMilli()})
		if err != nil {
			r.logger.Printf("room %s encode snapshot for %s: %v", r.id, sess.ClientID(), err)
			continue
		}
		if err := conn.Send(payload, snap.IsKeyframe()); err != nil {
			r.logger.Printf("room %s send to %s over %s: %v", r.id, sess.ClientID(), conn.Kind(), err)
			r.suspendLocked(sess, conn, now)
			return
		}
		r.metrics.RecordSnapshot(string(snap.Kind), len(payload), len(snap.Entities))
	}
}

func (r *Room) suspendLocked(sess *session.Session, conn transport.Conn, now time.Time) {
	sess.MarkTransportFailed(conn.Kind())
	if released := r.sessions.Suspend(sess, now); released != nil {
		released.Close()
	}
}

// housekeep ages out silent sessions and reclaims expired ones.
func (r *Room) housekeep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	interval := r.sessions.Config().HeartbeatInterval
	limit := r.sessions.Config().MissedHeartbeatLimit
	for _, sess := range r.sessions.Active() {
		if now.Sub(sess.LastSeen()) < interval {
			continue
		}
		if sess.MissHeartbeat() >= limit {
			r.logger.Printf("room %s client %s missed %d heartbeats, suspending", r.id, sess.ClientID(), limit)
			if conn := sess.Conn(); conn != nil {
				r.suspendLocked(sess, conn, now)
			}
		}
	}

	for _, sess := range r.sessions.SweepExpired(now) {
		r.despawnLocked(sess.ClientID())
		events.SessionExpired(context.Background(), r.publisher, r.id, sess.ClientID(), r.loop.World().Tick())
	}
}

func (r *Room) despawnLocked(clientID string) {
	r.loop.World().Remove(clientID)
	r.grid.Remove(clientID)
	r.validator.Forget(clientID)
}

// Join admits a new client: session, spawned entity, validator registration.
// The caller completes negotiation and activates the session's transport.
func (r *Room) Join(name string, caps transport.CapabilitySet) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRoomClosed
	}
	if r.sessions.Len() >= r.cfg.MaxPlayers {
		return nil, ErrRoomFull
	}

	clientID := "player-" + uuid.NewString()
	sess := r.sessions.Create(clientID, r.id)
	if err := sess.BeginNegotiation(caps); err != nil {
		r.sessions.Close(sess)
		return nil, err
	}
	if _, err := r.loop.World().SpawnPlayer(clientID); err != nil {
		r.sessions.Close(sess)
		return nil, err
	}
	r.validator.Register(clientID)
	events.PlayerJoined(context.Background(), r.publisher, r.id, clientID, r.loop.World().Tick())
	r.logger.Printf("room %s join client=%s name=%q", r.id, clientID, name)
	return sess, nil
}

// Activate binds the negotiated transport to a joined session.
func (r *Room) Activate(sess *session.Session, kind transport.Kind, conn transport.Conn, now time.Time) error {
	return sess.Activate(kind, conn, now)
}

// Resume rebinds a suspended session by sticky token, possibly over a
// different transport. The world-side entity survived the disconnect, so
// the client keeps its score and position.
func (r *Room) Resume(token string, kind transport.Kind, conn transport.Conn, now time.Time) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRoomClosed
	}
	return r.sessions.Resume(token, kind, conn, now)
}

// Leave removes the client's session and entity immediately.
func (r *Room) Leave(sess *session.Session, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn := r.sessions.Close(sess); conn != nil {
		conn.Close()
	}
	r.despawnLocked(sess.ClientID())
	events.PlayerLeft(context.Background(), r.publisher, r.id, sess.ClientID(), r.loop.World().Tick(),
		events.PlayerLeftPayload{Reason: reason})
}

// Welcome builds the handshake response for an activated session.
func (r *Room) Welcome(sess *session.Session, serverCaps transport.CapabilitySet, resumed bool, now time.Time) proto.Welcome {
	return proto.Welcome{
		ClientID:         sess.ClientID(),
		Room:             r.id,
		Token:            sess.Token(),
		Transport:        sess.TransportKind(),
		ServerTransports: serverCaps,
		ServerTime:       now.UnixMilli(),
		TickRate:         r.cfg.Loop.TickRate,
		KeyframeInterval: r.sessions.Config().KeyframeInterval,
		WorldExtent:      r.cfg.World.Extent,
		Resumed:          resumed,
	}
}

// inputOutcome tells the connection goroutine how to answer one input frame.
type inputOutcome struct {
	Ack       bool
	Reject    bool
	Reason    string
	Retry     bool
	Terminate bool
}

// HandleInput validates and stages one movement input. Duplicate sequences
// are acknowledged rather than rejected so a retrying client stops resending.
func (r *Room) HandleInput(sess *session.Session, msg proto.ClientMessage, now time.Time) inputOutcome {
	if msg.Ack != nil {
		r.mu.Lock()
		sess.Stream().Ack(*msg.Ack)
		r.mu.Unlock()
	}

	cmd := sim.Command{
		ActorID:  sess.ClientID(),
		Sequence: msg.Seq,
		Type:     sim.CommandMove,
		IssuedAt: now,
		Move:     &sim.MoveCommand{DX: msg.DX, DY: msg.DY, ClientDT: msg.ClientDT},
	}

	result := r.validator.Validate(cmd, now)
	if result.Duplicate {
		return inputOutcome{Ack: true}
	}
	if !result.OK {
		r.metrics.RecordInputReject(result.Reason)
		if result.Terminate {
			events.ValidationEscalation(context.Background(), r.publisher, r.id, sess.ClientID(),
				r.loop.World().Tick(), events.ValidationEscalationPayload{Reason: result.Reason, Strikes: r.cfg.Validation.MaxStrikes})
		}
		return inputOutcome{
			Reject:    true,
			Reason:    result.Reason,
			Retry:     result.Reason == sim.RejectRateLimit,
			Terminate: result.Terminate,
		}
	}

	if ok, reason := r.loop.Enqueue(cmd); !ok {
		return inputOutcome{Reject: true, Reason: reason, Retry: true}
	}
	return inputOutcome{Ack: true}
}

// HandleHeartbeat records liveness and returns the reply payload.
func (r *Room) HandleHeartbeat(sess *session.Session, msg proto.ClientMessage, now time.Time) proto.Heartbeat {
	rtt := sess.Heartbeat(now, msg.SentAt)
	return proto.Heartbeat{
		ServerTime: now.UnixMilli(),
		ClientTime: msg.SentAt,
		RTTMillis:  rtt.Milliseconds(),
	}
}

// SuspendSession detaches a session after a transport failure, keeping it
// resumable by sticky token.
func (r *Room) SuspendSession(sess *session.Session, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn := sess.Conn(); conn != nil {
		r.suspendLocked(sess, conn, now)
	}
}

// finish tears the room down, notifying every session and publishing the
// match summary.
func (r *Room) finish(fault string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.faultInfo = fault
	world := r.loop.World()
	tick := world.Tick()

	scores := make(map[string]int64)
	for clientID, score := range world.Scores() {
		scores[clientID] = int64(score)
	}
	sessions := r.sessions.All()
	r.mu.Unlock()

	payload, err := proto.EncodeError(proto.Error{Code: proto.ErrCodeRoomClosed, Message: "room closed", Terminal: true})
	if err == nil {
		for _, sess := range sessions {
			if conn := sess.Conn(); conn != nil {
				_ = conn.Send(payload, true)
			}
		}
	}
	for _, sess := range sessions {
		if conn := r.sessions.Close(sess); conn != nil {
			conn.Close()
		}
	}

	ctx := context.Background()
	events.MatchSummary(ctx, r.publisher, r.id, tick, events.MatchSummaryPayload{DurationTicks: tick, Scores: scores})
	reason := "closed"
	if fault != "" {
		reason = "fault"
	}
	events.RoomClosed(ctx, r.publisher, r.id, tick, events.RoomClosedPayload{Reason: reason, Fault: fault})
	if r.onClosed != nil {
		r.onClosed(r.id)
	}
}

// RoomDiagnostics is the per-room slice of the diagnostics endpoint.
type RoomDiagnostics struct {
	ID       string           `json:"id"`
	Tick     uint64           `json:"tick"`
	Sessions int              `json:"sessions"`
	Active   int              `json:"active"`
	Pending  int              `json:"pendingCommands"`
	Scores   map[string]int64 `json:"scores"`
	Closed   bool             `json:"closed,omitempty"`
	Fault    string           `json:"fault,omitempty"`
}

// Diagnostics captures a point-in-time view of the room.
func (r *Room) Diagnostics() RoomDiagnostics {
	r.mu.Lock()
	defer r.mu.Unlock()
	world := r.loop.World()
	scores := make(map[string]int64)
	for clientID, score := range world.Scores() {
		scores[clientID] = int64(score)
	}
	return RoomDiagnostics{
		ID:       r.id,
		Tick:     world.Tick(),
		Sessions: r.sessions.Len(),
		Active:   len(r.sessions.Active()),
		Pending:  r.loop.Pending(),
		Scores:   scores,
		Closed:   r.closed,
		Fault:    r.faultInfo,
	}
}

func describeFault(tick uint64, recovered any) string {
	return fmt.Sprintf("tick %d: %v", tick, recovered)
}
