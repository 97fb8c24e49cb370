package snapshot

import (
	"sort"

	"relic-rush/server/internal/sim"
)

// DefaultKeyframeInterval is the cadence K: one keyframe every K snapshots.
const DefaultKeyframeInterval = 10

// DefaultSentLogLimit bounds the unacknowledged snapshot log per client.
const DefaultSentLogLimit = 128

// Stream encodes the outbound snapshot sequence for a single client. Deltas
// are diffed against the baseline: the state the client has acknowledged.
// A change keeps riding every delta until the client acknowledges a snapshot
// that carried it, so lost deltas are self-healing.
//
// Encoding never mutates world state; the stream only tracks per-client
// acknowledgement bookkeeping. Not safe for concurrent use: the owning room
// serializes Encode and Ack.
type Stream struct {
	clientID     string
	interval     int
	sentLogLimit int

	sinceKeyframe int
	sentKeyframe  bool
	force         bool

	baseline     map[string]EntityState
	baselineTick uint64
	// known holds the ids announced by a keyframe and not yet removed; only
	// these may appear in a delta's entity list.
	known   map[string]struct{}
	sentLog []Snapshot
	policy  *ResyncPolicy
}

// NewStream constructs a stream for one client.
func NewStream(clientID string, keyframeInterval int) *Stream {
	if keyframeInterval < 1 {
		keyframeInterval = DefaultKeyframeInterval
	}
	return &Stream{
		clientID:     clientID,
		interval:     keyframeInterval,
		sentLogLimit: DefaultSentLogLimit,
		baseline:     make(map[string]EntityState),
		known:        make(map[string]struct{}),
		policy:       NewResyncPolicy(),
	}
}

// ClientID reports the owning client.
func (s *Stream) ClientID() string {
	if s == nil {
		return ""
	}
	return s.clientID
}

// BaselineTick reports the tick of the last acknowledged snapshot.
func (s *Stream) BaselineTick() uint64 {
	if s == nil {
		return 0
	}
	return s.baselineTick
}

// ForceKeyframe makes the next encode emit a full keyframe regardless of
// cadence, used when the delta chain to this client is known broken.
func (s *Stream) ForceKeyframe() {
	if s == nil {
		return
	}
	s.force = true
}

// Encode produces the payload for this tick given the client's visible
// entities and the highest input sequence processed for it.
func (s *Stream) Encode(tick uint64, visible []sim.Entity, lastInputSeq uint64) Snapshot {
	if s == nil {
		return Snapshot{}
	}

	current := make(map[string]EntityState, len(visible))
	for i := range visible {
		state := EncodeEntity(visible[i])
		current[state.ID] = state
	}

	s.sinceKeyframe++
	needKeyframe := !s.sentKeyframe || s.force || s.sinceKeyframe >= s.interval

	var snap Snapshot
	if !needKeyframe {
		snap, needKeyframe = s.encodeDelta(tick, current, lastInputSeq)
	}
	if needKeyframe {
		snap = s.encodeKeyframe(tick, current, lastInputSeq)
	}

	s.sentLog = append(s.sentLog, snap)
	if len(s.sentLog) > s.sentLogLimit {
		// The client is too far behind to reconstruct acknowledgements. Drop
		// the log and fall back to a fresh recovery point.
		s.sentLog = s.sentLog[:0]
		s.baseline = make(map[string]EntityState)
		s.baselineTick = 0
		s.force = true
	}
	return snap
}

// Ack records that the client applied every snapshot up to and including the
// given tick, advancing the delta baseline.
func (s *Stream) Ack(tick uint64) {
	if s == nil || tick <= s.baselineTick {
		return
	}
	for len(s.sentLog) > 0 && s.sentLog[0].Tick <= tick {
		s.applyToBaseline(s.sentLog[0])
		s.sentLog = s.sentLog[1:]
	}
}

func (s *Stream) encodeKeyframe(tick uint64, current map[string]EntityState, lastInputSeq uint64) Snapshot {
	entities := make([]EntityState, 0, len(current))
	known := make(map[string]struct{}, len(current))
	for id, state := range current {
		entities = append(entities, state)
		known[id] = struct{}{}
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i].ID < entities[j].ID })

	s.known = known
	s.sinceKeyframe = 0
	s.sentKeyframe = true
	s.force = false
	return Snapshot{
		Tick:         tick,
		Kind:         KindKeyframe,
		Entities:     entities,
		LastInputSeq: lastInputSeq,
	}
}

// encodeDelta builds a delta, or reports that the resync policy demanded a
// keyframe instead (too many entities entered the visible set mid-cadence).
func (s *Stream) encodeDelta(tick uint64, current map[string]EntityState, lastInputSeq uint64) (Snapshot, bool) {
	var entities []EntityState
	for id, state := range current {
		if _, announced := s.known[id]; !announced {
			// A delta may only reference entities a prior keyframe announced.
			s.policy.NoteLostSpawn(string(state.Kind), id)
			continue
		}
		s.policy.NoteEvent()
		if base, ok := s.baseline[id]; ok && base == state {
			continue
		}
		entities = append(entities, state)
	}
	if _, forced := s.policy.Consume(); forced {
		return Snapshot{}, true
	}

	var removed []string
	for id := range s.known {
		if _, visible := current[id]; !visible {
			removed = append(removed, id)
		}
	}
	for id := range s.baseline {
		if _, visible := current[id]; visible {
			continue
		}
		if _, announced := s.known[id]; !announced {
			removed = append(removed, id)
		}
	}
	for _, id := range removed {
		delete(s.known, id)
	}

	sort.Slice(entities, func(i, j int) bool { return entities[i].ID < entities[j].ID })
	sort.Strings(removed)
	return Snapshot{
		Tick:         tick,
		Kind:         KindDelta,
		Entities:     entities,
		Removed:      removed,
		LastInputSeq: lastInputSeq,
	}, false
}

func (s *Stream) applyToBaseline(snap Snapshot) {
	if snap.IsKeyframe() {
		baseline := make(map[string]EntityState, len(snap.Entities))
		for _, state := range snap.Entities {
			baseline[state.ID] = state
		}
		s.baseline = baseline
	} else {
		for _, state := range snap.Entities {
			s.baseline[state.ID] = state
		}
		for _, id := range snap.Removed {
			delete(s.baseline, id)
		}
	}
	s.baselineTick = snap.Tick
}
