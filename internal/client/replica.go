package client

import (
	"relic-rush/server/internal/quant"
	"relic-rush/server/internal/sim"
	"relic-rush/server/internal/snapshot"
)

// EntityView is the dequantized client-side view of one remote entity.
type EntityView struct {
	ID       string         `json:"id"`
	Kind     sim.EntityKind `json:"kind"`
	X        float64        `json:"x"`
	Y        float64        `json:"y"`
	Rotation float64        `json:"rotation"`
}

func decodeEntity(state snapshot.EntityState) EntityView {
	return EntityView{
		ID:       state.ID,
		Kind:     state.Kind,
		X:        quant.PositionValue(state.QX),
		Y:        quant.PositionValue(state.QY),
		Rotation: quant.RotationValue(state.QRot),
	}
}

// Replica maintains the authoritative world view as snapshots arrive. Deltas
// that reference entities not yet announced by a keyframe (reordered
// delivery) are parked and re-applied after the next keyframe lands.
type Replica struct {
	tick         uint64
	lastInputSeq uint64
	entities     map[string]EntityView
	haveKeyframe bool
	parked       []snapshot.Snapshot
}

// NewReplica constructs an empty replica awaiting its first keyframe.
func NewReplica() *Replica {
	return &Replica{entities: make(map[string]EntityView)}
}

// Tick reports the tick of the last applied snapshot.
func (r *Replica) Tick() uint64 { return r.tick }

// LastInputSeq reports the highest server-processed input sequence seen.
func (r *Replica) LastInputSeq() uint64 { return r.lastInputSeq }

// Parked reports how many deltas wait for a keyframe.
func (r *Replica) Parked() int { return len(r.parked) }

// Entity looks up one entity in the replica.
func (r *Replica) Entity(id string) (EntityView, bool) {
	view, ok := r.entities[id]
	return view, ok
}

// Entities returns a copy of the current entity views keyed by id.
func (r *Replica) Entities() map[string]EntityView {
	views := make(map[string]EntityView, len(r.entities))
	for id, view := range r.entities {
		views[id] = view
	}
	return views
}

// Apply ingests one snapshot. It reports whether the snapshot mutated the
// replica now; a parked delta reports false and is retried after the next
// keyframe.
func (r *Replica) Apply(snap snapshot.Snapshot) bool {
	if snap.IsKeyframe() {
		r.applyKeyframe(snap)
		r.replayParked()
		return true
	}
	if !r.canApplyDelta(snap) {
		r.park(snap)
		return false
	}
	r.applyDelta(snap)
	return true
}

func (r *Replica) applyKeyframe(snap snapshot.Snapshot) {
	r.entities = make(map[string]EntityView, len(snap.Entities))
	for _, state := range snap.Entities {
		r.entities[state.ID] = decodeEntity(state)
	}
	r.tick = snap.Tick
	r.lastInputSeq = snap.LastInputSeq
	r.haveKeyframe = true
}

func (r *Replica) canApplyDelta(snap snapshot.Snapshot) bool {
	if !r.haveKeyframe {
		return false
	}
	for _, state := range snap.Entities {
		if _, ok := r.entities[state.ID]; !ok {
			return false
		}
	}
	return true
}

func (r *Replica) applyDelta(snap snapshot.Snapshot) {
	for _, state := range snap.Entities {
		r.entities[state.ID] = decodeEntity(state)
	}
	for _, id := range snap.Removed {
		delete(r.entities, id)
	}
	if snap.Tick > r.tick {
		r.tick = snap.Tick
	}
	if snap.LastInputSeq > r.lastInputSeq {
		r.lastInputSeq = snap.LastInputSeq
	}
}

func (r *Replica) park(snap snapshot.Snapshot) {
	// Cap the parking lot; anything older than the keyframe that eventually
	// arrives is superseded by it anyway.
	const maxParked = 32
	if len(r.parked) >= maxParked {
		r.parked = r.parked[1:]
	}
	r.parked = append(r.parked, snap)
}

func (r *Replica) replayParked() {
	parked := r.parked
	r.parked = nil
	for _, snap := range parked {
		// Deltas at or before the keyframe's tick carry stale state.
		if snap.Tick <= r.tick {
			continue
		}
		if r.canApplyDelta(snap) {
			r.applyDelta(snap)
		}
	}
}
