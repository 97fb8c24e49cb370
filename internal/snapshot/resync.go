package snapshot

import "fmt"

// ResyncReason records why an entity could not be carried by the delta chain.
type ResyncReason struct {
	Kind     string
	EntityID string
}

// ResyncSignal summarises the state that triggered a forced keyframe.
type ResyncSignal struct {
	LostSpawns  uint64
	TotalEvents uint64
	Reasons     []ResyncReason
}

// ResyncPolicy decides when the delta chain has degraded enough that the
// client needs an out-of-cadence keyframe. Entities entering a client's
// visible set mid-cadence cannot ride a delta (deltas only reference entities
// a prior keyframe announced), so each withheld spawn pushes the policy
// toward forcing a keyframe.
type ResyncPolicy struct {
	totalEvents uint64
	lostSpawns  uint64
	pending     bool
	reasons     []ResyncReason
}

const lostSpawnThresholdPerTenThousand = 1
const resyncReasonLimit = 8

// NewResyncPolicy constructs an idle policy.
func NewResyncPolicy() *ResyncPolicy {
	return &ResyncPolicy{reasons: make([]ResyncReason, 0, resyncReasonLimit)}
}

// NoteEvent counts one successfully encoded delta entry.
func (p *ResyncPolicy) NoteEvent() {
	if p == nil {
		return
	}
	if p.totalEvents == ^uint64(0) {
		p.totalEvents = p.totalEvents / 2
		p.lostSpawns = p.lostSpawns / 2
	}
	p.totalEvents++
}

// NoteLostSpawn counts an entity that had to be withheld from a delta.
func (p *ResyncPolicy) NoteLostSpawn(kind, entityID string) {
	if p == nil {
		return
	}
	p.lostSpawns++
	if len(p.reasons) < resyncReasonLimit {
		p.reasons = append(p.reasons, ResyncReason{Kind: kind, EntityID: entityID})
	}
	p.evaluate()
}

func (p *ResyncPolicy) evaluate() {
	if p == nil || p.pending || p.lostSpawns == 0 {
		return
	}
	total := p.totalEvents
	if total == 0 {
		total = 1
	}
	if p.lostSpawns*10000 >= total*lostSpawnThresholdPerTenThousand {
		p.pending = true
	}
}

// Consume returns the pending signal, if any, and resets the counters.
func (p *ResyncPolicy) Consume() (ResyncSignal, bool) {
	if p == nil || !p.pending {
		return ResyncSignal{}, false
	}
	signal := ResyncSignal{
		LostSpawns:  p.lostSpawns,
		TotalEvents: p.totalEvents,
		Reasons:     append([]ResyncReason(nil), p.reasons...),
	}
	p.pending = false
	p.totalEvents = 0
	p.lostSpawns = 0
	if len(p.reasons) > 0 {
		p.reasons = p.reasons[:0]
	}
	return signal, true
}

// Summary renders the signal for log lines.
func (s ResyncSignal) Summary() string {
	if s.LostSpawns == 0 && s.TotalEvents == 0 {
		return ""
	}
	return fmt.Sprintf("lost_spawns=%d total_events=%d reasons=%v", s.LostSpawns, s.TotalEvents, s.Reasons)
}
