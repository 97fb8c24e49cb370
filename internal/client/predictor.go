// Package client implements the client-side half of the netcode: optimistic
// input prediction with rewind-and-replay reconciliation, an authoritative
// world replica, and an interpolation buffer for remote entities.
package client

import (
	"relic-rush/server/internal/sim"
)

// PredictedInput is one locally applied input retained for replay until the
// server acknowledges it.
type PredictedInput struct {
	Sequence uint64  `json:"seq"`
	DX       float64 `json:"dx"`
	DY       float64 `json:"dy"`
	DT       float64 `json:"dt"`
}

// Predictor applies local inputs immediately and reconciles against
// authoritative positions. It steps movement with the same integration the
// server uses, so replay from an authoritative base is deterministic.
type Predictor struct {
	moveSpeed float64
	extent    float64

	history []PredictedInput
	x, y    float64
}

// NewPredictor constructs a predictor for a world with the given movement
// speed and half-extent. Both must match the server's advertised values.
func NewPredictor(moveSpeed, extent float64) *Predictor {
	return &Predictor{moveSpeed: moveSpeed, extent: extent}
}

// Position reports the current predicted position.
func (p *Predictor) Position() (float64, float64) {
	return p.x, p.y
}

// Pending reports how many inputs await acknowledgement.
func (p *Predictor) Pending() int {
	return len(p.history)
}

// PendingSequences returns the sequence numbers still awaiting
// acknowledgement, oldest first.
func (p *Predictor) PendingSequences() []uint64 {
	seqs := make([]uint64, len(p.history))
	for i, in := range p.history {
		seqs[i] = in.Sequence
	}
	return seqs
}

// Apply records the input and advances the predicted position optimistically.
func (p *Predictor) Apply(in PredictedInput) {
	p.history = append(p.history, in)
	p.x, p.y = sim.StepMovement(p.x, p.y, in.DX, in.DY, in.DT, p.moveSpeed, p.extent)
}

// Reconcile rewinds to the authoritative position, discards inputs the
// server has already processed, and replays the remainder. With an empty
// replay buffer the predicted state equals the authoritative state exactly.
func (p *Predictor) Reconcile(authX, authY float64, lastInputSeq uint64) {
	kept := p.history[:0]
	for _, in := range p.history {
		if in.Sequence > lastInputSeq {
			kept = append(kept, in)
		}
	}
	p.history = kept

	p.x, p.y = authX, authY
	for _, in := range p.history {
		p.x, p.y = sim.StepMovement(p.x, p.y, in.DX, in.DY, in.DT, p.moveSpeed, p.extent)
	}
}

// Reset drops all pending history and pins the predicted position, used when
// the client resynchronizes from a fresh keyframe after reconnection.
func (p *Predictor) Reset(x, y float64) {
	p.history = p.history[:0]
	p.x, p.y = x, y
}
