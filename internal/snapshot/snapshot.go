// Package snapshot builds the per-client keyframe and delta payloads that
// carry world state to clients, and owns the backpressure rules for clients
// that fall behind.
package snapshot

import (
	"relic-rush/server/internal/quant"
	"relic-rush/server/internal/sim"
)

// Kind distinguishes full recovery points from incremental updates.
type Kind string

const (
	// KindKeyframe is the full authoritative state of a client's visible set.
	KindKeyframe Kind = "keyframe"
	// KindDelta carries only changes since the client's acknowledged state.
	KindDelta Kind = "delta"
)

// EntityState is the quantized wire form of one entity.
type EntityState struct {
	ID   string         `json:"id"`
	Kind sim.EntityKind `json:"kind"`
	QX   int32          `json:"qx"`
	QY   int32          `json:"qy"`
	QRot uint8          `json:"qrot"`
}

// EncodeEntity quantizes an authoritative entity into wire form.
func EncodeEntity(entity sim.Entity) EntityState {
	return EntityState{
		ID:   entity.ID,
		Kind: entity.Kind,
		QX:   quant.Position(entity.X),
		QY:   quant.Position(entity.Y),
		QRot: quant.Rotation(entity.Rotation),
	}
}

// Snapshot is one per-client payload tagged with the producing tick and the
// highest input sequence the simulation has processed for that client.
type Snapshot struct {
	Tick         uint64        `json:"t"`
	Kind         Kind          `json:"kind"`
	Entities     []EntityState `json:"entities,omitempty"`
	Removed      []string      `json:"removed,omitempty"`
	LastInputSeq uint64        `json:"lastInputSeq"`
}

// IsKeyframe reports whether the snapshot is a full recovery point.
func (s Snapshot) IsKeyframe() bool {
	return s.Kind == KindKeyframe
}
