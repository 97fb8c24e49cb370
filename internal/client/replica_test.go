package client

import (
	"math"
	"testing"
	"time"

	"relic-rush/server/internal/quant"
	"relic-rush/server/internal/sim"
	"relic-rush/server/internal/snapshot"
)

func wireEntity(id string, kind sim.EntityKind, x, y float64) snapshot.EntityState {
	return snapshot.EntityState{
		ID:   id,
		Kind: kind,
		QX:   quant.Position(x),
		QY:   quant.Position(y),
	}
}

func keyframe(tick uint64, entities ...snapshot.EntityState) snapshot.Snapshot {
	return snapshot.Snapshot{Tick: tick, Kind: snapshot.KindKeyframe, Entities: entities}
}

func delta(tick uint64, entities ...snapshot.EntityState) snapshot.Snapshot {
	return snapshot.Snapshot{Tick: tick, Kind: snapshot.KindDelta, Entities: entities}
}

func TestKeyframeReplacesState(t *testing.T) {
	r := NewReplica()
	r.Apply(keyframe(10,
		wireEntity("player-a", sim.KindPlayer, 1, 2),
		wireEntity("pickup-1", sim.KindPickup, 5, 5),
	))
	r.Apply(keyframe(20, wireEntity("player-a", sim.KindPlayer, 3, 4)))

	if _, ok := r.Entity("pickup-1"); ok {
		t.Fatal("entity absent from keyframe should be dropped")
	}
	view, ok := r.Entity("player-a")
	if !ok {
		t.Fatal("player-a missing after keyframe")
	}
	if math.Abs(view.X-3) > quant.PositionStep || math.Abs(view.Y-4) > quant.PositionStep {
		t.Fatalf("player-a at (%v, %v), want about (3, 4)", view.X, view.Y)
	}
	if got := r.Tick(); got != 20 {
		t.Fatalf("tick = %d, want 20", got)
	}
}

func TestDeltaUpdatesAndRemoves(t *testing.T) {
	r := NewReplica()
	r.Apply(keyframe(10,
		wireEntity("player-a", sim.KindPlayer, 1, 1),
		wireEntity("enemy-1", sim.KindEnemy, 9, 9),
	))

	d := delta(11, wireEntity("player-a", sim.KindPlayer, 2, 1))
	d.Removed = []string{"enemy-1"}
	if !r.Apply(d) {
		t.Fatal("delta over known entities should apply immediately")
	}
	if _, ok := r.Entity("enemy-1"); ok {
		t.Fatal("removal entry should delete the entity")
	}
	view, _ := r.Entity("player-a")
	if math.Abs(view.X-2) > quant.PositionStep {
		t.Fatalf("player-a x = %v, want about 2", view.X)
	}
}

func TestDeltaBeforeKeyframeIsParked(t *testing.T) {
	r := NewReplica()
	if r.Apply(delta(11, wireEntity("player-a", sim.KindPlayer, 2, 2))) {
		t.Fatal("delta before any keyframe must not apply")
	}
	if got := r.Parked(); got != 1 {
		t.Fatalf("parked = %d, want 1", got)
	}

	r.Apply(keyframe(10, wireEntity("player-a", sim.KindPlayer, 1, 1)))
	if got := r.Parked(); got != 0 {
		t.Fatalf("parked after keyframe = %d, want 0", got)
	}
	view, _ := r.Entity("player-a")
	if math.Abs(view.X-2) > quant.PositionStep {
		t.Fatalf("parked delta not replayed: x = %v, want about 2", view.X)
	}
	if got := r.Tick(); got != 11 {
		t.Fatalf("tick = %d, want 11", got)
	}
}

func TestStaleParkedDeltaIsDiscarded(t *testing.T) {
	r := NewReplica()
	r.Apply(delta(5, wireEntity("player-a", sim.KindPlayer, 2, 2)))
	// The keyframe is newer than the parked delta, which is now stale.
	r.Apply(keyframe(10, wireEntity("player-a", sim.KindPlayer, 1, 1)))

	view, _ := r.Entity("player-a")
	if math.Abs(view.X-1) > quant.PositionStep {
		t.Fatalf("stale delta overwrote keyframe: x = %v, want about 1", view.X)
	}
}

func TestDeltaForUnknownEntityIsParked(t *testing.T) {
	r := NewReplica()
	r.Apply(keyframe(10, wireEntity("player-a", sim.KindPlayer, 1, 1)))

	if r.Apply(delta(11, wireEntity("enemy-1", sim.KindEnemy, 5, 5))) {
		t.Fatal("delta naming an unannounced entity must be parked")
	}
	r.Apply(keyframe(12,
		wireEntity("player-a", sim.KindPlayer, 1, 1),
		wireEntity("enemy-1", sim.KindEnemy, 4, 4),
	))
	// The parked delta predates the announcing keyframe and stays discarded.
	view, _ := r.Entity("enemy-1")
	if math.Abs(view.X-4) > quant.PositionStep {
		t.Fatalf("enemy-1 x = %v, want about 4", view.X)
	}
}

func TestInterpolatorMidpoint(t *testing.T) {
	ip := NewInterpolator()
	base := time.Now()

	at0 := base
	at1 := base.Add(100 * time.Millisecond)
	ip.Observe(at0, map[string]EntityView{"e": {ID: "e", X: 0, Y: 0}})
	ip.Observe(at1, map[string]EntityView{"e": {ID: "e", X: 10, Y: 20}})

	// Render delay is 100ms, so sampling 150ms after the first observation
	// lands halfway between the two samples.
	views := ip.Sample(base.Add(150 * time.Millisecond))
	view, ok := views["e"]
	if !ok {
		t.Fatal("entity missing from interpolated sample")
	}
	if math.Abs(view.X-5) > 1e-9 || math.Abs(view.Y-10) > 1e-9 {
		t.Fatalf("midpoint = (%v, %v), want (5, 10)", view.X, view.Y)
	}
}

func TestInterpolatorHoldsNewestWhenAhead(t *testing.T) {
	ip := NewInterpolator()
	base := time.Now()
	ip.Observe(base, map[string]EntityView{"e": {ID: "e", X: 3}})

	views := ip.Sample(base.Add(time.Second))
	if got := views["e"].X; got != 3 {
		t.Fatalf("held x = %v, want 3", got)
	}
}

func TestTuneDelayClampsToWindow(t *testing.T) {
	ip := NewInterpolator()
	ip.TuneDelay(10 * time.Millisecond)
	if got := ip.Delay(); got != MinInterpDelay {
		t.Fatalf("delay for low rtt = %v, want %v", got, MinInterpDelay)
	}
	ip.TuneDelay(500 * time.Millisecond)
	if got := ip.Delay(); got != MaxInterpDelay {
		t.Fatalf("delay for high rtt = %v, want %v", got, MaxInterpDelay)
	}
	ip.TuneDelay(120 * time.Millisecond)
	if got := ip.Delay(); got != 120*time.Millisecond {
		t.Fatalf("delay for in-window rtt = %v, want 120ms", got)
	}
}

func TestLerpAngleShortestArc(t *testing.T) {
	// Crossing the wrap point: from 350 degrees to 10 degrees should pass
	// through 0, not swing backwards through 180.
	a := 350.0 * math.Pi / 180.0
	b := 10.0 * math.Pi / 180.0
	mid := lerpAngle(a, b, 0.5)
	normalized := math.Mod(mid+2*math.Pi, 2*math.Pi)
	if math.Abs(normalized-2*math.Pi) > 1e-9 && math.Abs(normalized) > 1e-9 {
		t.Fatalf("midpoint angle = %v rad, want about 0", normalized)
	}
}
