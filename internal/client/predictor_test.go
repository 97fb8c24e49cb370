package client

import (
	"math"
	"testing"

	"relic-rush/server/internal/sim"
)

const (
	testSpeed  = 8.0
	testExtent = 512.0
)

func input(seq uint64, dx, dy float64) PredictedInput {
	return PredictedInput{Sequence: seq, DX: dx, DY: dy, DT: 1.0 / 60.0}
}

func TestReconcileDiscardsAckedAndReplaysRest(t *testing.T) {
	p := NewPredictor(testSpeed, testExtent)
	p.Apply(input(1, 1, 0))
	p.Apply(input(2, 1, 0))
	p.Apply(input(3, 0, 1))

	// Server processed up to sequence 2; its authoritative position is the
	// result of the first two inputs.
	authX, authY := 0.0, 0.0
	authX, authY = sim.StepMovement(authX, authY, 1, 0, 1.0/60.0, testSpeed, testExtent)
	authX, authY = sim.StepMovement(authX, authY, 1, 0, 1.0/60.0, testSpeed, testExtent)

	p.Reconcile(authX, authY, 2)

	if got := p.PendingSequences(); len(got) != 1 || got[0] != 3 {
		t.Fatalf("pending after ack 2 = %v, want [3]", got)
	}
	wantX, wantY := sim.StepMovement(authX, authY, 0, 1, 1.0/60.0, testSpeed, testExtent)
	gotX, gotY := p.Position()
	if gotX != wantX || gotY != wantY {
		t.Fatalf("position = (%v, %v), want (%v, %v)", gotX, gotY, wantX, wantY)
	}
}

func TestReconcileEmptyBufferMatchesAuthoritative(t *testing.T) {
	p := NewPredictor(testSpeed, testExtent)
	p.Apply(input(1, 1, 1))
	p.Reconcile(4.25, -3.5, 1)
	if got := p.Pending(); got != 0 {
		t.Fatalf("pending = %d, want 0", got)
	}
	gotX, gotY := p.Position()
	if gotX != 4.25 || gotY != -3.5 {
		t.Fatalf("position = (%v, %v), want authoritative (4.25, -3.5)", gotX, gotY)
	}
}

func TestReplayFromAuthoritativeBaseIsDeterministic(t *testing.T) {
	inputs := []PredictedInput{
		input(5, 1, 0), input(6, 0.7, -0.7), input(7, -1, 0.2), input(8, 0, 1),
	}

	// Replay via the predictor from an authoritative base.
	p := NewPredictor(testSpeed, testExtent)
	for _, in := range inputs {
		p.Apply(in)
	}
	p.Reconcile(10, 20, 4)
	gotX, gotY := p.Position()

	// Direct integration of the same inputs from the same base.
	wantX, wantY := 10.0, 20.0
	for _, in := range inputs {
		wantX, wantY = sim.StepMovement(wantX, wantY, in.DX, in.DY, in.DT, testSpeed, testExtent)
	}
	if math.Abs(gotX-wantX) > 1e-12 || math.Abs(gotY-wantY) > 1e-12 {
		t.Fatalf("replay = (%v, %v), want (%v, %v)", gotX, gotY, wantX, wantY)
	}
}

func TestRepeatedReconcileWithSameAckIsStable(t *testing.T) {
	p := NewPredictor(testSpeed, testExtent)
	p.Apply(input(1, 1, 0))
	p.Apply(input(2, 0, 1))

	p.Reconcile(0, 0, 1)
	x1, y1 := p.Position()
	p.Reconcile(0, 0, 1)
	x2, y2 := p.Position()
	if x1 != x2 || y1 != y2 {
		t.Fatalf("reconcile not stable: (%v, %v) then (%v, %v)", x1, y1, x2, y2)
	}
}

func TestResetDropsHistory(t *testing.T) {
	p := NewPredictor(testSpeed, testExtent)
	p.Apply(input(1, 1, 0))
	p.Apply(input(2, 1, 0))
	p.Reset(7, 7)
	if got := p.Pending(); got != 0 {
		t.Fatalf("pending after reset = %d, want 0", got)
	}
	if x, y := p.Position(); x != 7 || y != 7 {
		t.Fatalf("position after reset = (%v, %v), want (7, 7)", x, y)
	}
}
