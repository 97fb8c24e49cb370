package client

import (
	"math"
	"time"
)

const (
	// MinInterpDelay is the floor of the render delay window.
	MinInterpDelay = 100 * time.Millisecond
	// MaxInterpDelay is the ceiling of the render delay window.
	MaxInterpDelay = 150 * time.Millisecond
)

type interpSample struct {
	at    time.Time
	views map[string]EntityView
}

// Interpolator renders remote entities a short, RTT-tuned delay behind the
// freshest snapshot so they animate smoothly instead of snapping between
// updates.
type Interpolator struct {
	delay   time.Duration
	samples []interpSample
}

// NewInterpolator constructs an interpolator at the minimum render delay.
func NewInterpolator() *Interpolator {
	return &Interpolator{delay: MinInterpDelay}
}

// Delay reports the current render delay.
func (ip *Interpolator) Delay() time.Duration { return ip.delay }

// TuneDelay adjusts the render delay to the observed round-trip time,
// clamped to the allowed window. Higher RTT earns a longer buffer.
func (ip *Interpolator) TuneDelay(rtt time.Duration) {
	delay := rtt
	if delay < MinInterpDelay {
		delay = MinInterpDelay
	}
	if delay > MaxInterpDelay {
		delay = MaxInterpDelay
	}
	ip.delay = delay
}

// Observe records the replica's entity views at the time a snapshot was
// applied.
func (ip *Interpolator) Observe(at time.Time, views map[string]EntityView) {
	ip.samples = append(ip.samples, interpSample{at: at, views: views})
}

// Sample returns interpolated views for the render time now-delay. Entities
// present in only one bracketing sample are returned as-is.
func (ip *Interpolator) Sample(now time.Time) map[string]EntityView {
	renderTime := now.Add(-ip.delay)
	ip.evict(renderTime)
	if len(ip.samples) == 0 {
		return nil
	}
	if len(ip.samples) == 1 || !ip.samples[0].at.Before(renderTime) {
		return copyViews(ip.samples[0].views)
	}

	// samples[0].at <= renderTime; find the first sample after it.
	var before, after interpSample
	found := false
	for i := 1; i < len(ip.samples); i++ {
		if !ip.samples[i].at.Before(renderTime) {
			before, after = ip.samples[i-1], ip.samples[i]
			found = true
			break
		}
	}
	if !found {
		// Render time is ahead of every sample; hold the newest.
		return copyViews(ip.samples[len(ip.samples)-1].views)
	}

	span := after.at.Sub(before.at)
	if span <= 0 {
		return copyViews(after.views)
	}
	alpha := float64(renderTime.Sub(before.at)) / float64(span)

	out := make(map[string]EntityView, len(after.views))
	for id, b := range after.views {
		a, ok := before.views[id]
		if !ok {
			out[id] = b
			continue
		}
		out[id] = EntityView{
			ID:       id,
			Kind:     b.Kind,
			X:        a.X + (b.X-a.X)*alpha,
			Y:        a.Y + (b.Y-a.Y)*alpha,
			Rotation: lerpAngle(a.Rotation, b.Rotation, alpha),
		}
	}
	return out
}

// evict drops samples that can no longer bracket the render time, keeping
// one sample at or before it.
func (ip *Interpolator) evict(renderTime time.Time) {
	for len(ip.samples) >= 2 && !ip.samples[1].at.After(renderTime) {
		ip.samples = ip.samples[1:]
	}
}

func copyViews(views map[string]EntityView) map[string]EntityView {
	out := make(map[string]EntityView, len(views))
	for id, view := range views {
		out[id] = view
	}
	return out
}

// lerpAngle interpolates along the shortest arc between two angles in
// radians.
func lerpAngle(a, b, alpha float64) float64 {
	diff := math.Mod(b-a, 2*math.Pi)
	if diff > math.Pi {
		diff -= 2 * math.Pi
	}
	if diff < -math.Pi {
		diff += 2 * math.Pi
	}
	return a + diff*alpha
}
