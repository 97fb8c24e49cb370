package sim

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Command reject reasons surfaced to the transport layer.
const (
	RejectUnknownActor   = "unknown_actor"
	RejectSequenceReplay = "sequence_replay"
	RejectMagnitude      = "magnitude_exceeded"
	RejectRateLimit      = "rate_limit"
	RejectQueueFull      = "queue_full"
)

// ValidationPolicy tunes the server-authoritative input checks.
type ValidationPolicy struct {
	// MaxMagnitude caps the length of the movement intent vector.
	MaxMagnitude float64
	// InputsPerSecond bounds the sustained input rate per client.
	InputsPerSecond float64
	// Burst allows short input bursts above the sustained rate.
	Burst int
	// MaxStrikes terminates a session after this many rejected inputs.
	// Zero disables termination and rejected inputs are only dropped.
	MaxStrikes int
}

// DefaultValidationPolicy mirrors the advertised 60 Hz input cadence.
func DefaultValidationPolicy() ValidationPolicy {
	return ValidationPolicy{
		MaxMagnitude:    1.0,
		InputsPerSecond: 60,
		Burst:           10,
		MaxStrikes:      0,
	}
}

type actorValidation struct {
	lastSequence uint64
	limiter      *rate.Limiter
	strikes      int
}

// Validator enforces per-client sequence ordering, magnitude bounds, and the
// input rate ceiling. It is safe for concurrent use.
type Validator struct {
	mu     sync.Mutex
	policy ValidationPolicy
	actors map[string]*actorValidation
}

// NewValidator constructs a validator with the provided policy.
func NewValidator(policy ValidationPolicy) *Validator {
	if policy.MaxMagnitude <= 0 {
		policy.MaxMagnitude = 1.0
	}
	if policy.InputsPerSecond <= 0 {
		policy.InputsPerSecond = 60
	}
	if policy.Burst <= 0 {
		policy.Burst = 10
	}
	return &Validator{
		policy: policy,
		actors: make(map[string]*actorValidation),
	}
}

// Register starts tracking an actor. Registering twice resets its window.
func (v *Validator) Register(actorID string) {
	if v == nil || actorID == "" {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.actors[actorID] = &actorValidation{
		limiter: rate.NewLimiter(rate.Limit(v.policy.InputsPerSecond), v.policy.Burst),
	}
}

// Forget stops tracking an actor.
func (v *Validator) Forget(actorID string) {
	if v == nil {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.actors, actorID)
}

// LastSequence reports the highest accepted sequence for an actor.
func (v *Validator) LastSequence(actorID string) uint64 {
	if v == nil {
		return 0
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if actor, ok := v.actors[actorID]; ok {
		return actor.lastSequence
	}
	return 0
}

// ValidateResult reports the outcome of a single input check.
type ValidateResult struct {
	OK        bool
	Reason    string
	Duplicate bool
	// Terminate is set when the actor exceeded the strike budget.
	Terminate bool
}

// Validate checks one command against the policy. Accepted commands advance
// the actor's sequence watermark.
func (v *Validator) Validate(cmd Command, now time.Time) ValidateResult {
	if v == nil {
		return ValidateResult{OK: false, Reason: RejectUnknownActor}
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	actor, ok := v.actors[cmd.ActorID]
	if !ok {
		return ValidateResult{OK: false, Reason: RejectUnknownActor}
	}

	if cmd.Sequence <= actor.lastSequence {
		// Replays and reordered inputs are rejected without a strike; a
		// retrying client is not cheating.
		return ValidateResult{OK: false, Reason: RejectSequenceReplay, Duplicate: true}
	}

	if cmd.Move != nil {
		magnitude := cmd.Move.DX*cmd.Move.DX + cmd.Move.DY*cmd.Move.DY
		max := v.policy.MaxMagnitude * v.policy.MaxMagnitude
		if magnitude > max*1.0001 {
			return v.strikeLocked(actor, RejectMagnitude)
		}
	}

	if !actor.limiter.AllowN(now, 1) {
		return v.strikeLocked(actor, RejectRateLimit)
	}

	actor.lastSequence = cmd.Sequence
	return ValidateResult{OK: true}
}

func (v *Validator) strikeLocked(actor *actorValidation, reason string) ValidateResult {
	actor.strikes++
	result := ValidateResult{OK: false, Reason: reason}
	if v.policy.MaxStrikes > 0 && actor.strikes >= v.policy.MaxStrikes {
		result.Terminate = true
	}
	return result
}
