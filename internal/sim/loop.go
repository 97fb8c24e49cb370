package sim

import (
	"fmt"
	"sync"
	"time"
)

// LoopConfig tunes command staging and the fixed-timestep runner.
type LoopConfig struct {
	TickRate        int
	CatchupMaxTicks int
	CommandCapacity int
	PerActorLimit   int
}

// DefaultLoopConfig targets the advertised 60 Hz simulation rate.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		TickRate:        60,
		CatchupMaxTicks: 5,
		CommandCapacity: 1024,
		PerActorLimit:   8,
	}
}

// StepResult describes one consumed simulation slice.
type StepResult struct {
	Tick     uint64
	Now      time.Time
	Delta    float64
	Duration time.Duration
	Budget   time.Duration
	// DiscardedTime is the accumulated backlog thrown away because the
	// catch-up ceiling was reached.
	DiscardedTime float64
}

// LoopHooks lets the owning room observe loop progress without the loop
// depending on transport or encoding concerns.
type LoopHooks struct {
	AfterStep     func(StepResult)
	OnCommandDrop func(reason string, cmd Command)
	OnFault       func(tick uint64, recovered any)
}

// Loop drives a world with the accumulator pattern: real elapsed time is
// banked and consumed in fixed slices so simulation behaviour is identical
// regardless of host scheduling jitter. A single loop owns its world; only
// Enqueue is safe to call from other goroutines.
type Loop struct {
	world  *World
	buffer *CommandBuffer
	hooks  LoopHooks
	config LoopConfig

	queueMu       sync.Mutex
	perActorCount map[string]int

	accumulator float64
}

// NewLoop wraps the provided world with a command queue and tick runner.
func NewLoop(world *World, cfg LoopConfig, hooks LoopHooks, metrics QueueMetrics) *Loop {
	if world == nil {
		return nil
	}
	if cfg.TickRate <= 0 {
		cfg.TickRate = DefaultLoopConfig().TickRate
	}
	if cfg.CatchupMaxTicks <= 0 {
		cfg.CatchupMaxTicks = DefaultLoopConfig().CatchupMaxTicks
	}
	if cfg.CommandCapacity <= 0 {
		cfg.CommandCapacity = DefaultLoopConfig().CommandCapacity
	}
	return &Loop{
		world:         world,
		buffer:        NewCommandBuffer(cfg.CommandCapacity, metrics),
		hooks:         hooks,
		config:        cfg,
		perActorCount: make(map[string]int),
	}
}

// World exposes the owned world to the loop's owner. Callers must only touch
// it from the same goroutine that runs Advance or Run.
func (l *Loop) World() *World {
	if l == nil {
		return nil
	}
	return l.world
}

// SliceDuration reports the fixed time slice consumed per tick.
func (l *Loop) SliceDuration() time.Duration {
	if l == nil {
		return 0
	}
	return time.Second / time.Duration(l.config.TickRate)
}

// Pending reports the number of staged commands.
func (l *Loop) Pending() int {
	if l == nil {
		return 0
	}
	return l.buffer.Len()
}

// Enqueue stages a validated command, enforcing per-actor throttling and
// queue capacity. It never blocks the caller.
func (l *Loop) Enqueue(cmd Command) (bool, string) {
	if l == nil {
		return false, RejectQueueFull
	}
	l.queueMu.Lock()
	if l.config.PerActorLimit > 0 && cmd.ActorID != "" {
		count := l.perActorCount[cmd.ActorID]
		if count >= l.config.PerActorLimit {
			l.queueMu.Unlock()
			l.reportDrop(RejectRateLimit, cmd)
			return false, RejectRateLimit
		}
		l.perActorCount[cmd.ActorID] = count + 1
	}
	ok := l.buffer.Push(cmd)
	l.queueMu.Unlock()
	if !ok {
		l.reportDrop(RejectQueueFull, cmd)
		return false, RejectQueueFull
	}
	return true, ""
}

// Advance consumes banked time in fixed slices, up to the catch-up ceiling.
// Excess backlog beyond the ceiling is discarded so a stalled host does not
// spiral. The returned results carry one entry per consumed slice.
func (l *Loop) Advance(now time.Time, elapsed float64) []StepResult {
	if l == nil {
		return nil
	}
	slice := 1.0 / float64(l.config.TickRate)
	if elapsed < 0 {
		elapsed = 0
	}
	l.accumulator += elapsed
	if l.accumulator < slice {
		// No slice will be consumed this frame; leave staged commands in
		// the queue so they apply on the next consumed slice instead of
		// vanishing after their sequence was already accepted.
		return nil
	}

	var results []StepResult
	commands := l.drainCommands()
	budget := l.SliceDuration()

	steps := 0
	for l.accumulator >= slice && steps < l.config.CatchupMaxTicks {
		start := time.Now()
		if steps == 0 {
			_ = l.world.Apply(commands)
		}
		l.world.Step(slice)
		l.accumulator -= slice
		steps++
		results = append(results, StepResult{
			Tick:     l.world.Tick(),
			Now:      now,
			Delta:    slice,
			Duration: time.Since(start),
			Budget:   budget,
		})
	}

	if l.accumulator >= slice {
		// Hard ceiling reached: throw the backlog away instead of chasing it.
		if len(results) > 0 {
			results[len(results)-1].DiscardedTime = l.accumulator
		}
		l.accumulator = 0
	}
	return results
}

// Run drives the loop until the stop channel closes. A panic inside the world
// step is contained here: the fault hook fires and the loop terminates,
// leaving every other room untouched.
func (l *Loop) Run(stop <-chan struct{}) error {
	if l == nil {
		return nil
	}
	interval := l.SliceDuration()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-stop:
			return nil
		case now := <-ticker.C:
			elapsed := now.Sub(last).Seconds()
			last = now
			if err := l.runFrame(now, elapsed); err != nil {
				return err
			}
		}
	}
}

func (l *Loop) runFrame(now time.Time, elapsed float64) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			tick := l.world.Tick()
			if l.hooks.OnFault != nil {
				l.hooks.OnFault(tick, recovered)
			}
			err = fmt.Errorf("simulation fault at tick %d: %v", tick, recovered)
		}
	}()
	results := l.Advance(now, elapsed)
	if l.hooks.AfterStep != nil {
		for _, result := range results {
			l.hooks.AfterStep(result)
		}
	}
	return nil
}

func (l *Loop) drainCommands() []Command {
	l.queueMu.Lock()
	defer l.queueMu.Unlock()
	commands := l.buffer.Drain()
	if len(l.perActorCount) > 0 {
		l.perActorCount = make(map[string]int)
	}
	return commands
}

func (l *Loop) reportDrop(reason string, cmd Command) {
	if l.hooks.OnCommandDrop != nil {
		l.hooks.OnCommandDrop(reason, cmd)
	}
}
