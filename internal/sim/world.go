package sim

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// WorldConfig captures the tunables for one room's simulation.
type WorldConfig struct {
	Extent       float64 `json:"extent"`
	MoveSpeed    float64 `json:"moveSpeed"`
	EnemySpeed   float64 `json:"enemySpeed"`
	PlayerHalf   float64 `json:"playerHalf"`
	ObstacleHalf float64 `json:"obstacleHalf"`
	PickupRadius float64 `json:"pickupRadius"`
	Seed         int64   `json:"seed"`
}

// DefaultWorldConfig returns the tunables used when the room config does not
// override them.
func DefaultWorldConfig() WorldConfig {
	return WorldConfig{
		Extent:       512.0,
		MoveSpeed:    8.0,
		EnemySpeed:   3.0,
		PlayerHalf:   0.5,
		ObstacleHalf: 1.5,
		PickupRadius: 1.0,
		Seed:         1,
	}
}

func (c WorldConfig) normalized() WorldConfig {
	defaults := DefaultWorldConfig()
	if c.Extent <= 0 {
		c.Extent = defaults.Extent
	}
	if c.MoveSpeed <= 0 {
		c.MoveSpeed = defaults.MoveSpeed
	}
	if c.EnemySpeed <= 0 {
		c.EnemySpeed = defaults.EnemySpeed
	}
	if c.PlayerHalf <= 0 {
		c.PlayerHalf = defaults.PlayerHalf
	}
	if c.ObstacleHalf <= 0 {
		c.ObstacleHalf = defaults.ObstacleHalf
	}
	if c.PickupRadius <= 0 {
		c.PickupRadius = defaults.PickupRadius
	}
	if c.Seed == 0 {
		c.Seed = defaults.Seed
	}
	return c
}

// World owns the authoritative entity set for one room. It is not safe for
// concurrent use: only the room's tick loop mutates it.
type World struct {
	cfg      WorldConfig
	tick     uint64
	entities map[string]*Entity
	nextID   uint64
	rng      *rand.Rand
	removed  []string
	scores   map[string]int
	applied  map[string]uint64
}

// NewWorld constructs an empty world seeded from the config.
func NewWorld(cfg WorldConfig) *World {
	cfg = cfg.normalized()
	return &World{
		cfg:      cfg,
		entities: make(map[string]*Entity),
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		scores:   make(map[string]int),
		applied:  make(map[string]uint64),
	}
}

// Tick reports the current tick counter.
func (w *World) Tick() uint64 {
	if w == nil {
		return 0
	}
	return w.tick
}

// Config returns the world tunables.
func (w *World) Config() WorldConfig {
	if w == nil {
		return WorldConfig{}
	}
	return w.cfg
}

// Entity returns a value copy of the entity with the given id.
func (w *World) Entity(id string) (Entity, bool) {
	if w == nil {
		return Entity{}, false
	}
	entity, ok := w.entities[id]
	if !ok {
		return Entity{}, false
	}
	return entity.snapshot(), true
}

// Entities returns value copies of every entity, ordered by id so callers
// observe a deterministic sequence.
func (w *World) Entities() []Entity {
	if w == nil {
		return nil
	}
	out := make([]Entity, 0, len(w.entities))
	for _, id := range w.sortedIDs() {
		out = append(out, w.entities[id].snapshot())
	}
	return out
}

// SpawnPlayer adds a player entity owned by the given client id. The entity
// id doubles as the client id so sessions and world state stay aligned.
func (w *World) SpawnPlayer(clientID string) (Entity, error) {
	if w == nil {
		return Entity{}, fmt.Errorf("world is nil")
	}
	if clientID == "" {
		return Entity{}, fmt.Errorf("empty client id")
	}
	if _, exists := w.entities[clientID]; exists {
		return Entity{}, fmt.Errorf("entity %q already present", clientID)
	}
	entity := &Entity{ID: clientID, Kind: KindPlayer}
	w.entities[clientID] = entity
	return entity.snapshot(), nil
}

// SpawnPickup adds a relic at the given position. lifetimeTicks of zero means
// the pickup never expires on its own.
func (w *World) SpawnPickup(x, y float64, lifetimeTicks uint64) Entity {
	return w.spawn(KindPickup, x, y, lifetimeTicks)
}

// SpawnObstacle adds a static obstacle at the given position.
func (w *World) SpawnObstacle(x, y float64) Entity {
	return w.spawn(KindObstacle, x, y, 0)
}

// SpawnEnemy adds a wandering enemy at the given position.
func (w *World) SpawnEnemy(x, y float64) Entity {
	return w.spawn(KindEnemy, x, y, 0)
}

func (w *World) spawn(kind EntityKind, x, y float64, lifetimeTicks uint64) Entity {
	if w == nil {
		return Entity{}
	}
	w.nextID++
	entity := &Entity{
		ID:   fmt.Sprintf("%s-%d", kind, w.nextID),
		Kind: kind,
		X:    clamp(x, w.cfg.Extent),
		Y:    clamp(y, w.cfg.Extent),
	}
	if lifetimeTicks > 0 {
		entity.ExpiresAt = w.tick + lifetimeTicks
	}
	w.entities[entity.ID] = entity
	return entity.snapshot()
}

// Remove deletes an entity and records the removal for this tick's drain.
func (w *World) Remove(id string) bool {
	if w == nil {
		return false
	}
	if _, ok := w.entities[id]; !ok {
		return false
	}
	delete(w.entities, id)
	w.removed = append(w.removed, id)
	return true
}

// DrainRemoved returns the entity ids removed since the previous drain.
func (w *World) DrainRemoved() []string {
	if w == nil || len(w.removed) == 0 {
		return nil
	}
	removed := w.removed
	w.removed = nil
	return removed
}

// AppliedSequence reports the highest command sequence an actor has had
// applied to the world. Snapshots stamp this watermark, not the intake-side
// one: a command that is validated but still queued has not been processed
// yet, and advertising it would make the client drop an input it still needs
// to replay.
func (w *World) AppliedSequence(actorID string) uint64 {
	if w == nil {
		return 0
	}
	return w.applied[actorID]
}

// Score reports the relics collected by a player so far.
func (w *World) Score(clientID string) int {
	if w == nil {
		return 0
	}
	return w.scores[clientID]
}

// Scores returns a copy of every player's relic total, including players that
// already left the world.
func (w *World) Scores() map[string]int {
	if w == nil {
		return nil
	}
	out := make(map[string]int, len(w.scores))
	for id, score := range w.scores {
		out[id] = score
	}
	return out
}

// Apply stores validated command intents on their target entities. Commands
// from one actor are applied in ascending sequence order; actors themselves
// are visited in id order so the step stays deterministic.
func (w *World) Apply(cmds []Command) error {
	if w == nil || len(cmds) == 0 {
		return nil
	}
	byActor := make(map[string][]Command)
	for _, cmd := range cmds {
		byActor[cmd.ActorID] = append(byActor[cmd.ActorID], cmd)
	}
	actors := make([]string, 0, len(byActor))
	for actor := range byActor {
		actors = append(actors, actor)
	}
	sort.Strings(actors)
	for _, actor := range actors {
		batch := byActor[actor]
		sort.Slice(batch, func(i, j int) bool { return batch[i].Sequence < batch[j].Sequence })
		entity, ok := w.entities[actor]
		if !ok || entity.Kind != KindPlayer {
			continue
		}
		for _, cmd := range batch {
			switch cmd.Type {
			case CommandMove:
				if cmd.Move == nil {
					continue
				}
				entity.IntentDX = cmd.Move.DX
				entity.IntentDY = cmd.Move.DY
				entity.Rotation = RotationFromIntent(cmd.Move.DX, cmd.Move.DY, entity.Rotation)
			case CommandLeave:
				w.Remove(actor)
			}
			if cmd.Sequence > w.applied[actor] {
				w.applied[actor] = cmd.Sequence
			}
		}
	}
	return nil
}

// Step advances the world by exactly one fixed time slice.
func (w *World) Step(dt float64) {
	if w == nil || dt <= 0 {
		return
	}
	w.tick++

	ids := w.sortedIDs()

	// Movement for players and enemies.
	for _, id := range ids {
		entity, ok := w.entities[id]
		if !ok {
			continue
		}
		switch entity.Kind {
		case KindPlayer:
			entity.X, entity.Y = StepMovement(entity.X, entity.Y, entity.IntentDX, entity.IntentDY, dt, w.cfg.MoveSpeed, w.cfg.Extent)
		case KindEnemy:
			w.stepEnemy(entity, dt)
		}
	}

	// Gameplay rules: relic collection, lifetime expiry, obstacle resolution.
	w.collectPickups(ids)
	w.expireLifetimes(ids)
	w.resolveObstacles(ids)
}

func (w *World) stepEnemy(entity *Entity, dt float64) {
	// Re-steer roughly once per simulated second; the seeded RNG keeps the
	// wander path reproducible for a given world seed.
	if w.tick%60 == 0 {
		entity.Rotation += (w.rng.Float64() - 0.5) * math.Pi
		if entity.Rotation < 0 {
			entity.Rotation += 2 * math.Pi
		}
		entity.Rotation = math.Mod(entity.Rotation, 2*math.Pi)
	}
	dx := math.Cos(entity.Rotation)
	dy := math.Sin(entity.Rotation)
	entity.X, entity.Y = StepMovement(entity.X, entity.Y, dx, dy, dt, w.cfg.EnemySpeed, w.cfg.Extent)
}

func (w *World) collectPickups(ids []string) {
	for _, id := range ids {
		player, ok := w.entities[id]
		if !ok || player.Kind != KindPlayer {
			continue
		}
		for _, other := range ids {
			pickup, ok := w.entities[other]
			if !ok || pickup.Kind != KindPickup {
				continue
			}
			if math.Hypot(player.X-pickup.X, player.Y-pickup.Y) <= w.cfg.PickupRadius {
				player.Score++
				w.scores[player.ID]++
				w.Remove(pickup.ID)
			}
		}
	}
}

func (w *World) expireLifetimes(ids []string) {
	for _, id := range ids {
		entity, ok := w.entities[id]
		if !ok {
			continue
		}
		if entity.ExpiresAt > 0 && w.tick >= entity.ExpiresAt {
			w.Remove(id)
		}
	}
}

func (w *World) resolveObstacles(ids []string) {
	for _, id := range ids {
		mover, ok := w.entities[id]
		if !ok || (mover.Kind != KindPlayer && mover.Kind != KindEnemy) {
			continue
		}
		for _, other := range ids {
			obstacle, ok := w.entities[other]
			if !ok || obstacle.Kind != KindObstacle {
				continue
			}
			pushCircleFromSquare(mover, obstacle, w.cfg.PlayerHalf, w.cfg.ObstacleHalf)
		}
	}
}

// pushCircleFromSquare moves a circular entity out of an axis-aligned square
// obstacle along the axis of least penetration.
func pushCircleFromSquare(mover, obstacle *Entity, radius, half float64) {
	overlapX := half + radius - math.Abs(mover.X-obstacle.X)
	overlapY := half + radius - math.Abs(mover.Y-obstacle.Y)
	if overlapX <= 0 || overlapY <= 0 {
		return
	}
	if overlapX < overlapY {
		if mover.X >= obstacle.X {
			mover.X += overlapX
		} else {
			mover.X -= overlapX
		}
	} else {
		if mover.Y >= obstacle.Y {
			mover.Y += overlapY
		} else {
			mover.Y -= overlapY
		}
	}
}

func (w *World) sortedIDs() []string {
	ids := make([]string, 0, len(w.entities))
	for id := range w.entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
