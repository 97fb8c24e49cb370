package sim

// EntityKind tags the closed set of entity variants the simulation knows
// about. The tag doubles as the id prefix for server-spawned entities.
type EntityKind string

const (
	KindPlayer   EntityKind = "player"
	KindPickup   EntityKind = "pickup"
	KindObstacle EntityKind = "obstacle"
	KindEnemy    EntityKind = "enemy"
)

// Entity is one simulated object. Transform fields are authoritative floats;
// quantization happens at the wire, never here. Intent fields hold the last
// applied movement command for players and persist until replaced, so a
// player keeps moving between inputs.
type Entity struct {
	ID       string     `json:"id"`
	Kind     EntityKind `json:"kind"`
	X        float64    `json:"x"`
	Y        float64    `json:"y"`
	Rotation float64    `json:"rotation"`

	// IntentDX/IntentDY are the unit-ish movement vector from the newest
	// applied command; meaningful for players only.
	IntentDX float64 `json:"-"`
	IntentDY float64 `json:"-"`

	// ExpiresAt is the tick at which the entity despawns. Zero means no
	// lifetime.
	ExpiresAt uint64 `json:"-"`

	// Score counts relics collected; meaningful for players only.
	Score int `json:"score,omitempty"`
}

// snapshot returns a value copy so callers can hold entity state without
// aliasing the world's mutable instance.
func (e *Entity) snapshot() Entity {
	if e == nil {
		return Entity{}
	}
	return *e
}
