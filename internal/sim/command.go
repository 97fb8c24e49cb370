package sim

import "time"

// CommandType enumerates the supported simulation commands.
type CommandType string

const (
	CommandMove  CommandType = "Move"
	CommandLeave CommandType = "Leave"
)

// MoveCommand carries the client's desired movement vector and the delta-time
// the client integrated it over.
type MoveCommand struct {
	DX       float64 `json:"dx"`
	DY       float64 `json:"dy"`
	ClientDT float64 `json:"clientDt"`
}

// Command represents a sequenced intent captured for processing on the next
// tick. ArrivalTick is stamped by the room when the command is accepted.
type Command struct {
	ActorID     string       `json:"actorId"`
	Sequence    uint64       `json:"seq"`
	Type        CommandType  `json:"type"`
	IssuedAt    time.Time    `json:"issuedAt"`
	ArrivalTick uint64       `json:"arrivalTick"`
	Move        *MoveCommand `json:"move,omitempty"`
}
