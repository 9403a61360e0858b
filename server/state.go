package server

// State is the connection manager's view of the peer slot.
type State int

const (
	StateIdle   State = iota // No capture agent connected.
	StateActive              // Exactly one capture agent connected.
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}
