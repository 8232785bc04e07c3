package session

// State is where a connection is in its lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateJoined
	StateRunRequested
	StateRunning
	StateReady
	StateFailed
	StateLeft
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateRunRequested:
		return "run_requested"
	case StateRunning:
		return "running"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateLeft:
		return "left"
	default:
		return "unknown"
	}
}
