package connection

// State is the connection state.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDegraded
	StateReconnecting
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateReconnecting:
		return "reconnecting"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// Live reports whether the state has an open session.
func (s State) Live() bool {
	return s == StateConnected || s == StateDegraded
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
