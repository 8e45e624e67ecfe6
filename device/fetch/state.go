package fetch

// State is a Fetch Session state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StatePolling
	StateFetchingPayload
	StateIdle
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StatePolling:
		return "polling"
	case StateFetchingPayload:
		return "fetching-payload"
	case StateIdle:
		return "idle"
	default:
		return "unknown"
	}
}
