package srt

// State is the lifecycle phase of a connection. Connections returned by
// Dial and Listener.Accept start in StateConnected; the handshake phases
// happen before a Conn is handed to the caller.
type State int32

const (
	// StateHandshaking covers the induction/conclusion exchange. Callers
	// never observe it on a live Conn, but it is reported while a listener
	// entry is still negotiating.
	StateHandshaking State = iota

	// StateConnected is the steady state: data flows, loss is repaired.
	StateConnected

	// StateClosing means Close was called and the connection is draining
	// unacknowledged data before sending SHUTDOWN.
	StateClosing

	// StateClosed is a clean teardown, either side initiated.
	StateClosed

	// StateBroken means the connection died without a clean shutdown:
	// peer idle expiry, transport failure, or handshake timeout.
	StateBroken
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateBroken:
		return "broken"
	default:
		return "unknown"
	}
}
