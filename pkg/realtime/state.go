package realtime

// ConnectionState tracks the lifecycle of a realtime session transport.
//
// Valid transitions:
//
//	Disconnected -> Connecting -> Connected -> Closing -> Disconnected
//
// A transport failure moves any state directly to Disconnected.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateClosing
)

// String returns the state name.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}
