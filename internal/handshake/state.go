package handshake

// State is a step of the handshake state machine.
type State int

const (
	StateInit State = iota
	StateVersionExchanged
	StateIdentityVerified
	StateSessionKeysDerived
	StateEstablished
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateVersionExchanged:
		return "version_exchanged"
	case StateIdentityVerified:
		return "identity_verified"
	case StateSessionKeysDerived:
		return "session_keys_derived"
	case StateEstablished:
		return "established"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
