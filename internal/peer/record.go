// Package peer tracks known peers: one record per PeerID, the duplicate
// connection tie-break, the connected-peer capacity and reconnect backoff.
package peer

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/postalsys/p2p-node/internal/identity"
	"github.com/postalsys/p2p-node/internal/mux"
	"github.com/postalsys/p2p-node/internal/transport"
)

var (
	// ErrDuplicateConnection closes the session that lost the tie-break.
	ErrDuplicateConnection = errors.New("duplicate connection")

	// ErrCapacityExceeded closes a session evicted to make room, or rejects
	// a new one when no room can be made.
	ErrCapacityExceeded = errors.New("peer capacity exceeded")
)

// State is the lifecycle state of a peer record.
type State int

const (
	StateConnecting State = iota
	StateHandshaking
	StateConnected
	StateDisconnected
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{StateConnecting, StateHandshaking, StateConnected, StateDisconnected} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown peer state %q", text)
}

// Record is what the table knows about one peer.
type Record struct {
	ID    identity.PeerID
	State State

	// Address is the remote address of the live connection.
	Address   string
	Direction string
	Transport transport.TransportType

	// Initiator is the identity of the side that dialed the session. It
	// decides duplicate tie-breaks.
	Initiator identity.PeerID

	// DialedAt and Transcript order sessions with the same initiator.
	DialedAt   time.Time
	Transcript [32]byte

	// DialAddr is the configured address this node dials for the peer, if
	// any. It survives reconnects.
	DialAddr string

	ConnectedAt    time.Time
	LastActivity   time.Time
	DisconnectedAt time.Time

	// LastError is why the last session ended.
	LastError error

	// SessionID identifies the session the record describes. Updates from a
	// replaced session are ignored by comparing it.
	SessionID string
	Session   *mux.Session
}

// Activity returns the latest activity time known for the record.
func (r Record) Activity() time.Time {
	last := r.LastActivity
	if r.Session != nil {
		if t := r.Session.LastActivity(); t.After(last) {
			last = t
		}
	}
	return last
}

// Connected reports whether the record describes a live session.
func (r Record) Connected() bool {
	return r.State == StateConnected
}

// Admission is the outcome of Table.Admit.
type Admission struct {
	Accepted bool

	// Reason is ErrDuplicateConnection or ErrCapacityExceeded when the
	// candidate was refused.
	Reason error

	// Replaced is the connected record that lost the tie-break to the
	// candidate. Its session must be closed with ErrDuplicateConnection.
	Replaced *Record

	// Evicted are the records removed to make room. Their sessions must be
	// closed with ErrCapacityExceeded.
	Evicted []Record
}

// Wins reports whether candidate survives against existing for the same
// peer. The session initiated by the lower identity survives. With the same
// initiator on both, the later dial replaces the earlier one and equal dial
// times fall back to the lower transcript hash, so both ends keep the same
// session whatever order their handshakes finished in.
func Wins(candidate, existing Record) bool {
	if c := identity.Compare(candidate.Initiator, existing.Initiator); c != 0 {
		return c < 0
	}
	if !candidate.DialedAt.Equal(existing.DialedAt) {
		return candidate.DialedAt.After(existing.DialedAt)
	}
	return bytes.Compare(candidate.Transcript[:], existing.Transcript[:]) < 0
}
