package handshake

import (
	"crypto/ed25519"
	"net"
	"sync"
	"time"

	"github.com/postalsys/p2p-node/internal/identity"
	"github.com/postalsys/p2p-node/internal/protocol"
	"github.com/postalsys/p2p-node/internal/transport"
)

// Established is the result of a successful handshake. It owns the
// connection until Release hands it to the multiplexer.
type Established struct {
	PeerID    identity.PeerID
	PublicKey ed25519.PublicKey

	// Version is the negotiated protocol version.
	Version uint16

	// Capabilities holds the flags both sides advertised.
	Capabilities uint32

	// RemoteWindow is the per-stream receive window the peer advertised:
	// the initial send credit for every stream.
	RemoteWindow uint32

	// RemoteMaxFramePayload is the largest payload the peer accepts.
	RemoteMaxFramePayload uint32

	// LocalWindow and LocalMaxFramePayload are what this side advertised.
	LocalWindow          uint32
	LocalMaxFramePayload uint32

	Encrypted  bool
	IsDialer   bool
	Transport  transport.TransportType
	LocalAddr  net.Addr
	RemoteAddr net.Addr
	Agent      string
	Duration   time.Duration

	// DialedAt is the timestamp from the dialer's HELLO and Transcript the
	// hash of both HELLOs. Both ends see the same values.
	DialedAt   time.Time
	Transcript [32]byte

	mu   sync.Mutex
	conn transport.Conn
}

// Release moves the connection out of the Established. It succeeds once;
// later calls return ErrReleased.
func (e *Established) Release() (transport.Conn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn == nil {
		return nil, ErrReleased
	}
	conn := e.conn
	e.conn = nil
	return conn, nil
}

// Released reports whether the connection was handed off or closed.
func (e *Established) Released() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn == nil
}

// Close closes the connection if it was not released. It is idempotent.
func (e *Established) Close() error {
	e.mu.Lock()
	conn := e.conn
	e.conn = nil
	e.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

// HasCapability reports whether both sides advertised c.
func (e *Established) HasCapability(c uint32) bool {
	return e.Capabilities&c == c
}

// Direction returns "outbound" for dialed sessions and "inbound" otherwise.
func (e *Established) Direction() string {
	return direction(e.IsDialer)
}

// Initiator returns the identity of the side that dialed.
func (e *Established) Initiator(local identity.PeerID) identity.PeerID {
	if e.IsDialer {
		return local
	}
	return e.PeerID
}

// SendLimit is the largest payload this side may put in one frame.
func (e *Established) SendLimit() int {
	return int(min(e.RemoteMaxFramePayload, uint32(protocol.AbsoluteMaxPayloadSize)))
}
