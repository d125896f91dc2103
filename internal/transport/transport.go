// Package transport provides the byte-stream transports a node connects over.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// TransportType identifies the transport protocol.
type TransportType string

const (
	TransportTCP       TransportType = "tcp"
	TransportWebSocket TransportType = "ws"
	TransportQUIC      TransportType = "quic"
	TransportMemory    TransportType = "mem"
)

var (
	// ErrConnect matches every dial failure (unreachable, refused, timeout).
	ErrConnect = errors.New("connect failed")

	// ErrIO marks read or write failures on an established connection.
	ErrIO = errors.New("transport I/O error")

	// ErrTransportClosed is returned when using a closed transport.
	ErrTransportClosed = errors.New("transport closed")

	// ErrListenerClosed is returned by Accept after Close.
	ErrListenerClosed = errors.New("listener closed")
)

// ConnectError is returned by Dial when no connection could be made.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Is makes every ConnectError match ErrConnect.
func (e *ConnectError) Is(target error) bool {
	return target == ErrConnect
}

// Timeout reports whether the dial failed because of a deadline.
func (e *ConnectError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// Transport creates and accepts peer connections.
type Transport interface {
	// Dial connects to a remote peer.
	Dial(ctx context.Context, addr string, opts DialOptions) (Conn, error)

	// Listen creates a listener for incoming connections.
	Listen(addr string, opts ListenOptions) (Listener, error)

	// Type returns the transport type identifier.
	Type() TransportType

	// Close shuts down the transport and its listeners.
	Close() error
}

// Listener accepts incoming peer connections.
type Listener interface {
	// Accept blocks until a peer connects or ctx is done.
	Accept(ctx context.Context) (Conn, error)

	// Addr returns the listener's network address.
	Addr() net.Addr

	// Close stops the listener.
	Close() error
}

// Conn is one established, ordered, reliable byte stream to a peer.
// Close is idempotent and unblocks pending reads and writes.
type Conn interface {
	net.Conn

	// IsDialer returns true if this side initiated the connection.
	IsDialer() bool

	// TransportType returns the transport protocol type.
	TransportType() TransportType
}

// DialOptions contains options for dialing a peer.
type DialOptions struct {
	// TLSConfig is the TLS configuration for ws (wss) and quic.
	TLSConfig *tls.Config

	// InsecureSkipVerify skips TLS certificate verification when no
	// TLSConfig is given. Peers are authenticated by the handshake.
	InsecureSkipVerify bool

	// Timeout bounds connection establishment.
	Timeout time.Duration

	// Path is the HTTP path for the WebSocket transport.
	Path string
}

// ListenOptions contains options for creating a listener.
type ListenOptions struct {
	// TLSConfig is the TLS configuration for the listener.
	// Required for quic (generated when nil), optional for ws.
	TLSConfig *tls.Config

	// Path is the HTTP path for the WebSocket transport.
	Path string

	// MaxInbound caps simultaneously open inbound connections (0 = unlimited).
	MaxInbound int
}

// DefaultDialOptions returns DialOptions with sensible defaults.
func DefaultDialOptions() DialOptions {
	return DialOptions{
		Timeout: 10 * time.Second,
	}
}

// New returns a transport of the given type. The memory transport is not
// available here; use MemNetwork.
func New(t TransportType) (Transport, error) {
	switch t {
	case TransportTCP, "":
		return NewTCPTransport(), nil
	case TransportWebSocket:
		return NewWebSocketTransport(), nil
	case TransportQUIC:
		return NewQUICTransport(), nil
	default:
		return nil, fmt.Errorf("unknown transport type %q", t)
	}
}

// peerConn adapts a net.Conn to Conn.
type peerConn struct {
	net.Conn
	isDialer bool
	ttype    TransportType
	local    net.Addr
	remote   net.Addr

	closeOnce sync.Once
	closeErr  error
	onClose   func()
}

func newPeerConn(c net.Conn, isDialer bool, t TransportType) *peerConn {
	return &peerConn{Conn: c, isDialer: isDialer, ttype: t}
}

func (c *peerConn) IsDialer() bool {
	return c.isDialer
}

func (c *peerConn) TransportType() TransportType {
	return c.ttype
}

func (c *peerConn) LocalAddr() net.Addr {
	if c.local != nil {
		return c.local
	}
	return c.Conn.LocalAddr()
}

func (c *peerConn) RemoteAddr() net.Addr {
	if c.remote != nil {
		return c.remote
	}
	return c.Conn.RemoteAddr()
}

func (c *peerConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.Conn.Close()
		if c.onClose != nil {
			c.onClose()
		}
	})
	return c.closeErr
}

// stringAddr is a net.Addr for transports that only know a textual address.
type stringAddr struct {
	network string
	addr    string
}

func (a stringAddr) Network() string { return a.network }
func (a stringAddr) String() string  { return a.addr }

// acceptQueue is the hand-off between a transport's internal accept loop and
// Listener.Accept.
type acceptQueue struct {
	connCh  chan Conn
	closeCh chan struct{}
	once    sync.Once
}

func newAcceptQueue(size int) *acceptQueue {
	return &acceptQueue{
		connCh:  make(chan Conn, size),
		closeCh: make(chan struct{}),
	}
}

// push hands c to Accept, closing it if the listener is gone.
func (q *acceptQueue) push(c Conn) {
	select {
	case q.connCh <- c:
	case <-q.closeCh:
		c.Close()
	}
}

func (q *acceptQueue) accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-q.connCh:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.closeCh:
		return nil, ErrListenerClosed
	}
}

// shut marks the queue closed and drops anything not yet accepted. It
// reports whether this call closed it.
func (q *acceptQueue) shut() bool {
	closed := false
	q.once.Do(func() {
		close(q.closeCh)
		closed = true
	})
	if !closed {
		return false
	}
	for {
		select {
		case c := <-q.connCh:
			c.Close()
		default:
			return true
		}
	}
}

func (q *acceptQueue) done() <-chan struct{} {
	return q.closeCh
}
