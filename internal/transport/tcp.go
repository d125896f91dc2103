package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/netutil"
)

const tcpKeepAlivePeriod = 30 * time.Second

// TCPTransport implements Transport over plain TCP.
type TCPTransport struct {
	mu        sync.Mutex
	listeners []*TCPListener
	closed    bool
}

// NewTCPTransport creates a new TCP transport.
func NewTCPTransport() *TCPTransport {
	return &TCPTransport{}
}

// Type returns the transport type.
func (t *TCPTransport) Type() TransportType {
	return TransportTCP
}

// Dial connects to a remote peer over TCP.
func (t *TCPTransport) Dial(ctx context.Context, addr string, opts DialOptions) (Conn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, &ConnectError{Addr: addr, Err: ErrTransportClosed}
	}
	t.mu.Unlock()

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	d := net.Dialer{KeepAlive: tcpKeepAlivePeriod}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectError{Addr: addr, Err: err}
	}

	return newPeerConn(c, true, TransportTCP), nil
}

// Listen binds a TCP listener.
func (t *TCPTransport) Listen(addr string, opts ListenOptions) (Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrTransportClosed
	}

	lc := net.ListenConfig{
		Control:   setListenSockOpts,
		KeepAlive: tcpKeepAlivePeriod,
	}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("TCP listen failed: %w", err)
	}
	if opts.MaxInbound > 0 {
		ln = netutil.LimitListener(ln, opts.MaxInbound)
	}

	l := &TCPListener{
		ln:    ln,
		queue: newAcceptQueue(16),
	}
	go l.acceptLoop()

	t.listeners = append(t.listeners, l)
	return l, nil
}

// Close shuts down the transport and all listeners.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	var lastErr error
	for _, l := range t.listeners {
		if err := l.Close(); err != nil {
			lastErr = err
		}
	}
	t.listeners = nil

	return lastErr
}

// TCPListener implements Listener for TCP.
type TCPListener struct {
	ln        net.Listener
	queue     *acceptQueue
	closeOnce sync.Once
	closeErr  error
}

func (l *TCPListener) acceptLoop() {
	for {
		c, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.queue.done():
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			l.queue.shut()
			return
		}
		l.queue.push(newPeerConn(c, false, TransportTCP))
	}
}

// Accept waits for and returns the next connection.
func (l *TCPListener) Accept(ctx context.Context) (Conn, error) {
	return l.queue.accept(ctx)
}

// Addr returns the listener's address.
func (l *TCPListener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops the listener. It is idempotent.
func (l *TCPListener) Close() error {
	l.closeOnce.Do(func() {
		l.queue.shut()
		l.closeErr = l.ln.Close()
	})
	return l.closeErr
}
