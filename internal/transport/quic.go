package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// Default QUIC configuration values
const (
	DefaultMaxIdleTimeout  = 60 * time.Second
	DefaultKeepAlivePeriod = 20 * time.Second

	quicStreamAcceptTimeout = 10 * time.Second
)

// QUICTransport implements Transport over QUIC. Each peer connection uses a
// single bidirectional QUIC stream opened by the dialer.
type QUICTransport struct {
	mu        sync.Mutex
	listeners []*QUICListener
	closed    bool
}

// NewQUICTransport creates a new QUIC transport.
func NewQUICTransport() *QUICTransport {
	return &QUICTransport{}
}

// Type returns the transport type.
func (t *QUICTransport) Type() TransportType {
	return TransportQUIC
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:        DefaultMaxIdleTimeout,
		KeepAlivePeriod:       DefaultKeepAlivePeriod,
		MaxIncomingStreams:    1,
		MaxIncomingUniStreams: -1,
	}
}

// Dial connects to a remote peer using QUIC.
func (t *QUICTransport) Dial(ctx context.Context, addr string, opts DialOptions) (Conn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, &ConnectError{Addr: addr, Err: ErrTransportClosed}
	}
	t.mu.Unlock()

	tlsConfig := prepareTLSConfigForDial(opts.TLSConfig, opts.InsecureSkipVerify)

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	qc, err := quic.DialAddr(ctx, addr, tlsConfig, quicConfig())
	if err != nil {
		return nil, &ConnectError{Addr: addr, Err: err}
	}

	stream, err := qc.OpenStreamSync(ctx)
	if err != nil {
		qc.CloseWithError(0, "stream open failed")
		return nil, &ConnectError{Addr: addr, Err: fmt.Errorf("open QUIC stream: %w", err)}
	}

	return &quicConn{conn: qc, stream: stream, isDialer: true}, nil
}

// Listen creates a QUIC listener. A self-signed certificate is generated
// when no TLS config is given.
func (t *QUICTransport) Listen(addr string, opts ListenOptions) (Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrTransportClosed
	}

	tlsConfig := opts.TLSConfig
	if tlsConfig == nil {
		certPEM, keyPEM, err := GenerateSelfSignedCert("p2p-node", 365*24*time.Hour)
		if err != nil {
			return nil, err
		}
		if tlsConfig, err = TLSConfigFromBytes(certPEM, keyPEM); err != nil {
			return nil, err
		}
	}
	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig = tlsConfig.Clone()
		tlsConfig.NextProtos = []string{DefaultProtocolID}
	}

	ln, err := quic.ListenAddr(addr, tlsConfig, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("QUIC listen failed: %w", err)
	}

	l := &QUICListener{
		listener:   ln,
		queue:      newAcceptQueue(16),
		maxInbound: opts.MaxInbound,
	}
	if l.maxInbound > 0 {
		l.sem = make(chan struct{}, l.maxInbound)
	}
	go l.acceptLoop()

	t.listeners = append(t.listeners, l)
	return l, nil
}

// Close shuts down the transport and all listeners.
func (t *QUICTransport) Close() error {
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

// QUICListener implements Listener for QUIC.
type QUICListener struct {
	listener   *quic.Listener
	queue      *acceptQueue
	maxInbound int
	sem        chan struct{}
	closeOnce  sync.Once
	closeErr   error
}

func (l *QUICListener) acceptLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-l.queue.done()
		cancel()
	}()

	for {
		qc, err := l.listener.Accept(ctx)
		if err != nil {
			l.queue.shut()
			return
		}
		go l.acceptStream(ctx, qc)
	}
}

// acceptStream waits for the dialer's stream. The stream only becomes
// visible once the dialer writes to it.
func (l *QUICListener) acceptStream(ctx context.Context, qc quic.Connection) {
	if l.sem != nil {
		select {
		case l.sem <- struct{}{}:
		default:
			qc.CloseWithError(0, "too many connections")
			return
		}
	}

	ctx, cancel := context.WithTimeout(ctx, quicStreamAcceptTimeout)
	defer cancel()

	stream, err := qc.AcceptStream(ctx)
	if err != nil {
		qc.CloseWithError(0, "no stream")
		l.release()
		return
	}

	l.queue.push(&quicConn{conn: qc, stream: stream, isDialer: false, onClose: l.release})
}

func (l *QUICListener) release() {
	if l.sem != nil {
		<-l.sem
	}
}

// Accept waits for and returns the next QUIC connection.
func (l *QUICListener) Accept(ctx context.Context) (Conn, error) {
	return l.queue.accept(ctx)
}

// Addr returns the listener's address.
func (l *QUICListener) Addr() net.Addr {
	return l.listener.Addr()
}

// Close stops the listener.
func (l *QUICListener) Close() error {
	l.closeOnce.Do(func() {
		l.queue.shut()
		l.closeErr = l.listener.Close()
	})
	return l.closeErr
}

// quicConn exposes one QUIC stream and its connection as a Conn.
type quicConn struct {
	conn     quic.Connection
	stream   quic.Stream
	isDialer bool
	onClose  func()

	closeOnce sync.Once
}

func (c *quicConn) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *quicConn) Write(p []byte) (int, error) { return c.stream.Write(p) }

func (c *quicConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.stream.CancelRead(0)
		c.stream.Close()
		err = c.conn.CloseWithError(0, "connection closed")
		if c.onClose != nil {
			c.onClose()
		}
	})
	return err
}

func (c *quicConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *quicConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *quicConn) SetDeadline(t time.Time) error      { return c.stream.SetDeadline(t) }
func (c *quicConn) SetReadDeadline(t time.Time) error  { return c.stream.SetReadDeadline(t) }
func (c *quicConn) SetWriteDeadline(t time.Time) error { return c.stream.SetWriteDeadline(t) }

func (c *quicConn) IsDialer() bool {
	return c.isDialer
}

func (c *quicConn) TransportType() TransportType {
	return TransportQUIC
}

// prepareTLSConfigForDial returns the TLS config used to dial. Without an
// explicit config, verification is skipped only when insecureSkipVerify is
// set.
func prepareTLSConfigForDial(tlsConfig *tls.Config, insecureSkipVerify bool) *tls.Config {
	if tlsConfig == nil {
		return &tls.Config{
			InsecureSkipVerify: insecureSkipVerify,
			NextProtos:         []string{DefaultProtocolID},
			MinVersion:         tls.VersionTLS13,
		}
	}

	cfg := tlsConfig.Clone()
	if len(cfg.NextProtos) == 0 {
		cfg.NextProtos = []string{DefaultProtocolID}
	}
	return cfg
}
