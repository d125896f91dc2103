package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// WebSocket transport constants
const (
	wsDefaultPath      = "/p2p"
	wsDefaultReadLimit = 4 * 1024 * 1024
	wsShutdownTimeout  = 5 * time.Second
)

// WebSocketTransport implements Transport over a single WebSocket per peer.
// Binary messages carry the byte stream; message boundaries are not
// significant.
type WebSocketTransport struct {
	mu        sync.Mutex
	listeners []*WebSocketListener
	closed    bool
}

// NewWebSocketTransport creates a new WebSocket transport.
func NewWebSocketTransport() *WebSocketTransport {
	return &WebSocketTransport{}
}

// Type returns the transport type.
func (t *WebSocketTransport) Type() TransportType {
	return TransportWebSocket
}

// Dial connects to a remote peer using WebSocket.
func (t *WebSocketTransport) Dial(ctx context.Context, addr string, opts DialOptions) (Conn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, &ConnectError{Addr: addr, Err: ErrTransportClosed}
	}
	t.mu.Unlock()

	wsURL, err := parseWebSocketURL(addr, opts)
	if err != nil {
		return nil, &ConnectError{Addr: addr, Err: err}
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	c, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{DefaultProtocolID},
		HTTPClient:   buildHTTPClient(opts),
	})
	if err != nil {
		return nil, &ConnectError{Addr: addr, Err: err}
	}
	c.SetReadLimit(wsDefaultReadLimit)

	u, _ := url.Parse(wsURL)
	pc := newPeerConn(websocket.NetConn(context.Background(), c, websocket.MessageBinary), true, TransportWebSocket)
	pc.remote = stringAddr{network: "ws", addr: u.Host}
	return pc, nil
}

// Listen creates a WebSocket listener. Without a TLS config the listener
// serves plain ws.
func (t *WebSocketTransport) Listen(addr string, opts ListenOptions) (Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrTransportClosed
	}

	path := opts.Path
	if path == "" {
		path = wsDefaultPath
	}

	l := &WebSocketListener{
		path:      path,
		tlsConfig: opts.TLSConfig,
		queue:     newAcceptQueue(16),
	}
	if err := l.start(addr, opts.MaxInbound); err != nil {
		return nil, err
	}

	t.listeners = append(t.listeners, l)
	return l, nil
}

// Close shuts down the transport and all listeners.
func (t *WebSocketTransport) Close() error {
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

// WebSocketListener implements Listener for WebSocket.
type WebSocketListener struct {
	path      string
	tlsConfig *tls.Config
	server    *http.Server
	netLn     net.Listener
	queue     *acceptQueue
	closeOnce sync.Once
	closeErr  error
}

func (l *WebSocketListener) start(addr string, maxInbound int) error {
	mux := http.NewServeMux()
	mux.HandleFunc(l.path, l.handleWebSocket)

	l.server = &http.Server{
		Handler:           mux,
		TLSConfig:         l.tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	tl, err := NewTCPTransport().Listen(addr, ListenOptions{MaxInbound: maxInbound})
	if err != nil {
		return err
	}
	l.netLn = &netListener{l: tl.(*TCPListener)}

	go func() {
		if l.tlsConfig != nil {
			l.server.ServeTLS(l.netLn, "", "")
		} else {
			l.server.Serve(l.netLn)
		}
	}()

	return nil
}

func (l *WebSocketListener) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-l.queue.done():
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	default:
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{DefaultProtocolID},
	})
	if err != nil {
		return
	}
	c.SetReadLimit(wsDefaultReadLimit)

	pc := newPeerConn(websocket.NetConn(context.Background(), c, websocket.MessageBinary), false, TransportWebSocket)
	pc.local = l.netLn.Addr()
	pc.remote = stringAddr{network: "ws", addr: r.RemoteAddr}
	l.queue.push(pc)
}

// Accept waits for and returns the next WebSocket connection.
func (l *WebSocketListener) Accept(ctx context.Context) (Conn, error) {
	return l.queue.accept(ctx)
}

// Addr returns the listener's address.
func (l *WebSocketListener) Addr() net.Addr {
	return l.netLn.Addr()
}

// Close stops the listener.
func (l *WebSocketListener) Close() error {
	l.closeOnce.Do(func() {
		l.queue.shut()

		ctx, cancel := context.WithTimeout(context.Background(), wsShutdownTimeout)
		defer cancel()
		l.closeErr = l.server.Shutdown(ctx)
	})
	return l.closeErr
}

// netListener exposes a TCPListener as a net.Listener for http.Server.
type netListener struct {
	l *TCPListener
}

func (n *netListener) Accept() (net.Conn, error) {
	c, err := n.l.Accept(context.Background())
	if err != nil {
		return nil, err
	}
	return c.(*peerConn).Conn, nil
}

func (n *netListener) Close() error   { return n.l.Close() }
func (n *netListener) Addr() net.Addr { return n.l.Addr() }

// parseWebSocketURL turns a dial address into a WebSocket URL. Bare
// host:port addresses use wss when TLS is configured, ws otherwise.
func parseWebSocketURL(addr string, opts DialOptions) (string, error) {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		if _, err := url.Parse(addr); err != nil {
			return "", fmt.Errorf("invalid WebSocket URL: %w", err)
		}
		return addr, nil
	}

	if _, _, err := net.SplitHostPort(addr); err != nil {
		return "", fmt.Errorf("invalid address %q: %w", addr, err)
	}

	path := opts.Path
	if path == "" {
		path = wsDefaultPath
	}
	scheme := "ws"
	if opts.TLSConfig != nil || opts.InsecureSkipVerify {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s%s", scheme, addr, path), nil
}

func buildHTTPClient(opts DialOptions) *http.Client {
	tlsConfig := opts.TLSConfig
	if tlsConfig == nil && opts.InsecureSkipVerify {
		tlsConfig = &tls.Config{
			InsecureSkipVerify: true,
			MinVersion:         tls.VersionTLS13,
		}
	}
	return &http.Client{
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
	}
}
