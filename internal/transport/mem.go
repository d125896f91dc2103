package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
)

// ErrNoListener is returned when dialing a memory address nobody listens on.
var ErrNoListener = errors.New("connection refused: no listener")

// MemNetwork is an in-process network. Transports created from the same
// MemNetwork can reach each other's listeners.
type MemNetwork struct {
	mu        sync.Mutex
	listeners map[string]*MemListener
	nextPort  atomic.Uint32
}

// NewMemNetwork creates an empty in-process network.
func NewMemNetwork() *MemNetwork {
	return &MemNetwork{listeners: make(map[string]*MemListener)}
}

// Transport returns a transport attached to the network.
func (n *MemNetwork) Transport() *MemTransport {
	return &MemTransport{network: n}
}

func (n *MemNetwork) lookup(addr string) *MemListener {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.listeners[addr]
}

func (n *MemNetwork) remove(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.listeners, addr)
}

// MemTransport implements Transport over net.Pipe.
type MemTransport struct {
	network *MemNetwork

	mu        sync.Mutex
	listeners []*MemListener
	closed    bool
}

// Type returns the transport type.
func (t *MemTransport) Type() TransportType {
	return TransportMemory
}

// Dial connects to a listener on the same MemNetwork.
func (t *MemTransport) Dial(ctx context.Context, addr string, opts DialOptions) (Conn, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, &ConnectError{Addr: addr, Err: ErrTransportClosed}
	}

	l := t.network.lookup(addr)
	if l == nil {
		return nil, &ConnectError{Addr: addr, Err: ErrNoListener}
	}

	local := stringAddr{network: "mem", addr: fmt.Sprintf("mem-client-%d", t.network.nextPort.Add(1))}
	remote := stringAddr{network: "mem", addr: addr}

	client, server := net.Pipe()
	dialer := newPeerConn(client, true, TransportMemory)
	dialer.local, dialer.remote = local, remote
	accepted := newPeerConn(server, false, TransportMemory)
	accepted.local, accepted.remote = remote, local

	select {
	case l.queue.connCh <- accepted:
		return dialer, nil
	case <-l.queue.done():
		client.Close()
		server.Close()
		return nil, &ConnectError{Addr: addr, Err: ErrNoListener}
	case <-ctx.Done():
		client.Close()
		server.Close()
		return nil, &ConnectError{Addr: addr, Err: ctx.Err()}
	}
}

// Listen registers a listener. Addresses ending in ":0" are assigned a
// unique port.
func (t *MemTransport) Listen(addr string, opts ListenOptions) (Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}

	if addr == "" || strings.HasSuffix(addr, ":0") {
		host := strings.TrimSuffix(addr, ":0")
		if host == "" {
			host = "mem"
		}
		addr = fmt.Sprintf("%s:%d", host, 40000+t.network.nextPort.Add(1))
	}

	n := t.network
	n.mu.Lock()
	if _, exists := n.listeners[addr]; exists {
		n.mu.Unlock()
		return nil, fmt.Errorf("memory listen %s: address in use", addr)
	}
	l := &MemListener{network: n, addr: stringAddr{network: "mem", addr: addr}, queue: newAcceptQueue(0)}
	n.listeners[addr] = l
	n.mu.Unlock()

	t.listeners = append(t.listeners, l)
	return l, nil
}

// Close shuts down the transport and its listeners.
func (t *MemTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for _, l := range t.listeners {
		l.Close()
	}
	t.listeners = nil
	return nil
}

// MemListener implements Listener for MemTransport.
type MemListener struct {
	network *MemNetwork
	addr    stringAddr
	queue   *acceptQueue
}

// Accept waits for and returns the next connection.
func (l *MemListener) Accept(ctx context.Context) (Conn, error) {
	return l.queue.accept(ctx)
}

// Addr returns the listener's address.
func (l *MemListener) Addr() net.Addr {
	return l.addr
}

// Close stops the listener.
func (l *MemListener) Close() error {
	if l.queue.shut() {
		l.network.remove(l.addr.addr)
	}
	return nil
}
