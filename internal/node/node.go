// Package node is the connection manager. It accepts and dials peers, runs
// handshakes, admits sessions into the peer table and routes inbound
// streams to the protocol handlers registered for their tag.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/p2p-node/internal/handshake"
	"github.com/postalsys/p2p-node/internal/identity"
	"github.com/postalsys/p2p-node/internal/logging"
	"github.com/postalsys/p2p-node/internal/metrics"
	"github.com/postalsys/p2p-node/internal/mux"
	"github.com/postalsys/p2p-node/internal/peer"
	"github.com/postalsys/p2p-node/internal/protocol"
	"github.com/postalsys/p2p-node/internal/recovery"
	"github.com/postalsys/p2p-node/internal/transport"
)

var (
	// ErrClosed is returned by operations on a closed node.
	ErrClosed = errors.New("node closed")

	// ErrNotStarted is returned by operations that need a running node.
	ErrNotStarted = errors.New("node not started")

	// ErrAlreadyStarted is returned by Start and Register after Start.
	ErrAlreadyStarted = errors.New("node already started")

	// ErrPeerNotConnected is returned when no live session exists for a peer.
	ErrPeerNotConnected = errors.New("peer not connected")

	// ErrUnknownPeer is returned when the peer table has no record.
	ErrUnknownPeer = errors.New("unknown peer")
)

// DefaultMaintenanceInterval is how often retention pruning runs.
const DefaultMaintenanceInterval = 30 * time.Second

// Bootstrap is an address dialed at startup.
type Bootstrap struct {
	Address    string
	ExpectedID identity.PeerID
	Transport  transport.TransportType
	Path       string
	Persistent bool
}

// ConnectOptions tune a single dial.
type ConnectOptions struct {
	// ExpectedID pins the peer identity; zero accepts any.
	ExpectedID identity.PeerID

	// Transport selects the dial transport; empty uses the listener's.
	Transport transport.TransportType

	// Path is the HTTP path for WebSocket dials.
	Path string

	// Persistent redials the address with backoff whenever the session is
	// lost or the dial fails.
	Persistent bool
}

// Config configures a Node.
type Config struct {
	Keypair *identity.Keypair

	// Transport is used for the listener and, by default, for dialing.
	Transport     transport.Transport
	ListenAddress string
	ListenOptions transport.ListenOptions

	// Dialers supplies transports for other types. Missing types are
	// created on demand.
	Dialers     map[transport.TransportType]transport.Transport
	DialOptions transport.DialOptions

	Bootstrap []Bootstrap

	// Handshake and Mux carry the protocol parameters. Identity, logging
	// and callbacks are filled in by the node.
	Handshake handshake.Config
	Mux       mux.Config

	// MaxPeers caps connected peers. Zero uses peer.DefaultMaxPeers;
	// negative is unlimited.
	MaxPeers      int
	PeerRetention time.Duration
	Reconnect     peer.ReconnectConfig

	// AcceptRate limits accepted connections per second; zero disables it.
	AcceptRate  rate.Limit
	AcceptBurst int

	MaintenanceInterval time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Node is a running peer-to-peer node.
type Node struct {
	cfg         Config
	id          identity.PeerID
	engine      *handshake.Engine
	table       *peer.Table
	reconnector *peer.Reconnector
	limiter     *rate.Limiter
	handlers    map[uint16]registration
	logger      *slog.Logger
	metrics     *metrics.Metrics

	trMu       sync.Mutex
	transports map[transport.TransportType]transport.Transport
	owned      []transport.Transport

	targetsMu sync.Mutex
	targets   map[string]ConnectOptions

	ctx        context.Context
	cancel     context.CancelFunc
	events     chan event
	loopDone   chan struct{}
	loopExited chan struct{}
	wg         sync.WaitGroup
	listener   transport.Listener
	started    atomic.Bool
	startedAt  time.Time
	closeOnce  sync.Once

	pendingDials atomic.Int64
	handshakes   atomic.Int64
	sessions     atomic.Int64
}

// New creates a node. Handlers are registered with Register before Start.
func New(cfg Config) (*Node, error) {
	if cfg.Keypair == nil {
		return nil, errors.New("node: keypair required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("node: transport required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	if cfg.MaxPeers == 0 {
		cfg.MaxPeers = peer.DefaultMaxPeers
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if cfg.DialOptions.Timeout <= 0 {
		cfg.DialOptions.Timeout = transport.DefaultDialOptions().Timeout
	}

	hcfg := cfg.Handshake
	hcfg.Keypair = cfg.Keypair
	hcfg.Logger = cfg.Logger
	engine, err := handshake.NewEngine(hcfg)
	if err != nil {
		return nil, err
	}

	limit, burst := cfg.AcceptRate, cfg.AcceptBurst
	if limit <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:    cfg,
		id:     cfg.Keypair.ID(),
		engine: engine,
		table: peer.NewTable(peer.TableConfig{
			MaxPeers:  cfg.MaxPeers,
			Retention: cfg.PeerRetention,
			Logger:    cfg.Logger,
			Metrics:   cfg.Metrics,
		}),
		limiter:    rate.NewLimiter(limit, burst),
		handlers:   make(map[uint16]registration),
		logger:     logging.Component(cfg.Logger, "node"),
		metrics:    cfg.Metrics,
		transports: map[transport.TransportType]transport.Transport{cfg.Transport.Type(): cfg.Transport},
		targets:    make(map[string]ConnectOptions),
		ctx:        ctx,
		cancel:     cancel,
		events:     make(chan event, 256),
		loopDone:   make(chan struct{}),
		loopExited: make(chan struct{}),
	}
	for t, tr := range cfg.Dialers {
		n.transports[t] = tr
	}

	rcfg := cfg.Reconnect
	rcfg.Logger = cfg.Logger
	rcfg.Metrics = cfg.Metrics
	n.reconnector = peer.NewReconnector(rcfg, n.redial)

	return n, nil
}

// ID returns the local PeerID.
func (n *Node) ID() identity.PeerID {
	return n.id
}

// Table returns the peer table.
func (n *Node) Table() *peer.Table {
	return n.table
}

// Start binds the listener and starts the accept loop, the event loop and
// the bootstrap dials. Failing to bind is the only error.
func (n *Node) Start(ctx context.Context) error {
	if n.ctx.Err() != nil {
		return ErrClosed
	}
	if !n.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ln, err := n.cfg.Transport.Listen(n.cfg.ListenAddress, n.cfg.ListenOptions)
	if err != nil {
		n.started.Store(false)
		return fmt.Errorf("listen %s %s: %w", n.cfg.Transport.Type(), n.cfg.ListenAddress, err)
	}
	n.listener = ln
	n.startedAt = time.Now()

	n.logger.Info("node started",
		logging.KeyPeerID, n.id.String(),
		logging.KeyTransport, n.cfg.Transport.Type(),
		logging.KeyAddress, ln.Addr().String(),
		"protocols", len(n.handlers))

	go func() {
		defer close(n.loopExited)
		defer recovery.RecoverWithLog(n.logger, "eventLoop")
		n.run()
	}()
	n.goTracked("acceptLoop", n.acceptLoop)

	if len(n.cfg.Bootstrap) > 0 {
		n.goTracked("bootstrap", func() { n.ConnectAll(n.cfg.Bootstrap) })
	}

	if ctx != nil && ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() { n.Close() })
		n.goTracked("startContext", func() {
			<-n.ctx.Done()
			stop()
		})
	}
	return nil
}

// ListenAddr returns the bound listener address, or nil before Start.
func (n *Node) ListenAddr() net.Addr {
	if n.listener == nil {
		return nil
	}
	return n.listener.Addr()
}

// Running reports whether the node is between Start and Close.
func (n *Node) Running() bool {
	return n.started.Load() && n.ctx.Err() == nil
}

// Ready reports whether the node is running and, when it has bootstrap
// peers, connected to at least one peer.
func (n *Node) Ready() bool {
	if !n.Running() {
		return false
	}
	return len(n.cfg.Bootstrap) == 0 || n.table.CountConnected() > 0
}

// Done is closed once Close has begun.
func (n *Node) Done() <-chan struct{} {
	return n.ctx.Done()
}

// Connect dials addr, runs the handshake and returns the peer's identity
// once the session is admitted. Concurrent dials to the same address share
// one attempt. ctx bounds only the wait; the dial itself is bounded by the
// configured dial and handshake timeouts.
func (n *Node) Connect(ctx context.Context, addr string, opts ConnectOptions) (identity.PeerID, error) {
	if !n.started.Load() {
		return identity.ZeroID, ErrNotStarted
	}
	if opts.Persistent {
		n.targetsMu.Lock()
		n.targets[addr] = opts
		n.targetsMu.Unlock()
	}

	reply := make(chan connectResult, 1)
	if !n.post(&dialRequest{addr: addr, opts: opts, reply: reply}) {
		return identity.ZeroID, ErrClosed
	}

	select {
	case r := <-reply:
		return r.id, r.err
	case <-ctx.Done():
		return identity.ZeroID, ctx.Err()
	case <-n.loopDone:
		return identity.ZeroID, ErrClosed
	}
}

// ConnectAll dials every entry concurrently and waits for the results.
// Failures are logged; persistent entries keep retrying in the background.
func (n *Node) ConnectAll(entries []Bootstrap) int {
	var wg sync.WaitGroup
	var connected atomic.Int32
	for _, b := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer recovery.RecoverWithLog(n.logger, "bootstrapDial")

			id, err := n.Connect(n.ctx, b.Address, ConnectOptions{
				ExpectedID: b.ExpectedID,
				Transport:  b.Transport,
				Path:       b.Path,
				Persistent: b.Persistent,
			})
			if err != nil {
				n.logger.Warn("bootstrap dial failed",
					logging.KeyAddress, b.Address,
					logging.KeyReason, Reason(err),
					logging.KeyError, err)
				return
			}
			connected.Add(1)
			n.logger.Debug("bootstrap peer connected",
				logging.KeyAddress, b.Address,
				logging.KeyPeerID, id.ShortString())
		}()
	}
	wg.Wait()
	return int(connected.Load())
}

// OpenStream opens a stream to a connected peer for a protocol tag.
func (n *Node) OpenStream(ctx context.Context, id identity.PeerID, tag uint16) (*mux.Stream, error) {
	rec, ok := n.table.Get(id)
	if !ok || !rec.Connected() || rec.Session == nil {
		return nil, fmt.Errorf("%w: %s", ErrPeerNotConnected, id.ShortString())
	}
	st, err := rec.Session.OpenStream(ctx, tag)
	if err != nil {
		return nil, err
	}
	n.table.Touch(id)
	return st, nil
}

// Disconnect ends the session with a peer and cancels any redial of its
// address.
func (n *Node) Disconnect(id identity.PeerID) error {
	rec, ok := n.table.Get(id)
	if !ok || !rec.Connected() || rec.Session == nil {
		return fmt.Errorf("%w: %s", ErrPeerNotConnected, id.ShortString())
	}
	if rec.DialAddr != "" {
		n.forget(rec.DialAddr)
	}
	rec.Session.GoAway(protocol.GoAwayNormal, "disconnect requested")
	<-rec.Session.Done()
	return nil
}

// Remove disconnects a peer if needed and drops its record without waiting
// for retention to expire.
func (n *Node) Remove(id identity.PeerID) error {
	rec, ok := n.table.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, id.ShortString())
	}
	if rec.DialAddr != "" {
		n.forget(rec.DialAddr)
	}
	if rec.Session != nil {
		rec.Session.GoAway(protocol.GoAwayNormal, "peer removed")
		<-rec.Session.Done()
	}
	n.table.Remove(id)
	return nil
}

// Forget stops redialing addr.
func (n *Node) Forget(addr string) {
	n.forget(addr)
}

func (n *Node) forget(addr string) {
	n.targetsMu.Lock()
	delete(n.targets, addr)
	n.targetsMu.Unlock()
	n.reconnector.Cancel(addr)
}

func (n *Node) target(addr string) (ConnectOptions, bool) {
	n.targetsMu.Lock()
	defer n.targetsMu.Unlock()
	opts, ok := n.targets[addr]
	return opts, ok
}

// redial is the reconnector callback.
func (n *Node) redial(addr string) error {
	opts, ok := n.target(addr)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(n.ctx, n.cfg.DialOptions.Timeout+n.engineTimeout())
	defer cancel()

	_, err := n.Connect(ctx, addr, opts)
	if err != nil && !shouldRedial(err) {
		return nil
	}
	return err
}

func (n *Node) engineTimeout() time.Duration {
	if n.cfg.Handshake.Timeout > 0 {
		return n.cfg.Handshake.Timeout
	}
	return handshake.DefaultTimeout
}

// Close sends GOAWAY(shutdown) on every session and waits for all node
// goroutines to return. It is idempotent.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		n.logger.Info("node stopping")
		n.cancel()
		if n.listener != nil {
			n.listener.Close()
		}
		n.reconnector.Stop()
		if n.started.Load() {
			<-n.loopExited
		} else {
			close(n.loopDone)
		}
		n.wg.Wait()
		n.drain()

		n.trMu.Lock()
		for _, tr := range n.owned {
			tr.Close()
		}
		n.trMu.Unlock()
		n.logger.Info("node stopped")
	})
	return nil
}

// transportFor returns the transport for dialing t.
func (n *Node) transportFor(t transport.TransportType) (transport.Transport, error) {
	if t == "" {
		return n.cfg.Transport, nil
	}

	n.trMu.Lock()
	defer n.trMu.Unlock()

	if tr, ok := n.transports[t]; ok {
		return tr, nil
	}
	tr, err := transport.New(t)
	if err != nil {
		return nil, err
	}
	n.transports[t] = tr
	n.owned = append(n.owned, tr)
	return tr, nil
}

// goTracked runs fn in a goroutine that Close waits for.
func (n *Node) goTracked(name string, fn func()) {
	recovery.Go(&n.wg, n.logger, name, fn)
}

func (n *Node) acceptLoop() {
	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			if n.ctx.Err() != nil || errors.Is(err, transport.ErrListenerClosed) {
				return
			}
			n.logger.Warn("accept failed", logging.KeyError, err)
			select {
			case <-time.After(100 * time.Millisecond):
			case <-n.ctx.Done():
				return
			}
			continue
		}

		if !n.limiter.Allow() {
			n.metrics.RecordAcceptThrottled()
			n.logger.Debug("inbound connection throttled",
				logging.KeyRemoteAddr, addrString(conn.RemoteAddr()))
			conn.Close()
			continue
		}

		if !n.post(&inboundConn{conn: conn}) {
			conn.Close()
			return
		}
	}
}

// post hands an event to the loop. It fails once the loop stopped.
func (n *Node) post(ev event) bool {
	select {
	case <-n.loopDone:
		return false
	default:
	}
	select {
	case n.events <- ev:
		return true
	case <-n.loopDone:
		return false
	}
}

// drain releases resources held by events the loop never handled.
func (n *Node) drain() {
	for {
		select {
		case ev := <-n.events:
			switch ev := ev.(type) {
			case *inboundConn:
				ev.conn.Close()
			case *handshakeDone:
				if ev.est != nil {
					ev.est.Close()
				}
			case *dialRequest:
				ev.reply <- connectResult{err: ErrClosed}
			}
		default:
			return
		}
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
