package node

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/postalsys/p2p-node/internal/handshake"
	"github.com/postalsys/p2p-node/internal/identity"
	"github.com/postalsys/p2p-node/internal/logging"
	"github.com/postalsys/p2p-node/internal/metrics"
	"github.com/postalsys/p2p-node/internal/mux"
	"github.com/postalsys/p2p-node/internal/peer"
	"github.com/postalsys/p2p-node/internal/protocol"
	"github.com/postalsys/p2p-node/internal/transport"
)

// event is a completion reported to the event loop.
type event interface{}

type connectResult struct {
	id  identity.PeerID
	err error
}

type dialRequest struct {
	addr  string
	opts  ConnectOptions
	reply chan connectResult
}

type inboundConn struct {
	conn transport.Conn
}

type handshakeDone struct {
	est      *handshake.Established
	err      error
	dialAddr string
	opts     ConnectOptions
	remote   string
}

type sessionClosed struct {
	peerID   identity.PeerID
	sid      string
	dialAddr string
	err      error
}

// pendingDial is one dial attempt shared by every Connect to its address.
type pendingDial struct {
	opts    ConnectOptions
	waiters []chan connectResult
}

// loopState is owned by the event loop goroutine.
type loopState struct {
	dials    map[string]*pendingDial
	sessions map[string]*mux.Session
}

func (n *Node) run() {
	st := &loopState{
		dials:    make(map[string]*pendingDial),
		sessions: make(map[string]*mux.Session),
	}

	ticker := time.NewTicker(n.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-n.events:
			n.handle(st, ev)
		case now := <-ticker.C:
			n.maintain(now)
		case <-n.ctx.Done():
			n.shutdown(st)
			return
		}
	}
}

func (n *Node) handle(st *loopState, ev event) {
	switch ev := ev.(type) {
	case *dialRequest:
		n.handleDial(st, ev)
	case *inboundConn:
		n.startHandshake(ev.conn, "", ConnectOptions{})
	case *handshakeDone:
		n.handleHandshake(st, ev)
	case *sessionClosed:
		n.handleSessionClosed(st, ev)
	}
}

func (n *Node) handleDial(st *loopState, req *dialRequest) {
	if id, ok := n.connectedVia(req.addr, req.opts.ExpectedID); ok {
		req.reply <- connectResult{id: id}
		return
	}

	if pd, ok := st.dials[req.addr]; ok {
		pd.waiters = append(pd.waiters, req.reply)
		return
	}

	addr, opts := req.addr, req.opts
	pinned := !opts.ExpectedID.IsZero()
	if pinned && !n.table.BeginDial(opts.ExpectedID, addr) {
		// Already dialing this identity on another address.
		if pd := st.dialFor(opts.ExpectedID); pd != nil {
			pd.waiters = append(pd.waiters, req.reply)
			return
		}
	}
	st.dials[addr] = &pendingDial{opts: opts, waiters: []chan connectResult{req.reply}}

	n.pendingDials.Add(1)
	n.goTracked("dial", func() {
		defer n.pendingDials.Add(-1)

		conn, err := n.dial(addr, opts)
		if err != nil {
			n.post(&handshakeDone{err: err, dialAddr: addr, opts: opts, remote: addr})
			return
		}
		if pinned {
			n.table.Handshaking(opts.ExpectedID)
		}
		n.runHandshake(conn, addr, opts)
	})
}

// dialFor returns the pending dial pinned to id.
func (st *loopState) dialFor(id identity.PeerID) *pendingDial {
	for _, pd := range st.dials {
		if pd.opts.ExpectedID == id {
			return pd
		}
	}
	return nil
}

// connectedVia finds a live session for a dial target, by pinned identity
// or by the address it was dialed on.
func (n *Node) connectedVia(addr string, expected identity.PeerID) (identity.PeerID, bool) {
	if !expected.IsZero() {
		rec, ok := n.table.Get(expected)
		return rec.ID, ok && rec.Connected()
	}
	for _, rec := range n.table.Snapshot() {
		if rec.Connected() && rec.DialAddr == addr {
			return rec.ID, true
		}
	}
	return identity.ZeroID, false
}

func (n *Node) dial(addr string, opts ConnectOptions) (transport.Conn, error) {
	tr, err := n.transportFor(opts.Transport)
	if err != nil {
		return nil, err
	}

	dopts := n.cfg.DialOptions
	if opts.Path != "" {
		dopts.Path = opts.Path
	}

	ctx, cancel := context.WithTimeout(n.ctx, dopts.Timeout)
	defer cancel()

	n.logger.Debug("dialing peer",
		logging.KeyAddress, addr,
		logging.KeyTransport, tr.Type())
	return tr.Dial(ctx, addr, dopts)
}

func (n *Node) startHandshake(conn transport.Conn, dialAddr string, opts ConnectOptions) {
	n.goTracked("handshake", func() {
		n.runHandshake(conn, dialAddr, opts)
	})
}

func (n *Node) runHandshake(conn transport.Conn, dialAddr string, opts ConnectOptions) {
	n.handshakes.Add(1)
	defer n.handshakes.Add(-1)

	remote := addrString(conn.RemoteAddr())
	est, err := n.engine.Run(n.ctx, conn, opts.ExpectedID)
	if !n.post(&handshakeDone{est: est, err: err, dialAddr: dialAddr, opts: opts, remote: remote}) {
		if est != nil {
			est.Close()
		}
	}
}

func (n *Node) handleHandshake(st *loopState, ev *handshakeDone) {
	var waiters []chan connectResult
	if ev.dialAddr != "" {
		if pd, ok := st.dials[ev.dialAddr]; ok {
			waiters = pd.waiters
			delete(st.dials, ev.dialAddr)
		}
	}
	reply := func(id identity.PeerID, err error) {
		for _, w := range waiters {
			w <- connectResult{id: id, err: err}
		}
	}

	if ev.err != nil {
		reason := Reason(ev.err)
		n.metrics.RecordHandshakeError(reason)
		n.logger.Warn("connection attempt failed",
			logging.KeyRemoteAddr, ev.remote,
			logging.KeyReason, reason,
			logging.KeyError, ev.err)

		if !ev.opts.ExpectedID.IsZero() {
			n.table.AbortDial(ev.opts.ExpectedID, ev.err)
		}
		if ev.dialAddr != "" && shouldRedial(ev.err) {
			if _, ok := n.target(ev.dialAddr); ok {
				n.reconnector.Schedule(ev.dialAddr)
			}
		}
		reply(identity.ZeroID, ev.err)
		return
	}

	est := ev.est
	n.metrics.RecordHandshake(est.Duration.Seconds())

	sid := uuid.NewString()
	adm := n.table.Admit(peer.Record{
		ID:         est.PeerID,
		Address:    addrString(est.RemoteAddr),
		Direction:  est.Direction(),
		Transport:  est.Transport,
		Initiator:  est.Initiator(n.id),
		DialedAt:   est.DialedAt,
		Transcript: est.Transcript,
		DialAddr:   ev.dialAddr,
		SessionID:  sid,
	})

	if !adm.Accepted {
		code := protocol.GoAwayCapacity
		if errors.Is(adm.Reason, peer.ErrDuplicateConnection) {
			code = protocol.GoAwayDuplicate
		}
		n.logger.Info("connection refused",
			logging.KeyPeerID, est.PeerID.ShortString(),
			logging.KeyDirection, est.Direction(),
			logging.KeyReason, Reason(adm.Reason))
		n.goTracked("reject", func() {
			mux.Reject(est, code, adm.Reason.Error())
		})
		n.table.AbortDial(est.PeerID, adm.Reason)

		// A duplicate means the peer is already connected over the surviving
		// session.
		if code == protocol.GoAwayDuplicate {
			if ev.dialAddr != "" {
				n.reconnector.Cancel(ev.dialAddr)
			}
			reply(est.PeerID, nil)
			return
		}
		reply(identity.ZeroID, adm.Reason)
		return
	}

	sess, err := mux.New(est, n.sessionConfig(sid, ev.dialAddr))
	if err != nil {
		n.table.MarkDisconnected(est.PeerID, sid, err)
		est.Close()
		reply(identity.ZeroID, err)
		return
	}
	n.table.Attach(est.PeerID, sid, sess)
	st.sessions[sid] = sess
	n.sessions.Add(1)
	n.pauseAtCapacity()

	direction := metrics.DirectionIn
	if est.IsDialer {
		direction = metrics.DirectionOut
	}
	n.metrics.RecordPeerConnect(string(est.Transport), direction)
	n.logger.Info("peer connected",
		logging.KeyPeerID, est.PeerID.ShortString(),
		logging.KeySession, sid,
		logging.KeyDirection, est.Direction(),
		logging.KeyTransport, est.Transport,
		logging.KeyRemoteAddr, addrString(est.RemoteAddr),
		logging.KeyVersion, est.Version,
		logging.KeyDuration, est.Duration)

	if adm.Replaced != nil && adm.Replaced.Session != nil {
		old := adm.Replaced.Session
		n.goTracked("replaceSession", func() {
			old.GoAway(protocol.GoAwayDuplicate, peer.ErrDuplicateConnection.Error())
		})
	}
	for _, rec := range adm.Evicted {
		if rec.Session == nil {
			continue
		}
		victim := rec.Session
		n.goTracked("evictSession", func() {
			victim.GoAway(protocol.GoAwayCapacity, peer.ErrCapacityExceeded.Error())
		})
	}

	if ev.dialAddr != "" {
		n.reconnector.Cancel(ev.dialAddr)
	}
	reply(est.PeerID, nil)
}

func (n *Node) sessionConfig(sid, dialAddr string) mux.Config {
	cfg := n.cfg.Mux
	cfg.ID = sid
	cfg.Logger = n.cfg.Logger
	cfg.Metrics = n.metrics
	cfg.AcceptTag = n.hasHandler
	cfg.OnStream = n.dispatch
	cfg.OnClose = func(s *mux.Session, err error) {
		ev := &sessionClosed{peerID: s.PeerID(), sid: s.ID(), dialAddr: dialAddr, err: err}
		if !n.post(ev) {
			n.table.MarkDisconnected(ev.peerID, ev.sid, err)
		}
	}
	return cfg
}

func (n *Node) handleSessionClosed(st *loopState, ev *sessionClosed) {
	if _, ok := st.sessions[ev.sid]; !ok {
		return
	}
	delete(st.sessions, ev.sid)
	n.sessions.Add(-1)

	reason := Reason(ev.err)
	n.metrics.RecordPeerDisconnect(reason)

	live := n.table.MarkDisconnected(ev.peerID, ev.sid, ev.err)
	n.logger.Info("peer disconnected",
		logging.KeyPeerID, ev.peerID.ShortString(),
		logging.KeySession, ev.sid,
		logging.KeyReason, reason)
	n.pauseAtCapacity()

	if !live || ev.dialAddr == "" || !shouldReconnect(ev.err) {
		return
	}
	if _, ok := n.target(ev.dialAddr); ok {
		n.reconnector.Schedule(ev.dialAddr)
	}
}

func (n *Node) maintain(now time.Time) {
	if pruned := n.table.Prune(now); pruned > 0 {
		n.logger.Debug("pruned disconnected peers", logging.KeyCount, pruned)
	}
	for _, rec := range n.table.EvictIfOverCapacity() {
		if rec.Session == nil {
			continue
		}
		victim := rec.Session
		n.goTracked("evictSession", func() {
			victim.GoAway(protocol.GoAwayCapacity, peer.ErrCapacityExceeded.Error())
		})
	}
	n.pauseAtCapacity()
}

// pauseAtCapacity holds background redials while every peer slot is taken
// and releases them once one frees up.
func (n *Node) pauseAtCapacity() {
	limit := n.table.MaxPeers()
	full := limit >= 0 && n.table.CountConnected() >= limit

	switch paused := n.reconnector.IsPaused(); {
	case full && !paused:
		n.reconnector.Pause()
		n.logger.Debug("reconnects paused at capacity", "max_peers", limit)
	case !full && paused:
		n.reconnector.Resume()
		n.logger.Debug("reconnects resumed")
	}
}

// shutdown stops accepting events, fails pending dials and sends
// GOAWAY(shutdown) on every session.
func (n *Node) shutdown(st *loopState) {
	close(n.loopDone)

	for addr, pd := range st.dials {
		if !pd.opts.ExpectedID.IsZero() {
			n.table.AbortDial(pd.opts.ExpectedID, ErrClosed)
		}
		for _, w := range pd.waiters {
			w <- connectResult{err: ErrClosed}
		}
		delete(st.dials, addr)
	}

	done := make(chan struct{}, len(st.sessions))
	for _, sess := range st.sessions {
		go func() {
			sess.GoAway(protocol.GoAwayShutdown, "node shutting down")
			sess.Wait()
			done <- struct{}{}
		}()
	}
	for range st.sessions {
		<-done
	}
	n.sessions.Store(0)
}
