// Package mux multiplexes flow-controlled logical streams over one
// authenticated connection. A Session owns the connection after the
// handshake: one goroutine reads frames, one writes them and one sends
// keepalives.
package mux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/postalsys/p2p-node/internal/crypto"
	"github.com/postalsys/p2p-node/internal/handshake"
	"github.com/postalsys/p2p-node/internal/identity"
	"github.com/postalsys/p2p-node/internal/logging"
	"github.com/postalsys/p2p-node/internal/metrics"
	"github.com/postalsys/p2p-node/internal/protocol"
	"github.com/postalsys/p2p-node/internal/recovery"
	"github.com/postalsys/p2p-node/internal/transport"
)

var errControlOverflow = errors.New("control frame queue overflow")

// Session is the multiplexer over one established connection.
type Session struct {
	id         string
	peerID     identity.PeerID
	isDialer   bool
	version    uint16
	encrypted  bool
	transport  transport.TransportType
	localAddr  net.Addr
	remoteAddr net.Addr
	agent      string
	createdAt  time.Time

	localWindow  uint32
	remoteWindow uint32
	sendLimit    int

	cfg     Config
	conn    transport.Conn
	reader  *protocol.FrameReader
	writer  *protocol.FrameWriter
	writeMu sync.Mutex
	logger  *slog.Logger
	metrics *metrics.Metrics

	// openMu orders local OPEN frames on the wire by stream id.
	openMu sync.Mutex

	mu            sync.Mutex
	streams       map[uint64]*Stream
	resetting     map[uint64]struct{}
	nextID        uint64
	highestRemote uint64
	closed        bool
	err           error

	ctrl chan *protocol.Frame
	data chan *writeRequest

	lastActivity  atomic.Int64
	rtt           atomic.Int64
	framesIn      atomic.Uint64
	framesOut     atomic.Uint64
	bytesIn       atomic.Uint64
	bytesOut      atomic.Uint64
	streamsOpened atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// writeRequest is a frame queued by a stream operation. result receives
// the outcome of the write.
type writeRequest struct {
	frame  *protocol.Frame
	stream *Stream
	result chan error
}

// Stats is a point-in-time view of session counters.
type Stats struct {
	FramesIn      uint64
	FramesOut     uint64
	BytesIn       uint64
	BytesOut      uint64
	StreamsOpened uint64
	ActiveStreams int
	RTT           time.Duration
}

// New takes ownership of the established connection and starts the
// session's goroutines.
func New(est *handshake.Established, cfg Config) (*Session, error) {
	conn, err := est.Release()
	if err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}

	s := &Session{
		id:           cfg.ID,
		peerID:       est.PeerID,
		isDialer:     est.IsDialer,
		version:      est.Version,
		encrypted:    est.Encrypted,
		transport:    est.Transport,
		localAddr:    est.LocalAddr,
		remoteAddr:   est.RemoteAddr,
		agent:        est.Agent,
		createdAt:    time.Now(),
		localWindow:  est.LocalWindow,
		remoteWindow: est.RemoteWindow,
		sendLimit:    est.SendLimit(),
		cfg:          cfg,
		conn:         conn,
		reader:       protocol.NewFrameReader(conn, int(est.LocalMaxFramePayload)),
		writer:       protocol.NewFrameWriter(conn),
		metrics:      cfg.Metrics,
		streams:      make(map[uint64]*Stream),
		resetting:    make(map[uint64]struct{}),
		ctrl:         make(chan *protocol.Frame, controlQueueSize),
		data:         make(chan *writeRequest),
		done:         make(chan struct{}),
	}
	if s.isDialer {
		s.nextID = 1
	} else {
		s.nextID = 2
	}
	s.logger = logging.Component(cfg.Logger, "mux").With(
		logging.KeySession, s.id,
		logging.KeyPeerID, s.peerID.ShortString())
	s.touch()

	recovery.Go(&s.wg, s.logger, "mux.readLoop", s.readLoop)
	recovery.Go(&s.wg, s.logger, "mux.writeLoop", s.writeLoop)
	if cfg.KeepaliveInterval > 0 {
		recovery.Go(&s.wg, s.logger, "mux.keepaliveLoop", s.keepaliveLoop)
	}

	s.logger.Debug("session started",
		logging.KeyDirection, s.Direction(),
		logging.KeyRemoteAddr, addrString(s.remoteAddr),
		logging.KeyTransport, string(s.transport))
	return s, nil
}

// ID returns the session's correlation id.
func (s *Session) ID() string { return s.id }

// PeerID returns the remote identity.
func (s *Session) PeerID() identity.PeerID { return s.peerID }

// IsDialer reports whether this side dialed the connection.
func (s *Session) IsDialer() bool { return s.isDialer }

// Direction returns "outbound" for dialed sessions and "inbound" otherwise.
func (s *Session) Direction() string {
	if s.isDialer {
		return "outbound"
	}
	return "inbound"
}

// Version returns the negotiated protocol version.
func (s *Session) Version() uint16 { return s.version }

// Encrypted reports whether the AEAD record layer is in use.
func (s *Session) Encrypted() bool { return s.encrypted }

// Transport returns the underlying transport type.
func (s *Session) Transport() transport.TransportType { return s.transport }

// LocalAddr returns the local address.
func (s *Session) LocalAddr() net.Addr { return s.localAddr }

// RemoteAddr returns the remote address.
func (s *Session) RemoteAddr() net.Addr { return s.remoteAddr }

// Agent returns the peer's software identifier.
func (s *Session) Agent() string { return s.agent }

// CreatedAt returns when the session started.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastActivity returns when the last frame was received.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// RTT returns the last keepalive round-trip time.
func (s *Session) RTT() time.Duration {
	return time.Duration(s.rtt.Load())
}

// NumStreams returns the number of streams currently open.
func (s *Session) NumStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// Stats returns the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		FramesIn:      s.framesIn.Load(),
		FramesOut:     s.framesOut.Load(),
		BytesIn:       s.bytesIn.Load(),
		BytesOut:      s.bytesOut.Load(),
		StreamsOpened: s.streamsOpened.Load(),
		ActiveStreams: s.NumStreams(),
		RTT:           s.RTT(),
	}
}

// Done is closed when the session has ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session ended, or nil while it is running.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Wait blocks until the session goroutines have exited.
func (s *Session) Wait() {
	s.wg.Wait()
}

// Close ends the session with GOAWAY(normal). Pending operations fail with
// ErrCancelled; open streams see ErrPeerDisconnected. It is idempotent.
func (s *Session) Close() error {
	s.teardown(ErrCancelled, &protocol.GoAway{Code: protocol.GoAwayNormal})
	return nil
}

// GoAway ends the session, telling the peer why.
func (s *Session) GoAway(code uint16, message string) {
	s.teardown(&GoAwayError{Code: code, Message: message},
		&protocol.GoAway{Code: code, Message: message})
}

// OpenStream opens a stream for the protocol tag with an explicit OPEN.
// Concurrent callers get increasing ids in the order their OPEN frames are
// written, since the peer treats any id below the highest it has seen as
// closed.
func (s *Session) OpenStream(ctx context.Context, tag uint16) (*Stream, error) {
	s.openMu.Lock()
	s.mu.Lock()
	if s.closed {
		err := s.err
		s.mu.Unlock()
		s.openMu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrSessionClosed, err)
	}
	if len(s.streams) >= s.cfg.MaxStreams {
		s.mu.Unlock()
		s.openMu.Unlock()
		return nil, ErrStreamLimit
	}
	id := s.nextID
	s.nextID += 2
	st := newStream(s, id, tag, true)
	s.streams[id] = st
	s.mu.Unlock()

	req := &writeRequest{
		frame:  &protocol.Frame{Type: protocol.FrameOpen, Tag: tag, StreamID: id},
		stream: st,
		result: make(chan error, 1),
	}
	queued, err := s.enqueue(ctx, req, false)
	s.openMu.Unlock()
	if err == nil {
		err = s.await(req)
	}
	if err != nil {
		if queued {
			s.resetStream(st, protocol.ResetCancel)
		} else {
			s.forget(st, err)
		}
		return nil, err
	}

	s.streamsOpened.Add(1)
	s.metrics.RecordStreamOpen(metrics.DirectionOut)
	s.logger.Debug("stream opened", logging.KeyStreamID, id, logging.KeyTag, tag)
	return st, nil
}

// forget drops a local stream whose OPEN never reached the wire.
func (s *Session) forget(st *Stream, err error) {
	s.mu.Lock()
	if s.streams[st.id] == st {
		delete(s.streams, st.id)
	}
	s.mu.Unlock()
	st.finish(err, true)
}

func (s *Session) isLocalID(id uint64) bool {
	return (id%2 == 1) == s.isDialer
}

type idState int

const (
	idLive idState = iota
	idResetting
	idUnopened
	idClosed
)

func (s *Session) lookup(id uint64) (*Stream, idState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.streams[id]; ok {
		return st, idLive
	}
	if _, ok := s.resetting[id]; ok {
		return nil, idResetting
	}
	if s.isLocalID(id) {
		if id >= s.nextID {
			return nil, idUnopened
		}
		return nil, idClosed
	}
	if id > s.highestRemote {
		return nil, idUnopened
	}
	return nil, idClosed
}

func (s *Session) readLoop() {
	for {
		if s.cfg.IdleTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}

		f, err := s.reader.Read()
		if err != nil {
			s.readFailed(err)
			return
		}

		s.touch()
		s.framesIn.Add(1)
		s.bytesIn.Add(uint64(len(f.Payload)))
		s.metrics.RecordFrame(metrics.DirectionIn, protocol.FrameTypeName(f.Type), len(f.Payload))

		if err := s.handleFrame(f); err != nil {
			s.fail(err)
			return
		}
		if s.isClosed() {
			return
		}
	}
}

func (s *Session) readFailed(err error) {
	if s.isClosed() {
		return
	}

	var ne net.Error
	switch {
	case errors.Is(err, protocol.ErrFrameTooLarge):
		s.fail(&FrameError{Reason: "frame_too_large", Detail: err.Error()})
	case errors.Is(err, crypto.ErrDecryptionFailed), errors.Is(err, crypto.ErrNonceMismatch):
		s.fail(&FrameError{Reason: "bad_record", Detail: err.Error()})
	case errors.As(err, &ne) && ne.Timeout():
		s.teardown(ErrIdleTimeout, &protocol.GoAway{Code: protocol.GoAwayIdleTimeout})
	default:
		s.teardown(disconnected(fmt.Errorf("%w: %w", transport.ErrIO, err)), nil)
	}
}

// fail tears the session down after a framing violation.
func (s *Session) fail(err error) {
	var fe *FrameError
	if errors.As(err, &fe) {
		s.metrics.RecordFrameError(fe.Reason)
	}
	s.teardown(err, &protocol.GoAway{Code: protocol.GoAwayProtocolError, Message: err.Error()})
}

func (s *Session) handleFrame(f *protocol.Frame) error {
	switch f.Type {
	case protocol.FrameData:
		return s.handleData(f)
	case protocol.FrameOpen:
		return s.handleOpen(f)
	case protocol.FrameFin:
		return s.handleFin(f)
	case protocol.FrameWindowUpdate:
		return s.handleWindowUpdate(f)
	case protocol.FrameReset:
		return s.handleReset(f)

	case protocol.FramePing:
		s.sendControl(&protocol.Frame{Type: protocol.FramePong, Payload: f.Payload})
	case protocol.FramePong:
		p, err := protocol.DecodePing(f.Payload)
		if err != nil {
			return frameError("bad_pong", f, err.Error())
		}
		if rtt := time.Since(time.Unix(0, p.Timestamp)); rtt >= 0 {
			s.rtt.Store(int64(rtt))
			s.metrics.RecordKeepaliveRecv(rtt.Seconds())
		}

	case protocol.FrameGoAway:
		g, err := protocol.DecodeGoAway(f.Payload)
		if err != nil {
			return frameError("bad_goaway", f, err.Error())
		}
		s.teardown(&GoAwayError{Code: g.Code, Message: g.Message, Remote: true}, nil)
	case protocol.FrameReject:
		rej, err := protocol.DecodeReject(f.Payload)
		if err != nil {
			return frameError("bad_reject", f, err.Error())
		}
		s.teardown(disconnected(fmt.Errorf("rejected by peer: %s: %s",
			protocol.RejectCodeName(rej.Code), rej.Reason)), nil)

	case protocol.FrameHello, protocol.FrameAuth:
		return frameError("unexpected_frame", f, "handshake frame after session start")
	default:
		return frameError("unknown_frame_type", f, fmt.Sprintf("type 0x%02x", f.Type))
	}
	return nil
}

func (s *Session) handleOpen(f *protocol.Frame) error {
	if f.StreamID == protocol.ControlStreamID || s.isLocalID(f.StreamID) {
		return frameError("invalid_stream_id", f, "")
	}
	if _, state := s.lookup(f.StreamID); state != idUnopened {
		return frameError("stream_reused", f, "")
	}
	_, err := s.acceptRemote(f)
	return err
}

func (s *Session) handleData(f *protocol.Frame) error {
	if f.StreamID == protocol.ControlStreamID {
		return frameError("invalid_stream_id", f, "")
	}

	st, state := s.lookup(f.StreamID)
	switch state {
	case idLive:
	case idResetting:
		return nil
	case idUnopened:
		if s.isLocalID(f.StreamID) {
			return frameError("unknown_stream", f, "")
		}
		var err error
		if st, err = s.acceptRemote(f); err != nil || st == nil {
			return err
		}
	default:
		return frameError("data_on_closed_stream", f, "")
	}
	return st.receive(f)
}

// acceptRemote registers a stream the peer opened, or refuses it when the
// session is full.
func (s *Session) acceptRemote(f *protocol.Frame) (*Stream, error) {
	if s.cfg.AcceptTag != nil && !s.cfg.AcceptTag(f.Tag) {
		return nil, frameError("unknown_tag", f, fmt.Sprintf("tag %d", f.Tag))
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, nil
	}
	s.highestRemote = f.StreamID
	if len(s.streams) >= s.cfg.MaxStreams || s.cfg.OnStream == nil {
		s.resetting[f.StreamID] = struct{}{}
		s.mu.Unlock()

		s.logger.Debug("refusing stream", logging.KeyStreamID, f.StreamID, logging.KeyTag, f.Tag)
		s.metrics.RecordStreamReset(metrics.DirectionOut)
		s.sendControl(resetFrame(f.StreamID, protocol.ResetRefused, 0))
		return nil, nil
	}
	st := newStream(s, f.StreamID, f.Tag, false)
	s.streams[f.StreamID] = st
	s.mu.Unlock()

	s.streamsOpened.Add(1)
	s.metrics.RecordStreamOpen(metrics.DirectionIn)
	s.cfg.OnStream(st)
	return st, nil
}

func (s *Session) handleFin(f *protocol.Frame) error {
	st, state := s.lookup(f.StreamID)
	switch state {
	case idLive:
	case idResetting:
		return nil
	default:
		return frameError("fin_on_closed_stream", f, "")
	}
	if err := st.markRemoteFin(f); err != nil {
		return err
	}
	s.maybeRemove(st)
	return nil
}

func (s *Session) handleWindowUpdate(f *protocol.Frame) error {
	wu, err := protocol.DecodeWindowUpdate(f.Payload)
	if err != nil {
		return frameError("bad_window_update", f, err.Error())
	}
	st, state := s.lookup(f.StreamID)
	if state != idLive {
		// May have crossed a close in flight.
		return nil
	}
	return st.addCredit(wu.Delta, f)
}

func (s *Session) handleReset(f *protocol.Frame) error {
	rst, err := protocol.DecodeStreamReset(f.Payload)
	if err != nil {
		return frameError("bad_reset", f, err.Error())
	}

	if f.Flags&protocol.FlagAck != 0 {
		s.mu.Lock()
		delete(s.resetting, f.StreamID)
		s.mu.Unlock()
		return nil
	}

	st, state := s.lookup(f.StreamID)
	switch state {
	case idLive:
		s.mu.Lock()
		delete(s.streams, f.StreamID)
		s.mu.Unlock()
		if st.finish(&ResetError{Code: rst.ErrorCode, Remote: true}, true) {
			s.metrics.RecordStreamClose()
			s.metrics.RecordStreamReset(metrics.DirectionIn)
		}
	case idUnopened:
		return nil
	}
	s.sendControl(resetFrame(f.StreamID, rst.ErrorCode, protocol.FlagAck))
	return nil
}

// maybeRemove drops a stream once both FINs were exchanged.
func (s *Session) maybeRemove(st *Stream) {
	if !st.bothFins() {
		return
	}
	s.mu.Lock()
	if s.streams[st.id] != st {
		s.mu.Unlock()
		return
	}
	delete(s.streams, st.id)
	s.mu.Unlock()

	if st.finish(nil, false) {
		s.metrics.RecordStreamClose()
	}
}

func (s *Session) resetStream(st *Stream, code uint16) error {
	if !st.finish(&ResetError{Code: code}, true) {
		return nil
	}

	s.mu.Lock()
	if s.streams[st.id] == st {
		delete(s.streams, st.id)
		s.resetting[st.id] = struct{}{}
	}
	closed := s.closed
	s.mu.Unlock()

	s.metrics.RecordStreamClose()
	if closed {
		return nil
	}
	s.metrics.RecordStreamReset(metrics.DirectionOut)

	// Queued behind the stream's own DATA so nothing for the id follows it.
	req := &writeRequest{frame: resetFrame(st.id, code, 0), result: make(chan error, 1)}
	_, err := s.enqueue(context.Background(), req, false)
	return err
}

func resetFrame(id uint64, code uint16, flags uint8) *protocol.Frame {
	return &protocol.Frame{
		Type:     protocol.FrameReset,
		Flags:    flags,
		StreamID: id,
		Payload:  (&protocol.StreamReset{ErrorCode: code}).Encode(),
	}
}

func (s *Session) sendData(st *Stream, chunk []byte) error {
	req := &writeRequest{
		frame:  &protocol.Frame{Type: protocol.FrameData, Tag: st.tag, StreamID: st.id, Payload: chunk},
		stream: st,
		result: make(chan error, 1),
	}
	_, err := s.enqueue(context.Background(), req, true)
	return err
}

func (s *Session) sendFin(st *Stream) error {
	req := &writeRequest{
		frame:  &protocol.Frame{Type: protocol.FrameFin, StreamID: st.id},
		stream: st,
		result: make(chan error, 1),
	}
	_, err := s.enqueue(context.Background(), req, true)
	return err
}

func (s *Session) sendWindowUpdate(id uint64, delta uint32) {
	s.sendControl(&protocol.Frame{
		Type:     protocol.FrameWindowUpdate,
		StreamID: id,
		Payload:  (&protocol.WindowUpdate{Delta: delta}).Encode(),
	})
}

// sendControl queues a frame ahead of stream data without blocking. A peer
// that stops reading long enough to fill the queue loses the session.
func (s *Session) sendControl(f *protocol.Frame) {
	select {
	case s.ctrl <- f:
	case <-s.done:
	default:
		s.teardown(disconnected(errControlOverflow), nil)
	}
}

// enqueue hands req to the write loop. queued reports whether the write
// loop took it; with wait it also waits for the write to finish.
func (s *Session) enqueue(ctx context.Context, req *writeRequest, wait bool) (queued bool, err error) {
	select {
	case s.data <- req:
	case <-s.done:
		return false, s.closedErr()
	case <-ctx.Done():
		return false, ctx.Err()
	}
	if !wait {
		return true, nil
	}
	return true, s.await(req)
}

// await waits for the write loop to finish a queued request.
func (s *Session) await(req *writeRequest) error {
	select {
	case err := <-req.result:
		return err
	case <-s.done:
		select {
		case err := <-req.result:
			return err
		default:
			return s.closedErr()
		}
	}
}

func (s *Session) closedErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		return ErrSessionClosed
	}
	return disconnected(s.err)
}

func (s *Session) writeLoop() {
	for {
		var f *protocol.Frame
		var req *writeRequest

		// Control frames go first.
		select {
		case f = <-s.ctrl:
		default:
			select {
			case f = <-s.ctrl:
			case req = <-s.data:
				f = req.frame
			case <-s.done:
				return
			}
		}

		if req != nil && req.stream != nil {
			if err := req.stream.admitFrame(f.Type); err != nil {
				req.result <- err
				continue
			}
		}

		err := s.write(f)
		if req != nil {
			if err == nil && req.stream != nil {
				req.stream.frameSent(f.Type)
			}
			req.result <- err
		}
		if err != nil {
			s.teardown(disconnected(fmt.Errorf("%w: %w", transport.ErrIO, err)), nil)
			return
		}
	}
}

func (s *Session) write(f *protocol.Frame) error {
	s.writeMu.Lock()
	err := s.writer.Write(f)
	s.writeMu.Unlock()
	if err != nil {
		return err
	}

	s.framesOut.Add(1)
	s.bytesOut.Add(uint64(len(f.Payload)))
	s.metrics.RecordFrame(metrics.DirectionOut, protocol.FrameTypeName(f.Type), len(f.Payload))
	return nil
}

func (s *Session) keepaliveLoop() {
	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ping := &protocol.Ping{Timestamp: time.Now().UnixNano()}
			s.sendControl(&protocol.Frame{Type: protocol.FramePing, Payload: ping.Encode()})
			s.metrics.RecordKeepaliveSent()
		}
	}
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// teardown ends the session once: optionally sends GOAWAY, closes the
// connection and finishes every open stream with ErrPeerDisconnected.
func (s *Session) teardown(err error, goaway *protocol.GoAway) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.err = err
		streams := make([]*Stream, 0, len(s.streams))
		for _, st := range s.streams {
			streams = append(streams, st)
		}
		clear(s.streams)
		clear(s.resetting)
		s.mu.Unlock()

		if goaway != nil {
			// Bounds both this write and one the write loop may be blocked in.
			s.conn.SetWriteDeadline(time.Now().Add(goAwayWriteTimeout))
			s.writeMu.Lock()
			if werr := s.writer.Write(&protocol.Frame{Type: protocol.FrameGoAway, Payload: goaway.Encode()}); werr == nil {
				s.metrics.RecordFrame(metrics.DirectionOut, protocol.FrameTypeName(protocol.FrameGoAway), 0)
			}
			s.writeMu.Unlock()
		}

		close(s.done)
		s.conn.Close()

		streamErr := disconnected(err)
		for _, st := range streams {
			if st.finish(streamErr, false) {
				s.metrics.RecordStreamClose()
			}
		}

		level := slog.LevelInfo
		if errors.Is(err, ErrCancelled) {
			level = slog.LevelDebug
		}
		s.logger.Log(context.Background(), level, "session closed",
			logging.KeyReason, err.Error(),
			logging.KeyCount, len(streams),
			logging.KeyDuration, time.Since(s.createdAt))

		if s.cfg.OnClose != nil {
			s.cfg.OnClose(s, err)
		}
	})
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
