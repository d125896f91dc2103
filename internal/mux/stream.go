package mux

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/p2p-node/internal/identity"
	"github.com/postalsys/p2p-node/internal/protocol"
)

// Stream is one logical, flow-controlled byte stream inside a Session.
// Read and Write may be used from different goroutines.
type Stream struct {
	id       uint64
	tag      uint16
	local    bool
	session  *Session
	openedAt time.Time

	// writeMu serializes Write calls so chunks of one call stay contiguous.
	writeMu sync.Mutex

	mu         sync.Mutex
	buf        []byte
	recvAvail  uint32 // credit the peer still holds
	consumed   uint32 // read by the application, not yet returned
	sendCredit int64
	localFin   bool
	finSent    bool
	remoteFin  bool
	readClosed bool
	resetErr   error
	finished   bool
	err        error
	readDL     time.Time
	writeDL    time.Time
	onClose    []func(error)

	readCh   chan struct{}
	creditCh chan struct{}
	done     chan struct{}

	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64
}

func newStream(s *Session, id uint64, tag uint16, local bool) *Stream {
	return &Stream{
		id:         id,
		tag:        tag,
		local:      local,
		session:    s,
		openedAt:   time.Now(),
		recvAvail:  s.localWindow,
		sendCredit: int64(s.remoteWindow),
		readCh:     make(chan struct{}, 1),
		creditCh:   make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// ID returns the stream id.
func (st *Stream) ID() uint64 { return st.id }

// Tag returns the protocol tag the stream was opened with.
func (st *Stream) Tag() uint16 { return st.tag }

// Session returns the owning session.
func (st *Stream) Session() *Session { return st.session }

// PeerID returns the identity of the remote node.
func (st *Stream) PeerID() identity.PeerID { return st.session.peerID }

// IsLocal reports whether this side opened the stream.
func (st *Stream) IsLocal() bool { return st.local }

// BytesIn returns the payload bytes received.
func (st *Stream) BytesIn() uint64 { return st.bytesIn.Load() }

// BytesOut returns the payload bytes sent.
func (st *Stream) BytesOut() uint64 { return st.bytesOut.Load() }

// Read reads data in arrival order. It returns io.EOF after the peer's FIN
// once buffered data is drained.
func (st *Stream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	for {
		st.mu.Lock()
		if st.resetErr != nil {
			err := st.resetErr
			st.mu.Unlock()
			return 0, err
		}
		if st.readClosed {
			st.mu.Unlock()
			return 0, ErrStreamClosed
		}
		if len(st.buf) > 0 {
			n := copy(p, st.buf)
			st.buf = st.buf[n:]
			if len(st.buf) == 0 {
				st.buf = nil
			}
			delta := st.consumeLocked(uint32(n))
			st.mu.Unlock()

			if delta > 0 {
				st.session.sendWindowUpdate(st.id, delta)
			}
			return n, nil
		}
		if st.remoteFin {
			st.mu.Unlock()
			return 0, io.EOF
		}
		if st.finished {
			err := st.err
			st.mu.Unlock()
			return 0, err
		}
		deadline := st.readDL
		st.mu.Unlock()

		if err := st.wait(st.readCh, deadline); err != nil {
			return 0, err
		}
	}
}

// consumeLocked accounts n bytes read and returns the credit to hand back
// to the peer, if the threshold was crossed.
func (st *Stream) consumeLocked(n uint32) uint32 {
	st.consumed += n
	if st.remoteFin || st.finished {
		return 0
	}
	if st.consumed < st.session.localWindow/2 {
		return 0
	}
	delta := st.consumed
	st.consumed = 0
	st.recvAvail += delta
	return delta
}

// Write sends p, blocking while the stream has no send credit.
func (st *Stream) Write(p []byte) (int, error) {
	st.writeMu.Lock()
	defer st.writeMu.Unlock()

	written := 0
	for len(p) > 0 {
		n, err := st.reserve(len(p))
		if err != nil {
			return written, err
		}

		chunk := make([]byte, n)
		copy(chunk, p[:n])
		if err := st.session.sendData(st, chunk); err != nil {
			return written, err
		}
		st.bytesOut.Add(uint64(n))

		written += n
		p = p[n:]
	}
	return written, nil
}

// reserve takes up to want bytes of send credit, waiting for a
// WINDOW_UPDATE when none is left.
func (st *Stream) reserve(want int) (int, error) {
	for {
		st.mu.Lock()
		if err := st.writeErrLocked(); err != nil {
			st.mu.Unlock()
			return 0, err
		}
		if st.sendCredit > 0 {
			n := min(int64(want), st.sendCredit, int64(st.session.sendLimit))
			st.sendCredit -= n
			st.mu.Unlock()
			return int(n), nil
		}
		deadline := st.writeDL
		st.mu.Unlock()

		if err := st.wait(st.creditCh, deadline); err != nil {
			return 0, err
		}
	}
}

func (st *Stream) writeErrLocked() error {
	switch {
	case st.resetErr != nil:
		return st.resetErr
	case st.localFin:
		return ErrWriteClosed
	case st.finished:
		return st.err
	}
	return nil
}

func (st *Stream) wait(ch <-chan struct{}, deadline time.Time) error {
	var timeout <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return os.ErrDeadlineExceeded
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-ch:
	case <-st.done:
	case <-timeout:
		return os.ErrDeadlineExceeded
	}
	return nil
}

// CloseWrite sends FIN. The stream can still be read. It is idempotent.
func (st *Stream) CloseWrite() error {
	st.mu.Lock()
	if st.localFin || st.finished {
		st.mu.Unlock()
		return nil
	}
	st.localFin = true
	st.mu.Unlock()
	notify(st.creditCh)

	err := st.session.sendFin(st)
	st.session.maybeRemove(st)
	return err
}

// Close sends FIN and stops reading; data still arriving is discarded.
// It is idempotent.
func (st *Stream) Close() error {
	st.mu.Lock()
	if st.readClosed || st.finished {
		st.mu.Unlock()
		return st.CloseWrite()
	}
	st.readClosed = true
	var delta uint32
	if !st.remoteFin {
		delta = st.consumed + uint32(len(st.buf))
		st.recvAvail += delta
	}
	st.consumed = 0
	st.buf = nil
	st.mu.Unlock()
	notify(st.readCh)

	if delta > 0 {
		st.session.sendWindowUpdate(st.id, delta)
	}
	return st.CloseWrite()
}

// Reset aborts the stream in both directions. Pending and later reads and
// writes fail with ErrStreamReset. It is idempotent.
func (st *Stream) Reset() error {
	return st.session.resetStream(st, protocol.ResetCancel)
}

// SetDeadline sets both read and write deadlines.
func (st *Stream) SetDeadline(t time.Time) error {
	st.SetReadDeadline(t)
	return st.SetWriteDeadline(t)
}

// SetReadDeadline bounds pending and future Read calls. Zero disables it.
func (st *Stream) SetReadDeadline(t time.Time) error {
	st.mu.Lock()
	st.readDL = t
	st.mu.Unlock()
	notify(st.readCh)
	return nil
}

// SetWriteDeadline bounds the wait for send credit. Zero disables it.
func (st *Stream) SetWriteDeadline(t time.Time) error {
	st.mu.Lock()
	st.writeDL = t
	st.mu.Unlock()
	notify(st.creditCh)
	return nil
}

// Done is closed when the stream has left its session: both FINs were
// exchanged, it was reset, or the session ended.
func (st *Stream) Done() <-chan struct{} {
	return st.done
}

// Err returns why the stream ended; nil while open or after a clean close.
func (st *Stream) Err() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.err
}

// OnClose registers fn to run once when the stream ends. If it already
// ended, fn runs immediately.
func (st *Stream) OnClose(fn func(err error)) {
	st.mu.Lock()
	if st.finished {
		err := st.err
		st.mu.Unlock()
		fn(err)
		return
	}
	st.onClose = append(st.onClose, fn)
	st.mu.Unlock()
}

// receive buffers an inbound DATA payload.
func (st *Stream) receive(f *protocol.Frame) error {
	n := uint32(len(f.Payload))

	st.mu.Lock()
	if st.remoteFin {
		st.mu.Unlock()
		return frameError("data_after_fin", f, "")
	}
	if n > st.recvAvail {
		avail := st.recvAvail
		st.mu.Unlock()
		return frameError("window_overflow", f, fmt.Sprintf("%d bytes with %d credit left", n, avail))
	}
	st.recvAvail -= n

	if st.readClosed {
		st.recvAvail += n
		st.mu.Unlock()
		if n > 0 {
			st.session.sendWindowUpdate(st.id, n)
		}
		return nil
	}
	st.buf = append(st.buf, f.Payload...)
	st.mu.Unlock()

	st.bytesIn.Add(uint64(n))
	notify(st.readCh)
	return nil
}

// markRemoteFin records the peer's FIN.
func (st *Stream) markRemoteFin(f *protocol.Frame) error {
	st.mu.Lock()
	if st.remoteFin {
		st.mu.Unlock()
		return frameError("fin_after_fin", f, "")
	}
	st.remoteFin = true
	st.mu.Unlock()
	notify(st.readCh)
	return nil
}

func (st *Stream) addCredit(delta uint32, f *protocol.Frame) error {
	st.mu.Lock()
	st.sendCredit += int64(delta)
	over := st.sendCredit > maxCredit
	st.mu.Unlock()
	if over {
		return frameError("window_overflow", f, "send credit above 2^31-1")
	}
	notify(st.creditCh)
	return nil
}

// admitFrame is checked by the write loop right before a queued frame goes
// out, so nothing follows a RESET or FIN on the wire.
func (st *Stream) admitFrame(frameType uint8) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if frameType != protocol.FrameData && frameType != protocol.FrameFin {
		return nil
	}
	if st.resetErr != nil {
		return st.resetErr
	}
	if st.finSent {
		return ErrWriteClosed
	}
	return nil
}

func (st *Stream) frameSent(frameType uint8) {
	if frameType != protocol.FrameFin {
		return
	}
	st.mu.Lock()
	st.finSent = true
	st.mu.Unlock()
}

func (st *Stream) bothFins() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.localFin && st.remoteFin
}

// finish ends the stream once. reset discards buffered data.
func (st *Stream) finish(err error, reset bool) bool {
	st.mu.Lock()
	if st.finished {
		st.mu.Unlock()
		return false
	}
	st.finished = true
	st.err = err
	if reset {
		st.resetErr = err
		st.buf = nil
	}
	callbacks := st.onClose
	st.onClose = nil
	close(st.done)
	st.mu.Unlock()

	for _, fn := range callbacks {
		fn(err)
	}
	return true
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
