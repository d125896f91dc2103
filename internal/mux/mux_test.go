package mux

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/postalsys/p2p-node/internal/handshake"
	"github.com/postalsys/p2p-node/internal/identity"
	"github.com/postalsys/p2p-node/internal/protocol"
	"github.com/postalsys/p2p-node/internal/transport"
)

const testTimeout = 5 * time.Second

// establish runs a real handshake over the in-memory transport and returns
// the dialer and listener results.
func establish(t *testing.T, dialerMut, listenerMut func(*handshake.Config)) (dialer, listener *handshake.Established) {
	t.Helper()

	tr := transport.NewMemNetwork().Transport()
	t.Cleanup(func() { tr.Close() })

	l, err := tr.Listen("", transport.ListenOptions{})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	accepted := make(chan transport.Conn, 1)
	go func() {
		if c, err := l.Accept(context.Background()); err == nil {
			accepted <- c
		}
	}()
	dc, err := tr.Dial(context.Background(), l.Addr().String(), transport.DialOptions{})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	lc := <-accepted

	engine := func(mut func(*handshake.Config)) *handshake.Engine {
		kp, err := identity.NewKeypair()
		if err != nil {
			t.Fatalf("NewKeypair() error = %v", err)
		}
		cfg := handshake.Config{Keypair: kp, Timeout: testTimeout, Encryption: true}
		if mut != nil {
			mut(&cfg)
		}
		e, err := handshake.NewEngine(cfg)
		if err != nil {
			t.Fatalf("NewEngine() error = %v", err)
		}
		return e
	}
	de, le := engine(dialerMut), engine(listenerMut)

	var wg sync.WaitGroup
	var derr, lerr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		dialer, derr = de.Run(context.Background(), dc, identity.ZeroID)
	}()
	go func() {
		defer wg.Done()
		listener, lerr = le.Run(context.Background(), lc, identity.ZeroID)
	}()
	wg.Wait()
	if derr != nil || lerr != nil {
		t.Fatalf("handshake failed: dialer=%v listener=%v", derr, lerr)
	}
	return dialer, listener
}

func newSession(t *testing.T, est *handshake.Established, cfg Config) *Session {
	t.Helper()
	s, err := New(est, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// acceptor collects inbound streams.
func acceptor(cfg *Config) chan *Stream {
	ch := make(chan *Stream, 64)
	cfg.OnStream = func(st *Stream) { ch <- st }
	return ch
}

func sessionPair(t *testing.T, aCfg, bCfg Config, dialerMut, listenerMut func(*handshake.Config)) (a, b *Session, accepted chan *Stream) {
	t.Helper()
	accepted = acceptor(&bCfg)
	da, lb := establish(t, dialerMut, listenerMut)
	return newSession(t, da, aCfg), newSession(t, lb, bCfg), accepted
}

func nextStream(t *testing.T, ch chan *Stream) *Stream {
	t.Helper()
	select {
	case st := <-ch:
		return st
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for inbound stream")
		return nil
	}
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestNew_ReleasedEstablished(t *testing.T) {
	d, _ := establish(t, nil, nil)
	if _, err := d.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := New(d, Config{}); !errors.Is(err, handshake.ErrReleased) {
		t.Errorf("New() error = %v, want ErrReleased", err)
	}
}

func TestStream_RoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		encrypt bool
	}{
		{"plain", false},
		{"encrypted", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc := func(c *handshake.Config) { c.Encryption = tt.encrypt }
			a, b, accepted := sessionPair(t, Config{}, Config{}, enc, enc)

			st, err := a.OpenStream(context.Background(), 7)
			if err != nil {
				t.Fatalf("OpenStream() error = %v", err)
			}
			if st.ID()%2 != 1 {
				t.Errorf("dialer stream id %d should be odd", st.ID())
			}
			if _, err := st.Write([]byte("hello")); err != nil {
				t.Fatalf("Write() error = %v", err)
			}

			remote := nextStream(t, accepted)
			if remote.ID() != st.ID() || remote.Tag() != 7 {
				t.Errorf("remote stream id=%d tag=%d, want id=%d tag=7", remote.ID(), remote.Tag(), st.ID())
			}
			if remote.PeerID() != b.PeerID() || st.PeerID() != a.PeerID() {
				t.Error("stream PeerID does not match its session")
			}

			buf := make([]byte, 5)
			if _, err := io.ReadFull(remote, buf); err != nil {
				t.Fatalf("ReadFull() error = %v", err)
			}
			if string(buf) != "hello" {
				t.Errorf("read %q, want hello", buf)
			}

			// Listener-opened streams use even ids.
			back, err := b.OpenStream(context.Background(), 7)
			if err != nil {
				t.Fatalf("OpenStream() error = %v", err)
			}
			if back.ID()%2 != 0 {
				t.Errorf("listener stream id %d should be even", back.ID())
			}
		})
	}
}

func TestStream_OrderingUnderInterleaving(t *testing.T) {
	const (
		streams  = 8
		messages = 200
	)

	a, _, accepted := sessionPair(t, Config{}, Config{}, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < streams; i++ {
		st, err := a.OpenStream(context.Background(), 1)
		if err != nil {
			t.Fatalf("OpenStream() error = %v", err)
		}
		wg.Add(1)
		go func(st *Stream) {
			defer wg.Done()
			var msg [8]byte
			for seq := uint64(0); seq < messages; seq++ {
				binary.BigEndian.PutUint64(msg[:], seq)
				if _, err := st.Write(msg[:]); err != nil {
					t.Errorf("Write() error = %v", err)
					return
				}
			}
			st.CloseWrite()
		}(st)
	}

	results := make(chan error, streams)
	for i := 0; i < streams; i++ {
		remote := nextStream(t, accepted)
		go func(st *Stream) {
			data, err := io.ReadAll(st)
			if err != nil {
				results <- err
				return
			}
			if len(data) != messages*8 {
				results <- errors.New("short stream")
				return
			}
			for seq := uint64(0); seq < messages; seq++ {
				if got := binary.BigEndian.Uint64(data[seq*8:]); got != seq {
					results <- errors.New("out of order payload")
					return
				}
			}
			results <- nil
		}(remote)
	}

	for i := 0; i < streams; i++ {
		select {
		case err := <-results:
			if err != nil {
				t.Errorf("stream check: %v", err)
			}
		case <-time.After(testTimeout):
			t.Fatal("timed out reading streams")
		}
	}
	wg.Wait()
}

func TestSession_ConcurrentOpen(t *testing.T) {
	const (
		rounds  = 10
		openers = 32
	)

	cfg := Config{MaxStreams: rounds * openers * 2}
	a, b, accepted := sessionPair(t, cfg, cfg, nil, nil)

	seen := make(map[uint64]bool)
	for round := 0; round < rounds; round++ {
		var wg sync.WaitGroup
		errs := make(chan error, openers)
		for i := 0; i < openers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := a.OpenStream(context.Background(), 1); err != nil {
					errs <- err
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("round %d: OpenStream() error = %v", round, err)
		}

		for i := 0; i < openers; i++ {
			st := nextStream(t, accepted)
			if seen[st.ID()] {
				t.Fatalf("round %d: stream %d accepted twice", round, st.ID())
			}
			seen[st.ID()] = true
		}
		if err := b.Err(); err != nil {
			t.Fatalf("round %d: listener session ended: %v", round, err)
		}
		if err := a.Err(); err != nil {
			t.Fatalf("round %d: dialer session ended: %v", round, err)
		}
	}
	if len(seen) != rounds*openers {
		t.Errorf("accepted %d streams, want %d", len(seen), rounds*openers)
	}
}

func TestStream_FlowControlSuspendResume(t *testing.T) {
	const window = 1024
	small := func(c *handshake.Config) { c.StreamWindow = window }
	a, _, accepted := sessionPair(t, Config{}, Config{}, nil, small)

	st, err := a.OpenStream(context.Background(), 1)
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}

	payload := bytes.Repeat([]byte("0123456789abcdef"), 512) // 8 KiB
	writeDone := make(chan error, 1)
	go func() {
		_, err := st.Write(payload)
		writeDone <- err
	}()

	// The writer stalls once the peer's window is used up.
	deadline := time.Now().Add(testTimeout)
	for st.BytesOut() < window && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if got := st.BytesOut(); got != window {
		t.Fatalf("BytesOut() = %d while suspended, want %d", got, window)
	}
	select {
	case err := <-writeDone:
		t.Fatalf("Write() returned early with %v", err)
	default:
	}

	// Reading on the far side returns credit and the writer resumes.
	remote := nextStream(t, accepted)
	got := make([]byte, len(payload))
	if _, err := io.ReadFull(remote, got); err != nil {
		t.Fatalf("ReadFull() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("payload corrupted across window updates")
	}
	select {
	case err := <-writeDone:
		if err != nil {
			t.Errorf("Write() error = %v", err)
		}
	case <-time.After(testTimeout):
		t.Fatal("Write() did not resume")
	}
}

func TestStream_WriteDeadlineWhileSuspended(t *testing.T) {
	small := func(c *handshake.Config) { c.StreamWindow = 16 }
	a, _, _ := sessionPair(t, Config{}, Config{}, nil, small)

	st, err := a.OpenStream(context.Background(), 1)
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	st.SetWriteDeadline(time.Now().Add(50 * time.Millisecond))

	n, err := st.Write(make([]byte, 64))
	if n != 16 {
		t.Errorf("Write() wrote %d, want 16", n)
	}
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Errorf("Write() error = %v, want deadline exceeded", err)
	}
}

func TestSession_DisconnectPropagation(t *testing.T) {
	a, b, accepted := sessionPair(t, Config{}, Config{}, nil, nil)

	const n = 3
	var fired [n]atomic.Int32
	var errs [n]error
	var wg sync.WaitGroup
	local := make([]*Stream, n)
	for i := range local {
		st, err := a.OpenStream(context.Background(), 1)
		if err != nil {
			t.Fatalf("OpenStream() error = %v", err)
		}
		nextStream(t, accepted)
		local[i] = st
		wg.Add(1)
		st.OnClose(func(err error) {
			fired[i].Add(1)
			errs[i] = err
			wg.Done()
		})
	}

	// A reader blocked on a stream must be released too.
	readErr := make(chan error, 1)
	go func() {
		_, err := local[0].Read(make([]byte, 1))
		readErr <- err
	}()

	b.Close()
	waitClosed(t, a.Done(), "session end")

	waitGroup := make(chan struct{})
	go func() { wg.Wait(); close(waitGroup) }()
	waitClosed(t, waitGroup, "stream close callbacks")

	// A second close and late registrations must not re-fire anything.
	a.Close()
	time.Sleep(20 * time.Millisecond)

	for i := range local {
		if got := fired[i].Load(); got != 1 {
			t.Errorf("stream %d OnClose fired %d times, want 1", i, got)
		}
		if !errors.Is(errs[i], ErrPeerDisconnected) {
			t.Errorf("stream %d error = %v, want ErrPeerDisconnected", i, errs[i])
		}
		if !errors.Is(local[i].Err(), ErrPeerDisconnected) {
			t.Errorf("stream %d Err() = %v", i, local[i].Err())
		}
	}

	select {
	case err := <-readErr:
		if !errors.Is(err, ErrPeerDisconnected) {
			t.Errorf("blocked Read() error = %v, want ErrPeerDisconnected", err)
		}
	case <-time.After(testTimeout):
		t.Fatal("blocked Read() not released")
	}

	var ga *GoAwayError
	if !errors.As(a.Err(), &ga) || !ga.Remote || ga.Code != protocol.GoAwayNormal {
		t.Errorf("a.Err() = %v, want remote GOAWAY normal", a.Err())
	}
	if !errors.Is(b.Err(), ErrCancelled) {
		t.Errorf("b.Err() = %v, want ErrCancelled", b.Err())
	}
	if a.NumStreams() != 0 {
		t.Errorf("NumStreams() = %d after teardown", a.NumStreams())
	}
}

func TestSession_LocalCloseUnblocksStreams(t *testing.T) {
	a, _, _ := sessionPair(t, Config{}, Config{}, nil, nil)

	st, err := a.OpenStream(context.Background(), 1)
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}

	readErr := make(chan error, 1)
	go func() {
		_, err := st.Read(make([]byte, 8))
		readErr <- err
	}()
	time.Sleep(20 * time.Millisecond)
	a.Close()

	select {
	case err := <-readErr:
		if !errors.Is(err, ErrPeerDisconnected) || !errors.Is(err, ErrCancelled) {
			t.Errorf("Read() error = %v, want ErrPeerDisconnected wrapping ErrCancelled", err)
		}
	case <-time.After(testTimeout):
		t.Fatal("Read() not released by Close")
	}

	if _, err := a.OpenStream(context.Background(), 1); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("OpenStream() after Close error = %v, want ErrSessionClosed", err)
	}
	if _, err := st.Write([]byte("x")); err == nil {
		t.Error("Write() after Close should fail")
	}
}

func TestIdempotentClose(t *testing.T) {
	a, b, accepted := sessionPair(t, Config{}, Config{}, nil, nil)

	st, err := a.OpenStream(context.Background(), 1)
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	remote := nextStream(t, accepted)

	for i := 0; i < 3; i++ {
		if err := st.CloseWrite(); err != nil {
			t.Errorf("CloseWrite() #%d error = %v", i, err)
		}
		if err := st.Close(); err != nil {
			t.Errorf("Close() #%d error = %v", i, err)
		}
	}
	remote.Close()
	remote.Close()
	waitClosed(t, st.Done(), "stream removal")
	if st.Err() != nil {
		t.Errorf("Err() after clean close = %v, want nil", st.Err())
	}
	if err := st.Reset(); err != nil {
		t.Errorf("Reset() after close error = %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := a.Close(); err != nil {
			t.Errorf("Session.Close() #%d error = %v", i, err)
		}
	}
	waitClosed(t, b.Done(), "peer session end")
}

func TestStream_HalfClose(t *testing.T) {
	a, _, accepted := sessionPair(t, Config{}, Config{}, nil, nil)

	st, _ := a.OpenStream(context.Background(), 1)
	st.Write([]byte("request"))
	st.CloseWrite()

	if _, err := st.Write([]byte("late")); !errors.Is(err, ErrWriteClosed) {
		t.Errorf("Write() after CloseWrite error = %v, want ErrWriteClosed", err)
	}

	remote := nextStream(t, accepted)
	req, err := io.ReadAll(remote)
	if err != nil || string(req) != "request" {
		t.Fatalf("ReadAll() = %q, %v", req, err)
	}

	// The half-closed side can still receive.
	remote.Write([]byte("response"))
	remote.CloseWrite()

	resp, err := io.ReadAll(st)
	if err != nil || string(resp) != "response" {
		t.Fatalf("ReadAll() = %q, %v", resp, err)
	}
	waitClosed(t, st.Done(), "local stream removal")
	waitClosed(t, remote.Done(), "remote stream removal")
}

func TestStream_Reset(t *testing.T) {
	a, b, accepted := sessionPair(t, Config{}, Config{}, nil, nil)

	st, _ := a.OpenStream(context.Background(), 1)
	st.Write([]byte("x"))
	remote := nextStream(t, accepted)

	if err := st.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if _, err := st.Read(make([]byte, 1)); !errors.Is(err, ErrStreamReset) {
		t.Errorf("local Read() error = %v, want ErrStreamReset", err)
	}

	waitClosed(t, remote.Done(), "remote reset")
	var re *ResetError
	if !errors.As(remote.Err(), &re) || !re.Remote || re.Code != protocol.ResetCancel {
		t.Errorf("remote Err() = %v, want remote cancel reset", remote.Err())
	}
	if _, err := remote.Write([]byte("y")); !errors.Is(err, ErrStreamReset) {
		t.Errorf("remote Write() error = %v, want ErrStreamReset", err)
	}

	// The ack clears the id and both sessions stay usable.
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		a.mu.Lock()
		pending := len(a.resetting)
		a.mu.Unlock()
		if pending == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if a.Err() != nil || b.Err() != nil {
		t.Errorf("sessions ended: %v / %v", a.Err(), b.Err())
	}
	if _, err := a.OpenStream(context.Background(), 1); err != nil {
		t.Errorf("OpenStream() after reset error = %v", err)
	}
}

func TestSession_MaxStreams(t *testing.T) {
	a, b, accepted := sessionPair(t, Config{}, Config{MaxStreams: 1}, nil, nil)

	first, err := a.OpenStream(context.Background(), 1)
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	nextStream(t, accepted)

	second, err := a.OpenStream(context.Background(), 1)
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	waitClosed(t, second.Done(), "refused stream")

	var re *ResetError
	if !errors.As(second.Err(), &re) || re.Code != protocol.ResetRefused {
		t.Errorf("refused stream Err() = %v, want refused reset", second.Err())
	}
	if b.Err() != nil || a.Err() != nil {
		t.Error("refusing a stream must not end the session")
	}
	if _, err := first.Write([]byte("still works")); err != nil {
		t.Errorf("Write() on first stream error = %v", err)
	}

	// The local limit applies to OpenStream directly.
	limited, _, _ := sessionPair(t, Config{MaxStreams: 1}, Config{}, nil, nil)
	if _, err := limited.OpenStream(context.Background(), 1); err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	if _, err := limited.OpenStream(context.Background(), 1); !errors.Is(err, ErrStreamLimit) {
		t.Errorf("OpenStream() over limit error = %v, want ErrStreamLimit", err)
	}
}

func TestSession_Keepalive(t *testing.T) {
	a, _, _ := sessionPair(t, Config{KeepaliveInterval: 10 * time.Millisecond}, Config{}, nil, nil)

	deadline := time.Now().Add(testTimeout)
	for a.RTT() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if a.RTT() <= 0 {
		t.Error("RTT not measured")
	}
	if stats := a.Stats(); stats.FramesOut == 0 || stats.FramesIn == 0 {
		t.Errorf("Stats() = %+v, want traffic both ways", stats)
	}
}

func TestReject(t *testing.T) {
	d, l := establish(t, nil, nil)
	s := newSession(t, d, Config{})

	if err := Reject(l, protocol.GoAwayDuplicate, "duplicate connection"); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	waitClosed(t, s.Done(), "rejected session end")

	var ga *GoAwayError
	if !errors.As(s.Err(), &ga) || ga.Code != protocol.GoAwayDuplicate || !ga.Remote {
		t.Errorf("Err() = %v, want remote duplicate GOAWAY", s.Err())
	}
	if !errors.Is(s.Err(), ErrPeerDisconnected) {
		t.Error("remote GOAWAY should match ErrPeerDisconnected")
	}
	if _, err := l.Release(); !errors.Is(err, handshake.ErrReleased) {
		t.Errorf("Release() after Reject error = %v, want ErrReleased", err)
	}
}

func TestErrorTypes(t *testing.T) {
	fe := &FrameError{Reason: "window_overflow", FrameType: protocol.FrameData, StreamID: 3}
	if !errors.Is(fe, ErrFrame) {
		t.Error("FrameError should match ErrFrame")
	}
	if errors.Is(&GoAwayError{Code: protocol.GoAwayNormal}, ErrPeerDisconnected) {
		t.Error("local GOAWAY should not match ErrPeerDisconnected")
	}
	if !errors.Is(&ResetError{Code: protocol.ResetRefused}, ErrStreamReset) {
		t.Error("ResetError should match ErrStreamReset")
	}
	if err := disconnected(ErrIdleTimeout); !errors.Is(err, ErrPeerDisconnected) || !errors.Is(err, ErrIdleTimeout) {
		t.Errorf("disconnected() = %v, want both sentinels", err)
	}
}
