package peer

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/postalsys/p2p-node/internal/identity"
	"github.com/postalsys/p2p-node/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func peerID(b byte) identity.PeerID {
	var id identity.PeerID
	id[0] = b
	return id
}

// fakeClock drives Table.now.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestTable(maxPeers int) (*Table, *fakeClock, *metrics.Metrics) {
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	tbl := NewTable(TableConfig{MaxPeers: maxPeers, Retention: time.Minute, Metrics: m})
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	tbl.now = clock.Now
	return tbl, clock, m
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateConnecting, "connecting"},
		{StateHandshaking, "handshaking"},
		{StateConnected, "connected"},
		{StateDisconnected, "disconnected"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestTable_UpsertGetRemove(t *testing.T) {
	tbl, _, _ := newTestTable(10)
	id := peerID(1)

	if _, ok := tbl.Get(id); ok {
		t.Fatal("Get() on empty table found a record")
	}

	tbl.Upsert(id, Record{State: StateConnecting, DialAddr: "10.0.0.1:30303"})
	rec, ok := tbl.Get(id)
	if !ok {
		t.Fatal("Get() after Upsert found nothing")
	}
	if rec.ID != id || rec.State != StateConnecting || rec.LastActivity.IsZero() {
		t.Errorf("Get() = %+v", rec)
	}
	if tbl.CountConnected() != 0 {
		t.Error("connecting record counted as connected")
	}

	tbl.Upsert(id, Record{State: StateConnected})
	if tbl.CountConnected() != 1 {
		t.Errorf("CountConnected() = %d, want 1", tbl.CountConnected())
	}

	if !tbl.Remove(id) {
		t.Error("Remove() = false for existing record")
	}
	if tbl.Remove(id) {
		t.Error("Remove() = true for missing record")
	}
}

func TestTable_DialStates(t *testing.T) {
	tbl, clock, _ := newTestTable(10)
	id := peerID(1)
	errDial := errors.New("connection refused")

	if !tbl.BeginDial(id, "10.0.0.1:30303") {
		t.Fatal("BeginDial() on empty table = false")
	}
	if tbl.BeginDial(id, "10.0.0.1:30303") {
		t.Error("BeginDial() while connecting = true")
	}
	if !tbl.Handshaking(id) {
		t.Error("Handshaking() after BeginDial = false")
	}
	if tbl.Handshaking(id) {
		t.Error("Handshaking() twice = true")
	}
	if tbl.CountConnected() != 0 {
		t.Errorf("CountConnected() = %d during handshake", tbl.CountConnected())
	}

	clock.Advance(time.Second)
	if !tbl.AbortDial(id, errDial) {
		t.Fatal("AbortDial() = false")
	}
	rec, _ := tbl.Get(id)
	if rec.State != StateDisconnected || !errors.Is(rec.LastError, errDial) || rec.DisconnectedAt != clock.Now() {
		t.Errorf("after AbortDial: %+v", rec)
	}

	// A failed attempt can be retried.
	if !tbl.BeginDial(id, "10.0.0.1:30303") {
		t.Error("BeginDial() after abort = false")
	}

	// Admission replaces the pending attempt and keeps the dial address.
	adm := tbl.Admit(Record{ID: id, Initiator: peerID(0)})
	if !adm.Accepted {
		t.Fatalf("Admit() = %+v", adm)
	}
	rec, _ = tbl.Get(id)
	if !rec.Connected() || rec.DialAddr != "10.0.0.1:30303" {
		t.Errorf("after Admit: %+v", rec)
	}
	if tbl.AbortDial(id, errDial) {
		t.Error("AbortDial() touched a connected record")
	}
	if tbl.BeginDial(id, "10.0.0.1:30303") {
		t.Error("BeginDial() on a connected peer = true")
	}
}

func TestTable_TieBreak(t *testing.T) {
	low, high := peerID(1), peerID(2)
	t0 := time.Unix(1700000000, 0)
	t1 := t0.Add(time.Millisecond)

	tests := []struct {
		name          string
		first, second Record // in arrival order
		wantReplaced  bool
	}{
		{
			name:   "lower initiator first",
			first:  Record{Initiator: low, DialedAt: t1},
			second: Record{Initiator: high, DialedAt: t1},
		},
		{
			name:         "lower initiator second",
			first:        Record{Initiator: high, DialedAt: t1},
			second:       Record{Initiator: low, DialedAt: t0},
			wantReplaced: true,
		},
		{
			name:         "same initiator later dial replaces",
			first:        Record{Initiator: high, DialedAt: t0},
			second:       Record{Initiator: high, DialedAt: t1},
			wantReplaced: true,
		},
		{
			name:   "same initiator earlier dial refused",
			first:  Record{Initiator: high, DialedAt: t1},
			second: Record{Initiator: high, DialedAt: t0},
		},
		{
			name:   "same dial time higher transcript refused",
			first:  Record{Initiator: high, DialedAt: t0, Transcript: [32]byte{1}},
			second: Record{Initiator: high, DialedAt: t0, Transcript: [32]byte{2}},
		},
		{
			name:         "same dial time lower transcript replaces",
			first:        Record{Initiator: high, DialedAt: t0, Transcript: [32]byte{2}},
			second:       Record{Initiator: high, DialedAt: t0, Transcript: [32]byte{1}},
			wantReplaced: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl, _, m := newTestTable(10)
			remote := peerID(9)

			first, second := tt.first, tt.second
			first.ID, first.SessionID = remote, "first"
			second.ID, second.SessionID = remote, "second"

			a := tbl.Admit(first)
			if !a.Accepted {
				t.Fatalf("first Admit() = %+v", a)
			}

			b := tbl.Admit(second)
			want := "first"
			if tt.wantReplaced {
				want = "second"
				if !b.Accepted || b.Replaced == nil || b.Replaced.SessionID != "first" {
					t.Errorf("second Admit() = %+v, want accepted replacing first", b)
				}
			} else {
				if b.Accepted || !errors.Is(b.Reason, ErrDuplicateConnection) {
					t.Errorf("second Admit() = %+v, want ErrDuplicateConnection", b)
				}
			}

			rec, _ := tbl.Get(remote)
			if rec.SessionID != want {
				t.Errorf("surviving session = %s, want %s", rec.SessionID, want)
			}
			if tbl.CountConnected() != 1 {
				t.Errorf("CountConnected() = %d, want 1", tbl.CountConnected())
			}
			if got := testutil.ToFloat64(m.DuplicateConnections); got != 1 {
				t.Errorf("duplicate counter = %v, want 1", got)
			}
		})
	}
}

// Both nodes apply the rule to the same pair of sessions and must keep the
// same one regardless of which arrived first.
func TestTable_TieBreakAgreesOnBothSides(t *testing.T) {
	nodeA, nodeB := peerID(3), peerID(7)
	now := time.Unix(1700000000, 0)

	tests := []struct {
		name     string
		one, two Record
		want     string
	}{
		{
			name: "different initiators",
			one:  Record{Initiator: nodeA, DialedAt: now, SessionID: "a-dialed"},
			two:  Record{Initiator: nodeB, DialedAt: now, SessionID: "b-dialed"},
			want: "a-dialed",
		},
		{
			name: "same initiator different dial times",
			one:  Record{Initiator: nodeA, DialedAt: now, SessionID: "early"},
			two:  Record{Initiator: nodeA, DialedAt: now.Add(time.Millisecond), SessionID: "late"},
			want: "late",
		},
		{
			name: "same initiator same dial time",
			one:  Record{Initiator: nodeA, DialedAt: now, Transcript: [32]byte{0x80}, SessionID: "high"},
			two:  Record{Initiator: nodeA, DialedAt: now, Transcript: [32]byte{0x10}, SessionID: "low"},
			want: "low",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, order := range [][2]Record{{tt.one, tt.two}, {tt.two, tt.one}} {
				tblA, _, _ := newTestTable(10)
				tblB, _, _ := newTestTable(10)
				for _, rec := range order {
					ra, rb := rec, rec
					ra.ID, rb.ID = nodeB, nodeA
					tblA.Admit(ra)
					tblB.Admit(rb)
				}

				onA, _ := tblA.Get(nodeB)
				onB, _ := tblB.Get(nodeA)
				if onA.SessionID != tt.want || onB.SessionID != tt.want {
					t.Errorf("order %s,%s: kept %s on A and %s on B, want %s on both",
						order[0].SessionID, order[1].SessionID, onA.SessionID, onB.SessionID, tt.want)
				}
			}
		})
	}
}

func TestTable_Capacity(t *testing.T) {
	tbl, clock, m := newTestTable(2)

	tbl.Admit(Record{ID: peerID(1), SessionID: "1"})
	clock.Advance(time.Second)
	tbl.Admit(Record{ID: peerID(2), SessionID: "2"})
	clock.Advance(time.Second)

	// Peer 1 becomes the most recently active.
	tbl.Touch(peerID(1))
	clock.Advance(time.Second)

	adm := tbl.Admit(Record{ID: peerID(3), SessionID: "3"})
	if !adm.Accepted {
		t.Fatalf("Admit() = %+v", adm)
	}
	if len(adm.Evicted) != 1 || adm.Evicted[0].ID != peerID(2) {
		t.Fatalf("Evicted = %+v, want peer 2", adm.Evicted)
	}
	if got := tbl.CountConnected(); got != 2 {
		t.Errorf("CountConnected() = %d, want 2", got)
	}
	rec, _ := tbl.Get(peerID(2))
	if rec.State != StateDisconnected || !errors.Is(rec.LastError, ErrCapacityExceeded) {
		t.Errorf("evicted record = %+v", rec)
	}
	if got := testutil.ToFloat64(m.CapacityEvictions); got != 1 {
		t.Errorf("eviction counter = %v, want 1", got)
	}

	// A replacement for a peer already connected does not evict anyone.
	adm = tbl.Admit(Record{ID: peerID(3), SessionID: "3b", DialedAt: clock.Now()})
	if !adm.Accepted || len(adm.Evicted) != 0 || adm.Replaced == nil {
		t.Errorf("replacement Admit() = %+v", adm)
	}
}

func TestTable_CapacityNeverExceeded(t *testing.T) {
	const maxPeers = 5
	tbl, clock, _ := newTestTable(maxPeers)

	for i := 0; i < 50; i++ {
		tbl.Admit(Record{ID: peerID(byte(i + 1))})
		clock.Advance(time.Millisecond)
		if got := tbl.CountConnected(); got > maxPeers {
			t.Fatalf("after %d admits CountConnected() = %d, want <= %d", i+1, got, maxPeers)
		}
	}
}

func TestTable_ZeroMaxPeers(t *testing.T) {
	tbl, _, _ := newTestTable(0)

	adm := tbl.Admit(Record{ID: peerID(1)})
	if adm.Accepted || !errors.Is(adm.Reason, ErrCapacityExceeded) {
		t.Errorf("Admit() = %+v, want ErrCapacityExceeded", adm)
	}
	if tbl.CountConnected() != 0 {
		t.Error("record admitted with max_peers 0")
	}
}

func TestTable_EvictIfOverCapacity(t *testing.T) {
	tbl, clock, _ := newTestTable(1)

	for i := byte(1); i <= 3; i++ {
		tbl.Upsert(peerID(i), Record{State: StateConnected})
		clock.Advance(time.Second)
	}

	evicted := tbl.EvictIfOverCapacity()
	if len(evicted) != 2 {
		t.Fatalf("evicted %d records, want 2", len(evicted))
	}
	if evicted[0].ID != peerID(1) || evicted[1].ID != peerID(2) {
		t.Errorf("evicted %s,%s, want least recently active first",
			evicted[0].ID.ShortString(), evicted[1].ID.ShortString())
	}
	if tbl.EvictIfOverCapacity() != nil {
		t.Error("second EvictIfOverCapacity() evicted more")
	}

	unlimited, _, _ := newTestTable(-1)
	unlimited.Upsert(peerID(1), Record{State: StateConnected})
	if unlimited.EvictIfOverCapacity() != nil {
		t.Error("negative max_peers should disable eviction")
	}
}

func TestTable_MarkDisconnected(t *testing.T) {
	tbl, _, _ := newTestTable(10)
	id := peerID(4)
	cause := errors.New("gone")

	now := time.Now()
	tbl.Admit(Record{ID: id, SessionID: "old", DialedAt: now})
	tbl.Admit(Record{ID: id, SessionID: "new", DialedAt: now.Add(time.Second)})

	if tbl.MarkDisconnected(id, "old", cause) {
		t.Error("MarkDisconnected() applied an update from a replaced session")
	}
	if !tbl.MarkDisconnected(id, "new", cause) {
		t.Fatal("MarkDisconnected() ignored the live session")
	}
	if tbl.MarkDisconnected(id, "new", cause) {
		t.Error("MarkDisconnected() applied twice")
	}

	rec, _ := tbl.Get(id)
	if rec.State != StateDisconnected || rec.LastError != cause || rec.DisconnectedAt.IsZero() {
		t.Errorf("record = %+v", rec)
	}
}

func TestTable_Attach(t *testing.T) {
	tbl, _, _ := newTestTable(10)
	id := peerID(5)

	if tbl.Attach(id, "s1", nil) {
		t.Error("Attach() succeeded without a record")
	}
	tbl.Admit(Record{ID: id, SessionID: "s1"})
	if tbl.Attach(id, "other", nil) {
		t.Error("Attach() succeeded for a different session")
	}
	if !tbl.Attach(id, "s1", nil) {
		t.Error("Attach() failed for the admitted session")
	}
	tbl.MarkDisconnected(id, "s1", nil)
	if tbl.Attach(id, "s1", nil) {
		t.Error("Attach() succeeded on a disconnected record")
	}
}

func TestTable_SnapshotAndPrune(t *testing.T) {
	tbl, clock, _ := newTestTable(10)

	tbl.Admit(Record{ID: peerID(3), SessionID: "3"})
	tbl.Admit(Record{ID: peerID(1), SessionID: "1"})
	tbl.Upsert(peerID(2), Record{State: StateDisconnected, DisconnectedAt: clock.Now()})

	snap := tbl.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("Snapshot() returned %d records", len(snap))
	}
	for i, want := range []byte{1, 2, 3} {
		if snap[i].ID != peerID(want) {
			t.Errorf("snap[%d] = %s, want ordered by id", i, snap[i].ID.ShortString())
		}
	}

	if n := tbl.Prune(clock.Now().Add(30 * time.Second)); n != 0 {
		t.Errorf("Prune() within retention removed %d", n)
	}
	if n := tbl.Prune(clock.Now().Add(2 * time.Minute)); n != 1 {
		t.Errorf("Prune() removed %d, want 1", n)
	}
	if _, ok := tbl.Get(peerID(2)); ok {
		t.Error("pruned record still present")
	}
	if tbl.CountConnected() != 2 {
		t.Error("Prune() removed connected records")
	}
}

func TestWins(t *testing.T) {
	a, b := peerID(1), peerID(2)
	now := time.Unix(1700000000, 0)

	if !Wins(Record{Initiator: a}, Record{Initiator: b, DialedAt: now}) {
		t.Error("lower initiator should win regardless of dial time")
	}
	if Wins(Record{Initiator: b, DialedAt: now}, Record{Initiator: a}) {
		t.Error("higher initiator should lose")
	}
	same := Record{Initiator: a, DialedAt: now, Transcript: [32]byte{5}}
	if Wins(same, same) {
		t.Error("an identical session should not replace itself")
	}
}

func TestBackoffCalculator_CalculateDelay(t *testing.T) {
	b := NewBackoffCalculator(ReconnectConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
	})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{10, time.Second},
	}
	for _, tt := range tests {
		if got := b.CalculateDelay(tt.attempt); got != tt.want {
			t.Errorf("CalculateDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func fastReconnect(maxRetries int) ReconnectConfig {
	return ReconnectConfig{
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2,
		MaxRetries:   maxRetries,
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestReconnector_RetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	cfg := fastReconnect(0)
	cfg.Metrics = m

	r := NewReconnector(cfg, func(addr string) error {
		if calls.Add(1) < 3 {
			return errors.New("refused")
		}
		return nil
	})
	defer r.Stop()

	r.Schedule("peer:30303")
	waitFor(t, func() bool { return !r.IsPending("peer:30303") }, "successful reconnect")

	if got := calls.Load(); got != 3 {
		t.Errorf("callback called %d times, want 3", got)
	}
	if got := testutil.ToFloat64(m.ReconnectAttempts); got != 3 {
		t.Errorf("reconnect counter = %v, want 3", got)
	}
}

func TestReconnector_MaxRetries(t *testing.T) {
	var calls atomic.Int32
	r := NewReconnector(fastReconnect(2), func(string) error {
		calls.Add(1)
		return errors.New("refused")
	})
	defer r.Stop()

	r.Schedule("peer:30303")
	waitFor(t, func() bool { return !r.IsPending("peer:30303") }, "giving up")

	time.Sleep(50 * time.Millisecond)
	if got := calls.Load(); got != 2 {
		t.Errorf("callback called %d times, want 2", got)
	}
}

func TestReconnector_Cancel(t *testing.T) {
	var calls atomic.Int32
	cfg := fastReconnect(0)
	cfg.InitialDelay = 50 * time.Millisecond
	r := NewReconnector(cfg, func(string) error {
		calls.Add(1)
		return nil
	})
	defer r.Stop()

	r.Schedule("peer:30303")
	if !r.IsPending("peer:30303") {
		t.Fatal("IsPending() = false after Schedule")
	}
	r.Cancel("peer:30303")
	time.Sleep(100 * time.Millisecond)

	if calls.Load() != 0 {
		t.Error("cancelled reconnect still ran")
	}
	if r.Attempts("peer:30303") != 0 {
		t.Error("Attempts() should be 0 after Cancel")
	}
}

func TestReconnector_PauseResume(t *testing.T) {
	var calls atomic.Int32
	cfg := fastReconnect(0)
	cfg.InitialDelay = 30 * time.Millisecond
	r := NewReconnector(cfg, func(string) error {
		calls.Add(1)
		return nil
	})
	defer r.Stop()

	r.Schedule("peer:30303")
	r.Pause()
	if !r.IsPaused() {
		t.Fatal("IsPaused() = false")
	}
	time.Sleep(80 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatal("attempt ran while paused")
	}
	if !r.IsPending("peer:30303") {
		t.Fatal("Pause() dropped pending state")
	}

	r.Resume()
	waitFor(t, func() bool { return calls.Load() == 1 }, "attempt after resume")
}

func TestReconnector_StopWaitsAndBlocksSchedule(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	r := NewReconnector(fastReconnect(0), func(string) error {
		close(started)
		<-release
		return errors.New("refused")
	})

	r.Schedule("peer:30303")
	<-started

	stopped := make(chan struct{})
	go func() {
		r.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop() returned while an attempt was running")
	case <-time.After(30 * time.Millisecond):
	}
	close(release)
	<-stopped

	r.Schedule("other:30303")
	if r.IsPending("other:30303") {
		t.Error("Schedule() after Stop should be ignored")
	}
}

func TestReconnector_PanicCounted(t *testing.T) {
	var calls atomic.Int32
	r := NewReconnector(fastReconnect(2), func(string) error {
		calls.Add(1)
		panic("boom")
	})
	defer r.Stop()

	r.Schedule("peer:30303")
	waitFor(t, func() bool { return !r.IsPending("peer:30303") }, "giving up after panics")
	if calls.Load() != 2 {
		t.Errorf("callback called %d times, want 2", calls.Load())
	}
}
