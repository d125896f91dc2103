package peer

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/postalsys/p2p-node/internal/identity"
	"github.com/postalsys/p2p-node/internal/logging"
	"github.com/postalsys/p2p-node/internal/metrics"
	"github.com/postalsys/p2p-node/internal/mux"
)

// Default table limits.
const (
	DefaultMaxPeers  = 50
	DefaultRetention = 10 * time.Minute
)

// TableConfig configures a Table.
type TableConfig struct {
	// MaxPeers caps connected records. Zero refuses every peer; a negative
	// value disables the cap.
	MaxPeers int

	// Retention is how long Disconnected records are kept for Snapshot.
	Retention time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Table is the peer table. All methods are safe for concurrent use. The
// lock is never held across I/O: sessions that lose a tie-break or are
// evicted are returned to the caller to close.
type Table struct {
	maxPeers  int
	retention time.Duration
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu      sync.Mutex
	records map[identity.PeerID]*Record
}

// NewTable creates an empty table.
func NewTable(cfg TableConfig) *Table {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	return &Table{
		maxPeers:  cfg.MaxPeers,
		retention: cfg.Retention,
		logger:    logging.Component(logger, "peers"),
		metrics:   cfg.Metrics,
		now:       time.Now,
		records:   make(map[identity.PeerID]*Record),
	}
}

// MaxPeers returns the connected-peer cap.
func (t *Table) MaxPeers() int {
	return t.maxPeers
}

// Upsert stores rec under id, replacing any previous record.
func (t *Table) Upsert(id identity.PeerID, rec Record) {
	rec.ID = id
	if rec.LastActivity.IsZero() {
		rec.LastActivity = t.now()
	}

	t.mu.Lock()
	t.records[id] = &rec
	t.mu.Unlock()
}

// Get returns a copy of the record for id.
func (t *Table) Get(id identity.PeerID) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Remove deletes the record for id. It reports whether one existed.
func (t *Table) Remove(id identity.PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.records[id]
	delete(t.records, id)
	return ok
}

// BeginDial records an outbound attempt to a known peer as Connecting. It
// does nothing and returns false when the peer is connected or an attempt
// is already in progress.
func (t *Table) BeginDial(id identity.PeerID, addr string) bool {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[id]
	if !ok {
		t.records[id] = &Record{
			ID:           id,
			State:        StateConnecting,
			Address:      addr,
			Direction:    "outbound",
			DialAddr:     addr,
			LastActivity: now,
		}
		return true
	}
	if rec.State != StateDisconnected {
		return false
	}
	rec.State = StateConnecting
	rec.DialAddr = addr
	return true
}

// Handshaking moves a Connecting record to Handshaking.
func (t *Table) Handshaking(id identity.PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[id]
	if !ok || rec.State != StateConnecting {
		return false
	}
	rec.State = StateHandshaking
	return true
}

// AbortDial marks an in-progress attempt as Disconnected with cause.
// Records that reached Connected are left alone.
func (t *Table) AbortDial(id identity.PeerID, cause error) bool {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[id]
	if !ok || (rec.State != StateConnecting && rec.State != StateHandshaking) {
		return false
	}
	rec.State = StateDisconnected
	rec.DisconnectedAt = now
	rec.LastError = cause
	return true
}

// CountConnected returns the number of Connected records.
func (t *Table) CountConnected() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.countConnectedLocked()
}

func (t *Table) countConnectedLocked() int {
	n := 0
	for _, rec := range t.records {
		if rec.Connected() {
			n++
		}
	}
	return n
}

// Admit decides whether candidate, a freshly handshaked session, becomes the
// peer's live record. Tie-break and capacity are applied under one lock.
func (t *Table) Admit(candidate Record) Admission {
	candidate.State = StateConnected
	now := t.now()
	if candidate.ConnectedAt.IsZero() {
		candidate.ConnectedAt = now
	}
	candidate.LastActivity = now

	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.records[candidate.ID]
	if ok && existing.Connected() {
		if !Wins(candidate, *existing) {
			t.metrics.RecordDuplicate()
			t.logger.Debug("duplicate connection refused",
				logging.KeyPeerID, candidate.ID.ShortString(),
				logging.KeyDirection, candidate.Direction)
			return Admission{Reason: ErrDuplicateConnection}
		}

		t.metrics.RecordDuplicate()
		t.logger.Debug("duplicate connection replaces existing session",
			logging.KeyPeerID, candidate.ID.ShortString(),
			logging.KeyDirection, candidate.Direction)

		replaced := *existing
		if candidate.DialAddr == "" {
			candidate.DialAddr = existing.DialAddr
		}
		t.records[candidate.ID] = &candidate
		return Admission{Accepted: true, Replaced: &replaced}
	}

	if t.maxPeers == 0 {
		return Admission{Reason: ErrCapacityExceeded}
	}

	var evicted []Record
	if t.maxPeers > 0 {
		evicted = t.evictLocked(t.maxPeers - 1)
	}
	if ok && candidate.DialAddr == "" {
		candidate.DialAddr = existing.DialAddr
	}
	t.records[candidate.ID] = &candidate
	return Admission{Accepted: true, Evicted: evicted}
}

// EvictIfOverCapacity evicts least-recently-active connected records until
// the cap holds again, and returns them.
func (t *Table) EvictIfOverCapacity() []Record {
	if t.maxPeers < 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.evictLocked(t.maxPeers)
}

// evictLocked evicts until at most limit records are connected.
func (t *Table) evictLocked(limit int) []Record {
	var connected []*Record
	for _, rec := range t.records {
		if rec.Connected() {
			connected = append(connected, rec)
		}
	}
	excess := len(connected) - limit
	if excess <= 0 {
		return nil
	}

	slices.SortFunc(connected, func(a, b *Record) int {
		if c := a.Activity().Compare(b.Activity()); c != 0 {
			return c
		}
		return identity.Compare(a.ID, b.ID)
	})

	now := t.now()
	evicted := make([]Record, 0, excess)
	for _, rec := range connected[:excess] {
		evicted = append(evicted, *rec)

		rec.State = StateDisconnected
		rec.DisconnectedAt = now
		rec.LastError = ErrCapacityExceeded
		rec.Session = nil

		t.metrics.RecordEviction()
		t.logger.Info("evicted peer over capacity",
			logging.KeyPeerID, rec.ID.ShortString(),
			logging.KeyAddress, rec.Address,
			"max_peers", t.maxPeers)
	}
	return evicted
}

// Attach sets the session handle on the record admitted as sessionID.
func (t *Table) Attach(id identity.PeerID, sessionID string, s *mux.Session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[id]
	if !ok || rec.SessionID != sessionID || !rec.Connected() {
		return false
	}
	rec.Session = s
	return true
}

// MarkDisconnected records the end of sessionID. Updates for a session that
// was already replaced are ignored; it reports whether the record changed.
func (t *Table) MarkDisconnected(id identity.PeerID, sessionID string, cause error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[id]
	if !ok || rec.SessionID != sessionID || rec.State == StateDisconnected {
		return false
	}
	rec.State = StateDisconnected
	rec.DisconnectedAt = t.now()
	rec.LastError = cause
	rec.Session = nil
	return true
}

// Touch marks the peer as active now.
func (t *Table) Touch(id identity.PeerID) {
	now := t.now()

	t.mu.Lock()
	if rec, ok := t.records[id]; ok && now.After(rec.LastActivity) {
		rec.LastActivity = now
	}
	t.mu.Unlock()
}

// Snapshot returns copies of all records ordered by PeerID.
func (t *Table) Snapshot() []Record {
	t.mu.Lock()
	out := make([]Record, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, *rec)
	}
	t.mu.Unlock()

	slices.SortFunc(out, func(a, b Record) int {
		return identity.Compare(a.ID, b.ID)
	})
	return out
}

// Prune removes Disconnected records older than the retention period and
// returns how many were removed.
func (t *Table) Prune(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, rec := range t.records {
		if rec.State == StateDisconnected && now.Sub(rec.DisconnectedAt) > t.retention {
			delete(t.records, id)
			removed++
		}
	}
	return removed
}
