package node

import (
	"time"

	"github.com/postalsys/p2p-node/internal/identity"
	"github.com/postalsys/p2p-node/internal/peer"
)

// PeerInfo is a read-only view of a peer table record.
type PeerInfo struct {
	ID           identity.PeerID `json:"id"`
	State        peer.State      `json:"state"`
	Address      string          `json:"address,omitempty"`
	Direction    string          `json:"direction,omitempty"`
	Transport    string          `json:"transport,omitempty"`
	DialAddr     string          `json:"dial_addr,omitempty"`
	SessionID    string          `json:"session,omitempty"`
	Agent        string          `json:"agent,omitempty"`
	ConnectedAt  time.Time       `json:"connected_at"`
	LastActivity time.Time       `json:"last_activity"`
	Streams      int             `json:"streams"`
	RTT          time.Duration   `json:"rtt_ns"`
	BytesIn      uint64          `json:"bytes_in"`
	BytesOut     uint64          `json:"bytes_out"`
	LastError    string          `json:"last_error,omitempty"`

	// ReconnectAttempts counts failed redials of DialAddr since the last
	// session.
	ReconnectAttempts int `json:"reconnect_attempts,omitempty"`
}

// Stats summarizes the node.
type Stats struct {
	ID               identity.PeerID   `json:"id"`
	ListenAddress    string            `json:"listen_address"`
	Uptime           time.Duration     `json:"uptime_ns"`
	ConnectedPeers   int               `json:"connected_peers"`
	KnownPeers       int               `json:"known_peers"`
	MaxPeers         int               `json:"max_peers"`
	Sessions         int               `json:"sessions"`
	PendingDials     int               `json:"pending_dials"`
	Handshakes       int               `json:"handshakes"`
	Reconnecting     int               `json:"reconnecting"`
	ReconnectsPaused bool              `json:"reconnects_paused"`
	Protocols        map[uint16]string `json:"protocols"`
}

// Peers returns every known peer ordered by PeerID.
func (n *Node) Peers() []PeerInfo {
	recs := n.table.Snapshot()
	out := make([]PeerInfo, 0, len(recs))
	for _, rec := range recs {
		out = append(out, n.peerInfo(rec))
	}
	return out
}

// Peer returns the view of one peer.
func (n *Node) Peer(id identity.PeerID) (PeerInfo, bool) {
	rec, ok := n.table.Get(id)
	if !ok {
		return PeerInfo{}, false
	}
	return n.peerInfo(rec), true
}

func (n *Node) peerInfo(rec peer.Record) PeerInfo {
	info := PeerInfo{
		ID:           rec.ID,
		State:        rec.State,
		Address:      rec.Address,
		Direction:    rec.Direction,
		Transport:    string(rec.Transport),
		DialAddr:     rec.DialAddr,
		SessionID:    rec.SessionID,
		ConnectedAt:  rec.ConnectedAt,
		LastActivity: rec.Activity(),
	}
	if rec.LastError != nil {
		info.LastError = rec.LastError.Error()
	}
	if rec.DialAddr != "" {
		info.ReconnectAttempts = n.reconnector.Attempts(rec.DialAddr)
	}
	if s := rec.Session; s != nil {
		st := s.Stats()
		info.Agent = s.Agent()
		info.Streams = st.ActiveStreams
		info.RTT = st.RTT
		info.BytesIn = st.BytesIn
		info.BytesOut = st.BytesOut
	}
	return info
}

// Stats returns node counters.
func (n *Node) Stats() Stats {
	s := Stats{
		ID:               n.id,
		ConnectedPeers:   n.table.CountConnected(),
		KnownPeers:       len(n.table.Snapshot()),
		MaxPeers:         n.table.MaxPeers(),
		Sessions:         int(n.sessions.Load()),
		PendingDials:     int(n.pendingDials.Load()),
		Handshakes:       int(n.handshakes.Load()),
		Protocols:        n.Protocols(),
		ReconnectsPaused: n.reconnector.IsPaused(),
	}
	if addr := n.ListenAddr(); addr != nil {
		s.ListenAddress = addr.String()
	}
	if !n.startedAt.IsZero() {
		s.Uptime = time.Since(n.startedAt)
	}

	n.targetsMu.Lock()
	for addr := range n.targets {
		if n.reconnector.IsPending(addr) {
			s.Reconnecting++
		}
	}
	n.targetsMu.Unlock()
	return s
}
