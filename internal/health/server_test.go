package health

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/p2p-node/internal/identity"
	"github.com/postalsys/p2p-node/internal/metrics"
	"github.com/postalsys/p2p-node/internal/node"
	"github.com/postalsys/p2p-node/internal/peer"
)

// mockProvider implements StatusProvider for testing.
type mockProvider struct {
	running bool
	ready   bool
	stats   node.Stats
	peers   []node.PeerInfo
}

func (m *mockProvider) Running() bool          { return m.running }
func (m *mockProvider) Ready() bool            { return m.ready }
func (m *mockProvider) Stats() node.Stats      { return m.stats }
func (m *mockProvider) Peers() []node.PeerInfo { return m.peers }

func (m *mockProvider) Peer(id identity.PeerID) (node.PeerInfo, bool) {
	for _, p := range m.peers {
		if p.ID == id {
			return p, true
		}
	}
	return node.PeerInfo{}, false
}

func testPeerID(t *testing.T, s string) identity.PeerID {
	t.Helper()
	id, err := identity.ParsePeerID(s)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func serve(s *Server, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_handleHealth(t *testing.T) {
	s := NewServer(DefaultServerConfig(), &mockProvider{running: true})

	rec := serve(s, http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if body := rec.Body.String(); body != "OK\n" {
		t.Errorf("expected body 'OK\\n', got %q", body)
	}
}

func TestServer_MethodNotAllowed(t *testing.T) {
	s := NewServer(DefaultServerConfig(), &mockProvider{running: true})

	for _, path := range []string{"/health", "/healthz", "/readyz", "/peers", "/peers/abc"} {
		t.Run(path, func(t *testing.T) {
			rec := serve(s, http.MethodPost, path)
			if rec.Code != http.StatusMethodNotAllowed {
				t.Errorf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
			}
		})
	}
}

func TestServer_handleHealthz(t *testing.T) {
	tests := []struct {
		name       string
		provider   StatusProvider
		wantStatus int
		wantBody   string
	}{
		{"running", &mockProvider{running: true, stats: node.Stats{ConnectedPeers: 3, MaxPeers: 50}}, http.StatusOK, `"connected_peers":3`},
		{"stopped", &mockProvider{running: false}, http.StatusServiceUnavailable, `"status":"unavailable"`},
		{"no provider", nil, http.StatusServiceUnavailable, `"running":false`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(DefaultServerConfig(), tt.provider)
			rec := serve(s, http.MethodGet, "/healthz")
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body %q does not contain %s", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestServer_handleReady(t *testing.T) {
	tests := []struct {
		ready      bool
		wantStatus int
		wantBody   string
	}{
		{true, http.StatusOK, "READY\n"},
		{false, http.StatusServiceUnavailable, "NOT READY\n"},
	}
	for _, tt := range tests {
		s := NewServer(DefaultServerConfig(), &mockProvider{running: true, ready: tt.ready})
		rec := serve(s, http.MethodGet, "/readyz")
		if rec.Code != tt.wantStatus || rec.Body.String() != tt.wantBody {
			t.Errorf("ready=%v: got %d %q", tt.ready, rec.Code, rec.Body.String())
		}
	}
}

func TestServer_Peers(t *testing.T) {
	id := testPeerID(t, "0123456789abcdef0123456789abcdef")
	provider := &mockProvider{
		running: true,
		peers: []node.PeerInfo{{
			ID:          id,
			State:       peer.StateConnected,
			Address:     "10.0.0.2:30303",
			Direction:   "outbound",
			Transport:   "tcp",
			ConnectedAt: time.Unix(1700000000, 0).UTC(),
			Streams:     2,
		}},
	}
	s := NewServer(DefaultServerConfig(), provider)

	rec := serve(s, http.MethodGet, "/peers")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var list []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(list) != 1 || list[0]["id"] != id.String() || list[0]["state"] != "connected" {
		t.Errorf("peers = %v", list)
	}

	tests := []struct {
		path       string
		wantStatus int
	}{
		{"/peers/" + id.String(), http.StatusOK},
		{"/peers/ffffffffffffffffffffffffffffffff", http.StatusNotFound},
		{"/peers/not-an-id", http.StatusBadRequest},
		{"/peers/", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := serve(s, http.MethodGet, tt.path)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)
	m.RecordPeerConnect("tcp", metrics.DirectionOut)

	cfg := DefaultServerConfig()
	cfg.Gatherer = reg
	s := NewServer(cfg, &mockProvider{running: true})

	rec := serve(s, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "p2p_node_peers_connected 1") {
		t.Errorf("metrics output missing peers gauge:\n%s", rec.Body.String())
	}
}

func TestServer_StartStop(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Address = "127.0.0.1:0"
	s := NewServer(cfg, &mockProvider{running: true, ready: true})

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !s.IsRunning() || s.Address() == nil {
		t.Fatal("server not running after Start")
	}

	resp, err := http.Get("http://" + s.Address().String() + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "READY\n" {
		t.Errorf("GET /readyz = %d %q", resp.StatusCode, body)
	}

	if err := s.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
	if s.IsRunning() {
		t.Error("server still running after Stop")
	}
}
