// Package health provides health check HTTP endpoints for the node.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/postalsys/p2p-node/internal/identity"
	"github.com/postalsys/p2p-node/internal/logging"
	"github.com/postalsys/p2p-node/internal/node"
	"github.com/postalsys/p2p-node/internal/protocols/ping"
)

// pingTimeout bounds a ping requested over HTTP.
const pingTimeout = 5 * time.Second

// StatusProvider exposes node state. *node.Node implements it.
type StatusProvider interface {
	// Running returns true between Start and Close.
	Running() bool

	// Ready returns true when the node can serve peers.
	Ready() bool

	Stats() node.Stats
	Peers() []node.PeerInfo
	Peer(id identity.PeerID) (node.PeerInfo, bool)
}

// ServerConfig contains health server configuration.
type ServerConfig struct {
	// Address to listen on (e.g., "127.0.0.1:8080")
	Address string

	// ReadTimeout for HTTP reads
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes
	WriteTimeout time.Duration

	// Gatherer serves /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	Logger *slog.Logger
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "127.0.0.1:8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is an HTTP server for health check endpoints.
type Server struct {
	cfg      ServerConfig
	provider StatusProvider
	logger   *slog.Logger
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a new health check server.
func NewServer(cfg ServerConfig, provider StatusProvider) *Server {
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	s := &Server{
		cfg:      cfg,
		provider: provider,
		logger:   logging.Component(cfg.Logger, "health"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/peers", s.handlePeers)
	mux.HandleFunc("/peers/", s.handlePeer)

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start starts the health check server.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("health server stopped", logging.KeyError, err)
		}
	}()

	s.logger.Info("health server listening", logging.KeyAddress, ln.Addr().String())
	return nil
}

// Stop stops the health check server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Handler returns the HTTP handler for embedding in other servers.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// handleHealth returns 200 whenever the server responds.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK\n"))
}

// handleHealthz returns node statistics, or 503 when the node is not running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.provider == nil || !s.provider.Running() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":  "unavailable",
			"running": false,
		})
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Status  string `json:"status"`
		Running bool   `json:"running"`
		node.Stats
	}{
		Status:  "healthy",
		Running: true,
		Stats:   s.provider.Stats(),
	})
}

// handleReady is the readiness probe.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	if s.provider == nil || !s.provider.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT READY\n"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY\n"))
}

// handlePeers lists the peer table.
func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.provider == nil {
		http.Error(w, "node not available", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, s.provider.Peers())
}

// handlePeer returns one peer. URL format: /peers/{peer-id}
func (s *Server) handlePeer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.provider == nil {
		http.Error(w, "node not available", http.StatusServiceUnavailable)
		return
	}

	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/peers/"), "/")
	if path == "" {
		http.Error(w, "peer ID required: /peers/{peer-id}", http.StatusBadRequest)
		return
	}
	rawID, action, _ := strings.Cut(path, "/")
	id, err := identity.ParsePeerID(rawID)
	if err != nil {
		http.Error(w, "invalid peer ID format", http.StatusBadRequest)
		return
	}

	switch action {
	case "":
	case "ping":
		s.handlePing(w, r, id)
		return
	default:
		http.NotFound(w, r)
		return
	}

	info, ok := s.provider.Peer(id)
	if !ok {
		http.Error(w, "peer not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handlePing runs one ping to a connected peer. URL format:
// /peers/{peer-id}/ping?size=N
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request, id identity.PeerID) {
	opener, ok := s.provider.(ping.Opener)
	if !ok {
		http.Error(w, "ping not supported", http.StatusNotImplemented)
		return
	}

	size := 56
	if v := r.URL.Query().Get("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > ping.MaxPayload {
			http.Error(w, "invalid size", http.StatusBadRequest)
			return
		}
		size = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
	defer cancel()

	res, err := ping.Ping(ctx, opener, id, size)
	switch {
	case errors.Is(err, node.ErrPeerNotConnected):
		http.Error(w, "peer not connected", http.StatusNotFound)
		return
	case err != nil:
		s.logger.Debug("ping failed", logging.KeyPeerID, id.ShortString(), logging.KeyError, err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
