// Package integration runs nodes against each other over real transports.
package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/p2p-node/internal/config"
	"github.com/postalsys/p2p-node/internal/identity"
	"github.com/postalsys/p2p-node/internal/logging"
	"github.com/postalsys/p2p-node/internal/metrics"
	"github.com/postalsys/p2p-node/internal/node"
	"github.com/postalsys/p2p-node/internal/protocols/exchange"
	"github.com/postalsys/p2p-node/internal/protocols/ping"
)

// testNode is a started node with the bundled protocols registered.
type testNode struct {
	*node.Node
	cfg      *config.Config
	messages chan exchange.Message
	stop     func()
}

func nodeConfig(t *testing.T, tr string) *config.Config {
	t.Helper()

	cfg := config.Default()
	cfg.Node.DataDir = t.TempDir()
	cfg.Node.LogLevel = "debug"
	cfg.Listen.Transport = tr
	cfg.Listen.Address = "127.0.0.1:0"
	cfg.Reconnect.InitialDelay = 50 * time.Millisecond
	cfg.Reconnect.MaxDelay = 250 * time.Millisecond
	return cfg
}

func startNode(t *testing.T, cfg *config.Config) *testNode {
	t.Helper()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	kp, _, err := identity.LoadOrCreate(cfg.Node.DataDir)
	if err != nil {
		t.Fatalf("LoadOrCreate() error = %v", err)
	}

	logger := logging.NopLogger()
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	ncfg, err := node.FromConfig(cfg, kp, logger, m)
	if err != nil {
		t.Fatalf("FromConfig() error = %v", err)
	}

	n, err := node.New(ncfg)
	if err != nil {
		ncfg.Transport.Close()
		t.Fatalf("node.New() error = %v", err)
	}

	tn := &testNode{Node: n, cfg: cfg, messages: make(chan exchange.Message, 16)}
	if err := ping.Register(n, logger); err != nil {
		t.Fatalf("ping.Register() error = %v", err)
	}
	if err := exchange.Register(n, logger, func(msg exchange.Message) { tn.messages <- msg }); err != nil {
		t.Fatalf("exchange.Register() error = %v", err)
	}

	if err := n.Start(context.Background()); err != nil {
		ncfg.Transport.Close()
		t.Fatalf("Start() error = %v", err)
	}

	var once sync.Once
	tn.stop = func() {
		once.Do(func() {
			n.Close()
			ncfg.Transport.Close()
		})
	}
	t.Cleanup(tn.stop)
	return tn
}

func (tn *testNode) connectedTo(id identity.PeerID) bool {
	info, ok := tn.Peer(id)
	return ok && info.State.String() == "connected"
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
