package integration

import (
	"context"
	"testing"
	"time"

	"github.com/postalsys/p2p-node/internal/config"
	"github.com/postalsys/p2p-node/internal/protocols/ping"
)

// TestPeerRestart stops the listening node and brings it back on the same
// address and key; the persistent bootstrap entry must reconnect.
func TestPeerRestart(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfgA := nodeConfig(t, "tcp")
	a := startNode(t, cfgA)
	addr := a.ListenAddr().String()
	idA := a.ID()

	cfgB := nodeConfig(t, "tcp")
	cfgB.Bootstrap = []config.BootstrapConfig{{Address: addr, Persistent: true}}
	b := startNode(t, cfgB)

	waitFor(t, "initial session", func() bool { return b.connectedTo(idA) })
	first, _ := b.Peer(idA)

	a.stop()
	waitFor(t, "b to notice the shutdown", func() bool { return !b.connectedTo(idA) })

	info, _ := b.Peer(idA)
	if info.LastError == "" {
		t.Error("disconnected peer has no last error")
	}

	cfgA.Listen.Address = addr
	a = startNode(t, cfgA)
	if a.ID() != idA {
		t.Fatalf("restarted node has a new identity %s", a.ID().ShortString())
	}

	waitFor(t, "b to reconnect", func() bool {
		info, ok := b.Peer(idA)
		return ok && info.State.String() == "connected" && info.SessionID != first.SessionID
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := ping.Ping(ctx, b, idA, 64); err != nil {
		t.Fatalf("Ping() after reconnect error = %v", err)
	}
}
