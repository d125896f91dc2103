package ping

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/postalsys/p2p-node/internal/handshake"
	"github.com/postalsys/p2p-node/internal/identity"
	"github.com/postalsys/p2p-node/internal/logging"
	"github.com/postalsys/p2p-node/internal/node"
	"github.com/postalsys/p2p-node/internal/transport"
)

func startNode(t *testing.T, network *transport.MemNetwork) *node.Node {
	t.Helper()

	kp, err := identity.NewKeypair()
	if err != nil {
		t.Fatal(err)
	}
	n, err := node.New(node.Config{
		Keypair:       kp,
		Transport:     network.Transport(),
		ListenAddress: "ping:0",
		Handshake:     handshake.Config{Timeout: 5 * time.Second, Encryption: true},
		Logger:        logging.NopLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := Register(n, nil); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := n.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { n.Close() })
	return n
}

func TestPing(t *testing.T) {
	network := transport.NewMemNetwork()
	a := startNode(t, network)
	b := startNode(t, network)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := a.Connect(ctx, b.ListenAddr().String(), node.ConnectOptions{})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	for _, size := range []int{0, 1, 1500, MaxPayload} {
		res, err := Ping(ctx, a, id, size)
		if err != nil {
			t.Fatalf("Ping(%d) error = %v", size, err)
		}
		if res.Bytes != headerLen+size {
			t.Errorf("Ping(%d) bytes = %d", size, res.Bytes)
		}
		if res.RTT <= 0 || res.PeerID != id {
			t.Errorf("Ping(%d) = %+v", size, res)
		}
	}
}

func TestPing_Errors(t *testing.T) {
	network := transport.NewMemNetwork()
	a := startNode(t, network)

	ctx := context.Background()
	if _, err := Ping(ctx, a, identity.ZeroID, MaxPayload+1); err == nil {
		t.Error("oversized payload accepted")
	}
	if _, err := Ping(ctx, a, identity.ZeroID, 8); !errors.Is(err, node.ErrPeerNotConnected) {
		t.Errorf("Ping() to unknown peer error = %v", err)
	}
}
