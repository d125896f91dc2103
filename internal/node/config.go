package node

import (
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/postalsys/p2p-node/internal/config"
	"github.com/postalsys/p2p-node/internal/handshake"
	"github.com/postalsys/p2p-node/internal/identity"
	"github.com/postalsys/p2p-node/internal/metrics"
	"github.com/postalsys/p2p-node/internal/mux"
	"github.com/postalsys/p2p-node/internal/peer"
	"github.com/postalsys/p2p-node/internal/transport"
)

// DefaultAgent identifies this software in HELLO.
const DefaultAgent = "p2p-node/1"

// FromConfig builds a node Config from a validated file configuration. It
// creates the listener transport and loads TLS material.
func FromConfig(c *config.Config, kp *identity.Keypair, logger *slog.Logger, m *metrics.Metrics) (Config, error) {
	tr, err := transport.New(transport.TransportType(c.Listen.Transport))
	if err != nil {
		return Config{}, err
	}

	lopts := transport.ListenOptions{
		Path:       c.Listen.Path,
		MaxInbound: c.Listen.MaxInbound,
	}
	if c.Listen.TLS.Cert != "" {
		tlsCfg, err := transport.LoadTLSConfig(c.Listen.TLS.Cert, c.Listen.TLS.Key)
		if err != nil {
			tr.Close()
			return Config{}, fmt.Errorf("listen tls: %w", err)
		}
		lopts.TLSConfig = tlsCfg
	}

	dopts := transport.DialOptions{
		Timeout:            c.Dial.Timeout,
		InsecureSkipVerify: c.Dial.InsecureSkipVerify,
		Path:               c.Listen.Path,
	}
	if c.Dial.CA != "" {
		tlsCfg, err := transport.LoadClientTLSConfig(c.Dial.CA, c.Dial.InsecureSkipVerify)
		if err != nil {
			tr.Close()
			return Config{}, fmt.Errorf("dial tls: %w", err)
		}
		dopts.TLSConfig = tlsCfg
	}

	bootstrap := make([]Bootstrap, 0, len(c.Bootstrap))
	for _, b := range c.Bootstrap {
		bootstrap = append(bootstrap, Bootstrap{
			Address:    b.Address,
			ExpectedID: b.ExpectedID(),
			Transport:  transport.TransportType(b.Transport),
			Path:       b.Path,
			Persistent: b.Persistent,
		})
	}

	maxPeers := c.Peers.MaxPeers
	if maxPeers == 0 {
		maxPeers = -1
	}

	agent := c.Node.Agent
	if agent == "" {
		agent = DefaultAgent
	}

	return Config{
		Keypair:       kp,
		Transport:     tr,
		ListenAddress: c.Listen.Address,
		ListenOptions: lopts,
		DialOptions:   dopts,
		Bootstrap:     bootstrap,
		Handshake: handshake.Config{
			Timeout:         c.Handshake.Timeout,
			Encryption:      c.Handshake.Encryption,
			StreamWindow:    uint32(c.Mux.StreamWindow),
			MaxFramePayload: uint32(c.Mux.MaxFramePayload),
			MaxClockSkew:    c.Handshake.MaxClockSkew,
			Agent:           agent,
		},
		Mux: mux.Config{
			MaxStreams:        c.Mux.MaxStreams,
			KeepaliveInterval: c.Mux.KeepaliveInterval,
			IdleTimeout:       c.Mux.IdleTimeout,
		},
		MaxPeers:      maxPeers,
		PeerRetention: c.Peers.Retention,
		Reconnect: peer.ReconnectConfig{
			InitialDelay: c.Reconnect.InitialDelay,
			MaxDelay:     c.Reconnect.MaxDelay,
			Multiplier:   c.Reconnect.Multiplier,
			Jitter:       c.Reconnect.Jitter,
			MaxRetries:   c.Reconnect.MaxRetries,
		},
		AcceptRate:  rate.Limit(c.Listen.AcceptRate),
		AcceptBurst: c.Listen.AcceptBurst,
		Logger:      logger,
		Metrics:     m,
	}, nil
}
