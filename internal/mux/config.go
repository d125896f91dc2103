package mux

import (
	"log/slog"
	"time"

	"github.com/postalsys/p2p-node/internal/logging"
	"github.com/postalsys/p2p-node/internal/metrics"
)

const (
	// DefaultMaxStreams caps concurrently open streams per session.
	DefaultMaxStreams = 256

	// DefaultKeepaliveInterval is how often PING is sent.
	DefaultKeepaliveInterval = 15 * time.Second

	// DefaultIdleTimeout bounds the wait for the next frame.
	DefaultIdleTimeout = 45 * time.Second

	controlQueueSize   = 1024
	goAwayWriteTimeout = 250 * time.Millisecond

	// maxCredit is the largest send window a stream may accumulate.
	maxCredit = 1<<31 - 1
)

// Config configures a Session. The stream window and frame size limits come
// from the handshake.
type Config struct {
	// ID is the session correlation id. Empty generates a UUID.
	ID string

	// MaxStreams caps streams open at once in either direction. Inbound
	// streams beyond it are refused with RESET.
	MaxStreams int

	// KeepaliveInterval is the PING period. Negative disables keepalives.
	KeepaliveInterval time.Duration

	// IdleTimeout bounds each frame read. Negative disables it.
	IdleTimeout time.Duration

	// AcceptTag reports whether a protocol tag has a handler. Opening a
	// stream with an unknown tag is a framing violation. Nil accepts all.
	AcceptTag func(tag uint16) bool

	// OnStream is called from the read loop for every stream the peer
	// opens. It must not block. Without it inbound streams are refused.
	OnStream func(*Stream)

	// OnClose is called once when the session ends.
	OnClose func(s *Session, err error)

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.MaxStreams <= 0 {
		c.MaxStreams = DefaultMaxStreams
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.Logger == nil {
		c.Logger = logging.NopLogger()
	}
	return c
}
