package node

import (
	"context"
	"errors"

	"github.com/postalsys/p2p-node/internal/handshake"
	"github.com/postalsys/p2p-node/internal/mux"
	"github.com/postalsys/p2p-node/internal/peer"
	"github.com/postalsys/p2p-node/internal/protocol"
	"github.com/postalsys/p2p-node/internal/transport"
)

// Reason maps an error to a short label for metrics and logs.
func Reason(err error) string {
	if err == nil {
		return "normal"
	}

	var ga *mux.GoAwayError
	if errors.As(err, &ga) {
		prefix := "local_"
		if ga.Remote {
			prefix = "remote_"
		}
		return prefix + protocol.GoAwayCodeName(ga.Code)
	}

	switch {
	case errors.Is(err, peer.ErrDuplicateConnection):
		return "duplicate"
	case errors.Is(err, peer.ErrCapacityExceeded):
		return "capacity"
	case errors.Is(err, mux.ErrFrame):
		return "frame_error"
	case errors.Is(err, mux.ErrIdleTimeout):
		return "idle_timeout"
	case errors.Is(err, mux.ErrCancelled):
		return "local_close"
	case errors.Is(err, handshake.ErrVersionMismatch):
		return "version_mismatch"
	case errors.Is(err, handshake.ErrAuthenticationFailed):
		return "auth_failed"
	case errors.Is(err, handshake.ErrKeyExchangeFailed):
		return "key_exchange_failed"
	case errors.Is(err, handshake.ErrHandshakeTimeout):
		return "handshake_timeout"
	case errors.Is(err, handshake.ErrRejected):
		return "rejected"
	case errors.Is(err, handshake.ErrProtocol):
		return "protocol_error"
	case errors.Is(err, transport.ErrConnect):
		return "connect_failed"
	case errors.Is(err, transport.ErrIO):
		return "io_error"
	case errors.Is(err, mux.ErrPeerDisconnected):
		return "disconnected"
	case errors.Is(err, context.Canceled), errors.Is(err, ErrClosed):
		return "shutdown"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	return "error"
}

// shouldReconnect reports whether a session that ended with err should be
// redialed. Framing violations, duplicates, evictions and local closes
// are final.
func shouldReconnect(err error) bool {
	var ga *mux.GoAwayError
	if errors.As(err, &ga) {
		if !ga.Remote {
			return false
		}
		return ga.Code != protocol.GoAwayDuplicate && ga.Code != protocol.GoAwayProtocolError
	}

	switch {
	case errors.Is(err, mux.ErrFrame),
		errors.Is(err, peer.ErrDuplicateConnection),
		errors.Is(err, peer.ErrCapacityExceeded),
		errors.Is(err, mux.ErrCancelled),
		errors.Is(err, ErrClosed):
		return false
	}
	return true
}

// shouldRedial reports whether a failed dial or handshake is worth another
// attempt.
func shouldRedial(err error) bool {
	return !errors.Is(err, peer.ErrDuplicateConnection) &&
		!errors.Is(err, ErrClosed) &&
		!errors.Is(err, context.Canceled)
}
