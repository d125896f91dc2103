// Package ping implements the ping protocol: the client sends a timestamp
// and a payload, the server echoes both back and the client measures the
// round trip.
package ping

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/postalsys/p2p-node/internal/identity"
	"github.com/postalsys/p2p-node/internal/logging"
	"github.com/postalsys/p2p-node/internal/mux"
	"github.com/postalsys/p2p-node/internal/node"
)

const (
	// Tag is the protocol tag for ping streams.
	Tag uint16 = 1

	// Name is the registered protocol name.
	Name = "ping"

	// MaxPayload is the largest payload echoed by the server.
	MaxPayload = 64 * 1024

	headerLen = 8
)

// ErrMismatch is returned when the echo differs from what was sent.
var ErrMismatch = errors.New("ping: echo mismatch")

// Opener opens streams to connected peers. *node.Node implements it.
type Opener interface {
	OpenStream(ctx context.Context, id identity.PeerID, tag uint16) (*mux.Stream, error)
}

// Result is one completed ping.
type Result struct {
	PeerID identity.PeerID `json:"peer_id"`
	RTT    time.Duration   `json:"rtt_ns"`
	Bytes  int             `json:"bytes"`
}

// Handler echoes ping requests.
type Handler struct {
	logger *slog.Logger
}

// NewHandler creates a ping handler.
func NewHandler(logger *slog.Logger) *Handler {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Handler{logger: logging.Component(logger, Name)}
}

// Register binds the handler to n.
func Register(n *node.Node, logger *slog.Logger) error {
	return n.Register(Tag, Name, NewHandler(logger))
}

// HandleStream echoes everything the peer sends, up to the header and
// MaxPayload bytes.
func (h *Handler) HandleStream(ctx context.Context, peerID identity.PeerID, st *mux.Stream) {
	n, err := io.Copy(st, io.LimitReader(st, headerLen+MaxPayload))
	if err != nil {
		h.logger.Debug("ping echo failed",
			logging.KeyPeerID, peerID.ShortString(),
			logging.KeyStreamID, st.ID(),
			logging.KeyError, err)
		st.Reset()
		return
	}
	st.CloseWrite()
	h.logger.Debug("ping answered",
		logging.KeyPeerID, peerID.ShortString(),
		"bytes", n)
}

// Ping sends size random payload bytes to a peer and waits for the echo.
// ctx bounds the whole exchange.
func Ping(ctx context.Context, o Opener, id identity.PeerID, size int) (Result, error) {
	if size < 0 || size > MaxPayload {
		return Result{}, fmt.Errorf("ping: payload size %d out of range", size)
	}

	st, err := o.OpenStream(ctx, id, Tag)
	if err != nil {
		return Result{}, err
	}
	defer st.Close()

	if deadline, ok := ctx.Deadline(); ok {
		st.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { st.Reset() })
	defer stop()

	req := make([]byte, headerLen+size)
	if _, err := rand.Read(req[headerLen:]); err != nil {
		return Result{}, err
	}
	sent := time.Now()
	binary.BigEndian.PutUint64(req[:headerLen], uint64(sent.UnixNano()))

	if _, err := st.Write(req); err != nil {
		return Result{}, pingErr(ctx, err)
	}
	if err := st.CloseWrite(); err != nil {
		return Result{}, pingErr(ctx, err)
	}

	resp := make([]byte, len(req))
	if _, err := io.ReadFull(st, resp); err != nil {
		return Result{}, pingErr(ctx, err)
	}
	rtt := time.Since(sent)

	if !bytes.Equal(req, resp) {
		return Result{}, ErrMismatch
	}
	return Result{PeerID: id, RTT: rtt, Bytes: len(req)}, nil
}

func pingErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("ping: %w", err)
}
