// Package exchange implements a simple message protocol. Each message is a
// 4-byte big-endian length followed by that many bytes; the server answers
// every message with an 8-byte acknowledgement carrying its sequence number.
package exchange

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/postalsys/p2p-node/internal/identity"
	"github.com/postalsys/p2p-node/internal/logging"
	"github.com/postalsys/p2p-node/internal/mux"
	"github.com/postalsys/p2p-node/internal/node"
)

const (
	// Tag is the protocol tag for exchange streams.
	Tag uint16 = 2

	// Name is the registered protocol name.
	Name = "exchange"

	// MaxMessageSize bounds a single message.
	MaxMessageSize = 1 << 20

	lengthLen = 4
	ackLen    = 8
)

// ErrMessageTooLarge is returned for messages above MaxMessageSize.
var ErrMessageTooLarge = errors.New("exchange: message too large")

// Opener opens streams to connected peers. *node.Node implements it.
type Opener interface {
	OpenStream(ctx context.Context, id identity.PeerID, tag uint16) (*mux.Stream, error)
}

// Message is a message received by the server.
type Message struct {
	From     identity.PeerID
	Sequence uint64
	Data     []byte
}

// Handler receives messages and acknowledges them.
type Handler struct {
	logger    *slog.Logger
	onMessage func(Message)
	seq       atomic.Uint64
}

// NewHandler creates an exchange handler. onMessage, if set, is called for
// every message before it is acknowledged.
func NewHandler(logger *slog.Logger, onMessage func(Message)) *Handler {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Handler{
		logger:    logging.Component(logger, Name),
		onMessage: onMessage,
	}
}

// Register binds a handler to n.
func Register(n *node.Node, logger *slog.Logger, onMessage func(Message)) error {
	return n.Register(Tag, Name, NewHandler(logger, onMessage))
}

// Received returns the number of messages acknowledged so far.
func (h *Handler) Received() uint64 {
	return h.seq.Load()
}

// HandleStream reads messages until the peer closes its side.
func (h *Handler) HandleStream(ctx context.Context, peerID identity.PeerID, st *mux.Stream) {
	for {
		data, err := ReadMessage(st)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				h.logger.Debug("exchange read failed",
					logging.KeyPeerID, peerID.ShortString(),
					logging.KeyStreamID, st.ID(),
					logging.KeyError, err)
				st.Reset()
			}
			return
		}

		seq := h.seq.Add(1)
		h.logger.Info("message received",
			logging.KeyPeerID, peerID.ShortString(),
			"seq", seq,
			"bytes", len(data))
		if h.onMessage != nil {
			h.onMessage(Message{From: peerID, Sequence: seq, Data: data})
		}

		var ack [ackLen]byte
		binary.BigEndian.PutUint64(ack[:], seq)
		if _, err := st.Write(ack[:]); err != nil {
			h.logger.Debug("exchange ack failed",
				logging.KeyPeerID, peerID.ShortString(),
				logging.KeyError, err)
			return
		}
	}
}

// WriteMessage writes one length-prefixed message.
func WriteMessage(w io.Writer, data []byte) error {
	if len(data) > MaxMessageSize {
		return ErrMessageTooLarge
	}
	buf := make([]byte, lengthLen+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[lengthLen:], data)
	_, err := w.Write(buf)
	return err
}

// ReadMessage reads one length-prefixed message. A clean end of stream
// before the length prefix returns io.EOF.
func ReadMessage(r io.Reader) ([]byte, error) {
	var hdr [lengthLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("exchange: truncated length: %w", err)
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("exchange: truncated message: %w", err)
	}
	return data, nil
}

// Conn is a client stream carrying several messages.
type Conn struct {
	st *mux.Stream
}

// Dial opens an exchange stream to a peer.
func Dial(ctx context.Context, o Opener, id identity.PeerID) (*Conn, error) {
	st, err := o.OpenStream(ctx, id, Tag)
	if err != nil {
		return nil, err
	}
	return &Conn{st: st}, nil
}

// Send writes a message and waits for its acknowledgement.
func (c *Conn) Send(ctx context.Context, msg []byte) (uint64, error) {
	stop := context.AfterFunc(ctx, func() { c.st.Reset() })
	defer stop()

	if err := WriteMessage(c.st, msg); err != nil {
		return 0, sendErr(ctx, err)
	}
	var ack [ackLen]byte
	if _, err := io.ReadFull(c.st, ack[:]); err != nil {
		return 0, sendErr(ctx, err)
	}
	return binary.BigEndian.Uint64(ack[:]), nil
}

// Close ends the stream.
func (c *Conn) Close() error {
	return c.st.Close()
}

// Send delivers one message on a fresh stream and returns the sequence
// number the peer assigned to it.
func Send(ctx context.Context, o Opener, id identity.PeerID, msg []byte) (uint64, error) {
	if len(msg) > MaxMessageSize {
		return 0, ErrMessageTooLarge
	}
	c, err := Dial(ctx, o, id)
	if err != nil {
		return 0, err
	}
	defer c.Close()
	return c.Send(ctx, msg)
}

func sendErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, ErrMessageTooLarge) {
		return err
	}
	return fmt.Errorf("exchange: %w", err)
}
