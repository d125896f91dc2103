package mux

import (
	"errors"
	"fmt"

	"github.com/postalsys/p2p-node/internal/protocol"
)

var (
	// ErrFrame matches every *FrameError.
	ErrFrame = errors.New("frame error")

	// ErrPeerDisconnected is the error open streams observe when their
	// session ends, whatever the cause.
	ErrPeerDisconnected = errors.New("peer disconnected")

	// ErrCancelled is returned when the session was closed locally.
	ErrCancelled = errors.New("session cancelled")

	// ErrIdleTimeout is returned when no frame arrived within the idle timeout.
	ErrIdleTimeout = errors.New("session idle timeout")

	// ErrStreamReset is returned by stream operations after a reset.
	ErrStreamReset = errors.New("stream reset")

	// ErrStreamClosed is returned when reading a stream closed locally.
	ErrStreamClosed = errors.New("stream closed")

	// ErrWriteClosed is returned when writing after CloseWrite.
	ErrWriteClosed = errors.New("stream closed for writing")

	// ErrStreamLimit is returned by OpenStream when the session already
	// carries the maximum number of streams.
	ErrStreamLimit = errors.New("too many open streams")

	// ErrSessionClosed is returned when operating on a finished session.
	ErrSessionClosed = errors.New("session closed")
)

// FrameError is a framing violation by the peer. It tears down the whole
// session.
type FrameError struct {
	// Reason is a short machine-friendly label.
	Reason    string
	FrameType uint8
	StreamID  uint64
	Detail    string
}

func (e *FrameError) Error() string {
	msg := fmt.Sprintf("frame error: %s (%s on stream %d)", e.Reason, protocol.FrameTypeName(e.FrameType), e.StreamID)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Is makes FrameError match ErrFrame.
func (e *FrameError) Is(target error) bool {
	return target == ErrFrame
}

func frameError(reason string, f *protocol.Frame, detail string) *FrameError {
	fe := &FrameError{Reason: reason, Detail: detail}
	if f != nil {
		fe.FrameType = f.Type
		fe.StreamID = f.StreamID
	}
	return fe
}

// GoAwayError records a GOAWAY that ended the session.
type GoAwayError struct {
	Code    uint16
	Message string

	// Remote is true when the peer sent the GOAWAY.
	Remote bool
}

func (e *GoAwayError) Error() string {
	side := "sent"
	if e.Remote {
		side = "received"
	}
	if e.Message == "" {
		return fmt.Sprintf("goaway %s: %s", side, protocol.GoAwayCodeName(e.Code))
	}
	return fmt.Sprintf("goaway %s: %s: %s", side, protocol.GoAwayCodeName(e.Code), e.Message)
}

// Is makes a GOAWAY from the peer match ErrPeerDisconnected.
func (e *GoAwayError) Is(target error) bool {
	return e.Remote && target == ErrPeerDisconnected
}

// ResetError is the error of a stream ended by RESET.
type ResetError struct {
	Code   uint16
	Remote bool
}

func (e *ResetError) Error() string {
	side := "locally"
	if e.Remote {
		side = "by peer"
	}
	return fmt.Sprintf("stream reset %s: %s", side, resetCodeName(e.Code))
}

// Is makes ResetError match ErrStreamReset.
func (e *ResetError) Is(target error) bool {
	return target == ErrStreamReset
}

func resetCodeName(code uint16) string {
	switch code {
	case protocol.ResetCancel:
		return "cancel"
	case protocol.ResetRefused:
		return "refused"
	case protocol.ResetUnknownTag:
		return "unknown_tag"
	case protocol.ResetInternal:
		return "internal"
	default:
		return fmt.Sprintf("code_%d", code)
	}
}

// disconnected wraps cause so that it matches ErrPeerDisconnected.
func disconnected(cause error) error {
	if errors.Is(cause, ErrPeerDisconnected) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrPeerDisconnected, cause)
}
