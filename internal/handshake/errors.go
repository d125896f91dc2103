package handshake

import (
	"errors"
	"fmt"
)

var (
	// ErrVersionMismatch is returned when the two sides share no protocol version.
	ErrVersionMismatch = errors.New("protocol version mismatch")

	// ErrAuthenticationFailed is returned when the peer's identity cannot be
	// verified: bad signature, unexpected identity, self-connection or a
	// stale hello.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrKeyExchangeFailed is returned when session keys cannot be derived.
	ErrKeyExchangeFailed = errors.New("key exchange failed")

	// ErrHandshakeTimeout is returned when the handshake does not complete
	// within its deadline.
	ErrHandshakeTimeout = errors.New("handshake timeout")

	// ErrProtocol is returned for malformed or unexpected handshake frames.
	ErrProtocol = errors.New("handshake protocol violation")

	// ErrRejected is returned when the peer sent REJECT. It is wrapped
	// together with the error matching the peer's reason.
	ErrRejected = errors.New("rejected by peer")

	// ErrReleased is returned by Established.Release after the connection
	// was already handed off.
	ErrReleased = errors.New("connection already released")
)

// Error reports a failed handshake and the state it failed in.
type Error struct {
	State State
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("handshake failed in state %s: %v", e.State, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
