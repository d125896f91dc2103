// Package handshake turns a raw transport connection into an authenticated
// session. It negotiates the protocol version, verifies the peer's Ed25519
// identity over the handshake transcript and optionally derives per-direction
// session keys.
package handshake

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/postalsys/p2p-node/internal/crypto"
	"github.com/postalsys/p2p-node/internal/identity"
	"github.com/postalsys/p2p-node/internal/logging"
	"github.com/postalsys/p2p-node/internal/protocol"
	"github.com/postalsys/p2p-node/internal/transport"
)

const (
	// DefaultTimeout bounds a whole handshake.
	DefaultTimeout = 10 * time.Second

	// DefaultStreamWindow is the per-stream receive window advertised in HELLO.
	DefaultStreamWindow = 256 * 1024

	transcriptLabel    = "p2p-node handshake v1"
	roleDialer         = byte('D')
	roleListener       = byte('L')
	handshakeMaxFrame  = 2048
	rejectWriteTimeout = 250 * time.Millisecond
)

// Config configures an Engine.
type Config struct {
	// Keypair is the node's long-term identity key.
	Keypair *identity.Keypair

	// Timeout bounds the whole handshake.
	Timeout time.Duration

	// MinVersion and MaxVersion bound the protocol versions offered.
	MinVersion uint16
	MaxVersion uint16

	// Encryption offers the AEAD record layer. It is used only when both
	// sides offer it.
	Encryption bool

	// StreamWindow is the per-stream receive window this node advertises.
	StreamWindow uint32

	// MaxFramePayload is the largest frame payload this node accepts.
	MaxFramePayload uint32

	// MaxClockSkew rejects peers whose HELLO timestamp differs from the local
	// clock by more than this. Zero disables the check.
	MaxClockSkew time.Duration

	// Agent is a free-form software identifier sent to peers.
	Agent string

	Logger *slog.Logger
}

// Engine runs handshakes. It is safe for concurrent use; each Run drives
// one connection.
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

// NewEngine creates a handshake engine, applying defaults for zero fields.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Keypair == nil {
		return nil, errors.New("handshake: keypair required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = protocol.MinProtocolVersion
	}
	if cfg.MaxVersion == 0 {
		cfg.MaxVersion = protocol.ProtocolVersion
	}
	if cfg.MinVersion > cfg.MaxVersion {
		return nil, fmt.Errorf("handshake: min version %d above max version %d", cfg.MinVersion, cfg.MaxVersion)
	}
	if cfg.StreamWindow == 0 {
		cfg.StreamWindow = DefaultStreamWindow
	}
	if cfg.MaxFramePayload == 0 {
		cfg.MaxFramePayload = protocol.DefaultMaxPayloadSize
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}

	return &Engine{
		cfg:    cfg,
		logger: logging.Component(cfg.Logger, "handshake"),
	}, nil
}

// LocalID returns the identity this engine authenticates as.
func (e *Engine) LocalID() identity.PeerID {
	return e.cfg.Keypair.ID()
}

// Negotiate picks the highest version both ranges contain.
func Negotiate(localMin, localMax, remoteMin, remoteMax uint16) (uint16, error) {
	version := min(localMax, remoteMax)
	floor := max(localMin, remoteMin)
	if version < floor {
		return 0, fmt.Errorf("%w: local %d-%d, remote %d-%d",
			ErrVersionMismatch, localMin, localMax, remoteMin, remoteMax)
	}
	return version, nil
}

// Run performs the handshake on conn. The dialer side writes first. expected
// pins the remote identity; the zero PeerID accepts any identity.
//
// On success the returned Established owns conn. On failure conn is closed
// and the error is a *Error carrying the state the handshake failed in.
func (e *Engine) Run(ctx context.Context, conn transport.Conn, expected identity.PeerID) (*Established, error) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	deadline, _ := ctx.Deadline()
	conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	r := &run{
		engine:   e,
		conn:     conn,
		isDialer: conn.IsDialer(),
		expected: expected,
		reader:   protocol.NewFrameReader(conn, handshakeMaxFrame),
		writer:   protocol.NewFrameWriter(conn),
		state:    StateInit,
	}

	est, err := r.execute()
	if stopped := stop(); err == nil && !stopped {
		err = ctx.Err()
	}
	if err != nil {
		err = classify(ctx, err)
		conn.Close()
		e.logger.Debug("handshake failed",
			logging.KeyRemoteAddr, addrString(conn.RemoteAddr()),
			logging.KeyDirection, direction(r.isDialer),
			logging.KeyState, r.state.String(),
			logging.KeyError, err)
		return nil, &Error{State: r.state, Err: err}
	}

	if err := est.conn.SetDeadline(time.Time{}); err != nil {
		est.conn.Close()
		return nil, &Error{State: r.state, Err: fmt.Errorf("%w: clear deadline: %v", transport.ErrIO, err)}
	}
	est.Duration = time.Since(start)

	e.logger.Debug("handshake complete",
		logging.KeyPeerID, est.PeerID.ShortString(),
		logging.KeyRemoteAddr, addrString(est.RemoteAddr),
		logging.KeyDirection, direction(est.IsDialer),
		logging.KeyVersion, est.Version,
		"encrypted", est.Encrypted,
		logging.KeyDuration, est.Duration)

	return est, nil
}

// classify maps deadline and cancellation failures onto the handshake's
// error vocabulary.
func classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("handshake cancelled: %w", ctx.Err())
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
	}
	return err
}

// run holds the state of one handshake.
type run struct {
	engine   *Engine
	conn     transport.Conn
	isDialer bool
	expected identity.PeerID
	reader   *protocol.FrameReader
	writer   *protocol.FrameWriter
	state    State
}

func (r *run) execute() (*Established, error) {
	cfg := r.engine.cfg

	ephPriv, ephPub, err := crypto.GenerateEphemeralKeypair()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyExchangeFailed, err)
	}
	defer crypto.ZeroKey(&ephPriv)

	local := &protocol.Hello{
		MinVersion:      cfg.MinVersion,
		MaxVersion:      cfg.MaxVersion,
		StreamWindow:    cfg.StreamWindow,
		MaxFramePayload: cfg.MaxFramePayload,
		EphemeralKey:    ephPub,
		Timestamp:       time.Now().UnixMilli(),
		Agent:           cfg.Agent,
	}
	if cfg.Encryption {
		local.Capabilities |= protocol.CapEncryption
	}
	copy(local.PublicKey[:], cfg.Keypair.PublicKey)
	if err := crypto.RandomBytes(local.Nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	localBytes := local.Encode()

	// HELLO exchange and version negotiation
	var remote *protocol.Hello
	var remoteBytes []byte
	var version uint16
	if r.isDialer {
		if err := r.send(protocol.FrameHello, localBytes); err != nil {
			return nil, err
		}
		if remote, remoteBytes, err = r.readHello(); err != nil {
			return nil, err
		}
		if version, err = r.negotiate(remote); err != nil {
			return nil, err
		}
		r.state = StateVersionExchanged
		if err := r.checkIdentity(remote); err != nil {
			return nil, err
		}
	} else {
		if remote, remoteBytes, err = r.readHello(); err != nil {
			return nil, err
		}
		if version, err = r.negotiate(remote); err != nil {
			return nil, err
		}
		r.state = StateVersionExchanged
		if err := r.checkIdentity(remote); err != nil {
			return nil, err
		}
		if err := r.send(protocol.FrameHello, localBytes); err != nil {
			return nil, err
		}
	}

	var dialerHello, listenerHello []byte
	dialedAt := time.UnixMilli(remote.Timestamp)
	if r.isDialer {
		dialerHello, listenerHello = localBytes, remoteBytes
		dialedAt = time.UnixMilli(local.Timestamp)
	} else {
		dialerHello, listenerHello = remoteBytes, localBytes
	}
	th := newTranscript(dialerHello, listenerHello)

	remotePub := ed25519.PublicKey(append([]byte(nil), remote.PublicKey[:]...))
	caps := local.Capabilities & remote.Capabilities
	encrypted := caps&protocol.CapEncryption != 0

	var send, recv *crypto.SessionKey
	derive := func() error {
		if !encrypted {
			return nil
		}
		send, recv, err = deriveKeys(ephPriv, remote.EphemeralKey, th, r.isDialer)
		if err != nil {
			r.reject(protocol.RejectKeys, err)
			return err
		}
		r.state = StateSessionKeysDerived
		return nil
	}

	// AUTH exchange; the dialer proves its identity first
	if r.isDialer {
		sig := cfg.Keypair.Sign(th.authMessage(roleDialer))
		if err := r.send(protocol.FrameAuth, sig); err != nil {
			return nil, err
		}
		if err := r.readAuth(remotePub, th.authMessage(roleListener)); err != nil {
			return nil, err
		}
		r.state = StateIdentityVerified
		if err := derive(); err != nil {
			return nil, err
		}
	} else {
		if err := r.readAuth(remotePub, th.authMessage(roleDialer)); err != nil {
			return nil, err
		}
		r.state = StateIdentityVerified
		if err := derive(); err != nil {
			return nil, err
		}
		sig := cfg.Keypair.Sign(th.authMessage(roleListener))
		if err := r.send(protocol.FrameAuth, sig); err != nil {
			return nil, err
		}
	}

	conn := r.conn
	if encrypted {
		conn = newSecureConn(r.conn, send, recv, int(cfg.MaxFramePayload))
	}
	r.state = StateEstablished

	return &Established{
		PeerID:                identity.PeerIDFromPublicKey(remotePub),
		PublicKey:             remotePub,
		Version:               version,
		Capabilities:          caps,
		RemoteWindow:          remote.StreamWindow,
		RemoteMaxFramePayload: remote.MaxFramePayload,
		LocalWindow:           cfg.StreamWindow,
		LocalMaxFramePayload:  cfg.MaxFramePayload,
		Encrypted:             encrypted,
		IsDialer:              r.isDialer,
		Transport:             r.conn.TransportType(),
		LocalAddr:             r.conn.LocalAddr(),
		RemoteAddr:            r.conn.RemoteAddr(),
		Agent:                 remote.Agent,
		DialedAt:              dialedAt,
		Transcript:            th.hash(),
		conn:                  conn,
	}, nil
}

func (r *run) send(frameType uint8, payload []byte) error {
	if err := r.writer.WriteFrame(frameType, 0, 0, protocol.ControlStreamID, payload); err != nil {
		return fmt.Errorf("%w: send %s: %w", transport.ErrIO, protocol.FrameTypeName(frameType), err)
	}
	return nil
}

// reject tells the peer why the handshake is being abandoned. It is best
// effort and bounded by a short write deadline.
func (r *run) reject(code uint16, cause error) {
	r.conn.SetWriteDeadline(time.Now().Add(rejectWriteTimeout))
	payload := (&protocol.Reject{Code: code, Reason: cause.Error()}).Encode()
	r.writer.WriteFrame(protocol.FrameReject, 0, 0, protocol.ControlStreamID, payload)
}

// readFrame reads the next handshake frame, converting a REJECT into the
// matching error.
func (r *run) readFrame(want uint8) (*protocol.Frame, error) {
	f, err := r.reader.Read()
	if err != nil {
		if errors.Is(err, protocol.ErrFrameTooLarge) {
			return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		return nil, fmt.Errorf("%w: read %s: %w", transport.ErrIO, protocol.FrameTypeName(want), err)
	}

	if f.Type == protocol.FrameReject {
		rej, err := protocol.DecodeReject(f.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		return nil, fmt.Errorf("%w: %w: %s", ErrRejected, rejectError(rej.Code), rej.Reason)
	}
	if f.Type != want || f.StreamID != protocol.ControlStreamID {
		return nil, fmt.Errorf("%w: expected %s, got %s on stream %d",
			ErrProtocol, protocol.FrameTypeName(want), protocol.FrameTypeName(f.Type), f.StreamID)
	}
	return f, nil
}

func (r *run) readHello() (*protocol.Hello, []byte, error) {
	f, err := r.readFrame(protocol.FrameHello)
	if err != nil {
		return nil, nil, err
	}
	h, err := protocol.DecodeHello(f.Payload)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if h.MinVersion > h.MaxVersion {
		return nil, nil, fmt.Errorf("%w: version range %d-%d", ErrProtocol, h.MinVersion, h.MaxVersion)
	}
	if h.StreamWindow == 0 || h.MaxFramePayload < protocol.MinPayloadSize {
		return nil, nil, fmt.Errorf("%w: window %d, max frame payload %d", ErrProtocol, h.StreamWindow, h.MaxFramePayload)
	}
	return h, f.Payload, nil
}

func (r *run) negotiate(remote *protocol.Hello) (uint16, error) {
	cfg := r.engine.cfg
	version, err := Negotiate(cfg.MinVersion, cfg.MaxVersion, remote.MinVersion, remote.MaxVersion)
	if err != nil {
		r.reject(protocol.RejectVersion, err)
		return 0, err
	}
	return version, nil
}

func (r *run) checkIdentity(remote *protocol.Hello) error {
	remoteID := identity.PeerIDFromPublicKey(remote.PublicKey[:])

	var err error
	switch {
	case remoteID == r.engine.LocalID():
		err = fmt.Errorf("%w: connection to self", ErrAuthenticationFailed)
	case !r.expected.IsZero() && remoteID != r.expected:
		err = fmt.Errorf("%w: expected peer %s, got %s", ErrAuthenticationFailed, r.expected.ShortString(), remoteID.ShortString())
	case r.engine.cfg.MaxClockSkew > 0:
		skew := time.Since(time.UnixMilli(remote.Timestamp)).Abs()
		if skew > r.engine.cfg.MaxClockSkew {
			err = fmt.Errorf("%w: hello timestamp off by %s", ErrAuthenticationFailed, skew.Round(time.Millisecond))
		}
	}
	if err != nil {
		r.reject(protocol.RejectAuth, err)
	}
	return err
}

func (r *run) readAuth(remotePub ed25519.PublicKey, msg []byte) error {
	f, err := r.readFrame(protocol.FrameAuth)
	if err != nil {
		return err
	}
	auth, err := protocol.DecodeAuth(f.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if !crypto.Verify(remotePub, msg, auth.Signature[:]) {
		err := fmt.Errorf("%w: invalid transcript signature", ErrAuthenticationFailed)
		r.reject(protocol.RejectAuth, err)
		return err
	}
	return nil
}

func deriveKeys(ephPriv, remoteEph [crypto.KeySize]byte, th transcript, isDialer bool) (send, recv *crypto.SessionKey, err error) {
	shared, err := crypto.ComputeECDH(ephPriv, remoteEph)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrKeyExchangeFailed, err)
	}
	defer crypto.ZeroKey(&shared)

	hash := th.hash()
	send, recv, err = crypto.DeriveSessionKeys(shared, hash[:], isDialer)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrKeyExchangeFailed, err)
	}
	return send, recv, nil
}

func rejectError(code uint16) error {
	switch code {
	case protocol.RejectVersion:
		return ErrVersionMismatch
	case protocol.RejectAuth:
		return ErrAuthenticationFailed
	case protocol.RejectKeys:
		return ErrKeyExchangeFailed
	default:
		return ErrProtocol
	}
}

// transcript binds both HELLO payloads.
type transcript struct {
	dialer   [32]byte
	listener [32]byte
}

func newTranscript(dialerHello, listenerHello []byte) transcript {
	return transcript{
		dialer:   sha256.Sum256(dialerHello),
		listener: sha256.Sum256(listenerHello),
	}
}

// authMessage is the byte string signed in AUTH:
// label || role || sha256(dialer HELLO) || sha256(listener HELLO)
func (t transcript) authMessage(role byte) []byte {
	msg := make([]byte, 0, len(transcriptLabel)+1+64)
	msg = append(msg, transcriptLabel...)
	msg = append(msg, role)
	msg = append(msg, t.dialer[:]...)
	msg = append(msg, t.listener[:]...)
	return msg
}

func (t transcript) hash() [32]byte {
	h := sha256.New()
	h.Write([]byte(transcriptLabel))
	h.Write(t.dialer[:])
	h.Write(t.listener[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func direction(isDialer bool) string {
	if isDialer {
		return "outbound"
	}
	return "inbound"
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
