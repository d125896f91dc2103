package protocol

import (
	"encoding/binary"
	"fmt"
)

// HelloFixedSize is the size of a Hello payload without the agent string.
const HelloFixedSize = 2 + 2 + 4 + 4 + 4 + 32 + 32 + 32 + 8 + 1

// Hello is the payload of HELLO frames.
type Hello struct {
	MinVersion      uint16
	MaxVersion      uint16
	Capabilities    uint32
	StreamWindow    uint32
	MaxFramePayload uint32
	PublicKey       [32]byte // Ed25519 identity key
	EphemeralKey    [32]byte // X25519 key for this handshake
	Nonce           [32]byte
	Timestamp       int64 // Unix milliseconds
	Agent           string
}

// Encode serializes Hello to bytes.
func (h *Hello) Encode() []byte {
	agent := h.Agent
	if len(agent) > 255 {
		agent = agent[:255]
	}

	buf := make([]byte, HelloFixedSize+len(agent))
	offset := 0

	binary.BigEndian.PutUint16(buf[offset:], h.MinVersion)
	offset += 2
	binary.BigEndian.PutUint16(buf[offset:], h.MaxVersion)
	offset += 2
	binary.BigEndian.PutUint32(buf[offset:], h.Capabilities)
	offset += 4
	binary.BigEndian.PutUint32(buf[offset:], h.StreamWindow)
	offset += 4
	binary.BigEndian.PutUint32(buf[offset:], h.MaxFramePayload)
	offset += 4

	copy(buf[offset:], h.PublicKey[:])
	offset += 32
	copy(buf[offset:], h.EphemeralKey[:])
	offset += 32
	copy(buf[offset:], h.Nonce[:])
	offset += 32

	binary.BigEndian.PutUint64(buf[offset:], uint64(h.Timestamp))
	offset += 8

	buf[offset] = uint8(len(agent))
	offset++
	copy(buf[offset:], agent)

	return buf
}

// DecodeHello deserializes Hello from bytes.
func DecodeHello(buf []byte) (*Hello, error) {
	if len(buf) < HelloFixedSize {
		return nil, fmt.Errorf("%w: Hello too short", ErrInvalidFrame)
	}

	h := &Hello{}
	offset := 0

	h.MinVersion = binary.BigEndian.Uint16(buf[offset:])
	offset += 2
	h.MaxVersion = binary.BigEndian.Uint16(buf[offset:])
	offset += 2
	h.Capabilities = binary.BigEndian.Uint32(buf[offset:])
	offset += 4
	h.StreamWindow = binary.BigEndian.Uint32(buf[offset:])
	offset += 4
	h.MaxFramePayload = binary.BigEndian.Uint32(buf[offset:])
	offset += 4

	copy(h.PublicKey[:], buf[offset:offset+32])
	offset += 32
	copy(h.EphemeralKey[:], buf[offset:offset+32])
	offset += 32
	copy(h.Nonce[:], buf[offset:offset+32])
	offset += 32

	h.Timestamp = int64(binary.BigEndian.Uint64(buf[offset:]))
	offset += 8

	agentLen := int(buf[offset])
	offset++
	if offset+agentLen > len(buf) {
		return nil, fmt.Errorf("%w: Hello agent truncated", ErrInvalidFrame)
	}
	h.Agent = string(buf[offset : offset+agentLen])

	return h, nil
}

// HasCapability reports whether all bits of c are advertised.
func (h *Hello) HasCapability(c uint32) bool {
	return h.Capabilities&c == c
}

// Auth is the payload of AUTH frames.
type Auth struct {
	Signature [64]byte
}

// Encode serializes Auth to bytes.
func (a *Auth) Encode() []byte {
	buf := make([]byte, 64)
	copy(buf, a.Signature[:])
	return buf
}

// DecodeAuth deserializes Auth from bytes.
func DecodeAuth(buf []byte) (*Auth, error) {
	if len(buf) != 64 {
		return nil, fmt.Errorf("%w: Auth must be 64 bytes, got %d", ErrInvalidFrame, len(buf))
	}
	a := &Auth{}
	copy(a.Signature[:], buf)
	return a, nil
}

// Reject is the payload of REJECT frames.
type Reject struct {
	Code   uint16
	Reason string
}

// Encode serializes Reject to bytes.
func (r *Reject) Encode() []byte {
	return encodeCodeMessage(r.Code, r.Reason)
}

// DecodeReject deserializes Reject from bytes.
func DecodeReject(buf []byte) (*Reject, error) {
	code, msg, err := decodeCodeMessage(buf, "Reject")
	if err != nil {
		return nil, err
	}
	return &Reject{Code: code, Reason: msg}, nil
}

// GoAway is the payload of GOAWAY frames.
type GoAway struct {
	Code    uint16
	Message string
}

// Encode serializes GoAway to bytes.
func (g *GoAway) Encode() []byte {
	return encodeCodeMessage(g.Code, g.Message)
}

// DecodeGoAway deserializes GoAway from bytes.
func DecodeGoAway(buf []byte) (*GoAway, error) {
	code, msg, err := decodeCodeMessage(buf, "GoAway")
	if err != nil {
		return nil, err
	}
	return &GoAway{Code: code, Message: msg}, nil
}

// WindowUpdate is the payload of WINDOW_UPDATE frames.
type WindowUpdate struct {
	Delta uint32
}

// Encode serializes WindowUpdate to bytes.
func (w *WindowUpdate) Encode() []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, w.Delta)
	return buf
}

// DecodeWindowUpdate deserializes WindowUpdate from bytes.
func DecodeWindowUpdate(buf []byte) (*WindowUpdate, error) {
	if len(buf) != 4 {
		return nil, fmt.Errorf("%w: WindowUpdate must be 4 bytes", ErrInvalidFrame)
	}
	return &WindowUpdate{Delta: binary.BigEndian.Uint32(buf)}, nil
}

// StreamReset is the payload of RESET frames.
type StreamReset struct {
	ErrorCode uint16
}

// Encode serializes StreamReset to bytes.
func (s *StreamReset) Encode() []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, s.ErrorCode)
	return buf
}

// DecodeStreamReset deserializes StreamReset from bytes. An empty payload
// is accepted as ResetCancel.
func DecodeStreamReset(buf []byte) (*StreamReset, error) {
	if len(buf) == 0 {
		return &StreamReset{ErrorCode: ResetCancel}, nil
	}
	if len(buf) < 2 {
		return nil, fmt.Errorf("%w: StreamReset too short", ErrInvalidFrame)
	}
	return &StreamReset{ErrorCode: binary.BigEndian.Uint16(buf)}, nil
}

// Ping is the payload of PING and PONG frames.
type Ping struct {
	Timestamp int64 // Unix nanoseconds
}

// Encode serializes Ping to bytes.
func (p *Ping) Encode() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(p.Timestamp))
	return buf
}

// DecodePing deserializes Ping from bytes.
func DecodePing(buf []byte) (*Ping, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("%w: Ping too short", ErrInvalidFrame)
	}
	return &Ping{Timestamp: int64(binary.BigEndian.Uint64(buf))}, nil
}

func encodeCodeMessage(code uint16, msg string) []byte {
	if len(msg) > MaxReasonLength {
		msg = msg[:MaxReasonLength]
	}
	buf := make([]byte, 4+len(msg))
	binary.BigEndian.PutUint16(buf[0:2], code)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(msg)))
	copy(buf[4:], msg)
	return buf
}

func decodeCodeMessage(buf []byte, name string) (uint16, string, error) {
	if len(buf) < 4 {
		return 0, "", fmt.Errorf("%w: %s too short", ErrInvalidFrame, name)
	}
	code := binary.BigEndian.Uint16(buf[0:2])
	msgLen := int(binary.BigEndian.Uint16(buf[2:4]))
	if 4+msgLen > len(buf) {
		return 0, "", fmt.Errorf("%w: %s message truncated", ErrInvalidFrame, name)
	}
	return code, string(buf[4 : 4+msgLen]), nil
}
