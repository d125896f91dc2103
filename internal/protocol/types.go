// Package protocol defines the wire format spoken between p2p nodes.
package protocol

// Frame type constants
const (
	// Multiplexer frames
	FrameData         uint8 = 0x01 // Stream payload
	FrameOpen         uint8 = 0x02 // Explicit stream open
	FrameWindowUpdate uint8 = 0x03 // Return receive credit
	FrameFin          uint8 = 0x04 // Sender done writing
	FrameReset        uint8 = 0x05 // Abort stream

	// Session control frames
	FramePing   uint8 = 0x10 // Liveness probe
	FramePong   uint8 = 0x11 // Liveness response
	FrameGoAway uint8 = 0x12 // Session teardown

	// Handshake frames
	FrameHello  uint8 = 0x20 // Version, capabilities and keys
	FrameAuth   uint8 = 0x21 // Transcript signature
	FrameReject uint8 = 0x22 // Handshake refused
)

// Frame flags
const (
	FlagAck uint8 = 0x01 // Acknowledges a RESET
)

// Capability flags advertised in HELLO
const (
	CapEncryption uint32 = 1 << 0 // AEAD record layer after the handshake
)

// GOAWAY codes
const (
	GoAwayNormal        uint16 = 0
	GoAwayProtocolError uint16 = 1
	GoAwayDuplicate     uint16 = 2
	GoAwayCapacity      uint16 = 3
	GoAwayShutdown      uint16 = 4
	GoAwayIdleTimeout   uint16 = 5
)

// RESET codes
const (
	ResetCancel     uint16 = 0
	ResetRefused    uint16 = 1 // Stream limit reached
	ResetUnknownTag uint16 = 2
	ResetInternal   uint16 = 3
)

// REJECT codes
const (
	RejectVersion  uint16 = 1
	RejectAuth     uint16 = 2
	RejectKeys     uint16 = 3
	RejectInternal uint16 = 4
)

// Protocol constants
const (
	// ProtocolVersion is the highest protocol version this node speaks
	ProtocolVersion uint16 = 1

	// MinProtocolVersion is the lowest protocol version this node accepts
	MinProtocolVersion uint16 = 1

	// HeaderSize is the size of a frame header in bytes
	HeaderSize = 16

	// DefaultMaxPayloadSize is the default maximum frame payload size (16 KB)
	DefaultMaxPayloadSize = 16384

	// AbsoluteMaxPayloadSize bounds any configured payload size (1 MB)
	AbsoluteMaxPayloadSize = 1 << 20

	// MinPayloadSize is the smallest max frame payload a peer may advertise
	MinPayloadSize = 1024

	// MaxReasonLength bounds the text carried by REJECT and GOAWAY
	MaxReasonLength = 512

	// ControlStreamID is reserved for handshake and session control frames
	ControlStreamID uint64 = 0
)

// FrameTypeName returns a human-readable name for a frame type.
func FrameTypeName(t uint8) string {
	switch t {
	case FrameData:
		return "DATA"
	case FrameOpen:
		return "OPEN"
	case FrameWindowUpdate:
		return "WINDOW_UPDATE"
	case FrameFin:
		return "FIN"
	case FrameReset:
		return "RESET"
	case FramePing:
		return "PING"
	case FramePong:
		return "PONG"
	case FrameGoAway:
		return "GOAWAY"
	case FrameHello:
		return "HELLO"
	case FrameAuth:
		return "AUTH"
	case FrameReject:
		return "REJECT"
	default:
		return "UNKNOWN"
	}
}

// GoAwayCodeName returns a human-readable name for a GOAWAY code.
func GoAwayCodeName(code uint16) string {
	switch code {
	case GoAwayNormal:
		return "normal"
	case GoAwayProtocolError:
		return "protocol_error"
	case GoAwayDuplicate:
		return "duplicate"
	case GoAwayCapacity:
		return "capacity"
	case GoAwayShutdown:
		return "shutdown"
	case GoAwayIdleTimeout:
		return "idle_timeout"
	default:
		return "unknown"
	}
}

// RejectCodeName returns a human-readable name for a REJECT code.
func RejectCodeName(code uint16) string {
	switch code {
	case RejectVersion:
		return "version_mismatch"
	case RejectAuth:
		return "authentication_failed"
	case RejectKeys:
		return "key_exchange_failed"
	case RejectInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// IsMuxFrame reports whether t is a frame type valid after the handshake.
func IsMuxFrame(t uint8) bool {
	switch t {
	case FrameData, FrameOpen, FrameWindowUpdate, FrameFin, FrameReset,
		FramePing, FramePong, FrameGoAway:
		return true
	}
	return false
}
