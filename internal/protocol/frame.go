package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrFrameTooLarge is returned when a frame exceeds the maximum size
	ErrFrameTooLarge = errors.New("frame payload exceeds maximum size")

	// ErrInvalidFrame is returned when a frame is malformed
	ErrInvalidFrame = errors.New("invalid frame")
)

// Frame represents a wire protocol frame.
// Header format (16 bytes):
//
//	Type     [1 byte]  - Frame type
//	Flags    [1 byte]  - Frame flags
//	Tag      [2 bytes] - Protocol tag (big-endian), set on OPEN and DATA
//	Length   [4 bytes] - Payload length (big-endian)
//	StreamID [8 bytes] - Stream identifier (big-endian)
type Frame struct {
	Type     uint8
	Flags    uint8
	Tag      uint16
	StreamID uint64
	Payload  []byte
}

// Header is a decoded frame header.
type Header struct {
	Type     uint8
	Flags    uint8
	Tag      uint16
	Length   uint32
	StreamID uint64
}

// Encode serializes the frame to bytes.
func (f *Frame) Encode() ([]byte, error) {
	if len(f.Payload) > AbsoluteMaxPayloadSize {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = f.Type
	buf[1] = f.Flags
	binary.BigEndian.PutUint16(buf[2:4], f.Tag)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(f.Payload)))
	binary.BigEndian.PutUint64(buf[8:16], f.StreamID)
	copy(buf[HeaderSize:], f.Payload)

	return buf, nil
}

// DecodeHeader decodes a frame header from bytes.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("%w: header too short", ErrInvalidFrame)
	}
	return Header{
		Type:     buf[0],
		Flags:    buf[1],
		Tag:      binary.BigEndian.Uint16(buf[2:4]),
		Length:   binary.BigEndian.Uint32(buf[4:8]),
		StreamID: binary.BigEndian.Uint64(buf[8:16]),
	}, nil
}

// Decode deserializes a frame from bytes.
func Decode(buf []byte) (*Frame, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}
	if h.Length > AbsoluteMaxPayloadSize {
		return nil, ErrFrameTooLarge
	}
	if len(buf) < HeaderSize+int(h.Length) {
		return nil, fmt.Errorf("%w: buffer too short for payload", ErrInvalidFrame)
	}

	payload := make([]byte, h.Length)
	copy(payload, buf[HeaderSize:HeaderSize+int(h.Length)])

	return &Frame{
		Type:     h.Type,
		Flags:    h.Flags,
		Tag:      h.Tag,
		StreamID: h.StreamID,
		Payload:  payload,
	}, nil
}

// String returns a debug representation of the frame.
func (f *Frame) String() string {
	return fmt.Sprintf("Frame{Type=%s, Flags=0x%02x, Tag=%d, StreamID=%d, PayloadLen=%d}",
		FrameTypeName(f.Type), f.Flags, f.Tag, f.StreamID, len(f.Payload))
}

// ============================================================================
// Frame Reader/Writer
// ============================================================================

// FrameReader reads frames from an io.Reader.
type FrameReader struct {
	r          io.Reader
	maxPayload uint32
	header     [HeaderSize]byte
}

// NewFrameReader creates a FrameReader that rejects payloads larger than
// maxPayload. A zero maxPayload means DefaultMaxPayloadSize.
func NewFrameReader(r io.Reader, maxPayload int) *FrameReader {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayloadSize
	}
	if maxPayload > AbsoluteMaxPayloadSize {
		maxPayload = AbsoluteMaxPayloadSize
	}
	return &FrameReader{r: r, maxPayload: uint32(maxPayload)}
}

// SetMaxPayload changes the payload limit for subsequent reads.
func (fr *FrameReader) SetMaxPayload(n int) {
	if n > 0 && n <= AbsoluteMaxPayloadSize {
		fr.maxPayload = uint32(n)
	}
}

// Read reads the next frame. An oversized frame fails with ErrFrameTooLarge
// before its payload is read, leaving the stream unusable.
func (fr *FrameReader) Read() (*Frame, error) {
	if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
		return nil, err
	}

	h, err := DecodeHeader(fr.header[:])
	if err != nil {
		return nil, err
	}
	if h.Length > fr.maxPayload {
		return nil, fmt.Errorf("%w: %d > %d (type %s)", ErrFrameTooLarge, h.Length, fr.maxPayload, FrameTypeName(h.Type))
	}

	payload := make([]byte, h.Length)
	if h.Length > 0 {
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			if err == io.EOF {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}

	return &Frame{
		Type:     h.Type,
		Flags:    h.Flags,
		Tag:      h.Tag,
		StreamID: h.StreamID,
		Payload:  payload,
	}, nil
}

// FrameWriter writes frames to an io.Writer. Each frame is written with a
// single Write call. It is not safe for concurrent use.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter creates a new FrameWriter.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// Write writes a frame.
func (fw *FrameWriter) Write(f *Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	_, err = fw.w.Write(data)
	return err
}

// WriteFrame is a convenience method to write a frame with the given parameters.
func (fw *FrameWriter) WriteFrame(frameType, flags uint8, tag uint16, streamID uint64, payload []byte) error {
	return fw.Write(&Frame{
		Type:     frameType,
		Flags:    flags,
		Tag:      tag,
		StreamID: streamID,
		Payload:  payload,
	})
}
