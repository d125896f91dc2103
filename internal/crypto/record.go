package crypto

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// RecordHeaderSize is the length prefix of a sealed record.
const RecordHeaderSize = 4

// RecordWriter seals each Write as one length-prefixed record:
//
//	length u32 | nonce (12) | ciphertext | tag (16)
type RecordWriter struct {
	w   io.Writer
	key *SessionKey
	mu  sync.Mutex
}

// NewRecordWriter creates a record writer sealing with key.
func NewRecordWriter(w io.Writer, key *SessionKey) *RecordWriter {
	return &RecordWriter{w: w, key: key}
}

// Write seals p as a single record.
func (rw *RecordWriter) Write(p []byte) (int, error) {
	// Records must hit the wire in nonce order.
	rw.mu.Lock()
	defer rw.mu.Unlock()

	sealed, err := rw.key.Seal(p)
	if err != nil {
		return 0, err
	}

	buf := make([]byte, RecordHeaderSize+len(sealed))
	binary.BigEndian.PutUint32(buf, uint32(len(sealed)))
	copy(buf[RecordHeaderSize:], sealed)

	if _, err := rw.w.Write(buf); err != nil {
		return 0, err
	}
	return len(p), nil
}

// RecordReader opens records written by RecordWriter and exposes the
// plaintext as a byte stream.
type RecordReader struct {
	r         io.Reader
	key       *SessionKey
	maxRecord int
	pending   []byte
}

// NewRecordReader creates a record reader. Records whose sealed length
// exceeds maxRecord are rejected.
func NewRecordReader(r io.Reader, key *SessionKey, maxRecord int) *RecordReader {
	return &RecordReader{r: r, key: key, maxRecord: maxRecord}
}

// Read returns buffered plaintext, reading and opening the next record
// when the buffer is empty.
func (rr *RecordReader) Read(p []byte) (int, error) {
	for len(rr.pending) == 0 {
		if err := rr.next(); err != nil {
			return 0, err
		}
	}
	n := copy(p, rr.pending)
	rr.pending = rr.pending[n:]
	return n, nil
}

func (rr *RecordReader) next() error {
	var hdr [RecordHeaderSize]byte
	if _, err := io.ReadFull(rr.r, hdr[:]); err != nil {
		return err
	}

	length := int(binary.BigEndian.Uint32(hdr[:]))
	if length < EncryptionOverhead || length > rr.maxRecord {
		return fmt.Errorf("%w: record length %d", ErrDecryptionFailed, length)
	}

	sealed := make([]byte, length)
	if _, err := io.ReadFull(rr.r, sealed); err != nil {
		if err == io.EOF {
			return io.ErrUnexpectedEOF
		}
		return err
	}

	plaintext, err := rr.key.Open(sealed)
	if err != nil {
		return err
	}
	rr.pending = plaintext
	return nil
}
