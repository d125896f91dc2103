package crypto

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestRecordRoundTrip(t *testing.T) {
	dSend, _, _, lRecv := deriveBothSides(t)

	var wire bytes.Buffer
	w := NewRecordWriter(&wire, dSend)
	messages := [][]byte{[]byte("first"), bytes.Repeat([]byte{0xab}, 4096), []byte("last")}
	var want []byte
	for _, m := range messages {
		n, err := w.Write(m)
		if err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		if n != len(m) {
			t.Errorf("Write() = %d, want %d", n, len(m))
		}
		want = append(want, m...)
	}

	r := NewRecordReader(&wire, lRecv, 1<<16)
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("read %d bytes, want %d", len(got), len(want))
	}
}

func TestRecordReader_Oversize(t *testing.T) {
	dSend, _, _, lRecv := deriveBothSides(t)

	var wire bytes.Buffer
	if _, err := NewRecordWriter(&wire, dSend).Write(make([]byte, 1024)); err != nil {
		t.Fatal(err)
	}

	r := NewRecordReader(&wire, lRecv, 64)
	if _, err := r.Read(make([]byte, 16)); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Read() error = %v, want ErrDecryptionFailed", err)
	}
}

func TestRecordReader_Truncated(t *testing.T) {
	dSend, _, _, lRecv := deriveBothSides(t)

	var wire bytes.Buffer
	NewRecordWriter(&wire, dSend).Write([]byte("payload"))
	truncated := bytes.NewReader(wire.Bytes()[:wire.Len()-3])

	r := NewRecordReader(truncated, lRecv, 1<<16)
	if _, err := r.Read(make([]byte, 16)); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Read() error = %v, want io.ErrUnexpectedEOF", err)
	}
}
