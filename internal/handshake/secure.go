package handshake

import (
	"github.com/postalsys/p2p-node/internal/crypto"
	"github.com/postalsys/p2p-node/internal/protocol"
	"github.com/postalsys/p2p-node/internal/transport"
)

// secureConn carries the byte stream inside AEAD records.
type secureConn struct {
	transport.Conn
	r *crypto.RecordReader
	w *crypto.RecordWriter
}

func newSecureConn(conn transport.Conn, send, recv *crypto.SessionKey, maxFramePayload int) *secureConn {
	maxRecord := protocol.HeaderSize + maxFramePayload + crypto.EncryptionOverhead
	return &secureConn{
		Conn: conn,
		r:    crypto.NewRecordReader(conn, recv, maxRecord),
		w:    crypto.NewRecordWriter(conn, send),
	}
}

func (c *secureConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// Write seals p as one record. Callers write whole frames.
func (c *secureConn) Write(p []byte) (int, error) {
	return c.w.Write(p)
}
