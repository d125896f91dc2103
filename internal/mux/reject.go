package mux

import (
	"time"

	"github.com/postalsys/p2p-node/internal/handshake"
	"github.com/postalsys/p2p-node/internal/protocol"
)

// Reject sends GOAWAY on an established connection that will not become a
// session and closes it. The write is best effort.
func Reject(est *handshake.Established, code uint16, message string) error {
	conn, err := est.Release()
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(goAwayWriteTimeout))
	payload := (&protocol.GoAway{Code: code, Message: message}).Encode()
	return protocol.NewFrameWriter(conn).WriteFrame(protocol.FrameGoAway, 0, 0, protocol.ControlStreamID, payload)
}
