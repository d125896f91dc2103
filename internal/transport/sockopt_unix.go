//go:build unix

package transport

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// setListenSockOpts enables SO_REUSEADDR so a restarted node can rebind its
// port while old connections sit in TIME_WAIT.
func setListenSockOpts(network, address string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return opErr
}
