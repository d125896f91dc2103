//go:build !unix

package transport

import "syscall"

func setListenSockOpts(network, address string, c syscall.RawConn) error {
	return nil
}
