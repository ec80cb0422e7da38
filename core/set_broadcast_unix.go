//go:build unix

package core

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// discoverySocketControl enables broadcast and address reuse on the
// discovery socket before it is bound.
func discoverySocketControl(network, address string, c syscall.RawConn) error {
	var sockErr error

	err := c.Control(func(fd uintptr) {
		if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); sockErr != nil {
			return
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}

	return sockErr
}
