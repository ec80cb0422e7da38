//go:build !unix && !windows

package core

import "syscall"

func discoverySocketControl(string, string, syscall.RawConn) error {
	return nil
}
