//go:build unix

package wsd

import (
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func reuseAddrControl(_, _ string, c syscall.RawConn) error {
	var opErr error
	if err := c.Control(func(fd uintptr) {
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(opErr)
}
