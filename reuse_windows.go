//go:build windows

package wsd

import (
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

func reuseAddrControl(_, _ string, c syscall.RawConn) error {
	var opErr error
	if err := c.Control(func(fd uintptr) {
		opErr = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
	}); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(opErr)
}
