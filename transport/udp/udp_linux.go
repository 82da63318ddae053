//go:build linux && !android

package udp

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// NewListenConfig returns a ListenConfig that sets SO_REUSEPORT when multi
// is true, so several processes or sockets can share one port.
func NewListenConfig(multi bool) net.ListenConfig {
	return net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			if !multi {
				return nil
			}
			var opErr error
			err := c.Control(func(fd uintptr) {
				opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return opErr
		},
	}
}

func (c *Conn) SetRecvBuffer(n int) error {
	return rawSetsockopt(c, unix.SO_RCVBUFFORCE, n)
}

func (c *Conn) SetSendBuffer(n int) error {
	return rawSetsockopt(c, unix.SO_SNDBUFFORCE, n)
}

func rawSetsockopt(c *Conn, opt, n int) error {
	rc, err := c.SyscallConn()
	if err != nil {
		return err
	}
	var opErr error
	if err := rc.Control(func(fd uintptr) {
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, opt, n)
	}); err != nil {
		return err
	}
	return opErr
}
