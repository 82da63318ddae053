//go:build !linux || android

package udp

import (
	"net"
)

// NewListenConfig ignores multi, SO_REUSEPORT is only set on linux.
func NewListenConfig(multi bool) net.ListenConfig {
	return net.ListenConfig{}
}

func (c *Conn) SetRecvBuffer(n int) error {
	return c.UDPConn.SetReadBuffer(n)
}

func (c *Conn) SetSendBuffer(n int) error {
	return c.UDPConn.SetWriteBuffer(n)
}
