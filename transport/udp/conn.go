package udp

import (
	"net"
	"net/netip"
	"sync"

	"github.com/am6737/meshpeer/api"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const MTU = 9001

// ReadHandler is called for every datagram read from a bound port. data is
// only valid for the duration of the call.
type ReadHandler func(local api.Port, from netip.AddrPort, data []byte)

// Conn is one bound UDP socket of the demarc.
type Conn struct {
	*net.UDPConn

	port   api.Port
	family api.Family
	local  netip.AddrPort
	l      *logrus.Logger

	// wmu 写锁覆盖 TTL 修改、那次写入与恢复，普通写入持读锁，
	// 因此不会以被临时降低的 TTL 发出
	wmu        sync.RWMutex
	p4         *ipv4.PacketConn
	p6         *ipv6.PacketConn
	defaultTTL int
}

func newConn(l *logrus.Logger, port api.Port, uc *net.UDPConn) *Conn {
	local := api.Unmap(uc.LocalAddr().(*net.UDPAddr).AddrPort())
	c := &Conn{
		UDPConn: uc,
		port:    port,
		family:  api.FamilyOf(local),
		local:   local,
		l:       l,
	}

	if c.family == api.FamilyV4 {
		c.p4 = ipv4.NewPacketConn(uc)
		c.defaultTTL, _ = c.p4.TTL()
	} else {
		c.p6 = ipv6.NewPacketConn(uc)
		c.defaultTTL, _ = c.p6.HopLimit()
	}
	return c
}

func (c *Conn) Port() api.Port {
	return c.port
}

func (c *Conn) LocalAddr() netip.AddrPort {
	return c.local
}

func (c *Conn) Family() api.Family {
	return c.family
}

// WriteTo sends b to addr. hopLimit > 0 overrides the IP TTL / hop limit for
// this datagram only.
func (c *Conn) WriteTo(b []byte, addr netip.AddrPort, hopLimit int) error {
	if hopLimit <= 0 {
		c.wmu.RLock()
		defer c.wmu.RUnlock()
		_, err := c.UDPConn.WriteToUDPAddrPort(b, addr)
		return err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.setHopLimit(hopLimit); err != nil {
		return err
	}
	_, err := c.UDPConn.WriteToUDPAddrPort(b, addr)
	if rerr := c.setHopLimit(c.defaultTTL); rerr != nil {
		c.l.WithError(rerr).WithField("port", c.port).Warn("Failed to restore default hop limit")
	}
	return err
}

func (c *Conn) setHopLimit(n int) error {
	if c.p4 != nil {
		return c.p4.SetTTL(n)
	}
	return c.p6.SetHopLimit(n)
}

// ListenOut reads until the socket is closed.
func (c *Conn) ListenOut(r ReadHandler) {
	buffer := make([]byte, MTU)

	for {
		// Just read one packet at a time
		n, from, err := c.ReadFromUDPAddrPort(buffer)
		if err != nil {
			c.l.WithError(err).WithField("port", c.port).Debug("udp socket is closed, exiting read loop")
			return
		}
		r(c.port, api.Unmap(from), buffer[:n])
	}
}
