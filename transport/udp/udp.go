package udp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sort"
	"sync"

	"github.com/am6737/meshpeer/api"
	"github.com/am6737/meshpeer/api/interfaces"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

var ErrClosed = errors.New("demarc is closed")

var _ interfaces.Transport = &Demarc{}

type Option func(*Demarc)

func WithLogger(l *logrus.Logger) Option {
	return func(d *Demarc) {
		d.l = l
	}
}

func WithRegistry(r metrics.Registry) Option {
	return func(d *Demarc) {
		d.registry = r
	}
}

// WithReusePort sets SO_REUSEPORT on sockets bound afterwards, where supported.
func WithReusePort(multi bool) Option {
	return func(d *Demarc) {
		d.reusePort = multi
	}
}

// Demarc owns the node's bound UDP sockets. Each socket is identified by an
// api.Port handed out by Bind.
type Demarc struct {
	mu       sync.RWMutex
	conns    map[api.Port]*Conn
	nextPort api.Port
	closed   bool

	reusePort bool
	l         *logrus.Logger
	registry  metrics.Registry

	sent       metrics.Counter
	sendErrors metrics.Counter
	received   metrics.Counter
}

func NewDemarc(opts ...Option) *Demarc {
	d := &Demarc{
		conns:    make(map[api.Port]*Conn),
		nextPort: 1,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.l == nil {
		d.l = logrus.New()
		d.l.SetOutput(io.Discard)
	}
	d.sent = metrics.GetOrRegisterCounter("demarc.sent", d.registry)
	d.sendErrors = metrics.GetOrRegisterCounter("demarc.send.errors", d.registry)
	d.received = metrics.GetOrRegisterCounter("demarc.received", d.registry)
	return d
}

// Bind opens a UDP socket on addr and returns its port id.
func (d *Demarc) Bind(ctx context.Context, addr netip.AddrPort) (api.Port, error) {
	lc := NewListenConfig(d.reusePort)
	pc, err := lc.ListenPacket(ctx, network(addr), addr.String())
	if err != nil {
		return api.NullPort, fmt.Errorf("bind %s: %w", addr, err)
	}
	uc, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return api.NullPort, fmt.Errorf("unexpected PacketConn: %T %#v", pc, pc)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		uc.Close()
		return api.NullPort, ErrClosed
	}

	port := d.nextPort
	d.nextPort++
	c := newConn(d.l, port, uc)
	d.conns[port] = c

	d.l.WithFields(logrus.Fields{
		"port":  port,
		"local": c.LocalAddr(),
	}).Info("UDP port bound")
	return port, nil
}

func network(addr netip.AddrPort) string {
	if addr.Addr().Is4() {
		return "udp4"
	}
	return "udp6"
}

// Conn returns the socket bound as port.
func (d *Demarc) Conn(port api.Port) (*Conn, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.conns[port]
	return c, ok
}

// Ports returns the bound port ids in ascending order.
func (d *Demarc) Ports() []api.Port {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ports := make([]api.Port, 0, len(d.conns))
	for p := range d.conns {
		ports = append(ports, p)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	return ports
}

// pick resolves local to a socket able to reach to. api.AnyPort selects the
// lowest numbered socket of to's family.
func (d *Demarc) pick(local api.Port, to netip.AddrPort) *Conn {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if local != api.AnyPort {
		c := d.conns[local]
		if c == nil || c.family != api.FamilyOf(to) {
			return nil
		}
		return c
	}

	var best *Conn
	for _, c := range d.conns {
		if c.family == api.FamilyOf(to) && (best == nil || c.port < best.port) {
			best = c
		}
	}
	return best
}

// Send implements interfaces.Transport.
func (d *Demarc) Send(local api.Port, to netip.AddrPort, data []byte, hopLimit int) bool {
	to = api.Unmap(to)
	c := d.pick(local, to)
	if c == nil {
		d.sendErrors.Inc(1)
		d.l.WithFields(logrus.Fields{"port": local, "to": to}).Debug("No usable local port")
		return false
	}

	if err := c.WriteTo(data, to, hopLimit); err != nil {
		d.sendErrors.Inc(1)
		d.l.WithError(err).WithFields(logrus.Fields{"port": c.port, "to": to}).Debug("UDP send failed")
		return false
	}
	d.sent.Inc(1)
	return true
}

// Serve runs a read loop on every bound port until ctx is done, then closes
// the demarc.
func (d *Demarc) Serve(ctx context.Context, r ReadHandler) error {
	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return ErrClosed
	}
	conns := make([]*Conn, 0, len(d.conns))
	for _, c := range d.conns {
		conns = append(conns, c)
	}
	d.mu.RUnlock()

	counted := func(local api.Port, from netip.AddrPort, data []byte) {
		d.received.Inc(1)
		r(local, from, data)
	}

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			c.ListenOut(counted)
		}(c)
	}

	<-ctx.Done()
	err := d.Close()
	wg.Wait()
	return err
}

// Close closes every socket. It is safe to call more than once.
func (d *Demarc) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	var errs []error
	for port, c := range d.conns {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close port %s: %w", port, err))
		}
	}
	return errors.Join(errs...)
}
