package controllers

import (
	"io"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/am6737/meshpeer/api"
	"github.com/am6737/meshpeer/config"
	"github.com/am6737/meshpeer/filter"
	"github.com/am6737/meshpeer/host"
	"github.com/am6737/meshpeer/identity"
	"github.com/am6737/meshpeer/peer"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

var t0 = time.Unix(1700000000, 0)

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type datagram struct {
	from netip.AddrPort
	to   netip.AddrPort
	data []byte
	hops int
}

// memNetwork queues datagrams between test nodes until drain delivers them.
type memNetwork struct {
	mu    sync.Mutex
	queue []datagram
	nodes map[netip.AddrPort]*testNode
	log   []datagram
}

func newMemNetwork() *memNetwork {
	return &memNetwork{nodes: make(map[netip.AddrPort]*testNode)}
}

type memTransport struct {
	net  *memNetwork
	addr netip.AddrPort
}

func (t *memTransport) Send(local api.Port, to netip.AddrPort, data []byte, hopLimit int) bool {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	if _, ok := t.net.nodes[to]; !ok {
		return false
	}
	dg := datagram{from: t.addr, to: to, data: append([]byte(nil), data...), hops: hopLimit}
	t.net.queue = append(t.net.queue, dg)
	t.net.log = append(t.net.log, dg)
	return true
}

func (n *memNetwork) drain(t *testing.T) int {
	t.Helper()
	delivered := 0
	for {
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.mu.Unlock()
			return delivered
		}
		dg := n.queue[0]
		n.queue = n.queue[1:]
		node := n.nodes[dg.to]
		n.mu.Unlock()

		node.inbound.HandleDatagram(1, dg.from, dg.data)
		delivered++
		require.Less(t, delivered, 1000, "packet storm")
	}
}

type receivedFrame struct {
	from      api.NodeAddress
	etherType uint16
	frame     []byte
}

type recordingWriter struct {
	mu     sync.Mutex
	frames []receivedFrame
}

func (w *recordingWriter) WriteFrame(from api.NodeAddress, etherType uint16, frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.frames = append(w.frames, receivedFrame{from, etherType, append([]byte(nil), frame...)})
	return nil
}

func (w *recordingWriter) received() []receivedFrame {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]receivedFrame(nil), w.frames...)
}

type testNode struct {
	id       *identity.Identity
	addr     netip.AddrPort
	registry metrics.Registry
	filter   *filter.Filter
	hosts    *host.HostMap
	sw       *Switch
	inbound  *InboundController
	writer   *recordingWriter
	tr       *memTransport
	cfg      config.PeerConfig
}

func newTestNode(t *testing.T, n *memNetwork, c *clock, addr string, groups ...api.MulticastGroup) *testNode {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)

	reg := metrics.NewRegistry()
	cfg := config.DefaultPeer()
	node := &testNode{
		id:       id,
		addr:     netip.MustParseAddrPort(addr),
		registry: reg,
		filter:   filter.New(filter.WithRegistry(reg)),
		hosts:    host.NewHostMap(nil, reg),
		writer:   &recordingWriter{},
		cfg:      cfg,
	}
	node.tr = &memTransport{net: n, addr: node.addr}
	node.sw = NewSwitch(nil, id, node.tr, node.hosts, node.filter, groups, cfg, reg)
	node.sw.now = c.Now
	node.inbound = NewInboundController(nil, id, node.hosts, node.sw, node.tr, node.filter, node.writer, reg,
		peer.WithConfig(cfg), peer.WithRegistry(reg))
	node.inbound.now = c.Now

	n.mu.Lock()
	n.nodes[node.addr] = node
	n.mu.Unlock()
	return node
}

// know makes other a peer of n, reachable at other's address.
func (n *testNode) know(t *testing.T, other *testNode, fixed bool) *peer.Peer {
	t.Helper()
	remote, err := identity.FromPublicKey(other.id.PublicKey())
	require.NoError(t, err)
	p, err := peer.New(n.id, remote, n.tr, n.sw, peer.WithConfig(n.cfg), peer.WithRegistry(n.registry))
	require.NoError(t, err)
	p.SetPathAddress(other.addr, fixed)
	require.NoError(t, n.hosts.Add(p))
	return p
}

func tcp4Frame(t *testing.T, dport uint16) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true},
		&layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: net.IP{10, 0, 0, 1}, DstIP: net.IP{10, 0, 0, 2}},
		&layers.TCP{SrcPort: 40000, DstPort: layers.TCPPort(dport), Window: 1024},
		gopacket.Payload("hello"),
	))
	return buf.Bytes()
}
