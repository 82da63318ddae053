package peer

import (
	"fmt"
	"io"
	"net/netip"
	"sync"
	"time"

	"github.com/am6737/meshpeer/api"
	"github.com/am6737/meshpeer/api/interfaces"
	"github.com/am6737/meshpeer/config"
	"github.com/am6737/meshpeer/identity"
	"github.com/am6737/meshpeer/transport/header"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// LatencyCap bounds a single latency sample.
const LatencyCap = 0xffff * time.Millisecond

// firewallOpener is the payload of a firewall opener datagram.
var firewallOpener = []byte{0x00}

// Switch is the part of the node a Peer calls back into. Implementations
// must not hold locks of their own across calls back into the Peer.
type Switch interface {
	// AnnounceMulticastGroups sends this node's multicast subscriptions to p.
	AnnounceMulticastGroups(p *Peer)
	// SendProbe sends a HELLO to an unverified address of p and records it as
	// a request, so only a correlated reply can make the address a path.
	SendProbe(p *Peer, local api.Port, to netip.AddrPort)
	// SendHello sends a HELLO request to p over the given path.
	SendHello(p *Peer, local api.Port, to netip.AddrPort) bool
}

type Option func(*Peer)

func WithLogger(logger *logrus.Logger) Option {
	return func(p *Peer) {
		p.logger = logger
	}
}

// WithConfig sets the timing constants. config.DefaultPeer() is used otherwise.
func WithConfig(cfg config.PeerConfig) Option {
	return func(p *Peer) {
		p.cfg = cfg
	}
}

func WithRegistry(r metrics.Registry) Option {
	return func(p *Peer) {
		p.registry = r
	}
}

// Peer is the state kept about one remote node: its identity, the secret
// agreed with it, one direct path per address family and the requests
// awaiting a reply.
//
// All state is guarded by mu. Methods take mu only for their own critical
// section and release it before calling the Transport or the Switch, which
// may call back into the Peer.
type Peer struct {
	mu sync.Mutex

	id     *identity.Identity
	secret []byte

	v4 Path
	v6 Path

	lastUsed           time.Time
	lastUnicastFrame   time.Time
	lastMulticastFrame time.Time
	lastAnnouncedTo    time.Time

	latency time.Duration

	vMajor, vMinor, vRevision uint8

	history RequestHistory

	transport interfaces.Transport
	sw        Switch
	cfg       config.PeerConfig
	logger    *logrus.Logger
	registry  metrics.Registry

	probes  metrics.Counter
	learned metrics.Counter
	rtt     metrics.Timer
}

// New creates the Peer for remote. It fails if no secret can be agreed
// between self and remote.
func New(self, remote *identity.Identity, t interfaces.Transport, sw Switch, opts ...Option) (*Peer, error) {
	if remote == nil {
		return nil, fmt.Errorf("%w: no remote identity", identity.ErrAgreementFailed)
	}
	secret, err := self.Agree(remote)
	if err != nil {
		return nil, fmt.Errorf("peer %s: %w", remote.Address(), err)
	}

	p := &Peer{
		id:        remote,
		secret:    secret,
		transport: t,
		sw:        sw,
		cfg:       config.DefaultPeer(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.logger == nil {
		p.logger = logrus.New()
		p.logger.SetOutput(io.Discard)
	}
	p.probes = metrics.GetOrRegisterCounter("peer.probes", p.registry)
	p.learned = metrics.GetOrRegisterCounter("peer.paths.learned", p.registry)
	p.rtt = metrics.GetOrRegisterTimer("peer.rtt", p.registry)

	return p, nil
}

// OnReceive updates the peer after a packet from it was decoded. hops is the
// number of overlay relays the packet went through; only direct packets
// (hops == 0) touch the paths. inReVerb is VerbNop unless the packet is a
// reply, in which case inRePacketID and inReVerb name the request.
func (p *Peer) OnReceive(now time.Time, local api.Port, remote netip.AddrPort, hops uint8,
	packetID uint64, verb header.Verb, inRePacketID uint64, inReVerb header.Verb) {
	remote = api.Unmap(remote)

	var announce, probe bool

	p.mu.Lock()
	if hops == 0 {
		if now.Sub(p.lastAnnouncedTo) >= p.cfg.AnnounceInterval() {
			p.lastAnnouncedTo = now
			announce = true
		}

		if path := p.path(api.FamilyOf(remote)); path != nil {
			path.LastReceive = now
			if local == api.NullPort {
				local = api.AnyPort
			}
			path.LocalPort = local

			confirmed := false
			if inReVerb != header.VerbNop {
				if rtt, ok := p.history.ConsumeMatching(now, inRePacketID, inReVerb); ok {
					p.rtt.Update(rtt)
					if rtt > LatencyCap {
						rtt = LatencyCap
					}
					p.latency = rtt

					if !path.Fixed {
						if path.Addr != remote {
							p.learned.Inc(1)
							p.logger.WithFields(logrus.Fields{
								"peer": p.id.Address(),
								"old":  path.Addr,
								"new":  remote,
							}).Info("Learned new path from verified reply")
						}
						path.Addr = remote
					}
					confirmed = true
				}
			}

			// 未经验证的源地址只发探测，不直接采用
			if !confirmed && !path.Fixed && path.Addr != remote {
				probe = true
			}
		}
	}

	switch verb {
	case header.VerbFrame:
		p.lastUnicastFrame = now
	case header.VerbMulticastFrame:
		p.lastMulticastFrame = now
	}
	p.mu.Unlock()

	if announce {
		p.sw.AnnounceMulticastGroups(p)
	}
	if probe {
		p.probes.Inc(1)
		p.logger.WithFields(logrus.Fields{
			"peer":     p.id.Address(),
			"remote":   remote,
			"packetID": packetID,
			"verb":     verb,
		}).Debug("Probing unverified source address")
		p.sw.SendProbe(p, local, remote)
	}
}

// Send transmits data over the best direct path, falling back to the other
// family. It returns the local port used, or api.NullPort and false.
func (p *Peer) Send(now time.Time, data []byte) (api.Port, bool) {
	p.mu.Lock()
	order := p.sendOrder(now)
	paths := [2]Path{*p.path(order[0]), *p.path(order[1])}
	p.mu.Unlock()

	for i, path := range paths {
		if !path.HasAddress() {
			continue
		}
		if p.transport.Send(path.LocalPort, path.Addr, data, -1) {
			p.mu.Lock()
			p.path(order[i]).LastSend = now
			p.mu.Unlock()
			return path.LocalPort, true
		}
	}
	return api.NullPort, false
}

// sendOrder prefers IPv6 when it is active, or when it is the only family
// with an address. Called with mu held.
func (p *Peer) sendOrder(now time.Time) [2]api.Family {
	if p.v6.IsActive(now, p.cfg.PathActivityTimeout) || (!p.v4.HasAddress() && p.v6.HasAddress()) {
		return [2]api.Family{api.FamilyV6, api.FamilyV4}
	}
	return [2]api.Family{api.FamilyV4, api.FamilyV6}
}

// SendFirewallOpener sends a one byte datagram with a low hop limit on every
// addressed path, enough to open NAT state without reaching the peer.
func (p *Peer) SendFirewallOpener(now time.Time) bool {
	sent := false
	for _, f := range [2]api.Family{api.FamilyV4, api.FamilyV6} {
		path, ok := p.addressed(f)
		if !ok {
			continue
		}
		if p.transport.Send(path.LocalPort, path.Addr, firewallOpener, p.cfg.FirewallOpenerHops) {
			sent = true
			p.mu.Lock()
			p.path(f).LastFirewallOpener = now
			p.mu.Unlock()
		}
	}
	return sent
}

// SendPing sends a HELLO on every addressed path.
func (p *Peer) SendPing(now time.Time) bool {
	sent := false
	for _, f := range [2]api.Family{api.FamilyV4, api.FamilyV6} {
		path, ok := p.addressed(f)
		if !ok {
			continue
		}
		if p.sw.SendHello(p, path.LocalPort, path.Addr) {
			sent = true
			p.mu.Lock()
			p.path(f).LastSend = now
			p.mu.Unlock()
		}
	}
	return sent
}

// RecordRequest remembers a request sent to this peer so its reply can be
// correlated.
func (p *Peer) RecordRequest(now time.Time, packetID uint64, verb header.Verb) {
	p.mu.Lock()
	p.history.Record(now, packetID, verb)
	p.mu.Unlock()
}

// PendingRequests returns the number of requests awaiting a reply.
func (p *Peer) PendingRequests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.history.Pending()
}

// SetPathAddress sets the path of addr's family to addr, sent from any local
// port of that family. fixed pins it against learning.
func (p *Peer) SetPathAddress(addr netip.AddrPort, fixed bool) {
	addr = api.Unmap(addr)

	p.mu.Lock()
	defer p.mu.Unlock()

	path := p.path(api.FamilyOf(addr))
	if path == nil {
		return
	}
	path.Addr = addr
	path.LocalPort = api.AnyPort
	path.Fixed = fixed
}

// ClearFixedFlag unpins the path of family f, or both for api.FamilyNone.
func (p *Peer) ClearFixedFlag(f api.Family) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch f {
	case api.FamilyV4:
		p.v4.Fixed = false
	case api.FamilyV6:
		p.v6.Fixed = false
	case api.FamilyNone:
		p.v4.Fixed = false
		p.v6.Fixed = false
	}
}

// path returns the path of family f. Called with mu held.
func (p *Peer) path(f api.Family) *Path {
	switch f {
	case api.FamilyV4:
		return &p.v4
	case api.FamilyV6:
		return &p.v6
	}
	return nil
}

func (p *Peer) addressed(f api.Family) (Path, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	path := *p.path(f)
	return path, path.HasAddress()
}

func (p *Peer) Identity() *identity.Identity {
	return p.id
}

func (p *Peer) Address() api.NodeAddress {
	return p.id.Address()
}

// Key returns the secret agreed with this peer.
func (p *Peer) Key() []byte {
	return p.secret
}

func (p *Peer) Latency() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latency
}

// Paths returns copies of the IPv4 and IPv6 paths.
func (p *Peer) Paths() (v4, v6 Path) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.v4, p.v6
}

func (p *Peer) HasDirectPath() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.v4.HasAddress() || p.v6.HasAddress()
}

func (p *Peer) HasActiveDirectPath(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	window := p.cfg.PathActivityTimeout
	return (p.v4.HasAddress() && p.v4.IsActive(now, window)) || (p.v6.HasAddress() && p.v6.IsActive(now, window))
}

func (p *Peer) LastDirectReceive() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return later(p.v4.LastReceive, p.v6.LastReceive)
}

func (p *Peer) LastDirectSend() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return later(p.v4.LastSend, p.v6.LastSend)
}

func (p *Peer) LastFirewallOpener() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return later(p.v4.LastFirewallOpener, p.v6.LastFirewallOpener)
}

func (p *Peer) LastUnicastFrame() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastUnicastFrame
}

func (p *Peer) LastMulticastFrame() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastMulticastFrame
}

func (p *Peer) LastUsed() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastUsed
}

func (p *Peer) SetLastUsed(now time.Time) {
	p.mu.Lock()
	p.lastUsed = now
	p.mu.Unlock()
}

func (p *Peer) SetRemoteVersion(major, minor, revision uint8) {
	p.mu.Lock()
	p.vMajor, p.vMinor, p.vRevision = major, minor, revision
	p.mu.Unlock()
}

func (p *Peer) RemoteVersion() (major, minor, revision uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.vMajor, p.vMinor, p.vRevision
}

func (p *Peer) String() string {
	v4, v6 := p.Paths()
	return fmt.Sprintf("%s v4=%s v6=%s", p.Address(), v4, v6)
}

func later(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
