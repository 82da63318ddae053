package controllers

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/am6737/meshpeer/api"
	"github.com/am6737/meshpeer/api/interfaces"
	"github.com/am6737/meshpeer/config"
	"github.com/am6737/meshpeer/filter"
	"github.com/am6737/meshpeer/host"
	"github.com/am6737/meshpeer/identity"
	"github.com/am6737/meshpeer/peer"
	"github.com/am6737/meshpeer/transport/header"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

var (
	ErrUnknownPeer = errors.New("unknown peer")
	ErrNoPath      = errors.New("no usable path to peer")
	ErrFrameDenied = errors.New("frame denied by filter")
)

// Protocol version advertised in HELLO and OK(HELLO).
const (
	VersionMajor    uint8 = header.ProtocolVersion
	VersionMinor    uint8 = 0
	VersionRevision uint8 = 1
)

var _ peer.Switch = &Switch{}

// Switch 负责构造并发送协议包，同时维护组播订阅表
type Switch struct {
	self      *identity.Identity
	transport interfaces.Transport
	hosts     *host.HostMap
	filter    interfaces.FrameFilter
	groups    []api.MulticastGroup
	cfg       config.PeerConfig
	ids       *header.IDGenerator
	now       func() time.Time
	logger    *logrus.Logger

	likesMu sync.Mutex
	likes   map[api.MulticastGroup]map[api.NodeAddress]time.Time

	hellos        metrics.Counter
	framesSent    metrics.Counter
	framesDropped metrics.Counter
}

func NewSwitch(logger *logrus.Logger, self *identity.Identity, transport interfaces.Transport, hosts *host.HostMap,
	outbound interfaces.FrameFilter, groups []api.MulticastGroup, cfg config.PeerConfig, registry metrics.Registry) *Switch {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Switch{
		self:          self,
		transport:     transport,
		hosts:         hosts,
		filter:        outbound,
		groups:        groups,
		cfg:           cfg,
		ids:           header.NewIDGenerator(),
		now:           time.Now,
		logger:        logger,
		likes:         make(map[api.MulticastGroup]map[api.NodeAddress]time.Time),
		hellos:        metrics.GetOrRegisterCounter("switch.hellos", registry),
		framesSent:    metrics.GetOrRegisterCounter("switch.frames.sent", registry),
		framesDropped: metrics.GetOrRegisterCounter("switch.frames.dropped", registry),
	}
}

// packet builds a packet from this node to dst. The payload is appended by
// the caller.
func (s *Switch) packet(verb header.Verb, dst api.NodeAddress) ([]byte, uint64) {
	id := s.ids.Next()
	b := make([]byte, header.Len, 256)
	header.Encode(b, header.Version, 0, verb, id, dst, s.self.Address())
	return b, id
}

// seal authenticates b with the key agreed with p.
func (s *Switch) seal(p *peer.Peer, b []byte) ([]byte, bool) {
	b, err := header.Seal(b, p.Key())
	if err != nil {
		s.logger.WithError(err).WithField("peer", p.Address()).Error("Failed to seal packet")
		return nil, false
	}
	return b, true
}

func (s *Switch) hello(dst api.NodeAddress, now time.Time) ([]byte, uint64) {
	b, id := s.packet(header.VerbHello, dst)
	h := header.Hello{
		Major:     VersionMajor,
		Minor:     VersionMinor,
		Revision:  VersionRevision,
		Timestamp: now,
		PublicKey: s.self.PublicKey(),
	}
	return h.Encode(b), id
}

// SendHello sends a HELLO to p over the given path and records it so the OK
// can be correlated.
func (s *Switch) SendHello(p *peer.Peer, local api.Port, to netip.AddrPort) bool {
	now := s.now()
	b, id := s.hello(p.Address(), now)
	b, ok := s.seal(p, b)
	if !ok {
		return false
	}

	// 先记录再发送，回复可能在发送返回之前到达
	p.RecordRequest(now, id, header.VerbHello)
	s.hellos.Inc(1)

	ok = s.transport.Send(local, to, b, -1)
	s.logger.WithFields(logrus.Fields{
		"peer":     p.Address(),
		"to":       to,
		"packetID": id,
		"sent":     ok,
	}).Debug("Sent HELLO")
	return ok
}

// SendProbe is SendHello toward an address that has not been verified yet.
func (s *Switch) SendProbe(p *peer.Peer, local api.Port, to netip.AddrPort) {
	s.SendHello(p, local, to)
}

// SendOK answers a request from p directly to the address it came from.
func (s *Switch) SendOK(p *peer.Peer, local api.Port, to netip.AddrPort, inReVerb header.Verb, inRePacketID uint64, data []byte) bool {
	b, _ := s.packet(header.VerbOK, p.Address())
	r := header.Reply{InReVerb: inReVerb, InRePacketID: inRePacketID, Data: data}
	b, ok := s.seal(p, r.Encode(b))
	if !ok {
		return false
	}
	return s.transport.Send(local, to, b, -1)
}

// AnnounceMulticastGroups sends our multicast subscriptions to p.
func (s *Switch) AnnounceMulticastGroups(p *peer.Peer) {
	if len(s.groups) == 0 {
		return
	}
	b, _ := s.packet(header.VerbMulticastLike, p.Address())
	b, ok := s.seal(p, header.EncodeLike(b, s.groups))
	if !ok {
		return
	}
	if _, ok := p.Send(s.now(), b); !ok {
		s.logger.WithField("peer", p.Address()).Debug("Failed to announce multicast groups")
	}
}

// SendFrame sends an Ethernet frame to the peer at dst.
func (s *Switch) SendFrame(dst api.NodeAddress, etherType uint16, frame []byte) error {
	if s.filter != nil && s.filter.Evaluate(etherType, frame) == filter.ActionDeny {
		s.framesDropped.Inc(1)
		return ErrFrameDenied
	}

	p, ok := s.hosts.Get(dst)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, dst)
	}

	b, _ := s.packet(header.VerbFrame, dst)
	f := header.Frame{EtherType: etherType, Data: frame}

	b, ok = s.seal(p, f.Encode(b))
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPath, dst)
	}

	now := s.now()
	if _, ok := p.Send(now, b); !ok {
		return fmt.Errorf("%w: %s", ErrNoPath, dst)
	}
	p.SetLastUsed(now)
	s.framesSent.Inc(1)
	return nil
}

// SendMulticastFrame sends a frame to every current subscriber of group and
// returns how many peers it reached.
func (s *Switch) SendMulticastFrame(group api.MulticastGroup, etherType uint16, frame []byte) (int, error) {
	if s.filter != nil && s.filter.Evaluate(etherType, frame) == filter.ActionDeny {
		s.framesDropped.Inc(1)
		return 0, ErrFrameDenied
	}

	now := s.now()
	n := 0
	for _, addr := range s.Subscribers(group, now) {
		p, ok := s.hosts.Get(addr)
		if !ok {
			continue
		}
		b, _ := s.packet(header.VerbMulticastFrame, addr)
		mf := header.MulticastFrame{Group: group, Frame: header.Frame{EtherType: etherType, Data: frame}}
		b, ok = s.seal(p, mf.Encode(b))
		if !ok {
			continue
		}
		if _, ok := p.Send(now, b); ok {
			n++
		}
	}
	s.framesSent.Inc(int64(n))
	return n, nil
}

// Like records that from subscribed to group at now.
func (s *Switch) Like(group api.MulticastGroup, from api.NodeAddress, now time.Time) {
	s.likesMu.Lock()
	defer s.likesMu.Unlock()

	m, ok := s.likes[group]
	if !ok {
		m = make(map[api.NodeAddress]time.Time)
		s.likes[group] = m
	}
	m[from] = now
}

// Subscribers returns the peers whose subscription to group has not expired,
// dropping the expired ones.
func (s *Switch) Subscribers(group api.MulticastGroup, now time.Time) []api.NodeAddress {
	s.likesMu.Lock()
	defer s.likesMu.Unlock()

	m := s.likes[group]
	addrs := make([]api.NodeAddress, 0, len(m))
	for addr, at := range m {
		if now.Sub(at) >= s.cfg.MulticastLikeExpire {
			delete(m, addr)
			continue
		}
		addrs = append(addrs, addr)
	}
	if len(m) == 0 {
		delete(s.likes, group)
	}

	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}
