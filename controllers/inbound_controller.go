package controllers

import (
	"bytes"
	"encoding/binary"
	"io"
	"net/netip"
	"time"

	"github.com/am6737/meshpeer/api"
	"github.com/am6737/meshpeer/api/interfaces"
	"github.com/am6737/meshpeer/filter"
	"github.com/am6737/meshpeer/host"
	"github.com/am6737/meshpeer/identity"
	"github.com/am6737/meshpeer/peer"
	"github.com/am6737/meshpeer/transport/header"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// InboundController 入站控制器，把 demarc 收到的数据报分发给对应的 Peer
type InboundController struct {
	self      *identity.Identity
	hosts     *host.HostMap
	sw        *Switch
	transport interfaces.Transport
	filter    interfaces.FrameFilter
	writer    interfaces.FrameWriter
	peerOpts  []peer.Option
	now       func() time.Time
	logger    *logrus.Logger

	dropped metrics.Counter
	denied  metrics.Counter
}

func NewInboundController(logger *logrus.Logger, self *identity.Identity, hosts *host.HostMap, sw *Switch,
	transport interfaces.Transport, inbound interfaces.FrameFilter, writer interfaces.FrameWriter,
	registry metrics.Registry, peerOpts ...peer.Option) *InboundController {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &InboundController{
		self:      self,
		hosts:     hosts,
		sw:        sw,
		transport: transport,
		filter:    inbound,
		writer:    writer,
		peerOpts:  peerOpts,
		now:       time.Now,
		logger:    logger,
		dropped:   metrics.GetOrRegisterCounter("inbound.dropped", registry),
		denied:    metrics.GetOrRegisterCounter("inbound.frames.denied", registry),
	}
}

func (ic *InboundController) drop(from netip.AddrPort, h *header.Header, reason string) {
	ic.dropped.Inc(1)
	entry := ic.logger.WithField("from", from)
	if h != nil {
		entry = entry.WithFields(logrus.Fields{"source": h.Source, "verb": h.Verb})
	}
	entry.Debug("Dropped packet: " + reason)
}

// HandleDatagram processes one datagram received on local from the given
// address. data is not retained.
func (ic *InboundController) HandleDatagram(local api.Port, from netip.AddrPort, data []byte) {
	// firewall opener
	if len(data) == 1 && data[0] == 0x00 {
		return
	}

	h := &header.Header{}
	if err := h.Decode(data); err != nil {
		ic.drop(from, nil, err.Error())
		return
	}
	if h.Version != header.Version {
		ic.drop(from, h, "unsupported version")
		return
	}
	if h.Destination != ic.self.Address() || h.Source == ic.self.Address() {
		ic.drop(from, h, "not addressed to this node")
		return
	}
	if len(data) < header.Len+header.MACLen {
		ic.drop(from, h, "too short to be authenticated")
		return
	}
	// Until the tag is checked the payload is only trusted for the public
	// key of a HELLO, which the tag is then verified against.
	payload := data[header.Len : len(data)-header.MACLen]
	now := ic.now()

	var hello *header.Hello
	if h.Verb == header.VerbHello {
		hello = &header.Hello{}
		if err := hello.Decode(payload); err != nil {
			ic.drop(from, h, err.Error())
			return
		}
	}

	p, known := ic.hosts.Get(h.Source)
	if !known {
		if hello == nil {
			ic.drop(from, h, "unknown peer")
			return
		}
		if p = ic.newPeer(h, hello, from); p == nil {
			return
		}
	} else if hello != nil && !bytes.Equal(hello.PublicKey, p.Identity().PublicKey()) {
		ic.drop(from, h, "public key does not match known identity")
		return
	}

	if _, err := header.Open(data, p.Key()); err != nil {
		ic.drop(from, h, err.Error())
		return
	}
	if !known {
		p = ic.hosts.AddOrGet(p)
	}

	var reply header.Reply
	if h.Verb == header.VerbOK || h.Verb == header.VerbError {
		if err := reply.Decode(payload); err != nil {
			ic.drop(from, h, err.Error())
			return
		}
	}

	p.OnReceive(now, local, from, h.Hops, h.PacketID, h.Verb, reply.InRePacketID, reply.InReVerb)

	switch h.Verb {
	case header.VerbNop:
	case header.VerbHello:
		p.SetRemoteVersion(hello.Major, hello.Minor, hello.Revision)
		ack := []byte{VersionMajor, VersionMinor, VersionRevision}
		ack = binary.BigEndian.AppendUint64(ack, uint64(hello.Timestamp.UnixMilli()))
		ic.sw.SendOK(p, local, from, header.VerbHello, h.PacketID, ack)

	case header.VerbOK:
		if reply.InReVerb == header.VerbHello && len(reply.Data) >= 3 {
			p.SetRemoteVersion(reply.Data[0], reply.Data[1], reply.Data[2])
		}

	case header.VerbError:
		ic.logger.WithFields(logrus.Fields{
			"peer":     h.Source,
			"inReVerb": reply.InReVerb,
			"inReID":   reply.InRePacketID,
		}).Debug("Received ERROR")

	case header.VerbFrame:
		f := header.Frame{}
		if err := f.Decode(payload); err != nil {
			ic.drop(from, h, err.Error())
			return
		}
		ic.deliver(p, now, f)

	case header.VerbMulticastFrame:
		mf := header.MulticastFrame{}
		if err := mf.Decode(payload); err != nil {
			ic.drop(from, h, err.Error())
			return
		}
		ic.deliver(p, now, mf.Frame)

	case header.VerbMulticastLike:
		groups, err := header.DecodeLike(payload)
		if err != nil {
			ic.drop(from, h, err.Error())
			return
		}
		for _, g := range groups {
			ic.sw.Like(g, h.Source, now)
		}

	default:
		ic.drop(from, h, "unsupported verb")
	}
}

// newPeer creates the peer for a HELLO from an unknown node. It is only
// added to the table once the HELLO is authenticated.
func (ic *InboundController) newPeer(h *header.Header, hello *header.Hello, from netip.AddrPort) *peer.Peer {
	id, err := identity.FromPublicKey(hello.PublicKey)
	if err != nil {
		ic.drop(from, h, err.Error())
		return nil
	}
	if id.Address() != h.Source {
		ic.drop(from, h, "source address does not match public key")
		return nil
	}

	p, err := peer.New(ic.self, id, ic.transport, ic.sw, ic.peerOpts...)
	if err != nil {
		ic.logger.WithError(err).WithFields(logrus.Fields{
			"peer": h.Source,
			"from": from,
		}).Warn("Rejected peer")
		ic.dropped.Inc(1)
		return nil
	}
	return p
}

func (ic *InboundController) deliver(p *peer.Peer, now time.Time, f header.Frame) {
	if ic.filter != nil && ic.filter.Evaluate(f.EtherType, f.Data) == filter.ActionDeny {
		ic.denied.Inc(1)
		ic.logger.WithFields(logrus.Fields{
			"peer":      p.Address(),
			"ethertype": filter.EtherTypeName(f.EtherType),
		}).Debug("Frame denied")
		return
	}

	p.SetLastUsed(now)
	if ic.writer == nil {
		return
	}
	if err := ic.writer.WriteFrame(p.Address(), f.EtherType, f.Data); err != nil {
		ic.logger.WithError(err).WithField("peer", p.Address()).Warn("Failed to write frame")
	}
}
