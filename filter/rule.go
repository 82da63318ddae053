package filter

import (
	"fmt"

	"github.com/am6737/meshpeer/transport/packet"
)

// Rule matches frames on ethertype, IP protocol and port. It is an immutable
// value; two rules are the same rule when their three ranges are equal.
type Rule struct {
	etherType Range
	protocol  Range
	port      Range
}

// NewRule builds a rule. An any range leaves that field unconstrained. The
// meaning of protocol depends on the ethertype (IP protocol numbers for IPv4
// and IPv6) and the meaning of port depends on the protocol: the destination
// port for TCP, UDP, SCTP and UDP-Lite, the message type for ICMP.
func NewRule(etherType, protocol, port Range) Rule {
	return Rule{etherType: etherType, protocol: protocol, port: port}
}

// ParseRule builds a rule from its textual fields, see ParseEtherType,
// ParseProtocol and ParseRange.
func ParseRule(etherType, protocol, port string) (Rule, error) {
	et, err := ParseEtherType(etherType)
	if err != nil {
		return Rule{}, fmt.Errorf("ethertype: %w", err)
	}
	pr, err := ParseProtocol(protocol)
	if err != nil {
		return Rule{}, fmt.Errorf("protocol: %w", err)
	}
	po, err := ParseRange(port)
	if err != nil {
		return Rule{}, fmt.Errorf("port: %w", err)
	}
	return NewRule(et, pr, po), nil
}

func (r Rule) EtherType() Range { return r.etherType }
func (r Rule) Protocol() Range  { return r.protocol }
func (r Rule) Port() Range      { return r.port }

// Match tests the rule against a frame. frame is the Ethernet payload. An
// error wrapping ErrUnparseableFrame is returned when the frame is too short
// or malformed for the fields the rule has to inspect.
func (r Rule) Match(etherType uint16, frame []byte) (bool, error) {
	if !r.etherType.Matches(uint32(etherType)) {
		return false, nil
	}
	if r.protocol.IsAny() && r.port.IsAny() {
		return true, nil
	}

	// Protocol and port only mean something for IP; other frame types
	// match on ethertype alone.
	if etherType != packet.EtherTypeIPv4 && etherType != packet.EtherTypeIPv6 {
		return true, nil
	}

	var ip packet.IP
	if err := packet.Parse(etherType, frame, &ip); err != nil {
		return false, fmt.Errorf("%w: %w", ErrUnparseableFrame, err)
	}

	if !r.protocol.Matches(uint32(ip.Protocol)) {
		// An IPv6 rule may target one of the extension headers itself.
		return r.matchesExtension(ip.Extensions), nil
	}

	if r.port.IsAny() {
		return true, nil
	}

	switch {
	case packet.HasPorts(ip.Protocol):
		// Only the first fragment carries the transport header. Blocking it
		// is enough, the rest cannot be reassembled.
		if ip.Fragment {
			return false, nil
		}
		port, err := ip.DestinationPort()
		if err != nil {
			return false, fmt.Errorf("%w: %w", ErrUnparseableFrame, err)
		}
		return r.port.Matches(uint32(port)), nil

	case packet.IsICMP(ip.Protocol):
		if ip.Fragment {
			return false, nil
		}
		t, err := ip.ICMPType()
		if err != nil {
			return false, fmt.Errorf("%w: %w", ErrUnparseableFrame, err)
		}
		return r.port.Matches(uint32(t)), nil
	}

	// Port has no meaning for other IP protocols
	return true, nil
}

func (r Rule) matchesExtension(exts []uint8) bool {
	for _, e := range exts {
		if r.protocol.Matches(uint32(e)) {
			return true
		}
	}
	return false
}

// Compare orders rules by ethertype, then protocol, then port. The order is
// only used to identify duplicates, never for matching priority.
func (r Rule) Compare(o Rule) int {
	if c := r.etherType.Compare(o.etherType); c != 0 {
		return c
	}
	if c := r.protocol.Compare(o.protocol); c != 0 {
		return c
	}
	return r.port.Compare(o.port)
}

func (r Rule) String() string {
	return fmt.Sprintf("%s/%s/%s",
		rangeName(r.etherType, func(v uint32) string { return EtherTypeName(uint16(v)) }),
		rangeName(r.protocol, func(v uint32) string { return ProtocolName(uint8(v)) }),
		r.portName())
}

// portName renders the port range, which holds the message type for ICMP.
func (r Rule) portName() string {
	if r.protocol.IsAny() || r.protocol.Low() != r.protocol.High() {
		return r.port.String()
	}
	switch uint8(r.protocol.Low()) {
	case packet.ProtoICMP:
		return rangeName(r.port, func(v uint32) string { return ICMPTypeName(uint8(v)) })
	case packet.ProtoICMPv6:
		return rangeName(r.port, func(v uint32) string { return ICMP6TypeName(uint8(v)) })
	}
	return r.port.String()
}
