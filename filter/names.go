package filter

import (
	"fmt"
	"strings"

	"github.com/google/gopacket/layers"

	"github.com/am6737/meshpeer/transport/packet"
)

// Ethernet frame types that might be relevant to us, beyond what gopacket names.
const (
	EtherTypeRARP  uint16 = 0x8035
	EtherTypeATalk uint16 = 0x809b
	EtherTypeAARP  uint16 = 0x80f3
	EtherTypeIPXA  uint16 = 0x8137
	EtherTypeIPXB  uint16 = 0x8138
)

var etherTypeByName = map[string]uint16{
	"ipv4":  packet.EtherTypeIPv4,
	"arp":   packet.EtherTypeARP,
	"rarp":  EtherTypeRARP,
	"atalk": EtherTypeATalk,
	"aarp":  EtherTypeAARP,
	"ipx_a": EtherTypeIPXA,
	"ipx_b": EtherTypeIPXB,
	"ipv6":  packet.EtherTypeIPv6,
}

var extraEtherTypeNames = map[uint16]string{
	EtherTypeRARP:  "RARP",
	EtherTypeATalk: "ATALK",
	EtherTypeAARP:  "AARP",
	EtherTypeIPXA:  "IPX_A",
	EtherTypeIPXB:  "IPX_B",
}

var protocolByName = map[string]uint8{
	"icmp":    packet.ProtoICMP,
	"igmp":    uint8(layers.IPProtocolIGMP),
	"tcp":     packet.ProtoTCP,
	"udp":     packet.ProtoUDP,
	"gre":     uint8(layers.IPProtocolGRE),
	"esp":     packet.ProtoESP,
	"ah":      packet.ProtoAH,
	"icmpv6":  packet.ProtoICMPv6,
	"ospf":    uint8(layers.IPProtocolOSPF),
	"ipip":    uint8(layers.IPProtocolIPIP),
	"ipcomp":  0x6c,
	"l2tp":    0x73,
	"sctp":    packet.ProtoSCTP,
	"fc":      0x85,
	"udplite": packet.ProtoUDPLite,
	"hip":     0x8b,
}

// EtherTypeName returns a human readable name for an ethertype, or its hex
// value when it has none.
func EtherTypeName(t uint16) string {
	if n, ok := extraEtherTypeNames[t]; ok {
		return n
	}
	if n := layers.EthernetType(t).String(); n != "" && !strings.HasPrefix(n, "Unknown") {
		return n
	}
	return fmt.Sprintf("%#04x", t)
}

// ProtocolName returns a human readable name for an IP protocol number.
func ProtocolName(p uint8) string {
	if n := layers.IPProtocol(p).String(); n != "" && !strings.HasPrefix(n, "Unknown") {
		return n
	}
	return fmt.Sprintf("%d", p)
}

// ParseEtherType accepts an ethertype name (ipv4, arp, ipv6, ...) or a range.
func ParseEtherType(s string) (Range, error) {
	if t, ok := etherTypeByName[strings.ToLower(strings.TrimSpace(s))]; ok {
		return Single(uint32(t)), nil
	}
	return ParseRange(s)
}

// ParseProtocol accepts an IP protocol name (tcp, udp, icmp, ...) or a range.
func ParseProtocol(s string) (Range, error) {
	if p, ok := protocolByName[strings.ToLower(strings.TrimSpace(s))]; ok {
		return Single(uint32(p)), nil
	}
	return ParseRange(s)
}

// ICMPTypeName returns the name of an ICMPv4 message type, or its number.
func ICMPTypeName(t uint8) string {
	return icmpName(layers.ICMPv4TypeCode(uint16(t)<<8).String(), t)
}

// ICMP6TypeName returns the name of an ICMPv6 message type, or its number.
func ICMP6TypeName(t uint8) string {
	return icmpName(layers.ICMPv6TypeCode(uint16(t)<<8).String(), t)
}

// icmpName trims gopacket's code suffix, "DestinationUnreachable(Net)" names
// the type with code 0. Unknown types come back as "t(c)".
func icmpName(s string, t uint8) string {
	if name, _, _ := strings.Cut(s, "("); name != "" && (name[0] < '0' || name[0] > '9') {
		return name
	}
	return fmt.Sprintf("%d", t)
}

func rangeName(r Range, name func(uint32) string) string {
	if r.IsAny() || r.Low() != r.High() {
		return r.String()
	}
	return name(r.Low())
}
