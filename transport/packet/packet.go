package packet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/gopacket/layers"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	EtherTypeIPv4 = uint16(layers.EthernetTypeIPv4)
	EtherTypeARP  = uint16(layers.EthernetTypeARP)
	EtherTypeIPv6 = uint16(layers.EthernetTypeIPv6)

	ProtoHopByHop    = uint8(layers.IPProtocolIPv6HopByHop)
	ProtoICMP        = uint8(layers.IPProtocolICMPv4)
	ProtoTCP         = uint8(layers.IPProtocolTCP)
	ProtoUDP         = uint8(layers.IPProtocolUDP)
	ProtoRouting     = uint8(layers.IPProtocolIPv6Routing)
	ProtoFragment    = uint8(layers.IPProtocolIPv6Fragment)
	ProtoESP         = uint8(layers.IPProtocolESP)
	ProtoAH          = uint8(layers.IPProtocolAH)
	ProtoICMPv6      = uint8(layers.IPProtocolICMPv6)
	ProtoNoNext      = uint8(layers.IPProtocolNoNextHeader)
	ProtoDestination = uint8(layers.IPProtocolIPv6Destination)
	ProtoSCTP        = uint8(layers.IPProtocolSCTP)
	ProtoUDPLite     = uint8(layers.IPProtocolUDPLite)
	ProtoMobility    = uint8(135)
)

// maxExtensionHeaders bounds the IPv6 extension header walk.
const maxExtensionHeaders = 8

var (
	ErrTruncated = errors.New("truncated packet")
	ErrMalformed = errors.New("malformed packet")
)

// IP is the part of an IPv4 or IPv6 packet the frame filter looks at.
type IP struct {
	Version int
	// Protocol is the upper-layer protocol, after any IPv6 extension headers.
	Protocol uint8
	// Extensions lists the IPv6 extension headers walked, in order.
	Extensions []uint8
	// Fragment is set for the second and further fragments of a packet.
	Fragment bool
	// Payload holds the bytes following the IP headers.
	Payload []byte
}

func (ip *IP) reset() {
	ip.Version = 0
	ip.Protocol = 0
	ip.Extensions = ip.Extensions[:0]
	ip.Fragment = false
	ip.Payload = nil
}

// Parse dispatches on the ethertype. Non-IP ethertypes are an error.
func Parse(etherType uint16, data []byte, ip *IP) error {
	switch etherType {
	case EtherTypeIPv4:
		return ParseIPv4(data, ip)
	case EtherTypeIPv6:
		return ParseIPv6(data, ip)
	}
	return fmt.Errorf("%w: ethertype %#04x is not ip", ErrMalformed, etherType)
}

// ParseIPv4 parses an IPv4 header.
func ParseIPv4(data []byte, ip *IP) error {
	ip.reset()

	// Do we at least have an ipv4 header worth of data?
	if len(data) < ipv4.HeaderLen {
		return fmt.Errorf("%w: ipv4 packet is %d bytes, header needs %d", ErrTruncated, len(data), ipv4.HeaderLen)
	}

	if v := int(data[0] >> 4); v != 4 {
		return fmt.Errorf("%w: ip version %d in ipv4 frame", ErrMalformed, v)
	}

	// Adjust our start position based on the advertised ip header length
	ihl := int(data[0]&0x0f) << 2
	if ihl < ipv4.HeaderLen {
		return fmt.Errorf("%w: invalid ipv4 header length %d", ErrMalformed, ihl)
	}
	if len(data) < ihl {
		return fmt.Errorf("%w: ipv4 packet is %d bytes, header length %d", ErrTruncated, len(data), ihl)
	}

	// Ethernet padding may follow the datagram
	if total := int(binary.BigEndian.Uint16(data[2:4])); total >= ihl && total < len(data) {
		data = data[:total]
	}

	ip.Version = 4
	ip.Protocol = data[9]
	ip.Fragment = binary.BigEndian.Uint16(data[6:8])&0x1fff != 0
	ip.Payload = data[ihl:]
	return nil
}

// ParseIPv6 parses an IPv6 header and walks its extension headers until it
// reaches the upper-layer protocol.
func ParseIPv6(data []byte, ip *IP) error {
	ip.reset()

	if len(data) < ipv6.HeaderLen {
		return fmt.Errorf("%w: ipv6 packet is %d bytes, header needs %d", ErrTruncated, len(data), ipv6.HeaderLen)
	}

	if v := int(data[0] >> 4); v != 6 {
		return fmt.Errorf("%w: ip version %d in ipv6 frame", ErrMalformed, v)
	}

	if plen := int(binary.BigEndian.Uint16(data[4:6])); plen > 0 && ipv6.HeaderLen+plen < len(data) {
		data = data[:ipv6.HeaderLen+plen]
	}

	ip.Version = 6
	next := data[6]
	pos := ipv6.HeaderLen

	for i := 0; i < maxExtensionHeaders; i++ {
		switch next {
		case ProtoHopByHop, ProtoRouting, ProtoDestination, ProtoMobility:
			if len(data) < pos+2 {
				return fmt.Errorf("%w: ipv6 extension header %d at offset %d", ErrTruncated, next, pos)
			}
			ip.Extensions = append(ip.Extensions, next)
			next, pos = data[pos], pos+8+8*int(data[pos+1])
			if pos > len(data) {
				return fmt.Errorf("%w: ipv6 extension header runs past end of packet", ErrTruncated)
			}

		case ProtoFragment:
			if len(data) < pos+8 {
				return fmt.Errorf("%w: ipv6 fragment header at offset %d", ErrTruncated, pos)
			}
			ip.Extensions = append(ip.Extensions, next)
			if binary.BigEndian.Uint16(data[pos+2:pos+4])>>3 != 0 {
				ip.Fragment = true
			}
			next, pos = data[pos], pos+8

		default:
			ip.Protocol = next
			ip.Payload = data[pos:]
			return nil
		}
	}

	return fmt.Errorf("%w: more than %d ipv6 extension headers", ErrMalformed, maxExtensionHeaders)
}

// HasPorts reports whether proto carries a destination port at bytes 2..3 of
// its header. SCTP and UDP-Lite share the TCP/UDP layout there.
func HasPorts(proto uint8) bool {
	switch proto {
	case ProtoTCP, ProtoUDP, ProtoSCTP, ProtoUDPLite:
		return true
	}
	return false
}

// IsICMP reports whether proto is ICMP or ICMPv6.
func IsICMP(proto uint8) bool {
	return proto == ProtoICMP || proto == ProtoICMPv6
}

// DestinationPort returns the transport destination port.
func (ip *IP) DestinationPort() (uint16, error) {
	if len(ip.Payload) < 4 {
		return 0, fmt.Errorf("%w: transport header is %d bytes, need 4", ErrTruncated, len(ip.Payload))
	}
	return binary.BigEndian.Uint16(ip.Payload[2:4]), nil
}

// ICMPType returns the ICMP or ICMPv6 message type.
func (ip *IP) ICMPType() (uint8, error) {
	if len(ip.Payload) < 1 {
		return 0, fmt.Errorf("%w: empty icmp header", ErrTruncated)
	}
	return ip.Payload[0], nil
}
