package filter

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"
)

var (
	srcV4 = net.IP{10, 0, 0, 1}
	dstV4 = net.IP{10, 0, 0, 2}
	srcV6 = net.ParseIP("fd00::1")
	dstV6 = net.ParseIP("fd00::2")
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, ls...))
	return buf.Bytes()
}

func ipv4Layer(proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{Version: 4, TTL: 64, Protocol: proto, SrcIP: srcV4, DstIP: dstV4}
}

func tcp4Frame(t *testing.T, dport uint16) []byte {
	return serialize(t, ipv4Layer(layers.IPProtocolTCP),
		&layers.TCP{SrcPort: 40000, DstPort: layers.TCPPort(dport), Window: 1024},
		gopacket.Payload("hello"))
}

func udp4Frame(t *testing.T, dport uint16) []byte {
	return serialize(t, ipv4Layer(layers.IPProtocolUDP),
		&layers.UDP{SrcPort: 40000, DstPort: layers.UDPPort(dport)},
		gopacket.Payload("hello"))
}

func icmp4Frame(t *testing.T, typ uint8) []byte {
	return serialize(t, ipv4Layer(layers.IPProtocolICMPv4),
		&layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(typ, 0)})
}

// truncatedTCP4Frame claims TCP but ends right after the IPv4 header.
func truncatedTCP4Frame(t *testing.T) []byte {
	return serialize(t, ipv4Layer(layers.IPProtocolTCP))
}

func udp6Frame(t *testing.T, dport uint16) []byte {
	return serialize(t,
		&layers.IPv6{Version: 6, HopLimit: 64, NextHeader: layers.IPProtocolUDP, SrcIP: srcV6, DstIP: dstV6},
		&layers.UDP{SrcPort: 40000, DstPort: layers.UDPPort(dport)},
		gopacket.Payload("hello"))
}

// ipv6WithExtensions builds an IPv6 packet by hand with the given extension
// headers (each 8 bytes long) in front of a transport header.
func ipv6WithExtensions(exts []uint8, upper uint8, transport []byte) []byte {
	b := make([]byte, 40)
	b[0] = 0x60
	b[7] = 64
	copy(b[8:24], srcV6.To16())
	copy(b[24:40], dstV6.To16())

	next := upper
	if len(exts) > 0 {
		next = exts[0]
	}
	b[6] = next

	for i := range exts {
		n := upper
		if i+1 < len(exts) {
			n = exts[i+1]
		}
		ext := make([]byte, 8)
		ext[0] = n
		b = append(b, ext...)
	}
	b = append(b, transport...)
	binary.BigEndian.PutUint16(b[4:6], uint16(len(b)-40))
	return b
}

func udpHeader(dport uint16) []byte {
	h := make([]byte, 8)
	binary.BigEndian.PutUint16(h[0:2], 40000)
	binary.BigEndian.PutUint16(h[2:4], dport)
	binary.BigEndian.PutUint16(h[4:6], 8)
	return h
}
