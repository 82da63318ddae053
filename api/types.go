package api

import (
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// NodeAddress 是覆盖网络中节点的 40 位地址
type NodeAddress uint64

const (
	// NodeAddressLength is the on-wire size of a NodeAddress in bytes.
	NodeAddressLength = 5

	nodeAddressMask = 0xffffffffff

	// reservedAddressPrefix marks addresses that may never be assigned to a node.
	reservedAddressPrefix = 0xff
)

func (a NodeAddress) String() string {
	return fmt.Sprintf("%010x", uint64(a)&nodeAddressMask)
}

// IsReserved reports whether a can never belong to a real node: the all zero
// address and anything in the 0xff prefix.
func (a NodeAddress) IsReserved() bool {
	return a == 0 || byte(a>>32) == reservedAddressPrefix
}

// PutBytes writes the 5-byte big-endian form of a into b.
func (a NodeAddress) PutBytes(b []byte) {
	_ = b[4]
	b[0] = byte(a >> 32)
	b[1] = byte(a >> 24)
	b[2] = byte(a >> 16)
	b[3] = byte(a >> 8)
	b[4] = byte(a)
}

// NodeAddressFromBytes decodes the 5-byte big-endian form written by PutBytes.
func NodeAddressFromBytes(b []byte) NodeAddress {
	_ = b[4]
	return NodeAddress(uint64(b[0])<<32 | uint64(b[1])<<24 | uint64(b[2])<<16 | uint64(b[3])<<8 | uint64(b[4]))
}

func ParseNodeAddress(s string) (NodeAddress, error) {
	if len(s) != 2*NodeAddressLength {
		return 0, fmt.Errorf("invalid node address %q: want %d hex digits", s, 2*NodeAddressLength)
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid node address %q: %w", s, err)
	}
	return NodeAddress(v), nil
}

func (a NodeAddress) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("\"%s\"", a.String())), nil
}

func (a *NodeAddress) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	parsed, err := ParseNodeAddress(s)
	if err != nil {
		return err
	}

	*a = parsed
	return nil
}

// Family identifies the address family of a physical path.
type Family uint8

const (
	// FamilyNone is used where "no family" or "every family" is meant.
	FamilyNone Family = iota
	FamilyV4
	FamilyV6
)

func (f Family) String() string {
	switch f {
	case FamilyV4:
		return "ipv4"
	case FamilyV6:
		return "ipv6"
	}
	return "none"
}

// FamilyOf returns the family of addr. IPv4-mapped IPv6 addresses count as IPv4.
func FamilyOf(addr netip.AddrPort) Family {
	ip := addr.Addr()
	switch {
	case !ip.IsValid():
		return FamilyNone
	case ip.Is4() || ip.Is4In6():
		return FamilyV4
	default:
		return FamilyV6
	}
}

// Unmap returns addr with any IPv4-mapped IPv6 prefix removed.
func Unmap(addr netip.AddrPort) netip.AddrPort {
	if !addr.IsValid() {
		return addr
	}
	return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
}

// Port identifies a local transport endpoint (a bound socket).
type Port uint64

const (
	// NullPort means "no endpoint" and is returned when nothing could send.
	NullPort Port = 0
	// AnyPort lets the transport pick any bound endpoint of the right family.
	AnyPort Port = math.MaxUint64
)

func (p Port) String() string {
	switch p {
	case NullPort:
		return "null"
	case AnyPort:
		return "any"
	}
	return strconv.FormatUint(uint64(p), 10)
}

// MulticastGroup is an Ethernet multicast MAC plus an additional distinguishing
// information field (ADI), e.g. the IPv4 address for ARP broadcast groups.
type MulticastGroup struct {
	MAC [6]byte
	ADI uint32
}

func (g MulticastGroup) String() string {
	s := net.HardwareAddr(g.MAC[:]).String()
	if g.ADI != 0 {
		s += fmt.Sprintf("/%x", g.ADI)
	}
	return s
}

// ParseMulticastGroup parses "01:00:5e:00:00:01" with an optional "/adi" hex suffix.
func ParseMulticastGroup(s string) (MulticastGroup, error) {
	var g MulticastGroup
	macStr, adiStr, hasADI := strings.Cut(s, "/")

	mac, err := net.ParseMAC(macStr)
	if err != nil {
		return g, fmt.Errorf("invalid multicast group %q: %w", s, err)
	}
	if len(mac) != len(g.MAC) {
		return g, fmt.Errorf("invalid multicast group %q: not an ethernet address", s)
	}
	copy(g.MAC[:], mac)

	if hasADI {
		adi, err := strconv.ParseUint(adiStr, 16, 32)
		if err != nil {
			return g, fmt.Errorf("invalid multicast group %q: %w", s, err)
		}
		g.ADI = uint32(adi)
	}
	return g, nil
}
