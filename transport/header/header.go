package header

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/am6737/meshpeer/api"
)

const (
	Version uint8 = 1
	Len           = 24

	// MaxHops 是 hops 字段可以表示的最大值
	MaxHops = 0x0f
)

var ErrShortPacket = errors.New("packet too short")

type Verb uint8

const (
	VerbNop Verb = iota
	VerbHello
	VerbError
	VerbOK
	VerbWhois
	VerbRendezvous
	VerbFrame
	VerbMulticastFrame
	VerbMulticastLike
)

var verbMap = map[Verb]string{
	VerbNop:            "NOP",
	VerbHello:          "HELLO",
	VerbError:          "ERROR",
	VerbOK:             "OK",
	VerbWhois:          "WHOIS",
	VerbRendezvous:     "RENDEZVOUS",
	VerbFrame:          "FRAME",
	VerbMulticastFrame: "MULTICAST_FRAME",
	VerbMulticastLike:  "MULTICAST_LIKE",
}

func (v Verb) String() string {
	if n, ok := verbMap[v]; ok {
		return n
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(v))
}

// Header is the fixed part of every overlay packet.
//
//	0        version<<4 | hops
//	1        verb
//	2..3     reserved
//	4..11    packet id
//	12..16   destination address
//	17..21   source address
//	22..23   reserved
type Header struct {
	Version     uint8
	Hops        uint8
	Verb        Verb
	PacketID    uint64
	Destination api.NodeAddress
	Source      api.NodeAddress
}

func (h *Header) Encode(b []byte) ([]byte, error) {
	if h == nil {
		return nil, errors.New("nil header")
	}
	if len(b) < Len {
		return nil, fmt.Errorf("%w: buffer is %d bytes, header needs %d", ErrShortPacket, len(b), Len)
	}
	return Encode(b, h.Version, h.Hops, h.Verb, h.PacketID, h.Destination, h.Source), nil
}

func Encode(b []byte, v uint8, hops uint8, verb Verb, packetID uint64, dst, src api.NodeAddress) []byte {
	b = b[:Len]
	b[0] = v<<4 | hops&MaxHops
	b[1] = byte(verb)
	binary.BigEndian.PutUint16(b[2:4], 0)
	binary.BigEndian.PutUint64(b[4:12], packetID)
	dst.PutBytes(b[12:17])
	src.PutBytes(b[17:22])
	binary.BigEndian.PutUint16(b[22:24], 0)
	return b
}

func (h *Header) Decode(b []byte) error {
	if len(b) < Len {
		return fmt.Errorf("%w: %d bytes, header needs %d", ErrShortPacket, len(b), Len)
	}

	h.Version = b[0] >> 4
	h.Hops = b[0] & MaxHops
	h.Verb = Verb(b[1])
	h.PacketID = binary.BigEndian.Uint64(b[4:12])
	h.Destination = api.NodeAddressFromBytes(b[12:17])
	h.Source = api.NodeAddressFromBytes(b[17:22])

	return nil
}

func Decode(b []byte) (*Header, error) {
	h := &Header{}
	if err := h.Decode(b); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Header) String() string {
	if h == nil {
		return "<nil>"
	}
	return fmt.Sprintf("version=%d hops=%d verb=%s packetid=%#x destination=%s source=%s",
		h.Version, h.Hops, h.Verb, h.PacketID, h.Destination, h.Source)
}

// IDGenerator hands out packet ids. Replies are matched to requests by id, so
// ids are drawn from crypto/rand: knowing the id sent to one peer says nothing
// about the id sent to another.
type IDGenerator struct {
	r io.Reader
}

func NewIDGenerator() *IDGenerator {
	return &IDGenerator{r: rand.Reader}
}

// Next returns a random packet id, never zero. It panics if the random
// source fails.
func (g *IDGenerator) Next() uint64 {
	var b [8]byte
	for {
		if _, err := io.ReadFull(g.r, b[:]); err != nil {
			panic(fmt.Sprintf("header: reading packet id: %v", err))
		}
		if id := binary.BigEndian.Uint64(b[:]); id != 0 {
			return id
		}
	}
}
