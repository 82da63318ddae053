package header

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/am6737/meshpeer/api"
)

const (
	// ProtocolVersion is advertised in HELLO.
	ProtocolVersion = 1

	PublicKeyLen = 32

	helloLen = 3 + 8 + PublicKeyLen
	replyLen = 1 + 8
	groupLen = 6 + 4
)

// Hello is the HELLO payload.
type Hello struct {
	Major     uint8
	Minor     uint8
	Revision  uint8
	Timestamp time.Time
	PublicKey []byte
}

func (p *Hello) Encode(b []byte) []byte {
	b = append(b, p.Major, p.Minor, p.Revision)
	b = binary.BigEndian.AppendUint64(b, uint64(p.Timestamp.UnixMilli()))
	return append(b, p.PublicKey...)
}

func (p *Hello) Decode(b []byte) error {
	if len(b) < helloLen {
		return fmt.Errorf("%w: hello payload is %d bytes, need %d", ErrShortPacket, len(b), helloLen)
	}
	p.Major, p.Minor, p.Revision = b[0], b[1], b[2]
	p.Timestamp = time.UnixMilli(int64(binary.BigEndian.Uint64(b[3:11])))
	p.PublicKey = append(p.PublicKey[:0], b[11:helloLen]...)
	return nil
}

// Reply is the common prefix of OK and ERROR payloads: the verb and packet id
// of the request being answered, followed by verb specific data.
type Reply struct {
	InReVerb     Verb
	InRePacketID uint64
	Data         []byte
}

func (p *Reply) Encode(b []byte) []byte {
	b = append(b, byte(p.InReVerb))
	b = binary.BigEndian.AppendUint64(b, p.InRePacketID)
	return append(b, p.Data...)
}

func (p *Reply) Decode(b []byte) error {
	if len(b) < replyLen {
		return fmt.Errorf("%w: reply payload is %d bytes, need %d", ErrShortPacket, len(b), replyLen)
	}
	p.InReVerb = Verb(b[0])
	p.InRePacketID = binary.BigEndian.Uint64(b[1:9])
	p.Data = b[replyLen:]
	return nil
}

// Frame is the FRAME payload.
type Frame struct {
	EtherType uint16
	Data      []byte
}

func (p *Frame) Encode(b []byte) []byte {
	b = binary.BigEndian.AppendUint16(b, p.EtherType)
	return append(b, p.Data...)
}

func (p *Frame) Decode(b []byte) error {
	if len(b) < 2 {
		return fmt.Errorf("%w: frame payload is %d bytes", ErrShortPacket, len(b))
	}
	p.EtherType = binary.BigEndian.Uint16(b[0:2])
	p.Data = b[2:]
	return nil
}

// MulticastFrame is the MULTICAST_FRAME payload.
type MulticastFrame struct {
	Group api.MulticastGroup
	Frame
}

func (p *MulticastFrame) Encode(b []byte) []byte {
	b = appendGroup(b, p.Group)
	return p.Frame.Encode(b)
}

func (p *MulticastFrame) Decode(b []byte) error {
	if len(b) < groupLen+2 {
		return fmt.Errorf("%w: multicast frame payload is %d bytes", ErrShortPacket, len(b))
	}
	p.Group = readGroup(b)
	return p.Frame.Decode(b[groupLen:])
}

// EncodeLike encodes a MULTICAST_LIKE payload.
func EncodeLike(b []byte, groups []api.MulticastGroup) []byte {
	for _, g := range groups {
		b = appendGroup(b, g)
	}
	return b
}

// DecodeLike decodes a MULTICAST_LIKE payload. Trailing bytes that do not
// form a whole group are an error.
func DecodeLike(b []byte) ([]api.MulticastGroup, error) {
	if len(b)%groupLen != 0 {
		return nil, fmt.Errorf("%w: multicast like payload is %d bytes", ErrShortPacket, len(b))
	}
	groups := make([]api.MulticastGroup, 0, len(b)/groupLen)
	for ; len(b) > 0; b = b[groupLen:] {
		groups = append(groups, readGroup(b))
	}
	return groups, nil
}

func appendGroup(b []byte, g api.MulticastGroup) []byte {
	b = append(b, g.MAC[:]...)
	return binary.BigEndian.AppendUint32(b, g.ADI)
}

func readGroup(b []byte) api.MulticastGroup {
	var g api.MulticastGroup
	copy(g.MAC[:], b[0:6])
	g.ADI = binary.BigEndian.Uint32(b[6:10])
	return g
}
