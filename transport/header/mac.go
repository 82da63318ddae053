package header

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// MACLen is the size of the authentication tag trailing every packet.
const MACLen = 16

// ErrBadMAC is returned by Open when a packet was not sealed with the key.
var ErrBadMAC = errors.New("packet authentication failed")

// mac computes the keyed BLAKE2b tag of b.
func mac(b, key []byte) ([]byte, error) {
	h, err := blake2b.New(MACLen, key)
	if err != nil {
		return nil, err
	}
	h.Write(b)
	return h.Sum(nil), nil
}

// Seal appends the tag of b, header and payload, computed with the key agreed
// between the two nodes.
func Seal(b, key []byte) ([]byte, error) {
	tag, err := mac(b, key)
	if err != nil {
		return nil, fmt.Errorf("seal packet: %w", err)
	}
	return append(b, tag...), nil
}

// Open checks the trailing tag of a sealed packet and returns the packet
// without it.
func Open(b, key []byte) ([]byte, error) {
	if len(b) < Len+MACLen {
		return nil, fmt.Errorf("%w: sealed packet is %d bytes", ErrShortPacket, len(b))
	}
	body, tag := b[:len(b)-MACLen], b[len(b)-MACLen:]
	want, err := mac(body, key)
	if err != nil {
		return nil, fmt.Errorf("open packet: %w", err)
	}
	if subtle.ConstantTimeCompare(tag, want) != 1 {
		return nil, ErrBadMAC
	}
	return body, nil
}
