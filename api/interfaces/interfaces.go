package interfaces

import (
	"context"
	"net/netip"

	"github.com/am6737/meshpeer/api"
)

type Runnable interface {
	// Start starts running the component.  The component will stop running
	// when the context is closed. Start blocks until the context is closed or
	// an error occurs.
	Start(context.Context) error
}

// Transport is the physical send primitive.
type Transport interface {
	// Send writes data to the given address through the local endpoint.
	// A hopLimit of -1 keeps the socket default, any other value overrides
	// the IP TTL / hop limit for this datagram only.
	Send(local api.Port, to netip.AddrPort, data []byte, hopLimit int) bool
}

// FrameWriter receives frames that passed the inbound filter.
type FrameWriter interface {
	WriteFrame(from api.NodeAddress, etherType uint16, frame []byte) error
}
