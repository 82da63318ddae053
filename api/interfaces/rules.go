package interfaces

import "github.com/am6737/meshpeer/filter"

// FrameFilter decides whether an Ethernet frame may cross the overlay.
type FrameFilter interface {
	// Evaluate returns the action for a frame of the given ethertype.
	// frame is the Ethernet payload. The result is never filter.ActionLog
	// or filter.ActionUnparseable.
	Evaluate(etherType uint16, frame []byte) filter.Action
}
