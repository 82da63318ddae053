package peer

import (
	"time"

	"github.com/am6737/meshpeer/transport/header"
)

// RequestHistoryLength is the number of outstanding requests remembered per peer.
const RequestHistoryLength = 32

type request struct {
	timestamp time.Time
	packetID  uint64
	verb      header.Verb
}

// RequestHistory remembers requests sent to a peer so that replies can be
// correlated for latency measurement and path learning.
//
// It is a ring: once full, recording overwrites the oldest slot whether or
// not it was answered, and that round trip is simply never measured.
// RequestHistory is not safe for concurrent use; Peer guards it.
type RequestHistory struct {
	slots [RequestHistoryLength]request
	next  int
}

// Record remembers a request sent at now.
func (h *RequestHistory) Record(now time.Time, packetID uint64, verb header.Verb) {
	h.slots[h.next] = request{timestamp: now, packetID: packetID, verb: verb}
	h.next = (h.next + 1) % RequestHistoryLength
}

// ConsumeMatching finds the request a reply refers to, frees its slot and
// returns the elapsed time since it was sent. At most one slot is consumed.
func (h *RequestHistory) ConsumeMatching(now time.Time, packetID uint64, verb header.Verb) (time.Duration, bool) {
	for i := range h.slots {
		s := &h.slots[i]
		if s.timestamp.IsZero() || s.packetID != packetID || s.verb != verb {
			continue
		}
		elapsed := now.Sub(s.timestamp)
		if elapsed < 0 {
			elapsed = 0
		}
		*s = request{}
		return elapsed, true
	}
	return 0, false
}

// Pending returns the number of occupied slots.
func (h *RequestHistory) Pending() int {
	n := 0
	for i := range h.slots {
		if !h.slots[i].timestamp.IsZero() {
			n++
		}
	}
	return n
}
