package peer

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/am6737/meshpeer/api"
)

// Path is a direct physical path to a peer, one per address family.
type Path struct {
	Addr netip.AddrPort
	// LocalPort is the local endpoint the path was last seen on.
	LocalPort api.Port
	// Fixed paths are pinned by configuration and never relearned.
	Fixed bool

	LastSend           time.Time
	LastReceive        time.Time
	LastFirewallOpener time.Time
}

// IsActive reports whether the path received something within window of now.
func (p Path) IsActive(now time.Time, window time.Duration) bool {
	return !p.LastReceive.IsZero() && now.Sub(p.LastReceive) < window
}

func (p Path) HasAddress() bool {
	return p.Addr.IsValid()
}

func (p Path) Family() api.Family {
	return api.FamilyOf(p.Addr)
}

func (p Path) String() string {
	if !p.HasAddress() {
		return "<none>"
	}
	s := fmt.Sprintf("%s@%s", p.Addr, p.LocalPort)
	if p.Fixed {
		s += " fixed"
	}
	return s
}
