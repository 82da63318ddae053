package host

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/am6737/meshpeer/api"
	"github.com/am6737/meshpeer/peer"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

var ErrPeerExists = errors.New("peer already exists")

func NewHostMap(logger *logrus.Logger, registry metrics.Registry) *HostMap {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &HostMap{
		hosts:  map[api.NodeAddress]*peer.Peer{},
		logger: logger,
		gauge:  metrics.GetOrRegisterGauge("hostmap.peers", registry),
	}
}

// HostMap is the table of known peers keyed by overlay address. Peers are
// shared by pointer and stay valid after removal for whoever still holds one.
type HostMap struct {
	sync.RWMutex //Because we concurrently read and write to our maps
	hosts        map[api.NodeAddress]*peer.Peer
	logger       *logrus.Logger
	gauge        metrics.Gauge
}

// Add inserts p, failing if a peer with the same address is present.
func (hm *HostMap) Add(p *peer.Peer) error {
	hm.Lock()
	defer hm.Unlock()

	if _, ok := hm.hosts[p.Address()]; ok {
		return fmt.Errorf("%w: %s", ErrPeerExists, p.Address())
	}
	hm.add(p)
	return nil
}

// AddOrGet inserts p unless a peer with its address is already present, and
// returns whichever peer is in the table afterwards.
func (hm *HostMap) AddOrGet(p *peer.Peer) *peer.Peer {
	hm.Lock()
	defer hm.Unlock()

	if existing, ok := hm.hosts[p.Address()]; ok {
		return existing
	}
	hm.add(p)
	return p
}

func (hm *HostMap) add(p *peer.Peer) {
	hm.hosts[p.Address()] = p
	hm.gauge.Update(int64(len(hm.hosts)))

	hm.logger.WithFields(logrus.Fields{
		"address":   p.Address(),
		"publicKey": p.Identity().PublicString(),
	}).Info("Add new host")
}

func (hm *HostMap) Get(addr api.NodeAddress) (*peer.Peer, bool) {
	hm.RLock()
	defer hm.RUnlock()
	p, ok := hm.hosts[addr]
	return p, ok
}

func (hm *HostMap) Delete(addr api.NodeAddress) {
	hm.Lock()
	defer hm.Unlock()
	if _, ok := hm.hosts[addr]; !ok {
		return
	}
	delete(hm.hosts, addr)
	hm.gauge.Update(int64(len(hm.hosts)))
	hm.logger.WithField("address", addr).Info("Delete host")
}

func (hm *HostMap) Len() int {
	hm.RLock()
	defer hm.RUnlock()
	return len(hm.hosts)
}

// Peers returns a snapshot of the table ordered by address.
func (hm *HostMap) Peers() []*peer.Peer {
	hm.RLock()
	peers := make([]*peer.Peer, 0, len(hm.hosts))
	for _, p := range hm.hosts {
		peers = append(peers, p)
	}
	hm.RUnlock()

	sort.Slice(peers, func(i, j int) bool { return peers[i].Address() < peers[j].Address() })
	return peers
}

// Each calls fn for a snapshot of the table, without holding the table lock,
// so fn may call back into the HostMap.
func (hm *HostMap) Each(fn func(p *peer.Peer)) {
	for _, p := range hm.Peers() {
		fn(p)
	}
}

func (hm *HostMap) PrintHosts(w io.Writer) {
	for _, p := range hm.Peers() {
		fmt.Fprintf(w, " address: %s, %s\n", p.Address(), p)
	}
}
