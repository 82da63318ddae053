package controllers

import (
	"testing"
	"time"

	"github.com/am6737/meshpeer/api"
	"github.com/am6737/meshpeer/filter"
	"github.com/am6737/meshpeer/transport/header"
	"github.com/am6737/meshpeer/transport/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSwitch_Subscribers(t *testing.T) {
	net := newMemNetwork()
	c := &clock{now: t0}
	a := newTestNode(t, net, c, "192.0.2.1:9993")

	g1 := api.MulticastGroup{MAC: [6]byte{0x01, 0x00, 0x5e, 0, 0, 1}}
	g2 := api.MulticastGroup{MAC: [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, ADI: 0x0a000001}
	expire := a.cfg.MulticastLikeExpire

	a.sw.Like(g1, 0x0200000002, t0)
	a.sw.Like(g1, 0x0100000001, t0.Add(time.Minute))
	a.sw.Like(g2, 0x0300000003, t0)

	assert.Equal(t, []api.NodeAddress{0x0100000001, 0x0200000002}, a.sw.Subscribers(g1, t0.Add(time.Minute)))

	// the first subscription expires, the refreshed one stays
	assert.Equal(t, []api.NodeAddress{0x0100000001}, a.sw.Subscribers(g1, t0.Add(expire)))
	assert.Empty(t, a.sw.Subscribers(g2, t0.Add(expire)))
	assert.Empty(t, a.sw.Subscribers(api.MulticastGroup{}, t0))

	// a LIKE refreshes the timestamp
	a.sw.Like(g1, 0x0100000001, t0.Add(expire))
	assert.Len(t, a.sw.Subscribers(g1, t0.Add(expire+time.Minute)), 1)
}

func TestSwitch_SendFrameErrors(t *testing.T) {
	net := newMemNetwork()
	c := &clock{now: t0}
	a := newTestNode(t, net, c, "192.0.2.1:9993")
	b := newTestNode(t, net, c, "198.51.100.2:9993")

	err := a.sw.SendFrame(b.id.Address(), packet.EtherTypeIPv4, tcp4Frame(t, 80))
	assert.ErrorIs(t, err, ErrUnknownPeer)

	pb := a.know(t, b, false)
	pb.ClearFixedFlag(api.FamilyNone)

	deny, err := filter.ParseRule("ipv4", "tcp", "80")
	require.NoError(t, err)
	require.NoError(t, a.filter.Add(deny, filter.ActionDeny))
	assert.ErrorIs(t, a.sw.SendFrame(b.id.Address(), packet.EtherTypeIPv4, tcp4Frame(t, 80)), ErrFrameDenied)
	_, err = a.sw.SendMulticastFrame(api.MulticastGroup{}, packet.EtherTypeIPv4, tcp4Frame(t, 80))
	assert.ErrorIs(t, err, ErrFrameDenied)

	// b disappears from the network
	net.mu.Lock()
	delete(net.nodes, b.addr)
	net.mu.Unlock()
	assert.ErrorIs(t, a.sw.SendFrame(b.id.Address(), packet.EtherTypeIPv4, tcp4Frame(t, 443)), ErrNoPath)
}

func TestSwitch_SendHelloRecordsRequest(t *testing.T) {
	net := newMemNetwork()
	c := &clock{now: t0}
	a := newTestNode(t, net, c, "192.0.2.1:9993")
	b := newTestNode(t, net, c, "198.51.100.2:9993")
	pb := a.know(t, b, true)

	require.True(t, a.sw.SendHello(pb, api.AnyPort, b.addr))
	assert.Equal(t, 1, pb.PendingRequests())

	require.Len(t, net.log, 1)
	h, err := header.Decode(net.log[0].data)
	require.NoError(t, err)
	assert.Equal(t, header.VerbHello, h.Verb)
	assert.Equal(t, a.id.Address(), h.Source)
	assert.Equal(t, b.id.Address(), h.Destination)
	assert.Equal(t, uint8(0), h.Hops)

	var hello header.Hello
	require.NoError(t, hello.Decode(net.log[0].data[header.Len:]))
	assert.Equal(t, a.id.PublicKey(), hello.PublicKey)
	assert.True(t, t0.Equal(hello.Timestamp))

	// sealed with the key agreed with b, and only that key
	pa := b.know(t, a, true)
	_, err = header.Open(net.log[0].data, pa.Key())
	assert.NoError(t, err)
	_, err = header.Open(net.log[0].data, make([]byte, 32))
	assert.ErrorIs(t, err, header.ErrBadMAC)
}
