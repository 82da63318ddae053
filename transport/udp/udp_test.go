package udp

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/am6737/meshpeer/api"
	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type datagram struct {
	local api.Port
	from  netip.AddrPort
	data  []byte
}

func TestDemarcLoopback(t *testing.T) {
	reg := metrics.NewRegistry()
	d := NewDemarc(WithRegistry(reg))

	loopback := netip.MustParseAddrPort("127.0.0.1:0")
	recvPort, err := d.Bind(context.Background(), loopback)
	require.NoError(t, err)
	sendPort, err := d.Bind(context.Background(), loopback)
	require.NoError(t, err)
	assert.NotEqual(t, recvPort, sendPort)
	assert.Equal(t, []api.Port{recvPort, sendPort}, d.Ports())

	recvConn, ok := d.Conn(recvPort)
	require.True(t, ok)
	sendConn, ok := d.Conn(sendPort)
	require.True(t, ok)
	assert.Equal(t, api.FamilyV4, recvConn.Family())
	target := recvConn.LocalAddr()

	got := make(chan datagram, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- d.Serve(ctx, func(local api.Port, from netip.AddrPort, data []byte) {
			got <- datagram{local, from, append([]byte(nil), data...)}
		})
	}()

	require.True(t, d.Send(sendPort, target, []byte("hello"), -1))
	// hop override on a loopback socket still delivers
	require.True(t, d.Send(sendPort, target, []byte{0x00}, 2))

	for _, expected := range [][]byte{[]byte("hello"), {0x00}} {
		select {
		case dg := <-got:
			assert.Equal(t, expected, dg.data)
			assert.Equal(t, sendConn.LocalAddr(), dg.from)
			// both sockets read, the receiver owns the datagram
			assert.Equal(t, recvPort, dg.local)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for datagram")
		}
	}

	assert.Equal(t, int64(2), metrics.GetOrRegisterCounter("demarc.sent", reg).Count())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	assert.False(t, d.Send(sendPort, target, []byte("late"), -1))
	_, err = d.Bind(context.Background(), loopback)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, d.Close())
}

func TestDemarcPick(t *testing.T) {
	d := NewDemarc(WithRegistry(metrics.NewRegistry()))
	defer d.Close()

	first, err := d.Bind(context.Background(), netip.MustParseAddrPort("127.0.0.1:0"))
	require.NoError(t, err)
	_, err = d.Bind(context.Background(), netip.MustParseAddrPort("127.0.0.1:0"))
	require.NoError(t, err)

	v4 := netip.MustParseAddrPort("127.0.0.1:9")
	v6 := netip.MustParseAddrPort("[::1]:9")

	c := d.pick(api.AnyPort, v4)
	require.NotNil(t, c)
	assert.Equal(t, first, c.Port())

	// mapped destinations count as ipv4
	mapped := netip.AddrPortFrom(netip.AddrFrom16(v4.Addr().As16()), 9)
	assert.True(t, d.Send(api.AnyPort, mapped, []byte{1}, -1))

	assert.Nil(t, d.pick(api.AnyPort, v6))
	assert.Nil(t, d.pick(first, v6))
	assert.Nil(t, d.pick(api.Port(99), v4))
	assert.False(t, d.Send(api.Port(99), v4, []byte{1}, -1))
}

func TestBindError(t *testing.T) {
	d := NewDemarc(WithRegistry(metrics.NewRegistry()), WithReusePort(true))
	defer d.Close()

	// TEST-NET-1 is never a local address
	_, err := d.Bind(context.Background(), netip.MustParseAddrPort("192.0.2.1:0"))
	assert.Error(t, err)
}
