package filter

import (
	"fmt"
	"sync"
	"testing"

	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/am6737/meshpeer/config"
	"github.com/am6737/meshpeer/transport/packet"
)

func newTestFilter(opts ...Option) *Filter {
	return New(append([]Option{WithRegistry(metrics.NewRegistry())}, opts...)...)
}

func TestFilter_AddDeduplicates(t *testing.T) {
	f := newTestFilter()
	ruleX := NewRule(ipv4, tcp, https)
	other := NewRule(ipv4, udp, Any())

	require.NoError(t, f.Add(ruleX, ActionAllow))
	require.NoError(t, f.Add(other, ActionLog))
	require.NoError(t, f.Add(NewRule(ipv4, tcp, https), ActionDeny))

	require.Equal(t, 2, f.Len())
	e, ok := f.Entry(1)
	require.True(t, ok)
	assert.Equal(t, Entry{Rule: ruleX, Action: ActionDeny}, e)

	e, ok = f.Entry(0)
	require.True(t, ok)
	assert.Equal(t, other, e.Rule)
}

func TestFilter_AddRejectsInvalidActions(t *testing.T) {
	f := newTestFilter()
	assert.ErrorIs(t, f.Add(Rule{}, ActionUnparseable), ErrInvalidAction)
	assert.ErrorIs(t, f.Add(Rule{}, Action(0)), ErrInvalidAction)
	assert.Equal(t, 0, f.Len())
}

func TestFilter_EntryOutOfBounds(t *testing.T) {
	f := newTestFilter()
	_, ok := f.Entry(0)
	assert.False(t, ok)
	_, ok = f.Entry(-1)
	assert.False(t, ok)
}

func TestFilter_FirstMatchWinsWithLogPassThrough(t *testing.T) {
	registry := metrics.NewRegistry()
	f := New(WithRegistry(registry))
	ruleA := NewRule(ipv4, tcp, Any())
	ruleB := NewRule(ipv4, Any(), Any())

	// The chain API keeps one entry per rule, so build the sequence
	// [(A, LOG), (A', DENY), (B, ALLOW)] with A' matching the same frames as A.
	require.NoError(t, f.Add(ruleA, ActionLog))
	require.NoError(t, f.Add(NewRule(ipv4, tcp, NewRange(1, 65535)), ActionDeny))
	require.NoError(t, f.Add(ruleB, ActionAllow))

	assert.Equal(t, ActionDeny, f.Evaluate(packet.EtherTypeIPv4, tcp4Frame(t, 22)))
	assert.Equal(t, ActionAllow, f.Evaluate(packet.EtherTypeIPv4, udp4Frame(t, 53)))

	assert.Equal(t, int64(1), metrics.GetOrRegisterCounter("filter.log", registry).Count())
	assert.Equal(t, int64(1), metrics.GetOrRegisterCounter("filter.deny", registry).Count())
}

func TestFilter_FailOpenDefault(t *testing.T) {
	f := newTestFilter()
	assert.Equal(t, ActionAllow, f.Evaluate(packet.EtherTypeIPv4, tcp4Frame(t, 80)))
	assert.Equal(t, ActionAllow, f.Evaluate(packet.EtherTypeARP, []byte{0, 1, 8, 0}))

	require.NoError(t, f.Add(NewRule(ipv6, Any(), Any()), ActionDeny))
	assert.Equal(t, ActionAllow, f.Evaluate(packet.EtherTypeIPv4, tcp4Frame(t, 80)))
}

func TestFilter_ConfigurableDefault(t *testing.T) {
	f := newTestFilter(WithDefaultAction(ActionDeny))
	require.NoError(t, f.Add(NewRule(arp, Any(), Any()), ActionAllow))

	assert.Equal(t, ActionDeny, f.DefaultAction())
	assert.Equal(t, ActionDeny, f.Evaluate(packet.EtherTypeIPv4, tcp4Frame(t, 80)))
	assert.Equal(t, ActionAllow, f.Evaluate(packet.EtherTypeARP, []byte{0, 1}))

	// LOG is not a valid default and is ignored
	assert.Equal(t, ActionAllow, newTestFilter(WithDefaultAction(ActionLog)).DefaultAction())
}

func TestFilter_MalformedFrameDoesNotHideLaterRules(t *testing.T) {
	registry := metrics.NewRegistry()
	f := New(WithRegistry(registry))
	require.NoError(t, f.Add(NewRule(ipv4, tcp, https), ActionAllow))
	require.NoError(t, f.Add(NewRule(ipv4, Any(), Any()), ActionDeny))

	frame := truncatedTCP4Frame(t)
	var action Action
	assert.NotPanics(t, func() { action = f.Evaluate(packet.EtherTypeIPv4, frame) })
	assert.Equal(t, ActionDeny, action)
	assert.Equal(t, int64(1), metrics.GetOrRegisterCounter("filter.unparseable", registry).Count())

	// Without the catch-all the unparseable entry simply does not match
	f.Clear()
	require.NoError(t, f.Add(NewRule(ipv4, tcp, https), ActionDeny))
	assert.Equal(t, ActionAllow, f.Evaluate(packet.EtherTypeIPv4, frame))
}

func TestFilter_NeverReturnsLogOrUnparseable(t *testing.T) {
	f := newTestFilter()
	require.NoError(t, f.Add(NewRule(Any(), Any(), Any()), ActionLog))
	require.NoError(t, f.Add(NewRule(ipv4, tcp, https), ActionLog))

	for _, frame := range [][]byte{nil, {0x45}, tcp4Frame(t, 443), truncatedTCP4Frame(t)} {
		a := f.Evaluate(packet.EtherTypeIPv4, frame)
		assert.Equal(t, ActionAllow, a)
	}
}

func TestFilter_Clear(t *testing.T) {
	f := newTestFilter()
	require.NoError(t, f.Add(NewRule(ipv4, Any(), Any()), ActionDeny))
	f.Clear()
	assert.Equal(t, 0, f.Len())
	assert.Equal(t, ActionAllow, f.Evaluate(packet.EtherTypeIPv4, tcp4Frame(t, 1)))
}

func TestFilter_CloneAndCopyFrom(t *testing.T) {
	src := newTestFilter(WithDefaultAction(ActionDeny))
	require.NoError(t, src.Add(NewRule(ipv4, tcp, https), ActionAllow))

	clone := src.Clone()
	require.NoError(t, src.Add(NewRule(arp, Any(), Any()), ActionAllow))
	assert.Equal(t, 1, clone.Len())
	assert.Equal(t, ActionDeny, clone.DefaultAction())

	dst := newTestFilter()
	dst.CopyFrom(src)
	assert.Equal(t, src.Entries(), dst.Entries())
	assert.Equal(t, ActionDeny, dst.DefaultAction())

	dst.CopyFrom(dst)
	assert.Equal(t, 2, dst.Len())
}

func TestFilter_CopyFromBothDirectionsConcurrently(t *testing.T) {
	a := newTestFilter()
	b := newTestFilter()
	require.NoError(t, a.Add(NewRule(ipv4, Any(), Any()), ActionDeny))
	require.NoError(t, b.Add(NewRule(ipv6, Any(), Any()), ActionDeny))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); a.CopyFrom(b) }()
		go func() { defer wg.Done(); b.CopyFrom(a) }()
	}
	wg.Wait()
	assert.Equal(t, 1, a.Len())
	assert.Equal(t, 1, b.Len())
}

func TestFilter_ConcurrentAddAndEvaluate(t *testing.T) {
	f := newTestFilter()
	frame := tcp4Frame(t, 443)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = f.Add(NewRule(ipv4, tcp, Single(uint32(1000+i*200+j))), ActionDeny)
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				assert.Equal(t, ActionAllow, f.Evaluate(packet.EtherTypeIPv4, frame))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 8*200, f.Len())
}

func TestFilter_String(t *testing.T) {
	f := newTestFilter()
	require.NoError(t, f.Add(NewRule(ipv4, tcp, https), ActionDeny))
	require.NoError(t, f.Add(NewRule(arp, Any(), Any()), ActionLog))

	assert.Equal(t, "IPv4/TCP/443->DENY,ARP/*/*->LOG", f.String())
	assert.Equal(t, "IPv4/TCP/443->DENY\nARP/*/*->LOG", f.StringSep("\n"))
}

func TestFromConfig(t *testing.T) {
	f, err := FromConfig(config.FilterConfig{
		DefaultAction: "deny",
		Rules: []config.RuleConfig{
			{EtherType: "ipv4", Protocol: "tcp", Port: "22", Action: "allow"},
			{EtherType: "arp", Action: "allow"},
		},
	}, WithRegistry(metrics.NewRegistry()))
	require.NoError(t, err)

	assert.Equal(t, 2, f.Len())
	assert.Equal(t, ActionDeny, f.DefaultAction())
	assert.Equal(t, ActionAllow, f.Evaluate(packet.EtherTypeIPv4, tcp4Frame(t, 22)))
	assert.Equal(t, ActionDeny, f.Evaluate(packet.EtherTypeIPv4, tcp4Frame(t, 23)))

	tests := []config.FilterConfig{
		{DefaultAction: "log"},
		{Rules: []config.RuleConfig{{EtherType: "bogus", Action: "deny"}}},
		{Rules: []config.RuleConfig{{EtherType: "ipv4", Action: "maybe"}}},
	}
	for i, cfg := range tests {
		_, err := FromConfig(cfg)
		assert.Error(t, err, fmt.Sprintf("config %d", i))
	}
}

func TestParseAction(t *testing.T) {
	for in, expected := range map[string]Action{"allow": ActionAllow, "DENY": ActionDeny, "log": ActionLog, "drop": ActionDeny} {
		a, err := ParseAction(in)
		require.NoError(t, err)
		assert.Equal(t, expected, a)
	}
	_, err := ParseAction("unparseable")
	assert.ErrorIs(t, err, ErrInvalidAction)
}
