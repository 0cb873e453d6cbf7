package arp

import (
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/ustacklabs/ustackd/internal/iface"
)

func newTestEnv(t *testing.T, clock clockwork.Clock) (*Resolver, *iface.MemDevice, *iface.Registry) {
	t.Helper()
	hw := iface.MAC{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	dev := iface.NewMemDevice("tap0", 1500, hw, iface.Broadcast)
	reg := iface.NewRegistry()
	require.NoError(t, reg.Add(&iface.Interface{
		Device: dev,
		Family: iface.FamilyIPv4,
		IPv4: iface.IPv4Config{
			Addr:      net.IPv4(10, 0, 0, 1),
			Netmask:   net.CIDRMask(24, 32),
			Broadcast: net.IPv4(10, 0, 0, 255),
		},
	}))
	cache := NewCache(clock)
	return NewResolver(nil, cache, reg), dev, reg
}

func TestARP_ColdResolveThenReply(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	r, dev, _ := newTestEnv(t, clock)

	target := ProtoAddr{10, 0, 0, 2}
	var out iface.MAC
	res, err := r.Resolve(dev, target, &out)
	require.NoError(t, err)
	require.Equal(t, INCOMPLETE, res)
	require.Len(t, dev.Sent, 1)

	// Feed a matching reply.
	peerHW := iface.MAC{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	reply := marshal(OpReply, peerHW, target, dev.HWAddr(), ProtoAddr{10, 0, 0, 1})
	r.input(dev, reply)

	res, err = r.Resolve(dev, target, &out)
	require.NoError(t, err)
	require.Equal(t, FOUND, res)
	require.Equal(t, peerHW, out)
}

func TestARP_ReplyWithoutPriorRequestIsIgnored(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	r, dev, _ := newTestEnv(t, clock)

	// Reply for some SPA, TPA != our unicast.
	reply := marshal(OpReply, iface.MAC{1, 2, 3, 4, 5, 6}, ProtoAddr{10, 0, 0, 9}, dev.HWAddr(), ProtoAddr{10, 0, 0, 254})
	r.input(dev, reply)

	require.Empty(t, r.cache.Snapshot())
	require.Empty(t, dev.Sent)
}

func TestARP_RequestToUsInsertsAndReplies(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	r, dev, _ := newTestEnv(t, clock)

	peerHW := iface.MAC{0x11, 0x22, 0x33, 0x44, 0x55, 0x66}
	req := marshal(OpRequest, peerHW, ProtoAddr{10, 0, 0, 5}, iface.MAC{}, ProtoAddr{10, 0, 0, 1})
	r.input(dev, req)

	snap := r.cache.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, StateResolved, snap[0].State)
	require.Equal(t, ProtoAddr{10, 0, 0, 5}, snap[0].PA)
	require.Equal(t, peerHW, snap[0].HA)

	require.Len(t, dev.Sent, 1)
	dst, _, et, _, err := iface.ParseEthernetFrame(dev.Sent[0])
	require.NoError(t, err)
	require.Equal(t, peerHW, dst)
	require.Equal(t, iface.EtherTypeARP, et)
}

func TestARP_EvictionPicksOldestNonStatic(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	r, dev, _ := newTestEnv(t, clock)

	for i := 0; i < 32; i++ {
		pa := ProtoAddr{10, 1, 0, byte(i)}
		require.NoError(t, r.cache.Insert(pa, iface.MAC{byte(i)}))
		clock.Advance(time.Millisecond)
	}

	var out iface.MAC
	res, err := r.Resolve(dev, ProtoAddr{10, 2, 0, 1}, &out)
	require.NoError(t, err)
	require.Equal(t, INCOMPLETE, res)

	state, _, ok := r.cache.Lookup(ProtoAddr{10, 1, 0, 0})
	require.False(t, ok, "oldest entry (10.1.0.0) should have been evicted")

	state, _, ok = r.cache.Lookup(ProtoAddr{10, 2, 0, 1})
	require.True(t, ok)
	require.Equal(t, StateIncomplete, state)
}

func TestARP_StaticNeverEvictedOrOverwritten(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	r, dev, _ := newTestEnv(t, clock)

	staticPA := ProtoAddr{10, 0, 0, 9}
	staticHA := iface.MAC{9, 9, 9, 9, 9, 9}
	require.NoError(t, r.cache.InsertStatic(staticPA, staticHA))

	// Fill the rest with RESOLVED entries so eviction is forced.
	for i := 0; i < 40; i++ {
		pa := ProtoAddr{10, 3, 0, byte(i)}
		require.NoError(t, r.cache.Insert(pa, iface.MAC{byte(i)}))
		clock.Advance(time.Millisecond)
	}

	state, ha, ok := r.cache.Lookup(staticPA)
	require.True(t, ok)
	require.Equal(t, StateStatic, state)
	require.Equal(t, staticHA, ha)

	// An inbound reply for the static address must not change it.
	reply := marshal(OpReply, iface.MAC{1, 1, 1, 1, 1, 1}, staticPA, dev.HWAddr(), ProtoAddr{10, 0, 0, 1})
	r.input(dev, reply)

	state, ha, ok = r.cache.Lookup(staticPA)
	require.True(t, ok)
	require.Equal(t, StateStatic, state)
	require.Equal(t, staticHA, ha)
}

func TestARP_CacheUniqueness(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	r, dev, _ := newTestEnv(t, clock)

	pa := ProtoAddr{10, 0, 0, 2}
	var out iface.MAC
	_, err := r.Resolve(dev, pa, &out)
	require.NoError(t, err)
	_, err = r.Resolve(dev, pa, &out)
	require.NoError(t, err)

	count := 0
	for _, e := range r.cache.Snapshot() {
		if e.PA == pa {
			count++
		}
	}
	require.Equal(t, 1, count, "at most one non-FREE slot per protocol address")
}

func TestARP_IncompleteNeverReportsFound(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	r, dev, _ := newTestEnv(t, clock)

	var out iface.MAC
	res, err := r.Resolve(dev, ProtoAddr{10, 0, 0, 2}, &out)
	require.NoError(t, err)
	require.Equal(t, INCOMPLETE, res)

	res, err = r.Resolve(dev, ProtoAddr{10, 0, 0, 2}, &out)
	require.NoError(t, err)
	require.Equal(t, INCOMPLETE, res, "a second resolve on a still-unanswered entry must retransmit, not report FOUND")
}

func TestARP_IncompleteExpiresAfterSweep(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	r, dev, _ := newTestEnv(t, clock)

	var out iface.MAC
	_, err := r.Resolve(dev, ProtoAddr{10, 0, 0, 2}, &out)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	r.Sweep(clock.Now())

	_, _, ok := r.cache.Lookup(ProtoAddr{10, 0, 0, 2})
	require.False(t, ok, "a long-unanswered INCOMPLETE entry should eventually free its slot")
}
