package udp

import (
	"net"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/ustacklabs/ustackd/internal/arp"
	"github.com/ustacklabs/ustackd/internal/icmpv4"
	"github.com/ustacklabs/ustackd/internal/iface"
	"github.com/ustacklabs/ustackd/internal/ipv4"
)

func newTestDemux(t *testing.T) (*Demux, *iface.MemDevice) {
	t.Helper()
	hw := iface.MAC{0x02, 0, 0, 0, 0, 1}
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
	cache := arp.NewCache(clockwork.NewFakeClock())
	require.NoError(t, cache.InsertStatic(arp.ProtoAddr{10, 0, 0, 2}, iface.MAC{9, 9, 9, 9, 9, 9}))
	resolver := arp.NewResolver(nil, cache, reg)
	eng := ipv4.NewEngine(nil, resolver, reg)
	icmp := icmpv4.NewHandler(nil, eng)
	icmp.Register()
	d := NewDemux(nil, eng, icmp)
	d.Register()
	return d, dev
}

func TestUDP_MarshalUnmarshalRoundTrip(t *testing.T) {
	seg := marshal([4]byte{10, 0, 0, 1}, 5000, [4]byte{10, 0, 0, 2}, 53, []byte("query"))
	srcPort, dstPort, payload, err := unmarshal([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, seg)
	require.NoError(t, err)
	require.Equal(t, uint16(5000), srcPort)
	require.Equal(t, uint16(53), dstPort)
	require.Equal(t, []byte("query"), payload)
}

func TestUDP_BindThenInputDelivers(t *testing.T) {
	d, dev := newTestDemux(t)
	var got Datagram
	require.NoError(t, d.Bind(53, func(dg Datagram) { got = dg }))

	seg := marshal([4]byte{10, 0, 0, 2}, 5000, [4]byte{10, 0, 0, 1}, 53, []byte("query"))
	d.Input(ipv4.Datagram{Src: [4]byte{10, 0, 0, 2}, Dst: [4]byte{10, 0, 0, 1}, Protocol: ipv4.ProtoUDP, Payload: seg}, dev)

	require.Equal(t, []byte("query"), got.Payload)
	require.Equal(t, uint16(5000), got.SrcPort)
}

func TestUDP_DoubleBindRejected(t *testing.T) {
	d, _ := newTestDemux(t)
	require.NoError(t, d.Bind(53, func(Datagram) {}))
	require.Error(t, d.Bind(53, func(Datagram) {}))
}

func TestUDP_UnboundPortSendsDestinationUnreachable(t *testing.T) {
	d, dev := newTestDemux(t)
	seg := marshal([4]byte{10, 0, 0, 2}, 5000, [4]byte{10, 0, 0, 1}, 99, []byte("x"))
	d.Input(ipv4.Datagram{Src: [4]byte{10, 0, 0, 2}, Dst: [4]byte{10, 0, 0, 1}, Protocol: ipv4.ProtoUDP, Payload: seg}, dev)

	require.Len(t, dev.Sent, 1)
	_, _, et, payload, err := iface.ParseEthernetFrame(dev.Sent[0])
	require.NoError(t, err)
	require.Equal(t, iface.EtherTypeIPv4, et)

	// IPv4 header (no options) is 20 bytes; the ICMP message follows.
	icmpMsg := payload[20:]
	require.Equal(t, byte(icmpv4.TypeDestUnreach), icmpMsg[0])
	require.Equal(t, byte(icmpv4.CodePortUnreachable), icmpMsg[1])
}

func TestUDP_SendTransmitsFramedSegment(t *testing.T) {
	d, dev := newTestDemux(t)
	require.NoError(t, d.Send(dev, [4]byte{10, 0, 0, 1}, 5000, [4]byte{10, 0, 0, 2}, 53, []byte("hi")))
	require.Len(t, dev.Sent, 1)
}
