package icmpv4

import (
	"net"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/ustacklabs/ustackd/internal/arp"
	"github.com/ustacklabs/ustackd/internal/iface"
	"github.com/ustacklabs/ustackd/internal/ipv4"
)

func newTestHandler(t *testing.T) (*Handler, *iface.MemDevice) {
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
	h := NewHandler(nil, eng)
	h.Register()
	return h, dev
}

func TestICMPv4_EchoRequestGetsEchoReply(t *testing.T) {
	h, dev := newTestHandler(t)

	req := marshal(Message{Type: TypeEchoRequest, ID: 42, Seq: 1, Data: []byte("payload")})
	h.Input(ipv4.Datagram{Src: [4]byte{10, 0, 0, 2}, Dst: [4]byte{10, 0, 0, 1}, Protocol: ipv4.ProtoICMP, Payload: req}, dev)

	require.Len(t, dev.Sent, 1)
	_, _, et, payload, err := iface.ParseEthernetFrame(dev.Sent[0])
	require.NoError(t, err)
	require.Equal(t, iface.EtherTypeIPv4, et)

	d, fragmented, err := unmarshalIPv4ForTest(payload)
	require.NoError(t, err)
	require.False(t, fragmented)

	reply, err := unmarshal(d.Payload)
	require.NoError(t, err)
	require.Equal(t, TypeEchoReply, reply.Type)
	require.Equal(t, uint16(42), reply.ID)
	require.Equal(t, uint16(1), reply.Seq)
	require.Equal(t, []byte("payload"), reply.Data)
}

func TestICMPv4_ChecksumRejectsCorruptMessage(t *testing.T) {
	req := marshal(Message{Type: TypeEchoRequest, ID: 1, Seq: 1})
	req[2] ^= 0xff
	_, err := unmarshal(req)
	require.Error(t, err)
}

// unmarshalIPv4ForTest exposes internal/ipv4's unexported unmarshal via its
// exported Checksum16-adjacent surface is not possible from here, so this
// test rebuilds the minimal parse locally rather than reaching into ipv4's
// internals.
func unmarshalIPv4ForTest(b []byte) (ipv4.Datagram, bool, error) {
	ihl := int(b[0]&0x0f) * 4
	totalLen := int(b[2])<<8 | int(b[3])
	var d ipv4.Datagram
	d.Protocol = ipv4.Protocol(b[9])
	copy(d.Src[:], b[12:16])
	copy(d.Dst[:], b[16:20])
	d.Payload = b[ihl:totalLen]
	flagsFrag := uint16(b[6])<<8 | uint16(b[7])
	fragmented := flagsFrag&0x3fff != 0
	return d, fragmented, nil
}
