package tcp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/ustacklabs/ustackd/internal/arp"
	"github.com/ustacklabs/ustackd/internal/iface"
	"github.com/ustacklabs/ustackd/internal/ipv4"
)

func newTestManager(t *testing.T) (*Manager, *iface.MemDevice, clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
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
	cache := arp.NewCache(clock)
	require.NoError(t, cache.InsertStatic(arp.ProtoAddr{10, 0, 0, 2}, iface.MAC{9, 9, 9, 9, 9, 9}))
	resolver := arp.NewResolver(nil, cache, reg)
	eng := ipv4.NewEngine(nil, resolver, reg)
	m := NewManager(nil, clock, eng)
	m.Register()
	return m, dev, clock
}

// peerSegment builds the Ethernet-free TCP segment a remote peer would send
// back, directly constructing bytes rather than routing through another
// stack instance.
func peerSegment(local, remote [4]byte, seg Segment) []byte {
	return marshal(remote, local, seg)
}

func TestTCP_ActiveOpenHandshakeReachesEstablished(t *testing.T) {
	m, dev, _ := newTestManager(t)

	c, err := m.Dial(dev, [4]byte{10, 0, 0, 1}, 40000, [4]byte{10, 0, 0, 2}, 80)
	require.NoError(t, err)
	require.Equal(t, StateSynSent, c.State())
	require.Len(t, dev.Sent, 1)

	_, _, _, synPayload, err := iface.ParseEthernetFrame(dev.Sent[0])
	require.NoError(t, err)
	synDatagram, _, err := parseIPv4ForTest(synPayload)
	require.NoError(t, err)
	syn, err := unmarshal([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, synDatagram.Payload)
	require.NoError(t, err)
	require.True(t, syn.Flags.Has(FlagSYN))

	synAck := peerSegment([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, Segment{
		SrcPort: 80, DstPort: 40000, Seq: 1000, Ack: syn.Seq + 1, Flags: FlagSYN | FlagACK,
	})
	m.Input(ipv4.Datagram{Src: [4]byte{10, 0, 0, 2}, Dst: [4]byte{10, 0, 0, 1}, Protocol: ipv4.ProtoTCP, Payload: synAck}, dev)

	require.Equal(t, StateEstablished, c.State())
}

func TestTCP_PassiveOpenAcceptsAfterHandshake(t *testing.T) {
	m, dev, _ := newTestManager(t)
	l, err := m.Listen(80)
	require.NoError(t, err)

	syn := peerSegment([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, Segment{
		SrcPort: 40000, DstPort: 80, Seq: 500, Flags: FlagSYN,
	})
	m.Input(ipv4.Datagram{Src: [4]byte{10, 0, 0, 2}, Dst: [4]byte{10, 0, 0, 1}, Protocol: ipv4.ProtoTCP, Payload: syn}, dev)

	ack := peerSegment([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, Segment{
		SrcPort: 40000, DstPort: 80, Seq: 501, Ack: 1, Flags: FlagACK,
	})
	m.Input(ipv4.Datagram{Src: [4]byte{10, 0, 0, 2}, Dst: [4]byte{10, 0, 0, 1}, Protocol: ipv4.ProtoTCP, Payload: ack}, dev)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn, err := acceptNonBlocking(ctx, l)
	require.NoError(t, err)
	require.Equal(t, StateEstablished, conn.State())
}

func acceptNonBlocking(ctx context.Context, l *Listener) (*Conn, error) {
	select {
	case c := <-l.backlog:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestTCP_DataDeliveryAndAck(t *testing.T) {
	m, dev, _ := newTestManager(t)
	l, err := m.Listen(80)
	require.NoError(t, err)

	syn := peerSegment([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, Segment{SrcPort: 40000, DstPort: 80, Seq: 500, Flags: FlagSYN})
	m.Input(ipv4.Datagram{Src: [4]byte{10, 0, 0, 2}, Dst: [4]byte{10, 0, 0, 1}, Protocol: ipv4.ProtoTCP, Payload: syn}, dev)
	ack := peerSegment([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, Segment{SrcPort: 40000, DstPort: 80, Seq: 501, Ack: 1, Flags: FlagACK})
	m.Input(ipv4.Datagram{Src: [4]byte{10, 0, 0, 2}, Dst: [4]byte{10, 0, 0, 1}, Protocol: ipv4.ProtoTCP, Payload: ack}, dev)

	conn := <-l.backlog

	data := peerSegment([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, Segment{
		SrcPort: 40000, DstPort: 80, Seq: 501, Ack: 1, Flags: FlagACK | FlagPSH, Payload: []byte("hello"),
	})
	m.Input(ipv4.Datagram{Src: [4]byte{10, 0, 0, 2}, Dst: [4]byte{10, 0, 0, 1}, Protocol: ipv4.ProtoTCP, Payload: data}, dev)

	buf := make([]byte, 64)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n, err := conn.Read(ctx, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
}

func TestTCP_RetransmitTickResendsUnacked(t *testing.T) {
	m, dev, clock := newTestManager(t)
	c, err := m.Dial(dev, [4]byte{10, 0, 0, 1}, 40000, [4]byte{10, 0, 0, 2}, 80)
	require.NoError(t, err)

	synAck := peerSegment([4]byte{10, 0, 0, 1}, [4]byte{10, 0, 0, 2}, Segment{SrcPort: 80, DstPort: 40000, Seq: 1000, Ack: 1, Flags: FlagSYN | FlagACK})
	m.Input(ipv4.Datagram{Src: [4]byte{10, 0, 0, 2}, Dst: [4]byte{10, 0, 0, 1}, Protocol: ipv4.ProtoTCP, Payload: synAck}, dev)

	_, err = c.Write([]byte("payload"))
	require.NoError(t, err)
	sentBefore := len(dev.Sent)

	clock.Advance(retransmitTimeout * 2)
	m.RetransmitTick(clock.Now())

	require.Greater(t, len(dev.Sent), sentBefore, "an unacknowledged chunk should be resent after the retransmit timeout")
}

// parseIPv4ForTest mirrors internal/ipv4's private unmarshal just enough to
// pull payload bytes back out of a frame captured in tests.
func parseIPv4ForTest(b []byte) (ipv4.Datagram, bool, error) {
	ihl := int(b[0]&0x0f) * 4
	totalLen := int(b[2])<<8 | int(b[3])
	var d ipv4.Datagram
	d.Protocol = ipv4.Protocol(b[9])
	copy(d.Src[:], b[12:16])
	copy(d.Dst[:], b[16:20])
	d.Payload = b[ihl:totalLen]
	return d, false, nil
}
