// Package stackwiring assembles one running stack instance out of every
// layer package (internal/iface, internal/proto, internal/dispatch,
// internal/arp, internal/ipv4, internal/icmpv4, internal/udp,
// internal/tcp) from a single Config struct. It exists so cmd/ustackd stays thin:
// the CLI only parses flags and calls into this package.
package stackwiring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ustacklabs/ustackd/internal/arp"
	"github.com/ustacklabs/ustackd/internal/config"
	"github.com/ustacklabs/ustackd/internal/dispatch"
	"github.com/ustacklabs/ustackd/internal/icmpv4"
	"github.com/ustacklabs/ustackd/internal/iface"
	"github.com/ustacklabs/ustackd/internal/ipv4"
	"github.com/ustacklabs/ustackd/internal/proto"
	"github.com/ustacklabs/ustackd/internal/stackerr"
	"github.com/ustacklabs/ustackd/internal/tcp"
	"github.com/ustacklabs/ustackd/internal/timer"
	"github.com/ustacklabs/ustackd/internal/udp"
)

// Stack is every wired-up layer of a running instance, handed back to the
// CLI so it can register listeners, dump the neighbor cache, or transmit
// on behalf of the user.
type Stack struct {
	Dispatch *dispatch.Stack
	Device   iface.Device
	Ifaces   *iface.Registry
	ARP      *arp.Resolver
	IPv4     *ipv4.Engine
	ICMPv4   *icmpv4.Handler
	UDP      *udp.Demux
	TCP      *tcp.Manager

	log *slog.Logger
}

// Config is the address configuration for a single-interface stack
// (spec.md Non-goals exclude multi-interface routing).
type Config struct {
	TAPName   string
	Addr      net.IP
	Netmask   net.IPMask
	Broadcast net.IP
	HWAddr    iface.MAC
	MTU       int
	Log       *slog.Logger
	Clock     clockwork.Clock
}

// New builds every layer and wires them together but does not start the
// dispatch loop — call Run to do that.
func New(cfg Config) (*Stack, error) {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MTU == 0 {
		cfg.MTU = config.DefaultMTU
	}

	dev, err := iface.NewTAPDevice(cfg.TAPName, cfg.MTU, cfg.HWAddr, iface.Broadcast)
	if err != nil {
		return nil, fmt.Errorf("stackwiring: open TAP device %q: %w", cfg.TAPName, err)
	}
	if err := dev.Open(); err != nil {
		return nil, fmt.Errorf("stackwiring: bring up %q: %w", cfg.TAPName, err)
	}

	ifaces := iface.NewRegistry()
	if err := ifaces.Add(&iface.Interface{
		Device: dev,
		Family: iface.FamilyIPv4,
		IPv4:   iface.IPv4Config{Addr: cfg.Addr, Netmask: cfg.Netmask, Broadcast: cfg.Broadcast},
	}); err != nil {
		return nil, fmt.Errorf("stackwiring: register interface: %w", err)
	}

	protoReg := proto.New(config.IngressQueueCapacity)
	timers := timer.New(cfg.Clock)

	disp := dispatch.New(protoReg, timers,
		dispatch.WithLogger(cfg.Log),
		dispatch.WithClock(cfg.Clock),
		dispatch.WithTickInterval(config.DispatchTickInterval),
		dispatch.WithNotifyCapacity(config.DispatchNotifyCapacity),
	)

	cache := arp.NewCache(cfg.Clock)
	resolver := arp.NewResolver(cfg.Log, cache, ifaces)
	protoReg.Register(iface.EtherTypeARP, resolver.Handler())
	timers.Register(200*time.Millisecond, resolver.Sweep)

	ipEngine := ipv4.NewEngine(cfg.Log, resolver, ifaces)
	protoReg.Register(iface.EtherTypeIPv4, ipEngine.Handler())

	icmp := icmpv4.NewHandler(cfg.Log, ipEngine)
	icmp.Register()

	udpDemux := udp.NewDemux(cfg.Log, ipEngine, icmp)
	udpDemux.Register()

	tcpMgr := tcp.NewManager(cfg.Log, cfg.Clock, ipEngine)
	tcpMgr.Register()
	timers.Register(100*time.Millisecond, tcpMgr.RetransmitTick)

	return &Stack{
		Dispatch: disp,
		Device:   dev,
		Ifaces:   ifaces,
		ARP:      resolver,
		IPv4:     ipEngine,
		ICMPv4:   icmp,
		UDP:      udpDemux,
		TCP:      tcpMgr,
		log:      cfg.Log,
	}, nil
}

// Run starts the dispatch loop, then runs the device read loop that plays
// the ISR's role: every received frame is handed to the protocol
// registry's Input (spec.md §4.3's ISR-equivalent entry point) and a
// softirq is raised to schedule its drain on the dispatch goroutine. Run
// blocks until ctx is canceled or the device's Recv returns an error.
func (s *Stack) Run(ctx context.Context) error {
	if err := s.Dispatch.Run(ctx); err != nil {
		return err
	}
	defer func() {
		if err := s.Dispatch.Shutdown(context.Background()); err != nil {
			s.log.Warn("stackwiring: dispatch shutdown", "error", err)
		}
	}()

	buf := make([]byte, s.Device.MTU()+iface.EthernetHeaderLen)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := s.Device.Recv(buf)
		if err != nil {
			if errors.Is(err, stackerr.ErrDeviceIO) && ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("stackwiring: device recv: %w", err)
		}

		dst, _, et, payload, err := iface.ParseEthernetFrame(buf[:n])
		if err != nil {
			s.log.Debug("stackwiring: dropping malformed frame", "error", err)
			continue
		}
		if dst != s.Device.HWAddr() && dst != iface.Broadcast {
			continue
		}
		if err := s.Dispatch.Proto.Input(et, payload, s.Device); err != nil {
			s.log.Debug("stackwiring: ingress queue rejected frame", "error", err, "ethertype", et)
		}
		s.Dispatch.Softirq()
	}
}
