package tcp

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ustacklabs/ustackd/internal/iface"
	"github.com/ustacklabs/ustackd/internal/ipv4"
	"github.com/ustacklabs/ustackd/internal/sched"
	"github.com/ustacklabs/ustackd/internal/stackerr"
)

// Listener accepts inbound connections on a bound port.
type Listener struct {
	port    uint16
	mgr     *Manager
	backlog chan *Conn
}

// Accept blocks until a peer completes the handshake on this listener's
// port, delivering the established Conn.
func (l *Listener) Accept() (*Conn, error) {
	conn, ok := <-l.backlog
	if !ok {
		return nil, fmt.Errorf("tcp: listener closed: %w", stackerr.ErrShutdown)
	}
	return conn, nil
}

// Manager is the TCP connection table: demux keyed by four-tuple, listen
// sockets keyed by port, and the periodic retransmit/time-wait sweep
// registered once into the stack's internal/timer.Wheel.
type Manager struct {
	log   *slog.Logger
	clock clockwork.Clock
	ip    *ipv4.Engine

	mu        sync.Mutex
	conns     map[fourTuple]*Conn
	listeners map[uint16]*Listener
	timeWait  map[*Conn]time.Time
}

func NewManager(log *slog.Logger, clock clockwork.Clock, ip *ipv4.Engine) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		log:       log,
		clock:     clock,
		ip:        ip,
		conns:     make(map[fourTuple]*Conn),
		listeners: make(map[uint16]*Listener),
		timeWait:  make(map[*Conn]time.Time),
	}
}

// Register installs this manager's Input method as internal/ipv4's
// ProtoTCP handler.
func (m *Manager) Register() {
	m.ip.RegisterProtocol(ipv4.ProtoTCP, m.Input)
}

func (m *Manager) clockNow() time.Time { return m.clock.Now() }

// Listen opens a passive socket on port, returning a Listener whose
// Accept yields connections once their three-way handshake completes.
func (m *Manager) Listen(port uint16) (*Listener, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.listeners[port]; taken {
		return nil, fmt.Errorf("tcp: port %d already listening: %w", port, stackerr.ErrPrecondition)
	}
	l := &Listener{port: port, mgr: m, backlog: make(chan *Conn, 16)}
	m.listeners[port] = l
	return l, nil
}

// Dial initiates an active open to (dstAddr, dstPort) from (localAddr,
// localPort) on dev, sending the initial SYN. The returned Conn is in
// SYN_SENT until the handshake completes.
func (m *Manager) Dial(dev iface.Device, localAddr [4]byte, localPort uint16, dstAddr [4]byte, dstPort uint16) (*Conn, error) {
	tuple := fourTuple{localAddr: localAddr, remoteAddr: dstAddr, localPort: localPort, remotePort: dstPort}

	m.mu.Lock()
	if _, taken := m.conns[tuple]; taken {
		m.mu.Unlock()
		return nil, fmt.Errorf("tcp: connection %v already exists: %w", tuple, stackerr.ErrPrecondition)
	}
	c := &Conn{mgr: m, tuple: tuple, dev: dev, sched: sched.NewContext(m.clock), state: StateSynSent}
	m.conns[tuple] = c
	m.mu.Unlock()

	c.mu.Lock()
	c.sendLocked(Segment{Flags: FlagSYN})
	c.sndNxt++
	c.mu.Unlock()
	return c, nil
}

func (m *Manager) notifyEstablished(c *Conn) {
	m.mu.Lock()
	l, ok := m.listeners[c.tuple.localPort]
	m.mu.Unlock()
	if !ok {
		return
	}
	select {
	case l.backlog <- c:
	default:
		m.log.Warn("tcp: accept backlog full, dropping connection", "port", c.tuple.localPort)
	}
}

func (m *Manager) scheduleTimeWait(c *Conn) {
	m.mu.Lock()
	m.timeWait[c] = m.clockNow().Add(timeWaitDuration)
	m.mu.Unlock()
}

func (m *Manager) Input(d ipv4.Datagram, dev iface.Device) {
	seg, err := unmarshal(d.Src, d.Dst, d.Payload)
	if err != nil {
		m.log.Debug("tcp: dropping invalid segment", "error", err, "device", dev.Name())
		return
	}

	tuple := fourTuple{localAddr: d.Dst, remoteAddr: d.Src, localPort: seg.DstPort, remotePort: seg.SrcPort}

	m.mu.Lock()
	c, ok := m.conns[tuple]
	m.mu.Unlock()

	if ok {
		c.input(seg)
		return
	}

	if !seg.Flags.Has(FlagSYN) {
		m.log.Debug("tcp: segment for unknown connection", "tuple", tuple, "flags", seg.Flags)
		return
	}

	m.mu.Lock()
	_, listening := m.listeners[seg.DstPort]
	m.mu.Unlock()
	if !listening {
		m.log.Debug("tcp: SYN to unbound port", "port", seg.DstPort)
		return
	}

	nc := &Conn{mgr: m, tuple: tuple, dev: dev, sched: sched.NewContext(m.clock), state: StateSynRcvd}
	nc.rcvNxt = seg.Seq + 1
	m.mu.Lock()
	m.conns[tuple] = nc
	m.mu.Unlock()

	nc.mu.Lock()
	nc.sendLocked(Segment{Flags: FlagSYN | FlagACK})
	nc.sndNxt++
	nc.mu.Unlock()
}

// RetransmitTick is registered once into the stack's internal/timer.Wheel;
// it resends any connection's unacknowledged chunk after retransmitTimeout
// and frees TIME_WAIT connections once their quiet window expires
// (spec.md §9's flat, swept design rather than per-connection timers).
func (m *Manager) RetransmitTick(now time.Time) {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		if len(c.lastChunk) > 0 && !c.pendingSince.IsZero() && now.Sub(c.pendingSince) >= retransmitTimeout {
			if c.retransmitCnt >= maxRetransmits {
				c.state = StateClosed
				c.closed = true
				c.lastChunk = nil
			} else {
				c.retransmitCnt++
				c.sendLocked(Segment{Flags: FlagACK | FlagPSH, Payload: c.lastChunk})
				c.pendingSince = now
			}
		}
		c.mu.Unlock()
	}

	m.mu.Lock()
	for c, deadline := range m.timeWait {
		if !now.Before(deadline) {
			delete(m.timeWait, c)
			delete(m.conns, c.tuple)
		}
	}
	m.mu.Unlock()
}
