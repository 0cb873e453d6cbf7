// Package tcp implements spec.md §1's TCP leg: the connection state
// machine, a minimal send/receive window, and a retransmit timer driven
// off the single shared internal/timer.Wheel tick (the same "fixed set of
// periodic callbacks" design internal/arp.Resolver.Sweep uses, rather than
// one timer per connection — spec.md §9 rejects per-entry timer objects
// in favor of a flat, swept structure).
package tcp

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ustacklabs/ustackd/internal/iface"
	"github.com/ustacklabs/ustackd/internal/ipv4"
	"github.com/ustacklabs/ustackd/internal/sched"
	"github.com/ustacklabs/ustackd/internal/stackerr"
)

// State is a TCP connection's state, per RFC 793's state diagram
// restricted to the subset spec.md's data model calls for.
type State uint8

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynRcvd
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateLastAck
	StateClosing
	StateTimeWait
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN_SENT"
	case StateSynRcvd:
		return "SYN_RCVD"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN_WAIT_1"
	case StateFinWait2:
		return "FIN_WAIT_2"
	case StateCloseWait:
		return "CLOSE_WAIT"
	case StateLastAck:
		return "LAST_ACK"
	case StateClosing:
		return "CLOSING"
	case StateTimeWait:
		return "TIME_WAIT"
	default:
		return "UNKNOWN"
	}
}

const (
	retransmitTimeout = 500 * time.Millisecond
	maxRetransmits    = 5
	timeWaitDuration  = 2 * time.Second
	defaultWindow     = 4096
)

// fourTuple keys the connection table.
type fourTuple struct {
	localAddr, remoteAddr [4]byte
	localPort, remotePort uint16
}

// Conn is one TCP connection's state, guarded by mu. A blocking Read
// parks on an internal/sched.Context rather than busy-polling; Write
// never blocks.
type Conn struct {
	mgr    *Manager
	tuple  fourTuple
	dev    iface.Device
	sched  *sched.Context

	mu    sync.Mutex
	state State

	sndNxt  uint32 // next sequence number to send
	sndUna  uint32 // oldest unacknowledged sequence number
	rcvNxt  uint32 // next expected sequence number

	sndBuf bytes.Buffer // unsent outbound bytes (the in-flight chunk is lastChunk)
	rcvBuf bytes.Buffer // delivered, unread inbound bytes

	pendingSince  time.Time
	retransmitCnt int
	lastChunk     []byte // most recent unacknowledged chunk, for retransmitTick

	closed bool
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsClosed reports whether the connection has fully torn down.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Write appends payload to the send buffer and flushes the whole buffer
// as one segment; the peer's advertised window is not consulted. It
// returns after that transmit attempt, not once the bytes are
// acknowledged.
func (c *Conn) Write(payload []byte) (int, error) {
	c.mu.Lock()
	if c.state != StateEstablished && c.state != StateCloseWait {
		c.mu.Unlock()
		return 0, fmt.Errorf("tcp: write on %s connection: %w", c.state, stackerr.ErrPrecondition)
	}
	c.sndBuf.Write(payload)
	c.mu.Unlock()

	c.flush()
	return len(payload), nil
}

// Read blocks until at least one byte is available, ctx is canceled, or
// the connection has reached a state where no more data will ever arrive.
func (c *Conn) Read(ctx context.Context, buf []byte) (int, error) {
	for {
		c.mu.Lock()
		if c.rcvBuf.Len() > 0 {
			n, _ := c.rcvBuf.Read(buf)
			c.mu.Unlock()
			return n, nil
		}
		eof := c.state == StateCloseWait || c.state == StateLastAck || c.state == StateClosing ||
			c.state == StateTimeWait || c.state == StateClosed
		c.mu.Unlock()
		if eof {
			return 0, stackerr.ErrShutdown
		}
		c.sched.Mu.Lock()
		err := c.sched.Sleep(ctx, time.Time{})
		c.sched.Mu.Unlock()
		if err != nil {
			return 0, err
		}
	}
}

// Close initiates active close: sends FIN and transitions per RFC 793.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateEstablished:
		c.state = StateFinWait1
	case StateCloseWait:
		c.state = StateLastAck
	default:
		c.closed = true
		return nil
	}
	c.sendLocked(Segment{Flags: FlagFIN | FlagACK})
	c.sndNxt++
	return nil
}

// sendLocked transmits seg with this connection's addressing filled in.
// Caller must hold c.mu.
func (c *Conn) sendLocked(seg Segment) {
	seg.SrcPort = c.tuple.localPort
	seg.DstPort = c.tuple.remotePort
	seg.Seq = c.sndNxt
	seg.Ack = c.rcvNxt
	seg.Window = defaultWindow
	raw := marshal(c.tuple.localAddr, c.tuple.remoteAddr, seg)
	if err := c.mgr.ip.Send(c.dev, ipv4.ProtoTCP, c.tuple.remoteAddr, raw); err != nil {
		c.mgr.log.Debug("tcp: send failed", "error", err, "tuple", c.tuple)
	}
}

// flush sends all of sndBuf as one segment (no MSS or window limit) and
// marks it pending for retransmit-timeout tracking.
func (c *Conn) flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sndBuf.Len() == 0 {
		return
	}
	chunk := c.sndBuf.Next(c.sndBuf.Len())
	c.sendLocked(Segment{Flags: FlagACK | FlagPSH, Payload: chunk})
	c.sndNxt += uint32(len(chunk))
	c.pendingSince = c.mgr.clockNow()
	c.retransmitCnt = 0
	// Bytes stay logically "in flight" until acked; since this minimal
	// implementation does not re-segment, retransmitTick simply resends
	// this connection's last chunk again if no ACK advances sndUna.
	c.lastChunk = chunk
}

func (c *Conn) input(seg Segment) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateSynSent:
		if seg.Flags.Has(FlagSYN) && seg.Flags.Has(FlagACK) {
			c.rcvNxt = seg.Seq + 1
			c.sndUna = seg.Ack
			c.state = StateEstablished
			c.sendLocked(Segment{Flags: FlagACK})
			c.mgr.notifyEstablished(c)
		}
		return
	case StateSynRcvd:
		if seg.Flags.Has(FlagACK) {
			c.sndUna = seg.Ack
			c.state = StateEstablished
			c.mgr.notifyEstablished(c)
		}
		return
	}

	if seg.Flags.Has(FlagACK) && seg.Ack > c.sndUna {
		c.sndUna = seg.Ack
		c.retransmitCnt = 0
		c.lastChunk = nil
	}

	if len(seg.Payload) > 0 && seg.Seq == c.rcvNxt {
		c.rcvBuf.Write(seg.Payload)
		c.rcvNxt += uint32(len(seg.Payload))
		c.sendLocked(Segment{Flags: FlagACK})
		c.sched.Wakeup()
	}

	if seg.Flags.Has(FlagFIN) {
		c.rcvNxt++
		c.sendLocked(Segment{Flags: FlagACK})
		switch c.state {
		case StateEstablished:
			c.state = StateCloseWait
		case StateFinWait1, StateFinWait2:
			c.state = StateTimeWait
			c.mgr.scheduleTimeWait(c)
		}
		c.sched.Wakeup()
		return
	}

	if seg.Flags.Has(FlagACK) {
		switch c.state {
		case StateFinWait1:
			c.state = StateFinWait2
		case StateClosing, StateLastAck:
			c.state = StateClosed
			c.closed = true
		}
	}
}

