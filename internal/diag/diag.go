// Package diag implements the `ustackd diag` pre-flight check: a
// host-side ICMP probe using github.com/prometheus-community/pro-bing,
// deliberately separate from internal/icmpv4's own echo implementation
// (spec.md §4.7's note that pro-bing is a diagnostic sanity check against
// the host's real network path, never part of the stack's own ingress/
// egress hot path). Grounded on
// client/doublezerod/internal/latency/ping.go's pro-bing usage.
package diag

import (
	"context"
	"fmt"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// Result summarizes one pre-flight ping.
type Result struct {
	Addr       string
	Reachable  bool
	Sent, Recv int
	Loss       float64
	AvgRTT     time.Duration
}

// Ping runs a small, bounded pro-bing probe against addr and returns once
// it completes or ctx is done. privileged requests a raw-socket pinger
// (requires CAP_NET_RAW); when false, pro-bing falls back to an
// unprivileged UDP ping.
func Ping(ctx context.Context, addr string, count int, privileged bool) (Result, error) {
	p, err := probing.NewPinger(addr)
	if err != nil {
		return Result{}, fmt.Errorf("diag: create pinger for %s: %w", addr, err)
	}
	p.SetPrivileged(privileged)
	p.Count = count
	p.Interval = 200 * time.Millisecond
	p.Timeout = time.Duration(count)*p.Interval + 2*time.Second

	done := make(chan error, 1)
	go func() { done <- p.Run() }()

	select {
	case <-ctx.Done():
		p.Stop()
		<-done
		return Result{}, ctx.Err()
	case err := <-done:
		if err != nil {
			return Result{}, fmt.Errorf("diag: ping %s: %w", addr, err)
		}
	}

	stats := p.Statistics()
	return Result{
		Addr:      addr,
		Reachable: stats.PacketsRecv > 0,
		Sent:      stats.PacketsSent,
		Recv:      stats.PacketsRecv,
		Loss:      stats.PacketLoss,
		AvgRTT:    stats.AvgRtt,
	}, nil
}
