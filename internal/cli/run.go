package cli

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/ustacklabs/ustackd/internal/ctrlsock"
	"github.com/ustacklabs/ustackd/internal/diag"
	"github.com/ustacklabs/ustackd/internal/iface"
	"github.com/ustacklabs/ustackd/internal/stackwiring"
)

type RunCmd struct{}

func NewRunCmd() *RunCmd { return &RunCmd{} }

func (c *RunCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Bring up the stack on a TAP device and serve the control socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			verbose, sockFile, err := rootFlags(cmd)
			if err != nil {
				return err
			}
			tapName, err := cmd.Flags().GetString("tap")
			if err != nil {
				return fmt.Errorf("failed to get tap flag: %w", err)
			}
			addrCIDR, err := cmd.Flags().GetString("addr")
			if err != nil {
				return fmt.Errorf("failed to get addr flag: %w", err)
			}
			hwStr, err := cmd.Flags().GetString("hwaddr")
			if err != nil {
				return fmt.Errorf("failed to get hwaddr flag: %w", err)
			}
			gw, err := cmd.Flags().GetString("gw")
			if err != nil {
				return fmt.Errorf("failed to get gw flag: %w", err)
			}

			addr, ipnet, err := net.ParseCIDR(addrCIDR)
			if err != nil {
				return fmt.Errorf("invalid --addr %q: %w", addrCIDR, err)
			}
			broadcast := broadcastAddr(addr.To4(), ipnet.Mask)

			hw, err := resolveHWAddr(hwStr)
			if err != nil {
				return err
			}

			log := newLogger(verbose)

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if gw != "" {
				preflightCtx, preflightCancel := context.WithTimeout(ctx, 5*time.Second)
				result, err := diag.Ping(preflightCtx, gw, 3, false)
				preflightCancel()
				if err != nil || !result.Reachable {
					log.Warn("gateway pre-flight check failed, bringing up TAP interface anyway", "gw", gw, "error", err)
				} else {
					log.Info("gateway pre-flight check passed", "gw", gw, "avg_rtt", result.AvgRTT)
				}
			}

			stack, err := stackwiring.New(stackwiring.Config{
				TAPName:   tapName,
				Addr:      addr,
				Netmask:   ipnet.Mask,
				Broadcast: broadcast,
				HWAddr:    hw,
				Log:       log,
				Clock:     clockwork.NewRealClock(),
			})
			if err != nil {
				return fmt.Errorf("failed to build stack: %w", err)
			}

			ctrl := ctrlsock.NewServer(
				ctrlsock.WithSockFile(sockFile),
				ctrlsock.WithBaseContext(ctx),
			)
			ctrl.Handler = ctrlsock.NewMux(stack.ARP.Cache(), stack.Ifaces)

			errCh := make(chan error, 1)
			go func() { errCh <- ctrl.Serve() }()

			log.Info("ustackd starting", "tap", tapName, "addr", addrCIDR, "sock", sockFile)
			if err := stack.Run(ctx); err != nil {
				return fmt.Errorf("stack run: %w", err)
			}

			_ = ctrl.Close()
			select {
			case err := <-errCh:
				if err != nil && err.Error() != "http: Server closed" {
					log.Warn("control socket server exited", "error", err)
				}
			default:
			}
			return nil
		},
	}

	cmd.Flags().String("tap", "ustack0", "TAP device name to create/open")
	cmd.Flags().String("addr", "10.100.0.1/24", "IPv4 address and prefix to assign the interface")
	cmd.Flags().String("hwaddr", "", "hardware address to assign (random locally-administered address if empty)")
	cmd.Flags().String("gw", "", "gateway address to pre-flight ping over the host network stack before bringing up the TAP interface")

	return cmd
}

// resolveHWAddr parses a user-supplied MAC, or generates a random
// locally-administered one if hwStr is empty (IEEE 802: the
// locally-administered bit set, multicast bit clear).
func resolveHWAddr(hwStr string) (iface.MAC, error) {
	if hwStr == "" {
		var mac iface.MAC
		if _, err := rand.Read(mac[:]); err != nil {
			return iface.MAC{}, fmt.Errorf("generate hwaddr: %w", err)
		}
		mac[0] = (mac[0] | 0x02) &^ 0x01
		return mac, nil
	}
	hw, err := net.ParseMAC(hwStr)
	if err != nil || len(hw) != 6 {
		return iface.MAC{}, fmt.Errorf("invalid --hwaddr %q: %w", hwStr, err)
	}
	var mac iface.MAC
	copy(mac[:], hw)
	return mac, nil
}

func broadcastAddr(ip net.IP, mask net.IPMask) net.IP {
	out := make(net.IP, len(ip))
	for i := range ip {
		out[i] = ip[i] | ^mask[i]
	}
	return out
}
