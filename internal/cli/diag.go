package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ustacklabs/ustackd/internal/diag"
)

type DiagCmd struct{}

func NewDiagCmd() *DiagCmd { return &DiagCmd{} }

func (c *DiagCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diag <addr>",
		Short: "Run a host-side ICMP pre-flight check against addr",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			count, err := cmd.Flags().GetInt("count")
			if err != nil {
				return fmt.Errorf("failed to get count flag: %w", err)
			}
			privileged, err := cmd.Flags().GetBool("privileged")
			if err != nil {
				return fmt.Errorf("failed to get privileged flag: %w", err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			result, err := diag.Ping(ctx, args[0], count, privileged)
			if err != nil {
				return fmt.Errorf("diag failed: %w", err)
			}

			fmt.Printf("%s: sent=%d recv=%d loss=%.1f%% avg-rtt=%s reachable=%v\n",
				result.Addr, result.Sent, result.Recv, result.Loss, result.AvgRTT, result.Reachable)
			return nil
		},
	}

	cmd.Flags().Int("count", 4, "number of echo requests to send")
	cmd.Flags().Bool("privileged", false, "use a raw-socket pinger (requires CAP_NET_RAW)")

	return cmd
}
