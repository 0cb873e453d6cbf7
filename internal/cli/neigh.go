package cli

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ustacklabs/ustackd/internal/ctrlsock"
)

type NeighCmd struct{}

func NewNeighCmd() *NeighCmd { return &NeighCmd{} }

func (c *NeighCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "neigh",
		Short: "Dump the ARP neighbor cache from a running ustackd",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, sockFile, err := rootFlags(cmd)
			if err != nil {
				return err
			}

			var entries []ctrlsock.NeighborEntry
			if err := getJSON(dialControlSocket(sockFile), "/neigh", &entries); err != nil {
				return fmt.Errorf("failed to fetch neighbor table: %w", err)
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetAutoFormatHeaders(false)
			table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
			table.SetHeader([]string{"Address", "HWAddr", "State", "Age (ms)"})
			for _, e := range entries {
				table.Append([]string{e.Addr, e.HWAddr, e.State, fmt.Sprintf("%d", e.AgeMillis)})
			}
			table.Render()
			return nil
		},
	}
	return cmd
}
