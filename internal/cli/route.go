package cli

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ustacklabs/ustackd/internal/ctrlsock"
)

type RouteCmd struct{}

func NewRouteCmd() *RouteCmd { return &RouteCmd{} }

func (c *RouteCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Show interface address status from a running ustackd",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, sockFile, err := rootFlags(cmd)
			if err != nil {
				return err
			}

			var statuses []ctrlsock.InterfaceStatus
			if err := getJSON(dialControlSocket(sockFile), "/route", &statuses); err != nil {
				return fmt.Errorf("failed to fetch interface status: %w", err)
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetAutoFormatHeaders(false)
			table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
			table.SetHeader([]string{"Device", "State", "Address", "Netmask", "Broadcast"})
			for _, s := range statuses {
				table.Append([]string{s.Device, s.State, s.Addr, s.Netmask, s.Broadcast})
			}
			table.Render()
			return nil
		},
	}
	return cmd
}
