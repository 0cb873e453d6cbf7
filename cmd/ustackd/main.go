// Command ustackd runs the userspace TCP/IP stack over a Linux TAP
// device, grounded on the teacher's cobra-based CLI composition style
// (controlplane/telemetry/internal/data/cli/root.go's root command +
// AddCommand(subcommand.Command())).
package main

import (
	"fmt"
	"os"

	"github.com/ustacklabs/ustackd/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
