// Package cli wires the ustackd command tree, grounded on
// controlplane/telemetry/internal/data/cli/root.go's root command plus
// per-subcommand Cmd-struct-with-Command() composition (device.go,
// internet.go).
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
)

// Execute builds the root command and runs it; cmd/ustackd/main.go's
// entire job is to call this and translate the error into an exit code.
func Execute() error {
	rootCmd := &cobra.Command{
		Use:   "ustackd",
		Short: "Userspace TCP/IP stack over a Linux TAP device",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	var verbose bool
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "set debug logging level")

	var sockFile string
	rootCmd.PersistentFlags().StringVar(&sockFile, "sock", "/var/run/ustackd.sock", "control-socket path")

	rootCmd.AddCommand(
		NewRunCmd().Command(),
		NewNeighCmd().Command(),
		NewRouteCmd().Command(),
		NewDiagCmd().Command(),
	)

	return rootCmd.Execute()
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}

func rootFlags(cmd *cobra.Command) (verbose bool, sockFile string, err error) {
	verbose, err = cmd.Root().PersistentFlags().GetBool("verbose")
	if err != nil {
		return false, "", fmt.Errorf("failed to get verbose flag: %w", err)
	}
	sockFile, err = cmd.Root().PersistentFlags().GetString("sock")
	if err != nil {
		return false, "", fmt.Errorf("failed to get sock flag: %w", err)
	}
	return verbose, sockFile, nil
}
