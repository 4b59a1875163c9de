// Command feedercabinet is the CAN-bus filament-cabinet supervisory
// daemon: it bridges a Klipper/Moonraker printer and an external
// filament-buffer cabinet, handling runout detection, pause/feed/resume
// sequencing, and RFID filament-identity transfer.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "feedercabinet",
	Short: "Supervisory daemon for a CAN-bus filament cabinet",
	Long: `feedercabinet bridges a Klipper/Moonraker printer and an external
CAN-bus filament-buffer cabinet.

It watches filament-runout sensors and print state over the printer's
Moonraker WebSocket API, drives pause/feed/resume sequencing over the
cabinet's CAN link, and reassembles RFID filament-identity records the
cabinet streams in fragments.

With no subcommand, it runs the daemon in the foreground (equivalent to
"feedercabinet serve").`,
	Version:      "1.0.0",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), configPath, verbose)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/feedercabinet/config.yaml", "path to configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
