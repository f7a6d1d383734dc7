package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "oltmon",
	Short: "oltmon - GPON OLT SNMP polling core",
	Long: `oltmon schedules and coordinates SNMP polling of GPON OLTs.

It decides when each OLT is due, serializes access per device, hands
the actual SNMP work to a downstream execution runtime over Redis, and
closes the loop on completion: rescheduling, chain cascades and repair.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"oltmon version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
}
