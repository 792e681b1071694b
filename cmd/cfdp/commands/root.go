// Package commands implements the cfdp command tree.
package commands

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "cfdp",
	Short: "CCSDS File Delivery Protocol engine",
	Long: `cfdp runs a CFDP (CCSDS 727.0-B) engine: it receives files over
lossy links with class 1 (unacknowledged) or class 2 (acknowledged,
NAK-repaired) semantics, polls directories for outbound transfers, and
exposes Prometheus metrics.

The engine is tick-driven and stateless across restarts by design:
in-flight transactions do not survive a process restart.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to config file (default: /etc/cfdp/config.yaml)")
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the command tree.
func Execute() error {
	return rootCmd.Execute()
}

// resolveConfigPath applies the default config location.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return "/etc/cfdp/config.yaml"
}
