package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "frontdoor",
	Short: "CloudLunacy Front Door - reverse proxy control plane",
	Long: `CloudLunacy Front Door programs a sibling reverse proxy so that remote
agents' MongoDB instances and HTTP applications are reachable through
stable per-agent subdomains.

It owns the proxy's dynamic configuration, a private certificate
authority for agent certificates, backend TLS-posture probing, proxy
health monitoring with graduated recovery, and load-based server weight
optimization. The control plane never carries user traffic.`,
	Version: Version,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
