package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"cloudlunacy/frontdoor/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long: `Validate the configuration file and the filesystem environment
without starting any component.

Exit codes:
  0  configuration and environment usable
  2  configuration invalid or environment unusable`,
	RunE: validateConfig,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func validateConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "✗ %v\n", err)
		os.Exit(2)
	}
	fmt.Println("✓ Configuration valid")

	paths, err := config.ResolvePaths(&cfg.Paths)
	if err != nil {
		fmt.Fprintf(os.Stderr, "✗ %v\n", err)
		os.Exit(2)
	}
	fmt.Printf("✓ Base directory: %s\n", paths.Base)
	fmt.Printf("✓ Dynamic document: %s\n", paths.DynamicPath)
	fmt.Printf("  App domain:   %s\n", cfg.Domains.App)
	fmt.Printf("  Mongo domain: %s\n", cfg.Domains.Mongo)
	return nil
}
