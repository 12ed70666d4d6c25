package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"cloudlunacy/frontdoor/pkg/certs"
	"cloudlunacy/frontdoor/pkg/config"
	"cloudlunacy/frontdoor/pkg/events"
	"cloudlunacy/frontdoor/pkg/locking"
)

var certsCmd = &cobra.Command{
	Use:   "certs",
	Short: "Certificate management commands",
	Long:  `Issue, renew, and validate agent certificates against the local CA.`,
}

var certsIssueFlags struct {
	agentID  string
	targetIP string
}

var certsIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a certificate for an agent",
	Long: `Issue (or re-issue) a server certificate for an agent, writing the full
material set and syncing the proxy-facing copies.

Examples:
  frontdoor certs issue --agent alpha-01 --ip 10.0.0.7`,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := certManagerFromConfig()
		if err != nil {
			return err
		}
		if err := m.IssueAgent(context.Background(), certsIssueFlags.agentID, certsIssueFlags.targetIP); err != nil {
			return err
		}
		fmt.Printf("✓ Certificate issued for %s\n", certsIssueFlags.agentID)
		return nil
	},
}

var certsRenewFlags struct {
	force bool
}

var certsRenewCmd = &cobra.Command{
	Use:   "renew",
	Short: "Run a certificate renewal scan",
	Long: `Scan every agent certificate and re-issue those within the renewal
window. Target addresses are recovered from each certificate's SAN list.

Examples:
  frontdoor certs renew
  frontdoor certs renew --force`,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := certManagerFromConfig()
		if err != nil {
			return err
		}
		result, err := m.RenewScan(context.Background(), certs.RenewScanOptions{ForceAll: certsRenewFlags.force})
		if err != nil {
			return err
		}
		fmt.Printf("Checked: %d  Renewed: %d  Failed: %d  Skipped: %d\n",
			result.Checked, result.Renewed, result.Failed, result.Skipped)
		for _, a := range result.Agents {
			line := fmt.Sprintf("  %-20s %-8s %d days left", a.AgentID, a.Action, a.DaysLeft)
			if a.Error != "" {
				line += "  (" + a.Error + ")"
			}
			fmt.Println(line)
		}
		if result.Failed > 0 {
			os.Exit(1)
		}
		return nil
	},
}

var certsValidateCmd = &cobra.Command{
	Use:   "validate <agent-id>",
	Short: "Validate an agent's certificate set",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := certManagerFromConfig()
		if err != nil {
			return err
		}
		result := m.Validate(args[0])
		if result.Valid {
			fmt.Printf("✓ Certificate set for %s is valid\n", args[0])
			return nil
		}
		fmt.Printf("✗ Certificate set for %s has issues:\n", args[0])
		for _, issue := range result.Issues {
			fmt.Printf("  - %s\n", issue)
		}
		os.Exit(1)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(certsCmd)
	certsCmd.AddCommand(certsIssueCmd)
	certsCmd.AddCommand(certsRenewCmd)
	certsCmd.AddCommand(certsValidateCmd)

	certsIssueCmd.Flags().StringVar(&certsIssueFlags.agentID, "agent", "", "agent identifier")
	certsIssueCmd.Flags().StringVar(&certsIssueFlags.targetIP, "ip", "", "agent target IP")
	certsIssueCmd.MarkFlagRequired("agent")
	certsIssueCmd.MarkFlagRequired("ip")

	certsRenewCmd.Flags().BoolVar(&certsRenewFlags.force, "force", false, "renew all certificates regardless of expiry")
}

// certManagerFromConfig builds a certificate manager from the CLI config.
func certManagerFromConfig() (*certs.Manager, error) {
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return nil, err
	}
	paths, err := config.ResolvePaths(&cfg.Paths)
	if err != nil {
		return nil, err
	}
	locks, err := locking.NewManager(filepath.Join(paths.Base, "locks"))
	if err != nil {
		return nil, err
	}

	authority := certs.NewAuthority(paths.CertsDir)
	m := certs.NewManager(authority, paths, locks, events.NewBus(), &cfg.Certificates, nil)
	if err := m.BootstrapCA(); err != nil {
		return nil, err
	}
	return m, nil
}
