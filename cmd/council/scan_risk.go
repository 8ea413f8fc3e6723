package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/localcouncil/council/internal/verify"
)

var scanAllowRisk bool

func init() {
	cmd := &cobra.Command{
		Use:   "scan-risk",
		Short: "Scan staged changes for leaked secrets and risky patterns",
		RunE:  runScanRisk,
	}
	cmd.Flags().Bool("staged", true, "Scan the git staging area (always true; kept for CLI-table parity)")
	cmd.Flags().BoolVar(&scanAllowRisk, "allow-risky-code", false, "Do not fail on risky-but-not-secret patterns")
	rootCmd.AddCommand(cmd)
}

func runScanRisk(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return withExitCode(1, err)
	}
	allowRisk := scanAllowRisk || cfg.Verify.AllowRiskyCode

	result, err := verify.ScanStaged(context.Background(), cfg.RepoRoot, allowRisk)
	if err != nil {
		return withExitCode(1, err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "scan-risk: %d file(s) scanned, %d secret pattern(s), %d risk pattern(s)\n",
		len(result.FilesScanned), len(result.SecretPatterns), len(result.RiskPatterns))
	for _, h := range result.SecretPatterns {
		fmt.Fprintf(out, "  secret: %s\n", h)
	}
	for _, h := range result.RiskPatterns {
		fmt.Fprintf(out, "  risk: %s\n", h)
	}

	if code := result.ExitCode(); code != 0 {
		return withExitCode(code, fmt.Errorf("scan-risk found %d secret pattern(s), %d risk pattern(s)", len(result.SecretPatterns), len(result.RiskPatterns)))
	}
	return nil
}
