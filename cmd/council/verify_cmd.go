package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/localcouncil/council/internal/counciltypes"
	"github.com/localcouncil/council/internal/verify"
)

var verifyRunDir string

func init() {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Run the post-apply verify pipeline against a run dir",
		RunE:  runVerify,
	}
	cmd.Flags().StringVar(&verifyRunDir, "run-dir", "", "RunDir to verify (required)")
	rootCmd.AddCommand(cmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	if verifyRunDir == "" {
		return withExitCode(1, fmt.Errorf("%w: --run-dir is required", counciltypes.ErrInvalidMission))
	}
	cfg, err := loadConfig()
	if err != nil {
		return withExitCode(1, err)
	}

	repoRoot := cfg.RepoRoot
	if repoRoot == "" {
		repoRoot, _ = os.Getwd()
	}
	pipeline := verify.Pipeline{
		RepoRoot:       repoRoot,
		BuildCmd:       cfg.Verify.BuildCmd,
		Strict:         cfg.Verify.Strict,
		AllowRiskyCode: cfg.Verify.AllowRiskyCode,
	}
	report, runErr := pipeline.Run(context.Background(), verifyRunDir)

	out := cmd.OutOrStdout()
	if output == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
	} else {
		fmt.Fprintf(out, "verify: ok=%v (%d checks)\n", report.OK, len(report.Checks))
		for _, c := range report.Checks {
			fmt.Fprintf(out, "  %s -> rc=%d (%.2fs)\n", c.Cmd, c.RC, c.Duration)
		}
	}

	if runErr != nil {
		return withExitCode(1, runErr)
	}
	if !report.OK && cfg.Verify.Strict {
		return withExitCode(1, counciltypes.ErrVerifyFailed)
	}
	return nil
}
