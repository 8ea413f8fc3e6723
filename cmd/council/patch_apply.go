package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/localcouncil/council/internal/counciltypes"
	"github.com/localcouncil/council/internal/idempotency"
	"github.com/localcouncil/council/internal/patchapply"
)

var (
	patchRunDir   string
	patchRound    int
	patchAgent    int
	patchSeatFile string
	patchActionID string
	patchPrefixes []string
)

func init() {
	cmd := &cobra.Command{
		Use:   "patch-apply",
		Short: "Apply a winning seat's diff blocks against the working tree",
		RunE:  runPatchApply,
	}
	cmd.Flags().StringVar(&patchRunDir, "run-dir", "", "RunDir containing the seat output (required)")
	cmd.Flags().IntVar(&patchRound, "round", 1, "Round number")
	cmd.Flags().IntVar(&patchAgent, "agent", 0, "Winning seat index (required)")
	cmd.Flags().StringVar(&patchSeatFile, "seat-file", "", "Override: explicit path to the seat's raw output (default round{R}_agent{A}.md under --run-dir)")
	cmd.Flags().StringVar(&patchActionID, "action-id", "", "Idempotency/approval action id")
	cmd.Flags().StringArrayVar(&patchPrefixes, "allow-prefix", nil, "Restrict touched paths to this prefix (repeatable)")
	rootCmd.AddCommand(cmd)
}

func runPatchApply(cmd *cobra.Command, args []string) error {
	if patchRunDir == "" || patchAgent == 0 {
		return withExitCode(1, fmt.Errorf("%w: --run-dir and --agent are required", counciltypes.ErrInvalidMission))
	}

	cfg, err := loadConfig()
	if err != nil {
		return withExitCode(1, err)
	}

	seatFile := patchSeatFile
	if seatFile == "" {
		seatFile = filepath.Join(patchRunDir, fmt.Sprintf("round%d_agent%d.md", patchRound, patchAgent))
	}
	raw, err := os.ReadFile(seatFile)
	if err != nil {
		return withExitCode(1, err)
	}

	report, err := patchapply.ApplyRound(context.Background(), patchRound, patchAgent, string(raw), patchapply.Options{
		RepoRoot:        cfg.RepoRoot,
		AllowedPrefixes: patchPrefixes,
		Approvals:       idempotency.NewApprovals(patchRunDir),
		ActionID:        patchActionID,
	})
	if err != nil {
		return withExitCode(1, err)
	}

	out := cmd.OutOrStdout()
	if report.Skipped {
		fmt.Fprintf(out, "patch-apply round %d skipped: %s\n", report.Round, report.Reason)
		return nil
	}

	disallowed, failed := 0, 0
	for _, b := range report.Blocks {
		fmt.Fprintf(out, "block: ok=%v touched=%v reason=%q\n", b.OK, b.TouchedFiles, b.Reason)
		if !b.OK {
			failed++
			if b.Reason != "" && isDisallowedReason(b.Reason) {
				disallowed++
			}
		}
	}

	if disallowed > 0 {
		return withExitCode(5, fmt.Errorf("%w: %d block(s) touched disallowed paths", counciltypes.ErrDisallowedPath, disallowed))
	}
	if failed > 0 {
		return withExitCode(4, fmt.Errorf("%d of %d diff block(s) failed to apply", failed, len(report.Blocks)))
	}
	return nil
}

func isDisallowedReason(reason string) bool {
	return strings.Contains(strings.ToLower(reason), "disallowed")
}
