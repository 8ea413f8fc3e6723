package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/localcouncil/council/internal/counciltypes"
	"github.com/localcouncil/council/internal/decision"
)

var (
	extractRunDir  string
	extractRound   int
	extractRequire bool
)

func init() {
	cmd := &cobra.Command{
		Use:   "extract-decisions",
		Short: "Extract and normalize every seat's decision for a round",
		RunE:  runExtractDecisions,
	}
	cmd.Flags().StringVar(&extractRunDir, "run-dir", "", "RunDir to extract from (required)")
	cmd.Flags().IntVar(&extractRound, "round", 1, "Round number")
	cmd.Flags().BoolVar(&extractRequire, "require", false, "Exit non-zero if any seat is missing a decision")
	rootCmd.AddCommand(cmd)
}

func runExtractDecisions(cmd *cobra.Command, args []string) error {
	if extractRunDir == "" {
		return withExitCode(1, fmt.Errorf("%w: --run-dir is required", counciltypes.ErrInvalidMission))
	}

	manifest, err := readManifest(extractRunDir)
	if err != nil {
		return withExitCode(1, err)
	}

	report, err := decision.ExtractRound(extractRunDir, extractRound, len(manifest.Team))
	if err != nil {
		return withExitCode(1, err)
	}

	out := cmd.OutOrStdout()
	if output == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return withExitCode(1, err)
		}
	} else {
		fmt.Fprintf(out, "round %d: extracted %d/%d, missing %v, ok=%v\n", report.Round, report.Extracted, report.AgentCount, report.Missing, report.OK)
	}

	if extractRequire && len(report.Missing) > 0 {
		return withExitCode(2, fmt.Errorf("%w: missing seats %v", counciltypes.ErrContractViolation, report.Missing))
	}
	return nil
}
