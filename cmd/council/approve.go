package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/localcouncil/council/internal/counciltypes"
	"github.com/localcouncil/council/internal/idempotency"
)

var (
	approveRunDir   string
	approveActionID string
	approveKind     string
	approveActor    string
	approveNote     string
)

func init() {
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Record a human-in-the-loop approval for a gated action",
		RunE:  runApprove,
	}
	cmd.Flags().StringVar(&approveRunDir, "run-dir", "", "RunDir the action belongs to (required)")
	cmd.Flags().StringVar(&approveActionID, "action-id", "", "Action id to approve (required)")
	cmd.Flags().StringVar(&approveKind, "kind", "patch_apply", "Action kind (e.g. patch_apply)")
	cmd.Flags().StringVar(&approveActor, "actor", "", "Who is granting the approval")
	cmd.Flags().StringVar(&approveNote, "note", "", "Optional free-text note")
	rootCmd.AddCommand(cmd)
}

func runApprove(cmd *cobra.Command, args []string) error {
	if approveRunDir == "" || approveActionID == "" {
		return withExitCode(1, fmt.Errorf("%w: --run-dir and --action-id are required", counciltypes.ErrInvalidMission))
	}

	approvals := idempotency.NewApprovals(approveRunDir)
	if err := approvals.Grant(approveActionID, approveKind, approveActor, approveNote); err != nil {
		return withExitCode(1, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "approved %s (%s) for %s\n", approveActionID, approveKind, approveRunDir)
	return nil
}
