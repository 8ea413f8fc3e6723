package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/localcouncil/council/internal/counciltypes"
	"github.com/localcouncil/council/internal/governor"
	"github.com/localcouncil/council/internal/idempotency"
	"github.com/localcouncil/council/internal/ledger"
	"github.com/localcouncil/council/internal/mission"
	"github.com/localcouncil/council/internal/orchestrator"
	"github.com/localcouncil/council/internal/router"
	"github.com/localcouncil/council/internal/stopflag"
)

var (
	runTask        string
	runRounds      int
	runParallel    int
	runStrict      bool
	runRequire     bool
	runOnline      bool
	runProviderCmd []string
)

func init() {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a full mission through its bounded round sequence",
		RunE:  runRunMission,
	}
	runCmd.Flags().StringVar(&runTask, "task", "", "Task prompt for the mission (required)")
	runCmd.Flags().IntVar(&runRounds, "rounds", 1, "Maximum number of rounds")
	runCmd.Flags().IntVar(&runParallel, "parallel", 0, "Override max parallel seats (0 = config default)")
	runCmd.Flags().BoolVar(&runStrict, "strict", false, "Abort the run on a verify failure")
	runCmd.Flags().BoolVar(&runRequire, "require", false, "Fail the mission if any seat ends up missing a decision")
	runCmd.Flags().BoolVar(&runOnline, "online", false, "Set the mission's online flag (provider selection does not depend on it)")
	runCmd.Flags().StringArrayVar(&runProviderCmd, "provider-cmd", nil, `Provider command to invoke per seat, e.g. "claude -p" (repeatable, tried in order)`)
	rootCmd.AddCommand(runCmd)
}

func runRunMission(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return withExitCode(1, err)
	}
	if runTask == "" {
		return withExitCode(1, fmt.Errorf("%w: --task is required", counciltypes.ErrInvalidMission))
	}

	maxParallel := cfg.Mission.MaxParallel
	if runParallel > 0 {
		maxParallel = runParallel
	}

	team := mission.CompileTeam(runTask, maxParallel)
	m := &counciltypes.Mission{
		Prompt:      runTask,
		Team:        team,
		MaxRounds:   runRounds,
		MaxParallel: maxParallel,
		Online:      runOnline,
		Strict:      runStrict,
		Require:     runRequire,
	}

	runDir, seats, err := mission.InitRun(cfg.RunDirBase, m, nil)
	if err != nil {
		return withExitCode(1, err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "mission %s: run dir %s, team %v\n", m.ID, runDir, team)

	stateDir := filepath.Join(runDir, "state")
	gov := governor.New(governor.Options{
		StateDir:     stateDir,
		MaxLocal:     cfg.Governor.MaxLocal,
		SlotWait:     secondsToDuration(cfg.Governor.SlotWaitS),
		MinFreeMemMB: cfg.Governor.MinFreeMemMB,
		StaleGrace:   secondsToDuration(cfg.Governor.StaleLockGraceS),
	})

	breaker := router.NewBreaker(filepath.Join(stateDir, "providers.json"), secondsToDuration(cfg.Router.BreakerOpenS))
	runSeat := buildSeatRunner(parseProviderCmds(runProviderCmd), breaker, nil, 1)

	repoRoot := cfg.RepoRoot
	if repoRoot == "" {
		repoRoot, _ = os.Getwd()
	}
	stopPaths := stopflag.NewPaths(repoRoot, "", runDir)

	idemStore := idempotency.New(runDir, 0)
	approvals := idempotency.NewApprovals(runDir)

	led := ledger.New(filepath.Join(stateDir, "evidence.jsonl"), ledger.KeyRing{
		ActiveKeyID:     cfg.Ledger.HMACKeyID,
		Keys:            mergeKeyRing(cfg.Ledger.HMACKeyID, cfg.Ledger.HMACKey, cfg.Ledger.HMACKeyRing),
		SigningRequired: cfg.Ledger.SigningRequired,
	})
	led.SinkDir = cfg.Ledger.SinkPath

	ctx := context.Background()
	logger := newLogger()
	defer logger.Sync()
	log := logger.With(zap.String("mission_id", m.ID))

	for round := 1; round <= m.MaxRounds; round++ {
		if ok, reason := stopflag.Check(stopPaths); ok {
			fmt.Fprintf(out, "stop requested (%s) before round %d\n", reason, round)
			return withExitCode(2, counciltypes.ErrStopRequested)
		}

		actionID := fmt.Sprintf("%s-round-%d-apply", m.ID, round)

		result, runErr := orchestrator.RunRound(ctx, orchestrator.Options{
			RunDir:          runDir,
			RepoRoot:        repoRoot,
			Round:           round,
			Seats:           roundSeats(seats, round, runDir),
			Require:         m.Require,
			Strict:          m.Strict,
			VerifyBuildCmd:  cfg.Verify.BuildCmd,
			AllowRiskyCode:  cfg.Verify.AllowRiskyCode,
			AllowApply:      round >= 2,
			AllowedPrefixes: cfg.Patch.AllowedPrefixes,
			Approvals:       approvals,
			ActionID:        actionID,
			RepairTask:      runTask,
			Stop:            stopPaths,
			Logger:          log,
			Governor:        gov,
			RunSeat:         runSeat,
			RunRepair:       runSeat,
		})

		if _, err := led.Append(map[string]any{
			"mission_id": m.ID,
			"round":      round,
			"state":      string(result.State),
			"report":     result.RoundReport,
		}); err != nil {
			fmt.Fprintf(out, "warning: evidence ledger append failed: %v\n", err)
		}

		if result.PatchReport != nil && !result.PatchReport.Skipped {
			if seen, _ := idemStore.Seen(actionID, "patch_apply"); !seen {
				_ = idemStore.Record(actionID, "patch_apply", map[string]any{"round": round})
			}
		}

		if result.State == orchestrator.StateStopped {
			return withExitCode(2, counciltypes.ErrStopRequested)
		}
		if runErr != nil {
			fmt.Fprintf(out, "round %d failed: %v\n", round, runErr)
			return withExitCode(1, runErr)
		}
		if result.Winner != nil {
			fmt.Fprintf(out, "round %d winner: seat %d (%s)\n", round, result.Winner.Agent, result.Winner.Summary)
		}

		if _, err := governor.Recommend(stateDir, cfg.Governor.MaxParallel, cfg.Governor.MaxLocal, 0); err != nil {
			fmt.Fprintf(out, "warning: concurrency recommender failed: %v\n", err)
		}
	}

	return nil
}

func roundSeats(seats []counciltypes.Seat, round int, runDir string) []counciltypes.Seat {
	out := make([]counciltypes.Seat, len(seats))
	for i, s := range seats {
		s.OutPath = filepath.Join(runDir, fmt.Sprintf("round%d_agent%d.md", round, s.Index))
		out[i] = s
	}
	return out
}

func mergeKeyRing(activeID, activeKey string, ring map[string]string) map[string]string {
	out := map[string]string{}
	for k, v := range ring {
		out[k] = v
	}
	if activeID != "" && activeKey != "" {
		out[activeID] = activeKey
	}
	return out
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
