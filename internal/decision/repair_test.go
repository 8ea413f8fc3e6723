package decision

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/localcouncil/council/internal/stopflag"
)

func TestBuildRepairPromptIncludesTailAndInstructions(t *testing.T) {
	prompt := BuildRepairPrompt("/repo", "/run", 1, 2, "fix the bug", "prior tail text")
	require.Contains(t, prompt, "REPAIR_MODE=decision_json")
	require.Contains(t, prompt, "AGENT_ID: 2")
	require.Contains(t, prompt, "fix the bug")
	require.Contains(t, prompt, "prior tail text")
	require.Contains(t, prompt, "DECISION_JSON")
}

func TestBuildRepairPromptEmptyTail(t *testing.T) {
	prompt := BuildRepairPrompt("/repo", "/run", 1, 1, "task", "")
	require.Contains(t, prompt, "(empty)")
}

func TestTailTextShorterThanMax(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.txt")
	require.NoError(t, os.WriteFile(path, []byte("short"), 0o600))
	require.Equal(t, "short", TailText(path, 100))
}

func TestTailTextTruncates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.txt")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o600))
	require.Equal(t, "789", TailText(path, 3))
}

func TestRunRepairsMissingSeatsAndWritesReport(t *testing.T) {
	runDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(runDir, "round1_agent1.md"), []byte("no decision here"), 0o600))

	stop := stopflag.NewPaths(runDir, "", runDir)
	called := false
	report, err := Run("/repo", runDir, 1, 1, []int{1}, "fix it", 500, stop, func(agentID int, promptPath, outPath string) (float64, error) {
		called = true
		require.Equal(t, 1, agentID)
		return 0.01, os.WriteFile(outPath, []byte(decisionMD("repaired", 0.7)), 0o600)
	})
	require.NoError(t, err)
	require.True(t, called)
	require.True(t, report.OK)
	require.Len(t, report.Results, 1)
	require.FileExists(t, filepath.Join(runDir, "state", "repairs", "repair_round1_attempt1.json"))
}

func TestRunStopsWhenFlagAlreadyPresent(t *testing.T) {
	runDir := t.TempDir()
	stop := stopflag.NewPaths(runDir, "", runDir)
	require.NoError(t, os.WriteFile(stop.RunDir, []byte(""), 0o600))

	called := false
	_, err := Run("/repo", runDir, 1, 1, []int{1}, "task", 500, stop, func(agentID int, promptPath, outPath string) (float64, error) {
		called = true
		return 0, nil
	})
	require.Error(t, err)
	require.False(t, called)
}

func TestRunRecordsSeatFailure(t *testing.T) {
	runDir := t.TempDir()
	stop := stopflag.NewPaths(runDir, "", runDir)

	report, err := Run("/repo", runDir, 1, 1, []int{1}, "task", 500, stop, func(agentID int, promptPath, outPath string) (float64, error) {
		return 0.01, errors.New("dummy seat failure")
	})
	require.NoError(t, err)
	require.False(t, report.OK)
	require.Len(t, report.Results, 1)
	require.NotEmpty(t, report.Results[0].Error)
}
