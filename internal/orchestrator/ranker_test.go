package orchestrator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/localcouncil/council/internal/counciltypes"
)

func writeSeatOutput(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRankEmpty(t *testing.T) {
	require.Nil(t, Rank(nil))
}

func TestRankPrefersHigherVerdictScore(t *testing.T) {
	dir := t.TempDir()
	lo, hi := 0.2, 0.9
	decisions := []counciltypes.Decision{
		{Agent: 1, Confidence: 0.9, VerdictScore: &lo, SourcePath: writeSeatOutput(t, dir, "a1.md", "no diff here")},
		{Agent: 2, Confidence: 0.1, VerdictScore: &hi, SourcePath: writeSeatOutput(t, dir, "a2.md", "no diff here")},
	}
	winner := Rank(decisions)
	require.NotNil(t, winner)
	require.Equal(t, 2, winner.Agent)
}

func TestRankPrefersDiffBlockOverNoDiff(t *testing.T) {
	dir := t.TempDir()
	diffMD := "```diff\n--- a/x.go\n+++ b/x.go\n@@ -1 +1 @@\n-old\n+new\n```\n"
	decisions := []counciltypes.Decision{
		{Agent: 1, Confidence: 0.5, SourcePath: writeSeatOutput(t, dir, "a1.md", "no diff")},
		{Agent: 2, Confidence: 0.5, SourcePath: writeSeatOutput(t, dir, "a2.md", diffMD)},
	}
	winner := Rank(decisions)
	require.Equal(t, 2, winner.Agent)
}

func TestRankPrefersHigherConfidenceThenLowerSeat(t *testing.T) {
	dir := t.TempDir()
	decisions := []counciltypes.Decision{
		{Agent: 3, Confidence: 0.4, SourcePath: writeSeatOutput(t, dir, "a3.md", "")},
		{Agent: 1, Confidence: 0.8, SourcePath: writeSeatOutput(t, dir, "a1.md", "")},
		{Agent: 2, Confidence: 0.8, SourcePath: writeSeatOutput(t, dir, "a2.md", "")},
	}
	winner := Rank(decisions)
	require.Equal(t, 1, winner.Agent, "equal confidence ties break to lower seat index")
}
