package decision

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractLabeledFence(t *testing.T) {
	md := "Some prose.\n```json DECISION_JSON\n{\"summary\":\"did the thing\",\"files\":[\"a.go\"],\"confidence\":0.8}\n```\n"
	obj := Extract(md)
	require.NotNil(t, obj)
	require.Equal(t, "did the thing", obj["summary"])
}

func TestExtractGenericFenceWithSchemaKey(t *testing.T) {
	md := "```json\n{\"plan\":\"do it\",\"commands\":[\"go test ./...\"]}\n```\n"
	obj := Extract(md)
	require.NotNil(t, obj)
	require.Equal(t, "do it", obj["plan"])
}

func TestExtractGenericFenceWithoutSchemaKeyIgnored(t *testing.T) {
	md := "```json\n{\"unrelated\":\"value\"}\n```\n"
	require.Nil(t, Extract(md))
}

func TestExtractNoFence(t *testing.T) {
	require.Nil(t, Extract("just some prose, no JSON at all"))
}

func TestNormalizeClampsConfidenceAndCoercesArrays(t *testing.T) {
	obj := map[string]any{
		"summary":    "ok",
		"files":      []any{"a.go", "b.go"},
		"commands":   []any{"go build"},
		"confidence": 1.5,
	}
	d := Normalize(obj, 2, 1)
	require.Equal(t, 2, d.Agent)
	require.Equal(t, 1, d.Round)
	require.Equal(t, []string{"a.go", "b.go"}, d.Files)
	require.Equal(t, 1.0, d.Confidence)
}

func TestSeatOutputPathPrefersRoundSpecific(t *testing.T) {
	runDir := t.TempDir()
	roundPath := filepath.Join(runDir, "round1_agent2.md")
	require.NoError(t, os.WriteFile(roundPath, []byte("x"), 0o600))

	got := SeatOutputPath(runDir, 1, 2)
	require.Equal(t, roundPath, got)
}

func TestSeatOutputPathFallsBackToAgentOnly(t *testing.T) {
	runDir := t.TempDir()
	fallback := filepath.Join(runDir, "agent3.md")
	require.NoError(t, os.WriteFile(fallback, []byte("x"), 0o600))

	got := SeatOutputPath(runDir, 1, 3)
	require.Equal(t, fallback, got)
}

func TestExtractRoundAllPresent(t *testing.T) {
	runDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(runDir, "round1_agent1.md"), []byte(decisionMD("seat one", 0.6)), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(runDir, "round1_agent2.md"), []byte(decisionMD("seat two", 0.9)), 0o600))

	report, err := ExtractRound(runDir, 1, 2)
	require.NoError(t, err)
	require.True(t, report.OK)
	require.Equal(t, 2, report.Extracted)
	require.Empty(t, report.Missing)

	require.FileExists(t, filepath.Join(runDir, "state", "decisions", "round1_agent1.json"))
}

func TestExtractRoundReportsMissing(t *testing.T) {
	runDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(runDir, "round1_agent1.md"), []byte(decisionMD("seat one", 0.6)), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(runDir, "round1_agent2.md"), []byte("no structured output"), 0o600))

	report, err := ExtractRound(runDir, 1, 2)
	require.NoError(t, err)
	require.False(t, report.OK)
	require.Equal(t, []int{2}, report.Missing)
}

func TestExtractRoundFallsBackToRepairOutput(t *testing.T) {
	runDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(runDir, "round1_agent1.md"), []byte("no structured output"), 0o600))

	repairsDir := filepath.Join(runDir, "state", "repairs")
	require.NoError(t, os.MkdirAll(repairsDir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(repairsDir, "round1_agent1_repair1.md"), []byte(decisionMD("repaired", 0.5)), 0o600))

	report, err := ExtractRound(runDir, 1, 1)
	require.NoError(t, err)
	require.True(t, report.OK)
}

func decisionMD(summary string, confidence float64) string {
	return fmt.Sprintf("```json DECISION_JSON\n{\"summary\":%q,\"files\":[],\"commands\":[],\"confidence\":%f}\n```\n", summary, confidence)
}
