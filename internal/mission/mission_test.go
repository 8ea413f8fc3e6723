package mission

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/localcouncil/council/internal/counciltypes"
)

func TestCompileTeamDefaultCore(t *testing.T) {
	team := CompileTeam("refactor the payment module", 7)
	require.Equal(t, []string{"Architect", "Engineer", "Tester", "Critic"}, team)
}

func TestCompileTeamAddsSituationalRoles(t *testing.T) {
	team := CompileTeam("research the latest auth security threats and write docs", 7)
	require.Contains(t, team, "ResearchLead")
	require.Contains(t, team, "Security")
	require.Contains(t, team, "Docs")
}

func TestCompileTeamClampsToMaxTeamSize(t *testing.T) {
	team := CompileTeam("research security deploy ops readme", 7)
	require.LessOrEqual(t, len(team), counciltypes.MaxTeamSize)
}

func TestCompileTeamClampsToMinTeamSize(t *testing.T) {
	team := CompileTeam("hello", 1)
	require.GreaterOrEqual(t, len(team), counciltypes.MinTeamSize)
}

func TestInitRunRejectsEmptyPrompt(t *testing.T) {
	m := &counciltypes.Mission{Team: []string{"A", "B", "C"}}
	_, _, err := InitRun(t.TempDir(), m, nil)
	require.ErrorIs(t, err, counciltypes.ErrInvalidMission)
}

func TestInitRunRejectsOutOfRangeTeam(t *testing.T) {
	m := &counciltypes.Mission{Prompt: "do the thing", Team: []string{"A"}}
	_, _, err := InitRun(t.TempDir(), m, nil)
	require.ErrorIs(t, err, counciltypes.ErrInvalidMission)
}

func TestInitRunWritesLayout(t *testing.T) {
	base := t.TempDir()
	m := &counciltypes.Mission{Prompt: "ship the release", Team: []string{"Architect", "Engineer", "Tester"}, MaxRounds: 2}

	runDir, seats, err := InitRun(base, m, nil)
	require.NoError(t, err)
	require.Len(t, seats, 3)
	require.NotEmpty(t, m.ID)

	require.FileExists(t, filepath.Join(runDir, "manifest.json"))
	require.FileExists(t, filepath.Join(runDir, "mission_anchor.md"))
	for _, seat := range seats {
		require.FileExists(t, seat.PromptPath)
		data, err := os.ReadFile(seat.PromptPath)
		require.NoError(t, err)
		require.Equal(t, m.Prompt, string(data))
	}
}

func TestInitRunUsesPromptTemplate(t *testing.T) {
	base := t.TempDir()
	m := &counciltypes.Mission{Prompt: "ship it", Team: []string{"Architect", "Engineer", "Tester"}}

	_, seats, err := InitRun(base, m, func(seat counciltypes.Seat, mi *counciltypes.Mission) string {
		return "role=" + seat.Role
	})
	require.NoError(t, err)

	for _, seat := range seats {
		data, err := os.ReadFile(seat.PromptPath)
		require.NoError(t, err)
		require.Equal(t, "role="+seat.Role, string(data))
	}
}
