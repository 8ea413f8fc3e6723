// Package mission handles intake: compiling a prompt into a role team and
// initializing a RunDir's on-disk layout (spec §4.1).
package mission

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/localcouncil/council/internal/atomicfile"
	"github.com/localcouncil/council/internal/counciltypes"
)

// defaultRoles is the minimal, strong core kept for every mission.
var defaultRoles = []string{"Architect", "Engineer", "Tester", "Critic"}

// situationalRoles maps prompt keywords to roles appended beyond the core,
// checked in a fixed order so team composition is deterministic.
var situationalRoles = []struct {
	role     string
	keywords []string
}{
	{"ResearchLead", []string{"research", "browse", "web", "docs", "compare", "evaluate", "latest"}},
	{"Security", []string{"security", "threat", "prompt injection", "secrets", "rbac", "auth"}},
	{"Release", []string{"deploy", "release", "version", "changelog", "ship"}},
	{"Ops", []string{"ops", "monitor", "logging", "tracing", "sentry", "metrics"}},
	{"Docs", []string{"readme", "documentation"}},
}

// CompileTeam deterministically maps prompt to a role list clamped to
// [MinTeamSize, MaxTeamSize].
func CompileTeam(prompt string, maxAgents int) []string {
	s := strings.ToLower(prompt)

	roles := append([]string(nil), defaultRoles...)
	for _, sr := range situationalRoles {
		if containsAny(s, sr.keywords) {
			roles = append(roles, sr.role)
		}
	}

	roles = dedupeKeepOrder(roles)

	if maxAgents < counciltypes.MinTeamSize {
		maxAgents = counciltypes.MinTeamSize
	}
	if maxAgents > counciltypes.MaxTeamSize {
		maxAgents = counciltypes.MaxTeamSize
	}
	if len(roles) > maxAgents {
		roles = roles[:maxAgents]
	}
	return roles
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

func dedupeKeepOrder(in []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// InitRun creates mission's RunDir on disk: state/, manifest.json,
// mission_anchor.md, and one promptK.txt per seat.
func InitRun(runDirBase string, mission *counciltypes.Mission, promptTemplate func(seat counciltypes.Seat, m *counciltypes.Mission) string) (runDir string, seats []counciltypes.Seat, err error) {
	if strings.TrimSpace(mission.Prompt) == "" {
		return "", nil, counciltypes.ErrInvalidMission
	}
	if len(mission.Team) < counciltypes.MinTeamSize || len(mission.Team) > counciltypes.MaxTeamSize {
		return "", nil, fmt.Errorf("%w: team size %d outside [%d,%d]", counciltypes.ErrInvalidMission, len(mission.Team), counciltypes.MinTeamSize, counciltypes.MaxTeamSize)
	}

	if mission.ID == "" {
		mission.ID = uuid.NewString()
	}
	runDir = filepath.Join(runDirBase, mission.ID)

	if err := os.MkdirAll(filepath.Join(runDir, "state"), 0o700); err != nil {
		return "", nil, fmt.Errorf("create run dir: %w", err)
	}

	seats = make([]counciltypes.Seat, 0, len(mission.Team))
	for i, role := range mission.Team {
		seatIdx := i + 1
		promptPath := filepath.Join(runDir, fmt.Sprintf("prompt%d.txt", seatIdx))
		outPath := filepath.Join(runDir, fmt.Sprintf("agent%d.md", seatIdx))
		seat := counciltypes.Seat{Index: seatIdx, Role: role, PromptPath: promptPath, OutPath: outPath}

		body := mission.Prompt
		if promptTemplate != nil {
			body = promptTemplate(seat, mission)
		}
		if err := os.WriteFile(promptPath, []byte(body), 0o600); err != nil {
			return "", nil, fmt.Errorf("write seat %d prompt: %w", seatIdx, err)
		}
		seats = append(seats, seat)
	}

	anchor := fmt.Sprintf("# Mission %s\n\n%s\n\nTeam: %s\n", mission.ID, mission.Prompt, strings.Join(mission.Team, ", "))
	if err := os.WriteFile(filepath.Join(runDir, "mission_anchor.md"), []byte(anchor), 0o600); err != nil {
		return "", nil, fmt.Errorf("write mission anchor: %w", err)
	}

	manifest := map[string]any{
		"schema_version": 1,
		"mission_id":      mission.ID,
		"prompt":          mission.Prompt,
		"team":            mission.Team,
		"max_rounds":      mission.MaxRounds,
		"max_parallel":    mission.MaxParallel,
		"created_at":      counciltypes.NowUnix(),
	}
	if err := atomicfile.WriteJSON(filepath.Join(runDir, "manifest.json"), manifest); err != nil {
		return "", nil, fmt.Errorf("write manifest: %w", err)
	}

	return runDir, seats, nil
}
