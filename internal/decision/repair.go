package decision

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/localcouncil/council/internal/atomicfile"
	"github.com/localcouncil/council/internal/counciltypes"
	"github.com/localcouncil/council/internal/stopflag"
)

// RepairResult is one seat's repair-sub-round outcome.
type RepairResult struct {
	Agent      int     `json:"agent"`
	PromptPath string  `json:"prompt_path"`
	OutPath    string  `json:"out_path"`
	OK         bool    `json:"ok"`
	DurationS  float64 `json:"duration_s"`
	Error      string  `json:"error,omitempty"`
}

// RepairReport is written once per repair attempt.
type RepairReport struct {
	OK         bool           `json:"ok"`
	Mode       string         `json:"mode"`
	Round      int            `json:"round"`
	Attempt    int            `json:"attempt"`
	Agents     []int          `json:"agents"`
	StartedAt  float64        `json:"started_at"`
	FinishedAt float64        `json:"finished_at"`
	Reason     string         `json:"reason,omitempty"`
	Results    []RepairResult `json:"results"`
}

// BuildRepairPrompt renders the deterministic repair sub-round prompt: a
// [SYSTEM] header naming the repair mode, the enumerated required keys, and
// a [PRIOR_OUTPUT_TAIL] section holding the tail of the seat's prior output.
func BuildRepairPrompt(repoRoot, runDir string, round, agent int, task, priorTail string) string {
	tail := strings.TrimSpace(priorTail)
	if tail == "" {
		tail = "(empty)"
	}
	return "[SYSTEM]\n" +
		"REPAIR_MODE=decision_json\n" +
		"You are repairing a contract violation. Output must be machine-parseable.\n\n" +
		fmt.Sprintf("REPO_ROOT: %s\n", repoRoot) +
		fmt.Sprintf("RUN_DIR: %s\n", runDir) +
		fmt.Sprintf("ROUND: %d\n", round) +
		fmt.Sprintf("AGENT_ID: %d\n\n", agent) +
		fmt.Sprintf("TASK:\n%s\n\n", strings.TrimSpace(task)) +
		"[INSTRUCTIONS]\n" +
		"- Return EXACTLY ONE fenced JSON block labeled DECISION_JSON.\n" +
		"- No prose outside the JSON fence.\n" +
		"- The JSON must include keys: summary (string), files (array), commands (array), risks (array), confidence (0..1).\n" +
		"- files must be repo-relative paths only (no absolute paths, no drive letters, no .. traversal).\n" +
		"- commands must be runnable commands to verify your suggested work.\n\n" +
		"[PRIOR_OUTPUT_TAIL]\n" +
		tail + "\n"
}

// TailText returns the last maxChars characters of path's content, or the
// whole thing if shorter.
func TailText(path string, maxChars int) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	txt := string(data)
	if maxChars <= 0 || len(txt) <= maxChars {
		return txt
	}
	return txt[len(txt)-maxChars:]
}

// Run executes one repair attempt for the given missing seats, calling
// runSeat(agentID, promptPath, outPath) to actually invoke the seat's
// subprocess (left to the orchestrator, which owns process-tree lifecycle).
// It checks stop flags before starting and between seats.
func Run(repoRoot, runDir string, round, attempt int, agents []int, task string, priorTailChars int, stop stopflag.Paths, runSeat func(agentID int, promptPath, outPath string) (float64, error)) (RepairReport, error) {
	repairsDir := filepath.Join(runDir, "state", "repairs")
	if err := os.MkdirAll(repairsDir, 0o700); err != nil {
		return RepairReport{}, fmt.Errorf("create repairs dir: %w", err)
	}

	report := RepairReport{
		OK:        true,
		Mode:      "decision_json",
		Round:     round,
		Attempt:   attempt,
		Agents:    agents,
		StartedAt: counciltypes.NowUnix(),
	}

	if ok, reason := stopflag.Check(stop); ok {
		report.OK = false
		report.Reason = string(reason)
		report.FinishedAt = counciltypes.NowUnix()
		_ = atomicfile.WriteJSON(repairReportPath(repairsDir, round, attempt), report)
		return report, counciltypes.ErrStopRequested
	}

	for _, agentID := range agents {
		if ok, reason := stopflag.Check(stop); ok {
			report.OK = false
			report.Reason = "stop_requested_mid_repair:" + string(reason)
			break
		}

		priorPath := SeatOutputPath(runDir, round, agentID)
		priorTail := TailText(priorPath, priorTailChars)

		promptPath := filepath.Join(repairsDir, fmt.Sprintf("prompt_round%d_agent%d_repair%d.txt", round, agentID, attempt))
		outPath := filepath.Join(repairsDir, fmt.Sprintf("round%d_agent%d_repair%d.md", round, agentID, attempt))

		promptTxt := BuildRepairPrompt(repoRoot, runDir, round, agentID, task, priorTail)
		if err := os.WriteFile(promptPath, []byte(promptTxt), 0o600); err != nil {
			return report, fmt.Errorf("write repair prompt for seat %d: %w", agentID, err)
		}

		duration, err := runSeat(agentID, promptPath, outPath)
		res := RepairResult{Agent: agentID, PromptPath: promptPath, OutPath: outPath, OK: err == nil, DurationS: duration}
		if err != nil {
			res.Error = err.Error()
			report.OK = false
		}
		report.Results = append(report.Results, res)
	}

	report.FinishedAt = counciltypes.NowUnix()
	if err := atomicfile.WriteJSON(repairReportPath(repairsDir, round, attempt), report); err != nil {
		return report, fmt.Errorf("write repair report: %w", err)
	}
	return report, nil
}

func repairReportPath(repairsDir string, round, attempt int) string {
	return filepath.Join(repairsDir, fmt.Sprintf("repair_round%d_attempt%d.json", round, attempt))
}
