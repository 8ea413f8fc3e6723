// Package counciltypes holds the entities of the council orchestrator's data
// model (spec §3) and the closed error taxonomy (spec §7). Keeping these in
// one leaf package lets every other component depend on shared shapes
// without import cycles.
package counciltypes

import "time"

// Mission is the immutable description of a single run, created at intake.
type Mission struct {
	ID          string   `json:"id"`
	Prompt      string   `json:"prompt"`
	Team        []string `json:"team"`
	MaxRounds   int      `json:"max_rounds"`
	MaxParallel int      `json:"max_parallel"`
	Online      bool     `json:"online"`
	Strict      bool     `json:"strict"`
	Require     bool     `json:"require"`
}

// MinTeamSize and MaxTeamSize bound Mission.Team per spec §3.
const (
	MinTeamSize = 3
	MaxTeamSize = 7
)

// Seat is one agent instance in a round.
type Seat struct {
	Index      int    `json:"seat_index"`
	Role       string `json:"role"`
	PromptPath string `json:"prompt_path"`
	OutPath    string `json:"out_path"`
}

// AttemptResult is produced by the provider router for a single call attempt.
type AttemptResult struct {
	OK       bool    `json:"ok"`
	Provider string  `json:"provider"`
	Model    string  `json:"model"`
	Duration float64 `json:"duration_s"`
	Error    string  `json:"error,omitempty"`
	Text     string  `json:"text,omitempty"`
}

// Decision is the normalized structured decision extracted from a seat's
// free-form output.
type Decision struct {
	Agent        int            `json:"agent"`
	Round        int            `json:"round"`
	Summary      string         `json:"summary"`
	Files        []string       `json:"files"`
	Commands     []string       `json:"commands"`
	Risks        []string       `json:"risks"`
	Confidence   float64        `json:"confidence"`
	Raw          map[string]any `json:"raw"`
	SourcePath   string         `json:"source_path"`
	ExtractedAt  float64        `json:"extracted_at"`
	VerdictScore *float64       `json:"verdict_score,omitempty"`
}

// ClampConfidence clamps d.Confidence into [0,1], per spec §3 invariant.
func (d *Decision) ClampConfidence() {
	if d.Confidence < 0 {
		d.Confidence = 0
	}
	if d.Confidence > 1 {
		d.Confidence = 1
	}
}

// RoundReport is written once per round after extraction+repair.
type RoundReport struct {
	Round      int     `json:"round"`
	AgentCount int     `json:"agent_count"`
	Extracted  int     `json:"extracted"`
	Missing    []int   `json:"missing"`
	OK         bool    `json:"ok"`
	Stopped    bool    `json:"stopped,omitempty"`
	GeneratedAt float64 `json:"generated_at"`
}

// Verdict is an optional per-seat score/status from an external supervisor.
type Verdict struct {
	Seat     int      `json:"seat"`
	Score    float64  `json:"score"`
	Status   string   `json:"status"`
	Mistakes []string `json:"mistakes,omitempty"`
}

// PatchBlockReport is the per-diff-block result of a patch-apply attempt.
type PatchBlockReport struct {
	OK           bool     `json:"ok"`
	TouchedFiles []string `json:"touched_files"`
	Reason       string   `json:"reason,omitempty"`
}

// PatchApplyReport is written once per round that attempts patching.
type PatchApplyReport struct {
	Round  int                `json:"round"`
	Agent  int                `json:"agent"`
	Blocks []PatchBlockReport `json:"diff_blocks"`
	Skipped bool              `json:"skipped,omitempty"`
	Reason  string            `json:"reason,omitempty"`
}

// VerifyCheck is one check command's result.
type VerifyCheck struct {
	Cmd        string  `json:"cmd"`
	RC         int     `json:"rc"`
	StdoutTail string  `json:"stdout_tail"`
	StderrTail string  `json:"stderr_tail"`
	Duration   float64 `json:"duration_s"`
}

// VerifyReport is written once per patch-apply round.
type VerifyReport struct {
	OK     bool          `json:"ok"`
	Checks []VerifyCheck `json:"checks"`
}

// LedgerEntry is one append-only, HMAC-signed, hash-chained ledger row.
type LedgerEntry struct {
	TS        string         `json:"ts"`
	PrevHash  string         `json:"prev_hash"`
	KeyID     string         `json:"key_id,omitempty"`
	Algo      string         `json:"algo,omitempty"`
	Payload   map[string]any `json:"payload"`
	Signature string         `json:"signature,omitempty"`
	EntryHash string         `json:"entry_hash"`
}

// ActionRecord dedupes inbound actions by action_id (idempotency, spec §4.10).
type ActionRecord struct {
	SchemaVersion int            `json:"schema_version"`
	TS            float64        `json:"ts"`
	ActionID      string         `json:"action_id"`
	Kind          string         `json:"kind"`
	Details       map[string]any `json:"details"`
}

// Approval is appended by HITL tooling and gates side-effecting stages.
type Approval struct {
	ActionID string  `json:"action_id"`
	Kind     string  `json:"kind"`
	Actor    string  `json:"actor"`
	Note     string  `json:"note,omitempty"`
	TS       float64 `json:"ts"`
}

// BreakerState is per-provider open/closed state updated by the router.
type BreakerState struct {
	LastOK    float64 `json:"last_ok,omitempty"`
	LastErr   string  `json:"last_err,omitempty"`
	OpenUntil float64 `json:"open_until,omitempty"`
}

// IsOpen reports whether the breaker is currently open relative to now.
func (b BreakerState) IsOpen(now time.Time) bool {
	return float64(now.Unix()) < b.OpenUntil
}

// AgentMetric is one row of state/agent_metrics.jsonl.
type AgentMetric struct {
	TS             float64 `json:"ts"`
	Seat           int     `json:"seat"`
	DurationS      float64 `json:"duration_s"`
	LocalSlotWaitS float64 `json:"local_slot_wait_s"`
	OK             bool    `json:"ok"`
	Error          string  `json:"error,omitempty"`
}

// ConcurrencySetting is the current/recommended pair written to
// state/concurrency.json by the governor's recommender.
type ConcurrencySetting struct {
	MaxParallel       int `json:"max_parallel"`
	MaxLocalConcurrency int `json:"max_local_concurrency"`
}

// ConcurrencyRecommendation is the full state/concurrency.json document.
type ConcurrencyRecommendation struct {
	GeneratedAt float64            `json:"generated_at"`
	Current     ConcurrencySetting `json:"current"`
	Recommended ConcurrencySetting `json:"recommended"`
	Metrics     ConcurrencyMetrics `json:"metrics"`
	Reasons     []string           `json:"reasons"`
}

// ConcurrencyMetrics summarizes the inputs to the recommender.
type ConcurrencyMetrics struct {
	DurationP95S      float64 `json:"duration_p95_s"`
	LocalSlotWaitP95S float64 `json:"local_slot_wait_p95_s"`
	Rows              int     `json:"rows"`
	Overloads         int     `json:"overloads"`
}

// NowUnix returns the current time as Unix-seconds float, the artifact
// timestamp convention used throughout spec §6.
func NowUnix() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
