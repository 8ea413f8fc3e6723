// Package decision extracts structured DECISION_JSON blocks from a seat's
// free-form markdown output, normalizes them, and drives a bounded repair
// sub-round for seats that produced none (spec §4.5).
package decision

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/localcouncil/council/internal/atomicfile"
	"github.com/localcouncil/council/internal/counciltypes"
)

var (
	decisionFenceRe = regexp.MustCompile(`(?is)` + "```json\\s+DECISION_JSON\\s*(.*?)```")
	genericFenceRe  = regexp.MustCompile(`(?is)` + "```json\\s*(.*?)```")
)

// schemaKeys are the keys whose presence qualifies a generic fenced JSON
// block as a decision candidate.
var schemaKeys = []string{"files", "commands", "summary", "plan"}

// Extract finds the best-matching DECISION_JSON object in md: a labeled
// fence takes priority, otherwise the first generic JSON fence containing
// one of the schema keys.
func Extract(md string) map[string]any {
	if m := decisionFenceRe.FindStringSubmatch(md); m != nil {
		if obj := tryParseJSON(m[1]); obj != nil {
			return obj
		}
	}
	for _, m := range genericFenceRe.FindAllStringSubmatch(md, -1) {
		obj := tryParseJSON(m[1])
		if obj == nil {
			continue
		}
		if hasAnySchemaKey(obj) {
			return obj
		}
	}
	return nil
}

func tryParseJSON(blob string) map[string]any {
	blob = strings.TrimSpace(blob)
	if blob == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(blob), &obj); err != nil {
		return nil
	}
	return obj
}

func hasAnySchemaKey(obj map[string]any) bool {
	for _, k := range schemaKeys {
		if _, ok := obj[k]; ok {
			return true
		}
	}
	return false
}

// Normalize converts a raw decoded JSON object into the canonical Decision
// shape, clamping confidence and coercing loosely-typed arrays to strings.
func Normalize(obj map[string]any, agent, round int) counciltypes.Decision {
	d := counciltypes.Decision{
		Agent: agent,
		Round: round,
		Raw:   obj,
	}
	d.Summary = strings.TrimSpace(firstNonEmptyString(obj["summary"], obj["plan"]))
	d.Files = stringSliceFrom(obj["files"])
	d.Commands = stringSliceFrom(obj["commands"])
	d.Risks = stringSliceFrom(obj["risks"])
	d.Confidence = floatFrom(obj["confidence"])
	d.ClampConfidence()
	d.ExtractedAt = counciltypes.NowUnix()
	return d
}

func firstNonEmptyString(vals ...any) string {
	for _, v := range vals {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

func stringSliceFrom(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, x := range arr {
		s := fmt.Sprintf("%v", x)
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

func floatFrom(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case string:
		var f float64
		_, _ = fmt.Sscanf(n, "%f", &f)
		return f
	default:
		return 0
	}
}

// SeatOutputPath mirrors the reference extractor's fallback order:
// round{R}_agent{K}.md, else agent{K}.md.
func SeatOutputPath(runDir string, round, seat int) string {
	primary := filepath.Join(runDir, fmt.Sprintf("round%d_agent%d.md", round, seat))
	if atomicfile.Exists(primary) {
		return primary
	}
	return filepath.Join(runDir, fmt.Sprintf("agent%d.md", seat))
}

// latestRepairOutput finds the highest-attempt repair markdown for a seat,
// named round{R}_agent{K}_repair{N}.md, mirroring the reference glob+sort.
func latestRepairOutput(runDir string, round, seat int) (string, bool) {
	repairsDir := filepath.Join(runDir, "state", "repairs")
	entries, err := os.ReadDir(repairsDir)
	if err != nil {
		return "", false
	}
	prefix := fmt.Sprintf("round%d_agent%d_repair", round, seat)
	var candidates []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) && strings.HasSuffix(e.Name(), ".md") {
			candidates = append(candidates, e.Name())
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Strings(candidates)
	return filepath.Join(repairsDir, candidates[len(candidates)-1]), true
}

// ExtractRound reads every seat's output (falling back to its latest repair
// output when the primary has no decision), writes
// state/decisions/round{R}_agent{K}.json per success, and produces the
// round's RoundReport.
func ExtractRound(runDir string, round, agentCount int) (counciltypes.RoundReport, error) {
	outDir := filepath.Join(runDir, "state", "decisions")
	if err := os.MkdirAll(outDir, 0o700); err != nil {
		return counciltypes.RoundReport{}, fmt.Errorf("create decisions dir: %w", err)
	}

	var missing []int
	extracted := 0

	for seat := 1; seat <= agentCount; seat++ {
		srcPath := SeatOutputPath(runDir, round, seat)
		md := readFileBestEffort(srcPath)
		obj := Extract(md)

		if obj == nil {
			if repairPath, ok := latestRepairOutput(runDir, round, seat); ok {
				md2 := readFileBestEffort(repairPath)
				if obj2 := Extract(md2); obj2 != nil {
					obj = obj2
					srcPath = repairPath
				}
			}
		}

		if obj == nil {
			missing = append(missing, seat)
			continue
		}

		d := Normalize(obj, seat, round)
		d.SourcePath = srcPath
		path := filepath.Join(outDir, fmt.Sprintf("round%d_agent%d.json", round, seat))
		if err := atomicfile.WriteJSON(path, d); err != nil {
			return counciltypes.RoundReport{}, fmt.Errorf("write decision for seat %d: %w", seat, err)
		}
		extracted++
	}

	report := counciltypes.RoundReport{
		Round:       round,
		AgentCount:  agentCount,
		Extracted:   extracted,
		Missing:     missing,
		OK:          len(missing) == 0,
		GeneratedAt: counciltypes.NowUnix(),
	}
	reportPath := filepath.Join(runDir, "state", fmt.Sprintf("decisions_round%d.json", round))
	if err := atomicfile.WriteJSON(reportPath, report); err != nil {
		return report, fmt.Errorf("write round report: %w", err)
	}
	return report, nil
}

func readFileBestEffort(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}
