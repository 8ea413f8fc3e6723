// Package patchapply extracts unified-diff blocks from a winning decision's
// raw output, validates every touched path against an edit-surface
// allow-list, and applies each block independently via `git apply` (spec
// §4.6). A rejected block does not stop later blocks from being attempted.
package patchapply

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/localcouncil/council/internal/counciltypes"
	"github.com/localcouncil/council/internal/idempotency"
)

// fencedDiffRe matches fenced ```diff blocks; pathHeaderRe captures the path
// of each "--- " / "+++ " header line, minus any a/ or b/ prefix.
var (
	fencedDiffRe = regexp.MustCompile("(?is)```diff\\s*(.*?)```")
	pathHeaderRe = regexp.MustCompile(`(?m)^(?:\+\+\+|---) (?:a/|b/)?(\S+)`)
)

// ExtractBlocks finds every diff block in raw text, preferring fenced
// ```diff fences; if none are present, the whole text is treated as a
// single candidate block when it looks like a unified diff.
func ExtractBlocks(raw string) []string {
	matches := fencedDiffRe.FindAllStringSubmatch(raw, -1)
	if len(matches) > 0 {
		blocks := make([]string, 0, len(matches))
		for _, m := range matches {
			blocks = append(blocks, strings.TrimSpace(m[1]))
		}
		return blocks
	}
	if strings.Contains(raw, "--- ") && strings.Contains(raw, "+++ ") {
		return []string{strings.TrimSpace(raw)}
	}
	return nil
}

// TouchedPaths returns the distinct repo-relative paths a diff block's
// +++ / --- headers reference, skipping the /dev/null sentinel used for
// file creation/deletion.
func TouchedPaths(block string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, m := range pathHeaderRe.FindAllStringSubmatch(block, -1) {
		p := m[1]
		if p == "" || p == "/dev/null" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// ValidatePaths enforces spec §4.6/§8 invariant 7: every touched path must
// be repo-relative, contain no ".." traversal, not be absolute, and have a
// prefix from allowedPrefixes (empty allowedPrefixes means "anywhere under
// the repo").
func ValidatePaths(paths []string, allowedPrefixes []string) error {
	for _, p := range paths {
		clean := filepath.ToSlash(filepath.Clean(p))
		if filepath.IsAbs(p) || strings.HasPrefix(clean, "../") || clean == ".." || strings.Contains(clean, "/../") {
			return fmt.Errorf("%w: %s", counciltypes.ErrDisallowedPath, p)
		}
		if len(allowedPrefixes) == 0 {
			continue
		}
		if !hasAnyPrefix(clean, allowedPrefixes) {
			return fmt.Errorf("%w: %s not under an allowed edit-surface prefix", counciltypes.ErrDisallowedPath, p)
		}
	}
	return nil
}

func hasAnyPrefix(p string, prefixes []string) bool {
	for _, prefix := range prefixes {
		prefix = strings.TrimSuffix(filepath.ToSlash(prefix), "/")
		if p == prefix || strings.HasPrefix(p, prefix+"/") {
			return true
		}
	}
	return false
}

// Options configures one patch-apply round.
type Options struct {
	RepoRoot        string
	AllowedPrefixes []string
	Approvals       *idempotency.Approvals // nil disables the HITL gate
	ActionID        string
}

// ApplyRound extracts blocks from decision's raw text, validates and
// applies each independently, and returns the round's PatchApplyReport. If
// Approvals is configured and ActionID lacks a matching Approval, the round
// is skipped entirely with reason "awaiting_approval".
func ApplyRound(ctx context.Context, round, agent int, rawText string, opts Options) (counciltypes.PatchApplyReport, error) {
	report := counciltypes.PatchApplyReport{Round: round, Agent: agent}

	if opts.Approvals != nil {
		approved, err := opts.Approvals.Approved(opts.ActionID, "patch_apply")
		if err != nil {
			return report, err
		}
		if !approved {
			report.Skipped = true
			report.Reason = "awaiting_approval"
			return report, nil
		}
	}

	blocks := ExtractBlocks(rawText)
	for _, block := range blocks {
		report.Blocks = append(report.Blocks, applyBlock(ctx, opts.RepoRoot, block, opts.AllowedPrefixes))
	}
	return report, nil
}

func applyBlock(ctx context.Context, repoRoot, block string, allowedPrefixes []string) counciltypes.PatchBlockReport {
	touched := TouchedPaths(block)

	if err := ValidatePaths(touched, allowedPrefixes); err != nil {
		return counciltypes.PatchBlockReport{OK: false, TouchedFiles: touched, Reason: "disallowed_path"}
	}

	tmp, err := os.CreateTemp("", "council-patch-*.diff")
	if err != nil {
		return counciltypes.PatchBlockReport{OK: false, TouchedFiles: touched, Reason: "runtime_io"}
	}
	defer os.Remove(tmp.Name())
	// Blocks arrive whitespace-trimmed; git apply rejects a patch whose last
	// line lacks its newline.
	if _, err := tmp.WriteString(block + "\n"); err != nil {
		tmp.Close()
		return counciltypes.PatchBlockReport{OK: false, TouchedFiles: touched, Reason: "runtime_io"}
	}
	tmp.Close()

	cmd := exec.CommandContext(ctx, "git", "apply", "--whitespace=nowarn", tmp.Name())
	cmd.Dir = repoRoot
	if out, err := cmd.CombinedOutput(); err != nil {
		return counciltypes.PatchBlockReport{OK: false, TouchedFiles: touched, Reason: strings.TrimSpace(string(out))}
	}

	return counciltypes.PatchBlockReport{OK: true, TouchedFiles: touched}
}
