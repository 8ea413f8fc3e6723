package verify

import (
	"context"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/localcouncil/council/internal/atomicfile"
	"github.com/localcouncil/council/internal/counciltypes"
)

// Pipeline runs a fixed sequence of checks after patch apply: a build/parse
// check, a whitespace/conflict-marker check via git, and a staged secret
// scan (spec §4.7). Strict mode promotes any non-zero check to a fatal
// ErrVerifyFailed instead of a soft warning.
type Pipeline struct {
	RepoRoot       string
	BuildCmd       []string // e.g. ["go", "build", "./..."]
	Strict         bool
	AllowRiskyCode bool
}

// DetectBuildCmd picks a sane default for verify check #1 ("repo-wide
// syntax/bytecode compile of the code tree", spec §4.7) when VerifyConfig
// leaves BuildCmd unset, based on the repo's build system.
func DetectBuildCmd(repoRoot string) []string {
	switch {
	case atomicfile.Exists(filepath.Join(repoRoot, "go.mod")):
		return []string{"go", "build", "./..."}
	case atomicfile.Exists(filepath.Join(repoRoot, "pyproject.toml")),
		atomicfile.Exists(filepath.Join(repoRoot, "setup.py")),
		atomicfile.Exists(filepath.Join(repoRoot, "requirements.txt")):
		return []string{"python3", "-m", "compileall", "-q", "."}
	case atomicfile.Exists(filepath.Join(repoRoot, "package.json")):
		return []string{"node", "--check", "."}
	default:
		return nil
	}
}

// Run executes every configured check in order and writes
// state/verify_report.json under runDir.
func (p Pipeline) Run(ctx context.Context, runDir string) (counciltypes.VerifyReport, error) {
	var checks []counciltypes.VerifyCheck

	buildCmd := p.BuildCmd
	if len(buildCmd) == 0 {
		buildCmd = DetectBuildCmd(p.RepoRoot)
	}
	if len(buildCmd) > 0 {
		checks = append(checks, p.runCommand(ctx, buildCmd))
	}
	if atomicfile.Exists(filepath.Join(p.RepoRoot, ".git")) {
		checks = append(checks, p.runCommand(ctx, []string{"git", "diff", "--check"}))
	}

	scan, err := ScanStaged(ctx, p.RepoRoot, p.AllowRiskyCode)
	if err == nil {
		checks = append(checks, counciltypes.VerifyCheck{
			Cmd: "scan-risk --staged",
			RC:  scan.ExitCode(),
		})
	}

	ok := true
	for _, c := range checks {
		if c.RC != 0 {
			ok = false
		}
	}

	report := counciltypes.VerifyReport{OK: ok, Checks: checks}
	if err := atomicfile.WriteJSON(filepath.Join(runDir, "state", "verify_report.json"), report); err != nil {
		return report, err
	}

	if !ok && p.Strict {
		return report, counciltypes.ErrVerifyFailed
	}
	return report, nil
}

func (p Pipeline) runCommand(ctx context.Context, cmd []string) counciltypes.VerifyCheck {
	t0 := time.Now()
	c := exec.CommandContext(ctx, cmd[0], cmd[1:]...)
	c.Dir = p.RepoRoot

	stdout, stderr := &limitedBuffer{limit: 8000}, &limitedBuffer{limit: 8000}
	c.Stdout = stdout
	c.Stderr = stderr

	rc := 0
	if err := c.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			rc = exitErr.ExitCode()
		} else {
			rc = 1
		}
	}

	return counciltypes.VerifyCheck{
		Cmd:        joinCmd(cmd),
		RC:         rc,
		StdoutTail: stdout.String(),
		StderrTail: stderr.String(),
		Duration:   time.Since(t0).Seconds(),
	}
}

func joinCmd(cmd []string) string {
	out := ""
	for i, c := range cmd {
		if i > 0 {
			out += " "
		}
		out += c
	}
	return out
}

// limitedBuffer keeps only the final `limit` bytes written to it, matching
// the reference pipeline's tail-capture behavior for long command output.
type limitedBuffer struct {
	limit int
	buf   []byte
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.limit {
		b.buf = b.buf[len(b.buf)-b.limit:]
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string { return string(b.buf) }
