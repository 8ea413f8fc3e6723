package verify

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPipelineRunWithoutGitDirSkipsDiffCheck(t *testing.T) {
	repoRoot := t.TempDir()
	runDir := t.TempDir()

	p := Pipeline{RepoRoot: repoRoot}
	report, err := p.Run(context.Background(), runDir)
	require.NoError(t, err)
	require.True(t, report.OK)
	require.FileExists(t, filepath.Join(runDir, "state", "verify_report.json"))
}

func TestPipelineRunBuildCmdFailureNonStrict(t *testing.T) {
	repoRoot := t.TempDir()
	runDir := t.TempDir()

	p := Pipeline{RepoRoot: repoRoot, BuildCmd: []string{"false"}}
	report, err := p.Run(context.Background(), runDir)
	require.NoError(t, err)
	require.False(t, report.OK)
}

func TestPipelineRunBuildCmdFailureStrictIsFatal(t *testing.T) {
	repoRoot := t.TempDir()
	runDir := t.TempDir()

	p := Pipeline{RepoRoot: repoRoot, BuildCmd: []string{"false"}, Strict: true}
	_, err := p.Run(context.Background(), runDir)
	require.Error(t, err)
}

func TestPipelineRunWithGitDirChecksDiff(t *testing.T) {
	repoRoot := t.TempDir()
	runDir := t.TempDir()

	cmd := exec.Command("git", "init", "-q")
	cmd.Dir = repoRoot
	require.NoError(t, cmd.Run())
	require.NoError(t, os.WriteFile(filepath.Join(repoRoot, "a.go"), []byte("package a\n"), 0o600))

	p := Pipeline{RepoRoot: repoRoot}
	report, err := p.Run(context.Background(), runDir)
	require.NoError(t, err)
	require.NotEmpty(t, report.Checks)
}
