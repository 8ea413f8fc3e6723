package verify

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScanTextDetectsSecret(t *testing.T) {
	secrets, risks := ScanText("OPENAI_API_KEY=sk-not-a-real-key")
	require.NotEmpty(t, secrets)
	require.Empty(t, risks)
}

func TestScanTextDetectsRisk(t *testing.T) {
	secrets, risks := ScanText("route traffic over socks5://127.0.0.1:9050")
	require.Empty(t, secrets)
	require.NotEmpty(t, risks)
}

func TestScanTextClean(t *testing.T) {
	secrets, risks := ScanText("func main() {}\n")
	require.Empty(t, secrets)
	require.Empty(t, risks)
}

func TestScanResultExitCode(t *testing.T) {
	require.Equal(t, 2, buildResult([]string{"secret"}, nil, nil, false).ExitCode())
	require.Equal(t, 3, buildResult(nil, []string{"risk"}, nil, false).ExitCode())
	require.Equal(t, 0, buildResult(nil, []string{"risk"}, nil, true).ExitCode())
	require.Equal(t, 0, buildResult(nil, nil, nil, false).ExitCode())
}

func initGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-q")
	runGit(t, dir, "config", "user.email", "council@example.com")
	runGit(t, dir, "config", "user.name", "council")
	return dir
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoErrorf(t, err, "git %v: %s", args, out)
}

func TestScanStagedFindsSecretInStagedFile(t *testing.T) {
	dir := initGitRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.env"), []byte("ANTHROPIC_API_KEY=totally-fake"), 0o600))
	runGit(t, dir, "add", "config.env")

	result, err := ScanStaged(context.Background(), dir, false)
	require.NoError(t, err)
	require.True(t, result.HasSecrets)
	require.Equal(t, 2, result.ExitCode())
}

func TestScanStagedCleanRepo(t *testing.T) {
	dir := initGitRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o600))
	runGit(t, dir, "add", "main.go")

	result, err := ScanStaged(context.Background(), dir, false)
	require.NoError(t, err)
	require.True(t, result.OK)
	require.Equal(t, 0, result.ExitCode())
}
