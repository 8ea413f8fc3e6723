package stopflag

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCheckNoFlags(t *testing.T) {
	dir := t.TempDir()
	p := NewPaths(dir, "", filepath.Join(dir, "run"))
	ok, reason := Check(p)
	require.False(t, ok)
	require.Equal(t, ReasonNone, reason)
}

func TestCheckGlobalTakesPriority(t *testing.T) {
	dir := t.TempDir()
	runDir := filepath.Join(dir, "run")
	require.NoError(t, os.MkdirAll(runDir, 0o700))
	p := NewPaths(dir, "", runDir)

	require.NoError(t, os.WriteFile(p.Global, []byte(""), 0o600))
	require.NoError(t, os.WriteFile(p.RunDir, []byte(""), 0o600))

	ok, reason := Check(p)
	require.True(t, ok)
	require.Equal(t, ReasonGlobal, reason)
}

func TestCheckRunDirOnly(t *testing.T) {
	dir := t.TempDir()
	runDir := filepath.Join(dir, "run")
	require.NoError(t, os.MkdirAll(runDir, 0o700))
	p := NewPaths(dir, "", runDir)

	require.NoError(t, os.WriteFile(p.RunDir, []byte(""), 0o600))

	ok, reason := Check(p)
	require.True(t, ok)
	require.Equal(t, ReasonRunDir, reason)
}

func TestWaitOrStopObservesLateFlag(t *testing.T) {
	dir := t.TempDir()
	runDir := filepath.Join(dir, "run")
	require.NoError(t, os.MkdirAll(runDir, 0o700))
	p := NewPaths(dir, "", runDir)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = os.WriteFile(p.RunDir, []byte(""), 0o600)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stopped, reason := WaitOrStop(ctx, p, 20*time.Millisecond)
	require.True(t, stopped)
	require.Equal(t, ReasonRunDir, reason)
}

func TestWaitOrStopContextDone(t *testing.T) {
	dir := t.TempDir()
	p := NewPaths(dir, "", filepath.Join(dir, "run"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	stopped, _ := WaitOrStop(ctx, p, 200*time.Millisecond)
	require.False(t, stopped)
}
