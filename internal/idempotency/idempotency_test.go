package idempotency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSeenFalseWhenNeverRecorded(t *testing.T) {
	s := New(t.TempDir(), time.Hour)
	seen, err := s.Seen("action-1", "patch_apply")
	require.NoError(t, err)
	require.False(t, seen)
}

func TestRecordThenSeen(t *testing.T) {
	s := New(t.TempDir(), time.Hour)
	require.NoError(t, s.Record("action-1", "patch_apply", map[string]any{"round": 2}))

	seen, err := s.Seen("action-1", "patch_apply")
	require.NoError(t, err)
	require.True(t, seen)

	seen, err = s.Seen("action-1", "other_kind")
	require.NoError(t, err)
	require.False(t, seen, "kind scoping must not match a different kind")
}

func TestSeenIgnoresExpiredRecords(t *testing.T) {
	s := New(t.TempDir(), time.Nanosecond)
	require.NoError(t, s.Record("action-2", "patch_apply", nil))
	time.Sleep(5 * time.Millisecond)
	seen, err := s.Seen("action-2", "patch_apply")
	require.NoError(t, err)
	require.False(t, seen)
}

func TestAllReturnsNonExpiredRecords(t *testing.T) {
	s := New(t.TempDir(), time.Hour)
	require.NoError(t, s.Record("a1", "k1", nil))
	require.NoError(t, s.Record("a2", "k1", nil))

	all, err := s.All()
	require.NoError(t, err)
	require.Len(t, all, 2)
}
