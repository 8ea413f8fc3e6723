package ledger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendChainsHashes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evidence.jsonl")
	l := New(path, KeyRing{ActiveKeyID: "k1", Keys: map[string]string{"k1": "secret"}})

	e1, err := l.Append(map[string]any{"round": 1})
	require.NoError(t, err)
	require.Empty(t, e1.PrevHash)
	require.NotEmpty(t, e1.EntryHash)
	require.NotEmpty(t, e1.Signature)

	e2, err := l.Append(map[string]any{"round": 2})
	require.NoError(t, err)
	require.Equal(t, e1.EntryHash, e2.PrevHash)
}

func TestAppendRequiresKeyWhenSigningRequired(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evidence.jsonl")
	l := New(path, KeyRing{ActiveKeyID: "missing", SigningRequired: true})

	_, err := l.Append(map[string]any{"round": 1})
	require.Error(t, err)
}

func TestAppendMirrorsToSinkDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "evidence.jsonl")
	sink := filepath.Join(dir, "sink")
	l := New(path, KeyRing{ActiveKeyID: "k1", Keys: map[string]string{"k1": "secret"}})
	l.SinkDir = sink

	_, err := l.Append(map[string]any{"round": 1})
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(sink, "evidence.jsonl"))
}

func TestVerifyRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evidence.jsonl")
	keys := KeyRing{ActiveKeyID: "k1", Keys: map[string]string{"k1": "secret"}}
	l := New(path, keys)

	for i := 0; i < 3; i++ {
		_, err := l.Append(map[string]any{"round": i})
		require.NoError(t, err)
	}

	result, err := Verify(path, keys)
	require.NoError(t, err)
	require.True(t, result.OK)
	require.Equal(t, 3, result.Entries)
	require.Equal(t, 3, result.SignedEntries)
}

func TestVerifyDetectsTamperedEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evidence.jsonl")
	keys := KeyRing{ActiveKeyID: "k1", Keys: map[string]string{"k1": "secret"}}
	l := New(path, keys)

	_, err := l.Append(map[string]any{"round": 1})
	require.NoError(t, err)
	_, err = l.Append(map[string]any{"round": 2})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := []byte(string(data)[:len(data)-2] + "X\n")
	require.NoError(t, os.WriteFile(path, tampered, 0o600))

	result, err := Verify(path, keys)
	require.NoError(t, err)
	require.False(t, result.OK)
}

func TestVerifyMissingFileIsOK(t *testing.T) {
	result, err := Verify(filepath.Join(t.TempDir(), "nope.jsonl"), KeyRing{})
	require.NoError(t, err)
	require.True(t, result.OK)
	require.Equal(t, 0, result.Entries)
}

func TestVerifyWrongKeyDetectsSignatureMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evidence.jsonl")
	l := New(path, KeyRing{ActiveKeyID: "k1", Keys: map[string]string{"k1": "secret"}})
	_, err := l.Append(map[string]any{"round": 1})
	require.NoError(t, err)

	result, err := Verify(path, KeyRing{Keys: map[string]string{"k1": "different-secret"}})
	require.NoError(t, err)
	require.False(t, result.OK)
}
