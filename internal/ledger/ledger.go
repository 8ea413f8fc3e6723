// Package ledger implements the evidence ledger: an append-only,
// HMAC-signed, hash-chained JSONL log (spec §4.9). Each entry's canonical
// base is {ts, prev_hash, key_id, algo, payload}; signature is
// HMAC-SHA256(canonical_base, key); entry_hash is
// SHA256(canonical_base + "|" + signature). Legacy entries — written before
// signing was required, carrying no key_id/signature/algo — remain
// verifiable against a legacy canonical base of just {ts, prev_hash,
// payload}.
package ledger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// Entry is one decoded ledger row. Payload carries arbitrary round/seat
// evidence; the chain/signing fields are computed by Append.
type Entry struct {
	TS        string         `json:"ts"`
	PrevHash  string         `json:"prev_hash"`
	KeyID     string         `json:"key_id,omitempty"`
	Algo      string         `json:"algo,omitempty"`
	Payload   map[string]any `json:"payload"`
	Signature string         `json:"signature,omitempty"`
	EntryHash string         `json:"entry_hash"`
}

// KeyRing resolves a key_id to its HMAC key. ActiveKeyID names which key
// new entries are signed with; older key_ids remain in Keys for verifying
// entries signed before a rotation.
type KeyRing struct {
	ActiveKeyID     string
	Keys            map[string]string
	SigningRequired bool
}

// Ledger appends to and verifies a single evidence log file.
type Ledger struct {
	Path    string
	Keys    KeyRing
	SinkDir string // optional: mirror each appended line here too
}

// New builds a Ledger at path (normally <rundir>/state/evidence.jsonl).
func New(path string, keys KeyRing) *Ledger {
	return &Ledger{Path: path, Keys: keys}
}

// Append signs and writes one entry, holding an exclusive file lock for the
// duration of the read-modify-write so concurrent seats/enrichers never
// interleave a prev_hash read with another writer's append.
func (l *Ledger) Append(payload map[string]any) (Entry, error) {
	dir := filepath.Dir(l.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Entry{}, fmt.Errorf("create ledger dir: %w", err)
	}

	lockFile, err := acquireLock(l.Path + ".lock")
	if err != nil {
		return Entry{}, err
	}
	defer releaseLock(lockFile)

	f, err := os.OpenFile(l.Path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return Entry{}, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	prevHash, err := readLastEntryHash(f)
	if err != nil {
		return Entry{}, err
	}

	keyID := l.Keys.ActiveKeyID
	if keyID == "" {
		keyID = "local-v1"
	}
	key := l.Keys.Keys[keyID]
	if l.Keys.SigningRequired && key == "" {
		return Entry{}, fmt.Errorf("evidence_hmac_key missing for key_id %q while signing is required", keyID)
	}

	base := map[string]any{
		"ts":        nowISO(),
		"prev_hash": prevHash,
		"key_id":    keyID,
		"algo":      "HMAC-SHA256",
		"payload":   payload,
	}
	canonicalBase, err := canonicalJSON(base)
	if err != nil {
		return Entry{}, fmt.Errorf("canonicalize entry: %w", err)
	}

	var signature string
	if key != "" {
		signature = sign(canonicalBase, key)
	}
	entryHash := sha256Hex(canonicalBase + "|" + signature)

	entry := Entry{
		TS:        base["ts"].(string),
		PrevHash:  prevHash,
		KeyID:     keyID,
		Algo:      "HMAC-SHA256",
		Payload:   payload,
		Signature: signature,
		EntryHash: entryHash,
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal entry: %w", err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return Entry{}, fmt.Errorf("seek ledger end: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return Entry{}, fmt.Errorf("append entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return Entry{}, fmt.Errorf("fsync ledger: %w", err)
	}
	if err := syncDir(dir); err != nil {
		return Entry{}, err
	}

	if l.SinkDir != "" {
		_ = mirrorToSink(l.SinkDir, line)
	}

	return entry, nil
}

func mirrorToSink(sinkDir string, line []byte) error {
	if err := os.MkdirAll(sinkDir, 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(sinkDir, "evidence.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

func acquireLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open ledger lock: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock ledger: %w", err)
	}
	return f, nil
}

func releaseLock(f *os.File) {
	_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	f.Close()
}

func readLastEntryHash(f *os.File) (string, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return "", nil
		}
		return entry.EntryHash, nil
	}
	return "", nil
}

func sign(canonicalBase, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(canonicalBase))
	return hex.EncodeToString(mac.Sum(nil))
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func nowISO() string {
	return time.Now().Format("2006-01-02T15:04:05-07:00")
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) {
		return err
	}
	return nil
}
