// Package idempotency dedupes inbound side-effecting actions by action_id
// and gates them behind a human-in-the-loop approval ledger (spec §4.10).
package idempotency

import (
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/localcouncil/council/internal/atomicfile"
	"github.com/localcouncil/council/internal/counciltypes"
)

// DefaultTTL is how long an action_id is remembered, a deliberate tightening
// of the unbounded reference behavior per spec's explicit TTL example. Seen
// and All ignore records older than the TTL; expired rows are never removed
// from actions.jsonl.
const DefaultTTL = 14 * 24 * time.Hour

// Store dedupes actions recorded under <runDir>/state/actions.jsonl.
type Store struct {
	runDir string
	ttl    time.Duration
}

// New builds a Store rooted at runDir, using ttl (or DefaultTTL if zero) as
// the window within which a recorded action still counts as seen.
func New(runDir string, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{runDir: runDir, ttl: ttl}
}

func (s *Store) ledgerPath() string {
	return filepath.Join(s.runDir, "state", "actions.jsonl")
}

// Record appends one ActionRecord, whole-file-scan deduping is the caller's
// responsibility via Seen first.
func (s *Store) Record(actionID, kind string, details map[string]any) error {
	row := counciltypes.ActionRecord{
		SchemaVersion: 1,
		TS:            counciltypes.NowUnix(),
		ActionID:      actionID,
		Kind:          kind,
		Details:       details,
	}
	return atomicfile.AppendJSONL(s.ledgerPath(), row)
}

// Seen reports whether actionID (optionally scoped to kind) already has a
// non-expired record, via a linear scan of the whole ledger file — the
// store favors auditability over an index, matching the reference
// implementation's whole-file scan.
func (s *Store) Seen(actionID, kind string) (bool, error) {
	if actionID == "" {
		return false, nil
	}
	cutoff := time.Now().Add(-s.ttl)

	found := false
	err := atomicfile.ScanJSONL(s.ledgerPath(), func(line []byte) error {
		var rec counciltypes.ActionRecord
		if err := unmarshalRecord(line, &rec); err != nil {
			return nil
		}
		if rec.ActionID != actionID {
			return nil
		}
		if kind != "" && rec.Kind != kind {
			return nil
		}
		if time.Unix(int64(rec.TS), 0).Before(cutoff) {
			return nil // expired; treat as unseen
		}
		found = true
		return nil
	})
	return found, err
}

// All returns every non-expired ActionRecord in the ledger.
func (s *Store) All() ([]counciltypes.ActionRecord, error) {
	cutoff := time.Now().Add(-s.ttl)
	var out []counciltypes.ActionRecord
	err := atomicfile.ScanJSONL(s.ledgerPath(), func(line []byte) error {
		var rec counciltypes.ActionRecord
		if err := unmarshalRecord(line, &rec); err != nil {
			return nil
		}
		if time.Unix(int64(rec.TS), 0).Before(cutoff) {
			return nil
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

func unmarshalRecord(line []byte, rec *counciltypes.ActionRecord) error {
	return json.Unmarshal(line, rec)
}
