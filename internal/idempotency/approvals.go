package idempotency

import (
	"encoding/json"
	"path/filepath"

	"github.com/localcouncil/council/internal/atomicfile"
	"github.com/localcouncil/council/internal/counciltypes"
)

// Approvals is the HITL gate ledger at <runDir>/state/approvals.jsonl.
// Patch apply checks Approved before proceeding whenever it is given an
// Approvals ledger.
type Approvals struct {
	runDir string
}

// NewApprovals builds an Approvals ledger rooted at runDir.
func NewApprovals(runDir string) *Approvals {
	return &Approvals{runDir: runDir}
}

func (a *Approvals) path() string {
	return filepath.Join(a.runDir, "state", "approvals.jsonl")
}

// Grant appends an approval row for actionID.
func (a *Approvals) Grant(actionID, kind, actor, note string) error {
	row := counciltypes.Approval{
		ActionID: actionID,
		Kind:     kind,
		Actor:    actor,
		Note:     note,
		TS:       counciltypes.NowUnix(),
	}
	return atomicfile.AppendJSONL(a.path(), row)
}

// Approved reports whether actionID has at least one approval row,
// optionally scoped to kind.
func (a *Approvals) Approved(actionID, kind string) (bool, error) {
	if actionID == "" {
		return false, nil
	}
	found := false
	err := atomicfile.ScanJSONL(a.path(), func(line []byte) error {
		var row counciltypes.Approval
		if err := json.Unmarshal(line, &row); err != nil {
			return nil
		}
		if row.ActionID != actionID {
			return nil
		}
		if kind != "" && row.Kind != kind {
			return nil
		}
		found = true
		return nil
	})
	return found, err
}
