package ledger

import (
	"crypto/hmac"
	"encoding/json"
	"os"
	"strings"
)

// VerifyResult is the outcome of walking a ledger file front to back,
// recomputing and comparing each entry's hash chain and signature.
type VerifyResult struct {
	OK            bool   `json:"ok"`
	Entries       int    `json:"entries"`
	LegacyEntries int    `json:"legacy_entries"`
	SignedEntries int    `json:"signed_entries"`
	HeadHash      string `json:"head_hash,omitempty"`
	Line          int    `json:"line,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// Verify walks path's JSONL entries, verifying the hash chain and, for
// entries carrying a key_id, the HMAC signature. Entries with no
// key_id/signature/algo are treated as legacy and checked against the
// legacy canonical base of just {ts, prev_hash, payload}.
func Verify(path string, keys KeyRing) (VerifyResult, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return VerifyResult{OK: true, Entries: 0, Reason: "missing log file"}, nil
	}
	if err != nil {
		return VerifyResult{}, err
	}

	prevHash := ""
	entries := 0
	legacy := 0
	signed := 0

	lines := strings.Split(string(data), "\n")
	for i, raw := range lines {
		lineNo := i + 1
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		entries++

		var obj map[string]any
		if err := json.Unmarshal([]byte(raw), &obj); err != nil {
			return VerifyResult{OK: false, Entries: entries, Line: lineNo, Reason: "invalid json"}, nil
		}

		if asString(obj["prev_hash"]) != prevHash {
			return VerifyResult{OK: false, Entries: entries, Line: lineNo, Reason: "prev_hash mismatch"}, nil
		}

		keyID := asString(obj["key_id"])
		signature := asString(obj["signature"])
		algo := asString(obj["algo"])

		isLegacy := keyID == "" && signature == "" && algo == ""
		if isLegacy {
			legacy++
			legacyBase := map[string]any{
				"ts":        obj["ts"],
				"prev_hash": obj["prev_hash"],
				"payload":   obj["payload"],
			}
			canonical, err := canonicalJSON(legacyBase)
			if err != nil {
				return VerifyResult{}, err
			}
			expectedHash := sha256Hex(canonical)
			if asString(obj["entry_hash"]) != expectedHash {
				return VerifyResult{OK: false, Entries: entries, Line: lineNo, Reason: "legacy entry_hash mismatch"}, nil
			}
			prevHash = expectedHash
			continue
		}

		signed++
		base := map[string]any{
			"ts":        obj["ts"],
			"prev_hash": obj["prev_hash"],
			"key_id":    obj["key_id"],
			"algo":      obj["algo"],
			"payload":   obj["payload"],
		}
		canonicalBase, err := canonicalJSON(base)
		if err != nil {
			return VerifyResult{}, err
		}
		key := keys.Keys[keyID]

		if keys.SigningRequired && key == "" {
			return VerifyResult{OK: false, Entries: entries, Line: lineNo, Reason: "missing key for key_id=" + keyID}, nil
		}
		if key != "" {
			expectedSig := sign(canonicalBase, key)
			if !hmac.Equal([]byte(signature), []byte(expectedSig)) {
				return VerifyResult{OK: false, Entries: entries, Line: lineNo, Reason: "signature mismatch"}, nil
			}
		} else if signature != "" {
			return VerifyResult{OK: false, Entries: entries, Line: lineNo, Reason: "unsigned key with non-empty signature"}, nil
		}

		expectedHash := sha256Hex(canonicalBase + "|" + signature)
		if asString(obj["entry_hash"]) != expectedHash {
			return VerifyResult{OK: false, Entries: entries, Line: lineNo, Reason: "entry_hash mismatch"}, nil
		}
		prevHash = expectedHash
	}

	return VerifyResult{
		OK:            true,
		Entries:       entries,
		LegacyEntries: legacy,
		SignedEntries: signed,
		HeadHash:      prevHash,
	}, nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
