package orchestrator

import (
	"encoding/json"
	"os"
	"sort"

	"github.com/localcouncil/council/internal/counciltypes"
	"github.com/localcouncil/council/internal/patchapply"
)

// Rank picks the round's winning decision using the five-level tie-break
// order: (1) presence of a valid decision, (2) external supervisor score if
// present, (3) presence of a well-formed diff block, (4) higher confidence,
// (5) lower seat index. decisions already only contains seats with a valid
// extracted decision, so (1) is satisfied by inclusion in the slice.
func Rank(decisions []counciltypes.Decision) *counciltypes.Decision {
	if len(decisions) == 0 {
		return nil
	}

	ranked := make([]counciltypes.Decision, len(decisions))
	copy(ranked, decisions)

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]

		av, bv := hasVerdictScore(a), hasVerdictScore(b)
		if av != bv {
			return av
		}
		if av && bv && *a.VerdictScore != *b.VerdictScore {
			return *a.VerdictScore > *b.VerdictScore
		}

		ad, bd := hasDiffBlock(a), hasDiffBlock(b)
		if ad != bd {
			return ad
		}

		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}

		return a.Agent < b.Agent
	})

	return &ranked[0]
}

func hasVerdictScore(d counciltypes.Decision) bool {
	return d.VerdictScore != nil
}

func hasDiffBlock(d counciltypes.Decision) bool {
	data, err := os.ReadFile(d.SourcePath)
	if err != nil {
		return false
	}
	return len(patchapply.ExtractBlocks(string(data))) > 0
}

func unmarshalDecision(data []byte, d *counciltypes.Decision) error {
	return json.Unmarshal(data, d)
}
