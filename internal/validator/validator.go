// ============================================================================
// Phrase-Mapper Job Validator
// ============================================================================
//
// Package: internal/validator
// File: validator.go
// Purpose: Decide whether an oracle response carries a usable mapping and
//          compute its coverage statistics.
//
// Verdict:
//   ValidMapping     - mapping is an object of string arrays, Stats computed
//   MalformedMapping - anything else (absent, null, string, array, bad values),
//                      Raw keeps the payload for the caller's error log
//
// Coverage:
//   TotalMapped = sum of all list lengths
//   AllUnique   = no two lists are equal as ordered sequences
//                 (two empty lists are equal, so they count as a repeat)
//
// Pure functions, no logging. The processor logs validation failures.
//
// ============================================================================

package validator

import (
	"bytes"
	"encoding/json"

	"github.com/ChuLiYu/phrase-mapper/pkg/types"
)

// Verdict is the typed result of validation.
type Verdict struct {
	Valid   bool
	Mapping types.Mapping // set when Valid
	Stats   types.CoverageStats
	Raw     json.RawMessage // original payload, kept for MalformedMapping logs
	Reason  string          // why the mapping was rejected
}

// ValidateAndScore checks the shape of resp.Mapping and scores it.
func ValidateAndScore(resp *types.OracleResponse) (Verdict, bool) {
	if resp == nil {
		return Verdict{Reason: "no response"}, false
	}

	raw := bytes.TrimSpace(resp.Mapping)
	v := Verdict{Raw: resp.Mapping}
	if len(raw) == 0 {
		v.Reason = "mapping absent"
		return v, false
	}

	var m types.Mapping
	if err := json.Unmarshal(raw, &m); err != nil {
		v.Reason = err.Error()
		return v, false
	}

	v.Valid = true
	v.Mapping = m
	v.Stats = Score(m)
	return v, true
}

// Score computes coverage statistics for an already valid mapping.
func Score(m types.Mapping) types.CoverageStats {
	stats := types.CoverageStats{AllUnique: true}
	seen := make(map[string]struct{}, m.Len())

	m.Each(func(_ string, phrases []string) {
		stats.TotalMapped += len(phrases)

		// JSON encoding is an unambiguous, order-sensitive key for a list.
		key, _ := json.Marshal(phrases)
		if _, dup := seen[string(key)]; dup {
			stats.AllUnique = false
			return
		}
		seen[string(key)] = struct{}{}
	})

	return stats
}
