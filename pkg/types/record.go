package types

import (
	"fmt"
	"strconv"
)

// OutputRecord 一列輸出資料，每個成功處理的 Job 對應一列
type OutputRecord struct {
	ObjectiveID    string
	Substandards   []string
	KeyPhrases     []string
	Scratchpad     string
	Mapping        Mapping
	KeyPhraseCount int
	Stats          CoverageStats
}

// NewOutputRecord assembles the output row for a job and its validated mapping.
func NewOutputRecord(job Job, scratchpad string, mapping Mapping, stats CoverageStats) OutputRecord {
	return OutputRecord{
		ObjectiveID:    job.ObjectiveID,
		Substandards:   job.Substandards,
		KeyPhrases:     job.KeyPhrases,
		Scratchpad:     scratchpad,
		Mapping:        mapping,
		KeyPhraseCount: len(job.KeyPhrases),
		Stats:          stats,
	}
}

// Row serialises the record into the 8 columns of Header.
func (r OutputRecord) Row() ([]string, error) {
	subs, err := MarshalCompact(nonNil(r.Substandards))
	if err != nil {
		return nil, fmt.Errorf("encode substandards: %w", err)
	}
	phrases, err := MarshalCompact(nonNil(r.KeyPhrases))
	if err != nil {
		return nil, fmt.Errorf("encode key phrases: %w", err)
	}
	mapping, err := MarshalCompact(r.Mapping)
	if err != nil {
		return nil, fmt.Errorf("encode mapping: %w", err)
	}

	return []string{
		r.ObjectiveID,
		string(subs),
		string(phrases),
		r.Scratchpad,
		string(mapping),
		strconv.Itoa(r.KeyPhraseCount),
		strconv.Itoa(r.Stats.TotalMapped),
		YesNo(r.Stats.AllUnique),
	}, nil
}

// YesNo renders the uniqueness column.
func YesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
