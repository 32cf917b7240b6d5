// Package source reads learning-objective records and turns them into jobs.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ChuLiYu/phrase-mapper/internal/logging"
	"github.com/ChuLiYu/phrase-mapper/pkg/types"
)

// Source lists every record of the input table. Row numbers are 1-based and
// exclude the header row.
type Source interface {
	ListRecords(ctx context.Context) ([]types.Record, error)
}

var (
	// ErrMissingColumn means a required column is absent from a record.
	ErrMissingColumn = errors.New("missing column")
	// ErrNotStringList means a list column is not a JSON array of strings.
	ErrNotStringList = errors.New("not a JSON array of strings")
)

// LoadError describes a record that could not become a job.
type LoadError struct {
	Row    int
	Column string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("row %d column %q: %v", e.Row, e.Column, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// LoadJobs converts records into jobs in source order.
//
// A record with an empty objective is skipped with a warning. A record with a
// missing column or a malformed list is skipped and reported as a LoadError.
func LoadJobs(records []types.Record, logger *slog.Logger) ([]types.Job, []*LoadError) {
	logger = logging.Component(logger, "source")

	var (
		jobs []types.Job
		errs []*LoadError
	)
	for _, rec := range records {
		objective, ok := rec.Fields[types.ColumnObjective]
		if !ok {
			errs = append(errs, &LoadError{Row: rec.Row, Column: types.ColumnObjective, Err: ErrMissingColumn})
			logger.Error("skipping record", slog.Int("row", rec.Row), slog.Any("error", errs[len(errs)-1]))
			continue
		}
		objective = strings.TrimSpace(objective)
		if objective == "" {
			logger.Warn("skipping record with empty learning objective", slog.Int("row", rec.Row))
			continue
		}

		job, lerr := buildJob(rec, objective)
		if lerr != nil {
			errs = append(errs, lerr)
			logger.Error("skipping record",
				slog.Int("row", rec.Row),
				slog.String("objective", objective),
				slog.Any("error", lerr))
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, errs
}

func buildJob(rec types.Record, objective string) (types.Job, *LoadError) {
	subs, lerr := stringList(rec, types.ColumnSubstandards)
	if lerr != nil {
		return types.Job{}, lerr
	}
	phrases, lerr := stringList(rec, types.ColumnKeyPhrases)
	if lerr != nil {
		return types.Job{}, lerr
	}
	return types.Job{
		ID:           types.NewJobID(objective, rec.Row),
		Row:          rec.Row,
		ObjectiveID:  objective,
		Substandards: subs,
		KeyPhrases:   phrases,
	}, nil
}

func stringList(rec types.Record, column string) ([]string, *LoadError) {
	raw, ok := rec.Fields[column]
	if !ok {
		return nil, &LoadError{Row: rec.Row, Column: column, Err: ErrMissingColumn}
	}

	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, &LoadError{Row: rec.Row, Column: column, Err: fmt.Errorf("%w: %v", ErrNotStringList, err)}
	}
	if list == nil {
		// JSON null
		return nil, &LoadError{Row: rec.Row, Column: column, Err: ErrNotStringList}
	}
	return list, nil
}

// RecordsFromTable converts a header + rows table into records. Short rows
// are padded with empty cells, extra cells beyond the header are ignored.
func RecordsFromTable(header []string, rows [][]string) []types.Record {
	records := make([]types.Record, 0, len(rows))
	for i, row := range rows {
		fields := make(map[string]string, len(header))
		for c, name := range header {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if c < len(row) {
				fields[name] = row[c]
			} else {
				fields[name] = ""
			}
		}
		records = append(records, types.Record{Row: i + 1, Fields: fields})
	}
	return records
}
