package source

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/phrase-mapper/pkg/types"
)

func record(row int, objective, subs, phrases string) types.Record {
	return types.Record{Row: row, Fields: map[string]string{
		types.ColumnObjective:    objective,
		types.ColumnSubstandards: subs,
		types.ColumnKeyPhrases:   phrases,
	}}
}

func TestLoadJobs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	records := []types.Record{
		record(1, "LO-1", `["S1","S2"]`, `["k1","k2"]`),
		record(2, "  ", `["S1"]`, `["k1"]`),
		record(3, "LO-3", `not json`, `["k1"]`),
		record(4, "LO-4", `["S1"]`, `{"k":1}`),
		{Row: 5, Fields: map[string]string{types.ColumnObjective: "LO-5", types.ColumnSubstandards: `[]`}},
		record(6, "LO-6", `[]`, `[]`),
		record(7, "LO-7", `null`, `[]`),
	}

	jobs, errs := LoadJobs(records, logger)

	want := []types.Job{
		{ID: "LO-1#1", Row: 1, ObjectiveID: "LO-1", Substandards: []string{"S1", "S2"}, KeyPhrases: []string{"k1", "k2"}},
		{ID: "LO-6#6", Row: 6, ObjectiveID: "LO-6", Substandards: []string{}, KeyPhrases: []string{}},
	}
	if diff := cmp.Diff(want, jobs); diff != "" {
		t.Errorf("jobs mismatch (-want +got):\n%s", diff)
	}

	require.Len(t, errs, 4)
	assert.Equal(t, 3, errs[0].Row)
	assert.Equal(t, types.ColumnSubstandards, errs[0].Column)
	assert.ErrorIs(t, errs[0], ErrNotStringList)
	assert.Equal(t, types.ColumnKeyPhrases, errs[1].Column)
	assert.Equal(t, 5, errs[2].Row)
	assert.ErrorIs(t, errs[2], ErrMissingColumn)
	assert.Equal(t, 7, errs[3].Row)

	assert.Contains(t, buf.String(), "empty learning objective")
	assert.Contains(t, buf.String(), "row=2")
}

func TestLoadJobs_Empty(t *testing.T) {
	jobs, errs := LoadJobs(nil, nil)
	assert.Empty(t, jobs)
	assert.Empty(t, errs)
}

func TestRecordsFromTable(t *testing.T) {
	header := []string{"A", "B", ""}
	rows := [][]string{{"1", "2", "ignored"}, {"3"}}

	got := RecordsFromTable(header, rows)
	want := []types.Record{
		{Row: 1, Fields: map[string]string{"A": "1", "B": "2"}},
		{Row: 2, Fields: map[string]string{"A": "3", "B": ""}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestCSVSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.csv")
	content := "\xef\xbb\xbfLearning Objective,Substandards,Key Phrases\n" +
		"LO-1,\"[\"\"S1\"\"]\",\"[\"\"k1\"\",\"\"k2\"\"]\"\n" +
		",[],[]\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	records, err := NewCSVSource(path).ListRecords(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "LO-1", records[0].Fields[types.ColumnObjective])
	assert.Equal(t, `["k1","k2"]`, records[0].Fields[types.ColumnKeyPhrases])

	jobs, errs := LoadJobs(records, nil)
	assert.Empty(t, errs)
	require.Len(t, jobs, 1, "empty objective never becomes a job")
	assert.Equal(t, []string{"k1", "k2"}, jobs[0].KeyPhrases)
}

func TestCSVSource_EmptyAndMissing(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.csv")
	require.NoError(t, os.WriteFile(empty, nil, 0644))

	records, err := NewCSVSource(empty).ListRecords(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)

	_, err = NewCSVSource(filepath.Join(dir, "missing.csv")).ListRecords(context.Background())
	assert.ErrorIs(t, err, os.ErrNotExist)
}
