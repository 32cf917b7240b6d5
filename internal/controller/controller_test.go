package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ChuLiYu/phrase-mapper/internal/config"
	"github.com/ChuLiYu/phrase-mapper/internal/metrics"
	"github.com/ChuLiYu/phrase-mapper/internal/oracle"
	"github.com/ChuLiYu/phrase-mapper/internal/snapshot"
	"github.com/ChuLiYu/phrase-mapper/internal/storage/journal"
	"github.com/ChuLiYu/phrase-mapper/internal/storage/sink"
	"github.com/ChuLiYu/phrase-mapper/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ============================================================================
// Test Helper Functions
// ============================================================================

type staticSource struct {
	records []types.Record
	err     error
}

func (s staticSource) ListRecords(context.Context) ([]types.Record, error) {
	return s.records, s.err
}

// scriptedOracle answers by objective id.
type scriptedOracle struct {
	mu      sync.Mutex
	answers map[string]func() (*types.OracleResponse, int, error)
	calls   []string
}

func (o *scriptedOracle) Classify(_ context.Context, req oracle.Request) (*types.OracleResponse, int, error) {
	o.mu.Lock()
	o.calls = append(o.calls, req.ObjectiveID)
	answer, ok := o.answers[req.ObjectiveID]
	o.mu.Unlock()
	if !ok {
		return validResponse(), 1, nil
	}
	return answer()
}

func validResponse() *types.OracleResponse {
	return &types.OracleResponse{
		Scratchpad: "k1 fits S1, k2 fits S2",
		Mapping:    json.RawMessage(`{"S1":["k1"],"S2":["k2"]}`),
	}
}

type recordingMirror struct {
	mu     sync.Mutex
	rows   [][]string
	failAt int // 1-based call that fails, 0 = never
}

func (m *recordingMirror) AppendRow(_ context.Context, row []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAt > 0 && len(m.rows)+1 == m.failAt {
		return errors.New("quota exceeded")
	}
	m.rows = append(m.rows, row)
	return nil
}

func record(row int, objective string) types.Record {
	return types.Record{Row: row, Fields: map[string]string{
		types.ColumnObjective:    objective,
		types.ColumnSubstandards: `["S1","S2"]`,
		types.ColumnKeyPhrases:   `["k1","k2"]`,
	}}
}

// createTestConfig returns a config writing into a temp directory
func createTestConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.RunID = "test"
	cfg.OutputDir = filepath.Join(t.TempDir(), "outputs")
	cfg.Worker.WorkerCount = 2
	cfg.Worker.MaxTasksPerWorker = 1
	return cfg
}

func bufferLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

// ============================================================================
// End-to-end Tests
// ============================================================================

// TestRun_ThreeJobScenario: one success, one exhausted oracle, one malformed mapping
func TestRun_ThreeJobScenario(t *testing.T) {
	cfg := createTestConfig(t)
	logger, logs := bufferLogger()

	src := staticSource{records: []types.Record{
		record(1, "LO-ok"),
		record(2, "LO-exhausted"),
		record(3, "LO-malformed"),
	}}
	orc := &scriptedOracle{answers: map[string]func() (*types.OracleResponse, int, error){
		"LO-exhausted": func() (*types.OracleResponse, int, error) {
			return nil, 5, fmt.Errorf("%w after 5 attempts: status 529", oracle.ErrExhausted)
		},
		"LO-malformed": func() (*types.OracleResponse, int, error) {
			return &types.OracleResponse{Mapping: json.RawMessage(`["k1","k2"]`)}, 1, nil
		},
	}}
	mirror := &recordingMirror{}

	ctrl := New(cfg, src, orc,
		WithMirror(mirror),
		WithLogger(logger),
		WithMetrics(metrics.NewCollector(prometheus.NewRegistry())))
	require.NoError(t, ctrl.Run(context.Background()))

	rows, err := sink.ReadAll(cfg.OutputPath())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, []string{
		"LO-ok",
		`["S1","S2"]`,
		`["k1","k2"]`,
		"k1 fits S1, k2 fits S2",
		`{"S1":["k1"],"S2":["k2"]}`,
		"2",
		"2",
		"Yes",
	}, rows[0])

	raw, err := os.ReadFile(cfg.OutputPath())
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(raw), types.ColumnObjective), "header written once")

	assert.Equal(t, 2, strings.Count(logs.String(), "dropping job"))
	assert.Contains(t, logs.String(), "objective=LO-exhausted")
	assert.Contains(t, logs.String(), "objective=LO-malformed")

	assert.Equal(t, rows, mirror.rows, "mirror receives the file rows verbatim")

	summary := ctrl.Summary()
	assert.Equal(t, 3, summary.Jobs)
	assert.Equal(t, 1, summary.RowsWritten)
	assert.Equal(t, 1, summary.Mirrored)
	assert.NoError(t, summary.MirrorErr)
	assert.Equal(t, map[types.JobStatus]int{
		types.StatusSucceeded:         1,
		types.StatusDroppedOracle:     1,
		types.StatusDroppedValidation: 1,
	}, summary.Statuses)

	snap, err := snapshot.NewManager(cfg.SummaryPath()).Load()
	require.NoError(t, err)
	assert.Equal(t, summary.Session, snap.Session)
	assert.Equal(t, 1, snap.RowsWritten)
	assert.Equal(t, summary.Statuses, snap.Statuses)
	assert.EqualValues(t, 6, snap.JournalSeq, "3 dispatch + 3 result events")
}

func TestRun_JournalListsDroppedJobs(t *testing.T) {
	cfg := createTestConfig(t)
	orc := &scriptedOracle{answers: map[string]func() (*types.OracleResponse, int, error){
		"LO-2": func() (*types.OracleResponse, int, error) {
			return nil, 5, oracle.ErrExhausted
		},
	}}

	src := staticSource{records: []types.Record{record(1, "LO-1"), record(2, "LO-2"), record(3, "LO-3")}}
	require.NoError(t, New(cfg, src, orc).Run(context.Background()))

	failed, err := journal.Failed(cfg.JournalPath())
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "LO-2", failed[0].ObjectiveID)
	assert.Equal(t, types.StatusDroppedOracle, failed[0].Status)
	assert.Equal(t, 5, failed[0].Attempts)
	require.NotNil(t, failed[0].Job, "dispatch input is kept for re-runs")
	assert.Equal(t, []string{"k1", "k2"}, failed[0].Job.KeyPhrases)
}

func TestRun_PanickingOracleDoesNotStopSiblings(t *testing.T) {
	cfg := createTestConfig(t)
	logger, logs := bufferLogger()
	orc := &scriptedOracle{answers: map[string]func() (*types.OracleResponse, int, error){
		"LO-boom": func() (*types.OracleResponse, int, error) { panic("boom") },
	}}

	src := staticSource{records: []types.Record{record(1, "LO-1"), record(2, "LO-boom"), record(3, "LO-3")}}
	ctrl := New(cfg, src, orc, WithLogger(logger))
	require.NoError(t, ctrl.Run(context.Background()))

	rows, err := sink.ReadAll(cfg.OutputPath())
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.Equal(t, 1, ctrl.Summary().Statuses[types.StatusDroppedOracle])
	assert.Contains(t, logs.String(), "job panicked")
}

// ============================================================================
// Edge Cases
// ============================================================================

func TestRun_EmptyObjectiveNeverSubmitted(t *testing.T) {
	cfg := createTestConfig(t)
	orc := &scriptedOracle{}

	src := staticSource{records: []types.Record{record(1, "LO-1"), record(2, "")}}
	ctrl := New(cfg, src, orc)
	require.NoError(t, ctrl.Run(context.Background()))

	assert.Equal(t, []string{"LO-1"}, orc.calls)
	assert.Equal(t, 1, ctrl.Summary().Skipped)
}

func TestRun_NoJobsCreatesNoArtifact(t *testing.T) {
	cfg := createTestConfig(t)
	src := staticSource{records: []types.Record{record(1, ""), record(2, "  ")}}

	ctrl := New(cfg, src, &scriptedOracle{})
	require.NoError(t, ctrl.Run(context.Background()))

	_, err := os.Stat(cfg.OutputPath())
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Equal(t, 2, ctrl.Summary().Skipped)
}

func TestRun_BadRecordsAreSkipped(t *testing.T) {
	cfg := createTestConfig(t)
	logger, logs := bufferLogger()
	bad := record(2, "LO-bad")
	bad.Fields[types.ColumnKeyPhrases] = "k1, k2"

	ctrl := New(cfg, staticSource{records: []types.Record{record(1, "LO-1"), bad}}, &scriptedOracle{}, WithLogger(logger))
	require.NoError(t, ctrl.Run(context.Background()))

	rows, err := sink.ReadAll(cfg.OutputPath())
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, 1, strings.Count(logs.String(), "skipping record"), "each bad record is logged once")
	assert.Contains(t, logs.String(), "row=2")
}

func TestRun_ListRecordsError(t *testing.T) {
	cfg := createTestConfig(t)
	listErr := errors.New("sheet not found")

	err := New(cfg, staticSource{err: listErr}, &scriptedOracle{}).Run(context.Background())
	assert.ErrorIs(t, err, listErr)
	assert.NotErrorIs(t, err, ErrFatalSetup)
}

func TestRun_FatalSetupWhenOutputUnwritable(t *testing.T) {
	cfg := createTestConfig(t)
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))
	cfg.OutputDir = blocker

	orc := &scriptedOracle{}
	err := New(cfg, staticSource{records: []types.Record{record(1, "LO-1")}}, orc).Run(context.Background())
	assert.ErrorIs(t, err, ErrFatalSetup)
	assert.Empty(t, orc.calls, "no job runs without an output file")
}

func TestRun_MirrorStopsAtFirstFailure(t *testing.T) {
	cfg := createTestConfig(t)
	mirror := &recordingMirror{failAt: 2}

	src := staticSource{records: []types.Record{record(1, "LO-1"), record(2, "LO-2"), record(3, "LO-3")}}
	ctrl := New(cfg, src, &scriptedOracle{}, WithMirror(mirror))
	require.NoError(t, ctrl.Run(context.Background()), "mirror failures never fail the run")

	rows, err := sink.ReadAll(cfg.OutputPath())
	require.NoError(t, err)
	assert.Len(t, rows, 3, "local file is untouched")

	summary := ctrl.Summary()
	assert.Equal(t, 1, summary.Mirrored)
	assert.Error(t, summary.MirrorErr)
	assert.Len(t, mirror.rows, 1)
}

func TestRun_AppendsToExistingOutput(t *testing.T) {
	cfg := createTestConfig(t)
	src := staticSource{records: []types.Record{record(1, "LO-1")}}

	require.NoError(t, New(cfg, src, &scriptedOracle{}).Run(context.Background()))
	require.NoError(t, New(cfg, src, &scriptedOracle{}).Run(context.Background()))

	raw, err := os.ReadFile(cfg.OutputPath())
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(raw), types.ColumnObjective))

	rows, err := sink.ReadAll(cfg.OutputPath())
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestRun_CancelledContext(t *testing.T) {
	cfg := createTestConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	records := make([]types.Record, 0, 20)
	for i := 1; i <= 20; i++ {
		records = append(records, record(i, fmt.Sprintf("LO-%d", i)))
	}
	cfg.Worker.WorkerCount = 1

	err := New(cfg, staticSource{records: records}, &scriptedOracle{}).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
