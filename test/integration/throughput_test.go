// ============================================================================
// Phrase-Mapper 吞吐量測試
// ============================================================================
//
// 測試環境:
//   - 8 個 worker，每個 worker 處理 5 個任務後替換
//   - 假 oracle 延遲 0-4ms，每 10 個請求有一個 529
//   - max_retries = 3，retry_delay = 1ms
//
// 驗證:
//   - 沒有任務遺失：succeeded + dropped = 總數
//   - 輸出列數 = succeeded
//   - 暫時性錯誤由重試吸收，完成率 >= 90%
//
// ============================================================================

package integration

import (
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/phrase-mapper/internal/storage/sink"
	"github.com/ChuLiYu/phrase-mapper/pkg/types"
)

func newFlakyOracle() *fakeOracle {
	f := &fakeOracle{
		failEvery: 10,
		latency:   func(n int64) time.Duration { return time.Duration(n%5) * time.Millisecond },
	}
	f.healthy.Store(true)
	return f
}

func TestSystemThroughput(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping throughput test in short mode")
	}

	dir := t.TempDir()
	fake := newFlakyOracle()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	totalJobs := 200
	input := filepath.Join(dir, "input.csv")
	writeInputCSV(t, input, generateTestJobs(totalJobs, 0))

	cfg := testConfig(t, dir, srv.URL, input)
	cfg.Oracle.MaxRetries = 3
	cfg.Worker.WorkerCount = 8
	cfg.Worker.MaxTasksPerWorker = 5

	start := time.Now()
	summary := runOnce(t, cfg)
	elapsed := time.Since(start)

	succeeded := summary.Statuses[types.StatusSucceeded]
	dropped := summary.Statuses[types.StatusDroppedOracle] +
		summary.Statuses[types.StatusDroppedValidation] +
		summary.Statuses[types.StatusWriteFailed]

	t.Logf("=== Throughput Results ===")
	t.Logf("Total jobs: %d", totalJobs)
	t.Logf("Succeeded: %d, dropped: %d", succeeded, dropped)
	t.Logf("Oracle requests: %d", fake.requests.Load())
	t.Logf("Elapsed: %v (%.1f jobs/s)", elapsed, float64(totalJobs)/elapsed.Seconds())

	assert.Equal(t, totalJobs, succeeded+dropped, "no job is lost")
	assert.Equal(t, succeeded, summary.RowsWritten)
	assert.GreaterOrEqual(t, succeeded, totalJobs*90/100)

	rows, err := sink.ReadAll(cfg.OutputPath())
	require.NoError(t, err)
	assert.Len(t, rows, succeeded)
}

func BenchmarkThroughput(b *testing.B) {
	dir := b.TempDir()
	fake := &fakeOracle{}
	fake.healthy.Store(true)
	srv := httptest.NewServer(fake)
	defer srv.Close()

	input := filepath.Join(dir, "input.csv")
	writeInputCSV(b, input, generateTestJobs(100, 0))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cfg := testConfig(b, dir, srv.URL, input)
		cfg.RunID = fmt.Sprintf("bench-%d", i)
		cfg.Worker.WorkerCount = 8
		runOnce(b, cfg)
	}
}
