// ============================================================================
// Phrase-Mapper 控制器 - 批次協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 一次批次執行的協調者：載入、分派、等待、鏡像
//
// 架構設計:
//   Controller 負責協調以下組件：
//   - Source: 來源列（Google Sheets 或本地 CSV）
//   - JobManager: 任務狀態（pending/calling/retrying/終止狀態）
//   - Sink: 本地輸出 CSV，所有 worker 共用同一把鎖
//   - Journal: 每次執行的事件紀錄，供 `failed` 命令列出被丟棄的任務
//   - WorkerPool: 固定大小的 worker，逐一執行 Processor
//   - Mirror: 執行完成後把輸出檔逐列複製到試算表
//
// 執行流程 (Run):
//   1. ListRecords + LoadJobs - 壞列記錄錯誤後跳過，空 objective 只警告
//   2. 沒有任務 - 記錄後直接返回，不建立輸出檔
//   3. 開啟 Sink（失敗 = ErrFatalSetup）與 Journal（失敗只警告）
//   4. 啟動 Pool，兩個 goroutine 並行：
//        submit  - 逐一提交任務，完成後 Stop（完整 drain）
//        collect - 讀取結果直到 Pool 關閉，更新 JobManager / Journal / 指標
//   5. 關閉 Journal 與 Sink
//   6. 鏡像（若有設定）：第一個錯誤就停止，本地 CSV 不受影響
//   7. 統計摘要與總耗時，寫入 <run_id>-summary.json（失敗只警告）
//
// 錯誤處理:
//   - 單一任務的失敗永遠不會中止其他任務或整次執行
//   - 只有無法建立輸出檔才回傳 ErrFatalSetup
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/phrase-mapper/internal/config"
	"github.com/ChuLiYu/phrase-mapper/internal/jobmanager"
	"github.com/ChuLiYu/phrase-mapper/internal/logging"
	"github.com/ChuLiYu/phrase-mapper/internal/metrics"
	"github.com/ChuLiYu/phrase-mapper/internal/processor"
	"github.com/ChuLiYu/phrase-mapper/internal/snapshot"
	"github.com/ChuLiYu/phrase-mapper/internal/source"
	"github.com/ChuLiYu/phrase-mapper/internal/storage/journal"
	"github.com/ChuLiYu/phrase-mapper/internal/storage/sink"
	"github.com/ChuLiYu/phrase-mapper/internal/worker"
	"github.com/ChuLiYu/phrase-mapper/pkg/types"
)

// ErrFatalSetup 表示執行無法開始（例如輸出檔無法建立）
var ErrFatalSetup = errors.New("fatal setup error")

// ============================================================================
// 資料結構定義
// ============================================================================

// Mirror 接收輸出檔的每一列
type Mirror interface {
	AppendRow(ctx context.Context, row []string) error
}

// Summary 最近一次 Run 的結果
type Summary struct {
	RunID       string
	Session     string
	Records     int
	Jobs        int
	Skipped     int
	Statuses    map[types.JobStatus]int
	RowsWritten int
	Mirrored    int
	MirrorErr   error
	Elapsed     time.Duration
	OutputPath  string
}

// Controller 批次協調器
type Controller struct {
	cfg     config.Config
	source  source.Source
	oracle  processor.Classifier
	mirror  Mirror
	metrics *metrics.Collector
	logger  *slog.Logger

	mu      sync.Mutex
	summary Summary
}

// Option 配置 Controller
type Option func(*Controller)

// WithMirror 設置鏡像目的地，nil 表示不鏡像
func WithMirror(m Mirror) Option {
	return func(c *Controller) { c.mirror = m }
}

// WithMetrics 設置指標收集器
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithLogger 設置 logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// New 建立 Controller
func New(cfg config.Config, src source.Source, oracle processor.Classifier, opts ...Option) *Controller {
	c := &Controller{
		cfg:    cfg,
		source: src,
		oracle: oracle,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.Component(c.logger, "controller")
	return c
}

// Summary 返回最近一次 Run 的摘要
func (c *Controller) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summary
}

// ============================================================================
// 核心方法實作
// ============================================================================

// Run 執行一次完整批次
func (c *Controller) Run(ctx context.Context) error {
	start := time.Now()
	session := uuid.NewString()
	logger := c.logger.With(slog.String("run_id", c.cfg.RunID), slog.String("session", session))

	summary := Summary{RunID: c.cfg.RunID, Session: session}
	defer func() {
		summary.Elapsed = time.Since(start)
		c.metrics.SetRunDuration(summary.Elapsed)
		c.mu.Lock()
		c.summary = summary
		c.mu.Unlock()
	}()

	// 1. 載入
	records, err := c.source.ListRecords(ctx)
	if err != nil {
		return fmt.Errorf("list records: %w", err)
	}
	summary.Records = len(records)
	c.metrics.RecordLoaded(len(records))

	// LoadJobs 自己會記錄每一筆被跳過的資料
	jobs, loadErrs := source.LoadJobs(records, logger)
	empty := len(records) - len(jobs) - len(loadErrs)
	c.metrics.RecordSkipped(metrics.SkipLoadError, len(loadErrs))
	c.metrics.RecordSkipped(metrics.SkipEmptyObjective, empty)
	summary.Skipped = len(loadErrs) + empty

	// 2. 沒有任務
	if len(jobs) == 0 {
		logger.Warn("no learning objectives to process", slog.Int("records", len(records)))
		return nil
	}

	// 3. 輸出檔與 journal
	out, err := sink.Open(c.cfg.OutputPath(), types.Header, nil)
	if err != nil {
		logger.Error("failed to open output file",
			slog.String("path", c.cfg.OutputPath()),
			slog.Any("error", err))
		return fmt.Errorf("%w: %w", ErrFatalSetup, err)
	}
	defer out.Close()
	summary.OutputPath = out.Path()
	logger.Info("writing mappings", slog.String("path", out.Path()))

	jr, err := journal.Open(c.cfg.JournalPath(), session)
	if err != nil {
		logger.Warn("run journal disabled", slog.Any("error", err))
		jr = nil
	}

	jm := jobmanager.NewJobManager()
	accepted := make([]types.Job, 0, len(jobs))
	for _, job := range jobs {
		if err := jm.Enqueue(job); err != nil {
			logger.Warn("skipping job",
				slog.String("objective", job.ObjectiveID),
				slog.Int("row", job.Row),
				slog.Any("error", err))
			summary.Skipped++
			continue
		}
		accepted = append(accepted, job)
	}
	summary.Jobs = len(accepted)

	// 4. worker pool
	proc := processor.New(c.oracle, out, jm, logger)
	pool := worker.NewPool(c.cfg.Worker.WorkerCount, proc.Process,
		worker.WithMaxTasksPerWorker(c.cfg.Worker.MaxTasksPerWorker),
		worker.WithLogger(logger))
	if err := pool.Start(ctx, c.cfg.Worker.WorkerCount); err != nil {
		return fmt.Errorf("%w: start worker pool: %w", ErrFatalSetup, err)
	}
	logger.Info("processing learning objectives",
		slog.Int("jobs", len(accepted)),
		slog.Int("workers", c.cfg.Worker.WorkerCount))

	var g errgroup.Group
	g.Go(func() error {
		return c.submitAll(ctx, pool, jr, accepted, logger)
	})
	g.Go(func() error {
		c.collect(pool, jm, jr, logger)
		return nil
	})
	runErr := g.Wait()

	// 5. 關閉
	var journalSeq uint64
	if jr != nil {
		if err := jr.Close(); err != nil {
			logger.Warn("failed to close run journal", slog.Any("error", err))
		}
		journalSeq = jr.LastSeq()
	}
	summary.RowsWritten = out.Rows()
	if err := out.Close(); err != nil {
		logger.Error("failed to close output file", slog.Any("error", err))
	}

	// 6. 鏡像
	if c.mirror != nil && runErr == nil {
		summary.Mirrored, summary.MirrorErr = c.mirrorFile(ctx, out.Path(), logger)
	}

	// 7. 摘要
	summary.Statuses = jm.Stats()
	attrs := []any{
		slog.Int("records", summary.Records),
		slog.Int("jobs", summary.Jobs),
		slog.Int("skipped", summary.Skipped),
		slog.Int("rows_written", summary.RowsWritten),
		slog.Duration("elapsed", time.Since(start)),
	}
	for status, n := range summary.Statuses {
		attrs = append(attrs, slog.Int(string(status), n))
	}
	logger.Info("run finished", attrs...)
	for _, e := range jm.Dropped() {
		logger.Debug("dropped job",
			slog.String("objective", e.Job.ObjectiveID),
			slog.Int("row", e.Job.Row),
			slog.String("status", string(e.Status)),
			slog.Int("attempts", e.Attempts),
			slog.String("error", e.LastError))
	}
	if n := jm.Unfinished(); n > 0 {
		logger.Warn("jobs left unfinished", slog.Int("count", n))
	}

	snap := snapshot.RunSnapshot{
		RunID:       summary.RunID,
		Session:     session,
		StartedAt:   start,
		FinishedAt:  time.Now(),
		Records:     summary.Records,
		Jobs:        summary.Jobs,
		Skipped:     summary.Skipped,
		Statuses:    summary.Statuses,
		RowsWritten: summary.RowsWritten,
		Mirrored:    summary.Mirrored,
		OutputPath:  summary.OutputPath,
		JournalSeq:  journalSeq,
	}
	if summary.MirrorErr != nil {
		snap.MirrorError = summary.MirrorErr.Error()
	}
	if err := snapshot.NewManager(c.cfg.SummaryPath()).Write(snap); err != nil {
		logger.Warn("failed to write run summary", slog.Any("error", err))
	}

	return runErr
}

// submitAll 提交所有任務，之後停止 pool
//
// Stop 會等所有已提交的任務完成並關閉結果 channel，collect 因此結束。
func (c *Controller) submitAll(ctx context.Context, pool *worker.Pool, jr *journal.Journal, jobs []types.Job, logger *slog.Logger) (err error) {
	defer func() {
		if stopErr := pool.Stop(); stopErr != nil && err == nil {
			err = fmt.Errorf("stop worker pool: %w", stopErr)
		}
	}()

	for i, job := range jobs {
		if jr != nil {
			if err := jr.Append(journal.DispatchEvent(job), false); err != nil {
				logger.Warn("failed to journal dispatch", slog.String("objective", job.ObjectiveID), slog.Any("error", err))
			}
		}
		if err := pool.Submit(ctx, worker.Task{Job: job}); err != nil {
			logger.Error("stopped submitting jobs",
				slog.Int("submitted", i),
				slog.Int("remaining", len(jobs)-i),
				slog.Any("error", err))
			return fmt.Errorf("submit job %s: %w", job.ID, err)
		}
		c.metrics.RecordSubmitted()
	}
	return nil
}

// collect 讀取所有結果直到 pool 關閉
func (c *Controller) collect(pool *worker.Pool, jm *jobmanager.JobManager, jr *journal.Journal, logger *slog.Logger) {
	for {
		res, err := pool.ReceiveResult()
		if err != nil {
			return
		}

		out := res.Outcome
		if res.Err != nil {
			// handler 本身 panic，沒有階段狀態可用
			logger.Error("job crashed",
				slog.String("objective", res.Job.ObjectiveID),
				slog.Int("row", res.Job.Row),
				slog.Any("error", res.Err))
			if !out.Status.Terminal() {
				out.Status = types.StatusDroppedOracle
			}
			if out.Err == nil {
				out.Err = res.Err
			}
		}

		if err := jm.MarkFinished(out); err != nil {
			logger.Warn("failed to record job result",
				slog.String("objective", res.Job.ObjectiveID),
				slog.Any("error", err))
		}
		if jr != nil {
			if err := jr.Append(journal.ResultEvent(res.Job, out), false); err != nil {
				logger.Warn("failed to journal result", slog.String("objective", res.Job.ObjectiveID), slog.Any("error", err))
			}
		}
		c.metrics.RecordOutcome(out, res.Duration)
	}
}

// mirrorFile 把輸出檔的資料列逐列複製到鏡像，第一個錯誤就停止
func (c *Controller) mirrorFile(ctx context.Context, path string, logger *slog.Logger) (int, error) {
	logger.Info("reading mappings for mirror", slog.String("path", path))
	rows, err := sink.ReadAll(path)
	if err != nil {
		logger.Error("failed to read output file for mirror", slog.Any("error", err))
		return 0, err
	}

	for i, row := range rows {
		err := c.mirror.AppendRow(ctx, row)
		c.metrics.RecordMirror(err)
		if err != nil {
			logger.Error("failed to mirror mappings",
				slog.Int("mirrored", i),
				slog.Int("remaining", len(rows)-i),
				slog.Any("error", err))
			return i, err
		}
	}
	logger.Info("mirrored mappings", slog.Int("rows", len(rows)))
	return len(rows), nil
}
