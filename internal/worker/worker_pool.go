// ============================================================================
// Phrase-Mapper Worker Pool - 並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理固定數量的 worker slot、任務分發與結果收集
//
// 架構組件:
//   ┌─────────────┐
//   │ Controller  │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//   ReceiveResult()
//         ↑
//   ┌──────────────────┐
//   │   Pool           │
//   │  ┌─────────────┐ │
//   │  │ slot 0      │←── taskCh
//   │  │ slot 1      │←── taskCh   ──→ resultCh
//   │  │ slot N-1    │←── taskCh
//   │  └─────────────┘ │
//   └──────────────────┘
//
// 生命週期:
//   1. NewPool() - 創建 Pool，初始化 channels
//   2. Start(ctx, n) - 在 errgroup 下啟動 n 個 slot goroutine
//   3. Submit(ctx, task) - 提交任務到 taskCh
//   4. ReceiveResult() - 從 resultCh 讀取結果，直到 resultCh 關閉
//   5. Stop() - 關閉 taskCh，等待所有 worker 做完手上的任務，關閉 resultCh
//
// 並發控制:
//   - worker 送出結果是阻塞的：呼叫端必須在 Stop 完成前持續讀取結果
//   - sendMu: Submit 持讀鎖送出任務，Stop 持寫鎖關閉 taskCh，
//     因此不會對已關閉的 channel 送資料
//   - mu: 保護 started/stopped 狀態
//
// 錯誤處理:
//   - ErrPoolNotStarted: Pool 未啟動時提交任務
//   - ErrPoolClosed: Pool 已關閉時提交任務 / 結果已全部讀完
//   - Handler panic 由 Worker 轉成 Result.Err
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/phrase-mapper/internal/logging"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted 表示 Pool 已經啟動過
	ErrPoolStarted = errors.New("worker pool already started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池
type Pool struct {
	handler  Handler
	maxTasks int // 每個 worker 處理多少任務後替換，0 = 不替換
	logger   *slog.Logger

	taskCh   chan Task   // 任務通道
	resultCh chan Result // 結果通道
	group    errgroup.Group

	slots    int          // 同時運作的 worker 數
	spawned  atomic.Int64 // 累計建立過的 worker 數（含替換）
	recycled atomic.Int64 // 累計被替換的 worker 數

	sendMu  sync.RWMutex
	mu      sync.Mutex
	started bool
	stopped bool
}

// Option 設定 Pool
type Option func(*Pool)

// WithMaxTasksPerWorker sets how many tasks a worker runs before it is replaced.
func WithMaxTasksPerWorker(n int) Option {
	return func(p *Pool) {
		if n >= 0 {
			p.maxTasks = n
		}
	}
}

// WithLogger sets the pool logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
// 參數：
//   - bufferSize: 任務和結果通道的緩衝大小
//   - handler: 每個任務呼叫的處理函式
func NewPool(bufferSize int, handler Handler, opts ...Option) *Pool {
	if bufferSize < 0 {
		bufferSize = 0
	}
	p := &Pool{
		handler:  handler,
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.Component(p.logger, "worker")
	return p
}

// Start 啟動指定數量的 worker slot
//
// ctx 會傳給每一次 Handler 呼叫；取消 ctx 不會關閉 Pool，仍需呼叫 Stop。
func (p *Pool) Start(ctx context.Context, workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	if workerCount < 1 {
		workerCount = 1
	}

	for slot := 0; slot < workerCount; slot++ {
		slot := slot
		p.group.Go(func() error {
			p.runSlot(ctx, slot)
			return nil
		})
	}

	p.slots = workerCount
	p.started = true
	p.logger.Info("worker pool started",
		slog.Int("workers", workerCount),
		slog.Int("max_tasks_per_worker", p.maxTasks))
	return nil
}

// runSlot 在同一個 slot 內依序執行 worker，worker 退休後立即補上新的
func (p *Pool) runSlot(ctx context.Context, slot int) {
	for {
		id := int(p.spawned.Add(1))
		w := newWorker(id, slot, p.taskCh, p.resultCh, p.handler, p.maxTasks, p.logger)
		if !w.Run(ctx) {
			return
		}
		p.recycled.Add(1)
		p.logger.Debug("worker retired, spawning replacement",
			slog.Int("worker", id),
			slog.Int("slot", slot),
			slog.Int("tasks", w.done))
	}
}

// Submit 提交任務到 Worker Pool
//
// taskCh 已滿時會阻塞，直到有 worker 取走任務或 ctx 被取消。
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.sendMu.RLock()
	defer p.sendMu.RUnlock()

	p.mu.Lock()
	started, stopped := p.started, p.stopped
	p.mu.Unlock()

	if !started {
		return ErrPoolNotStarted
	}
	if stopped {
		return ErrPoolClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case p.taskCh <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReceiveResult 從結果通道接收執行結果
//
// Stop 之後仍會先回傳所有尚未讀取的結果，讀完才回傳 ErrPoolClosed。
func (p *Pool) ReceiveResult() (Result, error) {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return Result{}, ErrPoolNotStarted
	}

	result, ok := <-p.resultCh
	if !ok {
		return Result{}, ErrPoolClosed
	}
	return result, nil
}

// Stop 優雅地關閉 Worker Pool
// 關閉流程：
//  1. 設定 stopped 標誌
//  2. 等待進行中的 Submit 結束後關閉 taskCh
//  3. 等待所有 worker 完成手上與緩衝中的任務
//  4. 關閉 resultCh
func (p *Pool) Stop() error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	p.sendMu.Lock()
	close(p.taskCh)
	p.sendMu.Unlock()

	err := p.group.Wait()
	close(p.resultCh)

	p.logger.Info("worker pool stopped",
		slog.Int64("workers_spawned", p.spawned.Load()),
		slog.Int64("workers_recycled", p.recycled.Load()))
	return err
}

// GetWorkerCount 返回同時運作的 worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slots
}

// Spawned 返回累計建立過的 worker 數量（含替換）
func (p *Pool) Spawned() int {
	return int(p.spawned.Load())
}

// Recycled 返回累計被替換的 worker 數量
func (p *Pool) Recycled() int {
	return int(p.recycled.Load())
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
