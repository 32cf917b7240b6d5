// ============================================================================
// Phrase-Mapper 任務管理器 - 任務狀態機實現
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 追蹤一次批次執行中每個任務的狀態，供 summary、metrics 與 journal 使用
//
// 任務狀態轉換 (State Machine):
//   Pending (已載入)
//      ↓ MarkCalling()
//   Calling (呼叫 oracle 中)
//      ↓ MarkRetrying()          (上一次嘗試失敗，等待下一次)
//   Retrying ──┐
//      ↑       │ MarkRetrying()  (再次失敗)
//      └───────┘
//      ↓ MarkFinished(outcome)
//   Succeeded / DroppedOracle / DroppedValidation / WriteFailed
//
// 狀態轉換規則:
//   - 終止狀態不可再轉換 (ErrAlreadyTerminal)
//   - MarkFinished 可以從任何非終止狀態進入（包含 worker panic 時的 Pending）
//   - 不做重新排隊：批次層級沒有重試，重試只發生在 oracle client 內
//
// 並發安全:
//   - 使用 sync.RWMutex 保護所有數據結構
//   - processor 在 worker goroutine 內呼叫 MarkCalling / MarkRetrying
//   - controller 的收集 goroutine 呼叫 MarkFinished
//
// ============================================================================

package jobmanager

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/phrase-mapper/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務 ID 重複錯誤
	ErrDuplicateJob = errors.New("job already exists")
	// 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// 任務已經是終止狀態
	ErrAlreadyTerminal = errors.New("job already in terminal state")
	// 不合法的狀態轉換
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Entry 一個任務的追蹤資料
type Entry struct {
	Job       types.Job
	Status    types.JobStatus
	Attempts  int    // oracle 嘗試次數
	LastError string // 最後一次失敗原因
	UpdatedAt int64  // Unix 毫秒
}

// JobManager 追蹤所有任務狀態
type JobManager struct {
	mu    sync.RWMutex
	jobs  map[types.JobID]*Entry // 所有任務的統一儲存
	order []types.JobID          // 載入順序
	count map[types.JobStatus]int
}

// NewJobManager 建立新的任務管理器實例
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:  make(map[types.JobID]*Entry),
		order: make([]types.JobID, 0),
		count: make(map[types.JobStatus]int),
	}
}

// Enqueue 將新任務加入追蹤，設定為 Pending
func (jm *JobManager) Enqueue(job types.Job) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if _, exists := jm.jobs[job.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}

	jm.jobs[job.ID] = &Entry{
		Job:       job,
		Status:    types.StatusPending,
		UpdatedAt: time.Now().UnixMilli(),
	}
	jm.order = append(jm.order, job.ID)
	jm.count[types.StatusPending]++
	return nil
}

// MarkCalling 標記任務開始呼叫 oracle（Pending → Calling）
func (jm *JobManager) MarkCalling(jobID types.JobID) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	entry, err := jm.lookupLocked(jobID)
	if err != nil {
		return err
	}
	if entry.Status != types.StatusPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, entry.Status, types.StatusCalling)
	}

	jm.setStatusLocked(entry, types.StatusCalling)
	entry.Attempts = 1
	return nil
}

// MarkRetrying 記錄一次失敗的嘗試（Calling/Retrying → Retrying）
func (jm *JobManager) MarkRetrying(jobID types.JobID, attempt int, cause error) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	entry, err := jm.lookupLocked(jobID)
	if err != nil {
		return err
	}
	if entry.Status != types.StatusCalling && entry.Status != types.StatusRetrying {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, entry.Status, types.StatusRetrying)
	}

	jm.setStatusLocked(entry, types.StatusRetrying)
	// 下一次嘗試即將開始
	entry.Attempts = attempt + 1
	if cause != nil {
		entry.LastError = cause.Error()
	}
	return nil
}

// MarkFinished 依 processor 回傳的 Outcome 設定終止狀態
func (jm *JobManager) MarkFinished(out types.Outcome) error {
	if !out.Status.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, out.Status)
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()

	entry, err := jm.lookupLocked(out.JobID)
	if err != nil {
		return err
	}

	jm.setStatusLocked(entry, out.Status)
	entry.Attempts = out.Attempts
	if out.Err != nil {
		entry.LastError = out.Err.Error()
	}
	return nil
}

// Stats 取得各狀態任務數量
func (jm *JobManager) Stats() map[types.JobStatus]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	stats := make(map[types.JobStatus]int, len(jm.count))
	for status, n := range jm.count {
		if n > 0 {
			stats[status] = n
		}
	}
	return stats
}

// Total 回傳追蹤中的任務總數
func (jm *JobManager) Total() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return len(jm.order)
}

// Unfinished 回傳尚未到達終止狀態的任務數
func (jm *JobManager) Unfinished() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	n := 0
	for _, entry := range jm.jobs {
		if !entry.Status.Terminal() {
			n++
		}
	}
	return n
}

// Get 取得任務的追蹤資料副本
func (jm *JobManager) Get(jobID types.JobID) (Entry, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	entry, ok := jm.jobs[jobID]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Dropped 回傳所有非成功終止的任務，依來源列號排序
func (jm *JobManager) Dropped() []Entry {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	var out []Entry
	for _, id := range jm.order {
		entry := jm.jobs[id]
		if entry.Status.Terminal() && entry.Status != types.StatusSucceeded {
			out = append(out, *entry)
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Job.Row < out[b].Job.Row })
	return out
}

// ============================================================================
// 內部輔助方法
// ============================================================================

func (jm *JobManager) lookupLocked(jobID types.JobID) (*Entry, error) {
	entry, ok := jm.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if entry.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, jobID, entry.Status)
	}
	return entry, nil
}

func (jm *JobManager) setStatusLocked(entry *Entry, status types.JobStatus) {
	jm.count[entry.Status]--
	jm.count[status]++
	entry.Status = status
	entry.UpdatedAt = time.Now().UnixMilli()
}
