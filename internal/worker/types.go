package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/phrase-mapper/pkg/types"
)

// Handler 執行一個任務並回報結果，由 processor 提供
type Handler func(ctx context.Context, job types.Job) types.Outcome

// Task 代表要執行的任務
type Task struct {
	Job types.Job // 任務輸入
}

// Result 代表任務執行結果
type Result struct {
	JobID    types.JobID   // 任務 ID
	Job      types.Job     // 原始輸入，供 journal 使用
	Outcome  types.Outcome // Handler 的回傳值
	Err      error         // Handler panic 時不為 nil
	Duration time.Duration // 實際執行時間
	WorkerID int           // 執行此任務的 worker
}
