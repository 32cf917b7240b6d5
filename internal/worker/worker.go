// ============================================================================
// Phrase-Mapper Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that actually executes tasks
//
// How it works:
//   Each Worker runs inside one pool slot goroutine:
//   1. Receive task from taskCh (blocking wait)
//   2. Call the Handler, recovering any panic into Result.Err
//   3. Send result to resultCh (blocking, every task yields exactly one result)
//   4. Retire after maxTasks tasks, or exit when taskCh is closed
//
// Recycling:
//   ┌──────────────── slot goroutine ────────────────┐
//   │  worker #1 ── maxTasks done ──> retire          │
//   │  worker #8 ── maxTasks done ──> retire          │
//   │  worker #15 ── taskCh closed ──> slot exits     │
//   └─────────────────────────────────────────────────┘
//   A retired worker is replaced in the same slot, so the number of
//   concurrent workers never changes. maxTasks == 0 disables recycling.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

// ErrTaskPanicked wraps a panic recovered while running a task.
var ErrTaskPanicked = errors.New("task panicked")

// Worker represents a work execution unit
type Worker struct {
	id       int           // Worker unique identifier, used for logging
	slot     int           // pool slot this worker occupies
	taskCh   <-chan Task   // Task channel (read-only)
	resultCh chan<- Result // Result channel (write-only)
	handler  Handler
	maxTasks int // 0 = never retire
	done     int
	logger   *slog.Logger
}

// newWorker creates a new Worker instance
func newWorker(id, slot int, taskCh <-chan Task, resultCh chan<- Result, handler Handler, maxTasks int, logger *slog.Logger) *Worker {
	return &Worker{
		id:       id,
		slot:     slot,
		taskCh:   taskCh,
		resultCh: resultCh,
		handler:  handler,
		maxTasks: maxTasks,
		logger:   logger.With(slog.Int("worker", id), slog.Int("slot", slot)),
	}
}

// Run is the main loop of Worker.
// It returns true when the worker retired after maxTasks tasks and false
// when taskCh was closed.
func (w *Worker) Run(ctx context.Context) (retired bool) {
	for {
		if w.maxTasks > 0 && w.done >= w.maxTasks {
			return true
		}

		task, ok := <-w.taskCh
		if !ok {
			return false
		}

		result := w.execute(ctx, task)
		w.done++
		w.resultCh <- result
	}
}

// execute runs the handler for one task and never panics
func (w *Worker) execute(ctx context.Context, task Task) (result Result) {
	start := time.Now()
	result = Result{
		JobID:    task.Job.ID,
		Job:      task.Job,
		WorkerID: w.id,
	}

	defer func() {
		if r := recover(); r != nil {
			result.Err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
			result.Outcome.JobID = task.Job.ID
			result.Outcome.ObjectiveID = task.Job.ObjectiveID
			w.logger.Error("task panicked",
				slog.String("objective", task.Job.ObjectiveID),
				slog.Int("row", task.Job.Row),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
		result.Duration = time.Since(start)
	}()

	result.Outcome = w.handler(ctx, task.Job)
	return result
}
