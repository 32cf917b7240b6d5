// ============================================================================
// Phrase-Mapper Job Processor
// ============================================================================
//
// Package: internal/processor
// File: processor.go
// Purpose: Run one job end to end: oracle -> validate -> append one row.
//
// Flow:
//   Calling -> (Retrying)* -> dropped_oracle
//                          -> dropped_validation
//                          -> write_failed
//                          -> succeeded
//
// Process never returns an error and never panics outward. Every drop is
// logged with the objective and source row so the job can be re-run by hand.
//
// ============================================================================

package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/ChuLiYu/phrase-mapper/internal/logging"
	"github.com/ChuLiYu/phrase-mapper/internal/oracle"
	"github.com/ChuLiYu/phrase-mapper/internal/validator"
	"github.com/ChuLiYu/phrase-mapper/pkg/types"
)

// ErrMalformedMapping is reported when the oracle answered with a mapping of the wrong shape.
var ErrMalformedMapping = errors.New("malformed mapping")

// Classifier asks the oracle for a mapping.
type Classifier interface {
	Classify(ctx context.Context, req oracle.Request) (*types.OracleResponse, int, error)
}

// Appender persists one output record.
type Appender interface {
	Append(rec types.OutputRecord) error
}

// Tracker receives in-flight state changes. Terminal states are reported by
// the caller from the returned Outcome.
type Tracker interface {
	MarkCalling(id types.JobID) error
	MarkRetrying(id types.JobID, attempt int, cause error) error
}

// Processor runs jobs. It is safe for concurrent use when its collaborators are.
type Processor struct {
	oracle  Classifier
	sink    Appender
	tracker Tracker
	logger  *slog.Logger
}

// New creates a Processor. tracker may be nil.
func New(c Classifier, sink Appender, tracker Tracker, logger *slog.Logger) *Processor {
	return &Processor{
		oracle:  c,
		sink:    sink,
		tracker: tracker,
		logger:  logging.Component(logger, "processor"),
	}
}

// Process runs one job and reports how it ended.
func (p *Processor) Process(ctx context.Context, job types.Job) (out types.Outcome) {
	logger := p.logger.With(slog.String("objective", job.ObjectiveID), slog.Int("row", job.Row))

	out = types.Outcome{
		JobID:       job.ID,
		ObjectiveID: job.ObjectiveID,
		Status:      types.StatusDroppedOracle,
	}

	defer func() {
		if r := recover(); r != nil {
			out.Err = fmt.Errorf("panic while processing job: %v", r)
			logger.Error("job panicked",
				slog.String("status", string(out.Status)),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	p.mark(logger, func(t Tracker) error { return t.MarkCalling(job.ID) })

	resp, attempts, err := p.oracle.Classify(ctx, oracle.Request{
		ObjectiveID:  job.ObjectiveID,
		Row:          job.Row,
		Substandards: job.Substandards,
		KeyPhrases:   job.KeyPhrases,
		OnRetry: func(attempt int, cause error) {
			p.mark(logger, func(t Tracker) error { return t.MarkRetrying(job.ID, attempt, cause) })
		},
	})
	out.Attempts = attempts
	if err != nil {
		out.Err = err
		logger.Error("dropping job, oracle failed",
			slog.Int("attempts", attempts),
			slog.Any("error", err))
		return out
	}

	// oracle 成功之後的失敗都算驗證階段
	out.Status = types.StatusDroppedValidation
	verdict, ok := validator.ValidateAndScore(resp)
	if !ok {
		out.Err = fmt.Errorf("%w: %s", ErrMalformedMapping, verdict.Reason)
		logger.Error("dropping job, invalid mapping format",
			slog.String("reason", verdict.Reason))
		logger.Debug("malformed mapping payload", slog.String("payload", string(verdict.Raw)))
		return out
	}
	out.Stats = verdict.Stats

	if verdict.Stats.TotalMapped != len(job.KeyPhrases) {
		logger.Warn("not every key phrase was mapped exactly once",
			slog.Int("key_phrases", len(job.KeyPhrases)),
			slog.Int("total_mapped", verdict.Stats.TotalMapped))
	}
	if !verdict.Stats.AllUnique {
		logger.Warn("mapping contains repeated key phrase lists")
	}

	out.Status = types.StatusWriteFailed
	rec := types.NewOutputRecord(job, resp.Scratchpad, verdict.Mapping, verdict.Stats)
	if err := p.sink.Append(rec); err != nil {
		out.Err = fmt.Errorf("append result: %w", err)
		logger.Error("dropping job, failed to write result", slog.Any("error", err))
		return out
	}

	out.Status = types.StatusSucceeded
	logger.Info("wrote result",
		slog.Int("attempts", attempts),
		slog.Int("total_mapped", verdict.Stats.TotalMapped),
		slog.Bool("all_unique", verdict.Stats.AllUnique))
	return out
}

func (p *Processor) mark(logger *slog.Logger, fn func(Tracker) error) {
	if p.tracker == nil {
		return
	}
	if err := fn(p.tracker); err != nil {
		logger.Warn("failed to update job state", slog.Any("error", err))
	}
}
