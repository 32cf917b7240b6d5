package journal

import "github.com/ChuLiYu/phrase-mapper/pkg/types"

// ============================================================================
// Journal Type Definitions
// Responsibility: Define the events recorded for one run
// ============================================================================

// EventType defines journal event types
type EventType string

const (
	EventDispatch EventType = "DISPATCH" // Job handed to the worker pool
	EventResult   EventType = "RESULT"   // Job reached a terminal status
)

// Event is one line of the journal file.
type Event struct {
	Seq         uint64          `json:"seq"`          // monotonically increasing within a file
	Type        EventType       `json:"type"`         // event type
	Session     string          `json:"session"`      // per-process correlation id
	JobID       types.JobID     `json:"job_id"`       // tracker key
	ObjectiveID string          `json:"objective_id"` // learning objective
	Row         int             `json:"row"`          // source row number
	Status      types.JobStatus `json:"status,omitempty"`
	Attempts    int             `json:"attempts,omitempty"`
	Error       string          `json:"error,omitempty"`
	Job         *types.Job      `json:"job,omitempty"` // full input on DISPATCH, used for manual re-runs
	Timestamp   int64           `json:"timestamp"`     // Unix millisecond timestamp
	Checksum    uint32          `json:"checksum"`      // CRC32 checksum
}

// DispatchEvent builds the event written when a job is submitted.
func DispatchEvent(job types.Job) Event {
	j := job
	return Event{
		Type:        EventDispatch,
		JobID:       job.ID,
		ObjectiveID: job.ObjectiveID,
		Row:         job.Row,
		Status:      types.StatusPending,
		Job:         &j,
	}
}

// ResultEvent builds the event written when a job finishes.
func ResultEvent(job types.Job, out types.Outcome) Event {
	ev := Event{
		Type:        EventResult,
		JobID:       job.ID,
		ObjectiveID: job.ObjectiveID,
		Row:         job.Row,
		Status:      out.Status,
		Attempts:    out.Attempts,
	}
	if out.Err != nil {
		ev.Error = out.Err.Error()
	}
	return ev
}

// EventHandler is called for every event during Replay.
type EventHandler func(event Event) error
