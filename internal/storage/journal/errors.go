package journal

import (
	"errors"
	"fmt"
)

var (
	// ErrChecksumMismatch indicates an event was altered after it was written
	ErrChecksumMismatch = errors.New("journal: checksum mismatch")

	// ErrClosed indicates the journal is closed
	ErrClosed = errors.New("journal: already closed")
)

// CorruptionError reports a line that could not be decoded or verified.
type CorruptionError struct {
	Line  int    // 1-based line number in the file
	Seq   uint64 // sequence number, when the line decoded
	Cause error
}

func (e *CorruptionError) Error() string {
	if e.Seq > 0 {
		return fmt.Sprintf("journal: corrupt event at line %d (seq=%d): %v", e.Line, e.Seq, e.Cause)
	}
	return fmt.Sprintf("journal: corrupt event at line %d: %v", e.Line, e.Cause)
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}
