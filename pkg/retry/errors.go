package retry

import "fmt"

// RetryCeilingExceededError describes a record that was moved to DEAD. It is
// carried on the Decision for logging and publishing and is never returned as
// an error from OnFailure.
type RetryCeilingExceededError struct {
	RecordID    string
	Attempts    int
	MaxAttempts int
	Cause       error
}

func (e *RetryCeilingExceededError) Error() string {
	return fmt.Sprintf("record %s exhausted %d/%d attempts: %v", e.RecordID, e.Attempts, e.MaxAttempts, e.Cause)
}

func (e *RetryCeilingExceededError) Unwrap() error {
	return e.Cause
}
