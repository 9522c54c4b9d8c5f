package render

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidKey      = errors.New("invalid job key")
	ErrUnsafeSource    = errors.New("source rejected by safety checks")
	ErrDuplicateKey    = errors.New("a job with this key already exists")
	ErrQueueFull       = errors.New("queue is full")
	ErrNotFound        = errors.New("job not found")
	ErrArtifactMissing = errors.New("artifact file is missing")
	ErrCancelled       = errors.New("job cancelled")
	ErrTimedOut        = errors.New("render attempt timed out")
)

// NotReadyError is returned when an artifact is requested for a job that has
// not completed; it carries the job's current status.
type NotReadyError struct {
	Status Status
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("artifact not ready: job is %s", e.Status)
}
