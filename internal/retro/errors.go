package retro

import (
	"errors"
	"fmt"

	"github.com/raphaelgruber/retrobot/internal/models"
)

var (
	// ErrStateMismatch means the answer targets a step other than the current one.
	ErrStateMismatch = errors.New("answer does not match the current step")

	// ErrNotSkippable is returned by Skip on a mandatory step.
	ErrNotSkippable = errors.New("step cannot be skipped")

	// ErrNoSession means the user has no active retrospective.
	ErrNoSession = errors.New("no active retrospective")

	// ErrNotCompleted is returned by Edit before the retrospective is done.
	ErrNotCompleted = errors.New("retrospective is not completed yet")

	// ErrVoiceInFlight means a voice answer for this session is still being
	// processed, so other input is rejected until it finishes.
	ErrVoiceInFlight = errors.New("a voice answer is still being processed")

	// ErrStaleJob means a pipeline result arrived for a job the session no
	// longer owns.
	ErrStaleJob = errors.New("pipeline job no longer belongs to the session")

	// ErrPersistence wraps a save that kept failing after retries. The
	// session is left as it was before the operation.
	ErrPersistence = errors.New("session could not be saved")
)

// ValidationError reports input that does not fit the step's shape.
type ValidationError struct {
	Step   models.Step
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid answer for %s: %s", e.Step, e.Reason)
}
