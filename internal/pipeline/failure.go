package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/raphaelgruber/retrobot/internal/audio"
	"github.com/raphaelgruber/retrobot/internal/stt"
)

// FailureKind is the taxonomy a failed job is reported under.
type FailureKind string

const (
	KindConversionTimeout      FailureKind = "conversion_timeout"
	KindConversionFailed       FailureKind = "conversion_failed"
	KindAudioTooLarge          FailureKind = "audio_too_large"
	KindDiskFull               FailureKind = "disk_full"
	KindTranscriptionTransient FailureKind = "transcription_transient"
	KindTranscriptionRejected  FailureKind = "transcription_rejected"
	KindTranscriptionEmpty     FailureKind = "transcription_empty"
	KindCancelled              FailureKind = "cancelled"
	KindInternal               FailureKind = "internal"
)

// Advice tells the transport what to ask of the user after a failure.
type Advice string

const (
	// AdviceResend asks for a new recording.
	AdviceResend Advice = "resend"
	// AdviceRetryLater asks the user to try again in a while.
	AdviceRetryLater Advice = "retry_later"
	// AdviceNone means voice will not work; the user should type instead.
	AdviceNone Advice = "none"
)

// Failure is the single typed result of a failed or cancelled job.
type Failure struct {
	Stage  Stage
	Kind   FailureKind
	Advice Advice
	// Message is the service's own explanation for rejected requests.
	Message string
	Err     error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s during %s: %v", f.Kind, f.Stage, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Retryable reports whether sending voice again can succeed.
func (f *Failure) Retryable() bool { return f.Advice != AdviceNone }

// classify converts a stage error into the failure taxonomy.
func classify(stage Stage, err error) *Failure {
	f := &Failure{Stage: stage, Err: err}
	var apiErr *stt.APIError

	switch {
	case errors.Is(err, context.Canceled):
		f.Kind, f.Advice = KindCancelled, AdviceNone
	case errors.Is(err, audio.ErrConversionTimeout):
		f.Kind, f.Advice = KindConversionTimeout, AdviceResend
	case errors.Is(err, audio.ErrTooLarge):
		f.Kind, f.Advice = KindAudioTooLarge, AdviceResend
	case errors.Is(err, audio.ErrDiskFull):
		f.Kind, f.Advice = KindDiskFull, AdviceRetryLater
	case errors.Is(err, audio.ErrUnavailable):
		f.Kind, f.Advice = KindInternal, AdviceNone
	case errors.Is(err, audio.ErrConversionFailed):
		f.Kind, f.Advice = KindConversionFailed, AdviceResend
	case errors.Is(err, stt.ErrEmptyTranscript):
		f.Kind, f.Advice = KindTranscriptionEmpty, AdviceResend
	case stage == StageTranscribing && stt.IsTransient(err):
		f.Kind, f.Advice = KindTranscriptionTransient, AdviceRetryLater
	case stage == StageTranscribing:
		f.Kind, f.Advice = KindTranscriptionRejected, AdviceNone
		if errors.As(err, &apiErr) {
			f.Message = apiErr.Message
		}
	default:
		f.Kind, f.Advice = KindInternal, AdviceRetryLater
	}
	return f
}
