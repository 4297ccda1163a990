package service

import (
	"errors"
	"fmt"

	"github.com/raphaelgruber/retrobot/internal/models"
	"github.com/raphaelgruber/retrobot/internal/pipeline"
	"github.com/raphaelgruber/retrobot/internal/retro"
	"github.com/raphaelgruber/retrobot/internal/stt"
)

// MessageKind tells the transport how to present a message.
type MessageKind string

const (
	MessagePrompt   MessageKind = "prompt"
	MessageInfo     MessageKind = "info"
	MessageProgress MessageKind = "progress"
	MessageError    MessageKind = "error"
	MessageSummary  MessageKind = "summary"
	MessageTodos    MessageKind = "todos"
)

// Message is one outbound chat message.
type Message struct {
	Kind MessageKind
	Text string
	// Prompt is set on prompt messages.
	Prompt *retro.Prompt
	// Record is set on summary messages.
	Record *models.RetroRecord
	// Todos is set on todo messages.
	Todos *models.TodoList
}

const helpText = `Commands:
/start - begin today's retrospective
/skip - skip the current question (where allowed)
/edit <step> - change an answer after finishing (number 1-7 or name)
/status - show where you are
/cancel - cancel the voice message being processed
/stop - discard the current retrospective
/finish - save and close a completed retrospective
/todos - show the plan made from your last retrospective
Answer questions by typing or with a voice message.`

const genericError = "Something went wrong on my side. Please try again."

// userMessage turns an operation error into a short explanation. It returns
// "" for errors the user cannot act on.
func userMessage(err error) string {
	var verr *retro.ValidationError
	switch {
	case errors.As(err, &verr):
		return fmt.Sprintf("That answer doesn't fit: %s.", verr.Reason)
	case errors.Is(err, retro.ErrVoiceInFlight), errors.Is(err, pipeline.ErrPipelineBusy):
		return "I'm still working on your last voice message. Please wait for it to finish."
	case errors.Is(err, retro.ErrNoSession):
		return "There's no retrospective in progress. Send /start to begin."
	case errors.Is(err, retro.ErrNotSkippable):
		return "This question can't be skipped."
	case errors.Is(err, retro.ErrNotCompleted):
		return "You can edit answers once the retrospective is complete."
	case errors.Is(err, retro.ErrStateMismatch):
		return "That answer was meant for a different question. Please answer the current one."
	case errors.Is(err, retro.ErrPersistence):
		return "I couldn't save that. Please try again in a moment."
	case errors.Is(err, pipeline.ErrClosed):
		return "Voice messages are unavailable right now. Please type your answer."
	}
	return ""
}

// failureMessage explains a failed or cancelled voice job.
func failureMessage(f *pipeline.Failure) string {
	if f == nil {
		return genericError
	}
	switch f.Kind {
	case pipeline.KindConversionTimeout:
		return "Converting your recording took too long. Please send a shorter voice message."
	case pipeline.KindConversionFailed:
		return "I couldn't read that recording. Please record it again."
	case pipeline.KindAudioTooLarge:
		return "That recording is too large. Please send a shorter one."
	case pipeline.KindDiskFull:
		return "I'm short on storage right now. Please try again in a few minutes."
	case pipeline.KindTranscriptionTransient:
		return "The transcription service isn't responding. Please try again later or type your answer."
	case pipeline.KindTranscriptionRejected:
		if stt.IsQuotaExceeded(f.Err) {
			return "Voice transcription has reached its usage limit for now. Please type your answer."
		}
		return "The transcription service refused the recording. Please type your answer."
	case pipeline.KindTranscriptionEmpty:
		return "I couldn't make out any words. Please try again somewhere quieter or type your answer."
	case pipeline.KindCancelled:
		return "Voice message cancelled."
	}
	return "Something went wrong with your voice message. Please type your answer."
}

func progressMessage(stage pipeline.Stage) string {
	switch stage {
	case pipeline.StageConverting:
		return "Converting audio..."
	case pipeline.StageTranscribing:
		return "Transcribing..."
	case pipeline.StageCleaning:
		return "Tidying up the transcript..."
	}
	return ""
}
