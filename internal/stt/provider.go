// Package stt turns converted recordings into text through an external
// speech-to-text service.
package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

// Transcriber is one speech-to-text backend. A single call makes a single
// request; retries and deadlines are the Client's job.
type Transcriber interface {
	// Name returns the provider identifier.
	Name() string

	// Transcribe converts audio to text.
	Transcribe(ctx context.Context, audio io.Reader, opts Options) (*Transcript, error)
}

// Options configures transcription.
type Options struct {
	Model    string // provider-specific model
	Language string // ISO-639-1 hint, empty for auto-detect
	Format   string // audio container, e.g. "mp3"
}

// Transcript is the result of transcription.
type Transcript struct {
	Text     string
	Language string
	// Duration of the audio in seconds, when the provider reports it.
	Duration     float64
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// ErrEmptyTranscript means the service answered but nothing usable was heard.
var ErrEmptyTranscript = errors.New("transcription is empty or unintelligible")

// APIError is a non-success response from a speech-to-text service.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s error %d: %s", e.Provider, e.StatusCode, e.Message)
}

// Transient reports whether the same request may succeed later. Quota and
// other client errors, 429 included, are final.
func (e *APIError) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusRequestTimeout
}

// QuotaExceeded reports whether the provider refused on usage or billing limits.
func (e *APIError) QuotaExceeded() bool {
	if e.StatusCode == http.StatusTooManyRequests {
		return true
	}
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "quota") || strings.Contains(msg, "billing")
}

// IsQuotaExceeded unwraps err looking for a quota refusal.
func IsQuotaExceeded(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.QuotaExceeded()
}

// IsTransient classifies an error from a single transcription attempt.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrEmptyTranscript) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

var garbleMarkers = []string{"[inaudible]", "???", "[неразборчиво]"}

// CheckQuality rejects transcripts too short or marked as unintelligible.
func CheckQuality(text string) error {
	t := strings.TrimSpace(text)
	if len([]rune(t)) < 3 {
		return ErrEmptyTranscript
	}
	lower := strings.ToLower(t)
	for _, marker := range garbleMarkers {
		if strings.Contains(lower, marker) {
			return fmt.Errorf("%w: contains %q", ErrEmptyTranscript, marker)
		}
	}
	return nil
}

func mimeType(format string) string {
	switch strings.ToLower(format) {
	case "mp3", "mpeg":
		return "audio/mpeg"
	case "wav":
		return "audio/wav"
	case "ogg", "oga", "opus":
		return "audio/ogg"
	case "flac":
		return "audio/flac"
	case "m4a", "aac":
		return "audio/aac"
	default:
		return "application/octet-stream"
	}
}
