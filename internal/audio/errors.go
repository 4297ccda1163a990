// Package audio owns the scratch files of voice jobs and the external
// transcoder that normalizes recordings for speech-to-text.
package audio

import "errors"

var (
	// ErrTooLarge means the recording exceeds the configured size ceiling.
	ErrTooLarge = errors.New("audio file too large")

	// ErrDiskFull means the temp area has no room for another job.
	ErrDiskFull = errors.New("not enough disk space for audio processing")

	// ErrConversionTimeout means the transcoder was killed at its deadline.
	ErrConversionTimeout = errors.New("audio conversion timed out")

	// ErrConversionFailed covers a non-zero exit, an empty input, or a
	// missing output file.
	ErrConversionFailed = errors.New("audio conversion failed")

	// ErrUnavailable means the transcoder binary cannot be found.
	ErrUnavailable = errors.New("transcoder unavailable")
)
