package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func bytesReader(s string) io.Reader { return strings.NewReader(s) }

func TestCheckQuality(t *testing.T) {
	tests := []struct {
		name string
		text string
		ok   bool
	}{
		{"normal", "Shipped the release", true},
		{"short number", "4", false},
		{"two chars", "ok", false},
		{"three chars", "bad", true},
		{"whitespace", "   ", false},
		{"inaudible marker", "I think [Inaudible] today", false},
		{"question marks", "???", false},
		{"russian marker", "[неразборчиво]", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckQuality(tt.text)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrEmptyTranscript)
			}
		})
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"500", &APIError{StatusCode: 500}, true},
		{"503 wrapped", fmt.Errorf("attempt: %w", &APIError{StatusCode: 503}), true},
		{"408", &APIError{StatusCode: 408}, true},
		{"429", &APIError{StatusCode: 429}, false},
		{"400", &APIError{StatusCode: 400}, false},
		{"network", fmt.Errorf("whisper request: %w", timeoutErr{}), true},
		{"attempt deadline", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"empty transcript", ErrEmptyTranscript, false},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"other", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsQuotaExceeded(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"429", &APIError{StatusCode: 429, Message: "slow down"}, true},
		{"quota message", fmt.Errorf("attempt: %w", &APIError{StatusCode: 403, Message: "You exceeded your current Quota"}), true},
		{"billing", &APIError{StatusCode: 402, Message: "billing hard limit reached"}, true},
		{"bad key", &APIError{StatusCode: 401, Message: "invalid api key"}, false},
		{"plain error", errors.New("quota"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsQuotaExceeded(tt.err))
		})
	}
}
