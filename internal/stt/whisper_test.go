package stt

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/retrobot/internal/metrics"
	"github.com/raphaelgruber/retrobot/internal/retry"
)

const okBody = `{"text":" Shipped the release ","language":"english","duration":30}`

func writeAudio(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "converted.mp3")
	require.NoError(t, os.WriteFile(path, []byte("ID3 fake mp3"), 0o600))
	return path
}

func testClient(p Transcriber, c *metrics.Collector) *Client {
	return NewClient(p, ClientConfig{
		Language: "en",
		Timeout:  time.Second,
		Retry:    retry.Policy{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond},
		Metrics:  c,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestWhisperTranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/audio/transcriptions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whisper-1", r.FormValue("model"))
		assert.Equal(t, "en", r.FormValue("language"))
		assert.Equal(t, "verbose_json", r.FormValue("response_format"))

		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		assert.Equal(t, "audio.mp3", hdr.Filename)

		_, _ = io.WriteString(w, okBody)
	}))
	defer srv.Close()

	p := NewWhisper("sk-test", srv.URL)
	got, err := p.Transcribe(context.Background(), bytesReader("ID3"), Options{Language: "en", Format: "mp3"})
	require.NoError(t, err)

	assert.Equal(t, "Shipped the release", got.Text)
	assert.InDelta(t, 30.0, got.Duration, 0.001)
	assert.InDelta(t, 0.003, got.CostUSD, 1e-9)
}

func TestWhisperErrorResponses(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantMsg   string
		transient bool
	}{
		{"server error", http.StatusServiceUnavailable, `{"error":{"message":"overloaded"}}`, "overloaded", true},
		{"quota", http.StatusTooManyRequests, `{"error":{"message":"You exceeded your current quota"}}`, "You exceeded your current quota", false},
		{"bad key", http.StatusUnauthorized, `{"error":{"message":"Incorrect API key provided"}}`, "Incorrect API key provided", false},
		{"plain body", http.StatusBadRequest, "bad audio", "bad audio", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := NewWhisper("sk", srv.URL).Transcribe(context.Background(), bytesReader("x"), Options{})
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.wantMsg, apiErr.Message)
			assert.Equal(t, tt.transient, IsTransient(err))
		})
	}
}

// Two 503s followed by a success complete without surfacing an error.
func TestClientRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, `{"error":{"message":"try again"}}`)
			return
		}
		_, _ = io.WriteString(w, okBody)
	}))
	defer srv.Close()

	collector := metrics.NewCollector()
	c := testClient(NewWhisper("sk", srv.URL), collector)

	got, err := c.TranscribeFile(context.Background(), writeAudio(t))
	require.NoError(t, err)
	assert.Equal(t, "Shipped the release", got.Text)
	assert.Equal(t, int32(3), calls.Load())

	snap := collector.Snapshot()
	require.NotNil(t, snap.Transcription)
	assert.Equal(t, int64(1), snap.Transcription.Count)
	assert.Zero(t, snap.Transcription.Failures)
}

func TestClientGivesUpAfterBudget(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := testClient(NewWhisper("sk", srv.URL), nil).TranscribeFile(context.Background(), writeAudio(t))
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientDoesNotRetryRejections(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"message":"quota exceeded"}}`)
	}))
	defer srv.Close()

	_, err := testClient(NewWhisper("sk", srv.URL), nil).TranscribeFile(context.Background(), writeAudio(t))
	require.ErrorContains(t, err, "quota exceeded")
	assert.False(t, IsTransient(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientPerAttemptTimeout(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			_, _ = io.Copy(io.Discard, r.Body)
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		_, _ = io.WriteString(w, okBody)
	}))
	defer srv.Close()

	c := testClient(NewWhisper("sk", srv.URL), nil)
	c.timeout = 100 * time.Millisecond

	got, err := c.TranscribeFile(context.Background(), writeAudio(t))
	require.NoError(t, err)
	assert.Equal(t, "Shipped the release", got.Text)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClientRejectsUnintelligibleTranscript(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"text":"[inaudible]","duration":4}`)
	}))
	defer srv.Close()

	_, err := testClient(NewWhisper("sk", srv.URL), nil).TranscribeFile(context.Background(), writeAudio(t))
	require.ErrorIs(t, err, ErrEmptyTranscript)
}

func TestClientCancelled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Reading the body lets the server see the client hang up.
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := testClient(NewWhisper("sk", srv.URL), nil).TranscribeFile(ctx, writeAudio(t))
	require.ErrorIs(t, err, context.Canceled)
}
