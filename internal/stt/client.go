package stt

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/raphaelgruber/retrobot/internal/metrics"
	"github.com/raphaelgruber/retrobot/internal/retry"
)

// DefaultTimeout bounds a single transcription attempt.
const DefaultTimeout = 30 * time.Second

// Client adds deadlines, bounded retries, a quality check and usage
// accounting around a Transcriber.
type Client struct {
	provider Transcriber
	opts     Options
	policy   retry.Policy
	timeout  time.Duration
	metrics  *metrics.Collector
	logger   *slog.Logger
}

// ClientConfig configures a Client.
type ClientConfig struct {
	Model    string
	Language string
	// Timeout applies to each attempt separately.
	Timeout time.Duration
	Retry   retry.Policy
	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// NewClient wraps provider.
func NewClient(provider Transcriber, cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		provider: provider,
		opts:     Options{Model: cfg.Model, Language: cfg.Language},
		policy:   cfg.Retry,
		timeout:  cfg.Timeout,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}
}

// Provider returns the wrapped provider's name.
func (c *Client) Provider() string { return c.provider.Name() }

// TranscribeFile transcribes the audio file at path. Transient failures are
// retried with exponential backoff; a rejected request fails at once with
// the service's message. An answer that fails CheckQuality returns
// ErrEmptyTranscript.
func (c *Client) TranscribeFile(ctx context.Context, path string) (*Transcript, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}

	opts := c.opts
	opts.Format = strings.TrimPrefix(filepath.Ext(path), ".")

	var transcript *Transcript
	start := time.Now()
	attempts, err := retry.Do(ctx, c.policy, IsTransient, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		t, err := c.provider.Transcribe(attemptCtx, bytes.NewReader(data), opts)
		if err != nil {
			return err
		}
		transcript = t
		return nil
	}, func(err error, attempt int, wait time.Duration) {
		c.logger.Warn("transcription attempt failed, retrying",
			"provider", c.provider.Name(), "attempt", attempt, "wait", wait, "error", err)
	})
	elapsed := time.Since(start)

	if err != nil {
		c.metrics.RecordTiming(metrics.OpTranscription, elapsed, err)
		c.logger.Error("transcription failed", "provider", c.provider.Name(), "attempts", attempts, "error", err)
		return nil, err
	}

	c.metrics.RecordUsage(metrics.OpTranscription, elapsed, metrics.Usage{
		InputTokens:  transcript.InputTokens,
		OutputTokens: transcript.OutputTokens,
		AudioSeconds: transcript.Duration,
		CostUSD:      transcript.CostUSD,
	})
	c.logger.Info("transcription complete",
		"provider", c.provider.Name(),
		"attempts", attempts,
		"chars", len(transcript.Text),
		"audio_seconds", transcript.Duration,
		"cost_usd", transcript.CostUSD,
	)

	if err := CheckQuality(transcript.Text); err != nil {
		return transcript, err
	}
	return transcript, nil
}
