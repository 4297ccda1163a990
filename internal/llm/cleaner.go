package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/raphaelgruber/retrobot/internal/metrics"
	"github.com/raphaelgruber/retrobot/internal/retry"
)

// ErrEmptyOutput means the model returned nothing usable.
var ErrEmptyOutput = errors.New("model returned empty text")

const cleanupSystemPrompt = `You tidy up voice-transcribed answers for a personal daily retrospective.
Fix punctuation, casing and obvious speech recognition mistakes, and drop filler words.
Keep the speaker's language, meaning and wording. Never add information or commentary.
Reply with the cleaned text only.`

// USD per thousand tokens, input then output.
var pricing = map[string][2]float64{
	"gpt-4o-mini": {0.00015, 0.0006},
	"gpt-4o":      {0.0025, 0.01},
}

// Cleaner rewrites raw transcriptions with a language model.
type Cleaner struct {
	model   *Model
	policy  retry.Policy
	timeout time.Duration
	metrics *metrics.Collector
	logger  *slog.Logger
}

// CleanerConfig configures a Cleaner.
type CleanerConfig struct {
	Timeout time.Duration
	Retry   retry.Policy
	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// NewCleaner wraps model.
func NewCleaner(model *Model, cfg CleanerConfig) *Cleaner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Cleaner{model: model, policy: cfg.Retry, timeout: cfg.Timeout, metrics: cfg.Metrics, logger: cfg.Logger}
}

// Clean returns a tidied version of text. Each attempt has its own deadline;
// fatal provider errors are not retried.
func (c *Cleaner) Clean(ctx context.Context, text string) (string, error) {
	var gen *Generation
	start := time.Now()
	_, err := retry.Do(ctx, c.policy, func(err error) bool {
		return !errors.Is(err, ErrFatalAPI) && !errors.Is(err, ErrEmptyOutput)
	}, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		g, err := c.model.GenerateWithSystem(attemptCtx, cleanupSystemPrompt, text)
		if err != nil {
			return err
		}
		if strings.TrimSpace(g.Text) == "" {
			return ErrEmptyOutput
		}
		gen = g
		return nil
	}, func(err error, attempt int, wait time.Duration) {
		c.logger.Warn("cleanup attempt failed, retrying", "model", c.model.Model(), "attempt", attempt, "wait", wait, "error", err)
	})
	elapsed := time.Since(start)
	if err != nil {
		c.metrics.RecordTiming(metrics.OpCleanup, elapsed, err)
		return "", fmt.Errorf("clean transcript: %w", err)
	}

	c.metrics.RecordUsage(metrics.OpCleanup, elapsed, usage(c.model.Model(), gen))
	return strings.TrimSpace(gen.Text), nil
}

// usage prices gen for the metrics collector; unknown models cost nothing.
func usage(model string, gen *Generation) metrics.Usage {
	var cost float64
	if p, ok := pricing[model]; ok {
		cost = float64(gen.InputTokens)/1000*p[0] + float64(gen.OutputTokens)/1000*p[1]
	}
	return metrics.Usage{InputTokens: gen.InputTokens, OutputTokens: gen.OutputTokens, CostUSD: cost}
}
