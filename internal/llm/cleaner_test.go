package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/raphaelgruber/retrobot/internal/metrics"
	"github.com/raphaelgruber/retrobot/internal/retry"
)

type fakeLLM struct {
	mu       sync.Mutex
	calls    int
	replies  []string
	errs     []error
	messages []llms.MessageContent
}

func (f *fakeLLM) GenerateContent(ctx context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	i := f.calls
	f.calls++
	f.messages = messages
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	reply := ""
	if i < len(f.replies) {
		reply = f.replies[i]
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		Content:        reply,
		GenerationInfo: map[string]any{"PromptTokens": 1000, "CompletionTokens": 500},
	}}}, nil
}

func (f *fakeLLM) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func newTestCleaner(f *fakeLLM, c *metrics.Collector) *Cleaner {
	return NewCleaner(NewModelFrom(f, ProviderOpenAI, "gpt-4o-mini"), CleanerConfig{
		Timeout: time.Second,
		Retry:   retry.Policy{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
		Metrics: c,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestCleanerClean(t *testing.T) {
	f := &fakeLLM{replies: []string{" Shipped the release. \n"}}
	collector := metrics.NewCollector()

	got, err := newTestCleaner(f, collector).Clean(context.Background(), "uh shipped the uh release")
	require.NoError(t, err)
	assert.Equal(t, "Shipped the release.", got)

	require.Len(t, f.messages, 2)
	assert.Equal(t, llms.ChatMessageTypeSystem, f.messages[0].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, f.messages[1].Role)

	snap := collector.Snapshot()
	require.NotNil(t, snap.Cleanup)
	require.NotNil(t, snap.Cleanup.CostUSD)
	assert.InDelta(t, 0.00045, *snap.Cleanup.CostUSD, 1e-9)
}

func TestCleanerRetriesTransientErrors(t *testing.T) {
	f := &fakeLLM{
		errs:    []error{errors.New("connection reset"), nil},
		replies: []string{"", "Learned a lot."},
	}
	got, err := newTestCleaner(f, nil).Clean(context.Background(), "learned a lot")
	require.NoError(t, err)
	assert.Equal(t, "Learned a lot.", got)
	assert.Equal(t, 2, f.calls)
}

func TestCleanerStopsOnFatalErrors(t *testing.T) {
	f := &fakeLLM{errs: []error{errors.New("HTTP 401: invalid api key")}}
	_, err := newTestCleaner(f, nil).Clean(context.Background(), "text")
	require.ErrorIs(t, err, ErrFatalAPI)
	assert.Equal(t, 1, f.calls)
}

func TestCleanerRejectsEmptyOutput(t *testing.T) {
	f := &fakeLLM{replies: []string{"   "}}
	_, err := newTestCleaner(f, nil).Clean(context.Background(), "text")
	require.ErrorIs(t, err, ErrEmptyOutput)
	assert.Equal(t, 1, f.calls)
}
