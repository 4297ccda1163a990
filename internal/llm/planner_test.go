package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/raphaelgruber/retrobot/internal/metrics"
	"github.com/raphaelgruber/retrobot/internal/models"
	"github.com/raphaelgruber/retrobot/internal/retry"
)

func newTestPlanner(f *fakeLLM, c *metrics.Collector) *Planner {
	var model *Model
	if f != nil {
		model = NewModelFrom(f, ProviderOpenAI, "gpt-4o-mini")
	}
	return NewPlanner(model, PlannerConfig{
		Timeout: time.Second,
		Retry:   retry.Policy{MaxRetries: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
		Metrics: c,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func plannedRecord(next, mits models.Value) models.RetroRecord {
	return models.RetroRecord{
		UserID:      "u1",
		CompletedAt: time.Date(2026, 3, 1, 21, 30, 0, 0, time.UTC),
		Answers: map[models.Step]models.Value{
			models.StepNextActions: next,
			models.StepMITs:        mits,
		},
	}
}

func TestPlannerPlan(t *testing.T) {
	rec := plannedRecord(models.TextValue("work; crossfit"), models.TextValue("- ship v2\n- call Anna"))

	tests := []struct {
		name      string
		llm       *fakeLLM
		wantNext  []string
		wantMITs  []string
		wantCalls int
	}{
		{
			name:      "model reply",
			llm:       &fakeLLM{replies: []string{`{"next_actions_todos": ["Do focused work", " Go to crossfit "], "mits_todos": ["Ship v2", "Call Anna", "", "Plan Q3", "Extra"]}`}},
			wantNext:  []string{"Do focused work", "Go to crossfit"},
			wantMITs:  []string{"Ship v2", "Call Anna", "Plan Q3"},
			wantCalls: 1,
		},
		{
			name:      "fenced reply",
			llm:       &fakeLLM{replies: []string{"```json\n{\"next_actions_todos\": [\"Do focused work\"], \"mits_todos\": []}\n```"}},
			wantNext:  []string{"Do focused work"},
			wantMITs:  []string{},
			wantCalls: 1,
		},
		{
			name:      "unparseable reply falls back to split answers",
			llm:       &fakeLLM{replies: []string{"Sure! Here you go.", "still not json"}},
			wantNext:  []string{"work", "crossfit"},
			wantMITs:  []string{"ship v2", "call Anna"},
			wantCalls: 2,
		},
		{
			name:      "fatal error falls back without retrying",
			llm:       &fakeLLM{errs: []error{errors.New("HTTP 401: invalid api key")}},
			wantNext:  []string{"work", "crossfit"},
			wantMITs:  []string{"ship v2", "call Anna"},
			wantCalls: 1,
		},
		{
			name:     "no model splits answers",
			wantNext: []string{"work", "crossfit"},
			wantMITs: []string{"ship v2", "call Anna"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := newTestPlanner(tt.llm, nil).Plan(context.Background(), rec)
			require.NoError(t, err)
			assert.Equal(t, "u1", list.UserID)
			assert.Equal(t, "2026-03-02", list.Day)
			assert.Equal(t, tt.wantNext, list.NextActions)
			assert.Equal(t, tt.wantMITs, list.MITs)
			if tt.llm != nil {
				assert.Equal(t, tt.wantCalls, tt.llm.calls)
			}
		})
	}
}

func TestPlannerPromptCarriesAnswers(t *testing.T) {
	f := &fakeLLM{replies: []string{`{"next_actions_todos": [], "mits_todos": ["Ship v2"]}`}}
	collector := metrics.NewCollector()

	_, err := newTestPlanner(f, collector).Plan(context.Background(), plannedRecord(models.Skipped, models.TextValue("ship v2")))
	require.NoError(t, err)

	require.Len(t, f.messages, 2)
	user := f.messages[1].Parts[0].(llms.TextContent).Text
	assert.Contains(t, user, "Next Actions:\n(none)")
	assert.Contains(t, user, "Tomorrow's MITs:\nship v2")

	snap := collector.Snapshot()
	require.NotNil(t, snap.Planning)
	assert.Equal(t, int64(1), snap.Planning.Count)
}

func TestPlannerNothingPlanned(t *testing.T) {
	f := &fakeLLM{}
	_, err := newTestPlanner(f, nil).Plan(context.Background(), plannedRecord(models.Skipped, models.TextValue("  ")))
	require.ErrorIs(t, err, ErrNothingPlanned)
	assert.Zero(t, f.calls)
}

func TestPlannerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestPlanner(&fakeLLM{}, nil).Plan(ctx, plannedRecord(models.TextValue("work"), models.Skipped))
	require.ErrorIs(t, err, context.Canceled)
}
