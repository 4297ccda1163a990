package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepNext(t *testing.T) {
	tests := []struct {
		in   Step
		want Step
	}{
		{StepEnergy, StepMood},
		{StepMITs, StepExperiment},
		{StepExperiment, StepDone},
		{StepDone, StepDone},
		{StepAbandoned, StepAbandoned},
	}
	for _, tt := range tests {
		t.Run(string(tt.in), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.in.Next())
		})
	}
}

func TestParseStep(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Step
		wantErr bool
	}{
		{"name", "wins", StepWins, false},
		{"mixed case with space", "Next Actions", StepNextActions, false},
		{"number", "1", StepEnergy, false},
		{"last number", "7", StepExperiment, false},
		{"number out of range", "8", "", true},
		{"terminal state", "done", "", true},
		{"unknown", "feelings", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseStep(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSessionClone(t *testing.T) {
	now := time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)
	s := NewSession("u1", now)
	s.Answers[StepEnergy] = NumberValue(4)

	c := s.Clone()
	c.Answers[StepMood] = TagValue("good")
	c.Step = StepWins

	assert.Len(t, s.Answers, 1)
	assert.Equal(t, StepEnergy, s.Step)
	assert.False(t, s.Pristine())
}

func TestSessionIsIdle(t *testing.T) {
	now := time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)
	s := NewSession("u1", now)
	threshold := 30 * time.Minute

	assert.False(t, s.IsIdle(now.Add(threshold), threshold), "exactly at threshold is not idle")
	assert.True(t, s.IsIdle(now.Add(threshold+time.Second), threshold))
}

func TestNewRetroRecordFillsSkippedSteps(t *testing.T) {
	now := time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)
	s := NewSession("u1", now)
	s.Answers[StepEnergy] = NumberValue(4)
	s.Answers[StepWins] = TextValue("Shipped the release")

	rec := NewRetroRecord(s, now.Add(time.Hour))

	require.Len(t, rec.Answers, len(Sequence))
	assert.Equal(t, "4", rec.Answers[StepEnergy].String())
	assert.Equal(t, KindSkipped, rec.Answers[StepExperiment].Kind)
	assert.Empty(t, rec.Answers[StepExperiment].String())
	assert.Equal(t, "2024-05-01", rec.Date())
}
