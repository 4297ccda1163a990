package pipeline

import (
	"sync"
	"time"

	"github.com/raphaelgruber/retrobot/internal/audio"
)

// Stage is a pipeline job's position.
type Stage string

const (
	StageQueued       Stage = "queued"
	StageConverting   Stage = "converting"
	StageTranscribing Stage = "transcribing"
	StageCleaning     Stage = "cleaning"
	StageDone         Stage = "done"
	StageFailed       Stage = "failed"
	StageCancelled    Stage = "cancelled"
)

// Terminal reports whether no further transitions follow.
func (s Stage) Terminal() bool {
	return s == StageDone || s == StageFailed || s == StageCancelled
}

// Job is one voice recording on its way to text.
type Job struct {
	ID        string
	SessionID string
	Stage     Stage
	// SourcePath and IntermediatePath live in the job's workspace and are
	// gone once the job is terminal.
	SourcePath       string
	IntermediatePath string
	Text             string
	RawText          string
	Failure          *Failure
	CreatedAt        time.Time
	FinishedAt       *time.Time

	source audio.Source
	cancel func()
	done   chan struct{}
	mu     sync.RWMutex
}

// Done is closed when the job reaches a terminal stage.
func (j *Job) Done() <-chan struct{} { return j.done }

// Snapshot returns a thread-safe copy of job state.
func (j *Job) Snapshot() Job {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return Job{
		ID:               j.ID,
		SessionID:        j.SessionID,
		Stage:            j.Stage,
		SourcePath:       j.SourcePath,
		IntermediatePath: j.IntermediatePath,
		Text:             j.Text,
		RawText:          j.RawText,
		Failure:          j.Failure,
		CreatedAt:        j.CreatedAt,
		FinishedAt:       j.FinishedAt,
	}
}

func (j *Job) setStage(s Stage) {
	j.mu.Lock()
	j.Stage = s
	j.mu.Unlock()
}

func (j *Job) setPaths(source, intermediate string) {
	j.mu.Lock()
	j.SourcePath = source
	j.IntermediatePath = intermediate
	j.mu.Unlock()
}
