// Package pipeline turns voice recordings into answer text: temp workspace,
// format conversion, transcription and optional cleanup, one job per
// session at a time.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/raphaelgruber/retrobot/internal/audio"
	"github.com/raphaelgruber/retrobot/internal/metrics"
	"github.com/raphaelgruber/retrobot/internal/stt"
)

var (
	// ErrPipelineBusy is returned when the session already has a job in flight.
	ErrPipelineBusy = errors.New("a voice message is already being processed")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("pipeline closed")
)

// Converter turns a recording into the transcription format.
type Converter interface {
	Convert(ctx context.Context, in, out string) error
	Ext() string
}

// Transcriber turns a converted file into text.
type Transcriber interface {
	TranscribeFile(ctx context.Context, path string) (*stt.Transcript, error)
}

// Cleaner tidies raw transcript text.
type Cleaner interface {
	Clean(ctx context.Context, text string) (string, error)
}

// Config configures an Orchestrator.
type Config struct {
	// Workers bounds how many jobs run stages concurrently. Further jobs
	// wait in the queued stage.
	Workers int
	// Cleaner is optional; nil skips the cleaning stage.
	Cleaner Cleaner
	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// Orchestrator runs voice jobs. Submit never blocks on the work itself.
type Orchestrator struct {
	temp        *audio.Manager
	converter   Converter
	transcriber Transcriber
	cleaner     Cleaner
	metrics     *metrics.Collector
	logger      *slog.Logger

	workers *semaphore.Weighted
	events  *broadcaster

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.RWMutex
	jobs   map[string]*Job
	active map[string]string // session ID -> job ID
	closed bool
}

// New creates an orchestrator.
func New(temp *audio.Manager, converter Converter, transcriber Transcriber, cfg Config) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		temp:        temp,
		converter:   converter,
		transcriber: transcriber,
		cleaner:     cfg.Cleaner,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		workers:     semaphore.NewWeighted(int64(cfg.Workers)),
		events:      newBroadcaster(),
		baseCtx:     ctx,
		stop:        stop,
		jobs:        make(map[string]*Job),
		active:      make(map[string]string),
	}
}

// Subscribe returns a channel receiving every event published after the
// call, and a function that ends the subscription.
func (o *Orchestrator) Subscribe() (<-chan Event, func()) {
	return o.events.subscribe()
}

// Submit queues src for sessionID and returns immediately.
func (o *Orchestrator) Submit(sessionID string, src audio.Source) (*Job, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	if _, busy := o.active[sessionID]; busy {
		o.mu.Unlock()
		return nil, ErrPipelineBusy
	}

	ctx, cancel := context.WithCancel(o.baseCtx)
	job := &Job{
		ID:        uuid.New().String()[:8],
		SessionID: sessionID,
		Stage:     StageQueued,
		CreatedAt: time.Now(),
		source:    src,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	o.jobs[job.ID] = job
	o.active[sessionID] = job.ID
	o.wg.Add(1)
	o.mu.Unlock()

	o.logger.Info("voice job queued", "job_id", job.ID, "session_id", sessionID, "source", src.Name())
	o.publish(job, StageQueued, nil)

	go o.run(ctx, job)
	return job, nil
}

// Cancel stops jobID. The job notices at its next stage boundary or when
// its in-flight call returns, and finishes as cancelled.
func (o *Orchestrator) Cancel(jobID string) bool {
	o.mu.RLock()
	job, ok := o.jobs[jobID]
	o.mu.RUnlock()
	if !ok {
		return false
	}
	o.logger.Info("voice job cancel requested", "job_id", jobID, "session_id", job.SessionID)
	job.cancel()
	return true
}

// CancelSession cancels the session's in-flight job, if any.
func (o *Orchestrator) CancelSession(sessionID string) bool {
	o.mu.RLock()
	jobID, ok := o.active[sessionID]
	o.mu.RUnlock()
	if !ok {
		return false
	}
	return o.Cancel(jobID)
}

// Job returns a snapshot of an unfinished job.
func (o *Orchestrator) Job(jobID string) (Job, bool) {
	o.mu.RLock()
	job, ok := o.jobs[jobID]
	o.mu.RUnlock()
	if !ok {
		return Job{}, false
	}
	return job.Snapshot(), true
}

// Jobs returns snapshots of all unfinished jobs, oldest first.
func (o *Orchestrator) Jobs() []Job {
	o.mu.RLock()
	out := make([]Job, 0, len(o.jobs))
	for _, job := range o.jobs {
		out = append(out, job.Snapshot())
	}
	o.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Close cancels every job, waits for them to finish and ends all
// subscriptions.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	o.stop()
	o.wg.Wait()
	o.events.closeAll()
}

func (o *Orchestrator) run(ctx context.Context, job *Job) {
	defer o.wg.Done()
	defer job.cancel()

	text, raw, failure := o.process(ctx, job)
	o.finish(job, text, raw, failure)
}

// process runs the stages. The workspace is released before it returns, so
// the terminal event is only published once temp files are gone.
func (o *Orchestrator) process(ctx context.Context, job *Job) (text, raw string, failure *Failure) {
	if err := o.workers.Acquire(ctx, 1); err != nil {
		return "", "", classify(StageQueued, err)
	}
	defer o.workers.Release(1)

	ws, err := o.temp.Workspace(job.ID)
	if err != nil {
		return "", "", classify(StageQueued, err)
	}
	defer func() { _ = ws.Release() }()

	if err := o.advance(ctx, job, StageConverting); err != nil {
		return "", "", classify(StageConverting, err)
	}
	source, size, err := ws.Adopt(ctx, job.source, "source"+filepath.Ext(job.source.Name()))
	if err != nil {
		return "", "", classify(StageConverting, err)
	}
	job.setPaths(source, "")

	converted := ws.Path("converted" + o.converter.Ext())
	start := time.Now()
	err = o.converter.Convert(ctx, source, converted)
	o.metrics.RecordTiming(metrics.OpConversion, time.Since(start), err)
	if err != nil {
		return "", "", classify(StageConverting, err)
	}
	job.setPaths(source, converted)
	o.logger.Debug("audio converted", "job_id", job.ID, "bytes", size, "duration", time.Since(start))

	if err := o.advance(ctx, job, StageTranscribing); err != nil {
		return "", "", classify(StageTranscribing, err)
	}
	transcript, err := o.transcriber.TranscribeFile(ctx, converted)
	if err != nil {
		return "", "", classify(StageTranscribing, err)
	}
	raw = transcript.Text
	text = raw

	if o.cleaner == nil {
		return text, raw, nil
	}
	if err := o.advance(ctx, job, StageCleaning); err != nil {
		return "", "", classify(StageCleaning, err)
	}
	cleaned, err := o.cleaner.Clean(ctx, raw)
	switch {
	case ctx.Err() != nil:
		return "", "", classify(StageCleaning, ctx.Err())
	case err != nil:
		o.logger.Warn("cleanup failed, using raw transcript", "job_id", job.ID, "error", err)
	default:
		text = cleaned
	}
	return text, raw, nil
}

// advance moves job to stage unless it has been cancelled.
func (o *Orchestrator) advance(ctx context.Context, job *Job, stage Stage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	job.setStage(stage)
	o.logger.Debug("voice job stage", "job_id", job.ID, "stage", stage)
	o.publish(job, stage, nil)
	return nil
}

func (o *Orchestrator) finish(job *Job, text, raw string, failure *Failure) {
	now := time.Now()
	stage := StageDone
	if failure != nil {
		stage = StageFailed
		if failure.Kind == KindCancelled {
			stage = StageCancelled
		}
	}

	job.mu.Lock()
	job.Stage = stage
	job.Text = text
	job.RawText = raw
	job.Failure = failure
	job.FinishedAt = &now
	job.SourcePath = ""
	job.IntermediatePath = ""
	job.mu.Unlock()

	o.mu.Lock()
	delete(o.jobs, job.ID)
	if o.active[job.SessionID] == job.ID {
		delete(o.active, job.SessionID)
	}
	o.mu.Unlock()

	o.metrics.RecordJob(string(stage))
	switch stage {
	case StageDone:
		o.logger.Info("voice job complete", "job_id", job.ID, "session_id", job.SessionID,
			"chars", len(text), "duration", now.Sub(job.CreatedAt))
	case StageCancelled:
		o.logger.Info("voice job cancelled", "job_id", job.ID, "session_id", job.SessionID, "stage", failure.Stage)
	default:
		o.logger.Error("voice job failed", "job_id", job.ID, "session_id", job.SessionID,
			"stage", failure.Stage, "kind", failure.Kind, "error", failure.Err)
	}

	close(job.done)
	o.publish(job, stage, failure)
}

func (o *Orchestrator) publish(job *Job, stage Stage, failure *Failure) {
	e := Event{JobID: job.ID, SessionID: job.SessionID, Stage: stage, Failure: failure, At: time.Now()}
	if stage == StageDone {
		job.mu.RLock()
		e.Text, e.RawText = job.Text, job.RawText
		job.mu.RUnlock()
	}
	o.events.publish(e)
}
