// Package retro implements the per-user retrospective state machine.
//
// Every operation runs under the user's registry lock. Mutations are applied
// to a copy of the cached session, persisted, and only then committed to the
// registry, so a failed save leaves the session exactly as it was.
package retro

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/raphaelgruber/retrobot/internal/metrics"
	"github.com/raphaelgruber/retrobot/internal/models"
	"github.com/raphaelgruber/retrobot/internal/retry"
	"github.com/raphaelgruber/retrobot/internal/session"
)

const (
	DefaultIdleTimeout    = 30 * time.Minute
	defaultPersistTimeout = 5 * time.Second
)

// Machine drives retrospectives for all users.
type Machine struct {
	registry       *session.Registry
	store          session.Store
	steps          *Catalogue
	idle           time.Duration
	persistRetry   retry.Policy
	persistTimeout time.Duration
	now            func() time.Time
	cancelJob      func(token string)
	metrics        *metrics.Collector
	logger         *slog.Logger
}

// Option configures a Machine.
type Option func(*Machine)

// WithCatalogue replaces the built-in questions.
func WithCatalogue(c *Catalogue) Option { return func(m *Machine) { m.steps = c } }

// WithIdleTimeout sets how long a session may sit untouched before the
// sweeper abandons it.
func WithIdleTimeout(d time.Duration) Option { return func(m *Machine) { m.idle = d } }

// WithPersistRetry sets the retry budget and per-attempt deadline for saves.
func WithPersistRetry(p retry.Policy, timeout time.Duration) Option {
	return func(m *Machine) {
		m.persistRetry = p
		m.persistTimeout = timeout
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(m *Machine) { m.now = now } }

// WithJobCanceller registers the callback used to cancel a pipeline job
// whose session was abandoned or restarted.
func WithJobCanceller(fn func(token string)) Option { return func(m *Machine) { m.cancelJob = fn } }

// WithMetrics records persistence timings into c.
func WithMetrics(c *metrics.Collector) Option { return func(m *Machine) { m.metrics = c } }

// NewMachine creates a state machine over registry and store.
func NewMachine(registry *session.Registry, store session.Store, logger *slog.Logger, opts ...Option) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Machine{
		registry: registry,
		store:    store,
		steps:    DefaultCatalogue(),
		idle:     DefaultIdleTimeout,
		persistRetry: retry.Policy{
			MaxRetries:      3,
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     time.Second,
		},
		persistTimeout: defaultPersistTimeout,
		now:            time.Now,
		cancelJob:      func(string) {},
		logger:         logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Catalogue returns the questions in use.
func (m *Machine) Catalogue() *Catalogue { return m.steps }

// withLease runs fn holding the user's lock.
func (m *Machine) withLease(ctx context.Context, userID string, fn func(*session.Lease) error) error {
	lease, err := m.registry.Acquire(ctx, userID)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn(lease)
}

// load returns the cached session, falling back to the store. It returns nil
// when the user has no session at all.
func (m *Machine) load(ctx context.Context, lease *session.Lease) (*models.Session, error) {
	if s := lease.Session(); s != nil {
		return s, nil
	}

	loadCtx, cancel := context.WithTimeout(ctx, m.persistTimeout)
	defer cancel()
	s, err := m.store.Load(loadCtx, lease.UserID())
	if errors.Is(err, session.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load: %w", ErrPersistence, err)
	}

	if s.Answers == nil {
		s.Answers = make(map[models.Step]models.Value)
	}
	// Pipeline jobs do not survive a restart.
	s.PipelineToken = ""
	m.logger.Info("session recovered", "user_id", s.UserID, "step", s.Step, "answers", len(s.Answers))

	// The idle clock kept running while nothing had the session cached.
	if now := m.now(); s.Step.IsQuestion() && s.IsIdle(now, m.idle) {
		return m.expire(ctx, lease, s, now)
	}
	if s.Active() {
		lease.Put(s)
	}
	return s, nil
}

// active is load restricted to sessions that still accept input.
func (m *Machine) active(ctx context.Context, lease *session.Lease) (*models.Session, error) {
	s, err := m.load(ctx, lease)
	if err != nil {
		return nil, err
	}
	if s == nil || !s.Active() {
		return nil, ErrNoSession
	}
	return s, nil
}

// commit persists next and makes it the cached session.
func (m *Machine) commit(ctx context.Context, lease *session.Lease, next *models.Session) error {
	next.UpdatedAt = m.now()

	start := time.Now()
	_, err := retry.Do(ctx, m.persistRetry, nil, func(ctx context.Context) error {
		saveCtx, cancel := context.WithTimeout(ctx, m.persistTimeout)
		defer cancel()
		return m.store.Save(saveCtx, next)
	}, func(err error, attempt int, wait time.Duration) {
		m.logger.Warn("session save failed, retrying", "user_id", next.UserID, "attempt", attempt, "wait", wait, "error", err)
	})
	m.metrics.RecordTiming(metrics.OpPersistence, time.Since(start), err)
	if err != nil {
		m.logger.Error("session save failed", "user_id", next.UserID, "step", next.Step, "error", err)
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	lease.Put(next)
	return nil
}

func (m *Machine) prompt(s *models.Session) Prompt {
	p := m.steps.Prompt(s.Step)
	if s.Editing {
		p.Editing = true
		p.Current = s.Answers[s.Step].String()
	}
	return p
}

// Start begins a new retrospective. It is a no-op for a session still at the
// first question with no answers; any other session is replaced.
func (m *Machine) Start(ctx context.Context, userID string) (Prompt, error) {
	var p Prompt
	err := m.withLease(ctx, userID, func(lease *session.Lease) error {
		current, err := m.load(ctx, lease)
		if err != nil {
			return err
		}
		if current != nil && current.Active() && current.Pristine() {
			p = m.prompt(current)
			return nil
		}

		next := models.NewSession(userID, m.now())
		if err := m.commit(ctx, lease, next); err != nil {
			return err
		}
		if current != nil && current.PipelineToken != "" {
			m.cancelJob(current.PipelineToken)
		}
		m.logger.Info("retrospective started", "user_id", userID, "superseded", current != nil)
		p = m.prompt(next)
		return nil
	})
	return p, err
}

// Current returns a copy of the user's session and, while a question is
// open, its prompt.
func (m *Machine) Current(ctx context.Context, userID string) (*models.Session, *Prompt, error) {
	var (
		s *models.Session
		p *Prompt
	)
	err := m.withLease(ctx, userID, func(lease *session.Lease) error {
		current, err := m.active(ctx, lease)
		if err != nil {
			return err
		}
		s = current.Clone()
		if s.Step.IsQuestion() {
			pr := m.prompt(s)
			p = &pr
		}
		return nil
	})
	return s, p, err
}

// Recover returns the session as last persisted or cached, loading it from
// the store after a restart. Abandoned sessions are returned but not cached.
func (m *Machine) Recover(ctx context.Context, userID string) (*models.Session, error) {
	var s *models.Session
	err := m.withLease(ctx, userID, func(lease *session.Lease) error {
		current, err := m.load(ctx, lease)
		if err != nil {
			return err
		}
		if current == nil {
			return ErrNoSession
		}
		s = current.Clone()
		return nil
	})
	return s, err
}

// SubmitAnswer validates raw as the answer for step, which must be the
// current step, and advances.
func (m *Machine) SubmitAnswer(ctx context.Context, userID string, step models.Step, raw string) (Outcome, error) {
	var out Outcome
	err := m.withLease(ctx, userID, func(lease *session.Lease) error {
		s, err := m.active(ctx, lease)
		if err != nil {
			return err
		}
		if s.PipelineToken != "" {
			return ErrVoiceInFlight
		}
		out, err = m.answer(ctx, lease, s, step, raw)
		return err
	})
	return out, err
}

// Answer submits raw for whatever step is current.
func (m *Machine) Answer(ctx context.Context, userID, raw string) (Outcome, error) {
	var out Outcome
	err := m.withLease(ctx, userID, func(lease *session.Lease) error {
		s, err := m.active(ctx, lease)
		if err != nil {
			return err
		}
		if s.PipelineToken != "" {
			return ErrVoiceInFlight
		}
		out, err = m.answer(ctx, lease, s, s.Step, raw)
		return err
	})
	return out, err
}

func (m *Machine) answer(ctx context.Context, lease *session.Lease, s *models.Session, step models.Step, raw string) (Outcome, error) {
	if step != s.Step || !s.Step.IsQuestion() {
		return Outcome{}, fmt.Errorf("%w: expected %s, got %s", ErrStateMismatch, s.Step, step)
	}
	v, err := m.steps.Validate(step, raw)
	if err != nil {
		return Outcome{}, err
	}
	return m.advance(ctx, lease, s, func(next *models.Session) {
		next.Answers[step] = v
		next.PipelineToken = ""
	})
}

// advance applies mutate to a copy of s, moves it past the current step and
// commits it.
func (m *Machine) advance(ctx context.Context, lease *session.Lease, s *models.Session, mutate func(*models.Session)) (Outcome, error) {
	answered := s.Step
	next := s.Clone()
	mutate(next)
	if next.Editing {
		next.Editing = false
		next.Step = models.StepDone
	} else {
		next.Step = answered.Next()
	}

	if err := m.commit(ctx, lease, next); err != nil {
		return Outcome{}, err
	}

	out := Outcome{Answered: answered, Value: next.Answers[answered]}
	if next.Completed() {
		rec := models.NewRetroRecord(next, next.UpdatedAt)
		out.Record = &rec
		m.logger.Info("retrospective completed", "user_id", next.UserID)
	} else {
		p := m.prompt(next)
		out.Next = &p
	}
	m.logger.Debug("step accepted", "user_id", next.UserID, "step", answered, "next", next.Step)
	return out, nil
}

// Skip moves past the current step without an answer. While editing, it
// keeps the existing answer and returns to the completed state.
func (m *Machine) Skip(ctx context.Context, userID string) (Outcome, error) {
	var out Outcome
	err := m.withLease(ctx, userID, func(lease *session.Lease) error {
		s, err := m.active(ctx, lease)
		if err != nil {
			return err
		}
		if s.PipelineToken != "" {
			return ErrVoiceInFlight
		}
		if !s.Step.IsQuestion() {
			return fmt.Errorf("%w: nothing to skip at %s", ErrStateMismatch, s.Step)
		}
		if s.Editing {
			out, err = m.advance(ctx, lease, s, func(*models.Session) {})
			return err
		}
		def, _ := m.steps.Def(s.Step)
		if !def.Skippable {
			return fmt.Errorf("%w: %s", ErrNotSkippable, s.Step)
		}
		step := s.Step
		out, err = m.advance(ctx, lease, s, func(next *models.Session) {
			next.Answers[step] = models.Skipped
		})
		return err
	})
	return out, err
}

// Edit re-opens a single step of a completed retrospective.
func (m *Machine) Edit(ctx context.Context, userID string, step models.Step) (Prompt, error) {
	var p Prompt
	err := m.withLease(ctx, userID, func(lease *session.Lease) error {
		s, err := m.active(ctx, lease)
		if err != nil {
			return err
		}
		if !s.Completed() {
			return ErrNotCompleted
		}
		if !step.IsQuestion() {
			return fmt.Errorf("%w: %s cannot be edited", ErrStateMismatch, step)
		}

		next := s.Clone()
		next.Step = step
		next.Editing = true
		if err := m.commit(ctx, lease, next); err != nil {
			return err
		}
		p = m.prompt(next)
		return nil
	})
	return p, err
}

// BeginVoice reserves the session's pipeline slot. submit is called under the
// user's lock with the step the audio answers and must schedule the job
// without blocking, returning its token.
func (m *Machine) BeginVoice(ctx context.Context, userID string, submit func(step models.Step) (string, error)) (models.Step, error) {
	var step models.Step
	err := m.withLease(ctx, userID, func(lease *session.Lease) error {
		s, err := m.active(ctx, lease)
		if err != nil {
			return err
		}
		if s.PipelineToken != "" {
			return ErrVoiceInFlight
		}
		if !s.Step.IsQuestion() {
			return fmt.Errorf("%w: no open question at %s", ErrStateMismatch, s.Step)
		}

		token, err := submit(s.Step)
		if err != nil {
			return err
		}
		next := s.Clone()
		next.PipelineToken = token
		if err := m.commit(ctx, lease, next); err != nil {
			m.cancelJob(token)
			return err
		}
		step = s.Step
		return nil
	})
	return step, err
}

// CompleteVoice submits a transcription as the answer for the step the job
// was started for. A validation failure frees the slot and leaves the step
// open so the user can answer again.
func (m *Machine) CompleteVoice(ctx context.Context, userID, token, text string) (Outcome, error) {
	var out Outcome
	err := m.withLease(ctx, userID, func(lease *session.Lease) error {
		s, err := m.active(ctx, lease)
		if err != nil {
			return err
		}
		if token == "" || s.PipelineToken != token {
			return ErrStaleJob
		}

		v, verr := m.steps.Validate(s.Step, text)
		if verr != nil {
			next := s.Clone()
			next.PipelineToken = ""
			if err := m.commit(ctx, lease, next); err != nil {
				return err
			}
			return verr
		}

		step := s.Step
		out, err = m.advance(ctx, lease, s, func(next *models.Session) {
			next.Answers[step] = v
			next.PipelineToken = ""
		})
		return err
	})
	return out, err
}

// ReleaseVoice frees the pipeline slot after a failed or cancelled job. The
// current step is unchanged.
func (m *Machine) ReleaseVoice(ctx context.Context, userID, token string) error {
	return m.withLease(ctx, userID, func(lease *session.Lease) error {
		s, err := m.active(ctx, lease)
		if err != nil {
			return err
		}
		if token == "" || s.PipelineToken != token {
			return ErrStaleJob
		}
		next := s.Clone()
		next.PipelineToken = ""
		return m.commit(ctx, lease, next)
	})
}

// AbandonCheck abandons the user's session if it has been idle longer than
// the idle timeout at now. It reports whether the session was evicted.
func (m *Machine) AbandonCheck(ctx context.Context, userID string, now time.Time) (bool, error) {
	var evicted bool
	err := m.withLease(ctx, userID, func(lease *session.Lease) error {
		var err error
		evicted, err = m.abandonIfIdle(ctx, lease, now)
		return err
	})
	return evicted, err
}

// Sweep runs the idle check over every cached session and, when the store
// can list them, over persisted sessions nobody has loaded since a restart.
// Users whose lock is held are busy and therefore skipped.
func (m *Machine) Sweep(ctx context.Context, now time.Time) (int, error) {
	var (
		evicted int
		errs    []error
	)
	for _, userID := range m.registry.Users() {
		lease, ok := m.registry.TryAcquire(userID)
		if !ok {
			continue
		}
		gone, err := m.abandonIfIdle(ctx, lease, now)
		lease.Release()
		if err != nil {
			errs = append(errs, fmt.Errorf("user %s: %w", userID, err))
			continue
		}
		if gone {
			evicted++
		}
	}

	stored, err := m.sweepStored(ctx, now)
	evicted += stored
	if err != nil {
		errs = append(errs, err)
	}

	if evicted > 0 {
		m.logger.Info("idle sessions swept", "evicted", evicted, "remaining", m.registry.Len())
	}
	return evicted, errors.Join(errs...)
}

// sweepStored expires idle persisted sessions that are not cached.
func (m *Machine) sweepStored(ctx context.Context, now time.Time) (int, error) {
	lister, ok := m.store.(session.Lister)
	if !ok {
		return 0, nil
	}
	listCtx, cancel := context.WithTimeout(ctx, m.persistTimeout)
	sessions, err := lister.ListSessions(listCtx)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("%w: list sessions: %w", ErrPersistence, err)
	}

	var (
		expired int
		errs    []error
	)
	for _, s := range sessions {
		if !s.Step.IsQuestion() || !s.IsIdle(now, m.idle) {
			continue
		}
		lease, ok := m.registry.TryAcquire(s.UserID)
		if !ok {
			continue
		}
		if lease.Session() != nil {
			// Cached sessions were checked above.
			lease.Release()
			continue
		}
		stale := s.Clone()
		stale.PipelineToken = "" // started by a previous process
		_, err := m.expire(ctx, lease, stale, now)
		lease.Release()
		if err != nil {
			errs = append(errs, fmt.Errorf("user %s: %w", s.UserID, err))
			continue
		}
		expired++
	}
	return expired, errors.Join(errs...)
}

func (m *Machine) abandonIfIdle(ctx context.Context, lease *session.Lease, now time.Time) (bool, error) {
	s := lease.Session()
	if s == nil || !s.IsIdle(now, m.idle) {
		return false, nil
	}
	if _, err := m.expire(ctx, lease, s, now); err != nil {
		return false, err
	}
	return true, nil
}

// expire applies the idle rules to s: a pending edit is dropped, an open
// question is abandoned and its job cancelled. The user is evicted from the
// registry either way. It returns the resulting session.
func (m *Machine) expire(ctx context.Context, lease *session.Lease, s *models.Session, now time.Time) (*models.Session, error) {
	next := s.Clone()
	switch {
	case s.Editing:
		// The record was already delivered; drop the pending edit.
		next.Editing = false
		next.Step = models.StepDone
		if err := m.commit(ctx, lease, next); err != nil {
			return nil, err
		}
	case s.Step.IsQuestion():
		next.Step = models.StepAbandoned
		next.PipelineToken = ""
		if err := m.commit(ctx, lease, next); err != nil {
			return nil, err
		}
		if s.PipelineToken != "" {
			m.cancelJob(s.PipelineToken)
		}
		m.logger.Info("session abandoned", "user_id", s.UserID, "step", s.Step, "idle", now.Sub(s.UpdatedAt).Round(time.Second))
	}

	lease.Evict()
	return next, nil
}

// Finish closes a completed retrospective, deleting the persisted session,
// and returns its record.
func (m *Machine) Finish(ctx context.Context, userID string) (models.RetroRecord, error) {
	var rec models.RetroRecord
	err := m.withLease(ctx, userID, func(lease *session.Lease) error {
		s, err := m.active(ctx, lease)
		if err != nil {
			return err
		}
		if s.PipelineToken != "" {
			return ErrVoiceInFlight
		}
		if !s.Completed() {
			return ErrNotCompleted
		}
		rec = models.NewRetroRecord(s, s.UpdatedAt)
		if err := m.remove(ctx, lease); err != nil {
			return err
		}
		return nil
	})
	return rec, err
}

// Delete discards the user's session in any state, cancelling its pipeline
// job.
func (m *Machine) Delete(ctx context.Context, userID string) error {
	return m.withLease(ctx, userID, func(lease *session.Lease) error {
		s, err := m.load(ctx, lease)
		if err != nil {
			return err
		}
		if s == nil {
			return ErrNoSession
		}
		if err := m.remove(ctx, lease); err != nil {
			return err
		}
		if s.PipelineToken != "" {
			m.cancelJob(s.PipelineToken)
		}
		m.logger.Info("session deleted", "user_id", s.UserID, "step", s.Step)
		return nil
	})
}

func (m *Machine) remove(ctx context.Context, lease *session.Lease) error {
	_, err := retry.Do(ctx, m.persistRetry, nil, func(ctx context.Context) error {
		delCtx, cancel := context.WithTimeout(ctx, m.persistTimeout)
		defer cancel()
		return m.store.Delete(delCtx, lease.UserID())
	}, nil)
	if err != nil {
		return fmt.Errorf("%w: delete: %w", ErrPersistence, err)
	}
	lease.Evict()
	return nil
}
