// Package service maps chat input onto the retrospective machine and the
// voice pipeline and turns every result into outbound messages.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/raphaelgruber/retrobot/internal/audio"
	"github.com/raphaelgruber/retrobot/internal/models"
	"github.com/raphaelgruber/retrobot/internal/pipeline"
	"github.com/raphaelgruber/retrobot/internal/render"
	"github.com/raphaelgruber/retrobot/internal/retro"
	"github.com/raphaelgruber/retrobot/internal/retry"
)

// Sender delivers messages to a user.
type Sender interface {
	Send(ctx context.Context, userID string, msg Message) error
}

// RecordSink receives completed retrospectives.
type RecordSink interface {
	SaveRecord(ctx context.Context, r models.RetroRecord) error
}

// EventKind classifies inbound events.
type EventKind string

const (
	EventText    EventKind = "text"
	EventVoice   EventKind = "voice"
	EventCommand EventKind = "command"
)

// Event is one inbound message from a transport.
type Event struct {
	UserID  string
	Kind    EventKind
	Text    string
	Audio   audio.Source
	Command string
	Args    []string
}

// ParseInput builds a text or command event from a typed line. Lines
// starting with "/" are commands.
func ParseInput(userID, line string) Event {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return Event{UserID: userID, Kind: EventText, Text: line}
	}
	fields := strings.Fields(strings.TrimPrefix(line, "/"))
	if len(fields) == 0 {
		return Event{UserID: userID, Kind: EventCommand}
	}
	return Event{UserID: userID, Kind: EventCommand, Command: strings.ToLower(fields[0]), Args: fields[1:]}
}

// Config configures a RetroService.
type Config struct {
	// SweepInterval is how often idle sessions and stale temp files are
	// cleaned up by Run.
	SweepInterval time.Duration
	// TempMaxAge is the age after which leftover job workspaces are removed.
	TempMaxAge time.Duration
	// SinkRetry and SinkTimeout bound record saves.
	SinkRetry   retry.Policy
	SinkTimeout time.Duration
	// Planner, when set, turns each finished retrospective into a todo
	// list for the next day. PlanTimeout bounds one plan.
	Planner     Planner
	PlanTimeout time.Duration
	// Reminders sends each user their plan once ReminderAt, an offset from
	// local midnight, has passed on the planned day.
	Reminders  bool
	ReminderAt time.Duration
	Logger     *slog.Logger
}

// RetroService is the single entry point for transports.
type RetroService struct {
	machine *retro.Machine
	voice   *pipeline.Orchestrator
	temp    *audio.Manager
	sender  Sender
	sink    RecordSink
	cfg     Config
	logger  *slog.Logger
	todos   *todoBook

	events      <-chan pipeline.Event
	unsubscribe func()
}

// NewRetroService wires the service. voice, temp and sink may be nil to
// disable voice input, temp sweeping and record delivery.
func NewRetroService(machine *retro.Machine, voice *pipeline.Orchestrator, temp *audio.Manager, sender Sender, sink RecordSink, cfg Config) *RetroService {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.TempMaxAge <= 0 {
		cfg.TempMaxAge = time.Hour
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = 5 * time.Second
	}
	if cfg.PlanTimeout <= 0 {
		cfg.PlanTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &RetroService{
		machine:     machine,
		voice:       voice,
		temp:        temp,
		sender:      sender,
		sink:        sink,
		cfg:         cfg,
		logger:      cfg.Logger,
		todos:       newTodoBook(),
		unsubscribe: func() {},
	}
	// Subscribe before any job can be submitted so no result is missed.
	if voice != nil {
		s.events, s.unsubscribe = voice.Subscribe()
	}
	return s
}

// Close stops consuming pipeline events.
func (s *RetroService) Close() {
	s.unsubscribe()
}

// Run consumes pipeline events and runs the periodic sweep and todo
// reminders until ctx is done.
func (s *RetroService) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	events := s.events
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if err := s.onPipelineEvent(ctx, e); err != nil {
				s.logger.Error("pipeline event handling failed", "job_id", e.JobID, "user_id", e.SessionID, "error", err)
			}
		case now := <-ticker.C:
			s.Sweep(ctx, now)
			s.Remind(ctx, now)
		}
	}
}

// Sweep abandons idle sessions and removes stale temp workspaces.
func (s *RetroService) Sweep(ctx context.Context, now time.Time) {
	if _, err := s.machine.Sweep(ctx, now); err != nil {
		s.logger.Error("session sweep failed", "error", err)
	}
	if s.temp == nil {
		return
	}
	removed, err := s.temp.SweepStale(now, s.cfg.TempMaxAge)
	if err != nil {
		s.logger.Error("temp sweep failed", "error", err)
	}
	if removed > 0 {
		s.logger.Info("stale temp workspaces removed", "count", removed)
	}
}

// Handle processes one inbound event. Problems the user can act on are
// answered with a message; the returned error is reserved for failures to
// deliver messages or unknown event kinds.
func (s *RetroService) Handle(ctx context.Context, ev Event) error {
	var err error
	switch ev.Kind {
	case EventText:
		err = s.handleText(ctx, ev)
	case EventVoice:
		err = s.handleVoice(ctx, ev)
	case EventCommand:
		err = s.handleCommand(ctx, ev)
	default:
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	if err == nil {
		return nil
	}
	return s.reportError(ctx, ev.UserID, err)
}

func (s *RetroService) reportError(ctx context.Context, userID string, err error) error {
	msg := userMessage(err)
	if msg == "" {
		s.logger.Error("request failed", "user_id", userID, "error", err)
		msg = genericError
	} else {
		s.logger.Debug("request rejected", "user_id", userID, "error", err)
	}
	return s.send(ctx, userID, Message{Kind: MessageError, Text: msg})
}

func (s *RetroService) send(ctx context.Context, userID string, msg Message) error {
	if err := s.sender.Send(ctx, userID, msg); err != nil {
		return fmt.Errorf("send %s message: %w", msg.Kind, err)
	}
	return nil
}

func (s *RetroService) handleText(ctx context.Context, ev Event) error {
	if ev.Text == "" {
		return nil
	}
	out, err := s.machine.Answer(ctx, ev.UserID, ev.Text)
	if err != nil {
		return err
	}
	return s.deliver(ctx, ev.UserID, out)
}

func (s *RetroService) handleVoice(ctx context.Context, ev Event) error {
	if s.voice == nil {
		return s.send(ctx, ev.UserID, Message{Kind: MessageInfo, Text: "Voice messages are turned off. Please type your answer."})
	}
	if ev.Audio == nil {
		return fmt.Errorf("voice event without audio")
	}
	step, err := s.machine.BeginVoice(ctx, ev.UserID, func(models.Step) (string, error) {
		job, err := s.voice.Submit(ev.UserID, ev.Audio)
		if err != nil {
			return "", err
		}
		return job.ID, nil
	})
	if err != nil {
		return err
	}
	p := s.machine.Catalogue().Prompt(step)
	return s.send(ctx, ev.UserID, Message{
		Kind: MessageProgress,
		Text: fmt.Sprintf("Got your voice message for step %d/%d. Processing...", p.Number, p.Total),
	})
}

func (s *RetroService) handleCommand(ctx context.Context, ev Event) error {
	switch ev.Command {
	case "start":
		p, err := s.machine.Start(ctx, ev.UserID)
		if err != nil {
			return err
		}
		return s.sendPrompt(ctx, ev.UserID, p, "Let's do your daily retro.\n\n")
	case "skip":
		out, err := s.machine.Skip(ctx, ev.UserID)
		if err != nil {
			return err
		}
		return s.deliver(ctx, ev.UserID, out)
	case "edit":
		return s.edit(ctx, ev)
	case "status":
		return s.status(ctx, ev.UserID)
	case "cancel":
		if s.voice != nil && s.voice.CancelSession(ev.UserID) {
			return nil // the cancelled event reports back
		}
		return s.send(ctx, ev.UserID, Message{Kind: MessageInfo, Text: "No voice message is being processed."})
	case "stop":
		if err := s.machine.Delete(ctx, ev.UserID); err != nil {
			return err
		}
		return s.send(ctx, ev.UserID, Message{Kind: MessageInfo, Text: "Retrospective discarded. Send /start to begin a new one."})
	case "finish":
		return s.finish(ctx, ev.UserID)
	case "todos":
		return s.showTodos(ctx, ev.UserID)
	case "help", "":
		return s.send(ctx, ev.UserID, Message{Kind: MessageInfo, Text: helpText})
	}
	return s.send(ctx, ev.UserID, Message{Kind: MessageError, Text: fmt.Sprintf("Unknown command /%s. Send /help for the list.", ev.Command)})
}

func (s *RetroService) edit(ctx context.Context, ev Event) error {
	if len(ev.Args) == 0 {
		return s.send(ctx, ev.UserID, Message{Kind: MessageError, Text: "Which step? Use /edit <number or name>, for example /edit 3."})
	}
	step, err := models.ParseStep(strings.Join(ev.Args, " "))
	if err != nil {
		return s.send(ctx, ev.UserID, Message{Kind: MessageError, Text: fmt.Sprintf("There is no step %q. Use a number from 1 to %d.", strings.Join(ev.Args, " "), len(models.Sequence))})
	}
	p, err := s.machine.Edit(ctx, ev.UserID, step)
	if err != nil {
		return err
	}
	return s.sendPrompt(ctx, ev.UserID, p, "")
}

func (s *RetroService) status(ctx context.Context, userID string) error {
	sess, p, err := s.machine.Current(ctx, userID)
	if err != nil {
		return err
	}
	var b strings.Builder
	switch {
	case p != nil:
		fmt.Fprintf(&b, "You're on step %d/%d: %s", p.Number, p.Total, p.Question)
	case sess.Completed():
		b.WriteString("Your retrospective is complete. Send /edit <step> to change an answer or /finish to close it.")
	}
	fmt.Fprintf(&b, "\nAnswered: %d of %d.", len(sess.Answers), len(models.Sequence))
	if sess.PipelineToken != "" && s.voice != nil {
		if job, ok := s.voice.Job(sess.PipelineToken); ok {
			fmt.Fprintf(&b, "\nVoice message: %s.", job.Stage)
		}
	}
	return s.send(ctx, userID, Message{Kind: MessageInfo, Text: b.String()})
}

// finish saves the record before the session is deleted, so a failed save
// leaves the completed session in place for another attempt.
func (s *RetroService) finish(ctx context.Context, userID string) error {
	sess, _, err := s.machine.Current(ctx, userID)
	if err != nil {
		return err
	}
	if !sess.Completed() {
		return retro.ErrNotCompleted
	}
	rec := models.NewRetroRecord(sess, sess.UpdatedAt)
	if err := s.saveRecord(ctx, rec); err != nil {
		return s.send(ctx, userID, Message{Kind: MessageError, Text: "I couldn't save your retrospective. Please try /finish again in a moment."})
	}
	if _, err := s.machine.Finish(ctx, userID); err != nil {
		return err
	}
	if err := s.send(ctx, userID, Message{Kind: MessageInfo, Text: "Retrospective saved. See you tomorrow!"}); err != nil {
		return err
	}
	return s.planTodos(ctx, rec)
}

func (s *RetroService) sendPrompt(ctx context.Context, userID string, p retro.Prompt, intro string) error {
	return s.send(ctx, userID, Message{Kind: MessagePrompt, Text: intro + p.Text(), Prompt: &p})
}

// deliver reports an accepted answer: the next prompt, or the summary once
// the retrospective is complete.
func (s *RetroService) deliver(ctx context.Context, userID string, out retro.Outcome) error {
	if !out.Completed() {
		if out.Next == nil {
			return nil
		}
		return s.sendPrompt(ctx, userID, *out.Next, "")
	}

	rec := *out.Record
	text := render.Markdown(rec, s.machine.Catalogue()) +
		"\nSend /edit <step> to change an answer or /finish to close."
	if err := s.saveRecord(ctx, rec); err != nil {
		text += "\n\n(Saving failed; /finish will try again.)"
	}
	return s.send(ctx, userID, Message{Kind: MessageSummary, Text: text, Record: &rec})
}

func (s *RetroService) saveRecord(ctx context.Context, rec models.RetroRecord) error {
	if s.sink == nil {
		return nil
	}
	_, err := retry.Do(ctx, s.cfg.SinkRetry, nil, func(ctx context.Context) error {
		saveCtx, cancel := context.WithTimeout(ctx, s.cfg.SinkTimeout)
		defer cancel()
		return s.sink.SaveRecord(saveCtx, rec)
	}, nil)
	if err != nil {
		s.logger.Error("record save failed", "user_id", rec.UserID, "date", rec.Date(), "error", err)
		return err
	}
	s.logger.Info("record saved", "user_id", rec.UserID, "date", rec.Date())
	return nil
}

func (s *RetroService) onPipelineEvent(ctx context.Context, e pipeline.Event) error {
	userID := e.SessionID
	switch e.Stage {
	case pipeline.StageQueued:
		return nil
	case pipeline.StageDone:
		return s.onTranscript(ctx, e)
	case pipeline.StageFailed, pipeline.StageCancelled:
		err := s.machine.ReleaseVoice(ctx, userID, e.JobID)
		if errors.Is(err, retro.ErrStaleJob) || errors.Is(err, retro.ErrNoSession) {
			// The session moved on; nobody is waiting for this job.
			s.logger.Debug("dropping result of superseded job", "job_id", e.JobID, "user_id", userID)
			return nil
		}
		if err != nil {
			return s.reportError(ctx, userID, err)
		}
		return s.send(ctx, userID, Message{Kind: MessageError, Text: failureMessage(e.Failure)})
	}
	if text := progressMessage(e.Stage); text != "" {
		return s.send(ctx, userID, Message{Kind: MessageProgress, Text: text})
	}
	return nil
}

func (s *RetroService) onTranscript(ctx context.Context, e pipeline.Event) error {
	userID := e.SessionID
	out, err := s.machine.CompleteVoice(ctx, userID, e.JobID, e.Text)
	if errors.Is(err, retro.ErrStaleJob) || errors.Is(err, retro.ErrNoSession) {
		s.logger.Debug("dropping transcript of superseded job", "job_id", e.JobID, "user_id", userID)
		return nil
	}
	if sendErr := s.send(ctx, userID, Message{Kind: MessageInfo, Text: fmt.Sprintf("I heard: %q", e.Text)}); sendErr != nil {
		return sendErr
	}
	if err != nil {
		return s.reportError(ctx, userID, err)
	}
	return s.deliver(ctx, userID, out)
}
