package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/retrobot/internal/audio"
	"github.com/raphaelgruber/retrobot/internal/models"
	"github.com/raphaelgruber/retrobot/internal/pipeline"
	"github.com/raphaelgruber/retrobot/internal/retro"
	"github.com/raphaelgruber/retrobot/internal/retry"
	"github.com/raphaelgruber/retrobot/internal/session"
	"github.com/raphaelgruber/retrobot/internal/stt"
)

type sentMessage struct {
	userID string
	msg    Message
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (r *recordingSender) Send(_ context.Context, userID string, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentMessage{userID: userID, msg: msg})
	return nil
}

func (r *recordingSender) messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, len(r.sent))
	for i, s := range r.sent {
		out[i] = s.msg
	}
	return out
}

// last returns the latest reply, ignoring progress updates that the
// pipeline sends concurrently.
func (r *recordingSender) last() Message {
	msgs := r.messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Kind != MessageProgress {
			return msgs[i]
		}
	}
	return Message{}
}

// waitFor blocks until a message satisfying pred has been sent.
func (r *recordingSender) waitFor(t *testing.T, pred func(Message) bool) Message {
	t.Helper()
	var found Message
	require.Eventually(t, func() bool {
		for _, m := range r.messages() {
			if pred(m) {
				found = m
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)
	return found
}

type memorySink struct {
	mu      sync.Mutex
	records []models.RetroRecord
	err     error
}

func (m *memorySink) SaveRecord(_ context.Context, r models.RetroRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, r)
	return nil
}

func (m *memorySink) saved() []models.RetroRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.RetroRecord(nil), m.records...)
}

type stubConverter struct {
	gate chan struct{}
	// timeouts is how many upcoming conversions stall and hit the deadline.
	timeouts atomic.Int32
}

func (c *stubConverter) Ext() string { return ".mp3" }

func (c *stubConverter) Convert(ctx context.Context, _, out string) error {
	if c.timeouts.Add(-1) >= 0 {
		select {
		case <-time.After(20 * time.Millisecond):
			return fmt.Errorf("%w after 20ms", audio.ErrConversionTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return os.WriteFile(out, []byte("mp3"), 0o600)
}

type stubTranscriber struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (s *stubTranscriber) say(text string) {
	s.mu.Lock()
	s.texts = append(s.texts, text)
	s.mu.Unlock()
}

func (s *stubTranscriber) TranscribeFile(context.Context, string) (*stt.Transcript, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if len(s.texts) == 0 {
		return &stt.Transcript{Text: "nothing queued"}, nil
	}
	text := s.texts[0]
	s.texts = s.texts[1:]
	return &stt.Transcript{Text: text}, nil
}

type fixture struct {
	svc    *RetroService
	sender *recordingSender
	sink   *memorySink
	temp   *audio.Manager
	conv   *stubConverter
	stt    *stubTranscriber
}

func newFixture(t *testing.T, opts ...func(*Config)) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	temp, err := audio.NewManager(t.TempDir(), audio.Limits{}, logger)
	require.NoError(t, err)

	f := &fixture{
		sender: &recordingSender{},
		sink:   &memorySink{},
		temp:   temp,
		conv:   &stubConverter{},
		stt:    &stubTranscriber{},
	}
	voice := pipeline.New(temp, f.conv, f.stt, pipeline.Config{Workers: 2, Logger: logger})
	machine := retro.NewMachine(session.NewRegistry(), session.NewMemoryStore(), logger,
		retro.WithJobCanceller(func(token string) { voice.Cancel(token) }),
		retro.WithPersistRetry(retry.Policy{MaxRetries: 1, InitialInterval: time.Millisecond}, time.Second),
	)
	cfg := Config{
		SinkRetry: retry.Policy{MaxRetries: 1, InitialInterval: time.Millisecond},
		Logger:    logger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	f.svc = NewRetroService(machine, voice, temp, f.sender, f.sink, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.svc.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		f.svc.Close()
		voice.Close()
	})
	return f
}

func (f *fixture) say(t *testing.T, userID, line string) {
	t.Helper()
	require.NoError(t, f.svc.Handle(context.Background(), ParseInput(userID, line)))
}

func (f *fixture) voice(t *testing.T, userID string) {
	t.Helper()
	require.NoError(t, f.svc.Handle(context.Background(), Event{
		UserID: userID,
		Kind:   EventVoice,
		Audio:  audio.Bytes("voice.ogg", []byte("OggS")),
	}))
}

func isPrompt(step models.Step) func(Message) bool {
	return func(m Message) bool { return m.Kind == MessagePrompt && m.Prompt != nil && m.Prompt.Step == step }
}

func TestParseInput(t *testing.T) {
	tests := []struct {
		line string
		want Event
	}{
		{line: "  4 ", want: Event{UserID: "u", Kind: EventText, Text: "4"}},
		{line: "/start", want: Event{UserID: "u", Kind: EventCommand, Command: "start", Args: []string{}}},
		{line: "/Edit next actions", want: Event{UserID: "u", Kind: EventCommand, Command: "edit", Args: []string{"next", "actions"}}},
		{line: "/", want: Event{UserID: "u", Kind: EventCommand}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseInput("u", tt.line))
		})
	}
}

func TestTextRetrospective(t *testing.T) {
	f := newFixture(t)

	f.say(t, "u1", "/start")
	first := f.sender.last()
	assert.Equal(t, MessagePrompt, first.Kind)
	assert.Contains(t, first.Text, "Step 1/7")

	for _, line := range []string{"4", "good", "Shipped search", "Small PRs", "Write docs", "Release v2", "/skip"} {
		f.say(t, "u1", line)
	}

	summary := f.sender.last()
	require.Equal(t, MessageSummary, summary.Kind)
	require.NotNil(t, summary.Record)
	assert.Contains(t, summary.Text, "**Energy Level:** 4/5")
	assert.Contains(t, summary.Text, "- Shipped search")
	assert.Equal(t, models.Skipped, summary.Record.Answers[models.StepExperiment])

	saved := f.sink.saved()
	require.Len(t, saved, 1)
	assert.Equal(t, models.TagValue("good"), saved[0].Answers[models.StepMood])

	// Edit re-delivers the record.
	f.say(t, "u1", "/edit 3")
	assert.Equal(t, models.StepWins, f.sender.last().Prompt.Step)
	assert.True(t, f.sender.last().Prompt.Editing)
	f.say(t, "u1", "Shipped search and fixed CI")
	assert.Equal(t, MessageSummary, f.sender.last().Kind)
	require.Len(t, f.sink.saved(), 2)
	assert.Equal(t, "Shipped search and fixed CI", f.sink.saved()[1].Answers[models.StepWins].Text)

	f.say(t, "u1", "/finish")
	assert.Equal(t, "Retrospective saved. See you tomorrow!", f.sender.last().Text)
	f.say(t, "u1", "more text")
	assert.Contains(t, f.sender.last().Text, "/start")
}

func TestUserErrors(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		want  string
	}{
		{name: "no session", lines: []string{"hello"}, want: "There's no retrospective in progress"},
		{name: "validation", lines: []string{"/start", "nine"}, want: "That answer doesn't fit: 9 is outside 1 to 5."},
		{name: "not skippable", lines: []string{"/start", "/skip"}, want: "can't be skipped"},
		{name: "edit before done", lines: []string{"/start", "/edit 2"}, want: "once the retrospective is complete"},
		{name: "edit unknown step", lines: []string{"/start", "/edit 12"}, want: `There is no step "12"`},
		{name: "unknown command", lines: []string{"/dance"}, want: "Unknown command /dance"},
		{name: "finish early", lines: []string{"/start", "/finish"}, want: "once the retrospective is complete"},
		{name: "cancel without job", lines: []string{"/start", "/cancel"}, want: "No voice message is being processed."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			for _, line := range tt.lines {
				f.say(t, "u1", line)
			}
			assert.Contains(t, f.sender.last().Text, tt.want)
		})
	}
}

func TestVoiceAnswer(t *testing.T) {
	f := newFixture(t)
	f.say(t, "u1", "/start")

	f.stt.say("Four.")
	f.voice(t, "u1")
	f.sender.waitFor(t, func(m Message) bool {
		return m.Kind == MessageProgress && strings.Contains(m.Text, "step 1/7")
	})

	f.sender.waitFor(t, isPrompt(models.StepMood))
	var heard bool
	for _, m := range f.sender.messages() {
		if m.Text == `I heard: "Four."` {
			heard = true
		}
	}
	assert.True(t, heard)

	// Mixed input: the next answer is typed.
	f.say(t, "u1", "great")
	assert.Equal(t, models.StepWins, f.sender.last().Prompt.Step)

	namespaces, err := f.temp.Namespaces()
	require.NoError(t, err)
	assert.Empty(t, namespaces)
}

func TestVoiceTranscriptFailsValidation(t *testing.T) {
	f := newFixture(t)
	f.say(t, "u1", "/start")

	f.stt.say("I had a long day")
	f.voice(t, "u1")
	f.sender.waitFor(t, func(m Message) bool {
		return m.Kind == MessageError && strings.Contains(m.Text, "number from 1 to 5")
	})

	// The slot is free again and the step still open.
	f.say(t, "u1", "2")
	assert.Equal(t, models.StepMood, f.sender.last().Prompt.Step)
}

func TestInputRejectedWhileVoiceInFlight(t *testing.T) {
	f := newFixture(t)
	f.conv.gate = make(chan struct{})
	f.say(t, "u1", "/start")

	f.stt.say("3")
	f.voice(t, "u1")

	f.say(t, "u1", "4")
	assert.Contains(t, f.sender.last().Text, "still working on your last voice message")
	f.voice(t, "u1")
	assert.Contains(t, f.sender.last().Text, "still working on your last voice message")

	close(f.conv.gate)
	f.sender.waitFor(t, isPrompt(models.StepMood))
}

func TestVoiceFailureReleasesSlot(t *testing.T) {
	f := newFixture(t)
	f.stt.err = &stt.APIError{Provider: "openai", StatusCode: 401, Message: "invalid api key"}
	f.say(t, "u1", "/start")

	f.voice(t, "u1")
	msg := f.sender.waitFor(t, func(m Message) bool {
		return m.Kind == MessageError && strings.Contains(m.Text, "refused")
	})
	assert.NotContains(t, msg.Text, "invalid api key")

	f.say(t, "u1", "5")
	assert.Equal(t, models.StepMood, f.sender.last().Prompt.Step)
}

func TestConversionTimeoutKeepsStep(t *testing.T) {
	f := newFixture(t)
	f.conv.timeouts.Store(1)
	f.say(t, "u1", "/start")

	f.voice(t, "u1")
	msg := f.sender.waitFor(t, func(m Message) bool { return m.Kind == MessageError })
	assert.Equal(t, "Converting your recording took too long. Please send a shorter voice message.", msg.Text)
	assert.Empty(t, f.sink.saved())

	namespaces, err := f.temp.Namespaces()
	require.NoError(t, err)
	assert.Empty(t, namespaces)

	// The same question is still open, so a resend answers it.
	f.stt.say("Four.")
	f.voice(t, "u1")
	f.sender.waitFor(t, isPrompt(models.StepMood))
	assert.Equal(t, int32(-1), f.conv.timeouts.Load())
}

func TestCancelVoice(t *testing.T) {
	f := newFixture(t)
	f.conv.gate = make(chan struct{})
	f.say(t, "u1", "/start")
	f.voice(t, "u1")

	f.say(t, "u1", "/cancel")
	f.sender.waitFor(t, func(m Message) bool { return m.Text == "Voice message cancelled." })

	f.say(t, "u1", "3")
	assert.Equal(t, models.StepMood, f.sender.last().Prompt.Step)

	namespaces, err := f.temp.Namespaces()
	require.NoError(t, err)
	assert.Empty(t, namespaces)
}

func TestStopDiscardsSessionAndJob(t *testing.T) {
	f := newFixture(t)
	f.conv.gate = make(chan struct{})
	f.say(t, "u1", "/start")
	f.voice(t, "u1")

	f.say(t, "u1", "/stop")
	assert.Contains(t, f.sender.last().Text, "Retrospective discarded")

	// The cancelled job reports nothing to a session that no longer exists.
	require.Eventually(t, func() bool {
		namespaces, err := f.temp.Namespaces()
		return err == nil && len(namespaces) == 0
	}, 5*time.Second, 5*time.Millisecond)
	for _, m := range f.sender.messages() {
		assert.NotEqual(t, "Voice message cancelled.", m.Text)
	}
}

func TestSinkFailureIsReported(t *testing.T) {
	f := newFixture(t)
	f.sink.err = errors.New("disk on fire")

	f.say(t, "u1", "/start")
	for _, line := range []string{"3", "okay", "a", "b", "c", "d", "/skip"} {
		f.say(t, "u1", line)
	}
	assert.Contains(t, f.sender.last().Text, "Saving failed")

	f.say(t, "u1", "/finish")
	assert.Contains(t, f.sender.last().Text, "couldn't save your retrospective")

	f.sink.mu.Lock()
	f.sink.err = nil
	f.sink.mu.Unlock()
	f.say(t, "u1", "/finish")
	assert.Equal(t, "Retrospective saved. See you tomorrow!", f.sender.last().Text)
	assert.Len(t, f.sink.saved(), 1)
}

func TestVoiceDisabled(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sender := &recordingSender{}
	machine := retro.NewMachine(session.NewRegistry(), session.NewMemoryStore(), logger)
	svc := NewRetroService(machine, nil, nil, sender, nil, Config{Logger: logger})
	defer svc.Close()

	require.NoError(t, svc.Handle(context.Background(), Event{UserID: "u1", Kind: EventVoice}))
	assert.Contains(t, sender.last().Text, "Voice messages are turned off")
}

func TestSweepAbandonsIdleSessions(t *testing.T) {
	f := newFixture(t)
	f.say(t, "u1", "/start")

	f.svc.Sweep(context.Background(), time.Now().Add(retro.DefaultIdleTimeout+time.Minute))
	f.say(t, "u1", "4")
	assert.Contains(t, f.sender.last().Text, "There's no retrospective in progress")
}
