package cli

import (
	"fmt"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/raphaelgruber/retrobot/internal/pipeline"
)

// eventsClosedMsg reports that the pipeline ended all subscriptions.
type eventsClosedMsg struct{}

// stagePercent maps pipeline stages onto the progress bar.
var stagePercent = map[pipeline.Stage]float64{
	pipeline.StageQueued:       0.05,
	pipeline.StageConverting:   0.25,
	pipeline.StageTranscribing: 0.55,
	pipeline.StageCleaning:     0.85,
	pipeline.StageDone:         1,
}

// progressModel is the bubbletea model for a transcription job.
type progressModel struct {
	pipeline   *pipeline.Orchestrator
	events     <-chan pipeline.Event
	jobID      string
	stage      pipeline.Stage
	final      *pipeline.Event
	progress   progress.Model
	theme      Theme
	cancelling bool
	err        error
}

func newProgressModel(p *pipeline.Orchestrator, events <-chan pipeline.Event, job *pipeline.Job) progressModel {
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)

	return progressModel{
		pipeline: p,
		events:   events,
		jobID:    job.ID,
		stage:    pipeline.StageQueued,
		progress: prog,
		theme:    defaultTheme,
	}
}

func (m progressModel) Init() tea.Cmd {
	return tea.Batch(
		waitForEvent(m.events),
		m.progress.Init(),
	)
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			// The terminal cancelled event ends the program.
			if !m.cancelling {
				m.cancelling = true
				m.pipeline.Cancel(m.jobID)
			}
			return m, nil
		}

	case pipeline.Event:
		if msg.JobID != m.jobID {
			return m, waitForEvent(m.events)
		}
		m.stage = msg.Stage
		if msg.Stage.Terminal() {
			m.final = &msg
			return m, tea.Quit
		}
		return m, waitForEvent(m.events)

	case eventsClosedMsg:
		m.err = pipeline.ErrClosed
		return m, tea.Quit

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m progressModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m progressModel) renderContent() string {
	if m.final != nil || m.err != nil {
		return m.finalView()
	}

	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", m.stage))
	bar := m.progress.ViewAs(stagePercent[m.stage])

	hint := "Press Ctrl+C to cancel"
	if m.cancelling {
		hint = "Cancelling..."
	}
	return fmt.Sprintf("%s %s\n%s\n", status, bar, m.theme.hintStyle().Render(hint))
}

func (m progressModel) finalView() string {
	if m.err != nil {
		return m.theme.errorStyle().Render(fmt.Sprintf("✗ %s\n", m.err))
	}
	switch m.final.Stage {
	case pipeline.StageDone:
		return m.theme.completedStyle().Render("✓ Transcribed") + "\n"
	case pipeline.StageCancelled:
		return m.theme.hintStyle().Render("Cancelled") + "\n"
	default:
		return m.theme.errorStyle().Render(fmt.Sprintf("✗ %s\n", m.final.Failure))
	}
}

// waitForEvent delivers the next pipeline event as a message.
func waitForEvent(events <-chan pipeline.Event) tea.Cmd {
	return func() tea.Msg {
		e, ok := <-events
		if !ok {
			return eventsClosedMsg{}
		}
		return e
	}
}

// runJobProgress shows the stages of job until it ends and returns its
// terminal event.
func runJobProgress(p *pipeline.Orchestrator, events <-chan pipeline.Event, job *pipeline.Job) (pipeline.Event, error) {
	model := newProgressModel(p, events, job)

	finalModel, err := tea.NewProgram(model).Run()
	if err != nil {
		return pipeline.Event{}, fmt.Errorf("progress UI error: %w", err)
	}

	m, ok := finalModel.(progressModel)
	if !ok {
		return pipeline.Event{}, fmt.Errorf("progress UI returned %T", finalModel)
	}
	if m.err != nil {
		return pipeline.Event{}, m.err
	}
	return *m.final, nil
}
