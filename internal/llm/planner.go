package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/raphaelgruber/retrobot/internal/metrics"
	"github.com/raphaelgruber/retrobot/internal/models"
	"github.com/raphaelgruber/retrobot/internal/render"
	"github.com/raphaelgruber/retrobot/internal/retry"
)

// ErrNothingPlanned means the retrospective has no next actions or MITs.
var ErrNothingPlanned = errors.New("no next actions or MITs to plan from")

const planSystemPrompt = `You turn the planning answers of a daily retrospective into a todo list for tomorrow.
The answers are informal speech. Rewrite vague phrases as concrete tasks ("work" becomes "Do focused work on current tasks").
Keep the speaker's language. Do not invent tasks.
Reply with JSON only, in this shape:
{"next_actions_todos": ["..."], "mits_todos": ["..."]}
next_actions_todos comes from the Next Actions answer. mits_todos comes from the MITs answer and has at most 3 items.
Use [] for a section with no tasks.`

// planReply is the JSON shape the model is asked for.
type planReply struct {
	NextActions []string `json:"next_actions_todos"`
	MITs        []string `json:"mits_todos"`
}

// Planner turns a finished retrospective into tomorrow's todo list.
type Planner struct {
	model   *Model
	policy  retry.Policy
	timeout time.Duration
	metrics *metrics.Collector
	logger  *slog.Logger
}

// PlannerConfig configures a Planner.
type PlannerConfig struct {
	Timeout time.Duration
	Retry   retry.Policy
	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// NewPlanner wraps model. A nil model plans by splitting the answers into
// items without rewording them.
func NewPlanner(model *Model, cfg PlannerConfig) *Planner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Planner{model: model, policy: cfg.Retry, timeout: cfg.Timeout, metrics: cfg.Metrics, logger: cfg.Logger}
}

// Plan builds the todo list for the day after rec. When the model fails or
// replies with something other than the expected JSON, the answers are split
// into items as typed.
func (p *Planner) Plan(ctx context.Context, rec models.RetroRecord) (*models.TodoList, error) {
	next := rec.Answers[models.StepNextActions].Text
	mits := rec.Answers[models.StepMITs].Text
	if strings.TrimSpace(next) == "" && strings.TrimSpace(mits) == "" {
		return nil, ErrNothingPlanned
	}

	if p.model != nil {
		reply, err := p.generate(ctx, next, mits)
		if err == nil {
			return models.NewTodoList(rec, reply.NextActions, reply.MITs), nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("plan todos: %w", ctx.Err())
		}
		p.logger.Warn("todo planning failed, splitting answers instead", "user_id", rec.UserID, "error", err)
	}
	return models.NewTodoList(rec, render.Items(next), render.Items(mits)), nil
}

func (p *Planner) generate(ctx context.Context, next, mits string) (*planReply, error) {
	prompt := fmt.Sprintf("Next Actions:\n%s\n\nTomorrow's MITs:\n%s", orNone(next), orNone(mits))

	var reply *planReply
	var gen *Generation
	start := time.Now()
	_, err := retry.Do(ctx, p.policy, func(err error) bool {
		return !errors.Is(err, ErrFatalAPI) && !errors.Is(err, ErrEmptyOutput)
	}, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()

		g, err := p.model.GenerateWithSystem(attemptCtx, planSystemPrompt, prompt)
		if err != nil {
			return err
		}
		r, err := parsePlan(g.Text)
		if err != nil {
			return err
		}
		reply, gen = r, g
		return nil
	}, func(err error, attempt int, wait time.Duration) {
		p.logger.Warn("planning attempt failed, retrying", "model", p.model.Model(), "attempt", attempt, "wait", wait, "error", err)
	})
	elapsed := time.Since(start)
	if err != nil {
		p.metrics.RecordTiming(metrics.OpPlanning, elapsed, err)
		return nil, err
	}
	p.metrics.RecordUsage(metrics.OpPlanning, elapsed, usage(p.model.Model(), gen))
	return reply, nil
}

// parsePlan reads the JSON object out of a reply, ignoring code fences or
// text around it.
func parsePlan(text string) (*planReply, error) {
	start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
	if start < 0 || end < start {
		if strings.TrimSpace(text) == "" {
			return nil, ErrEmptyOutput
		}
		return nil, fmt.Errorf("no JSON object in reply %q", text)
	}
	var r planReply
	if err := json.Unmarshal([]byte(text[start:end+1]), &r); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return &r, nil
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}
