// Package models defines the data structures shared by the retrospective
// state machine, the voice pipeline and the session stores.
package models

import (
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"
)

// Step is a position in the retrospective question sequence.
type Step string

// Question steps in order, followed by the two terminal states.
const (
	StepEnergy      Step = "energy"
	StepMood        Step = "mood"
	StepWins        Step = "wins"
	StepLearnings   Step = "learnings"
	StepNextActions Step = "next_actions"
	StepMITs        Step = "mits"
	StepExperiment  Step = "experiment"
	StepDone        Step = "done"
	StepAbandoned   Step = "abandoned"
)

// Sequence is the fixed order in which questions are asked.
var Sequence = []Step{
	StepEnergy,
	StepMood,
	StepWins,
	StepLearnings,
	StepNextActions,
	StepMITs,
	StepExperiment,
}

// Index returns the zero-based position of s in Sequence, or -1 for the
// terminal states.
func (s Step) Index() int {
	for i, step := range Sequence {
		if step == s {
			return i
		}
	}
	return -1
}

// IsQuestion reports whether s expects an answer.
func (s Step) IsQuestion() bool { return s.Index() >= 0 }

// Next returns the step after s. The last question is followed by StepDone.
func (s Step) Next() Step {
	i := s.Index()
	if i < 0 {
		return s
	}
	if i == len(Sequence)-1 {
		return StepDone
	}
	return Sequence[i+1]
}

// ParseStep resolves a step name, accepting the 1-based question number too.
func ParseStep(s string) (Step, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		if n >= 1 && n <= len(Sequence) {
			return Sequence[n-1], nil
		}
		return "", fmt.Errorf("step number %d out of range 1-%d", n, len(Sequence))
	}
	step := Step(strings.ReplaceAll(s, " ", "_"))
	if step.IsQuestion() {
		return step, nil
	}
	return "", fmt.Errorf("unknown step %q", s)
}

// ValueKind tags the shape of a stored answer.
type ValueKind string

const (
	KindNumber  ValueKind = "number"
	KindTag     ValueKind = "tag"
	KindText    ValueKind = "text"
	KindSkipped ValueKind = "skipped"
)

// Value is one validated answer.
type Value struct {
	Kind   ValueKind `json:"kind" toml:"kind"`
	Number int       `json:"number,omitempty" toml:"number,omitempty"`
	Tag    string    `json:"tag,omitempty" toml:"tag,omitempty"`
	Text   string    `json:"text,omitempty" toml:"text,omitempty"`
}

// NumberValue, TagValue and TextValue build answers of each kind.
func NumberValue(n int) Value   { return Value{Kind: KindNumber, Number: n} }
func TagValue(tag string) Value { return Value{Kind: KindTag, Tag: tag} }
func TextValue(t string) Value  { return Value{Kind: KindText, Text: t} }

// Skipped is stored for steps the user chose not to answer.
var Skipped = Value{Kind: KindSkipped}

// String renders the answer for display; skipped answers are empty.
func (v Value) String() string {
	switch v.Kind {
	case KindNumber:
		return strconv.Itoa(v.Number)
	case KindTag:
		return v.Tag
	case KindText:
		return v.Text
	default:
		return ""
	}
}

// Session is one user's retrospective in progress.
type Session struct {
	UserID string `json:"user_id" toml:"user_id"`
	Step   Step   `json:"step" toml:"step"`
	// Editing is set while a completed session re-enters Step for a single
	// correction. It is only ever true for a question step.
	Editing       bool           `json:"editing" toml:"editing"`
	Answers       map[Step]Value `json:"answers" toml:"answers"`
	CreatedAt     time.Time      `json:"created_at" toml:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at" toml:"updated_at"`
	PipelineToken string         `json:"pipeline_token,omitempty" toml:"pipeline_token,omitempty"`
}

// NewSession returns a session positioned at the first question.
func NewSession(userID string, now time.Time) *Session {
	return &Session{
		UserID:    userID,
		Step:      Sequence[0],
		Answers:   make(map[Step]Value),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy safe to mutate independently.
func (s *Session) Clone() *Session {
	c := *s
	c.Answers = maps.Clone(s.Answers)
	if c.Answers == nil {
		c.Answers = make(map[Step]Value)
	}
	return &c
}

// Pristine reports whether the session sits at the first question with no
// answers and no pipeline job.
func (s *Session) Pristine() bool {
	return s.Step == Sequence[0] && !s.Editing && len(s.Answers) == 0 && s.PipelineToken == ""
}

// Completed reports whether every question has been answered or skipped.
func (s *Session) Completed() bool {
	return s.Step == StepDone
}

// Active reports whether the session still accepts input.
func (s *Session) Active() bool {
	return s.Step != StepAbandoned
}

// IsIdle reports whether the session has been idle strictly longer than
// threshold.
func (s *Session) IsIdle(now time.Time, threshold time.Duration) bool {
	return now.Sub(s.UpdatedAt) > threshold
}
