package retro

import (
	"fmt"
	"strings"

	"github.com/raphaelgruber/retrobot/internal/models"
)

// Prompt is the next question to put to the user.
type Prompt struct {
	Step      models.Step
	Number    int
	Total     int
	Question  string
	Hint      string
	Skippable bool
	// Editing marks a re-entered step; Current holds the answer being replaced.
	Editing bool
	Current string
}

// Prompt builds the prompt for a question step.
func (c *Catalogue) Prompt(step models.Step) Prompt {
	def := c.defs[step]
	return Prompt{
		Step:      step,
		Number:    step.Index() + 1,
		Total:     len(models.Sequence),
		Question:  def.Question,
		Hint:      def.Hint,
		Skippable: def.Skippable,
	}
}

// Text renders the prompt as a chat message.
func (p Prompt) Text() string {
	var b strings.Builder
	if p.Editing {
		fmt.Fprintf(&b, "Editing step %d/%d: %s", p.Number, p.Total, p.Question)
		if p.Current != "" {
			fmt.Fprintf(&b, "\nCurrent answer: %s", p.Current)
		}
	} else {
		fmt.Fprintf(&b, "Step %d/%d: %s", p.Number, p.Total, p.Question)
	}
	if p.Hint != "" {
		fmt.Fprintf(&b, "\n%s", p.Hint)
	}
	return b.String()
}

// Outcome is the result of an accepted answer or skip.
type Outcome struct {
	Answered models.Step
	Value    models.Value
	// Next is set while questions remain.
	Next *Prompt
	// Record is set when the answer completed the retrospective, including
	// after an edit.
	Record *models.RetroRecord
}

// Completed reports whether the retrospective is done.
func (o Outcome) Completed() bool { return o.Record != nil }
