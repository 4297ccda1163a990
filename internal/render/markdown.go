// Package render formats completed retrospectives for people.
package render

import (
	"fmt"
	"strings"

	"github.com/raphaelgruber/retrobot/internal/models"
	"github.com/raphaelgruber/retrobot/internal/retro"
)

type section struct {
	step  models.Step
	title string
}

var sections = []section{
	{models.StepWins, "🏆 Wins"},
	{models.StepLearnings, "📚 Learnings"},
	{models.StepNextActions, "🎯 Next Actions"},
	{models.StepMITs, "⭐ Tomorrow's MITs"},
}

// Markdown renders rec as a daily retro document. Skipped steps are left
// out. cat supplies mood emoji and the energy scale; nil uses the default
// questions.
func Markdown(rec models.RetroRecord, cat *retro.Catalogue) string {
	if cat == nil {
		cat = retro.DefaultCatalogue()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# Daily Retro - %s\n\n", rec.Date())

	if v, ok := answered(rec, models.StepEnergy); ok {
		scale := 5
		if def, ok := cat.Def(models.StepEnergy); ok && def.Max > 0 {
			scale = def.Max
		}
		fmt.Fprintf(&b, "**Energy Level:** %d/%d\n", v.Number, scale)
	}
	if v, ok := answered(rec, models.StepMood); ok {
		fmt.Fprintf(&b, "**Mood:** %s\n", moodLabel(cat, v.Tag))
	}
	b.WriteString("\n")

	for _, s := range sections {
		v, ok := answered(rec, s.step)
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "## %s\n", s.title)
		for _, item := range Items(v.Text) {
			fmt.Fprintf(&b, "- %s\n", item)
		}
		b.WriteString("\n")
	}

	if v, ok := answered(rec, models.StepExperiment); ok {
		fmt.Fprintf(&b, "## 🧪 Experiment\n%s\n\n", strings.TrimSpace(v.Text))
	}

	fmt.Fprintf(&b, "*Completed at %s*\n", rec.CompletedAt.Format("2006-01-02 15:04"))
	return b.String()
}

func answered(rec models.RetroRecord, step models.Step) (models.Value, bool) {
	v, ok := rec.Answers[step]
	if !ok || v.Kind == models.KindSkipped {
		return models.Value{}, false
	}
	return v, true
}

func moodLabel(cat *retro.Catalogue, name string) string {
	def, ok := cat.Def(models.StepMood)
	if !ok {
		return name
	}
	for _, tag := range def.Tags {
		if tag.Name == name && tag.Emoji != "" {
			return tag.Emoji + " " + name
		}
	}
	return name
}

// Items splits a free-text answer into list items: one per line, with any
// bullet or numbering the user typed removed. A single-line answer with
// semicolons is split on them.
func Items(text string) []string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) == 1 && strings.Contains(lines[0], ";") {
		lines = strings.Split(lines[0], ";")
	}
	var out []string
	for _, line := range lines {
		if item := stripMarker(strings.TrimSpace(line)); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func stripMarker(line string) string {
	for _, prefix := range []string{"- ", "* ", "• "} {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(line[len(prefix):])
		}
	}
	// "1." or "2)" numbering
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i > 0 && i < len(line) && (line[i] == '.' || line[i] == ')') {
		return strings.TrimSpace(line[i+1:])
	}
	return line
}

// Todos renders a day's plan as a numbered list per section.
func Todos(list *models.TodoList) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📝 **Plan for %s**\n", list.Day)
	for _, part := range []struct {
		title string
		items []string
	}{
		{"🎯 **Next Actions:**", list.NextActions},
		{"⭐ **Most important:**", list.MITs},
	} {
		if len(part.items) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n%s\n", part.title)
		for i, item := range part.items {
			fmt.Fprintf(&b, "%d. %s\n", i+1, item)
		}
	}
	if list.Empty() {
		b.WriteString("\nNothing planned.\n")
	}
	return b.String()
}
