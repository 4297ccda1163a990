package render

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/raphaelgruber/retrobot/internal/models"
)

func TestItems(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{name: "single line", text: "Fixed the build", want: []string{"Fixed the build"}},
		{name: "bullets", text: "- one\n* two\n• three", want: []string{"one", "two", "three"}},
		{name: "numbered", text: "1. first\n2) second\n", want: []string{"first", "second"}},
		{name: "semicolons", text: "review PR; call Anna ;  ", want: []string{"review PR", "call Anna"}},
		{name: "blank lines dropped", text: "a\n\n  \nb", want: []string{"a", "b"}},
		{name: "year is not numbering", text: "2026 planning", want: []string{"2026 planning"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Items(tt.text))
		})
	}
}

func TestMarkdown(t *testing.T) {
	rec := models.RetroRecord{
		UserID: "u1",
		Answers: map[models.Step]models.Value{
			models.StepEnergy:      models.NumberValue(4),
			models.StepMood:        models.TagValue("good"),
			models.StepWins:        models.TextValue("Shipped search\nPaired with Sam"),
			models.StepLearnings:   models.TextValue("goose migrations are easy"),
			models.StepNextActions: models.Skipped,
			models.StepMITs:        models.TextValue("1. write docs\n2. cut release"),
			models.StepExperiment:  models.Skipped,
		},
		CompletedAt: time.Date(2026, 3, 2, 18, 45, 0, 0, time.UTC),
	}

	want := "# Daily Retro - 2026-03-02\n\n" +
		"**Energy Level:** 4/5\n" +
		"**Mood:** 🙂 good\n\n" +
		"## 🏆 Wins\n- Shipped search\n- Paired with Sam\n\n" +
		"## 📚 Learnings\n- goose migrations are easy\n\n" +
		"## ⭐ Tomorrow's MITs\n- write docs\n- cut release\n\n" +
		"*Completed at 2026-03-02 18:45*\n"
	assert.Equal(t, want, Markdown(rec, nil))
}

func TestMarkdownExperiment(t *testing.T) {
	rec := models.RetroRecord{
		Answers: map[models.Step]models.Value{
			models.StepExperiment: models.TextValue("  No meetings before noon "),
		},
		CompletedAt: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	out := Markdown(rec, nil)
	assert.Contains(t, out, "## 🧪 Experiment\nNo meetings before noon\n\n")
	assert.NotContains(t, out, "Energy Level")
}

func TestTodos(t *testing.T) {
	tests := []struct {
		name string
		list *models.TodoList
		want string
	}{
		{
			name: "both sections",
			list: &models.TodoList{Day: "2026-03-02", NextActions: []string{"Review PR", "Call Anna"}, MITs: []string{"Ship v2"}},
			want: "📝 **Plan for 2026-03-02**\n\n🎯 **Next Actions:**\n1. Review PR\n2. Call Anna\n\n⭐ **Most important:**\n1. Ship v2\n",
		},
		{
			name: "empty section left out",
			list: &models.TodoList{Day: "2026-03-02", MITs: []string{"Ship v2"}},
			want: "📝 **Plan for 2026-03-02**\n\n⭐ **Most important:**\n1. Ship v2\n",
		},
		{
			name: "nothing planned",
			list: &models.TodoList{Day: "2026-03-02"},
			want: "📝 **Plan for 2026-03-02**\n\nNothing planned.\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Todos(tt.list))
		})
	}
}
