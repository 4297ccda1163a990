package models

import (
	"strings"
	"time"
)

// MaxMITs caps the most important tasks kept for a day.
const MaxMITs = 3

// TodoList is the plan for the day after a retrospective, drawn from its
// next actions and most important tasks.
type TodoList struct {
	UserID string `json:"user_id"`
	// Day is the calendar day the list is for, as YYYY-MM-DD.
	Day         string    `json:"day"`
	NextActions []string  `json:"next_actions"`
	MITs        []string  `json:"mits"`
	FromRecord  time.Time `json:"from_record"`
}

// NewTodoList builds the list for the day after rec was completed. Empty
// items are dropped and MITs are capped at MaxMITs.
func NewTodoList(rec RetroRecord, nextActions, mits []string) *TodoList {
	nextActions = compact(nextActions)
	mits = compact(mits)
	if len(mits) > MaxMITs {
		mits = mits[:MaxMITs]
	}
	return &TodoList{
		UserID:      rec.UserID,
		Day:         rec.CompletedAt.AddDate(0, 0, 1).Format(time.DateOnly),
		NextActions: nextActions,
		MITs:        mits,
		FromRecord:  rec.CompletedAt,
	}
}

// Empty reports whether there is nothing to do.
func (t *TodoList) Empty() bool {
	return t == nil || len(t.NextActions)+len(t.MITs) == 0
}

func compact(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
