package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/raphaelgruber/retrobot/internal/llm"
	"github.com/raphaelgruber/retrobot/internal/models"
	"github.com/raphaelgruber/retrobot/internal/render"
)

// Planner turns a finished retrospective into tomorrow's todo list.
type Planner interface {
	Plan(ctx context.Context, rec models.RetroRecord) (*models.TodoList, error)
}

// todoBook keeps each user's latest plan and the last day they were
// reminded of it. It lives in memory only.
type todoBook struct {
	mu       sync.Mutex
	lists    map[string]*models.TodoList
	reminded map[string]string
}

func newTodoBook() *todoBook {
	return &todoBook{lists: map[string]*models.TodoList{}, reminded: map[string]string{}}
}

func (b *todoBook) put(list *models.TodoList) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lists[list.UserID] = list
}

func (b *todoBook) latest(userID string) *models.TodoList {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lists[userID]
}

// due returns the lists for day whose owners have not been reminded yet and
// marks them reminded.
func (b *todoBook) due(day string) []*models.TodoList {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*models.TodoList
	for userID, list := range b.lists {
		if list.Day != day || b.reminded[userID] == day {
			continue
		}
		b.reminded[userID] = day
		out = append(out, list)
	}
	return out
}

// planTodos builds and sends the plan for the day after rec. Planning
// problems are logged and never shown to the user.
func (s *RetroService) planTodos(ctx context.Context, rec models.RetroRecord) error {
	if s.cfg.Planner == nil {
		return nil
	}
	planCtx, cancel := context.WithTimeout(ctx, s.cfg.PlanTimeout)
	defer cancel()

	list, err := s.cfg.Planner.Plan(planCtx, rec)
	switch {
	case errors.Is(err, llm.ErrNothingPlanned):
		s.logger.Debug("nothing to plan", "user_id", rec.UserID)
		return nil
	case err != nil:
		s.logger.Warn("todo planning failed", "user_id", rec.UserID, "error", err)
		return nil
	case list.Empty():
		return nil
	}
	s.todos.put(list)
	s.logger.Info("todos planned", "user_id", rec.UserID, "day", list.Day, "next_actions", len(list.NextActions), "mits", len(list.MITs))
	return s.send(ctx, rec.UserID, Message{Kind: MessageTodos, Text: render.Todos(list), Todos: list})
}

func (s *RetroService) showTodos(ctx context.Context, userID string) error {
	list := s.todos.latest(userID)
	if list == nil {
		return s.send(ctx, userID, Message{Kind: MessageInfo, Text: "No plan yet. Finish a retrospective with next actions or MITs to get one."})
	}
	return s.send(ctx, userID, Message{Kind: MessageTodos, Text: render.Todos(list), Todos: list})
}

// Remind sends each user the plan made for today, once per day, after the
// configured time of day has passed.
func (s *RetroService) Remind(ctx context.Context, now time.Time) int {
	if !s.cfg.Reminders {
		return 0
	}
	y, m, d := now.Date()
	if now.Before(time.Date(y, m, d, 0, 0, 0, 0, now.Location()).Add(s.cfg.ReminderAt)) {
		return 0
	}
	sent := 0
	for _, list := range s.todos.due(now.Format(time.DateOnly)) {
		err := s.send(ctx, list.UserID, Message{Kind: MessageTodos, Text: "Good morning!\n\n" + render.Todos(list), Todos: list})
		if err != nil {
			s.logger.Error("todo reminder failed", "user_id", list.UserID, "error", err)
			continue
		}
		sent++
	}
	if sent > 0 {
		s.logger.Info("todo reminders sent", "count", sent)
	}
	return sent
}
