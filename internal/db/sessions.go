package db

import (
	"context"
	"fmt"
	"time"

	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/raphaelgruber/retrobot/internal/models"
	"github.com/raphaelgruber/retrobot/internal/session"
)

// sessionDoc is the stored shape of a session. Answers are keyed by the
// plain step name.
type sessionDoc struct {
	ID            *surrealmodels.RecordID `json:"id,omitempty"`
	UserID        string                  `json:"user_id"`
	Step          string                  `json:"step"`
	Editing       bool                    `json:"editing"`
	Answers       map[string]models.Value `json:"answers"`
	PipelineToken *string                 `json:"pipeline_token,omitempty"`
	CreatedAt     time.Time               `json:"created_at"`
	UpdatedAt     time.Time               `json:"updated_at"`
}

func toSessionDoc(s *models.Session) sessionDoc {
	doc := sessionDoc{
		UserID:    s.UserID,
		Step:      string(s.Step),
		Editing:   s.Editing,
		Answers:   encodeAnswers(s.Answers),
		CreatedAt: s.CreatedAt.UTC(),
		UpdatedAt: s.UpdatedAt.UTC(),
	}
	if s.PipelineToken != "" {
		token := s.PipelineToken
		doc.PipelineToken = &token
	}
	return doc
}

func (d sessionDoc) session() *models.Session {
	s := &models.Session{
		UserID:    d.UserID,
		Step:      models.Step(d.Step),
		Editing:   d.Editing,
		Answers:   decodeAnswers(d.Answers),
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
	if d.PipelineToken != nil {
		s.PipelineToken = *d.PipelineToken
	}
	return s
}

func encodeAnswers(in map[models.Step]models.Value) map[string]models.Value {
	out := make(map[string]models.Value, len(in))
	for step, v := range in {
		out[string(step)] = v
	}
	return out
}

func decodeAnswers(in map[string]models.Value) map[models.Step]models.Value {
	out := make(map[models.Step]models.Value, len(in))
	for step, v := range in {
		out[models.Step(step)] = v
	}
	return out
}

// Save replaces the user's stored session.
func (c *Client) Save(ctx context.Context, s *models.Session) error {
	_, err := surrealdb.Query[any](ctx, c.db, `
		UPSERT type::record("retro_session", $id) CONTENT $doc
	`, map[string]any{"id": s.UserID, "doc": toSessionDoc(s)})
	if err != nil {
		return fmt.Errorf("save session: %w", wrapQueryError(err))
	}
	return nil
}

// Load returns the user's stored session or session.ErrNotFound.
func (c *Client) Load(ctx context.Context, userID string) (*models.Session, error) {
	results, err := surrealdb.Query[[]sessionDoc](ctx, c.db, `
		SELECT * FROM type::record("retro_session", $id)
	`, map[string]any{"id": userID})
	if err != nil {
		return nil, fmt.Errorf("load session: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, session.ErrNotFound
	}
	return (*results)[0].Result[0].session(), nil
}

// Delete removes the user's stored session. Deleting a missing session is
// not an error.
func (c *Client) Delete(ctx context.Context, userID string) error {
	_, err := surrealdb.Query[any](ctx, c.db, `
		DELETE type::record("retro_session", $id)
	`, map[string]any{"id": userID})
	if err != nil {
		return fmt.Errorf("delete session: %w", wrapQueryError(err))
	}
	return nil
}

// ListSessions returns every stored session, most recently updated first.
func (c *Client) ListSessions(ctx context.Context) ([]*models.Session, error) {
	results, err := surrealdb.Query[[]sessionDoc](ctx, c.db, `
		SELECT * FROM retro_session ORDER BY updated_at DESC
	`, nil)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", wrapQueryError(err))
	}
	var out []*models.Session
	if results != nil && len(*results) > 0 {
		for _, doc := range (*results)[0].Result {
			out = append(out, doc.session())
		}
	}
	return out, nil
}
