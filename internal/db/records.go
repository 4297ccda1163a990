package db

import (
	"context"
	"fmt"
	"time"

	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/raphaelgruber/retrobot/internal/models"
)

type recordDoc struct {
	ID          *surrealmodels.RecordID `json:"id,omitempty"`
	UserID      string                  `json:"user_id"`
	Date        string                  `json:"date"`
	Answers     map[string]models.Value `json:"answers"`
	StartedAt   time.Time               `json:"started_at"`
	CompletedAt time.Time               `json:"completed_at"`
}

// recordKey identifies a user's record for one day. Re-saving after an edit
// overwrites it.
func recordKey(r models.RetroRecord) string {
	return r.UserID + "/" + r.Date()
}

// SaveRecord stores a completed retrospective.
func (c *Client) SaveRecord(ctx context.Context, r models.RetroRecord) error {
	doc := recordDoc{
		UserID:      r.UserID,
		Date:        r.Date(),
		Answers:     encodeAnswers(r.Answers),
		StartedAt:   r.StartedAt.UTC(),
		CompletedAt: r.CompletedAt.UTC(),
	}
	_, err := surrealdb.Query[any](ctx, c.db, `
		UPSERT type::record("retro_record", $id) CONTENT $doc
	`, map[string]any{"id": recordKey(r), "doc": doc})
	if err != nil {
		return fmt.Errorf("save record: %w", wrapQueryError(err))
	}
	return nil
}

// Records returns a user's completed retrospectives, newest first.
func (c *Client) Records(ctx context.Context, userID string, limit int) ([]models.RetroRecord, error) {
	if limit <= 0 {
		limit = 30
	}
	results, err := surrealdb.Query[[]recordDoc](ctx, c.db, `
		SELECT * FROM retro_record WHERE user_id = $user
		ORDER BY completed_at DESC LIMIT $limit
	`, map[string]any{"user": userID, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("list records: %w", wrapQueryError(err))
	}
	var out []models.RetroRecord
	if results != nil && len(*results) > 0 {
		for _, doc := range (*results)[0].Result {
			out = append(out, models.RetroRecord{
				UserID:      doc.UserID,
				Answers:     decodeAnswers(doc.Answers),
				StartedAt:   doc.StartedAt,
				CompletedAt: doc.CompletedAt,
			})
		}
	}
	return out, nil
}
