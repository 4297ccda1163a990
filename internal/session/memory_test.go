package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/retrobot/internal/models"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Load(ctx, "u1")
	require.ErrorIs(t, err, ErrNotFound)

	s := models.NewSession("u1", time.Now())
	s.Answers[models.StepEnergy] = models.NumberValue(3)
	require.NoError(t, store.Save(ctx, s))

	s.Answers[models.StepMood] = models.TagValue("bad")

	got, err := store.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, got.Answers, 1, "store keeps its own copy")

	require.NoError(t, store.Delete(ctx, "u1"))
	_, err = store.Load(ctx, "u1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreListSessions(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	var _ Lister = store

	base := time.Date(2024, 5, 1, 21, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(ctx, models.NewSession("old", base)))
	require.NoError(t, store.Save(ctx, models.NewSession("new", base.Add(time.Hour))))

	sessions, err := store.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "new", sessions[0].UserID)
	assert.Equal(t, "old", sessions[1].UserID)
}
