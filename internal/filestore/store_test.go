package filestore

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/retrobot/internal/models"
	"github.com/raphaelgruber/retrobot/internal/session"
)

func sampleSession(userID string) *models.Session {
	now := time.Date(2026, 3, 2, 18, 30, 0, 0, time.UTC)
	s := models.NewSession(userID, now)
	s.Step = models.StepLearnings
	s.Answers[models.StepEnergy] = models.NumberValue(4)
	s.Answers[models.StepMood] = models.TagValue("great")
	s.Answers[models.StepWins] = models.TextValue("Demo went well\nand the client signed")
	s.UpdatedAt = now.Add(5 * time.Minute)
	return s
}

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	want := sampleSession("tg:42")
	want.PipelineToken = "1a2b3c4d"
	require.NoError(t, s.Save(ctx, want))

	got, err := s.Load(ctx, "tg:42")
	require.NoError(t, err)
	assert.Equal(t, want.UserID, got.UserID)
	assert.Equal(t, want.Step, got.Step)
	assert.Equal(t, want.Answers, got.Answers)
	assert.Equal(t, want.PipelineToken, got.PipelineToken)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
	assert.True(t, want.UpdatedAt.Equal(got.UpdatedAt))

	info, err := os.Stat(s.sessionPath("tg:42"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(fileMode), info.Mode().Perm())
}

func TestLoadMissing(t *testing.T) {
	_, err := newStore(t).Load(context.Background(), "nobody")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Save(ctx, sampleSession("u1")))
	require.NoError(t, s.Delete(ctx, "u1"))
	require.NoError(t, s.Delete(ctx, "u1"))

	_, err := s.Load(ctx, "u1")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestFileNameStaysInsideRoot(t *testing.T) {
	tests := []struct {
		userID string
		want   string
	}{
		{userID: "alice", want: "alice"},
		{userID: "../etc/passwd", want: "%2E.%2Fetc%2Fpasswd"},
		{userID: "..", want: "%2E."},
		{userID: "a b", want: "a%20b"},
	}
	for _, tt := range tests {
		t.Run(tt.userID, func(t *testing.T) {
			got := fileName(tt.userID)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, filepath.Base(got))
		})
	}
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess := sampleSession("u1")
			sess.Answers[models.StepLearnings] = models.TextValue(string(rune('a' + i)))
			assert.NoError(t, s.Save(ctx, sess))
		}()
	}
	wg.Wait()

	entries, err := os.ReadDir(filepath.Join(s.Root(), sessionsDir))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "u1.toml", entries[0].Name())

	got, err := s.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, got.Answers, 4)
}

func TestListSessions(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	older := sampleSession("older")
	newer := sampleSession("newer")
	newer.UpdatedAt = older.UpdatedAt.Add(time.Hour)
	require.NoError(t, s.Save(ctx, older))
	require.NoError(t, s.Save(ctx, newer))

	got, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "newer", got[0].UserID)
	assert.Equal(t, "older", got[1].UserID)
}

func TestRecords(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	sess := sampleSession("u1")
	sess.Step = models.StepDone
	day1 := models.NewRetroRecord(sess, sess.UpdatedAt)
	require.NoError(t, s.SaveRecord(ctx, day1))

	sess.Answers[models.StepWins] = models.TextValue("edited")
	require.NoError(t, s.SaveRecord(ctx, models.NewRetroRecord(sess, sess.UpdatedAt.Add(time.Hour))))
	require.NoError(t, s.SaveRecord(ctx, models.NewRetroRecord(sess, sess.UpdatedAt.Add(48*time.Hour))))

	records, err := s.Records(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "2026-03-04", records[0].Date())
	assert.Equal(t, "2026-03-02", records[1].Date())
	assert.Equal(t, "edited", records[1].Answers[models.StepWins].Text)
	assert.Equal(t, models.Skipped, records[1].Answers[models.StepExperiment])

	limited, err := s.Records(ctx, "u1", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	none, err := s.Records(ctx, "someone-else", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}
