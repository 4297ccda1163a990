// Package pgstore stores retrospective sessions and records in PostgreSQL.
package pgstore

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/raphaelgruber/retrobot/internal/models"
	"github.com/raphaelgruber/retrobot/internal/session"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is a session.Store and record sink backed by a pgx pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open connects to dsn and applies pending migrations.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	s := &Store{pool: pool, logger: logger}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	for _, r := range results {
		s.logger.Info("applied migration", "version", r.Source.Version, "duration", r.Duration)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

func encodeAnswers(in map[models.Step]models.Value) ([]byte, error) {
	out := make(map[string]models.Value, len(in))
	for step, v := range in {
		out[string(step)] = v
	}
	return json.Marshal(out)
}

func decodeAnswers(data []byte) (map[models.Step]models.Value, error) {
	var in map[string]models.Value
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("decode answers: %w", err)
	}
	out := make(map[models.Step]models.Value, len(in))
	for step, v := range in {
		out[models.Step(step)] = v
	}
	return out, nil
}

// Save replaces the user's stored session.
func (s *Store) Save(ctx context.Context, sess *models.Session) error {
	answers, err := encodeAnswers(sess.Answers)
	if err != nil {
		return err
	}
	var token *string
	if sess.PipelineToken != "" {
		token = &sess.PipelineToken
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO retro_session (user_id, step, editing, answers, pipeline_token, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE SET
			step = EXCLUDED.step,
			editing = EXCLUDED.editing,
			answers = EXCLUDED.answers,
			pipeline_token = EXCLUDED.pipeline_token,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at`,
		sess.UserID, string(sess.Step), sess.Editing, answers, token, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

const sessionColumns = `user_id, step, editing, answers, pipeline_token, created_at, updated_at`

func scanSession(row pgx.Row) (*models.Session, error) {
	var (
		sess    models.Session
		step    string
		answers []byte
		token   *string
	)
	if err := row.Scan(&sess.UserID, &step, &sess.Editing, &answers, &token, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, err
	}
	sess.Step = models.Step(step)
	if token != nil {
		sess.PipelineToken = *token
	}
	var err error
	if sess.Answers, err = decodeAnswers(answers); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Load returns the user's stored session or session.ErrNotFound.
func (s *Store) Load(ctx context.Context, userID string) (*models.Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM retro_session WHERE user_id = $1`, userID)
	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return sess, nil
}

// Delete removes the user's stored session.
func (s *Store) Delete(ctx context.Context, userID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM retro_session WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ListSessions returns every stored session, most recently updated first.
func (s *Store) ListSessions(ctx context.Context) ([]*models.Session, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+sessionColumns+` FROM retro_session ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// SaveRecord stores a completed retrospective, replacing the user's record
// for the same day.
func (s *Store) SaveRecord(ctx context.Context, r models.RetroRecord) error {
	answers, err := encodeAnswers(r.Answers)
	if err != nil {
		return err
	}
	day, err := time.Parse(time.DateOnly, r.Date())
	if err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO retro_record (user_id, day, answers, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, day) DO UPDATE SET
			answers = EXCLUDED.answers,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at`,
		r.UserID, day, answers, r.StartedAt, r.CompletedAt)
	if err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	return nil
}

// Records returns a user's completed retrospectives, newest first.
func (s *Store) Records(ctx context.Context, userID string, limit int) ([]models.RetroRecord, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, answers, started_at, completed_at FROM retro_record
		WHERE user_id = $1 ORDER BY completed_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []models.RetroRecord
	for rows.Next() {
		var (
			r       models.RetroRecord
			answers []byte
		)
		if err := rows.Scan(&r.UserID, &answers, &r.StartedAt, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("list records: %w", err)
		}
		if r.Answers, err = decodeAnswers(answers); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

