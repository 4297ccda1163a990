// Package filestore keeps sessions and records as TOML files under a data
// directory. Writes are atomic: a temp file is written, synced to its final
// mode and renamed over the old one.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/raphaelgruber/retrobot/internal/models"
	"github.com/raphaelgruber/retrobot/internal/session"
)

const (
	schemaVersion    = 1
	dirMode          = 0o700
	fileMode         = 0o600
	tempFilePattern  = ".retro-*.tmp"
	sessionsDir      = "sessions"
	recordsDir       = "retros"
	fileExt          = ".toml"
	defaultListLimit = 30
)

var (
	lockRegistryMu sync.Mutex
	pathLockMap    = map[string]*sync.RWMutex{}
)

// lockForPath returns the process-wide lock for a file.
func lockForPath(path string) *sync.RWMutex {
	lockRegistryMu.Lock()
	defer lockRegistryMu.Unlock()

	if mu, ok := pathLockMap[path]; ok {
		return mu
	}
	mu := &sync.RWMutex{}
	pathLockMap[path] = mu
	return mu
}

type sessionFile struct {
	Version       int                     `toml:"version"`
	UserID        string                  `toml:"user_id"`
	Step          string                  `toml:"step"`
	Editing       bool                    `toml:"editing"`
	PipelineToken string                  `toml:"pipeline_token,omitempty"`
	CreatedAt     time.Time               `toml:"created_at"`
	UpdatedAt     time.Time               `toml:"updated_at"`
	Answers       map[string]models.Value `toml:"answers"`
}

type recordFile struct {
	Version     int                     `toml:"version"`
	UserID      string                  `toml:"user_id"`
	Date        string                  `toml:"date"`
	StartedAt   time.Time               `toml:"started_at"`
	CompletedAt time.Time               `toml:"completed_at"`
	Answers     map[string]models.Value `toml:"answers"`
}

// Store is a session.Store and record sink over a directory tree:
//
//	<root>/sessions/<user>.toml
//	<root>/retros/<user>/<yyyy-mm-dd>.toml
type Store struct {
	root string
}

// New returns a store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}
	root := filepath.Clean(abs)
	for _, sub := range []string{sessionsDir, recordsDir} {
		if err := os.MkdirAll(filepath.Join(root, sub), dirMode); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	return &Store{root: root}, nil
}

// Root returns the data directory.
func (s *Store) Root() string { return s.root }

// fileName maps a user ID onto a single safe path element.
func fileName(userID string) string {
	name := url.PathEscape(userID)
	if strings.HasPrefix(name, ".") {
		name = "%2E" + name[1:]
	}
	return name
}

func (s *Store) sessionPath(userID string) string {
	return filepath.Join(s.root, sessionsDir, fileName(userID)+fileExt)
}

func (s *Store) recordPath(userID, date string) string {
	return filepath.Join(s.root, recordsDir, fileName(userID), date+fileExt)
}

// Save replaces the user's stored session.
func (s *Store) Save(ctx context.Context, sess *models.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := s.sessionPath(sess.UserID)
	mu := lockForPath(path)
	mu.Lock()
	defer mu.Unlock()

	file := sessionFile{
		Version:       schemaVersion,
		UserID:        sess.UserID,
		Step:          string(sess.Step),
		Editing:       sess.Editing,
		PipelineToken: sess.PipelineToken,
		CreatedAt:     sess.CreatedAt.UTC(),
		UpdatedAt:     sess.UpdatedAt.UTC(),
		Answers:       encodeAnswers(sess.Answers),
	}
	if err := writeTOMLFile(path, file); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Load returns the user's stored session or session.ErrNotFound.
func (s *Store) Load(ctx context.Context, userID string) (*models.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := s.sessionPath(userID)
	mu := lockForPath(path)
	mu.RLock()
	defer mu.RUnlock()

	var file sessionFile
	if err := readTOMLFile(path, &file); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, session.ErrNotFound
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	return file.session(), nil
}

func (f sessionFile) session() *models.Session {
	return &models.Session{
		UserID:        f.UserID,
		Step:          models.Step(f.Step),
		Editing:       f.Editing,
		Answers:       decodeAnswers(f.Answers),
		CreatedAt:     f.CreatedAt,
		UpdatedAt:     f.UpdatedAt,
		PipelineToken: f.PipelineToken,
	}
}

// Delete removes the user's stored session.
func (s *Store) Delete(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := s.sessionPath(userID)
	mu := lockForPath(path)
	mu.Lock()
	defer mu.Unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ListSessions returns every stored session, most recently updated first.
func (s *Store) ListSessions(ctx context.Context) ([]*models.Session, error) {
	paths, err := filepath.Glob(filepath.Join(s.root, sessionsDir, "*"+fileExt))
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var out []*models.Session
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mu := lockForPath(path)
		mu.RLock()
		var file sessionFile
		err := readTOMLFile(path, &file)
		mu.RUnlock()
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		out = append(out, file.session())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// SaveRecord stores a completed retrospective, replacing the user's record
// for the same day.
func (s *Store) SaveRecord(ctx context.Context, r models.RetroRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := s.recordPath(r.UserID, r.Date())
	mu := lockForPath(path)
	mu.Lock()
	defer mu.Unlock()

	file := recordFile{
		Version:     schemaVersion,
		UserID:      r.UserID,
		Date:        r.Date(),
		StartedAt:   r.StartedAt.UTC(),
		CompletedAt: r.CompletedAt.UTC(),
		Answers:     encodeAnswers(r.Answers),
	}
	if err := writeTOMLFile(path, file); err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	return nil
}

// Records returns a user's completed retrospectives, newest first.
func (s *Store) Records(ctx context.Context, userID string, limit int) ([]models.RetroRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	paths, err := filepath.Glob(filepath.Join(s.root, recordsDir, fileName(userID), "*"+fileExt))
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	// File names are ISO dates, so lexical order is chronological.
	sort.Sort(sort.Reverse(sort.StringSlice(paths)))
	if len(paths) > limit {
		paths = paths[:limit]
	}

	out := make([]models.RetroRecord, 0, len(paths))
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mu := lockForPath(path)
		mu.RLock()
		var file recordFile
		err := readTOMLFile(path, &file)
		mu.RUnlock()
		if err != nil {
			return nil, fmt.Errorf("list records: %w", err)
		}
		out = append(out, models.RetroRecord{
			UserID:      file.UserID,
			Answers:     decodeAnswers(file.Answers),
			StartedAt:   file.StartedAt,
			CompletedAt: file.CompletedAt,
		})
	}
	return out, nil
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

func readTOMLFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := toml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeTOMLFile(path string, file any) error {
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	data, err := toml.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode file: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(path), tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tempFile.Chmod(fileMode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tempName, path); err != nil {
		return fmt.Errorf("replace file: %w", err)
	}
	cleanup = false
	return nil
}
