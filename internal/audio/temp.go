package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// NamespacePrefix starts every job directory under the temp root.
const NamespacePrefix = "voice_retro_"

// Limits are the disk ceilings enforced before a job gets a workspace.
// Zero disables a limit.
type Limits struct {
	MaxFileBytes int64
	MaxDirBytes  int64
	MinFreeBytes int64
}

// Manager hands out per-job scratch directories under one root.
type Manager struct {
	root   string
	limits Limits
	logger *slog.Logger

	freeSpace func(path string) (int64, error)
}

// NewManager creates the root directory if needed.
func NewManager(root string, limits Limits, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create temp root: %w", err)
	}
	return &Manager{root: root, limits: limits, logger: logger, freeSpace: freeBytes}, nil
}

// Root returns the directory holding all job workspaces.
func (m *Manager) Root() string { return m.root }

// Limits returns the configured ceilings.
func (m *Manager) Limits() Limits { return m.limits }

// Workspace reserves the scratch directory for jobID. It fails with
// ErrDiskFull when the free-space floor or the temp area ceiling would be
// crossed.
func (m *Manager) Workspace(jobID string) (*Workspace, error) {
	if m.limits.MinFreeBytes > 0 {
		free, err := m.freeSpace(m.root)
		if err != nil {
			m.logger.Warn("free space check failed", "root", m.root, "error", err)
		} else if free >= 0 && free < m.limits.MinFreeBytes {
			return nil, fmt.Errorf("%w: %d bytes free, need %d", ErrDiskFull, free, m.limits.MinFreeBytes)
		}
	}
	if m.limits.MaxDirBytes > 0 {
		used, err := m.Usage()
		if err != nil {
			return nil, err
		}
		if used+m.limits.MaxFileBytes > m.limits.MaxDirBytes {
			return nil, fmt.Errorf("%w: temp area holds %d of %d bytes", ErrDiskFull, used, m.limits.MaxDirBytes)
		}
	}

	dir := filepath.Join(m.root, NamespacePrefix+jobID)
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &Workspace{jobID: jobID, dir: dir, maxFileBytes: m.limits.MaxFileBytes, logger: m.logger}, nil
}

// Usage sums the size of every file under the root.
func (m *Manager) Usage() (int64, error) {
	var total int64
	err := filepath.WalkDir(m.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Workspaces disappear while we walk.
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("measure temp area: %w", err)
	}
	return total, nil
}

// Namespaces lists the job IDs that currently own a workspace.
func (m *Manager) Namespaces() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("list temp area: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), NamespacePrefix) {
			ids = append(ids, strings.TrimPrefix(e.Name(), NamespacePrefix))
		}
	}
	return ids, nil
}

// SweepStale removes workspaces not modified within maxAge, such as those
// left behind by a killed process. Live jobs keep their directories fresh
// by writing into them.
func (m *Manager) SweepStale(now time.Time, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return 0, fmt.Errorf("list temp area: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), NamespacePrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || now.Sub(info.ModTime()) <= maxAge {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.root, e.Name())); err != nil {
			m.logger.Warn("failed to remove stale workspace", "dir", e.Name(), "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		m.logger.Info("stale workspaces removed", "count", removed)
	}
	return removed, nil
}

// Workspace is the scratch directory exclusively owned by one job.
type Workspace struct {
	jobID        string
	dir          string
	maxFileBytes int64
	logger       *slog.Logger

	once sync.Once
	err  error
}

// JobID returns the owning job.
func (w *Workspace) JobID() string { return w.jobID }

// Dir returns the workspace directory.
func (w *Workspace) Dir() string { return w.dir }

// Path returns a file path inside the workspace.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.dir, filepath.Base(name))
}

// Adopt copies src into the workspace as name, enforcing the file size
// ceiling, and returns the new path. Sources of known size over the ceiling
// are rejected before anything is copied.
func (w *Workspace) Adopt(ctx context.Context, src Source, name string) (string, int64, error) {
	if s, ok := src.(sizer); ok && w.maxFileBytes > 0 {
		size, err := s.Size()
		if err != nil {
			return "", 0, fmt.Errorf("stat audio: %w", err)
		}
		if size > w.maxFileBytes {
			return "", 0, w.tooLarge()
		}
	}

	r, err := src.Open(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("open audio: %w", err)
	}
	defer r.Close()

	path := w.Path(name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", 0, fmt.Errorf("create source file: %w", err)
	}

	var reader io.Reader = r
	if w.maxFileBytes > 0 {
		reader = io.LimitReader(r, w.maxFileBytes+1)
	}
	n, err := io.Copy(f, reader)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", 0, fmt.Errorf("copy audio: %w", err)
	}
	if w.maxFileBytes > 0 && n > w.maxFileBytes {
		_ = os.Remove(path)
		return "", 0, w.tooLarge()
	}
	return path, n, nil
}

func (w *Workspace) tooLarge() error {
	return fmt.Errorf("%w: limit is %d MB", ErrTooLarge, w.maxFileBytes>>20)
}

// Release deletes the workspace and everything in it. Only the first call
// does any work; later calls return the first result.
func (w *Workspace) Release() error {
	w.once.Do(func() {
		w.err = os.RemoveAll(w.dir)
		if w.err != nil {
			w.logger.Error("failed to remove workspace", "job_id", w.jobID, "dir", w.dir, "error", w.err)
			return
		}
		w.logger.Debug("workspace released", "job_id", w.jobID)
	})
	return w.err
}
