// Package session keeps the in-memory index of active retrospectives and
// serializes all work for a single user.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/raphaelgruber/retrobot/internal/models"
)

// ErrNotFound is returned by a Store when no session is persisted for a user.
var ErrNotFound = errors.New("session not found")

// Store persists sessions for crash recovery. Save must replace the stored
// session atomically.
type Store interface {
	Save(ctx context.Context, s *models.Session) error
	Load(ctx context.Context, userID string) (*models.Session, error)
	Delete(ctx context.Context, userID string) error
}

// Lister is implemented by stores that can enumerate every persisted
// session. The idle sweep uses it to reach sessions that were never loaded
// after a restart.
type Lister interface {
	ListSessions(ctx context.Context) ([]*models.Session, error)
}

type entry struct {
	lock    chan struct{}
	refs    int
	session *models.Session
}

// Registry maps user IDs to their cached session and a per-user lock.
// Different users never contend with each other.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Acquire blocks until the caller holds the exclusive lock for userID or ctx
// is done. Concurrent callers for the same user queue behind each other.
// The returned lease must be released.
func (r *Registry) Acquire(ctx context.Context, userID string) (*Lease, error) {
	e := r.ref(userID)
	select {
	case e.lock <- struct{}{}:
		return &Lease{r: r, userID: userID, e: e}, nil
	case <-ctx.Done():
		r.unref(userID, e)
		return nil, ctx.Err()
	}
}

// TryAcquire takes the lock for userID only if nobody holds it.
func (r *Registry) TryAcquire(userID string) (*Lease, bool) {
	e := r.ref(userID)
	select {
	case e.lock <- struct{}{}:
		return &Lease{r: r, userID: userID, e: e}, true
	default:
		r.unref(userID, e)
		return nil, false
	}
}

// Users returns the IDs of users with a cached session, sorted.
func (r *Registry) Users() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.entries))
	for id, e := range r.entries {
		if e.session != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of cached sessions.
func (r *Registry) Len() int {
	return len(r.Users())
}

func (r *Registry) ref(userID string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[userID]
	if !ok {
		e = &entry{lock: make(chan struct{}, 1)}
		r.entries[userID] = e
	}
	e.refs++
	return e
}

func (r *Registry) unref(userID string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e.refs--
	if e.refs == 0 && e.session == nil {
		delete(r.entries, userID)
	}
}

// Lease is exclusive ownership of one user's registry slot.
type Lease struct {
	r      *Registry
	userID string
	e      *entry
	once   sync.Once
}

// UserID returns the user the lease belongs to.
func (l *Lease) UserID() string { return l.userID }

// Session returns the cached session, or nil when none is cached.
func (l *Lease) Session() *models.Session {
	l.r.mu.Lock()
	defer l.r.mu.Unlock()
	return l.e.session
}

// Put replaces the cached session.
func (l *Lease) Put(s *models.Session) {
	l.r.mu.Lock()
	defer l.r.mu.Unlock()
	l.e.session = s
}

// Evict drops the cached session. The lock stays held until Release.
func (l *Lease) Evict() {
	l.Put(nil)
}

// Release gives up the lock. It is safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		<-l.e.lock
		l.r.unref(l.userID, l.e)
	})
}
