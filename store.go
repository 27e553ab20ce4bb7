package convq

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// Store is the durable source of truth for task records.
// Update must be atomic with respect to concurrent readers and writers of the
// same id: readers never observe a half-applied mutation.
type Store interface {
	// Create inserts a new record. It returns ErrDuplicateTaskID if the id exists.
	Create(ctx context.Context, t *Task) error
	// Get returns a copy of the record or ErrNotFound.
	Get(ctx context.Context, id string) (*Task, error)
	// Update applies fn to the current record and persists the result.
	// If fn returns an error nothing is written and the error is returned.
	Update(ctx context.Context, id string, fn func(*Task) error) (*Task, error)
	// ListExpired returns records whose ExpiresAt is set and before now.
	ListExpired(ctx context.Context, now time.Time) ([]*Task, error)
	// ListByStatus returns records in any of the given statuses.
	ListByStatus(ctx context.Context, statuses ...Status) ([]*Task, error)
	// Delete removes a record. It returns ErrNotFound if the id does not exist.
	Delete(ctx context.Context, id string) error
}

// Clock abstracts time so tests can drive expiry deterministically.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// MemoryStore is an in-process Store. Records do not survive a restart, so it
// is meant for tests and single-shot tools.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

func (m *MemoryStore) Create(_ context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; ok {
		return ErrDuplicateTaskID
	}
	m.tasks[t.ID] = t.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, id string, fn func(*Task) error) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	m.tasks[id] = next
	return next.Clone(), nil
}

func (m *MemoryStore) ListExpired(_ context.Context, now time.Time) ([]*Task, error) {
	return m.list(func(t *Task) bool { return !t.ExpiresAt.IsZero() && t.ExpiresAt.Before(now) }), nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, statuses ...Status) ([]*Task, error) {
	return m.list(func(t *Task) bool { return slices.Contains(statuses, t.Status) }), nil
}

func (m *MemoryStore) list(keep func(*Task) bool) []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Task
	for _, t := range m.tasks {
		if keep(t) {
			out = append(out, t.Clone())
		}
	}
	slices.SortFunc(out, byCreated)
	return out
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(m.tasks, id)
	return nil
}

func byCreated(a, b *Task) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}
