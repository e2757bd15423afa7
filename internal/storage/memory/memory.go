// Package memory implements the unified Store in process memory. Nothing
// survives a restart; it backs tests and one-shot CLI runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jkaninda/shellbox/internal/execution"
	"github.com/jkaninda/shellbox/internal/session"
	"github.com/jkaninda/shellbox/internal/storage"
)

// Store implements storage.Store with maps guarded by a mutex.
type Store struct {
	mu         sync.RWMutex
	sessions   map[string]session.Record
	executions map[string]*execution.Record
	now        func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		sessions:   make(map[string]session.Record),
		executions: make(map[string]*execution.Record),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Sessions() session.Store       { return sessionStore{s} }
func (s *Store) Executions() execution.Store   { return executionStore{s} }
func (s *Store) Ping(context.Context) error    { return nil }
func (s *Store) Migrate(context.Context) error { return nil }
func (s *Store) Close() error                  { return nil }
func (s *Store) Driver() string                { return storage.DriverMemory }

type sessionStore struct{ s *Store }

func (m sessionStore) GetSession(_ context.Context, id string) (session.Record, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	if r, ok := m.s.sessions[id]; ok {
		return r.Clone(), nil
	}
	return session.Empty(id), nil
}

func (m sessionStore) SaveSession(_ context.Context, r session.Record) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.sessions[r.SessionID] = r.Clone()
	return nil
}

func (m sessionStore) ListLeased(_ context.Context, leasedBefore time.Time) ([]session.Record, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	var out []session.Record
	for _, r := range m.s.sessions {
		if r.HasSandbox() && r.LeasedAt != nil && r.LeasedAt.Before(leasedBefore) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LeasedAt.Before(*out[j].LeasedAt) })
	return out, nil
}

type executionStore struct{ s *Store }

func (m executionStore) CreateExecution(_ context.Context, r *execution.Record) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.executions[r.ID]; ok {
		return fmt.Errorf("execution %s already exists", r.ID)
	}
	m.s.executions[r.ID] = r.Clone()
	return nil
}

func (m executionStore) GetExecution(_ context.Context, id string) (*execution.Record, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	r, ok := m.s.executions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", execution.ErrNotFound, id)
	}
	return r.Clone(), nil
}

func (m executionStore) UpdateOutput(_ context.Context, id, stdout, stderr string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	r, ok := m.s.executions[id]
	if !ok {
		return fmt.Errorf("%w: %s", execution.ErrNotFound, id)
	}
	return r.ApplyOutput(stdout, stderr, m.s.now())
}

func (m executionStore) CompleteExecution(_ context.Context, id string, c execution.Completion) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	r, ok := m.s.executions[id]
	if !ok {
		return fmt.Errorf("%w: %s", execution.ErrNotFound, id)
	}
	// Apply to a copy so a rejected completion leaves the record untouched.
	next := r.Clone()
	if err := next.ApplyCompletion(c, m.s.now()); err != nil {
		return err
	}
	m.s.executions[id] = next
	return nil
}

func (m executionStore) ListStale(_ context.Context, updatedBefore time.Time) ([]execution.Record, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	var out []execution.Record
	for _, r := range m.s.executions {
		if !r.Done && r.UpdatedAt.Before(updatedBefore) {
			out = append(out, *r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
