package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Registry owns one Manager per conversation in this process. Managers are
// restored from the Store on first use and persist every lease change back
// to it.
type Registry struct {
	pool   PoolClient
	store  Store
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	managers map[string]*Manager
	loads    singleflight.Group
}

// NewRegistry creates a Registry. opts.OnChange is replaced by the store hook.
func NewRegistry(client PoolClient, store Store, opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	opts.Logger = logger
	return &Registry{
		pool:     client,
		store:    store,
		opts:     opts,
		logger:   logger,
		managers: make(map[string]*Manager),
	}
}

// Get returns the Manager for sessionID, loading its persisted record if
// this process has not seen the session yet.
func (r *Registry) Get(ctx context.Context, sessionID string) (*Manager, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if m := r.lookup(sessionID); m != nil {
		return m, nil
	}

	v, err, _ := r.loads.Do(sessionID, func() (any, error) {
		if m := r.lookup(sessionID); m != nil {
			return m, nil
		}
		rec, err := r.store.GetSession(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("loading session %s: %w", sessionID, err)
		}

		opts := r.opts
		opts.OnChange = r.store.SaveSession
		m := NewManager(sessionID, r.pool, rec, opts)

		r.mu.Lock()
		r.managers[sessionID] = m
		r.mu.Unlock()

		if m.HasSandbox() {
			r.logger.Info("session restored with leased sandbox",
				slog.String("session_id", sessionID),
				slog.String("item_id", rec.Item.ID),
			)
		}
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Manager), nil
}

func (r *Registry) lookup(sessionID string) *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.managers[sessionID]
}

// Release returns the sandbox of sessionID, if any, and reports the
// resulting (empty) record.
func (r *Registry) Release(ctx context.Context, sessionID string) (Record, error) {
	m, err := r.Get(ctx, sessionID)
	if err != nil {
		return Record{}, err
	}
	m.ReleaseSandbox(ctx)
	return m.Record(), nil
}

// ReleaseIdle releases every session whose lease has not been used since
// idleBefore. Sessions with a command in flight stay leased because the
// command's log polls keep them active. It returns the number of sessions
// released.
func (r *Registry) ReleaseIdle(ctx context.Context, idleBefore time.Time) (int, error) {
	// A lease is never used before it is taken, so only leases older than
	// the cutoff can be idle.
	recs, err := r.store.ListLeased(ctx, idleBefore)
	if err != nil {
		return 0, fmt.Errorf("listing leased sessions: %w", err)
	}
	released := 0
	for _, rec := range recs {
		if ctx.Err() != nil {
			return released, ctx.Err()
		}
		m, err := r.Get(ctx, rec.SessionID)
		if err != nil {
			r.logger.Warn("skipping idle session",
				slog.String("session_id", rec.SessionID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if m.ReleaseIfIdle(ctx, idleBefore) {
			released++
		}
	}
	return released, nil
}

// Len returns the number of sessions known to this process.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.managers)
}

// CloseAll forgets every Manager without releasing leases; persisted leases
// are picked up again after a restart.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.managers = make(map[string]*Manager)
}
