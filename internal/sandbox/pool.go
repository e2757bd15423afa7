package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jkaninda/shellbox/internal/session"
)

const defaultPollInterval = 500 * time.Millisecond

// Sessions resolves the session manager owning a conversation's lease.
type Sessions interface {
	Get(ctx context.Context, sessionID string) (*session.Manager, error)
	Release(ctx context.Context, sessionID string) (session.Record, error)
}

// PoolBackend runs commands on pool-leased sandboxes through their exec and
// logs endpoints. Each Next call is one logs request; calls after the first
// are paced at the poll interval.
type PoolBackend struct {
	sessions Sessions
	interval time.Duration
	logger   *slog.Logger
}

// NewPoolBackend creates a pool backend. interval <= 0 uses 500ms.
func NewPoolBackend(sessions Sessions, interval time.Duration, logger *slog.Logger) *PoolBackend {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &PoolBackend{sessions: sessions, interval: interval, logger: logger}
}

func (b *PoolBackend) Name() string { return "pool" }

type poolCursor struct {
	manager *session.Manager
	offset  int64
	polled  bool
	done    bool
}

// Submit leases a sandbox for the session if needed and submits command.
func (b *PoolBackend) Submit(ctx context.Context, sub Submission) (*Handle, error) {
	if strings.TrimSpace(sub.Command) == "" {
		return nil, ErrEmptyCommand
	}
	m, err := b.sessions.Get(ctx, sub.SessionID)
	if err != nil {
		return nil, err
	}
	resp, err := m.Exec(ctx, sub.Command)
	if err != nil {
		return nil, err
	}
	b.logger.Info("pool command submitted",
		slog.String("session_id", sub.SessionID),
		slog.String("command_id", resp.CommandID),
		slog.String("status", resp.Status),
	)
	return &Handle{
		ID:        resp.CommandID,
		SessionID: sub.SessionID,
		state:     &poolCursor{manager: m, offset: session.FromStart},
	}, nil
}

// Next reads the log snapshot at the handle's cursor.
func (b *PoolBackend) Next(ctx context.Context, h *Handle) (Chunk, error) {
	cur, ok := h.state.(*poolCursor)
	if !ok {
		return Chunk{}, fmt.Errorf("handle %s was not issued by the pool backend", h.ID)
	}
	if cur.done {
		return Chunk{}, ErrClosed
	}
	if cur.polled {
		select {
		case <-ctx.Done():
			return Chunk{}, ctx.Err()
		case <-time.After(b.interval):
		}
	}
	cur.polled = true

	resp, err := cur.manager.Logs(ctx, h.ID, cur.offset, "")
	if err != nil {
		return Chunk{}, err
	}
	cur.offset = resp.Offset
	cur.done = resp.Done

	return Chunk{
		Stdout:     resp.Logs,
		Cumulative: true,
		Done:       resp.Done,
		ExitCode:   resp.ExitCode,
	}, nil
}

// Prepare leases a sandbox for the session if it holds none.
func (b *PoolBackend) Prepare(ctx context.Context, sessionID string) error {
	m, err := b.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	_, err = m.EnsureSandbox(ctx)
	return err
}

// ReleaseSession returns the session's lease to the pool.
func (b *PoolBackend) ReleaseSession(ctx context.Context, sessionID string) error {
	_, err := b.sessions.Release(ctx, sessionID)
	return err
}
