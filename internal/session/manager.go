package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jkaninda/shellbox/internal/pool"
	"golang.org/x/sync/singleflight"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultWaitInterval   = 500 * time.Millisecond
	defaultWaitTimeout    = 300 * time.Second
	defaultBorrowWait     = 30 * time.Second
)

// PoolClient is the subset of the pool client a Manager needs.
type PoolClient interface {
	Borrow(ctx context.Context, sessionHint string, wait time.Duration) (*pool.Lease, error)
	ReturnAndWait(ctx context.Context, item pool.Item, token, sessionHint string) (pool.OperationStatus, error)
}

// ChangeFunc is called synchronously after every lease acquisition and release.
type ChangeFunc func(ctx context.Context, r Record) error

// Options configures a Manager.
type Options struct {
	HTTPClient     *http.Client  // Client for sandbox exec/logs calls.
	RequestTimeout time.Duration // Per-request timeout for exec/logs. Default: 30s.
	BorrowWait     time.Duration // Forwarded to Borrow; zero uses the pool default.
	Logger         *slog.Logger
	OnChange       ChangeFunc
}

// Manager presents the current sandbox of one conversation. Leases are
// acquired lazily on first use and held until ReleaseSandbox.
type Manager struct {
	sessionID      string
	pool           PoolClient
	http           *http.Client
	requestTimeout time.Duration
	borrowWait     time.Duration
	onChange       ChangeFunc
	logger         *slog.Logger

	now func() time.Time

	mu         sync.Mutex
	record     Record
	lastActive time.Time // Last lease, exec or logs call on the held lease.
	flight     singleflight.Group
}

// NewManager creates a Manager for sessionID starting from a persisted record.
// A partially populated initial record is treated as empty.
func NewManager(sessionID string, client PoolClient, initial Record, opts Options) *Manager {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	initial.SessionID = sessionID
	m := &Manager{
		sessionID:      sessionID,
		pool:           client,
		http:           hc,
		requestTimeout: timeout,
		borrowWait:     opts.BorrowWait,
		onChange:       opts.OnChange,
		logger:         logger.With(slog.String("session_id", sessionID)),
		now:            time.Now,
		record:         initial.normalize().Clone(),
	}
	if m.record.LeasedAt != nil {
		m.lastActive = *m.record.LeasedAt
	}
	return m
}

// SessionID returns the conversation identity.
func (m *Manager) SessionID() string { return m.sessionID }

// Record returns a copy of the current Session Record.
func (m *Manager) Record() Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record.Clone()
}

// HasSandbox reports whether a lease is currently held.
func (m *Manager) HasSandbox() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record.HasSandbox()
}

// LastActive returns when the held lease was last used, or the zero time
// when the session is empty.
func (m *Manager) LastActive() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.record.HasSandbox() {
		return time.Time{}
	}
	return m.lastActive
}

// current returns the held lease and marks it used.
func (m *Manager) current() (Sandbox, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.record.HasSandbox() {
		return Sandbox{}, false
	}
	m.lastActive = m.now()
	return Sandbox{
		SessionID:  m.sessionID,
		Item:       *m.record.Item,
		LeaseToken: *m.record.LeaseToken,
	}, true
}

// EnsureSandbox returns the held lease, borrowing one first when the session
// is empty. Concurrent callers share a single borrow; the borrow is not
// canceled when one of them gives up.
func (m *Manager) EnsureSandbox(ctx context.Context) (Sandbox, error) {
	if sb, ok := m.current(); ok {
		return sb, nil
	}

	ch := m.flight.DoChan("lease", func() (any, error) {
		if sb, ok := m.current(); ok {
			return sb, nil
		}

		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.borrowBudget())
		defer cancel()

		lease, err := m.pool.Borrow(bctx, m.sessionID, m.borrowWait)
		if err != nil {
			return Sandbox{}, err
		}

		now := m.now().UTC()
		item := lease.Item
		token := lease.Token
		rec := Record{SessionID: m.sessionID, Item: &item, LeaseToken: &token, LeasedAt: &now}

		m.mu.Lock()
		m.record = rec
		m.lastActive = now
		m.mu.Unlock()

		m.logger.Info("sandbox leased", slog.String("item_id", item.ID))
		m.notify(bctx, rec)
		return Sandbox{SessionID: m.sessionID, Item: item, LeaseToken: token}, nil
	})

	select {
	case <-ctx.Done():
		return Sandbox{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Sandbox{}, res.Err
		}
		return res.Val.(Sandbox), nil
	}
}

// borrowBudget bounds a shared borrow: the pool's blocking wait plus one
// request timeout.
func (m *Manager) borrowBudget() time.Duration {
	wait := m.borrowWait
	if wait <= 0 {
		wait = defaultBorrowWait
	}
	return wait + m.requestTimeout
}

// Exec submits command to the leased sandbox, leasing one if needed.
func (m *Manager) Exec(ctx context.Context, command string) (*ExecResponse, error) {
	sb, err := m.EnsureSandbox(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := m.postExec(ctx, sb, command)
	if err != nil {
		m.healIfLost(ctx, sb, err)
		return nil, err
	}
	m.logger.Debug("command submitted",
		slog.String("item_id", sb.Item.ID),
		slog.String("command_id", resp.CommandID),
	)
	return resp, nil
}

// Logs reads output of commandID starting at offset (FromStart for the whole
// log). The returned Offset is the next cursor.
func (m *Manager) Logs(ctx context.Context, commandID string, offset int64, search string) (*LogsResponse, error) {
	sb, ok := m.current()
	if !ok {
		return nil, ErrNoSandbox
	}
	resp, err := m.getLogs(ctx, sb, commandID, offset, search)
	if err != nil {
		m.healIfLost(ctx, sb, err)
		return nil, err
	}
	return resp, nil
}

// WaitOptions bounds WaitForCompletion.
type WaitOptions struct {
	PollInterval time.Duration // Default: 500ms.
	Timeout      time.Duration // Default: 300s.
	OnProgress   func(LogsResponse)
}

// WaitForCompletion polls the log endpoint with an advancing cursor until the
// command reports done, or fails with ErrCommandTimeout.
func (m *Manager) WaitForCompletion(ctx context.Context, commandID string, opts WaitOptions) (*LogsResponse, error) {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = defaultWaitInterval
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}
	deadline := time.Now().Add(timeout)

	cursor := int64(FromStart)
	for {
		resp, err := m.Logs(ctx, commandID, cursor, "")
		if err != nil {
			return nil, err
		}
		if opts.OnProgress != nil {
			opts.OnProgress(*resp)
		}
		if resp.Done {
			return resp, nil
		}
		cursor = resp.Offset

		if !time.Now().Add(interval).Before(deadline) {
			return resp, fmt.Errorf("%w: command %s after %s", ErrCommandTimeout, commandID, timeout)
		}
		select {
		case <-ctx.Done():
			return resp, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// ExecResult is the outcome of ExecAndWait.
type ExecResult struct {
	Exec ExecResponse `json:"exec"`
	Logs LogsResponse `json:"logs"`
}

// ExecAndWait submits command and waits for it to finish.
func (m *Manager) ExecAndWait(ctx context.Context, command string, opts WaitOptions) (*ExecResult, error) {
	exec, err := m.Exec(ctx, command)
	if err != nil {
		return nil, err
	}
	logs, err := m.WaitForCompletion(ctx, exec.CommandID, opts)
	if err != nil {
		return nil, err
	}
	return &ExecResult{Exec: *exec, Logs: *logs}, nil
}

// ReleaseSandbox returns the lease to the pool and resets the session to
// empty. The reset happens whether or not the pool accepted the return; the
// pool reclaims leases it still considers held.
func (m *Manager) ReleaseSandbox(ctx context.Context) {
	sb, ok := m.current()
	if !ok {
		return
	}

	status, err := m.pool.ReturnAndWait(ctx, sb.Item, sb.LeaseToken, m.sessionID)
	if err != nil {
		m.logger.Warn("sandbox return failed, abandoning lease",
			slog.String("item_id", sb.Item.ID),
			slog.String("error", err.Error()),
		)
	} else {
		m.logger.Info("sandbox released",
			slog.String("item_id", sb.Item.ID),
			slog.String("status", string(status)),
		)
	}
	m.reset(ctx, sb)
}

// ReleaseIfIdle releases the lease when it has not been used since
// idleBefore. The session is emptied before the pool return so that a new
// command borrows a fresh lease instead of racing the return. It reports
// whether a lease was released.
func (m *Manager) ReleaseIfIdle(ctx context.Context, idleBefore time.Time) bool {
	m.mu.Lock()
	if !m.record.HasSandbox() || !m.lastActive.Before(idleBefore) {
		m.mu.Unlock()
		return false
	}
	sb := Sandbox{SessionID: m.sessionID, Item: *m.record.Item, LeaseToken: *m.record.LeaseToken}
	idleFor := m.now().Sub(m.lastActive)
	m.record = Empty(m.sessionID)
	rec := m.record.Clone()
	m.mu.Unlock()

	status, err := m.pool.ReturnAndWait(ctx, sb.Item, sb.LeaseToken, m.sessionID)
	if err != nil {
		m.logger.Warn("idle sandbox return failed, abandoning lease",
			slog.String("item_id", sb.Item.ID),
			slog.String("error", err.Error()),
		)
	} else {
		m.logger.Info("idle sandbox released",
			slog.String("item_id", sb.Item.ID),
			slog.Duration("idle", idleFor),
			slog.String("status", string(status)),
		)
	}
	m.notify(ctx, rec)
	return true
}

// healIfLost drops a lease the sandbox no longer recognizes so that the next
// EnsureSandbox borrows a fresh one.
func (m *Manager) healIfLost(ctx context.Context, sb Sandbox, err error) {
	if !leaseLost(err) {
		return
	}
	m.logger.Warn("sandbox lease lost, dropping it",
		slog.String("item_id", sb.Item.ID),
		slog.String("error", err.Error()),
	)
	m.reset(ctx, sb)
}

// reset empties the record if it still holds sb.
func (m *Manager) reset(ctx context.Context, sb Sandbox) {
	m.mu.Lock()
	if !m.record.HasSandbox() || *m.record.LeaseToken != sb.LeaseToken {
		m.mu.Unlock()
		return
	}
	m.record = Empty(m.sessionID)
	rec := m.record.Clone()
	m.mu.Unlock()

	m.notify(ctx, rec)
}

func (m *Manager) notify(ctx context.Context, rec Record) {
	if m.onChange == nil {
		return
	}
	if err := m.onChange(ctx, rec.Clone()); err != nil {
		m.logger.Error("failed to persist session record",
			slog.Bool("leased", rec.HasSandbox()),
			slog.String("error", err.Error()),
		)
	}
}
