package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/shellbox/internal/sandbox"
)

const (
	DefaultTimeout = 300 * time.Second
	MinTimeout     = 1 * time.Second
	MaxTimeout     = 600 * time.Second

	maxOutputBytes = 1 << 20
	writeTimeout   = 10 * time.Second
)

// ClampTimeout converts a caller supplied budget in milliseconds to the
// allowed range. Zero or negative selects the default.
func ClampTimeout(ms int64) time.Duration {
	if ms <= 0 {
		return DefaultTimeout
	}
	d := time.Duration(ms) * time.Millisecond
	return min(max(d, MinTimeout), MaxTimeout)
}

// Request describes one command to run.
type Request struct {
	ID        string // Stream id; generated when empty.
	SessionID string
	ChatID    string
	Command   string
	Env       map[string]string
	Timeout   time.Duration // Clamped to [MinTimeout, MaxTimeout]; zero = DefaultTimeout.
}

// FinishFunc observes every execution that reached a terminal state.
type FinishFunc func(backend string, rec *Record, elapsed time.Duration)

// Runner drives commands through a sandbox backend into the Store.
type Runner struct {
	backend  sandbox.Backend
	store    Store
	logger   *slog.Logger
	onFinish FinishFunc

	wg sync.WaitGroup
}

// NewRunner creates a Runner.
func NewRunner(backend sandbox.Backend, store Store, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Runner{backend: backend, store: store, logger: logger}
}

// WithFinishHook registers fn to be called after every terminal write.
func (r *Runner) WithFinishHook(fn FinishFunc) *Runner {
	r.onFinish = fn
	return r
}

// Backend returns the backend commands run on.
func (r *Runner) Backend() sandbox.Backend { return r.backend }

// Start creates the execution record and drives the command in the
// background. The returned record is the initial, running snapshot. The
// background work is detached from ctx cancellation but keeps its values.
func (r *Runner) Start(ctx context.Context, req Request) (*Record, error) {
	rec, err := r.create(ctx, req)
	if err != nil {
		return nil, err
	}
	initial := rec.Clone()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.drive(context.WithoutCancel(ctx), rec, req)
	}()
	return initial, nil
}

// Run creates the execution record, drives the command to completion and
// returns the final record.
func (r *Runner) Run(ctx context.Context, req Request) (*Record, error) {
	rec, err := r.create(ctx, req)
	if err != nil {
		return nil, err
	}
	r.drive(ctx, rec, req)
	return r.store.GetExecution(context.WithoutCancel(ctx), rec.ID)
}

// Wait blocks until every execution started with Start has finished.
func (r *Runner) Wait() { r.wg.Wait() }

func (r *Runner) create(ctx context.Context, req Request) (*Record, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, sandbox.ErrEmptyCommand
	}
	if req.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	rec := &Record{
		ID:        id,
		SessionID: req.SessionID,
		ChatID:    req.ChatID,
		Command:   req.Command,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.CreateExecution(ctx, rec); err != nil {
		return nil, fmt.Errorf("creating execution record: %w", err)
	}
	return rec, nil
}

// drive runs the command and guarantees a terminal write on every path,
// including panics.
func (r *Runner) drive(ctx context.Context, rec *Record, req Request) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	timeout = min(max(timeout, MinTimeout), MaxTimeout)

	logger := r.logger.With(
		slog.String("execution_id", rec.ID),
		slog.String("session_id", rec.SessionID),
		slog.String("backend", r.backend.Name()),
	)
	start := time.Now()
	out := &accumulator{}

	defer func() {
		if p := recover(); p != nil {
			logger.Error("execution panicked", slog.Any("panic", p))
			r.complete(ctx, logger, rec.ID, Failed(out.stdout, out.stderr, fmt.Sprintf("internal error: %v", p)), start)
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger.Info("execution started", slog.Duration("timeout", timeout))

	h, err := r.backend.Submit(runCtx, sandbox.Submission{
		SessionID: rec.SessionID,
		Command:   rec.Command,
		Env:       req.Env,
	})
	if err != nil {
		r.complete(ctx, logger, rec.ID, r.failure(runCtx, out, err), start)
		return
	}
	logger.Debug("command submitted", slog.String("handle", h.ID))

	for {
		chunk, err := r.backend.Next(runCtx, h)
		if err != nil {
			r.complete(ctx, logger, rec.ID, r.failure(runCtx, out, err), start)
			return
		}

		changed := out.add(chunk)
		if chunk.Done {
			r.complete(ctx, logger, rec.ID, Exited(out.stdout, out.stderr, chunk.ExitCode), start)
			return
		}
		if !changed {
			continue
		}
		if err := r.write(ctx, func(c context.Context) error {
			return r.store.UpdateOutput(c, rec.ID, out.stdout, out.stderr)
		}); err != nil {
			if errors.Is(err, ErrTerminal) {
				logger.Warn("execution completed elsewhere, stopping")
				return
			}
			r.complete(ctx, logger, rec.ID, Failed(out.stdout, out.stderr, "writing output: "+err.Error()), start)
			return
		}
	}
}

// failure maps a loop error to its terminal completion. A deadline on the
// run context is the command timeout.
func (r *Runner) failure(runCtx context.Context, out *accumulator, err error) Completion {
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return Failed(out.stdout, out.stderr, TimeoutMessage)
	}
	return Failed(out.stdout, out.stderr, err.Error())
}

func (r *Runner) complete(ctx context.Context, logger *slog.Logger, id string, c Completion, start time.Time) {
	err := r.write(ctx, func(wc context.Context) error {
		return r.store.CompleteExecution(wc, id, c)
	})
	if err != nil {
		if errors.Is(err, ErrTerminal) {
			logger.Warn("execution already completed")
			return
		}
		logger.Error("failed to complete execution record", slog.String("error", err.Error()))
		return
	}

	elapsed := time.Since(start)
	rec := &Record{ID: id, Stdout: c.Stdout, Stderr: c.Stderr, ExitCode: c.ExitCode, Error: c.Error, Done: true}
	attrs := []any{
		slog.String("outcome", rec.Outcome()),
		slog.Duration("duration", elapsed),
		slog.Int("stdout_bytes", len(c.Stdout)),
		slog.Int("stderr_bytes", len(c.Stderr)),
	}
	if c.Error != nil {
		attrs = append(attrs, slog.String("error", *c.Error))
		logger.Warn("execution failed", attrs...)
	} else {
		logger.Info("execution completed", attrs...)
	}
	if r.onFinish != nil {
		r.onFinish(r.backend.Name(), rec, elapsed)
	}
}

// write runs a store call with its own deadline so that terminal writes
// still happen after the run context expired.
func (r *Runner) write(ctx context.Context, fn func(context.Context) error) error {
	wc, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	return fn(wc)
}

// accumulator builds the stdout and stderr values written to the record.
type accumulator struct {
	stdout string
	stderr string
}

// add merges c and reports whether either stream grew.
func (a *accumulator) add(c sandbox.Chunk) bool {
	before := len(a.stdout) + len(a.stderr)
	if c.Cumulative {
		if len(c.Stdout) > len(a.stdout) {
			a.stdout = capOutput(c.Stdout)
		}
		if len(c.Stderr) > len(a.stderr) {
			a.stderr = capOutput(c.Stderr)
		}
	} else {
		a.stdout = capOutput(a.stdout + c.Stdout)
		a.stderr = capOutput(a.stderr + c.Stderr)
	}
	return len(a.stdout)+len(a.stderr) != before
}

func capOutput(s string) string {
	if len(s) > maxOutputBytes {
		return s[:maxOutputBytes]
	}
	return s
}
