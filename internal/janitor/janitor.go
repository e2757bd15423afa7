// Package janitor runs periodic maintenance for shellbox: it completes
// execution records whose runner disappeared, and optionally returns
// sandboxes that have been leased for too long.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/shellbox/internal/config"
	"github.com/jkaninda/shellbox/internal/execution"
	"github.com/jkaninda/shellbox/internal/ratelimit"
)

// AbandonedMessage is the error recorded on executions nobody is driving.
const AbandonedMessage = "execution abandoned"

// limiterIdle is how long an unused rate limiter bucket is kept.
const limiterIdle = 30 * time.Minute

// runnerBudget is the longest a runner may drive a record before its own
// terminal write: the maximum command timeout plus slack for that write.
const runnerBudget = execution.MaxTimeout + time.Minute

// IdleReleaser releases sessions whose lease was not used since a cutoff.
// Implemented by *session.Registry.
type IdleReleaser interface {
	ReleaseIdle(ctx context.Context, idleBefore time.Time) (int, error)
}

// Janitor schedules the maintenance jobs.
type Janitor struct {
	executions execution.Store
	sessions   IdleReleaser
	limiter    *ratelimit.Limiter
	metrics    *Metrics
	logger     *slog.Logger
	config     *config.JanitorConfig

	parser cron.Parser
	now    func() time.Time
}

// New creates a Janitor. sessions may be nil, which disables the idle lease sweep.
func New(executions execution.Store, sessions IdleReleaser, logger *slog.Logger, cfg *config.JanitorConfig) *Janitor {
	return &Janitor{
		executions: executions,
		sessions:   sessions,
		logger:     logger,
		config:     cfg,
		parser:     cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		now:        time.Now,
	}
}

// WithMetrics records sweep results in m.
func (j *Janitor) WithMetrics(m *Metrics) *Janitor {
	j.metrics = m
	return j
}

// WithLimiter prunes idle buckets of l on the idle schedule.
func (j *Janitor) WithLimiter(l *ratelimit.Limiter) *Janitor {
	j.limiter = l
	return j
}

type job struct {
	name string
	spec string
	run  func(ctx context.Context) (int, error)
}

func (j *Janitor) jobs() []job {
	jobs := []job{{name: "stale", spec: j.config.Schedule(), run: j.SweepStale}}
	if (j.sessions != nil && j.config.LeaseIdle() > 0) || !j.limiter.Unlimited() {
		jobs = append(jobs, job{name: "idle", spec: j.config.IdleScheduleSpec(), run: j.SweepIdle})
	}
	return jobs
}

// Start validates the schedules and launches one loop per job. The returned
// function stops the loops and waits for a running sweep to finish.
func (j *Janitor) Start(ctx context.Context) (func(), error) {
	if !j.config.Enabled() {
		j.logger.Info("janitor disabled")
		return func() {}, nil
	}

	jobs := j.jobs()
	schedules := make([]cron.Schedule, len(jobs))
	for i, jb := range jobs {
		s, err := j.parser.Parse(jb.spec)
		if err != nil {
			return nil, fmt.Errorf("invalid %s schedule %q: %w", jb.name, jb.spec, err)
		}
		schedules[i] = s
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for i, jb := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j.loop(ctx, jb, schedules[i])
		}()
	}

	j.logger.InfoContext(ctx, "janitor started",
		slog.String("stale_schedule", j.config.Schedule()),
		slog.Duration("stale_after", j.config.StaleAfter()),
		slog.Duration("lease_idle", j.config.LeaseIdle()),
	)

	return func() {
		cancel()
		wg.Wait()
	}, nil
}

func (j *Janitor) loop(ctx context.Context, jb job, sched cron.Schedule) {
	for {
		next := sched.Next(j.now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		j.runJob(ctx, jb)
	}
}

func (j *Janitor) runJob(ctx context.Context, jb job) {
	start := time.Now()
	n, err := jb.run(ctx)
	j.metrics.observe(jb.name, n, err, time.Since(start))
	if err != nil && ctx.Err() == nil {
		j.logger.ErrorContext(ctx, "janitor sweep failed",
			slog.String("job", jb.name),
			slog.String("error", err.Error()),
		)
		return
	}
	if n > 0 {
		j.logger.InfoContext(ctx, "janitor sweep finished",
			slog.String("job", jb.name),
			slog.Int("count", n),
		)
	}
}

// SweepStale completes every running execution that has not been updated
// within the stale window. Records young enough that their runner may still
// be inside its timeout are left to the runner. It returns the number of
// records completed.
func (j *Janitor) SweepStale(ctx context.Context) (int, error) {
	now := j.now()
	cutoff := now.Add(-j.config.StaleAfter())
	startedBefore := now.Add(-runnerBudget)
	recs, err := j.executions.ListStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("listing stale executions: %w", err)
	}

	completed := 0
	for _, rec := range recs {
		if ctx.Err() != nil {
			return completed, ctx.Err()
		}
		if rec.CreatedAt.After(startedBefore) {
			continue
		}
		err := j.executions.CompleteExecution(ctx, rec.ID, execution.Failed(rec.Stdout, rec.Stderr, AbandonedMessage))
		switch {
		case err == nil:
			completed++
			j.logger.WarnContext(ctx, "execution abandoned",
				slog.String("execution_id", rec.ID),
				slog.String("session_id", rec.SessionID),
				slog.Time("updated_at", rec.UpdatedAt),
			)
		case errors.Is(err, execution.ErrTerminal), errors.Is(err, execution.ErrNotFound):
			// The runner finished it, or retention removed it, in the meantime.
		default:
			j.logger.ErrorContext(ctx, "failed to complete stale execution",
				slog.String("execution_id", rec.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return completed, nil
}

// SweepIdle releases sessions whose lease has been unused for the
// configured idle time and prunes idle rate limiter buckets.
func (j *Janitor) SweepIdle(ctx context.Context) (int, error) {
	if j.limiter != nil {
		j.limiter.Prune(limiterIdle)
	}
	idle := j.config.LeaseIdle()
	if j.sessions == nil || idle <= 0 {
		return 0, nil
	}
	n, err := j.sessions.ReleaseIdle(ctx, j.now().Add(-idle))
	if err != nil {
		return n, fmt.Errorf("releasing idle sessions: %w", err)
	}
	return n, nil
}
