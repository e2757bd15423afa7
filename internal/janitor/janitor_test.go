package janitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/jkaninda/shellbox/internal/config"
	"github.com/jkaninda/shellbox/internal/execution"
	"github.com/jkaninda/shellbox/internal/ratelimit"
	"github.com/jkaninda/shellbox/internal/storage/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeReleaser struct {
	mu      sync.Mutex
	cutoffs []time.Time
	n       int
	err     error
}

func (f *fakeReleaser) ReleaseIdle(_ context.Context, idleBefore time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, idleBefore)
	return f.n, f.err
}

func (f *fakeReleaser) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs)
}

func seed(t *testing.T, st execution.Store, id, stdout string, updated time.Time) {
	t.Helper()
	rec := &execution.Record{
		ID:        id,
		SessionID: "chat-1",
		Command:   "sleep 1000",
		Stdout:    stdout,
		CreatedAt: updated,
		UpdatedAt: updated,
	}
	if err := st.CreateExecution(context.Background(), rec); err != nil {
		t.Fatalf("seeding %s: %v", id, err)
	}
}

func TestSweepStale(t *testing.T) {
	st := memory.New().Executions()
	now := time.Now().UTC()
	seed(t, st, "old", "partial\n", now.Add(-time.Hour))
	seed(t, st, "fresh", "", now.Add(-time.Minute))

	j := New(st, nil, testLogger(), &config.JanitorConfig{StaleAfterSeconds: 600})
	j.now = func() time.Time { return now }

	n, err := j.SweepStale(context.Background())
	if err != nil {
		t.Fatalf("SweepStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("completed = %d, want 1", n)
	}

	old, _ := st.GetExecution(context.Background(), "old")
	if !old.Done || old.Error == nil || *old.Error != AbandonedMessage {
		t.Errorf("old record = %+v, want abandoned", old)
	}
	if old.Stdout != "partial\n" {
		t.Errorf("stdout = %q, want captured output kept", old.Stdout)
	}

	fresh, _ := st.GetExecution(context.Background(), "fresh")
	if fresh.Done {
		t.Error("fresh record should still be running")
	}

	// A second sweep finds nothing.
	if n, _ := j.SweepStale(context.Background()); n != 0 {
		t.Errorf("second sweep completed %d", n)
	}
}

func TestSweepStale_LeavesRecordsInsideRunnerBudget(t *testing.T) {
	st := memory.New().Executions()
	now := time.Now().UTC()
	// A quiet command (sleep 120) that has produced no output for two minutes.
	seed(t, st, "quiet", "", now.Add(-2*time.Minute))

	j := New(st, nil, testLogger(), &config.JanitorConfig{StaleAfterSeconds: 60})
	j.now = func() time.Time { return now }

	n, err := j.SweepStale(context.Background())
	if err != nil {
		t.Fatalf("SweepStale: %v", err)
	}
	if n != 0 {
		t.Fatalf("completed = %d, want 0 while the runner may still be driving it", n)
	}
	if rec, _ := st.GetExecution(context.Background(), "quiet"); rec.Done {
		t.Errorf("record = %+v, want still running", rec)
	}

	// Past the longest runner budget the record is abandoned.
	j.now = func() time.Time { return now.Add(runnerBudget) }
	if n, _ := j.SweepStale(context.Background()); n != 1 {
		t.Errorf("completed = %d, want 1 once the runner budget has passed", n)
	}
}

// terminalStore lists a record that some other writer completes first.
type terminalStore struct {
	execution.Store
}

func (terminalStore) ListStale(context.Context, time.Time) ([]execution.Record, error) {
	return []execution.Record{{ID: "raced"}}, nil
}

func (terminalStore) CompleteExecution(context.Context, string, execution.Completion) error {
	return execution.ErrTerminal
}

func TestSweepStale_LostRaceIsNotCounted(t *testing.T) {
	j := New(terminalStore{}, nil, testLogger(), nil)
	n, err := j.SweepStale(context.Background())
	if err != nil {
		t.Fatalf("SweepStale: %v", err)
	}
	if n != 0 {
		t.Errorf("completed = %d, want 0", n)
	}
}

func TestSweepIdle(t *testing.T) {
	now := time.Now().UTC()
	rel := &fakeReleaser{n: 2}
	j := New(memory.New().Executions(), rel, testLogger(), &config.JanitorConfig{LeaseIdleSeconds: 3600})
	j.now = func() time.Time { return now }

	n, err := j.SweepIdle(context.Background())
	if err != nil {
		t.Fatalf("SweepIdle: %v", err)
	}
	if n != 2 {
		t.Errorf("released = %d, want 2", n)
	}
	if len(rel.cutoffs) != 1 || !rel.cutoffs[0].Equal(now.Add(-time.Hour)) {
		t.Errorf("cutoffs = %v, want [%v]", rel.cutoffs, now.Add(-time.Hour))
	}
}

func TestSweepIdle_DisabledWithoutMaxAge(t *testing.T) {
	rel := &fakeReleaser{}
	j := New(memory.New().Executions(), rel, testLogger(), nil)
	if n, err := j.SweepIdle(context.Background()); n != 0 || err != nil {
		t.Fatalf("SweepIdle = %d, %v", n, err)
	}
	if rel.calls() != 0 {
		t.Error("releaser should not be called without lease_idle")
	}
}

func TestSweepIdle_Error(t *testing.T) {
	rel := &fakeReleaser{err: errors.New("store down")}
	j := New(memory.New().Executions(), rel, testLogger(), &config.JanitorConfig{LeaseIdleSeconds: 60})
	if _, err := j.SweepIdle(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestJobs(t *testing.T) {
	st := memory.New().Executions()

	j := New(st, &fakeReleaser{}, testLogger(), nil)
	if got := len(j.jobs()); got != 1 {
		t.Errorf("jobs without idle work = %d, want 1", got)
	}

	j = New(st, nil, testLogger(), nil).WithLimiter(ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 10}))
	if got := len(j.jobs()); got != 2 {
		t.Errorf("jobs with limiter = %d, want 2", got)
	}
}

func TestStart_InvalidSchedule(t *testing.T) {
	j := New(memory.New().Executions(), nil, testLogger(), &config.JanitorConfig{StaleSchedule: "not a schedule"})
	if _, err := j.Start(context.Background()); err == nil {
		t.Fatal("expected schedule error")
	}
}

func TestStart_Disabled(t *testing.T) {
	j := New(memory.New().Executions(), nil, testLogger(), &config.JanitorConfig{Disabled: true})
	stop, err := j.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	stop()
}

func TestStart_RunsOnSchedule(t *testing.T) {
	reg := prometheus.NewRegistry()
	rel := &fakeReleaser{}
	j := New(memory.New().Executions(), rel, testLogger(), &config.JanitorConfig{
		StaleSchedule:      "@every 1s",
		IdleSchedule:       "@every 1s",
		LeaseIdleSeconds: 60,
	}).WithMetrics(NewMetrics(reg))

	stop, err := j.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for rel.calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	stop()

	if rel.calls() == 0 {
		t.Fatal("idle sweep never ran")
	}
	if v := testutil.ToFloat64(j.metrics.SweepsTotal.WithLabelValues("idle", "success")); v < 1 {
		t.Errorf("idle sweeps = %v, want >= 1", v)
	}
}

func TestMetrics_NilRegistry(t *testing.T) {
	if NewMetrics(nil) != nil {
		t.Fatal("expected nil metrics for nil registry")
	}
	var m *Metrics
	m.observe("stale", 1, nil, time.Second)
}
