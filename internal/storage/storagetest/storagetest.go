// Package storagetest is a conformance suite run by every storage driver.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"pgregory.net/rapid"

	"github.com/jkaninda/shellbox/internal/execution"
	"github.com/jkaninda/shellbox/internal/pool"
	"github.com/jkaninda/shellbox/internal/session"
	"github.com/jkaninda/shellbox/internal/storage"
)

// Run exercises st against the Session and Execution store contracts.
// Records use fresh random ids so a shared database can be reused.
func Run(t *testing.T, st storage.Store) {
	t.Run("SessionRoundTrip", func(t *testing.T) { testSessionRoundTrip(t, st.Sessions()) })
	t.Run("SessionListLeased", func(t *testing.T) { testSessionListLeased(t, st.Sessions()) })
	t.Run("ExecutionLifecycle", func(t *testing.T) { testExecutionLifecycle(t, st.Executions()) })
	t.Run("ExecutionNotFound", func(t *testing.T) { testExecutionNotFound(t, st.Executions()) })
	t.Run("ExecutionTerminalOnce", func(t *testing.T) { testExecutionTerminalOnce(t, st.Executions()) })
	t.Run("ExecutionListStale", func(t *testing.T) { testExecutionListStale(t, st.Executions()) })
	t.Run("ExecutionMonotonic", func(t *testing.T) { testExecutionMonotonic(t, st.Executions()) })
	t.Run("Ping", func(t *testing.T) {
		if err := st.Ping(context.Background()); err != nil {
			t.Fatalf("Ping: %v", err)
		}
	})
}

func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

func leased(id, itemID, token string, at time.Time) session.Record {
	return session.Record{
		SessionID:  id,
		Item:       &pool.Item{ID: itemID, ExecURL: "http://" + itemID + "/"},
		LeaseToken: &token,
		LeasedAt:   &at,
	}
}

func testSessionRoundTrip(t *testing.T, s session.Store) {
	ctx := context.Background()
	id := newID("conv")

	empty, err := s.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("GetSession(unknown): %v", err)
	}
	if empty.SessionID != id || empty.HasSandbox() {
		t.Fatalf("unknown session = %+v, want empty record", empty)
	}

	at := time.Now().UTC().Truncate(time.Millisecond)
	if err := s.SaveSession(ctx, leased(id, "sb-1", "tok-1", at)); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	got, err := s.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if !got.HasSandbox() || got.Item.ID != "sb-1" || got.Item.ExecURL != "http://sb-1/" || *got.LeaseToken != "tok-1" {
		t.Fatalf("session = %+v", got)
	}
	if got.LeasedAt == nil || !got.LeasedAt.Equal(at) {
		t.Errorf("leasedAt = %v, want %v", got.LeasedAt, at)
	}

	if err := s.SaveSession(ctx, session.Empty(id)); err != nil {
		t.Fatalf("SaveSession(empty): %v", err)
	}
	got, err = s.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.HasSandbox() || got.Item != nil || got.LeaseToken != nil || got.LeasedAt != nil {
		t.Errorf("released session = %+v, want all-nil lease", got)
	}
}

func testSessionListLeased(t *testing.T, s session.Store) {
	ctx := context.Background()
	old := newID("old")
	fresh := newID("fresh")
	now := time.Now().UTC()

	if err := s.SaveSession(ctx, leased(old, "sb-a", "tok-a", now.Add(-2*time.Hour))); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	if err := s.SaveSession(ctx, leased(fresh, "sb-b", "tok-b", now)); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	recs, err := s.ListLeased(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("ListLeased: %v", err)
	}
	var sawOld bool
	for _, r := range recs {
		if r.SessionID == fresh {
			t.Errorf("fresh lease listed as idle")
		}
		if r.SessionID == old {
			sawOld = true
		}
	}
	if !sawOld {
		t.Errorf("old lease not listed: %+v", recs)
	}
}

func create(t *testing.T, s execution.Store, id string) {
	t.Helper()
	now := time.Now().UTC()
	err := s.CreateExecution(context.Background(), &execution.Record{
		ID:        id,
		SessionID: "conv",
		ChatID:    "chat",
		Command:   "echo hi",
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
}

func testExecutionLifecycle(t *testing.T, s execution.Store) {
	ctx := context.Background()
	id := newID("exec")
	create(t, s, id)

	rec, err := s.GetExecution(ctx, id)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if rec.Done || rec.Stdout != "" || rec.Stderr != "" || rec.ExitCode != nil || rec.Error != nil {
		t.Fatalf("new record = %+v", rec)
	}
	if rec.SessionID != "conv" || rec.ChatID != "chat" || rec.Command != "echo hi" {
		t.Errorf("identity fields = %+v", rec)
	}

	if err := s.UpdateOutput(ctx, id, "h", ""); err != nil {
		t.Fatalf("UpdateOutput: %v", err)
	}
	if err := s.UpdateOutput(ctx, id, "hi\n", "warn"); err != nil {
		t.Fatalf("UpdateOutput: %v", err)
	}
	zero := 0
	if err := s.CompleteExecution(ctx, id, execution.Exited("hi\n", "warn", &zero)); err != nil {
		t.Fatalf("CompleteExecution: %v", err)
	}

	rec, err = s.GetExecution(ctx, id)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if !rec.Done || rec.Stdout != "hi\n" || rec.Stderr != "warn" || rec.Error != nil {
		t.Errorf("final record = %+v", rec)
	}
	if rec.ExitCode == nil || *rec.ExitCode != 0 || !rec.Succeeded() {
		t.Errorf("exit code = %v, succeeded = %v", rec.ExitCode, rec.Succeeded())
	}
	if rec.UpdatedAt.Before(rec.CreatedAt) {
		t.Errorf("updatedAt %v before createdAt %v", rec.UpdatedAt, rec.CreatedAt)
	}
}

func testExecutionNotFound(t *testing.T, s execution.Store) {
	ctx := context.Background()
	missing := newID("missing")
	if _, err := s.GetExecution(ctx, missing); !errors.Is(err, execution.ErrNotFound) {
		t.Errorf("GetExecution err = %v, want ErrNotFound", err)
	}
	if err := s.UpdateOutput(ctx, missing, "x", ""); !errors.Is(err, execution.ErrNotFound) {
		t.Errorf("UpdateOutput err = %v, want ErrNotFound", err)
	}
	if err := s.CompleteExecution(ctx, missing, execution.Failed("", "", "x")); !errors.Is(err, execution.ErrNotFound) {
		t.Errorf("CompleteExecution err = %v, want ErrNotFound", err)
	}
}

func testExecutionTerminalOnce(t *testing.T, s execution.Store) {
	ctx := context.Background()
	id := newID("exec")
	create(t, s, id)

	if err := s.CompleteExecution(ctx, id, execution.Failed("out", "", execution.TimeoutMessage)); err != nil {
		t.Fatalf("CompleteExecution: %v", err)
	}
	one := 1
	if err := s.CompleteExecution(ctx, id, execution.Exited("out more", "", &one)); !errors.Is(err, execution.ErrTerminal) {
		t.Errorf("second CompleteExecution err = %v, want ErrTerminal", err)
	}
	if err := s.UpdateOutput(ctx, id, "out and more", ""); !errors.Is(err, execution.ErrTerminal) {
		t.Errorf("UpdateOutput after done err = %v, want ErrTerminal", err)
	}

	rec, err := s.GetExecution(ctx, id)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if rec.Stdout != "out" || rec.Error == nil || *rec.Error != execution.TimeoutMessage || rec.ExitCode != nil {
		t.Errorf("record changed after terminal write: %+v", rec)
	}
}

func testExecutionListStale(t *testing.T, s execution.Store) {
	ctx := context.Background()
	running := newID("running")
	finished := newID("finished")
	create(t, s, running)
	create(t, s, finished)
	if err := s.CompleteExecution(ctx, finished, execution.Failed("", "", "boom")); err != nil {
		t.Fatalf("CompleteExecution: %v", err)
	}

	recs, err := s.ListStale(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("ListStale: %v", err)
	}
	var sawRunning bool
	for _, r := range recs {
		if r.ID == finished {
			t.Errorf("finished execution listed as stale")
		}
		if r.ID == running {
			sawRunning = true
		}
	}
	if !sawRunning {
		t.Errorf("running execution not listed")
	}

	recs, err = s.ListStale(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("ListStale: %v", err)
	}
	for _, r := range recs {
		if r.ID == running {
			t.Errorf("recently updated execution listed as stale")
		}
	}
}

// testExecutionMonotonic drives random write sequences and checks that the
// stored output never shrinks and never changes after done.
func testExecutionMonotonic(t *testing.T, s execution.Store) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		id := newID("prop")
		now := time.Now().UTC()
		if err := s.CreateExecution(ctx, &execution.Record{ID: id, SessionID: "conv", Command: "x", CreatedAt: now, UpdatedAt: now}); err != nil {
			rt.Fatalf("CreateExecution: %v", err)
		}

		var lastOut, lastErr int
		done := false
		steps := rapid.IntRange(1, 12).Draw(rt, "steps")
		for i := range steps {
			outLen := rapid.IntRange(0, 40).Draw(rt, fmt.Sprintf("out%d", i))
			errLen := rapid.IntRange(0, 10).Draw(rt, fmt.Sprintf("err%d", i))
			stdout, stderr := strings.Repeat("o", outLen), strings.Repeat("e", errLen)

			var err error
			if rapid.IntRange(0, 4).Draw(rt, fmt.Sprintf("op%d", i)) == 0 {
				err = s.CompleteExecution(ctx, id, execution.Exited(stdout, stderr, nil))
			} else {
				err = s.UpdateOutput(ctx, id, stdout, stderr)
			}

			shrinks := outLen < lastOut || errLen < lastErr
			switch {
			case done:
				if !errors.Is(err, execution.ErrTerminal) {
					rt.Fatalf("write after done: err = %v, want ErrTerminal", err)
				}
			case shrinks:
				if !errors.Is(err, execution.ErrShrink) {
					rt.Fatalf("shrinking write: err = %v, want ErrShrink", err)
				}
			case err != nil:
				rt.Fatalf("valid write failed: %v", err)
			}

			rec, gerr := s.GetExecution(ctx, id)
			if gerr != nil {
				rt.Fatalf("GetExecution: %v", gerr)
			}
			if len(rec.Stdout) < lastOut || len(rec.Stderr) < lastErr {
				rt.Fatalf("output shrank: %d/%d -> %d/%d", lastOut, lastErr, len(rec.Stdout), len(rec.Stderr))
			}
			if done && (len(rec.Stdout) != lastOut || len(rec.Stderr) != lastErr) {
				rt.Fatalf("output changed after done")
			}
			lastOut, lastErr = len(rec.Stdout), len(rec.Stderr)
			done = rec.Done
		}
	})
}
