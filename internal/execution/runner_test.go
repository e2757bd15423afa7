package execution_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jkaninda/shellbox/internal/execution"
	"github.com/jkaninda/shellbox/internal/pool"
	"github.com/jkaninda/shellbox/internal/sandbox"
	"github.com/jkaninda/shellbox/internal/session"
	"github.com/jkaninda/shellbox/internal/storage/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedBackend replays chunks in order. A nil entry blocks until the
// context ends.
type scriptedBackend struct {
	submitErr error
	chunks    []*sandbox.Chunk
	nextErr   error
	panicMsg  string

	mu    sync.Mutex
	calls int
}

func (b *scriptedBackend) Name() string { return "scripted" }

func (b *scriptedBackend) Submit(_ context.Context, sub sandbox.Submission) (*sandbox.Handle, error) {
	if b.submitErr != nil {
		return nil, b.submitErr
	}
	return &sandbox.Handle{ID: "h-1", SessionID: sub.SessionID}, nil
}

func (b *scriptedBackend) Next(ctx context.Context, _ *sandbox.Handle) (sandbox.Chunk, error) {
	if b.panicMsg != "" {
		panic(b.panicMsg)
	}
	b.mu.Lock()
	n := b.calls
	b.calls++
	b.mu.Unlock()

	if n >= len(b.chunks) {
		if b.nextErr != nil {
			return sandbox.Chunk{}, b.nextErr
		}
		<-ctx.Done()
		return sandbox.Chunk{}, ctx.Err()
	}
	if b.chunks[n] == nil {
		<-ctx.Done()
		return sandbox.Chunk{}, ctx.Err()
	}
	return *b.chunks[n], nil
}

// countingStore records how many terminal writes reached the store.
type countingStore struct {
	execution.Store
	completes atomic.Int32
	updates   atomic.Int32
}

func (s *countingStore) UpdateOutput(ctx context.Context, id, stdout, stderr string) error {
	s.updates.Add(1)
	return s.Store.UpdateOutput(ctx, id, stdout, stderr)
}

func (s *countingStore) CompleteExecution(ctx context.Context, id string, c execution.Completion) error {
	s.completes.Add(1)
	return s.Store.CompleteExecution(ctx, id, c)
}

func newStore() *countingStore {
	return &countingStore{Store: memory.New().Executions()}
}

func intPtr(v int) *int { return &v }

func TestRunner_Run_CumulativeSnapshots(t *testing.T) {
	st := newStore()
	backend := &scriptedBackend{chunks: []*sandbox.Chunk{
		{Stdout: "h", Cumulative: true},
		{Stdout: "hi\n", Cumulative: true},
		{Stdout: "hi\n", Cumulative: true},
		{Stdout: "hi\n", Cumulative: true, Done: true, ExitCode: intPtr(0)},
	}}
	r := execution.NewRunner(backend, st, testLogger())

	rec, err := r.Run(context.Background(), execution.Request{ID: "s-1", SessionID: "conv-1", Command: "echo hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !rec.Done || rec.Stdout != "hi\n" || rec.Error != nil || rec.ExitCode == nil || *rec.ExitCode != 0 {
		t.Fatalf("record = %+v", rec)
	}
	if rec.ID != "s-1" || rec.SessionID != "conv-1" {
		t.Errorf("identity = %q/%q", rec.ID, rec.SessionID)
	}
	// Only content changes are written.
	if got := st.updates.Load(); got != 2 {
		t.Errorf("output writes = %d, want 2", got)
	}
	if got := st.completes.Load(); got != 1 {
		t.Errorf("terminal writes = %d, want 1", got)
	}
}

func TestRunner_Run_ShorterSnapshotIgnored(t *testing.T) {
	st := newStore()
	backend := &scriptedBackend{chunks: []*sandbox.Chunk{
		{Stdout: "line one\n", Cumulative: true},
		{Stdout: "one\n", Cumulative: true, Done: true, ExitCode: intPtr(0)},
	}}
	r := execution.NewRunner(backend, st, testLogger())

	rec, err := r.Run(context.Background(), execution.Request{SessionID: "conv", Command: "x"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.Stdout != "line one\n" {
		t.Errorf("stdout = %q, want the longer snapshot kept", rec.Stdout)
	}
	if rec.ID == "" {
		t.Error("expected a generated id")
	}
}

func TestRunner_Run_Deltas(t *testing.T) {
	st := newStore()
	backend := &scriptedBackend{chunks: []*sandbox.Chunk{
		{Stdout: "a"},
		{Stderr: "warn\n"},
		{Stdout: "b"},
		{Stdout: "c", Done: true, ExitCode: intPtr(3)},
	}}
	r := execution.NewRunner(backend, st, testLogger())

	rec, err := r.Run(context.Background(), execution.Request{SessionID: "conv", Command: "x"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.Stdout != "abc" || rec.Stderr != "warn\n" {
		t.Errorf("output = %q / %q", rec.Stdout, rec.Stderr)
	}
	if rec.ExitCode == nil || *rec.ExitCode != 3 || rec.Succeeded() {
		t.Errorf("exit = %v, succeeded = %v", rec.ExitCode, rec.Succeeded())
	}
	if rec.Outcome() != "failed" {
		t.Errorf("outcome = %q", rec.Outcome())
	}
}

func TestRunner_Run_Timeout(t *testing.T) {
	st := newStore()
	backend := &scriptedBackend{chunks: []*sandbox.Chunk{
		{Stdout: "partial"},
		nil,
	}}
	r := execution.NewRunner(backend, st, testLogger())

	start := time.Now()
	rec, err := r.Run(context.Background(), execution.Request{SessionID: "conv", Command: "sleep 999", Timeout: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed < execution.MinTimeout {
		t.Errorf("returned after %v, timeout must be clamped to %v", elapsed, execution.MinTimeout)
	}
	if !rec.Done || rec.Error == nil || *rec.Error != execution.TimeoutMessage {
		t.Fatalf("record = %+v, want timed out", rec)
	}
	if rec.Stdout != "partial" {
		t.Errorf("stdout = %q, want partial output kept", rec.Stdout)
	}
	if rec.Outcome() != "timeout" {
		t.Errorf("outcome = %q", rec.Outcome())
	}
	if got := st.completes.Load(); got != 1 {
		t.Errorf("terminal writes = %d, want 1", got)
	}
}

func TestRunner_Run_SubmitError(t *testing.T) {
	st := newStore()
	backend := &scriptedBackend{submitErr: pool.ErrPoolExhausted}
	r := execution.NewRunner(backend, st, testLogger())

	rec, err := r.Run(context.Background(), execution.Request{SessionID: "conv", Command: "ls"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !rec.Done || rec.Error == nil || !strings.Contains(*rec.Error, pool.ErrPoolExhausted.Error()) {
		t.Errorf("record = %+v", rec)
	}
}

func TestRunner_Run_NextError(t *testing.T) {
	st := newStore()
	backend := &scriptedBackend{
		chunks:  []*sandbox.Chunk{{Stdout: "so far"}},
		nextErr: errors.New("connection reset"),
	}
	r := execution.NewRunner(backend, st, testLogger())

	rec, err := r.Run(context.Background(), execution.Request{SessionID: "conv", Command: "ls"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.Error == nil || *rec.Error != "connection reset" || rec.Stdout != "so far" {
		t.Errorf("record = %+v", rec)
	}
}

func TestRunner_Run_PanicStillCompletes(t *testing.T) {
	st := newStore()
	backend := &scriptedBackend{panicMsg: "boom"}
	r := execution.NewRunner(backend, st, testLogger())

	rec, err := r.Run(context.Background(), execution.Request{SessionID: "conv", Command: "ls"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !rec.Done || rec.Error == nil || !strings.Contains(*rec.Error, "boom") {
		t.Errorf("record = %+v", rec)
	}
}

func TestRunner_Run_RejectsEmptyCommand(t *testing.T) {
	st := newStore()
	r := execution.NewRunner(&scriptedBackend{}, st, testLogger())

	_, err := r.Run(context.Background(), execution.Request{ID: "e", SessionID: "conv", Command: "   "})
	if !errors.Is(err, sandbox.ErrEmptyCommand) {
		t.Fatalf("err = %v, want ErrEmptyCommand", err)
	}
	if _, err := st.GetExecution(context.Background(), "e"); !errors.Is(err, execution.ErrNotFound) {
		t.Errorf("record created for rejected command: %v", err)
	}
}

func TestRunner_Start_Async(t *testing.T) {
	st := newStore()
	backend := &scriptedBackend{chunks: []*sandbox.Chunk{
		{Stdout: "done", Done: true, ExitCode: intPtr(0)},
	}}
	var finished atomic.Int32
	r := execution.NewRunner(backend, st, testLogger()).
		WithFinishHook(func(name string, rec *execution.Record, _ time.Duration) {
			if name != "scripted" || rec.Outcome() != "succeeded" {
				t.Errorf("hook got %s/%s", name, rec.Outcome())
			}
			finished.Add(1)
		})

	// Cancelling the caller's context must not abort the background run.
	ctx, cancel := context.WithCancel(context.Background())
	initial, err := r.Start(ctx, execution.Request{ID: "async-1", SessionID: "conv", Command: "echo done"})
	cancel()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if initial.Done || initial.Stdout != "" {
		t.Errorf("initial = %+v, want running snapshot", initial)
	}

	r.Wait()
	rec, err := st.GetExecution(context.Background(), "async-1")
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if !rec.Succeeded() || rec.Stdout != "done" {
		t.Errorf("record = %+v", rec)
	}
	if finished.Load() != 1 {
		t.Errorf("finish hook calls = %d", finished.Load())
	}
}

func TestRunner_Run_DuplicateID(t *testing.T) {
	st := newStore()
	r := execution.NewRunner(&scriptedBackend{}, st, testLogger())

	ctx := context.Background()
	now := time.Now().UTC()
	if err := st.Store.CreateExecution(ctx, &execution.Record{ID: "pre", SessionID: "conv", Command: "x", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if err := st.Store.CompleteExecution(ctx, "pre", execution.Failed("", "", "execution abandoned")); err != nil {
		t.Fatalf("CompleteExecution: %v", err)
	}

	_, err := r.Run(ctx, execution.Request{ID: "pre", SessionID: "conv", Command: "x"})
	if err == nil {
		t.Fatal("expected duplicate id to be rejected")
	}
	rec, err := st.GetExecution(ctx, "pre")
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if rec.Error == nil || *rec.Error != "execution abandoned" {
		t.Errorf("existing record overwritten: %+v", rec)
	}
}

func TestClampTimeout(t *testing.T) {
	tests := []struct {
		ms   int64
		want time.Duration
	}{
		{0, execution.DefaultTimeout},
		{-5, execution.DefaultTimeout},
		{1, execution.MinTimeout},
		{999, execution.MinTimeout},
		{1000, time.Second},
		{45000, 45 * time.Second},
		{600000, execution.MaxTimeout},
		{3600000, execution.MaxTimeout},
	}
	for _, tt := range tests {
		if got := execution.ClampTimeout(tt.ms); got != tt.want {
			t.Errorf("ClampTimeout(%d) = %v, want %v", tt.ms, got, tt.want)
		}
	}
}

// --- end to end through the pool backend ---

func TestRunner_PoolBackend_EchoHi(t *testing.T) {
	var logCalls atomic.Int32
	var offsets []string
	var mu sync.Mutex

	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("GET /borrow", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"item":         map[string]string{"id": "sb-1", "execUrl": srv.URL + "/sb-1/"},
			"borrow_token": "tok-1",
		})
	})
	mux.HandleFunc("POST /sb-1/exec", func(w http.ResponseWriter, r *http.Request) {
		var body struct{ Command string }
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Command != "echo hi" {
			t.Errorf("command = %q", body.Command)
		}
		_, _ = w.Write([]byte(`{"commandId":"cmd-1","status":"started"}`))
	})
	mux.HandleFunc("GET /sb-1/logs/cmd-1", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		offsets = append(offsets, r.URL.Query().Get("offset"))
		mu.Unlock()
		if logCalls.Add(1) == 1 {
			_, _ = w.Write([]byte(`{"logs":"hi\n","offset":3,"done":false}`))
			return
		}
		_, _ = w.Write([]byte(`{"logs":"hi\n","offset":3,"done":true,"exitCode":0}`))
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	client, err := pool.NewClient(pool.Config{BaseURL: srv.URL}, testLogger())
	if err != nil {
		t.Fatalf("pool.NewClient: %v", err)
	}
	store := memory.New()
	reg := session.NewRegistry(client, store.Sessions(), session.Options{Logger: testLogger()})
	backend := sandbox.NewPoolBackend(reg, 5*time.Millisecond, testLogger())
	r := execution.NewRunner(backend, store.Executions(), testLogger())

	rec, err := r.Run(context.Background(), execution.Request{ID: "stream-1", SessionID: "conv-1", Command: "echo hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.Stdout != "hi\n" || rec.ExitCode == nil || *rec.ExitCode != 0 || !rec.Done || rec.Error != nil {
		t.Fatalf("record = %+v", rec)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(offsets) != 2 || offsets[0] != "-1" || offsets[1] != "3" {
		t.Errorf("offsets = %v, want [-1 3]", offsets)
	}

	sess, err := store.Sessions().GetSession(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if !sess.HasSandbox() || sess.Item.ID != "sb-1" || *sess.LeaseToken != "tok-1" {
		t.Errorf("session = %+v, want lease persisted", sess)
	}
}
