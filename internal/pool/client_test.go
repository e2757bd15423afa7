package pool

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newTestClient(t *testing.T, h http.Handler, cfg Config) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg.BaseURL = srv.URL
	c, err := NewClient(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	if _, err := NewClient(Config{}, nil); err == nil {
		t.Fatal("expected error for empty base URL")
	}
}

func TestBorrow_Success(t *testing.T) {
	var gotWait, gotParams string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /borrow", func(w http.ResponseWriter, r *http.Request) {
		gotWait = r.URL.Query().Get("wait")
		gotParams = r.URL.Query().Get("params")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"item":         map[string]string{"id": "sb-1", "execUrl": "http://sb-1/"},
			"borrow_token": "tok-1",
		})
	})
	c := newTestClient(t, mux, Config{})

	lease, err := c.Borrow(context.Background(), "conv-1", 5*time.Second)
	if err != nil {
		t.Fatalf("Borrow: %v", err)
	}
	if lease.Item.ID != "sb-1" || lease.Item.ExecURL != "http://sb-1/" || lease.Token != "tok-1" {
		t.Errorf("lease = %+v", lease)
	}
	if gotWait != "5" {
		t.Errorf("wait = %q, want 5", gotWait)
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(gotParams), &params); err != nil {
		t.Fatalf("params not JSON: %q", gotParams)
	}
	if params["session_id"] != "conv-1" {
		t.Errorf("params.session_id = %v, want conv-1", params["session_id"])
	}
}

func TestBorrow_DefaultWait(t *testing.T) {
	var gotWait string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /borrow", func(w http.ResponseWriter, r *http.Request) {
		gotWait = r.URL.Query().Get("wait")
		_, _ = w.Write([]byte(`{"item":{"id":"a","execUrl":"http://a"},"borrow_token":"t"}`))
	})
	c := newTestClient(t, mux, Config{})

	if _, err := c.Borrow(context.Background(), "", 0); err != nil {
		t.Fatalf("Borrow: %v", err)
	}
	if gotWait != "30" {
		t.Errorf("wait = %q, want 30", gotWait)
	}
}

func TestBorrow_SubSecondWaitRoundsUp(t *testing.T) {
	var gotWait string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /borrow", func(w http.ResponseWriter, r *http.Request) {
		gotWait = r.URL.Query().Get("wait")
		_, _ = w.Write([]byte(`{"item":{"id":"a","execUrl":"http://a"},"borrow_token":"t"}`))
	})
	c := newTestClient(t, mux, Config{})

	if _, err := c.Borrow(context.Background(), "", 300*time.Millisecond); err != nil {
		t.Fatalf("Borrow: %v", err)
	}
	if gotWait != "1" {
		t.Errorf("wait = %q, want 1", gotWait)
	}
}

func TestWaitSeconds(t *testing.T) {
	tests := []struct {
		wait time.Duration
		want int
	}{
		{time.Nanosecond, 1},
		{999 * time.Millisecond, 1},
		{time.Second, 1},
		{1500 * time.Millisecond, 2},
		{30 * time.Second, 30},
	}
	for _, tt := range tests {
		if got := waitSeconds(tt.wait); got != tt.want {
			t.Errorf("waitSeconds(%v) = %d, want %d", tt.wait, got, tt.want)
		}
	}
}

func TestBorrow_Exhausted(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /borrow", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no items", http.StatusServiceUnavailable)
	})
	c := newTestClient(t, mux, Config{})

	_, err := c.Borrow(context.Background(), "conv-1", time.Second)
	if !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("err = %v, want ErrPoolExhausted", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected StatusError with 503, got %v", err)
	}
}

func TestBorrow_OtherStatusIsUnreachable(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /borrow", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	c := newTestClient(t, mux, Config{})

	_, err := c.Borrow(context.Background(), "", time.Second)
	if !errors.Is(err, ErrPoolUnreachable) {
		t.Fatalf("err = %v, want ErrPoolUnreachable", err)
	}
}

func TestBorrow_InvalidResponse(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing item", `{"borrow_token":"t"}`},
		{"missing exec url", `{"item":{"id":"a"},"borrow_token":"t"}`},
		{"missing token", `{"item":{"id":"a","execUrl":"http://a"}}`},
		{"not json", `<html>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("GET /borrow", func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			})
			c := newTestClient(t, mux, Config{})
			_, err := c.Borrow(context.Background(), "", time.Second)
			if !errors.Is(err, ErrInvalidResponse) {
				t.Errorf("err = %v, want ErrInvalidResponse", err)
			}
		})
	}
}

func TestReturn_Success(t *testing.T) {
	var got returnRequest
	mux := http.NewServeMux()
	mux.HandleFunc("POST /return", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"operation_id":"op-1"}`))
	})
	c := newTestClient(t, mux, Config{})

	ref, err := c.Return(context.Background(), Item{ID: "sb-1", ExecURL: "http://sb-1/"}, "tok-1", "conv-1")
	if err != nil {
		t.Fatalf("Return: %v", err)
	}
	if ref.ID != "op-1" {
		t.Errorf("operation id = %q, want op-1", ref.ID)
	}
	if got.Item.ID != "sb-1" || got.BorrowToken != "tok-1" || got.Params["session_id"] != "conv-1" {
		t.Errorf("request = %+v", got)
	}
}

func TestReturn_InvalidLease(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /return", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "stale token", http.StatusForbidden)
	})
	c := newTestClient(t, mux, Config{})

	_, err := c.Return(context.Background(), Item{ID: "sb-1", ExecURL: "http://x"}, "old", "")
	if !errors.Is(err, ErrInvalidLease) {
		t.Fatalf("err = %v, want ErrInvalidLease", err)
	}
}

func TestGetOperationStatus_UnknownStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /operations/{id}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"exploded"}`))
	})
	c := newTestClient(t, mux, Config{})

	_, err := c.GetOperationStatus(context.Background(), "op-1")
	if !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("err = %v, want ErrInvalidResponse", err)
	}
}

func TestWaitForOperation_PollsUntilTerminal(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /operations/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "op-1" {
			http.NotFound(w, r)
			return
		}
		status := StatusInProgress
		if calls.Add(1) >= 3 {
			status = StatusSucceeded
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"status": status})
	})
	c := newTestClient(t, mux, Config{PollInterval: 10 * time.Millisecond, MaxAttempts: 10})

	status, err := c.WaitForOperation(context.Background(), "op-1", 0)
	if err != nil {
		t.Fatalf("WaitForOperation: %v", err)
	}
	if status != StatusSucceeded {
		t.Errorf("status = %s, want succeeded", status)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("polls = %d, want 3", got)
	}
}

func TestWaitForOperation_Timeout(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /operations/{id}", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"status":"pending"}`))
	})
	c := newTestClient(t, mux, Config{PollInterval: 5 * time.Millisecond, MaxAttempts: 4})

	_, err := c.WaitForOperation(context.Background(), "op-1", time.Minute)
	if !errors.Is(err, ErrOperationTimeout) {
		t.Fatalf("err = %v, want ErrOperationTimeout", err)
	}
	if got := calls.Load(); got != 4 {
		t.Errorf("polls = %d, want 4 (max attempts)", got)
	}
}

func TestReturnAndWait_FailedOperation(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /return", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"operation_id":"op-9"}`))
	})
	mux.HandleFunc("GET /operations/{id}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"failed"}`))
	})
	c := newTestClient(t, mux, Config{PollInterval: 5 * time.Millisecond})

	status, err := c.ReturnAndWait(context.Background(), Item{ID: "a", ExecURL: "http://a"}, "t", "")
	if !errors.Is(err, ErrOperationFailed) {
		t.Fatalf("err = %v, want ErrOperationFailed", err)
	}
	if status != StatusFailed {
		t.Errorf("status = %s, want failed", status)
	}
}

func TestReturnAndWait_Success(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /return", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"operation_id":"op-2"}`))
	})
	mux.HandleFunc("GET /operations/{id}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"succeeded"}`))
	})
	c := newTestClient(t, mux, Config{PollInterval: 5 * time.Millisecond})

	status, err := c.ReturnAndWait(context.Background(), Item{ID: "a", ExecURL: "http://a"}, "t", "conv")
	if err != nil {
		t.Fatalf("ReturnAndWait: %v", err)
	}
	if status != StatusSucceeded {
		t.Errorf("status = %s, want succeeded", status)
	}
}

func TestConfig_OperationBudget(t *testing.T) {
	if got := (Config{}).OperationBudget(); got != 60*time.Second {
		t.Errorf("default budget = %s, want 1m0s", got)
	}
	cfg := Config{PollInterval: time.Second, MaxAttempts: 5}
	if got := cfg.OperationBudget(); got != 5*time.Second {
		t.Errorf("budget = %s, want 5s", got)
	}
}
