package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/shellbox/internal/execution"
	"github.com/jkaninda/shellbox/internal/storage/memory"
)

func doneStore(t *testing.T) execution.Store {
	t.Helper()
	st := memory.New().Executions()
	newRecord(t, st, "s1")
	zero := 0
	if err := st.CompleteExecution(context.Background(), "s1", execution.Exited("hi\n", "", &zero)); err != nil {
		t.Fatalf("CompleteExecution: %v", err)
	}
	return st
}

func readSSE(t *testing.T, resp *http.Response) []Event {
	t.Helper()
	var events []Event
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			t.Fatalf("decoding %q: %v", data, err)
		}
		events = append(events, ev)
	}
	return events
}

func TestSSEHandler(t *testing.T) {
	srv := httptest.NewServer(SSEHandler(fastBridge(doneStore(t), 10)))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?id=s1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	events := readSSE(t, resp)
	if len(events) != 2 || events[0].Type != EventInitial || events[1].Type != EventDone {
		t.Fatalf("events = %+v", events)
	}
	snap, _ := events[0].Data.(map[string]any)
	if snap["stdout"] != "hi\n" || snap["done"] != true {
		t.Errorf("initial snapshot = %v", snap)
	}
}

func TestSSEHandler_Framing(t *testing.T) {
	srv := httptest.NewServer(SSEHandler(fastBridge(doneStore(t), 10)))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?id=s1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}

	frames := strings.Split(strings.TrimSpace(string(body)), "\n\n")
	if len(frames) != 2 {
		t.Fatalf("frames = %q, want 2", frames)
	}
	for i, want := range []string{"id: 1\nevent: initial\ndata: {", "id: 2\nevent: done\ndata: {"} {
		if !strings.HasPrefix(frames[i], want) {
			t.Errorf("frame %d = %q, want prefix %q", i, frames[i], want)
		}
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q", cc)
	}
}

func TestSSEHandler_NotFound(t *testing.T) {
	srv := httptest.NewServer(SSEHandler(fastBridge(memory.New().Executions(), 10)))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?id=nope")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	events := readSSE(t, resp)
	if len(events) != 1 || events[0].Type != EventError || events[0].Error != "not found" {
		t.Errorf("events = %+v", events)
	}
}

func TestSSEHandler_MissingID(t *testing.T) {
	rec := httptest.NewRecorder()
	SSEHandler(fastBridge(memory.New().Executions(), 10)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestWebSocketHandler(t *testing.T) {
	srv := httptest.NewServer(WebSocketHandler(fastBridge(doneStore(t), 10), nil))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, srv.URL+"?id=s1", &websocket.DialOptions{
		Subprotocols: []string{"shellbox-stream-v1"},
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	var types []EventType
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				t.Fatalf("Read: %v", err)
			}
			break
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decoding frame: %v", err)
		}
		types = append(types, ev.Type)
	}
	if !equalTypes(types, EventInitial, EventDone) {
		t.Errorf("events = %v", types)
	}
}

func TestWebSocketHandler_NotFound(t *testing.T) {
	srv := httptest.NewServer(WebSocketHandler(fastBridge(memory.New().Executions(), 10), nil))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, srv.URL+"?id=nope", nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil || ev.Type != EventError {
		t.Fatalf("first frame = %s (%v)", data, err)
	}
	_, _, err = conn.Read(ctx)
	var ce websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.StatusPolicyViolation {
		t.Errorf("close = %v, want policy violation", err)
	}
}
