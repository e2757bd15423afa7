package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

const wsWriteTimeout = 10 * time.Second

// wsSink writes one JSON text frame per event.
type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) Send(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return s.conn.Write(wctx, websocket.MessageText, data)
}

// WebSocketHandler upgrades GET ?id=<stream id> and streams the execution
// as JSON text frames. Messages from the client are ignored; a client close
// cancels the subscription.
func WebSocketHandler(b *Bridge, originPatterns []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, `{"error":"id is required"}`, http.StatusBadRequest)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{"shellbox-stream-v1"},
			OriginPatterns: originPatterns,
		})
		if err != nil {
			b.logger.Error("websocket accept failed", slog.String("error", err.Error()))
			return
		}
		defer conn.CloseNow()

		ctx := conn.CloseRead(r.Context())
		err = b.Subscribe(ctx, id, &wsSink{conn: conn})
		logSubscribeEnd(b.logger, "websocket", id, err)

		switch {
		case errors.Is(err, ErrStreamNotFound):
			conn.Close(websocket.StatusPolicyViolation, "stream not found")
		case err == nil:
			conn.Close(websocket.StatusNormalClosure, "stream closed")
		}
	})
}
