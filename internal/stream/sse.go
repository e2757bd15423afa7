package stream

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/jkaninda/okapi"
)

// sseSink writes each event as an okapi SSE message: the event type on
// the "event:" line and the JSON-encoded Event on the "data:" line.
type sseSink struct {
	w   http.ResponseWriter
	seq int
}

func (s *sseSink) Send(_ context.Context, ev Event) error {
	s.seq++
	msg := &okapi.Message{
		ID:         strconv.Itoa(s.seq),
		Event:      string(ev.Type),
		Data:       ev,
		Serializer: okapi.JSONSerializer{},
	}
	_, err := msg.Send(s.w)
	return err
}

// SSEHandler serves GET ?id=<stream id> as a text/event-stream.
func SSEHandler(b *Bridge) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, `{"error":"id is required"}`, http.StatusBadRequest)
			return
		}

		// Proxies such as nginx buffer responses unless told otherwise.
		w.Header().Set("X-Accel-Buffering", "no")

		err := b.Subscribe(r.Context(), id, &sseSink{w: w})
		logSubscribeEnd(b.logger, "sse", id, err)
	})
}

func logSubscribeEnd(logger *slog.Logger, transport, id string, err error) {
	switch {
	case err == nil:
		logger.Debug("stream closed", slog.String("transport", transport), slog.String("stream_id", id))
	case errors.Is(err, ErrStreamNotFound):
		logger.Debug("stream not found", slog.String("transport", transport), slog.String("stream_id", id))
	case errors.Is(err, ErrDisconnected), errors.Is(err, context.Canceled):
		logger.Debug("stream subscriber disconnected", slog.String("transport", transport), slog.String("stream_id", id))
	default:
		logger.Warn("stream ended with error",
			slog.String("transport", transport),
			slog.String("stream_id", id),
			slog.String("error", err.Error()),
		)
	}
}
