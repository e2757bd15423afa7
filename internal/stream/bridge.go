// Package stream turns the durable Execution Record into a live push channel.
// A Bridge polls the record on behalf of one subscriber and forwards only the
// output appended since that subscriber's last read, so any number of
// subscribers can follow the same execution independently.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/jkaninda/shellbox/internal/execution"
)

const (
	DefaultInterval = 500 * time.Millisecond
	DefaultMaxPolls = 600
)

var (
	// ErrStreamNotFound is returned when no execution has the stream id.
	ErrStreamNotFound = errors.New("stream not found")
	// ErrDisconnected is returned when a write to the subscriber failed.
	ErrDisconnected = errors.New("subscriber disconnected")
)

// Sink delivers events to one subscriber.
type Sink interface {
	Send(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Send(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Records is the read side of execution.Store.
type Records interface {
	GetExecution(ctx context.Context, id string) (*execution.Record, error)
}

// Observer receives subscription lifecycle and event notifications.
type Observer interface {
	StreamOpened()
	StreamClosed()
	StreamEvent(eventType string)
}

// Config tunes the poll loop.
type Config struct {
	Interval time.Duration // Default: 500ms
	MaxPolls int           // Default: 600
}

// Bridge serves subscriptions against a record store.
type Bridge struct {
	records  Records
	interval time.Duration
	maxPolls int
	logger   *slog.Logger
	observer Observer
}

// NewBridge creates a Bridge.
func NewBridge(records Records, cfg Config, logger *slog.Logger) *Bridge {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = DefaultMaxPolls
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bridge{records: records, interval: cfg.Interval, maxPolls: cfg.MaxPolls, logger: logger}
}

// WithObserver registers o for metrics.
func (b *Bridge) WithObserver(o Observer) *Bridge {
	b.observer = o
	return b
}

// Subscribe streams execution id to sink until the record is done, the poll
// budget runs out, ctx ends or a write fails.
//
// It returns nil when the stream ended on its own (done or budget
// exhausted), ErrStreamNotFound for an unknown id, ErrDisconnected when the
// sink rejected a write and ctx.Err() on cancellation.
func (b *Bridge) Subscribe(ctx context.Context, id string, sink Sink) error {
	if b.observer != nil {
		b.observer.StreamOpened()
		defer b.observer.StreamClosed()
	}
	logger := b.logger.With(slog.String("stream_id", id))

	s := &subscription{bridge: b, sink: sink}

	rec, err := b.records.GetExecution(ctx, id)
	if err != nil {
		if errors.Is(err, execution.ErrNotFound) {
			logger.Debug("stream not found")
			_ = s.send(ctx, errorEvent("not found"))
			return ErrStreamNotFound
		}
		logger.Error("loading execution", slog.String("error", err.Error()))
		_ = s.send(ctx, errorEvent("failed to load execution"))
		return fmt.Errorf("loading execution %s: %w", id, err)
	}

	if err := s.send(ctx, initialEvent(rec)); err != nil {
		return err
	}
	if rec.Done {
		return s.send(ctx, doneEvent())
	}
	s.stdout, s.stderr = len(rec.Stdout), len(rec.Stderr)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for range b.maxPolls {
		select {
		case <-ctx.Done():
			logger.Debug("subscriber went away")
			return ctx.Err()
		case <-ticker.C:
		}

		rec, err := b.records.GetExecution(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("polling execution", slog.String("error", err.Error()))
			continue
		}

		if err := s.forward(ctx, rec); err != nil {
			return err
		}
		if rec.Done {
			if err := s.send(ctx, completeEvent(rec)); err != nil {
				return err
			}
			return s.send(ctx, doneEvent())
		}
	}

	logger.Info("stream poll budget exhausted", slog.Int("max_polls", b.maxPolls))
	return nil
}

// subscription holds one subscriber's cursors into the record output.
type subscription struct {
	bridge *Bridge
	sink   Sink
	stdout int
	stderr int
}

// forward sends the output appended since the last poll. While the record
// is running, a trailing partial UTF-8 sequence is held back for the next
// poll.
func (s *subscription) forward(ctx context.Context, rec *execution.Record) error {
	var err error
	if s.stdout, err = s.delta(ctx, EventStdout, rec.Stdout, s.stdout, rec.Done); err != nil {
		return err
	}
	s.stderr, err = s.delta(ctx, EventStderr, rec.Stderr, s.stderr, rec.Done)
	return err
}

func (s *subscription) delta(ctx context.Context, t EventType, full string, seen int, done bool) (int, error) {
	if len(full) <= seen {
		return seen, nil
	}
	suffix := full[seen:]
	if !done {
		suffix = completeRunes(suffix)
	}
	if suffix == "" {
		return seen, nil
	}
	if err := s.send(ctx, Event{Type: t, Data: suffix}); err != nil {
		return seen, err
	}
	return seen + len(suffix), nil
}

func (s *subscription) send(ctx context.Context, ev Event) error {
	if err := s.sink.Send(ctx, ev); err != nil {
		s.bridge.logger.Debug("stream write failed",
			slog.String("event", string(ev.Type)),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	if s.bridge.observer != nil {
		s.bridge.observer.StreamEvent(string(ev.Type))
	}
	return nil
}

// completeRunes trims an incomplete UTF-8 sequence from the end of s.
func completeRunes(s string) string {
	// A rune is at most utf8.UTFMax bytes, so only the tail needs checking.
	for i := len(s) - 1; i >= 0 && i >= len(s)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(s[i]) {
			continue
		}
		if utf8.FullRuneInString(s[i:]) {
			return s
		}
		return s[:i]
	}
	return s
}
