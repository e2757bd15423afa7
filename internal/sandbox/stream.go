package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
)

const readBufferSize = 32 << 10

type streamEvent struct {
	chunk Chunk
	err   error
}

// pipeStream turns the stdout and stderr pipes of a running command into a
// sequence of delta chunks terminated by a Done chunk.
type pipeStream struct {
	events  chan streamEvent
	pending *streamEvent
	closed  bool
}

// startPipeStream starts cmd and pumps its output until ctx ends. cmd must
// not be started and should be bound to the same ctx.
func startPipeStream(ctx context.Context, cmd *exec.Cmd, logger *slog.Logger) (*pipeStream, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting command: %w", err)
	}

	s := &pipeStream{events: make(chan streamEvent, 64)}

	var readers sync.WaitGroup
	readers.Add(2)
	go s.pump(ctx, &readers, stdout, func(p string) Chunk { return Chunk{Stdout: p} })
	go s.pump(ctx, &readers, stderr, func(p string) Chunk { return Chunk{Stderr: p} })

	go func() {
		// Pipes must be drained before Wait closes them.
		readers.Wait()
		waitErr := cmd.Wait()

		code := 0
		if waitErr != nil {
			var exitErr *exec.ExitError
			if !errors.As(waitErr, &exitErr) {
				s.send(ctx, streamEvent{err: fmt.Errorf("waiting for command: %w", waitErr)})
				close(s.events)
				return
			}
			code = exitErr.ExitCode()
		}
		logger.Debug("command exited", slog.Int("exit_code", code))
		s.send(ctx, streamEvent{chunk: Chunk{Done: true, ExitCode: &code}})
		close(s.events)
	}()

	return s, nil
}

// pump forwards reads from r until EOF. Output beyond maxOutputBytes is
// drained and discarded.
func (s *pipeStream) pump(ctx context.Context, wg *sync.WaitGroup, r io.Reader, wrap func(string) Chunk) {
	defer wg.Done()
	buf := make([]byte, readBufferSize)
	remaining := maxOutputBytes
	for {
		n, err := r.Read(buf)
		if n > 0 && remaining > 0 {
			if n > remaining {
				n = remaining
			}
			remaining -= n
			s.send(ctx, streamEvent{chunk: wrap(string(buf[:n]))})
		}
		if err != nil {
			return
		}
	}
}

// send drops ev once nobody is reading anymore.
func (s *pipeStream) send(ctx context.Context, ev streamEvent) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

// next returns the next chunk, coalescing whatever is already buffered.
func (s *pipeStream) next(ctx context.Context) (Chunk, error) {
	if s.closed {
		return Chunk{}, ErrClosed
	}

	var ev streamEvent
	if s.pending != nil {
		ev, s.pending = *s.pending, nil
	} else {
		var ok bool
		select {
		case <-ctx.Done():
			return Chunk{}, ctx.Err()
		case ev, ok = <-s.events:
		}
		if !ok {
			s.closed = true
			return Chunk{}, ErrClosed
		}
	}
	if ev.err != nil || ev.chunk.Done {
		s.closed = true
		return ev.chunk, ev.err
	}

	out := ev.chunk
	for {
		select {
		case more, ok := <-s.events:
			if !ok {
				return out, nil
			}
			if more.err != nil || more.chunk.Done {
				// The terminal event goes out on the following call.
				s.pending = &more
				return out, nil
			}
			out.Stdout += more.chunk.Stdout
			out.Stderr += more.chunk.Stderr
		default:
			return out, nil
		}
	}
}
