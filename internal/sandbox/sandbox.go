// Package sandbox submits shell commands to an isolated execution environment
// and reads their output back incrementally. Backends differ in where the
// command runs (a pool-leased remote sandbox, a per-session Docker container,
// or a local process group) but share one capability interface.
package sandbox

import (
	"context"
	"errors"
)

const (
	// maxOutputBytes caps each of stdout and stderr per command.
	maxOutputBytes = 1 << 20 // 1 MB

	defaultCPUSeconds = 60
	defaultMemoryMB   = 512
)

var (
	// ErrEmptyCommand is returned by Submit for a blank command.
	ErrEmptyCommand = errors.New("empty command")
	// ErrClosed is returned by Next after the final chunk was delivered.
	ErrClosed = errors.New("output closed")
)

// Backend runs commands for a session.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string
	// Submit starts command. For local backends ctx bounds the lifetime of
	// the running command, not just the call.
	Submit(ctx context.Context, sub Submission) (*Handle, error)
	// Next blocks until more output is available or the command finished.
	// The chunk with Done set is the last one; later calls return ErrClosed.
	Next(ctx context.Context, h *Handle) (Chunk, error)
}

// SessionReleaser is implemented by backends holding per-session resources.
type SessionReleaser interface {
	ReleaseSession(ctx context.Context, sessionID string) error
}

// Preparer is implemented by backends that acquire a sandbox before the
// first submission, so capacity errors surface before an execution exists.
type Preparer interface {
	Prepare(ctx context.Context, sessionID string) error
}

// Submission is a command to run on behalf of a session.
type Submission struct {
	SessionID string
	Command   string
	Env       map[string]string
}

// Handle identifies a submitted command. Backends keep their read state in it.
type Handle struct {
	ID        string
	SessionID string
	state     any
}

// Chunk is one read of command output. Cumulative chunks carry the full
// output so far; otherwise Stdout and Stderr hold only new bytes.
type Chunk struct {
	Stdout     string
	Stderr     string
	Cumulative bool
	Done       bool
	ExitCode   *int
}

// Release frees per-session resources when b holds any.
func Release(ctx context.Context, b Backend, sessionID string) error {
	if r, ok := b.(SessionReleaser); ok {
		return r.ReleaseSession(ctx, sessionID)
	}
	return nil
}

// Prepare acquires the session's sandbox when b supports it.
func Prepare(ctx context.Context, b Backend, sessionID string) error {
	if p, ok := b.(Preparer); ok {
		return p.Prepare(ctx, sessionID)
	}
	return nil
}

// ResourceLimits constrains local commands.
type ResourceLimits struct {
	MaxCPUSeconds int // CPU time limit (ulimit -t).
	MaxMemoryMB   int // Virtual memory limit in MB (ulimit -v).
}

func (l ResourceLimits) withDefaults() ResourceLimits {
	if l.MaxCPUSeconds <= 0 {
		l.MaxCPUSeconds = defaultCPUSeconds
	}
	if l.MaxMemoryMB <= 0 {
		l.MaxMemoryMB = defaultMemoryMB
	}
	return l
}
