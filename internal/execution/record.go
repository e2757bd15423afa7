// Package execution drives a command from submission to a terminal Execution
// Record. The record is the only channel through which asynchronous observers
// learn about progress: output only grows, and done flips to true once.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned for an unknown execution id.
	ErrNotFound = errors.New("execution not found")
	// ErrTerminal is returned for a write to a record that is already done.
	ErrTerminal = errors.New("execution already done")
	// ErrShrink is returned for an output write shorter than the stored output.
	ErrShrink = errors.New("execution output cannot shrink")
)

// TimeoutMessage is the error recorded for commands that exceed their budget.
const TimeoutMessage = "Command timed out"

// Record is the durable state of one command execution.
//
// A non-nil Error means the execution failed; ExitCode is then ignored.
type Record struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	ChatID    string    `json:"chatId"`
	Command   string    `json:"command"`
	Stdout    string    `json:"stdout"`
	Stderr    string    `json:"stderr"`
	ExitCode  *int      `json:"exitCode"`
	Error     *string   `json:"error"`
	Done      bool      `json:"done"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Succeeded reports a clean exit with status zero.
func (r *Record) Succeeded() bool {
	return r.Done && r.Error == nil && r.ExitCode != nil && *r.ExitCode == 0
}

// Outcome classifies the record for logs and metrics.
func (r *Record) Outcome() string {
	switch {
	case !r.Done:
		return "running"
	case r.Error != nil && *r.Error == TimeoutMessage:
		return "timeout"
	case r.Error != nil:
		return "error"
	case r.Succeeded():
		return "succeeded"
	default:
		return "failed"
	}
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	out := *r
	if r.ExitCode != nil {
		code := *r.ExitCode
		out.ExitCode = &code
	}
	if r.Error != nil {
		msg := *r.Error
		out.Error = &msg
	}
	return &out
}

// Completion is the terminal write of an execution.
type Completion struct {
	Stdout   string
	Stderr   string
	ExitCode *int
	Error    *string
}

// Failed builds a completion for an execution that ended with err.
func Failed(stdout, stderr, msg string) Completion {
	return Completion{Stdout: stdout, Stderr: stderr, Error: &msg}
}

// Exited builds a completion for an execution that reported an exit code.
func Exited(stdout, stderr string, code *int) Completion {
	return Completion{Stdout: stdout, Stderr: stderr, ExitCode: code}
}

// ApplyOutput overwrites the output fields, enforcing the monotonic and
// terminal rules. Store drivers call it on the stored record before saving.
func (r *Record) ApplyOutput(stdout, stderr string, now time.Time) error {
	if r.Done {
		return fmt.Errorf("%w: %s", ErrTerminal, r.ID)
	}
	if len(stdout) < len(r.Stdout) || len(stderr) < len(r.Stderr) {
		return fmt.Errorf("%w: %s", ErrShrink, r.ID)
	}
	r.Stdout = stdout
	r.Stderr = stderr
	r.UpdatedAt = now
	return nil
}

// ApplyCompletion performs the terminal transition.
func (r *Record) ApplyCompletion(c Completion, now time.Time) error {
	if err := r.ApplyOutput(c.Stdout, c.Stderr, now); err != nil {
		return err
	}
	r.ExitCode = c.ExitCode
	r.Error = c.Error
	r.Done = true
	return nil
}

// Store persists Execution Records.
type Store interface {
	CreateExecution(ctx context.Context, r *Record) error
	// GetExecution returns ErrNotFound for an unknown id.
	GetExecution(ctx context.Context, id string) (*Record, error)
	// UpdateOutput replaces stdout and stderr of a running execution.
	UpdateOutput(ctx context.Context, id, stdout, stderr string) error
	// CompleteExecution marks the execution done. A second call returns ErrTerminal.
	CompleteExecution(ctx context.Context, id string, c Completion) error
	// ListStale returns running executions not updated since updatedBefore.
	ListStale(ctx context.Context, updatedBefore time.Time) ([]Record, error)
}
