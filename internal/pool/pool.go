// Package pool implements the client side of the remote object-pool service
// that leases sandbox instances. It is a pure protocol adapter: every method is
// a network call and the client keeps no state beyond its configuration.
package pool

import (
	"errors"
	"fmt"
	"strings"
)

// ExhaustedMessage is shown to users when no sandbox can be leased.
const ExhaustedMessage = "no sandboxes available, try again"

var (
	// ErrPoolExhausted is returned when the pool reports no capacity (HTTP 503).
	// It is terminal for the call; retrying is the caller's decision.
	ErrPoolExhausted = errors.New("pool exhausted")

	// ErrPoolUnreachable covers transport failures and unexpected status codes.
	ErrPoolUnreachable = errors.New("pool unreachable")

	// ErrInvalidLease is returned when the pool rejects a borrow token on return (HTTP 403).
	ErrInvalidLease = errors.New("invalid lease")

	// ErrOperationTimeout is returned when an asynchronous pool operation did not
	// reach a terminal status within its polling budget.
	ErrOperationTimeout = errors.New("operation timed out")

	// ErrOperationFailed is returned by ReturnAndWait when the operation ended in "failed".
	ErrOperationFailed = errors.New("operation failed")

	// ErrInvalidResponse is returned when a pool response does not match its schema.
	ErrInvalidResponse = errors.New("invalid pool response")
)

// Item is an opaque handle identifying one leasable sandbox instance.
type Item struct {
	ID      string `json:"id"`
	ExecURL string `json:"execUrl"`
}

// Validate checks the fields the rest of the system relies on.
func (i *Item) Validate() error {
	if i == nil {
		return fmt.Errorf("%w: missing item", ErrInvalidResponse)
	}
	if strings.TrimSpace(i.ID) == "" {
		return fmt.Errorf("%w: missing item.id", ErrInvalidResponse)
	}
	if strings.TrimSpace(i.ExecURL) == "" {
		return fmt.Errorf("%w: missing item.execUrl", ErrInvalidResponse)
	}
	return nil
}

// Lease is a borrowed item together with the token that authenticates its return.
type Lease struct {
	Item  Item   `json:"item"`
	Token string `json:"leaseToken"`
}

// OperationStatus is the lifecycle state of an asynchronous pool operation.
type OperationStatus string

const (
	StatusPending    OperationStatus = "pending"
	StatusInProgress OperationStatus = "in_progress"
	StatusSucceeded  OperationStatus = "succeeded"
	StatusFailed     OperationStatus = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s OperationStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

func (s OperationStatus) valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}

// OperationRef identifies an asynchronous pool operation (e.g. a return that
// triggers a snapshot save).
type OperationRef struct {
	ID string `json:"operation_id"`
}

// StatusError carries the HTTP detail of a failed pool request. It unwraps to
// one of the package sentinels so callers can use errors.Is.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("pool %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("pool %s: status %d: %v: %s", e.Op, e.StatusCode, e.Err, e.Body)
}

func (e *StatusError) Unwrap() error { return e.Err }

// --- Wire schemas ---

// borrowResponse is the body of GET /borrow.
type borrowResponse struct {
	Item        *Item  `json:"item"`
	BorrowToken string `json:"borrow_token"`
}

func (r *borrowResponse) validate() error {
	if err := r.Item.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(r.BorrowToken) == "" {
		return fmt.Errorf("%w: missing borrow_token", ErrInvalidResponse)
	}
	return nil
}

// returnRequest is the body of POST /return.
type returnRequest struct {
	Item        Item           `json:"item"`
	BorrowToken string         `json:"borrow_token"`
	Params      map[string]any `json:"params,omitempty"`
}

// returnResponse is the body answered by POST /return.
type returnResponse struct {
	OperationID string `json:"operation_id"`
}

func (r *returnResponse) validate() error {
	if strings.TrimSpace(r.OperationID) == "" {
		return fmt.Errorf("%w: missing operation_id", ErrInvalidResponse)
	}
	return nil
}

// operationResponse is the body of GET /operations/{id}.
type operationResponse struct {
	Status OperationStatus `json:"status"`
}

func (r *operationResponse) validate() error {
	if !r.Status.valid() {
		return fmt.Errorf("%w: unknown operation status %q", ErrInvalidResponse, r.Status)
	}
	return nil
}
