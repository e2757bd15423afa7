// Package session maps a conversation to its leased sandbox. A Manager owns
// the lease for one conversation; the Registry hands out Managers and keeps
// their Session Records durable through a Store.
package session

import (
	"context"
	"time"

	"github.com/jkaninda/shellbox/internal/pool"
)

// Record is the durable lease state of one conversation. Item and LeaseToken
// are either both set or both nil; the all-nil record is the empty state.
type Record struct {
	SessionID  string     `json:"sessionId"`
	Item       *pool.Item `json:"item"`
	LeaseToken *string    `json:"leaseToken"`
	LeasedAt   *time.Time `json:"leasedAt"`
}

// Empty returns the record of a conversation without a sandbox.
func Empty(sessionID string) Record {
	return Record{SessionID: sessionID}
}

// HasSandbox reports whether the record holds a complete lease.
func (r Record) HasSandbox() bool {
	return r.Item != nil && r.LeaseToken != nil
}

// normalize collapses a partially populated record to empty.
func (r Record) normalize() Record {
	if r.HasSandbox() {
		return r
	}
	return Empty(r.SessionID)
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	out := Record{SessionID: r.SessionID}
	if r.Item != nil {
		item := *r.Item
		out.Item = &item
	}
	if r.LeaseToken != nil {
		token := *r.LeaseToken
		out.LeaseToken = &token
	}
	if r.LeasedAt != nil {
		at := *r.LeasedAt
		out.LeasedAt = &at
	}
	return out
}

// Sandbox is the lease handed to callers of EnsureSandbox.
type Sandbox struct {
	SessionID  string    `json:"sessionId"`
	Item       pool.Item `json:"item"`
	LeaseToken string    `json:"leaseToken"`
}

// Store persists Session Records.
type Store interface {
	// GetSession returns the stored record, or an empty record when none exists.
	GetSession(ctx context.Context, sessionID string) (Record, error)
	SaveSession(ctx context.Context, r Record) error
	// ListLeased returns records holding a lease taken before leasedBefore.
	ListLeased(ctx context.Context, leasedBefore time.Time) ([]Record, error)
}
