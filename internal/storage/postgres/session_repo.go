package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/shellbox/internal/session"
)

// Compile-time interface check.
var _ session.Store = (*SessionRepository)(nil)

// SessionRepository implements session.Store with GORM.
type SessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository creates a SessionRepository.
func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// GetSession returns the stored record, or an empty record for an unknown session.
func (r *SessionRepository) GetSession(ctx context.Context, sessionID string) (session.Record, error) {
	var m SessionModel
	err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return session.Empty(sessionID), nil
	}
	if err != nil {
		return session.Record{}, fmt.Errorf("loading session: %w", err)
	}
	return toSessionRecord(m), nil
}

// SaveSession upserts the record. An empty record clears the lease columns.
func (r *SessionRepository) SaveSession(ctx context.Context, rec session.Record) error {
	m := toSessionModel(rec)
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"item_id", "exec_url", "lease_token", "leased_at", "updated_at"}),
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// ListLeased returns sessions holding a lease taken before leasedBefore, oldest first.
func (r *SessionRepository) ListLeased(ctx context.Context, leasedBefore time.Time) ([]session.Record, error) {
	var models []SessionModel
	err := r.db.WithContext(ctx).
		Where("lease_token IS NOT NULL AND item_id IS NOT NULL AND leased_at < ?", leasedBefore.UTC()).
		Order("leased_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing leased sessions: %w", err)
	}

	out := make([]session.Record, 0, len(models))
	for _, m := range models {
		out = append(out, toSessionRecord(m))
	}
	return out, nil
}
