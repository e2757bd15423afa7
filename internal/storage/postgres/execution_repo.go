package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/shellbox/internal/execution"
)

// Compile-time interface check.
var _ execution.Store = (*ExecutionRepository)(nil)

// ExecutionRepository implements execution.Store with GORM.
//
// Output writes read the row, validate the transition on the domain record,
// and update only while done is still false, all inside one transaction.
type ExecutionRepository struct {
	db *gorm.DB
}

// NewExecutionRepository creates an ExecutionRepository.
func NewExecutionRepository(db *gorm.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// CreateExecution inserts a new running record.
func (r *ExecutionRepository) CreateExecution(ctx context.Context, rec *execution.Record) error {
	m := toExecutionModel(rec)
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("creating execution: %w", err)
	}
	return nil
}

// GetExecution loads a record by id.
func (r *ExecutionRepository) GetExecution(ctx context.Context, id string) (*execution.Record, error) {
	var m ExecutionModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", execution.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading execution: %w", err)
	}
	return toExecutionRecord(m), nil
}

// UpdateOutput replaces the output of a running execution.
func (r *ExecutionRepository) UpdateOutput(ctx context.Context, id, stdout, stderr string) error {
	return r.mutate(ctx, id, func(rec *execution.Record, now time.Time) (map[string]any, error) {
		if err := rec.ApplyOutput(stdout, stderr, now); err != nil {
			return nil, err
		}
		return map[string]any{
			"stdout":     rec.Stdout,
			"stderr":     rec.Stderr,
			"updated_at": rec.UpdatedAt,
		}, nil
	})
}

// CompleteExecution performs the single terminal write.
func (r *ExecutionRepository) CompleteExecution(ctx context.Context, id string, c execution.Completion) error {
	return r.mutate(ctx, id, func(rec *execution.Record, now time.Time) (map[string]any, error) {
		if err := rec.ApplyCompletion(c, now); err != nil {
			return nil, err
		}
		return map[string]any{
			"stdout":     rec.Stdout,
			"stderr":     rec.Stderr,
			"exit_code":  rec.ExitCode,
			"error":      rec.Error,
			"done":       true,
			"updated_at": rec.UpdatedAt,
		}, nil
	})
}

// ListStale returns running executions not updated since updatedBefore, oldest first.
func (r *ExecutionRepository) ListStale(ctx context.Context, updatedBefore time.Time) ([]execution.Record, error) {
	var models []ExecutionModel
	err := r.db.WithContext(ctx).
		Where("done = ? AND updated_at < ?", false, updatedBefore.UTC()).
		Order("updated_at ASC").
		Limit(500).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing stale executions: %w", err)
	}

	out := make([]execution.Record, 0, len(models))
	for _, m := range models {
		out = append(out, *toExecutionRecord(m))
	}
	return out, nil
}

func (r *ExecutionRepository) mutate(ctx context.Context, id string, apply func(*execution.Record, time.Time) (map[string]any, error)) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx
		if tx.Dialector.Name() == "postgres" {
			q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}

		var m ExecutionModel
		err := q.Where("id = ?", id).First(&m).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", execution.ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("loading execution: %w", err)
		}

		updates, err := apply(toExecutionRecord(m), time.Now().UTC())
		if err != nil {
			return err
		}

		res := tx.Model(&ExecutionModel{}).
			Where("id = ? AND done = ?", id, false).
			Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("updating execution: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			// Completed by someone else between the read and the write.
			return fmt.Errorf("%w: %s", execution.ErrTerminal, id)
		}
		return nil
	})
}
