package postgres

import (
	"time"
)

// SessionModel maps to the "sandbox_sessions" table. The lease columns are
// all NULL for a session without a sandbox.
type SessionModel struct {
	SessionID  string `gorm:"primaryKey;size:255"`
	ItemID     *string
	ExecURL    *string `gorm:"type:text"`
	LeaseToken *string
	LeasedAt   *time.Time `gorm:"index"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (SessionModel) TableName() string { return "sandbox_sessions" }

// ExecutionModel maps to the "command_executions" table.
type ExecutionModel struct {
	ID        string    `gorm:"primaryKey;size:255"`
	SessionID string    `gorm:"size:255;not null;index"`
	ChatID    string    `gorm:"size:255;index"`
	Command   string    `gorm:"type:text;not null"`
	Stdout    string    `gorm:"type:text;not null;default:''"`
	Stderr    string    `gorm:"type:text;not null;default:''"`
	ExitCode  *int
	Error     *string   `gorm:"type:text"`
	Done      bool      `gorm:"not null;default:false;index:idx_executions_running,priority:1"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null;index:idx_executions_running,priority:2"`
}

func (ExecutionModel) TableName() string { return "command_executions" }

// Models lists every table in migration order.
func Models() []any {
	return []any{
		&SessionModel{},
		&ExecutionModel{},
	}
}
