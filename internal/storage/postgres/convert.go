package postgres

import (
	"github.com/jkaninda/shellbox/internal/execution"
	"github.com/jkaninda/shellbox/internal/pool"
	"github.com/jkaninda/shellbox/internal/session"
)

func toSessionModel(r session.Record) SessionModel {
	m := SessionModel{SessionID: r.SessionID}
	if !r.HasSandbox() {
		return m
	}
	itemID := r.Item.ID
	execURL := r.Item.ExecURL
	token := *r.LeaseToken
	m.ItemID = &itemID
	m.ExecURL = &execURL
	m.LeaseToken = &token
	if r.LeasedAt != nil {
		at := r.LeasedAt.UTC()
		m.LeasedAt = &at
	}
	return m
}

func toSessionRecord(m SessionModel) session.Record {
	r := session.Record{SessionID: m.SessionID}
	if m.ItemID == nil || m.LeaseToken == nil {
		return r
	}
	item := pool.Item{ID: *m.ItemID}
	if m.ExecURL != nil {
		item.ExecURL = *m.ExecURL
	}
	token := *m.LeaseToken
	r.Item = &item
	r.LeaseToken = &token
	if m.LeasedAt != nil {
		at := m.LeasedAt.UTC()
		r.LeasedAt = &at
	}
	return r
}

func toExecutionModel(r *execution.Record) ExecutionModel {
	return ExecutionModel{
		ID:        r.ID,
		SessionID: r.SessionID,
		ChatID:    r.ChatID,
		Command:   r.Command,
		Stdout:    r.Stdout,
		Stderr:    r.Stderr,
		ExitCode:  r.ExitCode,
		Error:     r.Error,
		Done:      r.Done,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
}

func toExecutionRecord(m ExecutionModel) *execution.Record {
	return &execution.Record{
		ID:        m.ID,
		SessionID: m.SessionID,
		ChatID:    m.ChatID,
		Command:   m.Command,
		Stdout:    m.Stdout,
		Stderr:    m.Stderr,
		ExitCode:  m.ExitCode,
		Error:     m.Error,
		Done:      m.Done,
		CreatedAt: m.CreatedAt.UTC(),
		UpdatedAt: m.UpdatedAt.UTC(),
	}
}
