package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PostgresLogger writes audit events to the audit_events table.
type PostgresLogger struct {
	db *sql.DB
}

// NewPostgresLogger creates an audit logger backed by PostgreSQL.
func NewPostgresLogger(db *sql.DB) *PostgresLogger {
	return &PostgresLogger{db: db}
}

func (l *PostgresLogger) LogEvent(ctx context.Context, e *Event) error {
	details, err := json.Marshal(MaskDetails(e.Details))
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO audit_events (event_type, resource, action, identity_id, identity_kind, success,
			session_id, ip_address, user_agent, request_id, details, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, NULLIF($7, ''), $8, $9, $10, $11::JSONB, COALESCE($12, NOW()))
	`, e.Type, e.Resource, e.Action, e.IdentityID, e.IdentityKind, e.Success,
		e.SessionID, e.IPAddress, e.UserAgent, e.RequestID, string(details), nullTime(e))
	return err
}

func (l *PostgresLogger) Query(ctx context.Context, f Filter) ([]*Event, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Type != "" {
		add("event_type = $%d", f.Type)
	}
	if f.IdentityID != "" {
		add("identity_id = $%d", f.IdentityID)
	}
	if f.SessionID != "" {
		add("session_id = $%d", f.SessionID)
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at <= $%d", f.To)
	}

	query := `SELECT id, event_type, resource, action, COALESCE(identity_id, ''), COALESCE(identity_kind, ''),
		success, COALESCE(session_id, ''), COALESCE(ip_address, ''), COALESCE(user_agent, ''),
		COALESCE(request_id, ''), COALESCE(details::TEXT, '{}'), created_at
		FROM audit_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.limit())
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var details string
		if err := rows.Scan(&e.ID, &e.Type, &e.Resource, &e.Action, &e.IdentityID, &e.IdentityKind,
			&e.Success, &e.SessionID, &e.IPAddress, &e.UserAgent, &e.RequestID, &details, &e.CreatedAt); err != nil {
			return nil, err
		}
		if details != "" && details != "{}" {
			_ = json.Unmarshal([]byte(details), &e.Details)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func nullTime(e *Event) any {
	if e.CreatedAt.IsZero() {
		return nil
	}
	return e.CreatedAt
}
