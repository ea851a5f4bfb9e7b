package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists score records in the risk_scores table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed score store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const scoreColumns = `id, session_id, COALESCE(identity_id, ''), score, level, factors, degraded,
	created_at, source_address, endpoint, method`

func (s *PostgresStore) Record(ctx context.Context, rec *ScoreRecord) error {
	factorsJSON, err := json.Marshal(rec.Factors)
	if err != nil {
		return fmt.Errorf("failed to marshal factors: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_scores (id, session_id, identity_id, score, level, factors, degraded,
			created_at, source_address, endpoint, method)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6::JSONB, $7, $8, $9, $10, $11)
	`,
		rec.ID, rec.SessionID, rec.IdentityID, rec.Score, string(rec.Level), string(factorsJSON),
		rec.Degraded, rec.Timestamp, rec.SourceAddress, rec.Endpoint, rec.Method,
	)
	if err != nil {
		return fmt.Errorf("failed to record risk score: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListBySession(ctx context.Context, sessionID string, limit int) ([]*ScoreRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scoreColumns+`
		FROM risk_scores
		WHERE session_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list risk scores: %w", err)
	}
	return scanScores(rows)
}

func (s *PostgresStore) LastForSession(ctx context.Context, sessionID string) (*ScoreRecord, error) {
	recs, err := s.ListBySession(ctx, sessionID, 1)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[0], nil
}

func (s *PostgresStore) CountSince(ctx context.Context, sessionID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM risk_scores WHERE session_id = $1 AND created_at >= $2
	`, sessionID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count risk scores: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) HighRiskSessionsSince(ctx context.Context, minScore int, since time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT session_id FROM risk_scores
		WHERE score > $1 AND created_at >= $2
		ORDER BY session_id
	`, minScore, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list high-risk sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Since(ctx context.Context, since time.Time) ([]*ScoreRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scoreColumns+`
		FROM risk_scores
		WHERE created_at >= $1
		ORDER BY created_at ASC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list risk scores: %w", err)
	}
	return scanScores(rows)
}

func (s *PostgresStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM risk_scores WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete risk scores: %w", err)
	}
	return res.RowsAffected()
}

func scanScores(rows *sql.Rows) ([]*ScoreRecord, error) {
	defer func() { _ = rows.Close() }()

	var result []*ScoreRecord
	for rows.Next() {
		var r ScoreRecord
		var factorsJSON []byte
		var level string
		if err := rows.Scan(&r.ID, &r.SessionID, &r.IdentityID, &r.Score, &level, &factorsJSON,
			&r.Degraded, &r.Timestamp, &r.SourceAddress, &r.Endpoint, &r.Method); err != nil {
			return nil, err
		}
		r.Level = Level(level)
		if err := json.Unmarshal(factorsJSON, &r.Factors); err != nil {
			return nil, errors.Join(fmt.Errorf("decode factors for %s", r.ID), err)
		}
		result = append(result, &r)
	}
	return result, rows.Err()
}
