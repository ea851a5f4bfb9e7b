package threat

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/verigate/internal/risk"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*Record
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func cloneRecord(r *Record) *Record {
	cp := *r
	cp.Details = maps.Clone(r.Details)
	return &cp
}

func (s *MemoryStore) Record(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, cloneRecord(rec))
	return nil
}

func (s *MemoryStore) ListBySession(_ context.Context, sessionID string, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	var out []*Record
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		if s.records[i].SessionID == sessionID {
			out = append(out, cloneRecord(s.records[i]))
		}
	}
	return out, nil
}

func (s *MemoryStore) Since(_ context.Context, since time.Time) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for _, r := range s.records {
		if !r.DetectedAt.Before(since) {
			out = append(out, cloneRecord(r))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out, nil
}

func (s *MemoryStore) MarkMitigated(_ context.Context, ids []string, action string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if slices.Contains(ids, r.ID) {
			r.Mitigated = true
			r.MitigationAction = action
		}
	}
	return nil
}

func (s *MemoryStore) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.records[:0]
	var n int64
	for _, r := range s.records {
		if r.DetectedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	s.records = kept
	return n, nil
}

// PostgresStore persists threats in the threat_records table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const threatColumns = `id, session_id, COALESCE(identity_id, ''), threat_type, threat_level, details,
	mitigated, COALESCE(mitigation_action, ''), score_at_detection, detected_at`

func (s *PostgresStore) Record(ctx context.Context, rec *Record) error {
	details, err := json.Marshal(rec.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal threat details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO threat_records (id, session_id, identity_id, threat_type, threat_level, details,
			mitigated, mitigation_action, score_at_detection, detected_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6::JSONB, $7, NULLIF($8, ''), $9, $10)
	`, rec.ID, rec.SessionID, rec.IdentityID, string(rec.Type), string(rec.Level), string(details),
		rec.Mitigated, rec.MitigationAction, rec.ScoreAtDetection, rec.DetectedAt)
	if err != nil {
		return fmt.Errorf("failed to record threat: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListBySession(ctx context.Context, sessionID string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+threatColumns+` FROM threat_records
		WHERE session_id = $1
		ORDER BY detected_at DESC, id DESC
		LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list threats: %w", err)
	}
	return scanThreats(rows)
}

func (s *PostgresStore) Since(ctx context.Context, since time.Time) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+threatColumns+` FROM threat_records
		WHERE detected_at >= $1
		ORDER BY detected_at ASC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list threats: %w", err)
	}
	return scanThreats(rows)
}

func (s *PostgresStore) MarkMitigated(ctx context.Context, ids []string, action string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE threat_records SET mitigated = TRUE, mitigation_action = $2
		WHERE id = ANY($1)
	`, pq.Array(ids), action)
	if err != nil {
		return fmt.Errorf("failed to mark threats mitigated: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM threat_records WHERE detected_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete threats: %w", err)
	}
	return res.RowsAffected()
}

func scanThreats(rows *sql.Rows) ([]*Record, error) {
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		var r Record
		var typ, level string
		var details []byte
		if err := rows.Scan(&r.ID, &r.SessionID, &r.IdentityID, &typ, &level, &details,
			&r.Mitigated, &r.MitigationAction, &r.ScoreAtDetection, &r.DetectedAt); err != nil {
			return nil, err
		}
		r.Type = Type(typ)
		r.Level = risk.Level(level)
		if len(details) > 0 {
			_ = json.Unmarshal(details, &r.Details)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
