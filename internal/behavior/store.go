package behavior

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps profiles in a map. Development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[string]*Profile)}
}

func (m *MemoryStore) Load(_ context.Context, identityID string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[identityID]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, p *Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.profiles[p.IdentityID]; ok && cur.SampleCount > p.SampleCount {
		return nil
	}
	m.profiles[p.IdentityID] = p.Clone()
	return nil
}

func (m *MemoryStore) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, p := range m.profiles {
		if p.LastUpdated.Before(cutoff) {
			delete(m.profiles, id)
			n++
		}
	}
	return n, nil
}

// PostgresStore persists profiles in behavior_profiles.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Load(ctx context.Context, identityID string) (*Profile, error) {
	p := &Profile{IdentityID: identityID}
	var samples []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT samples, confidence, sample_count, last_updated
		FROM behavior_profiles WHERE identity_id = $1
	`, identityID).Scan(&samples, &p.Confidence, &p.SampleCount, &p.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load behavior profile: %w", err)
	}
	if err := json.Unmarshal(samples, &p.Samples); err != nil {
		return nil, fmt.Errorf("decode behavior samples: %w", err)
	}
	return p, nil
}

// Save upserts p. A snapshot older than the stored one (by sample count) is
// ignored, so write-behind saves that land out of order cannot regress.
func (s *PostgresStore) Save(ctx context.Context, p *Profile) error {
	samples, err := json.Marshal(p.Samples)
	if err != nil {
		return fmt.Errorf("encode behavior samples: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO behavior_profiles (identity_id, samples, confidence, sample_count, last_updated)
		VALUES ($1, $2::JSONB, $3, $4, $5)
		ON CONFLICT (identity_id) DO UPDATE SET
			samples = EXCLUDED.samples,
			confidence = EXCLUDED.confidence,
			sample_count = EXCLUDED.sample_count,
			last_updated = EXCLUDED.last_updated
		WHERE behavior_profiles.sample_count <= EXCLUDED.sample_count
	`, p.IdentityID, string(samples), p.Confidence, p.SampleCount, p.LastUpdated)
	if err != nil {
		return fmt.Errorf("save behavior profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM behavior_profiles WHERE last_updated < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete behavior profiles: %w", err)
	}
	return res.RowsAffected()
}
