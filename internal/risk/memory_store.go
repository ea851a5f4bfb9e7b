package risk

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu        sync.RWMutex
	bySession map[string][]*ScoreRecord // appended in timestamp order per session
}

// NewMemoryStore creates an in-memory score store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bySession: make(map[string][]*ScoreRecord)}
}

func cloneRecord(r *ScoreRecord) *ScoreRecord {
	cp := *r
	cp.Factors = make([]Factor, len(r.Factors))
	for i, f := range r.Factors {
		f.Details = maps.Clone(f.Details)
		cp.Factors[i] = f
	}
	return &cp
}

func (s *MemoryStore) Record(_ context.Context, rec *ScoreRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bySession[rec.SessionID] = append(s.bySession[rec.SessionID], cloneRecord(rec))
	return nil
}

func (s *MemoryStore) ListBySession(_ context.Context, sessionID string, limit int) ([]*ScoreRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.bySession[sessionID]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	result := make([]*ScoreRecord, 0, limit)
	for i := len(all) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, cloneRecord(all[i]))
	}
	return result, nil
}

func (s *MemoryStore) LastForSession(_ context.Context, sessionID string) (*ScoreRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.bySession[sessionID]
	if len(all) == 0 {
		return nil, ErrNotFound
	}
	return cloneRecord(all[len(all)-1]), nil
}

func (s *MemoryStore) CountSince(_ context.Context, sessionID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.bySession[sessionID] {
		if !r.Timestamp.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) HighRiskSessionsSince(_ context.Context, minScore int, since time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, recs := range s.bySession {
		for _, r := range recs {
			if r.Score > minScore && !r.Timestamp.Before(since) {
				out = append(out, id)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) Since(_ context.Context, since time.Time) ([]*ScoreRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ScoreRecord
	for _, recs := range s.bySession {
		for _, r := range recs {
			if !r.Timestamp.Before(since) {
				out = append(out, cloneRecord(r))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *MemoryStore) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, recs := range s.bySession {
		kept := recs[:0]
		for _, r := range recs {
			if r.Timestamp.Before(cutoff) {
				n++
				continue
			}
			kept = append(kept, r)
		}
		if len(kept) == 0 {
			delete(s.bySession, id)
		} else {
			s.bySession[id] = kept
		}
	}
	return n, nil
}
