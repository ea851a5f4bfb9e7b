package behavior

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/verigate/internal/syncutil"
)

// Store persists profile snapshots.
type Store interface {
	Load(ctx context.Context, identityID string) (*Profile, error)
	Save(ctx context.Context, p *Profile) error
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type entry struct {
	samples     ring
	confidence  int
	count       int64
	lastUpdated time.Time
	lastAccess  time.Time
}

func (e *entry) snapshot(identityID string) *Profile {
	return &Profile{
		IdentityID:  identityID,
		Samples:     e.samples.ordered(),
		Confidence:  e.confidence,
		SampleCount: e.count,
		LastUpdated: e.lastUpdated,
	}
}

// Learner holds the authoritative in-memory profiles. With a backing store,
// profiles are loaded on first use and written behind every update.
type Learner struct {
	store   Store
	idleTTL time.Duration
	logger  *slog.Logger
	now     func() time.Time

	locks syncutil.ShardedRWMutex // per identity

	mu      sync.RWMutex
	entries map[string]*entry
}

// LearnerOption configures a Learner.
type LearnerOption func(*Learner)

// WithStore sets the backing store.
func WithStore(s Store) LearnerOption {
	return func(l *Learner) { l.store = s }
}

// WithIdleTTL sets how long an untouched profile stays cached when a store
// is configured.
func WithIdleTTL(d time.Duration) LearnerOption {
	return func(l *Learner) { l.idleTTL = d }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) LearnerOption {
	return func(l *Learner) { l.logger = log }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) LearnerOption {
	return func(l *Learner) { l.now = now }
}

// NewLearner creates a learner.
func NewLearner(opts ...LearnerOption) *Learner {
	l := &Learner{
		idleTTL: 5 * time.Minute,
		logger:  slog.Default(),
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Update appends s to the identity's ring buffer and bumps confidence. The
// resulting snapshot is persisted after the identity lock is released.
func (l *Learner) Update(ctx context.Context, identityID string, s Sample) error {
	if identityID == "" {
		return nil
	}
	e, err := l.entryFor(ctx, identityID)
	if err != nil {
		return err
	}

	unlock := l.locks.Lock(identityID)
	e.samples.push(s)
	if e.confidence < MaxConfidence {
		e.confidence++
	}
	e.count++
	now := l.now()
	e.lastUpdated = now
	e.lastAccess = now
	snap := e.snapshot(identityID)
	unlock()

	if l.store == nil {
		return nil
	}
	if err := l.store.Save(ctx, snap); err != nil {
		l.logger.Warn("behavior profile persist failed", "identity_id", identityID, "error", err)
		return err
	}
	return nil
}

// Profile returns a copy of the identity's profile. ok is false when no
// samples have ever been recorded.
func (l *Learner) Profile(ctx context.Context, identityID string) (*Profile, bool, error) {
	if identityID == "" {
		return nil, false, nil
	}
	l.mu.RLock()
	e, cached := l.entries[identityID]
	l.mu.RUnlock()

	if !cached {
		if l.store == nil {
			return nil, false, nil
		}
		loaded, err := l.store.Load(ctx, identityID)
		if errors.Is(err, ErrNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		e = l.install(identityID, loaded)
	}

	unlock := l.locks.RLock(identityID)
	defer unlock()
	if e.count == 0 {
		return nil, false, nil
	}
	return e.snapshot(identityID), true, nil
}

// EvictIdle drops cached profiles not touched within the idle TTL. Without a
// backing store the cache is authoritative and nothing is evicted.
func (l *Learner) EvictIdle(now time.Time) int {
	if l.store == nil {
		return 0
	}
	cutoff := now.Add(-l.idleTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for id, e := range l.entries {
		unlock := l.locks.RLock(id)
		idle := e.lastAccess.Before(cutoff)
		unlock()
		if idle {
			delete(l.entries, id)
			n++
		}
	}
	return n
}

// DeleteBefore removes profiles last updated before cutoff from memory and
// from the backing store.
func (l *Learner) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	l.mu.Lock()
	for id, e := range l.entries {
		unlock := l.locks.RLock(id)
		stale := e.lastUpdated.Before(cutoff)
		unlock()
		if stale {
			delete(l.entries, id)
			n++
		}
	}
	l.mu.Unlock()

	if l.store == nil {
		return n, nil
	}
	deleted, err := l.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		return n, err
	}
	if deleted > n {
		n = deleted
	}
	return n, nil
}

// Len reports the number of cached profiles.
func (l *Learner) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// entryFor returns the cached entry, loading it from the store first if
// needed. The store call happens without any lock held. A failed load
// installs nothing, so the next call retries the store.
func (l *Learner) entryFor(ctx context.Context, identityID string) (*entry, error) {
	l.mu.RLock()
	e, ok := l.entries[identityID]
	l.mu.RUnlock()
	if ok {
		return e, nil
	}

	var loaded *Profile
	if l.store != nil {
		p, err := l.store.Load(ctx, identityID)
		switch {
		case err == nil:
			loaded = p
		case !errors.Is(err, ErrNotFound):
			return nil, fmt.Errorf("load behavior profile: %w", err)
		}
	}
	return l.install(identityID, loaded), nil
}

// install caches p (or an empty entry) unless another goroutine got there
// first, in which case the existing entry wins.
func (l *Learner) install(identityID string, p *Profile) *entry {
	e := &entry{lastAccess: l.now()}
	if p != nil {
		e.samples = ringFrom(p.Samples)
		e.confidence = min(p.Confidence, MaxConfidence)
		e.count = p.SampleCount
		e.lastUpdated = p.LastUpdated
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.entries[identityID]; ok {
		return existing
	}
	l.entries[identityID] = e
	return e
}
