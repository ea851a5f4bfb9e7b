package audit

import (
	"context"
	"sync"
	"time"
)

// MemoryLogger stores audit events in memory for development and tests.
type MemoryLogger struct {
	mu     sync.RWMutex
	events []*Event
	nextID int64
}

// NewMemoryLogger creates an in-memory audit logger.
func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{}
}

func (l *MemoryLogger) LogEvent(_ context.Context, e *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	cp := *e
	cp.ID = l.nextID
	cp.Details = MaskDetails(e.Details)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	l.events = append(l.events, &cp)
	return nil
}

func (l *MemoryLogger) Query(_ context.Context, f Filter) ([]*Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	limit := f.limit()
	var result []*Event
	for i := len(l.events) - 1; i >= 0 && len(result) < limit; i-- {
		if !f.matches(l.events[i]) {
			continue
		}
		cp := *l.events[i]
		result = append(result, &cp)
	}
	return result, nil
}

// Events returns every stored event, oldest first.
func (l *MemoryLogger) Events() []*Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]*Event, len(l.events))
	copy(result, l.events)
	return result
}
