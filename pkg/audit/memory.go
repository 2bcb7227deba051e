package audit

import (
	"context"
	"sync"
)

// DefaultMemoryCapacity is the number of events a MemoryLogger keeps.
const DefaultMemoryCapacity = 1000

// MemoryLogger keeps the most recent events in a ring buffer.
type MemoryLogger struct {
	mu     sync.Mutex
	events []Event
	next   int
	full   bool
}

// NewMemoryLogger creates a MemoryLogger holding up to capacity events.
func NewMemoryLogger(capacity int) *MemoryLogger {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryLogger{events: make([]Event, capacity)}
}

// Log records an audit event, overwriting the oldest when full.
func (m *MemoryLogger) Log(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events[m.next] = event
	m.next = (m.next + 1) % len(m.events)
	if m.next == 0 {
		m.full = true
	}
	return nil
}

// Query retrieves audit events matching the filter, newest first.
func (m *MemoryLogger) Query(_ context.Context, filter QueryFilter) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.next
	if m.full {
		n = len(m.events)
	}

	out := []Event{}
	skipped := 0
	for i := range n {
		e := m.events[(m.next-1-i+len(m.events))%len(m.events)]
		if !filter.Matches(e) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// Close is a no-op for the in-memory logger.
func (*MemoryLogger) Close() error {
	return nil
}

// Verify interface compliance.
var _ Logger = (*MemoryLogger)(nil)
