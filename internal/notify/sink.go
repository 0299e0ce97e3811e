package notify

import (
	"context"
	"sync"

	"github.com/hireloop/realtime/internal/wire"
)

// Sink receives accepted notification records. Implementations must be
// idempotent under repeated delivery of the same id.
type Sink interface {
	// Has reports whether a record with the given id is already present.
	Has(ctx context.Context, id int64) (bool, error)

	// Store adds a record. Storing an id that already exists is a no-op.
	Store(ctx context.Context, rec wire.NotificationRecord) error
}

// MemorySink is an in-memory sink, used by the probe binary and tests.
type MemorySink struct {
	mu      sync.Mutex
	byID    map[int64]wire.NotificationRecord
	arrival []int64
}

// NewMemorySink creates an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{
		byID: make(map[int64]wire.NotificationRecord),
	}
}

// Has implements Sink.
func (s *MemorySink) Has(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byID[id]
	return ok, nil
}

// Store implements Sink.
func (s *MemorySink) Store(_ context.Context, rec wire.NotificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[rec.ID]; ok {
		return nil
	}
	s.byID[rec.ID] = rec
	s.arrival = append(s.arrival, rec.ID)
	return nil
}

// Len returns the number of stored records.
func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// Records returns stored records in arrival order.
func (s *MemorySink) Records() []wire.NotificationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wire.NotificationRecord, 0, len(s.arrival))
	for _, id := range s.arrival {
		out = append(out, s.byID[id])
	}
	return out
}
