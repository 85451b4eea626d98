package knowledge

import (
	"context"
	"sync"
	"time"

	"routing-hub/internal/routing"
)

// DefaultMemoryCapacity is the number of outcomes the memory store retains
const DefaultMemoryCapacity = 10000

// MemoryStore keeps outcomes in a fixed-size ring buffer. It is meant for
// development and tests; nothing survives a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	buf      []routing.OutcomeRecord
	next     int
	full     bool
	insights *Insights
}

// NewMemoryStore creates a ring buffer holding up to capacity outcomes
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryStore{buf: make([]routing.OutcomeRecord, capacity)}
}

func (s *MemoryStore) RecordOutcomes(ctx context.Context, records []routing.OutcomeRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		s.buf[s.next] = copyRecord(r)
		s.next = (s.next + 1) % len(s.buf)
		if s.next == 0 {
			s.full = true
		}
	}
	return nil
}

func (s *MemoryStore) LoadOutcomes(ctx context.Context, since time.Time, limit int) ([]routing.OutcomeRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ordered []routing.OutcomeRecord
	if s.full {
		ordered = make([]routing.OutcomeRecord, 0, len(s.buf))
		ordered = append(ordered, s.buf[s.next:]...)
		ordered = append(ordered, s.buf[:s.next]...)
	} else {
		ordered = s.buf[:s.next]
	}

	selected := window(ordered, since, limit)
	for i := range selected {
		selected[i] = copyRecord(selected[i])
	}
	return selected, nil
}

func (s *MemoryStore) UpdateInsights(ctx context.Context, insights Insights) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := insights
	stored.Routes = append([]RouteInsight(nil), insights.Routes...)
	s.insights = &stored
	return nil
}

func (s *MemoryStore) LatestInsights(ctx context.Context) (*Insights, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.insights == nil {
		return nil, ErrNoInsights
	}
	out := *s.insights
	out.Routes = append([]RouteInsight(nil), s.insights.Routes...)
	return &out, nil
}

// Len returns the number of retained outcomes
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.full {
		return len(s.buf)
	}
	return s.next
}

func (s *MemoryStore) Health(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func copyRecord(r routing.OutcomeRecord) routing.OutcomeRecord {
	if r.Features != nil {
		features := make(map[string]string, len(r.Features))
		for k, v := range r.Features {
			features[k] = v
		}
		r.Features = features
	}
	return r
}
