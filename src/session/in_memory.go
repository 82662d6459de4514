package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore implements Log, SummaryStore and ExecutionSink for tests and
// single-process deployments.
type InMemoryStore struct {
	mu         sync.RWMutex
	events     map[string][]Event
	byID       map[string]Event
	summaries  map[string][]Summary
	executions []ExecutionRecord
	now        func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		events:    make(map[string][]Event),
		byID:      make(map[string]Event),
		summaries: make(map[string][]Summary),
		now:       time.Now,
	}
}

func (s *InMemoryStore) Append(_ context.Context, ev Event) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev = normalize(ev, s.now())
	s.events[ev.SessionID] = append(s.events[ev.SessionID], ev)
	s.byID[ev.ID] = ev
	return ev, nil
}

func (s *InMemoryStore) Events(_ context.Context, sessionID string, limit int) ([]Event, error) {
	s.mu.RLock()
	out := append([]Event(nil), s.events[sessionID]...)
	s.mu.RUnlock()
	chronological(out)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.byID[id]
	if !ok {
		return Event{}, ErrNotFound
	}
	return ev, nil
}

func (s *InMemoryStore) Count(_ context.Context, sessionID string, kind Kind) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, ev := range s.events[sessionID] {
		if kind == "" || ev.Kind == kind {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) AppendSummary(_ context.Context, sum Summary) (Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.summaries[sum.SessionID] {
		if existing.PairCount == sum.PairCount {
			return existing, ErrDuplicateSummary
		}
	}
	sum = normalizeSummary(sum, s.now())
	s.summaries[sum.SessionID] = append(s.summaries[sum.SessionID], sum)
	return sum, nil
}

func (s *InMemoryStore) Summaries(_ context.Context, sessionID string, limit int) ([]Summary, error) {
	s.mu.RLock()
	out := append([]Summary(nil), s.summaries[sessionID]...)
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].PairCount > out[j].PairCount })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) RecordExecution(_ context.Context, rec ExecutionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	s.mu.Lock()
	s.executions = append(s.executions, rec)
	s.mu.Unlock()
	return nil
}

// Executions returns recorded executions for a session in insertion order.
func (s *InMemoryStore) Executions(sessionID string) []ExecutionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ExecutionRecord
	for _, rec := range s.executions {
		if sessionID == "" || rec.SessionID == sessionID {
			out = append(out, rec)
		}
	}
	return out
}

var (
	_ Log           = (*InMemoryStore)(nil)
	_ SummaryStore  = (*InMemoryStore)(nil)
	_ ExecutionSink = (*InMemoryStore)(nil)
)
