package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/Protocol-Lattice/go-assistant/src/memory/model"
)

// InMemoryStore implements VectorStore for tests and lightweight deployments.
type InMemoryStore struct {
	mu      sync.RWMutex
	dim     int
	records []model.EmbeddingRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) Append(_ context.Context, rec model.EmbeddingRecord) error {
	if len(rec.Vector) == 0 {
		return errors.New("embedding vector is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := checkDimension(s.dim, len(rec.Vector)); err != nil {
		return err
	}
	s.dim = len(rec.Vector)
	rec.Vector = append([]float32(nil), rec.Vector...)
	s.records = append(s.records, rec)
	return nil
}

func (s *InMemoryStore) Nearest(_ context.Context, query []float32, f Filter, limit int) ([]model.Scored, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := checkDimension(s.dim, len(query)); err != nil {
		return nil, err
	}
	out := make([]model.Scored, 0, len(s.records))
	for _, rec := range s.records {
		if !f.matches(rec) {
			continue
		}
		out = append(out, model.Scored{Record: rec, Similarity: model.CosineSimilarity(query, rec.Vector)})
	}
	SortScored(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) Count(_ context.Context, f Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rec := range s.records {
		if f.matches(rec) {
			n++
		}
	}
	return n, nil
}

// SortScored orders by similarity descending, most recent first on ties.
func SortScored(items []model.Scored) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Similarity != items[j].Similarity {
			return items[i].Similarity > items[j].Similarity
		}
		return model.Newer(items[i].Record, items[j].Record)
	})
}
