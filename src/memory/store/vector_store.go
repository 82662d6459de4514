package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/Protocol-Lattice/go-assistant/src/memory/model"
)

// ErrDimensionMismatch is returned when a vector's length differs from the
// dimension fixed by the first vector a store accepted.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Filter narrows the candidate pool of a Nearest or Count call. Empty fields
// do not constrain.
type Filter struct {
	SessionID        string
	UserID           string
	ExcludeSessionID string
}

func (f Filter) matches(rec model.EmbeddingRecord) bool {
	if f.SessionID != "" && rec.SessionID != f.SessionID {
		return false
	}
	if f.UserID != "" && rec.UserID != f.UserID {
		return false
	}
	if f.ExcludeSessionID != "" && rec.SessionID == f.ExcludeSessionID {
		return false
	}
	return true
}

// VectorStore persists embedding records and answers similarity queries.
type VectorStore interface {
	Append(ctx context.Context, rec model.EmbeddingRecord) error
	// Nearest returns at most limit records matching f, ordered by similarity
	// descending with the most recent record first on ties.
	Nearest(ctx context.Context, query []float32, f Filter, limit int) ([]model.Scored, error)
	Count(ctx context.Context, f Filter) (int, error)
}

func checkDimension(want, got int) error {
	if want != 0 && want != got {
		return fmt.Errorf("%w: store holds %d, got %d", ErrDimensionMismatch, want, got)
	}
	return nil
}
