// Package memory owns embedding persistence, similarity retrieval with
// cross-session fallback, and the summarization cadence of a session.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/Protocol-Lattice/go-assistant/src/concurrent"
	"github.com/Protocol-Lattice/go-assistant/src/memory/embed"
	"github.com/Protocol-Lattice/go-assistant/src/memory/model"
	"github.com/Protocol-Lattice/go-assistant/src/memory/store"
	"github.com/Protocol-Lattice/go-assistant/src/models"
	"github.com/Protocol-Lattice/go-assistant/src/session"
)

// Service is the memory subsystem. It is safe for concurrent use; the
// stores it wraps are responsible for their own synchronization.
type Service struct {
	vectors   store.VectorStore
	events    session.Log
	summaries session.SummaryStore
	embedder  embed.Embedder
	generator models.Generator
	pool      *concurrent.Detached
	opts      Options
	metrics   *Metrics
}

func NewService(vectors store.VectorStore, events session.Log, summaries session.SummaryStore, embedder embed.Embedder, opts Options) (*Service, error) {
	if vectors == nil {
		return nil, errors.New("memory: vector store is nil")
	}
	if events == nil {
		return nil, errors.New("memory: session log is nil")
	}
	if summaries == nil {
		return nil, errors.New("memory: summary store is nil")
	}
	if embedder == nil {
		return nil, errors.New("memory: embedder is nil")
	}
	return &Service{
		vectors:   vectors,
		events:    events,
		summaries: summaries,
		embedder:  embedder,
		opts:      opts.withDefaults(),
		metrics:   &Metrics{},
	}, nil
}

// WithGenerator enables LLM digests for Summarize.
func (s *Service) WithGenerator(g models.Generator) *Service {
	s.generator = g
	return s
}

// WithPool routes StoreEmbeddingAsync through a shared detached pool.
func (s *Service) WithPool(p *concurrent.Detached) *Service {
	s.pool = p
	return s
}

func (s *Service) Options() Options { return s.opts }

func (s *Service) Log() session.Log { return s.events }

func (s *Service) MetricsSnapshot() MetricsSnapshot { return s.metrics.Snapshot() }

// EmbeddingInput is one message to embed and persist.
type EmbeddingInput struct {
	SessionID string
	UserID    string
	Position  int
	Role      model.Role
	Text      string
}

// StoreEmbedding embeds one message and appends it to the vector store.
// All-zero vectors are skipped since they can never be retrieved.
func (s *Service) StoreEmbedding(ctx context.Context, in EmbeddingInput) error {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return nil
	}
	embedCtx, cancel := context.WithTimeout(ctx, s.opts.EmbedTimeout)
	vec, err := s.embedder.Embed(embedCtx, text)
	cancel()
	if err != nil {
		s.metrics.IncStoreFailure()
		return fmt.Errorf("embed message: %w", err)
	}
	if model.IsZero(vec) {
		return nil
	}
	role := in.Role
	if !role.Valid() {
		role = model.RoleUser
	}
	rec := model.EmbeddingRecord{
		ID:        uuid.NewString(),
		SessionID: in.SessionID,
		UserID:    in.UserID,
		Position:  in.Position,
		Role:      role,
		Text:      text,
		Vector:    vec,
		CreatedAt: s.opts.Clock().UTC(),
	}
	storeCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	if err := s.vectors.Append(storeCtx, rec); err != nil {
		s.metrics.IncStoreFailure()
		return fmt.Errorf("append embedding: %w", err)
	}
	s.metrics.IncStored()
	return nil
}

// StoreEmbeddingAsync stores in the background. Failures are logged and
// dropped, never retried.
func (s *Service) StoreEmbeddingAsync(in EmbeddingInput) {
	task := func(ctx context.Context) error { return s.StoreEmbedding(ctx, in) }
	if s.pool != nil {
		s.pool.Submit("store_embedding", task)
		return
	}
	go func() {
		if err := task(context.Background()); err != nil {
			s.opts.Logger.Warn("store embedding failed", "session", in.SessionID, "err", err)
		}
	}()
}

// Retrieve returns at most topK messages similar to query, each with
// similarity at or above the configured threshold. The candidate pool is the
// session's own records, extended with the user's other sessions while the
// session holds fewer than CrossSessionMin vectors.
func (s *Service) Retrieve(ctx context.Context, sessionID, userID, query string, topK int) ([]model.Scored, error) {
	if topK <= 0 {
		topK = s.opts.TopK
	}
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	embedCtx, cancel := context.WithTimeout(ctx, s.opts.EmbedTimeout)
	qvec, err := s.embedder.Embed(embedCtx, query)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if model.IsZero(qvec) {
		return nil, nil
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()

	own, err := s.vectors.Count(storeCtx, store.Filter{SessionID: sessionID})
	if err != nil {
		return nil, fmt.Errorf("count session vectors: %w", err)
	}
	candidates, err := s.vectors.Nearest(storeCtx, qvec, store.Filter{SessionID: sessionID}, s.opts.CandidateCap)
	if err != nil {
		return nil, fmt.Errorf("nearest in session: %w", err)
	}
	if own < s.opts.CrossSessionMin && userID != "" {
		s.metrics.IncCrossSession()
		others, err := s.vectors.Nearest(storeCtx, qvec, store.Filter{UserID: userID, ExcludeSessionID: sessionID}, s.opts.CandidateCap)
		if err != nil {
			return nil, fmt.Errorf("nearest across sessions: %w", err)
		}
		candidates = append(candidates, others...)
	}

	out := make([]model.Scored, 0, len(candidates))
	for _, c := range candidates {
		sim := model.CosineSimilarity(qvec, c.Record.Vector)
		if sim <= 0 || sim < s.opts.SimilarityThreshold {
			continue
		}
		c.Similarity = sim
		out = append(out, c)
	}
	store.SortScored(out)
	if len(out) > topK {
		out = out[:topK]
	}
	s.metrics.IncRetrieved(len(out))
	return out, nil
}
