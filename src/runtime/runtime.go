// Package runtime wires configuration into a ready-to-serve assistant:
// generator, embedder, stores, memory, coordinator and streaming engine.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/Protocol-Lattice/go-assistant/src/agents/product"
	"github.com/Protocol-Lattice/go-assistant/src/concurrent"
	"github.com/Protocol-Lattice/go-assistant/src/config"
	"github.com/Protocol-Lattice/go-assistant/src/coordinator"
	"github.com/Protocol-Lattice/go-assistant/src/intent"
	"github.com/Protocol-Lattice/go-assistant/src/memory"
	"github.com/Protocol-Lattice/go-assistant/src/memory/embed"
	"github.com/Protocol-Lattice/go-assistant/src/memory/store"
	"github.com/Protocol-Lattice/go-assistant/src/models"
	"github.com/Protocol-Lattice/go-assistant/src/session"
	"github.com/Protocol-Lattice/go-assistant/src/stream"
	"github.com/Protocol-Lattice/go-assistant/src/writer"
)

// SessionStore is a conversation log that also keeps summaries.
type SessionStore interface {
	session.Log
	session.SummaryStore
}

type Option func(*Runtime)

func WithLogger(l *slog.Logger) Option { return func(r *Runtime) { r.logger = l } }

func WithGenerator(g models.Generator) Option { return func(r *Runtime) { r.generator = g } }

func WithEmbedder(e embed.Embedder) Option { return func(r *Runtime) { r.embedder = e } }

func WithVectorStore(vs store.VectorStore) Option { return func(r *Runtime) { r.vectors = vs } }

// WithSessionStore replaces the configured session backend. When s also
// implements session.ExecutionSink it receives execution records.
func WithSessionStore(s SessionStore) Option { return func(r *Runtime) { r.sessions = s } }

func WithCatalog(c product.Catalog) Option { return func(r *Runtime) { r.catalog = c } }

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	generator models.Generator
	embedder  embed.Embedder
	vectors   store.VectorStore
	sessions  SessionStore
	sink      session.ExecutionSink
	catalog   product.Catalog

	pool        *concurrent.Detached
	memory      *memory.Service
	coordinator *coordinator.Coordinator
	engine      *stream.Engine
	turns       *sessionLocks

	closers []func(context.Context) error
}

// New builds a runtime from the default configuration.
func New(ctx context.Context, opts ...Option) (*Runtime, error) {
	return FromConfig(ctx, config.Default(), opts...)
}

// FromConfig builds every component described by cfg. Options take
// precedence over the matching config section. On error, anything already
// opened is closed again.
func FromConfig(ctx context.Context, cfg config.Config, opts ...Option) (rt *Runtime, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	r := &Runtime{cfg: cfg, turns: newSessionLocks()}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = cfg.NewLogger(os.Stderr)
	}
	defer func() {
		if err != nil {
			_ = r.Close(context.Background())
		}
	}()

	r.pool = concurrent.NewDetached(concurrent.DetachedOptions{
		Workers:     cfg.Pool.Workers,
		QueueSize:   cfg.Pool.QueueSize,
		TaskTimeout: cfg.Pool.TaskTimeout,
		Logger:      r.logger,
	})

	if err := r.buildGenerator(ctx); err != nil {
		return nil, err
	}
	if err := r.buildEmbedder(ctx); err != nil {
		return nil, err
	}
	if err := r.buildVectors(ctx); err != nil {
		return nil, err
	}
	if err := r.buildSessions(ctx); err != nil {
		return nil, err
	}

	r.memory, err = memory.NewService(r.vectors, r.sessions, r.sessions, r.embedder, memory.Options{
		SimilarityThreshold: cfg.Memory.SimilarityThreshold,
		TopK:                cfg.Memory.TopK,
		CandidateCap:        cfg.Memory.CandidateCap,
		CrossSessionMin:     cfg.Memory.CrossSessionMin,
		SummaryInterval:     cfg.Memory.SummaryInterval,
		SummaryWindow:       cfg.Memory.SummaryWindow,
		RecentPairs:         cfg.Memory.RecentPairs,
		SummaryLimit:        cfg.Memory.SummaryLimit,
		EmbedTimeout:        cfg.Memory.EmbedTimeout,
		StoreTimeout:        cfg.Memory.StoreTimeout,
		GenerateTimeout:     cfg.LLM.Timeout,
		Logger:              r.logger,
	})
	if err != nil {
		return nil, err
	}
	r.memory.WithGenerator(r.generator).WithPool(r.pool)

	intentTimeout := cfg.Intent.EmbedTimeout
	if intentTimeout <= 0 {
		intentTimeout = cfg.Memory.EmbedTimeout
	}
	classifier, err := intent.New(cfg.Intent.Strategy, nil, r.embedder, intentTimeout)
	if err != nil {
		return nil, err
	}
	w, err := writer.New(r.generator, writer.Options{
		DefaultModel:    cfg.LLM.Model,
		Temperature:     cfg.LLM.Temperature,
		MaxTokens:       cfg.LLM.MaxTokens,
		GenerateTimeout: cfg.LLM.Timeout,
		Logger:          r.logger,
	})
	if err != nil {
		return nil, err
	}

	stages := []coordinator.Stage{
		coordinator.RetrieveStage{Memory: r.memory},
		coordinator.SummarizeStage{Memory: r.memory},
		coordinator.WriterStage{Writer: w},
	}
	if cfg.Product.Enabled {
		if err := r.buildCatalog(ctx); err != nil {
			return nil, err
		}
		agent := product.New(r.generator, r.catalog, product.Options{MaxProducts: cfg.Product.MaxProducts, Logger: r.logger})
		stages = append(stages, coordinator.ProductStage{Agent: agent})
	}
	r.coordinator, err = coordinator.New(classifier, stages, coordinator.Options{Logger: r.logger})
	if err != nil {
		return nil, err
	}
	r.coordinator.WithExecutionSink(r.sink, r.pool)

	r.engine = stream.New(r.coordinator, stream.Options{
		ChunkSize:  cfg.Stream.ChunkSize,
		ChunkDelay: chunkDelay(cfg.Stream.ChunkDelay),
		Logger:     r.logger,
	})
	r.logger.Info("assistant runtime ready",
		"llm", models.ProviderOf(r.generator),
		"embedder", embed.Identity(r.embedder),
		"vectors", cfg.Vectors.Backend,
		"sessions", cfg.Sessions.Backend,
		"intent", cfg.Intent.Strategy,
	)
	return r, nil
}

// chunkDelay maps a configured zero onto the engine's "no pause" value.
func chunkDelay(d time.Duration) time.Duration {
	if d == 0 {
		return -1
	}
	return d
}
