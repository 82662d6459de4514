package runtime

import (
	"context"
	"fmt"
	"strings"

	utcp "github.com/universal-tool-calling-protocol/go-utcp"

	"github.com/Protocol-Lattice/go-assistant/src/agents/product"
	"github.com/Protocol-Lattice/go-assistant/src/memory/embed"
	"github.com/Protocol-Lattice/go-assistant/src/memory/store"
	"github.com/Protocol-Lattice/go-assistant/src/models"
	"github.com/Protocol-Lattice/go-assistant/src/session"
)

const embeddingsCollection = "embeddings"

func (r *Runtime) onClose(fn func(context.Context) error) {
	r.closers = append(r.closers, fn)
}

func (r *Runtime) buildGenerator(ctx context.Context) error {
	if r.generator == nil {
		g, err := models.NewLLMProvider(ctx, r.cfg.LLM.Provider, r.cfg.LLM.Model)
		if err != nil {
			return fmt.Errorf("llm provider: %w", err)
		}
		if c, ok := g.(interface{ Close() error }); ok {
			r.onClose(func(context.Context) error { return c.Close() })
		}
		r.generator = g
	}
	if r.cfg.LLM.CacheSize > 0 {
		r.generator = models.NewCachedLLM(r.generator, r.cfg.LLM.CacheSize, r.cfg.LLM.CacheTTL)
	}
	return nil
}

// buildEmbedder uses the one configured embedding space. A provider that
// cannot be built is an error rather than a silent switch to another space.
func (r *Runtime) buildEmbedder(ctx context.Context) error {
	if r.embedder == nil {
		e, err := embed.New(ctx, r.cfg.Embed.Provider, r.cfg.Embed.Model)
		if err != nil {
			return fmt.Errorf("embedder: %w", err)
		}
		if c, ok := e.(interface{ Close() error }); ok {
			r.onClose(func(context.Context) error { return c.Close() })
		}
		r.embedder = e
	}
	if r.cfg.Embed.CacheSize > 0 {
		r.embedder = embed.NewCachedEmbedder(r.embedder, r.cfg.Embed.CacheSize, r.cfg.Embed.CacheTTL)
	}
	return nil
}

func (r *Runtime) buildVectors(ctx context.Context) error {
	if r.vectors != nil {
		return nil
	}
	vc := r.cfg.Vectors
	switch strings.ToLower(vc.Backend) {
	case "", "memory":
		r.vectors = store.NewInMemoryStore()
	case "postgres":
		ps, err := store.NewPostgresStore(ctx, vc.PostgresDSN)
		if err != nil {
			return fmt.Errorf("postgres vector store: %w", err)
		}
		r.onClose(func(context.Context) error { return ps.Close() })
		if err := ps.CreateSchema(ctx, ""); err != nil {
			return err
		}
		r.vectors = ps
	case "mongo":
		ms, err := store.NewMongoStore(ctx, vc.MongoURI, vc.MongoDatabase, embeddingsCollection)
		if err != nil {
			return fmt.Errorf("mongo vector store: %w", err)
		}
		if vc.MongoIndex != "" {
			ms.IndexName = vc.MongoIndex
		}
		r.onClose(ms.Close)
		r.vectors = ms
	default:
		return fmt.Errorf("unknown vector backend: %s", vc.Backend)
	}
	return nil
}

// buildSessions opens the session backend. Execution records go to the
// backend when it can hold them and are always logged.
func (r *Runtime) buildSessions(ctx context.Context) error {
	logSink := session.LogSink{Logger: r.logger}
	if r.sessions == nil {
		sc := r.cfg.Sessions
		switch strings.ToLower(sc.Backend) {
		case "", "memory":
			r.sessions = session.NewInMemoryStore()
		case "mongo":
			ms, err := session.NewMongoStore(ctx, sc.MongoURI, sc.MongoDatabase)
			if err != nil {
				return fmt.Errorf("mongo session store: %w", err)
			}
			r.onClose(ms.Close)
			if err := ms.EnsureIndexes(ctx); err != nil {
				return err
			}
			r.sessions = ms
		case "neo4j":
			ns, err := session.ConnectNeo4j(ctx, sc.Neo4jURI, sc.Neo4jUser, sc.Neo4jPassword, sc.Neo4jDatabase)
			if err != nil {
				return fmt.Errorf("neo4j session store: %w", err)
			}
			r.onClose(ns.Close)
			if err := ns.EnsureConstraints(ctx); err != nil {
				return err
			}
			r.sessions = ns
		default:
			return fmt.Errorf("unknown session backend: %s", sc.Backend)
		}
	}
	if sink, ok := r.sessions.(session.ExecutionSink); ok {
		r.sink = session.MultiSink{sink, logSink}
	} else {
		r.sink = logSink
	}
	return nil
}

// buildCatalog connects the UTCP catalog tool when one is configured.
func (r *Runtime) buildCatalog(ctx context.Context) error {
	if r.catalog != nil || r.cfg.Product.CatalogTool == "" {
		return nil
	}
	client, err := utcp.NewUTCPClient(ctx, &utcp.UtcpClientConfig{ProvidersFilePath: r.cfg.Product.ProvidersFile}, nil, nil)
	if err != nil {
		return fmt.Errorf("utcp client: %w", err)
	}
	catalog, err := product.NewUTCPCatalog(client, r.cfg.Product.CatalogTool)
	if err != nil {
		return err
	}
	r.catalog = catalog
	return nil
}
