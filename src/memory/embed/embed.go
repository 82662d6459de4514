package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Embedder is a pluggable text-embedding provider. All vectors produced by
// one Embedder share a fixed length.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ErrNotSupported is returned by providers that do not offer embeddings or
// return an empty vector.
var ErrNotSupported = errors.New("embeddings not supported by this provider")

// DummyDimensions is the vector length produced by DummyEmbedder.
const DummyDimensions = 768

// DummyEmbedder folds text bytes into a fixed-size vector. It is deterministic
// and needs no network, which makes it the default for tests and local runs.
type DummyEmbedder struct{}

func (DummyEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return DummyEmbedding(text), nil
}

func (DummyEmbedder) Identity() string { return "dummy/bytes-768" }

// DummyEmbedding is kept for tests.
func DummyEmbedding(text string) []float32 {
	vec := make([]float32, DummyDimensions)
	for i, ch := range []byte(text) {
		vec[i%DummyDimensions] += float32(ch) / 255.0
	}
	return vec
}

// New builds the embedder for provider. Unknown providers are an error so a
// deployment never silently switches embedding spaces.
func New(ctx context.Context, provider, model string) (Embedder, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "", "dummy":
		return DummyEmbedder{}, nil
	case "openai":
		return NewOpenAIEmbedder(model)
	case "google", "gemini", "vertex", "vertexai":
		return NewGeminiEmbedder(ctx, model)
	case "ollama":
		return NewOllamaEmbedder(model)
	case "fastembed":
		return NewFastEmbedder(ctx, defaultFastEmbedOptions())
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", provider)
	}
}

// AutoEmbedder behaves like New but falls back to DummyEmbedder when the
// provider cannot be constructed.
func AutoEmbedder(ctx context.Context, provider, model string, logger *slog.Logger) Embedder {
	e, err := New(ctx, provider, model)
	if err == nil {
		return e
	}
	if logger != nil {
		logger.Warn("embedder unavailable, falling back to dummy", "provider", provider, "err", err)
	}
	return DummyEmbedder{}
}

// Identity returns a provider/model label for e, or "unknown".
func Identity(e Embedder) string {
	if id, ok := e.(interface{ Identity() string }); ok {
		return id.Identity()
	}
	return "unknown"
}
