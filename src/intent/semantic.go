package intent

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Protocol-Lattice/go-assistant/src/concurrent"
	"github.com/Protocol-Lattice/go-assistant/src/memory/embed"
	"github.com/Protocol-Lattice/go-assistant/src/memory/model"
)

// DefaultDescriptions are the natural-language intent descriptions embedded
// by SemanticClassifier.
var DefaultDescriptions = map[Intent]string{
	ProductSearch:  "The user wants to find, compare, or buy a product, asks about prices, deals, or where to purchase something.",
	Summarize:      "The user asks for a summary, recap, or the key points of the conversation so far.",
	RetrieveMemory: "The user asks the assistant to remember or recall something said earlier in this or a previous conversation.",
	General:        "A general question or request for information, advice, or conversation.",
}

// DefaultEmbedTimeout bounds each embedding call when no timeout is set.
const DefaultEmbedTimeout = 10 * time.Second

// SemanticClassifier picks the intent whose description embedding is closest
// to the query embedding.
type SemanticClassifier struct {
	embedder     embed.Embedder
	descriptions map[Intent]string
	timeout      time.Duration

	flight  singleflight.Group
	mu      sync.RWMutex
	vectors map[Intent][]float32
}

func NewSemanticClassifier(embedder embed.Embedder, descriptions map[Intent]string) *SemanticClassifier {
	if len(descriptions) == 0 {
		descriptions = DefaultDescriptions
	}
	return &SemanticClassifier{embedder: embedder, descriptions: descriptions, timeout: DefaultEmbedTimeout}
}

// WithTimeout sets the deadline of each embedding call. Non-positive values
// keep the current one.
func (sc *SemanticClassifier) WithTimeout(d time.Duration) *SemanticClassifier {
	if d > 0 {
		sc.timeout = d
	}
	return sc
}

type described struct {
	intent Intent
	text   string
}

// intentVectors embeds every description once. Concurrent first callers
// share one embedding round; a failed round is retried on the next call.
func (sc *SemanticClassifier) intentVectors(ctx context.Context) (map[Intent][]float32, error) {
	sc.mu.RLock()
	cached := sc.vectors
	sc.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	ch := sc.flight.DoChan("descriptions", func() (any, error) {
		// The round outlives a cancelled first caller; the timeout still bounds it.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sc.timeout)
		defer cancel()
		items := make([]described, 0, len(sc.descriptions))
		for _, in := range All {
			if text, ok := sc.descriptions[in]; ok {
				items = append(items, described{intent: in, text: text})
			}
		}
		vecs, err := concurrent.ParallelMap(ctx, items, func(ctx context.Context, d described) ([]float32, error) {
			return sc.embedder.Embed(ctx, d.text)
		}, len(items))
		if err != nil {
			return nil, err
		}
		out := make(map[Intent][]float32, len(items))
		for i, d := range items {
			out[d.intent] = vecs[i]
		}
		sc.mu.Lock()
		sc.vectors = out
		sc.mu.Unlock()
		return out, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(map[Intent][]float32), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Classify falls back to General when an embedding call fails or misses its
// deadline.
func (sc *SemanticClassifier) Classify(ctx context.Context, text string) Result {
	vectors, err := sc.intentVectors(ctx)
	if err != nil {
		return fallback("semantic")
	}
	qctx, cancel := context.WithTimeout(ctx, sc.timeout)
	defer cancel()
	query, err := sc.embedder.Embed(qctx, text)
	if err != nil {
		return fallback("semantic")
	}
	best, bestSim := General, 0.0
	for _, in := range All {
		vec, ok := vectors[in]
		if !ok {
			continue
		}
		if sim := model.CosineSimilarity(query, vec); sim > bestSim {
			best, bestSim = in, sim
		}
	}
	if bestSim <= 0 {
		return fallback("semantic")
	}
	return Result{Intent: best, Confidence: clamp01(bestSim), Strategy: "semantic"}
}
