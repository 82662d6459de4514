// Package intent maps a user utterance onto one of a closed set of intents.
package intent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Protocol-Lattice/go-assistant/src/memory/embed"
)

type Intent string

const (
	ProductSearch  Intent = "product_search"
	Summarize      Intent = "summarize"
	RetrieveMemory Intent = "retrieve_memory"
	General        Intent = "general"
)

// All lists the closed set in tie-break priority order, General last.
var All = []Intent{Summarize, RetrieveMemory, ProductSearch, General}

func (i Intent) Valid() bool {
	switch i {
	case ProductSearch, Summarize, RetrieveMemory, General:
		return true
	}
	return false
}

// FallbackConfidence is reported whenever nothing matched.
const FallbackConfidence = 0.2

type Result struct {
	Intent     Intent  `json:"intent"`
	Confidence float64 `json:"confidence"`
	Strategy   string  `json:"strategy"`
}

// Classifier never fails: anything it cannot place is General.
type Classifier interface {
	Classify(ctx context.Context, text string) Result
}

func fallback(strategy string) Result {
	return Result{Intent: General, Confidence: FallbackConfidence, Strategy: strategy}
}

// New builds the classifier for a deployment strategy: "rules" or "semantic".
// embedTimeout bounds each embedding call of the semantic strategy.
func New(strategy string, rules map[Intent][]string, embedder embed.Embedder, embedTimeout time.Duration) (Classifier, error) {
	switch strings.ToLower(strings.TrimSpace(strategy)) {
	case "", "rules", "rule", "rule_based":
		return NewRuleClassifier(rules), nil
	case "semantic", "embedding":
		if embedder == nil {
			return nil, fmt.Errorf("semantic intent classification needs an embedder")
		}
		return NewSemanticClassifier(embedder, nil).WithTimeout(embedTimeout), nil
	default:
		return nil, fmt.Errorf("unknown intent strategy: %s", strategy)
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
