// Package product is the product side-agent: it pulls product mentions out
// of a generated answer and optionally looks each one up in a catalog.
package product

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/Protocol-Lattice/go-assistant/src/concurrent"
	"github.com/Protocol-Lattice/go-assistant/src/models"
)

const (
	MethodLLM       = "llm"
	MethodHeuristic = "heuristic"
)

// Product is one product mention, with catalog matches when a catalog is
// configured.
type Product struct {
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Matches  []Item `json:"matches,omitempty"`
}

// Payload is the auxiliary output attached to the response envelope.
type Payload struct {
	Products []Product `json:"products"`
	Method   string    `json:"method"`
}

type Options struct {
	MaxProducts       int
	MatchesPerProduct int
	SearchConcurrency int
	Timeout           time.Duration
	Logger            *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxProducts <= 0 {
		o.MaxProducts = 5
	}
	if o.MatchesPerProduct <= 0 {
		o.MatchesPerProduct = 3
	}
	if o.SearchConcurrency <= 0 {
		o.SearchConcurrency = 3
	}
	if o.Timeout <= 0 {
		o.Timeout = 20 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

type Agent struct {
	gen     models.Generator
	catalog Catalog
	opts    Options
}

// New builds the side-agent. gen and catalog may both be nil; without a
// generator only the heuristic extractor runs.
func New(gen models.Generator, catalog Catalog, opts Options) *Agent {
	return &Agent{gen: gen, catalog: catalog, opts: opts.withDefaults()}
}

const extractInstruction = `Extract the concrete products mentioned in the assistant answer below.
Respond with JSON only, shaped as {"products":[{"name":"...","category":"...","reason":"..."}]}.
Use an empty list when no specific product is mentioned.`

// Run extracts products from answer and enriches them from the catalog.
// Catalog failures leave a product without matches and are not returned.
func (a *Agent) Run(ctx context.Context, query, answer string) (Payload, error) {
	if strings.TrimSpace(answer) == "" {
		return Payload{}, errors.New("product: empty answer")
	}
	ctx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	defer cancel()

	payload := Payload{Method: MethodLLM}
	products, err := a.extractLLM(ctx, query, answer)
	if err != nil {
		if a.gen != nil {
			a.opts.Logger.Warn("product extraction fell back to heuristics", "err", err)
		}
		products = Heuristic(answer)
		payload.Method = MethodHeuristic
	}
	if len(products) > a.opts.MaxProducts {
		products = products[:a.opts.MaxProducts]
	}
	if a.catalog != nil && len(products) > 0 {
		products, _ = concurrent.ParallelMap(ctx, products, a.lookup, a.opts.SearchConcurrency)
	}
	payload.Products = products
	return payload, nil
}

func (a *Agent) lookup(ctx context.Context, p Product) (Product, error) {
	items, err := a.catalog.Search(ctx, p.Name, a.opts.MatchesPerProduct)
	if err != nil {
		a.opts.Logger.Warn("catalog search failed", "product", p.Name, "err", err)
		return p, nil
	}
	p.Matches = items
	return p, nil
}

func (a *Agent) extractLLM(ctx context.Context, query, answer string) ([]Product, error) {
	if a.gen == nil {
		return nil, errors.New("no generator configured")
	}
	prompt := fmt.Sprintf("%s\n\nUser question:\n%s\n\nAssistant answer:\n%s", extractInstruction, query, answer)
	c, err := a.gen.Complete(ctx, models.Request{Prompt: prompt, Temperature: 0, JSON: true})
	if err != nil {
		return nil, err
	}
	return parseProducts(c.Text)
}

// parseProducts accepts either {"products":[...]} or a bare array, and
// tolerates prose or code fences around the JSON.
func parseProducts(raw string) ([]Product, error) {
	body := extractJSON(raw)
	if body == "" {
		return nil, errors.New("no JSON in extraction output")
	}
	var list []Product
	if strings.HasPrefix(body, "[") {
		if err := json.Unmarshal([]byte(body), &list); err != nil {
			return nil, fmt.Errorf("decode product list: %w", err)
		}
	} else {
		var wrapped struct {
			Products []Product `json:"products"`
		}
		if err := json.Unmarshal([]byte(body), &wrapped); err != nil {
			return nil, fmt.Errorf("decode product object: %w", err)
		}
		list = wrapped.Products
	}
	out := list[:0]
	seen := make(map[string]bool)
	for _, p := range list {
		p.Name = strings.TrimSpace(p.Name)
		key := strings.ToLower(p.Name)
		if p.Name == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, p)
	}
	return out, nil
}

func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	start := strings.IndexAny(raw, "{[")
	if start < 0 {
		return ""
	}
	closer := byte('}')
	if raw[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(raw, closer)
	if end <= start {
		return ""
	}
	return raw[start : end+1]
}

var (
	listItem = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s+(.+)$`)
	boldName = regexp.MustCompile(`\*\*([^*]+)\*\*`)
)

// Heuristic treats each bullet or numbered list item of answer as a product
// mention. The name is the bold span when present, otherwise the text before
// the first separator.
func Heuristic(answer string) []Product {
	var out []Product
	seen := make(map[string]bool)
	for _, line := range strings.Split(answer, "\n") {
		m := listItem.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		item := strings.TrimSpace(m[1])
		name, reason := item, ""
		if b := boldName.FindStringSubmatch(item); b != nil {
			name = b[1]
			reason = strings.TrimSpace(strings.Trim(strings.Replace(item, b[0], "", 1), " :-"))
		} else if i := strings.IndexByte(item, ':'); i > 0 {
			name, reason = item[:i], strings.TrimSpace(item[i+1:])
		} else if i := strings.Index(item, " - "); i > 0 {
			name, reason = item[:i], strings.TrimSpace(item[i+3:])
		}
		name = strings.TrimSpace(strings.Trim(name, "*_`\"'"))
		key := strings.ToLower(name)
		if name == "" || len([]rune(name)) > 80 || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, Product{Name: name, Reason: reason})
	}
	return out
}
