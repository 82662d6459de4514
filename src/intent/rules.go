package intent

import (
	"context"
	"regexp"
	"strings"
)

// DefaultRules is the trigger table used when none is configured.
var DefaultRules = map[Intent][]string{
	ProductSearch: {
		"buy", "price", "prices", "cheapest", "cheap", "shop", "shopping", "purchase",
		"deal", "deals", "product", "products", "order", "how much",
		"where can i get", "where can i buy", "recommend a",
	},
	Summarize: {
		"summarize", "summarise", "summary", "recap", "tl;dr", "tldr", "sum up",
		"summarize what", "summary of", "recap of",
		"give me the gist", "key points",
	},
	RetrieveMemory: {
		"remember", "recall", "what did i say", "what did i tell you", "earlier",
		"last time", "previously", "we discussed", "you told me", "did i mention",
	},
}

const (
	// ruleSaturation is the weighted score at which confidence stops growing.
	ruleSaturation    = 3.0
	ruleMaxConfidence = 0.95
)

type rulePattern struct {
	re     *regexp.Regexp
	weight float64
}

// RuleClassifier scores intents by the trigger phrases found in the text.
// Each match weighs as many points as its phrase has words.
type RuleClassifier struct {
	patterns map[Intent][]rulePattern
}

func NewRuleClassifier(rules map[Intent][]string) *RuleClassifier {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	rc := &RuleClassifier{patterns: make(map[Intent][]rulePattern, len(rules))}
	for in, phrases := range rules {
		if !in.Valid() || in == General {
			continue
		}
		for _, phrase := range phrases {
			phrase = strings.ToLower(strings.TrimSpace(phrase))
			if phrase == "" {
				continue
			}
			rc.patterns[in] = append(rc.patterns[in], rulePattern{
				re:     regexp.MustCompile(phraseExpr(phrase)),
				weight: float64(len(strings.Fields(phrase))),
			})
		}
	}
	return rc
}

// phraseExpr anchors a phrase on word boundaries and lets any whitespace run
// separate its words.
func phraseExpr(phrase string) string {
	words := strings.Fields(phrase)
	for i, w := range words {
		words[i] = regexp.QuoteMeta(w)
	}
	return `(^|[^\p{L}\p{N}])` + strings.Join(words, `\s+`) + `($|[^\p{L}\p{N}])`
}

func (rc *RuleClassifier) Classify(_ context.Context, text string) Result {
	lower := strings.ToLower(text)
	if strings.TrimSpace(lower) == "" {
		return fallback("rules")
	}
	best, bestScore := General, 0.0
	for _, in := range All {
		score := 0.0
		for _, p := range rc.patterns[in] {
			if p.re.MatchString(lower) {
				score += p.weight
			}
		}
		if score > bestScore {
			best, bestScore = in, score
		}
	}
	if bestScore == 0 {
		return fallback("rules")
	}
	conf := bestScore / ruleSaturation
	if conf > ruleMaxConfidence {
		conf = ruleMaxConfidence
	}
	return Result{Intent: best, Confidence: conf, Strategy: "rules"}
}
