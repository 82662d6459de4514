package models

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// DefaultModels maps each provider to the model used when a request names
// none or names one that provider cannot serve.
var DefaultModels = map[string]string{
	"openai":    "gpt-4o-mini",
	"anthropic": "claude-3-5-haiku-latest",
	"gemini":    "gemini-1.5-flash",
	"ollama":    "llama3.1",
	"dummy":     "dummy",
}

var modelIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:/@-]*$`)

// provider -> accepted model id prefixes; nil accepts any well-formed id.
var modelPrefixes = map[string][]string{
	"openai":    {"gpt-", "o1", "o3", "o4", "chatgpt-", "ft:"},
	"anthropic": {"claude-"},
	"gemini":    {"gemini-", "models/gemini-"},
}

// CanonicalProvider folds aliases onto the provider names used by DefaultModels.
func CanonicalProvider(provider string) string {
	p := strings.ToLower(strings.TrimSpace(provider))
	switch p {
	case "google", "gemini":
		return "gemini"
	case "claude", "anthropic":
		return "anthropic"
	case "":
		return "dummy"
	}
	return p
}

// ResolveModel returns model when the provider can serve it and the
// provider's default otherwise. It never fails.
func ResolveModel(provider, model string) string {
	p := CanonicalProvider(provider)
	def, ok := DefaultModels[p]
	if !ok {
		def = DefaultModels["dummy"]
	}
	m := strings.TrimSpace(model)
	if m == "" || !modelIDPattern.MatchString(m) {
		return def
	}
	prefixes := modelPrefixes[p]
	if prefixes == nil {
		return m
	}
	for _, prefix := range prefixes {
		if strings.HasPrefix(m, prefix) {
			return m
		}
	}
	return def
}

// NewLLMProvider returns a concrete Generator for provider with its model
// resolved through ResolveModel.
func NewLLMProvider(ctx context.Context, provider string, model string) (Generator, error) {
	p := CanonicalProvider(provider)
	model = ResolveModel(p, model)
	switch p {
	case "openai":
		return NewOpenAILLM(model), nil
	case "gemini":
		return NewGeminiLLM(ctx, model)
	case "ollama":
		return NewOllamaLLM(model)
	case "anthropic":
		return NewAnthropicLLM(model), nil
	case "dummy":
		return NewDummyLLM(""), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", provider)
	}
}

// ProviderOf reports the provider behind g, or "dummy" when g does not say.
func ProviderOf(g Generator) string {
	if p, ok := g.(interface{ Provider() string }); ok {
		return CanonicalProvider(p.Provider())
	}
	return "dummy"
}
