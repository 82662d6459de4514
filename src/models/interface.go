package models

import (
	"context"
	"errors"
)

// ErrEmptyCompletion is returned when a provider answers without any text.
var ErrEmptyCompletion = errors.New("empty completion from provider")

// File is a lightweight in-memory attachment.
// Name is used for display; MIME should be best-effort (e.g., "text/markdown").
// In JSON, Data is base64 encoded.
type File struct {
	Name string `json:"name"`
	MIME string `json:"mime,omitempty"`
	Data []byte `json:"data"`
}

// Request is one completion call. Model is already resolved by the caller or
// falls back to the generator's configured model when empty.
type Request struct {
	Prompt      string
	System      string
	Model       string
	Temperature float64
	MaxTokens   int
	Files       []File
	// JSON asks the provider for a single JSON object when it supports a
	// structured output mode.
	JSON bool
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
		TotalTokens:  u.TotalTokens + o.TotalTokens,
	}
}

type Completion struct {
	Text      string   `json:"text"`
	Citations []string `json:"citations,omitempty"`
	Usage     Usage    `json:"usage"`
	Model     string   `json:"model"`
}

// StreamChunk is one increment of a streamed completion. The final chunk has
// Done set and carries FullText and Usage, or Err when the stream failed.
type StreamChunk struct {
	Delta    string
	FullText string
	Done     bool
	Err      error
	Usage    Usage
}

// Generator is the text generation service.
type Generator interface {
	Complete(ctx context.Context, req Request) (Completion, error)
}

// Streamer is implemented by generators that deliver text incrementally.
type Streamer interface {
	Stream(ctx context.Context, req Request) (<-chan StreamChunk, error)
}

// StreamOrComplete streams natively when g is a Streamer and otherwise
// delivers the whole completion as a single terminal chunk with no deltas.
func StreamOrComplete(ctx context.Context, g Generator, req Request) (<-chan StreamChunk, error) {
	if s, ok := g.(Streamer); ok {
		return s.Stream(ctx, req)
	}
	c, err := g.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan StreamChunk, 1)
	ch <- StreamChunk{Done: true, FullText: c.Text, Usage: c.Usage}
	close(ch)
	return ch, nil
}
