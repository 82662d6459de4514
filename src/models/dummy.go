package models

import (
	"context"
	"fmt"
	"strings"
)

// DummyLLM is a lightweight model implementation useful for local testing without API calls.
type DummyLLM struct {
	Prefix string
}

func NewDummyLLM(prefix string) *DummyLLM {
	if strings.TrimSpace(prefix) == "" {
		prefix = "Dummy response:"
	}
	return &DummyLLM{Prefix: prefix}
}

func (d *DummyLLM) Provider() string { return "dummy" }

// Complete echoes the last non-empty prompt line.
func (d *DummyLLM) Complete(_ context.Context, req Request) (Completion, error) {
	lines := strings.Split(req.Prompt, "\n")
	var last string
	for i := len(lines) - 1; i >= 0; i-- {
		if candidate := strings.TrimSpace(lines[i]); candidate != "" {
			last = candidate
			break
		}
	}
	if last == "" {
		last = "<empty prompt>"
	}
	text := fmt.Sprintf("%s %s", d.Prefix, last)
	in := len(strings.Fields(req.System)) + len(strings.Fields(req.Prompt))
	out := len(strings.Fields(text))
	return Completion{
		Text:  text,
		Model: "dummy",
		Usage: Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out},
	}, nil
}

// Stream simulates streaming by splitting the response into word-level chunks.
func (d *DummyLLM) Stream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	c, _ := d.Complete(ctx, req)
	ch := make(chan StreamChunk, 16)
	go func() {
		defer close(ch)
		var sb strings.Builder
		for i, word := range strings.Fields(c.Text) {
			if i > 0 {
				word = " " + word
			}
			sb.WriteString(word)
			select {
			case ch <- StreamChunk{Delta: word}:
			case <-ctx.Done():
				return
			}
		}
		ch <- StreamChunk{Done: true, FullText: sb.String(), Usage: c.Usage}
	}()
	return ch, nil
}

var (
	_ Generator = (*DummyLLM)(nil)
	_ Streamer  = (*DummyLLM)(nil)
)
