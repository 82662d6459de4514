package models

import (
	"context"
	"encoding/base64"
	"os"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicLLM implements Generator using Anthropic's Messages API.
type AnthropicLLM struct {
	Client    *anthropic.Client
	Model     string
	MaxTokens int
}

// NewAnthropicLLM constructs a client. It reads ANTHROPIC_API_KEY from the env.
func NewAnthropicLLM(model string) *AnthropicLLM {
	cl := anthropic.NewClient(anthropicopt.WithAPIKey(os.Getenv("ANTHROPIC_API_KEY")))
	return &AnthropicLLM{Client: &cl, Model: model, MaxTokens: 1024}
}

func (a *AnthropicLLM) Provider() string { return "anthropic" }

func (a *AnthropicLLM) params(req Request) anthropic.MessageNewParams {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.MaxTokens
	}
	textFiles, images := splitFiles(req.Files)
	blocks := []anthropic.ContentBlockParamUnion{
		anthropic.NewTextBlock(combinePromptWithFiles(req.Prompt, textFiles)),
	}
	for _, f := range images {
		blocks = append(blocks, anthropic.NewImageBlockBase64(f.MIME, base64.StdEncoding.EncodeToString(f.Data)))
	}
	p := anthropic.MessageNewParams{
		Model:       anthropic.Model(firstNonEmpty(req.Model, a.Model)),
		MaxTokens:   int64(maxTokens),
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(blocks...)},
		Temperature: anthropic.Float(req.Temperature),
	}
	if strings.TrimSpace(req.System) != "" {
		p.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	return p
}

// Complete performs a single-turn completion and returns concatenated text.
func (a *AnthropicLLM) Complete(ctx context.Context, req Request) (Completion, error) {
	p := a.params(req)
	msg, err := a.Client.Messages.New(ctx, p)
	if err != nil {
		return Completion{}, err
	}
	text := messageText(msg)
	if text == "" {
		return Completion{}, ErrEmptyCompletion
	}
	return Completion{Text: text, Model: string(p.Model), Usage: messageUsage(msg)}, nil
}

func (a *AnthropicLLM) Stream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	stream := a.Client.Messages.NewStreaming(ctx, a.params(req))
	ch := make(chan StreamChunk, 16)
	go func() {
		defer close(ch)
		defer stream.Close()
		var (
			acc anthropic.Message
			sb  strings.Builder
		)
		for stream.Next() {
			event := stream.Current()
			if err := acc.Accumulate(event); err != nil {
				ch <- StreamChunk{Done: true, Err: err, FullText: sb.String()}
				return
			}
			ev, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			delta, ok := ev.Delta.AsAny().(anthropic.TextDelta)
			if !ok || delta.Text == "" {
				continue
			}
			sb.WriteString(delta.Text)
			select {
			case ch <- StreamChunk{Delta: delta.Text}:
			case <-ctx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil {
			ch <- StreamChunk{Done: true, Err: err, FullText: sb.String()}
			return
		}
		if sb.Len() == 0 {
			ch <- StreamChunk{Done: true, Err: ErrEmptyCompletion}
			return
		}
		ch <- StreamChunk{Done: true, FullText: sb.String(), Usage: messageUsage(&acc)}
	}()
	return ch, nil
}

func messageText(msg *anthropic.Message) string {
	var b strings.Builder
	for _, cb := range msg.Content {
		if tb, ok := cb.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(tb.Text)
		}
	}
	return b.String()
}

func messageUsage(msg *anthropic.Message) Usage {
	in, out := int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens)
	return Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out}
}

var (
	_ Generator = (*AnthropicLLM)(nil)
	_ Streamer  = (*AnthropicLLM)(nil)
)
