package models

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	genai "github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

type GeminiLLM struct {
	Client *genai.Client
	Model  string
}

func NewGeminiLLM(ctx context.Context, model string) (*GeminiLLM, error) {
	apiKey := os.Getenv("GOOGLE_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if apiKey == "" {
		return nil, errors.New("missing GOOGLE_API_KEY or GEMINI_API_KEY")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini init: %w", err)
	}
	return &GeminiLLM{Client: client, Model: model}, nil
}

func (g *GeminiLLM) Provider() string { return "gemini" }

func (g *GeminiLLM) prepare(req Request) (*genai.GenerativeModel, []genai.Part) {
	model := g.Client.GenerativeModel(firstNonEmpty(req.Model, g.Model))
	model.SetTemperature(float32(req.Temperature))
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if req.JSON {
		model.ResponseMIMEType = "application/json"
	}
	if strings.TrimSpace(req.System) != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}
	textFiles, images := splitFiles(req.Files)
	parts := []genai.Part{genai.Text(combinePromptWithFiles(req.Prompt, textFiles))}
	for _, f := range images {
		parts = append(parts, genai.Blob{MIMEType: f.MIME, Data: f.Data})
	}
	return model, parts
}

func (g *GeminiLLM) Complete(ctx context.Context, req Request) (Completion, error) {
	model, parts := g.prepare(req)
	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		return Completion{}, fmt.Errorf("gemini generate: %w", err)
	}
	text := responseText(resp)
	if text == "" {
		return Completion{}, ErrEmptyCompletion
	}
	return Completion{Text: text, Model: firstNonEmpty(req.Model, g.Model), Usage: responseUsage(resp)}, nil
}

func (g *GeminiLLM) Stream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	model, parts := g.prepare(req)
	iter := model.GenerateContentStream(ctx, parts...)
	ch := make(chan StreamChunk, 16)
	go func() {
		defer close(ch)
		var (
			sb    strings.Builder
			usage Usage
		)
		for {
			resp, err := iter.Next()
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				ch <- StreamChunk{Done: true, Err: fmt.Errorf("gemini stream: %w", err), FullText: sb.String()}
				return
			}
			if u := responseUsage(resp); u.TotalTokens > 0 {
				usage = u
			}
			delta := responseText(resp)
			if delta == "" {
				continue
			}
			sb.WriteString(delta)
			select {
			case ch <- StreamChunk{Delta: delta}:
			case <-ctx.Done():
				return
			}
		}
		if sb.Len() == 0 {
			ch <- StreamChunk{Done: true, Err: ErrEmptyCompletion}
			return
		}
		ch <- StreamChunk{Done: true, FullText: sb.String(), Usage: usage}
	}()
	return ch, nil
}

func (g *GeminiLLM) Close() error { return g.Client.Close() }

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String()
}

func responseUsage(resp *genai.GenerateContentResponse) Usage {
	if resp == nil || resp.UsageMetadata == nil {
		return Usage{}
	}
	return Usage{
		InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
		OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		TotalTokens:  int(resp.UsageMetadata.TotalTokenCount),
	}
}

var (
	_ Generator = (*GeminiLLM)(nil)
	_ Streamer  = (*GeminiLLM)(nil)
)
