// Package writer assembles the bounded prompt for a request and hands it to
// the text generation service.
package writer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/Protocol-Lattice/go-assistant/src/memory"
	"github.com/Protocol-Lattice/go-assistant/src/memory/model"
	"github.com/Protocol-Lattice/go-assistant/src/models"
)

// Preambles holds the system preamble sent to each provider.
var Preambles = map[string]string{
	"openai": "You are a concise, accurate assistant. Ground your answer in the memory and history " +
		"provided and say plainly when they do not cover the question.",
	"anthropic": "You are a helpful assistant. Use the conversation memory below when it is relevant, " +
		"prefer short direct answers, and do not invent facts about the user.",
	"gemini": "You are a helpful assistant. Answer the final user query using the supplied context. " +
		"If the context is insufficient, answer from general knowledge and say so.",
	"ollama": "You are a helpful assistant running locally. Keep answers short and rely on the context given.",
	"dummy":  "",
}

// Input is everything one generation call may draw on.
type Input struct {
	Query    string
	History  []model.Message
	Bundle   memory.Bundle
	Location string
	// Attachments are text descriptions of attached or vision-derived content.
	Attachments []string
	Files       []models.File
	Model       string
}

type Output struct {
	Text      string       `json:"text"`
	Citations []string     `json:"citations,omitempty"`
	Usage     models.Usage `json:"usage"`
	Model     string       `json:"model"`
	Prompt    string       `json:"-"`
}

type Options struct {
	DefaultModel    string
	Temperature     float64
	MaxTokens       int
	GenerateTimeout time.Duration
	Logger          *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.GenerateTimeout <= 0 {
		o.GenerateTimeout = 60 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

// Writer is the prompt assembler.
type Writer struct {
	gen      models.Generator
	provider string
	opts     Options
}

func New(gen models.Generator, opts Options) (*Writer, error) {
	if gen == nil {
		return nil, errors.New("writer: generator is nil")
	}
	return &Writer{gen: gen, provider: models.ProviderOf(gen), opts: opts.withDefaults()}, nil
}

// Request builds the generation request for in without sending it.
func (w *Writer) Request(in Input) models.Request {
	return models.Request{
		Prompt:      Assemble(in),
		System:      Preambles[w.provider],
		Model:       models.ResolveModel(w.provider, firstNonEmpty(in.Model, w.opts.DefaultModel)),
		Temperature: w.opts.Temperature,
		MaxTokens:   w.opts.MaxTokens,
		Files:       in.Files,
	}
}

// Generate assembles the prompt and calls the generator. When onDelta is set
// and the generator streams natively, each fragment is passed to onDelta as
// it arrives. Text, citations and usage come back as the provider sent them.
func (w *Writer) Generate(ctx context.Context, in Input, onDelta func(string)) (Output, error) {
	if strings.TrimSpace(in.Query) == "" {
		return Output{}, errors.New("writer: empty query")
	}
	req := w.Request(in)
	ctx, cancel := context.WithTimeout(ctx, w.opts.GenerateTimeout)
	defer cancel()

	start := time.Now()
	var (
		out Output
		err error
	)
	if s, ok := w.gen.(models.Streamer); ok && onDelta != nil {
		out, err = w.stream(ctx, s, req, onDelta)
	} else {
		var c models.Completion
		c, err = w.gen.Complete(ctx, req)
		out = Output{Text: c.Text, Citations: c.Citations, Usage: c.Usage, Model: c.Model}
	}
	if err != nil {
		return Output{}, fmt.Errorf("generate with %s/%s: %w", w.provider, req.Model, err)
	}
	if out.Model == "" {
		out.Model = req.Model
	}
	out.Prompt = req.Prompt
	w.opts.Logger.Debug("generation finished", "provider", w.provider, "model", out.Model,
		"prompt_chars", len(req.Prompt), "duration", time.Since(start))
	return out, nil
}

func (w *Writer) stream(ctx context.Context, s models.Streamer, req models.Request, onDelta func(string)) (Output, error) {
	ch, err := s.Stream(ctx, req)
	if err != nil {
		return Output{}, err
	}
	var sb strings.Builder
	for chunk := range ch {
		if chunk.Done {
			if chunk.Err != nil {
				return Output{}, chunk.Err
			}
			text := chunk.FullText
			if text == "" {
				text = sb.String()
			}
			if strings.TrimSpace(text) == "" {
				return Output{}, models.ErrEmptyCompletion
			}
			return Output{Text: text, Usage: chunk.Usage, Model: req.Model}, nil
		}
		if chunk.Delta != "" {
			sb.WriteString(chunk.Delta)
			onDelta(chunk.Delta)
		}
	}
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	return Output{}, errors.New("stream ended without a final chunk")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
