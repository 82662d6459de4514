package models

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	ollama "github.com/ollama/ollama/api"
)

type OllamaLLM struct {
	Client *ollama.Client
	Model  string
}

func NewOllamaLLM(model string) (*OllamaLLM, error) {
	host := os.Getenv("OLLAMA_HOST")
	if host == "" {
		host = "http://localhost:11434"
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid OLLAMA_HOST %q: %w", host, err)
	}
	c := ollama.NewClient(u, &http.Client{Timeout: 120 * time.Second})
	return &OllamaLLM{Client: c, Model: model}, nil
}

func (o *OllamaLLM) Provider() string { return "ollama" }

func (o *OllamaLLM) request(req Request) *ollama.GenerateRequest {
	textFiles, images := splitFiles(req.Files)
	gr := &ollama.GenerateRequest{
		Model:   firstNonEmpty(req.Model, o.Model),
		Prompt:  combinePromptWithFiles(req.Prompt, textFiles),
		System:  req.System,
		Options: map[string]any{"temperature": req.Temperature},
	}
	if req.MaxTokens > 0 {
		gr.Options["num_predict"] = req.MaxTokens
	}
	if req.JSON {
		gr.Format = json.RawMessage(`"json"`)
	}
	for _, f := range images {
		gr.Images = append(gr.Images, ollama.ImageData(f.Data))
	}
	return gr
}

// generate drives the Ollama callback API; onDelta may be nil.
func (o *OllamaLLM) generate(ctx context.Context, req Request, onDelta func(string) error) (Completion, error) {
	gr := o.request(req)
	var (
		text  strings.Builder
		usage Usage
	)
	err := o.Client.Generate(ctx, gr, func(resp ollama.GenerateResponse) error {
		if resp.Response != "" {
			text.WriteString(resp.Response)
			if onDelta != nil {
				if err := onDelta(resp.Response); err != nil {
					return err
				}
			}
		}
		if resp.Done {
			usage = Usage{
				InputTokens:  resp.PromptEvalCount,
				OutputTokens: resp.EvalCount,
				TotalTokens:  resp.PromptEvalCount + resp.EvalCount,
			}
		}
		return nil
	})
	if err != nil {
		return Completion{}, err
	}
	if text.Len() == 0 {
		return Completion{}, ErrEmptyCompletion
	}
	return Completion{Text: text.String(), Model: gr.Model, Usage: usage}, nil
}

func (o *OllamaLLM) Complete(ctx context.Context, req Request) (Completion, error) {
	return o.generate(ctx, req, nil)
}

func (o *OllamaLLM) Stream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	ch := make(chan StreamChunk, 16)
	go func() {
		defer close(ch)
		c, err := o.generate(ctx, req, func(delta string) error {
			select {
			case ch <- StreamChunk{Delta: delta}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			ch <- StreamChunk{Done: true, Err: err}
			return
		}
		ch <- StreamChunk{Done: true, FullText: c.Text, Usage: c.Usage}
	}()
	return ch, nil
}

var (
	_ Generator = (*OllamaLLM)(nil)
	_ Streamer  = (*OllamaLLM)(nil)
)
