package models

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CachedLLM wraps a Generator and caches completions per exact request.
type CachedLLM struct {
	Inner Generator
	Cache *expirable.LRU[string, Completion]
}

// NewCachedLLM creates a new CachedLLM wrapper.
func NewCachedLLM(inner Generator, size int, ttl time.Duration) *CachedLLM {
	if size <= 0 {
		size = 256
	}
	return &CachedLLM{
		Inner: inner,
		Cache: expirable.NewLRU[string, Completion](size, nil, ttl),
	}
}

func (c *CachedLLM) Provider() string { return ProviderOf(c.Inner) }

func requestKey(req Request) string {
	h := sha256.New()
	for _, part := range []string{req.Model, req.System, req.Prompt, strconv.FormatFloat(req.Temperature, 'f', -1, 64), strconv.Itoa(req.MaxTokens), strconv.FormatBool(req.JSON)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	for _, f := range req.Files {
		h.Write([]byte(f.Name))
		h.Write([]byte(f.MIME))
		h.Write(f.Data)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Complete checks the cache before calling the underlying generator.
func (c *CachedLLM) Complete(ctx context.Context, req Request) (Completion, error) {
	key := requestKey(req)
	if val, ok := c.Cache.Get(key); ok {
		return val, nil
	}
	res, err := c.Inner.Complete(ctx, req)
	if err != nil {
		return Completion{}, err
	}
	c.Cache.Add(key, res)
	return res, nil
}

// Stream serves a cached completion as a single terminal chunk with no deltas. Otherwise it streams from
// the underlying generator and caches the full text when the stream completes.
func (c *CachedLLM) Stream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	key := requestKey(req)
	if val, ok := c.Cache.Get(key); ok {
		ch := make(chan StreamChunk, 1)
		ch <- StreamChunk{Done: true, FullText: val.Text, Usage: val.Usage}
		close(ch)
		return ch, nil
	}
	innerCh, err := StreamOrComplete(ctx, c.Inner, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan StreamChunk, 16)
	go func() {
		defer close(ch)
		for chunk := range innerCh {
			if chunk.Done && chunk.Err == nil && chunk.FullText != "" {
				c.Cache.Add(key, Completion{Text: chunk.FullText, Usage: chunk.Usage, Model: req.Model})
			}
			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
