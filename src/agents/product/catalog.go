package product

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	utcp "github.com/universal-tool-calling-protocol/go-utcp"
)

// Item is one catalog match.
type Item struct {
	Name        string  `json:"name"`
	URL         string  `json:"url,omitempty"`
	Price       float64 `json:"price,omitempty"`
	Currency    string  `json:"currency,omitempty"`
	Description string  `json:"description,omitempty"`
}

// Catalog searches an external product catalog.
type Catalog interface {
	Search(ctx context.Context, query string, limit int) ([]Item, error)
}

// ToolCaller is the part of a UTCP client the catalog needs.
type ToolCaller interface {
	CallTool(ctx context.Context, toolName string, args map[string]any) (any, error)
}

var _ ToolCaller = (utcp.UtcpClientInterface)(nil)

// UTCPCatalog searches through a UTCP tool that accepts {"query", "limit"}
// and answers with a list of items, either bare or under "items"/"results".
type UTCPCatalog struct {
	Client ToolCaller
	Tool   string
}

func NewUTCPCatalog(client ToolCaller, tool string) (*UTCPCatalog, error) {
	if client == nil {
		return nil, errors.New("utcp client is nil")
	}
	if strings.TrimSpace(tool) == "" {
		return nil, errors.New("catalog tool name is empty")
	}
	return &UTCPCatalog{Client: client, Tool: tool}, nil
}

func (c *UTCPCatalog) Search(ctx context.Context, query string, limit int) ([]Item, error) {
	out, err := c.Client.CallTool(ctx, c.Tool, map[string]any{"query": query, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", c.Tool, err)
	}
	items, err := decodeItems(out)
	if err != nil {
		return nil, fmt.Errorf("decode %s result: %w", c.Tool, err)
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func decodeItems(result any) ([]Item, error) {
	var raw []byte
	switch v := result.(type) {
	case nil:
		return nil, nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	raw = []byte(strings.TrimSpace(string(raw)))
	if len(raw) == 0 {
		return nil, nil
	}
	if raw[0] == '[' {
		var items []Item
		err := json.Unmarshal(raw, &items)
		return items, err
	}
	var wrapped struct {
		Items   []Item `json:"items"`
		Results []Item `json:"results"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, err
	}
	if len(wrapped.Items) > 0 {
		return wrapped.Items, nil
	}
	return wrapped.Results, nil
}
