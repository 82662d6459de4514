package coordinator

import (
	"context"
	"errors"

	"github.com/Protocol-Lattice/go-assistant/src/agents/product"
	"github.com/Protocol-Lattice/go-assistant/src/memory"
	"github.com/Protocol-Lattice/go-assistant/src/memory/model"
	"github.com/Protocol-Lattice/go-assistant/src/session"
	"github.com/Protocol-Lattice/go-assistant/src/writer"
)

// Memory is the part of memory.Service the stages use.
type Memory interface {
	ContextBundle(ctx context.Context, sessionID, userID, query string) (memory.Bundle, error)
	Summarize(ctx context.Context, sessionID string, trigger int) (session.Summary, error)
	SummarizeMessages(ctx context.Context, sessionID string, msgs []model.Message, trigger int) (session.Summary, error)
}

type Generator interface {
	Generate(ctx context.Context, in writer.Input, onDelta func(string)) (writer.Output, error)
}

type ProductAgent interface {
	Run(ctx context.Context, query, answer string) (product.Payload, error)
}

var (
	_ Memory       = (*memory.Service)(nil)
	_ Generator    = (*writer.Writer)(nil)
	_ ProductAgent = (*product.Agent)(nil)
)

// RetrieveStage loads the memory bundle. A partially built bundle is kept
// even when some part of it failed.
type RetrieveStage struct{ Memory Memory }

func (RetrieveStage) Name() string { return StageMemoryRetrieve }

func (s RetrieveStage) Run(ctx context.Context, st *State) error {
	b, err := s.Memory.ContextBundle(ctx, st.Request.SessionID, st.Request.UserID, st.Request.Query)
	st.Bundle = b
	return err
}

// SummarizeStage digests the conversation so far and makes the digest the
// only history the writer sees.
type SummarizeStage struct{ Memory Memory }

func (SummarizeStage) Name() string { return StageMemorySummarize }

func (s SummarizeStage) Run(ctx context.Context, st *State) error {
	sum, err := s.Memory.Summarize(ctx, st.Request.SessionID, 0)
	if errors.Is(err, memory.ErrNothingToSummarize) && len(st.Request.History) > 0 {
		sum, err = s.Memory.SummarizeMessages(ctx, st.Request.SessionID, st.Request.History, 0)
	}
	if err != nil {
		return err
	}
	st.History = nil
	st.Bundle = memory.Bundle{Summaries: []session.Summary{sum}}
	return nil
}

// WriterStage generates the response text, streaming fragments to the
// observer when the run has one.
type WriterStage struct{ Writer Generator }

func (WriterStage) Name() string { return StageWriter }

func (s WriterStage) Run(ctx context.Context, st *State) error {
	bundle := st.Bundle
	bundle.Facts = st.Request.Facts
	in := writer.Input{
		Query:       st.Request.Query,
		History:     st.History,
		Bundle:      bundle,
		Location:    st.Request.Location,
		Attachments: st.Request.Attachments,
		Files:       st.Request.Files,
		Model:       st.Request.Model,
	}
	var onDelta func(string)
	if st.streaming() {
		onDelta = st.Partial
	}
	out, err := s.Writer.Generate(ctx, in, onDelta)
	if err != nil {
		return err
	}
	st.Output = out
	return nil
}

// ProductStage extracts products from the generated answer and attaches
// them under the "products" payload key.
type ProductStage struct{ Agent ProductAgent }

func (ProductStage) Name() string { return StageProduct }

func (s ProductStage) Run(ctx context.Context, st *State) error {
	payload, err := s.Agent.Run(ctx, st.Request.Query, st.Output.Text)
	if err != nil {
		return err
	}
	if len(payload.Products) > 0 {
		st.Aux["products"] = payload
	}
	return nil
}
