package coordinator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Protocol-Lattice/go-assistant/src/agents/product"
	"github.com/Protocol-Lattice/go-assistant/src/concurrent"
	"github.com/Protocol-Lattice/go-assistant/src/intent"
	"github.com/Protocol-Lattice/go-assistant/src/memory"
	"github.com/Protocol-Lattice/go-assistant/src/memory/model"
	"github.com/Protocol-Lattice/go-assistant/src/models"
	"github.com/Protocol-Lattice/go-assistant/src/session"
	"github.com/Protocol-Lattice/go-assistant/src/writer"
)

type fixedClassifier intent.Intent

func (f fixedClassifier) Classify(context.Context, string) intent.Result {
	return intent.Result{Intent: intent.Intent(f), Confidence: 0.9, Strategy: "fixed"}
}

type fakeWriter struct {
	in     writer.Input
	out    writer.Output
	err    error
	deltas []string
	calls  int
}

func (w *fakeWriter) Generate(_ context.Context, in writer.Input, onDelta func(string)) (writer.Output, error) {
	w.calls++
	w.in = in
	if w.err != nil {
		return writer.Output{}, w.err
	}
	if onDelta != nil {
		for _, d := range w.deltas {
			onDelta(d)
		}
	}
	return w.out, nil
}

type fakeMemory struct {
	bundle    memory.Bundle
	bundleErr error
	summary   session.Summary
	sumErr    error
	fromMsgs  []model.Message
}

func (m *fakeMemory) ContextBundle(context.Context, string, string, string) (memory.Bundle, error) {
	return m.bundle, m.bundleErr
}

func (m *fakeMemory) Summarize(context.Context, string, int) (session.Summary, error) {
	return m.summary, m.sumErr
}

func (m *fakeMemory) SummarizeMessages(_ context.Context, _ string, msgs []model.Message, _ int) (session.Summary, error) {
	m.fromMsgs = msgs
	return session.Summary{Text: "digest of supplied history", Method: memory.MethodRuleBased}, nil
}

type fakeProducts struct {
	payload product.Payload
	err     error
	panics  bool
}

func (p *fakeProducts) Run(context.Context, string, string) (product.Payload, error) {
	if p.panics {
		panic("boom")
	}
	return p.payload, p.err
}

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newCoordinator(t *testing.T, in intent.Intent, stages ...Stage) *Coordinator {
	t.Helper()
	c, err := New(fixedClassifier(in), stages, Options{Logger: quietLogger})
	require.NoError(t, err)
	return c
}

func TestRoutesTable(t *testing.T) {
	routes := Routes()
	assert.Equal(t, []Step{{Stage: StageWriter, Required: true}, {Stage: StageProduct}}, routes[intent.ProductSearch])
	assert.Equal(t, []Step{{Stage: StageMemorySummarize}, {Stage: StageWriter, Required: true}}, routes[intent.Summarize])
	assert.Equal(t, []Step{{Stage: StageMemoryRetrieve}, {Stage: StageWriter, Required: true}}, routes[intent.RetrieveMemory])
	assert.Equal(t, []Step{{Stage: StageWriter, Required: true}}, routes[intent.General])
	for _, in := range intent.All {
		steps := routes[in]
		required := 0
		for _, s := range steps {
			if s.Required {
				required++
				assert.Equal(t, StageWriter, s.Stage)
			}
		}
		assert.Equal(t, 1, required, "intent %s", in)
	}
}

func TestRoutesCannotBeMutatedFromOutside(t *testing.T) {
	fw := &fakeWriter{out: writer.Output{Text: "answer"}}
	c := newCoordinator(t, intent.General, WriterStage{Writer: fw})

	routes := Routes()
	routes[intent.General] = nil
	routes[intent.ProductSearch][0].Required = false

	assert.Equal(t, []Step{{Stage: StageWriter, Required: true}}, Routes()[intent.General])
	assert.True(t, Routes()[intent.ProductSearch][0].Required)
	env, err := c.Run(context.Background(), Request{Query: "hi"}, Observer{})
	require.NoError(t, err)
	assert.Equal(t, "answer", env.ResponseText)
}

// stallingClassifier blocks until its context ends, then falls back.
type stallingClassifier struct{}

func (stallingClassifier) Classify(ctx context.Context, _ string) intent.Result {
	<-ctx.Done()
	return intent.Result{Intent: intent.General, Confidence: intent.FallbackConfidence, Strategy: "stalled"}
}

func TestClassifyIsBoundedByStageTimeout(t *testing.T) {
	fw := &fakeWriter{out: writer.Output{Text: "answer"}}
	c, err := New(stallingClassifier{}, []Stage{WriterStage{Writer: fw}}, Options{Logger: quietLogger, StageTimeout: 50 * time.Millisecond})
	require.NoError(t, err)

	done := make(chan Envelope, 1)
	go func() {
		env, _ := c.Run(context.Background(), Request{Query: "remember what we discussed"}, Observer{})
		done <- env
	}()
	select {
	case env := <-done:
		assert.Equal(t, intent.General, env.Intent)
		assert.Equal(t, "answer", env.ResponseText)
	case <-time.After(2 * time.Second):
		t.Fatal("Run blocked on a stalled classifier")
	}
}

func TestNewRequiresWriter(t *testing.T) {
	_, err := New(fixedClassifier(intent.General), nil, Options{})
	assert.Error(t, err)
	_, err = New(nil, []Stage{WriterStage{Writer: &fakeWriter{}}}, Options{})
	assert.Error(t, err)
}

func TestGeneralRouteWithRealWriter(t *testing.T) {
	w, err := writer.New(models.NewDummyLLM(""), writer.Options{})
	require.NoError(t, err)
	c, err := New(intent.NewRuleClassifier(nil), []Stage{WriterStage{Writer: w}}, Options{Logger: quietLogger})
	require.NoError(t, err)

	env, err := c.Run(context.Background(), Request{SessionID: "s1", Query: "hello there"}, Observer{})
	require.NoError(t, err)
	assert.Equal(t, intent.General, env.Intent)
	assert.Equal(t, intent.FallbackConfidence, env.Confidence)
	assert.Equal(t, []string{StageClassify, StageWriter}, env.StagesInvoked)
	assert.Equal(t, "Dummy response: hello there", env.ResponseText)
	assert.Empty(t, env.Degraded)
	assert.Nil(t, env.AuxiliaryPayloads)
}

func TestRetrieveRoutePassesBundleAndFacts(t *testing.T) {
	mem := &fakeMemory{bundle: memory.Bundle{Similar: []model.Scored{{Record: model.EmbeddingRecord{Text: "likes green tea"}, Similarity: 0.7}}}}
	fw := &fakeWriter{out: writer.Output{Text: "You like green tea.", Citations: []string{"memory"}, Usage: models.Usage{TotalTokens: 12}, Model: "m"}}
	c := newCoordinator(t, intent.RetrieveMemory, RetrieveStage{Memory: mem}, WriterStage{Writer: fw})

	history := []model.Message{{Role: model.RoleUser, Content: "hi"}}
	env, err := c.Run(context.Background(), Request{SessionID: "s1", Query: "what do I like?", History: history, Facts: []string{"vegetarian"}}, Observer{})
	require.NoError(t, err)
	assert.Equal(t, []string{StageClassify, StageMemoryRetrieve, StageWriter}, env.StagesInvoked)
	assert.Equal(t, "You like green tea.", env.ResponseText)
	assert.Equal(t, []string{"memory"}, env.Citations)
	assert.Equal(t, 12, env.Usage.TotalTokens)
	assert.Equal(t, "m", env.Model)

	require.Len(t, fw.in.Bundle.Similar, 1)
	assert.Equal(t, []string{"vegetarian"}, fw.in.Bundle.Facts)
	assert.Equal(t, history, fw.in.History)
}

func TestRetrieveFailureDegrades(t *testing.T) {
	mem := &fakeMemory{
		bundle:    memory.Bundle{Recent: []session.Turn{{}}},
		bundleErr: errors.New("vector store timeout"),
	}
	fw := &fakeWriter{out: writer.Output{Text: "answer"}}
	c := newCoordinator(t, intent.RetrieveMemory, RetrieveStage{Memory: mem}, WriterStage{Writer: fw})

	env, err := c.Run(context.Background(), Request{SessionID: "s1", Query: "remember?"}, Observer{})
	require.NoError(t, err)
	assert.Equal(t, []string{StageMemoryRetrieve}, env.Degraded)
	assert.Equal(t, "answer", env.ResponseText)
	assert.Len(t, fw.in.Bundle.Recent, 1)
}

func TestSummarizeRouteUsesSummaryAsSoleHistory(t *testing.T) {
	mem := &fakeMemory{sumErr: memory.ErrNothingToSummarize}
	fw := &fakeWriter{out: writer.Output{Text: "Here is the recap."}}
	c := newCoordinator(t, intent.Summarize, SummarizeStage{Memory: mem}, WriterStage{Writer: fw})

	history := []model.Message{{Role: model.RoleUser, Content: "a"}, {Role: model.RoleAssistant, Content: "b"}}
	env, err := c.Run(context.Background(), Request{SessionID: "s1", Query: "summarize", History: history}, Observer{})
	require.NoError(t, err)
	assert.Equal(t, []string{StageClassify, StageMemorySummarize, StageWriter}, env.StagesInvoked)
	assert.Equal(t, history, mem.fromMsgs)
	assert.Nil(t, fw.in.History)
	require.Len(t, fw.in.Bundle.Summaries, 1)
	assert.Equal(t, "digest of supplied history", fw.in.Bundle.Summaries[0].Text)
}

func TestSummarizeFailureKeepsSuppliedHistory(t *testing.T) {
	mem := &fakeMemory{sumErr: errors.New("log unavailable")}
	fw := &fakeWriter{out: writer.Output{Text: "ok"}}
	c := newCoordinator(t, intent.Summarize, SummarizeStage{Memory: mem}, WriterStage{Writer: fw})

	history := []model.Message{{Role: model.RoleUser, Content: "a"}}
	env, err := c.Run(context.Background(), Request{SessionID: "s1", Query: "recap", History: history}, Observer{})
	require.NoError(t, err)
	assert.Equal(t, []string{StageMemorySummarize}, env.Degraded)
	assert.Equal(t, history, fw.in.History)
}

func TestProductRouteMergesAuxiliaryPayload(t *testing.T) {
	fw := &fakeWriter{out: writer.Output{Text: "Try the Kindle."}}
	fp := &fakeProducts{payload: product.Payload{Products: []product.Product{{Name: "Kindle"}}, Method: product.MethodLLM}}
	c := newCoordinator(t, intent.ProductSearch, WriterStage{Writer: fw}, ProductStage{Agent: fp})

	env, err := c.Run(context.Background(), Request{SessionID: "s1", Query: "buy an e-reader"}, Observer{})
	require.NoError(t, err)
	assert.Equal(t, "Try the Kindle.", env.ResponseText)
	assert.Equal(t, []string{StageClassify, StageWriter, StageProduct}, env.StagesInvoked)
	require.Contains(t, env.AuxiliaryPayloads, "products")
	assert.Equal(t, "Kindle", env.AuxiliaryPayloads["products"].(product.Payload).Products[0].Name)
}

func TestProductFailureAndPanicDegrade(t *testing.T) {
	for name, fp := range map[string]*fakeProducts{
		"error": {err: errors.New("catalog down")},
		"panic": {panics: true},
	} {
		t.Run(name, func(t *testing.T) {
			fw := &fakeWriter{out: writer.Output{Text: "answer"}}
			c := newCoordinator(t, intent.ProductSearch, WriterStage{Writer: fw}, ProductStage{Agent: fp})

			env, err := c.Run(context.Background(), Request{SessionID: "s1", Query: "buy"}, Observer{})
			require.NoError(t, err)
			assert.Equal(t, "answer", env.ResponseText)
			assert.Equal(t, []string{StageProduct}, env.Degraded)
			assert.Nil(t, env.AuxiliaryPayloads)
		})
	}
}

func TestWriterFailureIsGenerationError(t *testing.T) {
	cause := errors.New("provider unavailable")
	c := newCoordinator(t, intent.ProductSearch, WriterStage{Writer: &fakeWriter{err: cause}}, ProductStage{Agent: &fakeProducts{}})

	_, err := c.Run(context.Background(), Request{SessionID: "s1", Query: "buy"}, Observer{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGeneration)
	assert.ErrorIs(t, err, cause)
}

func TestRunRejectsEmptyQuery(t *testing.T) {
	c := newCoordinator(t, intent.General, WriterStage{Writer: &fakeWriter{}})
	_, err := c.Run(context.Background(), Request{Query: "   "}, Observer{})
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestObserverOrdering(t *testing.T) {
	fw := &fakeWriter{out: writer.Output{Text: "a b"}, deltas: []string{"a", " b"}}
	mem := &fakeMemory{}
	c := newCoordinator(t, intent.RetrieveMemory, RetrieveStage{Memory: mem}, WriterStage{Writer: fw})

	var events []string
	obs := Observer{
		OnStatus:  func(string) { events = append(events, "status") },
		OnStage:   func(name string) { events = append(events, "stage:"+name) },
		OnPartial: func(d string) { events = append(events, "partial:"+d) },
	}
	_, err := c.Run(context.Background(), Request{SessionID: "s1", Query: "remember"}, obs)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"status", "stage:" + StageClassify,
		"status", "stage:" + StageMemoryRetrieve,
		"status", "stage:" + StageWriter,
		"partial:a", "partial: b",
	}, events)
}

func TestExecutionRecords(t *testing.T) {
	sink := session.NewInMemoryStore()
	pool := concurrent.NewDetached(concurrent.DetachedOptions{Workers: 1, Logger: quietLogger})
	fw := &fakeWriter{out: writer.Output{Text: "answer"}}
	// No product stage registered: the step is skipped.
	c := newCoordinator(t, intent.ProductSearch, WriterStage{Writer: fw})
	c.WithExecutionSink(sink, pool)

	env, err := c.Run(context.Background(), Request{SessionID: "s1", Query: "buy"}, Observer{})
	require.NoError(t, err)
	assert.Equal(t, []string{StageClassify, StageWriter}, env.StagesInvoked)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, pool.Close(ctx))

	recs := sink.Executions("s1")
	require.Len(t, recs, 3)
	byAgent := map[string]session.ExecutionStatus{}
	for _, r := range recs {
		byAgent[r.Agent] = r.Status
		assert.Len(t, r.InputDigest, 16)
	}
	assert.Equal(t, session.StatusSuccess, byAgent[StageClassify])
	assert.Equal(t, session.StatusSuccess, byAgent[StageWriter])
	assert.Equal(t, session.StatusSkipped, byAgent[StageProduct])
}

func TestExecutionRecordFailureStatus(t *testing.T) {
	sink := session.NewInMemoryStore()
	pool := concurrent.NewDetached(concurrent.DetachedOptions{Workers: 1, Logger: quietLogger})
	c := newCoordinator(t, intent.General, WriterStage{Writer: &fakeWriter{err: errors.New("x")}})
	c.WithExecutionSink(sink, pool)

	_, err := c.Run(context.Background(), Request{SessionID: "s1", Query: "hi"}, Observer{})
	require.Error(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, pool.Close(ctx))

	var writerRec session.ExecutionRecord
	for _, r := range sink.Executions("s1") {
		if r.Agent == StageWriter {
			writerRec = r
		}
	}
	assert.Equal(t, session.StatusFailure, writerRec.Status)
	assert.Equal(t, "x", writerRec.Error)
}
