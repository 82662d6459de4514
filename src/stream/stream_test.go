package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Protocol-Lattice/go-assistant/src/coordinator"
	"github.com/Protocol-Lattice/go-assistant/src/intent"
	"github.com/Protocol-Lattice/go-assistant/src/models"
	"github.com/Protocol-Lattice/go-assistant/src/writer"
)

type runnerFunc func(ctx context.Context, req coordinator.Request, obs coordinator.Observer) (coordinator.Envelope, error)

func (f runnerFunc) Run(ctx context.Context, req coordinator.Request, obs coordinator.Observer) (coordinator.Envelope, error) {
	return f(ctx, req, obs)
}

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("stream did not close; got %d events", len(out))
		}
	}
}

func types(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func assertWellFormed(t *testing.T, events []Event) {
	t.Helper()
	terminals := 0
	for i, ev := range events {
		assert.Equal(t, i+1, ev.Seq)
		if ev.Terminal() {
			terminals++
			assert.Equal(t, len(events)-1, i, "terminal event must be last")
		}
	}
	assert.Equal(t, 1, terminals)
}

func TestNativePartialsAreForwardedInOrder(t *testing.T) {
	runner := runnerFunc(func(_ context.Context, _ coordinator.Request, obs coordinator.Observer) (coordinator.Envelope, error) {
		obs.OnStatus("working")
		obs.OnStage(coordinator.StageWriter)
		obs.OnPartial("Hel")
		obs.OnPartial("lo")
		return coordinator.Envelope{ResponseText: "Hello", Intent: intent.General}, nil
	})
	events := collect(t, New(runner, Options{}).Run(context.Background(), coordinator.Request{Query: "hi"}))

	assertWellFormed(t, events)
	assert.Equal(t, []EventType{EventStatus, EventStage, EventPartial, EventPartial, EventFinal, EventDone}, types(events))
	assert.Equal(t, "Hel", events[2].Content)
	require.NotNil(t, events[4].Envelope)
	assert.Equal(t, "Hello", events[4].Envelope.ResponseText)
}

func TestChunkAdapterWhenNoNativePartials(t *testing.T) {
	text := strings.Repeat("x", 120)
	runner := runnerFunc(func(context.Context, coordinator.Request, coordinator.Observer) (coordinator.Envelope, error) {
		return coordinator.Envelope{ResponseText: text}, nil
	})
	events := collect(t, New(runner, Options{ChunkDelay: time.Millisecond}).Run(context.Background(), coordinator.Request{Query: "hi"}))

	assertWellFormed(t, events)
	assert.Equal(t, []EventType{EventPartial, EventPartial, EventPartial, EventFinal, EventDone}, types(events))
	assert.Len(t, events[0].Content, 50)
	assert.Len(t, events[2].Content, 20)
	assert.Equal(t, text, events[0].Content+events[1].Content+events[2].Content)
}

func TestGenerationErrorReplacesFinal(t *testing.T) {
	runner := runnerFunc(func(_ context.Context, _ coordinator.Request, obs coordinator.Observer) (coordinator.Envelope, error) {
		obs.OnPartial("half an ans")
		return coordinator.Envelope{}, fmt.Errorf("%w: %w", coordinator.ErrGeneration, errors.New("provider reset"))
	})
	events := collect(t, New(runner, Options{}).Run(context.Background(), coordinator.Request{Query: "hi"}))

	assertWellFormed(t, events)
	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Type)
	assert.Equal(t, CodeGeneration, last.Code)
	assert.True(t, last.PartialDiscarded)
	assert.Contains(t, last.Error, "provider reset")
	for _, ev := range events {
		assert.NotEqual(t, EventFinal, ev.Type)
		assert.NotEqual(t, EventDone, ev.Type)
	}
}

func TestErrorWithoutPartials(t *testing.T) {
	runner := runnerFunc(func(context.Context, coordinator.Request, coordinator.Observer) (coordinator.Envelope, error) {
		return coordinator.Envelope{}, coordinator.ErrEmptyQuery
	})
	events := collect(t, New(runner, Options{}).Run(context.Background(), coordinator.Request{}))
	require.Len(t, events, 1)
	assert.Equal(t, CodeInvalidRequest, events[0].Code)
	assert.False(t, events[0].PartialDiscarded)
}

func TestCancellationEndsWithoutTerminal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	started := make(chan struct{})
	runner := runnerFunc(func(ctx context.Context, _ coordinator.Request, obs coordinator.Observer) (coordinator.Envelope, error) {
		obs.OnStatus("working")
		close(started)
		<-ctx.Done()
		obs.OnPartial("late")
		return coordinator.Envelope{}, ctx.Err()
	})
	ch := New(runner, Options{}).Run(ctx, coordinator.Request{Query: "hi"})
	<-started
	cancel()

	events := collect(t, ch)
	for _, ev := range events {
		assert.False(t, ev.Terminal())
		assert.NotEqual(t, EventPartial, ev.Type)
	}
}

func TestEngineOverCoordinatorWithDummyModel(t *testing.T) {
	w, err := writer.New(models.NewDummyLLM(""), writer.Options{})
	require.NoError(t, err)
	c, err := coordinator.New(intent.NewRuleClassifier(nil), []coordinator.Stage{coordinator.WriterStage{Writer: w}}, coordinator.Options{})
	require.NoError(t, err)

	events := collect(t, New(c, Options{ChunkDelay: -1}).Run(context.Background(), coordinator.Request{SessionID: "s", Query: "hello world"}))
	assertWellFormed(t, events)

	var sb strings.Builder
	for _, ev := range events {
		if ev.Type == EventPartial {
			sb.WriteString(ev.Content)
		}
	}
	final := events[len(events)-2]
	require.Equal(t, EventFinal, final.Type)
	assert.Equal(t, final.Envelope.ResponseText, sb.String())
	assert.Equal(t, "Dummy response: hello world", sb.String())
}

func TestChunk(t *testing.T) {
	assert.Nil(t, Chunk("", 50))
	assert.Equal(t, []string{"abc"}, Chunk("abc", 50))
	assert.Equal(t, []string{"ab", "cd", "e"}, Chunk("abcde", 2))
	assert.Equal(t, []string{"éé", "é"}, Chunk("ééé", 2))
}

type flushRecorder struct {
	bytes.Buffer
	flushes int
}

func (f *flushRecorder) Flush() { f.flushes++ }

func TestEncoderWritesNDJSONAndSentinel(t *testing.T) {
	var buf flushRecorder
	enc := NewEncoder(&buf)
	ch := make(chan Event, 3)
	ch <- Event{Type: EventStatus, Seq: 1, Message: "working <fast>"}
	ch <- Event{Type: EventFinal, Seq: 2, Envelope: &coordinator.Envelope{ResponseText: "hi"}}
	ch <- Event{Type: EventDone, Seq: 3}
	close(ch)
	require.NoError(t, enc.Drain(ch))

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, `{"type":"status","seq":1,"message":"working <fast>"}`, lines[0])
	assert.Contains(t, lines[1], `"response_text":"hi"`)
	assert.Equal(t, DoneSentinel, lines[2])
	assert.Equal(t, 3, buf.flushes)
}
