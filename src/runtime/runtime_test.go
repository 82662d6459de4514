package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Protocol-Lattice/go-assistant/src/config"
	"github.com/Protocol-Lattice/go-assistant/src/coordinator"
	"github.com/Protocol-Lattice/go-assistant/src/intent"
	"github.com/Protocol-Lattice/go-assistant/src/memory"
	"github.com/Protocol-Lattice/go-assistant/src/models"
	"github.com/Protocol-Lattice/go-assistant/src/session"
	"github.com/Protocol-Lattice/go-assistant/src/stream"
)

type failingGenerator struct{}

func (failingGenerator) Complete(context.Context, models.Request) (models.Completion, error) {
	return models.Completion{}, errors.New("provider unavailable")
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Pool.Workers = 1
	cfg.Stream.ChunkDelay = 0
	return cfg
}

func newRuntime(t *testing.T, opts ...Option) *Runtime {
	t.Helper()
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	rt, err := FromConfig(context.Background(), testConfig(), opts...)
	require.NoError(t, err)
	return rt
}

func drain(t *testing.T, rt *Runtime) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rt.Close(ctx))
}

func TestAskRecordsTurn(t *testing.T) {
	sessions := session.NewInMemoryStore()
	rt := newRuntime(t, WithSessionStore(sessions))

	env, err := rt.Ask(context.Background(), coordinator.Request{SessionID: "s1", UserID: "u1", Query: "hello there"})
	require.NoError(t, err)
	assert.Equal(t, "Dummy response: hello there", env.ResponseText)
	assert.Equal(t, intent.General, env.Intent)
	drain(t, rt)

	events, err := sessions.Events(context.Background(), "s1", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, session.KindPrompt, events[0].Kind)
	assert.Equal(t, "hello there", events[0].Content)
	assert.Equal(t, session.KindResponse, events[1].Kind)
	assert.Equal(t, 1, events[1].Turn)
	assert.Equal(t, "general", events[1].Metadata["intent"])

	assert.EqualValues(t, 2, rt.Memory().MetricsSnapshot().Stored)
	assert.NotEmpty(t, sessions.Executions("s1"))
}

func TestTenTurnsProduceOneSummary(t *testing.T) {
	sessions := session.NewInMemoryStore()
	rt := newRuntime(t, WithSessionStore(sessions))

	for i := 1; i <= 11; i++ {
		_, err := rt.Ask(context.Background(), coordinator.Request{SessionID: "s1", Query: fmt.Sprintf("message number %d", i)})
		require.NoError(t, err)
	}
	drain(t, rt)

	sums, err := sessions.Summaries(context.Background(), "s1", 0)
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Equal(t, 10, sums[0].PairCount)
	assert.Equal(t, memory.MethodLLM, sums[0].Method)
}

func TestRetrieveMemoryRoute(t *testing.T) {
	rt := newRuntime(t)
	defer drain(t, rt)

	env, err := rt.Ask(context.Background(), coordinator.Request{SessionID: "s1", UserID: "u1", Query: "what did I tell you about tea?"})
	require.NoError(t, err)
	assert.Equal(t, intent.RetrieveMemory, env.Intent)
	assert.Equal(t, []string{coordinator.StageClassify, coordinator.StageMemoryRetrieve, coordinator.StageWriter}, env.StagesInvoked)
	assert.Empty(t, env.Degraded)
}

func TestStreamRecordsTurnAfterFinal(t *testing.T) {
	sessions := session.NewInMemoryStore()
	rt := newRuntime(t, WithSessionStore(sessions))

	var events []stream.Event
	for ev := range rt.Stream(context.Background(), coordinator.Request{SessionID: "s2", Query: "stream this please"}) {
		events = append(events, ev)
	}
	require.NotEmpty(t, events)
	assert.Equal(t, stream.EventDone, events[len(events)-1].Type)
	assert.Equal(t, stream.EventFinal, events[len(events)-2].Type)
	drain(t, rt)

	n, err := sessions.Count(context.Background(), "s2", "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStreamGenerationFailure(t *testing.T) {
	sessions := session.NewInMemoryStore()
	rt := newRuntime(t, WithSessionStore(sessions), WithGenerator(failingGenerator{}))

	var events []stream.Event
	for ev := range rt.Stream(context.Background(), coordinator.Request{SessionID: "s3", Query: "hi"}) {
		events = append(events, ev)
	}
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, stream.EventError, last.Type)
	assert.Equal(t, stream.CodeGeneration, last.Code)
	drain(t, rt)

	n, err := sessions.Count(context.Background(), "s3", "")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFromConfigRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Memory.TopK = 0
	_, err := FromConfig(context.Background(), cfg)
	assert.Error(t, err)
}

func TestAskWithoutSessionIsNotRecorded(t *testing.T) {
	rt := newRuntime(t)
	_, err := rt.Ask(context.Background(), coordinator.Request{Query: "hello"})
	require.NoError(t, err)
	drain(t, rt)
	assert.Zero(t, rt.Memory().MetricsSnapshot().Stored)
	assert.Zero(t, rt.PoolStats().Dropped)
}

type slowCountStore struct {
	*session.InMemoryStore
	delay time.Duration
}

func (s slowCountStore) Count(ctx context.Context, sessionID string, kind session.Kind) (int, error) {
	time.Sleep(s.delay)
	return s.InMemoryStore.Count(ctx, sessionID, kind)
}

func TestConcurrentTurnsGetDistinctNumbers(t *testing.T) {
	sessions := session.NewInMemoryStore()
	rt, err := FromConfig(context.Background(), config.Default(),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithSessionStore(slowCountStore{InMemoryStore: sessions, delay: 50 * time.Millisecond}))
	require.NoError(t, err)
	require.Greater(t, rt.Config().Pool.Workers, 1)

	queries := []string{"first question", "second question"}
	var wg sync.WaitGroup
	for _, q := range queries {
		wg.Add(1)
		go func(q string) {
			defer wg.Done()
			_, err := rt.Ask(context.Background(), coordinator.Request{SessionID: "s1", Query: q})
			assert.NoError(t, err)
		}(q)
	}
	wg.Wait()
	drain(t, rt)

	events, err := sessions.Events(context.Background(), "s1", 0)
	require.NoError(t, err)
	require.Len(t, events, 4)

	var turns []int
	for _, ev := range events {
		if ev.Kind == session.KindPrompt {
			turns = append(turns, ev.Turn)
		}
	}
	assert.ElementsMatch(t, []int{1, 2}, turns)

	pairs := session.Pairs(events)
	require.Len(t, pairs, 2)
	for _, p := range pairs {
		assert.Equal(t, "Dummy response: "+p.Prompt.Content, p.Response.Content)
	}
	assert.Zero(t, rt.turns.size())
}

func TestSessionLockHonoursContext(t *testing.T) {
	locks := newSessionLocks()
	unlock, err := locks.lock(context.Background(), "s1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locks.lock(ctx, "s1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, locks.size())

	unlock()
	assert.Zero(t, locks.size())

	unlock, err = locks.lock(context.Background(), "s1")
	require.NoError(t, err)
	unlock()
}
