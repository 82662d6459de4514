package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Protocol-Lattice/go-assistant/src/memory/model"
)

func appendTurn(t *testing.T, s *InMemoryStore, session string, turn int, at time.Time) {
	t.Helper()
	ctx := context.Background()
	_, err := s.Append(ctx, Event{SessionID: session, Kind: KindPrompt, Turn: turn, Content: fmt.Sprintf("q%d", turn), Timestamp: at})
	require.NoError(t, err)
	_, err = s.Append(ctx, Event{SessionID: session, Kind: KindResponse, Turn: turn, Content: fmt.Sprintf("a%d", turn), Timestamp: at})
	require.NoError(t, err)
}

func TestAppendAssignsDefaults(t *testing.T) {
	s := NewInMemoryStore()
	ev, err := s.Append(context.Background(), Event{SessionID: "s", Kind: KindResponse, Content: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Timestamp.IsZero())
	assert.Equal(t, model.RoleAssistant, ev.Role)

	got, err := s.Get(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Equal(t, ev, got)
}

func TestGetMissing(t *testing.T) {
	_, err := NewInMemoryStore().Get(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestEventsReturnsMostRecentChronologically(t *testing.T) {
	s := NewInMemoryStore()
	base := time.Now()
	for i := 1; i <= 5; i++ {
		appendTurn(t, s, "s", i, base.Add(time.Duration(i)*time.Second))
	}
	events, err := s.Events(context.Background(), "s", 4)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, "q4", events[0].Content)
	assert.Equal(t, "a4", events[1].Content)
	assert.Equal(t, "q5", events[2].Content)
	assert.Equal(t, "a5", events[3].Content)

	all, err := s.Events(context.Background(), "s", 0)
	require.NoError(t, err)
	assert.Len(t, all, 10)
}

func TestCountByKind(t *testing.T) {
	s := NewInMemoryStore()
	appendTurn(t, s, "s", 1, time.Now())
	_, err := s.Append(context.Background(), Event{SessionID: "s", Kind: KindPrompt, Turn: 2})
	require.NoError(t, err)

	prompts, _ := s.Count(context.Background(), "s", KindPrompt)
	responses, _ := s.Count(context.Background(), "s", KindResponse)
	all, _ := s.Count(context.Background(), "s", "")
	assert.Equal(t, 2, prompts)
	assert.Equal(t, 1, responses)
	assert.Equal(t, 3, all)
}

func TestAppendSummaryIsIdempotentPerPairCount(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	first, err := s.AppendSummary(ctx, Summary{SessionID: "s", PairCount: 10, Text: "one"})
	require.NoError(t, err)

	dup, err := s.AppendSummary(ctx, Summary{SessionID: "s", PairCount: 10, Text: "two"})
	assert.True(t, errors.Is(err, ErrDuplicateSummary))
	assert.Equal(t, first.ID, dup.ID)

	_, err = s.AppendSummary(ctx, Summary{SessionID: "s", PairCount: 20, Text: "three"})
	require.NoError(t, err)

	list, err := s.Summaries(ctx, "s", 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 20, list[0].PairCount)
	assert.Equal(t, "one", list[1].Text)
}

func TestPairsSkipsUnansweredPrompts(t *testing.T) {
	events := []Event{
		{Kind: KindPrompt, Turn: 1, Content: "q1"},
		{Kind: KindResponse, Turn: 1, Content: "a1"},
		{Kind: KindPrompt, Turn: 2, Content: "q2"},
		{Kind: KindResponse, Turn: 3, Content: "orphan"},
	}
	turns := Pairs(events)
	require.Len(t, turns, 1)
	assert.Equal(t, "q1", turns[0].Prompt.Content)
	assert.Equal(t, "a1", turns[0].Response.Content)
}

func TestRecordExecution(t *testing.T) {
	s := NewInMemoryStore()
	require.NoError(t, s.RecordExecution(context.Background(), ExecutionRecord{Agent: "intent", SessionID: "s"}))
	require.NoError(t, s.RecordExecution(context.Background(), ExecutionRecord{Agent: "writer", SessionID: "other"}))
	recs := s.Executions("s")
	require.Len(t, recs, 1)
	assert.NotEmpty(t, recs[0].ID)
}
