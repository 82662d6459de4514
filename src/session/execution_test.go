package session

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type failingSink struct{ err error }

func (f failingSink) RecordExecution(context.Context, ExecutionRecord) error { return f.err }

func TestMultiSinkJoinsErrors(t *testing.T) {
	mem := NewInMemoryStore()
	boom := errors.New("boom")
	sink := MultiSink{mem, nil, failingSink{err: boom}}

	err := sink.RecordExecution(context.Background(), ExecutionRecord{Agent: "a", SessionID: "s"})
	assert.True(t, errors.Is(err, boom))
	assert.Len(t, mem.Executions("s"), 1)
}

func TestLogSinkWritesStructuredRecord(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	start := time.Now()
	err := LogSink{Logger: logger}.RecordExecution(context.Background(), ExecutionRecord{
		Agent:     "retriever",
		SessionID: "s1",
		Start:     start,
		End:       start.Add(5 * time.Millisecond),
		Status:    StatusDegraded,
		Error:     "timeout",
	})
	assert.NoError(t, err)
	out := buf.String()
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "agent=retriever")
	assert.Contains(t, out, "err=timeout")
}

func TestDigestStable(t *testing.T) {
	assert.Equal(t, Digest("hello"), Digest("hello"))
	assert.NotEqual(t, Digest("hello"), Digest("world"))
	assert.Len(t, Digest("x"), 16)
}
