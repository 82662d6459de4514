// Package stream turns one coordinator run into an ordered event sequence
// that ends in exactly one terminal event.
package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/Protocol-Lattice/go-assistant/src/coordinator"
)

type EventType string

const (
	EventStatus  EventType = "status"
	EventStage   EventType = "stage"
	EventPartial EventType = "partial"
	EventFinal   EventType = "final"
	EventDone    EventType = "done"
	EventError   EventType = "error"
)

// Error codes carried by error events.
const (
	CodeGeneration     = "generation_failed"
	CodeInvalidRequest = "invalid_request"
	CodeInternal       = "internal"
)

type Event struct {
	Type     EventType             `json:"type"`
	Seq      int                   `json:"seq"`
	Message  string                `json:"message,omitempty"`
	Stage    string                `json:"stage,omitempty"`
	Content  string                `json:"content,omitempty"`
	Envelope *coordinator.Envelope `json:"envelope,omitempty"`
	Error    string                `json:"error,omitempty"`
	Code     string                `json:"code,omitempty"`
	// PartialDiscarded marks an error event that follows partial content;
	// the caller must drop what it rendered so far.
	PartialDiscarded bool `json:"partial_discarded,omitempty"`
}

// Terminal reports whether no event can follow e.
func (e Event) Terminal() bool { return e.Type == EventDone || e.Type == EventError }

// Runner executes one request; *coordinator.Coordinator implements it.
type Runner interface {
	Run(ctx context.Context, req coordinator.Request, obs coordinator.Observer) (coordinator.Envelope, error)
}

type Options struct {
	// ChunkSize and ChunkDelay shape the partials synthesized for runs whose
	// generator produced no fragments of its own. A negative ChunkDelay
	// disables the pause.
	ChunkSize  int
	ChunkDelay time.Duration
	Buffer     int
	Logger     *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 50
	}
	if o.ChunkDelay < 0 {
		o.ChunkDelay = 0
	} else if o.ChunkDelay == 0 {
		o.ChunkDelay = 20 * time.Millisecond
	}
	if o.Buffer <= 0 {
		o.Buffer = 64
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

type Engine struct {
	runner Runner
	opts   Options
}

func New(runner Runner, opts Options) *Engine {
	return &Engine{runner: runner, opts: opts.withDefaults()}
}

// Run starts req and returns its event channel. The channel is closed after
// the terminal event, or without one when ctx is cancelled first.
func (e *Engine) Run(ctx context.Context, req coordinator.Request) <-chan Event {
	ch := make(chan Event, e.opts.Buffer)
	go e.run(ctx, req, ch)
	return ch
}

func (e *Engine) run(ctx context.Context, req coordinator.Request, ch chan<- Event) {
	defer close(ch)
	seq := 0
	emit := func(ev Event) bool {
		if ctx.Err() != nil {
			return false
		}
		seq++
		ev.Seq = seq
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	partials := 0
	obs := coordinator.Observer{
		OnStatus: func(msg string) { emit(Event{Type: EventStatus, Message: msg}) },
		OnStage:  func(name string) { emit(Event{Type: EventStage, Stage: name}) },
		OnPartial: func(delta string) {
			if delta == "" {
				return
			}
			if emit(Event{Type: EventPartial, Content: delta}) {
				partials++
			}
		},
	}

	env, err := e.runner.Run(ctx, req, obs)
	if ctx.Err() != nil {
		e.opts.Logger.Debug("stream cancelled", "session", req.SessionID)
		return
	}
	if err != nil {
		e.opts.Logger.Warn("stream failed", "session", req.SessionID, "err", err)
		emit(Event{Type: EventError, Error: err.Error(), Code: errorCode(err), PartialDiscarded: partials > 0})
		return
	}

	if partials == 0 {
		for i, piece := range Chunk(env.ResponseText, e.opts.ChunkSize) {
			if i > 0 && !e.pause(ctx) {
				return
			}
			if !emit(Event{Type: EventPartial, Content: piece}) {
				return
			}
		}
	}
	if !emit(Event{Type: EventFinal, Envelope: &env}) {
		return
	}
	emit(Event{Type: EventDone})
}

func (e *Engine) pause(ctx context.Context) bool {
	if e.opts.ChunkDelay == 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(e.opts.ChunkDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, coordinator.ErrGeneration):
		return CodeGeneration
	case errors.Is(err, coordinator.ErrEmptyQuery):
		return CodeInvalidRequest
	default:
		return CodeInternal
	}
}

// Chunk splits s into pieces of at most size runes.
func Chunk(s string, size int) []string {
	if s == "" {
		return nil
	}
	if size <= 0 {
		return []string{s}
	}
	var out []string
	count, start := 0, 0
	for i := range s {
		if count == size {
			out = append(out, s[start:i])
			start, count = i, 0
		}
		count++
	}
	return append(out, s[start:])
}
