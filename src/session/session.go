// Package session holds the append-only conversation log, the per-session
// summary history and agent execution records.
package session

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Protocol-Lattice/go-assistant/src/memory/model"
)

var (
	ErrNotFound = errors.New("session record not found")
	// ErrDuplicateSummary reports that a summary for the same session and
	// pair count already exists. Callers treat it as success.
	ErrDuplicateSummary = errors.New("summary already recorded for this pair count")
)

type Kind string

const (
	KindPrompt   Kind = "prompt"
	KindResponse Kind = "response"
)

// Event is one user prompt or assistant response. A response carries the
// Turn of the prompt it answers.
type Event struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	UserID    string            `json:"user_id"`
	Kind      Kind              `json:"kind"`
	Turn      int               `json:"turn"`
	Role      model.Role        `json:"role"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Turn pairs a prompt with the response that answered it.
type Turn struct {
	Prompt   Event
	Response Event
}

// Log is the append-only conversation log.
type Log interface {
	Append(ctx context.Context, ev Event) (Event, error)
	// Events returns the most recent limit events of a session in
	// chronological order. limit <= 0 returns all of them.
	Events(ctx context.Context, sessionID string, limit int) ([]Event, error)
	Get(ctx context.Context, id string) (Event, error)
	Count(ctx context.Context, sessionID string, kind Kind) (int, error)
}

type Summary struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	CreatedAt    time.Time `json:"created_at"`
	Text         string    `json:"text"`
	MessageCount int       `json:"message_count"`
	PairCount    int       `json:"pair_count"`
	Method       string    `json:"method"`
}

// SummaryStore keeps every summary a session ever produced.
type SummaryStore interface {
	AppendSummary(ctx context.Context, s Summary) (Summary, error)
	// Summaries returns up to limit summaries, newest first.
	Summaries(ctx context.Context, sessionID string, limit int) ([]Summary, error)
}

// normalize fills identifiers and defaults before an event is stored.
func normalize(ev Event, now time.Time) Event {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now.UTC()
	}
	if ev.Role == "" {
		ev.Role = model.RoleUser
		if ev.Kind == KindResponse {
			ev.Role = model.RoleAssistant
		}
	}
	return ev
}

func normalizeSummary(s Summary, now time.Time) Summary {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now.UTC()
	}
	return s
}

// Pairs matches responses to their prompts by turn. Prompts still waiting
// for an answer are left out. The result is in turn order.
func Pairs(events []Event) []Turn {
	prompts := make(map[int]Event)
	var turns []Turn
	for _, ev := range events {
		switch ev.Kind {
		case KindPrompt:
			prompts[ev.Turn] = ev
		case KindResponse:
			if p, ok := prompts[ev.Turn]; ok {
				turns = append(turns, Turn{Prompt: p, Response: ev})
				delete(prompts, ev.Turn)
			}
		}
	}
	sort.SliceStable(turns, func(i, j int) bool { return turns[i].Prompt.Turn < turns[j].Prompt.Turn })
	return turns
}

// chronological orders events oldest first; a prompt precedes the response
// recorded at the same instant.
func chronological(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		if events[i].Turn != events[j].Turn {
			return events[i].Turn < events[j].Turn
		}
		return events[i].Kind < events[j].Kind
	})
}
