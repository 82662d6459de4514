package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Protocol-Lattice/go-assistant/src/memory/model"
	"github.com/Protocol-Lattice/go-assistant/src/models"
	"github.com/Protocol-Lattice/go-assistant/src/session"
)

const (
	MethodLLM       = "llm"
	MethodRuleBased = "rule_based"

	transcriptSnippet = 160
)

// ErrNothingToSummarize is returned when a session has no messages yet.
var ErrNothingToSummarize = errors.New("memory: nothing to summarize")

const digestInstruction = `Summarize the conversation below as 4 to 6 short bullet points.
Keep decisions, open questions and facts the user stated about themselves.
Answer with the bullet points only, one per line, each starting with "- ".`

// ShouldSummarize reports whether a session with pairs completed turn pairs
// sits exactly on a summary boundary.
func (s *Service) ShouldSummarize(pairs int) bool {
	return pairs > 0 && pairs%s.opts.SummaryInterval == 0
}

// Summarize digests the last SummaryWindow messages of a session. The
// returned summary is not persisted.
func (s *Service) Summarize(ctx context.Context, sessionID string, trigger int) (session.Summary, error) {
	storeCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	events, err := s.events.Events(storeCtx, sessionID, s.opts.SummaryWindow)
	cancel()
	if err != nil {
		return session.Summary{}, fmt.Errorf("load session events: %w", err)
	}
	msgs := make([]model.Message, 0, len(events))
	for _, ev := range events {
		msgs = append(msgs, model.Message{Role: ev.Role, Content: ev.Content})
	}
	return s.SummarizeMessages(ctx, sessionID, msgs, trigger)
}

// SummarizeMessages asks the generator for a bullet digest and falls back
// to a condensed transcript when generation fails or comes back empty.
// Only an empty message list is an error.
func (s *Service) SummarizeMessages(ctx context.Context, sessionID string, msgs []model.Message, trigger int) (session.Summary, error) {
	msgs = nonEmpty(msgs)
	if len(msgs) == 0 {
		return session.Summary{}, ErrNothingToSummarize
	}
	if len(msgs) > s.opts.SummaryWindow {
		msgs = msgs[len(msgs)-s.opts.SummaryWindow:]
	}
	sum := session.Summary{
		SessionID:    sessionID,
		CreatedAt:    s.opts.Clock().UTC(),
		MessageCount: len(msgs),
		PairCount:    trigger,
	}
	if text, err := s.digest(ctx, msgs); err == nil {
		sum.Text = text
		sum.Method = MethodLLM
		return sum, nil
	} else if s.generator != nil {
		s.opts.Logger.Warn("summary digest failed, using transcript", "session", sessionID, "err", err)
	}
	s.metrics.IncSummaryFallback()
	sum.Text = transcript(msgs)
	sum.Method = MethodRuleBased
	return sum, nil
}

func (s *Service) digest(ctx context.Context, msgs []model.Message) (string, error) {
	if s.generator == nil {
		return "", errors.New("no generator configured")
	}
	var b strings.Builder
	b.WriteString(digestInstruction)
	b.WriteString("\n\nConversation:\n")
	for _, m := range msgs {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	genCtx, cancel := context.WithTimeout(ctx, s.opts.GenerateTimeout)
	defer cancel()
	c, err := s.generator.Complete(genCtx, models.Request{
		Prompt:      b.String(),
		Model:       s.opts.SummaryModel,
		Temperature: 0,
	})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(c.Text)
	if text == "" {
		return "", models.ErrEmptyCompletion
	}
	return text, nil
}

// transcript pairs each user message with the assistant message that
// follows it. Unanswered prompts and stray responses keep their own line.
func transcript(msgs []model.Message) string {
	var lines []string
	for i := 0; i < len(msgs); i++ {
		m := msgs[i]
		if m.Role != model.RoleAssistant && i+1 < len(msgs) && msgs[i+1].Role == model.RoleAssistant {
			lines = append(lines, fmt.Sprintf("Q: %s → A: %s", snippet(m.Content), snippet(msgs[i+1].Content)))
			i++
			continue
		}
		if m.Role == model.RoleAssistant {
			lines = append(lines, "A: "+snippet(m.Content))
		} else {
			lines = append(lines, "Q: "+snippet(m.Content))
		}
	}
	return strings.Join(lines, "\n")
}

func snippet(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= transcriptSnippet {
		return s
	}
	return string(r[:transcriptSnippet])
}

func nonEmpty(msgs []model.Message) []model.Message {
	out := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		if strings.TrimSpace(m.Content) != "" {
			out = append(out, m)
		}
	}
	return out
}

// MaybeSummarize appends a summary when the session's completed pair count
// lands on the interval. It reports whether a new summary was recorded. A
// summary already stored for the same pair count is not an error.
func (s *Service) MaybeSummarize(ctx context.Context, sessionID string) (bool, error) {
	storeCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	pairs, err := s.events.Count(storeCtx, sessionID, session.KindResponse)
	cancel()
	if err != nil {
		return false, fmt.Errorf("count turn pairs: %w", err)
	}
	if !s.ShouldSummarize(pairs) {
		return false, nil
	}
	sum, err := s.Summarize(ctx, sessionID, pairs)
	if err != nil {
		if errors.Is(err, ErrNothingToSummarize) {
			return false, nil
		}
		return false, err
	}
	storeCtx, cancel = context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	if _, err := s.summaries.AppendSummary(storeCtx, sum); err != nil {
		if errors.Is(err, session.ErrDuplicateSummary) {
			return false, nil
		}
		return false, fmt.Errorf("append summary: %w", err)
	}
	s.metrics.IncSummaries()
	s.opts.Logger.Info("session summarized", "session", sessionID, "pairs", pairs, "method", sum.Method)
	return true, nil
}
