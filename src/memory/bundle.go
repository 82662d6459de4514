package memory

import (
	"context"
	"errors"
	"fmt"

	"github.com/Protocol-Lattice/go-assistant/src/memory/model"
	"github.com/Protocol-Lattice/go-assistant/src/session"
)

// Bundle is the request-scoped memory handed to the prompt assembler. It is
// rebuilt for every request and never stored.
type Bundle struct {
	Similar   []model.Scored    `json:"similar,omitempty"`
	Recent    []session.Turn    `json:"recent,omitempty"`
	Summaries []session.Summary `json:"summaries,omitempty"`
	Facts     []string          `json:"facts,omitempty"`
}

func (b Bundle) Empty() bool {
	return len(b.Similar) == 0 && len(b.Recent) == 0 && len(b.Summaries) == 0 && len(b.Facts) == 0
}

// ContextBundle gathers recent turns, the latest summaries and retrieved
// messages. Each part degrades to empty on its own; the returned error joins
// whatever failed and the bundle is usable either way.
func (s *Service) ContextBundle(ctx context.Context, sessionID, userID, query string) (Bundle, error) {
	var (
		b    Bundle
		errs []error
	)

	recent, err := s.recentTurns(ctx, sessionID)
	if err != nil {
		s.degrade("recent turns", sessionID, err)
		errs = append(errs, err)
	}
	b.Recent = recent

	storeCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	sums, err := s.summaries.Summaries(storeCtx, sessionID, s.opts.SummaryLimit)
	cancel()
	if err != nil {
		err = fmt.Errorf("load summaries: %w", err)
		s.degrade("summaries", sessionID, err)
		errs = append(errs, err)
		sums = nil
	}
	b.Summaries = sums

	similar, err := s.Retrieve(ctx, sessionID, userID, query, s.opts.TopK)
	if err != nil {
		s.degrade("similar messages", sessionID, err)
		errs = append(errs, err)
		similar = nil
	}
	b.Similar = similar

	return b, errors.Join(errs...)
}

func (s *Service) recentTurns(ctx context.Context, sessionID string) ([]session.Turn, error) {
	storeCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	// Two events per pair plus slack for a dangling prompt.
	events, err := s.events.Events(storeCtx, sessionID, 2*s.opts.RecentPairs+1)
	if err != nil {
		return nil, fmt.Errorf("load recent events: %w", err)
	}
	turns := session.Pairs(events)
	if len(turns) > s.opts.RecentPairs {
		turns = turns[len(turns)-s.opts.RecentPairs:]
	}
	return turns, nil
}

func (s *Service) degrade(part, sessionID string, err error) {
	s.metrics.IncDegraded()
	s.opts.Logger.Warn("memory context degraded", "part", part, "session", sessionID, "err", err)
}
