package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Protocol-Lattice/go-assistant/src/concurrent"
	"github.com/Protocol-Lattice/go-assistant/src/config"
	"github.com/Protocol-Lattice/go-assistant/src/coordinator"
	"github.com/Protocol-Lattice/go-assistant/src/memory"
	"github.com/Protocol-Lattice/go-assistant/src/memory/model"
	"github.com/Protocol-Lattice/go-assistant/src/session"
	"github.com/Protocol-Lattice/go-assistant/src/stream"
)

// Ask runs one request to completion and returns its envelope.
func (r *Runtime) Ask(ctx context.Context, req coordinator.Request) (coordinator.Envelope, error) {
	env, err := r.coordinator.Run(ctx, req, coordinator.Observer{})
	if err != nil {
		return coordinator.Envelope{}, err
	}
	r.remember(req, env)
	return env, nil
}

// Stream runs one request and returns its event stream. The turn is
// recorded once the stream has produced its final envelope and ended.
func (r *Runtime) Stream(ctx context.Context, req coordinator.Request) <-chan stream.Event {
	in := r.engine.Run(ctx, req)
	out := make(chan stream.Event, cap(in))
	go func() {
		defer close(out)
		var (
			final *coordinator.Envelope
			gone  bool
		)
		for ev := range in {
			if ev.Type == stream.EventFinal {
				final = ev.Envelope
			}
			if ev.Terminal() && final != nil {
				r.remember(req, *final)
				final = nil
			}
			if gone {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				gone = true
			}
		}
		// Cancelled between final and done.
		if final != nil {
			r.remember(req, *final)
		}
	}()
	return out
}

// remember records the turn in the background: both events, both
// embeddings, then the summary check. Nothing here reaches the caller.
func (r *Runtime) remember(req coordinator.Request, env coordinator.Envelope) {
	if strings.TrimSpace(req.SessionID) == "" {
		return
	}
	r.pool.Submit("record_turn", func(ctx context.Context) error {
		return r.recordTurn(ctx, req, env)
	})
}

func (r *Runtime) recordTurn(ctx context.Context, req coordinator.Request, env coordinator.Envelope) error {
	unlock, err := r.turns.lock(ctx, req.SessionID)
	if err != nil {
		return fmt.Errorf("wait for session %s: %w", req.SessionID, err)
	}
	defer unlock()

	prompts, err := r.sessions.Count(ctx, req.SessionID, session.KindPrompt)
	if err != nil {
		return fmt.Errorf("count prompts: %w", err)
	}
	turn := prompts + 1
	meta := map[string]string{"intent": string(env.Intent)}

	if _, err := r.sessions.Append(ctx, session.Event{
		SessionID: req.SessionID, UserID: req.UserID, Kind: session.KindPrompt,
		Turn: turn, Role: model.RoleUser, Content: req.Query, Metadata: meta,
	}); err != nil {
		return fmt.Errorf("append prompt: %w", err)
	}
	if _, err := r.sessions.Append(ctx, session.Event{
		SessionID: req.SessionID, UserID: req.UserID, Kind: session.KindResponse,
		Turn: turn, Role: model.RoleAssistant, Content: env.ResponseText, Metadata: meta,
	}); err != nil {
		return fmt.Errorf("append response: %w", err)
	}

	var errs []error
	for _, in := range []memory.EmbeddingInput{
		{SessionID: req.SessionID, UserID: req.UserID, Position: 2*turn - 1, Role: model.RoleUser, Text: req.Query},
		{SessionID: req.SessionID, UserID: req.UserID, Position: 2 * turn, Role: model.RoleAssistant, Text: env.ResponseText},
	} {
		if err := r.memory.StoreEmbedding(ctx, in); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := r.memory.MaybeSummarize(ctx, req.SessionID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close drains background work, then closes every backend in reverse
// order of opening.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error
	if r.pool != nil {
		if err := r.pool.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain background tasks: %w", err))
		}
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

func (r *Runtime) Config() config.Config { return r.cfg }

func (r *Runtime) Memory() *memory.Service { return r.memory }

func (r *Runtime) Logger() *slog.Logger { return r.logger }

func (r *Runtime) PoolStats() concurrent.DetachedStats { return r.pool.Stats() }
