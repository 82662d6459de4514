package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"
)

type ExecutionStatus string

const (
	StatusSuccess  ExecutionStatus = "success"
	StatusDegraded ExecutionStatus = "degraded"
	StatusFailure  ExecutionStatus = "failure"
	StatusSkipped  ExecutionStatus = "skipped"
)

// ExecutionRecord describes one stage invocation. Inputs and outputs are
// kept as digests only.
type ExecutionRecord struct {
	ID           string          `json:"id"`
	Agent        string          `json:"agent"`
	SessionID    string          `json:"session_id"`
	Start        time.Time       `json:"start"`
	End          time.Time       `json:"end"`
	Status       ExecutionStatus `json:"status"`
	InputDigest  string          `json:"input_digest"`
	OutputDigest string          `json:"output_digest"`
	Error        string          `json:"error,omitempty"`
}

func (r ExecutionRecord) Duration() time.Duration { return r.End.Sub(r.Start) }

type ExecutionSink interface {
	RecordExecution(ctx context.Context, rec ExecutionRecord) error
}

// Digest returns a short stable fingerprint of s.
func Digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}

// LogSink writes execution records to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) RecordExecution(ctx context.Context, rec ExecutionRecord) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelDebug
	if rec.Status == StatusFailure || rec.Status == StatusDegraded {
		level = slog.LevelWarn
	}
	logger.Log(ctx, level, "agent execution",
		"agent", rec.Agent,
		"session", rec.SessionID,
		"status", rec.Status,
		"duration", rec.Duration(),
		"input", rec.InputDigest,
		"output", rec.OutputDigest,
		"err", rec.Error,
	)
	return nil
}

// MultiSink fans a record out to every sink and joins their errors.
type MultiSink []ExecutionSink

func (m MultiSink) RecordExecution(ctx context.Context, rec ExecutionRecord) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.RecordExecution(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
