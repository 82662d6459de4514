package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Protocol-Lattice/go-assistant/src/coordinator"
	"github.com/Protocol-Lattice/go-assistant/src/stream"
)

const maxBodyBytes = 1 << 20

// backend is what the HTTP surface needs from the runtime.
type backend interface {
	Ask(ctx context.Context, req coordinator.Request) (coordinator.Envelope, error)
	Stream(ctx context.Context, req coordinator.Request) <-chan stream.Event
	Logger() *slog.Logger
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func newRouter(b backend) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, accessLog(b.Logger()), middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/ask", func(w http.ResponseWriter, req *http.Request) {
			in, ok := decodeRequest(w, req)
			if !ok {
				return
			}
			env, err := b.Ask(req.Context(), in)
			if err != nil {
				status, code := classify(err)
				writeJSON(w, status, errorBody{Error: err.Error(), Code: code})
				return
			}
			writeJSON(w, http.StatusOK, env)
		})

		r.Post("/stream", func(w http.ResponseWriter, req *http.Request) {
			in, ok := decodeRequest(w, req)
			if !ok {
				return
			}
			w.Header().Set("Content-Type", "application/x-ndjson")
			w.Header().Set("Cache-Control", "no-cache")
			w.WriteHeader(http.StatusOK)
			if err := stream.NewEncoder(w).Drain(b.Stream(req.Context(), in)); err != nil {
				b.Logger().Warn("stream write failed", "err", err, "request_id", middleware.GetReqID(req.Context()))
			}
		})
	})
	return r
}

func decodeRequest(w http.ResponseWriter, req *http.Request) (coordinator.Request, bool) {
	var in coordinator.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: stream.CodeInvalidRequest})
		return in, false
	}
	return in, true
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, coordinator.ErrEmptyQuery):
		return http.StatusBadRequest, stream.CodeInvalidRequest
	case errors.Is(err, coordinator.ErrGeneration):
		return http.StatusBadGateway, stream.CodeGeneration
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, stream.CodeInternal
	default:
		return http.StatusInternalServerError, stream.CodeInternal
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func accessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
