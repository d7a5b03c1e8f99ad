package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dealpack/ratekeeper/internal/metrics"
	"github.com/dealpack/ratekeeper/internal/respcache"
	"github.com/dealpack/ratekeeper/internal/store"
)

// Responder produces the text artifact for a coaching request on a cache miss.
type Responder func(ctx context.Context, identity string, payload map[string]any, requestContext string) (string, error)

// Deps carries everything the router dispatches to.
type Deps struct {
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	Store   store.Store

	Cache    *respcache.Cache
	CacheTTL time.Duration
	Respond  Responder

	// Webhook handles POST /webhooks/billing, already guard-wrapped.
	Webhook http.Handler

	// LimitCoach wraps the coaching endpoint with its admission policy. Nil
	// means no limiting.
	LimitCoach func(http.Handler) http.Handler
}

// NewRouter owns URL dispatch so handlers stay free of routing concerns.
func NewRouter(deps Deps) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", healthHandler(deps.Store))
	if deps.Metrics != nil {
		mux.Handle("/metrics", deps.Metrics.Handler())
	}
	if deps.Webhook != nil {
		mux.Handle("/webhooks/billing", deps.Webhook)
	}

	coach := http.Handler(coachHandler(deps))
	if deps.LimitCoach != nil {
		coach = deps.LimitCoach(coach)
	}
	mux.Handle("/coach", coach)

	return mux
}

// healthHandler reports store reachability. A probe failure degrades the
// report instead of failing the endpoint so orchestrators can tell "down"
// apart from "running without its backend".
func healthHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
			return
		}

		status := "ok"
		code := http.StatusOK
		if s != nil {
			if _, err := s.Exists(r.Context(), "healthz:probe"); err != nil {
				status = "degraded"
				code = http.StatusServiceUnavailable
			}
		}
		writeJSON(w, code, map[string]any{"status": status})
	}
}

// coachHandler serves the memoized coaching endpoint: identical payloads from
// the same user inside the freshness window are answered from the cache
// without recomputation.
func coachHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
			return
		}
		identity := r.Header.Get("X-User-ID")
		if identity == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing X-User-ID header"})
			return
		}

		var payload map[string]any
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&payload); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json payload"})
			return
		}
		requestContext := r.URL.Query().Get("context")
		if requestContext == "" {
			requestContext = "general"
		}

		key, err := deps.Cache.MakeKey(identity, payload, requestContext)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "payload cannot be fingerprinted"})
			return
		}

		if text, ok := deps.Cache.Get(r.Context(), key, deps.CacheTTL); ok {
			writeJSON(w, http.StatusOK, map[string]any{"text": text, "cached": true})
			return
		}

		text, err := deps.Respond(r.Context(), identity, payload, requestContext)
		if err != nil {
			if deps.Logger != nil {
				deps.Logger.Error("coach responder failed",
					slog.String("user", identity),
					slog.Any("error", err))
			}
			writeJSON(w, http.StatusBadGateway, map[string]any{"error": "response generation failed"})
			return
		}

		// The artifact is already computed; a failed cache write only costs a
		// future recomputation.
		if err := deps.Cache.Set(r.Context(), key, text); err != nil && deps.Logger != nil {
			deps.Logger.Warn("coach response not cached", slog.Any("error", err))
		}

		writeJSON(w, http.StatusOK, map[string]any{"text": text, "cached": false})
	}
}

func writeJSON(w http.ResponseWriter, code int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
