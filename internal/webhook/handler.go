package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/dealpack/ratekeeper/internal/metrics"
)

// Processor runs the business logic for one first-seen event. Returning an
// error marks the event failed and asks the sender to redeliver.
type Processor func(ctx context.Context, event Event, payload []byte) error

type envelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// Handler wraps a processor in the idempotency guard: duplicate deliveries
// are acknowledged with 200 without re-running business logic, matching what
// payment processors expect for an already-handled event.
func Handler(guard *Guard, process Processor, logger *slog.Logger, recorder *metrics.Recorder) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable payload"})
			return
		}

		var env envelope
		if err := json.Unmarshal(payload, &env); err != nil || env.ID == "" || env.Type == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "event id and type required"})
			return
		}
		event := Event{ID: env.ID, Type: env.Type}

		begin, err := guard.Begin(r.Context(), event)
		if err != nil {
			// Fail closed: without the idempotency record we cannot promise
			// at-most-once handling, so ask the sender to redeliver.
			if logger != nil {
				logger.Error("webhook idempotency lookup failed", slog.Any("error", err))
			}
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "event intake unavailable"})
			return
		}
		if begin.Duplicate {
			recorder.ObserveWebhookBegin(metrics.WebhookBeginDuplicate)
			if logger != nil {
				logger.Info("duplicate webhook delivery ignored",
					slog.String("event_id", event.ID),
					slog.String("event_type", event.Type),
					slog.String("prior_status", string(begin.PriorStatus)))
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "already_processed"})
			return
		}
		if begin.Retried {
			recorder.ObserveWebhookBegin(metrics.WebhookBeginRetry)
		} else {
			recorder.ObserveWebhookBegin(metrics.WebhookBeginFresh)
		}

		processErr := process(r.Context(), event, payload)
		success := processErr == nil
		errMsg := ""
		if processErr != nil {
			errMsg = processErr.Error()
		}

		if err := guard.Complete(r.Context(), begin.IdempotencyKey, success, errMsg); err != nil {
			// The record stays in processing; the next delivery retries.
			if logger != nil {
				logger.Error("webhook completion write failed", slog.Any("error", err))
			}
		} else {
			if success {
				recorder.ObserveWebhookComplete(string(StatusCompleted))
			} else {
				recorder.ObserveWebhookComplete(string(StatusFailed))
			}
		}

		if !success {
			if logger != nil {
				logger.Error("webhook processing failed",
					slog.String("event_id", event.ID),
					slog.String("event_type", event.Type),
					slog.Any("error", processErr))
			}
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "event processing failed"})
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
