package webhook

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dealpack/ratekeeper/internal/metrics"
	"github.com/dealpack/ratekeeper/internal/store"
)

func postEvent(t *testing.T, handler http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/billing", strings.NewReader(body))
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHandlerProcessesOnce(t *testing.T) {
	guard := NewGuard(NewKVEventStore(store.NewMemory(), time.Hour))
	calls := 0
	handler := Handler(guard, func(context.Context, Event, []byte) error {
		calls++
		return nil
	}, nil, metrics.NewRecorder(nil))

	body := `{"id":"evt_1","type":"checkout.session.completed","data":{"object":{}}}`

	first := postEvent(t, handler, body)
	require.Equal(t, http.StatusOK, first.Code)
	require.Contains(t, first.Body.String(), "processed")

	second := postEvent(t, handler, body)
	require.Equal(t, http.StatusOK, second.Code, "redelivery must be acknowledged")
	require.Contains(t, second.Body.String(), "already_processed")

	require.Equal(t, 1, calls, "business logic must run exactly once")
}

func TestHandlerRejectsMalformedEnvelope(t *testing.T) {
	guard := NewGuard(NewKVEventStore(store.NewMemory(), time.Hour))
	handler := Handler(guard, func(context.Context, Event, []byte) error { return nil }, nil, metrics.NewRecorder(nil))

	require.Equal(t, http.StatusBadRequest, postEvent(t, handler, `not json`).Code)
	require.Equal(t, http.StatusBadRequest, postEvent(t, handler, `{"type":"x"}`).Code)
	require.Equal(t, http.StatusBadRequest, postEvent(t, handler, `{"id":"evt_1"}`).Code)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhooks/billing", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandlerMarksFailureAndAllowsNothingTwice(t *testing.T) {
	events := NewKVEventStore(store.NewMemory(), time.Hour)
	guard := NewGuard(events)
	calls := 0
	handler := Handler(guard, func(context.Context, Event, []byte) error {
		calls++
		return errors.New("downstream unavailable")
	}, nil, metrics.NewRecorder(nil))

	body := `{"id":"evt_2","type":"invoice.payment_failed"}`

	rec := postEvent(t, handler, body)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, 1, calls)

	// failed is terminal: the redelivery is acknowledged without re-running.
	rec = postEvent(t, handler, body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "already_processed")
	require.Equal(t, 1, calls)

	record, found, err := events.Find(context.Background(), Key("evt_2", "invoice.payment_failed"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, StatusFailed, record.Status)
	require.Equal(t, "downstream unavailable", record.Error)
}

func TestHandlerFailsClosedWhenStoreIsDown(t *testing.T) {
	guard := NewGuard(failingEventStore{})
	calls := 0
	handler := Handler(guard, func(context.Context, Event, []byte) error {
		calls++
		return nil
	}, nil, metrics.NewRecorder(nil))

	rec := postEvent(t, handler, `{"id":"evt_3","type":"invoice.paid"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, 0, calls, "business logic must not run without an idempotency record")
}
