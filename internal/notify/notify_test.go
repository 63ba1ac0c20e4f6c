package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookNotifierPostsEvent(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ev := Event{Kind: EventClaimed, RequestID: "r1", ActorID: "h1", Channel: "sms", At: time.Unix(0, 0).UTC()}
	require.NoError(t, NewWebhookNotifier(srv.URL).Notify(context.Background(), ev))
	assert.Equal(t, ev, got)
}

func TestWebhookNotifierErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL).Notify(context.Background(), Event{Kind: EventClosed})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=502")
}

func TestWebhookNotifierUnconfigured(t *testing.T) {
	assert.Error(t, NewWebhookNotifier(" ").Notify(context.Background(), Event{}))
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := LogNotifier{Logger: zerolog.New(&buf)}
	require.NoError(t, n.Notify(context.Background(), Event{Kind: EventClaimed, RequestID: "r1", ActorID: "h1"}))
	assert.Contains(t, buf.String(), `"request_id":"r1"`)
	assert.Contains(t, buf.String(), `"kind":"request.claimed"`)
}
