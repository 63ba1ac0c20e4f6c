// Package notify delivers out-of-band claim and close notices. Delivery is
// best effort; callers log failures and carry on.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type EventKind string

const (
	EventClaimed EventKind = "request.claimed"
	EventClosed  EventKind = "request.closed"
)

type Event struct {
	Kind      EventKind `json:"kind"`
	RequestID string    `json:"request_id"`
	ActorID   string    `json:"actor_id"`
	Channel   string    `json:"channel"`
	At        time.Time `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// WebhookNotifier POSTs each event as JSON to a fixed URL.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    strings.TrimSpace(url),
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, ev Event) error {
	if n.url == "" {
		return fmt.Errorf("webhook notifier not configured")
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("notify webhook error: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return nil
}

// LogNotifier writes events to the log. Used when no webhook is configured.
type LogNotifier struct {
	Logger zerolog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, ev Event) error {
	n.Logger.Info().
		Str("kind", string(ev.Kind)).
		Str("request_id", ev.RequestID).
		Str("actor_id", ev.ActorID).
		Msg("notification")
	return nil
}
