// Package realtime fans published payloads out to live subscribers.
//
// Delivery is at-least-once to each live subscriber and ordered per topic
// only. Publishers never wait for subscribers: a subscriber that cannot keep
// up is dropped and its channel closed, and the client is expected to
// reconnect and re-fetch from the store by message id.
package realtime

import (
	"context"
	"errors"
)

const (
	messagesPrefix = "messages:"
	signalPrefix   = "signal:"

	QueueTopic = "queue"
)

func MessagesTopic(requestID string) string { return messagesPrefix + requestID }

func SignalTopic(requestID string) string { return signalPrefix + requestID }

var ErrBusClosed = errors.New("realtime: bus closed")

type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe registers a subscriber that lives until ctx is done, Close is
	// called, or the bus drops it. Its channel is closed in every case.
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}

type Subscription interface {
	C() <-chan []byte
	Close()
}

// DropFunc observes subscribers removed for falling behind.
type DropFunc func(topic string)
