package realtime

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Hub is the in-process Bus. Each topic with at least one subscriber has a
// session object; the session is created on first subscribe and removed when
// its last subscriber leaves.
type Hub struct {
	mu     sync.Mutex
	topics map[string]*topicSession
	closed bool

	buffer int
	onDrop DropFunc
	logger zerolog.Logger
}

type topicSession struct {
	subs map[*hubSub]struct{}
}

type hubSub struct {
	hub   *Hub
	topic string
	ch    chan []byte
	done  chan struct{}
}

func NewHub(buffer int, onDrop DropFunc, logger zerolog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		topics: map[string]*topicSession{},
		buffer: buffer,
		onDrop: onDrop,
		logger: logger,
	}
}

func (h *Hub) Publish(ctx context.Context, topic string, payload []byte) error {
	var dropped int

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrBusClosed
	}
	if sess, ok := h.topics[topic]; ok {
		for sub := range sess.subs {
			select {
			case sub.ch <- payload:
			default:
				h.detachLocked(sub)
				dropped++
			}
		}
	}
	h.mu.Unlock()

	for i := 0; i < dropped; i++ {
		h.logger.Warn().Str("topic", topic).Msg("dropped slow subscriber")
		if h.onDrop != nil {
			h.onDrop(topic)
		}
	}
	return nil
}

func (h *Hub) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	sub := &hubSub{
		hub:   h,
		topic: topic,
		ch:    make(chan []byte, h.buffer),
		done:  make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrBusClosed
	}
	sess, ok := h.topics[topic]
	if !ok {
		sess = &topicSession{subs: map[*hubSub]struct{}{}}
		h.topics[topic] = sess
	}
	sess.subs[sub] = struct{}{}
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

// Subscribers reports the live subscriber count for topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sess, ok := h.topics[topic]; ok {
		return len(sess.subs)
	}
	return 0
}

// Close drops every subscriber and rejects further use.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, sess := range h.topics {
		for sub := range sess.subs {
			h.detachLocked(sub)
		}
	}
}

// detachLocked must be called with h.mu held. It is the only place a
// subscriber channel is closed, so it runs at most once per subscriber.
func (h *Hub) detachLocked(sub *hubSub) {
	sess, ok := h.topics[sub.topic]
	if !ok {
		return
	}
	if _, ok := sess.subs[sub]; !ok {
		return
	}
	delete(sess.subs, sub)
	close(sub.ch)
	close(sub.done)
	if len(sess.subs) == 0 {
		delete(h.topics, sub.topic)
	}
}

func (s *hubSub) C() <-chan []byte { return s.ch }

func (s *hubSub) Close() {
	s.hub.mu.Lock()
	s.hub.detachLocked(s)
	s.hub.mu.Unlock()
}
