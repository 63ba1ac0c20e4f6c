package service

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/crisisline/backend/internal/ai"
	"github.com/crisisline/backend/internal/db"
	"github.com/crisisline/backend/internal/models"
	"github.com/crisisline/backend/internal/notify"
	"github.com/crisisline/backend/internal/realtime"
)

type classifierFunc func(ctx context.Context, text string, history []models.Message) (models.Assessment, error)

func (f classifierFunc) Classify(ctx context.Context, text string, history []models.Message) (models.Assessment, error) {
	return f(ctx, text, history)
}

func riskOf(risk float64) ai.Classifier {
	return classifierFunc(func(context.Context, string, []models.Message) (models.Assessment, error) {
		return models.Assessment{Summary: "s", Risk: risk, Tags: []string{"t"}}, nil
	})
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
	err    error
}

func (n *recordingNotifier) Notify(ctx context.Context, ev notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

type testEnv struct {
	store       *db.MemoryStore
	hub         *realtime.Hub
	messages    *Messages
	intake      *Intake
	coordinator *Coordinator
	gate        *Gate
	notifier    *recordingNotifier
}

func newTestEnv(t *testing.T, cls ai.Classifier) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, cls, nil)
}

// newTestEnvWithStore lets a test put a wrapper between the services and the
// memory store; env.store stays the unwrapped store.
func newTestEnvWithStore(t *testing.T, cls ai.Classifier, wrap func(*db.MemoryStore) Store) *testEnv {
	t.Helper()
	mem := db.NewMemoryStore()
	var store Store = mem
	if wrap != nil {
		store = wrap(mem)
	}
	hub := realtime.NewHub(64, nil, zerolog.Nop())
	t.Cleanup(hub.Close)
	retry := RetryPolicy{Backoff: time.Millisecond, Logger: zerolog.Nop()}
	msgs := &Messages{Store: store, Bus: hub, Retry: retry, Logger: zerolog.Nop()}
	notifier := &recordingNotifier{}
	return &testEnv{
		store:    mem,
		hub:      hub,
		messages: msgs,
		notifier: notifier,
		intake: &Intake{
			Store:     store,
			Messages:  msgs,
			Bus:       hub,
			Guard:     ai.Guard{Classifier: cls, Timeout: 200 * time.Millisecond, Logger: zerolog.Nop()},
			Responder: ai.CannedResponder{},
			Threshold: 0.6,
			Retry:     retry,
			Logger:    zerolog.Nop(),
		},
		coordinator: &Coordinator{
			Store:    store,
			Messages: msgs,
			Bus:      hub,
			Notifier: notifier,
			Retry:    retry,
			Logger:   zerolog.Nop(),
		},
		gate: &Gate{Store: store, Messages: msgs, Retry: retry, Logger: zerolog.Nop()},
	}
}

func (e *testEnv) helper(t *testing.T, id string) {
	t.Helper()
	_, err := e.coordinator.RegisterProfile(context.Background(), models.Profile{ID: id, IsHelper: true})
	require.NoError(t, err)
}

func (e *testEnv) ingestSMS(t *testing.T, from, text string) IngestResult {
	t.Helper()
	res, err := e.intake.Ingest(context.Background(), IngestEvent{Channel: models.ChannelSMS, ExternalID: from, Text: text})
	require.NoError(t, err)
	return res
}

func (e *testEnv) messagesOf(t *testing.T, requestID string) []models.Message {
	t.Helper()
	msgs, err := e.messages.List(context.Background(), requestID, 0)
	require.NoError(t, err)
	return msgs
}

func countSystem(msgs []models.Message, content string) int {
	n := 0
	for _, m := range msgs {
		if m.Sender == models.SenderSystem && m.Content == content {
			n++
		}
	}
	return n
}

func errConnReset() error {
	return &net.OpError{Op: "read", Net: "tcp", Err: errors.New("connection reset by peer")}
}

// lostAckStore lets writes commit and then reports the connection as lost,
// which is how a reply dropped after COMMIT looks to the caller.
type lostAckStore struct {
	*db.MemoryStore

	mu          sync.Mutex
	claimDrops  int
	appendDrops int
}

func (s *lostAckStore) drop(n *int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if *n == 0 {
		return false
	}
	*n--
	return true
}

func (s *lostAckStore) dropAppends(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendDrops = n
}

func (s *lostAckStore) ClaimRequest(ctx context.Context, id string, helperID string) (models.Request, bool, error) {
	r, changed, err := s.MemoryStore.ClaimRequest(ctx, id, helperID)
	if err == nil && s.drop(&s.claimDrops) {
		return models.Request{}, false, errConnReset()
	}
	return r, changed, err
}

func (s *lostAckStore) AppendMessage(ctx context.Context, requestID string, sender models.Sender, content string) (models.Message, error) {
	msg, err := s.MemoryStore.AppendMessage(ctx, requestID, sender, content)
	if err == nil && s.drop(&s.appendDrops) {
		return models.Message{}, errConnReset()
	}
	return msg, err
}
