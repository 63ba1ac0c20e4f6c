package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/crisisline/backend/internal/metrics"
	"github.com/crisisline/backend/internal/models"
	"github.com/crisisline/backend/internal/realtime"
)

// MaxMessageLength bounds message content in runes.
const MaxMessageLength = 4000

// Messages appends to a request's conversation and fans appends out on
// messages:{requestID}. The store id order is the only ordering authority;
// the live stream is a hint that new ids exist.
type Messages struct {
	Store   Store
	Bus     realtime.Bus
	Retry   RetryPolicy
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

func validContent(content string) bool {
	return strings.TrimSpace(content) != "" && utf8.RuneCountInString(content) <= MaxMessageLength
}

// Append stores the message then publishes it. A publish failure does not
// fail the append; subscribers catch up from the store.
func (m *Messages) Append(ctx context.Context, requestID string, sender models.Sender, content string) (models.Message, error) {
	if !sender.Valid() || !validContent(content) {
		return models.Message{}, ErrInvalidInput
	}
	msg, err := retry(ctx, m.Retry, "append_message", func(ctx context.Context) (models.Message, error) {
		return m.Store.AppendMessage(ctx, requestID, sender, content)
	})
	if err != nil {
		return models.Message{}, err
	}
	m.Metrics.ObserveMessage(string(sender))
	m.publish(ctx, msg)
	return msg, nil
}

func (m *Messages) publish(ctx context.Context, msg models.Message) {
	if m.Bus == nil {
		return
	}
	b, err := json.Marshal(msg)
	if err != nil {
		m.Logger.Error().Err(err).Int64("message_id", msg.ID).Msg("encode message")
		return
	}
	if err := m.Bus.Publish(ctx, realtime.MessagesTopic(msg.RequestID), b); err != nil {
		m.Logger.Warn().Err(err).Str("request_id", msg.RequestID).Int64("message_id", msg.ID).Msg("message publish failed")
	}
}

// List returns messages with id greater than after in ascending id order.
func (m *Messages) List(ctx context.Context, requestID string, after int64) ([]models.Message, error) {
	if after < 0 {
		after = 0
	}
	return retryIdempotent(ctx, m.Retry, "list_messages", func(ctx context.Context) ([]models.Message, error) {
		return m.Store.ListMessages(ctx, requestID, after)
	})
}

// Subscribe streams messages appended to requestID until ctx is done or the
// subscriber falls behind. The channel is closed in both cases.
func (m *Messages) Subscribe(ctx context.Context, requestID string) (<-chan models.Message, error) {
	sub, err := m.Bus.Subscribe(ctx, realtime.MessagesTopic(requestID))
	if err != nil {
		return nil, err
	}
	out := make(chan models.Message)
	go func() {
		defer close(out)
		defer sub.Close()
		for raw := range sub.C() {
			var msg models.Message
			if err := json.Unmarshal(raw, &msg); err != nil {
				m.Logger.Warn().Err(err).Str("request_id", requestID).Msg("discarding malformed message event")
				continue
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Role is what an authenticated actor may do on one request.
type Role int

const (
	RoleNone Role = iota
	// RoleViewer is a helper looking at a request someone else holds or
	// nobody holds yet.
	RoleViewer
	RoleHelper
	RoleOwner
)

// ActorRole resolves an actor against a request: the owning user, the helper
// who claimed it, or any other helper as a read-only viewer.
func (m *Messages) ActorRole(ctx context.Context, req models.Request, actorID string) (Role, error) {
	switch {
	case actorID == "":
		return RoleNone, nil
	case req.UserID != nil && *req.UserID == actorID:
		return RoleOwner, nil
	case req.ClaimedBy != nil && *req.ClaimedBy == actorID:
		return RoleHelper, nil
	}
	p, err := m.Store.GetProfile(ctx, actorID)
	if errors.Is(err, ErrNotFound) {
		return RoleNone, nil
	}
	if err != nil {
		return RoleNone, err
	}
	if p.IsHelper {
		return RoleViewer, nil
	}
	return RoleNone, nil
}

func (m *Messages) authorize(ctx context.Context, requestID, actorID string) (models.Request, Role, error) {
	req, err := retryIdempotent(ctx, m.Retry, "get_request", func(ctx context.Context) (models.Request, error) {
		return m.Store.GetRequest(ctx, requestID)
	})
	if err != nil {
		return models.Request{}, RoleNone, err
	}
	role, err := m.ActorRole(ctx, req, actorID)
	if err != nil {
		return models.Request{}, RoleNone, err
	}
	if role == RoleNone {
		return models.Request{}, RoleNone, ErrForbidden
	}
	return req, role, nil
}

// ListFor lists messages for an authenticated actor.
func (m *Messages) ListFor(ctx context.Context, requestID, actorID string, after int64) ([]models.Message, error) {
	if _, _, err := m.authorize(ctx, requestID, actorID); err != nil {
		return nil, err
	}
	return m.List(ctx, requestID, after)
}

// PostAs appends on behalf of an actor. The owner writes as the caller and
// the claiming helper as helper; viewers cannot write.
func (m *Messages) PostAs(ctx context.Context, requestID, actorID, content string) (models.Message, error) {
	req, role, err := m.authorize(ctx, requestID, actorID)
	if err != nil {
		return models.Message{}, err
	}
	if req.Status == models.StatusClosed {
		return models.Message{}, ErrClosed
	}
	switch role {
	case RoleOwner:
		return m.Append(ctx, requestID, models.SenderCaller, content)
	case RoleHelper:
		return m.Append(ctx, requestID, models.SenderHelper, content)
	default:
		return models.Message{}, ErrForbidden
	}
}

// SubscribeFor opens a live stream for an authenticated actor.
func (m *Messages) SubscribeFor(ctx context.Context, requestID, actorID string) (<-chan models.Message, error) {
	if _, _, err := m.authorize(ctx, requestID, actorID); err != nil {
		return nil, err
	}
	return m.Subscribe(ctx, requestID)
}

// AuthorizeSignal admits the owner and the claiming helper of a request that
// is still live to its signaling session.
func (m *Messages) AuthorizeSignal(ctx context.Context, requestID, actorID string) error {
	req, role, err := m.authorize(ctx, requestID, actorID)
	if err != nil {
		return err
	}
	if req.Status == models.StatusClosed {
		return ErrClosed
	}
	if role != RoleOwner && role != RoleHelper {
		return ErrForbidden
	}
	return nil
}
