package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/crisisline/backend/internal/db"
	"github.com/crisisline/backend/internal/metrics"
	"github.com/crisisline/backend/internal/models"
	"github.com/crisisline/backend/internal/notify"
	"github.com/crisisline/backend/internal/realtime"
)

const (
	claimedNotice = "A helper has joined the conversation."
	closedNotice  = "This conversation has been closed."

	notifyTimeout = 10 * time.Second
)

// Coordinator owns the request lifecycle after intake: claim, close and the
// helper queue.
type Coordinator struct {
	Store    Store
	Messages *Messages
	Bus      realtime.Bus
	Notifier notify.Notifier
	Retry    RetryPolicy
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
}

// Claim hands an open or urgent request to helperID. Exactly one of any set
// of concurrent claimants wins; the others get ErrAlreadyClaimed. Claiming a
// request the helper already holds succeeds without repeating the notice.
func (c *Coordinator) Claim(ctx context.Context, requestID, helperID string) (models.Request, error) {
	if helperID == "" {
		return models.Request{}, ErrNotAHelper
	}
	type claimOutcome struct {
		req     models.Request
		changed bool
	}
	// uncertain is set when an attempt may have committed without us seeing
	// the reply. The claim is idempotent per helper, so retrying is safe and
	// a later "already yours" answer means that attempt won.
	uncertain := false
	res, err := retryIdempotent(ctx, c.Retry, "claim_request", func(ctx context.Context) (claimOutcome, error) {
		r, changed, err := c.Store.ClaimRequest(ctx, requestID, helperID)
		if err != nil && !db.IsTransient(err) && db.IsRetryable(err) {
			uncertain = true
		}
		return claimOutcome{r, changed}, err
	})
	c.Metrics.ObserveClaim(claimResult(err))
	if err != nil {
		return models.Request{}, err
	}
	if !res.changed && !uncertain {
		return res.req, nil
	}
	req := res.req

	// The claim is committed; what follows must not be undone by the caller
	// hanging up.
	bg := context.WithoutCancel(ctx)
	if _, err := c.Messages.Append(bg, req.ID, models.SenderSystem, claimedNotice); err != nil {
		c.Logger.Error().Err(err).Str("request_id", req.ID).Msg("append claim notice")
	}
	publishRequest(bg, c.Bus, c.Logger, req)
	c.notify(bg, notify.EventClaimed, req, helperID)
	return req, nil
}

func claimResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAlreadyClaimed):
		return "already_claimed"
	case errors.Is(err, ErrNotAHelper):
		return "not_a_helper"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrClosed):
		return "closed"
	default:
		return "error"
	}
}

// NextInQueue returns the highest-priority waiting request, if any. It is
// what a losing claimant is offered instead, so only helpers get one.
func (c *Coordinator) NextInQueue(ctx context.Context, actorID string) (models.Request, bool, error) {
	reqs, err := c.ListQueue(ctx, actorID, 1)
	if err != nil {
		return models.Request{}, false, err
	}
	if len(reqs) == 0 {
		return models.Request{}, false, nil
	}
	return reqs[0], true, nil
}

// ListQueue is the helper queue. Queued requests carry caller identifiers
// and triage summaries, so anyone without a helper profile is refused.
func (c *Coordinator) ListQueue(ctx context.Context, actorID string, limit int) ([]models.Request, error) {
	if err := c.requireHelper(ctx, actorID); err != nil {
		return nil, err
	}
	return retryIdempotent(ctx, c.Retry, "list_queue", func(ctx context.Context) ([]models.Request, error) {
		return c.Store.ListQueue(ctx, limit)
	})
}

func (c *Coordinator) requireHelper(ctx context.Context, actorID string) error {
	if actorID == "" {
		return ErrForbidden
	}
	p, err := retryIdempotent(ctx, c.Retry, "get_profile", func(ctx context.Context) (models.Profile, error) {
		return c.Store.GetProfile(ctx, actorID)
	})
	if errors.Is(err, ErrNotFound) {
		return ErrForbidden
	}
	if err != nil {
		return err
	}
	if !p.IsHelper {
		return ErrForbidden
	}
	return nil
}

// Close ends a request. Requests with an owning user may only be closed by
// that user; others by any helper or the system actor. Closing twice is not
// an error and only the first close writes the closed notice.
func (c *Coordinator) Close(ctx context.Context, requestID, actorID string) (models.Request, error) {
	req, err := retryIdempotent(ctx, c.Retry, "get_request", func(ctx context.Context) (models.Request, error) {
		return c.Store.GetRequest(ctx, requestID)
	})
	if err != nil {
		return models.Request{}, err
	}
	if err := c.mayClose(ctx, req, actorID); err != nil {
		return models.Request{}, err
	}

	type closeResult struct {
		req     models.Request
		changed bool
	}
	res, err := retry(ctx, c.Retry, "close_request", func(ctx context.Context) (closeResult, error) {
		r, changed, err := c.Store.CloseRequest(ctx, requestID)
		return closeResult{r, changed}, err
	})
	if err != nil {
		return models.Request{}, err
	}
	if !res.changed {
		return res.req, nil
	}

	bg := context.WithoutCancel(ctx)
	if _, err := c.Messages.Append(bg, requestID, models.SenderSystem, closedNotice); err != nil {
		c.Logger.Error().Err(err).Str("request_id", requestID).Msg("append close notice")
	}
	publishRequest(bg, c.Bus, c.Logger, res.req)
	c.notify(bg, notify.EventClosed, res.req, actorID)
	return res.req, nil
}

func (c *Coordinator) mayClose(ctx context.Context, req models.Request, actorID string) error {
	if actorID == "" {
		return ErrForbidden
	}
	if req.UserID != nil {
		if *req.UserID == actorID {
			return nil
		}
		return ErrForbidden
	}
	if actorID == models.SystemActor {
		return nil
	}
	return c.requireHelper(ctx, actorID)
}

// View returns a request to an actor allowed to see it.
func (c *Coordinator) View(ctx context.Context, requestID, actorID string) (models.Request, error) {
	req, _, err := c.Messages.authorize(ctx, requestID, actorID)
	return req, err
}

// SubscribeQueue streams queue changes to a helper. A request that is open
// or urgent is reported as queued, anything else as dequeued.
func (c *Coordinator) SubscribeQueue(ctx context.Context, actorID string) (<-chan models.QueueEvent, error) {
	if err := c.requireHelper(ctx, actorID); err != nil {
		return nil, err
	}
	sub, err := c.Bus.Subscribe(ctx, realtime.QueueTopic)
	if err != nil {
		return nil, err
	}
	out := make(chan models.QueueEvent)
	go func() {
		defer close(out)
		defer sub.Close()
		for raw := range sub.C() {
			var req models.Request
			if err := json.Unmarshal(raw, &req); err != nil {
				c.Logger.Warn().Err(err).Msg("discarding malformed queue event")
				continue
			}
			ev := models.QueueEvent{Kind: models.QueueDequeued, Request: req}
			if req.Status.Queued() {
				ev.Kind = models.QueueQueued
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// RegisterProfile records whether an identity is a helper. Called by the
// auth collaborator when accounts change.
func (c *Coordinator) RegisterProfile(ctx context.Context, p models.Profile) (models.Profile, error) {
	if p.ID == "" {
		return models.Profile{}, ErrInvalidInput
	}
	return retryIdempotent(ctx, c.Retry, "upsert_profile", func(ctx context.Context) (models.Profile, error) {
		return c.Store.UpsertProfile(ctx, p)
	})
}

// notify runs in the background; failures are logged and never reach the
// claimant.
func (c *Coordinator) notify(ctx context.Context, kind notify.EventKind, req models.Request, actorID string) {
	if c.Notifier == nil {
		return
	}
	ev := notify.Event{
		Kind:      kind,
		RequestID: req.ID,
		ActorID:   actorID,
		Channel:   string(req.Channel),
		At:        time.Now().UTC(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
		defer cancel()
		if err := c.Notifier.Notify(ctx, ev); err != nil {
			c.Logger.Warn().Err(err).Str("request_id", ev.RequestID).Str("kind", string(kind)).Msg("notification failed")
		}
	}()
}
