package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/crisisline/backend/internal/ai"
	"github.com/crisisline/backend/internal/db"
	"github.com/crisisline/backend/internal/metrics"
	"github.com/crisisline/backend/internal/models"
	"github.com/crisisline/backend/internal/realtime"
)

const (
	defaultThreshold       = 0.6
	defaultContextMessages = 10
	maxCreateAttempts      = 5
)

// IngestEvent is one inbound contact from a channel adapter. Non-web
// channels identify the caller by ExternalID; web callers by UserID when
// signed in, or by a ReferenceCode when resuming anonymously.
type IngestEvent struct {
	Channel       models.Channel
	ExternalID    string
	UserID        string
	ReferenceCode string
	Text          string
}

type IngestResult struct {
	RequestID     string
	ReferenceCode string
	Status        models.Status
	// ReplyText is set for channels that relay a synchronous reply.
	ReplyText string
	Created   bool
}

// Intake turns inbound contacts into triaged requests. Classification runs
// before any mutation and never fails the call. Once the store work starts it
// is detached from the caller's context, so a caller that gives up still
// leaves a complete request behind.
type Intake struct {
	Store           Store
	Messages        *Messages
	Bus             realtime.Bus
	Guard           ai.Guard
	Responder       ai.Responder
	Threshold       float64
	ContextMessages int
	Retry           RetryPolicy
	Metrics         *metrics.Metrics
	Logger          zerolog.Logger

	mint func() (string, error)
}

func (s *Intake) threshold() float64 {
	if s.Threshold <= 0 || s.Threshold > 1 {
		return defaultThreshold
	}
	return s.Threshold
}

// StatusFor maps a risk score onto the initial request status.
func StatusFor(risk, threshold float64) models.Status {
	if risk >= threshold {
		return models.StatusUrgent
	}
	return models.StatusOpen
}

func (s *Intake) Ingest(ctx context.Context, ev IngestEvent) (IngestResult, error) {
	if err := validateEvent(&ev); err != nil {
		return IngestResult{}, err
	}
	start := time.Now()
	res, err := s.ingest(ctx, ev)
	outcome := "error"
	switch {
	case err != nil:
	case res.Created:
		outcome = "created"
	default:
		outcome = "continued"
	}
	s.Metrics.ObserveIntake(string(ev.Channel), outcome, time.Since(start).Seconds())
	return res, err
}

func validateEvent(ev *IngestEvent) error {
	ev.ExternalID = strings.TrimSpace(ev.ExternalID)
	ev.UserID = strings.TrimSpace(ev.UserID)
	ev.ReferenceCode = NormalizeReferenceCode(ev.ReferenceCode)
	if !ev.Channel.Valid() || !validContent(ev.Text) {
		return ErrInvalidInput
	}
	if ev.Channel != models.ChannelWeb && ev.ExternalID == "" {
		return fmt.Errorf("%w: %s contacts need an external id", ErrInvalidInput, ev.Channel)
	}
	return nil
}

func (s *Intake) ingest(ctx context.Context, ev IngestEvent) (IngestResult, error) {
	bg := context.WithoutCancel(ctx)

	existing, err := s.lookup(bg, ev)
	if err == nil {
		return s.continueConversation(ctx, existing, ev)
	}
	if !errors.Is(err, ErrNotFound) {
		return IngestResult{}, err
	}

	assessment, _ := s.Guard.Assess(ctx, ev.Text, nil)
	status := StatusFor(assessment.Risk, s.threshold())

	var created models.Request
	for attempt := 0; ; attempt++ {
		if attempt == maxCreateAttempts {
			return IngestResult{}, errNoFreeReferenceCode
		}
		code, err := mintReferenceCode(bg, s.Store, s.mint)
		if err != nil {
			return IngestResult{}, err
		}
		req := models.Request{
			Channel:       ev.Channel,
			ExternalID:    optional(ev.ExternalID),
			UserID:        optional(ev.UserID),
			ReferenceCode: code,
			Summary:       assessment.Summary,
			Risk:          assessment.Risk,
			Tags:          assessment.Tags,
			Status:        status,
		}
		created, err = retry(bg, s.Retry, "create_request", func(ctx context.Context) (models.Request, error) {
			return s.Store.CreateRequest(ctx, req)
		})
		if errors.Is(err, db.ErrReferenceCodeTaken) {
			continue
		}
		if errors.Is(err, db.ErrDuplicateActive) {
			// A concurrent contact from the same caller won the insert.
			existing, lerr := s.lookup(bg, ev)
			if lerr != nil {
				return IngestResult{}, lerr
			}
			return s.continueConversation(ctx, existing, ev)
		}
		if err != nil {
			return IngestResult{}, err
		}
		break
	}

	msg, err := s.Messages.Append(bg, created.ID, models.SenderCaller, ev.Text)
	if err != nil {
		return IngestResult{}, err
	}
	publishRequest(bg, s.Bus, s.Logger, created)
	s.Logger.Info().
		Str("request_id", created.ID).
		Str("channel", string(created.Channel)).
		Str("status", string(created.Status)).
		Float64("risk", created.Risk).
		Msg("request created")

	res := IngestResult{
		RequestID:     created.ID,
		ReferenceCode: created.ReferenceCode,
		Status:        created.Status,
		Created:       true,
	}
	if ev.Channel.RequiresReply() {
		reply := s.reply(ctx, created, []models.Message{msg})
		reply = fmt.Sprintf("%s Your reference code is %s. Keep it to continue this conversation.", reply, created.ReferenceCode)
		if _, err := s.Messages.Append(bg, created.ID, models.SenderAI, reply); err != nil {
			s.Logger.Error().Err(err).Str("request_id", created.ID).Msg("append first reply")
		}
		res.ReplyText = reply
	}
	return res, nil
}

func (s *Intake) continueConversation(ctx context.Context, req models.Request, ev IngestEvent) (IngestResult, error) {
	bg := context.WithoutCancel(ctx)

	limit := s.ContextMessages
	if limit <= 0 {
		limit = defaultContextMessages
	}
	history, err := retryIdempotent(bg, s.Retry, "recent_messages", func(ctx context.Context) ([]models.Message, error) {
		return s.Store.RecentMessages(ctx, req.ID, limit)
	})
	if err != nil {
		return IngestResult{}, err
	}
	assessment, _ := s.Guard.Assess(ctx, ev.Text, history)

	msg, err := s.Messages.Append(bg, req.ID, models.SenderCaller, ev.Text)
	if errors.Is(err, ErrClosed) {
		// Closed since the lookup. The lookup no longer finds it, so this
		// contact opens a new request.
		return s.ingest(ctx, ev)
	}
	if err != nil {
		return IngestResult{}, err
	}

	updated, err := retryIdempotent(bg, s.Retry, "update_triage", func(ctx context.Context) (models.Request, error) {
		return s.Store.UpdateTriage(ctx, req.ID, assessment, s.threshold())
	})
	switch {
	case errors.Is(err, ErrNotFound):
		// Closed after the caller message went in; the caller starts fresh
		// next time.
		updated = req
		updated.Status = models.StatusClosed
	case err != nil:
		return IngestResult{}, err
	default:
		if updated.Status.Queued() {
			publishRequest(bg, s.Bus, s.Logger, updated)
		}
		if updated.Status != req.Status {
			s.Logger.Info().Str("request_id", req.ID).Float64("risk", updated.Risk).Msg("request escalated")
		}
	}

	res := IngestResult{
		RequestID:     req.ID,
		ReferenceCode: req.ReferenceCode,
		Status:        updated.Status,
	}
	if ev.Channel.RequiresReply() && updated.Status.Queued() {
		reply := s.reply(ctx, updated, append(history, msg))
		if _, err := s.Messages.Append(bg, req.ID, models.SenderAI, reply); err != nil {
			s.Logger.Error().Err(err).Str("request_id", req.ID).Msg("append reply")
		}
		res.ReplyText = reply
	}
	return res, nil
}

func (s *Intake) lookup(ctx context.Context, ev IngestEvent) (models.Request, error) {
	var find func(ctx context.Context) (models.Request, error)
	switch {
	case ev.ExternalID != "":
		find = func(ctx context.Context) (models.Request, error) {
			return s.Store.FindActiveByExternal(ctx, ev.Channel, ev.ExternalID)
		}
	case ev.UserID != "":
		find = func(ctx context.Context) (models.Request, error) {
			return s.Store.FindActiveByUser(ctx, ev.Channel, ev.UserID)
		}
	case ev.ReferenceCode != "":
		find = func(ctx context.Context) (models.Request, error) {
			req, err := s.Store.FindActiveByCode(ctx, ev.ReferenceCode)
			if err == nil && req.Channel != ev.Channel {
				return models.Request{}, ErrNotFound
			}
			return req, err
		}
	default:
		return models.Request{}, ErrNotFound
	}
	return retryIdempotent(ctx, s.Retry, "find_active", find)
}

// reply asks the responder for the automated answer and falls back to the
// canned reply on any failure.
func (s *Intake) reply(ctx context.Context, req models.Request, history []models.Message) string {
	if s.Responder == nil {
		return ai.CannedReply
	}
	text, err := s.Responder.Reply(ctx, req.Channel, history)
	if err != nil || strings.TrimSpace(text) == "" {
		s.Logger.Warn().Err(err).Str("request_id", req.ID).Msg("responder failed, using canned reply")
		return ai.CannedReply
	}
	return text
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
