// Package service holds the request coordination rules: intake triage,
// claim and close, message append with fan-out, and reference-code access.
package service

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog"

	"github.com/crisisline/backend/internal/db"
	"github.com/crisisline/backend/internal/models"
	"github.com/crisisline/backend/internal/realtime"
)

// Store is the persistence contract. Both db.Store and db.MemoryStore
// satisfy it.
type Store interface {
	CreateRequest(ctx context.Context, r models.Request) (models.Request, error)
	GetRequest(ctx context.Context, id string) (models.Request, error)
	FindActiveByExternal(ctx context.Context, channel models.Channel, externalID string) (models.Request, error)
	FindActiveByUser(ctx context.Context, channel models.Channel, userID string) (models.Request, error)
	FindActiveByCode(ctx context.Context, code string) (models.Request, error)
	ReferenceCodeInUse(ctx context.Context, code string) (bool, error)
	VerifyReferenceCode(ctx context.Context, id string, code string) (bool, error)
	ClaimRequest(ctx context.Context, id string, helperID string) (models.Request, bool, error)
	CloseRequest(ctx context.Context, id string) (models.Request, bool, error)
	UpdateTriage(ctx context.Context, id string, a models.Assessment, threshold float64) (models.Request, error)
	ListQueue(ctx context.Context, limit int) ([]models.Request, error)
	AppendMessage(ctx context.Context, requestID string, sender models.Sender, content string) (models.Message, error)
	ListMessages(ctx context.Context, requestID string, after int64) ([]models.Message, error)
	RecentMessages(ctx context.Context, requestID string, n int) ([]models.Message, error)
	GetProfile(ctx context.Context, id string) (models.Profile, error)
	UpsertProfile(ctx context.Context, p models.Profile) (models.Profile, error)
	Ping(ctx context.Context) error
}

var (
	_ Store = (*db.Store)(nil)
	_ Store = (*db.MemoryStore)(nil)
)

// Store failures pass through unchanged so callers can match either name.
var (
	ErrNotFound       = db.ErrNotFound
	ErrAlreadyClaimed = db.ErrAlreadyClaimed
	ErrNotAHelper     = db.ErrNotAHelper
	ErrClosed         = db.ErrClosed

	ErrForbidden    = errors.New("service: not permitted")
	ErrNoAccess     = errors.New("service: no access")
	ErrInvalidInput = errors.New("service: invalid input")
)

// publishRequest announces a request change on the queue topic. The stored
// state is already committed, so a publish failure is only logged; helpers
// re-fetch the queue on reconnect.
func publishRequest(ctx context.Context, bus realtime.Bus, logger zerolog.Logger, req models.Request) {
	if bus == nil {
		return
	}
	b, err := json.Marshal(req)
	if err != nil {
		logger.Error().Err(err).Str("request_id", req.ID).Msg("encode queue event")
		return
	}
	if err := bus.Publish(ctx, realtime.QueueTopic, b); err != nil {
		logger.Warn().Err(err).Str("request_id", req.ID).Msg("queue publish failed")
	}
}
