package service

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/crisisline/backend/internal/models"
)

// Gate gives anonymous callers access to their own request by id plus
// reference code. It keeps no session state: every call checks the code
// again, so closing a request revokes access at once. A wrong code, a
// closed request and an unknown id all look the same to the caller.
type Gate struct {
	Store    Store
	Messages *Messages
	Retry    RetryPolicy
	Logger   zerolog.Logger
}

func (g *Gate) Verify(ctx context.Context, requestID, code string) (bool, error) {
	code = NormalizeReferenceCode(code)
	if requestID == "" || len(code) != ReferenceCodeLength {
		return false, nil
	}
	return retryIdempotent(ctx, g.Retry, "verify_reference_code", func(ctx context.Context) (bool, error) {
		return g.Store.VerifyReferenceCode(ctx, requestID, code)
	})
}

func (g *Gate) check(ctx context.Context, requestID, code string) error {
	ok, err := g.Verify(ctx, requestID, code)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNoAccess
	}
	return nil
}

func (g *Gate) List(ctx context.Context, requestID, code string, after int64) ([]models.Message, error) {
	if err := g.check(ctx, requestID, code); err != nil {
		return nil, err
	}
	return g.Messages.List(ctx, requestID, after)
}

// Append writes as the caller.
func (g *Gate) Append(ctx context.Context, requestID, code, content string) (models.Message, error) {
	if err := g.check(ctx, requestID, code); err != nil {
		return models.Message{}, err
	}
	msg, err := g.Messages.Append(ctx, requestID, models.SenderCaller, content)
	if errors.Is(err, ErrClosed) {
		// Closed after the check; the store refused the append.
		return models.Message{}, ErrNoAccess
	}
	return msg, err
}

// Subscribe streams messages while the code stays valid. The code is
// checked again before each delivery; the stream ends once it fails.
func (g *Gate) Subscribe(ctx context.Context, requestID, code string) (<-chan models.Message, error) {
	if err := g.check(ctx, requestID, code); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	in, err := g.Messages.Subscribe(ctx, requestID)
	if err != nil {
		cancel()
		return nil, err
	}
	out := make(chan models.Message)
	go func() {
		defer close(out)
		defer cancel()
		for msg := range in {
			// The closed notice itself is still delivered so the caller
			// learns why the stream ends.
			err := g.check(ctx, requestID, code)
			if err != nil && msg.Sender != models.SenderSystem {
				return
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return out, nil
}
