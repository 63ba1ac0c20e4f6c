package ai

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/crisisline/backend/internal/models"
)

// Classifier scores free text for risk. history is the recent conversation,
// oldest first, and may be empty.
type Classifier interface {
	Classify(ctx context.Context, text string, history []models.Message) (models.Assessment, error)
}

// Responder produces the automated reply sent on reply-requiring channels
// while no helper has claimed the conversation yet.
type Responder interface {
	Reply(ctx context.Context, channel models.Channel, history []models.Message) (string, error)
}

var ErrClassifierUnavailable = errors.New("ai: classifier unavailable")

const (
	FallbackRisk = 0.5
	NeedsReview  = "needs-review"
)

// Fallback is the conservative assessment used whenever the classifier fails.
// A mid-range risk keeps the contact visible in the helper queue.
func Fallback(text string) models.Assessment {
	return models.Assessment{
		Summary: text,
		Risk:    FallbackRisk,
		Tags:    []string{NeedsReview},
	}
}

// Guard bounds a Classifier call and recovers every failure with Fallback.
type Guard struct {
	Classifier Classifier
	Timeout    time.Duration
	Logger     zerolog.Logger
	OnFallback func()
}

// Assess never fails. fellBack reports whether the fallback was used.
func (g Guard) Assess(ctx context.Context, text string, history []models.Message) (a models.Assessment, fellBack bool) {
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if g.Classifier == nil {
		return g.fallback(text, ErrClassifierUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		a   models.Assessment
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: ErrClassifierUnavailable}
			}
		}()
		a, err := g.Classifier.Classify(ctx, text, history)
		done <- result{a: a, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return g.fallback(text, res.err)
		}
		return normalize(res.a, text), false
	case <-ctx.Done():
		return g.fallback(text, ctx.Err())
	}
}

func (g Guard) fallback(text string, cause error) (models.Assessment, bool) {
	g.Logger.Warn().Err(cause).Msg("classifier unavailable, using fallback assessment")
	if g.OnFallback != nil {
		g.OnFallback()
	}
	return Fallback(text), true
}

func normalize(a models.Assessment, text string) models.Assessment {
	if math.IsNaN(a.Risk) {
		a.Risk = FallbackRisk
	}
	if a.Risk < 0 {
		a.Risk = 0
	}
	if a.Risk > 1 {
		a.Risk = 1
	}
	if strings.TrimSpace(a.Summary) == "" {
		a.Summary = text
	}
	if a.Tags == nil {
		a.Tags = []string{}
	}
	return a
}
