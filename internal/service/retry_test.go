package service

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crisisline/backend/internal/db"
)

func TestRetryRecoversFromTransientError(t *testing.T) {
	calls, retries := 0, 0
	p := RetryPolicy{Attempts: 3, Backoff: time.Millisecond, Logger: zerolog.Nop(), OnRetry: func() { retries++ }}

	v, err := retry(context.Background(), p, "op", func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, &pgconn.PgError{Code: "40001"}
		}
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, retries)
}

func TestRetryGivesUpWithTransientStoreError(t *testing.T) {
	calls := 0
	p := RetryPolicy{Attempts: 3, Backoff: time.Millisecond, Logger: zerolog.Nop()}
	cause := &pgconn.PgError{Code: "08006"}

	_, err := retry(context.Background(), p, "claim_request", func(context.Context) (struct{}, error) {
		calls++
		return struct{}{}, cause
	})
	var tse *TransientStoreError
	require.ErrorAs(t, err, &tse)
	assert.Equal(t, 3, tse.Attempts)
	assert.Equal(t, "claim_request", tse.Op)
	assert.Equal(t, 3, calls)
	assert.True(t, errors.Is(err, cause))
}

func TestRetrySkipsPermanentErrors(t *testing.T) {
	calls := 0
	_, err := retry(context.Background(), RetryPolicy{Logger: zerolog.Nop()}, "op", func(context.Context) (int, error) {
		calls++
		return 0, db.ErrAlreadyClaimed
	})
	assert.ErrorIs(t, err, ErrAlreadyClaimed)
	assert.Equal(t, 1, calls)
}

func TestRetryLeavesUnknownOutcomesToIdempotentCallers(t *testing.T) {
	lost := &net.OpError{Op: "read", Net: "tcp", Err: errors.New("connection reset by peer")}
	p := RetryPolicy{Attempts: 3, Backoff: time.Millisecond, Logger: zerolog.Nop()}

	calls := 0
	_, err := retry(context.Background(), p, "append_message", func(context.Context) (int, error) {
		calls++
		return 0, lost
	})
	assert.ErrorIs(t, err, lost)
	assert.Equal(t, 1, calls, "a write that may have committed is not repeated")

	calls = 0
	v, err := retryIdempotent(context.Background(), p, "list_messages", func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, lost
		}
		return 5, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, v)
	assert.Equal(t, 2, calls)
}

func TestMintReferenceCode(t *testing.T) {
	store := db.NewMemoryStore()
	code, err := mintReferenceCode(context.Background(), store, nil)
	require.NoError(t, err)
	assert.Len(t, code, ReferenceCodeLength)
	for _, c := range code {
		assert.Contains(t, referenceAlphabet, string(c))
	}
	assert.Equal(t, "AB12CD", NormalizeReferenceCode("  ab12cd "))
}
