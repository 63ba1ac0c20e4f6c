package db

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crisisline/backend/internal/models"
)

var requestCols = []string{"id", "channel", "external_id", "user_id", "reference_code", "summary", "risk", "tags", "status", "claimed_by", "created_at", "updated_at"}

const reqID = "4b1d1a52-8e0c-4c55-9d3f-0a3c2c7e9f10"

func strPtr(s string) *string { return &s }

func requestRows(rs ...models.Request) *pgxmock.Rows {
	rows := pgxmock.NewRows(requestCols)
	for _, r := range rs {
		rows.AddRow(r.ID, string(r.Channel), r.ExternalID, r.UserID, r.ReferenceCode, r.Summary, r.Risk, r.Tags, string(r.Status), r.ClaimedBy, r.CreatedAt, r.UpdatedAt)
	}
	return rows
}

func sampleRequest(status models.Status) models.Request {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return models.Request{
		ID:            reqID,
		Channel:       models.ChannelSMS,
		ExternalID:    strPtr("+15550001111"),
		UserID:        (*string)(nil),
		ReferenceCode: "K7Q2MX",
		Summary:       "caller feels unsafe",
		Risk:          0.4,
		Tags:          []string{"anxiety"},
		Status:        status,
		ClaimedBy:     (*string)(nil),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return newWithPool(mock), mock
}

func TestClaimRequestSucceeds(t *testing.T) {
	store, mock := newMockStore(t)

	claimed := sampleRequest(models.StatusClaimed)
	claimed.ClaimedBy = strPtr("helper-a")
	mock.ExpectQuery("UPDATE requests").
		WithArgs(reqID, "helper-a").
		WillReturnRows(requestRows(claimed))

	got, changed, err := store.ClaimRequest(context.Background(), reqID, "helper-a")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.StatusClaimed, got.Status)
	require.NotNil(t, got.ClaimedBy)
	assert.Equal(t, "helper-a", *got.ClaimedBy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimRequestClassifiesFailures(t *testing.T) {
	cases := []struct {
		name     string
		isHelper bool
		status   *string
		holder   *string
		want     error
	}{
		{name: "not a helper", isHelper: false, status: strPtr("open"), holder: (*string)(nil), want: ErrNotAHelper},
		{name: "missing request", isHelper: true, status: (*string)(nil), holder: (*string)(nil), want: ErrNotFound},
		{name: "already claimed", isHelper: true, status: strPtr("claimed"), holder: strPtr("helper-a"), want: ErrAlreadyClaimed},
		{name: "closed", isHelper: true, status: strPtr("closed"), holder: (*string)(nil), want: ErrClosed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store, mock := newMockStore(t)
			mock.ExpectQuery("UPDATE requests").
				WithArgs(reqID, "helper-b").
				WillReturnError(pgx.ErrNoRows)
			mock.ExpectQuery("SELECT COALESCE").
				WithArgs(reqID, "helper-b").
				WillReturnRows(pgxmock.NewRows([]string{"is_helper", "status", "claimed_by"}).AddRow(tc.isHelper, tc.status, tc.holder))

			_, _, err := store.ClaimRequest(context.Background(), reqID, "helper-b")
			assert.ErrorIs(t, err, tc.want)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestClaimRequestAlreadyHeldByClaimant(t *testing.T) {
	store, mock := newMockStore(t)

	held := sampleRequest(models.StatusClaimed)
	held.ClaimedBy = strPtr("helper-a")
	mock.ExpectQuery("UPDATE requests").
		WithArgs(reqID, "helper-a").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT COALESCE").
		WithArgs(reqID, "helper-a").
		WillReturnRows(pgxmock.NewRows([]string{"is_helper", "status", "claimed_by"}).AddRow(true, strPtr("claimed"), strPtr("helper-a")))
	mock.ExpectQuery("SELECT (.+) FROM requests WHERE id").
		WithArgs(reqID).
		WillReturnRows(requestRows(held))

	got, changed, err := store.ClaimRequest(context.Background(), reqID, "helper-a")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, "helper-a", *got.ClaimedBy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimRequestRejectsMalformedID(t *testing.T) {
	store, mock := newMockStore(t)
	_, _, err := store.ClaimRequest(context.Background(), "not-a-uuid", "helper-a")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCloseRequestIsIdempotent(t *testing.T) {
	store, mock := newMockStore(t)

	closed := sampleRequest(models.StatusClosed)
	mock.ExpectQuery("UPDATE requests").WithArgs(reqID).WillReturnRows(requestRows(closed))
	got, changed, err := store.CloseRequest(context.Background(), reqID)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.StatusClosed, got.Status)

	mock.ExpectQuery("UPDATE requests").WithArgs(reqID).WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT (.+) FROM requests WHERE id").WithArgs(reqID).WillReturnRows(requestRows(closed))
	_, changed, err = store.CloseRequest(context.Background(), reqID)
	require.NoError(t, err)
	assert.False(t, changed)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRequestTranslatesUniqueViolations(t *testing.T) {
	store, mock := newMockStore(t)
	r := sampleRequest(models.StatusOpen)

	insertArgs := []any{r.ID, string(r.Channel), r.ExternalID, r.UserID, r.ReferenceCode, r.Summary, r.Risk, r.Tags, string(r.Status)}

	mock.ExpectQuery("INSERT INTO requests").
		WithArgs(insertArgs...).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "requests_active_refcode_uq"})
	_, err := store.CreateRequest(context.Background(), r)
	assert.ErrorIs(t, err, ErrReferenceCodeTaken)

	mock.ExpectQuery("INSERT INTO requests").
		WithArgs(insertArgs...).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "requests_active_external_uq"})
	_, err = store.CreateRequest(context.Background(), r)
	assert.ErrorIs(t, err, ErrDuplicateActive)

	mock.ExpectQuery("INSERT INTO requests").
		WithArgs(insertArgs...).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "requests_active_user_uq"})
	_, err = store.CreateRequest(context.Background(), r)
	assert.ErrorIs(t, err, ErrDuplicateActive)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendMessageLocksRequestAndUsesItsClock(t *testing.T) {
	store, mock := newMockStore(t)
	ts := time.Date(2026, 1, 2, 3, 4, 6, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE requests SET updated_at").
		WithArgs(reqID).
		WillReturnRows(pgxmock.NewRows([]string{"updated_at", "status"}).AddRow(ts, "claimed"))
	mock.ExpectQuery("INSERT INTO messages").
		WithArgs(reqID, "caller", "hello", ts).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(42)))
	mock.ExpectCommit()

	msg, err := store.AppendMessage(context.Background(), reqID, models.SenderCaller, "hello")
	require.NoError(t, err)
	assert.Equal(t, int64(42), msg.ID)
	assert.Equal(t, ts, msg.TS)
	assert.Equal(t, models.SenderCaller, msg.Sender)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendMessageClosedRequestOnlyTakesSystemMessages(t *testing.T) {
	store, mock := newMockStore(t)
	ts := time.Date(2026, 1, 2, 3, 4, 6, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE requests SET updated_at").
		WithArgs(reqID).
		WillReturnRows(pgxmock.NewRows([]string{"updated_at", "status"}).AddRow(ts, "closed"))
	mock.ExpectRollback()

	_, err := store.AppendMessage(context.Background(), reqID, models.SenderCaller, "still there?")
	assert.ErrorIs(t, err, ErrClosed)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE requests SET updated_at").
		WithArgs(reqID).
		WillReturnRows(pgxmock.NewRows([]string{"updated_at", "status"}).AddRow(ts, "closed"))
	mock.ExpectQuery("INSERT INTO messages").
		WithArgs(reqID, "system", "closed", ts).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectCommit()

	msg, err := store.AppendMessage(context.Background(), reqID, models.SenderSystem, "closed")
	require.NoError(t, err)
	assert.Equal(t, int64(7), msg.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendMessageUnknownRequest(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE requests SET updated_at").WithArgs(reqID).WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := store.AppendMessage(context.Background(), reqID, models.SenderCaller, "hello")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListMessagesAfterCursor(t *testing.T) {
	store, mock := newMockStore(t)
	ts := time.Now().UTC()

	mock.ExpectQuery("FROM messages").
		WithArgs(reqID, int64(3)).
		WillReturnRows(pgxmock.NewRows([]string{"id", "request_id", "sender", "content", "ts"}).
			AddRow(int64(4), reqID, "caller", "hello", ts).
			AddRow(int64(5), reqID, "helper", "hi", ts))

	msgs, err := store.ListMessages(context.Background(), reqID, 3)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(4), msgs[0].ID)
	assert.Equal(t, models.SenderHelper, msgs[1].Sender)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifyReferenceCode(t *testing.T) {
	store, mock := newMockStore(t)

	ok, err := store.VerifyReferenceCode(context.Background(), "garbage", "K7Q2MX")
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(reqID, "K7Q2MX").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	ok, err = store.VerifyReferenceCode(context.Background(), reqID, "K7Q2MX")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertProfile(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO profiles").
		WithArgs("helper-a", true).
		WillReturnRows(pgxmock.NewRows([]string{"id", "is_helper"}).AddRow("helper-a", true))

	p, err := store.UpsertProfile(context.Background(), models.Profile{ID: "helper-a", IsHelper: true})
	require.NoError(t, err)
	assert.True(t, p.IsHelper)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&pgconn.PgError{Code: "08006"}))
	assert.True(t, IsTransient(&pgconn.PgError{Code: "40001"}))
	assert.True(t, IsTransient(&pgconn.PgError{Code: "40P01"}))
	assert.False(t, IsTransient(&pgconn.PgError{Code: "23505"}))
	assert.False(t, IsTransient(ErrNotFound))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(errors.New("boom")))

	lostAck := &net.OpError{Op: "read", Net: "tcp", Err: errors.New("connection reset by peer")}
	assert.False(t, IsTransient(lostAck), "a write may have committed before the connection dropped")
	assert.True(t, IsRetryable(lostAck))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&pgconn.PgError{Code: "40001"}))
	assert.True(t, IsRetryable(context.DeadlineExceeded))
	assert.False(t, IsRetryable(&pgconn.PgError{Code: "23505"}))
	assert.False(t, IsRetryable(ErrAlreadyClaimed))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(nil))
}
