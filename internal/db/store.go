package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crisisline/backend/internal/models"
)

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

type Store struct {
	pool pgxPool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func newWithPool(pool pgxPool) *Store {
	if pool == nil {
		panic("db: pool required")
	}
	return &Store{pool: pool}
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const requestColumns = `id::text, channel, external_id, user_id, reference_code, summary, risk, tags, status, claimed_by, created_at, updated_at`

func scanRequest(row pgx.Row) (models.Request, error) {
	var (
		r       models.Request
		channel string
		status  string
	)
	err := row.Scan(&r.ID, &channel, &r.ExternalID, &r.UserID, &r.ReferenceCode, &r.Summary, &r.Risk, &r.Tags, &status, &r.ClaimedBy, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Request{}, ErrNotFound
		}
		return models.Request{}, err
	}
	r.Channel = models.Channel(channel)
	r.Status = models.Status(status)
	if r.Tags == nil {
		r.Tags = []string{}
	}
	return r, nil
}

func collectRequests(rows pgx.Rows) ([]models.Request, error) {
	defer rows.Close()
	out := []models.Request{}
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// validID guards uuid-typed parameters; Postgres rejects malformed uuids with
// an error rather than matching nothing.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func (s *Store) CreateRequest(ctx context.Context, r models.Request) (models.Request, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Tags == nil {
		r.Tags = []string{}
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO requests (id, channel, external_id, user_id, reference_code, summary, risk, tags, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9, clock_timestamp(), clock_timestamp())
		RETURNING `+requestColumns,
		r.ID, string(r.Channel), r.ExternalID, r.UserID, r.ReferenceCode, r.Summary, r.Risk, r.Tags, string(r.Status))
	created, err := scanRequest(row)
	if err != nil {
		return models.Request{}, translateUnique(err)
	}
	return created, nil
}

func (s *Store) GetRequest(ctx context.Context, id string) (models.Request, error) {
	if !validID(id) {
		return models.Request{}, ErrNotFound
	}
	return scanRequest(s.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = $1`, id))
}

func (s *Store) FindActiveByExternal(ctx context.Context, channel models.Channel, externalID string) (models.Request, error) {
	return scanRequest(s.pool.QueryRow(ctx, `
		SELECT `+requestColumns+` FROM requests
		WHERE channel = $1 AND external_id = $2 AND status <> 'closed'
		ORDER BY created_at ASC LIMIT 1`, string(channel), externalID))
}

func (s *Store) FindActiveByUser(ctx context.Context, channel models.Channel, userID string) (models.Request, error) {
	return scanRequest(s.pool.QueryRow(ctx, `
		SELECT `+requestColumns+` FROM requests
		WHERE channel = $1 AND user_id = $2 AND external_id IS NULL AND status <> 'closed'
		ORDER BY created_at ASC LIMIT 1`, string(channel), userID))
}

func (s *Store) FindActiveByCode(ctx context.Context, code string) (models.Request, error) {
	return scanRequest(s.pool.QueryRow(ctx, `
		SELECT `+requestColumns+` FROM requests
		WHERE reference_code = $1 AND status <> 'closed'`, code))
}

func (s *Store) ReferenceCodeInUse(ctx context.Context, code string) (bool, error) {
	var inUse bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM requests WHERE reference_code = $1 AND status <> 'closed')`, code).Scan(&inUse)
	return inUse, err
}

// VerifyReferenceCode is the access gate lookup. It answers false for unknown
// ids, wrong codes and closed requests alike.
func (s *Store) VerifyReferenceCode(ctx context.Context, id string, code string) (bool, error) {
	if !validID(id) || code == "" {
		return false, nil
	}
	var ok bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM requests WHERE id = $1 AND reference_code = $2 AND status <> 'closed'
		)`, id, code).Scan(&ok)
	return ok, err
}

// ClaimRequest moves an open or urgent request to claimed in a single
// conditional update. When no row changes, a follow-up read only classifies
// the failure; it never decides the outcome. A request already held by
// helperID is returned with changed false, so a claim retried after a lost
// acknowledgement still reports success.
func (s *Store) ClaimRequest(ctx context.Context, id string, helperID string) (models.Request, bool, error) {
	if !validID(id) {
		return models.Request{}, false, ErrNotFound
	}
	claimed, err := scanRequest(s.pool.QueryRow(ctx, `
		UPDATE requests
		SET status = 'claimed', claimed_by = $2, updated_at = GREATEST(clock_timestamp(), updated_at)
		WHERE id = $1
			AND status IN ('open', 'urgent')
			AND EXISTS (SELECT 1 FROM profiles WHERE id = $2 AND is_helper)
		RETURNING `+requestColumns, id, helperID))
	if err == nil {
		return claimed, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return models.Request{}, false, err
	}

	var (
		isHelper  bool
		status    *string
		claimedBy *string
	)
	if err := s.pool.QueryRow(ctx, `
		SELECT COALESCE((SELECT is_helper FROM profiles WHERE id = $2), false),
			(SELECT status FROM requests WHERE id = $1),
			(SELECT claimed_by FROM requests WHERE id = $1)`, id, helperID).Scan(&isHelper, &status, &claimedBy); err != nil {
		return models.Request{}, false, fmt.Errorf("db: classify claim failure: %w", err)
	}
	if err := claimFailure(isHelper, status, claimedBy, helperID); err != nil {
		return models.Request{}, false, err
	}
	held, err := s.GetRequest(ctx, id)
	if err != nil {
		return models.Request{}, false, err
	}
	return held, false, nil
}

// claimFailure returns nil when the request is already claimed by helperID.
func claimFailure(isHelper bool, status, claimedBy *string, helperID string) error {
	switch {
	case !isHelper:
		return ErrNotAHelper
	case status == nil:
		return ErrNotFound
	case models.Status(*status) == models.StatusClosed:
		return ErrClosed
	case models.Status(*status) == models.StatusClaimed && claimedBy != nil && *claimedBy == helperID:
		return nil
	default:
		return ErrAlreadyClaimed
	}
}

// CloseRequest marks the request closed. changed is false when it was already
// closed, so callers can keep close idempotent.
func (s *Store) CloseRequest(ctx context.Context, id string) (models.Request, bool, error) {
	if !validID(id) {
		return models.Request{}, false, ErrNotFound
	}
	closed, err := scanRequest(s.pool.QueryRow(ctx, `
		UPDATE requests
		SET status = 'closed', updated_at = GREATEST(clock_timestamp(), updated_at)
		WHERE id = $1 AND status <> 'closed'
		RETURNING `+requestColumns, id))
	if err == nil {
		return closed, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return models.Request{}, false, err
	}
	existing, err := s.GetRequest(ctx, id)
	if err != nil {
		return models.Request{}, false, err
	}
	return existing, false, nil
}

// UpdateTriage refreshes the classifier fields and escalates an open request
// to urgent when the new risk reaches threshold. Urgent never drops back.
func (s *Store) UpdateTriage(ctx context.Context, id string, a models.Assessment, threshold float64) (models.Request, error) {
	if !validID(id) {
		return models.Request{}, ErrNotFound
	}
	tags := a.Tags
	if tags == nil {
		tags = []string{}
	}
	return scanRequest(s.pool.QueryRow(ctx, `
		UPDATE requests
		SET summary = $2, risk = $3, tags = $4,
			status = CASE WHEN status = 'open' AND $3 >= $5 THEN 'urgent' ELSE status END,
			updated_at = GREATEST(clock_timestamp(), updated_at)
		WHERE id = $1 AND status <> 'closed'
		RETURNING `+requestColumns, id, a.Summary, a.Risk, tags, threshold))
}

// ListQueue returns waiting requests, urgent first, then by risk, then oldest.
func (s *Store) ListQueue(ctx context.Context, limit int) ([]models.Request, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+requestColumns+` FROM requests
		WHERE status IN ('open', 'urgent')
		ORDER BY (status = 'urgent') DESC, risk DESC, created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return collectRequests(rows)
}

// AppendMessage inserts a message under a row lock on its request. The lock
// serializes appends per request, so ids increase in commit order there and ts
// (taken from the monotonic updated_at) never goes backwards. It also orders
// the append against a concurrent close: once closed, only system messages
// are accepted.
func (s *Store) AppendMessage(ctx context.Context, requestID string, sender models.Sender, content string) (models.Message, error) {
	if !validID(requestID) {
		return models.Message{}, ErrNotFound
	}
	msg := models.Message{RequestID: requestID, Sender: sender, Content: content}
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		var (
			ts     time.Time
			status string
		)
		err := tx.QueryRow(ctx, `
			UPDATE requests SET updated_at = GREATEST(clock_timestamp(), updated_at)
			WHERE id = $1
			RETURNING updated_at, status`, requestID).Scan(&ts, &status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if models.Status(status) == models.StatusClosed && sender != models.SenderSystem {
			return ErrClosed
		}
		msg.TS = ts
		return tx.QueryRow(ctx, `
			INSERT INTO messages (request_id, sender, content, ts)
			VALUES ($1, $2, $3, $4)
			RETURNING id`, requestID, string(sender), content, ts).Scan(&msg.ID)
	})
	if err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// ListMessages returns messages with id greater than after, ascending.
func (s *Store) ListMessages(ctx context.Context, requestID string, after int64) ([]models.Message, error) {
	if !validID(requestID) {
		return []models.Message{}, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, request_id::text, sender, content, ts FROM messages
		WHERE request_id = $1 AND id > $2
		ORDER BY id ASC`, requestID, after)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// RecentMessages returns the last n messages, still in ascending id order.
func (s *Store) RecentMessages(ctx context.Context, requestID string, n int) ([]models.Message, error) {
	if !validID(requestID) || n <= 0 {
		return []models.Message{}, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, request_id, sender, content, ts FROM (
			SELECT id, request_id::text AS request_id, sender, content, ts FROM messages
			WHERE request_id = $1
			ORDER BY id DESC
			LIMIT $2
		) recent ORDER BY id ASC`, requestID, n)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func collectMessages(rows pgx.Rows) ([]models.Message, error) {
	defer rows.Close()
	out := []models.Message{}
	for rows.Next() {
		var (
			m      models.Message
			sender string
		)
		if err := rows.Scan(&m.ID, &m.RequestID, &sender, &m.Content, &m.TS); err != nil {
			return nil, err
		}
		m.Sender = models.Sender(sender)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) GetProfile(ctx context.Context, id string) (models.Profile, error) {
	var p models.Profile
	err := s.pool.QueryRow(ctx, `SELECT id, is_helper FROM profiles WHERE id = $1`, id).Scan(&p.ID, &p.IsHelper)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Profile{}, ErrNotFound
		}
		return models.Profile{}, err
	}
	return p, nil
}

// UpsertProfile is a single statement so concurrent first sign-ins cannot race
// a check-then-insert.
func (s *Store) UpsertProfile(ctx context.Context, p models.Profile) (models.Profile, error) {
	var out models.Profile
	err := s.pool.QueryRow(ctx, `
		INSERT INTO profiles (id, is_helper, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			is_helper = EXCLUDED.is_helper,
			updated_at = NOW()
		RETURNING id, is_helper`, p.ID, p.IsHelper).Scan(&out.ID, &out.IsHelper)
	return out, err
}
