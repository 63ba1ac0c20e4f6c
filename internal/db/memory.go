package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crisisline/backend/internal/models"
)

// MemoryStore is the in-process store used when DATABASE_URL is empty and in
// tests. A single mutex gives every method the same atomicity the Postgres
// statements have, including the partial unique indexes.
type MemoryStore struct {
	mu       sync.Mutex
	now      func() time.Time
	requests map[string]*models.Request
	messages map[string][]models.Message
	profiles map[string]models.Profile
	lastID   int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:      func() time.Time { return time.Now().UTC() },
		requests: map[string]*models.Request{},
		messages: map[string][]models.Message{},
		profiles: map[string]models.Profile{},
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() {}

// tick returns a timestamp no earlier than floor.
func (m *MemoryStore) tick(floor time.Time) time.Time {
	t := m.now()
	if t.Before(floor) {
		return floor
	}
	return t
}

func copyRequest(r *models.Request) models.Request {
	out := *r
	out.Tags = append([]string{}, r.Tags...)
	return out
}

func (m *MemoryStore) CreateRequest(ctx context.Context, r models.Request) (models.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.requests {
		if existing.Status == models.StatusClosed {
			continue
		}
		if existing.ReferenceCode == r.ReferenceCode {
			return models.Request{}, ErrReferenceCodeTaken
		}
		if existing.Channel != r.Channel {
			continue
		}
		if r.ExternalID != nil && existing.ExternalID != nil && *existing.ExternalID == *r.ExternalID {
			return models.Request{}, ErrDuplicateActive
		}
		if r.ExternalID == nil && existing.ExternalID == nil && r.UserID != nil && existing.UserID != nil && *existing.UserID == *r.UserID {
			return models.Request{}, ErrDuplicateActive
		}
	}

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Tags == nil {
		r.Tags = []string{}
	}
	now := m.now()
	r.CreatedAt = now
	r.UpdatedAt = now
	r.ClaimedBy = nil
	stored := copyRequest(&r)
	m.requests[r.ID] = &stored
	return copyRequest(&stored), nil
}

func (m *MemoryStore) GetRequest(ctx context.Context, id string) (models.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return models.Request{}, ErrNotFound
	}
	return copyRequest(r), nil
}

func (m *MemoryStore) findActive(match func(r *models.Request) bool) (models.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *models.Request
	for _, r := range m.requests {
		if r.Status == models.StatusClosed || !match(r) {
			continue
		}
		if found == nil || r.CreatedAt.Before(found.CreatedAt) {
			found = r
		}
	}
	if found == nil {
		return models.Request{}, ErrNotFound
	}
	return copyRequest(found), nil
}

func (m *MemoryStore) FindActiveByExternal(ctx context.Context, channel models.Channel, externalID string) (models.Request, error) {
	return m.findActive(func(r *models.Request) bool {
		return r.Channel == channel && r.ExternalID != nil && *r.ExternalID == externalID
	})
}

func (m *MemoryStore) FindActiveByUser(ctx context.Context, channel models.Channel, userID string) (models.Request, error) {
	return m.findActive(func(r *models.Request) bool {
		return r.Channel == channel && r.ExternalID == nil && r.UserID != nil && *r.UserID == userID
	})
}

func (m *MemoryStore) FindActiveByCode(ctx context.Context, code string) (models.Request, error) {
	return m.findActive(func(r *models.Request) bool {
		return r.ReferenceCode == code
	})
}

func (m *MemoryStore) ReferenceCodeInUse(ctx context.Context, code string) (bool, error) {
	_, err := m.FindActiveByCode(ctx, code)
	if err == ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (m *MemoryStore) VerifyReferenceCode(ctx context.Context, id string, code string) (bool, error) {
	if code == "" {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	return ok && r.ReferenceCode == code && r.Status != models.StatusClosed, nil
}

func (m *MemoryStore) ClaimRequest(ctx context.Context, id string, helperID string) (models.Request, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	profile, isProfile := m.profiles[helperID]
	if !isProfile || !profile.IsHelper {
		return models.Request{}, false, ErrNotAHelper
	}
	if !ok {
		return models.Request{}, false, ErrNotFound
	}
	switch r.Status {
	case models.StatusOpen, models.StatusUrgent:
	case models.StatusClosed:
		return models.Request{}, false, ErrClosed
	default:
		if r.ClaimedBy != nil && *r.ClaimedBy == helperID {
			return copyRequest(r), false, nil
		}
		return models.Request{}, false, ErrAlreadyClaimed
	}
	helper := helperID
	r.Status = models.StatusClaimed
	r.ClaimedBy = &helper
	r.UpdatedAt = m.tick(r.UpdatedAt)
	return copyRequest(r), true, nil
}

func (m *MemoryStore) CloseRequest(ctx context.Context, id string) (models.Request, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return models.Request{}, false, ErrNotFound
	}
	if r.Status == models.StatusClosed {
		return copyRequest(r), false, nil
	}
	r.Status = models.StatusClosed
	r.UpdatedAt = m.tick(r.UpdatedAt)
	return copyRequest(r), true, nil
}

func (m *MemoryStore) UpdateTriage(ctx context.Context, id string, a models.Assessment, threshold float64) (models.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok || r.Status == models.StatusClosed {
		return models.Request{}, ErrNotFound
	}
	r.Summary = a.Summary
	r.Risk = a.Risk
	r.Tags = append([]string{}, a.Tags...)
	if r.Status == models.StatusOpen && a.Risk >= threshold {
		r.Status = models.StatusUrgent
	}
	r.UpdatedAt = m.tick(r.UpdatedAt)
	return copyRequest(r), nil
}

func (m *MemoryStore) ListQueue(ctx context.Context, limit int) ([]models.Request, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	m.mu.Lock()
	out := []models.Request{}
	for _, r := range m.requests {
		if r.Status.Queued() {
			out = append(out, copyRequest(r))
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		ui, uj := out[i].Status == models.StatusUrgent, out[j].Status == models.StatusUrgent
		if ui != uj {
			return ui
		}
		if out[i].Risk != out[j].Risk {
			return out[i].Risk > out[j].Risk
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, requestID string, sender models.Sender, content string) (models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok {
		return models.Message{}, ErrNotFound
	}
	if r.Status == models.StatusClosed && sender != models.SenderSystem {
		return models.Message{}, ErrClosed
	}
	r.UpdatedAt = m.tick(r.UpdatedAt)
	m.lastID++
	msg := models.Message{
		ID:        m.lastID,
		RequestID: requestID,
		Sender:    sender,
		Content:   content,
		TS:        r.UpdatedAt,
	}
	m.messages[requestID] = append(m.messages[requestID], msg)
	return msg, nil
}

func (m *MemoryStore) ListMessages(ctx context.Context, requestID string, after int64) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Message{}
	for _, msg := range m.messages[requestID] {
		if msg.ID > after {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *MemoryStore) RecentMessages(ctx context.Context, requestID string, n int) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.messages[requestID]
	if n <= 0 {
		return []models.Message{}, nil
	}
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return append([]models.Message{}, all...), nil
}

func (m *MemoryStore) GetProfile(ctx context.Context, id string) (models.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok {
		return models.Profile{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) UpsertProfile(ctx context.Context, p models.Profile) (models.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.ID] = p
	return p, nil
}
