package delivery

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLedger is an in-memory Ledger with the same conditional-update
// semantics as the PostgreSQL repository. It backs unit tests and local
// development without a database.
type MemoryLedger struct {
	mu      sync.Mutex
	records map[string]*Record
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: make(map[string]*Record)}
}

func (m *MemoryLedger) Insert(ctx context.Context, rec *Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.records {
		if r.ScheduleID == rec.ScheduleID && r.RecipientID == rec.RecipientID {
			return false, nil
		}
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.MaxRetries == 0 {
		rec.MaxRetries = DefaultMaxRetries
	}
	rec.Status = StatusPending
	rec.CreatedAt = time.Now()
	rec.UpdatedAt = rec.CreatedAt

	clone := *rec
	m.records[rec.ID] = &clone
	return true, nil
}

func (m *MemoryLedger) ExistingRecipientIDs(ctx context.Context, scheduleID string) (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make(map[string]struct{})
	for _, r := range m.records {
		if r.ScheduleID == scheduleID {
			ids[r.RecipientID] = struct{}{}
		}
	}
	return ids, nil
}

func (m *MemoryLedger) Due(ctx context.Context, now time.Time, limit int) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*Record
	for _, r := range m.records {
		if r.Status != StatusPending {
			continue
		}
		if r.NextRetryAt != nil && r.NextRetryAt.After(now) {
			continue
		}
		clone := *r
		due = append(due, &clone)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *MemoryLedger) Claim(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok || r.Status != StatusPending {
		return false, nil
	}
	r.Status = StatusProcessing
	r.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryLedger) MarkSent(ctx context.Context, id, address, providerMessageID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.records[id]; ok && r.Status == StatusProcessing {
		r.Status = StatusSent
		r.Address = address
		r.ProviderMessageID = providerMessageID
		r.SentAt = &at
		r.ErrorMessage = ""
		r.UpdatedAt = time.Now()
	}
	return nil
}

func (m *MemoryLedger) ScheduleRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.records[id]; ok && r.Status == StatusProcessing {
		r.Status = StatusPending
		r.RetryCount = retryCount
		r.NextRetryAt = &nextRetryAt
		r.ErrorMessage = errMsg
		r.UpdatedAt = time.Now()
	}
	return nil
}

func (m *MemoryLedger) MarkFailed(ctx context.Context, id string, retryCount int, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.records[id]; ok && r.Status == StatusProcessing {
		r.Status = StatusFailed
		r.RetryCount = retryCount
		r.NextRetryAt = nil
		r.ErrorMessage = errMsg
		r.UpdatedAt = time.Now()
	}
	return nil
}

func (m *MemoryLedger) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.records[id]; ok && r.Status == StatusSent {
		r.Status = StatusDelivered
		r.DeliveredAt = &at
		r.UpdatedAt = time.Now()
	}
	return nil
}

func (m *MemoryLedger) MarkRead(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.records[id]; ok && (r.Status == StatusSent || r.Status == StatusDelivered) {
		r.Status = StatusRead
		r.ReadAt = &at
		r.UpdatedAt = time.Now()
	}
	return nil
}

func (m *MemoryLedger) MarkResponded(ctx context.Context, id string, score int, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok || !r.Status.CanReceiveReply() {
		return false, nil
	}
	r.Status = StatusResponded
	r.ResponseScore = &score
	r.RespondedAt = &at
	r.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryLedger) AppendComment(ctx context.Context, id, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.records[id]; ok {
		if r.ResponseComment == "" {
			r.ResponseComment = text
		} else {
			r.ResponseComment += "\n" + text
		}
		r.UpdatedAt = time.Now()
	}
	return nil
}

func (m *MemoryLedger) FindByProviderMessageID(ctx context.Context, providerMessageID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.records {
		if r.ProviderMessageID == providerMessageID {
			clone := *r
			return &clone, nil
		}
	}
	return nil, nil
}

func (m *MemoryLedger) LatestReplyCandidate(ctx context.Context, address string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *Record
	for _, r := range m.records {
		if r.Address != address || !r.Status.CanReceiveReply() {
			continue
		}
		if latest == nil || r.CreatedAt.After(latest.CreatedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, nil
	}
	clone := *latest
	return &clone, nil
}

// Get returns a copy of a record by id, or nil. Test helper.
func (m *MemoryLedger) Get(id string) *Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.records[id]; ok {
		clone := *r
		return &clone
	}
	return nil
}

// All returns copies of every record. Test helper.
func (m *MemoryLedger) All() []*Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Record, 0, len(m.records))
	for _, r := range m.records {
		clone := *r
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

var _ Ledger = (*MemoryLedger)(nil)
