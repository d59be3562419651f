package delivery

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Ledger is the delivery-record persistence surface. Every status-changing
// method is a conditional update guarded on the current status, so
// concurrent pollers and webhook handlers can race on the same record and
// at most one wins; the losers affect zero rows.
type Ledger interface {
	Insert(ctx context.Context, rec *Record) (bool, error)
	ExistingRecipientIDs(ctx context.Context, scheduleID string) (map[string]struct{}, error)
	Due(ctx context.Context, now time.Time, limit int) ([]*Record, error)
	Claim(ctx context.Context, id string) (bool, error)
	MarkSent(ctx context.Context, id, address, providerMessageID string, at time.Time) error
	ScheduleRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, errMsg string) error
	MarkFailed(ctx context.Context, id string, retryCount int, errMsg string) error
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	MarkRead(ctx context.Context, id string, at time.Time) error
	MarkResponded(ctx context.Context, id string, score int, at time.Time) (bool, error)
	AppendComment(ctx context.Context, id, text string) error
	FindByProviderMessageID(ctx context.Context, providerMessageID string) (*Record, error)
	LatestReplyCandidate(ctx context.Context, address string) (*Record, error)
}

// Repository is the PostgreSQL-backed delivery ledger.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const recordColumns = `id, schedule_id, recipient_id, address, response_token,
	provider_message_id, status, retry_count, max_retries, next_retry_at,
	sent_at, delivered_at, read_at, responded_at, response_score,
	response_comment, error_message, created_at, updated_at`

// Insert creates a pending record. Returns false when a record for the
// same (schedule, recipient) pair already exists; together with the
// generator's dedup query this makes schedule execution idempotent even
// when two pollers race.
func (r *Repository) Insert(ctx context.Context, rec *Record) (bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.MaxRetries == 0 {
		rec.MaxRetries = DefaultMaxRetries
	}
	rec.Status = StatusPending
	rec.CreatedAt = time.Now()
	rec.UpdatedAt = rec.CreatedAt

	query := `
		INSERT INTO delivery_records (id, schedule_id, recipient_id, address,
			response_token, status, retry_count, max_retries, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $8)
		ON CONFLICT (schedule_id, recipient_id) DO NOTHING
	`
	res, err := r.db.ExecContext(ctx, query,
		rec.ID, rec.ScheduleID, rec.RecipientID, rec.Address,
		rec.ResponseToken, rec.Status, rec.MaxRetries, rec.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ExistingRecipientIDs returns the recipients that already have a record
// for the schedule, whatever its status.
func (r *Repository) ExistingRecipientIDs(ctx context.Context, scheduleID string) (map[string]struct{}, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT recipient_id FROM delivery_records WHERE schedule_id = $1`, scheduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// Due selects pending records whose retry hold-off has elapsed.
func (r *Repository) Due(ctx context.Context, now time.Time, limit int) ([]*Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM delivery_records
		WHERE status = 'pending' AND (next_retry_at IS NULL OR next_retry_at <= $1)
		ORDER BY created_at
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Claim moves a record pending -> processing. The status guard makes this
// the mutual-exclusion point: only one dispatcher instance can claim a
// given record.
func (r *Repository) Claim(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE delivery_records
		SET status = 'processing', updated_at = now()
		WHERE id = $1 AND status = 'pending'
	`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkSent records a successful provider call. The address is rewritten to
// its canonical form so inbound replies can be matched against it.
func (r *Repository) MarkSent(ctx context.Context, id, address, providerMessageID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE delivery_records
		SET status = 'sent', address = $2, provider_message_id = $3, sent_at = $4,
			error_message = '', updated_at = now()
		WHERE id = $1 AND status = 'processing'
	`, id, address, providerMessageID, at)
	return err
}

// ScheduleRetry re-queues a record after a transient failure.
func (r *Repository) ScheduleRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, errMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE delivery_records
		SET status = 'pending', retry_count = $2, next_retry_at = $3,
			error_message = $4, updated_at = now()
		WHERE id = $1 AND status = 'processing'
	`, id, retryCount, nextRetryAt, errMsg)
	return err
}

// MarkFailed terminally fails a record.
func (r *Repository) MarkFailed(ctx context.Context, id string, retryCount int, errMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE delivery_records
		SET status = 'failed', retry_count = $2, next_retry_at = NULL,
			error_message = $3, updated_at = now()
		WHERE id = $1 AND status = 'processing'
	`, id, retryCount, errMsg)
	return err
}

// MarkDelivered applies a provider delivery ack. A no-op when the record
// has already moved past sent.
func (r *Repository) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE delivery_records
		SET status = 'delivered', delivered_at = $2, updated_at = now()
		WHERE id = $1 AND status = 'sent'
	`, id, at)
	return err
}

// MarkRead applies a provider read ack. A read receipt can overtake the
// delivery ack, so sent is an accepted starting point too.
func (r *Repository) MarkRead(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE delivery_records
		SET status = 'read', read_at = $2, updated_at = now()
		WHERE id = $1 AND status IN ('sent', 'delivered')
	`, id, at)
	return err
}

// MarkResponded finalizes a record with a parsed survey score. Returns
// false when the record was not in a reply-capable status, which means a
// concurrent event already resolved it.
func (r *Repository) MarkResponded(ctx context.Context, id string, score int, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE delivery_records
		SET status = 'responded', response_score = $2, responded_at = $3, updated_at = now()
		WHERE id = $1 AND status IN ('sent', 'delivered', 'read')
	`, id, score, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AppendComment stores free text that did not parse as a score. The status
// is deliberately untouched.
func (r *Repository) AppendComment(ctx context.Context, id, text string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE delivery_records
		SET response_comment = CASE WHEN response_comment = '' THEN $2
			ELSE response_comment || E'\n' || $2 END,
			updated_at = now()
		WHERE id = $1
	`, id, text)
	return err
}

// FindByProviderMessageID looks a record up by the provider's message id.
// Returns nil when no record matches.
func (r *Repository) FindByProviderMessageID(ctx context.Context, providerMessageID string) (*Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM delivery_records
		WHERE provider_message_id = $1
	`
	return r.queryOne(ctx, query, providerMessageID)
}

// LatestReplyCandidate returns the most recent record for the address that
// can still receive a reply. This address-based match is a heuristic: when
// several surveys are in flight for the same phone the reply attaches to
// the newest one.
func (r *Repository) LatestReplyCandidate(ctx context.Context, address string) (*Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM delivery_records
		WHERE address = $1 AND status IN ('sent', 'delivered', 'read')
		ORDER BY created_at DESC
		LIMIT 1
	`
	return r.queryOne(ctx, query, address)
}

func (r *Repository) queryOne(ctx context.Context, query string, args ...any) (*Record, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanRecord(rows)
}

func scanRecord(rows *sql.Rows) (*Record, error) {
	var (
		rec        Record
		providerID sql.NullString
		score      sql.NullInt64
	)
	err := rows.Scan(&rec.ID, &rec.ScheduleID, &rec.RecipientID, &rec.Address,
		&rec.ResponseToken, &providerID, &rec.Status, &rec.RetryCount,
		&rec.MaxRetries, &rec.NextRetryAt, &rec.SentAt, &rec.DeliveredAt,
		&rec.ReadAt, &rec.RespondedAt, &score, &rec.ResponseComment,
		&rec.ErrorMessage, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if providerID.Valid {
		rec.ProviderMessageID = providerID.String
	}
	if score.Valid {
		v := int(score.Int64)
		rec.ResponseScore = &v
	}
	return &rec, nil
}

var _ Ledger = (*Repository)(nil)
