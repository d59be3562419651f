package survey

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// MinScore and MaxScore bound a valid survey reply.
const (
	MinScore = 0
	MaxScore = 10
)

// Response is a structured survey answer derived from an inbound reply.
type Response struct {
	ID          string    `json:"id"`
	SurveyID    string    `json:"survey_id"`
	ScheduleID  string    `json:"schedule_id"`
	RecipientID string    `json:"recipient_id"`
	DeliveryID  string    `json:"delivery_id"`
	Score       int       `json:"score"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists structured survey responses.
type Store interface {
	Insert(ctx context.Context, resp *Response) error
}

// Repository is the PostgreSQL-backed response store.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Insert stores one structured response per delivery record. A conflict on
// delivery_id means a redelivered or concurrent event already stored it;
// that is a no-op, not an error.
func (r *Repository) Insert(ctx context.Context, resp *Response) error {
	if resp.ID == "" {
		resp.ID = uuid.New().String()
	}
	resp.CreatedAt = time.Now()

	query := `
		INSERT INTO survey_responses (id, survey_id, schedule_id, recipient_id, delivery_id, score, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (delivery_id) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query,
		resp.ID, resp.SurveyID, resp.ScheduleID, resp.RecipientID,
		resp.DeliveryID, resp.Score, resp.CreatedAt,
	)
	return err
}

var _ Store = (*Repository)(nil)

// ThankYouMessage picks the acknowledgement sent back after a scored
// reply. Three variants, banded by score.
func ThankYouMessage(score int) string {
	switch {
	case score >= 9:
		return "Thank you! We're really glad things are going well. Your feedback helps us keep it that way."
	case score >= 7:
		return "Thanks for your feedback! We appreciate you taking the time to respond."
	default:
		return "Thank you for being honest with us. Someone from the people team will follow up soon."
	}
}
