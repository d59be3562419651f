package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store is the schedule persistence surface the trigger loop depends on.
type Store interface {
	Due(ctx context.Context, now time.Time, limit int) ([]*Schedule, error)
	MarkCompleted(ctx context.Context, id string, ranAt time.Time) error
	AdvanceNextRun(ctx context.Context, id string, ranAt, next time.Time) error
}

// Repository is the PostgreSQL-backed schedule store.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const scheduleColumns = `id, kind, schedule_type, recurrence_unit, recurrence_interval,
	target, survey_id, question, status, last_run_at, next_run_at, created_at`

// Due selects active schedules whose next run is unset or in the past,
// oldest first, bounded by limit.
func (r *Repository) Due(ctx context.Context, now time.Time, limit int) ([]*Schedule, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM schedules
		WHERE status = 'active' AND (next_run_at IS NULL OR next_run_at <= $1)
		ORDER BY next_run_at NULLS FIRST
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

// MarkCompleted finishes a one-shot schedule. Guarded on status so a
// concurrent poller cannot complete a cancelled schedule.
func (r *Repository) MarkCompleted(ctx context.Context, id string, ranAt time.Time) error {
	query := `
		UPDATE schedules
		SET status = 'completed', last_run_at = $2, next_run_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'active'
	`
	_, err := r.db.ExecContext(ctx, query, id, ranAt)
	return err
}

// AdvanceNextRun records a run of a recurring schedule and its next trigger.
func (r *Repository) AdvanceNextRun(ctx context.Context, id string, ranAt, next time.Time) error {
	query := `
		UPDATE schedules
		SET last_run_at = $2, next_run_at = $3, updated_at = now()
		WHERE id = $1 AND status = 'active'
	`
	_, err := r.db.ExecContext(ctx, query, id, ranAt, next)
	return err
}

// Content returns the survey reference and question text for a schedule.
// The dispatcher renders outbound messages from this.
func (r *Repository) Content(ctx context.Context, id string) (string, string, error) {
	var surveyID, question string
	err := r.db.QueryRowContext(ctx,
		`SELECT survey_id, question FROM schedules WHERE id = $1`, id).
		Scan(&surveyID, &question)
	if err == sql.ErrNoRows {
		return "", "", fmt.Errorf("schedule %s not found", id)
	}
	if err != nil {
		return "", "", err
	}
	return surveyID, question, nil
}

// Create inserts a new schedule. Used by the admin CLI.
func (r *Repository) Create(ctx context.Context, s *Schedule) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.Status == "" {
		s.Status = StatusActive
	}
	s.CreatedAt = time.Now()

	target, err := json.Marshal(s.Target)
	if err != nil {
		return fmt.Errorf("failed to marshal target selector: %w", err)
	}

	var unit *string
	var interval *int
	if s.Recurrence != nil {
		u := string(s.Recurrence.Unit)
		unit = &u
		interval = &s.Recurrence.Interval
	}

	query := `
		INSERT INTO schedules (id, kind, schedule_type, recurrence_unit, recurrence_interval,
			target, survey_id, question, status, next_run_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = r.db.ExecContext(ctx, query,
		s.ID, s.Kind, s.Type, unit, interval, target, s.SurveyID, s.Question,
		s.Status, s.NextRunAt, s.CreatedAt,
	)
	return err
}

// List returns schedules newest first.
func (r *Repository) List(ctx context.Context, limit int) ([]*Schedule, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM schedules
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

// Cancel removes a schedule from future due-selection.
func (r *Repository) Cancel(ctx context.Context, id string) error {
	query := `
		UPDATE schedules
		SET status = 'cancelled', next_run_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'active'
	`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("schedule %s is not active", id)
	}
	return nil
}

func scanSchedule(rows *sql.Rows) (*Schedule, error) {
	var (
		s        Schedule
		unit     sql.NullString
		interval sql.NullInt64
		target   []byte
	)
	err := rows.Scan(&s.ID, &s.Kind, &s.Type, &unit, &interval, &target,
		&s.SurveyID, &s.Question, &s.Status, &s.LastRunAt, &s.NextRunAt, &s.CreatedAt)
	if err != nil {
		return nil, err
	}

	if unit.Valid && interval.Valid {
		rec, err := NewRecurrence(Unit(unit.String), int(interval.Int64))
		if err != nil {
			return nil, fmt.Errorf("schedule %s has invalid recurrence: %w", s.ID, err)
		}
		s.Recurrence = &rec
	}
	if len(target) > 0 {
		if err := json.Unmarshal(target, &s.Target); err != nil {
			return nil, fmt.Errorf("schedule %s has invalid target selector: %w", s.ID, err)
		}
	}
	return &s, nil
}
