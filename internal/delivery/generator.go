package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/peopleops/pulse/internal/recipient"
	"github.com/peopleops/pulse/internal/schedule"
	"github.com/peopleops/pulse/pkg/observability"
)

// ErrMissingContent means a schedule has no survey attached. Generation
// fails closed: no records are created for a misconfigured schedule.
var ErrMissingContent = errors.New("schedule has no content reference")

// Generator turns a due schedule plus its resolved recipients into pending
// delivery records, exactly one per (schedule, recipient) pair.
type Generator struct {
	ledger Ledger
	log    *slog.Logger
}

func NewGenerator(ledger Ledger, log *slog.Logger) *Generator {
	return &Generator{ledger: ledger, log: log}
}

// Generate creates the missing records for a schedule execution and
// returns how many were inserted. Re-running it for the same schedule and
// recipient set is a no-op: recipients already represented in the ledger
// are skipped, and the unique (schedule, recipient) constraint catches
// the race between two concurrent pollers. A failure on one recipient
// does not stop the rest.
func (g *Generator) Generate(ctx context.Context, sched *schedule.Schedule, recipients []*recipient.Employee) (int, error) {
	if sched.SurveyID == "" {
		return 0, fmt.Errorf("schedule %s: %w", sched.ID, ErrMissingContent)
	}

	existing, err := g.ledger.ExistingRecipientIDs(ctx, sched.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to load existing records for schedule %s: %w", sched.ID, err)
	}

	created := 0
	for _, emp := range recipients {
		if emp.Phone == "" {
			continue
		}
		if _, ok := existing[emp.ID]; ok {
			continue
		}

		token, err := NewResponseToken()
		if err != nil {
			return created, err
		}

		rec := &Record{
			ScheduleID:    sched.ID,
			RecipientID:   emp.ID,
			Address:       emp.Phone,
			ResponseToken: token,
			MaxRetries:    DefaultMaxRetries,
		}
		inserted, err := g.ledger.Insert(ctx, rec)
		if err != nil {
			g.log.Error("failed to insert delivery record",
				"schedule_id", sched.ID, "recipient_id", emp.ID, "error", err)
			continue
		}
		if inserted {
			created++
			observability.DeliveriesGenerated.Inc()
		}
	}

	return created, nil
}
