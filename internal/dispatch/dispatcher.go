package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/peopleops/pulse/internal/channel"
	"github.com/peopleops/pulse/internal/delivery"
	"github.com/peopleops/pulse/pkg/observability"
)

// RetryBackoffStep is the linear backoff unit: the Nth failure re-queues
// the record N steps into the future.
const RetryBackoffStep = 5 * time.Minute

// ContentSource resolves a schedule id to the survey content to send.
type ContentSource interface {
	Content(ctx context.Context, scheduleID string) (surveyID, question string, err error)
}

// EventSink receives delivery lifecycle notifications. Publishing is
// best-effort; a sink must never fail the dispatch.
type EventSink interface {
	DeliveryEvent(ctx context.Context, event string, rec *delivery.Record)
}

// Dispatcher performs the outbound channel call for one delivery record
// and owns the retry arithmetic around it.
type Dispatcher struct {
	ledger  delivery.Ledger
	sender  channel.Sender
	content ContentSource
	events  EventSink

	replyBaseURL string
	now          func() time.Time
	log          *slog.Logger
}

func NewDispatcher(ledger delivery.Ledger, sender channel.Sender, content ContentSource, events EventSink, replyBaseURL string, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		ledger:       ledger,
		sender:       sender,
		content:      content,
		events:       events,
		replyBaseURL: replyBaseURL,
		now:          time.Now,
		log:          log,
	}
}

// WithClock overrides the dispatcher's clock. Test hook.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Dispatch claims and sends one pending record. Whatever the outcome, the
// record ends up in a well-defined state: sent, pending with a retry
// hold-off, or failed. Returning an error only means the ledger itself
// misbehaved; send failures are absorbed into the record.
func (d *Dispatcher) Dispatch(ctx context.Context, rec *delivery.Record) error {
	tracer := otel.Tracer("pulse/dispatch")
	ctx, span := tracer.Start(ctx, "dispatch.send")
	defer span.End()
	span.SetAttributes(attribute.String("delivery.id", rec.ID))

	claimed, err := d.ledger.Claim(ctx, rec.ID)
	if err != nil {
		return fmt.Errorf("failed to claim record %s: %w", rec.ID, err)
	}
	if !claimed {
		// Another dispatcher instance got here first.
		return nil
	}

	canonical, err := NormalizeAddress(rec.Address)
	if err != nil {
		d.log.Warn("rejecting record with unusable address",
			"delivery_id", rec.ID, "error", err)
		observability.DispatchesTotal.WithLabelValues("rejected").Inc()
		if err := d.ledger.MarkFailed(ctx, rec.ID, rec.RetryCount, err.Error()); err != nil {
			return fmt.Errorf("failed to mark record %s failed: %w", rec.ID, err)
		}
		d.publish(ctx, "delivery.failed", rec)
		return nil
	}

	surveyID, question, err := d.content.Content(ctx, rec.ScheduleID)
	if err != nil {
		// Content lookup failing is a ledger/store problem, not a channel
		// one; put the record back so a later poll can retry it.
		retryAt := d.now().Add(RetryBackoffStep)
		if lerr := d.ledger.ScheduleRetry(ctx, rec.ID, rec.RetryCount, retryAt, err.Error()); lerr != nil {
			return fmt.Errorf("failed to re-queue record %s: %w", rec.ID, lerr)
		}
		return fmt.Errorf("failed to load content for schedule %s: %w", rec.ScheduleID, err)
	}

	text := d.renderText(question, rec.ResponseToken)

	start := d.now()
	providerID, sendErr := d.sender.Send(ctx, canonical, text)
	observability.DispatchLatency.Observe(time.Since(start).Seconds())

	if sendErr == nil {
		now := d.now()
		if err := d.ledger.MarkSent(ctx, rec.ID, canonical, providerID, now); err != nil {
			return fmt.Errorf("failed to mark record %s sent: %w", rec.ID, err)
		}
		observability.DispatchesTotal.WithLabelValues("sent").Inc()
		d.log.Info("message sent",
			"delivery_id", rec.ID, "schedule_id", rec.ScheduleID,
			"survey_id", surveyID, "provider_message_id", providerID)
		rec.Status = delivery.StatusSent
		rec.ProviderMessageID = providerID
		d.publish(ctx, "delivery.sent", rec)
		return nil
	}

	if channel.Transient(sendErr) {
		return d.handleTransientFailure(ctx, rec, sendErr)
	}

	observability.DispatchesTotal.WithLabelValues("rejected").Inc()
	d.log.Warn("message permanently rejected",
		"delivery_id", rec.ID, "schedule_id", rec.ScheduleID, "error", sendErr)
	if err := d.ledger.MarkFailed(ctx, rec.ID, rec.RetryCount, sendErr.Error()); err != nil {
		return fmt.Errorf("failed to mark record %s failed: %w", rec.ID, err)
	}
	d.publish(ctx, "delivery.failed", rec)
	return nil
}

// handleTransientFailure applies the linear backoff policy: the Nth
// failure schedules a retry N backoff steps out, and the record fails
// terminally once the failure count reaches its retry budget.
func (d *Dispatcher) handleTransientFailure(ctx context.Context, rec *delivery.Record, sendErr error) error {
	attempt := rec.RetryCount + 1

	if attempt >= rec.MaxRetries {
		observability.DispatchesTotal.WithLabelValues("failed").Inc()
		d.log.Error("message failed, retries exhausted",
			"delivery_id", rec.ID, "schedule_id", rec.ScheduleID,
			"attempts", attempt, "error", sendErr)
		if err := d.ledger.MarkFailed(ctx, rec.ID, attempt, sendErr.Error()); err != nil {
			return fmt.Errorf("failed to mark record %s failed: %w", rec.ID, err)
		}
		d.publish(ctx, "delivery.failed", rec)
		return nil
	}

	retryAt := d.now().Add(time.Duration(attempt) * RetryBackoffStep)
	observability.DispatchesTotal.WithLabelValues("retried").Inc()
	d.log.Warn("message send failed, retry scheduled",
		"delivery_id", rec.ID, "schedule_id", rec.ScheduleID,
		"attempt", attempt, "next_retry_at", retryAt, "error", sendErr)
	if err := d.ledger.ScheduleRetry(ctx, rec.ID, attempt, retryAt, sendErr.Error()); err != nil {
		return fmt.Errorf("failed to re-queue record %s: %w", rec.ID, err)
	}
	return nil
}

func (d *Dispatcher) renderText(question, token string) string {
	if d.replyBaseURL == "" {
		return fmt.Sprintf("%s\n\nReply with a number from 0 to 10.", question)
	}
	return fmt.Sprintf("%s\n\nReply with a number from 0 to 10, or answer at %s/r/%s",
		question, d.replyBaseURL, token)
}

func (d *Dispatcher) publish(ctx context.Context, event string, rec *delivery.Record) {
	if d.events != nil {
		d.events.DeliveryEvent(ctx, event, rec)
	}
}
