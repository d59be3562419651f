// Package events fans delivery lifecycle changes out to the rest of the
// HR suite: a RabbitMQ queue for service-to-service notifications and a
// Kafka topic feeding the dashboard's analytics jobs.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/peopleops/pulse/internal/delivery"
	"github.com/peopleops/pulse/internal/survey"
)

// DeliveryEventsQueue is the RabbitMQ queue lifecycle events go to.
const DeliveryEventsQueue = "pulse.delivery.events"

// QueuePublisher is the broker surface for lifecycle events.
type QueuePublisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

// StreamPublisher is the analytics stream surface for survey responses.
type StreamPublisher interface {
	Publish(ctx context.Context, key string, value []byte) error
}

// DeliveryEvent is the envelope published on every lifecycle change.
type DeliveryEvent struct {
	ID          string    `json:"id"`
	Event       string    `json:"event"`
	DeliveryID  string    `json:"delivery_id"`
	ScheduleID  string    `json:"schedule_id"`
	RecipientID string    `json:"recipient_id"`
	Status      string    `json:"status"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Publisher publishes pipeline events. Both sinks are optional and
// best-effort: the pipeline's source of truth is the ledger, so a broker
// outage costs downstream freshness, never correctness.
type Publisher struct {
	queue  QueuePublisher
	stream StreamPublisher
	log    *slog.Logger
}

func NewPublisher(queue QueuePublisher, stream StreamPublisher, log *slog.Logger) *Publisher {
	return &Publisher{queue: queue, stream: stream, log: log}
}

// DeliveryEvent publishes one lifecycle change to the queue.
func (p *Publisher) DeliveryEvent(ctx context.Context, event string, rec *delivery.Record) {
	if p == nil || p.queue == nil {
		return
	}

	body, err := json.Marshal(DeliveryEvent{
		ID:          uuid.New().String(),
		Event:       event,
		DeliveryID:  rec.ID,
		ScheduleID:  rec.ScheduleID,
		RecipientID: rec.RecipientID,
		Status:      string(rec.Status),
		OccurredAt:  time.Now(),
	})
	if err != nil {
		p.log.Error("failed to marshal delivery event", "event", event, "error", err)
		return
	}

	if err := p.queue.Publish(ctx, DeliveryEventsQueue, body); err != nil {
		p.log.Error("failed to publish delivery event",
			"event", event, "delivery_id", rec.ID, "error", err)
	}
}

// SurveyResponse streams a structured response to the analytics topic,
// keyed by survey id so one survey's responses stay in one partition.
func (p *Publisher) SurveyResponse(ctx context.Context, resp *survey.Response) {
	if p == nil || p.stream == nil {
		return
	}

	body, err := json.Marshal(resp)
	if err != nil {
		p.log.Error("failed to marshal survey response event", "error", err)
		return
	}

	if err := p.stream.Publish(ctx, resp.SurveyID, body); err != nil {
		p.log.Error("failed to publish survey response event",
			"response_id", resp.ID, "error", err)
	}
}
