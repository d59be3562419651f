package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/peopleops/pulse/internal/channel"
	"github.com/peopleops/pulse/internal/delivery"
	"github.com/peopleops/pulse/internal/dispatch"
	"github.com/peopleops/pulse/internal/events"
	"github.com/peopleops/pulse/internal/survey"
	"github.com/peopleops/pulse/pkg/observability"
)

// Event is the provider's webhook envelope.
type Event struct {
	ID    string          `json:"id"`
	Event string          `json:"event"` // "status" or "inbound"
	Data  json.RawMessage `json:"data"`
}

// StatusData reports a message's delivery progress.
type StatusData struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// InboundData relays a free-text reply from a recipient.
type InboundData struct {
	From string `json:"from"`
	Text string `json:"text"`
}

// statusTransitions maps provider status codes onto ledger moves. Codes
// missing from the map (queued, expired, carrier-specific noise) are
// deliberately ignored.
var statusTransitions = map[string]delivery.Status{
	"delivered": delivery.StatusDelivered,
	"read":      delivery.StatusRead,
}

// Processor reconciles webhook callbacks into the delivery ledger and
// derives structured survey responses from inbound replies.
//
// Inconsistent events (unknown message id, reply with no matching record)
// are logged and dropped, never surfaced to the provider: returning an
// error would only make it redeliver an event we can never apply.
type Processor struct {
	ledger    delivery.Ledger
	responses survey.Store
	content   dispatch.ContentSource
	sender    channel.Sender
	events    *events.Publisher
	now       func() time.Time
	log       *slog.Logger
}

func NewProcessor(ledger delivery.Ledger, responses survey.Store, content dispatch.ContentSource, sender channel.Sender, ev *events.Publisher, log *slog.Logger) *Processor {
	return &Processor{
		ledger:    ledger,
		responses: responses,
		content:   content,
		sender:    sender,
		events:    ev,
		now:       time.Now,
		log:       log,
	}
}

// WithClock overrides the processor's clock. Test hook.
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// Process dispatches one webhook event by type. Errors mean the ledger
// itself failed; the provider should redeliver those.
func (p *Processor) Process(ctx context.Context, ev *Event) error {
	switch ev.Event {
	case "status":
		var data StatusData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			p.log.Warn("discarding malformed status event", "error", err)
			observability.WebhookEvents.WithLabelValues("status", "malformed").Inc()
			return nil
		}
		return p.processStatus(ctx, &data)
	case "inbound":
		var data InboundData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			p.log.Warn("discarding malformed inbound event", "error", err)
			observability.WebhookEvents.WithLabelValues("inbound", "malformed").Inc()
			return nil
		}
		return p.processInbound(ctx, &data)
	default:
		p.log.Warn("discarding webhook event of unknown type", "type", ev.Event)
		observability.WebhookEvents.WithLabelValues(ev.Event, "unknown").Inc()
		return nil
	}
}

func (p *Processor) processStatus(ctx context.Context, data *StatusData) error {
	target, ok := statusTransitions[data.Status]
	if !ok {
		observability.WebhookEvents.WithLabelValues("status", "ignored").Inc()
		return nil
	}

	rec, err := p.ledger.FindByProviderMessageID(ctx, data.MessageID)
	if err != nil {
		return fmt.Errorf("failed to look up provider message %s: %w", data.MessageID, err)
	}
	if rec == nil {
		p.log.Warn("status event references unknown message id", "provider_message_id", data.MessageID)
		observability.WebhookEvents.WithLabelValues("status", "orphaned").Inc()
		return nil
	}

	now := p.now()
	switch target {
	case delivery.StatusDelivered:
		if err := delivery.Transition(rec.Status, target); err != nil {
			// Out-of-order or duplicate ack; the forward-only rule wins.
			observability.WebhookEvents.WithLabelValues("status", "stale").Inc()
			return nil
		}
		if err := p.ledger.MarkDelivered(ctx, rec.ID, now); err != nil {
			return fmt.Errorf("failed to mark record %s delivered: %w", rec.ID, err)
		}
		rec.Status = delivery.StatusDelivered
		p.events.DeliveryEvent(ctx, "delivery.delivered", rec)
	case delivery.StatusRead:
		if err := delivery.Transition(rec.Status, target); err != nil {
			observability.WebhookEvents.WithLabelValues("status", "stale").Inc()
			return nil
		}
		if err := p.ledger.MarkRead(ctx, rec.ID, now); err != nil {
			return fmt.Errorf("failed to mark record %s read: %w", rec.ID, err)
		}
		rec.Status = delivery.StatusRead
		p.events.DeliveryEvent(ctx, "delivery.read", rec)
	}

	observability.WebhookEvents.WithLabelValues("status", "applied").Inc()
	return nil
}

func (p *Processor) processInbound(ctx context.Context, data *InboundData) error {
	address, err := dispatch.NormalizeAddress(data.From)
	if err != nil {
		p.log.Warn("discarding inbound reply from unparseable address", "from", data.From)
		observability.WebhookEvents.WithLabelValues("inbound", "discarded").Inc()
		return nil
	}

	rec, err := p.ledger.LatestReplyCandidate(ctx, address)
	if err != nil {
		return fmt.Errorf("failed to look up reply candidate for %s: %w", address, err)
	}
	if rec == nil {
		p.log.Warn("discarding inbound reply with no open delivery record", "address", address)
		observability.WebhookEvents.WithLabelValues("inbound", "discarded").Inc()
		return nil
	}

	text := strings.TrimSpace(data.Text)
	score, err := strconv.Atoi(text)
	if err != nil || score < survey.MinScore || score > survey.MaxScore {
		// Not a score: keep the words, leave the lifecycle alone.
		if err := p.ledger.AppendComment(ctx, rec.ID, text); err != nil {
			return fmt.Errorf("failed to store comment on record %s: %w", rec.ID, err)
		}
		observability.WebhookEvents.WithLabelValues("inbound", "comment").Inc()
		p.log.Info("stored free-text comment", "delivery_id", rec.ID)
		return nil
	}

	surveyID, _, err := p.content.Content(ctx, rec.ScheduleID)
	if err != nil {
		return fmt.Errorf("failed to resolve survey for schedule %s: %w", rec.ScheduleID, err)
	}

	// The structured response is stored before the record turns terminal:
	// if the insert fails, the record is still reply-capable and a
	// redelivered event can complete the whole sequence. The insert itself
	// is idempotent on delivery_id.
	resp := &survey.Response{
		SurveyID:    surveyID,
		ScheduleID:  rec.ScheduleID,
		RecipientID: rec.RecipientID,
		DeliveryID:  rec.ID,
		Score:       score,
	}
	if err := p.responses.Insert(ctx, resp); err != nil {
		return fmt.Errorf("failed to store survey response for record %s: %w", rec.ID, err)
	}

	applied, err := p.ledger.MarkResponded(ctx, rec.ID, score, p.now())
	if err != nil {
		return fmt.Errorf("failed to mark record %s responded: %w", rec.ID, err)
	}
	if !applied {
		// A concurrent event resolved the record between lookup and update;
		// the delivery_id conflict rule already reconciled the response row.
		observability.WebhookEvents.WithLabelValues("inbound", "stale").Inc()
		return nil
	}

	rec.Status = delivery.StatusResponded
	rec.ResponseScore = &score
	p.events.DeliveryEvent(ctx, "delivery.responded", rec)
	p.events.SurveyResponse(ctx, resp)
	observability.WebhookEvents.WithLabelValues("inbound", "responded").Inc()
	p.log.Info("survey response recorded",
		"delivery_id", rec.ID, "survey_id", surveyID, "score", score)

	p.sendThankYou(ctx, address, score)
	return nil
}

// sendThankYou fires the banded acknowledgement. Best-effort: a failed
// thank-you never affects the recorded response.
func (p *Processor) sendThankYou(ctx context.Context, address string, score int) {
	if p.sender == nil {
		return
	}
	if _, err := p.sender.Send(ctx, address, survey.ThankYouMessage(score)); err != nil {
		p.log.Warn("failed to send thank-you reply", "address", address, "error", err)
	}
}
