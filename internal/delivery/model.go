package delivery

import (
	"time"
)

// DefaultMaxRetries bounds transient dispatch failures per record.
const DefaultMaxRetries = 3

// Record tracks one message to one recipient for one schedule execution.
// Records are never deleted; terminal outcomes stay in the table as the
// audit trail.
type Record struct {
	ID            string `json:"id"`
	ScheduleID    string `json:"schedule_id"`
	RecipientID   string `json:"recipient_id"`
	Address       string `json:"address"`
	ResponseToken string `json:"response_token"`

	// ProviderMessageID correlates provider status webhooks back to this
	// record. Set once the provider accepts the message.
	ProviderMessageID string `json:"provider_message_id,omitempty"`

	Status Status `json:"status"`

	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	SentAt      *time.Time `json:"sent_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`

	ResponseScore   *int   `json:"response_score,omitempty"`
	ResponseComment string `json:"response_comment,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
