package models

import (
	"time"
)

// Dispatch record lifecycle states persisted in Postgres.
const (
	StatusScheduled = "scheduled"
	StatusExecuting = "executing"
	StatusSent      = "sent"
	StatusRetrying  = "retrying"
	StatusFailed    = "failed"
)

// Schedule run actions.
const (
	ActionScheduleCreated  = "schedule_created"
	ActionDispatchExecuted = "dispatch_executed"
)

// transitions lists the allowed status moves. Terminal states have no entry.
var transitions = map[string][]string{
	StatusScheduled: {StatusExecuting},
	StatusRetrying:  {StatusExecuting},
	StatusExecuting: {StatusSent, StatusRetrying, StatusFailed},
}

// CanTransition reports whether a record may move from one status to another.
func CanTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible from status.
func IsTerminal(status string) bool {
	return status == StatusSent || status == StatusFailed
}

// IsDue reports whether status is one the dispatcher picks up.
func IsDue(status string) bool {
	return status == StatusScheduled || status == StatusRetrying
}

// DispatchRecord is one planned or executed outbound message.
type DispatchRecord struct {
	ID            string         `json:"id"`
	RecipientID   string         `json:"recipient_id"`
	CampaignID    string         `json:"campaign_id"`
	OwnerID       string         `json:"owner_id"`
	ScheduledTime time.Time      `json:"scheduled_time"`
	ScheduleDay   time.Time      `json:"schedule_day"`
	Destination   string         `json:"destination"`
	Payload       string         `json:"payload"`
	Status        string         `json:"status"`
	RetryCount    int            `json:"retry_count"`
	MaxRetries    int            `json:"max_retries"`
	ExecutedAt    *time.Time     `json:"executed_at,omitempty"`
	ErrorMessage  *string        `json:"error_message,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// ScheduleRun is an append-only audit row for one generator or dispatcher execution.
type ScheduleRun struct {
	ID        string         `json:"id"`
	OwnerID   string         `json:"owner_id,omitempty"`
	Action    string         `json:"action"`
	Total     int            `json:"total"`
	Sent      int            `json:"sent"`
	Failed    int            `json:"failed"`
	Scheduled int            `json:"scheduled"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Interaction records a successful contact with a recipient.
type Interaction struct {
	RecipientID      string    `json:"recipient_id"`
	DispatchRecordID string    `json:"dispatch_record_id"`
	OwnerID          string    `json:"owner_id"`
	Channel          string    `json:"channel"`
	Content          string    `json:"content"`
	CreatedAt        time.Time `json:"created_at"`
}
