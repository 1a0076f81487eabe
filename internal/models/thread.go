package models

import (
	"time"

	"github.com/google/uuid"
)

// ConversationThread is keyed by the external timestamp of its root message.
type ConversationThread struct {
	ID               uuid.UUID  `json:"id" mapstructure:"id"`
	ThreadTS         float64    `json:"thread_ts" mapstructure:"thread_ts"`
	ChannelID        string     `json:"channel_id" mapstructure:"channel_id"`
	Summary          *string    `json:"summary,omitempty" mapstructure:"summary"`
	ParticipantCount int        `json:"participant_count" mapstructure:"participant_count"`
	MessageCount     int        `json:"message_count" mapstructure:"message_count"`
	StartedAt        *time.Time `json:"started_at,omitempty" mapstructure:"started_at"`
	LastActivityAt   *time.Time `json:"last_activity_at,omitempty" mapstructure:"last_activity_at"`
	CreatedAt        time.Time  `json:"created_at" mapstructure:"created_at"`
}

func (t *ConversationThread) ToRecord() Record {
	return Record{
		"id":                t.ID.String(),
		"thread_ts":         t.ThreadTS,
		"channel_id":        t.ChannelID,
		"summary":           optionalString(t.Summary),
		"participant_count": t.ParticipantCount,
		"message_count":     t.MessageCount,
		"started_at":        optionalTime(t.StartedAt),
		"last_activity_at":  optionalTime(t.LastActivityAt),
		"created_at":        optionalTime(&t.CreatedAt),
	}
}

func ThreadFromRecord(rec Record) (*ConversationThread, error) {
	var t ConversationThread
	if err := decodeRecord(rec, &t); err != nil {
		return nil, err
	}
	return &t, nil
}
