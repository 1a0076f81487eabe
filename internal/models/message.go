package models

import (
	"time"

	"github.com/google/uuid"
)

// DefaultMessageType is stored when a message is created without a type.
const DefaultMessageType = "message"

// Message is a chat message with an optional vector embedding.
// MessageID is the caller-supplied idempotency key; ID is generated on insert.
type Message struct {
	ID          uuid.UUID `json:"id" mapstructure:"id"`
	MessageID   string    `json:"message_id" mapstructure:"message_id"`
	ChannelID   string    `json:"channel_id" mapstructure:"channel_id"`
	ChannelName *string   `json:"channel_name,omitempty" mapstructure:"channel_name"`
	UserID      string    `json:"user_id" mapstructure:"user_id"`
	UserName    *string   `json:"user_name,omitempty" mapstructure:"user_name"`
	Text        string    `json:"message_text" mapstructure:"message_text"`
	Type        string    `json:"message_type" mapstructure:"message_type"`
	Embedding   Embedding `json:"-" mapstructure:"-"`
	// Timestamp is the external ordering key (e.g. a chat platform ts), not a calendar time.
	Timestamp float64   `json:"message_ts" mapstructure:"message_ts"`
	CreatedAt time.Time `json:"created_at" mapstructure:"created_at"`
	UpdatedAt time.Time `json:"updated_at" mapstructure:"updated_at"`
	Metadata  JSONMap   `json:"metadata" mapstructure:"metadata"`
	IsDeleted bool      `json:"is_deleted" mapstructure:"is_deleted"`
}

// HasEmbedding reports whether an embedding vector is attached.
func (m *Message) HasEmbedding() bool {
	return m.Embedding != nil
}

// ToRecord returns the plain key-value form of the message. The embedding
// is replaced by a has_embedding flag.
func (m *Message) ToRecord() Record {
	metadata := map[string]any{}
	for k, v := range m.Metadata {
		metadata[k] = v
	}
	return Record{
		"id":            m.ID.String(),
		"message_id":    m.MessageID,
		"channel_id":    m.ChannelID,
		"channel_name":  optionalString(m.ChannelName),
		"user_id":       m.UserID,
		"user_name":     optionalString(m.UserName),
		"message_text":  m.Text,
		"message_type":  m.Type,
		"message_ts":    m.Timestamp,
		"created_at":    optionalTime(&m.CreatedAt),
		"updated_at":    optionalTime(&m.UpdatedAt),
		"metadata":      metadata,
		"is_deleted":    m.IsDeleted,
		"has_embedding": m.HasEmbedding(),
	}
}

// MessageFromRecord is the inverse of ToRecord, minus the embedding.
func MessageFromRecord(rec Record) (*Message, error) {
	var m Message
	if err := decodeRecord(rec, &m); err != nil {
		return nil, err
	}
	if m.Metadata == nil {
		m.Metadata = JSONMap{}
	}
	return &m, nil
}
