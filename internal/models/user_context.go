package models

import (
	"time"

	"github.com/google/uuid"
)

// UserContext aggregates what is known about one chat user.
type UserContext struct {
	ID                 uuid.UUID  `json:"id" mapstructure:"id"`
	UserID             string     `json:"user_id" mapstructure:"user_id"`
	UserName           *string    `json:"user_name,omitempty" mapstructure:"user_name"`
	TotalMessages      int        `json:"total_messages" mapstructure:"total_messages"`
	FirstMessageAt     *time.Time `json:"first_message_at,omitempty" mapstructure:"first_message_at"`
	LastMessageAt      *time.Time `json:"last_message_at,omitempty" mapstructure:"last_message_at"`
	CommunicationStyle *string    `json:"communication_style,omitempty" mapstructure:"communication_style"`
	TopicsOfInterest   StringList `json:"topics_of_interest" mapstructure:"topics_of_interest"`
	CreatedAt          time.Time  `json:"created_at" mapstructure:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" mapstructure:"updated_at"`
}

func (u *UserContext) ToRecord() Record {
	topics := make([]string, len(u.TopicsOfInterest))
	copy(topics, u.TopicsOfInterest)
	return Record{
		"id":                  u.ID.String(),
		"user_id":             u.UserID,
		"user_name":           optionalString(u.UserName),
		"total_messages":      u.TotalMessages,
		"first_message_at":    optionalTime(u.FirstMessageAt),
		"last_message_at":     optionalTime(u.LastMessageAt),
		"communication_style": optionalString(u.CommunicationStyle),
		"topics_of_interest":  topics,
		"created_at":          optionalTime(&u.CreatedAt),
		"updated_at":          optionalTime(&u.UpdatedAt),
	}
}

func UserContextFromRecord(rec Record) (*UserContext, error) {
	var u UserContext
	if err := decodeRecord(rec, &u); err != nil {
		return nil, err
	}
	if u.TopicsOfInterest == nil {
		u.TopicsOfInterest = StringList{}
	}
	return &u, nil
}
