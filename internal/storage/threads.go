package storage

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/xaenox/wingman/internal/models"
	"go.uber.org/zap"
)

const threadColumns = `id, thread_ts, channel_id, summary, participant_count, message_count,
	started_at, last_activity_at, created_at`

func scanThread(row rowScanner) (*models.ConversationThread, error) {
	t := &models.ConversationThread{}
	err := row.Scan(
		&t.ID,
		&t.ThreadTS,
		&t.ChannelID,
		&t.Summary,
		&t.ParticipantCount,
		&t.MessageCount,
		&t.StartedAt,
		&t.LastActivityAt,
		&t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// CreateConversationThread fails with ErrDuplicate when threadTS exists.
func CreateConversationThread(ctx context.Context, s *Session, threadTS float64, channelID string) (*models.ConversationThread, error) {
	if channelID == "" {
		return nil, invalidArgument("channel_id is required")
	}

	query := `
		INSERT INTO ai_wingman.conversation_threads (id, thread_ts, channel_id, started_at)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + threadColumns

	t, err := scanThread(s.queryRow(ctx, query, uuid.New(), threadTS, channelID, s.timestamp()))
	if err != nil {
		return nil, translate(err, "error creating conversation thread %f", threadTS)
	}

	s.logger.Info("Created conversation thread", zap.Float64("thread_ts", threadTS), zap.String("channel_id", channelID))
	return t, nil
}

// GetConversationThread returns nil when no thread has the given timestamp.
func GetConversationThread(ctx context.Context, s *Session, threadTS float64) (*models.ConversationThread, error) {
	query := `SELECT ` + threadColumns + ` FROM ai_wingman.conversation_threads WHERE thread_ts = $1`
	t, err := scanThread(s.queryRow(ctx, query, threadTS))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "error querying conversation thread %f", threadTS)
	}
	return t, nil
}

// GetOrCreateConversationThread follows the same savepoint pattern as
// GetOrCreateUserContext. A thread stored under threadTS for a different
// channel is never returned; the call fails with ErrThreadChannelMismatch.
func GetOrCreateConversationThread(ctx context.Context, s *Session, threadTS float64, channelID string) (*models.ConversationThread, error) {
	t, err := GetConversationThread(ctx, s, threadTS)
	if err != nil {
		return nil, err
	}
	if t != nil {
		return sameChannel(t, channelID)
	}

	err = s.savepoint(ctx, func() error {
		var createErr error
		t, createErr = CreateConversationThread(ctx, s, threadTS, channelID)
		return createErr
	})
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, ErrDuplicate) {
		return nil, err
	}

	t, err = GetConversationThread(ctx, s, threadTS)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, errors.Errorf("conversation thread %f reported as duplicate but not found", threadTS)
	}
	return sameChannel(t, channelID)
}

func sameChannel(t *models.ConversationThread, channelID string) (*models.ConversationThread, error) {
	if t.ChannelID != channelID {
		return nil, errors.Wrapf(ErrThreadChannelMismatch, "thread %f is in channel %s, not %s", t.ThreadTS, t.ChannelID, channelID)
	}
	return t, nil
}

// UpdateThreadActivity adds increment to the message count and refreshes
// last_activity_at. It returns nil when no thread has the given timestamp.
func UpdateThreadActivity(ctx context.Context, s *Session, threadTS float64, increment int) (*models.ConversationThread, error) {
	query := `
		UPDATE ai_wingman.conversation_threads
		SET message_count = message_count + $2, last_activity_at = $3
		WHERE thread_ts = $1
		RETURNING ` + threadColumns

	t, err := scanThread(s.queryRow(ctx, query, threadTS, increment, s.timestamp()))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "error updating activity for thread %f", threadTS)
	}

	s.logger.Info("Updated thread activity", zap.Float64("thread_ts", threadTS), zap.Int("message_count", t.MessageCount))
	return t, nil
}

// SetThreadSummary stores a summary and participant count for the thread.
// It returns nil when no thread has the given timestamp.
func SetThreadSummary(ctx context.Context, s *Session, threadTS float64, summary string, participantCount int) (*models.ConversationThread, error) {
	if participantCount < 0 {
		return nil, invalidArgument("participant count must not be negative, got %d", participantCount)
	}

	query := `
		UPDATE ai_wingman.conversation_threads
		SET summary = $2, participant_count = $3
		WHERE thread_ts = $1
		RETURNING ` + threadColumns

	t, err := scanThread(s.queryRow(ctx, query, threadTS, nullable(summary), participantCount))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "error updating summary for thread %f", threadTS)
	}
	return t, nil
}
