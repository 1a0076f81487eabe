package storage

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/xaenox/wingman/internal/models"
	"go.uber.org/zap"
)

const userContextColumns = `id, user_id, user_name, total_messages, first_message_at, last_message_at,
	communication_style, topics_of_interest, created_at, updated_at`

func scanUserContext(row rowScanner) (*models.UserContext, error) {
	u := &models.UserContext{}
	err := row.Scan(
		&u.ID,
		&u.UserID,
		&u.UserName,
		&u.TotalMessages,
		&u.FirstMessageAt,
		&u.LastMessageAt,
		&u.CommunicationStyle,
		&u.TopicsOfInterest,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return u, nil
}

// CreateUserContext fails with ErrDuplicate when a context for userID exists.
func CreateUserContext(ctx context.Context, s *Session, userID, userName string) (*models.UserContext, error) {
	if userID == "" {
		return nil, invalidArgument("user_id is required")
	}

	query := `
		INSERT INTO ai_wingman.user_contexts (id, user_id, user_name)
		VALUES ($1, $2, $3)
		RETURNING ` + userContextColumns

	u, err := scanUserContext(s.queryRow(ctx, query, uuid.New(), userID, nullable(userName)))
	if err != nil {
		return nil, translate(err, "error creating user context %s", userID)
	}

	s.logger.Info("Created user context", zap.String("user_id", userID))
	return u, nil
}

// GetUserContext returns nil when no context exists for userID.
func GetUserContext(ctx context.Context, s *Session, userID string) (*models.UserContext, error) {
	return getUserContext(ctx, s, userID, false)
}

func getUserContext(ctx context.Context, s *Session, userID string, forUpdate bool) (*models.UserContext, error) {
	query := `SELECT ` + userContextColumns + ` FROM ai_wingman.user_contexts WHERE user_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	u, err := scanUserContext(s.queryRow(ctx, query, userID))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "error querying user context %s", userID)
	}
	return u, nil
}

// GetOrCreateUserContext returns the context for userID, creating it if
// needed. When a concurrent caller creates the same user first, the insert
// is rolled back to a savepoint and the winner's row is returned, so both
// callers see the same id.
func GetOrCreateUserContext(ctx context.Context, s *Session, userID, userName string) (*models.UserContext, error) {
	u, err := GetUserContext(ctx, s, userID)
	if err != nil || u != nil {
		return u, err
	}

	err = s.savepoint(ctx, func() error {
		var createErr error
		u, createErr = CreateUserContext(ctx, s, userID, userName)
		return createErr
	})
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, ErrDuplicate) {
		return nil, err
	}

	s.logger.Debug("User context created concurrently, reading existing row", zap.String("user_id", userID))
	u, err = GetUserContext(ctx, s, userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, errors.Errorf("user context %s reported as duplicate but not found", userID)
	}
	return u, nil
}

// UpdateUserContextStats adds increment to the message total, sets
// last_message_at to now and first_message_at only if it is unset. It
// returns nil when no context exists for userID.
func UpdateUserContextStats(ctx context.Context, s *Session, userID string, increment int) (*models.UserContext, error) {
	query := `
		UPDATE ai_wingman.user_contexts
		SET total_messages = total_messages + $2,
			last_message_at = $3,
			first_message_at = COALESCE(first_message_at, $3),
			updated_at = $3
		WHERE user_id = $1
		RETURNING ` + userContextColumns

	u, err := scanUserContext(s.queryRow(ctx, query, userID, increment, s.timestamp()))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "error updating stats for user %s", userID)
	}

	s.logger.Info("Updated stats for user", zap.String("user_id", userID), zap.Int("total_messages", u.TotalMessages))
	return u, nil
}

// AddUserTopics merges topics into the user's topics of interest. Topics
// are compared case-insensitively and existing order is kept. It returns
// nil when no context exists for userID.
func AddUserTopics(ctx context.Context, s *Session, userID string, topics ...string) (*models.UserContext, error) {
	u, err := getUserContext(ctx, s, userID, true)
	if err != nil || u == nil {
		return u, err
	}

	merged, changed := mergeTopics(u.TopicsOfInterest, topics)
	if !changed {
		return u, nil
	}

	query := `
		UPDATE ai_wingman.user_contexts
		SET topics_of_interest = $2, updated_at = $3
		WHERE user_id = $1
		RETURNING ` + userContextColumns

	u, err = scanUserContext(s.queryRow(ctx, query, userID, merged, s.timestamp()))
	if err != nil {
		return nil, errors.Wrapf(err, "error updating topics for user %s", userID)
	}
	return u, nil
}

func mergeTopics(existing models.StringList, topics []string) (models.StringList, bool) {
	seen := make(map[string]struct{}, len(existing)+len(topics))
	merged := make(models.StringList, 0, len(existing)+len(topics))
	for _, t := range existing {
		seen[strings.ToLower(t)] = struct{}{}
		merged = append(merged, t)
	}

	changed := false
	for _, t := range topics {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		key := strings.ToLower(t)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, t)
		changed = true
	}
	return merged, changed
}

// SetCommunicationStyle stores a free-text style note for the user. It
// returns nil when no context exists for userID.
func SetCommunicationStyle(ctx context.Context, s *Session, userID, style string) (*models.UserContext, error) {
	query := `
		UPDATE ai_wingman.user_contexts
		SET communication_style = $2, updated_at = $3
		WHERE user_id = $1
		RETURNING ` + userContextColumns

	u, err := scanUserContext(s.queryRow(ctx, query, userID, nullable(style), s.timestamp()))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "error updating communication style for user %s", userID)
	}
	return u, nil
}
