package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/pkg/errors"
	"github.com/xaenox/wingman/internal/models"
	"go.uber.org/zap"
)

const defaultListLimit = 100

// bulkInsertChunk keeps multi-row inserts well below the 65535 bind
// parameter limit of the Postgres protocol.
const bulkInsertChunk = 1000

const messageColumns = `id, message_id, channel_id, channel_name, user_id, user_name, message_text,
	message_type, embedding, message_ts, created_at, updated_at, metadata, is_deleted`

// NewMessage holds the fields supplied when a message is created. Empty
// ChannelName and UserName are stored as NULL; an empty Type becomes
// models.DefaultMessageType.
type NewMessage struct {
	MessageID   string
	ChannelID   string
	UserID      string
	Text        string
	Timestamp   float64
	ChannelName string
	UserName    string
	Type        string
	Embedding   []float32
	Metadata    map[string]any
}

// ListOptions controls ListMessagesByUser and ListMessagesByChannel.
// A zero Limit means 100.
type ListOptions struct {
	Limit          int
	IncludeDeleted bool
}

// SearchOptions controls SearchSimilarMessages. A nil Threshold and a zero
// Limit fall back to the configured defaults.
type SearchOptions struct {
	Embedding []float32
	Threshold *float64
	Limit     int
	UserID    string
	ChannelID string
}

// ScoredMessage pairs a message with its cosine similarity to the query.
type ScoredMessage struct {
	Message    *models.Message
	Similarity float64
}

type CountOptions struct {
	UserID         string
	ChannelID      string
	IncludeDeleted bool
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func messageDest(m *models.Message) []interface{} {
	return []interface{}{
		&m.ID,
		&m.MessageID,
		&m.ChannelID,
		&m.ChannelName,
		&m.UserID,
		&m.UserName,
		&m.Text,
		&m.Type,
		&m.Embedding,
		&m.Timestamp,
		&m.CreatedAt,
		&m.UpdatedAt,
		&m.Metadata,
		&m.IsDeleted,
	}
}

func scanMessage(row rowScanner) (*models.Message, error) {
	m := &models.Message{}
	if err := row.Scan(messageDest(m)...); err != nil {
		return nil, err
	}
	return m, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *Session) newMessageModel(p NewMessage) (*models.Message, error) {
	if p.MessageID == "" || p.ChannelID == "" || p.UserID == "" {
		return nil, invalidArgument("message_id, channel_id and user_id are required")
	}
	if p.Embedding != nil {
		if err := s.checkEmbedding(p.Embedding); err != nil {
			return nil, err
		}
	}

	msgType := p.Type
	if msgType == "" {
		msgType = models.DefaultMessageType
	}
	metadata := models.JSONMap{}
	for k, v := range p.Metadata {
		metadata[k] = v
	}
	var embedding models.Embedding
	if p.Embedding != nil {
		embedding = append(models.Embedding(nil), p.Embedding...)
	}

	return &models.Message{
		ID:          uuid.New(),
		MessageID:   p.MessageID,
		ChannelID:   p.ChannelID,
		ChannelName: nullable(p.ChannelName),
		UserID:      p.UserID,
		UserName:    nullable(p.UserName),
		Text:        p.Text,
		Type:        msgType,
		Embedding:   embedding,
		Timestamp:   p.Timestamp,
		Metadata:    metadata,
	}, nil
}

// CreateMessage inserts a message and returns it with its generated id and
// server timestamps. It fails with ErrDuplicate when MessageID exists,
// including soft-deleted rows.
func CreateMessage(ctx context.Context, s *Session, p NewMessage) (*models.Message, error) {
	m, err := s.newMessageModel(p)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO ai_wingman.messages (id, message_id, channel_id, channel_name, user_id, user_name,
			message_text, message_type, embedding, message_ts, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at, is_deleted`

	err = s.queryRow(ctx, query,
		m.ID,
		m.MessageID,
		m.ChannelID,
		m.ChannelName,
		m.UserID,
		m.UserName,
		m.Text,
		m.Type,
		m.Embedding,
		m.Timestamp,
		m.Metadata,
	).Scan(&m.CreatedAt, &m.UpdatedAt, &m.IsDeleted)
	if err != nil {
		return nil, translate(err, "error creating message %s", p.MessageID)
	}

	s.logger.Info("Created message", zap.String("message_id", m.MessageID), zap.String("id", m.ID.String()))
	return m, nil
}

// GetMessageByID returns nil when no message has the given internal id.
// Soft-deleted messages are returned.
func GetMessageByID(ctx context.Context, s *Session, id uuid.UUID) (*models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM ai_wingman.messages WHERE id = $1`
	m, err := scanMessage(s.queryRow(ctx, query, id))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "error querying message %s", id)
	}
	return m, nil
}

// GetMessageByExternalID returns nil when no message has the given external id.
func GetMessageByExternalID(ctx context.Context, s *Session, messageID string) (*models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM ai_wingman.messages WHERE message_id = $1`
	m, err := scanMessage(s.queryRow(ctx, query, messageID))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "error querying message %s", messageID)
	}
	return m, nil
}

func ListMessagesByUser(ctx context.Context, s *Session, userID string, opts ListOptions) ([]*models.Message, error) {
	return listMessages(ctx, s, "user_id", userID, opts)
}

func ListMessagesByChannel(ctx context.Context, s *Session, channelID string, opts ListOptions) ([]*models.Message, error) {
	return listMessages(ctx, s, "channel_id", channelID, opts)
}

// listMessages returns the newest messages first by external timestamp.
// column is always one of the constants passed above.
func listMessages(ctx context.Context, s *Session, column, value string, opts ListOptions) ([]*models.Message, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `SELECT ` + messageColumns + ` FROM ai_wingman.messages WHERE ` + column + ` = $1`
	if !opts.IncludeDeleted {
		query += ` AND is_deleted = FALSE`
	}
	query += ` ORDER BY message_ts DESC LIMIT $2`

	rows, err := s.query(ctx, query, value, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "error querying messages by %s", column)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "error scanning message")
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating messages")
	}
	return messages, nil
}

// SearchSimilarMessages returns non-deleted messages whose embedding has a
// cosine similarity of at least the threshold to the query, most similar
// first. The query vector is bound as a parameter; invalid input is rejected
// with ErrInvalidArgument before anything is sent to the database.
func SearchSimilarMessages(ctx context.Context, s *Session, opts SearchOptions) ([]ScoredMessage, error) {
	if err := s.checkEmbedding(opts.Embedding); err != nil {
		return nil, err
	}

	threshold := s.minSimilarity
	if opts.Threshold != nil {
		threshold = *opts.Threshold
	}
	if threshold < 0 || threshold > 1 {
		return nil, invalidArgument("similarity threshold must be between 0.0 and 1.0, got %v", threshold)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = s.topK
	}
	if limit <= 0 {
		limit = 5
	}

	args := []interface{}{pgvector.NewVector(opts.Embedding), threshold}
	conditions := []string{
		"is_deleted = FALSE",
		"embedding IS NOT NULL",
		"1 - (embedding <=> $1::vector) >= $2",
	}
	if opts.UserID != "" {
		args = append(args, opts.UserID)
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if opts.ChannelID != "" {
		args = append(args, opts.ChannelID)
		conditions = append(conditions, fmt.Sprintf("channel_id = $%d", len(args)))
	}
	args = append(args, limit)

	query := `
		SELECT ` + messageColumns + `, 1 - (embedding <=> $1::vector) AS similarity
		FROM ai_wingman.messages
		WHERE ` + strings.Join(conditions, " AND ") + `
		ORDER BY embedding <=> $1::vector
		LIMIT $` + fmt.Sprint(len(args))

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "error searching similar messages")
	}
	defer rows.Close()

	var results []ScoredMessage
	for rows.Next() {
		m := &models.Message{}
		var similarity float64
		if err := rows.Scan(append(messageDest(m), &similarity)...); err != nil {
			return nil, errors.Wrap(err, "error scanning similar message")
		}
		results = append(results, ScoredMessage{Message: m, Similarity: similarity})
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating similar messages")
	}

	s.logger.Info("Found similar messages", zap.Int("count", len(results)), zap.Float64("threshold", threshold))
	return results, nil
}

// UpdateMessageEmbedding replaces the embedding of a message. It returns nil
// when no message has the given id.
func UpdateMessageEmbedding(ctx context.Context, s *Session, id uuid.UUID, embedding []float32) (*models.Message, error) {
	if err := s.checkEmbedding(embedding); err != nil {
		return nil, err
	}

	query := `
		UPDATE ai_wingman.messages
		SET embedding = $1, updated_at = CURRENT_TIMESTAMP
		WHERE id = $2
		RETURNING ` + messageColumns

	m, err := scanMessage(s.queryRow(ctx, query, models.Embedding(embedding), id))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "error updating embedding for message %s", id)
	}

	s.logger.Info("Updated embedding for message", zap.String("id", id.String()))
	return m, nil
}

// SoftDeleteMessage flags a message as deleted and reports whether a row
// matched. The row itself is kept.
func SoftDeleteMessage(ctx context.Context, s *Session, id uuid.UUID) (bool, error) {
	query := `
		UPDATE ai_wingman.messages
		SET is_deleted = TRUE, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1`

	result, err := s.exec(ctx, query, id)
	if err != nil {
		return false, errors.Wrapf(err, "error deleting message %s", id)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "error getting rows affected")
	}
	if rowsAffected == 0 {
		return false, nil
	}

	s.logger.Info("Soft deleted message", zap.String("id", id.String()))
	return true, nil
}

func CountMessages(ctx context.Context, s *Session, opts CountOptions) (int, error) {
	var (
		args       []interface{}
		conditions []string
	)
	if opts.UserID != "" {
		args = append(args, opts.UserID)
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if opts.ChannelID != "" {
		args = append(args, opts.ChannelID)
		conditions = append(conditions, fmt.Sprintf("channel_id = $%d", len(args)))
	}
	if !opts.IncludeDeleted {
		conditions = append(conditions, "is_deleted = FALSE")
	}

	query := `SELECT COUNT(*) FROM ai_wingman.messages`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}

	var count int
	if err := s.queryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "error counting messages")
	}
	return count, nil
}

// BulkCreateMessages inserts all messages with multi-row INSERT statements
// in the session's transaction and returns the number of rows inserted.
// A duplicate anywhere in the batch fails the whole call with ErrDuplicate.
func BulkCreateMessages(ctx context.Context, s *Session, batch []NewMessage) (int, error) {
	rows := make([]*models.Message, 0, len(batch))
	for i, p := range batch {
		m, err := s.newMessageModel(p)
		if err != nil {
			return 0, errors.Wrapf(err, "message %d", i)
		}
		rows = append(rows, m)
	}

	inserted := 0
	for start := 0; start < len(rows); start += bulkInsertChunk {
		end := start + bulkInsertChunk
		if end > len(rows) {
			end = len(rows)
		}
		n, err := insertMessageChunk(ctx, s, rows[start:end])
		if err != nil {
			return 0, err
		}
		inserted += n
	}

	if inserted > 0 {
		s.logger.Info("Bulk created messages", zap.Int("count", inserted))
	}
	return inserted, nil
}

func insertMessageChunk(ctx context.Context, s *Session, chunk []*models.Message) (int, error) {
	const columnsPerRow = 11

	var sb strings.Builder
	sb.WriteString(`INSERT INTO ai_wingman.messages (id, message_id, channel_id, channel_name, user_id, user_name,
			message_text, message_type, embedding, message_ts, metadata) VALUES `)

	args := make([]interface{}, 0, len(chunk)*columnsPerRow)
	for i, m := range chunk {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for j := 0; j < columnsPerRow; j++ {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", i*columnsPerRow+j+1)
		}
		sb.WriteString(")")
		args = append(args,
			m.ID,
			m.MessageID,
			m.ChannelID,
			m.ChannelName,
			m.UserID,
			m.UserName,
			m.Text,
			m.Type,
			m.Embedding,
			m.Timestamp,
			m.Metadata,
		)
	}

	result, err := s.exec(ctx, sb.String(), args...)
	if err != nil {
		return 0, translate(err, "error bulk creating %d messages", len(chunk))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "error getting rows affected")
	}
	return int(n), nil
}
