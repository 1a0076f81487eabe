package memory

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/xaenox/wingman/internal/embedding"
	"github.com/xaenox/wingman/internal/models"
	"github.com/xaenox/wingman/internal/storage"
	"github.com/xaenox/wingman/internal/topics"
	"go.uber.org/zap"
)

// ErrNoEmbedder is returned by Recall when the service has no embedder.
var ErrNoEmbedder = errors.New("no embedder configured")

// Incoming is a chat message as seen by a collector.
type Incoming struct {
	MessageID   string
	ChannelID   string
	ChannelName string
	UserID      string
	UserName    string
	Text        string
	Timestamp   float64
	Type        string
	// ReplyTo is the external id of the message this one answers.
	ReplyTo string
	// ThreadTS is the collector's thread key, nil for top-level messages.
	// When the ReplyTo message is stored in the same channel, Record uses
	// that message's thread root instead, so reply chains share one thread.
	ThreadTS  *float64
	Embedding []float32
	Metadata  map[string]any
}

type RecallOptions struct {
	Threshold *float64
	Limit     int
	UserID    string
	ChannelID string
}

// Profile is a user's context together with the number of messages that
// are not soft-deleted.
type Profile struct {
	Context        *models.UserContext
	ActiveMessages int
}

// Service ties the storage operations together into the flows used by the
// collectors. Each call runs in a single session.
type Service struct {
	store     *storage.Manager
	embedder  embedding.Embedder
	extractor topics.Extractor
	logger    *zap.Logger
}

// NewService returns a Service. embedder and extractor may be nil, in which
// case messages are stored without embeddings or topics.
func NewService(store *storage.Manager, embedder embedding.Embedder, extractor topics.Extractor, logger *zap.Logger) *Service {
	return &Service{
		store:     store,
		embedder:  embedder,
		extractor: extractor,
		logger:    logger,
	}
}

// Record stores a message and updates the author's context and, for thread
// replies, the thread. A message that already exists fails with
// storage.ErrDuplicate and changes nothing; it is detected before the
// embedder or the topic extractor are called.
func (s *Service) Record(ctx context.Context, in Incoming) (*models.Message, error) {
	threadTS, err := s.prepare(ctx, in)
	if err != nil {
		return nil, err
	}

	vec := in.Embedding
	if vec == nil && s.embedder != nil && strings.TrimSpace(in.Text) != "" {
		vec, err = s.embedder.Embed(ctx, in.Text)
		if err != nil {
			// stored without embedding; UpdateMessageEmbedding can fill it in later
			s.logger.Warn("Failed to embed message",
				zap.Error(err),
				zap.String("message_id", in.MessageID))
			vec = nil
		}
	}

	var found []string
	if s.extractor != nil {
		found = s.extractor.Extract(ctx, in.Text)
	}

	metadata := make(map[string]any, len(in.Metadata)+1)
	for k, v := range in.Metadata {
		metadata[k] = v
	}
	if threadTS != nil {
		metadata["thread_ts"] = *threadTS
	}

	var msg *models.Message
	err = s.store.WithSession(ctx, func(sess *storage.Session) error {
		if _, err := storage.GetOrCreateUserContext(ctx, sess, in.UserID, in.UserName); err != nil {
			return err
		}

		var err error
		msg, err = storage.CreateMessage(ctx, sess, storage.NewMessage{
			MessageID:   in.MessageID,
			ChannelID:   in.ChannelID,
			UserID:      in.UserID,
			Text:        in.Text,
			Timestamp:   in.Timestamp,
			ChannelName: in.ChannelName,
			UserName:    in.UserName,
			Type:        in.Type,
			Embedding:   vec,
			Metadata:    metadata,
		})
		if err != nil {
			return err
		}

		if _, err := storage.UpdateUserContextStats(ctx, sess, in.UserID, 1); err != nil {
			return err
		}
		if len(found) > 0 {
			if _, err := storage.AddUserTopics(ctx, sess, in.UserID, found...); err != nil {
				return err
			}
		}

		if threadTS == nil {
			return nil
		}
		_, err = storage.GetOrCreateConversationThread(ctx, sess, *threadTS, in.ChannelID)
		if errors.Is(err, storage.ErrThreadChannelMismatch) {
			s.logger.Warn("Thread key taken by another channel, thread activity not recorded",
				zap.Error(err),
				zap.String("message_id", in.MessageID))
			return nil
		}
		if err != nil {
			return err
		}
		_, err = storage.UpdateThreadActivity(ctx, sess, *threadTS, 1)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Recorded message",
		zap.String("message_id", msg.MessageID),
		zap.String("user_id", msg.UserID),
		zap.Bool("has_embedding", msg.HasEmbedding()),
		zap.Strings("topics", found))
	return msg, nil
}

// prepare rejects a message that is already stored and resolves the key of
// the thread it belongs to.
func (s *Service) prepare(ctx context.Context, in Incoming) (*float64, error) {
	threadTS := in.ThreadTS
	if in.MessageID == "" {
		return threadTS, nil
	}

	err := s.store.WithSession(ctx, func(sess *storage.Session) error {
		existing, err := storage.GetMessageByExternalID(ctx, sess, in.MessageID)
		if err != nil {
			return err
		}
		if existing != nil {
			return errors.Wrapf(storage.ErrDuplicate, "message %s already recorded", in.MessageID)
		}

		if in.ReplyTo == "" {
			return nil
		}
		parent, err := storage.GetMessageByExternalID(ctx, sess, in.ReplyTo)
		if err != nil || parent == nil || parent.ChannelID != in.ChannelID {
			return err
		}
		root := threadRoot(parent)
		threadTS = &root
		return nil
	})
	if err != nil {
		return nil, err
	}
	return threadTS, nil
}

// threadRoot is the thread key of a stored message: the root it was filed
// under, or its own ordering key when it started the thread.
func threadRoot(m *models.Message) float64 {
	if ts, ok := m.Metadata["thread_ts"].(float64); ok {
		return ts
	}
	return m.Timestamp
}

// Recall embeds text and returns the most similar stored messages.
func (s *Service) Recall(ctx context.Context, text string, opts RecallOptions) ([]storage.ScoredMessage, error) {
	if s.embedder == nil {
		return nil, ErrNoEmbedder
	}
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, errors.Wrap(err, "error embedding recall query")
	}

	var results []storage.ScoredMessage
	err = s.store.WithSession(ctx, func(sess *storage.Session) error {
		var err error
		results, err = storage.SearchSimilarMessages(ctx, sess, storage.SearchOptions{
			Embedding: vec,
			Threshold: opts.Threshold,
			Limit:     opts.Limit,
			UserID:    opts.UserID,
			ChannelID: opts.ChannelID,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// History returns the user's latest messages, newest first.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]*models.Message, error) {
	var messages []*models.Message
	err := s.store.WithSession(ctx, func(sess *storage.Session) error {
		var err error
		messages, err = storage.ListMessagesByUser(ctx, sess, userID, storage.ListOptions{Limit: limit})
		return err
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// Forget soft-deletes a message and reports whether it existed.
func (s *Service) Forget(ctx context.Context, id uuid.UUID) (bool, error) {
	var deleted bool
	err := s.store.WithSession(ctx, func(sess *storage.Session) error {
		var err error
		deleted, err = storage.SoftDeleteMessage(ctx, sess, id)
		return err
	})
	return deleted, err
}

// Profile returns nil when the user has never been recorded.
func (s *Service) Profile(ctx context.Context, userID string) (*Profile, error) {
	var profile *Profile
	err := s.store.WithSession(ctx, func(sess *storage.Session) error {
		uc, err := storage.GetUserContext(ctx, sess, userID)
		if err != nil || uc == nil {
			return err
		}
		count, err := storage.CountMessages(ctx, sess, storage.CountOptions{UserID: userID})
		if err != nil {
			return err
		}
		profile = &Profile{Context: uc, ActiveMessages: count}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return profile, nil
}
