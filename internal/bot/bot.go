package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"
	"github.com/xaenox/wingman/internal/memory"
	"github.com/xaenox/wingman/internal/models"
	"github.com/xaenox/wingman/internal/storage"
	"go.uber.org/zap"
)

const (
	recallLimit  = 5
	historyLimit = 5
)

// Memory is the part of memory.Service the bot uses.
type Memory interface {
	Record(ctx context.Context, in memory.Incoming) (*models.Message, error)
	Recall(ctx context.Context, text string, opts memory.RecallOptions) ([]storage.ScoredMessage, error)
	History(ctx context.Context, userID string, limit int) ([]*models.Message, error)
	Profile(ctx context.Context, userID string) (*memory.Profile, error)
}

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type Bot struct {
	api    *tgbotapi.BotAPI
	out    sender
	memory Memory
	logger *zap.Logger
}

func New(token string, mem Memory, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create bot")
	}

	b := newBot(api, mem, logger)
	b.api = api
	return b, nil
}

func newBot(out sender, mem Memory, logger *zap.Logger) *Bot {
	return &Bot{
		out:    out,
		memory: mem,
		logger: logger,
	}
}

// Start receives updates until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.logger.Info("Telegram bot started", zap.String("username", b.api.Self.UserName))

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			go b.handleMessage(ctx, update.Message)
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	if message.IsCommand() {
		b.handleCommand(ctx, message)
		return
	}

	in, ok := incomingFromMessage(message)
	if !ok {
		return
	}

	if _, err := b.memory.Record(ctx, in); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			b.logger.Debug("Message already recorded", zap.String("message_id", in.MessageID))
			return
		}
		b.logger.Error("Failed to record message",
			zap.Error(err),
			zap.String("message_id", in.MessageID),
			zap.String("user_id", in.UserID))
		if message.Chat.IsPrivate() {
			b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't remember that message. Please try again.")
		}
	}
}

// incomingFromMessage maps a Telegram message onto the collector format.
// It reports false for messages without an author or text.
func incomingFromMessage(message *tgbotapi.Message) (memory.Incoming, bool) {
	if message.From == nil || message.Chat == nil {
		return memory.Incoming{}, false
	}

	content := message.Text
	msgType := models.DefaultMessageType
	if message.Caption != "" {
		content = message.Caption
		msgType = "caption"
	}
	if strings.TrimSpace(content) == "" {
		return memory.Incoming{}, false
	}

	chatID := strconv.FormatInt(message.Chat.ID, 10)
	channelName := message.Chat.Title
	if channelName == "" {
		channelName = message.Chat.UserName
	}
	userName := message.From.UserName
	if userName == "" {
		userName = strings.TrimSpace(message.From.FirstName + " " + message.From.LastName)
	}

	in := memory.Incoming{
		MessageID:   messageKey(message.Chat.ID, message.MessageID),
		ChannelID:   chatID,
		ChannelName: channelName,
		UserID:      strconv.FormatInt(message.From.ID, 10),
		UserName:    userName,
		Text:        content,
		Timestamp:   orderingKey(message),
		Type:        msgType,
		Metadata: map[string]any{
			"source":    "telegram",
			"chat_type": message.Chat.Type,
		},
	}
	if reply := message.ReplyToMessage; reply != nil {
		// the parent's key; the memory service swaps in the root of a stored chain
		ts := orderingKey(reply)
		in.ThreadTS = &ts
		in.ReplyTo = messageKey(message.Chat.ID, reply.MessageID)
		in.Metadata["reply_to"] = in.ReplyTo
	}
	return in, true
}

func messageKey(chatID int64, messageID int) string {
	return fmt.Sprintf("%d:%d", chatID, messageID)
}

// orderingKey places messages sent within the same second in id order.
func orderingKey(message *tgbotapi.Message) float64 {
	return float64(message.Date) + float64(message.MessageID%1_000_000)/1e6
}

func (b *Bot) handleCommand(ctx context.Context, message *tgbotapi.Message) {
	if message.From == nil || message.Chat == nil {
		return
	}

	switch message.Command() {
	case "start":
		b.handleStart(message)
	case "help":
		b.handleHelp(message)
	case "recall":
		b.handleRecall(ctx, message)
	case "history":
		b.handleHistory(ctx, message)
	case "stats":
		b.handleStats(ctx, message)
	default:
		b.sendMessage(message.Chat.ID, "Unknown command. Use /help to see available commands.")
	}
}

func (b *Bot) handleStart(message *tgbotapi.Message) {
	welcome := `Hi, I'm Wingman!
I remember what is said in this chat so you can find it again later.

Use /help to see all available commands.`

	b.sendMessage(message.Chat.ID, welcome)
}

func (b *Bot) handleHelp(message *tgbotapi.Message) {
	help := `Available commands:
/start - Start the bot
/help - Show this help message
/recall <text> - Find earlier messages about a subject
/history - Show your latest messages
/stats - Show what I know about you`

	b.sendMessage(message.Chat.ID, help)
}

func (b *Bot) handleRecall(ctx context.Context, message *tgbotapi.Message) {
	query := strings.TrimSpace(message.CommandArguments())
	if query == "" {
		b.sendMessage(message.Chat.ID, "Usage: /recall <text>")
		return
	}

	results, err := b.memory.Recall(ctx, query, memory.RecallOptions{
		ChannelID: strconv.FormatInt(message.Chat.ID, 10),
		Limit:     recallLimit,
	})
	if err != nil {
		b.logger.Error("Failed to recall messages",
			zap.Error(err),
			zap.Int64("chat_id", message.Chat.ID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't search my memory right now.")
		return
	}

	if len(results) == 0 {
		b.sendMessage(message.Chat.ID, "I don't remember anything about that.")
		return
	}

	b.sendMarkdown(message.Chat.ID, formatRecall(results))
}

func formatRecall(results []storage.ScoredMessage) string {
	response := "*Here is what I remember:*\n\n"
	for _, r := range results {
		author := r.Message.UserID
		if r.Message.UserName != nil {
			author = *r.Message.UserName
		}
		response += fmt.Sprintf("*%s* %s\n", escapeMarkdown(author), escapeMarkdown(fmt.Sprintf("(%.0f%%)", r.Similarity*100)))
		response += fmt.Sprintf("_%s_\n\n", escapeMarkdown(r.Message.Text))
	}
	return response
}

func (b *Bot) handleHistory(ctx context.Context, message *tgbotapi.Message) {
	messages, err := b.memory.History(ctx, strconv.FormatInt(message.From.ID, 10), historyLimit)
	if err != nil {
		b.logger.Error("Failed to get user messages",
			zap.Error(err),
			zap.Int64("user_id", message.From.ID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't retrieve your message history.")
		return
	}

	if len(messages) == 0 {
		b.sendMessage(message.Chat.ID, "You don't have any messages yet.")
		return
	}

	response := "*Your recent messages:*\n\n"
	for _, msg := range messages {
		response += fmt.Sprintf("_%s_\n\n", escapeMarkdown(msg.Text))
	}
	b.sendMarkdown(message.Chat.ID, response)
}

func (b *Bot) handleStats(ctx context.Context, message *tgbotapi.Message) {
	profile, err := b.memory.Profile(ctx, strconv.FormatInt(message.From.ID, 10))
	if err != nil {
		b.logger.Error("Failed to get user profile",
			zap.Error(err),
			zap.Int64("user_id", message.From.ID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, failed to retrieve your stats. Please try again later.")
		return
	}

	if profile == nil {
		b.sendMessage(message.Chat.ID, "I haven't seen any messages from you yet.")
		return
	}

	b.sendMarkdown(message.Chat.ID, formatStats(profile))
}

func formatStats(profile *memory.Profile) string {
	uc := profile.Context
	response := "*Your stats:*\n"
	response += escapeMarkdown(fmt.Sprintf("Messages: %d (%d stored)", uc.TotalMessages, profile.ActiveMessages)) + "\n"
	if uc.FirstMessageAt != nil {
		response += escapeMarkdown("First seen: "+uc.FirstMessageAt.Format("2006-01-02")) + "\n"
	}
	if uc.LastMessageAt != nil {
		response += escapeMarkdown("Last seen: "+uc.LastMessageAt.Format("2006-01-02 15:04")) + "\n"
	}
	if len(uc.TopicsOfInterest) > 0 {
		tags := make([]string, len(uc.TopicsOfInterest))
		for i, topic := range uc.TopicsOfInterest {
			tags[i] = escapeMarkdown("#" + strings.ReplaceAll(topic, " ", "_"))
		}
		response += "Topics: " + strings.Join(tags, " ") + "\n"
	}
	return response
}

// escapeMarkdown escapes special characters for MarkdownV2
func escapeMarkdown(text string) string {
	specialChars := []string{"\\", "_", "*", "[", "]", "(", ")", "~", "`", ">", "#", "+", "-", "=", "|", "{", "}", ".", "!"}
	escaped := text
	for _, char := range specialChars {
		escaped = strings.ReplaceAll(escaped, char, "\\"+char)
	}
	return escaped
}

func (b *Bot) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.out.Send(msg); err != nil {
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

func (b *Bot) sendMarkdown(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	if _, err := b.out.Send(msg); err != nil {
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

func (b *Bot) sendErrorMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, "⚠️ "+text)
	if _, err := b.out.Send(msg); err != nil {
		b.logger.Error("Failed to send error message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}
