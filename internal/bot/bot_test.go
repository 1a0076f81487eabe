package bot

import (
	"context"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/xaenox/wingman/internal/memory"
	"github.com/xaenox/wingman/internal/models"
	"github.com/xaenox/wingman/internal/storage"
	"go.uber.org/zap"
)

type fakeSender struct {
	sent []tgbotapi.MessageConfig
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, msg)
	}
	return tgbotapi.Message{}, nil
}

type fakeMemory struct {
	recorded   []memory.Incoming
	recordErr  error
	recallOpts memory.RecallOptions
	recallText string
	results    []storage.ScoredMessage
	history    []*models.Message
	profile    *memory.Profile
}

func (f *fakeMemory) Record(ctx context.Context, in memory.Incoming) (*models.Message, error) {
	if f.recordErr != nil {
		return nil, f.recordErr
	}
	f.recorded = append(f.recorded, in)
	return &models.Message{MessageID: in.MessageID}, nil
}

func (f *fakeMemory) Recall(ctx context.Context, text string, opts memory.RecallOptions) ([]storage.ScoredMessage, error) {
	f.recallText, f.recallOpts = text, opts
	return f.results, nil
}

func (f *fakeMemory) History(ctx context.Context, userID string, limit int) ([]*models.Message, error) {
	return f.history, nil
}

func (f *fakeMemory) Profile(ctx context.Context, userID string) (*memory.Profile, error) {
	return f.profile, nil
}

func newTestBot() (*Bot, *fakeSender, *fakeMemory) {
	out := &fakeSender{}
	mem := &fakeMemory{}
	return newBot(out, mem, zap.NewNop()), out, mem
}

func groupMessage(text string) *tgbotapi.Message {
	return &tgbotapi.Message{
		MessageID: 10,
		Date:      1700000000,
		From:      &tgbotapi.User{ID: 42, UserName: "ann"},
		Chat:      &tgbotapi.Chat{ID: -100, Type: "group", Title: "team"},
		Text:      text,
	}
}

func commandMessage(text string) *tgbotapi.Message {
	msg := groupMessage(text)
	cmd := strings.Fields(text)[0]
	msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd)}}
	return msg
}

func TestIncomingFromMessage(t *testing.T) {
	msg := groupMessage("shipping on friday")
	msg.ReplyToMessage = &tgbotapi.Message{MessageID: 7, Date: 1699999990}

	in, ok := incomingFromMessage(msg)
	if !ok {
		t.Fatalf("incomingFromMessage() ok = false")
	}
	if in.MessageID != "-100:10" || in.ChannelID != "-100" || in.ChannelName != "team" {
		t.Fatalf("unexpected identifiers: %+v", in)
	}
	if in.UserID != "42" || in.UserName != "ann" || in.Type != models.DefaultMessageType {
		t.Fatalf("unexpected author fields: %+v", in)
	}
	if want := float64(1700000000) + float64(10)/1e6; in.Timestamp != want {
		t.Fatalf("Timestamp = %v, want %v", in.Timestamp, want)
	}
	if in.ThreadTS == nil || *in.ThreadTS != float64(1699999990)+float64(7)/1e6 {
		t.Fatalf("ThreadTS = %v", in.ThreadTS)
	}
	if in.ReplyTo != "-100:7" || in.Metadata["reply_to"] != "-100:7" || in.Metadata["source"] != "telegram" {
		t.Fatalf("ReplyTo = %q, Metadata = %v", in.ReplyTo, in.Metadata)
	}
}

func TestIncomingFromMessage_ReplyScopedToChat(t *testing.T) {
	parent := &tgbotapi.Message{MessageID: 42, Date: 1700000000}
	a := groupMessage("reply in team")
	a.ReplyToMessage = parent
	b := groupMessage("reply elsewhere")
	b.Chat = &tgbotapi.Chat{ID: -200, Type: "group", Title: "ops"}
	b.ReplyToMessage = parent

	inA, _ := incomingFromMessage(a)
	inB, _ := incomingFromMessage(b)
	if inA.ReplyTo != "-100:42" || inB.ReplyTo != "-200:42" {
		t.Fatalf("ReplyTo = %q, %q; want chat-scoped parents", inA.ReplyTo, inB.ReplyTo)
	}
	if inA.ChannelID == inB.ChannelID {
		t.Fatalf("replies from different chats share channel %s", inA.ChannelID)
	}
}

func TestIncomingFromMessage_Caption(t *testing.T) {
	msg := groupMessage("")
	msg.Caption = "whiteboard photo"
	msg.From = &tgbotapi.User{ID: 42, FirstName: "Ann", LastName: "Lee"}

	in, ok := incomingFromMessage(msg)
	if !ok {
		t.Fatalf("incomingFromMessage() ok = false")
	}
	if in.Text != "whiteboard photo" || in.Type != "caption" || in.UserName != "Ann Lee" {
		t.Fatalf("unexpected incoming: %+v", in)
	}
	if in.ThreadTS != nil {
		t.Fatalf("top-level message has a thread")
	}
}

func TestIncomingFromMessage_Skips(t *testing.T) {
	noAuthor := groupMessage("hello")
	noAuthor.From = nil
	if _, ok := incomingFromMessage(noAuthor); ok {
		t.Fatalf("message without author accepted")
	}
	if _, ok := incomingFromMessage(groupMessage("   ")); ok {
		t.Fatalf("blank message accepted")
	}
}

func TestHandleMessage_Records(t *testing.T) {
	b, out, mem := newTestBot()

	b.handleMessage(context.Background(), groupMessage("the deploy moved to friday"))

	if len(mem.recorded) != 1 || mem.recorded[0].Text != "the deploy moved to friday" {
		t.Fatalf("recorded = %+v", mem.recorded)
	}
	if len(out.sent) != 0 {
		t.Fatalf("bot replied in a group: %+v", out.sent)
	}
}

func TestHandleMessage_Errors(t *testing.T) {
	b, out, mem := newTestBot()

	mem.recordErr = errors.Wrap(storage.ErrDuplicate, "error creating message")
	b.handleMessage(context.Background(), groupMessage("again"))
	if len(out.sent) != 0 {
		t.Fatalf("duplicate produced a reply: %+v", out.sent)
	}

	mem.recordErr = errors.New("database down")
	private := groupMessage("note to self")
	private.Chat = &tgbotapi.Chat{ID: 42, Type: "private", UserName: "ann"}
	b.handleMessage(context.Background(), private)
	if len(out.sent) != 1 || !strings.Contains(out.sent[0].Text, "couldn't remember") {
		t.Fatalf("sent = %+v, want one error reply", out.sent)
	}
}

func TestRecallCommand(t *testing.T) {
	b, out, mem := newTestBot()
	name := "bob"
	mem.results = []storage.ScoredMessage{{
		Message:    &models.Message{ID: uuid.New(), UserID: "7", UserName: &name, Text: "deploy is on friday."},
		Similarity: 0.931,
	}}

	b.handleMessage(context.Background(), commandMessage("/recall when is the deploy"))

	if mem.recallText != "when is the deploy" {
		t.Fatalf("recall text = %q", mem.recallText)
	}
	if mem.recallOpts.ChannelID != "-100" || mem.recallOpts.Limit != recallLimit {
		t.Fatalf("recall options = %+v", mem.recallOpts)
	}
	if len(out.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(out.sent))
	}
	reply := out.sent[0]
	if reply.ParseMode != tgbotapi.ModeMarkdownV2 {
		t.Fatalf("ParseMode = %q", reply.ParseMode)
	}
	for _, part := range []string{"*bob*", `\(93%\)`, `_deploy is on friday\._`} {
		if !strings.Contains(reply.Text, part) {
			t.Fatalf("reply %q missing %q", reply.Text, part)
		}
	}
}

func TestRecallCommand_Usage(t *testing.T) {
	b, out, _ := newTestBot()

	b.handleMessage(context.Background(), commandMessage("/recall"))

	if len(out.sent) != 1 || !strings.HasPrefix(out.sent[0].Text, "Usage:") {
		t.Fatalf("sent = %+v, want usage hint", out.sent)
	}
}

func TestStatsCommand(t *testing.T) {
	b, out, mem := newTestBot()

	b.handleMessage(context.Background(), commandMessage("/stats"))
	if len(out.sent) != 1 || !strings.Contains(out.sent[0].Text, "haven't seen") {
		t.Fatalf("sent = %+v, want unknown-user reply", out.sent)
	}

	first := time.Date(2024, 1, 2, 3, 4, 0, 0, time.UTC)
	mem.profile = &memory.Profile{
		Context: &models.UserContext{
			UserID:           "42",
			TotalMessages:    12,
			FirstMessageAt:   &first,
			TopicsOfInterest: models.StringList{"go", "road trip"},
		},
		ActiveMessages: 11,
	}
	b.handleMessage(context.Background(), commandMessage("/stats"))
	text := out.sent[1].Text
	for _, part := range []string{"Messages: 12 \\(11 stored\\)", "First seen: 2024\\-01\\-02", "\\#go", "\\#road\\_trip"} {
		if !strings.Contains(text, part) {
			t.Fatalf("stats reply %q missing %q", text, part)
		}
	}
}

func TestHistoryCommand(t *testing.T) {
	b, out, mem := newTestBot()

	b.handleMessage(context.Background(), commandMessage("/history"))
	if len(out.sent) != 1 || !strings.Contains(out.sent[0].Text, "don't have any messages") {
		t.Fatalf("sent = %+v, want empty-history reply", out.sent)
	}

	mem.history = []*models.Message{{Text: "ship v2."}, {Text: "lunch?"}}
	b.handleMessage(context.Background(), commandMessage("/history"))
	reply := out.sent[1]
	if reply.ParseMode != tgbotapi.ModeMarkdownV2 {
		t.Fatalf("ParseMode = %q", reply.ParseMode)
	}
	for _, part := range []string{"_ship v2\\._", "_lunch?_"} {
		if !strings.Contains(reply.Text, part) {
			t.Fatalf("history reply %q missing %q", reply.Text, part)
		}
	}
}

func TestUnknownCommand(t *testing.T) {
	b, out, _ := newTestBot()

	b.handleMessage(context.Background(), commandMessage("/tags"))

	if len(out.sent) != 1 || !strings.HasPrefix(out.sent[0].Text, "Unknown command") {
		t.Fatalf("sent = %+v", out.sent)
	}
}

func TestEscapeMarkdown(t *testing.T) {
	got := escapeMarkdown(`a_b*c [x](y) 1.5! \`)
	want := `a\_b\*c \[x\]\(y\) 1\.5\! \\`
	if got != want {
		t.Fatalf("escapeMarkdown() = %q, want %q", got, want)
	}
}
