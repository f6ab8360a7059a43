package slackbot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/huluohu/chatgpt-slackbot/internal/chatgpt"
)

// fakeBackend is a scripted chatgpt.Client.
type fakeBackend struct {
	mu           sync.Mutex
	answer       chatgpt.Answer
	err          error
	partials     []string
	partialPause time.Duration

	gotText string
	gotRef  chatgpt.ConversationRef
	calls   int
}

func (f *fakeBackend) SendMessage(ctx context.Context, text string, opts chatgpt.SendOptions) (*chatgpt.Answer, error) {
	f.mu.Lock()
	f.gotText = text
	f.gotRef = opts.Ref
	f.calls++
	f.mu.Unlock()
	for _, partial := range f.partials {
		if opts.OnProgress != nil {
			opts.OnProgress(chatgpt.Answer{Text: partial, ConversationID: f.answer.ConversationID, ID: f.answer.ID})
		}
		if f.partialPause > 0 {
			time.Sleep(f.partialPause)
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	answer := f.answer
	return &answer, nil
}

type fixedAugmenter struct {
	suffix string
	calls  int
}

func (a *fixedAugmenter) Augment(ctx context.Context, prompt string) string {
	a.calls++
	return prompt + a.suffix
}

type testBot struct {
	bot       *Bot
	messenger *fakeMessenger
	key       *fakeBackend
	token     *fakeBackend
	pool      *chatgpt.Pool
}

func newTestBot(t *testing.T, cfg Config) *testBot {
	t.Helper()
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = chatgpt.ModeToken
	}
	if cfg.SlashResetCommand == "" {
		cfg.SlashResetCommand = "/reset"
	}
	messenger := &fakeMessenger{history: []slack.Message{{}}}
	key := &fakeBackend{answer: chatgpt.Answer{Text: "key answer", ConversationID: "kc", ID: "k1"}}
	token := &fakeBackend{answer: chatgpt.Answer{Text: "token answer", ConversationID: "tc", ID: "t1"}}
	pool, err := chatgpt.NewPool([]string{"https://p1", "https://p2", "https://p3"}, "")
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	bot, err := New(cfg, Options{
		Messenger: messenger,
		Threads:   NewThreadStore(messenger),
		Clients:   Clients{chatgpt.ModeKey: key, chatgpt.ModeToken: token},
		Pool:      pool,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testBot{bot: bot, messenger: messenger, key: key, token: token, pool: pool}
}

func userMessage(channel, ts, text string) *slackevents.MessageEvent {
	return &slackevents.MessageEvent{
		Channel:   channel,
		User:      "U1",
		Text:      text,
		TimeStamp: ts,
	}
}

func TestTurnPostsPlaceholderAndFinalEdit(t *testing.T) {
	tb := newTestBot(t, Config{})
	tb.messenger.history = []slack.Message{
		{},
		botMessageWithMetadata("conv-1", "parent-1"),
	}

	tb.bot.handleMessage(context.Background(), userMessage("C1", "1.0", "hello bot"))

	if len(tb.messenger.posts) != 1 || tb.messenger.posts[0].text != thinkingPlaceholder {
		t.Fatalf("posts = %+v", tb.messenger.posts)
	}
	if tb.token.gotText != "hello bot" {
		t.Fatalf("backend text = %q", tb.token.gotText)
	}
	wantRef := chatgpt.ConversationRef{ConversationID: "conv-1", ParentMessageID: "parent-1"}
	if tb.token.gotRef != wantRef {
		t.Fatalf("backend ref = %+v, want %+v", tb.token.gotRef, wantRef)
	}

	if len(tb.messenger.updates) != 1 {
		t.Fatalf("updates = %+v", tb.messenger.updates)
	}
	final := tb.messenger.updates[0]
	if final.text != "token answer"+answerDoneSuffix {
		t.Fatalf("final text = %q", final.text)
	}
	if final.metadata == nil || final.metadata.EventType != metadataEventType {
		t.Fatalf("final metadata = %+v", final.metadata)
	}
	if got := final.metadata.EventPayload[payloadConversationID]; got != "tc" {
		t.Fatalf("metadata conversation = %v", got)
	}
}

func TestStreamingEditsCarryThreadMetadata(t *testing.T) {
	tb := newTestBot(t, Config{})
	tb.bot.updateDelay = 5 * time.Millisecond
	tb.token.partials = []string{"token", "token answ"}
	tb.token.partialPause = 50 * time.Millisecond

	tb.bot.handleMessage(context.Background(), userMessage("C1", "1.0", "hello"))

	updates := tb.messenger.updates
	if len(updates) < 2 {
		t.Fatalf("updates = %+v, want streaming edits before the final one", updates)
	}

	final := updates[len(updates)-1]
	if final.text != "token answer"+answerDoneSuffix {
		t.Fatalf("final text = %q", final.text)
	}
	for _, update := range updates[:len(updates)-1] {
		if strings.HasSuffix(update.text, answerDoneSuffix) {
			t.Fatalf("streaming edit %q carries the done marker", update.text)
		}
		if update.metadata == nil || update.metadata.EventType != metadataEventType {
			t.Fatalf("streaming edit missing thread metadata: %+v", update)
		}
		if got := update.metadata.EventPayload[payloadConversationID]; got != "tc" {
			t.Fatalf("streaming edit conversation = %v, want tc", got)
		}
		if got := update.metadata.EventPayload[payloadParentMessageID]; got != "t1" {
			t.Fatalf("streaming edit parent = %v, want t1", got)
		}
	}
}

func TestTurnWithoutPriorMetadataStartsFresh(t *testing.T) {
	tb := newTestBot(t, Config{})

	tb.bot.handleMessage(context.Background(), userMessage("C1", "1.0", "hi"))

	if !tb.token.gotRef.Empty() {
		t.Fatalf("ref = %+v, want empty", tb.token.gotRef)
	}
}

func TestTokenFailureRotatesPoolOnceAndApologizes(t *testing.T) {
	tb := newTestBot(t, Config{})
	tb.token.err = errors.New("bad gateway")

	tb.bot.handleMessage(context.Background(), userMessage("C1", "1.0", "hi"))

	if got := tb.pool.Active(); got != "https://p2" {
		t.Fatalf("active endpoint = %q, want single left-rotate", got)
	}
	posts := tb.messenger.posts
	if len(posts) != 2 {
		t.Fatalf("posts = %+v", posts)
	}
	apology := posts[1].text
	if apology != apologyText {
		t.Fatalf("apology = %q", apology)
	}
	if strings.Contains(apology, "bad gateway") {
		t.Fatal("raw error leaked to user")
	}
	if tb.token.calls != 1 {
		t.Fatalf("backend calls = %d, want no retry", tb.token.calls)
	}
}

func TestKeyFailureDoesNotRotate(t *testing.T) {
	tb := newTestBot(t, Config{DefaultMode: chatgpt.ModeKey})
	tb.key.err = errors.New("401")

	tb.bot.handleMessage(context.Background(), userMessage("C1", "1.0", "hi"))

	if got := tb.pool.Active(); got != "https://p1" {
		t.Fatalf("active endpoint = %q, pool should be untouched", got)
	}
}

func TestMissingBackendClientLeavesPoolAlone(t *testing.T) {
	messenger := &fakeMessenger{history: []slack.Message{{}}}
	key := &fakeBackend{answer: chatgpt.Answer{Text: "key answer"}}
	pool, err := chatgpt.NewPool([]string{"https://p1", "https://p2"}, "")
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	bot, err := New(Config{DefaultMode: chatgpt.ModeKey, SlashResetCommand: "/reset"}, Options{
		Messenger: messenger,
		Threads:   NewThreadStore(messenger),
		Clients:   Clients{chatgpt.ModeKey: key},
		Pool:      pool,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Switch into the mode that has no client configured.
	bot.handleMessage(context.Background(), userMessage("C1", "1.0", "usetoken"))
	bot.handleMessage(context.Background(), userMessage("C1", "2.0", "hi"))

	if got := pool.Active(); got != "https://p1" {
		t.Fatalf("pool rotated without a backend request, active = %q", got)
	}
	if key.calls != 0 {
		t.Fatalf("key client called %d times in token mode", key.calls)
	}
	last := messenger.posts[len(messenger.posts)-1]
	if last.text != apologyText {
		t.Fatalf("last post = %q, want apology", last.text)
	}
}

func TestHistoryFailureEndsTurn(t *testing.T) {
	tb := newTestBot(t, Config{})
	tb.messenger.historyErr = errors.New("rate_limited")

	tb.bot.handleMessage(context.Background(), userMessage("C1", "1.0", "hi"))

	if tb.token.calls != 0 {
		t.Fatal("backend called despite history failure")
	}
	if len(tb.messenger.posts) != 1 || tb.messenger.posts[0].text != apologyText {
		t.Fatalf("posts = %+v", tb.messenger.posts)
	}
	if got := tb.pool.Active(); got != "https://p1" {
		t.Fatalf("pool rotated on a non-backend failure, active = %q", got)
	}
}

func TestModeCommands(t *testing.T) {
	tb := newTestBot(t, Config{})

	tb.bot.handleMessage(context.Background(), userMessage("C1", "1.0", "usekey"))
	if tb.bot.State().Mode() != chatgpt.ModeKey {
		t.Fatalf("mode = %s", tb.bot.State().Mode())
	}
	tb.bot.handleMessage(context.Background(), userMessage("C1", "2.0", "usetoken"))
	if tb.bot.State().Mode() != chatgpt.ModeToken {
		t.Fatalf("mode = %s", tb.bot.State().Mode())
	}

	if tb.token.calls != 0 || tb.key.calls != 0 {
		t.Fatal("commands must not reach the backend")
	}
	if len(tb.messenger.posts) != 2 {
		t.Fatalf("posts = %+v", tb.messenger.posts)
	}
	if tb.messenger.posts[0].text != keyModeReplyText || tb.messenger.posts[1].text != tokenModeReplyText {
		t.Fatalf("replies = %+v", tb.messenger.posts)
	}
}

func TestInternetCommandsToggleAugmentation(t *testing.T) {
	tb := newTestBot(t, Config{})
	augmenter := &fixedAugmenter{suffix: " [augmented]"}
	tb.bot.augmenter = augmenter

	tb.bot.handleMessage(context.Background(), userMessage("C1", "1.0", "what is new"))
	if augmenter.calls != 0 {
		t.Fatal("augmenter ran while internet disabled")
	}

	tb.bot.handleMessage(context.Background(), userMessage("C1", "2.0", "ointernet"))
	if !tb.bot.State().InternetEnabled() {
		t.Fatal("internet flag not set")
	}
	tb.bot.handleMessage(context.Background(), userMessage("C1", "3.0", "what is new"))
	if augmenter.calls != 1 {
		t.Fatalf("augmenter calls = %d", augmenter.calls)
	}
	if tb.token.gotText != "what is new [augmented]" {
		t.Fatalf("backend text = %q", tb.token.gotText)
	}

	tb.bot.handleMessage(context.Background(), userMessage("C1", "4.0", "cinternet"))
	if tb.bot.State().InternetEnabled() {
		t.Fatal("internet flag not cleared")
	}
}

func TestFiltersNonUserMessages(t *testing.T) {
	tb := newTestBot(t, Config{})

	bot := userMessage("C1", "1.0", "hi")
	bot.BotID = "B1"
	tb.bot.handleMessage(context.Background(), bot)

	edited := userMessage("C1", "2.0", "hi")
	edited.SubType = "message_changed"
	tb.bot.handleMessage(context.Background(), edited)

	tb.bot.handleMessage(context.Background(), userMessage("C1", "3.0", "   "))

	if len(tb.messenger.posts) != 0 || tb.token.calls != 0 {
		t.Fatalf("filtered events produced side effects: %+v", tb.messenger.posts)
	}
}

func TestMentionUsesProcessLocalThread(t *testing.T) {
	tb := newTestBot(t, Config{})

	ev := &slackevents.AppMentionEvent{
		Channel:   "C2",
		User:      "U7",
		Text:      "<@BOT123> what time is it",
		TimeStamp: "5.0",
	}
	tb.bot.handleMention(context.Background(), ev)

	if tb.token.gotText != "what time is it" {
		t.Fatalf("backend text = %q", tb.token.gotText)
	}
	if !tb.token.gotRef.Empty() {
		t.Fatalf("first mention ref = %+v, want empty", tb.token.gotRef)
	}

	if len(tb.messenger.posts) != 1 {
		t.Fatalf("posts = %+v", tb.messenger.posts)
	}
	reply := tb.messenger.posts[0].text
	if !strings.HasPrefix(reply, "<@U7> You asked:\n>what time is it\n") {
		t.Fatalf("reply = %q", reply)
	}
	if !strings.HasSuffix(reply, "token answer") {
		t.Fatalf("reply = %q", reply)
	}

	// Follow-up mention continues from the stored answer.
	tb.bot.handleMention(context.Background(), ev)
	wantRef := chatgpt.ConversationRef{ConversationID: "tc", ParentMessageID: "t1"}
	if tb.token.gotRef != wantRef {
		t.Fatalf("second mention ref = %+v, want %+v", tb.token.gotRef, wantRef)
	}
}

func TestMentionFailureApologizesAndRotates(t *testing.T) {
	tb := newTestBot(t, Config{})
	tb.token.err = errors.New("timeout")

	tb.bot.handleMention(context.Background(), &slackevents.AppMentionEvent{
		Channel: "C2", User: "U7", Text: "<@BOT123> hello",
	})

	if len(tb.messenger.posts) != 1 || tb.messenger.posts[0].text != apologyText {
		t.Fatalf("posts = %+v", tb.messenger.posts)
	}
	if got := tb.pool.Active(); got != "https://p2" {
		t.Fatalf("active endpoint = %q", got)
	}
	if !tb.bot.State().MentionRef().Empty() {
		t.Fatal("mention ref advanced on failure")
	}
}

func TestResetClearsMentionThread(t *testing.T) {
	tb := newTestBot(t, Config{})
	tb.bot.State().AdvanceMentionRef(chatgpt.Answer{ConversationID: "c", ID: "m"})

	tb.bot.handleMessage(context.Background(), userMessage("C1", "1.0", "reset"))

	if !tb.bot.State().MentionRef().Empty() {
		t.Fatal("mention ref not cleared")
	}
	if len(tb.messenger.posts) != 1 || tb.messenger.posts[0].text != resetReplyText {
		t.Fatalf("posts = %+v", tb.messenger.posts)
	}
}

func TestSlashCommandReset(t *testing.T) {
	tb := newTestBot(t, Config{})
	tb.bot.State().AdvanceMentionRef(chatgpt.Answer{ConversationID: "c", ID: "m"})

	tb.bot.handleSlashCommand(context.Background(), slack.SlashCommand{
		Command:   "/reset",
		ChannelID: "C1",
	})

	if !tb.bot.State().MentionRef().Empty() {
		t.Fatal("mention ref not cleared")
	}
	if len(tb.messenger.posts) != 1 || tb.messenger.posts[0].text != resetReplyText {
		t.Fatalf("posts = %+v", tb.messenger.posts)
	}
}

func TestUnknownSlashCommandIgnored(t *testing.T) {
	tb := newTestBot(t, Config{})
	tb.bot.handleSlashCommand(context.Background(), slack.SlashCommand{Command: "/deploy", ChannelID: "C1"})
	if len(tb.messenger.posts) != 0 {
		t.Fatalf("posts = %+v", tb.messenger.posts)
	}
}

func TestDuplicateEventsDropped(t *testing.T) {
	tb := newTestBot(t, Config{})

	if tb.bot.isDuplicateEvent("message:C1:1.0") {
		t.Fatal("first sighting flagged as duplicate")
	}
	if !tb.bot.isDuplicateEvent("message:C1:1.0") {
		t.Fatal("second sighting not flagged")
	}
	if tb.bot.isDuplicateEvent("message:C1:2.0") {
		t.Fatal("distinct event flagged as duplicate")
	}

	// Entries expire after the TTL.
	tb.bot.now = func() time.Time { return time.Now().Add(messageDedupTTL + time.Minute) }
	if tb.bot.isDuplicateEvent("message:C1:1.0") {
		t.Fatal("expired entry still flagged")
	}
}

func TestSelfMentionMessagesSkipped(t *testing.T) {
	tb := newTestBot(t, Config{})
	tb.bot.selfID = "BOT123"

	tb.bot.handleMessage(context.Background(), userMessage("C1", "1.0", "<@BOT123> hello"))

	if tb.token.calls != 0 || len(tb.messenger.posts) != 0 {
		t.Fatal("mention-carrying message handled on the message path")
	}
}

func TestNewRequiresDefaultModeClient(t *testing.T) {
	_, err := New(Config{DefaultMode: chatgpt.ModeKey}, Options{
		Clients: Clients{chatgpt.ModeToken: &fakeBackend{}},
	})
	if err == nil {
		t.Fatal("expected error when default mode has no client")
	}
}
