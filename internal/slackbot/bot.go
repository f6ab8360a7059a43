// Package slackbot relays Slack conversations to a ChatGPT backend over
// Socket Mode. Conversation continuity is carried in Slack message metadata
// rather than a database; backend mode, proxy rotation, and the internet
// augmentation flag are runtime-mutable through plain chat commands.
package slackbot

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"golang.org/x/sync/errgroup"

	"github.com/huluohu/chatgpt-slackbot/internal/chatgpt"
	"github.com/huluohu/chatgpt-slackbot/internal/logging"
)

const (
	messageDedupCacheSize = 512
	messageDedupTTL       = 10 * time.Minute

	thinkingPlaceholder = ":thought_balloon:"
	answerDoneSuffix    = " :end:"

	// apologyText is the only failure text users ever see. Error detail
	// goes to the log, never into the channel.
	apologyText = "别慌，简单说就是服务器招架不住了，你等一会再玩。"

	resetReplyText       = "I reset your session"
	keyModeReplyText     = "已设置KEY模式"
	tokenModeReplyText   = "已设置TOKEN模式"
	internetOnReplyText  = "已开启联网模式"
	internetOffReplyText = "已关闭联网模式"
)

// Chat commands recognized as plain message text.
const (
	commandReset       = "reset"
	commandUseKey      = "usekey"
	commandUseToken    = "usetoken"
	commandInternetOn  = "ointernet"
	commandInternetOff = "cinternet"
)

var mentionPattern = regexp.MustCompile(`(?:\s)<@[^, ]*|(?:^)<@[^, ]*`)

// errNoBackendClient marks a turn that failed before any backend request was
// issued, so failTurn must not rotate the proxy pool for it.
var errNoBackendClient = errors.New("no backend client configured")

// Clients maps each backend mode to its client.
type Clients map[chatgpt.Mode]chatgpt.Client

// Augmenter rewrites a prompt with retrieved web context. Implementations
// must fall back to the original prompt on failure.
type Augmenter interface {
	Augment(ctx context.Context, prompt string) string
}

// Config carries the bot's static settings.
type Config struct {
	BotToken          string
	AppToken          string
	DefaultMode       chatgpt.Mode
	InternetEnabled   bool
	Timeout           time.Duration
	SlashResetCommand string
	Debug             bool
}

// Options injects collaborators. Messenger and Threads default to the real
// Slack-backed implementations at Run time; tests supply fakes.
type Options struct {
	Messenger Messenger
	Threads   ThreadStore
	Clients   Clients
	Pool      *chatgpt.Pool
	Augmenter Augmenter
	Logger    logging.Logger
}

// Bot is the event router. Each incoming event is handled in its own
// goroutine; shared runtime state lives behind State.
type Bot struct {
	cfg       Config
	messenger Messenger
	threads   ThreadStore
	clients   Clients
	pool      *chatgpt.Pool
	augmenter Augmenter
	state     *State
	logger    logging.Logger
	selfID    string

	dedupMu    sync.Mutex
	dedupCache *lru.Cache[string, time.Time]
	now        func() time.Time

	// updateDelay is the streaming-edit quiescence window; tests shorten it.
	updateDelay time.Duration
}

// New constructs the bot.
func New(cfg Config, opts Options) (*Bot, error) {
	if len(opts.Clients) == 0 {
		return nil, fmt.Errorf("slackbot: at least one backend client is required")
	}
	if opts.Clients[cfg.DefaultMode] == nil {
		return nil, fmt.Errorf("slackbot: no client for default mode %s", cfg.DefaultMode)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = chatgpt.DefaultTimeout
	}
	dedupCache, err := lru.New[string, time.Time](messageDedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("slackbot: event deduper init: %w", err)
	}
	return &Bot{
		cfg:        cfg,
		messenger:  opts.Messenger,
		threads:    opts.Threads,
		clients:    opts.Clients,
		pool:       opts.Pool,
		augmenter:  opts.Augmenter,
		state:      NewState(cfg.DefaultMode, cfg.InternetEnabled),
		logger:     logging.OrNop(opts.Logger),
		dedupCache: dedupCache,
		now:        time.Now,

		updateDelay: updateQuiescence,
	}, nil
}

// State exposes the runtime-mutable settings, primarily for tests.
func (b *Bot) State() *State { return b.state }

// Run connects over Socket Mode and routes events until ctx is canceled.
func (b *Bot) Run(ctx context.Context) error {
	api := slack.New(b.cfg.BotToken,
		slack.OptionAppLevelToken(b.cfg.AppToken),
		slack.OptionDebug(b.cfg.Debug),
	)
	if b.messenger == nil {
		b.messenger = NewMessenger(api)
	}
	if b.threads == nil {
		b.threads = NewThreadStore(b.messenger)
	}

	auth, err := api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	b.selfID = auth.UserID
	b.logger.Info("connected as %s (%s)", auth.User, auth.UserID)

	socket := socketmode.New(api, socketmode.OptionDebug(b.cfg.Debug))

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return socket.RunContext(ctx)
	})
	group.Go(func() error {
		b.eventLoop(ctx, socket)
		return nil
	})
	return group.Wait()
}

func (b *Bot) eventLoop(ctx context.Context, socket *socketmode.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-socket.Events:
			if !ok {
				return
			}
			b.routeEvent(ctx, socket, evt)
		}
	}
}

func (b *Bot) routeEvent(ctx context.Context, socket *socketmode.Client, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		b.logger.Debug("connecting to Slack")
	case socketmode.EventTypeConnected:
		b.logger.Info("socket mode connected")
	case socketmode.EventTypeConnectionError:
		b.logger.Warn("socket mode connection error: %v", evt.Data)
	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			socket.Ack(*evt.Request)
		}
		b.routeEventsAPI(ctx, apiEvent)
	case socketmode.EventTypeSlashCommand:
		cmd, ok := evt.Data.(slack.SlashCommand)
		if !ok {
			return
		}
		// Slash commands must be acked within the platform deadline
		// before any real work happens.
		if evt.Request != nil {
			socket.Ack(*evt.Request)
		}
		go b.handleSlashCommand(ctx, cmd)
	}
}

func (b *Bot) routeEventsAPI(ctx context.Context, apiEvent slackevents.EventsAPIEvent) {
	switch ev := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		if b.isDuplicateEvent("message:" + ev.Channel + ":" + ev.TimeStamp) {
			return
		}
		go b.handleMessage(ctx, ev)
	case *slackevents.AppMentionEvent:
		if b.isDuplicateEvent("mention:" + ev.Channel + ":" + ev.TimeStamp) {
			return
		}
		go b.handleMention(ctx, ev)
	}
}

func (b *Bot) isDuplicateEvent(key string) bool {
	if key == "" {
		return false
	}
	b.dedupMu.Lock()
	defer b.dedupMu.Unlock()

	now := b.now()
	if ts, ok := b.dedupCache.Get(key); ok {
		if now.Sub(ts) <= messageDedupTTL {
			return true
		}
		b.dedupCache.Remove(key)
	}
	b.dedupCache.Add(key, now)
	return false
}

// handleMessage deals with direct/channel messages: chat commands first,
// then a full relay turn with metadata-derived conversation continuity.
func (b *Bot) handleMessage(ctx context.Context, ev *slackevents.MessageEvent) {
	if ev.SubType != "" || ev.BotID != "" {
		return
	}
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return
	}
	// Mentions arrive separately as app_mention events.
	if b.selfID != "" && strings.Contains(ev.Text, "<@"+b.selfID+">") {
		return
	}

	switch text {
	case commandReset:
		b.state.ResetMentionRef()
		b.post(ctx, ev.Channel, resetReplyText)
		return
	case commandUseKey:
		b.state.SetMode(chatgpt.ModeKey)
		b.post(ctx, ev.Channel, keyModeReplyText)
		return
	case commandUseToken:
		b.state.SetMode(chatgpt.ModeToken)
		b.post(ctx, ev.Channel, tokenModeReplyText)
		return
	case commandInternetOn:
		b.state.SetInternet(true)
		b.post(ctx, ev.Channel, internetOnReplyText)
		return
	case commandInternetOff:
		b.state.SetInternet(false)
		b.post(ctx, ev.Channel, internetOffReplyText)
		return
	}

	b.runTurn(ctx, ev.Channel, ev.TimeStamp, ev.User, text)
}

// runTurn executes one relay turn: recover the thread ref, post a
// placeholder reply, stream the answer into it, then finalize.
func (b *Bot) runTurn(ctx context.Context, channel, ts, user, text string) {
	prompt := b.maybeAugment(ctx, text)

	// A failed history fetch ends the turn but is not a backend failure,
	// so the proxy pool is left alone.
	ref, err := b.threads.Recover(ctx, channel, ts)
	if err != nil {
		b.logger.Error("history fetch in %s failed: %v", channel, err)
		b.post(ctx, channel, apologyText)
		return
	}

	replyTS, err := b.messenger.PostMessage(ctx, channel, thinkingPlaceholder)
	if err != nil {
		b.logger.Error("post placeholder in %s failed: %v", channel, err)
		return
	}

	scheduler := newUpdateScheduler(func(partial chatgpt.Answer) error {
		return b.messenger.UpdateMessage(ctx, channel, replyTS, partial.Text, answerMetadata(partial))
	}, b.logger)
	scheduler.delay = b.updateDelay

	answer, err := b.send(ctx, prompt, ref, scheduler.Update)
	scheduler.Stop()
	if err != nil {
		b.failTurn(ctx, channel, err)
		return
	}

	b.logger.Info("answered @%s in %s", user, channel)
	final := answer.Text + answerDoneSuffix
	if err := b.messenger.UpdateMessage(ctx, channel, replyTS, final, answerMetadata(*answer)); err != nil {
		b.logger.Warn("final edit in %s failed: %v", channel, err)
	}
}

// handleMention answers @-mentions. The thread ref here is process-local
// state rather than metadata-derived, and the reply quotes the question.
func (b *Bot) handleMention(ctx context.Context, ev *slackevents.AppMentionEvent) {
	question := strings.TrimSpace(stripMention(ev.Text))
	if question == "" {
		return
	}

	prompt := b.maybeAugment(ctx, question)
	answer, err := b.send(ctx, prompt, b.state.MentionRef(), nil)
	if err != nil {
		b.failTurn(ctx, ev.Channel, err)
		return
	}
	b.state.AdvanceMentionRef(*answer)

	var reply strings.Builder
	fmt.Fprintf(&reply, "<@%s> You asked:\n", ev.User)
	reply.WriteString(">" + question + "\n")
	reply.WriteString(answer.Text)
	b.post(ctx, ev.Channel, reply.String())
}

// handleSlashCommand resets the mention-path session. The ack already
// happened in routeEvent.
func (b *Bot) handleSlashCommand(ctx context.Context, cmd slack.SlashCommand) {
	if cmd.Command != b.cfg.SlashResetCommand {
		b.logger.Debug("ignoring slash command %s", cmd.Command)
		return
	}
	b.state.ResetMentionRef()
	b.post(ctx, cmd.ChannelID, resetReplyText)
}

func (b *Bot) send(ctx context.Context, text string, ref chatgpt.ConversationRef, onProgress func(chatgpt.Answer)) (*chatgpt.Answer, error) {
	mode := b.state.Mode()
	client := b.clients[mode]
	if client == nil {
		return nil, fmt.Errorf("%w for %s mode", errNoBackendClient, mode)
	}
	b.logger.Debug("backend mode: %s", mode)
	return client.SendMessage(ctx, text, chatgpt.SendOptions{
		Ref:        ref,
		Timeout:    b.cfg.Timeout,
		OnProgress: onProgress,
	})
}

// failTurn posts the fixed apology and, in TOKEN mode, rotates the proxy
// pool exactly once. The request itself is never retried. Turns that never
// reached a backend leave the pool alone.
func (b *Bot) failTurn(ctx context.Context, channel string, err error) {
	if chatgpt.IsTimeout(err) {
		b.logger.Error("turn in %s timed out: %v", channel, err)
	} else {
		b.logger.Error("turn in %s failed: %v", channel, err)
	}
	if b.state.Mode() == chatgpt.ModeToken && b.pool != nil && !errors.Is(err, errNoBackendClient) {
		next := b.pool.Rotate()
		b.logger.Info("proxy pool rotated, active endpoint: %s", next)
	}
	b.post(ctx, channel, apologyText)
}

func (b *Bot) maybeAugment(ctx context.Context, text string) string {
	if b.augmenter == nil || !b.state.InternetEnabled() {
		return text
	}
	return b.augmenter.Augment(ctx, text)
}

func (b *Bot) post(ctx context.Context, channel, text string) {
	if _, err := b.messenger.PostMessage(ctx, channel, text); err != nil {
		b.logger.Warn("post to %s failed: %v", channel, err)
	}
}

// stripMention removes the first bot-mention token from the message text.
func stripMention(text string) string {
	if loc := mentionPattern.FindStringIndex(text); loc != nil {
		return text[:loc[0]] + text[loc[1]:]
	}
	return text
}
