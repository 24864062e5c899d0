// ABOUTME: Slack Socket Mode frontend driving the bridge router.
// ABOUTME: Filters inbound events, dedupes redeliveries, and routes button clicks.

package slack

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/2389/coven-relay/internal/approval"
	"github.com/2389/coven-relay/internal/bridge"
	"github.com/2389/coven-relay/internal/dedupe"
)

// Config assembles the Slack frontend.
type Config struct {
	AppToken        string
	BotToken        string
	AllowedChannels []string

	Handler bridge.Handler
	Dedupe  *dedupe.Cache
	Logger  *slog.Logger
	Debug   bool
}

// Frontend runs the Socket Mode connection and translates Slack events into
// bridge messages and actions. One goroutine per inbound message; the
// router serializes per conversation.
type Frontend struct {
	api     slackAPI
	socket  *socketmode.Client
	handler bridge.Handler
	dedupe  *dedupe.Cache
	allowed map[string]bool
	logger  *slog.Logger

	botUserID string
	ready     atomic.Bool
}

// New validates cfg and builds the frontend. The returned Messenger shares
// the frontend's API client; the caller wires it into the router.
func New(cfg Config) (*Frontend, *Messenger, error) {
	if !strings.HasPrefix(cfg.AppToken, "xapp-") {
		return nil, nil, fmt.Errorf("app token must start with xapp-")
	}
	if !strings.HasPrefix(cfg.BotToken, "xoxb-") {
		return nil, nil, fmt.Errorf("bot token must start with xoxb-")
	}
	if cfg.Handler == nil {
		return nil, nil, fmt.Errorf("handler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "slack")

	client := slack.New(
		cfg.BotToken,
		slack.OptionDebug(cfg.Debug),
		slack.OptionAppLevelToken(cfg.AppToken),
	)
	socket := socketmode.New(client, socketmode.OptionDebug(cfg.Debug))

	allowed := make(map[string]bool, len(cfg.AllowedChannels))
	for _, ch := range cfg.AllowedChannels {
		allowed[ch] = true
	}

	f := &Frontend{
		api:     client,
		socket:  socket,
		handler: cfg.Handler,
		dedupe:  cfg.Dedupe,
		allowed: allowed,
		logger:  logger,
	}
	return f, NewMessenger(client, logger), nil
}

// Name identifies this frontend in conversation IDs and logs.
func (f *Frontend) Name() string { return "slack" }

// Ready reports whether the Socket Mode connection is authenticated.
func (f *Frontend) Ready() bool { return f.ready.Load() }

// Run authenticates, then consumes Socket Mode events until ctx is
// cancelled or the connection fails permanently.
func (f *Frontend) Run(ctx context.Context) error {
	auth, err := f.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	f.botUserID = auth.UserID
	f.logger.Info("slack authenticated", "user", auth.User, "user_id", auth.UserID, "team", auth.Team)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-f.socket.Events:
				if !ok {
					return
				}
				f.handleEvent(ctx, evt)
			}
		}
	}()

	f.ready.Store(true)
	defer f.ready.Store(false)
	return f.socket.RunContext(ctx)
}

func (f *Frontend) handleEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnecting:
		f.logger.Debug("connecting to socket mode")

	case socketmode.EventTypeConnected:
		f.logger.Info("connected to socket mode")

	case socketmode.EventTypeConnectionError:
		f.logger.Warn("socket mode connection error", "data", evt.Data)

	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		// Ack before handling: turns outlast Slack's redelivery window.
		if evt.Request != nil {
			f.socket.Ack(*evt.Request)
		}
		f.handleEventsAPI(ctx, apiEvent)

	case socketmode.EventTypeInteractive:
		callback, ok := evt.Data.(slack.InteractionCallback)
		if !ok {
			return
		}
		if evt.Request != nil {
			f.socket.Ack(*evt.Request)
		}
		f.handleInteraction(ctx, callback)
	}
}

func (f *Frontend) handleEventsAPI(ctx context.Context, apiEvent slackevents.EventsAPIEvent) {
	switch ev := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		f.handleMessageEvent(ctx, ev)
	case *slackevents.AppMentionEvent:
		f.handleMentionEvent(ctx, ev)
	}
}

// handleMessageEvent routes a plain channel message. Bot senders, message
// subtypes (edits, joins, bot_message), and self-messages are dropped;
// the allow-list applies when configured.
func (f *Frontend) handleMessageEvent(ctx context.Context, ev *slackevents.MessageEvent) {
	if ev.BotID != "" || ev.SubType != "" || ev.User == "" || ev.User == f.botUserID {
		return
	}
	if len(f.allowed) > 0 && !f.allowed[ev.Channel] {
		return
	}
	f.dispatch(ctx, ev.Channel, ev.ThreadTimeStamp, ev.TimeStamp, ev.User, ev.Text)
}

// handleMentionEvent routes an @-mention. Mentions bypass the allow-list:
// addressing the bot directly is an explicit opt-in. In allowed channels
// the same utterance also arrives as a message event; the fingerprint
// cache collapses the pair to one turn.
func (f *Frontend) handleMentionEvent(ctx context.Context, ev *slackevents.AppMentionEvent) {
	if ev.BotID != "" || ev.User == "" || ev.User == f.botUserID {
		return
	}
	text := strings.TrimSpace(strings.ReplaceAll(ev.Text, "<@"+f.botUserID+">", ""))
	f.dispatch(ctx, ev.Channel, ev.ThreadTimeStamp, ev.TimeStamp, ev.User, text)
}

func (f *Frontend) dispatch(ctx context.Context, channel, thread, ts, user, text string) {
	if f.dedupe != nil && f.dedupe.Seen(dedupe.Fingerprint("slack", channel, ts)) {
		f.logger.Debug("duplicate event dropped", "channel", channel, "ts", ts)
		return
	}
	msg := bridge.InboundMessage{
		Frontend:  "slack",
		Channel:   channel,
		Thread:    thread,
		MessageID: ts,
		Author:    "<@" + user + ">",
		Text:      text,
	}
	// HandleMessage blocks for the whole turn.
	go f.handler.HandleMessage(ctx, msg)
}

// handleInteraction resolves approval button clicks. Non-approval actions
// are ignored.
func (f *Frontend) handleInteraction(ctx context.Context, callback slack.InteractionCallback) {
	for _, action := range callback.ActionCallback.BlockActions {
		tok, approved, ok := approval.ParseActionTag(action.ActionID)
		if !ok {
			continue
		}
		f.logger.Info("approval button clicked",
			"token", tok, "approved", approved, "user", callback.User.ID)
		act := bridge.Action{
			Frontend: "slack",
			Channel:  callback.Channel.ID,
			Thread:   callback.Message.ThreadTimestamp,
			Token:    tok,
			Approved: approved,
		}
		go f.handler.HandleAction(ctx, act)
	}
}
