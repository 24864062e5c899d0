// ABOUTME: Matrix sync-loop frontend driving the bridge router.
// ABOUTME: Routes room messages to turns and prompt reactions to approval verdicts.

package matrix

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-relay/internal/bridge"
	"github.com/2389/coven-relay/internal/dedupe"
)

// Config assembles the Matrix frontend.
type Config struct {
	Homeserver   string
	UserID       string
	AccessToken  string
	AllowedRooms []string

	// ApprovalWindow bounds how long posted prompts accept reactions.
	ApprovalWindow time.Duration

	// E2EE enables encryption via the crypto helper.
	E2EE E2EEConfig

	Handler bridge.Handler
	Dedupe  *dedupe.Cache
	Logger  *slog.Logger
}

// Frontend runs the sync loop and translates Matrix events into bridge
// messages and actions.
type Frontend struct {
	client  *mautrix.Client
	handler bridge.Handler
	dedupe  *dedupe.Cache
	allowed map[string]bool
	prompts *promptTracker
	e2ee    E2EEConfig
	crypto  *CryptoManager
	logger  *slog.Logger

	ready atomic.Bool
}

// New validates cfg and builds the frontend plus its messenger.
func New(cfg Config) (*Frontend, *Messenger, error) {
	if cfg.Homeserver == "" || cfg.UserID == "" || cfg.AccessToken == "" {
		return nil, nil, fmt.Errorf("homeserver, user_id, and access_token are required")
	}
	if cfg.Handler == nil {
		return nil, nil, fmt.Errorf("handler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "matrix")

	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, nil, fmt.Errorf("creating matrix client: %w", err)
	}

	allowed := make(map[string]bool, len(cfg.AllowedRooms))
	for _, room := range cfg.AllowedRooms {
		allowed[room] = true
	}

	prompts := newPromptTracker(cfg.ApprovalWindow)
	f := &Frontend{
		client:  client,
		handler: cfg.Handler,
		dedupe:  cfg.Dedupe,
		allowed: allowed,
		prompts: prompts,
		e2ee:    cfg.E2EE,
		logger:  logger,
	}
	return f, NewMessenger(client, prompts, logger), nil
}

// Name identifies this frontend in conversation IDs and logs.
func (f *Frontend) Name() string { return "matrix" }

// Ready reports whether the sync loop is running.
func (f *Frontend) Ready() bool { return f.ready.Load() }

// Run starts syncing and blocks until ctx is cancelled or the sync loop
// fails permanently.
func (f *Frontend) Run(ctx context.Context) error {
	f.logger.Info("starting matrix frontend",
		"homeserver", f.client.HomeserverURL.String(),
		"user_id", f.client.UserID)

	if f.e2ee.Enabled {
		crypto, err := SetupCrypto(ctx, f.client, f.e2ee, f.logger)
		if err != nil {
			return fmt.Errorf("setting up encryption: %w", err)
		}
		f.crypto = crypto
		defer func() { _ = crypto.Close() }()
	}

	syncer, ok := f.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", f.client.Syncer)
	}

	// Drop the backlog delivered on the first sync; old messages must not
	// trigger turns after a restart.
	syncer.OnSync(f.client.DontProcessOldEvents)

	syncer.OnEventType(event.EventMessage, f.handleMessageEvent)
	syncer.OnEventType(event.EventReaction, f.handleReactionEvent)

	f.ready.Store(true)
	defer f.ready.Store(false)

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- f.client.SyncWithContext(ctx)
	}()

	select {
	case <-ctx.Done():
		f.logger.Info("shutting down matrix frontend")
		return nil
	case err := <-syncErr:
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

// handleMessageEvent routes one room message. Own messages, non-text
// messages, and rooms outside the allow-list are dropped.
func (f *Frontend) handleMessageEvent(ctx context.Context, evt *event.Event) {
	if evt.Sender == f.client.UserID {
		return
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content.MsgType != event.MsgText {
		return
	}
	room := evt.RoomID.String()
	if len(f.allowed) > 0 && !f.allowed[room] {
		f.logger.Debug("message from room outside allow-list", "room", room)
		return
	}
	if f.dedupe != nil && f.dedupe.Seen(dedupe.Fingerprint("matrix", room, evt.ID.String())) {
		f.logger.Debug("duplicate event dropped", "room", room, "event", evt.ID)
		return
	}

	thread := ""
	if content.RelatesTo != nil {
		if parent := content.RelatesTo.GetThreadParent(); parent != "" {
			thread = parent.String()
		}
	}

	msg := bridge.InboundMessage{
		Frontend:  "matrix",
		Channel:   room,
		Thread:    thread,
		MessageID: evt.ID.String(),
		Author:    evt.Sender.String(),
		Text:      content.Body,
	}
	// HandleMessage blocks for the whole turn.
	go f.handler.HandleMessage(ctx, msg)
}

// handleReactionEvent settles approvals: a ✅ or ❌ on a tracked prompt
// event becomes a verdict. Everything else is ignored.
func (f *Frontend) handleReactionEvent(ctx context.Context, evt *event.Event) {
	if evt.Sender == f.client.UserID {
		return
	}
	content, ok := evt.Content.Parsed.(*event.ReactionEventContent)
	if !ok {
		return
	}
	prompt, tracked := f.prompts.Get(content.RelatesTo.EventID)
	if !tracked {
		return
	}
	approved, decisive := reactionVerdict(content.RelatesTo.Key)
	if !decisive {
		return
	}

	f.logger.Info("approval reaction received",
		"room", evt.RoomID, "token", prompt.Token, "approved", approved, "sender", evt.Sender)
	act := bridge.Action{
		Frontend: "matrix",
		Channel:  prompt.Channel,
		Thread:   prompt.Thread,
		Token:    prompt.Token,
		Approved: approved,
	}
	go f.handler.HandleAction(ctx, act)
}

// reactionVerdict maps a reaction key to a verdict. Clients vary in
// whether they append the emoji variation selector.
func reactionVerdict(key string) (approved, decisive bool) {
	switch key {
	case "✅", "✅️", "👍", "👍️":
		return true, true
	case "❌", "❌️", "👎", "👎️":
		return false, true
	default:
		return false, false
	}
}
