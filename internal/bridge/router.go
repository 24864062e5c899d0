// ABOUTME: Top-level message router driving one agent turn per inbound message.
// ABOUTME: Serializes turns per conversation and guarantees best-effort cleanup.

package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/coven-relay/internal/approval"
	"github.com/2389/coven-relay/internal/runtime"
)

// hookPriority orders the status hook among any other session hooks.
const hookPriority = 50

// TurnOutcome classifies how a turn ended.
type TurnOutcome string

const (
	TurnReplied     TurnOutcome = "replied"
	TurnErrored     TurnOutcome = "errored"
	TurnEmpty       TurnOutcome = "empty"
	TurnSetupFailed TurnOutcome = "setup_failed"
)

// Turn is the audit record of one completed turn. Message bodies are not
// recorded; Detail carries at most an error description.
type Turn struct {
	ConversationID ConversationID
	Frontend       string
	Author         string
	Outcome        TurnOutcome
	Detail         string
	StartedAt      time.Time
	FinishedAt     time.Time
}

// TurnRecorder persists turn outcomes. Implementations must tolerate
// concurrent calls.
type TurnRecorder interface {
	RecordTurn(ctx context.Context, t Turn) error
}

// RouterConfig assembles a Router for one frontend.
type RouterConfig struct {
	// Frontend names the platform adapter, used in conversation IDs.
	Frontend string
	// CollapseThreads keys every message in a channel to one conversation
	// instead of one per thread.
	CollapseThreads bool
	// ProgressReaction is the reaction marking an in-progress message.
	// Empty disables the marker.
	ProgressReaction string
	// ApprovalTimeout bounds each approval wait. Zero uses the arbiter
	// default.
	ApprovalTimeout time.Duration

	Registry  *Registry
	Runtime   runtime.Runtime
	Messenger Messenger

	// Render converts agent output to the platform's text format. Nil
	// passes text through unchanged.
	Render func(string) string

	// Turns and Decisions record outcomes best-effort. Either may be nil.
	Turns     TurnRecorder
	Decisions approval.Recorder

	Logger *slog.Logger
}

// Router is the per-frontend entry point for inbound events. One inbound
// message becomes one agent turn; turns for the same conversation run one
// at a time in arrival order, while distinct conversations never wait on
// each other.
type Router struct {
	frontend         string
	collapseThreads  bool
	progressReaction string
	approvalTimeout  time.Duration
	registry         *Registry
	runtime          runtime.Runtime
	messenger        Messenger
	render           func(string) string
	turns            TurnRecorder
	decisions        approval.Recorder
	logger           *slog.Logger
}

// NewRouter validates cfg and returns a Router.
func NewRouter(cfg RouterConfig) (*Router, error) {
	if cfg.Frontend == "" {
		return nil, fmt.Errorf("router frontend name is required")
	}
	if cfg.Registry == nil || cfg.Runtime == nil || cfg.Messenger == nil {
		return nil, fmt.Errorf("router requires a registry, a runtime, and a messenger")
	}
	render := cfg.Render
	if render == nil {
		render = func(s string) string { return s }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		frontend:         cfg.Frontend,
		collapseThreads:  cfg.CollapseThreads,
		progressReaction: cfg.ProgressReaction,
		approvalTimeout:  cfg.ApprovalTimeout,
		registry:         cfg.Registry,
		runtime:          cfg.Runtime,
		messenger:        cfg.Messenger,
		render:           render,
		turns:            cfg.Turns,
		decisions:        cfg.Decisions,
		logger:           logger.With("component", "router", "frontend", cfg.Frontend),
	}, nil
}

// conversationID derives the ID for a message's coordinates, honoring the
// thread-collapsing setting.
func (r *Router) conversationID(channel, thread string) ConversationID {
	if r.collapseThreads {
		thread = ""
	}
	return DeriveConversationID(r.frontend, channel, thread)
}

// HandleMessage runs one turn for msg. Blocks until the turn completes;
// frontends call it on their own goroutine per event.
func (r *Router) HandleMessage(ctx context.Context, msg InboundMessage) {
	if strings.TrimSpace(msg.Text) == "" {
		return
	}

	id := r.conversationID(msg.Channel, msg.Thread)
	logger := r.logger.With("conversation", id)
	startedAt := time.Now().UTC()

	entry, err := r.registry.GetOrCreate(ctx, id, r.sessionFactory(msg))
	if err != nil {
		logger.Error("creating conversation session", "error", err)
		r.postErrorNotice(ctx, msg, err)
		r.recordTurn(id, msg, TurnSetupFailed, err.Error(), startedAt)
		return
	}

	// In-progress marker on the inbound message. Best effort.
	if r.progressReaction != "" {
		if err := r.messenger.AddReaction(ctx, msg.Channel, msg.MessageID, r.progressReaction); err != nil {
			logger.Debug("adding progress reaction", "error", err)
		}
	}

	if err := entry.Lock(ctx); err != nil {
		logger.Info("abandoning queued turn", "error", err)
		r.removeProgressReaction(msg, logger)
		return
	}
	defer entry.Unlock()

	outcome, detail := r.executeTurn(ctx, entry, msg, logger)
	r.recordTurn(id, msg, outcome, detail, startedAt)
}

// executeTurn runs the locked portion of one turn: status hook up, agent
// execution, reply or error notice, then four independent best-effort
// cleanups. Runs with the conversation's execution lock held.
func (r *Router) executeTurn(ctx context.Context, entry *Entry, msg InboundMessage, logger *slog.Logger) (TurnOutcome, string) {
	replyThread := msg.Thread
	if replyThread == "" {
		replyThread = msg.MessageID
	}
	entry.Reply.Set(msg.Channel, replyThread)

	hook := NewStatusHook(r.messenger, msg.Channel, replyThread, logger)
	unregStart := r.registerHook(entry, runtime.HookToolStart, func(ctx context.Context, ev runtime.ToolEvent) {
		hook.ToolStart(ctx, ev.Name)
	}, logger)
	unregEnd := r.registerHook(entry, runtime.HookToolEnd, func(ctx context.Context, ev runtime.ToolEvent) {
		hook.ToolEnd(ctx)
	}, logger)

	defer func() {
		// Cleanup steps are independent: one failing must not skip the rest.
		unregStart()
		unregEnd()
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		hook.Cleanup(cleanupCtx)
		r.removeProgressReaction(msg, logger)
		entry.Reply.Clear()
	}()

	hook.Start(ctx)

	prompt := msg.Author + ": " + msg.Text
	response, err := entry.Session.Execute(ctx, prompt)
	if err != nil {
		logger.Error("agent execution failed", "error", err)
		r.postErrorNotice(ctx, msg, err)
		return TurnErrored, err.Error()
	}

	if strings.TrimSpace(response) == "" {
		logger.Warn("empty response from agent")
		return TurnEmpty, ""
	}

	if _, err := r.messenger.PostMessage(ctx, msg.Channel, replyThread, r.render(response)); err != nil {
		logger.Error("posting reply", "error", err)
		return TurnErrored, err.Error()
	}
	return TurnReplied, ""
}

// HandleAction routes a parsed approval verdict to its conversation's
// arbiter. Unknown conversations and tokens are logged no-ops: late and
// duplicate clicks must never error.
func (r *Router) HandleAction(ctx context.Context, act Action) {
	id := r.conversationID(act.Channel, act.Thread)
	entry, ok := r.registry.Lookup(id)
	if !ok && act.Thread != "" && !r.collapseThreads {
		// Prompt posted at channel level before the thread existed.
		entry, ok = r.registry.Lookup(DeriveConversationID(r.frontend, act.Channel, ""))
	}
	if !ok {
		r.logger.Debug("action for unknown conversation", "conversation", id)
		return
	}
	if !entry.Arbiter.Resolve(act.Token, act.Approved) {
		r.logger.Debug("action for settled or unknown approval", "conversation", id, "token", act.Token)
	}
}

// sessionFactory builds the one-shot factory that creates a conversation's
// entry: its reply target, its arbiter, and its agent session with the
// approval and display callbacks wired through.
func (r *Router) sessionFactory(msg InboundMessage) Factory {
	return func(ctx context.Context, id ConversationID) (*Entry, error) {
		target := NewReplyTarget()

		promptThread := msg.Thread
		if r.collapseThreads {
			promptThread = ""
		}
		arb := approval.New(approval.Config{
			ConversationID: string(id),
			Channel:        msg.Channel,
			Thread:         promptThread,
			Poster:         r.messenger,
			Timeout:        r.approvalTimeout,
			Recorder:       r.decisions,
			Logger:         r.logger,
		})

		opts := runtime.SessionOptions{
			Origin: runtime.Origin{Frontend: r.frontend, Channel: msg.Channel},
			OnApproval: func(ctx context.Context, req runtime.ApprovalRequest) bool {
				return arb.Request(ctx, approvalDescription(req))
			},
			OnDisplay: func(ctx context.Context, text string) {
				channel, thread, ok := target.Get()
				if !ok || strings.TrimSpace(text) == "" {
					return
				}
				if _, err := r.messenger.PostMessage(ctx, channel, thread, r.render(text)); err != nil {
					r.logger.Debug("posting display output", "conversation", id, "error", err)
				}
			},
			Tools: []runtime.Tool{ChannelReplyTool(r.messenger, target)},
		}

		session, err := r.runtime.CreateSession(ctx, string(id), opts)
		if err != nil {
			arb.Close()
			return nil, fmt.Errorf("creating agent session: %w", err)
		}
		return NewEntry(id, session, arb, target), nil
	}
}

// registerHook registers fn on the entry's session, returning a no-op
// unregister when registration itself fails. A turn without lifecycle
// updates still runs.
func (r *Router) registerHook(entry *Entry, kind runtime.HookKind, fn runtime.HookFunc, logger *slog.Logger) runtime.UnregisterFunc {
	unreg, err := entry.Session.RegisterHook(kind, fn, hookPriority)
	if err != nil {
		logger.Debug("registering lifecycle hook", "error", err)
		return func() {}
	}
	return unreg
}

// postErrorNotice publishes the visible warning-marked error message.
// Every message that reaches execution gets exactly one outcome; silence
// is not one of them.
func (r *Router) postErrorNotice(ctx context.Context, msg InboundMessage, cause error) {
	replyThread := msg.Thread
	if replyThread == "" {
		replyThread = msg.MessageID
	}
	notice := fmt.Sprintf(":warning: An error occurred: %v", cause)
	if _, err := r.messenger.PostMessage(ctx, msg.Channel, replyThread, notice); err != nil {
		r.logger.Error("posting error notice", "error", err)
	}
}

// removeProgressReaction clears the in-progress marker. Best effort.
func (r *Router) removeProgressReaction(msg InboundMessage, logger *slog.Logger) {
	if r.progressReaction == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.messenger.RemoveReaction(ctx, msg.Channel, msg.MessageID, r.progressReaction); err != nil {
		logger.Debug("removing progress reaction", "error", err)
	}
}

// recordTurn persists the outcome best-effort.
func (r *Router) recordTurn(id ConversationID, msg InboundMessage, outcome TurnOutcome, detail string, startedAt time.Time) {
	if r.turns == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	t := Turn{
		ConversationID: id,
		Frontend:       r.frontend,
		Author:         msg.Author,
		Outcome:        outcome,
		Detail:         detail,
		StartedAt:      startedAt,
		FinishedAt:     time.Now().UTC(),
	}
	if err := r.turns.RecordTurn(ctx, t); err != nil {
		r.logger.Warn("recording turn", "conversation", id, "error", err)
	}
}

// approvalDescription picks the human-readable line for the prompt.
func approvalDescription(req runtime.ApprovalRequest) string {
	if req.Description != "" {
		return req.Description
	}
	if req.ToolName != "" {
		return "Use tool `" + req.ToolName + "`"
	}
	return "The agent wants to perform a sensitive action"
}
