// ABOUTME: Approval arbiter managing outstanding human-approval requests for one conversation.
// ABOUTME: Posts an interactive prompt, suspends the caller, resolves on callback or timeout.

package approval

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout is how long a request waits for a human decision before
// denying by default.
const DefaultTimeout = 300 * time.Second

const tokenPrefix = "approval_"

// Token identifies one outstanding approval request. Tokens are opaque and
// unique for the lifetime of the process.
type Token string

// NewToken allocates a fresh token.
func NewToken() Token {
	return Token(tokenPrefix + uuid.New().String())
}

// AllowTag and DenyTag are the wire action tags attached to the prompt's two
// buttons. Platforms that carry a single opaque string per action (Slack)
// round-trip these verbatim.
func (t Token) AllowTag() string { return string(t) + "_allow" }
func (t Token) DenyTag() string  { return string(t) + "_deny" }

// ParseActionTag recovers the token and decision from a wire action tag.
// Returns ok=false for tags that are not approval actions.
func ParseActionTag(tag string) (tok Token, approved bool, ok bool) {
	if !strings.HasPrefix(tag, tokenPrefix) {
		return "", false, false
	}
	if rest, found := strings.CutSuffix(tag, "_allow"); found {
		return Token(rest), true, true
	}
	if rest, found := strings.CutSuffix(tag, "_deny"); found {
		return Token(rest), false, true
	}
	return "", false, false
}

// Outcome is the terminal state of one approval request.
type Outcome string

const (
	OutcomeApproved      Outcome = "approved"
	OutcomeDenied        Outcome = "denied"
	OutcomeTimeout       Outcome = "timeout"
	OutcomePublishFailed Outcome = "publish_failed"
	OutcomeCancelled     Outcome = "cancelled"
)

// Prompt carries everything a platform adapter needs to render the
// interactive approval message.
type Prompt struct {
	ConversationID string
	Channel        string
	Thread         string
	Description    string
	Token          Token
}

// PromptPoster publishes the interactive prompt on the conversation's
// platform. Implemented by the frontend messengers.
type PromptPoster interface {
	PostApprovalPrompt(ctx context.Context, p Prompt) (messageID string, err error)
}

// Decision is the audit record of one settled approval request.
type Decision struct {
	ConversationID string
	Token          Token
	Description    string
	Outcome        Outcome
	RequestedAt    time.Time
	DecidedAt      time.Time
}

// Recorder persists settled decisions. Implementations must tolerate being
// called from concurrent requests.
type Recorder interface {
	RecordDecision(ctx context.Context, d Decision) error
}

// result travels over a pending request's one-shot channel.
type result struct {
	approved bool
	outcome  Outcome
}

// Config assembles an Arbiter. Poster is required; Recorder may be nil.
type Config struct {
	ConversationID string
	Channel        string
	Thread         string
	Poster         PromptPoster
	Timeout        time.Duration
	Recorder       Recorder
	Logger         *slog.Logger
}

// Arbiter manages the outstanding approval requests of one conversation.
// Requests run concurrently and are independently addressable by token; they
// never block each other.
type Arbiter struct {
	conversationID string
	channel        string
	thread         string
	poster         PromptPoster
	timeout        time.Duration
	recorder       Recorder
	logger         *slog.Logger

	mu      sync.Mutex
	pending map[Token]chan result
	closed  bool
}

// New creates an arbiter for one conversation.
func New(cfg Config) *Arbiter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Arbiter{
		conversationID: cfg.ConversationID,
		channel:        cfg.Channel,
		thread:         cfg.Thread,
		poster:         cfg.Poster,
		timeout:        timeout,
		recorder:       cfg.Recorder,
		logger:         logger.With("component", "approval", "conversation", cfg.ConversationID),
		pending:        make(map[Token]chan result),
	}
}

// Request posts an approval prompt and blocks until the decision arrives,
// the timeout elapses (deny by default), the prompt cannot be published
// (deny immediately), or ctx is cancelled (deny). Safe to call concurrently.
func (a *Arbiter) Request(ctx context.Context, description string) bool {
	tok := NewToken()
	ch := make(chan result, 1)

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		a.logger.Debug("approval requested after shutdown")
		return false
	}
	a.pending[tok] = ch
	a.mu.Unlock()

	requestedAt := time.Now().UTC()
	prompt := Prompt{
		ConversationID: a.conversationID,
		Channel:        a.channel,
		Thread:         a.thread,
		Description:    description,
		Token:          tok,
	}
	if _, err := a.poster.PostApprovalPrompt(ctx, prompt); err != nil {
		a.take(tok)
		a.logger.Error("posting approval prompt failed, denying", "token", tok, "error", err)
		a.record(tok, description, OutcomePublishFailed, requestedAt)
		return false
	}

	a.logger.Info("approval requested", "token", tok)

	timer := time.NewTimer(a.timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		a.take(tok)
		a.record(tok, description, res.outcome, requestedAt)
		return res.approved

	case <-timer.C:
		if a.take(tok) {
			a.logger.Warn("approval timed out, denying", "token", tok, "timeout", a.timeout)
			a.record(tok, description, OutcomeTimeout, requestedAt)
			return false
		}
		// Lost the race to a concurrent Resolve; its decision is buffered.
		res := <-ch
		a.record(tok, description, res.outcome, requestedAt)
		return res.approved

	case <-ctx.Done():
		if a.take(tok) {
			a.logger.Info("approval wait cancelled, denying", "token", tok)
			a.record(tok, description, OutcomeCancelled, requestedAt)
			return false
		}
		res := <-ch
		a.record(tok, description, res.outcome, requestedAt)
		return res.approved
	}
}

// Resolve settles the pending request identified by tok. The first
// resolution wins; unknown tokens and repeats are silent no-ops so that
// late or duplicate clicks never error. Reports whether a pending request
// was settled.
func (a *Arbiter) Resolve(tok Token, approved bool) bool {
	a.mu.Lock()
	ch, ok := a.pending[tok]
	if ok {
		delete(a.pending, tok)
	}
	a.mu.Unlock()
	if !ok {
		return false
	}

	outcome := OutcomeDenied
	if approved {
		outcome = OutcomeApproved
	}
	ch <- result{approved: approved, outcome: outcome}
	a.logger.Info("approval resolved", "token", tok, "approved", approved)
	return true
}

// Pending reports the number of outstanding requests.
func (a *Arbiter) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Close denies every outstanding request and rejects future ones. Called
// when the owning conversation is torn down. Idempotent.
func (a *Arbiter) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	drained := a.pending
	a.pending = make(map[Token]chan result)
	a.mu.Unlock()

	for tok, ch := range drained {
		ch <- result{approved: false, outcome: OutcomeCancelled}
		a.logger.Debug("pending approval cancelled at shutdown", "token", tok)
	}
}

// take removes tok from the pending map, reporting whether it was present.
func (a *Arbiter) take(tok Token) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.pending[tok]
	if ok {
		delete(a.pending, tok)
	}
	return ok
}

// record persists a settled decision best-effort. Uses a short background
// context so recording survives the caller's cancellation.
func (a *Arbiter) record(tok Token, description string, outcome Outcome, requestedAt time.Time) {
	if a.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d := Decision{
		ConversationID: a.conversationID,
		Token:          tok,
		Description:    description,
		Outcome:        outcome,
		RequestedAt:    requestedAt,
		DecidedAt:      time.Now().UTC(),
	}
	if err := a.recorder.RecordDecision(ctx, d); err != nil {
		a.logger.Warn("recording approval decision", "token", tok, "error", err)
	}
}
