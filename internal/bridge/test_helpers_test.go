// ABOUTME: Shared fakes for bridge tests.
// ABOUTME: In-memory messenger, session, and runtime doubles.

package bridge

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/2389/coven-relay/internal/approval"
	"github.com/2389/coven-relay/internal/runtime"
)

// postedMessage is one PostMessage call captured by the fake messenger.
type postedMessage struct {
	Channel string
	Thread  string
	Text    string
	ID      string
}

// fakeMessenger records every platform call and can fail selectively.
type fakeMessenger struct {
	mu     sync.Mutex
	nextID int

	posts     []postedMessage
	updates   map[string]string // message ID -> latest text
	updateLog []string
	deleted   []string
	reactions []string // "add:channel:msg:name" / "remove:channel:msg:name"
	prompts   []approval.Prompt

	postErr     error
	updateErr   error
	deleteErr   error
	reactionErr error
	promptErr   error

	onPrompt func(p approval.Prompt)
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{updates: make(map[string]string)}
}

func (m *fakeMessenger) PostMessage(ctx context.Context, channel, thread, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.postErr != nil {
		return "", m.postErr
	}
	m.nextID++
	id := fmt.Sprintf("m%d", m.nextID)
	m.posts = append(m.posts, postedMessage{Channel: channel, Thread: thread, Text: text, ID: id})
	return id, nil
}

func (m *fakeMessenger) UpdateMessage(ctx context.Context, channel, messageID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	m.updates[messageID] = text
	m.updateLog = append(m.updateLog, text)
	return nil
}

func (m *fakeMessenger) DeleteMessage(ctx context.Context, channel, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.deleted = append(m.deleted, messageID)
	return nil
}

func (m *fakeMessenger) AddReaction(ctx context.Context, channel, messageID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reactionErr != nil {
		return m.reactionErr
	}
	m.reactions = append(m.reactions, "add:"+channel+":"+messageID+":"+name)
	return nil
}

func (m *fakeMessenger) RemoveReaction(ctx context.Context, channel, messageID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reactionErr != nil {
		return m.reactionErr
	}
	m.reactions = append(m.reactions, "remove:"+channel+":"+messageID+":"+name)
	return nil
}

func (m *fakeMessenger) PostApprovalPrompt(ctx context.Context, p approval.Prompt) (string, error) {
	m.mu.Lock()
	if m.promptErr != nil {
		m.mu.Unlock()
		return "", m.promptErr
	}
	m.nextID++
	id := fmt.Sprintf("m%d", m.nextID)
	m.prompts = append(m.prompts, p)
	onPrompt := m.onPrompt
	m.mu.Unlock()
	if onPrompt != nil {
		onPrompt(p)
	}
	return id, nil
}

func (m *fakeMessenger) postedMessages() []postedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]postedMessage, len(m.posts))
	copy(out, m.posts)
	return out
}

// postedTexts returns the texts of non-status posts, oldest first.
func (m *fakeMessenger) postedReplies() []postedMessage {
	var out []postedMessage
	for _, p := range m.postedMessages() {
		if strings.HasPrefix(p.Text, ":thought_balloon:") || strings.HasPrefix(p.Text, ":gear:") {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (m *fakeMessenger) deletedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.deleted))
	copy(out, m.deleted)
	return out
}

func (m *fakeMessenger) postedPrompts() []approval.Prompt {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]approval.Prompt, len(m.prompts))
	copy(out, m.prompts)
	return out
}

// executeFunc scripts a fake session's turn behavior.
type executeFunc func(ctx context.Context, s *fakeSession, prompt string) (string, error)

// fakeSession implements runtime.Session with scripted execution and a
// working hook registry.
type fakeSession struct {
	id      string
	opts    runtime.SessionOptions
	execute executeFunc

	mu       sync.Mutex
	hooks    map[runtime.HookKind]map[int]runtime.HookFunc
	nextHook int
	prompts  []string
	closed   bool
}

func newFakeSession(id string, opts runtime.SessionOptions, execute executeFunc) *fakeSession {
	return &fakeSession{
		id:      id,
		opts:    opts,
		execute: execute,
		hooks:   make(map[runtime.HookKind]map[int]runtime.HookFunc),
	}
}

func (s *fakeSession) Execute(ctx context.Context, prompt string) (string, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	s.mu.Unlock()
	if s.execute == nil {
		return "ok", nil
	}
	return s.execute(ctx, s, prompt)
}

func (s *fakeSession) RegisterHook(kind runtime.HookKind, fn runtime.HookFunc, priority int) (runtime.UnregisterFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hooks[kind] == nil {
		s.hooks[kind] = make(map[int]runtime.HookFunc)
	}
	s.nextHook++
	id := s.nextHook
	s.hooks[kind][id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.hooks[kind], id)
	}, nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// fire invokes the registered hooks of kind, as the runtime would during
// Execute.
func (s *fakeSession) fire(ctx context.Context, kind runtime.HookKind, ev runtime.ToolEvent) {
	s.mu.Lock()
	fns := make([]runtime.HookFunc, 0, len(s.hooks[kind]))
	for _, fn := range s.hooks[kind] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ctx, ev)
	}
}

func (s *fakeSession) hookCount(kind runtime.HookKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hooks[kind])
}

func (s *fakeSession) executedPrompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.prompts))
	copy(out, s.prompts)
	return out
}

// fakeRuntime implements runtime.Runtime, handing out fake sessions.
type fakeRuntime struct {
	mu        sync.Mutex
	execute   executeFunc
	createErr error
	sessions  []*fakeSession
	created   int
}

func (r *fakeRuntime) CreateSession(ctx context.Context, id string, opts runtime.SessionOptions) (runtime.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created++
	if r.createErr != nil {
		return nil, r.createErr
	}
	s := newFakeSession(id, opts, r.execute)
	r.sessions = append(r.sessions, s)
	return s, nil
}

func (r *fakeRuntime) Close() error { return nil }

func (r *fakeRuntime) createdCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.created
}

func (r *fakeRuntime) lastSession() *fakeSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) == 0 {
		return nil
	}
	return r.sessions[len(r.sessions)-1]
}
