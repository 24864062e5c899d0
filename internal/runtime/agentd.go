// ABOUTME: HTTP client for the agentd runtime, speaking JSON requests and SSE streams.
// ABOUTME: Implements Runtime and Session over /api/send, /api/tools, and /api/threads.

package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// SSE event types emitted by agentd on the /api/send stream.
const (
	eventStarted      = "started"
	eventSessionInit  = "session_init"
	eventThinking     = "thinking"
	eventText         = "text"
	eventDisplay      = "display"
	eventToolUse      = "tool_use"
	eventToolResult   = "tool_result"
	eventToolApproval = "tool_approval"
	eventToolCall     = "tool_call"
	eventUsage        = "usage"
	eventDone         = "done"
	eventError        = "error"
	eventCanceled     = "canceled"
)

// maxEventSize bounds a single SSE line. Agent replies arrive as one data
// line, so this must comfortably exceed the largest expected turn.
const maxEventSize = 1 << 20

// ClientConfig configures the agentd client.
type ClientConfig struct {
	// BaseURL is the agentd endpoint, e.g. "http://localhost:8787".
	BaseURL string
	// ExecuteTimeout bounds one turn end to end. Zero means no bound beyond
	// the caller's context.
	ExecuteTimeout time.Duration
	// HTTPClient overrides the transport. Nil uses a client with no global
	// timeout, since event streams outlive any fixed deadline.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to an agentd process. It implements Runtime.
type Client struct {
	baseURL        string
	httpc          *http.Client
	executeTimeout time.Duration
	logger         *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		return nil, fmt.Errorf("runtime base URL is required")
	}
	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:        base,
		httpc:          httpc,
		executeTimeout: cfg.ExecuteTimeout,
		logger:         logger.With("component", "runtime"),
	}, nil
}

// CreateSession registers a session bound to the agentd thread named id.
// agentd creates thread state lazily on first send, so this performs no
// network round-trip.
func (c *Client) CreateSession(ctx context.Context, id string, opts SessionOptions) (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrRuntimeClosed
	}
	if opts.OnApproval == nil {
		return nil, fmt.Errorf("session %s: OnApproval callback is required", id)
	}
	tools := make(map[string]Tool, len(opts.Tools))
	for _, tool := range opts.Tools {
		if tool.Name == "" || tool.Handler == nil {
			return nil, fmt.Errorf("session %s: tool needs a name and a handler", id)
		}
		if _, dup := tools[tool.Name]; dup {
			return nil, fmt.Errorf("session %s: duplicate tool %q", id, tool.Name)
		}
		tools[tool.Name] = tool
	}
	return &session{
		client: c,
		id:     id,
		opts:   opts,
		tools:  tools,
		logger: c.logger.With("session", id),
		hooks:  make(map[HookKind][]hookReg),
	}, nil
}

// Close stops the client from creating new sessions and drops idle
// connections. In-flight executions keep their streams.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.httpc.CloseIdleConnections()
	return nil
}

// session is one agentd thread seen from the bridge.
type session struct {
	client *Client
	id     string
	opts   SessionOptions
	tools  map[string]Tool
	logger *slog.Logger

	mu         sync.Mutex
	hooks      map[HookKind][]hookReg
	nextHookID int
	closed     bool
}

type hookReg struct {
	id       int
	priority int
	fn       HookFunc
}

// sendRequest is the /api/send body.
type sendRequest struct {
	ThreadID  string    `json:"thread_id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Frontend  string    `json:"frontend,omitempty"`
	ChannelID string    `json:"channel_id,omitempty"`
	Tools     []toolDef `json:"tools,omitempty"`
}

// toolDef advertises a bridge-hosted tool to agentd.
type toolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// eventPayload is the data document of one SSE event. Fields are sparse;
// each event type fills its own subset.
type eventPayload struct {
	Text         string          `json:"text,omitempty"`
	ToolName     string          `json:"tool_name,omitempty"`
	ToolID       string          `json:"tool_id,omitempty"`
	FullResponse string          `json:"full_response,omitempty"`
	Error        string          `json:"error,omitempty"`
	SessionID    string          `json:"session_id,omitempty"`
	ApprovalID   string          `json:"approval_id,omitempty"`
	Description  string          `json:"description,omitempty"`
	CallID       string          `json:"call_id,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
}

type approveRequest struct {
	ApprovalID string `json:"approval_id"`
	Approved   bool   `json:"approved"`
}

type toolResultRequest struct {
	CallID  string `json:"call_id"`
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Execute sends one turn to agentd and consumes the event stream until done.
func (s *session) Execute(ctx context.Context, prompt string) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrSessionClosed
	}
	s.mu.Unlock()

	if s.client.executeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.client.executeTimeout)
		defer cancel()
	}

	reqBody := sendRequest{
		ThreadID:  s.id,
		Sender:    s.opts.Origin.Frontend,
		Content:   prompt,
		Frontend:  s.opts.Origin.Frontend,
		ChannelID: s.opts.Origin.Channel,
	}
	for _, tool := range s.opts.Tools {
		reqBody.Tools = append(reqBody.Tools, toolDef{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		})
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.client.baseURL+"/api/send", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("creating send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.client.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("sending to runtime: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", decodeError(resp)
	}
	return s.consumeStream(ctx, resp.Body)
}

// consumeStream reads SSE events until done, error, or stream end. Bridge
// tool calls and approval requests are answered concurrently so the stream
// never stalls behind a slow human.
func (s *session) consumeStream(ctx context.Context, body io.Reader) (string, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxEventSize)

	var (
		eventType string
		data      strings.Builder
		text      strings.Builder
		final     string
		sawDone   bool
	)

	dispatch := func() error {
		if eventType == "" {
			return nil
		}
		defer func() {
			eventType = ""
			data.Reset()
		}()

		var ev eventPayload
		if raw := data.String(); raw != "" {
			if err := json.Unmarshal([]byte(raw), &ev); err != nil {
				s.logger.Warn("undecodable event payload", "event", eventType, "error", err)
				return nil
			}
		}

		switch eventType {
		case eventText:
			text.WriteString(ev.Text)
		case eventDisplay:
			if s.opts.OnDisplay != nil {
				s.opts.OnDisplay(ctx, ev.Text)
			}
		case eventToolUse:
			s.fireHooks(ctx, HookToolStart, ToolEvent{Name: ev.ToolName, ID: ev.ToolID})
		case eventToolResult:
			s.fireHooks(ctx, HookToolEnd, ToolEvent{Name: ev.ToolName, ID: ev.ToolID})
		case eventToolApproval:
			go s.answerApproval(ctx, ev)
		case eventToolCall:
			go s.runTool(ctx, ev)
		case eventDone:
			final = ev.FullResponse
			sawDone = true
		case eventError:
			if ev.Error == "" {
				ev.Error = "unspecified runtime error"
			}
			return fmt.Errorf("agent error: %s", ev.Error)
		case eventCanceled:
			return fmt.Errorf("agent run canceled")
		case eventThinking, eventUsage, eventStarted, eventSessionInit:
			s.logger.Debug("stream event", "event", eventType)
		default:
			s.logger.Debug("unknown stream event", "event", eventType)
		}
		return nil
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := dispatch(); err != nil {
				return "", err
			}
			if sawDone {
				if final != "" {
					return final, nil
				}
				return text.String(), nil
			}
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("execution interrupted: %w", ctx.Err())
		}
		return "", fmt.Errorf("reading event stream: %w", err)
	}
	if sawDone {
		if final != "" {
			return final, nil
		}
		return text.String(), nil
	}
	return "", fmt.Errorf("event stream ended without done event")
}

// answerApproval consults the approval callback and posts the verdict back.
// Runs on its own goroutine; the human may take minutes.
func (s *session) answerApproval(ctx context.Context, ev eventPayload) {
	req := ApprovalRequest{
		ID:          ev.ApprovalID,
		ToolName:    ev.ToolName,
		Description: ev.Description,
	}
	approved := s.opts.OnApproval(ctx, req)

	postCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	body := approveRequest{ApprovalID: ev.ApprovalID, Approved: approved}
	if err := s.client.postJSON(postCtx, "/api/tools/approve", body); err != nil {
		s.logger.Error("posting approval verdict", "approval_id", ev.ApprovalID, "error", err)
	}
}

// runTool executes a bridge-hosted tool and posts the result back. Runs on
// its own goroutine so tool latency never blocks the event stream.
func (s *session) runTool(ctx context.Context, ev eventPayload) {
	var content string
	var isErr bool

	tool, ok := s.tools[ev.ToolName]
	if !ok {
		content = fmt.Sprintf("unknown tool: %s", ev.ToolName)
		isErr = true
	} else {
		out, err := tool.Handler(ctx, ev.Input)
		if err != nil {
			content = err.Error()
			isErr = true
		} else {
			content = out
		}
	}

	postCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	body := toolResultRequest{CallID: ev.CallID, Content: content, IsError: isErr}
	if err := s.client.postJSON(postCtx, "/api/tools/result", body); err != nil {
		s.logger.Error("posting tool result", "call_id", ev.CallID, "tool", ev.ToolName, "error", err)
	}
}

// RegisterHook subscribes fn to lifecycle events of kind.
func (s *session) RegisterHook(kind HookKind, fn HookFunc, priority int) (UnregisterFunc, error) {
	if fn == nil {
		return nil, fmt.Errorf("hook function is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	s.nextHookID++
	id := s.nextHookID
	s.hooks[kind] = append(s.hooks[kind], hookReg{id: id, priority: priority, fn: fn})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		regs := s.hooks[kind]
		for i, reg := range regs {
			if reg.id == id {
				s.hooks[kind] = append(regs[:i], regs[i+1:]...)
				return
			}
		}
	}, nil
}

// fireHooks calls the hooks for kind in priority order. Registration order
// breaks priority ties.
func (s *session) fireHooks(ctx context.Context, kind HookKind, ev ToolEvent) {
	s.mu.Lock()
	regs := make([]hookReg, len(s.hooks[kind]))
	copy(regs, s.hooks[kind])
	s.mu.Unlock()

	sort.SliceStable(regs, func(i, j int) bool { return regs[i].priority < regs[j].priority })
	for _, reg := range regs {
		reg.fn(ctx, ev)
	}
}

// Close releases the agentd thread backing this session. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.client.baseURL+"/api/threads/"+s.id, nil)
	if err != nil {
		return fmt.Errorf("creating delete request: %w", err)
	}
	resp, err := s.client.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("releasing thread: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("releasing thread: status %d", resp.StatusCode)
	}
	return nil
}

// postJSON sends a JSON document and checks for a 2xx response.
func (c *Client) postJSON(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// decodeError turns a non-2xx response into an error, preferring the JSON
// error document when present.
func decodeError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
	if err != nil {
		return fmt.Errorf("runtime returned status %d", resp.StatusCode)
	}
	var errResp errorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		return fmt.Errorf("runtime error: %s", errResp.Error)
	}
	return fmt.Errorf("runtime returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
