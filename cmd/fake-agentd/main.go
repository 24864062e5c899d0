// ABOUTME: Minimal fake agentd for end-to-end testing of the relay.
// ABOUTME: Serves the /api/send SSE protocol with prompt-prefix driven behaviors.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"
)

func main() {
	addr := flag.String("addr", "localhost:8787", "listen address")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := newServer()
	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("fake-agentd listening on %s", *addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type sendRequest struct {
	ThreadID string `json:"thread_id"`
	Sender   string `json:"sender"`
	Content  string `json:"content"`
	Tools    []struct {
		Name string `json:"name"`
	} `json:"tools"`
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

// server fakes agentd: each /api/send streams scripted events based on the
// prompt's prefix, and /api/tools endpoints feed verdicts and results back
// into the waiting stream.
type server struct {
	mu        sync.Mutex
	nextID    int
	approvals map[string]chan bool   // approval_id -> verdict
	results   map[string]chan string // call_id -> tool output
}

func newServer() *server {
	return &server{
		approvals: make(map[string]chan bool),
		results:   make(map[string]chan string),
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/send", s.handleSend)
	mux.HandleFunc("/api/tools/approve", s.handleApprove)
	mux.HandleFunc("/api/tools/result", s.handleToolResult)
	mux.HandleFunc("/api/threads/", s.handleThread)
	return mux
}

func (s *server) allocID(prefix string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return fmt.Sprintf("%s-%d", prefix, s.nextID)
}

// handleSend streams one scripted turn. Prompt prefixes select behavior:
//
//	error: <msg>    emit an error event
//	approve: <desc> request approval, report the verdict
//	tool: <name>    emit tool_use/tool_result around the reply
//	call: <tool>    invoke a bridge-hosted tool, echo its output
//	anything else   echo the prompt back
func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"bad request body"}`, http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	emit := func(event string, payload any) {
		data, _ := json.Marshal(payload)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		flusher.Flush()
	}

	log.Printf("send [%s]: %s", req.ThreadID, req.Content)
	emit("started", map[string]string{"session_id": req.ThreadID})

	content := strings.TrimSpace(req.Content)
	switch {
	case strings.HasPrefix(content, "error:"):
		emit("error", map[string]string{"error": strings.TrimSpace(strings.TrimPrefix(content, "error:"))})
		return

	case strings.HasPrefix(content, "approve:"):
		desc := strings.TrimSpace(strings.TrimPrefix(content, "approve:"))
		approvalID := s.allocID("approval")
		verdict := s.registerApproval(approvalID)
		emit("tool_approval", map[string]string{
			"approval_id": approvalID,
			"tool_name":   "bash",
			"description": desc,
		})
		select {
		case approved := <-verdict:
			emit("text", map[string]string{"text": fmt.Sprintf("approved=%t", approved)})
		case <-r.Context().Done():
			return
		}

	case strings.HasPrefix(content, "tool:"):
		name := strings.TrimSpace(strings.TrimPrefix(content, "tool:"))
		toolID := s.allocID("tool")
		emit("tool_use", map[string]string{"tool_name": name, "tool_id": toolID})
		time.Sleep(50 * time.Millisecond)
		emit("tool_result", map[string]string{"tool_name": name, "tool_id": toolID})
		emit("text", map[string]string{"text": fmt.Sprintf("ran %s", name)})

	case strings.HasPrefix(content, "call:"):
		name := strings.TrimSpace(strings.TrimPrefix(content, "call:"))
		callID := s.allocID("call")
		result := s.registerCall(callID)
		emit("tool_call", map[string]any{
			"tool_name": name,
			"call_id":   callID,
			"input":     map[string]string{"text": "hello from fake-agentd"},
		})
		select {
		case output := <-result:
			emit("text", map[string]string{"text": output})
		case <-r.Context().Done():
			return
		}

	default:
		emit("text", map[string]string{"text": "Echo: " + req.Content})
	}

	emit("done", map[string]string{})
}

func (s *server) registerApproval(id string) chan bool {
	ch := make(chan bool, 1)
	s.mu.Lock()
	s.approvals[id] = ch
	s.mu.Unlock()
	return ch
}

func (s *server) registerCall(id string) chan string {
	ch := make(chan string, 1)
	s.mu.Lock()
	s.results[id] = ch
	s.mu.Unlock()
	return ch
}

func (s *server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"bad request body"}`, http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	ch, ok := s.approvals[req.ApprovalID]
	delete(s.approvals, req.ApprovalID)
	s.mu.Unlock()
	if !ok {
		http.Error(w, `{"error":"unknown approval"}`, http.StatusNotFound)
		return
	}
	ch <- req.Approved
	w.WriteHeader(http.StatusOK)
}

func (s *server) handleToolResult(w http.ResponseWriter, r *http.Request) {
	var req toolResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"bad request body"}`, http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	ch, ok := s.results[req.CallID]
	delete(s.results, req.CallID)
	s.mu.Unlock()
	if !ok {
		http.Error(w, `{"error":"unknown call"}`, http.StatusNotFound)
		return
	}
	content := req.Content
	if req.IsError {
		content = "tool error: " + content
	}
	ch <- content
	w.WriteHeader(http.StatusOK)
}

func (s *server) handleThread(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/threads/")
	log.Printf("released thread %s", id)
	w.WriteHeader(http.StatusNoContent)
}
