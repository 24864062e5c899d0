// ABOUTME: Operational HTTP server exposing health, readiness, and status.
// ABOUTME: Listens on localhost TCP or a tsnet node when Tailscale is enabled.

package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/store"
)

// FrontendStatus reports a chat frontend's identity and readiness.
type FrontendStatus interface {
	Name() string
	Ready() bool
}

// ConversationCounter reports live conversations and suspended approvals.
type ConversationCounter interface {
	Len() int
	PendingApprovals() int
}

// Ledger reads the recorded history for the status snapshot.
type Ledger interface {
	Totals(ctx context.Context) (turns, decisions int64, err error)
	RecentTurns(ctx context.Context, limit int) ([]store.TurnRecord, error)
}

// Config assembles the ops server.
type Config struct {
	Addr      string
	Version   string
	Tailscale config.TailscaleConfig

	Frontends     []FrontendStatus
	Conversations ConversationCounter
	Ledger        Ledger // nil when the ledger is disabled

	Logger *slog.Logger
}

// Server serves /health, /health/ready, and /status.
type Server struct {
	cfg         Config
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
	startedAt   time.Time
}

// New builds the ops server and its routes.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		logger:    logger.With("component", "ops"),
		startedAt: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/ready", s.handleReady)
	mux.HandleFunc("/status", s.handleStatus)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the route mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled or the server fails.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("ops server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("ops server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutting down ops server")
	case serverErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := s.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// Shutdown stops the HTTP server and the tsnet node if one is running.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	if s.tsnetServer != nil {
		if err := s.tsnetServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tailscale shutdown: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

func (s *Server) setupListener(ctx context.Context) (net.Listener, error) {
	if s.cfg.Tailscale.Enabled {
		return s.setupTailscaleListener(ctx)
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listening on ops address: %w", err)
	}
	return ln, nil
}

// resolveTailscaleStateDir returns the state directory, defaulting under the
// user's data dir when unset.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "coven-relay", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and listens on :80 there.
func (s *Server) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := s.cfg.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	s.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	s.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := s.tsnetServer.Up(ctx)
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	s.logTailscaleStatus(tsCfg.Hostname, status)

	ln, err := s.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale port: %w", err)
	}
	return ln, nil
}

func (s *Server) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		s.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = strings.TrimSuffix(status.Self.DNSName, ".")
	}
	s.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// handleHealth returns 200 OK while the process is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 once every configured frontend is connected.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	var notReady []string
	for _, f := range s.cfg.Frontends {
		if !f.Ready() {
			notReady = append(notReady, f.Name())
		}
	}
	if len(notReady) > 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "not ready: %s", strings.Join(notReady, ", "))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d frontends)", len(s.cfg.Frontends))
}

// recentTurnLimit bounds the status snapshot's history section.
const recentTurnLimit = 10

type statusResponse struct {
	Version          string          `json:"version"`
	UptimeSeconds    int64           `json:"uptime_seconds"`
	Frontends        map[string]bool `json:"frontends"`
	Conversations    int             `json:"conversations"`
	PendingApprovals int             `json:"pending_approvals"`
	Ledger           *ledgerStatus   `json:"ledger,omitempty"`
}

type ledgerStatus struct {
	Turns       int64        `json:"turns"`
	Decisions   int64        `json:"decisions"`
	RecentTurns []recentTurn `json:"recent_turns"`
}

type recentTurn struct {
	ConversationID string    `json:"conversation_id"`
	Outcome        string    `json:"outcome"`
	FinishedAt     time.Time `json:"finished_at"`
}

// handleStatus reports a JSON snapshot of the relay's state.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Version:       s.cfg.Version,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Frontends:     make(map[string]bool, len(s.cfg.Frontends)),
	}
	for _, f := range s.cfg.Frontends {
		resp.Frontends[f.Name()] = f.Ready()
	}
	if s.cfg.Conversations != nil {
		resp.Conversations = s.cfg.Conversations.Len()
		resp.PendingApprovals = s.cfg.Conversations.PendingApprovals()
	}
	if s.cfg.Ledger != nil {
		resp.Ledger = s.readLedger(r.Context())
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("encoding status response", "error", err)
	}
}

// readLedger assembles the history section. Read failures degrade to a
// missing section rather than failing the snapshot.
func (s *Server) readLedger(ctx context.Context) *ledgerStatus {
	turns, decisions, err := s.cfg.Ledger.Totals(ctx)
	if err != nil {
		s.logger.Error("reading ledger totals", "error", err)
		return nil
	}
	ls := &ledgerStatus{Turns: turns, Decisions: decisions, RecentTurns: []recentTurn{}}

	records, err := s.cfg.Ledger.RecentTurns(ctx, recentTurnLimit)
	if err != nil {
		s.logger.Error("reading recent turns", "error", err)
		return ls
	}
	for _, rec := range records {
		ls.RecentTurns = append(ls.RecentTurns, recentTurn{
			ConversationID: rec.ConversationID,
			Outcome:        rec.Outcome,
			FinishedAt:     rec.FinishedAt,
		})
	}
	return ls
}
