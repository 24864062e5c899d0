// ABOUTME: Top-level orchestrator wiring config into frontends, routers, and the runtime.
// ABOUTME: Owns startup order, the run loop, and graceful shutdown.

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-relay/internal/bridge"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/markdown"
	"github.com/2389/coven-relay/internal/matrix"
	"github.com/2389/coven-relay/internal/ops"
	"github.com/2389/coven-relay/internal/runtime"
	"github.com/2389/coven-relay/internal/slack"
	"github.com/2389/coven-relay/internal/store"
)

// Frontend is a chat platform adapter the relay runs. Run blocks until ctx
// is cancelled or the connection fails permanently.
type Frontend interface {
	Name() string
	Ready() bool
	Run(ctx context.Context) error
}

// Relay owns every long-lived component of the process.
type Relay struct {
	cfg       *config.Config
	runtime   *runtime.Client
	registry  *bridge.Registry
	ledger    *store.Ledger
	dedupe    *dedupe.Cache
	frontends []Frontend
	ops       *ops.Server
	logger    *slog.Logger
}

// New assembles a relay from configuration. cfg must already be validated.
func New(cfg *config.Config, version string, logger *slog.Logger) (*Relay, error) {
	if logger == nil {
		logger = slog.Default()
	}

	rt, err := runtime.NewClient(runtime.ClientConfig{
		BaseURL:        cfg.Runtime.BaseURL,
		ExecuteTimeout: cfg.Runtime.ExecuteTimeout,
		Logger:         logger.With("component", "runtime"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating runtime client: %w", err)
	}

	var ledger *store.Ledger
	if cfg.Ledger.Path != "" {
		ledger, err = store.NewLedger(cfg.Ledger.Path, logger.With("component", "ledger"))
		if err != nil {
			return nil, fmt.Errorf("opening ledger: %w", err)
		}
	}

	r := &Relay{
		cfg:      cfg,
		runtime:  rt,
		registry: bridge.NewRegistry(logger),
		ledger:   ledger,
		dedupe:   dedupe.New(dedupe.DefaultTTL, dedupe.DefaultMaxSize, logger.With("component", "dedupe")),
		logger:   logger.With("component", "relay"),
	}

	if cfg.Frontends.Slack.Enabled {
		if err := r.setupSlack(logger); err != nil {
			r.closeAll()
			return nil, err
		}
	}
	if cfg.Frontends.Matrix.Enabled {
		if err := r.setupMatrix(logger); err != nil {
			r.closeAll()
			return nil, err
		}
	}

	if cfg.Ops.Enabled {
		statuses := make([]ops.FrontendStatus, len(r.frontends))
		for i, f := range r.frontends {
			statuses[i] = f
		}
		opsCfg := ops.Config{
			Addr:          cfg.Ops.Addr,
			Version:       version,
			Tailscale:     cfg.Tailscale,
			Frontends:     statuses,
			Conversations: r.registry,
			Logger:        logger,
		}
		if ledger != nil {
			opsCfg.Ledger = ledger
		}
		r.ops = ops.New(opsCfg)
	}

	return r, nil
}

func (r *Relay) setupSlack(logger *slog.Logger) error {
	sc := r.cfg.Frontends.Slack

	// The frontend and its messenger share one Slack client; the router
	// sits between them.
	var handler handlerSlot
	frontend, messenger, err := slack.New(slack.Config{
		AppToken:        sc.AppToken,
		BotToken:        sc.BotToken,
		AllowedChannels: sc.AllowedChannels,
		Handler:         &handler,
		Dedupe:          r.dedupe,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("creating slack frontend: %w", err)
	}

	routerCfg := bridge.RouterConfig{
		Frontend:         "slack",
		CollapseThreads:  sc.CollapseThreads,
		ProgressReaction: sc.ProgressReaction,
		ApprovalTimeout:  r.cfg.Runtime.ApprovalTimeout,
		Registry:         r.registry,
		Runtime:          r.runtime,
		Messenger:        messenger,
		Render:           markdown.ToMrkdwn,
		Logger:           logger,
	}
	if r.ledger != nil {
		routerCfg.Turns = r.ledger
		routerCfg.Decisions = r.ledger
	}
	router, err := bridge.NewRouter(routerCfg)
	if err != nil {
		return fmt.Errorf("creating slack router: %w", err)
	}
	handler.set(router)

	r.frontends = append(r.frontends, frontend)
	return nil
}

func (r *Relay) setupMatrix(logger *slog.Logger) error {
	mc := r.cfg.Frontends.Matrix

	var handler handlerSlot
	frontend, messenger, err := matrix.New(matrix.Config{
		Homeserver:     mc.Homeserver,
		UserID:         mc.UserID,
		AccessToken:    mc.AccessToken,
		AllowedRooms:   mc.AllowedRooms,
		ApprovalWindow: r.cfg.Runtime.ApprovalTimeout,
		E2EE: matrix.E2EEConfig{
			Enabled:   mc.E2EE.Enabled,
			PickleKey: mc.E2EE.PickleKey,
			StorePath: mc.E2EE.StorePath,
		},
		Handler: &handler,
		Dedupe:  r.dedupe,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("creating matrix frontend: %w", err)
	}

	routerCfg := bridge.RouterConfig{
		Frontend:        "matrix",
		CollapseThreads: mc.CollapseThreads,
		ApprovalTimeout: r.cfg.Runtime.ApprovalTimeout,
		Registry:        r.registry,
		Runtime:         r.runtime,
		Messenger:       messenger,
		Logger:          logger,
	}
	if r.ledger != nil {
		routerCfg.Turns = r.ledger
		routerCfg.Decisions = r.ledger
	}
	router, err := bridge.NewRouter(routerCfg)
	if err != nil {
		return fmt.Errorf("creating matrix router: %w", err)
	}
	handler.set(router)

	r.frontends = append(r.frontends, frontend)
	return nil
}

// Frontends returns the configured platform adapters.
func (r *Relay) Frontends() []Frontend { return r.frontends }

// Run starts every frontend and the ops server, then blocks until ctx is
// cancelled or a component fails permanently.
func (r *Relay) Run(ctx context.Context) error {
	if len(r.frontends) == 0 {
		return fmt.Errorf("no frontends enabled")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(r.frontends)+1)
	for _, f := range r.frontends {
		f := f
		go func() {
			if err := f.Run(runCtx); err != nil {
				errCh <- fmt.Errorf("%s frontend: %w", f.Name(), err)
			}
		}()
	}
	if r.ops != nil {
		go func() {
			if err := r.ops.Run(runCtx); err != nil {
				errCh <- fmt.Errorf("ops server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		r.logger.Info("context canceled, initiating shutdown")
	case runErr = <-errCh:
		r.logger.Error("component failed", "error", runErr)
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	shutdownErr := r.Shutdown(shutdownCtx)

	if runErr != nil {
		return runErr
	}
	return shutdownErr
}

// Shutdown releases every session and closes all components.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.logger.Info("shutting down relay")

	r.registry.Shutdown(ctx)

	var errs []error
	errs = appendCloseError(errs, "runtime close", r.runtime.Close())
	if r.ledger != nil {
		errs = appendCloseError(errs, "ledger close", r.ledger.Close())
	}
	r.dedupe.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// closeAll releases components during failed construction.
func (r *Relay) closeAll() {
	_ = r.runtime.Close()
	if r.ledger != nil {
		_ = r.ledger.Close()
	}
	r.dedupe.Close()
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}
