// Package chaperone mediates human-in-the-loop approval of sensitive
// automated actions through a team-messaging platform, with a local
// terminal fallback when the platform is unreachable. An automation
// agent embeds a System, calls RequestApproval before running a
// sensitive command, and calls EndSession exactly once when its session
// finishes.
package chaperone

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chaperone-dev/chaperone/internal/orchestrator"
	"github.com/chaperone-dev/chaperone/pkg/config"
	"github.com/chaperone-dev/chaperone/pkg/ledger"
	"github.com/chaperone-dev/chaperone/pkg/observability"
	"github.com/chaperone-dev/chaperone/pkg/platform"
	"github.com/chaperone-dev/chaperone/pkg/registry"
	"github.com/chaperone-dev/chaperone/pkg/terminal"
	"github.com/chaperone-dev/chaperone/pkg/webhook"
)

// System is the assembled approval orchestration subsystem.
type System struct {
	Orchestrator *orchestrator.Orchestrator
	Ledger       *ledger.Ledger
	Registry     *registry.Registry
	Monitor      *platform.Monitor
	Server       *webhook.Server

	store registry.SnapshotStore
	cfg   *config.Config
}

// New wires the subsystem from configuration: rate gate, platform client,
// health monitor, snapshot store (loaded before anything else starts),
// channel registry, approval ledger, webhook dispatcher and terminal
// fallback.
func New(ctx context.Context, cfg *config.Config) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	observability.InitMetrics()

	gate := platform.NewGate(cfg.Platform.MinDelay, cfg.Platform.MaxDelay)
	client := platform.NewClient(cfg.Platform.BaseURL, cfg.Platform.Token, gate)
	monitor := platform.NewMonitor(client.Probe, cfg.Platform.ProbeInterval)
	monitor.Check(ctx)

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	reg := registry.New(client, monitor, store)
	if err := reg.Load(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	led := ledger.New(client, reg, ledger.Options{
		ReminderInterval: cfg.Reminder.Interval,
		MaxReminders:     cfg.Reminder.MaxReminders,
	})

	orch := orchestrator.New(reg, led, monitor, terminal.NewPrompter())

	checker := observability.InitHealthChecker()
	checker.RegisterCheck(observability.PlatformCheck(monitor.Healthy))
	checker.RegisterCheck(observability.SnapshotCheck(store.Ping))

	verifier := webhook.NewVerifier(cfg.Platform.SigningSecret)
	server := webhook.NewServer(cfg.Listen, verifier, led, reg)

	return &System{
		Orchestrator: orch,
		Ledger:       led,
		Registry:     reg,
		Monitor:      monitor,
		Server:       server,
		store:        store,
		cfg:          cfg,
	}, nil
}

// RequestApproval is the agent-facing contract; see
// Orchestrator.RequestApproval.
func (s *System) RequestApproval(ctx context.Context, sessionID, command string, metadata map[string]string) (<-chan ledger.Resolution, error) {
	return s.Orchestrator.RequestApproval(ctx, sessionID, command, metadata)
}

// EndSession cancels the session's pending approvals and archives its
// channel. Must be called exactly once per session.
func (s *System) EndSession(ctx context.Context, sessionID string) error {
	return s.Orchestrator.EndSession(ctx, sessionID)
}

// Run starts the health probe and webhook dispatcher and blocks until ctx
// is cancelled or a component fails, then shuts everything down.
func (s *System) Run(ctx context.Context) error {
	if err := s.Monitor.Start(); err != nil {
		return err
	}
	defer s.Monitor.Stop()
	defer func() { _ = s.store.Close() }()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("Webhook dispatcher listening on %s", s.cfg.Listen)
		if err := s.Server.Start(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.Server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config) (registry.SnapshotStore, error) {
	switch cfg.Snapshot.Backend {
	case "redis":
		return registry.NewRedisStore(ctx, registry.RedisStoreConfig{
			Addr:     cfg.Snapshot.Redis.Addr,
			Password: cfg.Snapshot.Redis.Password,
			DB:       cfg.Snapshot.Redis.DB,
			Key:      cfg.Snapshot.Redis.Key,
		})
	default:
		return registry.NewFileStore(cfg.Snapshot.Path)
	}
}
