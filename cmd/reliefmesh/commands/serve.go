package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/reliefmesh/reliefmesh/pkg/api"
	"github.com/reliefmesh/reliefmesh/pkg/bus"
	"github.com/reliefmesh/reliefmesh/pkg/config"
	"github.com/reliefmesh/reliefmesh/pkg/engine"
	"github.com/reliefmesh/reliefmesh/pkg/policy"
	"github.com/reliefmesh/reliefmesh/pkg/providers"
	"github.com/reliefmesh/reliefmesh/pkg/stores"
	"github.com/reliefmesh/reliefmesh/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	var reconcileInterval time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline coordinator",
		Long: `Run the full pipeline coordinator: the intake API, both stage workers,
and the periodic reconciler, sharing one state store and trigger bus.

Multiple serve processes may share the same database file; the claim
records and trigger leases keep concurrent workers from duplicating work.`,
		Example: `  # Run with development defaults (simulated providers, ./reliefmesh.db)
  reliefmesh serve

  # Run against a config file
  reliefmesh serve --config /etc/reliefmesh/config.cue`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, reconcileInterval)
		},
	}

	cmd.Flags().DurationVar(&reconcileInterval, "reconcile-interval", 5*time.Minute, "how often the background reconciler runs (0 disables it)")

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, reconcileInterval time.Duration) error {
	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	logger := tel.Logger.NewComponentLogger("serve")

	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	defer store.Close()
	logger.WithField("path", cfg.Store.Path).Info("State store ready")

	trigBus, err := bus.NewSQLiteBus(store.DB(), bus.Options{
		PollInterval:  cfg.Bus.PollInterval,
		LeaseDuration: cfg.Bus.LeaseDuration,
		MaxAttempts:   cfg.Bus.MaxAttempts,
		BaseBackoff:   cfg.Bus.BaseBackoff,
		MaxBackoff:    cfg.Bus.MaxBackoff,
		Logger:        tel.Logger.Zerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create trigger bus: %w", err)
	}

	policies, err := policy.NewEngine(tel.Logger.Zerolog())
	if err != nil {
		return fmt.Errorf("failed to create policy engine: %w", err)
	}
	if cfg.Intake.PolicyPath != "" {
		if err := policies.LoadPolicies(ctx, []string{cfg.Intake.PolicyPath}); err != nil {
			return fmt.Errorf("failed to load admission policies: %w", err)
		}
		logger.WithField("path", cfg.Intake.PolicyPath).Info("Loaded admission policies")
	}

	analyzer, planner, inventory, cleanup, err := buildProviders(cfg.Providers, tel)
	if err != nil {
		return err
	}
	defer cleanup()

	routerOpts := engine.RouterOptions{
		PublishRetries: cfg.Intake.PublishRetries,
	}
	if len(cfg.Providers.AOIRegions) > 0 {
		routerOpts.Resolver = providers.MapAOIResolver(cfg.Providers.AOIRegions)
	}
	router := engine.NewRouter(store, trigBus, policies, tel, routerOpts)
	damage := engine.NewDamageStage(store, trigBus, analyzer, cfg.Stages.AnalysisTimeout, cfg.Bus.LeaseDuration, tel)
	logistics := engine.NewLogisticsStage(store, planner, inventory, cfg.Stages.PlanningTimeout, cfg.Bus.LeaseDuration, tel)
	coordinator := engine.NewCoordinator(trigBus, damage, logistics, tel)
	reconciler := engine.NewReconciler(store, trigBus, tel, 0)

	server := api.NewServer(router, store, tel, api.Options{
		ListenAddress: cfg.Intake.ListenAddress,
		MaxBodyBytes:  cfg.Intake.MaxBodyBytes,
	})

	if err := tel.StartMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coordinator.Run(ctx) })
	g.Go(func() error { return server.Run(ctx) })
	if reconcileInterval > 0 {
		g.Go(func() error { return runReconcileLoop(ctx, reconciler, logger, reconcileInterval) })
	}

	logger.Info("Pipeline coordinator running")
	return g.Wait()
}

// runReconcileLoop runs periodic repair passes until shutdown.
func runReconcileLoop(ctx context.Context, reconciler *engine.Reconciler, logger *telemetry.Logger, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			report, err := reconciler.Run(ctx)
			if err != nil {
				logger.WithError(err).Warn("Reconciliation pass failed")
				continue
			}
			if len(report.AnalysisRepublished)+len(report.PlanningRepublished)+len(report.StatusRepairs) > 0 {
				logger.WithFields(map[string]interface{}{
					"analysis_republished": len(report.AnalysisRepublished),
					"planning_republished": len(report.PlanningRepublished),
					"status_repairs":       len(report.StatusRepairs),
				}).Info("Reconciliation repaired state")
			}
		}
	}
}

// buildProviders assembles the configured external-function adapters. The
// returned cleanup stops the inventory watcher.
func buildProviders(cfg config.ProvidersConfig, tel *telemetry.Telemetry) (engine.ImageryAnalyzer, engine.PlanGenerator, engine.InventorySource, func(), error) {
	var (
		analyzer engine.ImageryAnalyzer
		planner  engine.PlanGenerator
	)
	switch cfg.Mode {
	case "http":
		analyzer = providers.NewHTTPAnalyzer(cfg.AnalysisEndpoint, cfg.RequestTimeout)
		planner = providers.NewHTTPPlanner(cfg.PlanningEndpoint, cfg.RequestTimeout)
	case "simulated":
		analyzer = &providers.SimulatedAnalyzer{}
		planner = &providers.SimulatedPlanner{}
	default:
		return nil, nil, nil, nil, fmt.Errorf("unknown provider mode %q", cfg.Mode)
	}

	cleanup := func() {}
	var inventory engine.InventorySource
	if cfg.InventoryPath != "" {
		fileInv, err := providers.NewFileInventory(cfg.InventoryPath, cfg.WatchInventory, tel.Logger)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to load inventory: %w", err)
		}
		inventory = fileInv
		cleanup = func() { _ = fileInv.Close() }
	} else {
		inventory = providers.NewStaticInventory(nil)
	}

	return analyzer, planner, inventory, cleanup, nil
}
