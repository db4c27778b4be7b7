package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/reliefmesh/reliefmesh/pkg/bus"
	"github.com/reliefmesh/reliefmesh/pkg/engine"
	"github.com/reliefmesh/reliefmesh/pkg/stores"
	"github.com/reliefmesh/reliefmesh/pkg/telemetry"
)

func newReconcileCommand() *cobra.Command {
	var (
		minAge      time.Duration
		reprocessID string
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Repair stuck pipeline state",
		Long: `Run one reconciliation pass: republish lost triggers, realign request
statuses with their stage records, and report what was repaired.

With --reprocess, reset one failed request's failed stage record and
re-trigger it instead.`,
		Example: `  # One repair pass over requests older than the default minimum age
  reliefmesh reconcile --config config.cue

  # Re-run a failed request from its failed stage
  reliefmesh reconcile --reprocess 018f3c4e-...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			tel, err := telemetry.NewTelemetry(cfg.Telemetry)
			if err != nil {
				return fmt.Errorf("failed to initialize telemetry: %w", err)
			}

			ctx := cmd.Context()
			store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
			if err != nil {
				return fmt.Errorf("failed to create store: %w", err)
			}
			if err := store.Init(ctx); err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer store.Close()

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

			reconciler := engine.NewReconciler(store, trigBus, tel, minAge)

			if reprocessID != "" {
				if err := reconciler.Reprocess(ctx, reprocessID); err != nil {
					return err
				}
				fmt.Printf("✓ Request %s reset and re-triggered\n", reprocessID)
				return nil
			}

			report, err := reconciler.Run(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("Examined %d requests\n", report.Examined)
			fmt.Printf("  Analysis triggers republished: %d\n", len(report.AnalysisRepublished))
			fmt.Printf("  Planning triggers republished: %d\n", len(report.PlanningRepublished))
			fmt.Printf("  Status repairs:                %d\n", len(report.StatusRepairs))
			for _, repair := range report.StatusRepairs {
				fmt.Printf("    - %s\n", repair)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&minAge, "min-age", time.Minute, "skip records updated more recently than this")
	cmd.Flags().StringVar(&reprocessID, "reprocess", "", "reset and re-trigger one failed request id")

	return cmd
}
