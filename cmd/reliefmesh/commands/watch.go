package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/reliefmesh/reliefmesh/pkg/stores"
)

func newWatchCommand() *cobra.Command {
	var (
		interval time.Duration
		since    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream pipeline state changes",
		Long: `Stream record mutations from the state store as they happen.

The command polls the store with an updated_at cursor, so it works against
a database another process is writing to. Each line is one mutation:
the collection, the request id, and the record's status after the write.`,
		Example: `  # Watch a running coordinator's database
  reliefmesh watch --config config.cue

  # Include the last hour of history first
  reliefmesh watch --since 1h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
			if err != nil {
				return fmt.Errorf("failed to create store: %w", err)
			}
			ctx := cmd.Context()
			if err := store.Init(ctx); err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer store.Close()

			cursor := time.Now().UTC().Add(-since)
			return watchLoop(ctx, store, cursor, interval)
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval")
	cmd.Flags().DurationVar(&since, "since", 0, "include changes from this far back before watching")

	return cmd
}

func watchLoop(ctx context.Context, store stores.Store, cursor time.Time, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		changes, err := store.ListChangedSince(ctx, cursor)
		if err != nil {
			return fmt.Errorf("change poll failed: %w", err)
		}
		for _, change := range changes {
			printChange(change)
			if change.ObservedAt.After(cursor) {
				cursor = change.ObservedAt
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func printChange(change stores.Change) {
	if jsonOutput {
		line, _ := json.Marshal(change)
		fmt.Println(string(line))
		return
	}
	fmt.Printf("%s  %-15s %-10s %s\n",
		change.ObservedAt.Format(time.RFC3339),
		change.Collection,
		change.Status,
		change.RequestID)
}
