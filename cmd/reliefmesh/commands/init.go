package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/reliefmesh/reliefmesh/pkg/config"
	"github.com/reliefmesh/reliefmesh/pkg/stores"
)

func newInitCommand() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a ReliefMesh workspace",
		Long: `Initialize a workspace: create the data directory, the SQLite database
with its schema, and a commented example configuration file.`,
		Example: `  # Initialize in ./data with ./reliefmesh.cue
  reliefmesh init

  # Initialize with a custom config path
  reliefmesh init --config /etc/reliefmesh/config.cue --data-dir /var/lib/reliefmesh`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().Str("data_dir", dataDir).Msg("Initializing workspace")

			ctx := cmd.Context()

			if err := os.MkdirAll(dataDir, 0o700); err != nil {
				return fmt.Errorf("failed to create data directory: %w", err)
			}
			fmt.Printf("✓ Created directory: %s\n", dataDir)

			dbPath := filepath.Join(dataDir, "reliefmesh.db")
			store, err := stores.NewSQLiteStore(stores.Config{Path: dbPath})
			if err != nil {
				return fmt.Errorf("failed to create store: %w", err)
			}
			if err := store.Init(ctx); err != nil {
				return fmt.Errorf("failed to initialize store: %w", err)
			}
			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			if err := store.Close(); err != nil {
				return fmt.Errorf("failed to close store: %w", err)
			}
			fmt.Printf("✓ Initialized SQLite database: %s\n", dbPath)

			if configPath == "" {
				configPath = "./reliefmesh.cue"
			}
			if _, err := os.Stat(configPath); err == nil {
				return fmt.Errorf("config file %s already exists, refusing to overwrite", configPath)
			}
			configContent := strings.Replace(config.ExampleConfig, `path: "reliefmesh.db"`, fmt.Sprintf("path: %q", dbPath), 1)
			if err := os.WriteFile(configPath, []byte(configContent), 0o644); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
			fmt.Printf("✓ Created config file: %s\n", configPath)

			fmt.Printf("\n✅ Workspace initialized!\n\n")
			fmt.Printf("Next steps:\n")
			fmt.Printf("  1. Start the coordinator:\n")
			fmt.Printf("     reliefmesh serve --config %s\n\n", configPath)
			fmt.Printf("  2. Submit a rescue request:\n")
			fmt.Printf("     reliefmesh submit --region \"Cebu Province\" --event \"Typhoon Kalmaegi\" \\\n")
			fmt.Printf("       --post gs://imagery/cebu/post-01.tif\n\n")

			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "./data", "workspace data directory")

	return cmd
}
