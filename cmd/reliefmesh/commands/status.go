package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/reliefmesh/reliefmesh/pkg/engine"
)

func newStatusCommand() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "status <request-id>",
		Short: "Show the pipeline state of a request",
		Long: `Show everything known about a request: its record, the damage report,
and the logistics plan, each with its stage status.`,
		Example: `  # Human-readable summary
  reliefmesh status 018f3c4e-...

  # Raw JSON
  reliefmesh status 018f3c4e-... --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			requestID := args[0]

			client := &http.Client{Timeout: 30 * time.Second}
			resp, err := client.Get(serverURL + "/v1/requests/" + requestID)
			if err != nil {
				return fmt.Errorf("failed to reach coordinator at %s: %w", serverURL, err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				return fmt.Errorf("failed to read response: %w", err)
			}
			if resp.StatusCode == http.StatusNotFound {
				return fmt.Errorf("no request with id %s", requestID)
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("status read failed (%d): %s", resp.StatusCode, bytes.TrimSpace(body))
			}

			if jsonOutput {
				fmt.Println(string(bytes.TrimSpace(body)))
				return nil
			}

			var view engine.RequestView
			if err := json.Unmarshal(body, &view); err != nil {
				return fmt.Errorf("failed to decode status: %w", err)
			}
			printView(&view)
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "coordinator base URL")

	return cmd
}

func printView(view *engine.RequestView) {
	req := view.Request
	fmt.Printf("Request:  %s\n", req.RequestID)
	fmt.Printf("  Region: %s\n", req.Region)
	fmt.Printf("  Event:  %s\n", req.EventName)
	fmt.Printf("  Status: %s\n", req.Status)
	fmt.Printf("  Created: %s\n", req.CreatedAt.Format(time.RFC3339))

	if view.Report == nil {
		fmt.Println("\nDamage report: not started")
	} else {
		fmt.Printf("\nDamage report: %s\n", view.Report.Status)
		if view.Report.Error != "" {
			fmt.Printf("  Error: %s\n", view.Report.Error)
		}
		for _, f := range view.Report.Findings {
			fmt.Printf("  - %-20s %s (confidence %.2f)\n", f.Category, f.Location, f.Confidence)
		}
	}

	if view.Plan == nil {
		fmt.Println("\nLogistics plan: not started")
	} else {
		fmt.Printf("\nLogistics plan: %s\n", view.Plan.Status)
		if view.Plan.Error != "" {
			fmt.Printf("  Error: %s\n", view.Plan.Error)
		}
		for _, a := range view.Plan.Actions {
			fmt.Printf("  %2d. %d x %s -> %s (priority %d)\n",
				a.Sequence, a.Quantity, a.ResourceType, a.Destination, a.Priority)
		}
	}
}
