package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/reliefmesh/reliefmesh/pkg/pipeline"
)

func newSubmitCommand() *cobra.Command {
	var (
		serverURL string
		filePath  string
		region    string
		eventName string
		preImgs   []string
		postImgs  []string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a rescue request",
		Long: `Submit a rescue request to a running coordinator.

The submission can come from a JSON file or be assembled from flags. The
command prints the assigned request id; use "reliefmesh status <id>" to
follow the pipeline.`,
		Example: `  # Submit from a file
  reliefmesh submit --file request.json

  # Submit from flags
  reliefmesh submit --region "Cebu Province, Philippines" \
    --event "Typhoon Kalmaegi" \
    --post gs://imagery/cebu/post-01.tif \
    --pre gs://imagery/cebu/pre-01.tif`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var sub pipeline.IntakeSubmission
			if filePath != "" {
				data, err := os.ReadFile(filePath)
				if err != nil {
					return fmt.Errorf("failed to read submission file: %w", err)
				}
				if err := json.Unmarshal(data, &sub); err != nil {
					return fmt.Errorf("failed to parse submission file: %w", err)
				}
			} else {
				sub = pipeline.IntakeSubmission{
					Region:           region,
					EventName:        eventName,
					PreEventImagery:  preImgs,
					PostEventImagery: postImgs,
				}
			}

			body, err := json.Marshal(&sub)
			if err != nil {
				return fmt.Errorf("failed to encode submission: %w", err)
			}

			client := &http.Client{Timeout: 30 * time.Second}
			resp, err := client.Post(serverURL+"/v1/requests", "application/json", bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("failed to reach coordinator at %s: %w", serverURL, err)
			}
			defer resp.Body.Close()

			respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				return fmt.Errorf("failed to read response: %w", err)
			}

			if resp.StatusCode != http.StatusAccepted {
				return fmt.Errorf("submission rejected (%d): %s", resp.StatusCode, bytes.TrimSpace(respBody))
			}

			if jsonOutput {
				fmt.Println(string(bytes.TrimSpace(respBody)))
				return nil
			}

			var ack struct {
				RequestID string `json:"request_id"`
				Status    string `json:"status"`
			}
			if err := json.Unmarshal(respBody, &ack); err != nil {
				return fmt.Errorf("failed to decode acknowledgement: %w", err)
			}
			fmt.Printf("✓ Request accepted: %s (status: %s)\n", ack.RequestID, ack.Status)
			fmt.Printf("\nFollow progress with:\n  reliefmesh status %s\n", ack.RequestID)
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "coordinator base URL")
	cmd.Flags().StringVarP(&filePath, "file", "f", "", "JSON file with the submission")
	cmd.Flags().StringVar(&region, "region", "", "affected region")
	cmd.Flags().StringVar(&eventName, "event", "", "disaster event name")
	cmd.Flags().StringSliceVar(&preImgs, "pre", nil, "pre-event imagery URIs")
	cmd.Flags().StringSliceVar(&postImgs, "post", nil, "post-event imagery URIs")

	return cmd
}
